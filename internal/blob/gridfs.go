package blob

import (
	"bytes"
	"context"

	"github.com/HMasataka/relay/pkg/domain"
	"github.com/HMasataka/relay/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// GridFS stores blobs in a MongoDB GridFS bucket, keyed by file name.
type GridFS struct {
	db   *mongo.Database
	name string
}

// NewGridFS opens the named bucket in db
func NewGridFS(db *mongo.Database, bucket string) (*GridFS, error) {
	g := &GridFS{db: db, name: bucket}
	if _, err := g.open(context.Background()); err != nil {
		return nil, err
	}
	return g, nil
}

// open returns a bucket bound to the deadline of ctx. Deadlines are bucket
// state in the driver, so each call gets its own handle.
func (g *GridFS) open(ctx context.Context) (*gridfs.Bucket, error) {
	b, err := gridfs.NewBucket(g.db, options.GridFSBucket().SetName(g.name))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBlobWrite, "GRIDFS_BUCKET", "failed to open GridFS bucket")
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := b.SetWriteDeadline(deadline); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeBlobWrite, "GRIDFS_BUCKET", "failed to set write deadline")
		}
		if err := b.SetReadDeadline(deadline); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeBlobWrite, "GRIDFS_BUCKET", "failed to set read deadline")
		}
	}
	return b, nil
}

// Store implements domain.BlobStore
func (g *GridFS) Store(ctx context.Context, name string, data []byte) (string, error) {
	b, err := g.open(ctx)
	if err != nil {
		return "", err
	}

	if _, err := b.UploadFromStream(name, bytes.NewReader(data)); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeBlobWrite, domain.ErrBlobWrite.Code, "failed to upload blob")
	}
	return name, nil
}

// Retrieve implements domain.BlobStore
func (g *GridFS) Retrieve(ctx context.Context, ref string) ([]byte, error) {
	b, err := g.open(ctx)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if _, err := b.DownloadToStreamByName(ref, &buf); err != nil {
		if errors.Is(err, gridfs.ErrFileNotFound) {
			return nil, domain.ErrBlobNotFound.WithDetails(ref)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "BLOB_READ", "failed to download blob")
	}
	return buf.Bytes(), nil
}
