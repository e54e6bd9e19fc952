// Package blob implements the attachment stores.
package blob

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/HMasataka/relay/pkg/domain"
	"github.com/HMasataka/relay/pkg/errors"
)

// Disk writes each blob as one file under a root directory.
// The reference returned by Store is the file name.
type Disk struct {
	root string
}

// NewDisk creates the root directory if needed
func NewDisk(root string) (*Disk, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBlobWrite, "BLOB_DIR", "failed to create upload directory")
	}
	return &Disk{root: root}, nil
}

// Store implements domain.BlobStore
func (d *Disk) Store(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	path, err := d.resolve(name)
	if err != nil {
		return "", err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeBlobWrite, domain.ErrBlobWrite.Code, "failed to create blob file")
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", errors.Wrap(err, errors.ErrorTypeBlobWrite, domain.ErrBlobWrite.Code, "failed to write blob file")
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", errors.Wrap(err, errors.ErrorTypeBlobWrite, domain.ErrBlobWrite.Code, "failed to flush blob file")
	}

	return name, nil
}

// Retrieve implements domain.BlobStore
func (d *Disk) Retrieve(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := d.resolve(ref)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, domain.ErrBlobNotFound.WithDetails(ref)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "BLOB_READ", "failed to read blob file")
	}
	return data, nil
}

// resolve rejects references that would escape the root
func (d *Disk) resolve(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", domain.ErrInvalidMessage.WithDetails("invalid blob name " + name)
	}
	return filepath.Join(d.root, name), nil
}
