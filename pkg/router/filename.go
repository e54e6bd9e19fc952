package router

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/xid"
)

const nameSeparator = "-_-"

// Namer derives collision-resistant stored filenames from uploaded names.
// The result reads <unix millis>-<xid>-_-<base>.<ext>; the xid keeps two uploads in
// the same millisecond apart while the suffix keeps the original name readable.
type Namer struct {
	now   func() time.Time
	newID func() string
}

// NewNamer creates a namer using the wall clock
func NewNamer() *Namer {
	return &Namer{
		now:   time.Now,
		newID: func() string { return xid.New().String() },
	}
}

// Derive returns the stored filename for original
func (n *Namer) Derive(original string) string {
	base := filepath.Base(strings.ReplaceAll(original, "\\", "/"))
	ext := filepath.Ext(base)
	stem := sanitize(strings.TrimSuffix(base, ext))
	ext = sanitize(strings.TrimPrefix(ext, "."))

	if stem == "" {
		stem = "file"
	}

	name := strconv.FormatInt(n.now().UnixMilli(), 10) + "-" + n.newID() + nameSeparator + stem
	if ext != "" {
		name += "." + ext
	}
	return name
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_")
}
