package docstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Resolve when the handle does not reference a
// stored document.
var ErrNotFound = errors.New("document not found")

// Store abstracts the blob storage holding uploaded receipt documents:
// upload a file and get an opaque handle back, dereference a handle to a
// fetchable URL.
type Store interface {
	Store(ctx context.Context, r io.Reader, size int64, filename, mimeType string) (string, error)
	Resolve(ctx context.Context, ref string) (string, error)
}
