// Package staging keeps the bytes of submitted uploads until they have been
// uploaded. Staged content is written once and deleted once its upload is
// finished.
package staging

import (
	"io"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when the requested content is not staged.
var ErrNotFound = errors.New("staged content not found")

// Store is a staging area backend.
type Store interface {
	// Put stages the contents of r under key and returns the number of
	// bytes written.
	Put(key string, r io.Reader) (int64, error)

	// Open returns the content staged under key, positioned at offset.
	Open(key string, offset int64) (io.ReadCloser, error)

	Delete(key string) error

	// Exists reports whether content is staged under key. An error means
	// the staging area could not be reached.
	Exists(key string) (bool, error)
}

// countingReader counts the bytes read through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type emptyReadCloser struct{}

func (emptyReadCloser) Read([]byte) (int, error) { return 0, io.EOF }
func (emptyReadCloser) Close() error             { return nil }
