package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
)

// VisitFileFunc is invoked for each file in the archive. If it returns an error,
// visiting stops and the error is returned.
type VisitFileFunc func(h *tar.Header, r io.Reader) error

// Walk allows a client to walk the provided input archive, invoking fn on each
// file. If an error is returned walking stops immediately.
func Walk(r io.Reader, fn VisitFileFunc) error {
	tr := tar.NewReader(r)

	for {
		h, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		if err := fn(h, tr); err != nil {
			return err
		}
	}
}

// ErrNotFound is returned by Find when the archive has no entry with the name.
var ErrNotFound = errors.New("file not found in archive")

var errFound = errors.New("found")

// Find returns the contents of the regular file called name, refusing files
// larger than maxSize bytes.
func Find(r io.Reader, name string, maxSize int64) ([]byte, error) {
	var data []byte
	err := Walk(r, func(h *tar.Header, in io.Reader) error {
		if h.Name != name || h.Typeflag != tar.TypeReg {
			return nil
		}
		if h.Size > maxSize {
			return fmt.Errorf("%s in archive too large, %d bytes", name, h.Size)
		}
		var err error
		if data, err = io.ReadAll(in); err != nil {
			return err
		}
		return errFound
	})
	switch {
	case err == errFound:
		return data, nil
	case err != nil:
		return nil, err
	default:
		return nil, ErrNotFound
	}
}
