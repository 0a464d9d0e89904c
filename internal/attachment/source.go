package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/alexjbarnes/mirrorsync/internal/models"
)

// Source loads the bytes of a local attachment. Platforms expose parts
// in different ways, so the pipeline tries several in order.
type Source interface {
	Name() string
	Load(ctx context.Context, att models.LocalAttachment) ([]byte, error)
}

var errNoLocation = errors.New("attachment has no location for this source")

// FileSource reads the attachment's URI as a local path. Both bare
// paths and file:// URIs are accepted.
type FileSource struct {
	MaxBytes int64
}

func (FileSource) Name() string { return "file" }

func (s FileSource) Load(_ context.Context, att models.LocalAttachment) ([]byte, error) {
	p, ok := strings.CutPrefix(att.URI, "file://")
	if !ok && strings.Contains(att.URI, "://") {
		return nil, errNoLocation
	}

	if p == "" {
		return nil, errNoLocation
	}

	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return readLimited(f, s.MaxBytes)
}

// DirSource looks the attachment up by id, then by file name, inside a
// directory. Names cannot escape the directory.
type DirSource struct {
	Dir      string
	MaxBytes int64
}

func (DirSource) Name() string { return "dir" }

func (s DirSource) Load(_ context.Context, att models.LocalAttachment) ([]byte, error) {
	root, err := os.OpenRoot(s.Dir)
	if err != nil {
		return nil, err
	}
	defer root.Close()

	var errs []error

	for _, name := range []string{att.ID, att.FileName} {
		if name == "" {
			continue
		}

		f, err := root.Open(filepath.Clean(name))
		if err != nil {
			errs = append(errs, err)
			continue
		}

		data, err := readLimited(f, s.MaxBytes)
		f.Close()

		if err != nil {
			errs = append(errs, err)
			continue
		}

		return data, nil
	}

	if len(errs) == 0 {
		return nil, errNoLocation
	}

	return nil, errors.Join(errs...)
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}

	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}

	if int64(len(data)) > limit {
		return nil, fmt.Errorf("attachment larger than %d bytes", limit)
	}

	return data, nil
}
