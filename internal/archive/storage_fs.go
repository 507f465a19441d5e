package archive

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
)

// FSStorage keeps records as JSON files in a local directory.
type FSStorage struct {
	basePath string
}

// NewFSStorage creates the directory if needed.
func NewFSStorage(basePath string) (*FSStorage, error) {
	if err := os.MkdirAll(basePath, 0750); err != nil {
		return nil, err
	}
	return &FSStorage{basePath: basePath}, nil
}

func (s *FSStorage) path(id string) string {
	return filepath.Join(s.basePath, id+".json")
}

func (s *FSStorage) Save(ctx context.Context, id string, data io.Reader, size int64) (int64, error) {
	if err := validateID(id); err != nil {
		return 0, err
	}

	// Write to a temp file and rename into place
	tmp, err := os.CreateTemp(s.basePath, ".tmp-"+id+"-*")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	if err := os.Rename(tmp.Name(), s.path(id)); err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	return n, nil
}

func (s *FSStorage) Load(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

func (s *FSStorage) Delete(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	err := os.Remove(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	return err
}
