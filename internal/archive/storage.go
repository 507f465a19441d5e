package archive

import (
	"context"
	"errors"
	"io"
	"regexp"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrInvalidID = errors.New("invalid record id")
)

// validIDPattern matches UUID-like IDs (no path traversal possible)
var validIDPattern = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

func validateID(id string) error {
	if id == "" || len(id) > 64 || !validIDPattern.MatchString(id) {
		return ErrInvalidID
	}
	return nil
}

// Storage defines the interface for record blob storage.
type Storage interface {
	Save(ctx context.Context, id string, data io.Reader, size int64) (int64, error)
	Load(ctx context.Context, id string) (io.ReadCloser, error)
	Delete(ctx context.Context, id string) error
}
