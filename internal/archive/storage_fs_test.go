package archive

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"uuid", "3f2b8c1e-6a4d-4e0f-9b7a-1c2d3e4f5a6b", false},
		{"alphanumeric", "abc123XYZ", false},
		{"empty", "", true},
		{"path traversal dots", "../etc/passwd", true},
		{"contains slash", "path/to/file", true},
		{"contains backslash", "path\\to\\file", true},
		{"contains dot", "file.json", true},
		{"contains space", "file name", true},
		{"too long", strings.Repeat("a", 65), true},
		{"max length valid", strings.Repeat("a", 64), false},
		{"null byte", "file\x00name", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := validateID(tc.id)
			if (err != nil) != tc.wantErr {
				t.Errorf("validateID(%q) error = %v, wantErr %v", tc.id, err, tc.wantErr)
			}
		})
	}
}

func TestFSStorage_SaveLoadDelete(t *testing.T) {
	dir := t.TempDir()
	storage, err := NewFSStorage(dir)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	ctx := context.Background()
	id := "delivery-1"
	data := `{"id":"delivery-1"}`

	n, err := storage.Save(ctx, id, strings.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if n != int64(len(data)) {
		t.Errorf("Save returned %d bytes, want %d", n, len(data))
	}
	if _, err := os.Stat(filepath.Join(dir, id+".json")); err != nil {
		t.Errorf("record should exist on disk: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected only the record in %s, found %d entries", dir, len(entries))
	}

	r, err := storage.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	got, _ := io.ReadAll(r)
	r.Close()
	if string(got) != data {
		t.Errorf("Load returned %q, want %q", got, data)
	}

	if err := storage.Delete(ctx, id); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := storage.Load(ctx, id); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := storage.Delete(ctx, id); err != ErrNotFound {
		t.Errorf("expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestFSStorage_RejectsInvalidIDs(t *testing.T) {
	storage, err := NewFSStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	ctx := context.Background()

	if _, err := storage.Save(ctx, "../escape", strings.NewReader("x"), 1); err != ErrInvalidID {
		t.Errorf("Save: expected ErrInvalidID, got %v", err)
	}
	if _, err := storage.Load(ctx, "../escape"); err != ErrInvalidID {
		t.Errorf("Load: expected ErrInvalidID, got %v", err)
	}
	if err := storage.Delete(ctx, "../escape"); err != ErrInvalidID {
		t.Errorf("Delete: expected ErrInvalidID, got %v", err)
	}
}
