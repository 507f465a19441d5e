package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
)

type mockObject struct {
	*bytes.Reader
	statErr error
	closed  bool
}

func (m *mockObject) Close() error {
	m.closed = true
	return nil
}

func (m *mockObject) Stat() (minio.ObjectInfo, error) {
	return minio.ObjectInfo{Size: m.Size()}, m.statErr
}

// mockObjectClient keeps objects in memory.
type mockObjectClient struct {
	objects map[string][]byte
	putErr  error
	lastPut minio.PutObjectOptions
	opened  []*mockObject
}

func newMockObjectClient() *mockObjectClient {
	return &mockObjectClient{objects: make(map[string][]byte)}
}

func noSuchKey() error {
	return minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound, Message: "The specified key does not exist."}
}

func (m *mockObjectClient) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if m.putErr != nil {
		return minio.UploadInfo{}, m.putErr
	}
	data, _ := io.ReadAll(reader)
	m.objects[bucket+"/"+key] = data
	m.lastPut = opts
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: int64(len(data))}, nil
}

func (m *mockObjectClient) GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (Object, error) {
	obj := &mockObject{Reader: bytes.NewReader(m.objects[bucket+"/"+key])}
	if _, ok := m.objects[bucket+"/"+key]; !ok {
		obj.statErr = noSuchKey()
	}
	m.opened = append(m.opened, obj)
	return obj, nil
}

func (m *mockObjectClient) RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error {
	if _, ok := m.objects[bucket+"/"+key]; !ok {
		return noSuchKey()
	}
	delete(m.objects, bucket+"/"+key)
	return nil
}

func TestS3Storage_Key(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		want   string
	}{
		{"no prefix", "", "abc-123.json"},
		{"with prefix", "deadletters", "deadletters/abc-123.json"},
		{"prefix with trailing slash normalizes", "deadletters/", "deadletters/abc-123.json"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			storage := NewS3StorageWithClient(nil, "bucket", tc.prefix)
			if got := storage.key("abc-123"); got != tc.want {
				t.Errorf("key = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestS3Storage_RoundTrip(t *testing.T) {
	ctx := context.Background()
	client := newMockObjectClient()
	storage := NewS3StorageWithClient(client, "hooks", "dl")

	data := `{"id":"abc"}`
	n, err := storage.Save(ctx, "abc", strings.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if n != int64(len(data)) {
		t.Errorf("Save returned %d, want %d", n, len(data))
	}
	if _, ok := client.objects["hooks/dl/abc.json"]; !ok {
		t.Errorf("expected object at hooks/dl/abc.json, have %v", client.objects)
	}
	if client.lastPut.ContentType != "application/json" {
		t.Errorf("content type = %q", client.lastPut.ContentType)
	}

	r, err := storage.Load(ctx, "abc")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	got, _ := io.ReadAll(r)
	r.Close()
	if string(got) != data {
		t.Errorf("Load returned %q", got)
	}

	if err := storage.Delete(ctx, "abc"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := storage.Delete(ctx, "abc"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestS3Storage_LoadMissing(t *testing.T) {
	client := newMockObjectClient()
	storage := NewS3StorageWithClient(client, "hooks", "")

	if _, err := storage.Load(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(client.opened) != 1 || !client.opened[0].closed {
		t.Error("expected object handle to be closed after failed stat")
	}
}

func TestS3Storage_SaveError(t *testing.T) {
	client := newMockObjectClient()
	client.putErr = errors.New("upload failed")
	storage := NewS3StorageWithClient(client, "hooks", "")

	if _, err := storage.Save(context.Background(), "abc", strings.NewReader("x"), 1); err == nil {
		t.Fatal("expected error")
	}
}

func TestS3Storage_InvalidID(t *testing.T) {
	storage := NewS3StorageWithClient(newMockObjectClient(), "hooks", "")

	if _, err := storage.Save(context.Background(), "../x", strings.NewReader("x"), 1); err != ErrInvalidID {
		t.Errorf("expected ErrInvalidID, got %v", err)
	}
}

func TestNewS3Storage(t *testing.T) {
	storage, err := NewS3Storage(S3Config{
		Endpoint: "localhost:9000",
		KeyID:    "minio",
		AppKey:   "minio123",
		Bucket:   "hooks",
		Insecure: true,
	})
	if err != nil {
		t.Fatalf("NewS3Storage failed: %v", err)
	}
	if storage.bucket != "hooks" {
		t.Errorf("bucket = %q", storage.bucket)
	}
}
