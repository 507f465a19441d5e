package archive

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"invoicehook/internal/logging"
)

// DefaultS3Endpoint is Backblaze B2's S3-compatible endpoint.
const DefaultS3Endpoint = "s3.us-east-005.backblazeb2.com"

// ObjectClient is the subset of the minio client used by S3Storage.
type ObjectClient interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (Object, error)
	RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error
}

// Object is a readable remote object.
type Object interface {
	io.ReadCloser
	Stat() (minio.ObjectInfo, error)
}

// minioClient adapts *minio.Client to ObjectClient.
type minioClient struct {
	*minio.Client
}

func (c minioClient) GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (Object, error) {
	return c.Client.GetObject(ctx, bucket, key, opts)
}

// S3Config holds configuration for S3-compatible storage (B2, MinIO, AWS).
type S3Config struct {
	Endpoint string // Defaults to DefaultS3Endpoint
	KeyID    string
	AppKey   string
	Bucket   string
	Prefix   string // Optional folder prefix for all objects
	Insecure bool   // Plain HTTP, for local MinIO
}

// S3Storage implements Storage on an S3-compatible bucket.
type S3Storage struct {
	client ObjectClient
	bucket string
	prefix string
}

// NewS3Storage creates a new bucket-backed storage.
func NewS3Storage(cfg S3Config) (*S3Storage, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultS3Endpoint
	}
	logging.Archive.Infof("initializing storage (bucket=%s, prefix=%s, endpoint=%s)", cfg.Bucket, cfg.Prefix, endpoint)

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.KeyID, cfg.AppKey, ""),
		Secure: !cfg.Insecure,
	})
	if err != nil {
		logging.Archive.Errorf("failed to create client: %v", err)
		return nil, err
	}

	return NewS3StorageWithClient(minioClient{client}, cfg.Bucket, cfg.Prefix), nil
}

// NewS3StorageWithClient creates storage over an existing client.
func NewS3StorageWithClient(client ObjectClient, bucket, prefix string) *S3Storage {
	return &S3Storage{
		client: client,
		bucket: bucket,
		prefix: strings.TrimSuffix(prefix, "/"),
	}
}

func (s *S3Storage) key(id string) string {
	if s.prefix == "" {
		return id + ".json"
	}
	return path.Join(s.prefix, id+".json")
}

func (s *S3Storage) Save(ctx context.Context, id string, data io.Reader, size int64) (int64, error) {
	if err := validateID(id); err != nil {
		return 0, err
	}
	key := s.key(id)

	info, err := s.client.PutObject(ctx, s.bucket, key, data, size, minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		logging.Archive.Errorf("upload failed for %s: %v", key, err)
		return 0, err
	}

	logging.Archive.Debugf("uploaded %s (%d bytes)", key, info.Size)
	return info.Size, nil
}

func (s *S3Storage) Load(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	key := s.key(id)

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}

	// GetObject is lazy; Stat surfaces a missing key
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return obj, nil
}

func (s *S3Storage) Delete(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	key := s.key(id)

	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return ErrNotFound
		}
		logging.Archive.Errorf("failed to delete %s: %v", key, err)
		return err
	}
	return nil
}
