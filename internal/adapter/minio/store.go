package minio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Client is the part of *minio.Client the store depends on.
type Client interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	SetBucketPolicy(ctx context.Context, bucket, policy string) error
	PutObject(ctx context.Context, bucket, name string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, name string, opts minio.GetObjectOptions) (*minio.Object, error)
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	RemoveObjects(ctx context.Context, bucket string, objects <-chan minio.ObjectInfo, opts minio.RemoveObjectsOptions) <-chan minio.RemoveObjectError
}

var _ Client = (*minio.Client)(nil)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type Store struct {
	client Client
	cfg    Config
}

func NewClient(cfg Config) (*minio.Client, error) {
	c, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client %s: %w", cfg.Endpoint, err)
	}
	return c, nil
}

func NewStore(client Client, cfg Config) *Store {
	return &Store{client: client, cfg: cfg}
}

func (s *Store) Bucket() string {
	return s.cfg.Bucket
}

// PublicReadPolicy grants anonymous GetObject on every object in the bucket.
func PublicReadPolicy(bucket string) string {
	policy := map[string]any{
		"Version": "2012-10-17",
		"Statement": []map[string]any{{
			"Effect":    "Allow",
			"Principal": map[string]any{"AWS": []string{"*"}},
			"Action":    []string{"s3:GetObject"},
			"Resource":  []string{"arn:aws:s3:::" + bucket + "/*"},
		}},
	}
	b, _ := json.Marshal(policy)
	return string(b)
}

// URL returns the public address of an object.
func (s *Store) URL(name string) string {
	scheme := "http"
	if s.cfg.UseSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, strings.TrimSuffix(s.cfg.Endpoint, "/"), s.cfg.Bucket, name)
}

func (s *Store) Health(ctx context.Context) error {
	if _, err := s.client.BucketExists(ctx, s.cfg.Bucket); err != nil {
		return fmt.Errorf("minio health: %w", err)
	}
	return nil
}

// EnsureBucket creates the bucket when missing and applies the public-read policy.
// A policy failure only produces a warning.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.cfg.Bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.cfg.Bucket, err)
		}
		slog.InfoContext(ctx, "bucket created", "bucket", s.cfg.Bucket)
	}
	if err := s.client.SetBucketPolicy(ctx, s.cfg.Bucket, PublicReadPolicy(s.cfg.Bucket)); err != nil {
		slog.WarnContext(ctx, "failed to set public read policy", "bucket", s.cfg.Bucket, "error", err)
	}
	return nil
}

func (s *Store) Upload(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, name, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", name, err)
	}
	return s.URL(name), nil
}

func (s *Store) Download(ctx context.Context, name string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", name, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

// ObjectName extracts the object name from a URL produced by URL. It returns
// false when the URL does not point into this bucket.
func (s *Store) ObjectName(url string) (string, bool) {
	prefix := s.URL("")
	if !strings.HasPrefix(url, prefix) || len(url) == len(prefix) {
		return "", false
	}
	return url[len(prefix):], true
}

// Clear removes every object in the bucket. Per-object failures are logged
// and excluded from the returned count.
func (s *Store) Clear(ctx context.Context) (int, error) {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return 0, fmt.Errorf("check bucket %s: %w", s.cfg.Bucket, err)
	}
	if !exists {
		return 0, nil
	}

	var (
		listErr error
		listed  int
	)
	objects := make(chan minio.ObjectInfo)
	go func() {
		defer close(objects)
		for obj := range s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{Recursive: true}) {
			if obj.Err != nil {
				listErr = obj.Err
				return
			}
			listed++
			select {
			case objects <- obj:
			case <-ctx.Done():
				return
			}
		}
	}()

	failed := 0
	for rerr := range s.client.RemoveObjects(ctx, s.cfg.Bucket, objects, minio.RemoveObjectsOptions{}) {
		failed++
		slog.WarnContext(ctx, "failed to remove object", "object", rerr.ObjectName, "error", rerr.Err)
	}
	if listErr != nil {
		return listed - failed, fmt.Errorf("list %s: %w", s.cfg.Bucket, listErr)
	}
	return listed - failed, nil
}
