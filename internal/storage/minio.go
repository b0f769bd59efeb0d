// Package storage wraps the S3-compatible object store holding uploads
// (ingest), processed media (media) and generated files (derived).
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/errgroup"
)

var ErrObjectNotFound = errors.New("object not found")

type Buckets struct {
	Ingest  string
	Media   string
	Derived string
}

func DefaultBuckets() Buckets {
	return Buckets{Ingest: "ingest", Media: "media", Derived: "derived"}
}

func (b Buckets) All() []string {
	return []string{b.Ingest, b.Media, b.Derived}
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool

	// Region skips the bucket-location lookup when presigning.
	Region  string
	Buckets Buckets

	// CreateBuckets makes missing buckets at startup.
	CreateBuckets bool
}

type Storage struct {
	client  *minio.Client
	buckets Buckets
}

type ObjectInfo struct {
	Bucket       string    `json:"bucket"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type"`
	LastModified time.Time `json:"last_modified"`
}

type BucketStatus struct {
	Name      string `json:"name"`
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
}

func NewStorage(ctx context.Context, config *Config) (*Storage, error) {
	if strings.TrimSpace(config.Endpoint) == "" {
		return nil, fmt.Errorf("storage endpoint is required")
	}
	region := config.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, err
	}

	buckets := config.Buckets
	if buckets == (Buckets{}) {
		buckets = DefaultBuckets()
	}
	s := &Storage{client: client, buckets: buckets}

	if config.CreateBuckets {
		for _, bucket := range buckets.All() {
			exists, err := client.BucketExists(ctx, bucket)
			if err != nil {
				return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
			}
			if exists {
				continue
			}
			if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
				return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
	}
	return s, nil
}

func (s *Storage) Buckets() Buckets {
	return s.buckets
}

// SignedURL returns a presigned GET URL valid for expiry.
func (s *Storage) SignedURL(ctx context.Context, bucket, objectPath string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, bucket, objectPath, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("sign %s/%s: %w", bucket, objectPath, err)
	}
	return u.String(), nil
}

func (s *Storage) Stat(ctx context.Context, bucket, objectPath string) (ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, bucket, objectPath, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, mapError(bucket, objectPath, err)
	}
	return ObjectInfo{
		Bucket:       bucket,
		Path:         objectPath,
		Size:         info.Size,
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
	}, nil
}

// Open streams an object. The caller closes the reader.
func (s *Storage) Open(ctx context.Context, bucket, objectPath string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, bucket, objectPath, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapError(bucket, objectPath, err)
	}
	// GetObject is lazy; Stat surfaces a missing key before the first read.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, mapError(bucket, objectPath, err)
	}
	return obj, nil
}

// PutDerived uploads a generated file to the derived bucket and returns its path.
func (s *Storage) PutDerived(ctx context.Context, objectPath string, r io.Reader, size int64, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, s.buckets.Derived, objectPath, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("upload %s/%s: %w", s.buckets.Derived, objectPath, err)
	}
	return objectPath, nil
}

// CheckBuckets probes every bucket concurrently.
func (s *Storage) CheckBuckets(ctx context.Context) []BucketStatus {
	names := s.buckets.All()
	ret := make([]BucketStatus, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			status := BucketStatus{Name: name}
			exists, err := s.client.BucketExists(gctx, name)
			switch {
			case err != nil:
				status.Error = err.Error()
			case !exists:
				status.Error = "bucket does not exist"
			default:
				status.Reachable = true
			}
			ret[i] = status
			return nil
		})
	}
	_ = g.Wait()
	return ret
}

func ObjectName(owner, filename string) string {
	return fmt.Sprintf("%s/%s", owner, filename)
}

func mapError(bucket, objectPath string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
		return fmt.Errorf("%s/%s: %w", bucket, objectPath, ErrObjectNotFound)
	}
	return fmt.Errorf("%s/%s: %w", bucket, objectPath, err)
}
