// Package storage reads source images from an S3 compatible bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// DefaultMaxObjectSize bounds how much of an object ReadObject will buffer.
const DefaultMaxObjectSize = 64 << 20

var ErrObjectTooLarge = errors.New("object exceeds size limit")

type Config struct {
	Endpoint string
	Region   string
	Access   string
	Secret   string
	Bucket   string
	UseSSL   bool
	// MaxObjectSize of zero means DefaultMaxObjectSize.
	MaxObjectSize int64
}

type Client struct {
	minio   *minio.Client
	bucket  string
	maxSize int64
}

// ObjectInfo is the subset of object metadata source providers need.
type ObjectInfo struct {
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
}

func NewClient(cfg Config) (*Client, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("storage bucket is required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Access, cfg.Secret, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client for %s: %w", cfg.Endpoint, err)
	}

	maxSize := cfg.MaxObjectSize
	if maxSize <= 0 {
		maxSize = DefaultMaxObjectSize
	}
	return &Client{minio: mc, bucket: bucket, maxSize: maxSize}, nil
}

func (c *Client) Bucket() string {
	return c.bucket
}

// Ping fails when the bucket is unreachable or missing.
func (c *Client) Ping(ctx context.Context) error {
	exists, err := c.minio.BucketExists(ctx, c.bucket)
	switch {
	case err != nil:
		return fmt.Errorf("check bucket %s: %w", c.bucket, err)
	case !exists:
		return fmt.Errorf("bucket %s does not exist", c.bucket)
	}
	return nil
}

// StatObject returns ok=false when the object does not exist.
func (c *Client) StatObject(ctx context.Context, objectKey string) (ObjectInfo, bool, error) {
	info, err := c.minio.StatObject(ctx, c.bucket, objectKey, minio.StatObjectOptions{})
	if err != nil {
		if notFound(err) {
			return ObjectInfo{}, false, nil
		}
		return ObjectInfo{}, false, fmt.Errorf("stat object %s: %w", objectKey, err)
	}
	return ObjectInfo{
		Size:         info.Size,
		ContentType:  info.ContentType,
		ETag:         info.ETag,
		LastModified: info.LastModified,
	}, true, nil
}

// ReadObject buffers the whole object. Objects larger than the configured
// limit fail with ErrObjectTooLarge.
func (c *Client) ReadObject(ctx context.Context, objectKey string) ([]byte, error) {
	obj, err := c.minio.GetObject(ctx, c.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", objectKey, err)
	}
	defer obj.Close()

	return readLimited(obj, c.maxSize, objectKey)
}

func readLimited(r io.Reader, limit int64, objectKey string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", objectKey, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s is larger than %d bytes", ErrObjectTooLarge, objectKey, limit)
	}
	return data, nil
}

func notFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject":
		return true
	}
	return false
}
