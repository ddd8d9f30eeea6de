package provider

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/dunamismax/pixelgate/internal/storage"
)

type objectReader interface {
	StatObject(ctx context.Context, objectKey string) (storage.ObjectInfo, bool, error)
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
}

// ObjectStore serves images from an S3 compatible bucket. Requests under
// Prefix map to object keys with the prefix removed.
type ObjectStore struct {
	Storage objectReader
	Prefix  string
}

func NewObjectStore(client *storage.Client, prefix string) ObjectStore {
	return ObjectStore{Storage: client, Prefix: prefix}
}

func (p ObjectStore) Name() string {
	return "objectstore"
}

func (p ObjectStore) Match(requestPath string) bool {
	prefix := "/" + strings.Trim(p.Prefix, "/") + "/"
	return prefix != "//" && strings.HasPrefix(requestPath, prefix) && IsImagePath(requestPath)
}

func (p ObjectStore) Get(ctx context.Context, requestPath string) (Source, error) {
	if p.Storage == nil {
		return Source{}, errors.New("storage client is required")
	}

	objectKey := strings.TrimPrefix(path.Clean("/"+requestPath), "/"+strings.Trim(p.Prefix, "/")+"/")
	if objectKey == "" || objectKey == "/" || !IsImagePath(objectKey) {
		return Source{}, fmt.Errorf("%w: %s", ErrNotFound, requestPath)
	}

	info, ok, err := p.Storage.StatObject(ctx, objectKey)
	if err != nil {
		return Source{}, err
	}
	if !ok {
		return Source{}, fmt.Errorf("%w: %s", ErrNotFound, requestPath)
	}

	contentType := info.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = contentTypeForPath(objectKey)
	}

	return NewSource(info.LastModified.UTC(), contentType, func(ctx context.Context) ([]byte, error) {
		return p.Storage.ReadObject(ctx, objectKey)
	}), nil
}
