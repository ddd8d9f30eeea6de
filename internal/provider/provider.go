// Package provider resolves request paths to source images.
package provider

import (
	"context"
	"errors"
	"mime"
	"path"
	"strings"
	"time"
)

var ErrNotFound = errors.New("source image not found")

// imageExtensions are the source formats the transformers decode. Providers
// never serve other files, even unprocessed.
var imageExtensions = map[string]struct{}{
	".png":  {},
	".jpg":  {},
	".jpeg": {},
	".gif":  {},
	".webp": {},
}

// IsImagePath reports whether requestPath ends in a supported image
// extension, ignoring case.
func IsImagePath(requestPath string) bool {
	_, ok := imageExtensions[strings.ToLower(path.Ext(requestPath))]
	return ok
}

// Provider serves source images for the request paths it matches.
type Provider interface {
	Name() string
	Match(requestPath string) bool
	Get(ctx context.Context, requestPath string) (Source, error)
}

// Source describes a source image. Its bytes are only read on demand so a
// cache hit never touches the backing store beyond a stat.
type Source struct {
	ModTime     time.Time
	ContentType string
	read        func(ctx context.Context) ([]byte, error)
}

func NewSource(modTime time.Time, contentType string, read func(ctx context.Context) ([]byte, error)) Source {
	return Source{ModTime: modTime, ContentType: contentType, read: read}
}

func (s Source) Read(ctx context.Context) ([]byte, error) {
	if s.read == nil {
		return nil, errors.New("source has no reader")
	}
	return s.read(ctx)
}

// Select returns the first provider matching requestPath.
func Select(providers []Provider, requestPath string) (Provider, bool) {
	for _, p := range providers {
		if p != nil && p.Match(requestPath) {
			return p, true
		}
	}
	return nil, false
}

func contentTypeForPath(p string) string {
	if ct := mime.TypeByExtension(strings.ToLower(path.Ext(p))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
