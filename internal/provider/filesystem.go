package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// FileSystem serves images from a directory, typically the web root.
type FileSystem struct {
	Root   string
	Prefix string
}

func (p FileSystem) Name() string {
	return "filesystem"
}

func (p FileSystem) Match(requestPath string) bool {
	if !IsImagePath(requestPath) {
		return false
	}
	prefix := strings.Trim(p.Prefix, "/")
	return prefix == "" || strings.HasPrefix(requestPath, "/"+prefix+"/")
}

func (p FileSystem) Get(ctx context.Context, requestPath string) (Source, error) {
	if strings.TrimSpace(p.Root) == "" {
		return Source{}, errors.New("filesystem provider root is required")
	}
	if err := ctx.Err(); err != nil {
		return Source{}, err
	}
	if !IsImagePath(requestPath) {
		return Source{}, fmt.Errorf("%w: %s is not an image", ErrNotFound, requestPath)
	}

	rel := strings.TrimPrefix(path.Clean("/"+requestPath), "/"+strings.Trim(p.Prefix, "/"))
	full := filepath.Join(p.Root, filepath.FromSlash(path.Clean("/"+rel)))

	info, err := os.Stat(full)
	if errors.Is(err, os.ErrNotExist) {
		return Source{}, fmt.Errorf("%w: %s", ErrNotFound, requestPath)
	}
	if err != nil {
		return Source{}, fmt.Errorf("stat source %s: %w", requestPath, err)
	}
	if info.IsDir() {
		return Source{}, fmt.Errorf("%w: %s is a directory", ErrNotFound, requestPath)
	}

	return NewSource(info.ModTime().UTC(), contentTypeForPath(full), func(ctx context.Context) ([]byte, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return nil, fmt.Errorf("read source %s: %w", requestPath, err)
		}
		return data, nil
	}), nil
}
