package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dunamismax/pixelgate/internal/id"
)

const metadataSuffix = ".meta"

var ErrInvalidKey = errors.New("cache: key is invalid")

// Metadata is stored next to each cached image.
type Metadata struct {
	ContentType    string    `json:"content_type"`
	ContentLength  int64     `json:"content_length"`
	SourceModified time.Time `json:"source_modified"`
	CachedAt       time.Time `json:"cached_at"`
}

// Expired reports whether an entry must be rebuilt: the source changed after
// it was cached, or it is older than maxAge. A zero maxAge never expires.
func (m Metadata) Expired(now, sourceModified time.Time, maxAge time.Duration) bool {
	if !sourceModified.IsZero() && sourceModified.After(m.SourceModified) {
		return true
	}
	return maxAge > 0 && now.Sub(m.CachedAt) > maxAge
}

type Entry struct {
	Key      string
	Path     string
	Data     []byte
	Metadata Metadata
}

// FileSystem stores entries under root at FilePath(key, depth).
// Each file is written to a temporary name in its final directory and then
// renamed, so readers never observe a partial image. The image is published
// before its metadata; an entry is only visible once its metadata exists and
// its recorded ContentLength matches the image on disk. A reader racing a
// rewrite of the same key can otherwise pair new bytes with old metadata.
type FileSystem struct {
	root  string
	depth int
}

func NewFileSystem(root string, depth int) (*FileSystem, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("%w: cache root %q must be absolute", ErrConfiguration, root)
	}
	if depth < 0 {
		depth = 0
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	return &FileSystem{root: filepath.Clean(root), depth: depth}, nil
}

func (fs *FileSystem) Root() string {
	return fs.root
}

// Path returns the absolute file path for key.
func (fs *FileSystem) Path(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	full := filepath.Join(fs.root, filepath.FromSlash(FilePath(key, fs.depth)))
	rel, err := filepath.Rel(fs.root, full)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: %q escapes cache root", ErrInvalidKey, key)
	}
	return full, nil
}

func (fs *FileSystem) Get(ctx context.Context, key string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	path, err := fs.Path(key)
	if err != nil {
		return Entry{}, false, err
	}

	rawMeta, err := os.ReadFile(path + metadataSuffix)
	if errors.Is(err, os.ErrNotExist) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("read cache metadata %s: %w", key, err)
	}

	var meta Metadata
	if err := json.Unmarshal(rawMeta, &meta); err != nil {
		return Entry{}, false, fmt.Errorf("decode cache metadata %s: %w", key, err)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("read cache entry %s: %w", key, err)
	}
	if int64(len(data)) != meta.ContentLength {
		return Entry{}, false, nil
	}

	return Entry{Key: key, Path: path, Data: data, Metadata: meta}, true, nil
}

func (fs *FileSystem) Put(ctx context.Context, key string, data []byte, meta Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := fs.Path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	meta.ContentLength = int64(len(data))
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode cache metadata: %w", err)
	}

	if err := writeAtomic(path, data); err != nil {
		return fmt.Errorf("write cache entry %s: %w", key, err)
	}
	if err := writeAtomic(path+metadataSuffix, rawMeta); err != nil {
		return fmt.Errorf("write cache metadata %s: %w", key, err)
	}
	return nil
}

// Delete removes the entry. Missing entries are not an error.
func (fs *FileSystem) Delete(_ context.Context, key string) error {
	path, err := fs.Path(key)
	if err != nil {
		return err
	}
	for _, p := range []string{path + metadataSuffix, path} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("delete cache entry %s: %w", key, err)
		}
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+"."+id.New()+".tmp")

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func validateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}
