package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSystemPutGetDelete(t *testing.T) {
	root := t.TempDir()
	fs, err := NewFileSystem(root, 4)
	require.NoError(t, err)
	ctx := context.Background()

	key := "abcdefghijkl"
	_, ok, err := fs.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, fs.Put(ctx, key, []byte("image-bytes"), Metadata{
		ContentType:    "image/png",
		SourceModified: now.Add(-time.Hour),
		CachedAt:       now,
	}))

	entry, ok, err := fs.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("image-bytes"), entry.Data)
	assert.Equal(t, "image/png", entry.Metadata.ContentType)
	assert.Equal(t, int64(len("image-bytes")), entry.Metadata.ContentLength)
	assert.Equal(t, filepath.Join(root, "a", "b", "c", "d", "efghijkl"), entry.Path)

	leftovers, err := filepath.Glob(filepath.Join(root, "a", "b", "c", "d", "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)

	require.NoError(t, fs.Delete(ctx, key))
	require.NoError(t, fs.Delete(ctx, key))
	_, ok, err = fs.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileSystemIgnoresImageWithoutMetadata(t *testing.T) {
	root := t.TempDir()
	fs, err := NewFileSystem(root, 0)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "abc123"), []byte("partial"), 0o644))

	_, ok, err := fs.Get(context.Background(), "abc123")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileSystemIgnoresImageNotMatchingMetadata(t *testing.T) {
	root := t.TempDir()
	fs, err := NewFileSystem(root, 0)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, fs.Put(ctx, "abc123", []byte("old-image"), Metadata{ContentType: "image/png"}))

	// A concurrent rewrite has renamed the new image into place but not yet
	// its metadata.
	require.NoError(t, os.WriteFile(filepath.Join(root, "abc123"), []byte("newer-image-bytes"), 0o644))

	_, ok, err := fs.Get(ctx, "abc123")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, fs.Put(ctx, "abc123", []byte("newer-image-bytes"), Metadata{ContentType: "image/png"}))
	entry, ok, err := fs.Get(ctx, "abc123")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("newer-image-bytes"), entry.Data)
}

func TestFileSystemRejectsUnsafeKeys(t *testing.T) {
	fs, err := NewFileSystem(t.TempDir(), 2)
	require.NoError(t, err)

	for _, key := range []string{"", "../etc", "a/b", `a\b`, "a.b"} {
		_, err := fs.Path(key)
		assert.True(t, errors.Is(err, ErrInvalidKey), "key %q", key)
	}
}

func TestNewFileSystemRequiresAbsoluteRoot(t *testing.T) {
	_, err := NewFileSystem("relative/cache", 1)
	assert.True(t, errors.Is(err, ErrConfiguration))
}

func TestMetadataExpired(t *testing.T) {
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	meta := Metadata{
		SourceModified: now.Add(-48 * time.Hour),
		CachedAt:       now.Add(-24 * time.Hour),
	}

	assert.False(t, meta.Expired(now, meta.SourceModified, 0))
	assert.False(t, meta.Expired(now, time.Time{}, 48*time.Hour))
	assert.True(t, meta.Expired(now, now.Add(-time.Hour), 0))
	assert.True(t, meta.Expired(now, meta.SourceModified, time.Hour))
}
