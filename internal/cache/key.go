// Package cache turns canonical request strings into cache keys and sharded
// file paths, and stores transformed images on a hierarchical file system.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

const (
	DefaultHashLength  = 12
	DefaultFolderDepth = 8
	DefaultFolder      = "is-cache"

	maxHashLength = sha256.Size * 2
)

// ErrConfiguration is returned when the cache cannot be set up from the
// supplied options. It is fatal at startup.
var ErrConfiguration = errors.New("cache: invalid configuration")

// Key hashes a canonical request string into a lowercase hex key of the given
// length. Lengths outside [1, 64] are clamped; zero selects DefaultHashLength.
func Key(canonical string, length int) string {
	if length == 0 {
		length = DefaultHashLength
	}
	length = min(max(length, 1), maxHashLength)

	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])[:length]
}

// FilePath shards key into single-character directories, depth levels deep.
// The remaining suffix of the key is the file name; when every character has
// been used as a directory the full key is the file name. Depths beyond the
// key length behave like depth == len(key). The result is '/'-separated.
func FilePath(key string, depth int) string {
	if depth <= 0 {
		return key
	}
	n := min(depth, len(key))

	var b strings.Builder
	b.Grow(2*n + len(key))
	for i := range n {
		b.WriteByte(key[i])
		b.WriteByte('/')
	}
	if n < len(key) {
		b.WriteString(key[n:])
	} else {
		b.WriteString(key)
	}
	return b.String()
}

// RootOptions selects where the cache lives on disk.
type RootOptions struct {
	// CacheFolder is the directory created under the chosen base.
	CacheFolder string
	// CacheRootPath overrides the base directory. Relative values resolve
	// against the content root.
	CacheRootPath string
}

// ResolveRoot picks exactly one base directory, in order: CacheRootPath,
// webRoot, contentRoot. Relative bases resolve against contentRoot. The
// result is the base joined with CacheFolder.
func ResolveRoot(opts RootOptions, webRoot, contentRoot string) (string, error) {
	folder := strings.TrimSpace(opts.CacheFolder)
	if folder == "" {
		return "", fmt.Errorf("%w: cache folder is required", ErrConfiguration)
	}

	var base string
	switch {
	case strings.TrimSpace(opts.CacheRootPath) != "":
		base = opts.CacheRootPath
	case strings.TrimSpace(webRoot) != "":
		base = webRoot
	case strings.TrimSpace(contentRoot) != "":
		base = contentRoot
	default:
		return "", fmt.Errorf("%w: no cache root, web root or content root configured", ErrConfiguration)
	}

	if !filepath.IsAbs(base) {
		if !filepath.IsAbs(contentRoot) {
			return "", fmt.Errorf("%w: relative cache base %q needs an absolute content root", ErrConfiguration, base)
		}
		base = filepath.Join(contentRoot, base)
	}

	return filepath.Join(base, folder), nil
}
