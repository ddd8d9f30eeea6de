// Package uri builds the canonical request strings that tokens and cache keys
// are computed over.
package uri

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/dunamismax/pixelgate/internal/commands"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

type CaseHandling int

const (
	CaseNone CaseHandling = iota
	CaseLowerInvariant
)

func ParseCaseHandling(s string) (CaseHandling, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CaseNone, nil
	case "lower", "lowerinvariant", "lower_invariant":
		return CaseLowerInvariant, nil
	default:
		return CaseNone, fmt.Errorf("unsupported case handling: %q", s)
	}
}

func (h CaseHandling) String() string {
	if h == CaseLowerInvariant {
		return "lower"
	}
	return "none"
}

// BuildRelative returns pathBase+path followed by the encoded query when the
// collection is non-empty. The case policy applies to the whole string.
// Values are treated as opaque strings.
func BuildRelative(handling CaseHandling, pathBase, path string, query *commands.Collection) string {
	var b strings.Builder
	writePath(&b, pathBase, path)
	writeQuery(&b, query)
	return applyCase(handling, b.String())
}

// BuildAbsolute is BuildRelative prefixed with scheme://host.
func BuildAbsolute(handling CaseHandling, scheme, host, pathBase, path string, query *commands.Collection) string {
	if scheme == "" {
		scheme = "http"
	}
	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(host)
	writePath(&b, pathBase, path)
	writeQuery(&b, query)
	return applyCase(handling, b.String())
}

func writePath(b *strings.Builder, pathBase, path string) {
	if pathBase == "" && path == "" {
		b.WriteByte('/')
		return
	}
	b.WriteString(pathBase)
	b.WriteString(path)
}

func writeQuery(b *strings.Builder, query *commands.Collection) {
	if query.Len() == 0 {
		return
	}
	b.WriteByte('?')
	b.WriteString(commands.Encode(query))
}

func applyCase(handling CaseHandling, s string) string {
	if handling == CaseLowerInvariant {
		return cases.Lower(language.Und).String(s)
	}
	return s
}

// Parts is a request URI split into the pieces the builders consume.
type Parts struct {
	Scheme   string
	Host     string
	Path     string
	RawQuery string
	Fragment string
}

var fallbackBase = &url.URL{Scheme: "http", Host: "localhost", Path: "/"}

// Split parses an absolute or relative URI. Relative URIs are resolved
// against http://localhost/, so "img.png?width=50" has path "/img.png".
// Path is returned in escaped form.
func Split(raw string) (Parts, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Parts{}, fmt.Errorf("parse uri %q: %w", raw, err)
	}
	if !u.IsAbs() {
		u = fallbackBase.ResolveReference(u)
	}
	return Parts{
		Scheme:   u.Scheme,
		Host:     u.Host,
		Path:     u.EscapedPath(),
		RawQuery: u.RawQuery,
		Fragment: u.Fragment,
	}, nil
}
