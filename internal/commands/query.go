package commands

import (
	"fmt"
	"net/url"
	"strings"
)

// ParseQuery builds a Collection from a raw query string, keeping parameter
// order. A repeated key keeps its first position and takes the last value.
func ParseQuery(rawQuery string) (*Collection, error) {
	c := New()
	rawQuery = strings.TrimPrefix(rawQuery, "?")
	for part := range strings.SplitSeq(rawQuery, "&") {
		if part == "" {
			continue
		}
		rawKey, rawValue, _ := strings.Cut(part, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			return nil, fmt.Errorf("decode query key %q: %w", rawKey, err)
		}
		if key == "" {
			continue
		}
		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			return nil, fmt.Errorf("decode query value for %q: %w", key, err)
		}
		c.Set(key, value)
	}
	return c, nil
}

// Encode serializes the collection as k=v pairs joined by '&', in insertion
// order. Spaces are written as %20.
func Encode(c *Collection) string {
	if c.Len() == 0 {
		return ""
	}
	var b strings.Builder
	for i, p := range c.pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(escape(p.Key))
		b.WriteByte('=')
		b.WriteString(escape(p.Value))
	}
	return b.String()
}

func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
