package auth

import (
	"context"
	"net/url"
	"strings"

	"github.com/dunamismax/pixelgate/internal/commands"
)

// SignURL appends the hmac parameter to rawURI. The token is inserted before
// any fragment. When no token is required rawURI is returned unchanged.
func (a *Authorizer) SignURL(ctx context.Context, rawURI string, handling CommandHandling) (string, error) {
	if !a.Enabled() || strings.TrimSpace(rawURI) == "" {
		return rawURI, nil
	}

	token, err := a.ComputeForURIContext(ctx, rawURI, handling)
	if err != nil {
		return "", err
	}
	if token == "" {
		return rawURI, nil
	}

	base, fragment := rawURI, ""
	if i := strings.IndexByte(rawURI, '#'); i >= 0 {
		base, fragment = rawURI[:i], rawURI[i:]
	}

	var b strings.Builder
	b.WriteString(base)
	if strings.Contains(base, "?") {
		b.WriteByte('&')
	} else {
		b.WriteByte('?')
	}
	b.WriteString(url.QueryEscape(commands.TokenCommand))
	b.WriteByte('=')
	b.WriteString(url.QueryEscape(token))
	b.WriteString(fragment)
	return b.String(), nil
}
