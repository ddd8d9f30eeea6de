// Package auth computes and verifies the HMAC tokens that protect image
// requests carrying transformation commands.
//
// An Authorizer built with an empty secret is disabled: it never requires a
// token and every request is authorized.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/dunamismax/pixelgate/internal/commands"
	"github.com/dunamismax/pixelgate/internal/uri"
)

// ErrUnauthorized is returned when a required token is missing or wrong.
var ErrUnauthorized = errors.New("auth: invalid or missing hmac token")

type CommandHandling int

const (
	// HandlingNone uses the request commands as they are.
	HandlingNone CommandHandling = iota
	// HandlingSanitize drops commands no processor knows before computing a token.
	HandlingSanitize
)

// CommandContext is the request data a token is computed over.
type CommandContext struct {
	Host     string
	PathBase string
	Path     string
	Commands *commands.Collection
}

// TokenFunc computes the token for a request. An empty string means the
// request needs no token.
type TokenFunc func(ctx context.Context, cc *CommandContext, secret []byte) (string, error)

// DefaultToken skips requests without commands and otherwise returns the
// lowercase hex HMAC-SHA256 of the lowercased relative request URI.
func DefaultToken(_ context.Context, cc *CommandContext, secret []byte) (string, error) {
	if cc.Commands.Len() == 0 {
		return "", nil
	}
	canonical := uri.BuildRelative(uri.CaseLowerInvariant, cc.PathBase, cc.Path, cc.Commands)
	return ComputeHMACSHA256(canonical, secret), nil
}

func ComputeHMACSHA256(value string, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

type Options struct {
	// Secret keys the HMAC. Empty disables authorization.
	Secret []byte
	// Known is used by HandlingSanitize.
	Known commands.KnownSet
	// Token defaults to DefaultToken.
	Token TokenFunc
}

type Authorizer struct {
	secret []byte
	known  commands.KnownSet
	token  TokenFunc
}

func New(opts Options) *Authorizer {
	token := opts.Token
	if token == nil {
		token = DefaultToken
	}
	secret := make([]byte, len(opts.Secret))
	copy(secret, opts.Secret)

	return &Authorizer{
		secret: secret,
		known:  opts.Known,
		token:  token,
	}
}

func (a *Authorizer) Enabled() bool {
	return a != nil && len(a.secret) > 0
}

// Compute returns the token for cc, or "" when none is required.
func (a *Authorizer) Compute(cc *CommandContext) (string, error) {
	return a.ComputeContext(context.Background(), cc)
}

// ComputeContext is Compute for callers holding a request context. Both
// return the same token for the same input.
func (a *Authorizer) ComputeContext(ctx context.Context, cc *CommandContext) (string, error) {
	if !a.Enabled() {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if cc == nil {
		return "", errors.New("auth: command context is required")
	}
	return a.token(ctx, cc, a.secret)
}

// ComputeForURI computes the token for a request URI such as
// "/img.png?width=100". Relative URIs are rooted at "/".
func (a *Authorizer) ComputeForURI(rawURI string, handling CommandHandling) (string, error) {
	return a.ComputeForURIContext(context.Background(), rawURI, handling)
}

func (a *Authorizer) ComputeForURIContext(ctx context.Context, rawURI string, handling CommandHandling) (string, error) {
	cc, err := a.contextForURI(rawURI, handling)
	if err != nil {
		return "", err
	}
	return a.ComputeContext(ctx, cc)
}

func (a *Authorizer) contextForURI(rawURI string, handling CommandHandling) (*CommandContext, error) {
	parts, err := uri.Split(rawURI)
	if err != nil {
		return nil, err
	}
	cmds, err := commands.ParseQuery(parts.RawQuery)
	if err != nil {
		return nil, err
	}
	if handling == HandlingSanitize {
		commands.StripUnknown(cmds, a.known)
	}
	return &CommandContext{Host: parts.Host, Path: parts.Path, Commands: cmds}, nil
}

// Verify reports whether token equals expected in constant time.
func Verify(token, expected string) bool {
	return hmac.Equal([]byte(token), []byte(expected))
}

// Authorize checks token against the token computed for cc. A disabled
// Authorizer, or a request that needs no token, is always authorized.
func (a *Authorizer) Authorize(ctx context.Context, cc *CommandContext, token string) error {
	expected, err := a.ComputeContext(ctx, cc)
	if err != nil {
		return fmt.Errorf("compute hmac: %w", err)
	}
	if expected == "" {
		return nil
	}
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("%w: token missing", ErrUnauthorized)
	}
	if !Verify(token, expected) {
		return fmt.Errorf("%w: token mismatch", ErrUnauthorized)
	}
	return nil
}
