// Package pipeline turns an image request into a served image: it
// authorizes the request's commands, resolves the source, and serves a
// processed copy from the cache, building it on a miss.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dunamismax/pixelgate/internal/auth"
	"github.com/dunamismax/pixelgate/internal/cache"
	"github.com/dunamismax/pixelgate/internal/commands"
	"github.com/dunamismax/pixelgate/internal/processing"
	"github.com/dunamismax/pixelgate/internal/provider"
	"github.com/dunamismax/pixelgate/internal/uri"
)

type Status string

const (
	StatusHit         Status = "hit"
	StatusMiss        Status = "miss"
	StatusPassthrough Status = "passthrough"
)

// Store is the processed image cache.
type Store interface {
	Get(ctx context.Context, key string) (cache.Entry, bool, error)
	Put(ctx context.Context, key string, data []byte, meta cache.Metadata) error
}

type Config struct {
	// Secret keys request tokens. Empty disables authorization.
	Secret      []byte
	Token       auth.TokenFunc
	Processors  []commands.Processor
	Providers   []provider.Provider
	Cache       Store
	Transformer processing.Transformer
	Hooks       processing.Hooks

	CaseHandling uri.CaseHandling
	HashLength   int
	CacheMaxAge  time.Duration
	// MaxDimension caps requested widths and heights. Zero means
	// processing.DefaultMaxDimension.
	MaxDimension int
	Now          func() time.Time
}

// Request carries the parts of an image request the pipeline needs. Path is
// the escaped request path.
type Request struct {
	Host     string
	PathBase string
	Path     string
	RawQuery string
}

// RequestFromURI builds a Request from a URI such as "/img.png?width=10".
func RequestFromURI(rawURI string) (Request, error) {
	parts, err := uri.Split(rawURI)
	if err != nil {
		return Request{}, fmt.Errorf("%w: %v", processing.ErrMalformedCommand, err)
	}
	return Request{Host: parts.Host, Path: parts.Path, RawQuery: parts.RawQuery}, nil
}

// WithPathBase moves base from the front of req.Path into req.PathBase. It
// reports false when req.Path lies outside base.
func WithPathBase(req Request, base string) (Request, bool) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return req, true
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	rest, ok := strings.CutPrefix(req.Path, base)
	if !ok || !strings.HasPrefix(rest, "/") {
		return Request{}, false
	}
	req.PathBase = base
	req.Path = rest
	return req, true
}

type Result struct {
	Status       Status
	CacheKey     string
	Data         []byte
	ContentType  string
	LastModified time.Time
}

// Prepared is an authorized request with its commands parsed.
type Prepared struct {
	Context *auth.CommandContext
	Options processing.Options
}

type Pipeline struct {
	authorizer   *auth.Authorizer
	known        commands.KnownSet
	providers    []provider.Provider
	cache        Store
	transformer  processing.Transformer
	hooks        processing.Hooks
	caseHandling uri.CaseHandling
	hashLength   int
	maxAge       time.Duration
	maxDimension int
	now          func() time.Time

	builds singleflight.Group
}

func New(cfg Config) (*Pipeline, error) {
	if cfg.Cache == nil {
		return nil, errors.New("cache store is required")
	}
	if cfg.Transformer == nil {
		return nil, errors.New("transformer is required")
	}
	if len(cfg.Providers) == 0 {
		return nil, errors.New("at least one provider is required")
	}

	processors := cfg.Processors
	if processors == nil {
		processors = processing.DefaultProcessors()
	}
	known := commands.NewKnownSet(processors...)

	hashLength := cfg.HashLength
	if hashLength == 0 {
		hashLength = cache.DefaultHashLength
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Pipeline{
		authorizer:   auth.New(auth.Options{Secret: cfg.Secret, Known: known, Token: cfg.Token}),
		known:        known,
		providers:    cfg.Providers,
		cache:        cfg.Cache,
		transformer:  cfg.Transformer,
		hooks:        cfg.Hooks,
		caseHandling: cfg.CaseHandling,
		hashLength:   hashLength,
		maxAge:       cfg.CacheMaxAge,
		maxDimension: cfg.MaxDimension,
		now:          now,
	}, nil
}

func (p *Pipeline) Authorizer() *auth.Authorizer {
	return p.authorizer
}

func (p *Pipeline) Known() commands.KnownSet {
	return p.known
}

// Prepare parses the request's commands, captures and removes the token,
// drops unknown commands, authorizes what remains, and runs the command
// parsing hooks.
func (p *Pipeline) Prepare(ctx context.Context, req Request) (*Prepared, error) {
	cmds, err := commands.ParseQuery(req.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", processing.ErrMalformedCommand, err)
	}

	token := cmds.Get(commands.TokenCommand)
	commands.StripUnknown(cmds, p.known)

	cc := &auth.CommandContext{
		Host:     req.Host,
		PathBase: req.PathBase,
		Path:     req.Path,
		Commands: cmds,
	}
	if err := p.authorizer.Authorize(ctx, cc, token); err != nil {
		return nil, err
	}
	if err := p.hooks.ParseCommands(ctx, cc); err != nil {
		return nil, err
	}

	opts, err := processing.ParseOptions(cc.Commands, p.maxDimension)
	if err != nil {
		return nil, err
	}
	return &Prepared{Context: cc, Options: opts}, nil
}

// CacheKey returns the cache key for an authorized request.
func (p *Pipeline) CacheKey(prep *Prepared) string {
	return KeyFor(p.caseHandling, p.hashLength, prep.Context)
}

// KeyFor hashes the canonical relative URI of cc. Commands are expected to
// be stripped of the token and of unknown names already.
func KeyFor(handling uri.CaseHandling, hashLength int, cc *auth.CommandContext) string {
	return cache.Key(uri.BuildRelative(handling, cc.PathBase, cc.Path, cc.Commands), hashLength)
}

// Process serves req. Requests without commands are served from the source
// unmodified. Otherwise the processed image is read from the cache, and on a
// miss or a stale entry it is built once per key and stored.
func (p *Pipeline) Process(ctx context.Context, req Request) (Result, error) {
	prep, err := p.Prepare(ctx, req)
	if err != nil {
		return Result{}, err
	}

	src, err := p.source(ctx, req.Path)
	if err != nil {
		return Result{}, err
	}

	if prep.Context.Commands.Len() == 0 {
		data, err := src.Read(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("read source: %w", err)
		}
		return Result{
			Status:       StatusPassthrough,
			Data:         data,
			ContentType:  src.ContentType,
			LastModified: src.ModTime,
		}, nil
	}

	key := p.CacheKey(prep)
	entry, ok, err := p.cache.Get(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("cache get %s: %w", key, err)
	}
	if ok && !entry.Metadata.Expired(p.now(), src.ModTime, p.maxAge) {
		return Result{
			Status:       StatusHit,
			CacheKey:     key,
			Data:         entry.Data,
			ContentType:  entry.Metadata.ContentType,
			LastModified: entry.Metadata.CachedAt,
		}, nil
	}

	// Builds are detached from the caller's cancellation and shared by every
	// waiter on the key.
	buildCtx := context.WithoutCancel(ctx)
	ch := p.builds.DoChan(key, func() (any, error) {
		return p.build(buildCtx, key, src, prep.Options)
	})

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		return res.Val.(Result), nil
	}
}

// PrepareResponse runs the response hooks over header.
func (p *Pipeline) PrepareResponse(ctx context.Context, header http.Header) error {
	return p.hooks.PrepareResponse(ctx, header)
}

func (p *Pipeline) source(ctx context.Context, escapedPath string) (provider.Source, error) {
	requestPath, err := url.PathUnescape(escapedPath)
	if err != nil {
		return provider.Source{}, fmt.Errorf("%w: %s", provider.ErrNotFound, escapedPath)
	}
	if !strings.HasPrefix(requestPath, "/") {
		requestPath = "/" + requestPath
	}

	prov, ok := provider.Select(p.providers, requestPath)
	if !ok {
		return provider.Source{}, fmt.Errorf("%w: no provider for %s", provider.ErrNotFound, requestPath)
	}
	return prov.Get(ctx, requestPath)
}

// build runs on a singleflight goroutine, where an escaping panic would end
// the process, so panics are returned as errors.
func (p *Pipeline) build(ctx context.Context, key string, src provider.Source, opts processing.Options) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = Result{}, fmt.Errorf("build %s: panic: %v", key, r)
		}
	}()

	input, err := src.Read(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("read source: %w", err)
	}

	if err := p.hooks.BeforeSave(ctx, &opts); err != nil {
		return Result{}, err
	}

	out, err := p.transformer.Transform(ctx, input, opts)
	if err != nil {
		return Result{}, fmt.Errorf("transform %s: %w", key, err)
	}

	if err := p.hooks.Processed(ctx, &out); err != nil {
		return Result{}, err
	}

	cachedAt := p.now().UTC().Truncate(time.Second)
	meta := cache.Metadata{
		ContentType:    out.ContentType(),
		SourceModified: src.ModTime,
		CachedAt:       cachedAt,
	}
	if err := p.cache.Put(ctx, key, out.Data, meta); err != nil {
		return Result{}, fmt.Errorf("cache put %s: %w", key, err)
	}

	return Result{
		Status:       StatusMiss,
		CacheKey:     key,
		Data:         out.Data,
		ContentType:  meta.ContentType,
		LastModified: cachedAt,
	}, nil
}
