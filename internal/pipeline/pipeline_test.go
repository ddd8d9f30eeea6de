package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/pixelgate/internal/auth"
	"github.com/dunamismax/pixelgate/internal/cache"
	"github.com/dunamismax/pixelgate/internal/commands"
	"github.com/dunamismax/pixelgate/internal/config"
	"github.com/dunamismax/pixelgate/internal/processing"
	"github.com/dunamismax/pixelgate/internal/provider"
	"github.com/dunamismax/pixelgate/internal/uri"
)

type fixture struct {
	webRoot string
	store   *cache.FileSystem
	cfg     Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	webRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(webRoot, "img.png"), buildTestPNG(t, 200, 100), 0o644))

	store, err := cache.NewFileSystem(filepath.Join(t.TempDir(), cache.DefaultFolder), cache.DefaultFolderDepth)
	require.NoError(t, err)

	transformer, err := processing.NewTransformer()
	require.NoError(t, err)

	return &fixture{
		webRoot: webRoot,
		store:   store,
		cfg: Config{
			Providers:    []provider.Provider{provider.FileSystem{Root: webRoot}},
			Cache:        store,
			Transformer:  transformer,
			CaseHandling: uri.CaseLowerInvariant,
		},
	}
}

func (f *fixture) pipeline(t *testing.T) *Pipeline {
	t.Helper()
	p, err := New(f.cfg)
	require.NoError(t, err)
	return p
}

func mustRequest(t *testing.T, rawURI string) Request {
	t.Helper()
	req, err := RequestFromURI(rawURI)
	require.NoError(t, err)
	return req
}

func TestProcessPassthroughWithoutCommands(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t)

	res, err := p.Process(context.Background(), mustRequest(t, "/img.png?bogus=1"))
	require.NoError(t, err)

	assert.Equal(t, StatusPassthrough, res.Status)
	assert.Empty(t, res.CacheKey)
	assert.Equal(t, "image/png", res.ContentType)

	original, err := os.ReadFile(filepath.Join(f.webRoot, "img.png"))
	require.NoError(t, err)
	assert.Equal(t, original, res.Data)
}

func TestProcessMissThenHit(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t)
	ctx := context.Background()

	first, err := p.Process(ctx, mustRequest(t, "/img.png?width=100"))
	require.NoError(t, err)
	assert.Equal(t, StatusMiss, first.Status)
	assert.Len(t, first.CacheKey, cache.DefaultHashLength)
	assert.Equal(t, "image/png", first.ContentType)

	img, err := png.Decode(bytes.NewReader(first.Data))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(100, 50), img.Bounds().Size())

	second, err := p.Process(ctx, mustRequest(t, "/img.png?width=100"))
	require.NoError(t, err)
	assert.Equal(t, StatusHit, second.Status)
	assert.Equal(t, first.CacheKey, second.CacheKey)
	assert.Equal(t, first.Data, second.Data)

	path, err := f.store.Path(first.CacheKey)
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestProcessUnknownCommandsDoNotChangeKey(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t)
	ctx := context.Background()

	clean, err := p.Process(ctx, mustRequest(t, "/img.png?width=100"))
	require.NoError(t, err)
	noisy, err := p.Process(ctx, mustRequest(t, "/img.png?width=100&bogus=1"))
	require.NoError(t, err)

	assert.Equal(t, clean.CacheKey, noisy.CacheKey)
	assert.Equal(t, StatusHit, noisy.Status)
}

func TestProcessKeyIgnoresCaseWhenLowering(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t)

	lower, err := p.Prepare(context.Background(), mustRequest(t, "/img.png?width=100"))
	require.NoError(t, err)
	upper, err := p.Prepare(context.Background(), mustRequest(t, "/IMG.png?WIDTH=100"))
	require.NoError(t, err)

	assert.Equal(t, p.CacheKey(lower), p.CacheKey(upper))
}

func TestProcessRequiresTokenWhenSecretSet(t *testing.T) {
	f := newFixture(t)
	f.cfg.Secret = []byte("s3cret")
	p := f.pipeline(t)
	ctx := context.Background()

	_, err := p.Process(ctx, mustRequest(t, "/img.png?width=50"))
	assert.ErrorIs(t, err, auth.ErrUnauthorized)

	_, err = p.Process(ctx, mustRequest(t, "/img.png?width=50&hmac=deadbeef"))
	assert.ErrorIs(t, err, auth.ErrUnauthorized)

	signed, err := p.Authorizer().SignURL(ctx, "/img.png?width=50", auth.HandlingNone)
	require.NoError(t, err)
	res, err := p.Process(ctx, mustRequest(t, signed))
	require.NoError(t, err)
	assert.Equal(t, StatusMiss, res.Status)

	res, err = p.Process(ctx, mustRequest(t, "/img.png"))
	require.NoError(t, err)
	assert.Equal(t, StatusPassthrough, res.Status)
}

func TestProcessTokenIgnoresUnknownCommands(t *testing.T) {
	f := newFixture(t)
	f.cfg.Secret = []byte("s3cret")
	p := f.pipeline(t)
	ctx := context.Background()

	signed, err := p.Authorizer().SignURL(ctx, "/img.png?width=50", auth.HandlingNone)
	require.NoError(t, err)

	_, err = p.Process(ctx, mustRequest(t, signed+"&utm_source=mail"))
	require.NoError(t, err)
}

func TestProcessAcceptsReferenceToken(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.webRoot, "testimage.png"), buildTestPNG(t, 100, 100), 0o644))
	f.cfg.Secret = []byte{1, 2, 3, 4, 5}
	p := f.pipeline(t)

	req := mustRequest(t, "/testimage.png?width=50&hmac=54edff059ad28d0f0ec2494de1dce0e6152e8d26e53e2efb249cdae93e30acbc")
	res, err := p.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusMiss, res.Status)
}

func TestProcessNotFound(t *testing.T) {
	p := newFixture(t).pipeline(t)

	_, err := p.Process(context.Background(), mustRequest(t, "/missing.png?width=10"))
	assert.ErrorIs(t, err, provider.ErrNotFound)

	_, err = p.Process(context.Background(), mustRequest(t, "/../../etc/passwd"))
	assert.ErrorIs(t, err, provider.ErrNotFound)
}

func TestProcessMalformedCommand(t *testing.T) {
	p := newFixture(t).pipeline(t)

	_, err := p.Process(context.Background(), mustRequest(t, "/img.png?width=wide"))
	assert.ErrorIs(t, err, processing.ErrMalformedCommand)

	_, err = p.Process(context.Background(), Request{Path: "/img.png", RawQuery: "width=%zz"})
	assert.ErrorIs(t, err, processing.ErrMalformedCommand)
}

func TestProcessRebuildsWhenSourceChanges(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t)
	ctx := context.Background()

	first, err := p.Process(ctx, mustRequest(t, "/img.png?width=20"))
	require.NoError(t, err)
	require.Equal(t, StatusMiss, first.Status)

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(f.webRoot, "img.png"), later, later))

	second, err := p.Process(ctx, mustRequest(t, "/img.png?width=20"))
	require.NoError(t, err)
	assert.Equal(t, StatusMiss, second.Status)
}

func TestProcessRebuildsWhenEntryTooOld(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.cfg.CacheMaxAge = time.Hour
	f.cfg.Now = func() time.Time { return now }
	p := f.pipeline(t)
	ctx := context.Background()

	_, err := p.Process(ctx, mustRequest(t, "/img.png?width=20"))
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	res, err := p.Process(ctx, mustRequest(t, "/img.png?width=20"))
	require.NoError(t, err)
	assert.Equal(t, StatusMiss, res.Status)
}

type widthOverride struct{ width string }

func (h widthOverride) ParseCommands(_ context.Context, cc *auth.CommandContext) error {
	cc.Commands.Set(processing.CommandWidth, h.width)
	return nil
}

type processedCounter struct{ n *atomic.Int32 }

func (h processedCounter) Processed(_ context.Context, out *processing.Output) error {
	h.n.Add(1)
	return nil
}

func TestProcessRunsHooks(t *testing.T) {
	f := newFixture(t)
	var processed atomic.Int32
	hooks, err := processing.NewHooks(widthOverride{width: "40"}, processedCounter{n: &processed})
	require.NoError(t, err)
	f.cfg.Hooks = hooks
	p := f.pipeline(t)

	res, err := p.Process(context.Background(), mustRequest(t, "/img.png?width=100"))
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(res.Data))
	require.NoError(t, err)
	assert.Equal(t, 40, img.Bounds().Dx())
	assert.Equal(t, int32(1), processed.Load())
}

type countingStore struct {
	Store
	gets atomic.Int32
}

func (s *countingStore) Get(ctx context.Context, key string) (cache.Entry, bool, error) {
	s.gets.Add(1)
	return s.Store.Get(ctx, key)
}

type gatedTransformer struct {
	next  processing.Transformer
	gate  chan struct{}
	calls atomic.Int32
}

func (g *gatedTransformer) Transform(ctx context.Context, input []byte, opts processing.Options) (processing.Output, error) {
	g.calls.Add(1)
	<-g.gate
	return g.next.Transform(ctx, input, opts)
}

func TestProcessBuildsOncePerKey(t *testing.T) {
	f := newFixture(t)
	store := &countingStore{Store: f.store}
	gated := &gatedTransformer{next: f.cfg.Transformer, gate: make(chan struct{})}
	f.cfg.Cache = store
	f.cfg.Transformer = gated
	p := f.pipeline(t)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]Result, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.Process(context.Background(), Request{Path: "/img.png", RawQuery: "width=64"})
		}(i)
	}

	require.Eventually(t, func() bool { return store.gets.Load() == callers }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(gated.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].Data, results[i].Data)
	}
	assert.Equal(t, int32(1), gated.calls.Load())
}

func TestProcessCancelledWaiterReturnsContextError(t *testing.T) {
	f := newFixture(t)
	gated := &gatedTransformer{next: f.cfg.Transformer, gate: make(chan struct{})}
	f.cfg.Transformer = gated
	p := f.pipeline(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Process(ctx, Request{Path: "/img.png", RawQuery: "width=30"})
		done <- err
	}()

	require.Eventually(t, func() bool { return gated.calls.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	assert.True(t, errors.Is(<-done, context.Canceled))

	close(gated.gate)
	require.Eventually(t, func() bool {
		res, err := p.Process(context.Background(), Request{Path: "/img.png", RawQuery: "width=30"})
		return err == nil && res.Status == StatusHit
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNewValidatesConfig(t *testing.T) {
	f := newFixture(t)

	cfg := f.cfg
	cfg.Cache = nil
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = f.cfg
	cfg.Providers = nil
	_, err = New(cfg)
	assert.Error(t, err)

	cfg = f.cfg
	cfg.Transformer = nil
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestCustomProcessorsDefineKnownCommands(t *testing.T) {
	f := newFixture(t)
	f.cfg.Processors = []commands.Processor{processing.ResizeProcessor{}}
	p := f.pipeline(t)

	prep, err := p.Prepare(context.Background(), mustRequest(t, "/img.png?width=10&format=jpg"))
	require.NoError(t, err)
	assert.Equal(t, []string{"width"}, prep.Context.Commands.Keys())
	assert.Empty(t, prep.Options.Format)
}

func buildTestPNG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x * 255) / w),
				G: uint8((y * 255) / h),
				B: 140,
				A: 255,
			})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestFromConfig(t *testing.T) {
	contentRoot := t.TempDir()
	t.Setenv("PIXELGATE_CONTENT_ROOT", contentRoot)
	t.Setenv("PIXELGATE_HMAC_SECRET", "s3cret")
	require.NoError(t, os.WriteFile(filepath.Join(contentRoot, "img.png"), buildTestPNG(t, 40, 20), 0o644))

	cfg, err := config.Load()
	require.NoError(t, err)

	p, err := FromConfig(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	require.True(t, p.Authorizer().Enabled())

	signed, err := p.Authorizer().SignURL(context.Background(), "/img.png?width=10", auth.HandlingNone)
	require.NoError(t, err)
	res, err := p.Process(context.Background(), mustRequest(t, signed))
	require.NoError(t, err)
	assert.Equal(t, StatusMiss, res.Status)

	store, err := cache.NewFileSystem(filepath.Join(contentRoot, cache.DefaultFolder), cache.DefaultFolderDepth)
	require.NoError(t, err)
	_, ok, err := store.Get(context.Background(), res.CacheKey)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFromConfigRejectsNilHook(t *testing.T) {
	t.Setenv("PIXELGATE_CONTENT_ROOT", t.TempDir())
	cfg, err := config.Load()
	require.NoError(t, err)

	_, err = FromConfig(context.Background(), cfg, zerolog.Nop(), nil)
	assert.ErrorIs(t, err, processing.ErrNilHook)
}

func TestWithPathBase(t *testing.T) {
	cases := []struct {
		base, path  string
		wantBase    string
		wantPath    string
		wantInRange bool
	}{
		{"", "/img.png", "", "/img.png", true},
		{"/images", "/images/img.png", "/images", "/img.png", true},
		{"images/", "/images/a/b.png", "/images", "/a/b.png", true},
		{"/images", "/imagesx/img.png", "", "", false},
		{"/images", "/images", "", "", false},
		{"/images", "/other/img.png", "", "", false},
	}
	for _, tc := range cases {
		got, ok := WithPathBase(Request{Path: tc.path, RawQuery: "width=1"}, tc.base)
		require.Equal(t, tc.wantInRange, ok, "base=%q path=%q", tc.base, tc.path)
		if !ok {
			continue
		}
		assert.Equal(t, tc.wantBase, got.PathBase)
		assert.Equal(t, tc.wantPath, got.Path)
		assert.Equal(t, "width=1", got.RawQuery)
	}
}

func TestProcessSignsOverPathBase(t *testing.T) {
	f := newFixture(t)
	f.cfg.Secret = []byte("s3cret")
	p := f.pipeline(t)
	ctx := context.Background()

	signed, err := p.Authorizer().SignURL(ctx, "/images/img.png?width=10", auth.HandlingNone)
	require.NoError(t, err)

	req, ok := WithPathBase(mustRequest(t, signed), "/images")
	require.True(t, ok)
	res, err := p.Process(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StatusMiss, res.Status)
}

func TestProcessRejectsOversizedDimensions(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t)

	_, err := p.Process(context.Background(), mustRequest(t, "/img.png?width=2000000000&height=2000000000"))
	assert.ErrorIs(t, err, processing.ErrMalformedCommand)

	f.cfg.MaxDimension = 100
	p = f.pipeline(t)

	_, err = p.Process(context.Background(), mustRequest(t, "/img.png?width=101"))
	assert.ErrorIs(t, err, processing.ErrMalformedCommand)

	res, err := p.Process(context.Background(), mustRequest(t, "/img.png?width=100"))
	require.NoError(t, err)
	assert.Equal(t, StatusMiss, res.Status)
}

func TestProcessRejectsOversizedDerivedSide(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.webRoot, "tall.png"), buildTestPNG(t, 1, 400), 0o644))
	f.cfg.MaxDimension = 100
	p := f.pipeline(t)

	// 50 wide keeps the aspect ratio at 20000 tall.
	_, err := p.Process(context.Background(), mustRequest(t, "/tall.png?width=50"))
	assert.ErrorIs(t, err, processing.ErrMalformedCommand)

	// Re-encoding a source that is already past the limit is allowed.
	res, err := p.Process(context.Background(), mustRequest(t, "/tall.png?format=jpeg"))
	require.NoError(t, err)
	assert.Equal(t, StatusMiss, res.Status)
}

type panicTransformer struct{}

func (panicTransformer) Transform(context.Context, []byte, processing.Options) (processing.Output, error) {
	panic("backend exploded")
}

func TestProcessRecoversBuildPanic(t *testing.T) {
	f := newFixture(t)
	f.cfg.Transformer = panicTransformer{}
	p := f.pipeline(t)

	_, err := p.Process(context.Background(), mustRequest(t, "/img.png?width=10"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend exploded")

	_, ok, err := f.store.Get(context.Background(), p.CacheKey(mustPrepare(t, p, "/img.png?width=10")))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProcessDoesNotServeNonImages(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.webRoot, ".env"), []byte("DB_PASSWORD=hunter2"), 0o644))
	p := f.pipeline(t)

	for _, raw := range []string{"/.env", "/.env?width=10"} {
		res, err := p.Process(context.Background(), mustRequest(t, raw))
		assert.ErrorIs(t, err, provider.ErrNotFound, raw)
		assert.Empty(t, res.Data, raw)
	}
}

func mustPrepare(t *testing.T, p *Pipeline, rawURI string) *Prepared {
	t.Helper()
	prep, err := p.Prepare(context.Background(), mustRequest(t, rawURI))
	require.NoError(t, err)
	return prep
}
