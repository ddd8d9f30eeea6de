package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dunamismax/pixelgate/internal/cache"
	"github.com/dunamismax/pixelgate/internal/config"
	"github.com/dunamismax/pixelgate/internal/processing"
	"github.com/dunamismax/pixelgate/internal/provider"
	"github.com/dunamismax/pixelgate/internal/storage"
)

// FromConfig wires a Pipeline from the process configuration: the file
// system cache under the resolved cache root, the web root provider, and
// the object store provider when an object prefix is configured. Hooks are
// appended in order.
func FromConfig(ctx context.Context, cfg config.Config, logger zerolog.Logger, hooks ...any) (*Pipeline, error) {
	caseHandling, err := cfg.Image.CaseHandling()
	if err != nil {
		return nil, err
	}

	root, err := cfg.CacheRoot()
	if err != nil {
		return nil, err
	}
	store, err := cache.NewFileSystem(root, cfg.Cache.FolderDepth)
	if err != nil {
		return nil, err
	}

	var providers []provider.Provider
	if prefix := strings.Trim(cfg.Image.ObjectPrefix, "/ "); prefix != "" {
		client, err := storage.NewClient(storage.Config{
			Endpoint:      cfg.Storage.Endpoint,
			Region:        cfg.Storage.Region,
			Access:        cfg.Storage.AccessKey,
			Secret:        cfg.Storage.SecretKey,
			Bucket:        cfg.Storage.Bucket,
			UseSSL:        cfg.Storage.UseSSL,
			MaxObjectSize: cfg.Storage.MaxObjectBytes,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize object storage: %w", err)
		}
		if err := client.Ping(ctx); err != nil {
			logger.Warn().Err(err).Str("bucket", client.Bucket()).Msg("object storage not reachable at startup")
		}
		providers = append(providers, provider.NewObjectStore(client, prefix))
	}
	providers = append(providers, provider.FileSystem{Root: cfg.SourceRoot()})

	transformer, err := processing.NewTransformer()
	if err != nil {
		return nil, fmt.Errorf("build transformer: %w", err)
	}

	stageHooks, err := processing.NewHooks(hooks...)
	if err != nil {
		return nil, err
	}

	p, err := New(Config{
		Secret:       []byte(cfg.Image.HMACSecret),
		Providers:    providers,
		Cache:        store,
		Transformer:  transformer,
		Hooks:        stageHooks,
		CaseHandling: caseHandling,
		HashLength:   cfg.Cache.HashLength,
		CacheMaxAge:  cfg.Cache.MaxAge,
		MaxDimension: cfg.Image.MaxDimension,
	})
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("cache_root", root).
		Str("source_root", cfg.SourceRoot()).
		Str("uri_case", caseHandling.String()).
		Str("backend", processing.Backend()).
		Bool("auth_enabled", p.Authorizer().Enabled()).
		Msg("image pipeline ready")
	if !p.Authorizer().Enabled() {
		logger.Warn().Msg("PIXELGATE_HMAC_SECRET is empty, image commands are not authorized")
	}
	return p, nil
}
