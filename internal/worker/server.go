// Package worker consumes cache warm jobs from the queue and builds the
// processed images they name ahead of the first request.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/pixelgate/internal/auth"
	"github.com/dunamismax/pixelgate/internal/config"
	"github.com/dunamismax/pixelgate/internal/domain"
	"github.com/dunamismax/pixelgate/internal/pipeline"
	"github.com/dunamismax/pixelgate/internal/processing"
	"github.com/dunamismax/pixelgate/internal/provider"
	"github.com/dunamismax/pixelgate/internal/queue"
	"github.com/dunamismax/pixelgate/internal/store"
	"github.com/dunamismax/pixelgate/internal/webhook"
)

// Warmer builds or looks up the cache entry for one image request.
type Warmer interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint string, evt webhook.Event) error
}

type Server struct {
	logger        zerolog.Logger
	server        *asynq.Server
	sem           chan struct{}
	warmer        Warmer
	pathBase      string
	webhookClient webhookSender
	jobStore      store.JobStore
	usageStore    store.UsageStore
	metrics       *metrics
	tracer        trace.Tracer
	now           func() time.Time
}

func NewServer(
	logger zerolog.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	pathBase string,
	warmer Warmer,
	webhookClient webhookSender,
	jobStore store.JobStore,
	usageStore store.UsageStore,
) (*Server, error) {
	if warmer == nil {
		return nil, errors.New("warmer is required")
	}

	s := newServer(logger, workerCfg.MaxActiveJobs, warmer, webhookClient, jobStore, usageStore)
	s.pathBase = pathBase
	s.server = asynq.NewServer(
		queueCfg.RedisClientOpt(),
		asynq.Config{
			Concurrency: workerCfg.Concurrency,
			Queues: map[string]int{
				queueCfg.Name: 1,
			},
			LogLevel: asynq.InfoLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Error().
					Err(err).
					Str("type", task.Type()).
					Int("retry", retried).
					Int("max_retry", maxRetry).
					Msg("task failed")
			}),
		},
	)
	return s, nil
}

func newServer(
	logger zerolog.Logger,
	maxActiveJobs int,
	warmer Warmer,
	webhookClient webhookSender,
	jobStore store.JobStore,
	usageStore store.UsageStore,
) *Server {
	if usageStore == nil {
		if jobAndUsageStore, ok := jobStore.(store.UsageStore); ok {
			usageStore = jobAndUsageStore
		}
	}
	return &Server{
		logger:        logger,
		sem:           make(chan struct{}, max(1, maxActiveJobs)),
		warmer:        warmer,
		webhookClient: webhookClient,
		jobStore:      jobStore,
		usageStore:    usageStore,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("pixelgate/worker"),
		now:           time.Now,
	}
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeWarmCache, s.handleWarmCache)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleWarmCache(ctx context.Context, task *asynq.Task) error {
	startedAt := s.now()
	outcome := domain.JobStatusFailed

	payload, err := queue.ParseWarmCachePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	if retried, ok := asynq.GetRetryCount(ctx); !ok || retried == 0 {
		s.metrics.observeQueued(payload.RequestedAt, startedAt)
	}

	ctx, span := s.tracer.Start(ctx, "worker.warm_cache", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.Int("job.urls", len(payload.URLs)),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(outcome).Inc()
	}()

	s.sem <- struct{}{}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	logger := s.logger.With().Str("job_id", payload.JobID).Logger()
	logger.Info().Int("urls", len(payload.URLs)).Msg("warming cache")

	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusProcessing)

	results, transient := s.warm(ctx, payload.URLs)
	if transient != nil && !finalAttempt(ctx) {
		span.RecordError(transient)
		span.SetStatus(codes.Error, "transient warm failure")
		return fmt.Errorf("warm %s: %w", payload.JobID, transient)
	}

	usage := domain.Usage{JobID: payload.JobID}
	for _, r := range results {
		usage.Tally(r)
		s.metrics.imagesTotal.WithLabelValues(r.Status).Inc()
	}

	job := domain.Job{ID: payload.JobID, Status: domain.JobStatusSucceeded, Results: results}
	if usage.ImagesFailed > 0 {
		job.Status = domain.JobStatusFailed
		job.Error = fmt.Sprintf("%d of %d urls failed", usage.ImagesFailed, len(results))
	}

	if s.jobStore != nil {
		if _, err := s.jobStore.Complete(ctx, job.ID, job.Status, results, job.Error); err != nil {
			logger.Error().Err(err).Msg("job completion update failed")
		}
	}
	s.recordUsage(ctx, usage, s.now().Sub(startedAt))

	logger.Info().
		Str("status", job.Status).
		Int("built", usage.ImagesBuilt).
		Int("cached", usage.ImagesCached).
		Int("failed", usage.ImagesFailed).
		Msg("warm finished")

	if err := s.dispatchWebhook(ctx, payload, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook dispatch failed")
		return err
	}

	outcome = job.Status
	if job.Status == domain.JobStatusSucceeded {
		span.SetStatus(codes.Ok, "warmed")
	} else {
		span.SetStatus(codes.Error, job.Error)
	}
	return nil
}

// warm processes every URL in order. The returned error is the first
// failure that a retry could fix.
func (s *Server) warm(ctx context.Context, urls []string) ([]domain.WarmResult, error) {
	results := make([]domain.WarmResult, 0, len(urls))
	var transient error

	for _, raw := range urls {
		result := domain.WarmResult{URL: raw}

		var res pipeline.Result
		req, err := pipeline.RequestFromURI(raw)
		if err == nil {
			var inBase bool
			if req, inBase = pipeline.WithPathBase(req, s.pathBase); !inBase {
				err = fmt.Errorf("%w: %s is outside %s", provider.ErrNotFound, raw, s.pathBase)
			} else {
				res, err = s.warmer.Process(ctx, req)
			}
		}

		switch {
		case err != nil:
			result.Status = domain.WarmStatusFailed
			result.Error = err.Error()
			if !permanent(err) && transient == nil {
				transient = err
			}
			s.logger.Warn().Err(err).Str("url", raw).Msg("warm url failed")
		case res.Status == pipeline.StatusMiss:
			result.Status = domain.WarmStatusBuilt
			result.CacheKey = res.CacheKey
			result.Bytes = len(res.Data)
		case res.Status == pipeline.StatusHit:
			result.Status = domain.WarmStatusCached
			result.CacheKey = res.CacheKey
		default:
			result.Status = domain.WarmStatusSkipped
		}
		results = append(results, result)
	}
	return results, transient
}

// permanent reports whether err is a property of the request itself.
func permanent(err error) bool {
	return errors.Is(err, auth.ErrUnauthorized) ||
		errors.Is(err, processing.ErrMalformedCommand) ||
		errors.Is(err, processing.ErrUnsupportedFormat) ||
		errors.Is(err, provider.ErrNotFound)
}

func finalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= maxRetry
}

func (s *Server) updateJobStatus(ctx context.Context, jobID, status string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Str("status", status).Msg("job status update failed")
	}
}

func (s *Server) dispatchWebhook(ctx context.Context, payload queue.WarmCachePayload, job domain.Job) error {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return nil
	}

	evt := webhook.NewEvent(job, payload.RequestedAt, s.now())
	if err := s.webhookClient.Send(ctx, payload.WebhookURL, evt); err != nil {
		s.metrics.webhooks.WithLabelValues(evt.Type, "failed").Inc()
		s.logger.Error().Err(err).Str("job_id", job.ID).Str("event", evt.Type).Msg("webhook delivery failed")
		return fmt.Errorf("dispatch webhook: %w", err)
	}
	s.metrics.webhooks.WithLabelValues(evt.Type, "delivered").Inc()
	return nil
}

func (s *Server) recordUsage(ctx context.Context, usage domain.Usage, computeDuration time.Duration) {
	computeTimeMS := computeDuration.Milliseconds()
	if computeTimeMS < 1 {
		computeTimeMS = 1
	}
	usage.ComputeTimeMS = computeTimeMS
	usage.CreatedAt = s.now().UTC()

	s.metrics.bytesWrittenTotal.Add(float64(usage.BytesWritten))
	s.metrics.computeTimeMSTotal.Add(float64(computeTimeMS))

	if s.usageStore == nil {
		return
	}
	if err := s.usageStore.CreateUsageLog(ctx, usage); err != nil {
		s.logger.Error().Err(err).Str("job_id", usage.JobID).Msg("usage log write failed")
	}
}
