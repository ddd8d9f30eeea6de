// Package api serves processed images over HTTP and accepts cache warm jobs
// for the worker.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/pixelgate/internal/auth"
	"github.com/dunamismax/pixelgate/internal/domain"
	"github.com/dunamismax/pixelgate/internal/id"
	"github.com/dunamismax/pixelgate/internal/pipeline"
	"github.com/dunamismax/pixelgate/internal/processing"
	"github.com/dunamismax/pixelgate/internal/provider"
	"github.com/dunamismax/pixelgate/internal/queue"
	"github.com/dunamismax/pixelgate/internal/store"
)

const HeaderCacheStatus = "X-Pixelgate-Cache"

// Pipeline is the image pipeline the server fronts.
type Pipeline interface {
	Prepare(ctx context.Context, req pipeline.Request) (*pipeline.Prepared, error)
	Process(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
	PrepareResponse(ctx context.Context, header http.Header) error
}

type queueEnqueuer interface {
	EnqueueWarmCache(ctx context.Context, payload queue.WarmCachePayload) (*asynq.TaskInfo, error)
}

type Options struct {
	Logger                 zerolog.Logger
	Pipeline               Pipeline
	Queue                  queueEnqueuer
	JobStore               store.JobStore
	RateLimiter            RateLimiter
	RateLimitSubjectHeader string
	Tracer                 trace.Tracer
	PathBase               string
	BrowserMaxAge          time.Duration
}

type Server struct {
	logger                 zerolog.Logger
	pipeline               Pipeline
	queueClient            queueEnqueuer
	jobStore               store.JobStore
	rateLimiter            RateLimiter
	rateLimitSubjectHeader string
	tracer                 trace.Tracer
	pathBase               string
	browserMaxAge          time.Duration
	metrics                *metrics
	mux                    *http.ServeMux
}

func NewServer(opts Options) *Server {
	subjectHeader := strings.TrimSpace(opts.RateLimitSubjectHeader)
	if subjectHeader == "" {
		subjectHeader = "X-User-ID"
	}
	jobStore := opts.JobStore
	if jobStore == nil {
		jobStore = store.NewMemoryJobStore()
	}

	s := &Server{
		logger:                 opts.Logger,
		pipeline:               opts.Pipeline,
		queueClient:            opts.Queue,
		jobStore:               jobStore,
		rateLimiter:            opts.RateLimiter,
		rateLimitSubjectHeader: subjectHeader,
		tracer:                 opts.Tracer,
		pathBase:               opts.PathBase,
		browserMaxAge:          opts.BrowserMaxAge,
		metrics:                newMetrics(),
		mux:                    http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /v1/warm", s.handleCreateWarmJob)
	s.mux.HandleFunc("GET /v1/warm/{id}", s.handleGetWarmJob)
	s.mux.HandleFunc("GET /", s.handleImage)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	req, ok := pipeline.WithPathBase(pipeline.Request{
		Host:     r.Host,
		Path:     r.URL.EscapedPath(),
		RawQuery: r.URL.RawQuery,
	}, s.pathBase)
	if !ok {
		http.NotFound(w, r)
		return
	}

	start := time.Now()
	res, err := s.pipeline.Process(r.Context(), req)
	if err != nil {
		s.writeImageError(w, r, err)
		return
	}
	s.metrics.observeImage(string(res.Status), len(res.Data), time.Since(start))

	header := w.Header()
	header.Set("Content-Type", res.ContentType)
	header.Set("Cache-Control", cacheControl(s.browserMaxAge))
	header.Set("ETag", etag(res.Data))
	header.Set(HeaderCacheStatus, string(res.Status))
	if err := s.pipeline.PrepareResponse(r.Context(), header); err != nil {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("prepare response failed")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	http.ServeContent(w, r, "", res.LastModified, bytes.NewReader(res.Data))
}

func (s *Server) writeImageError(w http.ResponseWriter, r *http.Request, err error) {
	status := imageErrorStatus(err)
	s.metrics.imageErrors.WithLabelValues(strconv.Itoa(status)).Inc()
	switch status {
	case http.StatusBadRequest:
		s.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("image request rejected")
	case http.StatusNotFound:
		s.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("image not found")
	case http.StatusServiceUnavailable:
		s.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("image request cancelled")
	default:
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("image processing failed")
	}
	http.Error(w, http.StatusText(status), status)
}

func imageErrorStatus(err error) int {
	switch {
	case errors.Is(err, auth.ErrUnauthorized),
		errors.Is(err, processing.ErrMalformedCommand),
		errors.Is(err, processing.ErrUnsupportedFormat):
		return http.StatusBadRequest
	case errors.Is(err, provider.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func cacheControl(maxAge time.Duration) string {
	if maxAge <= 0 {
		return "no-cache"
	}
	return "public, max-age=" + strconv.FormatInt(int64(maxAge/time.Second), 10)
}

func etag(data []byte) string {
	return fmt.Sprintf("\"%016x\"", xxhash.Sum64(data))
}

func (s *Server) handleCreateWarmJob(w http.ResponseWriter, r *http.Request) {
	if s.queueClient == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "warm queue is unavailable"})
		return
	}

	var req domain.WarmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	urls := make([]string, 0, len(req.URLs))
	for i, raw := range req.URLs {
		raw = strings.TrimSpace(raw)
		if err := s.checkWarmURL(r.Context(), raw); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("urls[%d]: %v", i, err)})
			return
		}
		urls = append(urls, raw)
	}
	if !s.admitWarm(w, r, len(urls)) {
		return
	}

	now := time.Now().UTC()
	job := domain.Job{
		ID:         id.New(),
		Status:     domain.JobStatusCreated,
		WebhookURL: strings.TrimSpace(req.WebhookURL),
		URLs:       urls,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.jobStore.Create(r.Context(), job); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("create job failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create job"})
		return
	}

	taskInfo, err := s.queueClient.EnqueueWarmCache(r.Context(), queue.WarmCachePayload{
		JobID:       job.ID,
		URLs:        job.URLs,
		WebhookURL:  job.WebhookURL,
		RequestedAt: now,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("enqueue failed")
		if _, err := s.jobStore.Complete(r.Context(), job.ID, domain.JobStatusFailed, nil, "enqueue failed"); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("mark job failed")
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to enqueue job"})
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()
	s.metrics.warmURLs.Add(float64(len(job.URLs)))

	if _, err := s.jobStore.UpdateStatus(r.Context(), job.ID, domain.JobStatusQueued); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("update status failed")
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      job.ID,
		"status":      domain.JobStatusQueued,
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"state":       taskInfo.State.String(),
		"enqueued_at": taskInfo.NextProcessAt,
		"status_url":  "/v1/warm/" + job.ID,
	})
}

// checkWarmURL authorizes a warm URL up front so a bad token is reported to
// the caller instead of failing in the worker.
func (s *Server) checkWarmURL(ctx context.Context, raw string) error {
	req, err := pipeline.RequestFromURI(raw)
	if err != nil {
		return err
	}
	req, ok := pipeline.WithPathBase(req, s.pathBase)
	if !ok {
		return fmt.Errorf("path is outside %s", s.pathBase)
	}
	_, err = s.pipeline.Prepare(ctx, req)
	return err
}

func (s *Server) handleGetWarmJob(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("id"))
	if jobID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "job id is required"})
		return
	}

	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("fetch job failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}

	body := map[string]any{
		"job_id":     job.ID,
		"status":     job.Status,
		"urls":       job.URLs,
		"created_at": job.CreatedAt,
		"updated_at": job.UpdatedAt,
	}
	if len(job.Results) > 0 {
		body["results"] = job.Results
	}
	if job.Error != "" {
		body["error"] = job.Error
	}
	writeJSON(w, http.StatusOK, body)
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
