package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/pixelgate/internal/ratelimit"
)

// RateLimiter takes cost tokens from a subject's bucket.
type RateLimiter interface {
	AllowN(ctx context.Context, subject string, cost int) (ratelimit.Decision, error)
}

// admitWarm charges a warm job one token per URL. It writes the rejection
// and returns false when the job may not proceed. Image requests are never
// limited here.
func (s *Server) admitWarm(w http.ResponseWriter, r *http.Request, cost int) bool {
	if s.rateLimiter == nil {
		return true
	}

	subject := s.rateLimitSubject(r)
	decision, err := s.rateLimiter.AllowN(r.Context(), subject, cost)
	switch {
	case errors.Is(err, ratelimit.ErrCostExceedsCapacity):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "warm job has more urls than the rate limit allows per window (" + strconv.FormatInt(decision.Limit, 10) + ")",
		})
		return false
	case err != nil:
		// Redis outages must not block warm submissions.
		s.logger.Warn().Err(err).Str("subject", subject).Msg("rate limiter check failed")
		return true
	}

	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
	if decision.Allowed {
		return true
	}

	retryAfter := max(1, int(decision.RetryAfter.Round(time.Second).Seconds()))
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	s.metrics.rateLimitRejected.WithLabelValues(routeLabel(r.URL.Path)).Inc()
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":               "rate limit exceeded",
		"retry_after_seconds": retryAfter,
	})
	return false
}

// rateLimitSubject keys the bucket by the configured subject header, falling
// back to the client address.
func (s *Server) rateLimitSubject(r *http.Request) string {
	if subject := strings.TrimSpace(r.Header.Get(s.rateLimitSubjectHeader)); subject != "" {
		return "subject:" + subject
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		host = r.RemoteAddr
	}
	if host == "" {
		return "anonymous"
	}
	return "addr:" + host
}
