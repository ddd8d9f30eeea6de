package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"

	MaxWarmURLs = 100
)

// WarmRequest asks the worker to pre-build the cache entries for a set of
// image URIs such as "/photos/cat.jpg?width=200&hmac=...".
type WarmRequest struct {
	URLs       []string `json:"urls"`
	WebhookURL string   `json:"webhook_url,omitempty"`
}

// WarmResult is the outcome for one URI of a warm job.
type WarmResult struct {
	URL      string `json:"url"`
	Status   string `json:"status"`
	CacheKey string `json:"cache_key,omitempty"`
	Bytes    int    `json:"bytes,omitempty"`
	Error    string `json:"error,omitempty"`
}

type Job struct {
	ID         string
	Status     string
	WebhookURL string
	URLs       []string
	Results    []WarmResult
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (r WarmRequest) Validate() error {
	if len(r.URLs) == 0 {
		return errors.New("urls must contain at least one entry")
	}
	if len(r.URLs) > MaxWarmURLs {
		return fmt.Errorf("urls must contain at most %d entries", MaxWarmURLs)
	}
	for i, raw := range r.URLs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return fmt.Errorf("urls[%d] is required", i)
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("urls[%d] is invalid: %w", i, err)
		}
		if u.IsAbs() || !strings.HasPrefix(u.Path, "/") {
			return fmt.Errorf("urls[%d] must be a rooted relative URI", i)
		}
	}
	if hook := strings.TrimSpace(r.WebhookURL); hook != "" {
		u, err := url.Parse(hook)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhook_url must be an absolute http(s) URL")
		}
	}
	return nil
}
