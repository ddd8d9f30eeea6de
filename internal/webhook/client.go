// Package webhook delivers signed warm job notifications.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/pixelgate/internal/domain"
	"github.com/dunamismax/pixelgate/internal/id"
)

const (
	HeaderSignature = "X-Pixelgate-Signature"
	HeaderTimestamp = "X-Pixelgate-Timestamp"
	HeaderEvent     = "X-Pixelgate-Event"
	HeaderDelivery  = "X-Pixelgate-Delivery"

	EventWarmCompleted = "warm.completed"
	EventWarmFailed    = "warm.failed"
)

// Event is the JSON body of a warm notification. ID is stable across
// delivery attempts so receivers can drop duplicates.
type Event struct {
	ID          string              `json:"id"`
	Type        string              `json:"type"`
	JobID       string              `json:"job_id"`
	Status      string              `json:"status"`
	Error       string              `json:"error,omitempty"`
	RequestedAt time.Time           `json:"requested_at"`
	FinishedAt  time.Time           `json:"finished_at"`
	Results     []domain.WarmResult `json:"results"`
}

// NewEvent builds the notification for a finished job. Failed jobs get
// EventWarmFailed.
func NewEvent(job domain.Job, requestedAt, finishedAt time.Time) Event {
	evt := Event{
		ID:          id.New(),
		Type:        EventWarmCompleted,
		JobID:       job.ID,
		Status:      job.Status,
		Error:       job.Error,
		RequestedAt: requestedAt.UTC(),
		FinishedAt:  finishedAt.UTC(),
		Results:     job.Results,
	}
	if job.Status == domain.JobStatusFailed {
		evt.Type = EventWarmFailed
	}
	return evt
}

type Config struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Client struct {
	httpClient *http.Client
	secret     string
	attempts   int
	backoff    time.Duration
	maxBackoff time.Duration
	now        func() time.Time
}

func NewClient(cfg Config) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		secret:     cfg.SigningSecret,
		attempts:   max(cfg.MaxAttempts, 1),
		backoff:    cfg.InitialBackoff,
		now:        time.Now,
	}
	if c.httpClient.Timeout <= 0 {
		c.httpClient.Timeout = 10 * time.Second
	}
	if c.backoff <= 0 {
		c.backoff = time.Second
	}
	c.maxBackoff = max(cfg.MaxBackoff, c.backoff)
	return c
}

// Send posts evt to endpoint, retrying transport failures, 408, 429 and 5xx
// responses with doubling backoff. A Retry-After header on the response
// replaces the next wait, capped at the maximum backoff. An empty endpoint
// is a no-op.
func (c *Client) Send(ctx context.Context, endpoint string, evt Event) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", evt.Type, err)
	}
	timestamp := strconv.FormatInt(c.now().UTC().Unix(), 10)
	signature := Sign(c.secret, timestamp, body)

	wait := c.backoff
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderTimestamp, timestamp)
		req.Header.Set(HeaderSignature, signature)
		req.Header.Set(HeaderEvent, evt.Type)
		req.Header.Set(HeaderDelivery, evt.ID)

		retryAfter, err := c.post(req)
		if err == nil {
			return nil
		}
		lastErr = err

		var final *finalError
		if errors.As(err, &final) || attempt == c.attempts {
			break
		}
		if retryAfter > 0 {
			wait = min(retryAfter, c.maxBackoff)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait = min(wait*2, c.maxBackoff)
	}

	return fmt.Errorf("deliver %s event %s: %w", evt.Type, evt.ID, lastErr)
}

type finalError struct {
	status int
}

func (e *finalError) Error() string {
	return fmt.Sprintf("webhook rejected delivery with status %d", e.status)
}

// post performs one attempt and returns the server's requested retry delay.
func (c *Client) post(req *http.Request) (time.Duration, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return 0, nil
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return parseRetryAfter(resp.Header.Get("Retry-After")), fmt.Errorf("webhook returned status %d", code)
	default:
		return 0, &finalError{status: code}
	}
}

func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// Sign returns the signature header value for body: an HMAC-SHA256 over
// "<timestamp>.<body>".
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}
