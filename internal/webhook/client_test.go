package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/pixelgate/internal/domain"
)

func testEvent() Event {
	return NewEvent(domain.Job{
		ID:      "job-1",
		Status:  domain.JobStatusSucceeded,
		Results: []domain.WarmResult{{URL: "/a.png?width=10", Status: domain.WarmStatusBuilt}},
	}, time.Unix(100, 0), time.Unix(160, 0))
}

func TestNewEventType(t *testing.T) {
	evt := testEvent()
	assert.Equal(t, EventWarmCompleted, evt.Type)
	assert.NotEmpty(t, evt.ID)

	failed := NewEvent(domain.Job{ID: "job-2", Status: domain.JobStatusFailed, Error: "1 of 1 urls failed"}, time.Now(), time.Now())
	assert.Equal(t, EventWarmFailed, failed.Type)
	assert.NotEmpty(t, failed.Error)
	assert.NotEqual(t, evt.ID, failed.ID, "event ids are distinct")
}

func TestSendAddsSigningHeaders(t *testing.T) {
	var (
		gotSig      string
		gotTS       string
		gotEvt      string
		gotDelivery string
		gotBody     []byte
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(HeaderSignature)
		gotTS = r.Header.Get(HeaderTimestamp)
		gotEvt = r.Header.Get(HeaderEvent)
		gotDelivery = r.Header.Get(HeaderDelivery)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(Config{SigningSecret: "test-secret", Timeout: 2 * time.Second})
	evt := testEvent()

	require.NoError(t, client.Send(context.Background(), srv.URL, evt))

	require.NotEmpty(t, gotTS, "timestamp header")
	assert.True(t, Verify("test-secret", gotTS, gotBody, gotSig), "signature %q does not verify", gotSig)
	assert.False(t, Verify("other-secret", gotTS, gotBody, gotSig), "signature must not verify with a different secret")
	assert.Equal(t, EventWarmCompleted, gotEvt)
	assert.Equal(t, evt.ID, gotDelivery)

	var decoded Event
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, "job-1", decoded.JobID)
	assert.Len(t, decoded.Results, 1)
	assert.Equal(t, int64(160), decoded.FinishedAt.Unix())
}

func TestSendRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	deliveries := make(chan string, 3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deliveries <- r.Header.Get(HeaderDelivery)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewClient(Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	})

	require.NoError(t, client.Send(context.Background(), srv.URL, testEvent()))
	assert.Equal(t, int32(3), calls.Load())
	close(deliveries)
	first := <-deliveries
	for id := range deliveries {
		assert.Equal(t, first, id, "delivery id changed between attempts")
	}
}

func TestSendHonorsRetryAfterUpToMaxBackoff(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(Config{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})

	start := time.Now()
	require.NoError(t, client.Send(context.Background(), srv.URL, testEvent()))
	assert.Less(t, time.Since(start), 5*time.Second, "retry wait was not capped")
	assert.Equal(t, int32(2), calls.Load())
}

func TestSendDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	client := NewClient(Config{MaxAttempts: 5, InitialBackoff: time.Millisecond})

	assert.Error(t, client.Send(context.Background(), srv.URL, testEvent()))
	assert.Equal(t, int32(1), calls.Load())
}

func TestSendSkipsEmptyEndpoint(t *testing.T) {
	client := NewClient(Config{})
	assert.NoError(t, client.Send(context.Background(), "  ", testEvent()))
}

func TestParseRetryAfter(t *testing.T) {
	cases := map[string]time.Duration{
		"":    0,
		"abc": 0,
		"-3":  0,
		" 2 ": 2 * time.Second,
		"120": 2 * time.Minute,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseRetryAfter(in), "parseRetryAfter(%q)", in)
	}
}
