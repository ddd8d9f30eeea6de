// Package queue carries warm jobs from the API to the worker over asynq.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const TypeWarmCache = "cache:warm"

type WarmCachePayload struct {
	JobID       string    `json:"job_id"`
	URLs        []string  `json:"urls"`
	WebhookURL  string    `json:"webhook_url,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

func (p WarmCachePayload) validate() error {
	switch {
	case p.JobID == "":
		return errors.New("warm payload job_id is required")
	case len(p.URLs) == 0:
		return fmt.Errorf("warm payload %s has no urls", p.JobID)
	}
	return nil
}

func NewWarmCacheTask(payload WarmCachePayload) (*asynq.Task, error) {
	if err := payload.validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal warm payload: %w", err)
	}
	return asynq.NewTask(TypeWarmCache, body), nil
}

// ParseWarmCachePayload decodes and checks a task built by NewWarmCacheTask.
func ParseWarmCachePayload(task *asynq.Task) (WarmCachePayload, error) {
	if task.Type() != TypeWarmCache {
		return WarmCachePayload{}, fmt.Errorf("unexpected task type %q", task.Type())
	}
	var payload WarmCachePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return WarmCachePayload{}, fmt.Errorf("unmarshal warm payload: %w", err)
	}
	if err := payload.validate(); err != nil {
		return WarmCachePayload{}, err
	}
	return payload, nil
}
