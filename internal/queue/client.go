package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/hibiken/asynq"
)

// ErrDuplicateJob is returned when a job id is already queued or running.
var ErrDuplicateJob = errors.New("warm job already enqueued")

// Options controls how warm tasks are enqueued. Zero values fall back to
// asynq's defaults, except Queue which defaults to "default".
type Options struct {
	Queue     string
	MaxRetry  int
	Timeout   time.Duration
	Retention time.Duration
}

type Client struct {
	client *asynq.Client
	opts   []asynq.Option
	queue  string
}

func NewClient(redisOpt asynq.RedisClientOpt, o Options) *Client {
	if o.Queue == "" {
		o.Queue = "default"
	}
	opts := []asynq.Option{asynq.Queue(o.Queue)}
	if o.MaxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(o.MaxRetry))
	}
	if o.Timeout > 0 {
		opts = append(opts, asynq.Timeout(o.Timeout))
	}
	if o.Retention > 0 {
		opts = append(opts, asynq.Retention(o.Retention))
	}
	// Clipped so per-call appends never share a backing array.
	return &Client{client: asynq.NewClient(redisOpt), opts: slices.Clip(opts), queue: o.Queue}
}

// EnqueueWarmCache schedules a warm job. The job id doubles as the task id
// so a job is never queued twice.
func (c *Client) EnqueueWarmCache(ctx context.Context, payload WarmCachePayload) (*asynq.TaskInfo, error) {
	task, err := NewWarmCacheTask(payload)
	if err != nil {
		return nil, err
	}
	info, err := c.client.EnqueueContext(ctx, task, append(c.opts, asynq.TaskID(payload.JobID))...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, payload.JobID)
	}
	if err != nil {
		return nil, fmt.Errorf("enqueue %s on %s: %w", payload.JobID, c.queue, err)
	}
	return info, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}
