package store

import (
	"context"
	"errors"
	"strings"

	"github.com/dunamismax/pixelgate/internal/domain"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobExists   = errors.New("job already exists")
)

type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Job, error)
	// Complete records the final status and per-URL results of a job.
	Complete(ctx context.Context, id, status string, results []domain.WarmResult, errMsg string) (domain.Job, error)
}

type UsageStore interface {
	CreateUsageLog(ctx context.Context, usage domain.Usage) error
}

// JobUsageStore is a JobStore that also records usage.
type JobUsageStore interface {
	JobStore
	UsageStore
}

// Open returns the Postgres store for dsn, or a process-local memory store
// when dsn is empty. The returned close func is never nil.
func Open(ctx context.Context, dsn string) (JobUsageStore, func() error, error) {
	if strings.TrimSpace(dsn) == "" {
		return NewMemoryJobStore(), func() error { return nil }, nil
	}
	pg, err := NewPostgresJobStore(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}
