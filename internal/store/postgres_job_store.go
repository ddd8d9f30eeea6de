package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/dunamismax/pixelgate/internal/domain"
)

const jobSchemaSQL = `
CREATE TABLE IF NOT EXISTS warm_jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	webhook_url TEXT NOT NULL DEFAULT '',
	urls JSONB NOT NULL,
	results JSONB NOT NULL DEFAULT '[]',
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS warm_usage (
	job_id TEXT PRIMARY KEY REFERENCES warm_jobs (id) ON DELETE CASCADE,
	images_built INTEGER NOT NULL,
	images_cached INTEGER NOT NULL,
	images_failed INTEGER NOT NULL,
	bytes_written BIGINT NOT NULL,
	compute_time_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

// jobColumns is the column order scanJob expects.
const jobColumns = `id, status, webhook_url, urls, results, error, created_at, updated_at`

type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(ctx context.Context, dsn string) (*PostgresJobStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &PostgresJobStore{db: db}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, jobSchemaSQL); err != nil {
		return fmt.Errorf("ensure warm job schema: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) Create(ctx context.Context, job domain.Job) error {
	urls, err := json.Marshal(job.URLs)
	if err != nil {
		return fmt.Errorf("marshal urls of job %s: %w", job.ID, err)
	}
	results, err := marshalResults(job.Results)
	if err != nil {
		return err
	}

	const q = `INSERT INTO warm_jobs (` + jobColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := s.db.ExecContext(ctx, q,
		job.ID, job.Status, job.WebhookURL, urls, results, job.Error, job.CreatedAt, job.UpdatedAt,
	); err != nil {
		if uniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
		}
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	const q = `SELECT ` + jobColumns + ` FROM warm_jobs WHERE id = $1`
	job, err := scanJob(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, ErrJobNotFound) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, err
	}
	return job, true, nil
}

func (s *PostgresJobStore) UpdateStatus(ctx context.Context, id, status string) (domain.Job, error) {
	const q = `UPDATE warm_jobs SET status = $2, updated_at = $3 WHERE id = $1 RETURNING ` + jobColumns
	return scanJob(s.db.QueryRowContext(ctx, q, id, status, time.Now().UTC()))
}

func (s *PostgresJobStore) Complete(ctx context.Context, id, status string, results []domain.WarmResult, errMsg string) (domain.Job, error) {
	resultsJSON, err := marshalResults(results)
	if err != nil {
		return domain.Job{}, err
	}

	const q = `UPDATE warm_jobs SET status = $2, results = $3, error = $4, updated_at = $5
		WHERE id = $1 RETURNING ` + jobColumns
	return scanJob(s.db.QueryRowContext(ctx, q, id, status, resultsJSON, errMsg, time.Now().UTC()))
}

// CreateUsageLog upserts so a retried job keeps only its latest usage.
func (s *PostgresJobStore) CreateUsageLog(ctx context.Context, usage domain.Usage) error {
	const q = `INSERT INTO warm_usage
		(job_id, images_built, images_cached, images_failed, bytes_written, compute_time_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id) DO UPDATE SET
			images_built = EXCLUDED.images_built,
			images_cached = EXCLUDED.images_cached,
			images_failed = EXCLUDED.images_failed,
			bytes_written = EXCLUDED.bytes_written,
			compute_time_ms = EXCLUDED.compute_time_ms,
			created_at = EXCLUDED.created_at`
	if _, err := s.db.ExecContext(ctx, q,
		usage.JobID, usage.ImagesBuilt, usage.ImagesCached, usage.ImagesFailed,
		usage.BytesWritten, usage.ComputeTimeMS, usage.CreatedAt,
	); err != nil {
		return fmt.Errorf("upsert usage for job %s: %w", usage.JobID, err)
	}
	return nil
}

// scanJob reads one row in jobColumns order. A missing row is ErrJobNotFound.
func scanJob(row *sql.Row) (domain.Job, error) {
	var (
		job     domain.Job
		urls    []byte
		results []byte
	)
	err := row.Scan(&job.ID, &job.Status, &job.WebhookURL, &urls, &results, &job.Error, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, ErrJobNotFound
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal(urls, &job.URLs); err != nil {
		return domain.Job{}, fmt.Errorf("decode urls of job %s: %w", job.ID, err)
	}
	if err := json.Unmarshal(results, &job.Results); err != nil {
		return domain.Job{}, fmt.Errorf("decode results of job %s: %w", job.ID, err)
	}
	return job, nil
}

func uniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func marshalResults(results []domain.WarmResult) ([]byte, error) {
	if results == nil {
		results = []domain.WarmResult{}
	}
	data, err := json.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("marshal job results: %w", err)
	}
	return data, nil
}
