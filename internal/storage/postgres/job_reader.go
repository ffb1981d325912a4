// Package postgres reads research job records from the Postgres table written
// by the research backend's hosted job tracker.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/research-status-relay/internal/store"
)

const defaultTable = "research_jobs"

var validTableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// JobReaderConfig controls the Postgres connection pool.
type JobReaderConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type queryCloser interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// JobReader implements store.JobRepository over the research_jobs table.
type JobReader struct {
	pool    queryCloser
	table   string
	columns string
}

// NewJobReader creates a pool from cfg. The pool connects lazily.
func NewJobReader(ctx context.Context, cfg JobReaderConfig) (*JobReader, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("jobs.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	r, err := NewJobReaderWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

// NewJobReaderWithPool constructs a reader from an existing pool (primarily for testing).
func NewJobReaderWithPool(pool queryCloser, table string) (*JobReader, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &JobReader{
		pool:    pool,
		table:   table,
		columns: "id::text, symbol, status, metadata, error, created_at, updated_at, completed_at, failed_at",
	}, nil
}

// Close releases the underlying pool resources.
func (r *JobReader) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

// Ping checks connectivity.
func (r *JobReader) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// GetJob implements store.JobRepository.
func (r *JobReader) GetJob(ctx context.Context, id string) (store.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return store.Job{}, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, r.columns, r.table)
	job, err := scanJob(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Job{}, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return store.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// LatestJobForSymbol implements store.JobRepository.
func (r *JobReader) LatestJobForSymbol(ctx context.Context, symbol string) (store.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE symbol = $1 ORDER BY created_at DESC LIMIT 1`, r.columns, r.table)
	job, err := scanJob(r.pool.QueryRow(ctx, query, symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Job{}, fmt.Errorf("symbol %s: %w", symbol, store.ErrNotFound)
	}
	if err != nil {
		return store.Job{}, fmt.Errorf("lookup symbol %s: %w", symbol, err)
	}
	return job, nil
}

// ListJobs implements store.JobRepository.
func (r *JobReader) ListJobs(ctx context.Context, limit int) ([]store.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY created_at DESC LIMIT $1`, r.columns, r.table)
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []store.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

type jobMetadata struct {
	JobType string          `json:"job_type"`
	Steps   []stepMetadata  `json:"steps"`
	Result  json.RawMessage `json:"result"`
}

type stepMetadata struct {
	Step      string `json:"step"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func scanJob(row pgx.Row) (store.Job, error) {
	var (
		job      store.Job
		status   string
		metadata []byte
		errText  *string
	)
	if err := row.Scan(
		&job.ID,
		&job.Symbol,
		&status,
		&metadata,
		&errText,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
		&job.FailedAt,
	); err != nil {
		return store.Job{}, err
	}
	job.Status = store.JobStatus(status)
	if errText != nil {
		job.Error = *errText
	}
	if len(metadata) > 0 {
		var meta jobMetadata
		if err := json.Unmarshal(metadata, &meta); err != nil {
			return store.Job{}, fmt.Errorf("decode metadata for job %s: %w", job.ID, err)
		}
		job.Type = meta.JobType
		if len(meta.Result) > 0 && string(meta.Result) != "null" {
			job.Result = meta.Result
		}
		for _, s := range meta.Steps {
			ts, _ := store.ParseTimestamp(s.Timestamp)
			job.Steps = append(job.Steps, store.Step{
				Name:      s.Step,
				Status:    store.JobStatus(s.Status),
				Timestamp: ts,
			})
		}
	}
	if job.Type == "" {
		job.Type = "research"
	}
	return job, nil
}
