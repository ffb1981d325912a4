// Package redis reads research job records from the Redis keys written by the
// research backend's job tracker.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/JakeFAU/research-status-relay/internal/store"
)

const (
	jobKeyPrefix    = "job:"
	symbolKeyPrefix = "job_by_symbol:"
	scanBatch       = 100
)

// JobReader implements store.JobRepository over Redis string keys.
type JobReader struct {
	client *goredis.Client
}

// NewJobReader parses url and builds a pooled client. No connection is made
// until the first call.
func NewJobReader(url string, dialTimeout time.Duration) (*JobReader, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if dialTimeout > 0 {
		opts.DialTimeout = dialTimeout
	}
	return &JobReader{client: goredis.NewClient(opts)}, nil
}

// NewJobReaderWithClient wraps an existing client (primarily for testing).
func NewJobReaderWithClient(client *goredis.Client) (*JobReader, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &JobReader{client: client}, nil
}

// Close releases the client's connection pool.
func (r *JobReader) Close() error {
	return r.client.Close()
}

// Ping checks connectivity.
func (r *JobReader) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// GetJob implements store.JobRepository.
func (r *JobReader) GetJob(ctx context.Context, id string) (store.Job, error) {
	raw, err := r.client.Get(ctx, jobKeyPrefix+id).Bytes()
	if errors.Is(err, goredis.Nil) {
		return store.Job{}, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return store.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return decodeJob(raw)
}

// LatestJobForSymbol implements store.JobRepository.
func (r *JobReader) LatestJobForSymbol(ctx context.Context, symbol string) (store.Job, error) {
	id, err := r.client.Get(ctx, symbolKeyPrefix+strings.ToUpper(symbol)).Result()
	if errors.Is(err, goredis.Nil) {
		return store.Job{}, fmt.Errorf("symbol %s: %w", symbol, store.ErrNotFound)
	}
	if err != nil {
		return store.Job{}, fmt.Errorf("lookup symbol %s: %w", symbol, err)
	}
	return r.GetJob(ctx, id)
}

// ListJobs implements store.JobRepository. Records that fail to decode are
// skipped.
func (r *JobReader) ListJobs(ctx context.Context, limit int) ([]store.Job, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, jobKeyPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan jobs: %w", err)
	}

	jobs := make([]store.Job, 0, len(keys))
	for start := 0; start < len(keys); start += scanBatch {
		end := min(start+scanBatch, len(keys))
		values, err := r.client.MGet(ctx, keys[start:end]...).Result()
		if err != nil {
			return nil, fmt.Errorf("load jobs: %w", err)
		}
		for _, v := range values {
			s, ok := v.(string)
			if !ok {
				continue
			}
			job, err := decodeJob([]byte(s))
			if err != nil {
				continue
			}
			jobs = append(jobs, job)
		}
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

type jobDocument struct {
	JobID       string          `json:"job_id"`
	JobType     string          `json:"job_type"`
	Symbol      string          `json:"symbol"`
	Status      string          `json:"status"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
	CompletedAt string          `json:"completed_at"`
	FailedAt    string          `json:"failed_at"`
	Steps       []stepDocument  `json:"steps"`
	Result      json.RawMessage `json:"result"`
	Error       *string         `json:"error"`
}

type stepDocument struct {
	Step      string `json:"step"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func decodeJob(raw []byte) (store.Job, error) {
	var doc jobDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return store.Job{}, fmt.Errorf("decode job: %w", err)
	}
	job := store.Job{
		ID:     doc.JobID,
		Type:   doc.JobType,
		Symbol: doc.Symbol,
		Status: store.JobStatus(doc.Status),
	}
	if doc.Error != nil {
		job.Error = *doc.Error
	}
	if len(doc.Result) > 0 && string(doc.Result) != "null" {
		job.Result = doc.Result
	}
	job.CreatedAt, _ = store.ParseTimestamp(doc.CreatedAt)
	job.UpdatedAt, _ = store.ParseTimestamp(doc.UpdatedAt)
	job.CompletedAt = optionalTime(doc.CompletedAt)
	job.FailedAt = optionalTime(doc.FailedAt)
	for _, s := range doc.Steps {
		ts, _ := store.ParseTimestamp(s.Timestamp)
		job.Steps = append(job.Steps, store.Step{
			Name:      s.Step,
			Status:    store.JobStatus(s.Status),
			Timestamp: ts,
		})
	}
	return job, nil
}

func optionalTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	ts, err := store.ParseTimestamp(s)
	if err != nil {
		return nil
	}
	return &ts
}
