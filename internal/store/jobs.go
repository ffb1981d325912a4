package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidSymbol is returned by NormalizeSymbol for malformed tickers.
	ErrInvalidSymbol = errors.New("invalid stock symbol")
)

// JobStatus mirrors the status values written by the research backend.
type JobStatus string

// Job statuses.
const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job will not change status again.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Step is one progress entry appended by the backend.
type Step struct {
	Name      string
	Status    JobStatus
	Timestamp time.Time
}

// Job is a research job as recorded by the tracker.
type Job struct {
	ID          string
	Type        string
	Symbol      string
	Status      JobStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
	FailedAt    *time.Time
	Steps       []Step
	// Result is the backend's opaque result document, if any.
	Result json.RawMessage
	Error  string
}

// JobRepository reads job records.
type JobRepository interface {
	// GetJob loads a single job or returns ErrNotFound.
	GetJob(ctx context.Context, id string) (Job, error)
	// LatestJobForSymbol returns the most recent job for an upper-cased
	// symbol or ErrNotFound.
	LatestJobForSymbol(ctx context.Context, symbol string) (Job, error)
	// ListJobs returns up to limit jobs, newest first.
	ListJobs(ctx context.Context, limit int) ([]Job, error)
}

// NormalizeSymbol trims and upper-cases raw and checks that it is 1-10
// ASCII letters.
func NormalizeSymbol(raw string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(raw))
	if sym == "" || len(sym) > 10 {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, raw)
	}
	for _, r := range sym {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, raw)
		}
	}
	return sym, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp accepts RFC 3339 and the zone-less ISO 8601 form produced by
// Python's datetime.isoformat. Zone-less values are read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
