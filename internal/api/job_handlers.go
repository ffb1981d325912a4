package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/research-status-relay/internal/store"
)

const (
	defaultJobLimit = 20
	maxJobLimit     = 100
	defaultTimeout  = 3 * time.Second
)

// JobHandler exposes read-only job status endpoints.
type JobHandler struct {
	repo    store.JobRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewJobHandler wires the repository and logger. A nil repo makes every
// endpoint report the backend as unavailable.
func NewJobHandler(repo store.JobRepository, timeout time.Duration, logger *zap.Logger) *JobHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &JobHandler{repo: repo, timeout: timeout, logger: logger}
}

// ListJobs handles GET /api/jobs?limit=. It returns {"jobs": [...]} newest
// first, 400 for an invalid limit, 503 when no repository is configured, or
// 500 if the repository call fails.
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "job repository unavailable")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	jobs, err := h.repo.ListJobs(ctx, limit)
	if err != nil {
		h.logger.Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": toJobDTOs(jobs)})
}

// GetJob handles GET /api/jobs/{job_id}. It returns {"job": {...}}, 404 when
// the repository reports store.ErrNotFound, or 500 otherwise.
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "job repository unavailable")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	job, err := h.repo.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		h.logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": toJobDTO(job)})
}

// ResearchStatus handles GET /api/research/status/{symbol}. Only a malformed
// symbol is an error; a missing job or an unreachable backend is reported as
// not completed.
func (h *JobHandler) ResearchStatus(w http.ResponseWriter, r *http.Request) {
	symbol, err := store.NormalizeSymbol(chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid symbol")
		return
	}
	if h.repo == nil {
		writeJSON(w, http.StatusOK, researchStatusDTO{Symbol: symbol, Message: msgUnavailable})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	job, err := h.repo.LatestJobForSymbol(ctx, symbol)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusOK, researchStatusDTO{Symbol: symbol, Message: msgNotFound})
		return
	case err != nil:
		h.logger.Warn("research status lookup failed", zap.String("symbol", symbol), zap.Error(err))
		writeJSON(w, http.StatusOK, researchStatusDTO{Symbol: symbol, Message: msgUnavailable})
		return
	}

	dto := researchStatusDTO{
		Completed: job.Status == store.StatusCompleted,
		Status:    string(job.Status),
		Symbol:    symbol,
		JobID:     job.ID,
		Result:    job.Result,
		Error:     job.Error,
	}
	if len(job.Steps) > 0 {
		dto.CurrentStep = job.Steps[len(job.Steps)-1].Name
	}
	writeJSON(w, http.StatusOK, dto)
}

const (
	msgNotFound    = "Research not found or still starting"
	msgUnavailable = "Research in progress or backend unavailable"
)

func parseLimit(r *http.Request) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return defaultJobLimit, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxJobLimit), nil
}

func toJobDTOs(in []store.Job) []jobDTO {
	out := make([]jobDTO, 0, len(in))
	for _, job := range in {
		out = append(out, toJobDTO(job))
	}
	return out
}

func toJobDTO(job store.Job) jobDTO {
	dto := jobDTO{
		ID:          job.ID,
		Type:        job.Type,
		Symbol:      job.Symbol,
		Status:      string(job.Status),
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
		CompletedAt: job.CompletedAt,
		FailedAt:    job.FailedAt,
		Steps:       make([]stepDTO, 0, len(job.Steps)),
		Result:      job.Result,
		Error:       job.Error,
	}
	for _, st := range job.Steps {
		dto.Steps = append(dto.Steps, stepDTO{Step: st.Name, Status: string(st.Status), Timestamp: st.Timestamp})
	}
	return dto
}

type jobDTO struct {
	ID          string          `json:"job_id"`
	Type        string          `json:"job_type"`
	Symbol      string          `json:"symbol"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`
	Steps       []stepDTO       `json:"steps"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

type stepDTO struct {
	Step      string    `json:"step"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type researchStatusDTO struct {
	Completed   bool            `json:"completed"`
	Status      string          `json:"status,omitempty"`
	Symbol      string          `json:"symbol"`
	JobID       string          `json:"job_id,omitempty"`
	CurrentStep string          `json:"current_step,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Message     string          `json:"message,omitempty"`
}
