package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/3leaps/conductor/internal/server/middleware"
	"github.com/3leaps/conductor/pkg/dispatch"
	"github.com/3leaps/conductor/pkg/ledger"
)

// JobSource lists job directories across the queue and output areas.
type JobSource interface {
	List() ([]dispatch.Snapshot, error)
	Find(id string) (dispatch.Snapshot, error)
}

// History reads recorded executions.
type History interface {
	List(ctx context.Context, f ledger.Filter) ([]ledger.Entry, error)
}

// JobsHandler serves the read-only job endpoints. History may be nil.
type JobsHandler struct {
	Jobs    JobSource
	History History
}

type jobsResponse struct {
	Count int                 `json:"count"`
	Jobs  []dispatch.Snapshot `json:"jobs"`
}

type jobResponse struct {
	dispatch.Snapshot
	Executions []ledger.Entry `json:"executions,omitempty"`
}

type historyResponse struct {
	Count      int            `json:"count"`
	Executions []ledger.Entry `json:"executions"`
}

// List serves GET /jobs. ?area=queue|output and ?status= filter the result.
func (h JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.Jobs.List()
	if err != nil {
		middleware.WriteError(w, r, http.StatusInternalServerError, middleware.CodeInternal, err.Error(), nil)
		return
	}

	area := r.URL.Query().Get("area")
	status := r.URL.Query().Get("status")
	out := make([]dispatch.Snapshot, 0, len(snaps))
	for _, s := range snaps {
		if area != "" && string(s.Area) != area {
			continue
		}
		if status != "" && (s.Job == nil || string(s.Job.Status) != status) {
			continue
		}
		out = append(out, s)
	}
	writeJSON(w, http.StatusOK, jobsResponse{Count: len(out), Jobs: out})
}

// Get serves GET /jobs/{id}.
func (h JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := h.Jobs.Find(id)
	if err != nil {
		if errors.Is(err, dispatch.ErrJobNotFound) {
			middleware.WriteError(w, r, http.StatusNotFound, middleware.CodeNotFound, "job not found: "+id, nil)
			return
		}
		middleware.WriteError(w, r, http.StatusInternalServerError, middleware.CodeInternal, err.Error(), nil)
		return
	}

	resp := jobResponse{Snapshot: snap}
	if h.History != nil {
		entries, err := h.History.List(r.Context(), ledger.Filter{JobID: id})
		if err != nil {
			middleware.WriteError(w, r, http.StatusInternalServerError, middleware.CodeInternal, err.Error(), nil)
			return
		}
		resp.Executions = entries
	}
	writeJSON(w, http.StatusOK, resp)
}

// Executions serves GET /executions with ?status, ?conductor, ?since and
// ?limit filters.
func (h JobsHandler) Executions(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		middleware.WriteError(w, r, http.StatusServiceUnavailable, middleware.CodeServiceUnavailable,
			"execution ledger is disabled", nil)
		return
	}

	q := r.URL.Query()
	f := ledger.Filter{
		JobID:     q.Get("job_id"),
		Status:    q.Get("status"),
		Conductor: q.Get("conductor"),
	}
	if s := q.Get("since"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			middleware.WriteError(w, r, http.StatusBadRequest, middleware.CodeBadRequest,
				"invalid since duration", map[string]any{"since": s})
			return
		}
		f.Since = time.Now().Add(-d)
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			middleware.WriteError(w, r, http.StatusBadRequest, middleware.CodeBadRequest,
				"invalid limit", map[string]any{"limit": s})
			return
		}
		f.Limit = n
	}

	entries, err := h.History.List(r.Context(), f)
	if err != nil {
		middleware.WriteError(w, r, http.StatusInternalServerError, middleware.CodeInternal, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{Count: len(entries), Executions: entries})
}
