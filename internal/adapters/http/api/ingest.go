package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/okian/strata/internal/adapters/mq/queue"
	"github.com/okian/strata/internal/domain/model"
	"github.com/okian/strata/internal/ingest"
)

// IngestDependencies defines the interface for batch ingestion.
type IngestDependencies interface {
	// Ingest runs one ingestion to completion.
	Ingest(ctx context.Context, source string, limit int) (model.BatchStats, error)
	// Submit queues an ingestion job for the worker pool.
	Submit(ctx context.Context, source string, limit int) (model.IngestJob, error)
	Job(id string) (model.JobStatus, bool)
	Jobs() []model.JobStatus
	// ResolveSource maps a requested source to a path the server may read,
	// or fails when the source lies outside the ingest directory.
	ResolveSource(source string) (string, error)
}

// ingestRequest is the body of POST /ingest. Wait runs the ingestion in the
// request instead of queueing it.
type ingestRequest struct {
	Source string `json:"source"`
	Limit  int    `json:"limit"`
	Wait   bool   `json:"wait"`
}

func (req ingestRequest) validate() error {
	switch {
	case strings.TrimSpace(req.Source) == "":
		return errors.New("missing source")
	case req.Limit < 0:
		return errors.New("limit must not be negative")
	}
	return nil
}

type ingestResponse struct {
	Stats model.BatchStats `json:"stats"`
	Error string           `json:"error,omitempty"`
}

// IngestHandler handles ingestion requests.
type IngestHandler struct {
	deps IngestDependencies
}

// NewIngestHandler creates a new ingest handler.
func NewIngestHandler(deps IngestDependencies) *IngestHandler {
	return &IngestHandler{deps: deps}
}

// HandleIngest handles POST /ingest (submit or run) and GET /ingest (list).
func (h *IngestHandler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.deps.Jobs())
		return
	case http.MethodPost:
	default:
		http.NotFound(w, r)
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}
	source, err := h.deps.ResolveSource(strings.TrimSpace(req.Source))
	if err != nil {
		writeError(w, http.StatusForbidden, "source_forbidden", fmt.Errorf("%w: %w", ErrForbiddenSource, err))
		return
	}

	if req.Wait {
		stats, err := h.deps.Ingest(r.Context(), source, req.Limit)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, ingestResponse{Stats: stats})
		case errors.Is(err, ingest.ErrSourceNotFound):
			writeError(w, http.StatusNotFound, "source_not_found", err)
		case errors.Is(err, ingest.ErrMissingColumn):
			writeError(w, http.StatusBadRequest, "bad_source", err)
		default:
			// Rows already stored stay stored; report how far it got.
			writeJSON(w, http.StatusInternalServerError, ingestResponse{Stats: stats, Error: err.Error()})
		}
		return
	}

	job, err := h.deps.Submit(r.Context(), source, req.Limit)
	switch {
	case err == nil:
		w.Header().Set("Location", "/ingest/"+job.ID)
		writeJSON(w, http.StatusAccepted, job)
	case errors.Is(err, queue.ErrFull):
		writeError(w, http.StatusTooManyRequests, "backpressure", fmt.Errorf("%w: %w", ErrBackpressure, err))
	case errors.Is(err, queue.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err)
	}
}

// HandleGetJob handles GET /ingest/{id} requests.
func (h *IngestHandler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	seg := pathSegments(r.URL.Path, "/ingest/")
	if len(seg) != 1 {
		writeError(w, http.StatusBadRequest, "bad_request", ErrBadRequest)
		return
	}
	st, ok := h.deps.Job(seg[0])
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", fmt.Errorf("%w: job %s", ErrNotFound, seg[0]))
		return
	}
	writeJSON(w, http.StatusOK, st)
}
