package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/deep-research/internal/domain"
	"github.com/ashureev/deep-research/internal/graph"
	"github.com/ashureev/deep-research/internal/identity"
	"github.com/ashureev/deep-research/internal/research"
)

// StartRequest is the body of POST /api/research.
type StartRequest struct {
	RunID        string `json:"run_id,omitempty"`
	InitialQuery string `json:"initial_query"`
}

// ResumeRequest is the body of POST /api/research/{runID}/resume.
type ResumeRequest struct {
	CombinedQuery string `json:"combined_query"`
}

// AnswersRequest is the body of POST /api/research/{runID}/answers.
type AnswersRequest struct {
	Answers []domain.FollowUpAnswer `json:"answers"`
}

// RunSummary is one entry of GET /api/research.
type RunSummary struct {
	RunID        string       `json:"run_id"`
	Status       graph.Status `json:"status"`
	LastNode     string       `json:"last_node,omitempty"`
	InitialQuery string       `json:"initial_query"`
	Error        string       `json:"error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

func summarize(run *research.Run) RunSummary {
	return RunSummary{
		RunID:        run.RunID,
		Status:       run.Status,
		LastNode:     run.LastNode,
		InitialQuery: run.State.InitialQuery,
		Error:        run.Error,
		CreatedAt:    run.CreatedAt,
		UpdatedAt:    run.UpdatedAt,
	}
}

// RegisterRoutes registers the research endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/research", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Start)
		r.Get("/graph", h.Graph)
		r.Get("/{runID}", h.Get)
		r.Delete("/{runID}", h.Reset)
		r.Post("/{runID}/resume", h.Resume)
		r.Post("/{runID}/answers", h.Answers)
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			JSON(w, http.StatusRequestEntityTooLarge, ErrorBody{Error: "request body too large", Kind: "invalid_request"})
			return false
		}
		WriteError(w, fmt.Errorf("%w: %v", errInvalidRequest, err))
		return false
	}
	return true
}

// Start handles POST /api/research.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if !h.decode(w, r, &req) {
		return
	}
	ownerID := identity.OwnerIDFromContext(r.Context())
	h.logger.Info("Research run requested",
		"owner_id", ownerID,
		"run_id", req.RunID,
		"query_length", len(req.InitialQuery),
		"request_id", chiMiddleware.GetReqID(r.Context()),
	)
	h.stream(w, r, h.svc.Start(r.Context(), research.StartRequest{
		RunID:        strings.TrimSpace(req.RunID),
		InitialQuery: req.InitialQuery,
		OwnerID:      ownerID,
	}))
}

// Resume handles POST /api/research/{runID}/resume.
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	var req ResumeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if _, err := h.ownedRun(r.Context(), runID); err != nil {
		WriteError(w, err)
		return
	}
	h.stream(w, r, h.svc.Resume(r.Context(), runID, req.CombinedQuery))
}

// Answers handles POST /api/research/{runID}/answers.
func (h *Handler) Answers(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	var req AnswersRequest
	if !h.decode(w, r, &req) {
		return
	}
	if _, err := h.ownedRun(r.Context(), runID); err != nil {
		WriteError(w, err)
		return
	}
	h.stream(w, r, h.svc.Answer(r.Context(), runID, req.Answers))
}

// Get handles GET /api/research/{runID}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	run, err := h.ownedRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, run)
}

// List handles GET /api/research.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	runs, err := h.svc.List(r.Context(), identity.OwnerIDFromContext(r.Context()))
	if err != nil {
		WriteError(w, err)
		return
	}
	out := make([]RunSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, summarize(run))
	}
	JSON(w, http.StatusOK, map[string]any{"runs": out})
}

// Reset handles DELETE /api/research/{runID}.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := h.ownedRun(r.Context(), runID); err != nil {
		WriteError(w, err)
		return
	}
	if err := h.svc.Reset(r.Context(), runID); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Graph handles GET /api/research/graph.
func (h *Handler) Graph(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"mermaid": h.svc.Describe()})
}

type streamItem struct {
	snap research.Snapshot
	err  error
}

// pump ranges over seq in its own goroutine so the caller can interleave
// keepalives. Cancelling ctx stops the range, which marks the run interrupted.
func pump(ctx context.Context, seq iter.Seq2[research.Snapshot, error]) <-chan streamItem {
	out := make(chan streamItem)
	go func() {
		defer close(out)
		for snap, err := range seq {
			select {
			case out <- streamItem{snap, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}

// stream writes a snapshot sequence as server-sent events. An error before
// the first snapshot is returned as a plain JSON error instead.
//
//nolint:gocognit // Header handling, keepalives and terminal events share one loop.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, seq iter.Seq2[research.Snapshot, error]) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	items := pump(ctx, seq)

	first, ok := <-items
	if !ok {
		WriteError(w, errors.New("stream ended without events"))
		return
	}
	if first.err != nil {
		WriteError(w, first.err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Run-ID", first.snap.RunID)
	w.WriteHeader(http.StatusOK)

	var eventID int64
	last := first.snap
	if err := h.writeSnapshot(w, &eventID, first.snap); err != nil {
		h.logger.Warn("failed to write SSE snapshot", "error", err, "run_id", last.RunID)
		return
	}
	flusher.Flush()

	var keepalive <-chan time.Time
	if h.opts.KeepAlive > 0 {
		ticker := time.NewTicker(h.opts.KeepAlive)
		defer ticker.Stop()
		keepalive = ticker.C
	}

	for {
		select {
		case item, open := <-items:
			if !open {
				data, _ := json.Marshal(map[string]any{"run_id": last.RunID, "status": last.Status})
				eventID++
				if err := writeSSEWithID(w, eventID, "done", string(data)); err != nil {
					h.logger.Warn("failed to write SSE done event", "error", err, "run_id", last.RunID)
				}
				flusher.Flush()
				return
			}
			if item.err != nil {
				_, kind := Classify(item.err)
				data, _ := json.Marshal(ErrorBody{Error: item.err.Error(), Kind: kind})
				eventID++
				if err := writeSSEWithID(w, eventID, "error", string(data)); err != nil {
					h.logger.Warn("failed to write SSE error event", "error", err, "run_id", last.RunID)
				}
				flusher.Flush()
				h.logger.Error("Research stream failed", "error", item.err, "run_id", last.RunID, "kind", kind)
				return
			}
			last = item.snap
			if err := h.writeSnapshot(w, &eventID, item.snap); err != nil {
				h.logger.Warn("failed to write SSE snapshot", "error", err, "run_id", last.RunID)
				return
			}
			flusher.Flush()
		case <-keepalive:
			if err := writeSSE(w, "ping", "{}"); err != nil {
				h.logger.Debug("failed to write SSE keepalive", "error", err)
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			h.logger.Info("Research stream client disconnected", "run_id", last.RunID)
			return
		}
	}
}

func (h *Handler) writeSnapshot(w io.Writer, eventID *int64, snap research.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	*eventID++
	return writeSSEWithID(w, *eventID, "snapshot", string(data))
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
