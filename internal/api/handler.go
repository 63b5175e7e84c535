// Package api provides HTTP handlers for the research API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/deep-research/internal/config"
	"github.com/ashureev/deep-research/internal/domain"
	"github.com/ashureev/deep-research/internal/graph"
	"github.com/ashureev/deep-research/internal/identity"
	"github.com/ashureev/deep-research/internal/llm"
	"github.com/ashureev/deep-research/internal/research"
	"github.com/ashureev/deep-research/internal/search"
)

const defaultMaxRequestBodySize = 1 << 20

// Researcher is the service surface the handlers drive.
type Researcher interface {
	Start(ctx context.Context, req research.StartRequest) iter.Seq2[research.Snapshot, error]
	Resume(ctx context.Context, runID, combinedQuery string) iter.Seq2[research.Snapshot, error]
	Answer(ctx context.Context, runID string, answers []domain.FollowUpAnswer) iter.Seq2[research.Snapshot, error]
	Get(ctx context.Context, runID string) (*research.Run, error)
	List(ctx context.Context, ownerID string) ([]*research.Run, error)
	Reset(ctx context.Context, runID string) error
	Describe() string
}

// Options tunes the handlers.
type Options struct {
	// KeepAlive is the SSE ping interval. Zero disables pings.
	KeepAlive          time.Duration
	MaxRequestBodySize int64
	// AllowedOrigins is checked on WebSocket upgrades. Empty or "*" allows any origin.
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Handler provides the research endpoints.
type Handler struct {
	svc    Researcher
	opts   Options
	logger *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(svc Researcher, opts Options) *Handler {
	if opts.MaxRequestBodySize <= 0 {
		opts.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, opts: opts, logger: logger}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// ErrorBody is the JSON shape of API errors on every transport.
type ErrorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// WriteError maps err onto a status code and writes it as ErrorBody.
func WriteError(w http.ResponseWriter, err error) {
	status, kind := Classify(err)
	JSON(w, status, ErrorBody{Error: err.Error(), Kind: kind})
}

// Classify maps a service error to an HTTP status and a stable error kind.
func Classify(err error) (int, string) {
	var (
		cfgErr    *config.ConfigurationError
		complErr  *llm.CompletionError
		shapeErr  *llm.StructuredOutputError
		searchErr *search.SearchError
	)
	switch {
	case errors.Is(err, graph.ErrUnknownRun):
		return http.StatusNotFound, "unknown_run"
	case errors.Is(err, graph.ErrRunInProgress):
		return http.StatusConflict, "run_in_progress"
	case errors.Is(err, graph.ErrRunCompleted):
		return http.StatusConflict, "run_completed"
	case errors.Is(err, graph.ErrRunExists):
		return http.StatusConflict, "run_exists"
	case errors.Is(err, graph.ErrSchemaMismatch):
		return http.StatusConflict, "schema_mismatch"
	case errors.Is(err, research.ErrMissingPlan):
		return http.StatusConflict, "missing_plan"
	case errors.Is(err, research.ErrEmptyQuery), errors.Is(err, errInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.As(err, &cfgErr):
		return http.StatusInternalServerError, "configuration_error"
	case errors.As(err, &shapeErr):
		return http.StatusBadGateway, "structured_output_error"
	case errors.As(err, &complErr):
		return http.StatusBadGateway, "completion_error"
	case errors.As(err, &searchErr):
		return http.StatusBadGateway, "search_error"
	case errors.Is(err, graph.ErrMaxSteps):
		return http.StatusInternalServerError, "max_steps"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

var errInvalidRequest = errors.New("invalid request")

// ownedRun loads a run and hides runs that belong to another owner.
// Runs without an owner (created from the CLI) are visible to everyone.
func (h *Handler) ownedRun(ctx context.Context, runID string) (*research.Run, error) {
	run, err := h.svc.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	owner := run.Metadata[graph.MetaOwner]
	if owner != "" && owner != identity.OwnerIDFromContext(ctx) {
		return nil, graph.ErrUnknownRun
	}
	return run, nil
}
