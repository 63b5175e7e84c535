// Package store provides checkpoint persistence for research runs.
package store

import (
	"context"
	"time"

	"github.com/ashureev/deep-research/internal/domain"
	"github.com/ashureev/deep-research/internal/graph"
)

// Run is a persisted research checkpoint.
type Run = graph.Checkpoint[domain.AgentState]

// Repository defines the interface for persisting research runs.
type Repository interface {
	// Load retrieves a run. It returns graph.ErrUnknownRun when absent.
	Load(ctx context.Context, runID string) (*Run, error)

	// Save creates or replaces a run checkpoint.
	Save(ctx context.Context, run *Run) error

	// List returns the owner's runs, most recently updated first.
	// An empty owner matches every run.
	List(ctx context.Context, ownerID string) ([]*Run, error)

	// Delete removes a run. Deleting an absent run is not an error.
	Delete(ctx context.Context, runID string) error

	// CleanupExpired removes finished runs not updated within ttl.
	// Running runs are never removed.
	CleanupExpired(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}
