package graph

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"
)

// Status is the lifecycle state of a checkpointed run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var (
	// ErrUnknownRun is returned when no checkpoint exists for a run ID.
	ErrUnknownRun = errors.New("unknown run")
	// ErrRunExists is returned when starting a run whose ID is already taken.
	ErrRunExists = errors.New("run already exists")
	// ErrRunInProgress is returned when another invocation holds the run.
	ErrRunInProgress = errors.New("run already in progress")
	// ErrRunCompleted is returned when resuming a run that reached its terminal state.
	ErrRunCompleted = errors.New("run already completed")
	// ErrMaxSteps is returned when an invocation exceeds its step budget.
	ErrMaxSteps = errors.New("step limit exceeded")
	// ErrInterrupted is recorded when the consumer stops reading a stream mid-run.
	ErrInterrupted = errors.New("run interrupted by caller")
)

// MetaOwner is the metadata key that records which caller owns a run.
const MetaOwner = "owner_id"

// Checkpoint is the persisted snapshot of one run.
type Checkpoint[S any] struct {
	RunID         string            `json:"run_id"`
	Status        Status            `json:"status"`
	LastNode      string            `json:"last_node,omitempty"`
	Next          string            `json:"next,omitempty"`
	Step          int               `json:"step"`
	Error         string            `json:"error,omitempty"`
	SchemaVersion int               `json:"schema_version"`
	State         S                 `json:"state"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Clone returns a copy with its own metadata map. State is copied by value.
func (c *Checkpoint[S]) Clone() *Checkpoint[S] {
	out := *c
	out.Metadata = maps.Clone(c.Metadata)
	return &out
}

// Checkpointer persists run checkpoints.
// Load must return ErrUnknownRun (possibly wrapped) when the run is absent.
type Checkpointer[S any] interface {
	Load(ctx context.Context, runID string) (*Checkpoint[S], error)
	Save(ctx context.Context, cp *Checkpoint[S]) error
}

// MemoryCheckpointer keeps checkpoints in process memory.
type MemoryCheckpointer[S any] struct {
	mu    sync.RWMutex
	runs  map[string]*Checkpoint[S]
	clone func(S) S
}

// NewMemoryCheckpointer returns an empty in-memory store. If clone is non-nil
// it is used to deep-copy state on the way in and out.
func NewMemoryCheckpointer[S any](clone func(S) S) *MemoryCheckpointer[S] {
	return &MemoryCheckpointer[S]{runs: make(map[string]*Checkpoint[S]), clone: clone}
}

// Load implements Checkpointer.
func (m *MemoryCheckpointer[S]) Load(_ context.Context, runID string) (*Checkpoint[S], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.runs[runID]
	if !ok {
		return nil, ErrUnknownRun
	}
	return m.copy(cp), nil
}

// Save implements Checkpointer.
func (m *MemoryCheckpointer[S]) Save(_ context.Context, cp *Checkpoint[S]) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[cp.RunID] = m.copy(cp)
	return nil
}

// Delete removes a run. Deleting an absent run is not an error.
func (m *MemoryCheckpointer[S]) Delete(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, runID)
	return nil
}

// List returns the runs owned by owner, most recently updated first.
// An empty owner matches all runs.
func (m *MemoryCheckpointer[S]) List(_ context.Context, owner string) ([]*Checkpoint[S], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Checkpoint[S]
	for _, cp := range m.runs {
		if owner != "" && cp.Metadata[MetaOwner] != owner {
			continue
		}
		out = append(out, m.copy(cp))
	}
	slices.SortFunc(out, func(a, b *Checkpoint[S]) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return out, nil
}

func (m *MemoryCheckpointer[S]) copy(cp *Checkpoint[S]) *Checkpoint[S] {
	out := cp.Clone()
	if m.clone != nil {
		out.State = m.clone(cp.State)
	}
	return out
}
