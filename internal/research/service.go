// Package research implements the deep-research workflow: planning,
// clarification, iterative search and report writing.
package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/ashureev/deep-research/internal/domain"
	"github.com/ashureev/deep-research/internal/graph"
	"github.com/ashureev/deep-research/internal/runlog"
)

// ErrEmptyQuery is returned when a run is started without a topic.
var ErrEmptyQuery = errors.New("initial query is required")

// RunStore persists research runs.
type RunStore interface {
	graph.Checkpointer[domain.AgentState]
	List(ctx context.Context, ownerID string) ([]*Run, error)
	Delete(ctx context.Context, runID string) error
}

// StartRequest opens a new run.
type StartRequest struct {
	RunID        string
	InitialQuery string
	OwnerID      string
}

// Service is the entry point used by the HTTP API and the CLI.
type Service struct {
	workflow *Workflow
	store    RunStore
	runlog   runlog.Logger
	logger   *slog.Logger
}

// NewService creates a research service.
func NewService(workflow *Workflow, store RunStore, rl runlog.Logger, logger *slog.Logger) *Service {
	if rl == nil {
		rl = runlog.Noop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{workflow: workflow, store: store, runlog: rl, logger: logger}
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Start runs plan_research and ask_user for a new topic, then suspends.
func (s *Service) Start(ctx context.Context, req StartRequest) iter.Seq2[Snapshot, error] {
	query := strings.TrimSpace(req.InitialQuery)
	if query == "" {
		return fail(ErrEmptyQuery)
	}
	runID := req.RunID
	if runID == "" {
		runID = NewRunID()
	}
	var meta map[string]string
	if req.OwnerID != "" {
		meta = map[string]string{graph.MetaOwner: req.OwnerID}
	}
	opened := runlog.Entry{RunID: runID, EventType: "run_started", ContentRaw: query}
	return s.observe(opened, s.workflow.Start(ctx, runID, domain.StatePatch{InitialQuery: &query}, meta))
}

// Resume continues a run with the user's combined query. An empty combined
// query sends the run back through planning.
func (s *Service) Resume(ctx context.Context, runID, combinedQuery string) iter.Seq2[Snapshot, error] {
	opened := runlog.Entry{RunID: runID, EventType: "run_resumed", ContentRaw: combinedQuery}
	return s.observe(opened, s.workflow.Resume(ctx, runID, domain.StatePatch{CombinedQuery: &combinedQuery}))
}

// Answer folds answers to the follow-up questions into a combined query and resumes.
func (s *Service) Answer(ctx context.Context, runID string, answers []domain.FollowUpAnswer) iter.Seq2[Snapshot, error] {
	run, err := s.Get(ctx, runID)
	if err != nil {
		return fail(err)
	}
	return s.Resume(ctx, runID, domain.CombineQuery(run.State.InitialQuery, answers))
}

// Get loads a run.
func (s *Service) Get(ctx context.Context, runID string) (*Run, error) {
	run, err := s.store.Load(ctx, runID)
	if err != nil {
		if errors.Is(err, graph.ErrUnknownRun) {
			return nil, fmt.Errorf("%w: %s", graph.ErrUnknownRun, runID)
		}
		return nil, fmt.Errorf("load run: %w", err)
	}
	return run, nil
}

// List returns the owner's runs, newest first. An empty owner lists every run.
func (s *Service) List(ctx context.Context, ownerID string) ([]*Run, error) {
	runs, err := s.store.List(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Reset deletes a run. It fails with graph.ErrRunInProgress while the run executes.
func (s *Service) Reset(ctx context.Context, runID string) error {
	return s.workflow.WithRunLock(runID, func() error {
		if _, err := s.Get(ctx, runID); err != nil {
			return err
		}
		if err := s.store.Delete(ctx, runID); err != nil {
			return fmt.Errorf("delete run: %w", err)
		}
		s.runlog.Log(runlog.Entry{RunID: runID, EventType: "run_reset"})
		s.logger.Info("Run reset", "run_id", runID)
		return nil
	})
}

// Describe renders the workflow as a Mermaid flowchart.
func (s *Service) Describe() string {
	return s.workflow.Describe()
}

// observe mirrors the invocation, every snapshot and any failure into the run log.
func (s *Service) observe(opened runlog.Entry, seq iter.Seq2[Snapshot, error]) iter.Seq2[Snapshot, error] {
	return func(yield func(Snapshot, error) bool) {
		s.runlog.Log(opened)
		for snap, err := range seq {
			if err != nil {
				s.runlog.Log(runlog.Entry{RunID: opened.RunID, EventType: "run_failed", Error: err.Error()})
				yield(snap, err)
				return
			}
			s.runlog.Log(snapshotEntry(snap))
			if !yield(snap, nil) {
				return
			}
		}
	}
}

func snapshotEntry(snap Snapshot) runlog.Entry {
	e := runlog.Entry{
		RunID:     snap.RunID,
		EventType: "snapshot",
		Node:      snap.Node,
		Step:      snap.Step,
		Status:    string(snap.Status),
	}
	if patch, err := json.Marshal(snap.Patch); err == nil {
		e.Patch = patch
	}
	switch snap.Node {
	case NodeGenerateReport:
		e.ContentRaw = snap.State.FinalReport
	case NodeAskUser:
		if snap.State.FollowUpForUser != nil {
			e.ContentRaw = strings.Join(snap.State.FollowUpForUser.Questions, "\n")
		}
	case NodeExecuteSearch:
		e.ContentRaw = fmt.Sprintf("depth %d: %d learnings, %d queries next",
			snap.State.CurrentDepth-1, len(snap.State.AllLearnings), len(snap.State.QueriesToRun))
	}
	return e
}

func fail(err error) iter.Seq2[Snapshot, error] {
	return func(yield func(Snapshot, error) bool) {
		yield(Snapshot{}, err)
	}
}
