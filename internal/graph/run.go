package graph

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
)

// ErrSchemaMismatch is returned when a checkpoint was written by an
// incompatible state schema.
var ErrSchemaMismatch = errors.New("checkpoint schema version mismatch")

// Event is emitted after each node once its patch is merged and saved.
type Event[S, P any] struct {
	RunID  string `json:"run_id"`
	Node   string `json:"node"`
	Step   int    `json:"step"`
	Next   string `json:"next"`
	Status Status `json:"status"`
	Patch  P      `json:"patch"`
	State  S      `json:"state"`
}

// Start creates a run from input and executes it until it suspends, completes
// or fails. The returned sequence is lazy: nothing happens until it is ranged over.
func (g *Graph[S, P]) Start(ctx context.Context, runID string, input P, metadata map[string]string) iter.Seq2[Event[S, P], error] {
	return func(yield func(Event[S, P], error) bool) {
		var zero Event[S, P]
		if runID == "" {
			yield(zero, errors.New("run id is required"))
			return
		}
		unlock, err := g.acquire(runID)
		if err != nil {
			yield(zero, err)
			return
		}
		defer unlock()

		if _, err := g.store.Load(ctx, runID); err == nil {
			yield(zero, fmt.Errorf("%w: %s", ErrRunExists, runID))
			return
		} else if !errors.Is(err, ErrUnknownRun) {
			yield(zero, fmt.Errorf("load checkpoint: %w", err))
			return
		}

		var empty S
		now := g.opts.now()
		cp := &Checkpoint[S]{
			RunID:         runID,
			Status:        StatusRunning,
			Next:          Start,
			SchemaVersion: g.opts.schemaVersion,
			State:         g.merge(empty, input),
			Metadata:      maps.Clone(metadata),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := g.store.Save(ctx, cp); err != nil {
			yield(zero, fmt.Errorf("save checkpoint: %w", err))
			return
		}
		g.opts.logger.Info("Run started", "run_id", runID)
		g.run(ctx, cp, yield)
	}
}

// Resume merges patch into a saved run and re-enters the graph at Start.
func (g *Graph[S, P]) Resume(ctx context.Context, runID string, patch P) iter.Seq2[Event[S, P], error] {
	return func(yield func(Event[S, P], error) bool) {
		var zero Event[S, P]
		unlock, err := g.acquire(runID)
		if err != nil {
			yield(zero, err)
			return
		}
		defer unlock()

		cp, err := g.store.Load(ctx, runID)
		if err != nil {
			if errors.Is(err, ErrUnknownRun) {
				yield(zero, fmt.Errorf("%w: %s", ErrUnknownRun, runID))
				return
			}
			yield(zero, fmt.Errorf("load checkpoint: %w", err))
			return
		}
		if cp.SchemaVersion != g.opts.schemaVersion {
			yield(zero, fmt.Errorf("%w: run %s has v%d, want v%d", ErrSchemaMismatch, runID, cp.SchemaVersion, g.opts.schemaVersion))
			return
		}
		if cp.Status == StatusCompleted {
			yield(zero, fmt.Errorf("%w: %s", ErrRunCompleted, runID))
			return
		}

		cp.State = g.merge(cp.State, patch)
		cp.Status = StatusRunning
		cp.Next = Start
		cp.Error = ""
		cp.UpdatedAt = g.opts.now()
		if err := g.store.Save(ctx, cp); err != nil {
			yield(zero, fmt.Errorf("save checkpoint: %w", err))
			return
		}
		g.opts.logger.Info("Run resumed", "run_id", runID, "step", cp.Step)
		g.run(ctx, cp, yield)
	}
}

func (g *Graph[S, P]) run(ctx context.Context, cp *Checkpoint[S], yield func(Event[S, P], error) bool) {
	saved := cp.Clone()

	node, err := g.route(Start, cp.State)
	if err != nil {
		g.fail(ctx, saved, err, yield)
		return
	}
	if node == End {
		cp.Status = StatusCompleted
		cp.Next = End
		cp.UpdatedAt = g.opts.now()
		if err := g.store.Save(ctx, cp); err != nil {
			yield(Event[S, P]{}, fmt.Errorf("save checkpoint: %w", err))
		}
		return
	}

	for steps := 0; node != End; steps++ {
		if steps >= g.opts.maxSteps {
			g.fail(ctx, saved, fmt.Errorf("%w: %d", ErrMaxSteps, g.opts.maxSteps), yield)
			return
		}
		if err := ctx.Err(); err != nil {
			g.fail(ctx, saved, err, yield)
			return
		}

		patch, err := g.invoke(ctx, node, cp.State)
		if err != nil {
			g.fail(ctx, saved, &NodeError{Node: node, Err: err}, yield)
			return
		}
		state := g.merge(cp.State, patch)
		next, err := g.route(node, state)
		if err != nil {
			g.fail(ctx, saved, err, yield)
			return
		}

		cp.State = state
		cp.LastNode = node
		cp.Next = next
		cp.Step++
		cp.Status = g.statusAfter(node, next)
		cp.UpdatedAt = g.opts.now()
		if err := g.store.Save(ctx, cp); err != nil {
			g.fail(ctx, saved, fmt.Errorf("save checkpoint: %w", err), yield)
			return
		}
		saved = cp.Clone()

		g.opts.logger.Info("Node completed",
			"run_id", cp.RunID,
			"node", node,
			"next", next,
			"step", cp.Step,
			"status", cp.Status)

		ev := Event[S, P]{
			RunID:  cp.RunID,
			Node:   node,
			Step:   cp.Step,
			Next:   next,
			Status: cp.Status,
			Patch:  patch,
			State:  cp.State,
		}
		if !yield(ev, nil) {
			if cp.Status == StatusRunning {
				g.markFailed(ctx, saved, ErrInterrupted)
			}
			return
		}
		node = next
	}
}

func (g *Graph[S, P]) invoke(ctx context.Context, node string, state S) (patch P, err error) {
	if g.opts.nodeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.nodeTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return g.nodes[node](ctx, state)
}

// fail records err on the last saved checkpoint and reports it to the consumer.
func (g *Graph[S, P]) fail(ctx context.Context, saved *Checkpoint[S], err error, yield func(Event[S, P], error) bool) {
	if saveErr := g.markFailed(ctx, saved, err); saveErr != nil {
		err = errors.Join(err, saveErr)
	}
	yield(Event[S, P]{}, err)
}

func (g *Graph[S, P]) markFailed(ctx context.Context, saved *Checkpoint[S], cause error) error {
	cp := saved.Clone()
	cp.Status = StatusFailed
	cp.Error = cause.Error()
	cp.UpdatedAt = g.opts.now()

	g.opts.logger.Warn("Run failed", "run_id", cp.RunID, "step", cp.Step, "error", cause)

	// The caller's context may be the reason for the failure.
	if err := g.store.Save(context.WithoutCancel(ctx), cp); err != nil {
		g.opts.logger.Error("Failed to record run failure", "run_id", cp.RunID, "error", err)
		return fmt.Errorf("save failed checkpoint: %w", err)
	}
	return nil
}
