// Package graph runs checkpointed state machines made of named nodes.
//
// A graph is a transition table over node names plus two pseudo-states,
// Start and End. Each node turns the current state into a patch, the patch
// is merged into the state, the merged state is saved, and an Event is
// streamed to the caller. Reaching End through a suspend edge pauses the run
// so a later Resume can continue it from Start with extra input.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// Pseudo-states of every graph.
const (
	Start = "__start__"
	End   = "__end__"
)

// ErrUnknownRoute is returned when a router picks a key with no target.
var ErrUnknownRoute = errors.New("router returned unknown route")

// NodeFunc computes a partial update from the current state.
type NodeFunc[S, P any] func(ctx context.Context, state S) (P, error)

// RouterFunc picks a route key for a conditional edge.
type RouterFunc[S any] func(state S) string

// MergeFunc applies a node's patch to the state. It must not modify its inputs.
type MergeFunc[S, P any] func(state S, patch P) S

// NodeError wraps a failure returned by a node.
type NodeError struct {
	Node string
	Err  error
}

func (e *NodeError) Error() string { return fmt.Sprintf("node %s: %v", e.Node, e.Err) }

func (e *NodeError) Unwrap() error { return e.Err }

type edge[S any] struct {
	to      string
	router  RouterFunc[S]
	targets map[string]string
	suspend bool
}

// Builder accumulates nodes and edges. Errors are collected and reported by Compile.
type Builder[S, P any] struct {
	merge MergeFunc[S, P]
	nodes map[string]NodeFunc[S, P]
	order []string
	edges map[string]edge[S]
	errs  []error
}

// NewBuilder returns an empty builder using merge to fold patches into state.
func NewBuilder[S, P any](merge MergeFunc[S, P]) *Builder[S, P] {
	return &Builder[S, P]{
		merge: merge,
		nodes: make(map[string]NodeFunc[S, P]),
		edges: make(map[string]edge[S]),
	}
}

// AddNode registers a node under name.
func (b *Builder[S, P]) AddNode(name string, fn NodeFunc[S, P]) *Builder[S, P] {
	switch {
	case name == "" || name == Start || name == End:
		b.errs = append(b.errs, fmt.Errorf("invalid node name %q", name))
	case fn == nil:
		b.errs = append(b.errs, fmt.Errorf("node %q has no function", name))
	case b.nodes[name] != nil:
		b.errs = append(b.errs, fmt.Errorf("node %q registered twice", name))
	default:
		b.nodes[name] = fn
		b.order = append(b.order, name)
	}
	return b
}

// AddEdge adds an unconditional transition. An edge to End completes the run.
func (b *Builder[S, P]) AddEdge(from, to string) *Builder[S, P] {
	return b.addEdge(from, edge[S]{to: to})
}

// AddSuspendEdge ends the invocation after from and marks the run suspended.
func (b *Builder[S, P]) AddSuspendEdge(from string) *Builder[S, P] {
	return b.addEdge(from, edge[S]{to: End, suspend: true})
}

// AddConditionalEdges routes from a node (or Start) to targets[router(state)].
func (b *Builder[S, P]) AddConditionalEdges(from string, router RouterFunc[S], targets map[string]string) *Builder[S, P] {
	if router == nil || len(targets) == 0 {
		b.errs = append(b.errs, fmt.Errorf("conditional edge from %q needs a router and targets", from))
		return b
	}
	t := make(map[string]string, len(targets))
	for k, v := range targets {
		t[k] = v
	}
	return b.addEdge(from, edge[S]{router: router, targets: t})
}

func (b *Builder[S, P]) addEdge(from string, e edge[S]) *Builder[S, P] {
	if from == End {
		b.errs = append(b.errs, errors.New("edges cannot leave End"))
		return b
	}
	if _, ok := b.edges[from]; ok {
		b.errs = append(b.errs, fmt.Errorf("node %q already has an outgoing edge", from))
		return b
	}
	b.edges[from] = e
	return b
}

// Compile validates the table and binds it to a checkpoint store.
func (b *Builder[S, P]) Compile(store Checkpointer[S], opts ...Option) (*Graph[S, P], error) {
	errs := slices.Clone(b.errs)
	if b.merge == nil {
		errs = append(errs, errors.New("merge function is required"))
	}
	if store == nil {
		errs = append(errs, errors.New("checkpointer is required"))
	}
	if _, ok := b.edges[Start]; !ok {
		errs = append(errs, errors.New("no edge leaves Start"))
	}
	for from, e := range b.edges {
		if from != Start && b.nodes[from] == nil {
			errs = append(errs, fmt.Errorf("edge from unknown node %q", from))
		}
		for _, to := range e.destinations() {
			if to != End && b.nodes[to] == nil {
				errs = append(errs, fmt.Errorf("edge from %q to unknown node %q", from, to))
			}
		}
	}
	for _, name := range b.order {
		if _, ok := b.edges[name]; !ok {
			errs = append(errs, fmt.Errorf("node %q has no outgoing edge", name))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("compile graph: %w", err)
	}

	o := options{
		logger:        slog.Default(),
		maxSteps:      DefaultMaxSteps,
		now:           time.Now,
		schemaVersion: 1,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Graph[S, P]{
		merge: b.merge,
		nodes: b.nodes,
		order: slices.Clone(b.order),
		edges: b.edges,
		store: store,
		opts:  o,
	}, nil
}

func (e edge[S]) destinations() []string {
	if e.router == nil {
		return []string{e.to}
	}
	out := make([]string, 0, len(e.targets))
	for _, to := range e.targets {
		out = append(out, to)
	}
	return out
}

// DefaultMaxSteps bounds a single invocation when WithMaxSteps is not given.
const DefaultMaxSteps = 64

type options struct {
	logger        *slog.Logger
	maxSteps      int
	nodeTimeout   time.Duration
	now           func() time.Time
	schemaVersion int
}

// Option configures a compiled graph.
type Option func(*options)

// WithLogger sets the logger used for run lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMaxSteps bounds the number of nodes executed per invocation.
func WithMaxSteps(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxSteps = n
		}
	}
}

// WithNodeTimeout bounds each node call. Zero disables the bound.
func WithNodeTimeout(d time.Duration) Option {
	return func(o *options) { o.nodeTimeout = d }
}

// WithClock overrides the time source used for checkpoint timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSchemaVersion sets the version stamped on saved checkpoints.
func WithSchemaVersion(v int) Option {
	return func(o *options) { o.schemaVersion = v }
}

// Graph is a compiled, executable transition table.
type Graph[S, P any] struct {
	merge MergeFunc[S, P]
	nodes map[string]NodeFunc[S, P]
	order []string
	edges map[string]edge[S]
	store Checkpointer[S]
	opts  options
	locks sync.Map // run ID -> *sync.Mutex
}

// Nodes returns node names in registration order.
func (g *Graph[S, P]) Nodes() []string {
	return slices.Clone(g.order)
}

// Describe renders the transition table as a Mermaid flowchart.
func (g *Graph[S, P]) Describe() string {
	var b strings.Builder
	b.WriteString("flowchart TD\n")
	for _, from := range append([]string{Start}, g.order...) {
		e, ok := g.edges[from]
		if !ok {
			continue
		}
		switch {
		case e.router != nil:
			keys := make([]string, 0, len(e.targets))
			for k := range e.targets {
				keys = append(keys, k)
			}
			slices.Sort(keys)
			for _, k := range keys {
				fmt.Fprintf(&b, "    %s -.->|%s| %s\n", from, k, e.targets[k])
			}
		case e.suspend:
			fmt.Fprintf(&b, "    %s -- suspend --> %s\n", from, e.to)
		default:
			fmt.Fprintf(&b, "    %s --> %s\n", from, e.to)
		}
	}
	return b.String()
}

// WithRunLock runs fn while holding the run's single-flight lock.
// It returns ErrRunInProgress if the run is busy.
func (g *Graph[S, P]) WithRunLock(runID string, fn func() error) error {
	unlock, err := g.acquire(runID)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

func (g *Graph[S, P]) acquire(runID string) (func(), error) {
	v, _ := g.locks.LoadOrStore(runID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, fmt.Errorf("%w: %s", ErrRunInProgress, runID)
	}
	return mu.Unlock, nil
}

func (g *Graph[S, P]) route(from string, state S) (string, error) {
	e := g.edges[from]
	if e.router == nil {
		return e.to, nil
	}
	key := e.router(state)
	to, ok := e.targets[key]
	if !ok {
		return "", fmt.Errorf("%w %q from %s", ErrUnknownRoute, key, from)
	}
	return to, nil
}

func (g *Graph[S, P]) statusAfter(node, next string) Status {
	if next != End {
		return StatusRunning
	}
	if g.edges[node].suspend {
		return StatusSuspended
	}
	return StatusCompleted
}
