package store

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/deep-research/internal/domain"
	"github.com/ashureev/deep-research/internal/graph"
)

func backends(t *testing.T) map[string]func(t *testing.T) Repository {
	t.Helper()
	return map[string]func(t *testing.T) Repository{
		"sqlite": func(t *testing.T) Repository {
			s, err := NewSQLite(filepath.Join(t.TempDir(), "data", "runs.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"file": func(t *testing.T) Repository {
			s, err := NewFile(filepath.Join(t.TempDir(), "checkpoints"))
			require.NoError(t, err)
			return s
		},
	}
}

func sampleRun(id, owner string, status graph.Status, updated time.Time) *Run {
	plan := domain.ResearchPlan{Breadth: 3, Depth: 2, Explanation: "broad"}
	run := &Run{
		RunID:         id,
		Status:        status,
		LastNode:      "execute_search",
		Next:          "execute_search",
		Step:          3,
		SchemaVersion: domain.StateSchemaVersion,
		State: domain.AgentState{
			InitialQuery:     "quantum computing",
			CombinedQuery:    "Initial query: quantum computing",
			ResearchPlan:     &plan,
			QueriesToRun:     []string{"q1+"},
			CompletedQueries: []string{"q1"},
			AllLearnings:     []string{"L-q1"},
			CurrentDepth:     2,
		},
		CreatedAt: updated.Add(-time.Minute),
		UpdatedAt: updated,
	}
	if owner != "" {
		run.Metadata = map[string]string{graph.MetaOwner: owner}
	}
	return run
}

func TestRepositoryRoundTrip(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			repo := open(t)
			ctx := context.Background()
			now := time.UnixMilli(time.Now().UnixMilli())

			_, err := repo.Load(ctx, "missing")
			assert.ErrorIs(t, err, graph.ErrUnknownRun)

			run := sampleRun("run-1", "owner-a", graph.StatusSuspended, now)
			require.NoError(t, repo.Save(ctx, run))

			got, err := repo.Load(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, run.State, got.State)
			assert.Equal(t, run.Status, got.Status)
			assert.Equal(t, run.Next, got.Next)
			assert.Equal(t, run.Step, got.Step)
			assert.Equal(t, "owner-a", got.Metadata[graph.MetaOwner])
			assert.True(t, run.UpdatedAt.Equal(got.UpdatedAt))

			run.Status = graph.StatusFailed
			run.Error = "boom"
			run.UpdatedAt = now.Add(time.Second)
			require.NoError(t, repo.Save(ctx, run))
			got, err = repo.Load(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, graph.StatusFailed, got.Status)
			assert.Equal(t, "boom", got.Error)

			require.NoError(t, repo.Delete(ctx, "run-1"))
			_, err = repo.Load(ctx, "run-1")
			assert.ErrorIs(t, err, graph.ErrUnknownRun)
			assert.NoError(t, repo.Delete(ctx, "run-1"))
			assert.NoError(t, repo.Ping(ctx))
		})
	}
}

func TestRepositoryList(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			repo := open(t)
			ctx := context.Background()
			base := time.UnixMilli(time.Now().UnixMilli())

			require.NoError(t, repo.Save(ctx, sampleRun("old", "a", graph.StatusCompleted, base)))
			require.NoError(t, repo.Save(ctx, sampleRun("new", "a", graph.StatusSuspended, base.Add(time.Minute))))
			require.NoError(t, repo.Save(ctx, sampleRun("other", "b", graph.StatusSuspended, base.Add(2*time.Minute))))

			runs, err := repo.List(ctx, "a")
			require.NoError(t, err)
			require.Len(t, runs, 2)
			assert.Equal(t, "new", runs[0].RunID)
			assert.Equal(t, "old", runs[1].RunID)

			all, err := repo.List(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 3)
			assert.Equal(t, "other", all[0].RunID)
		})
	}
}

func TestRepositoryCleanupExpired(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			repo := open(t)
			ctx := context.Background()
			now := time.Now()

			require.NoError(t, repo.Save(ctx, sampleRun("stale", "", graph.StatusCompleted, now.Add(-2*time.Hour))))
			require.NoError(t, repo.Save(ctx, sampleRun("stuck", "", graph.StatusRunning, now.Add(-2*time.Hour))))
			require.NoError(t, repo.Save(ctx, sampleRun("fresh", "", graph.StatusSuspended, now)))

			deleted, err := repo.CleanupExpired(ctx, time.Hour)
			require.NoError(t, err)
			assert.Equal(t, int64(1), deleted)

			_, err = repo.Load(ctx, "stale")
			assert.ErrorIs(t, err, graph.ErrUnknownRun)
			_, err = repo.Load(ctx, "stuck")
			assert.NoError(t, err)
			_, err = repo.Load(ctx, "fresh")
			assert.NoError(t, err)
		})
	}
}

func TestRepositoryBacksGraph(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			repo := open(t)
			g, err := graph.NewBuilder(domain.MergePatch).
				AddNode("bump", func(_ context.Context, s domain.AgentState) (domain.StatePatch, error) {
					d := s.CurrentDepth + 1
					return domain.StatePatch{CurrentDepth: &d}, nil
				}).
				AddEdge(graph.Start, "bump").
				AddSuspendEdge("bump").
				Compile(repo)
			require.NoError(t, err)

			ctx := context.Background()
			for _, err := range g.Start(ctx, "r", domain.StatePatch{}, nil) {
				require.NoError(t, err)
			}
			for _, err := range g.Resume(ctx, "r", domain.StatePatch{}) {
				require.NoError(t, err)
			}
			run, err := repo.Load(ctx, "r")
			require.NoError(t, err)
			assert.Equal(t, graph.StatusSuspended, run.Status)
			assert.Equal(t, 2, run.State.CurrentDepth)
		})
	}
}

func TestFileStoreNamesAreSafe(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewFile(dir)
	require.NoError(t, err)
	ctx := context.Background()

	run := sampleRun("../escape/run", "", graph.StatusSuspended, time.Now())
	require.NoError(t, repo.Save(ctx, run))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].Name(), "/")

	got, err := repo.Load(ctx, "../escape/run")
	require.NoError(t, err)
	assert.Equal(t, run.RunID, got.RunID)
}

func TestFileStoreSkipsForeignFiles(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewFile(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.json"), 0o755))

	runs, err := repo.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

type countingRepo struct {
	Repository
	calls   atomic.Int32
	deleted int64
}

func (c *countingRepo) CleanupExpired(context.Context, time.Duration) (int64, error) {
	c.calls.Add(1)
	return c.deleted, nil
}

func TestTTLWorkerSweeps(t *testing.T) {
	repo := &countingRepo{deleted: 2}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cleaned atomic.Int64
	StartTTLWorker(ctx, repo, time.Hour, 10*time.Millisecond, func(n int64) { cleaned.Add(n) })

	require.Eventually(t, func() bool { return repo.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, cleaned.Load(), int64(4))
}

func TestTTLWorkerDisabled(t *testing.T) {
	repo := &countingRepo{}
	StartTTLWorker(context.Background(), repo, 0, time.Millisecond, nil)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), repo.calls.Load())
}
