package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/deep-research/internal/graph"
)

// FileStore keeps one JSON document per run in a directory.
// Writes go through a temp file and a rename so readers never see partial JSON.
type FileStore struct {
	dir string
	mu  sync.RWMutex
	now func() time.Time
}

// NewFile creates a file-backed repository rooted at dir.
func NewFile(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

func (f *FileStore) path(runID string) string {
	return filepath.Join(f.dir, fileName(runID)+".json")
}

// fileName maps a run ID onto a safe file name.
func fileName(runID string) string {
	var b strings.Builder
	for _, r := range runID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			fmt.Fprintf(&b, "%%%02x", r)
		}
	}
	if b.Len() == 0 || strings.Trim(b.String(), ".") == "" {
		return "run-" + b.String()
	}
	return b.String()
}

// Load reads a run from disk.
func (f *FileStore) Load(_ context.Context, runID string) (*Run, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.read(f.path(runID))
}

func (f *FileStore) read(path string) (*Run, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, graph.ErrUnknownRun
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", filepath.Base(path), err)
	}
	return &run, nil
}

// Save writes a run atomically.
func (f *FileStore) Save(_ context.Context, run *Run) error {
	cp := run.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = f.now()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = f.now()
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	tmp, err := os.CreateTemp(f.dir, ".run-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, f.path(run.RunID)); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

// List scans the directory for the owner's runs, newest first.
func (f *FileStore) List(_ context.Context, ownerID string) ([]*Run, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.scan(func(r *Run) bool {
		return ownerID == "" || r.Metadata[graph.MetaOwner] == ownerID
	})
}

func (f *FileStore) scan(keep func(*Run) bool) ([]*Run, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint directory: %w", err)
	}
	var runs []*Run
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		run, err := f.read(filepath.Join(f.dir, e.Name()))
		if err != nil {
			if errors.Is(err, graph.ErrUnknownRun) {
				continue
			}
			return nil, err
		}
		if keep(run) {
			runs = append(runs, run)
		}
	}
	slices.SortFunc(runs, func(a, b *Run) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
	return runs, nil
}

// Delete removes a run file.
func (f *FileStore) Delete(_ context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path(runID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// CleanupExpired removes finished runs older than ttl.
func (f *FileStore) CleanupExpired(_ context.Context, ttl time.Duration) (int64, error) {
	threshold := f.now().Add(-ttl)
	f.mu.Lock()
	defer f.mu.Unlock()

	expired, err := f.scan(func(r *Run) bool {
		return r.Status != graph.StatusRunning && r.UpdatedAt.Before(threshold)
	})
	if err != nil {
		return 0, err
	}
	var deleted int64
	for _, run := range expired {
		if err := os.Remove(f.path(run.RunID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return deleted, fmt.Errorf("delete checkpoint: %w", err)
		}
		deleted++
	}
	return deleted, nil
}

// Ping checks the directory is still there.
func (f *FileStore) Ping(context.Context) error {
	info, err := os.Stat(f.dir)
	if err != nil {
		return fmt.Errorf("stat checkpoint directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("checkpoint path %s is not a directory", f.dir)
	}
	return nil
}

// Close is a no-op.
func (f *FileStore) Close() error { return nil }

var _ Repository = (*FileStore)(nil)
