// Package runlog writes an NDJSON audit trail of workflow runs.
package runlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Config controls run event logging.
type Config struct {
	Enabled       bool   `mapstructure:"enabled"`
	Dir           string `mapstructure:"dir"`
	GlobalEnabled bool   `mapstructure:"global_enabled"`
	GlobalPath    string `mapstructure:"global_path"`
	QueueSize     int    `mapstructure:"queue_size"`
}

// Entry is one line in a run log.
type Entry struct {
	Timestamp  time.Time       `json:"ts"`
	RunID      string          `json:"run_id"`
	EventType  string          `json:"event_type"`
	Node       string          `json:"node,omitempty"`
	Step       int             `json:"step,omitempty"`
	Status     string          `json:"status,omitempty"`
	ContentRaw string          `json:"content_raw,omitempty"`
	Content    string          `json:"content,omitempty"`
	Patch      json.RawMessage `json:"patch,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Logger records run entries.
type Logger interface {
	Log(e Entry)
	Close() error
}

type noopLogger struct{}

func (noopLogger) Log(Entry)    {}
func (noopLogger) Close() error { return nil }

// Noop returns a Logger that discards everything.
func Noop() Logger { return noopLogger{} }

type fileLogger struct {
	cfg    Config
	logger *slog.Logger
	queue  chan Entry
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

// New returns an asynchronous logger writing <dir>/<run_id>.ndjson, plus a
// global file when enabled. A disabled config yields a no-op logger.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		return nil, errors.New("run log dir is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run log dir: %w", err)
	}
	if cfg.GlobalEnabled {
		if cfg.GlobalPath == "" {
			return nil, errors.New("run log global path is required")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o755); err != nil {
			return nil, fmt.Errorf("create global run log dir: %w", err)
		}
	}

	l := &fileLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Entry, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go l.loop()
	return l, nil
}

// Log enqueues an entry. It never blocks; entries are dropped when the queue is full.
func (l *fileLogger) Log(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Content == "" && e.ContentRaw != "" {
		e.Content = cleanForReadability(e.ContentRaw)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- e:
	default:
		l.logger.Warn("Run log queue full, dropping entry", "run_id", e.RunID, "event_type", e.EventType)
	}
}

// Close drains the queue and stops the writer.
func (l *fileLogger) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
		<-l.done
	})
	return nil
}

func (l *fileLogger) loop() {
	defer close(l.done)
	for e := range l.queue {
		line, err := json.Marshal(e)
		if err != nil {
			l.logger.Warn("Failed to encode run log entry", "run_id", e.RunID, "error", err)
			continue
		}
		line = append(line, '\n')
		if err := appendLine(filepath.Join(l.cfg.Dir, safeName(e.RunID)+".ndjson"), line); err != nil {
			l.logger.Warn("Failed to write run log", "run_id", e.RunID, "error", err)
		}
		if l.cfg.GlobalEnabled {
			if err := appendLine(l.cfg.GlobalPath, line); err != nil {
				l.logger.Warn("Failed to write global run log", "error", err)
			}
		}
	}
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func safeName(runID string) string {
	name := unsafeName.ReplaceAllString(runID, "_")
	if name == "" || strings.Trim(name, ".") == "" {
		return "unknown"
	}
	return name
}

var (
	ansiPattern  = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)
	spacePattern = regexp.MustCompile(`\s+`)
)

const maxContentRunes = 280

// cleanForReadability strips escape sequences, collapses whitespace and
// truncates long model output for the human-readable content field.
func cleanForReadability(raw string) string {
	s := ansiPattern.ReplaceAllString(raw, "")
	s = strings.TrimSpace(spacePattern.ReplaceAllString(s, " "))
	if r := []rune(s); len(r) > maxContentRunes {
		s = string(r[:maxContentRunes]) + "…"
	}
	return s
}
