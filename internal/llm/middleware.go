package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// RetryConfig controls WithRetry.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type retrying struct {
	next   TextCompletion
	cfg    RetryConfig
	logger *slog.Logger
}

// WithRetry retries retryable CompletionErrors with exponential backoff.
// Structured output failures and context errors are returned immediately.
func WithRetry(next TextCompletion, cfg RetryConfig, logger *slog.Logger) TextCompletion {
	if cfg.MaxRetries <= 0 {
		return next
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &retrying{next: next, cfg: cfg, logger: logger}
}

func (r *retrying) Complete(ctx context.Context, req Request) (string, error) {
	delay := r.cfg.BaseDelay
	for attempt := 0; ; attempt++ {
		out, err := r.next.Complete(ctx, req)
		if err == nil {
			return out, nil
		}
		var ce *CompletionError
		if !errors.As(err, &ce) || !ce.Retryable() || attempt >= r.cfg.MaxRetries {
			return "", err
		}

		r.logger.Debug("Completion failed, retrying",
			"attempt", attempt+1,
			"delay", delay,
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", &CompletionError{Provider: ce.Provider, Err: ctx.Err()}
		case <-timer.C:
		}
		delay *= 2
		if delay > r.cfg.MaxDelay {
			delay = r.cfg.MaxDelay
		}
	}
}

type limited struct {
	next    TextCompletion
	limiter *rate.Limiter
}

// WithRateLimit spaces calls to at most rps per second. A non-positive rps
// disables limiting.
func WithRateLimit(next TextCompletion, rps float64, burst int) TextCompletion {
	if rps <= 0 {
		return next
	}
	if burst <= 0 {
		burst = 1
	}
	return &limited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (l *limited) Complete(ctx context.Context, req Request) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", &CompletionError{Provider: "ratelimit", Err: err}
	}
	return l.next.Complete(ctx, req)
}
