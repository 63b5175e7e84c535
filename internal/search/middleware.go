package search

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/ashureev/deep-research/internal/domain"
)

type retrying struct {
	next       WebSearch
	maxRetries int
	baseDelay  time.Duration
	logger     *slog.Logger
}

// WithRetry retries retryable SearchErrors, doubling the delay each time up to 30s.
func WithRetry(next WebSearch, maxRetries int, baseDelay time.Duration, logger *slog.Logger) WebSearch {
	if maxRetries <= 0 {
		return next
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &retrying{next: next, maxRetries: maxRetries, baseDelay: baseDelay, logger: logger}
}

func (r *retrying) Search(ctx context.Context, query string, maxResults int) ([]domain.SearchResult, error) {
	delay := r.baseDelay
	for attempt := 0; ; attempt++ {
		results, err := r.next.Search(ctx, query, maxResults)
		if err == nil {
			return results, nil
		}
		var se *SearchError
		if !errors.As(err, &se) || !se.Retryable() || attempt >= r.maxRetries {
			return nil, err
		}

		r.logger.Debug("Search failed, retrying", "query", query, "attempt", attempt+1, "delay", delay)

		select {
		case <-ctx.Done():
			return nil, &SearchError{Provider: se.Provider, Query: query, Err: ctx.Err()}
		case <-time.After(delay):
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
}

type limited struct {
	next    WebSearch
	limiter *rate.Limiter
}

// WithRateLimit spaces searches to at most rps per second. A non-positive
// rps disables limiting.
func WithRateLimit(next WebSearch, rps float64, burst int) WebSearch {
	if rps <= 0 {
		return next
	}
	if burst <= 0 {
		burst = 1
	}
	return &limited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (l *limited) Search(ctx context.Context, query string, maxResults int) ([]domain.SearchResult, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, &SearchError{Provider: "ratelimit", Query: query, Err: err}
	}
	return l.next.Search(ctx, query, maxResults)
}
