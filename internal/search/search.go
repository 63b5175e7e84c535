// Package search provides web search clients.
package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/deep-research/internal/domain"
)

// WebSearch runs a single query against a search backend.
type WebSearch interface {
	Search(ctx context.Context, query string, maxResults int) ([]domain.SearchResult, error)
}

// SearchError reports a failed search call.
type SearchError struct {
	Provider   string
	Query      string
	StatusCode int
	Err        error
}

func (e *SearchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s search %q failed (status %d): %v", e.Provider, e.Query, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s search %q failed: %v", e.Provider, e.Query, e.Err)
}

func (e *SearchError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth another attempt.
func (e *SearchError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}

// Format renders results as numbered context for a summarization prompt.
func Format(results []domain.SearchResult) string {
	if len(results) == 0 {
		return "No results."
	}
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] %s\nURL: %s\n%s", i+1, r.Title, r.URL, strings.TrimSpace(r.Content))
	}
	return b.String()
}
