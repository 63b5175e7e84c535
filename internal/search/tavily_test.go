package search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/deep-research/internal/domain"
)

func TestTavilySearch(t *testing.T) {
	var got tavilyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"results": [
			{"title": "A", "url": "https://a", "content": "alpha", "score": 0.9},
			{"title": "B", "url": "https://b", "content": "beta"},
			{"title": "C", "url": "https://c", "content": "gamma"}
		]}`))
	}))
	defer srv.Close()

	tv, err := NewTavily(TavilyConfig{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	results, err := tv.Search(context.Background(), "qubits", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, domain.SearchResult{Title: "A", URL: "https://a", Content: "alpha", Score: 0.9}, results[0])

	assert.Equal(t, "qubits", got.Query)
	assert.Equal(t, "k", got.APIKey)
	assert.Equal(t, "basic", got.SearchDepth)
	assert.Equal(t, 2, got.MaxResults)
}

func TestTavilyHTTPErrorIsSearchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	tv, err := NewTavily(TavilyConfig{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = tv.Search(context.Background(), "q", 4)
	var se *SearchError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
	assert.Equal(t, "q", se.Query)
	assert.False(t, se.Retryable())
}

func TestNewTavilyRequiresKey(t *testing.T) {
	_, err := NewTavily(TavilyConfig{APIKey: "  "})
	assert.Error(t, err)
}

type searchFunc func(ctx context.Context, query string, n int) ([]domain.SearchResult, error)

func (f searchFunc) Search(ctx context.Context, query string, n int) ([]domain.SearchResult, error) {
	return f(ctx, query, n)
}

func TestWithRetryRecoversFromRateLimit(t *testing.T) {
	var calls atomic.Int32
	ws := searchFunc(func(_ context.Context, q string, _ int) ([]domain.SearchResult, error) {
		if calls.Add(1) == 1 {
			return nil, &SearchError{Provider: "test", Query: q, StatusCode: 429, Err: errors.New("slow down")}
		}
		return []domain.SearchResult{{Title: "ok"}}, nil
	})

	results, err := WithRetry(ws, 2, time.Millisecond, nil).Search(context.Background(), "q", 1)
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWithRetryDoesNotRetryOtherErrors(t *testing.T) {
	var calls atomic.Int32
	ws := searchFunc(func(context.Context, string, int) ([]domain.SearchResult, error) {
		calls.Add(1)
		return nil, errors.New("plain failure")
	})
	_, err := WithRetry(ws, 3, time.Millisecond, nil).Search(context.Background(), "q", 1)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWithRateLimitReturnsSearchError(t *testing.T) {
	ws := searchFunc(func(context.Context, string, int) ([]domain.SearchResult, error) { return nil, nil })
	l := WithRateLimit(ws, 0.001, 1)
	_, err := l.Search(context.Background(), "q", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Search(ctx, "q", 1)
	var se *SearchError
	assert.ErrorAs(t, err, &se)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "No results.", Format(nil))
	got := Format([]domain.SearchResult{
		{Title: "A", URL: "https://a", Content: " alpha "},
		{Title: "B", URL: "https://b", Content: "beta"},
	})
	assert.Equal(t, "[1] A\nURL: https://a\nalpha\n\n[2] B\nURL: https://b\nbeta", got)
}
