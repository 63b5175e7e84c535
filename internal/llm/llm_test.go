package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type replyFunc func(ctx context.Context, req Request) (string, error)

func (f replyFunc) Complete(ctx context.Context, req Request) (string, error) { return f(ctx, req) }

type pair struct {
	Items []string `json:"items" validate:"required"`
	Note  string   `json:"note"`
}

var pairShape = Shape{Name: "Pair", Example: `{"items": ["a"], "note": "n"}`}

func TestStructuredDecodesPlainJSON(t *testing.T) {
	var seen Request
	tc := replyFunc(func(_ context.Context, req Request) (string, error) {
		seen = req
		return `{"items": ["x", "y"], "note": "ok"}`, nil
	})

	got, err := Structured[pair](context.Background(), tc, "prompt", pairShape)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, got.Items)
	assert.Equal(t, "ok", got.Note)
	require.NotNil(t, seen.Shape)
	assert.Equal(t, "Pair", seen.Shape.Name)
	assert.Equal(t, "prompt", seen.Prompt)
}

func TestStructuredStripsFencesAndProse(t *testing.T) {
	tc := replyFunc(func(context.Context, Request) (string, error) {
		return "Sure! Here you go:\n```json\n{\"items\": []}\n```", nil
	})
	got, err := Structured[pair](context.Background(), tc, "p", pairShape)
	require.NoError(t, err)
	assert.Empty(t, got.Items)
}

func TestStructuredRejectsNonConformingOutput(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{name: "no object", reply: "I cannot help with that."},
		{name: "wrong type", reply: `{"items": "not a list"}`},
		{name: "missing required", reply: `{"note": "no items"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := replyFunc(func(context.Context, Request) (string, error) { return tt.reply, nil })
			_, err := Structured[pair](context.Background(), tc, "p", pairShape)
			var soe *StructuredOutputError
			require.ErrorAs(t, err, &soe)
			assert.Equal(t, "Pair", soe.Shape)
			assert.Equal(t, tt.reply, soe.Raw)
		})
	}
}

func TestStructuredPassesCompletionErrorsThrough(t *testing.T) {
	tc := replyFunc(func(context.Context, Request) (string, error) {
		return "", &CompletionError{Provider: "test", StatusCode: 500, Err: errors.New("down")}
	})
	_, err := Structured[pair](context.Background(), tc, "p", pairShape)
	var ce *CompletionError
	require.ErrorAs(t, err, &ce)
	var soe *StructuredOutputError
	assert.False(t, errors.As(err, &soe))
}

func TestShapeInstructions(t *testing.T) {
	s := Shape{Name: "Queries", Description: "List search queries.", Example: `{"queries": []}`}
	got := s.Instructions()
	assert.Contains(t, got, "(Queries)")
	assert.Contains(t, got, "List search queries.")
	assert.Contains(t, got, `{"queries": []}`)
}

func TestCompletionErrorRetryable(t *testing.T) {
	assert.True(t, (&CompletionError{}).Retryable())
	assert.True(t, (&CompletionError{StatusCode: 429}).Retryable())
	assert.True(t, (&CompletionError{StatusCode: 503}).Retryable())
	assert.False(t, (&CompletionError{StatusCode: 401}).Retryable())
}

func TestWithRetryRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	tc := replyFunc(func(context.Context, Request) (string, error) {
		if calls.Add(1) < 3 {
			return "", &CompletionError{Provider: "test", StatusCode: 503, Err: errors.New("busy")}
		}
		return "done", nil
	})
	r := WithRetry(tc, RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond}, nil)

	got, err := r.Complete(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "done", got)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWithRetryGivesUp(t *testing.T) {
	var calls atomic.Int32
	tc := replyFunc(func(context.Context, Request) (string, error) {
		calls.Add(1)
		return "", &CompletionError{Provider: "test", Err: errors.New("reset")}
	})
	r := WithRetry(tc, RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond}, nil)
	_, err := r.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWithRetrySkipsPermanentFailures(t *testing.T) {
	var calls atomic.Int32
	tc := replyFunc(func(context.Context, Request) (string, error) {
		calls.Add(1)
		return "", &CompletionError{Provider: "test", StatusCode: 401, Err: errors.New("bad key")}
	})
	r := WithRetry(tc, RetryConfig{MaxRetries: 5, BaseDelay: time.Millisecond}, nil)
	_, err := r.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWithRetryDisabled(t *testing.T) {
	tc := replyFunc(func(context.Context, Request) (string, error) { return "x", nil })
	_, wrapped := WithRetry(tc, RetryConfig{}, nil).(*retrying)
	assert.False(t, wrapped)
}

func TestWithRateLimitHonoursContext(t *testing.T) {
	tc := replyFunc(func(context.Context, Request) (string, error) { return "x", nil })
	l := WithRateLimit(tc, 0.001, 1)

	_, err := l.Complete(context.Background(), Request{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Complete(ctx, Request{})
	var ce *CompletionError
	assert.ErrorAs(t, err, &ce)
}
