// Package llm provides text-completion adapters and structured output decoding.
package llm

import (
	"context"
	"fmt"
)

// Shape describes the JSON object a structured completion must return.
type Shape struct {
	Name        string
	Description string
	// Example is a JSON object literal showing every field.
	Example string
}

// Request is a single completion call. A nil Shape asks for free text.
type Request struct {
	Prompt string
	Shape  *Shape
}

// TextCompletion turns a prompt into model output.
type TextCompletion interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// CompletionError reports a provider or network failure.
type CompletionError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *CompletionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s completion failed (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s completion failed: %v", e.Provider, e.Err)
}

func (e *CompletionError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth another attempt.
func (e *CompletionError) Retryable() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == 429, e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// StructuredOutputError reports model output that does not match its shape.
type StructuredOutputError struct {
	Shape string
	Raw   string
	Err   error
}

func (e *StructuredOutputError) Error() string {
	return fmt.Sprintf("structured output %s: %v", e.Shape, e.Err)
}

func (e *StructuredOutputError) Unwrap() error { return e.Err }
