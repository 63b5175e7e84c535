package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Structured runs a shaped completion and decodes the reply into T.
// Required fields are enforced through `validate` struct tags on T.
func Structured[T any](ctx context.Context, tc TextCompletion, prompt string, shape Shape) (T, error) {
	var out T
	raw, err := tc.Complete(ctx, Request{Prompt: prompt, Shape: &shape})
	if err != nil {
		return out, err
	}

	body, err := extractJSON(raw)
	if err != nil {
		return out, &StructuredOutputError{Shape: shape.Name, Raw: raw, Err: err}
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return out, &StructuredOutputError{Shape: shape.Name, Raw: raw, Err: fmt.Errorf("decode: %w", err)}
	}
	if err := validate.StructCtx(ctx, out); err != nil {
		var invalid *validator.InvalidValidationError
		if !errors.As(err, &invalid) {
			return out, &StructuredOutputError{Shape: shape.Name, Raw: raw, Err: err}
		}
	}
	return out, nil
}

// Instructions renders the formatting directions appended to a shaped prompt.
func (s Shape) Instructions() string {
	var b strings.Builder
	b.WriteString("Respond with a single JSON object")
	if s.Name != "" {
		b.WriteString(" (" + s.Name + ")")
	}
	b.WriteString(" and nothing else.")
	if s.Description != "" {
		b.WriteString(" " + s.Description)
	}
	if s.Example != "" {
		b.WriteString("\nExample:\n" + s.Example)
	}
	return b.String()
}

// extractJSON strips code fences and surrounding prose from a model reply.
func extractJSON(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return "", errors.New("no JSON object in reply")
	}
	return s[start : end+1], nil
}
