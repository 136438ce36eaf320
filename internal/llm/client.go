// Package llm talks to the completion service used to infer, generate and
// repair tests.
package llm

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when no completion backend is configured
var ErrUnavailable = errors.New("completion backend unavailable")

// Params tunes a single completion
type Params struct {
	System      string
	Temperature *float32
	MaxTokens   *int
}

// Client produces a completion for a prompt
type Client interface {
	Generate(ctx context.Context, prompt string, params Params) (string, error)
}

// Unavailable is the client used when no API key is configured.
// Every call fails, so callers fall back to their templates.
type Unavailable struct {
	Reason string
}

func (u Unavailable) Generate(ctx context.Context, prompt string, params Params) (string, error) {
	if u.Reason == "" {
		return "", ErrUnavailable
	}
	return "", errors.Join(ErrUnavailable, errors.New(u.Reason))
}
