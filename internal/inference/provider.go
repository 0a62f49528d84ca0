// Package inference invokes text-generation models and turns their replies
// into typed outputs.
//
// A Provider performs one model call. The Invoker wraps a Provider with prompt
// construction, output extraction and a bounded retry budget, and never
// returns an error: when every attempt fails it synthesizes a degraded
// refusal instead.
package inference

import (
	"context"
	"errors"
	"time"
)

// Provider performs a single completion call against a model endpoint.
type Provider interface {
	// Complete sends one prompt and returns the model's text reply.
	Complete(ctx context.Context, req Request) (Completion, error)

	// Name identifies the provider in traces ("bedrock", "ollama", "openai").
	Name() string

	// ModelID returns the configured model identifier.
	ModelID() string
}

// Request is one completion call.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Completion is a model reply with usage accounting.
type Completion struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// ErrEmptyCompletion is returned when a provider answers with no text.
var ErrEmptyCompletion = errors.New("inference: empty completion")

// perCallTimeout bounds one provider call so a slow endpoint cannot consume
// the whole request budget.
const perCallTimeout = 45 * time.Second

// DefaultMaxTokens is used when a request does not set MaxTokens.
const DefaultMaxTokens = 1500
