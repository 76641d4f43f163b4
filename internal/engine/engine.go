package engine

import (
	"context"
	"errors"
	"fmt"
)

// Engine abstracts an inference backend (a local Ollama server or the hosted
// Gemini API). Listing extraction and ingredient enrichment use this interface
// instead of depending on a concrete client.
type Engine interface {
	// Name identifies the backend in logs and run metadata.
	Name() string

	// Chat sends messages to the given model and returns the assistant's
	// response together with the token usage the backend reported.
	// When jsonSchema is non-nil, structured JSON output is requested.
	Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (Reply, error)

	// IsRunning reports whether the inference backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of all available models.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

// ErrTruncated is returned with a partial Reply when generation stopped at
// the output token limit. The Reply still carries the billed token counts.
var ErrTruncated = errors.New("model output truncated")

// ErrPullUnsupported is returned by backends whose models cannot be downloaded.
var ErrPullUnsupported = errors.New("model pull not supported by this backend")

// StatusError carries the HTTP status a backend answered with.
type StatusError struct {
	Backend string
	Code    int
	Err     error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %v", e.Backend, e.Code, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Retryable reports whether the status is worth retrying: rate limits and server errors.
func (e *StatusError) Retryable() bool {
	return e.Code == 429 || e.Code/100 == 5
}
