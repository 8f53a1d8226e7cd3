// Package provider defines the boundary to the external model collaborator.
// The billing flow treats a provider as an opaque function that accepts a
// prompt and returns streamed text plus a final token-usage report.
package provider

import "context"

// Usage is the provider's token accounting for one call, reported once the
// stream finishes.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Chunk is one element of a model output stream. Exactly one of the fields is
// meaningful per chunk: Text carries streamed output, Usage arrives on the
// final chunk if the provider reported it, and Err terminates the stream.
type Chunk struct {
	Text  string
	Usage *Usage
	Err   error
}

// Request describes one model invocation.
type Request struct {
	Prompt    string
	ModelID   string
	MaxTokens int64
}

// Invoker is implemented by model providers. Invoke returns a channel of
// chunks that is closed when the call finishes, fails, or the context is
// cancelled. An error from Invoke itself means the call never started.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (<-chan Chunk, error)
}
