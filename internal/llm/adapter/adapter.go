package adapter

import (
	"context"

	"github.com/MLMario/metric-explorer/internal/llm/types"
)

// Package adapter provides the single entry point the investigation engine
// uses to talk to an LLM provider.
//
// Responsibilities:
//   - Hide the differences between the Anthropic and OpenAI clients
//   - Structured (single completion) and agentic tool-loop modes
//   - Retry with exponential backoff for transient provider failures
//   - Client-side rate limiting of provider requests
//   - Request metrics (count, duration, retries)
//   - Per-session budget accounting through the budgeted wrapper
//
// Modes:
//   1. Complete: one request, one text response. Used for schema
//      inference, metric identification, hypothesis generation, report
//      drafting and the verdict fallback. CompleteJSON decodes the response
//      into a caller-provided value after stripping markdown fences.
//   2. CompleteWithTools: the multi-turn agent loop used for hypothesis
//      analysis. Events stream on the returned channel until Done or Err.
//
// Retry policy:
//   Only Complete is retried. A tool loop is stateful (tools have already
//   run) so a failed loop surfaces as an Err event and the engine degrades
//   the hypothesis instead.
//
// Fallback Behavior (No LLM Configured):
//   NewLLMAdapter returns an adapter whose calls fail with
//   ErrProviderNotConfigured. The HTTP surface still serves artifacts of
//   earlier runs.

// Provider is implemented by every concrete LLM client.
type Provider interface {
	Name() string
	Model() string
	Complete(ctx context.Context, req types.CompletionRequest) (*types.CompletionResponse, error)
	CompleteWithTools(
		ctx context.Context,
		req types.CompletionRequest,
		tools []types.Tool,
		executor types.ToolExecutor,
		cfg types.AgentConfig,
	) (<-chan types.AgentStreamEvent, error)
}

// LLMAdapter defines the unified interface the engine depends on.
type LLMAdapter interface {
	// Provider returns the configured provider name ("none" if unconfigured).
	Provider() string

	// Model returns the model used for requests.
	Model() string

	// Complete sends a structured request and returns the full response.
	Complete(ctx context.Context, req types.CompletionRequest) (*types.CompletionResponse, error)

	// CompleteWithTools runs the agentic loop. The returned channel is
	// closed after a Done or Err event.
	CompleteWithTools(
		ctx context.Context,
		req types.CompletionRequest,
		tools []types.Tool,
		executor types.ToolExecutor,
		cfg types.AgentConfig,
	) (<-chan types.AgentStreamEvent, error)
}
