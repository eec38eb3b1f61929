package budget

// Package budget tracks token usage and cost per investigation session.
//
// Every LLM call made on behalf of a session is recorded here by the
// budgeted adapter. The per-session totals feed the session logs (turns,
// tokens, cost) and the Prometheus token/cost counters.
//
// Limits are optional. With PerSessionLimitTokens or PerSessionLimitUSD set,
// CheckAvailable rejects calls once a session has spent its allowance.
//
// Token estimation uses the cl100k_base tiktoken encoding. When the encoding
// cannot be loaded (it is fetched on first use) a 4-chars-per-token
// estimate is used instead.

import (
	"context"
	"errors"

	"github.com/MLMario/metric-explorer/internal/llm/types"
)

// ErrBudgetExceeded is returned by CheckAvailable once a session is over its
// limit.
var ErrBudgetExceeded = errors.New("session budget exceeded")

// Usage aggregates everything recorded for one session.
type Usage struct {
	SessionID    string         `json:"session_id"`
	Calls        int            `json:"calls"`
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	TotalTokens  int            `json:"total_tokens"`
	CostUSD      float64        `json:"cost_usd"`
	ByModel      map[string]int `json:"by_model"` // model → total tokens
}

// Tracker defines the interface for budget tracking.
type Tracker interface {
	// Record stores the usage of one call and returns it with
	// EstimatedCost filled in.
	Record(ctx context.Context, sessionID, provider, model string, usage types.TokenUsage) types.TokenUsage

	// Usage returns the totals for a session.
	Usage(sessionID string) Usage

	// CheckAvailable fails with ErrBudgetExceeded when estimatedTokens more
	// would put the session over a configured limit.
	CheckAvailable(sessionID string, estimatedTokens int) error

	// EstimateCost prices a call.
	EstimateCost(provider, model string, inputTokens, outputTokens int) float64

	// CountTokens estimates the prompt size of a request.
	CountTokens(req types.CompletionRequest) int

	// Reset forgets a session.
	Reset(sessionID string)
}
