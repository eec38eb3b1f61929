package adapter

// budgetedAdapter wraps LLMAdapter with pre-flight budget checks and
// post-call token recording:
//
//	base, _ := NewLLMAdapter(cfg, logger)
//	llm := NewBudgetedAdapter(base, tracker)
//	ctx = WithSession(ctx, sessionID)
//
// The session is read from the context so one wrapper serves every run.
// Calls without a session are recorded under "default".

import (
	"context"
	"fmt"

	"github.com/MLMario/metric-explorer/internal/llm/budget"
	"github.com/MLMario/metric-explorer/internal/llm/types"
)

type sessionKey struct{}

// WithSession tags ctx with the investigation session whose budget is charged.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionFrom returns the session set by WithSession.
func SessionFrom(ctx context.Context) string {
	if id, ok := ctx.Value(sessionKey{}).(string); ok && id != "" {
		return id
	}
	return "default"
}

// budgetedAdapterImpl wraps an LLMAdapter with budget enforcement.
type budgetedAdapterImpl struct {
	inner   LLMAdapter
	tracker budget.Tracker
}

// NewBudgetedAdapter creates an LLMAdapter with pre-flight budget checks.
func NewBudgetedAdapter(inner LLMAdapter, tracker budget.Tracker) LLMAdapter {
	return &budgetedAdapterImpl{inner: inner, tracker: tracker}
}

func (a *budgetedAdapterImpl) Provider() string { return a.inner.Provider() }
func (a *budgetedAdapterImpl) Model() string    { return a.inner.Model() }

// Complete performs a budget check, executes the LLM call, then records usage.
func (a *budgetedAdapterImpl) Complete(ctx context.Context, req types.CompletionRequest) (*types.CompletionResponse, error) {
	session := SessionFrom(ctx)
	estimated := a.tracker.CountTokens(req)
	if err := a.tracker.CheckAvailable(session, estimated); err != nil {
		return nil, fmt.Errorf("budget limit: %w", err)
	}

	resp, err := a.inner.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	usage := resp.Usage
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		usage.PromptTokens = estimated
		usage.CompletionTokens = budget.CountText(resp.Content)
	}
	resp.Usage = a.tracker.Record(ctx, session, a.inner.Provider(), a.model(resp.Model), usage)
	return resp, nil
}

// CompleteWithTools wraps the agentic loop with a pre-flight budget check.
// Usage is recorded per turn and the Done event carries the priced total.
func (a *budgetedAdapterImpl) CompleteWithTools(
	ctx context.Context,
	req types.CompletionRequest,
	tools []types.Tool,
	executor types.ToolExecutor,
	cfg types.AgentConfig,
) (<-chan types.AgentStreamEvent, error) {
	session := SessionFrom(ctx)
	if err := a.tracker.CheckAvailable(session, a.tracker.CountTokens(req)); err != nil {
		return nil, fmt.Errorf("budget limit: %w", err)
	}

	evtCh, err := a.inner.CompleteWithTools(ctx, req, tools, executor, cfg)
	if err != nil {
		return nil, err
	}

	provider, model := a.inner.Provider(), a.inner.Model()
	wrapped := make(chan types.AgentStreamEvent, 64)
	go func() {
		defer close(wrapped)
		var total types.TokenUsage
		for evt := range evtCh {
			if evt.Turn != nil {
				evt.Turn.Usage = a.tracker.Record(ctx, session, provider, model, evt.Turn.Usage)
				total.Add(evt.Turn.Usage)
			}
			if evt.Done {
				evt.Usage = total
			}
			wrapped <- evt
		}
	}()
	return wrapped, nil
}

func (a *budgetedAdapterImpl) model(fromResponse string) string {
	if fromResponse != "" {
		return fromResponse
	}
	return a.inner.Model()
}
