package adapter

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MLMario/metric-explorer/internal/config"
	"github.com/MLMario/metric-explorer/internal/llm/budget"
	"github.com/MLMario/metric-explorer/internal/llm/types"
)

// fakeProvider returns queued results from Complete and a scripted event
// stream from CompleteWithTools.
type fakeProvider struct {
	results []fakeResult
	calls   int
	events  []types.AgentStreamEvent
}

type fakeResult struct {
	resp *types.CompletionResponse
	err  error
}

func (f *fakeProvider) Name() string  { return "anthropic" }
func (f *fakeProvider) Model() string { return "claude-sonnet-4-20250514" }

func (f *fakeProvider) Complete(ctx context.Context, req types.CompletionRequest) (*types.CompletionResponse, error) {
	r := f.results[f.calls]
	f.calls++
	return r.resp, r.err
}

func (f *fakeProvider) CompleteWithTools(ctx context.Context, req types.CompletionRequest, tools []types.Tool, executor types.ToolExecutor, cfg types.AgentConfig) (<-chan types.AgentStreamEvent, error) {
	ch := make(chan types.AgentStreamEvent, len(f.events))
	for _, e := range f.events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func newTestAdapter(p Provider, retries int) (*llmAdapterImpl, *[]time.Duration) {
	a := NewWithProvider(p, Options{Retry: RetryConfig{MaxRetries: retries, InitialDelay: time.Second, Multiplier: 2}}).(*llmAdapterImpl)
	var slept []time.Duration
	a.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return a, &slept
}

func TestCompleteRetriesTransientErrors(t *testing.T) {
	overloaded := &types.APIError{Provider: "anthropic", StatusCode: 529}
	p := &fakeProvider{results: []fakeResult{
		{err: overloaded},
		{err: &types.APIError{Provider: "anthropic", StatusCode: http.StatusTooManyRequests}},
		{resp: &types.CompletionResponse{Content: "ok"}},
	}}
	a, slept := newTestAdapter(p, 3)

	resp, err := a.Complete(context.Background(), types.CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 3, p.calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
}

func TestCompleteDoesNotRetryClientErrors(t *testing.T) {
	p := &fakeProvider{results: []fakeResult{
		{err: &types.APIError{Provider: "anthropic", StatusCode: http.StatusBadRequest}},
	}}
	a, slept := newTestAdapter(p, 3)

	_, err := a.Complete(context.Background(), types.CompletionRequest{})
	require.Error(t, err)
	assert.Equal(t, 1, p.calls)
	assert.Empty(t, *slept)
}

func TestCompleteGivesUpAfterMaxRetries(t *testing.T) {
	boom := &types.APIError{Provider: "anthropic", StatusCode: http.StatusBadGateway}
	p := &fakeProvider{results: []fakeResult{{err: boom}, {err: boom}, {err: boom}}}
	a, slept := newTestAdapter(p, 2)

	_, err := a.Complete(context.Background(), types.CompletionRequest{})
	var apiErr *types.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, 3, p.calls)
	assert.Len(t, *slept, 2)
}

func TestRetryDelay(t *testing.T) {
	r := RetryConfig{InitialDelay: 500 * time.Millisecond, Multiplier: 3}
	assert.Equal(t, 500*time.Millisecond, r.Delay(0))
	assert.Equal(t, 1500*time.Millisecond, r.Delay(1))
	assert.Equal(t, 4500*time.Millisecond, r.Delay(2))
}

func TestUnconfiguredAdapter(t *testing.T) {
	cfg := config.DefaultConfig()
	a, err := NewLLMAdapter(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "none", a.Provider())

	_, err = a.Complete(context.Background(), types.CompletionRequest{})
	assert.ErrorIs(t, err, ErrProviderNotConfigured)
	_, err = a.CompleteWithTools(context.Background(), types.CompletionRequest{}, nil, nil, types.DefaultAgentConfig())
	assert.ErrorIs(t, err, ErrProviderNotConfigured)
}

func TestNewLLMAdapterSelectsProvider(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.LLM.Provider = "openai"
	cfg.LLM.OpenAI["api_key"] = "sk-test"
	a, err := NewLLMAdapter(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "openai", a.Provider())
	assert.Equal(t, "gpt-4o", a.Model())

	cfg.LLM.Provider = "bedrock"
	_, err = NewLLMAdapter(cfg, nil)
	assert.Error(t, err)
}

func TestStripCodeFence(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n[1,2]\n```", `[1,2]`},
		{"surrounding space", "  \n```json\n{}\n```  ", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripCodeFence(tt.in))
		})
	}
}

func TestCompleteJSON(t *testing.T) {
	p := &fakeProvider{results: []fakeResult{
		{resp: &types.CompletionResponse{Content: "```json\n{\"validated\": true, \"column\": \"revenue\"}\n```"}},
		{resp: &types.CompletionResponse{Content: "not json"}},
	}}
	a, _ := newTestAdapter(p, 0)

	var out struct {
		Validated bool   `json:"validated"`
		Column    string `json:"column"`
	}
	_, err := CompleteJSON(context.Background(), a, types.CompletionRequest{}, &out)
	require.NoError(t, err)
	assert.True(t, out.Validated)
	assert.Equal(t, "revenue", out.Column)

	resp, err := CompleteJSON(context.Background(), a, types.CompletionRequest{}, &out)
	assert.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "not json", resp.Content)
}

func TestBudgetedAdapterRecordsUsage(t *testing.T) {
	p := &fakeProvider{
		results: []fakeResult{{resp: &types.CompletionResponse{
			Content: "done",
			Model:   "claude-sonnet-4-20250514",
			Usage:   types.TokenUsage{PromptTokens: 1000, CompletionTokens: 200, TotalTokens: 1200},
		}}},
		events: []types.AgentStreamEvent{
			{TextToken: "Looking"},
			{Turn: &types.TurnSummary{Index: 0, Usage: types.TokenUsage{PromptTokens: 500, CompletionTokens: 50, TotalTokens: 550}}},
			{Turn: &types.TurnSummary{Index: 1, Usage: types.TokenUsage{PromptTokens: 700, CompletionTokens: 30, TotalTokens: 730}}},
			{Done: true},
		},
	}
	tracker := budget.NewTracker(budget.Config{}, nil)
	inner, _ := newTestAdapter(p, 0)
	a := NewBudgetedAdapter(inner, tracker)
	ctx := WithSession(context.Background(), "sess-1")

	resp, err := a.Complete(ctx, types.CompletionRequest{Messages: []types.Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.Greater(t, resp.Usage.EstimatedCost, 0.0)

	ch, err := a.CompleteWithTools(ctx, types.CompletionRequest{}, nil, types.ToolExecutorFunc(nil), types.DefaultAgentConfig())
	require.NoError(t, err)
	var done types.AgentStreamEvent
	for evt := range ch {
		if evt.Done {
			done = evt
		}
	}
	assert.Equal(t, 1280, done.Usage.TotalTokens)
	assert.Greater(t, done.Usage.EstimatedCost, 0.0)

	u := tracker.Usage("sess-1")
	assert.Equal(t, 3, u.Calls)
	assert.Equal(t, 2480, u.TotalTokens)
	assert.Equal(t, 0, tracker.Usage("default").Calls)
}

func TestBudgetedAdapterRejectsOverBudget(t *testing.T) {
	p := &fakeProvider{results: []fakeResult{{resp: &types.CompletionResponse{Content: "x"}}}}
	tracker := budget.NewTracker(budget.Config{PerSessionLimitTokens: 5}, nil)
	inner, _ := newTestAdapter(p, 0)
	a := NewBudgetedAdapter(inner, tracker)

	_, err := a.Complete(WithSession(context.Background(), "s"), types.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "a prompt that is certainly longer than five tokens in total"}},
	})
	assert.ErrorIs(t, err, budget.ErrBudgetExceeded)
	assert.Equal(t, 0, p.calls)
}
