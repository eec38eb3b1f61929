package budget

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/MLMario/metric-explorer/internal/llm/types"
	"github.com/MLMario/metric-explorer/internal/metrics"
)

// ─── Pricing ─────────────────────────────────────────────────────────────────

// modelPricing maps model name prefixes to (input, output) USD per 1M tokens.
// Longest matching prefix wins.
var modelPricing = map[string][2]float64{
	"claude-opus-4":     {15.0, 75.0},
	"claude-sonnet-4":   {3.0, 15.0},
	"claude-3-7-sonnet": {3.0, 15.0},
	"claude-3-5-sonnet": {3.0, 15.0},
	"claude-3-5-haiku":  {0.8, 4.0},
	"gpt-4o-mini":       {0.15, 0.6},
	"gpt-4o":            {2.5, 10.0},
	"gpt-4.1":           {2.0, 8.0},
}

// providerPricing is the fallback when the model is unknown.
var providerPricing = map[string][2]float64{
	"anthropic": {3.0, 15.0},
	"openai":    {2.5, 10.0},
}

// ─── Config ──────────────────────────────────────────────────────────────────

// Config sets optional per-session limits. Zero means unlimited.
type Config struct {
	PerSessionLimitTokens int
	PerSessionLimitUSD    float64
}

// ─── Implementation ──────────────────────────────────────────────────────────

type trackerImpl struct {
	mu       sync.RWMutex
	cfg      Config
	logger   *zap.Logger
	sessions map[string]*Usage
}

// NewTracker creates an in-memory tracker.
func NewTracker(cfg Config, logger *zap.Logger) Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &trackerImpl{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Usage),
	}
}

func (t *trackerImpl) Record(_ context.Context, sessionID, provider, model string, usage types.TokenUsage) types.TokenUsage {
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	usage.EstimatedCost = t.EstimateCost(provider, model, usage.PromptTokens, usage.CompletionTokens)

	t.mu.Lock()
	u, ok := t.sessions[sessionID]
	if !ok {
		u = &Usage{SessionID: sessionID, ByModel: map[string]int{}}
		t.sessions[sessionID] = u
	}
	u.Calls++
	u.InputTokens += usage.PromptTokens
	u.OutputTokens += usage.CompletionTokens
	u.TotalTokens += usage.TotalTokens
	u.CostUSD += usage.EstimatedCost
	u.ByModel[model] += usage.TotalTokens
	t.mu.Unlock()

	metrics.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(usage.PromptTokens))
	metrics.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(usage.CompletionTokens))
	metrics.LLMCostUSD.WithLabelValues(provider, model).Add(usage.EstimatedCost)

	return usage
}

func (t *trackerImpl) Usage(sessionID string) Usage {
	t.mu.RLock()
	defer t.mu.RUnlock()

	u, ok := t.sessions[sessionID]
	if !ok {
		return Usage{SessionID: sessionID, ByModel: map[string]int{}}
	}
	cp := *u
	cp.ByModel = make(map[string]int, len(u.ByModel))
	for k, v := range u.ByModel {
		cp.ByModel[k] = v
	}
	return cp
}

func (t *trackerImpl) CheckAvailable(sessionID string, estimatedTokens int) error {
	if t.cfg.PerSessionLimitTokens <= 0 && t.cfg.PerSessionLimitUSD <= 0 {
		return nil
	}
	u := t.Usage(sessionID)

	if limit := t.cfg.PerSessionLimitTokens; limit > 0 && u.TotalTokens+estimatedTokens > limit {
		return fmt.Errorf("%w: %d tokens used, %d requested, limit %d", ErrBudgetExceeded, u.TotalTokens, estimatedTokens, limit)
	}
	if limit := t.cfg.PerSessionLimitUSD; limit > 0 && u.CostUSD >= limit {
		return fmt.Errorf("%w: spent $%.4f of $%.4f", ErrBudgetExceeded, u.CostUSD, limit)
	}
	return nil
}

func (t *trackerImpl) EstimateCost(provider, model string, inputTokens, outputTokens int) float64 {
	pricing, ok := lookupPricing(model)
	if !ok {
		pricing, ok = providerPricing[provider]
		if !ok {
			return 0
		}
	}
	return float64(inputTokens)/1e6*pricing[0] + float64(outputTokens)/1e6*pricing[1]
}

func (t *trackerImpl) CountTokens(req types.CompletionRequest) int {
	n := CountText(req.System)
	for _, m := range req.Messages {
		// Role and separators cost a few tokens per message.
		n += CountText(m.Content) + 4
	}
	return n
}

func (t *trackerImpl) Reset(sessionID string) {
	t.mu.Lock()
	delete(t.sessions, sessionID)
	t.mu.Unlock()
}

// ─── Token counting ──────────────────────────────────────────────────────────

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

func loadEncoding() {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err == nil {
		encoding = enc
	}
}

// CountText estimates the token count of s.
func CountText(s string) int {
	if s == "" {
		return 0
	}
	encodingOnce.Do(loadEncoding)
	if encoding != nil {
		return len(encoding.Encode(s, nil, nil))
	}
	return (len(s) + 3) / 4
}

func lookupPricing(model string) ([2]float64, bool) {
	best := ""
	for prefix := range modelPricing {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return [2]float64{}, false
	}
	return modelPricing[best], true
}
