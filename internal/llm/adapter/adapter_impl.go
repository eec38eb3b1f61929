package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/MLMario/metric-explorer/internal/config"
	"github.com/MLMario/metric-explorer/internal/llm/provider/anthropic"
	"github.com/MLMario/metric-explorer/internal/llm/provider/openai"
	"github.com/MLMario/metric-explorer/internal/llm/types"
	"github.com/MLMario/metric-explorer/internal/metrics"
)

// ProviderType identifies which LLM provider is configured.
type ProviderType string

const (
	ProviderOpenAI    ProviderType = "openai"
	ProviderAnthropic ProviderType = "anthropic"
	ProviderNone      ProviderType = "none" // No LLM configured
)

// ErrProviderNotConfigured is returned when an LLM operation is attempted without a configured provider
var ErrProviderNotConfigured = errors.New("LLM provider not configured")

// RetryConfig controls retries of structured completions.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	Multiplier   float64
}

// Delay returns the wait before retry number attempt (0-based).
func (r RetryConfig) Delay(attempt int) time.Duration {
	mult := r.Multiplier
	if mult <= 0 {
		mult = 1
	}
	return time.Duration(float64(r.InitialDelay) * math.Pow(mult, float64(attempt)))
}

// Options tune an adapter built around a provider.
type Options struct {
	Retry             RetryConfig
	RequestsPerSecond float64 // <= 0 disables limiting
	Logger            *zap.Logger
}

// llmAdapterImpl is the unified adapter implementation
type llmAdapterImpl struct {
	provider Provider // nil when unconfigured
	retry    RetryConfig
	limiter  *rate.Limiter
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewLLMAdapter creates an adapter from the loaded configuration.
// Missing credentials yield an unconfigured adapter, not an error.
func NewLLMAdapter(cfg *config.Config, logger *zap.Logger) (LLMAdapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := Options{
		Retry: RetryConfig{
			MaxRetries:   cfg.LLM.MaxRetries,
			InitialDelay: time.Duration(cfg.LLM.InitialDelay * float64(time.Second)),
			Multiplier:   cfg.LLM.BackoffMultiplier,
		},
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
		Logger:            logger,
	}

	apiKey, model, baseURL := cfg.ProviderSettings()
	if apiKey == "" {
		logger.Warn("LLM provider has no API key; running unconfigured", zap.String("provider", cfg.LLM.Provider))
		return NewWithProvider(nil, opts), nil
	}
	timeout := time.Duration(cfg.LLM.TimeoutSeconds) * time.Second
	maxTokens := cfg.ProviderMaxTokens()

	var (
		p   Provider
		err error
	)
	switch ProviderType(cfg.LLM.Provider) {
	case ProviderAnthropic, "":
		p, err = anthropic.New(anthropic.Config{APIKey: apiKey, Model: model, BaseURL: baseURL, MaxTokens: maxTokens, Timeout: timeout})
		if err != nil {
			return nil, fmt.Errorf("failed to create Anthropic client: %w", err)
		}
	case ProviderOpenAI:
		p, err = openai.New(openai.Config{APIKey: apiKey, Model: model, BaseURL: baseURL, MaxTokens: maxTokens, Timeout: timeout})
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI client: %w", err)
		}
	case ProviderNone:
		return NewWithProvider(nil, opts), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.LLM.Provider)
	}

	logger.Info("LLM adapter ready", zap.String("provider", p.Name()), zap.String("model", p.Model()))
	return NewWithProvider(p, opts), nil
}

// NewWithProvider wraps an existing provider. A nil provider gives an
// unconfigured adapter.
func NewWithProvider(p Provider, opts Options) LLMAdapter {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	return &llmAdapterImpl{
		provider: p,
		retry:    opts.Retry,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger,
		sleep:    sleepCtx,
	}
}

func (a *llmAdapterImpl) Provider() string {
	if a.provider == nil {
		return string(ProviderNone)
	}
	return a.provider.Name()
}

func (a *llmAdapterImpl) Model() string {
	if a.provider == nil {
		return ""
	}
	return a.provider.Model()
}

// Complete runs a structured request with retry on transient failures.
func (a *llmAdapterImpl) Complete(ctx context.Context, req types.CompletionRequest) (*types.CompletionResponse, error) {
	if a.provider == nil {
		return nil, ErrProviderNotConfigured
	}
	name, model := a.provider.Name(), a.provider.Model()

	for attempt := 0; ; attempt++ {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		start := time.Now()
		resp, err := a.provider.Complete(ctx, req)
		metrics.LLMRequestDuration.WithLabelValues(name, model).Observe(time.Since(start).Seconds())

		if err == nil {
			metrics.LLMRequestsTotal.WithLabelValues(name, model, "success").Inc()
			return resp, nil
		}
		metrics.LLMRequestsTotal.WithLabelValues(name, model, "error").Inc()

		if attempt >= a.retry.MaxRetries || !types.IsRetryable(err) {
			return nil, err
		}
		delay := a.retry.Delay(attempt)
		a.logger.Warn("LLM request failed, retrying",
			zap.String("provider", name),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		metrics.LLMRetriesTotal.WithLabelValues(name, model).Inc()
		if err := a.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// CompleteWithTools delegates to the provider after waiting on the limiter.
func (a *llmAdapterImpl) CompleteWithTools(
	ctx context.Context,
	req types.CompletionRequest,
	tools []types.Tool,
	executor types.ToolExecutor,
	cfg types.AgentConfig,
) (<-chan types.AgentStreamEvent, error) {
	if a.provider == nil {
		return nil, ErrProviderNotConfigured
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	name, model := a.provider.Name(), a.provider.Model()

	ch, err := a.provider.CompleteWithTools(ctx, req, tools, executor, cfg)
	if err != nil {
		metrics.LLMRequestsTotal.WithLabelValues(name, model, "error").Inc()
		return nil, err
	}

	start := time.Now()
	out := make(chan types.AgentStreamEvent, 64)
	go func() {
		defer close(out)
		status := "success"
		for evt := range ch {
			if evt.Err != nil {
				status = "error"
			}
			out <- evt
		}
		metrics.LLMRequestsTotal.WithLabelValues(name, model, status).Inc()
		metrics.LLMRequestDuration.WithLabelValues(name, model).Observe(time.Since(start).Seconds())
	}()
	return out, nil
}

// ─── JSON helpers ─────────────────────────────────────────────────────────────

// CompleteJSON runs a structured completion and decodes the response into out.
func CompleteJSON(ctx context.Context, a LLMAdapter, req types.CompletionRequest, out interface{}) (*types.CompletionResponse, error) {
	resp, err := a.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := DecodeJSON(resp.Content, out); err != nil {
		return resp, err
	}
	return resp, nil
}

// DecodeJSON decodes text that may be wrapped in a markdown code fence.
func DecodeJSON(text string, out interface{}) error {
	body := StripCodeFence(text)
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return fmt.Errorf("decode LLM JSON: %w", err)
	}
	return nil
}

// StripCodeFence removes a surrounding ```json ... ``` block if present.
func StripCodeFence(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:] // drop language tag line
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
