package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/MLMario/metric-explorer/internal/llm/types"
)

// New creates an Anthropic client. APIKey is required.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Client{
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (c *Client) Name() string  { return ProviderName }
func (c *Client) Model() string { return c.model }

// Complete performs one non-streaming structured-mode call.
func (c *Client) Complete(ctx context.Context, req types.CompletionRequest) (*types.CompletionResponse, error) {
	maxTokens := c.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	ar := anthRequest{
		Model:     c.model,
		MaxTokens: maxTokens,
		Messages:  convertMessages(req.Messages),
		System:    req.System,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		ar.Temperature = &t
	}

	resp, err := c.makeRequest(ctx, ar)
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &types.CompletionResponse{
		Content: text.String(),
		Model:   resp.Model,
		Usage:   usageOf(resp.Usage),
	}, nil
}

func usageOf(u anthUsage) types.TokenUsage {
	return types.TokenUsage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
	}
}

// convertMessages converts []types.Message to Anthropic anthMessage format
func convertMessages(messages []types.Message) []anthMessage {
	result := make([]anthMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			continue
		}
		result = append(result, anthMessage{
			Role:    m.Role,
			Content: []ContentBlock{{Type: "text", Text: m.Content}},
		})
	}
	return result
}

// convertTools converts []types.Tool to Anthropic anthTool format
func convertTools(tools []types.Tool) []anthTool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]anthTool, 0, len(tools))
	for _, t := range tools {
		schema := t.Parameters
		if schema == nil {
			schema = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		result = append(result, anthTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return result
}

func (c *Client) newRequest(ctx context.Context, req anthRequest) (*http.Request, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", DefaultAPIVersion)
	return httpReq, nil
}

// makeRequest makes a non-streaming HTTP request to the Anthropic API
func (c *Client) makeRequest(ctx context.Context, req anthRequest) (*anthResponse, error) {
	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, &types.APIError{Provider: ProviderName, StatusCode: httpResp.StatusCode, Body: string(body)}
	}

	var resp anthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &resp, nil
}
