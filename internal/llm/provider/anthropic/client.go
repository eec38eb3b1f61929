// Package anthropic implements the Anthropic Messages API provider.
//
// Structured mode is a single non-streaming POST /messages. Tool-loop mode
// streams every turn over SSE, forwarding text deltas as they arrive and
// assembling tool_use blocks from input_json_delta fragments.
//
// Configuration comes from the llm.anthropic config section:
//   - api_key (ANTHROPIC_API_KEY)
//   - model (ANTHROPIC_MODEL), default claude-sonnet-4-20250514
//   - max_tokens, default 4096
//   - base_url, for proxies and tests
package anthropic

import (
	"net/http"
	"time"
)

// Anthropic API constants
const (
	DefaultBaseURL    = "https://api.anthropic.com/v1"
	DefaultModel      = "claude-sonnet-4-20250514"
	DefaultMaxTokens  = 4096
	DefaultAPIVersion = "2023-06-01"
	DefaultTimeout    = 120 * time.Second
)

// ProviderName is reported in metrics and budget records.
const ProviderName = "anthropic"

// Config configures a Client.
type Config struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
	Timeout   time.Duration
}

// Client talks to the Anthropic Messages API.
type Client struct {
	apiKey     string
	model      string
	maxTokens  int
	baseURL    string
	httpClient *http.Client
}

// anthMessage represents an Anthropic API message
type anthMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock can be text or tool_use or tool_result
type ContentBlock struct {
	Type      string      `json:"type"`
	Text      string      `json:"text,omitempty"`
	ID        string      `json:"id,omitempty"`
	Name      string      `json:"name,omitempty"`
	Input     interface{} `json:"input,omitempty"`
	ToolUseID string      `json:"tool_use_id,omitempty"`
	Content   string      `json:"content,omitempty"` // for tool_result
}

// anthTool represents an Anthropic tool definition
type anthTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// anthRequest represents an Anthropic API request
type anthRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Messages    []anthMessage `json:"messages"`
	Tools       []anthTool    `json:"tools,omitempty"`
	System      string        `json:"system,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// anthResponse represents an Anthropic API response
type anthResponse struct {
	ID         string         `json:"id"`
	Content    []ContentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      anthUsage      `json:"usage"`
}

type anthUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// SSE event payloads from the streaming API
type sseEvent struct {
	Type         string        `json:"type"`
	Index        int           `json:"index,omitempty"`
	Message      *anthResponse `json:"message,omitempty"`
	Delta        *sseDelta     `json:"delta,omitempty"`
	Usage        *anthUsage    `json:"usage,omitempty"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`
}

type sseDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}
