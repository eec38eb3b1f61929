package openai

// tool_loop.go: multi-turn agentic tool-calling loop for OpenAI.
//
// Conversation turns for OpenAI's tool-use API:
//
//   Turn N (LLM returns tool calls):
//     choices[0].message: {role:"assistant", tool_calls:[{id:"X", function:{name:"Read", arguments:"{...}"}}]}
//     finish_reason: "tool_calls"
//
//   → Append to messages:
//     {role:"assistant", tool_calls:[{id:"X", ...}]}
//     {role:"tool",      tool_call_id:"X", content:"<result>"}
//
//   Turn N+1:
//     choices[0].message: {role:"assistant", content:"The data shows..."}
//     finish_reason: "stop" → done

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/MLMario/metric-explorer/internal/llm/types"
)

// ─── Wire types ───────────────────────────────────────────────────────────────

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content,omitempty"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiToolCall struct {
	Index    int             `json:"index,omitempty"`
	ID       string          `json:"id,omitempty"`
	Type     string          `json:"type,omitempty"` // "function"
	Function oaiToolFunction `json:"function"`
}

type oaiToolFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"` // JSON string
}

type oaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type oaiRequest struct {
	Model         string            `json:"model"`
	Messages      []oaiMessage      `json:"messages"`
	Tools         []openAITool      `json:"tools,omitempty"`
	MaxTokens     int               `json:"max_tokens"`
	Temperature   float64           `json:"temperature,omitempty"`
	Stream        bool              `json:"stream,omitempty"`
	StreamOptions *oaiStreamOptions `json:"stream_options,omitempty"`
}

type oaiStreamChunk struct {
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Content   string        `json:"content,omitempty"`
			ToolCalls []oaiToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage,omitempty"`
}

// ─── CompleteWithTools ────────────────────────────────────────────────────────

// CompleteWithTools runs the agentic loop in a goroutine and streams its
// events. The channel is closed after a Done or Err event.
func (c *Client) CompleteWithTools(
	ctx context.Context,
	req types.CompletionRequest,
	tools []types.Tool,
	executor types.ToolExecutor,
	cfg types.AgentConfig,
) (<-chan types.AgentStreamEvent, error) {
	if executor == nil {
		return nil, fmt.Errorf("tool executor is required")
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = types.DefaultAgentConfig().MaxTurns
	}

	evtCh := make(chan types.AgentStreamEvent, 64)
	go func() {
		defer close(evtCh)
		c.runAgentLoop(ctx, req, tools, executor, cfg, evtCh)
	}()
	return evtCh, nil
}

func (c *Client) runAgentLoop(
	ctx context.Context,
	req types.CompletionRequest,
	tools []types.Tool,
	executor types.ToolExecutor,
	cfg types.AgentConfig,
	evtCh chan<- types.AgentStreamEvent,
) {
	msgs := convertMessagesToOAI(req.System, req.Messages)
	oaiTools := convertToolsToOAI(types.CapToolsForAPI(tools))
	var total types.TokenUsage

	for turn := 0; turn < cfg.MaxTurns; turn++ {
		body := oaiRequest{
			Model:         c.model,
			Messages:      msgs,
			Tools:         oaiTools,
			MaxTokens:     c.maxTokens,
			Stream:        true,
			StreamOptions: &oaiStreamOptions{IncludeUsage: true},
		}

		text, wireCalls, usage, err := c.streamSingleTurn(ctx, body, evtCh)
		total.Add(usage)
		if err != nil {
			types.Send(ctx, evtCh, types.AgentStreamEvent{Err: fmt.Errorf("LLM turn %d: %w", turn, err)})
			return
		}

		calls := make([]types.ToolCall, len(wireCalls))
		for i, wc := range wireCalls {
			var args map[string]interface{}
			if err := json.Unmarshal([]byte(wc.Function.Arguments), &args); err != nil {
				args = map[string]interface{}{}
			}
			calls[i] = types.ToolCall{ID: wc.ID, Name: wc.Function.Name, Arguments: args}
		}
		summary := &types.TurnSummary{Index: turn, Text: text, ToolCalls: calls, Usage: usage}

		if len(calls) == 0 {
			types.Send(ctx, evtCh, types.AgentStreamEvent{Turn: summary})
			types.Send(ctx, evtCh, types.AgentStreamEvent{Done: true, Usage: total})
			return
		}

		msgs = append(msgs, oaiMessage{Role: "assistant", Content: text, ToolCalls: wireCalls})

		results, err := types.RunToolCalls(ctx, calls, executor, evtCh, turn, cfg.ParallelTools)
		if err != nil {
			types.Send(ctx, evtCh, types.AgentStreamEvent{Err: fmt.Errorf("tool execution turn %d: %w", turn, err)})
			return
		}
		for i, content := range results {
			msgs = append(msgs, oaiMessage{Role: "tool", ToolCallID: wireCalls[i].ID, Content: content})
		}

		types.Send(ctx, evtCh, types.AgentStreamEvent{Turn: summary})
	}

	types.Send(ctx, evtCh, types.AgentStreamEvent{Done: true, TurnLimitReached: true, Usage: total})
}

// ─── streamSingleTurn ─────────────────────────────────────────────────────────
// Makes one streaming call. Text tokens are forwarded to evtCh; tool calls
// are accumulated by their delta index and returned once the stream ends.
func (c *Client) streamSingleTurn(
	ctx context.Context,
	body oaiRequest,
	evtCh chan<- types.AgentStreamEvent,
) (string, []oaiToolCall, types.TokenUsage, error) {
	var usage types.TokenUsage

	httpReq, err := c.newRequest(ctx, body)
	if err != nil {
		return "", nil, usage, err
	}
	streamClient := &http.Client{}
	httpResp, err := streamClient.Do(httpReq)
	if err != nil {
		return "", nil, usage, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(httpResp.Body)
		return "", nil, usage, &types.APIError{Provider: ProviderName, StatusCode: httpResp.StatusCode, Body: string(b)}
	}

	type tcAccumulator struct {
		id      string
		name    string
		argsBuf strings.Builder
	}
	var (
		textBuf strings.Builder
		tcByIdx = map[int]*tcAccumulator{}
	)

	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return textBuf.String(), nil, usage, err
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk oaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage = types.TokenUsage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			textBuf.WriteString(delta.Content)
			if !types.Send(ctx, evtCh, types.AgentStreamEvent{TextToken: delta.Content}) {
				return textBuf.String(), nil, usage, ctx.Err()
			}
		}
		for _, tc := range delta.ToolCalls {
			acc, ok := tcByIdx[tc.Index]
			if !ok {
				acc = &tcAccumulator{}
				tcByIdx[tc.Index] = acc
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			acc.argsBuf.WriteString(tc.Function.Arguments)
		}
	}
	if err := scanner.Err(); err != nil {
		return textBuf.String(), nil, usage, fmt.Errorf("scanner: %w", err)
	}

	indices := make([]int, 0, len(tcByIdx))
	for idx := range tcByIdx {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	calls := make([]oaiToolCall, 0, len(indices))
	for _, idx := range indices {
		acc := tcByIdx[idx]
		args := acc.argsBuf.String()
		if args == "" {
			args = "{}"
		}
		calls = append(calls, oaiToolCall{
			ID:       acc.id,
			Type:     "function",
			Function: oaiToolFunction{Name: acc.name, Arguments: args},
		})
	}
	return textBuf.String(), calls, usage, nil
}

// ─── Conversion helpers ───────────────────────────────────────────────────────

// convertMessagesToOAI prepends the system prompt as a system message.
func convertMessagesToOAI(system string, messages []types.Message) []oaiMessage {
	out := make([]oaiMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, oaiMessage{Role: "system", Content: system})
	}
	for _, m := range messages {
		out = append(out, oaiMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// convertToolsToOAI converts generic tool definitions to OpenAI's function-tool format.
func convertToolsToOAI(tools []types.Tool) []openAITool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openAITool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		out = append(out, openAITool{
			Type: "function",
			Function: openAIFunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
