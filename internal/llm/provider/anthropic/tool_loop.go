package anthropic

// tool_loop.go: multi-turn agentic tool-calling loop for Anthropic.
//
// Conversation turns for Anthropic's tool-use API:
//
//   Turn N (LLM returns tool calls):
//     response.content: [{type:"tool_use", id:"X", name:"Bash", input:{...}}]
//     stop_reason: "tool_use"
//
//   → Append to messages:
//     {role:"assistant", content:[{type:"tool_use", id:"X", ...}]}
//     {role:"user",      content:[{type:"tool_result", tool_use_id:"X", content:"<result>"}]}
//
//   Turn N+1 (LLM continues with tool results in context):
//     response.content: [{type:"text", text:"The data shows..."}]
//     stop_reason: "end_turn"  → done

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/MLMario/metric-explorer/internal/llm/types"
)

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

// runAgentLoop runs until the LLM stops calling tools, an error occurs, or
// cfg.MaxTurns is used up.
func (c *Client) runAgentLoop(
	ctx context.Context,
	req types.CompletionRequest,
	tools []types.Tool,
	executor types.ToolExecutor,
	cfg types.AgentConfig,
	evtCh chan<- types.AgentStreamEvent,
) {
	anthMsgs := convertMessages(req.Messages)
	anthTools := convertTools(types.CapToolsForAPI(tools))
	var total types.TokenUsage

	for turn := 0; turn < cfg.MaxTurns; turn++ {
		ar := anthRequest{
			Model:     c.model,
			MaxTokens: c.maxTokens,
			Messages:  anthMsgs,
			Tools:     anthTools,
			System:    req.System,
			Stream:    true,
		}

		text, calls, usage, err := c.streamSingleTurn(ctx, ar, evtCh)
		total.Add(usage)
		if err != nil {
			types.Send(ctx, evtCh, types.AgentStreamEvent{Err: fmt.Errorf("LLM turn %d: %w", turn, err)})
			return
		}

		summary := &types.TurnSummary{Index: turn, Text: text, ToolCalls: calls, Usage: usage}

		// No tool calls → this is the final answer.
		if len(calls) == 0 {
			types.Send(ctx, evtCh, types.AgentStreamEvent{Turn: summary})
			types.Send(ctx, evtCh, types.AgentStreamEvent{Done: true, Usage: total})
			return
		}

		assistantBlocks := make([]ContentBlock, 0, len(calls)+1)
		if text != "" {
			assistantBlocks = append(assistantBlocks, ContentBlock{Type: "text", Text: text})
		}
		for _, call := range calls {
			input := call.Arguments
			if input == nil {
				input = map[string]interface{}{}
			}
			assistantBlocks = append(assistantBlocks, ContentBlock{
				Type:  "tool_use",
				ID:    call.ID,
				Name:  call.Name,
				Input: input,
			})
		}
		anthMsgs = append(anthMsgs, anthMessage{Role: "assistant", Content: assistantBlocks})

		results, err := types.RunToolCalls(ctx, calls, executor, evtCh, turn, cfg.ParallelTools)
		if err != nil {
			types.Send(ctx, evtCh, types.AgentStreamEvent{Err: fmt.Errorf("tool execution turn %d: %w", turn, err)})
			return
		}

		resultBlocks := make([]ContentBlock, 0, len(results))
		for i, content := range results {
			resultBlocks = append(resultBlocks, ContentBlock{
				Type:      "tool_result",
				ToolUseID: calls[i].ID,
				Content:   content,
			})
		}
		anthMsgs = append(anthMsgs, anthMessage{Role: "user", Content: resultBlocks})

		types.Send(ctx, evtCh, types.AgentStreamEvent{Turn: summary})
	}

	types.Send(ctx, evtCh, types.AgentStreamEvent{Done: true, TurnLimitReached: true, Usage: total})
}

// ─── streamSingleTurn ─────────────────────────────────────────────────────────
// Makes one streaming API call. Text tokens are forwarded to evtCh as they
// arrive; assembled tool calls are returned when the turn ends.
func (c *Client) streamSingleTurn(
	ctx context.Context,
	req anthRequest,
	evtCh chan<- types.AgentStreamEvent,
) (string, []types.ToolCall, types.TokenUsage, error) {
	var usage types.TokenUsage

	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return "", nil, usage, err
	}

	// No client timeout on streams; cancellation is via ctx.
	streamClient := &http.Client{}
	httpResp, err := streamClient.Do(httpReq)
	if err != nil {
		return "", nil, usage, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(httpResp.Body)
		return "", nil, usage, &types.APIError{Provider: ProviderName, StatusCode: httpResp.StatusCode, Body: string(body)}
	}

	var (
		collectedText        strings.Builder
		calls                []types.ToolCall
		currentToolID        string
		currentToolName      string
		currentToolInputJSON strings.Builder
		eventType            string
	)

	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return collectedText.String(), calls, usage, err
		}

		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventType = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event sseEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}
		if eventType == "" {
			eventType = event.Type
		}

		switch eventType {
		case "message_start":
			if event.Message != nil {
				usage.PromptTokens = event.Message.Usage.InputTokens
			}

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				currentToolID = event.ContentBlock.ID
				currentToolName = event.ContentBlock.Name
				currentToolInputJSON.Reset()
			}

		case "content_block_delta":
			if event.Delta == nil {
				break
			}
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text != "" {
					collectedText.WriteString(event.Delta.Text)
					if !types.Send(ctx, evtCh, types.AgentStreamEvent{TextToken: event.Delta.Text}) {
						return collectedText.String(), calls, usage, ctx.Err()
					}
				}
			case "input_json_delta":
				currentToolInputJSON.WriteString(event.Delta.PartialJSON)
			}

		case "content_block_stop":
			if currentToolID != "" {
				var input map[string]interface{}
				if raw := currentToolInputJSON.String(); raw != "" {
					_ = json.Unmarshal([]byte(raw), &input)
				}
				calls = append(calls, types.ToolCall{ID: currentToolID, Name: currentToolName, Arguments: input})
				currentToolID = ""
				currentToolName = ""
				currentToolInputJSON.Reset()
			}

		case "message_delta":
			if event.Usage != nil {
				usage.CompletionTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			return collectedText.String(), calls, usage, nil
		}
		eventType = ""
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	if err := scanner.Err(); err != nil {
		return collectedText.String(), calls, usage, fmt.Errorf("scanner: %w", err)
	}
	return collectedText.String(), calls, usage, nil
}
