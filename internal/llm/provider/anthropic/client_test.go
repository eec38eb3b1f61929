package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MLMario/metric-explorer/internal/llm/types"
)

func TestNewValidation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	c, err := New(Config{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, c.Model())
	assert.Equal(t, DefaultMaxTokens, c.maxTokens)
	assert.Equal(t, DefaultBaseURL, c.baseURL)
	assert.Equal(t, "anthropic", c.Name())
}

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))

		var req anthRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "You are a data analyst expert.", req.System)
		assert.False(t, req.Stream)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)

		_ = json.NewEncoder(w).Encode(anthResponse{
			Model:   "claude-test",
			Content: []ContentBlock{{Type: "text", Text: `{"tables": []}`}},
			Usage:   anthUsage{InputTokens: 120, OutputTokens: 30},
		})
	}))
	defer srv.Close()

	c, err := New(Config{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), types.CompletionRequest{
		System:   "You are a data analyst expert.",
		Messages: []types.Message{{Role: "user", Content: "infer schema"}},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"tables": []}`, resp.Content)
	assert.Equal(t, 150, resp.Usage.TotalTokens)
}

func TestCompleteAPIErrorIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, 529)
	}))
	defer srv.Close()

	c, err := New(Config{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), types.CompletionRequest{Messages: []types.Message{{Role: "user", Content: "x"}}})
	require.Error(t, err)
	var apiErr *types.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 529, apiErr.StatusCode)
	assert.True(t, types.IsRetryable(err))
}

// sseTurn renders one streamed assistant turn.
func sseTurn(text string, toolID, toolName, toolInput string) string {
	var b strings.Builder
	write := func(event, data string) {
		fmt.Fprintf(&b, "event: %s\ndata: %s\n\n", event, data)
	}
	write("message_start", `{"type":"message_start","message":{"usage":{"input_tokens":50,"output_tokens":0}}}`)
	if text != "" {
		write("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)
		write("content_block_delta", fmt.Sprintf(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":%q}}`, text))
		write("content_block_stop", `{"type":"content_block_stop","index":0}`)
	}
	if toolID != "" {
		write("content_block_start", fmt.Sprintf(`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":%q,"name":%q}}`, toolID, toolName))
		write("content_block_delta", fmt.Sprintf(`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":%q}}`, toolInput))
		write("content_block_stop", `{"type":"content_block_stop","index":1}`)
	}
	write("message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":10}}`)
	write("message_stop", `{"type":"message_stop"}`)
	return b.String()
}

func TestCompleteWithToolsRunsToolsThenFinishes(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req anthRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		assert.Len(t, req.Tools, 1)

		w.Header().Set("Content-Type", "text/event-stream")
		if atomic.AddInt32(&calls, 1) == 1 {
			fmt.Fprint(w, sseTurn("Let me look.", "tu_1", "Glob", `{"pattern":"*.csv"}`))
			return
		}
		// Second turn must carry the tool result back.
		last := req.Messages[len(req.Messages)-1]
		require.Len(t, last.Content, 1)
		assert.Equal(t, "tool_result", last.Content[0].Type)
		assert.Equal(t, "tu_1", last.Content[0].ToolUseID)
		assert.Equal(t, "sales.csv", last.Content[0].Content)
		fmt.Fprint(w, sseTurn("Done.", "", "", ""))
	}))
	defer srv.Close()

	c, err := New(Config{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	exec := types.ToolExecutorFunc(func(ctx context.Context, name string, args map[string]interface{}) (string, error) {
		assert.Equal(t, "Glob", name)
		assert.Equal(t, "*.csv", args["pattern"])
		return "sales.csv", nil
	})

	ch, err := c.CompleteWithTools(context.Background(),
		types.CompletionRequest{Messages: []types.Message{{Role: "user", Content: "investigate"}}},
		[]types.Tool{{Name: "Glob"}}, exec, types.AgentConfig{MaxTurns: 5})
	require.NoError(t, err)

	var (
		text   strings.Builder
		turns  []*types.TurnSummary
		phases []string
		done   types.AgentStreamEvent
	)
	for evt := range ch {
		require.NoError(t, evt.Err)
		text.WriteString(evt.TextToken)
		if evt.Turn != nil {
			turns = append(turns, evt.Turn)
		}
		if evt.ToolEvent != nil {
			phases = append(phases, evt.ToolEvent.Phase)
		}
		if evt.Done {
			done = evt
		}
	}

	assert.Equal(t, "Let me look.Done.", text.String())
	assert.Equal(t, []string{"calling", "result"}, phases)
	require.Len(t, turns, 2)
	assert.Equal(t, "Glob", turns[0].ToolCalls[0].Name)
	assert.Equal(t, 60, turns[0].Usage.TotalTokens)
	assert.True(t, done.Done)
	assert.False(t, done.TurnLimitReached)
	assert.Equal(t, 120, done.Usage.TotalTokens)
}

func TestCompleteWithToolsStopsAtTurnLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseTurn("", "tu_x", "Bash", `{"command":"ls"}`))
	}))
	defer srv.Close()

	c, err := New(Config{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	exec := types.ToolExecutorFunc(func(ctx context.Context, name string, args map[string]interface{}) (string, error) {
		return "", fmt.Errorf("denied")
	})
	ch, err := c.CompleteWithTools(context.Background(),
		types.CompletionRequest{Messages: []types.Message{{Role: "user", Content: "go"}}},
		[]types.Tool{{Name: "Bash"}}, exec, types.AgentConfig{MaxTurns: 2})
	require.NoError(t, err)

	turns := 0
	var last types.AgentStreamEvent
	for evt := range ch {
		if evt.Turn != nil {
			turns++
		}
		last = evt
	}
	assert.Equal(t, 2, turns)
	assert.True(t, last.Done)
	assert.True(t, last.TurnLimitReached)
}
