package types

import "context"

// MaxToolsPerRequest is the largest tools array providers accept.
const MaxToolsPerRequest = 128

// CapToolsForAPI trims tools to MaxToolsPerRequest.
func CapToolsForAPI(tools []Tool) []Tool {
	if len(tools) > MaxToolsPerRequest {
		return tools[:MaxToolsPerRequest]
	}
	return tools
}

// ToolExecutor runs the tools the agent calls during a tool loop.
type ToolExecutor interface {
	// Execute runs a named tool with the given arguments and returns the
	// text fed back to the LLM as the tool output.
	Execute(ctx context.Context, toolName string, args map[string]interface{}) (string, error)
}

// ToolExecutorFunc adapts a function to ToolExecutor.
type ToolExecutorFunc func(ctx context.Context, toolName string, args map[string]interface{}) (string, error)

func (f ToolExecutorFunc) Execute(ctx context.Context, toolName string, args map[string]interface{}) (string, error) {
	return f(ctx, toolName, args)
}

// ToolEvent reports one tool call lifecycle step.
type ToolEvent struct {
	// Phase is "calling" | "result" | "error"
	Phase     string                 `json:"phase"`
	CallID    string                 `json:"call_id"`
	ToolName  string                 `json:"tool_name"`
	Args      map[string]interface{} `json:"args,omitempty"`
	Result    string                 `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
	TurnIndex int                    `json:"turn_index"` // 0-based
}

// AgentConfig controls the agentic loop behaviour.
type AgentConfig struct {
	// MaxTurns caps the number of LLM→tool→LLM rounds (default 10).
	MaxTurns int
	// ParallelTools runs the tool calls of one turn concurrently.
	ParallelTools bool
}

// DefaultAgentConfig returns the defaults used for hypothesis investigation.
// Tools run sequentially because a turn commonly writes a script and then
// executes it.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		MaxTurns:      10,
		ParallelTools: false,
	}
}

// TurnSummary describes one completed LLM turn of the loop.
type TurnSummary struct {
	Index     int        `json:"index"` // 0-based
	Text      string     `json:"text"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     TokenUsage `json:"usage"`
}

// AgentStreamEvent is a union of text tokens, tool events and turn summaries
// sent on a single channel during the agentic loop.
type AgentStreamEvent struct {
	TextToken string
	ToolEvent *ToolEvent
	// Turn is set once per LLM turn, after its tool calls have run.
	Turn *TurnSummary
	// Done signals the end of the loop. Usage then holds the loop total.
	Done  bool
	Usage TokenUsage
	// TurnLimitReached is set with Done when MaxTurns ran out while the
	// agent was still calling tools.
	TurnLimitReached bool
	// Err carries any terminal error from the agentic loop.
	Err error
}
