package types

import (
	"context"
	"fmt"
	"sync"
)

// RunToolCalls executes the tool calls of one turn and returns their outputs
// in call order. Executor errors become tool output so the LLM can react to
// them; only context cancellation is returned as an error. Lifecycle events
// are emitted on evtCh.
func RunToolCalls(
	ctx context.Context,
	calls []ToolCall,
	executor ToolExecutor,
	evtCh chan<- AgentStreamEvent,
	turn int,
	parallel bool,
) ([]string, error) {
	results := make([]string, len(calls))

	if parallel && len(calls) > 1 {
		var wg sync.WaitGroup
		for i, call := range calls {
			wg.Add(1)
			go func(idx int, call ToolCall) {
				defer wg.Done()
				results[idx] = runToolCall(ctx, call, executor, evtCh, turn)
			}(i, call)
		}
		wg.Wait()
		return results, ctx.Err()
	}

	for i, call := range calls {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results[i] = runToolCall(ctx, call, executor, evtCh, turn)
	}
	return results, ctx.Err()
}

func runToolCall(
	ctx context.Context,
	call ToolCall,
	executor ToolExecutor,
	evtCh chan<- AgentStreamEvent,
	turn int,
) string {
	send(ctx, evtCh, AgentStreamEvent{ToolEvent: &ToolEvent{
		Phase: "calling", CallID: call.ID, ToolName: call.Name, Args: call.Arguments, TurnIndex: turn,
	}})

	result, err := executor.Execute(ctx, call.Name, call.Arguments)
	if err != nil {
		msg := fmt.Sprintf("Tool %q failed: %v", call.Name, err)
		send(ctx, evtCh, AgentStreamEvent{ToolEvent: &ToolEvent{
			Phase: "error", CallID: call.ID, ToolName: call.Name, Error: msg, TurnIndex: turn,
		}})
		return msg
	}

	send(ctx, evtCh, AgentStreamEvent{ToolEvent: &ToolEvent{
		Phase: "result", CallID: call.ID, ToolName: call.Name, Result: result, TurnIndex: turn,
	}})
	return result
}

// Send delivers evt unless ctx is done first. It reports whether evt was sent.
func Send(ctx context.Context, evtCh chan<- AgentStreamEvent, evt AgentStreamEvent) bool {
	return send(ctx, evtCh, evt)
}

func send(ctx context.Context, evtCh chan<- AgentStreamEvent, evt AgentStreamEvent) bool {
	select {
	case evtCh <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}
