package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chatgate/chatgate/internal/llm"
	"github.com/chatgate/chatgate/internal/mcp"
	"github.com/chatgate/chatgate/internal/session"
	"github.com/chatgate/chatgate/internal/tool"
	"github.com/chatgate/chatgate/internal/util"
)

// transcriptEntryBudget bounds how much of each step's tool output is kept
// for the max-steps summary prompt.
const transcriptEntryBudget = 4000

// completionToolName is the synthetic tool the agent calls to declare the
// task finished.
const completionToolName = "all_work_done"

// Agent termination reasons.
const (
	reasonCompletionTool = "completion_tool_used"
	reasonMaxSteps       = "max_steps_reached"
	reasonEmptyResponse  = "empty_response"
	reasonDirectResponse = "direct_response"
	reasonError          = "error_occurred"
)

const agentSystemPrompt = `You are an autonomous agent acting on behalf of %s.
Work step by step using the available tools. Each step you MUST call a tool.
When everything the user asked for is finished, call the %s tool.`

var completionTool = llm.ToolDefinition{
	Name:        completionToolName,
	Description: "Call this when all requested work is finished.",
	Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
}

// runAgent is the step-bounded agent loop. Per turn it performs at most
// maxSteps tool-enabled LLM calls plus one final summary call.
func (r *Router) runAgent(ctx context.Context, req Request, base []llm.Message, sess *session.Session, ectx tool.Context) (string, map[string]any, error) {
	maxSteps := r.maxSteps
	if req.AgentMaxSteps != nil {
		maxSteps = *req.AgentMaxSteps
		if maxSteps < 0 {
			maxSteps = 0
		}
	}

	servers, _ := r.tools.SelectServers(req.Tools)
	defs := append(r.tools.ToolsForServers(servers), completionTool)

	base = withAgentPrompt(base, sess.User)

	emit(ectx, "agent_start", map[string]any{"max_steps": maxSteps})

	currentInput := req.Content
	var transcript []string

	for step := 1; step <= maxSteps; step++ {
		msgs := append(append([]llm.Message{}, base...), llm.Message{Role: llm.RoleUser, Content: currentInput})

		emit(ectx, "agent_turn_start", map[string]any{"step": step, "max_steps": maxSteps})
		emit(ectx, "agent_llm_call", map[string]any{"step": step})

		resp, err := r.caller.WithTools(ctx, req.Model, msgs, defs, "required", req.options())
		if err != nil {
			emit(ectx, "agent_error", map[string]any{"step": step, "error": err.Error()})
			return "", nil, fmt.Errorf("chat: agent step %d: %w", step, err)
		}

		if len(resp.ToolCalls) == 0 {
			if resp.Content == "" {
				return "", agentMeta(step, reasonEmptyResponse), nil
			}
			return resp.Content, agentMeta(step, reasonDirectResponse), nil
		}

		done := false
		var workCalls []llm.ToolCall
		for _, call := range resp.ToolCalls {
			emit(ectx, "agent_tool_call", map[string]any{"step": step, "tool_name": call.Name, "arguments": string(call.Arguments)})
			if call.Name == completionToolName {
				done = true
				continue
			}
			workCalls = append(workCalls, call)
		}

		results := r.executor.Execute(ctx, workCalls, ectx)
		emit(ectx, "agent_tool_results", map[string]any{"step": step, "count": len(results)})

		if done {
			emit(ectx, "agent_completion_detected", map[string]any{"step": step})
			response, err := r.agentFollowUp(ctx, req, msgs, resp, results)
			if err != nil {
				emit(ectx, "agent_error", map[string]any{"step": step, "error": err.Error()})
				return "", nil, err
			}
			emit(ectx, "agent_completion", map[string]any{"step": step})
			return response, agentMeta(step, reasonCompletionTool), nil
		}

		var parts []string
		for _, res := range results {
			parts = append(parts, res.Content)
		}
		currentInput = strings.Join(parts, "\n\n")
		transcript = append(transcript, util.TruncateRunes(currentInput, transcriptEntryBudget))
	}

	emit(ectx, "agent_max_steps", map[string]any{"max_steps": maxSteps})
	response, err := r.agentSummary(ctx, req, base, transcript, maxSteps)
	if err != nil {
		return "", nil, err
	}
	return response, agentMeta(maxSteps, reasonMaxSteps), nil
}

// agentFollowUp obtains the final natural-language answer after the
// completion tool fired, with tools disabled.
func (r *Router) agentFollowUp(ctx context.Context, req Request, msgs []llm.Message, resp *llm.ToolResponse, results []tool.Result) (string, error) {
	followUp := append(msgs, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
	for _, call := range resp.ToolCalls {
		content := "All work completed."
		for _, res := range results {
			if res.ID == call.ID {
				content = res.Content
				break
			}
		}
		followUp = append(followUp, llm.Message{Role: llm.RoleTool, Content: content, ToolCallID: call.ID})
	}

	out, err := r.caller.WithTools(ctx, req.Model, followUp, nil, "none", req.options())
	if err != nil {
		return "", fmt.Errorf("chat: agent follow-up: %w", err)
	}
	return out.Content, nil
}

// agentSummary produces the max-steps response from whatever progress the
// loop made.
func (r *Router) agentSummary(ctx context.Context, req Request, base []llm.Message, transcript []string, maxSteps int) (string, error) {
	prompt := fmt.Sprintf("The step limit (%d) was reached before the task finished. Summarize the progress so far and what remains.\n\nTask: %s", maxSteps, req.Content)
	if len(transcript) > 0 {
		prompt += "\n\nTool output so far:\n" + strings.Join(transcript, "\n---\n")
	}
	msgs := append(append([]llm.Message{}, base...), llm.Message{Role: llm.RoleUser, Content: prompt})

	summary, err := r.caller.Plain(ctx, req.Model, msgs, req.options())
	if err != nil {
		return "", fmt.Errorf("chat: agent summary: %w", err)
	}
	return fmt.Sprintf("[Reached the maximum of %d steps]\n\n%s", maxSteps, summary), nil
}

// withAgentPrompt swaps a leading system message for the agent system
// prompt, or prepends one when absent.
func withAgentPrompt(base []llm.Message, user string) []llm.Message {
	prompt := llm.Message{Role: llm.RoleSystem, Content: fmt.Sprintf(agentSystemPrompt, user, completionToolName)}
	out := append([]llm.Message{}, base...)
	if len(out) > 0 && out[0].Role == llm.RoleSystem {
		out[0] = prompt
		return out
	}
	return append([]llm.Message{prompt}, out...)
}

func agentMeta(steps int, reason string) map[string]any {
	return map[string]any{"agent": true, "steps": steps, "termination_reason": reason}
}

// onlyCanvas reports whether every call in the batch is the canvas
// pseudo-tool.
func onlyCanvas(calls []llm.ToolCall) bool {
	for _, c := range calls {
		if c.Name != mcp.CanvasToolName {
			return false
		}
	}
	return len(calls) > 0
}
