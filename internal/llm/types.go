// Package llm provides the unified call surface over the model catalog:
// plain completion, streaming, tool calling, and RAG-enriched variants.
package llm

import (
	"encoding/json"
	"fmt"
)

// Role constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents one chat message. Immutable once appended to a session.
type Message struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"` // required iff Role == "tool"
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewMessage constructs a message, rejecting role/tool_call_id combinations
// that would corrupt the history: only tool-role messages carry a call id.
func NewMessage(role, content, toolCallID string) (Message, error) {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant:
		if toolCallID != "" {
			return Message{}, fmt.Errorf("llm: role %q must not carry tool_call_id", role)
		}
	case RoleTool:
		if toolCallID == "" {
			return Message{}, fmt.Errorf("llm: tool message requires tool_call_id")
		}
	default:
		return Message{}, fmt.Errorf("llm: unknown role %q", role)
	}
	return Message{Role: role, Content: content, ToolCallID: toolCallID}, nil
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"` // fully-qualified {server}_{tool}
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDefinition describes a callable tool in the canonical OpenAI-style
// function form. Parameters is a JSON Schema object.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolResponse is the result of a tool-enabled completion: prose content,
// tool calls, or both.
type ToolResponse struct {
	Content   string
	ToolCalls []ToolCall
}

// StreamCallback receives each streamed content delta.
type StreamCallback func(delta string)
