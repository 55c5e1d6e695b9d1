// Package chat drives a conversation turn end to end: the mode router picks
// the execution path, the agent loop iterates tool-enabled steps, and the
// pipeline owns the client frame protocol and session lifecycle.
package chat

import (
	"context"
	"fmt"
	"log"

	"github.com/chatgate/chatgate/internal/llm"
	"github.com/chatgate/chatgate/internal/session"
	"github.com/chatgate/chatgate/internal/tool"
)

// Caller is the LLM surface the router drives. Satisfied by *llm.Caller.
type Caller interface {
	Plain(ctx context.Context, model string, messages []llm.Message, opts llm.Options) (string, error)
	WithTools(ctx context.Context, model string, messages []llm.Message, tools []llm.ToolDefinition, toolChoice string, opts llm.Options) (*llm.ToolResponse, error)
	WithRAG(ctx context.Context, model, user string, dataSources []string, messages []llm.Message, opts llm.Options) (string, map[string]any, error)
	WithRAGAndTools(ctx context.Context, model, user string, dataSources []string, messages []llm.Message, tools []llm.ToolDefinition, toolChoice string, opts llm.Options) (*llm.ToolResponse, map[string]any, error)
}

// ToolSource exposes the per-turn server and tool selection. Satisfied by
// *mcp.Manager.
type ToolSource interface {
	SelectServers(selected []string) (servers []string, exclusive bool)
	ToolsForServers(names []string) []llm.ToolDefinition
	GetPrompt(ctx context.Context, fqName string, args map[string]string) (string, error)
}

// Executor runs a batch of tool calls. Satisfied by *tool.Executor.
type Executor interface {
	Execute(ctx context.Context, calls []llm.ToolCall, ectx tool.Context) []tool.Result
}

// Request is one classified chat turn.
type Request struct {
	Content            string
	Model              string
	Tools              []string // selected server names
	Prompts            []string // selected fully-qualified prompt names
	DataSources        []string
	OnlyRAG            bool
	ToolChoiceRequired bool
	AgentMode          bool
	AgentMaxSteps      *int     // nil means the configured default
	Temperature        *float32 // nil means the catalog entry's value
}

// options maps the per-turn overrides onto the caller's option set.
func (r Request) options() llm.Options {
	return llm.Options{Temperature: r.Temperature}
}

// Router classifies a turn and executes the matching path.
type Router struct {
	caller    Caller
	retriever llm.Retriever
	tools     ToolSource
	executor  Executor
	maxSteps  int
}

// NewRouter creates a Router. defaultMaxSteps bounds agent turns that do not
// carry their own limit.
func NewRouter(caller Caller, retriever llm.Retriever, tools ToolSource, executor Executor, defaultMaxSteps int) *Router {
	if defaultMaxSteps <= 0 {
		defaultMaxSteps = 10
	}
	return &Router{caller: caller, retriever: retriever, tools: tools, executor: executor, maxSteps: defaultMaxSteps}
}

func emit(ectx tool.Context, event string, data map[string]any) {
	if ectx.OnUpdate != nil {
		ectx.OnUpdate(event, data)
	}
}

// Handle executes one turn. base is the prompt prefix (history plus any
// ephemeral system context); the user content of req is appended by the
// selected path. Returns the response text and assistant metadata.
func (r *Router) Handle(ctx context.Context, req Request, base []llm.Message, sess *session.Session, ectx tool.Context) (string, map[string]any, error) {
	base = r.applyPrompts(ctx, req, base)

	switch {
	case req.AgentMode:
		return r.runAgent(ctx, req, base, sess, ectx)

	case req.OnlyRAG && len(req.DataSources) > 0:
		return r.ragOnly(ctx, req, base, sess)

	case len(req.Tools) == 0 && len(req.DataSources) == 0:
		msgs := append(base, llm.Message{Role: llm.RoleUser, Content: req.Content})
		text, err := r.caller.Plain(ctx, req.Model, msgs, req.options())
		return text, nil, err

	case len(req.Tools) == 0:
		msgs := append(base, llm.Message{Role: llm.RoleUser, Content: req.Content})
		text, meta, err := r.caller.WithRAG(ctx, req.Model, sess.User, req.DataSources, msgs, req.options())
		return text, meta, err

	default:
		return r.withTools(ctx, req, base, sess, ectx)
	}
}

// ragOnly answers straight from retrieval, no model call.
func (r *Router) ragOnly(ctx context.Context, req Request, base []llm.Message, sess *session.Session) (string, map[string]any, error) {
	if r.retriever == nil {
		return "", nil, fmt.Errorf("chat: retrieval requested but no retriever is configured")
	}
	msgs := append(base, llm.Message{Role: llm.RoleUser, Content: req.Content})

	var combined string
	for _, ds := range req.DataSources {
		content, _, err := r.retriever.Query(ctx, sess.User, ds, msgs)
		if err != nil {
			return "", nil, fmt.Errorf("chat: retrieval from %q failed: %w", ds, err)
		}
		if combined != "" {
			combined += "\n\n"
		}
		combined += content
	}
	return combined, map[string]any{"data_sources": req.DataSources, "only_rag": true}, nil
}

// withTools runs the single-shot tool path: one tool-enabled call, execution
// of whatever the model requested, then a synthesis call over the results.
func (r *Router) withTools(ctx context.Context, req Request, base []llm.Message, sess *session.Session, ectx tool.Context) (string, map[string]any, error) {
	servers, exclusive := r.tools.SelectServers(req.Tools)
	defs := r.tools.ToolsForServers(servers)

	toolChoice := "auto"
	if exclusive || req.ToolChoiceRequired {
		toolChoice = "required"
	}

	msgs := append(base, llm.Message{Role: llm.RoleUser, Content: req.Content})

	var (
		resp *llm.ToolResponse
		meta map[string]any
		err  error
	)
	if len(req.DataSources) > 0 {
		resp, meta, err = r.caller.WithRAGAndTools(ctx, req.Model, sess.User, req.DataSources, msgs, defs, toolChoice, req.options())
	} else {
		resp, err = r.caller.WithTools(ctx, req.Model, msgs, defs, toolChoice, req.options())
	}
	if err != nil {
		return "", nil, err
	}
	if len(resp.ToolCalls) == 0 {
		return resp.Content, meta, nil
	}

	assistant := llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls}
	if err := sess.Append(assistant); err != nil {
		return "", nil, err
	}

	results := r.executor.Execute(ctx, resp.ToolCalls, ectx)

	followUp := append(msgs, assistant)
	for _, res := range results {
		toolMsg := llm.Message{Role: llm.RoleTool, Content: res.Content, ToolCallID: res.ID}
		if err := sess.Append(toolMsg); err != nil {
			log.Printf("[Chat] Record tool result: %v", err)
		}
		followUp = append(followUp, toolMsg)
	}

	if meta == nil {
		meta = map[string]any{}
	}
	meta["tools_used"] = toolNames(resp.ToolCalls)

	// A canvas-only turn already delivered its output through the display
	// channel; a synthesis call would just restate it.
	if onlyCanvas(resp.ToolCalls) {
		if resp.Content != "" {
			return resp.Content, meta, nil
		}
		return "Content displayed on canvas.", meta, nil
	}

	summary, err := r.caller.Plain(ctx, req.Model, followUp, req.options())
	if err != nil {
		return "", nil, fmt.Errorf("chat: synthesis call failed: %w", err)
	}
	emit(ectx, "tool_synthesis", map[string]any{"summary": summary})
	return summary, meta, nil
}

// applyPrompts prepends selected prompt templates as system context.
// A prompt that fails to render is skipped, not fatal.
func (r *Router) applyPrompts(ctx context.Context, req Request, base []llm.Message) []llm.Message {
	if len(req.Prompts) == 0 {
		return base
	}
	var out []llm.Message
	for _, name := range req.Prompts {
		text, err := r.tools.GetPrompt(ctx, name, nil)
		if err != nil {
			log.Printf("[Chat] Prompt %q unavailable: %v", name, err)
			continue
		}
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: text})
	}
	return append(out, base...)
}

func toolNames(calls []llm.ToolCall) []string {
	names := make([]string, 0, len(calls))
	for _, c := range calls {
		names = append(names, c.Name)
	}
	return names
}
