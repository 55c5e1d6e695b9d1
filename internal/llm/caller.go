package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	openailib "github.com/sashabaranov/go-openai"

	"github.com/chatgate/chatgate/internal/config"
)

// Retriever supplies retrieval context for the RAG-enriched call variants.
// Declared here (not in the rag package) so the dependency points one way:
// the RAG client implements this interface and is injected at construction.
type Retriever interface {
	Query(ctx context.Context, user, dataSource string, messages []Message) (string, map[string]any, error)
}

// Options carries per-call overrides of the catalog defaults. The zero
// value applies the catalog entry unchanged.
type Options struct {
	Temperature *float32
}

// Caller is the unified call surface over the model catalog. One Caller
// serves all configured models; per-model clients are built per call from
// catalog entries so a catalog reload takes effect immediately.
type Caller struct {
	catalog   *config.Catalog
	retriever Retriever // nil when no RAG endpoint is configured
	timeout   time.Duration
}

// NewCaller creates a Caller. retriever may be nil.
func NewCaller(catalog *config.Catalog, retriever Retriever, timeout time.Duration) *Caller {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Caller{catalog: catalog, retriever: retriever, timeout: timeout}
}

// Plain sends messages and returns the assistant text.
func (c *Caller) Plain(ctx context.Context, model string, messages []Message, opts Options) (string, error) {
	client, entry, err := c.clientFor(model)
	if err != nil {
		return "", err
	}

	resp, err := client.CreateChatCompletion(ctx, c.buildRequest(entry, messages, nil, "", opts))
	if err != nil {
		return "", fmt.Errorf("llm: call %q: %w", model, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm: no choices returned from %q", model)
	}
	return resp.Choices[0].Message.Content, nil
}

// PlainStreaming sends messages and streams content deltas to onDelta,
// returning the assembled text. Falls back to the non-streaming call when
// the stream cannot be created.
func (c *Caller) PlainStreaming(ctx context.Context, model string, messages []Message, onDelta StreamCallback, opts Options) (string, error) {
	if onDelta == nil {
		return c.Plain(ctx, model, messages, opts)
	}
	client, entry, err := c.clientFor(model)
	if err != nil {
		return "", err
	}

	req := c.buildRequest(entry, messages, nil, "", opts)
	req.Stream = true
	stream, err := client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		log.Printf("[LLM] Stream creation failed for %q, falling back to sync: %v", model, err)
		return c.Plain(ctx, model, messages, opts)
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Keep partial content if we have any; a broken tail is better
			// than discarding everything the user already watched stream in.
			if sb.Len() > 0 {
				log.Printf("[LLM] Stream interrupted after %d chars: %v", sb.Len(), err)
				break
			}
			log.Printf("[LLM] Stream failed before any content for %q, falling back to sync: %v", model, err)
			return c.Plain(ctx, model, messages, opts)
		}
		if len(chunk.Choices) > 0 {
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				sb.WriteString(delta)
				onDelta(delta)
			}
		}
	}
	return sb.String(), nil
}

// WithTools sends messages with tool definitions. toolChoice is "auto",
// "required" or "none". Providers that reject "required" get one retry
// with "auto" before the error surfaces.
func (c *Caller) WithTools(ctx context.Context, model string, messages []Message, tools []ToolDefinition, toolChoice string, opts Options) (*ToolResponse, error) {
	client, entry, err := c.clientFor(model)
	if err != nil {
		return nil, err
	}

	resp, err := client.CreateChatCompletion(ctx, c.buildRequest(entry, messages, tools, toolChoice, opts))
	if err != nil && toolChoice == "required" {
		log.Printf("[LLM] tool_choice=required rejected by %q, retrying with auto: %v", model, err)
		resp, err = client.CreateChatCompletion(ctx, c.buildRequest(entry, messages, tools, "auto", opts))
	}
	if err != nil {
		return nil, fmt.Errorf("llm: tool call %q: %w", model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm: no choices returned from %q", model)
	}

	choice := resp.Choices[0].Message
	out := &ToolResponse{Content: choice.Content}
	for _, tc := range choice.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}

// WithRAG queries the retriever for each selected data source, prepends the
// retrieved context as a system message, and completes. A retrieval failure
// degrades to the plain call.
func (c *Caller) WithRAG(ctx context.Context, model, user string, dataSources []string, messages []Message, opts Options) (string, map[string]any, error) {
	enriched, meta := c.retrieve(ctx, user, dataSources, messages)
	text, err := c.Plain(ctx, model, enriched, opts)
	return text, meta, err
}

// WithRAGAndTools composes retrieval with the tool-enabled call.
func (c *Caller) WithRAGAndTools(ctx context.Context, model, user string, dataSources []string, messages []Message, tools []ToolDefinition, toolChoice string, opts Options) (*ToolResponse, map[string]any, error) {
	enriched, meta := c.retrieve(ctx, user, dataSources, messages)
	resp, err := c.WithTools(ctx, model, enriched, tools, toolChoice, opts)
	return resp, meta, err
}

// retrieve gathers context for each data source. Failures are non-fatal:
// the turn proceeds without the failed source.
func (c *Caller) retrieve(ctx context.Context, user string, dataSources []string, messages []Message) ([]Message, map[string]any) {
	if c.retriever == nil || len(dataSources) == 0 {
		return messages, nil
	}

	var parts []string
	var sourceMeta []map[string]any
	for _, ds := range dataSources {
		content, meta, err := c.retriever.Query(ctx, user, ds, messages)
		if err != nil {
			log.Printf("[LLM] RAG query %q failed, degrading: %v", ds, err)
			continue
		}
		parts = append(parts, content)
		if meta != nil {
			sourceMeta = append(sourceMeta, meta)
		}
	}
	if len(parts) == 0 {
		return messages, nil
	}

	ctxMsg := Message{
		Role:    RoleSystem,
		Content: "Relevant context retrieved for this request:\n\n" + strings.Join(parts, "\n\n---\n\n"),
	}
	enriched := make([]Message, 0, len(messages)+1)
	enriched = append(enriched, ctxMsg)
	enriched = append(enriched, messages...)

	return enriched, map[string]any{"data_sources": dataSources, "retrieval": sourceMeta}
}

// ── client construction ────────────────────────────────────────────────────

func (c *Caller) clientFor(model string) (*openailib.Client, config.LLMModel, error) {
	entry, ok := c.catalog.Model(model)
	if !ok {
		return nil, config.LLMModel{}, fmt.Errorf("llm: unknown model %q", model)
	}

	cfg := openailib.DefaultConfig(config.ExpandSecret(entry.APIKey))
	if entry.ModelURL != "" {
		cfg.BaseURL = entry.ModelURL
	}
	cfg.HTTPClient = &http.Client{
		Timeout:   c.timeout,
		Transport: newHeaderTransport(entry.ExtraHeaders),
	}
	return openailib.NewClientWithConfig(cfg), entry, nil
}

func (c *Caller) buildRequest(entry config.LLMModel, messages []Message, tools []ToolDefinition, toolChoice string, opts Options) openailib.ChatCompletionRequest {
	req := openailib.ChatCompletionRequest{
		Model:    qualifyModel(entry),
		Messages: toOpenAIMessages(messages),
	}
	if entry.MaxTokens > 0 {
		req.MaxTokens = entry.MaxTokens
	}
	if entry.Temperature != nil {
		req.Temperature = *entry.Temperature
	}
	// A per-turn temperature wins over the catalog entry.
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	for _, td := range tools {
		req.Tools = append(req.Tools, openailib.Tool{
			Type: openailib.ToolTypeFunction,
			Function: &openailib.FunctionDefinition{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			},
		})
	}
	if toolChoice != "" {
		req.ToolChoice = toolChoice
	}
	return req
}

func toOpenAIMessages(messages []Message) []openailib.ChatCompletionMessage {
	out := make([]openailib.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		om := openailib.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openailib.ToolCall{
				ID:   tc.ID,
				Type: openailib.ToolTypeFunction,
				Function: openailib.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out[i] = om
	}
	return out
}

// qualifyModel maps the catalog model name to the identifier the provider
// expects. Multiplexing endpoints (litellm, openrouter) take the full
// "provider/model" form; a direct OpenAI endpoint takes the bare name.
func qualifyModel(entry config.LLMModel) string {
	u, err := url.Parse(entry.ModelURL)
	if err != nil {
		return entry.ModelName
	}
	if u.Hostname() == "api.openai.com" {
		if i := strings.LastIndex(entry.ModelName, "/"); i >= 0 {
			return entry.ModelName[i+1:]
		}
	}
	return entry.ModelName
}

// headerTransport injects per-model extra headers on every request.
// Header values may be "${VAR}" references, expanded at send time.
type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func newHeaderTransport(headers map[string]string) http.RoundTripper {
	if len(headers) == 0 {
		return http.DefaultTransport
	}
	return &headerTransport{headers: headers, base: http.DefaultTransport}
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range t.headers {
		clone.Header.Set(k, config.ExpandSecret(v))
	}
	return t.base.RoundTrip(clone)
}
