package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chatgate/chatgate/internal/config"
)

// newTestCatalog writes a one-model catalog pointing at baseURL.
func newTestCatalog(t *testing.T, model, baseURL string) *config.Catalog {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf("- model_name: %s\n  model_url: %s\n  api_key: test-key\n", model, baseURL)
	if err := os.WriteFile(filepath.Join(dir, "llmconfig.yml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return config.NewCatalog("", dir)
}

// completionResponse builds a minimal chat completion payload.
func completionResponse(content string, toolCalls ...map[string]any) map[string]any {
	msg := map[string]any{"role": "assistant", "content": content}
	if len(toolCalls) > 0 {
		msg["tool_calls"] = toolCalls
	}
	return map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"model":   "m",
		"choices": []map[string]any{{"index": 0, "message": msg, "finish_reason": "stop"}},
	}
}

func TestCaller_Plain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(completionResponse("hello"))
	}))
	defer srv.Close()

	c := NewCaller(newTestCatalog(t, "m1", srv.URL+"/v1"), nil, time.Second)
	got, err := c.Plain(context.Background(), "m1", []Message{{Role: RoleUser, Content: "hi"}}, Options{})
	if err != nil {
		t.Fatalf("Plain: %v", err)
	}
	if got != "hello" {
		t.Errorf("Plain = %q", got)
	}
}

func TestCaller_UnknownModel(t *testing.T) {
	c := NewCaller(newTestCatalog(t, "m1", "http://localhost:1"), nil, time.Second)
	if _, err := c.Plain(context.Background(), "nope", nil, Options{}); err == nil {
		t.Error("expected error for unknown model")
	}
}

func TestCaller_WithTools_ParsesToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(completionResponse("", map[string]any{
			"id":   "call_1",
			"type": "function",
			"function": map[string]any{
				"name":      "srv_analyze",
				"arguments": `{"filename":"report.pdf"}`,
			},
		}))
	}))
	defer srv.Close()

	c := NewCaller(newTestCatalog(t, "m1", srv.URL+"/v1"), nil, time.Second)
	resp, err := c.WithTools(context.Background(), "m1",
		[]Message{{Role: RoleUser, Content: "analyze"}},
		[]ToolDefinition{{Name: "srv_analyze", Parameters: json.RawMessage(`{"type":"object"}`)}},
		"auto", Options{})
	if err != nil {
		t.Fatalf("WithTools: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "srv_analyze" || resp.ToolCalls[0].ID != "call_1" {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
}

func TestCaller_WithTools_RequiredRetriesWithAuto(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			ToolChoice any `json:"tool_choice"`
		}
		json.Unmarshal(body, &req)
		choice, _ := req.ToolChoice.(string)
		calls = append(calls, choice)
		if choice == "required" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"message":"tool_choice required is not supported"}}`))
			return
		}
		json.NewEncoder(w).Encode(completionResponse("ok"))
	}))
	defer srv.Close()

	c := NewCaller(newTestCatalog(t, "m1", srv.URL+"/v1"), nil, time.Second)
	resp, err := c.WithTools(context.Background(), "m1",
		[]Message{{Role: RoleUser, Content: "x"}}, nil, "required", Options{})
	if err != nil {
		t.Fatalf("WithTools: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q", resp.Content)
	}
	if len(calls) != 2 || calls[0] != "required" || calls[1] != "auto" {
		t.Errorf("tool_choice sequence = %v, want [required auto]", calls)
	}
}

// captureRetriever records queries and returns canned context.
type captureRetriever struct {
	content string
	err     error
	queried []string
}

func (r *captureRetriever) Query(_ context.Context, _, ds string, _ []Message) (string, map[string]any, error) {
	r.queried = append(r.queried, ds)
	if r.err != nil {
		return "", nil, r.err
	}
	return r.content, map[string]any{"data_source": ds}, nil
}

func TestCaller_WithRAG_InjectsContext(t *testing.T) {
	var sawSystem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Messages []struct{ Role, Content string } `json:"messages"`
		}
		json.Unmarshal(body, &req)
		if len(req.Messages) > 0 && req.Messages[0].Role == "system" {
			sawSystem = req.Messages[0].Content
		}
		json.NewEncoder(w).Encode(completionResponse("answer"))
	}))
	defer srv.Close()

	ret := &captureRetriever{content: "CTX"}
	c := NewCaller(newTestCatalog(t, "m1", srv.URL+"/v1"), ret, time.Second)
	text, meta, err := c.WithRAG(context.Background(), "m1", "alice", []string{"docs"},
		[]Message{{Role: RoleUser, Content: "q"}}, Options{})
	if err != nil {
		t.Fatalf("WithRAG: %v", err)
	}
	if text != "answer" {
		t.Errorf("text = %q", text)
	}
	if !strings.Contains(sawSystem, "CTX") {
		t.Errorf("retrieved context not injected, system = %q", sawSystem)
	}
	if meta == nil {
		t.Fatal("meta = nil")
	}
	if ds, _ := meta["data_sources"].([]string); len(ds) != 1 || ds[0] != "docs" {
		t.Errorf("meta data_sources = %v", meta["data_sources"])
	}
}

func TestCaller_WithRAG_DegradesOnRetrievalFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(completionResponse("plain answer"))
	}))
	defer srv.Close()

	ret := &captureRetriever{err: fmt.Errorf("rag down")}
	c := NewCaller(newTestCatalog(t, "m1", srv.URL+"/v1"), ret, time.Second)
	text, meta, err := c.WithRAG(context.Background(), "m1", "alice", []string{"docs"},
		[]Message{{Role: RoleUser, Content: "q"}}, Options{})
	if err != nil {
		t.Fatalf("degraded WithRAG errored: %v", err)
	}
	if text != "plain answer" || meta != nil {
		t.Errorf("text=%q meta=%v, want plain degrade", text, meta)
	}
}

func TestBuildRequest_TemperatureOverride(t *testing.T) {
	var c Caller
	catalogTemp := float32(1.0)
	entry := config.LLMModel{ModelName: "m", Temperature: &catalogTemp}

	req := c.buildRequest(entry, nil, nil, "", Options{})
	if req.Temperature != 1.0 {
		t.Errorf("catalog temperature = %v", req.Temperature)
	}

	override := float32(0.25)
	req = c.buildRequest(entry, nil, nil, "", Options{Temperature: &override})
	if req.Temperature != 0.25 {
		t.Errorf("override temperature = %v", req.Temperature)
	}
}

func TestCaller_PlainStreaming_FallsBackOnEarlyRecvFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Stream bool `json:"stream"`
		}
		json.Unmarshal(body, &req)
		if req.Stream {
			// A data line that cannot be decoded makes the first Recv fail.
			w.Header().Set("Content-Type", "text/event-stream")
			w.Write([]byte("data: {not json\n\n"))
			return
		}
		json.NewEncoder(w).Encode(completionResponse("recovered"))
	}))
	defer srv.Close()

	c := NewCaller(newTestCatalog(t, "m1", srv.URL+"/v1"), nil, time.Second)
	got, err := c.PlainStreaming(context.Background(), "m1",
		[]Message{{Role: RoleUser, Content: "hi"}}, func(string) {}, Options{})
	if err != nil {
		t.Fatalf("PlainStreaming: %v", err)
	}
	if got != "recovered" {
		t.Errorf("PlainStreaming = %q, want fallback answer", got)
	}
}

func TestQualifyModel(t *testing.T) {
	direct := config.LLMModel{ModelName: "openai/gpt-4o", ModelURL: "https://api.openai.com/v1"}
	if got := qualifyModel(direct); got != "gpt-4o" {
		t.Errorf("direct endpoint = %q, want gpt-4o", got)
	}
	mux := config.LLMModel{ModelName: "openai/gpt-4o", ModelURL: "https://litellm.internal/v1"}
	if got := qualifyModel(mux); got != "openai/gpt-4o" {
		t.Errorf("multiplexing endpoint = %q, want openai/gpt-4o", got)
	}
}

func TestNewMessage_RoleRules(t *testing.T) {
	if _, err := NewMessage(RoleUser, "hi", "call_1"); err == nil {
		t.Error("user message accepted tool_call_id")
	}
	if _, err := NewMessage(RoleTool, "out", ""); err == nil {
		t.Error("tool message accepted empty tool_call_id")
	}
	if _, err := NewMessage(RoleTool, "out", "call_1"); err != nil {
		t.Errorf("valid tool message rejected: %v", err)
	}
	if _, err := NewMessage("robot", "x", ""); err == nil {
		t.Error("unknown role accepted")
	}
}
