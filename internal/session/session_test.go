package session

import (
	"encoding/json"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/chatgate/chatgate/internal/llm"
)

// ── history ordering ──

func TestAppend_ToolRequiresMatchingAssistantCall(t *testing.T) {
	s := New("alice@example.com")

	if err := s.Append(llm.Message{Role: llm.RoleUser, Content: "run it"}); err != nil {
		t.Fatalf("user message: %v", err)
	}
	if err := s.Append(llm.Message{Role: llm.RoleTool, Content: "x", ToolCallID: "call_1"}); err == nil {
		t.Fatal("tool message accepted without assistant tool call")
	}

	assistant := llm.Message{
		Role:      llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "srv_run", Arguments: json.RawMessage(`{}`)}},
	}
	if err := s.Append(assistant); err != nil {
		t.Fatalf("assistant message: %v", err)
	}
	if err := s.Append(llm.Message{Role: llm.RoleTool, Content: "done", ToolCallID: "call_1"}); err != nil {
		t.Fatalf("matching tool message rejected: %v", err)
	}
	if err := s.Append(llm.Message{Role: llm.RoleTool, Content: "y", ToolCallID: "call_2"}); err == nil {
		t.Fatal("tool message with unknown id accepted")
	}
}

func TestAppend_SiblingToolResults(t *testing.T) {
	s := New("u")
	s.Append(llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{
		{ID: "a", Name: "srv_one"},
		{ID: "b", Name: "srv_two"},
	}})
	if err := s.Append(llm.Message{Role: llm.RoleTool, ToolCallID: "a"}); err != nil {
		t.Fatalf("first result: %v", err)
	}
	if err := s.Append(llm.Message{Role: llm.RoleTool, ToolCallID: "b"}); err != nil {
		t.Fatalf("second result after first: %v", err)
	}
}

func TestAppend_RequiresRole(t *testing.T) {
	s := New("u")
	if err := s.Append(llm.Message{Content: "no role"}); err == nil {
		t.Fatal("roleless message accepted")
	}
}

// ── files and reset ──

func TestFilesAndReset(t *testing.T) {
	s := New("alice@example.com")
	id := s.ID

	s.Append(llm.Message{Role: llm.RoleUser, Content: "hi"})
	s.SetFile("report.pdf", FileRef{Key: "users/alice@example.com/uploads/1_ab_report.pdf", Source: "user"})
	s.SetFile("out.png", FileRef{Key: "users/alice@example.com/generated/2_cd_out.png", Source: "tool"})

	if got := s.FileNames(); !reflect.DeepEqual(got, []string{"out.png", "report.pdf"}) {
		t.Errorf("FileNames() = %v", got)
	}
	if ref, ok := s.File("report.pdf"); !ok || ref.Source != "user" {
		t.Errorf("File(report.pdf) = %+v, %v", ref, ok)
	}

	s.Reset()
	if s.ID != id || s.User != "alice@example.com" {
		t.Error("reset changed identity")
	}
	if len(s.History()) != 0 || len(s.Files()) != 0 {
		t.Error("reset left state behind")
	}
	if err := s.Append(llm.Message{Role: llm.RoleUser, Content: "again"}); err != nil {
		t.Fatalf("chat after reset: %v", err)
	}
}

// ── manager ──

func TestManagerLifecycle(t *testing.T) {
	m := NewManager(time.Minute)
	defer m.Close()

	sess := m.Create("bob@example.com")
	if got, ok := m.Get(sess.ID); !ok || got != sess {
		t.Fatal("created session not retrievable")
	}
	if m.Count() != 1 {
		t.Errorf("Count() = %d", m.Count())
	}

	m.Remove(sess.ID)
	if _, ok := m.Get(sess.ID); ok {
		t.Error("removed session still present")
	}
	if sess.Active() {
		t.Error("removed session still active")
	}
}

func TestManagerEvictsIdleSessions(t *testing.T) {
	m := NewManager(10 * time.Millisecond)
	defer m.Close()

	sess := m.Create("idle@example.com")
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.Get(sess.ID); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("idle session not evicted")
}

// ── event dispatch ──

func TestDispatcher_ParallelListenersSurvivePanic(t *testing.T) {
	d := NewDispatcher()

	var mu sync.Mutex
	var seen []string
	d.On(EventAfterLLMCall, func(event string, payload map[string]any) {
		panic("listener bug")
	})
	d.On(EventAfterLLMCall, func(event string, payload map[string]any) {
		mu.Lock()
		seen = append(seen, payload["model"].(string))
		mu.Unlock()
	})

	d.Emit(EventAfterLLMCall, map[string]any{"model": "m1"})

	if !reflect.DeepEqual(seen, []string{"m1"}) {
		t.Errorf("surviving listener did not run: %v", seen)
	}
}

func TestDispatcher_NoListenersIsNoop(t *testing.T) {
	d := NewDispatcher()
	d.Emit(EventSessionStarted, nil) // must not panic
}
