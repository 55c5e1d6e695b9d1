// Package session holds per-connection conversation state: ordered message
// history, the logical-filename map into the object store, and the named
// event dispatcher the pipeline hooks into.
package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatgate/chatgate/internal/llm"
)

// FileRef maps a logical filename to a stored object.
type FileRef struct {
	Key          string    `json:"key"`
	ContentType  string    `json:"content_type"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	Source       string    `json:"source"` // "user" or "tool"
	ToolCallID   string    `json:"tool_call_id,omitempty"`
	// Incomplete marks a reference whose key could not be verified against
	// the store, e.g. a tool handed back a URL for an object that is gone.
	Incomplete bool `json:"incomplete,omitempty"`
}

// Session is the state of one client connection. Mutated only by the owning
// connection's pipeline; admin reads may be stale.
type Session struct {
	ID   string
	User string

	mu       sync.Mutex
	history  []llm.Message
	files    map[string]FileRef
	created  time.Time
	lastUsed time.Time
	active   bool
}

// New creates an active session for the given user with a fresh opaque id.
func New(user string) *Session {
	now := time.Now()
	return &Session{
		ID:       uuid.NewString(),
		User:     user,
		files:    make(map[string]FileRef),
		created:  now,
		lastUsed: now,
		active:   true,
	}
}

// Append adds a message to the history. A tool-role message is accepted only
// when the most recent assistant message carries a tool call with a matching
// id; anything else would corrupt the transcript the LLM sees.
func (s *Session) Append(msg llm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.Role == "" {
		return fmt.Errorf("session: message without role")
	}
	if msg.Role == llm.RoleTool {
		if !s.pendingToolCall(msg.ToolCallID) {
			return fmt.Errorf("session: tool message %q has no matching assistant tool call", msg.ToolCallID)
		}
	}
	s.history = append(s.history, msg)
	s.lastUsed = time.Now()
	return nil
}

// pendingToolCall reports whether the latest assistant message declares the
// given tool call id. Caller holds mu.
func (s *Session) pendingToolCall(id string) bool {
	for i := len(s.history) - 1; i >= 0; i-- {
		msg := s.history[i]
		switch msg.Role {
		case llm.RoleTool:
			continue // sibling results of the same assistant turn
		case llm.RoleAssistant:
			for _, tc := range msg.ToolCalls {
				if tc.ID == id {
					return true
				}
			}
			return false
		default:
			return false
		}
	}
	return false
}

// History returns a copy of the message history.
func (s *Session) History() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, len(s.history))
	copy(out, s.history)
	return out
}

// SetFile records or replaces a logical filename mapping.
func (s *Session) SetFile(name string, ref FileRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = ref
	s.lastUsed = time.Now()
}

// File looks up a logical filename.
func (s *Session) File(name string) (FileRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.files[name]
	return ref, ok
}

// Files returns a copy of the filename map.
func (s *Session) Files() map[string]FileRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]FileRef, len(s.files))
	for k, v := range s.files {
		out[k] = v
	}
	return out
}

// FileNames returns the known logical filenames, sorted.
func (s *Session) FileNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.files))
	for name := range s.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset clears history and context. Identity and id are preserved so the
// client keeps its session across the reset.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
	s.files = make(map[string]FileRef)
	s.lastUsed = time.Now()
}

// Close marks the session inactive.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
}

// Active reports whether the session is still attached to a connection.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Touch refreshes the inactivity clock.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = time.Now()
}

// LastUsed returns the time of the most recent mutation.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Created returns the creation time.
func (s *Session) Created() time.Time {
	return s.created
}
