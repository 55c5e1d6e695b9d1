package chat

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"strings"

	"github.com/chatgate/chatgate/internal/captoken"
	"github.com/chatgate/chatgate/internal/llm"
	"github.com/chatgate/chatgate/internal/session"
	"github.com/chatgate/chatgate/internal/store"
	"github.com/chatgate/chatgate/internal/tool"
)

// Conn abstracts the bidirectional client channel so the pipeline can be
// driven by a WebSocket or an in-memory test double.
type Conn interface {
	// ReadFrame blocks for the next inbound frame. An error means the
	// transport is gone and the session ends.
	ReadFrame() ([]byte, error)
	// Send writes one outbound frame. A failed send aborts the current turn
	// but not the session.
	Send(v any) error
	Close() error
}

// frame is the inbound client message.
type frame struct {
	Type                string            `json:"type"`
	Content             string            `json:"content"`
	Model               string            `json:"model"`
	SelectedTools       []string          `json:"selected_tools"`
	SelectedPrompts     []string          `json:"selected_prompts"`
	SelectedDataSources []string          `json:"selected_data_sources"`
	OnlyRAG             bool              `json:"only_rag"`
	ToolChoiceRequired  bool              `json:"tool_choice_required"`
	AgentMode           bool              `json:"agent_mode"`
	AgentMaxSteps       *int              `json:"agent_max_steps"`
	Temperature         *float32          `json:"temperature"`
	Files               map[string]string `json:"files"`
	Filename            string            `json:"filename"` // download_file
}

// intermediate update types that travel inside an intermediate_update frame
// rather than as their own frame type.
var intermediateUpdates = map[string]bool{
	"files_update":   true,
	"canvas_files":   true,
	"canvas_content": true,
	"tool_synthesis": true,
}

// Pipeline owns one client connection: it reads frames, serializes turns,
// and wires intermediate events back to the send path.
type Pipeline struct {
	router   *Router
	objects  store.ObjectStore
	minter   *captoken.Minter
	sessions *session.Manager
	events   *session.Dispatcher
}

// NewPipeline creates a Pipeline.
func NewPipeline(router *Router, objects store.ObjectStore, minter *captoken.Minter, sessions *session.Manager, events *session.Dispatcher) *Pipeline {
	if events == nil {
		events = session.NewDispatcher()
	}
	return &Pipeline{router: router, objects: objects, minter: minter, sessions: sessions, events: events}
}

// Events exposes the dispatcher for listener registration.
func (p *Pipeline) Events() *session.Dispatcher { return p.events }

// Run serves one connection until the transport fails. Frames are handled
// strictly in arrival order; a bad frame produces an error frame but keeps
// the connection open.
func (p *Pipeline) Run(ctx context.Context, conn Conn, user string) {
	sess := p.sessions.Create(user)
	p.events.Emit(session.EventSessionStarted, map[string]any{"session_id": sess.ID, "user": user})
	defer func() {
		p.events.Emit(session.EventSessionEnded, map[string]any{"session_id": sess.ID, "user": user})
		p.sessions.Remove(sess.ID)
	}()

	for {
		raw, err := conn.ReadFrame()
		if err != nil {
			// A clean close is the normal end of a session; anything else is
			// a transport failure worth surfacing to listeners.
			if !errors.Is(err, io.EOF) {
				p.events.Emit(session.EventSessionError, map[string]any{
					"session_id": sess.ID, "user": user, "error": err.Error(),
				})
			}
			return
		}
		p.HandleFrame(ctx, conn, sess, raw)
	}
}

// HandleFrame processes a single inbound frame against the session.
func (p *Pipeline) HandleFrame(ctx context.Context, conn Conn, sess *session.Session, raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		p.sendError(conn, "malformed frame")
		return
	}

	switch f.Type {
	case "chat":
		p.handleChat(ctx, conn, sess, f)
	case "reset_session":
		sess.Reset()
		p.send(conn, map[string]any{"type": "session_reset", "session_id": sess.ID})
	case "download_file":
		p.handleDownload(conn, sess, f)
	default:
		p.sendError(conn, fmt.Sprintf("unknown frame type %q", f.Type))
	}
}

// handleChat runs one turn: ingest attached files, classify, execute, and
// send exactly one terminal frame.
func (p *Pipeline) handleChat(ctx context.Context, conn Conn, sess *session.Session, f frame) {
	if f.Content == "" && len(f.Files) == 0 {
		p.sendError(conn, "chat frame without content")
		return
	}

	p.events.Emit(session.EventBeforeMessageProcessing, map[string]any{"session_id": sess.ID})

	onUpdate := func(event string, data map[string]any) {
		var out map[string]any
		if intermediateUpdates[event] {
			out = map[string]any{"type": "intermediate_update", "update_type": event, "data": data}
		} else {
			out = map[string]any{"type": event}
			for k, v := range data {
				out[k] = v
			}
		}
		if err := conn.Send(out); err != nil {
			log.Printf("[Chat] Send %s: %v", event, err)
		}
	}

	if len(f.Files) > 0 {
		p.ingestFiles(ctx, sess, f.Files, onUpdate)
	}

	base := sess.History()

	p.events.Emit(session.EventBeforeUserMessageAdded, map[string]any{"session_id": sess.ID})
	if err := sess.Append(llm.Message{Role: llm.RoleUser, Content: f.Content}); err != nil {
		p.sendError(conn, err.Error())
		return
	}
	p.events.Emit(session.EventAfterUserMessageAdded, map[string]any{"session_id": sess.ID})

	// The prompt sees the file manifest; the stored history does not.
	if names := sess.FileNames(); len(names) > 0 {
		base = append(base, llm.Message{
			Role:    llm.RoleSystem,
			Content: "Files available in this session (pass the filename to tools that accept one): " + strings.Join(names, ", "),
		})
	}

	req := Request{
		Content:            f.Content,
		Model:              f.Model,
		Tools:              f.SelectedTools,
		Prompts:            f.SelectedPrompts,
		DataSources:        f.SelectedDataSources,
		OnlyRAG:            f.OnlyRAG,
		ToolChoiceRequired: f.ToolChoiceRequired,
		AgentMode:          f.AgentMode,
		AgentMaxSteps:      f.AgentMaxSteps,
		Temperature:        f.Temperature,
	}
	ectx := tool.Context{User: sess.User, Session: sess, OnUpdate: onUpdate}

	p.events.Emit(session.EventBeforeLLMCall, map[string]any{"session_id": sess.ID, "model": f.Model})
	response, meta, err := p.router.Handle(ctx, req, base, sess, ectx)
	p.events.Emit(session.EventAfterLLMCall, map[string]any{"session_id": sess.ID, "model": f.Model})

	if err != nil {
		log.Printf("[Chat] Turn failed for %s: %v", sess.User, err)
		p.events.Emit(session.EventMessageError, map[string]any{"session_id": sess.ID, "error": err.Error()})
		p.sendError(conn, err.Error())
		return
	}

	assistant := llm.Message{Role: llm.RoleAssistant, Content: response, Metadata: meta}
	if err := sess.Append(assistant); err != nil {
		log.Printf("[Chat] Record assistant message: %v", err)
	}
	p.events.Emit(session.EventAfterAssistantMessageAdded, map[string]any{"session_id": sess.ID})

	terminal := "chat_response"
	if f.AgentMode {
		terminal = "agent_final_response"
	}
	p.events.Emit(session.EventBeforeResponseSend, map[string]any{"session_id": sess.ID})
	if err := conn.Send(map[string]any{
		"type":       terminal,
		"message":    response,
		"model":      f.Model,
		"session_id": sess.ID,
	}); err != nil {
		log.Printf("[Chat] Send terminal frame: %v", err)
		p.events.Emit(session.EventSessionError, map[string]any{
			"session_id": sess.ID, "error": err.Error(),
		})
		return
	}
	p.events.Emit(session.EventAfterResponseSend, map[string]any{"session_id": sess.ID})
}

// ingestFiles uploads frame-attached files as user objects and records them
// in the session before classification.
func (p *Pipeline) ingestFiles(ctx context.Context, sess *session.Session, files map[string]string, onUpdate func(string, map[string]any)) {
	uploaded := false
	for name, b64 := range files {
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			log.Printf("[Chat] Attached file %q has invalid base64: %v", name, err)
			continue
		}
		info, err := p.objects.Upload(ctx, sess.User, name, data, "", nil, store.SourceUser)
		if err != nil {
			log.Printf("[Chat] Upload attached file %q: %v", name, err)
			continue
		}
		sess.SetFile(name, session.FileRef{
			Key:          info.Key,
			ContentType:  info.ContentType,
			Size:         info.Size,
			LastModified: info.LastModified,
			Source:       store.SourceUser,
		})
		uploaded = true
	}
	if uploaded {
		onUpdate("files_update", map[string]any{"files": tool.OrganizeFiles(sess.Files())})
	}
}

// handleDownload answers a download_file frame with a tokenized URL for a
// session file.
func (p *Pipeline) handleDownload(conn Conn, sess *session.Session, f frame) {
	if f.Filename == "" {
		p.sendError(conn, "download_file frame without filename")
		return
	}
	ref, ok := sess.File(f.Filename)
	if !ok || ref.Key == "" {
		p.sendError(conn, fmt.Sprintf("unknown file %q", f.Filename))
		return
	}
	token := p.minter.Mint(sess.User, ref.Key)
	p.send(conn, map[string]any{
		"type":     "file_download",
		"filename": f.Filename,
		"url":      "/api/files/download/" + store.KeyEscapedPath(ref.Key) + "?token=" + url.QueryEscape(token),
	})
}

func (p *Pipeline) send(conn Conn, v any) {
	if err := conn.Send(v); err != nil {
		log.Printf("[Chat] Send frame: %v", err)
	}
}

func (p *Pipeline) sendError(conn Conn, msg string) {
	p.send(conn, map[string]any{"type": "error", "message": msg})
}
