// Package tool turns LLM tool calls into MCP invocations: it prepares
// arguments (username injection, file URL rewriting), dispatches to the
// server, and post-processes results (artifact persistence, canvas display,
// base64 stripping before re-ingestion).
package tool

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sort"
	"time"

	"github.com/tidwall/gjson"
	"github.com/xeipuuv/gojsonschema"

	"github.com/chatgate/chatgate/internal/captoken"
	"github.com/chatgate/chatgate/internal/llm"
	"github.com/chatgate/chatgate/internal/mcp"
	"github.com/chatgate/chatgate/internal/session"
	"github.com/chatgate/chatgate/internal/store"
)

const (
	// maxArtifacts bounds how many artifacts of a single result are persisted.
	maxArtifacts = 10
	// filterThreshold is the string length above which base64-looking values
	// are stripped from content before it re-enters the LLM context.
	filterThreshold = 10 * 1024
)

// Invoker dispatches a resolved tool call. Satisfied by *mcp.Manager.
type Invoker interface {
	CallTool(ctx context.Context, fqName string, args map[string]any) (*mcp.ToolOutput, error)
	ToolSchema(fqName string) (json.RawMessage, bool)
}

// Context carries the per-turn execution environment.
type Context struct {
	User     string
	Session  *session.Session
	OnUpdate func(event string, data map[string]any)
}

func (c Context) emit(event string, data map[string]any) {
	if c.OnUpdate != nil {
		c.OnUpdate(event, data)
	}
}

// Result is what a tool call feeds back to the LLM.
type Result struct {
	ID      string
	Name    string
	Content string
	Success bool
	Error   string
}

// Executor runs tool calls against the MCP layer and the object store.
type Executor struct {
	invoker Invoker
	store   store.ObjectStore
	minter  *captoken.Minter
}

// NewExecutor creates an Executor.
func NewExecutor(invoker Invoker, objects store.ObjectStore, minter *captoken.Minter) *Executor {
	return &Executor{invoker: invoker, store: objects, minter: minter}
}

// Execute runs the calls in order and returns one Result per call, index
// aligned with the input. Every call gets a tool_start and exactly one of
// tool_complete or tool_error.
func (e *Executor) Execute(ctx context.Context, calls []llm.ToolCall, ectx Context) []Result {
	results := make([]Result, len(calls))
	for i, call := range calls {
		results[i] = e.executeOne(ctx, call, ectx)
		if len(calls) > 1 {
			ectx.emit("tool_progress", map[string]any{
				"completed": i + 1,
				"total":     len(calls),
			})
		}
	}
	return results
}

func (e *Executor) executeOne(ctx context.Context, call llm.ToolCall, ectx Context) Result {
	ectx.emit("tool_start", map[string]any{"tool_name": call.Name, "tool_call_id": call.ID})

	res := Result{ID: call.ID, Name: call.Name}

	args := e.prepareArgs(call, ectx)

	var raw string
	if call.Name == mcp.CanvasToolName {
		res = e.displayCanvas(call, args, ectx)
		raw = res.Content
	} else {
		output, err := e.invoker.CallTool(ctx, call.Name, args)
		switch {
		case err != nil:
			res.Error = err.Error()
		case output.IsError:
			res.Content = output.Text
			res.Error = output.Text
		default:
			res.Success = true
			raw = output.Text
		}
	}

	if !res.Success {
		ectx.emit("tool_error", map[string]any{"tool_name": call.Name, "tool_call_id": call.ID, "error": res.Error})
		if res.Content == "" {
			res.Content = fmt.Sprintf("Tool execution failed: %s", res.Error)
		}
		return res
	}

	ectx.emit("tool_complete", map[string]any{"tool_name": call.Name, "tool_call_id": call.ID})
	// Artifact events follow tool_complete so the client sees the call
	// finish before its files arrive.
	res.Content = e.processResult(ctx, call, raw, ectx)
	return res
}

// displayCanvas handles the canvas pseudo-tool: the content goes to the
// display channel, never to an MCP server.
func (e *Executor) displayCanvas(call llm.ToolCall, args map[string]any, ectx Context) Result {
	content, _ := args["content"].(string)
	if content == "" {
		return Result{ID: call.ID, Name: call.Name, Error: "canvas call missing content"}
	}
	title, _ := args["title"].(string)
	ectx.emit("canvas_content", map[string]any{"content": content, "title": title})
	return Result{ID: call.ID, Name: call.Name, Success: true, Content: "Content displayed on canvas."}
}

// ── argument preparation ──

// prepareArgs parses the raw arguments and applies the injection pipeline.
// Non-object argument JSON is wrapped as {_value: x}; unparseable arguments
// yield an empty object so the tool still gets a well-formed call.
func (e *Executor) prepareArgs(call llm.ToolCall, ectx Context) map[string]any {
	args := map[string]any{}
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			var v any
			if err := json.Unmarshal(call.Arguments, &v); err == nil {
				args = map[string]any{"_value": v}
			} else {
				log.Printf("[Tool] Unparseable arguments for %s, using empty object", call.Name)
				args = map[string]any{}
			}
		}
	}

	schema, hasSchema := e.invoker.ToolSchema(call.Name)

	// Inject the caller identity only when the tool declares the parameter.
	if hasSchema && gjson.GetBytes(schema, "properties.username").Exists() {
		args["username"] = ectx.User
	}

	e.rewriteFileArgs(args, ectx)

	if hasSchema {
		e.validateArgs(call.Name, schema, args)
	}
	return args
}

// rewriteFileArgs replaces logical filenames with tokenized download URLs so
// tool servers can fetch session files without store credentials. Originals
// are preserved alongside.
func (e *Executor) rewriteFileArgs(args map[string]any, ectx Context) {
	if ectx.Session == nil {
		return
	}

	if name, ok := args["filename"].(string); ok {
		if u, mapped := e.fileURL(name, ectx); mapped {
			args["filename"] = u
			args["original_filename"] = name
			args["file_url"] = u
		}
	}

	names, ok := args["file_names"].([]any)
	if !ok {
		return
	}
	originals := make([]any, len(names))
	urls := make([]any, len(names))
	rewrote := false
	for i, v := range names {
		originals[i] = v
		urls[i] = v
		name, isStr := v.(string)
		if !isStr {
			continue
		}
		if u, mapped := e.fileURL(name, ectx); mapped {
			names[i] = u
			urls[i] = u
			rewrote = true
		}
	}
	if rewrote {
		args["file_names"] = names
		args["original_file_names"] = originals
		args["file_urls"] = urls
	}
}

// fileURL maps a logical session filename to its download URL, minting a
// capability token for the calling user.
func (e *Executor) fileURL(name string, ectx Context) (string, bool) {
	ref, ok := ectx.Session.File(name)
	if !ok || ref.Key == "" {
		return "", false
	}
	token := e.minter.Mint(ectx.User, ref.Key)
	return "/api/files/download/" + store.KeyEscapedPath(ref.Key) + "?token=" + url.QueryEscape(token), true
}

// validateArgs checks prepared arguments against the tool's input schema.
// Validation is advisory: mismatches are logged, the call proceeds, and the
// server remains the authority on its own inputs.
func (e *Executor) validateArgs(name string, schema json.RawMessage, args map[string]any) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewGoLoader(args),
	)
	if err != nil {
		log.Printf("[Tool] Schema validation for %s unavailable: %v", name, err)
		return
	}
	for _, issue := range result.Errors() {
		log.Printf("[Tool] %s argument warning: %s", name, issue)
	}
}

// ── result post-processing ──

// toolResult mirrors the conventional JSON envelope tool servers return.
type toolResult struct {
	Artifacts []artifact   `json:"artifacts"`
	Display   *displayHint `json:"display"`
}

type artifact struct {
	Name        string `json:"name"`
	B64         string `json:"b64"`
	URL         string `json:"url"`
	MIME        string `json:"mime"`
	Size        int64  `json:"size"`
	Description string `json:"description"`
}

type displayHint struct {
	OpenCanvas  bool   `json:"open_canvas"`
	PrimaryFile string `json:"primary_file"`
}

// processResult persists artifacts, emits display events, and strips bulky
// base64 payloads before the text re-enters the conversation.
func (e *Executor) processResult(ctx context.Context, call llm.ToolCall, text string, ectx Context) string {
	var envelope toolResult
	if err := json.Unmarshal([]byte(text), &envelope); err != nil {
		// Plain-text result; nothing to persist.
		return filterString(text)
	}

	artifacts := envelope.Artifacts
	if len(artifacts) > maxArtifacts {
		log.Printf("[Tool] %s returned %d artifacts, keeping first %d", call.Name, len(artifacts), maxArtifacts)
		artifacts = artifacts[:maxArtifacts]
	}

	var stored []string
	for _, a := range artifacts {
		if a.Name == "" {
			continue
		}
		switch {
		case a.B64 != "":
			if e.storeInlineArtifact(ctx, call, a, ectx) {
				stored = append(stored, a.Name)
			}
		case a.URL != "":
			e.referenceArtifact(ctx, call, a, ectx)
			stored = append(stored, a.Name)
		}
	}

	if len(stored) > 0 && ectx.Session != nil {
		ectx.emit("files_update", map[string]any{"files": OrganizeFiles(ectx.Session.Files())})
	}

	if envelope.Display != nil && ectx.Session != nil {
		subset := CanvasSubset(ectx.Session.FileNames(), envelope.Display.PrimaryFile)
		if len(subset) > 0 {
			ectx.emit("canvas_files", map[string]any{
				"files":        subset,
				"primary_file": envelope.Display.PrimaryFile,
				"open_canvas":  envelope.Display.OpenCanvas,
			})
		}
	}

	return filterContent(text)
}

// storeInlineArtifact decodes and uploads a base64 artifact body as a
// tool-generated object.
func (e *Executor) storeInlineArtifact(ctx context.Context, call llm.ToolCall, a artifact, ectx Context) bool {
	data, err := base64.StdEncoding.DecodeString(a.B64)
	if err != nil {
		log.Printf("[Tool] Artifact %q from %s has invalid base64: %v", a.Name, call.Name, err)
		return false
	}
	info, err := e.store.Upload(ctx, ectx.User, a.Name, data, a.MIME, nil, store.SourceTool)
	if err != nil {
		log.Printf("[Tool] Upload artifact %q: %v", a.Name, err)
		return false
	}
	if ectx.Session != nil {
		ectx.Session.SetFile(a.Name, session.FileRef{
			Key:          info.Key,
			ContentType:  info.ContentType,
			Size:         info.Size,
			LastModified: info.LastModified,
			Source:       store.SourceTool,
			ToolCallID:   call.ID,
		})
	}
	return true
}

// referenceArtifact records a URL-carried artifact without re-uploading.
// The key must belong to the calling user; a reference that cannot be
// verified is kept but marked incomplete.
func (e *Executor) referenceArtifact(ctx context.Context, call llm.ToolCall, a artifact, ectx Context) {
	key := parseDownloadKey(a.URL)
	if key == "" || store.KeyOwner(key) != ectx.User {
		log.Printf("[Tool] Artifact %q URL does not name a key owned by the caller", a.Name)
		return
	}

	ref := session.FileRef{
		Key:          key,
		ContentType:  a.MIME,
		Size:         a.Size,
		LastModified: time.Now(),
		Source:       store.SourceTool,
		ToolCallID:   call.ID,
	}
	if obj, err := e.store.Get(ctx, ectx.User, key); err != nil {
		ref.Incomplete = true
	} else {
		ref.Size = obj.Size
		ref.ContentType = obj.ContentType
		ref.LastModified = obj.LastModified
	}
	if ectx.Session != nil {
		ectx.Session.SetFile(a.Name, ref)
	}
}

// parseDownloadKey extracts the object key from a backend download URL.
func parseDownloadKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	const prefix = "/api/files/download/"
	path := u.Path
	if len(path) <= len(prefix) || path[:len(prefix)] != prefix {
		return ""
	}
	return path[len(prefix):]
}

// OrganizeFiles shapes a session file map for the files_update event. Shared
// with the chat pipeline so ingestion and tool artifacts emit one schema.
func OrganizeFiles(files map[string]session.FileRef) []map[string]any {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	// Deterministic client rendering.
	sort.Strings(names)

	out := make([]map[string]any, 0, len(names))
	for _, name := range names {
		ref := files[name]
		out = append(out, map[string]any{
			"name":         name,
			"key":          ref.Key,
			"content_type": ref.ContentType,
			"size":         ref.Size,
			"source":       ref.Source,
		})
	}
	return out
}
