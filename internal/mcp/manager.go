package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/chatgate/chatgate/internal/llm"
)

// CanvasServer and CanvasToolName identify the pseudo-tool synthesized by
// the manager. It has no backing server: the executor forwards its content
// to the display channel instead of dispatching an RPC.
const (
	CanvasServer   = "canvas"
	CanvasToolName = "canvas_canvas"
)

// canvasSchema is the synthesized input schema of the canvas pseudo-tool.
var canvasSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "content": {"type": "string", "description": "Markdown or HTML content to render on the canvas"},
    "title": {"type": "string", "description": "Optional canvas title"}
  },
  "required": ["content"]
}`)

// Tool is a registered tool keyed by its fully-qualified name.
type Tool struct {
	Server      string
	Name        string
	Description string
	InputSchema json.RawMessage
}

// FQName returns {server}_{tool}, the identifier used in LLM tool schemas.
func (t Tool) FQName() string { return t.Server + "_" + t.Name }

// Prompt is a registered prompt template keyed by its fully-qualified name.
type Prompt struct {
	Server      string
	Name        string
	Description string
}

// FQName returns {server}_{prompt}.
func (p Prompt) FQName() string { return p.Server + "_" + p.Name }

// ServerHealth is a point-in-time snapshot of one server's discovery state.
type ServerHealth struct {
	Connected   bool   `json:"connected"`
	ToolCount   int    `json:"tool_count"`
	PromptCount int    `json:"prompt_count"`
	LastError   string `json:"last_error,omitempty"`
}

// Manager owns the server registry and the tool/prompt registries.
//
// Concurrency model: registries are read-mostly; writes occur only during
// Initialize/Reload and are serialized by mu. Discovery I/O runs outside
// the lock so a slow server cannot block reads.
type Manager struct {
	tablePath   string
	projectRoot string
	timeout     time.Duration

	mu          sync.RWMutex
	configs     map[string]ServerConfig
	tools       map[string]Tool   // keyed by fully-qualified name
	prompts     map[string]Prompt // keyed by fully-qualified name
	health      map[string]ServerHealth
	initialized bool
}

// NewManager creates a Manager for the given server table path.
// No discovery happens until Initialize is called.
func NewManager(tablePath, projectRoot string, timeout time.Duration) *Manager {
	return &Manager{
		tablePath:   tablePath,
		projectRoot: projectRoot,
		timeout:     timeout,
		configs:     make(map[string]ServerConfig),
		tools:       make(map[string]Tool),
		prompts:     make(map[string]Prompt),
		health:      make(map[string]ServerHealth),
	}
}

// Initialize loads the server table and discovers tools and prompts from
// all servers in parallel. It is idempotent: a second call is a no-op.
// Per-server failures are aggregated and returned, but never prevent other
// servers from registering.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.initialized = true
	m.mu.Unlock()

	configs := map[string]ServerConfig{}
	if m.tablePath != "" {
		loaded, err := LoadServerTable(m.tablePath)
		if err != nil {
			// Degrade: an unreadable table yields an empty but valid registry.
			log.Printf("[MCP] %v (server registry left empty)", err)
		} else {
			configs = loaded
		}
	}

	type discovery struct {
		name    string
		cfg     ServerConfig
		tools   []ToolInfo
		prompts []PromptInfo
		err     error
	}

	results := make(chan discovery, len(configs))
	var wg sync.WaitGroup
	for name, cfg := range configs {
		wg.Add(1)
		go func(name string, cfg ServerConfig) {
			defer wg.Done()
			d := discovery{name: name, cfg: cfg}

			cli := NewClient(cfg, m.projectRoot, m.timeout)
			if err := cli.ValidateStdio(); err != nil {
				d.err = err
				results <- d
				return
			}
			tools, err := cli.ListTools(ctx)
			if err != nil {
				d.err = err
				results <- d
				return
			}
			d.tools = tools
			// Prompt discovery is best-effort.
			d.prompts, _ = cli.ListPrompts(ctx)
			results <- d
		}(name, cfg)
	}
	wg.Wait()
	close(results)

	var errs []error
	m.mu.Lock()
	defer m.mu.Unlock()

	for d := range results {
		if d.err != nil {
			errs = append(errs, d.err)
			m.health[d.name] = ServerHealth{LastError: d.err.Error()}
			log.Printf("[MCP] Discovery failed: %s: %v", d.name, d.err)
			continue
		}
		m.configs[d.name] = d.cfg
		for _, ti := range d.tools {
			t := Tool{Server: d.name, Name: ti.Name, Description: ti.Description, InputSchema: ti.InputSchema}
			m.tools[t.FQName()] = t
		}
		for _, pi := range d.prompts {
			p := Prompt{Server: d.name, Name: pi.Name, Description: pi.Description}
			m.prompts[p.FQName()] = p
		}
		m.health[d.name] = ServerHealth{Connected: true, ToolCount: len(d.tools), PromptCount: len(d.prompts)}
		log.Printf("[MCP] Registered %s: %d tool(s), %d prompt(s)", d.name, len(d.tools), len(d.prompts))
	}

	// The canvas pseudo-tool is always present; it has no backing server.
	m.configs[CanvasServer] = ServerConfig{Name: CanvasServer, Description: "Render content on the canvas display channel"}
	m.tools[CanvasToolName] = Tool{
		Server:      CanvasServer,
		Name:        "canvas",
		Description: "Display formatted content, visualizations or documents on the canvas",
		InputSchema: canvasSchema,
	}

	return errors.Join(errs...)
}

// Reload drops all registries and re-runs discovery against the current
// server table.
func (m *Manager) Reload(ctx context.Context) error {
	m.mu.Lock()
	m.configs = make(map[string]ServerConfig)
	m.tools = make(map[string]Tool)
	m.prompts = make(map[string]Prompt)
	m.health = make(map[string]ServerHealth)
	m.initialized = false
	m.mu.Unlock()
	log.Printf("[MCP] Reloading server registry")
	return m.Initialize(ctx)
}

// AvailableServers returns all registered server names, sorted.
func (m *Manager) AvailableServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.configs))
	for name := range m.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AuthorizedServers filters the registry by group membership: a server with
// no required groups is public; otherwise at least one group must match.
func (m *Manager) AuthorizedServers(userGroups []string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for name, cfg := range m.configs {
		if cfg.Authorized(userGroups) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ServerInfo returns the config of a registered server.
func (m *Manager) ServerInfo(name string) (ServerConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[name]
	return cfg, ok
}

// SelectServers applies the exclusive-server rule to a selection: when any
// selected server is flagged exclusive, all non-exclusive peers are
// suppressed for the turn and tool choice must be "required".
func (m *Manager) SelectServers(selected []string) (servers []string, exclusive bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var known []string
	for _, name := range selected {
		cfg, ok := m.configs[name]
		if !ok {
			continue
		}
		known = append(known, name)
		if cfg.IsExclusive {
			exclusive = true
		}
	}
	if !exclusive {
		return known, false
	}
	for _, name := range known {
		if m.configs[name].IsExclusive {
			servers = append(servers, name)
		}
	}
	return servers, true
}

// ToolsForServers returns tool definitions for the given servers in the
// canonical function form, fully-qualified, sorted by name for a stable
// prompt layout.
func (m *Manager) ToolsForServers(names []string) []llm.ToolDefinition {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var defs []llm.ToolDefinition
	for _, t := range m.tools {
		if !want[t.Server] {
			continue
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        t.FQName(),
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// ResolveTool maps a fully-qualified name to its registered tool.
func (m *Manager) ResolveTool(fqName string) (Tool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tools[fqName]
	return t, ok
}

// ToolSchema returns the input schema of a registered tool. Used by the
// executor to decide argument injection at call time.
func (m *Manager) ToolSchema(fqName string) (json.RawMessage, bool) {
	t, ok := m.ResolveTool(fqName)
	if !ok {
		return nil, false
	}
	return t.InputSchema, true
}

// CallTool resolves a fully-qualified tool name and invokes it on its
// server. The canvas pseudo-tool has no backing server and must be handled
// by the executor before reaching here.
func (m *Manager) CallTool(ctx context.Context, fqName string, args map[string]any) (*ToolOutput, error) {
	t, ok := m.ResolveTool(fqName)
	if !ok {
		return nil, fmt.Errorf("mcp: unknown tool %q", fqName)
	}
	if t.Server == CanvasServer {
		return nil, fmt.Errorf("mcp: %q is a display pseudo-tool, not an RPC", fqName)
	}

	m.mu.RLock()
	cfg := m.configs[t.Server]
	m.mu.RUnlock()

	return NewClient(cfg, m.projectRoot, m.timeout).CallTool(ctx, t.Name, args)
}

// Prompts returns the registered prompt templates for the given servers.
func (m *Manager) Prompts(names []string) []Prompt {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Prompt
	for _, p := range m.prompts {
		if want[p.Server] {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FQName() < out[j].FQName() })
	return out
}

// GetPrompt renders a fully-qualified prompt template.
func (m *Manager) GetPrompt(ctx context.Context, fqName string, args map[string]string) (string, error) {
	m.mu.RLock()
	p, ok := m.prompts[fqName]
	cfg := m.configs[p.Server]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("mcp: unknown prompt %q", fqName)
	}
	return NewClient(cfg, m.projectRoot, m.timeout).GetPrompt(ctx, p.Name, args)
}

// Health returns a snapshot of per-server discovery state.
func (m *Manager) Health() map[string]ServerHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ServerHealth, len(m.health))
	for k, v := range m.health {
		out[k] = v
	}
	return out
}
