package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sdk_client "github.com/mark3labs/mcp-go/client"
	sdk_mcp "github.com/mark3labs/mcp-go/mcp"
)

// ToolInfo captures the metadata of a single tool exposed by an MCP server.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// PromptInfo captures the metadata of a single prompt template.
type PromptInfo struct {
	Name        string
	Description string
}

// ToolOutput is the text result of a tool invocation. IsError mirrors the
// MCP protocol-level error flag; transport failures surface as Go errors.
type ToolOutput struct {
	Text    string
	IsError bool
}

// Client invokes one configured MCP server. Its lifetime is scoped per call:
// every method opens a fresh session, performs the RPC, and closes on all
// exit paths. A hung or crashed server therefore never poisons later calls
// or other servers.
type Client struct {
	cfg         ServerConfig
	projectRoot string
	timeout     time.Duration
}

// NewClient creates a Client for the given server config.
func NewClient(cfg ServerConfig, projectRoot string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{cfg: cfg, projectRoot: projectRoot, timeout: timeout}
}

// ValidateStdio checks that a stdio server's working directory exists.
// Cwd is resolved relative to the project root. A missing directory means
// the server is skipped at discovery, not a fatal error.
func (c *Client) ValidateStdio() error {
	if c.cfg.ResolveTransport() != TransportStdio || c.cfg.Cwd == "" {
		return nil
	}
	dir := c.resolveCwd()
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Errorf("mcp: server %q cwd %q does not exist", c.cfg.Name, dir)
	}
	return nil
}

func (c *Client) resolveCwd() string {
	if filepath.IsAbs(c.cfg.Cwd) {
		return c.cfg.Cwd
	}
	return filepath.Join(c.projectRoot, c.cfg.Cwd)
}

// open establishes a fresh session and performs the MCP handshake.
// The caller must Close the returned client.
func (c *Client) open(ctx context.Context) (sdk_client.MCPClient, error) {
	var inner sdk_client.MCPClient

	switch c.cfg.ResolveTransport() {
	case TransportStdio:
		command := c.cfg.Command
		// A relative command is resolved against the server's working
		// directory so table entries stay portable across checkouts.
		if c.cfg.Cwd != "" && !filepath.IsAbs(command) && strings.ContainsRune(command, os.PathSeparator) {
			command = filepath.Join(c.resolveCwd(), command)
		}
		cli, err := sdk_client.NewStdioMCPClient(command, c.cfg.Env, c.cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("mcp: start stdio server %q: %w", c.cfg.Name, err)
		}
		inner = cli

	case TransportSSE:
		cli, err := sdk_client.NewSSEMCPClient(c.cfg.ResolveURL())
		if err != nil {
			return nil, fmt.Errorf("mcp: create sse client %q: %w", c.cfg.Name, err)
		}
		if err := cli.Start(ctx); err != nil {
			return nil, fmt.Errorf("mcp: start sse client %q: %w", c.cfg.Name, err)
		}
		inner = cli

	case TransportHTTP:
		cli, err := sdk_client.NewStreamableHttpClient(c.cfg.ResolveURL())
		if err != nil {
			return nil, fmt.Errorf("mcp: create http client %q: %w", c.cfg.Name, err)
		}
		if err := cli.Start(ctx); err != nil {
			return nil, fmt.Errorf("mcp: start http client %q: %w", c.cfg.Name, err)
		}
		inner = cli

	default:
		return nil, fmt.Errorf("mcp: server %q has neither command nor url", c.cfg.Name)
	}

	_, err := inner.Initialize(ctx, sdk_mcp.InitializeRequest{
		Params: sdk_mcp.InitializeParams{
			ProtocolVersion: sdk_mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: sdk_mcp.Implementation{
				Name:    "chatgate",
				Version: "1.0.0",
			},
		},
	})
	if err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("mcp: initialize server %q: %w", c.cfg.Name, err)
	}
	return inner, nil
}

// ListTools returns metadata for all tools exposed by this server.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	inner, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	defer inner.Close()

	result, err := inner.ListTools(ctx, sdk_mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcp: list tools %q: %w", c.cfg.Name, err)
	}

	tools := make([]ToolInfo, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		tools = append(tools, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return tools, nil
}

// ListPrompts returns metadata for all prompt templates on this server.
// Servers without prompt support yield an empty list, not an error.
func (c *Client) ListPrompts(ctx context.Context) ([]PromptInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	inner, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	defer inner.Close()

	result, err := inner.ListPrompts(ctx, sdk_mcp.ListPromptsRequest{})
	if err != nil {
		// Prompt support is optional in the protocol.
		return nil, nil
	}

	prompts := make([]PromptInfo, 0, len(result.Prompts))
	for _, p := range result.Prompts {
		prompts = append(prompts, PromptInfo{Name: p.Name, Description: p.Description})
	}
	return prompts, nil
}

// CallTool invokes the named tool. Protocol-level tool errors come back as
// ToolOutput{IsError: true}; only transport failures return a Go error.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*ToolOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	inner, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	defer inner.Close()

	req := sdk_mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := inner.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("mcp: call tool %q on %q: %w", name, c.cfg.Name, err)
	}

	var parts []string
	for _, content := range result.Content {
		if tc, ok := sdk_mcp.AsTextContent(content); ok {
			parts = append(parts, tc.Text)
		}
	}
	return &ToolOutput{Text: strings.Join(parts, "\n"), IsError: result.IsError}, nil
}

// GetPrompt renders the named prompt template with the given arguments,
// concatenating the returned messages into a single string.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	inner, err := c.open(ctx)
	if err != nil {
		return "", err
	}
	defer inner.Close()

	req := sdk_mcp.GetPromptRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := inner.GetPrompt(ctx, req)
	if err != nil {
		return "", fmt.Errorf("mcp: get prompt %q on %q: %w", name, c.cfg.Name, err)
	}

	var sb strings.Builder
	for _, msg := range result.Messages {
		if tc, ok := sdk_mcp.AsTextContent(msg.Content); ok {
			sb.WriteString(tc.Text)
			sb.WriteString("\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}
