// Package mcp discovers and invokes tools and prompts across heterogeneous
// MCP servers (stdio subprocess, streamable HTTP, SSE) behind a single
// manager with group-based authorization.
package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Transport names accepted in the server table.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
	TransportSSE   = "sse"
)

// ServerConfig describes a single MCP server connection.
// The Name field is populated from the map key in the server table, not
// from a JSON field.
type ServerConfig struct {
	Name        string   // derived from the map key
	Transport   string   `json:"transport,omitempty"` // stdio | http | sse; inferred when empty
	Command     string   `json:"command,omitempty"`   // stdio: executable path
	Args        []string `json:"args,omitempty"`      // stdio: command arguments
	Cwd         string   `json:"cwd,omitempty"`       // stdio: working dir, relative to project root
	Env         []string `json:"env,omitempty"`       // stdio: extra environment variables
	URL         string   `json:"url,omitempty"`       // http/sse: base URL
	Groups      []string `json:"groups,omitempty"`    // required user groups; empty = public
	IsExclusive bool     `json:"is_exclusive,omitempty"`
	Description string   `json:"description,omitempty"`
}

// serverTableFile mirrors the top-level structure of mcp.json.
type serverTableFile struct {
	MCPServers map[string]ServerConfig `json:"mcpServers"`
}

// LoadServerTable reads and parses the MCP server table from path.
func LoadServerTable(path string) (map[string]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mcp: read server table %q: %w", path, err)
	}

	var file serverTableFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("mcp: parse server table %q: %w", path, err)
	}
	if file.MCPServers == nil {
		return map[string]ServerConfig{}, nil
	}

	for key, cfg := range file.MCPServers {
		cfg.Name = key
		file.MCPServers[key] = cfg
	}
	return file.MCPServers, nil
}

// ResolveTransport returns the explicit transport, or infers it:
// a command implies stdio; a URL ending in /sse implies sse; any other URL
// implies http.
func (c ServerConfig) ResolveTransport() string {
	if c.Transport != "" {
		return c.Transport
	}
	if c.Command != "" {
		return TransportStdio
	}
	if c.URL != "" {
		if strings.HasSuffix(strings.TrimRight(c.URL, "/"), "/sse") {
			return TransportSSE
		}
		return TransportHTTP
	}
	return ""
}

// ResolveURL normalizes the server URL: an http target without a scheme
// gets "http://" prepended.
func (c ServerConfig) ResolveURL() string {
	u := c.URL
	if u == "" {
		return ""
	}
	if !strings.Contains(u, "://") {
		u = "http://" + u
	}
	return u
}

// Authorized reports whether a user with the given groups may use this
// server: true when the server has no required groups, or when at least one
// required group matches.
func (c ServerConfig) Authorized(userGroups []string) bool {
	if len(c.Groups) == 0 {
		return true
	}
	for _, required := range c.Groups {
		for _, g := range userGroups {
			if g == required {
				return true
			}
		}
	}
	return false
}
