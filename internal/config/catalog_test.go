package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestCatalog_ListForm(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, llmCatalogFile, `
- model_name: gpt-4o
  model_url: https://api.openai.com/v1
  api_key: ${OPENAI_KEY}
  max_tokens: 4096
- model_name: local-llama
  model_url: http://localhost:11434/v1
  api_key: none
`)
	c := NewCatalog("", dir)
	models := c.Models()
	if len(models) != 2 {
		t.Fatalf("got %d models, want 2", len(models))
	}
	if models[0].ModelName != "gpt-4o" || models[0].MaxTokens != 4096 {
		t.Errorf("first model = %+v", models[0])
	}

	m, ok := c.Model("local-llama")
	if !ok || m.ModelURL != "http://localhost:11434/v1" {
		t.Errorf("Model lookup = %+v, %v", m, ok)
	}
}

func TestCatalog_MapForm(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, llmCatalogFile, `
gpt-4o:
  model_url: https://api.openai.com/v1
  api_key: k
`)
	c := NewCatalog("", dir)
	models := c.Models()
	if len(models) != 1 || models[0].ModelName != "gpt-4o" {
		t.Fatalf("map form models = %+v", models)
	}
}

func TestCatalog_MalformedYieldsEmpty(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, llmCatalogFile, "::: not yaml {{{")
	c := NewCatalog("", dir)
	if models := c.Models(); len(models) != 0 {
		t.Errorf("malformed catalog produced %d models", len(models))
	}
}

func TestCatalog_OverrideWins(t *testing.T) {
	overrides := t.TempDir()
	defaults := t.TempDir()
	writeFile(t, overrides, llmCatalogFile, "- model_name: override-model\n  model_url: http://o\n  api_key: a\n")
	writeFile(t, defaults, llmCatalogFile, "- model_name: default-model\n  model_url: http://d\n  api_key: b\n")

	c := NewCatalog(overrides, defaults)
	models := c.Models()
	if len(models) != 1 || models[0].ModelName != "override-model" {
		t.Errorf("override order broken: %+v", models)
	}
}

func TestCatalog_Reload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, llmCatalogFile, "- model_name: a\n  model_url: http://x\n  api_key: k\n")
	c := NewCatalog("", dir)
	if len(c.Models()) != 1 {
		t.Fatal("initial load failed")
	}

	if err := os.WriteFile(path, []byte("- model_name: a\n  model_url: http://x\n  api_key: k\n- model_name: b\n  model_url: http://y\n  api_key: k\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if len(c.Models()) != 1 {
		t.Error("cache should serve stale data before Reload")
	}
	c.Reload()
	if len(c.Models()) != 2 {
		t.Error("Reload did not pick up new entries")
	}
}

func TestCatalog_ServerTablePath(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, serverTableFile, `{"mcpServers":{}}`)
	c := NewCatalog("", dir)
	if got := c.ServerTablePath(); got != p {
		t.Errorf("ServerTablePath = %q, want %q", got, p)
	}
	if got := NewCatalog("", t.TempDir()).ServerTablePath(); got != "" {
		t.Errorf("missing table resolved to %q", got)
	}
}

func TestExpandSecret(t *testing.T) {
	t.Setenv("CATALOG_TEST_KEY", "sk-123")
	if got := ExpandSecret("${CATALOG_TEST_KEY}"); got != "sk-123" {
		t.Errorf("ExpandSecret = %q", got)
	}
	if got := ExpandSecret("plain-value"); got != "plain-value" {
		t.Errorf("plain value changed: %q", got)
	}
	if got := ExpandSecret("${UNSET_VAR_XYZ}"); got != "" {
		t.Errorf("unset var = %q, want empty", got)
	}
}
