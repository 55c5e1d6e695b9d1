package config

import (
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// LLMModel is one entry of the YAML model catalog.
// APIKey and ExtraHeaders values may be "${VAR}" references; they are
// expanded lazily by the LLM caller and never logged.
type LLMModel struct {
	ModelName    string            `yaml:"model_name"`
	ModelURL     string            `yaml:"model_url"`
	APIKey       string            `yaml:"api_key"`
	Description  string            `yaml:"description"`
	MaxTokens    int               `yaml:"max_tokens"`
	Temperature  *float32          `yaml:"temperature"`
	ExtraHeaders map[string]string `yaml:"extra_headers"`
}

// Catalog loads and caches the YAML LLM catalog. Loading order per file:
// overrides dir → defaults dir → repository root; the first found wins.
// Malformed files are logged and yield an empty but valid catalog, so a bad
// edit degrades instead of crashing startup. Reload drops the cache.
type Catalog struct {
	overridesDir string
	defaultsDir  string

	mu     sync.Mutex
	models []LLMModel
	loaded bool
}

// Default file names searched by the catalog.
const (
	llmCatalogFile  = "llmconfig.yml"
	serverTableFile = "mcp.json"
)

// NewCatalog creates a Catalog rooted at the given search directories.
// Either directory may be empty to skip that search location.
func NewCatalog(overridesDir, defaultsDir string) *Catalog {
	return &Catalog{overridesDir: overridesDir, defaultsDir: defaultsDir}
}

// Models returns the cached model list, loading it on first use.
func (c *Catalog) Models() []LLMModel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded {
		c.models = c.loadModels()
		c.loaded = true
	}
	out := make([]LLMModel, len(c.models))
	copy(out, c.models)
	return out
}

// Model looks up a catalog entry by model_name.
func (c *Catalog) Model(name string) (LLMModel, bool) {
	for _, m := range c.Models() {
		if m.ModelName == name {
			return m, true
		}
	}
	return LLMModel{}, false
}

// ServerTablePath resolves the MCP server table file through the same
// search order as the YAML catalog. Returns "" when no file exists.
func (c *Catalog) ServerTablePath() string {
	return c.findFile(serverTableFile)
}

// Reload drops the cached catalog; the next access re-reads from disk.
func (c *Catalog) Reload() {
	c.mu.Lock()
	c.loaded = false
	c.models = nil
	c.mu.Unlock()
	log.Printf("[Config] Catalog cache dropped")
}

func (c *Catalog) loadModels() []LLMModel {
	path := c.findFile(llmCatalogFile)
	if path == "" {
		log.Printf("[Config] No %s found, LLM catalog is empty", llmCatalogFile)
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[Config] Read %s: %v", path, err)
		return nil
	}

	models, err := parseModelCatalog(data)
	if err != nil {
		log.Printf("[Config] Parse %s: %v (catalog left empty)", path, err)
		return nil
	}
	log.Printf("[Config] Loaded %d model(s) from %s", len(models), path)
	return models
}

// parseModelCatalog accepts both catalog shapes: a YAML list of entries, or
// a map of model_name → entry (the name then comes from the map key).
func parseModelCatalog(data []byte) ([]LLMModel, error) {
	var list []LLMModel
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}

	var byName map[string]LLMModel
	if err := yaml.Unmarshal(data, &byName); err != nil {
		return nil, err
	}
	models := make([]LLMModel, 0, len(byName))
	for name, m := range byName {
		if m.ModelName == "" {
			m.ModelName = name
		}
		models = append(models, m)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ModelName < models[j].ModelName })
	return models, nil
}

func (c *Catalog) findFile(name string) string {
	dirs := []string{c.overridesDir, c.defaultsDir, "."}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
