// Package agent defines agent configurations and the registry that loads
// them from disk and the database, indexed by id and webhook name.
package agent

import (
	"fmt"
	"regexp"
)

// identRe constrains agent ids and webhook names.
var identRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// RAGConfig binds an agent to a vector index.
type RAGConfig struct {
	Type         string `yaml:"type,omitempty" json:"type,omitempty"`
	IndexName    string `yaml:"index_name,omitempty" json:"index_name,omitempty"`
	TopK         int    `yaml:"top_k,omitempty" json:"top_k,omitempty"`
	DocumentsDir string `yaml:"documents_dir,omitempty" json:"documents_dir,omitempty"`
	ChunkSize    int    `yaml:"chunk_size,omitempty" json:"chunk_size,omitempty"`
	Overlap      int    `yaml:"overlap,omitempty" json:"overlap,omitempty"`
}

// SetDefaults fills the binding's defaults.
func (c *RAGConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "redis"
	}
	if c.TopK == 0 {
		c.TopK = 5
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 1500
	}
	if c.Overlap == 0 {
		c.Overlap = 300
	}
}

// Tool declares one callable function offered to the model.
type Tool struct {
	Name        string                 `yaml:"name" json:"name"`
	Type        string                 `yaml:"type,omitempty" json:"type,omitempty"`
	URL         string                 `yaml:"url,omitempty" json:"url,omitempty"`
	Description string                 `yaml:"description,omitempty" json:"description,omitempty"`
	Parameters  map[string]interface{} `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}

// DataAnalysisConfig enables the tabular query tool for an agent.
type DataAnalysisConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	Files       []string `yaml:"files,omitempty" json:"files,omitempty"`
	QueryEngine string   `yaml:"query_engine,omitempty" json:"query_engine,omitempty"`
}

// Config is one agent: prompt, model, tools, RAG binding and ownership.
// Persisted as YAML on disk and JSONB in the database; sensitive string
// fields carry the enc: prefix at rest.
type Config struct {
	ID               string                 `yaml:"id" json:"id"`
	Nome             string                 `yaml:"nome,omitempty" json:"nome,omitempty"`
	GrupoID          string                 `yaml:"grupoId,omitempty" json:"grupoId,omitempty"`
	Model            string                 `yaml:"model" json:"model"`
	APIKey           string                 `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	WebhookName      string                 `yaml:"webhook_name,omitempty" json:"webhook_name,omitempty"`
	SystemPrompt     string                 `yaml:"system_prompt" json:"system_prompt"`
	InputSchema      map[string]interface{} `yaml:"input_schema,omitempty" json:"input_schema,omitempty"`
	OutputSchema     map[string]interface{} `yaml:"output_schema,omitempty" json:"output_schema,omitempty"`
	RAG              *RAGConfig             `yaml:"rag,omitempty" json:"rag,omitempty"`
	DataAnalysis     *DataAnalysisConfig    `yaml:"data_analysis,omitempty" json:"data_analysis,omitempty"`
	Tools            []Tool                 `yaml:"tools,omitempty" json:"tools,omitempty"`
	WebhookOutputURL string                 `yaml:"webhook_output_url,omitempty" json:"webhook_output_url,omitempty"`
}

// SetDefaults normalizes nested defaults.
func (c *Config) SetDefaults() {
	if c.RAG != nil {
		c.RAG.SetDefaults()
	}
	if c.DataAnalysis != nil && c.DataAnalysis.QueryEngine == "" {
		c.DataAnalysis.QueryEngine = "pandas"
	}
}

// Validate checks identity constraints.
func (c *Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("agent: id is required")
	}
	if !identRe.MatchString(c.ID) {
		return fmt.Errorf("agent: invalid id %q", c.ID)
	}
	if c.WebhookName != "" && !identRe.MatchString(c.WebhookName) {
		return fmt.Errorf("agent: invalid webhook_name %q", c.WebhookName)
	}
	return nil
}

// Clone returns a copy whose pointer and slice fields are duplicated, so
// callers can mutate the result without writing through to the original.
// Schema and parameter maps are shared; they are read-only after load.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	cp := *c
	if c.RAG != nil {
		rag := *c.RAG
		cp.RAG = &rag
	}
	if c.DataAnalysis != nil {
		da := *c.DataAnalysis
		da.Files = append([]string(nil), c.DataAnalysis.Files...)
		cp.DataAnalysis = &da
	}
	if c.Tools != nil {
		cp.Tools = append([]Tool(nil), c.Tools...)
	}
	return &cp
}

// HasRAG reports whether the agent retrieves context before the model call.
func (c *Config) HasRAG() bool {
	return c.RAG != nil && c.RAG.IndexName != ""
}

// HasDataAnalysis reports whether the query_data tool is available.
func (c *Config) HasDataAnalysis() bool {
	return c.DataAnalysis != nil && c.DataAnalysis.Enabled
}
