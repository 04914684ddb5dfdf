package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/rbranco/agentapi/pkg/config"
	"github.com/rbranco/agentapi/pkg/store"
)

// RegistryError carries structured context about a registry failure.
type RegistryError struct {
	Action  string
	AgentID string
	Message string
	Err     error
}

func (e *RegistryError) Error() string {
	msg := fmt.Sprintf("registry %s", e.Action)
	if e.AgentID != "" {
		msg += fmt.Sprintf(" [agent=%s]", e.AgentID)
	}
	msg += ": " + e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RegistryError) Unwrap() error { return e.Err }

// DBSource lists database-sourced agent configurations. Satisfied by
// *store.Store; nil disables the database source.
type DBSource interface {
	ListAgents(ctx context.Context) ([]store.AgentRow, error)
}

// Registry holds the loaded agents, indexed by id and by webhook name.
// Read-mostly: reads take the shared lock and copy, mutations serialize.
type Registry struct {
	agentsDir string
	db        DBSource
	cipher    *config.Cipher

	mu       sync.RWMutex
	agents   map[string]*Config
	webhooks map[string]string
}

// NewRegistry builds an empty registry. The cipher decrypts enc:-tagged
// fields on load and encrypts them on save; nil skips both.
func NewRegistry(agentsDir string, db DBSource, cipher *config.Cipher) *Registry {
	return &Registry{
		agentsDir: agentsDir,
		db:        db,
		cipher:    cipher,
		agents:    make(map[string]*Config),
		webhooks:  make(map[string]string),
	}
}

// LoadAll clears the registry and reloads every agent: files first, then the
// database. Individual bad entries are logged and skipped so one broken file
// cannot take every agent down.
func (r *Registry) LoadAll(ctx context.Context) error {
	agents := make(map[string]*Config)
	webhooks := make(map[string]string)

	if err := r.loadDir(agents, webhooks); err != nil {
		return err
	}
	if err := r.loadDB(ctx, agents, webhooks); err != nil {
		return err
	}

	r.mu.Lock()
	r.agents = agents
	r.webhooks = webhooks
	r.mu.Unlock()

	slog.Info("registry: agents loaded", "count", len(agents))
	return nil
}

// Reload is a full re-read; see LoadAll.
func (r *Registry) Reload(ctx context.Context) error { return r.LoadAll(ctx) }

func (r *Registry) loadDir(agents map[string]*Config, webhooks map[string]string) error {
	entries, err := os.ReadDir(r.agentsDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return &RegistryError{Action: "load", Message: "read agents dir", Err: err}
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}

		path := filepath.Join(r.agentsDir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			slog.Error("registry: read agent file failed", "path", path, "error", err)
			continue
		}

		cfg, err := r.decode(raw)
		if err != nil {
			slog.Error("registry: parse agent file failed", "path", path, "error", err)
			continue
		}
		r.index(agents, webhooks, cfg)
	}
	return nil
}

func (r *Registry) loadDB(ctx context.Context, agents map[string]*Config, webhooks map[string]string) error {
	if r.db == nil {
		return nil
	}
	rows, err := r.db.ListAgents(ctx)
	if err != nil {
		return &RegistryError{Action: "load", Message: "list database agents", Err: err}
	}
	for _, row := range rows {
		cfg, err := r.fromDocument(row.Config)
		if err != nil {
			slog.Error("registry: decode database agent failed", "agent_id", row.ID, "error", err)
			continue
		}
		if cfg.GrupoID == "" {
			cfg.GrupoID = row.GroupID
		}
		r.index(agents, webhooks, cfg)
	}
	return nil
}

// decode parses YAML or JSON (YAML is a superset) and decrypts sensitive
// fields before converting to a typed Config.
func (r *Registry) decode(raw []byte) (*Config, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return r.fromDocument(doc)
}

func (r *Registry) fromDocument(doc map[string]interface{}) (*Config, error) {
	if r.cipher != nil {
		decrypted, err := r.cipher.DecryptSensitive(doc)
		if err != nil {
			return nil, err
		}
		doc = decrypted.(map[string]interface{})
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *Registry) index(agents map[string]*Config, webhooks map[string]string, cfg *Config) {
	agents[cfg.ID] = cfg
	if cfg.WebhookName == "" {
		return
	}
	if owner, taken := webhooks[cfg.WebhookName]; taken && owner != cfg.ID {
		slog.Warn("registry: duplicate webhook name ignored",
			"webhook_name", cfg.WebhookName, "agent_id", cfg.ID, "owner", owner)
		return
	}
	webhooks[cfg.WebhookName] = cfg.ID
}

// Get returns a copy of an agent by id.
func (r *Registry) Get(id string) (*Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	return cfg.Clone(), true
}

// GetByWebhookName resolves the webhook-name index.
func (r *Registry) GetByWebhookName(name string) (*Config, bool) {
	r.mu.RLock()
	id, ok := r.webhooks[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return r.Get(id)
}

// List returns copies of all agents sorted by id.
func (r *Registry) List() []*Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Config, 0, len(r.agents))
	for _, cfg := range r.agents {
		out = append(out, cfg.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of loaded agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Save validates, persists the agent as YAML under the agents directory and
// updates both indexes. A webhook name already owned by another agent is
// rejected.
func (r *Registry) Save(cfg *Config) error {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return &RegistryError{Action: "save", AgentID: cfg.ID, Message: "invalid config", Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cfg.WebhookName != "" {
		if owner, taken := r.webhooks[cfg.WebhookName]; taken && owner != cfg.ID {
			return &RegistryError{
				Action:  "save",
				AgentID: cfg.ID,
				Message: fmt.Sprintf("webhook_name %q already in use by %q", cfg.WebhookName, owner),
			}
		}
	}

	doc, err := r.toDocument(cfg)
	if err != nil {
		return &RegistryError{Action: "save", AgentID: cfg.ID, Message: "encode config", Err: err}
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return &RegistryError{Action: "save", AgentID: cfg.ID, Message: "marshal yaml", Err: err}
	}

	if err := os.MkdirAll(r.agentsDir, 0o755); err != nil {
		return &RegistryError{Action: "save", AgentID: cfg.ID, Message: "create agents dir", Err: err}
	}
	path := filepath.Join(r.agentsDir, cfg.ID+".yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &RegistryError{Action: "save", AgentID: cfg.ID, Message: "write file", Err: err}
	}

	// Drop a stale webhook index entry before re-indexing.
	if prev, ok := r.agents[cfg.ID]; ok && prev.WebhookName != "" && prev.WebhookName != cfg.WebhookName {
		delete(r.webhooks, prev.WebhookName)
	}
	r.agents[cfg.ID] = cfg.Clone()
	if cfg.WebhookName != "" {
		r.webhooks[cfg.WebhookName] = cfg.ID
	}
	return nil
}

// toDocument converts a Config to a generic document, encrypting sensitive
// fields for persistence.
func (r *Registry) toDocument(cfg *Config) (map[string]interface{}, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if r.cipher != nil {
		encrypted, err := r.cipher.EncryptSensitive(doc)
		if err != nil {
			return nil, err
		}
		doc = encrypted.(map[string]interface{})
	}
	return doc, nil
}

// Delete removes the agent's file and both index entries.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.agents[id]
	if !ok {
		return &RegistryError{Action: "delete", AgentID: id, Message: "agent not found"}
	}

	path := filepath.Join(r.agentsDir, id+".yaml")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &RegistryError{Action: "delete", AgentID: id, Message: "remove file", Err: err}
	}

	delete(r.agents, id)
	if cfg.WebhookName != "" {
		delete(r.webhooks, cfg.WebhookName)
	}
	return nil
}
