package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rbranco/agentapi/pkg/config"
	"github.com/rbranco/agentapi/pkg/store"
)

type fakeDBSource struct {
	rows []store.AgentRow
}

func (f *fakeDBSource) ListAgents(ctx context.Context) ([]store.AgentRow, error) {
	return f.rows, nil
}

func writeAgentFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write agent file: %v", err)
	}
}

func TestLoadAllFromFiles(t *testing.T) {
	dir := t.TempDir()
	writeAgentFile(t, dir, "vendas.yaml", `
id: vendas
nome: Assistente de Vendas
model: gpt-4o-mini
webhook_name: vendas-whatsapp
system_prompt: Você ajuda o time de vendas.
rag:
  index_name: vendas_docs
`)
	writeAgentFile(t, dir, "suporte.json", `{
  "id": "suporte",
  "model": "gpt-4o-mini",
  "system_prompt": "Você atende chamados."
}`)
	writeAgentFile(t, dir, "notes.txt", "ignored")

	r := NewRegistry(dir, nil, nil)
	if err := r.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}

	if r.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", r.Count())
	}

	vendas, ok := r.Get("vendas")
	if !ok {
		t.Fatal("Get(vendas) not found")
	}
	if vendas.RAG == nil || vendas.RAG.IndexName != "vendas_docs" {
		t.Errorf("vendas.RAG = %+v", vendas.RAG)
	}
	if vendas.RAG.TopK != 5 || vendas.RAG.ChunkSize != 1500 || vendas.RAG.Overlap != 300 {
		t.Errorf("RAG defaults not applied: %+v", vendas.RAG)
	}
	if vendas.RAG.Type != "redis" {
		t.Errorf("RAG default type = %q, want redis", vendas.RAG.Type)
	}

	byHook, ok := r.GetByWebhookName("vendas-whatsapp")
	if !ok || byHook.ID != "vendas" {
		t.Errorf("GetByWebhookName() = %+v, %v", byHook, ok)
	}
}

func TestLoadAllDecryptsSensitiveFields(t *testing.T) {
	cipher, err := config.NewCipher("test-key")
	if err != nil {
		t.Fatal(err)
	}
	enc, err := cipher.Encrypt("sk-plain")
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	writeAgentFile(t, dir, "bot.yaml", "id: bot\nmodel: gpt-4o-mini\nsystem_prompt: x\napi_key: "+enc+"\n")

	r := NewRegistry(dir, nil, cipher)
	if err := r.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}

	bot, ok := r.Get("bot")
	if !ok {
		t.Fatal("Get(bot) not found")
	}
	if bot.APIKey != "sk-plain" {
		t.Errorf("APIKey = %q, want decrypted plaintext", bot.APIKey)
	}
}

func TestLoadAllFromDatabase(t *testing.T) {
	db := &fakeDBSource{rows: []store.AgentRow{{
		ID:      "db-agent",
		GroupID: "g1",
		Config: map[string]interface{}{
			"id":            "db-agent",
			"model":         "gpt-4o-mini",
			"system_prompt": "x",
			"webhook_name":  "db-hook",
		},
	}}}

	r := NewRegistry(t.TempDir(), db, nil)
	if err := r.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}

	cfg, ok := r.Get("db-agent")
	if !ok {
		t.Fatal("database agent not loaded")
	}
	if cfg.GrupoID != "g1" {
		t.Errorf("GrupoID = %q, want g1", cfg.GrupoID)
	}
	if _, ok := r.GetByWebhookName("db-hook"); !ok {
		t.Error("database agent not indexed by webhook name")
	}
}

func TestLoadAllSkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	writeAgentFile(t, dir, "ok.yaml", "id: ok\nmodel: m\nsystem_prompt: x\n")
	writeAgentFile(t, dir, "bad.yaml", "id: \"bad id with spaces\"\nmodel: m\n")
	writeAgentFile(t, dir, "broken.yaml", "{{{not yaml")

	r := NewRegistry(dir, nil, nil)
	if err := r.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1 (invalid entries skipped)", r.Count())
	}
}

func TestSaveAndDelete(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir, nil, nil)

	cfg := &Config{ID: "novo", Model: "gpt-4o-mini", SystemPrompt: "x", WebhookName: "novo-hook"}
	if err := r.Save(cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "novo.yaml")); err != nil {
		t.Errorf("agent file not written: %v", err)
	}
	if _, ok := r.Get("novo"); !ok {
		t.Error("saved agent not in registry")
	}
	if _, ok := r.GetByWebhookName("novo-hook"); !ok {
		t.Error("saved agent not indexed by webhook name")
	}

	if err := r.Delete("novo"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "novo.yaml")); !os.IsNotExist(err) {
		t.Error("agent file not removed")
	}
	if _, ok := r.Get("novo"); ok {
		t.Error("deleted agent still in registry")
	}
	if _, ok := r.GetByWebhookName("novo-hook"); ok {
		t.Error("deleted agent still indexed by webhook name")
	}
}

func TestSaveRegisterDeleteRegisterRoundTrip(t *testing.T) {
	r := NewRegistry(t.TempDir(), nil, nil)
	cfg := &Config{ID: "a", Model: "m", SystemPrompt: "p", WebhookName: "h"}

	if err := r.Save(cfg); err != nil {
		t.Fatalf("first Save() error = %v", err)
	}
	if err := r.Delete("a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := r.Save(cfg); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}

	got, ok := r.Get("a")
	if !ok || got.WebhookName != "h" || got.Model != "m" {
		t.Errorf("re-registered agent = %+v", got)
	}
}

func TestSaveRejectsDuplicateWebhookName(t *testing.T) {
	r := NewRegistry(t.TempDir(), nil, nil)

	if err := r.Save(&Config{ID: "a", Model: "m", SystemPrompt: "p", WebhookName: "shared"}); err != nil {
		t.Fatalf("Save(a) error = %v", err)
	}
	err := r.Save(&Config{ID: "b", Model: "m", SystemPrompt: "p", WebhookName: "shared"})
	if err == nil {
		t.Fatal("Save(b) with duplicate webhook_name should fail")
	}
	if !strings.Contains(err.Error(), "shared") {
		t.Errorf("error should mention the conflicting name: %v", err)
	}
}

func TestConcurrentSavesOfDifferentAgents(t *testing.T) {
	r := NewRegistry(t.TempDir(), nil, nil)

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("agent-%d", i)
			errs[i] = r.Save(&Config{ID: id, Model: "m", SystemPrompt: "p", WebhookName: "hook-" + id})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Save(agent-%d) error = %v", i, err)
		}
	}
	if r.Count() != n {
		t.Errorf("Count() = %d, want %d", r.Count(), n)
	}
	for i := 0; i < n; i++ {
		if _, ok := r.Get(fmt.Sprintf("agent-%d", i)); !ok {
			t.Errorf("agent-%d not visible after concurrent save", i)
		}
	}
}

func TestConcurrentSavesSameWebhookNameOneWinner(t *testing.T) {
	r := NewRegistry(t.TempDir(), nil, nil)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.Save(&Config{
				ID: fmt.Sprintf("rival-%d", i), Model: "m", SystemPrompt: "p",
				WebhookName: "disputed",
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("saves succeeded = %d, want exactly 1", wins)
	}
	winner, ok := r.GetByWebhookName("disputed")
	if !ok {
		t.Fatal("disputed webhook name resolves to nothing")
	}
	if _, err := os.Stat(filepath.Join(r.agentsDir, winner.ID+".yaml")); err != nil {
		t.Errorf("winner file not written: %v", err)
	}
}

func TestSaveRejectsInvalidIdentifiers(t *testing.T) {
	r := NewRegistry(t.TempDir(), nil, nil)

	for _, cfg := range []*Config{
		{ID: "", Model: "m"},
		{ID: "has space", Model: "m"},
		{ID: "ok", WebhookName: "bad/name", Model: "m"},
	} {
		if err := r.Save(cfg); err == nil {
			t.Errorf("Save(%+v) should fail", cfg)
		}
	}
}

func TestReloadUnchangedStoreIsStable(t *testing.T) {
	dir := t.TempDir()
	writeAgentFile(t, dir, "a.yaml", "id: a\nmodel: m\nsystem_prompt: p\nwebhook_name: h\n")

	r := NewRegistry(dir, nil, nil)
	ctx := context.Background()
	if err := r.LoadAll(ctx); err != nil {
		t.Fatal(err)
	}
	before := r.List()

	if err := r.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	after := r.List()

	if len(before) != len(after) {
		t.Fatalf("reload changed agent count: %d -> %d", len(before), len(after))
	}
	if before[0].ID != after[0].ID || before[0].Model != after[0].Model ||
		before[0].WebhookName != after[0].WebhookName {
		t.Errorf("reload changed agent: %+v -> %+v", before[0], after[0])
	}
}

func TestGetReturnsCopy(t *testing.T) {
	r := NewRegistry(t.TempDir(), nil, nil)
	if err := r.Save(&Config{
		ID: "a", Model: "m", SystemPrompt: "p",
		DataAnalysis: &DataAnalysisConfig{Enabled: true, Files: []string{"vendas.csv"}},
	}); err != nil {
		t.Fatal(err)
	}

	first, _ := r.Get("a")
	first.Model = "mutated"
	first.DataAnalysis.Enabled = false
	first.DataAnalysis.Files[0] = "outro.csv"

	second, _ := r.Get("a")
	if second.Model != "m" {
		t.Error("mutating a returned agent leaked into the registry")
	}
	if !second.DataAnalysis.Enabled || second.DataAnalysis.Files[0] != "vendas.csv" {
		t.Error("mutating nested config leaked into the registry")
	}
}
