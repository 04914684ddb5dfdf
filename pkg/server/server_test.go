package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rbranco/agentapi/pkg/agent"
	"github.com/rbranco/agentapi/pkg/auth"
	"github.com/rbranco/agentapi/pkg/dataquery"
	"github.com/rbranco/agentapi/pkg/metrics"
	"github.com/rbranco/agentapi/pkg/model"
	"github.com/rbranco/agentapi/pkg/store"
)

type fakeQueue struct {
	mu      sync.Mutex
	jobs    []model.Job
	pingErr error
}

func (f *fakeQueue) Enqueue(ctx context.Context, job model.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return "job-123", nil
}

func (f *fakeQueue) Ping(ctx context.Context) error { return f.pingErr }

type fakeStreamer struct {
	chunks []string
}

func (f *fakeStreamer) ProcessStream(ctx context.Context, cfg *agent.Config, msg model.Message, history []model.HistoryEntry) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		for _, c := range f.chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

type fakeRecorder struct {
	mu      sync.Mutex
	samples []metrics.Sample
}

func (f *fakeRecorder) RecordMessage(ctx context.Context, s metrics.Sample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, s)
}

func (f *fakeRecorder) AgentMetrics(ctx context.Context, agentID string) (*metrics.AgentMetrics, error) {
	return &metrics.AgentMetrics{AgentID: agentID, Messages: 2}, nil
}

func (f *fakeRecorder) GlobalMetrics(ctx context.Context) (*metrics.GlobalMetrics, error) {
	return &metrics.GlobalMetrics{TotalMessages: 5}, nil
}

func (f *fakeRecorder) RecentLogs(ctx context.Context, limit int) ([]map[string]interface{}, error) {
	return nil, nil
}

type fakeUserStore struct {
	mu     sync.Mutex
	users  []store.User
	groups []store.Group
}

func (f *fakeUserStore) CountUsers(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users), nil
}

func (f *fakeUserStore) GetUserByEmail(ctx context.Context, email string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email {
			u := u
			return &u, nil
		}
	}
	return nil, nil
}

func (f *fakeUserStore) GetUserByID(ctx context.Context, id string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.ID == id {
			u := u
			return &u, nil
		}
	}
	return nil, nil
}

func (f *fakeUserStore) Setup(ctx context.Context, groupName, email, passwordHash string) (*store.User, error) {
	g, _ := f.CreateGroup(ctx, store.Group{Name: groupName})
	return f.CreateUser(ctx, store.User{Email: email, PasswordHash: passwordHash, Level: auth.LevelAdminGeral, GroupID: g.ID})
}

func (f *fakeUserStore) CreateUser(ctx context.Context, u store.User) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u.ID = "u-" + u.Email
	f.users = append(f.users, u)
	return &u, nil
}

func (f *fakeUserStore) ListUsers(ctx context.Context, groupID string) ([]store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.User
	for _, u := range f.users {
		if groupID == "" || u.GroupID == groupID {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeUserStore) CreateGroup(ctx context.Context, g store.Group) (*store.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g.ID = "g-" + g.Name
	f.groups = append(f.groups, g)
	return &g, nil
}

func (f *fakeUserStore) ListGroups(ctx context.Context) ([]store.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Group(nil), f.groups...), nil
}

func newTestRegistry(t *testing.T, configs ...*agent.Config) *agent.Registry {
	t.Helper()
	r := agent.NewRegistry(t.TempDir(), nil, nil)
	for _, cfg := range configs {
		if err := r.Save(cfg); err != nil {
			t.Fatalf("Save(%s) error = %v", cfg.ID, err)
		}
	}
	return r
}

func TestSanitizerStripsHTML(t *testing.T) {
	s := newSanitizer()
	tests := []struct {
		in, want string
	}{
		{"<script>alert(1)</script>olá", "olá"},
		{"<b>negrito</b>", "<b>negrito</b>"},
		{`<a href="https://x" onclick="evil()">link</a>`, `<a href="https://x">link</a>`},
		{"<img src=x onerror=alert(1)>texto", "texto"},
	}
	for _, tt := range tests {
		if got := s.clean(tt.in, maxTextLen); got != tt.want {
			t.Errorf("clean(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizerCleansNestedMetadata(t *testing.T) {
	s := newSanitizer()
	in := map[string]interface{}{
		"origem": "<script>x</script>crm",
		"tags":   []interface{}{"<i>vip</i>", 42.0},
	}
	out := s.cleanValue(in).(map[string]interface{})
	if out["origem"] != "crm" {
		t.Errorf("origem = %q", out["origem"])
	}
	tags := out["tags"].([]interface{})
	if tags[0] != "<i>vip</i>" || tags[1] != 42.0 {
		t.Errorf("tags = %v", tags)
	}
}

func TestSanitizerTruncates(t *testing.T) {
	s := newSanitizer()
	long := strings.Repeat("x", maxFieldLen+50)
	if got := s.clean(long, maxFieldLen); len(got) != maxFieldLen {
		t.Errorf("len = %d, want %d", len(got), maxFieldLen)
	}
}

func TestWebhookEnqueue(t *testing.T) {
	q := &fakeQueue{}
	rec := &fakeRecorder{}
	srv := New(":0", Deps{
		Registry: newTestRegistry(t, &agent.Config{
			ID: "eco", Model: "gpt-4o-mini", SystemPrompt: "p",
			WebhookOutputURL: "https://out.example",
		}),
		Queue:   q,
		Metrics: rec,
	})

	body := `{"user_id":"u1","text":"<script>x</script>olá","channel":"whatsapp"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/agent/eco", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "enqueued" || resp["job_id"] != "job-123" || resp["agent_id"] != "eco" {
		t.Errorf("response = %v", resp)
	}

	if len(q.jobs) != 1 {
		t.Fatalf("jobs = %d", len(q.jobs))
	}
	job := q.jobs[0]
	if job.Message.Text != "olá" {
		t.Errorf("text not sanitized: %q", job.Message.Text)
	}
	if job.Message.Channel != model.ChannelWhatsApp {
		t.Errorf("channel = %q", job.Message.Channel)
	}
	if job.WebhookOutputURL != "https://out.example" {
		t.Errorf("webhook url = %q", job.WebhookOutputURL)
	}
	if len(rec.samples) != 1 || !rec.samples[0].Success {
		t.Errorf("samples = %+v", rec.samples)
	}
}

func TestWebhookByName(t *testing.T) {
	srv := New(":0", Deps{
		Registry: newTestRegistry(t, &agent.Config{
			ID: "eco", Model: "m", SystemPrompt: "p", WebhookName: "meu-gancho",
		}),
		Queue: &fakeQueue{},
	})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/meu-gancho", strings.NewReader(`{"text":"oi"}`))
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/webhooks/inexistente", strings.NewReader(`{"text":"oi"}`))
	w = httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown webhook status = %d", w.Code)
	}
}

func TestWebhookUnknownAgent(t *testing.T) {
	srv := New(":0", Deps{Registry: newTestRegistry(t), Queue: &fakeQueue{}})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/agent/fantasma", strings.NewReader(`{"text":"oi"}`))
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d", w.Code)
	}
}

func TestWebhookStreamSSE(t *testing.T) {
	srv := New(":0", Deps{
		Registry: newTestRegistry(t, &agent.Config{ID: "eco", Model: "m", SystemPrompt: "Repeat the user."}),
		Engine:   &fakeStreamer{chunks: []string{"Hel", "lo"}},
		Metrics:  &fakeRecorder{},
	})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/agent/eco",
		strings.NewReader(`{"text":"Hello","stream":true}`))
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q", cc)
	}
	want := "data: \"Hel\"\n\ndata: \"lo\"\n\n"
	if w.Body.String() != want {
		t.Errorf("body = %q, want %q", w.Body.String(), want)
	}
}

func TestHealthDegradedWithoutRedis(t *testing.T) {
	srv := New(":0", Deps{
		Registry: newTestRegistry(t, &agent.Config{ID: "a", Model: "m", SystemPrompt: "p"}),
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "degraded" || resp["redis"] != "disconnected" {
		t.Errorf("response = %v", resp)
	}
	if resp["agents_loaded"] != 1.0 {
		t.Errorf("agents_loaded = %v", resp["agents_loaded"])
	}
}

func TestHealthHealthyWithRedis(t *testing.T) {
	srv := New(":0", Deps{Registry: newTestRegistry(t), Queue: &fakeQueue{}})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "healthy" || resp["redis"] != "connected" {
		t.Errorf("response = %v", resp)
	}
}

func TestAgentVisibilityByGroup(t *testing.T) {
	svc := auth.NewService("segredo-de-teste", "test", time.Hour, nil)
	srv := New(":0", Deps{
		Registry: newTestRegistry(t,
			&agent.Config{ID: "do-g1", GrupoID: "g1", Model: "m", SystemPrompt: "p"},
			&agent.Config{ID: "do-g2", GrupoID: "g2", Model: "m", SystemPrompt: "p"},
			&agent.Config{ID: "legado", Model: "m", SystemPrompt: "p"},
		),
		Auth: svc,
	})

	// No credentials at all.
	req := httptest.NewRequest(http.MethodGet, "/agents", nil)
	req.Header.Set("Accept", "application/json")
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", w.Code)
	}

	token, _, err := svc.IssueToken(context.Background(),
		auth.User{ID: "u1", Level: auth.LevelNormal, GroupID: "g1"})
	if err != nil {
		t.Fatal(err)
	}

	req = httptest.NewRequest(http.MethodGet, "/agents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Agents []agentSummary `json:"agents"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	ids := make([]string, 0, len(resp.Agents))
	for _, a := range resp.Agents {
		ids = append(ids, a.ID)
	}
	if len(ids) != 2 || ids[0] != "do-g1" || ids[1] != "legado" {
		t.Errorf("visible agents = %v", ids)
	}
}

func TestAgentCRUDRoundTrip(t *testing.T) {
	srv := New(":0", Deps{Registry: newTestRegistry(t)})
	routes := srv.Routes()

	create := `{"id":"novo","model":"gpt-4o-mini","system_prompt":"Você é útil."}`
	req := httptest.NewRequest(http.MethodPost, "/agents/create", strings.NewReader(create))
	w := httptest.NewRecorder()
	routes.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}

	// Duplicate create is rejected.
	req = httptest.NewRequest(http.MethodPost, "/agents/create", strings.NewReader(create))
	w = httptest.NewRecorder()
	routes.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("duplicate create status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/agents/novo", nil)
	w = httptest.NewRecorder()
	routes.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var got agent.Config
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", got.Model)
	}

	// ID mismatch on update.
	req = httptest.NewRequest(http.MethodPut, "/agents/novo",
		strings.NewReader(`{"id":"outro","model":"m","system_prompt":"p"}`))
	w = httptest.NewRecorder()
	routes.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("mismatch status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/agents/novo", nil)
	w = httptest.NewRecorder()
	routes.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/agents/novo", nil)
	w = httptest.NewRecorder()
	routes.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d", w.Code)
	}
}

func TestAdminRoutesRequireAdminGeral(t *testing.T) {
	svc := auth.NewService("segredo-de-teste", "test", time.Hour, nil)
	users := &fakeUserStore{}
	srv := New(":0", Deps{Auth: svc, Users: users})
	routes := srv.Routes()

	// No user at all.
	req := httptest.NewRequest(http.MethodGet, "/api/admin/grupos", nil)
	w := httptest.NewRecorder()
	routes.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", w.Code)
	}

	normal, _, err := svc.IssueToken(context.Background(), auth.User{ID: "u1", Level: auth.LevelNormal})
	if err != nil {
		t.Fatal(err)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/admin/grupos", nil)
	req.Header.Set("Authorization", "Bearer "+normal)
	w = httptest.NewRecorder()
	routes.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("NORMAL status = %d, want 403", w.Code)
	}

	admin, _, err := svc.IssueToken(context.Background(), auth.User{ID: "u2", Level: auth.LevelAdminGeral})
	if err != nil {
		t.Fatal(err)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/admin/grupos",
		strings.NewReader(`{"nome":"Comercial","descricao":"Time de vendas"}`))
	req.Header.Set("Authorization", "Bearer "+admin)
	w = httptest.NewRecorder()
	routes.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("create group status = %d, body = %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/admin/usuarios",
		strings.NewReader(`{"email":"ana@acme.com","senha":"s3nh4","nivel":"ADMIN","grupoId":"g-Comercial"}`))
	req.Header.Set("Authorization", "Bearer "+admin)
	w = httptest.NewRecorder()
	routes.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("create user status = %d, body = %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/admin/usuarios",
		strings.NewReader(`{"email":"x@acme.com","senha":"s","nivel":"SUPREMO"}`))
	req.Header.Set("Authorization", "Bearer "+admin)
	w = httptest.NewRecorder()
	routes.ServeHTTP(w, req)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("invalid level status = %d, want 422", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/admin/usuarios?grupoId=g-Comercial", nil)
	req.Header.Set("Authorization", "Bearer "+admin)
	w = httptest.NewRecorder()
	routes.ServeHTTP(w, req)
	var listed []userResponse
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed) != 1 || listed[0].Email != "ana@acme.com" {
		t.Errorf("listed users = %+v", listed)
	}
}

func TestAgentSchemaRoute(t *testing.T) {
	srv := New(":0", Deps{Registry: newTestRegistry(t)})

	req := httptest.NewRequest(http.MethodGet, "/agents/schema", nil)
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "system_prompt") {
		t.Errorf("schema is missing config fields: %s", w.Body.String())
	}
}

func TestDataQueryRoute(t *testing.T) {
	data := dataquery.NewService(t.TempDir())
	if _, err := data.SaveFile("analista", "vendas.csv", []byte("produto,total\ncamisa,10\ncalça,20\n")); err != nil {
		t.Fatal(err)
	}
	srv := New(":0", Deps{
		Registry: newTestRegistry(t, &agent.Config{
			ID: "analista", Model: "m", SystemPrompt: "p",
			DataAnalysis: &agent.DataAnalysisConfig{Enabled: true},
		}),
		Data: data,
	})

	req := httptest.NewRequest(http.MethodPost, "/agents/analista/data/query",
		strings.NewReader(`{"query":"shape"}`))
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		AgentID string           `json:"agent_id"`
		Result  dataquery.Result `json:"result"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Result.Success {
		t.Errorf("result = %+v", resp.Result)
	}
}

func TestDataQueryRequiresEnabledAnalysis(t *testing.T) {
	srv := New(":0", Deps{
		Registry: newTestRegistry(t, &agent.Config{ID: "sem-dados", Model: "m", SystemPrompt: "p"}),
		Data:     dataquery.NewService(t.TempDir()),
	})

	req := httptest.NewRequest(http.MethodPost, "/agents/sem-dados/data/query",
		strings.NewReader(`{"query":"head()"}`))
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d", w.Code)
	}
}

func TestMetricsRoutesUnavailableWithoutRecorder(t *testing.T) {
	srv := New(":0", Deps{Registry: newTestRegistry(t)})

	for _, path := range []string{"/metrics/agents/eco", "/metrics/global", "/metrics/prom"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		srv.Routes().ServeHTTP(w, req)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d", path, w.Code)
		}
	}
}

func TestAgentMetricsRoute(t *testing.T) {
	srv := New(":0", Deps{Registry: newTestRegistry(t), Metrics: &fakeRecorder{}})

	req := httptest.NewRequest(http.MethodGet, "/metrics/agents/eco", nil)
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var m metrics.AgentMetrics
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatal(err)
	}
	if m.AgentID != "eco" || m.Messages != 2 || m.PeriodDays != 7 {
		t.Errorf("metrics = %+v", m)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics/agents/eco?days=30", nil)
	w = httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatal(err)
	}
	if m.PeriodDays != 30 {
		t.Errorf("period_days = %d, want 30", m.PeriodDays)
	}
}

func TestVerifyAndLogoutFlow(t *testing.T) {
	svc := auth.NewService("segredo-de-teste", "test", time.Hour, nil)
	srv := New(":0", Deps{Auth: svc})
	routes := srv.Routes()

	token, _, err := svc.IssueToken(context.Background(),
		auth.User{ID: "u1", Level: auth.LevelAdmin, GroupID: "g1"})
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/auth/verify", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	routes.ServeHTTP(w, req)
	var verify map[string]bool
	if err := json.Unmarshal(w.Body.Bytes(), &verify); err != nil {
		t.Fatal(err)
	}
	if !verify["valid"] {
		t.Error("fresh token reported invalid")
	}

	req = httptest.NewRequest(http.MethodPost, "/api/auth/verify", nil)
	req.Header.Set("Authorization", "Bearer adulterado")
	w = httptest.NewRecorder()
	routes.ServeHTTP(w, req)
	if err := json.Unmarshal(w.Body.Bytes(), &verify); err != nil {
		t.Fatal(err)
	}
	if verify["valid"] {
		t.Error("bad token reported valid")
	}

	req = httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: token})
	w = httptest.NewRecorder()
	routes.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("logout status = %d", w.Code)
	}
	cleared := false
	for _, c := range w.Result().Cookies() {
		if c.Name == auth.CookieName && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Error("cookie not cleared on logout")
	}
}

func TestLoginRequiresCredentials(t *testing.T) {
	srv := New(":0", Deps{Auth: auth.NewService("s", "test", time.Hour, nil)})

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d", w.Code)
	}
}
