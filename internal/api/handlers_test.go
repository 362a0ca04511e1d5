package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/b24tools/ai-agents/internal/config"
	"github.com/b24tools/ai-agents/internal/core"
	"github.com/b24tools/ai-agents/internal/store"
)

type fakeBotAdmin struct {
	nextBotID int64
	lines     []map[string]any
}

func (f *fakeBotAdmin) RegisterBot(code, name, handlerURL, description string, openline bool) (int64, error) {
	return f.nextBotID, nil
}
func (f *fakeBotAdmin) UnregisterBot(botID int64) error                  { return nil }
func (f *fakeBotAdmin) UpdateBotHandler(botID int64, handlerURL string) error { return nil }
func (f *fakeBotAdmin) AttachBotToLine(lineID string, botID int64) error { return nil }
func (f *fakeBotAdmin) DetachBotFromLine(lineID string) error            { return nil }
func (f *fakeBotAdmin) ListOpenLines() ([]map[string]any, error)         { return f.lines, nil }
func (f *fakeBotAdmin) ListBots() ([]map[string]any, error)              { return nil, nil }
func (f *fakeBotAdmin) BindEvent(event, handlerURL string) error         { return nil }

func newAPIFixture(t *testing.T) (http.Handler, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	config.AppConfig.JWTSecret = "test-secret"
	config.AppConfig.MaxAgents = 5
	config.AppConfig.PublicURL = "https://agents.example.com"
	config.AppConfig.RAGChunkSize = 2000
	config.AppConfig.RAGMaxContext = 4000

	admin := &fakeBotAdmin{nextBotID: 900, lines: []map[string]any{{"ID": "3", "NAME": "Sales"}}}
	agentService := core.NewAgentService(s, func(domain string) core.BotAdminClient { return admin })
	apiHandler := NewAPIHandler(s, agentService)
	webhookHandler := NewWebhookHandler(s,
		func(domain string) core.PlatformClient { return &fakePlatform{} },
		func(apiKey string) core.ChatCompleter { return &fakeCompleter{reply: "ok"} })

	return NewRouter(apiHandler, webhookHandler), s
}

func installPortal(t *testing.T, router http.Handler) string {
	t.Helper()
	form := url.Values{}
	form.Set("AUTH_ID", "access-token")
	form.Set("REFRESH_ID", "refresh-token")
	form.Set("AUTH_EXPIRES", "3600")
	form.Set("member_id", "member1")

	req := httptest.NewRequest(http.MethodPost, "/install?DOMAIN=acme.bitrix24.com", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("install status = %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("install response: %v", err)
	}
	if body["token"] == "" {
		t.Fatal("install returned no admin token")
	}
	return body["token"]
}

func TestInstallAndAuthorizedAgentCRUD(t *testing.T) {
	router, s := newAPIFixture(t)
	token := installPortal(t, router)

	app, err := s.GetApp("acme.bitrix24.com")
	if err != nil || app == nil {
		t.Fatalf("portal not saved: app=%v err=%v", app, err)
	}
	if app.AccessToken != "access-token" || app.RefreshToken != "refresh-token" {
		t.Errorf("tokens = %+v", app)
	}
	// AUTH_EXPIRES=3600 is a lifetime; stored as-is it would read as an
	// epoch in 1970 and the very first REST call would refresh the token.
	if app.ExpiresAt <= time.Now().Unix() {
		t.Errorf("freshly installed token already expired: expires_at=%d now=%d", app.ExpiresAt, time.Now().Unix())
	}
	if app.ExpiresAt > time.Now().Unix()+3600 {
		t.Errorf("expiry too far out: expires_at=%d", app.ExpiresAt)
	}

	// Unauthorized request is rejected before reaching the handler.
	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated list status = %d", rec.Code)
	}

	createBody := `{
		"name": "Support Bot",
		"openai_api_key": "sk-test",
		"bot_type": "openline",
		"open_line_id": "3",
		"enabled_tools": ["crm_lead_add"]
	}`
	req = httptest.NewRequest(http.MethodPost, "/api/agents", strings.NewReader(createBody))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var created store.Agent
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("create response: %v", err)
	}
	if created.BotID != 900 {
		t.Errorf("created agent bot id = %d", created.BotID)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var agents []store.Agent
	if err := json.Unmarshal(rec.Body.Bytes(), &agents); err != nil {
		t.Fatalf("list response: %v", err)
	}
	if len(agents) != 1 || agents[0].Name != "Support Bot" {
		t.Errorf("agents = %+v", agents)
	}

	// Partial update: only the name changes, the rest stays.
	req = httptest.NewRequest(http.MethodPut, "/api/agents/1", strings.NewReader(`{"name": "Renamed"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", rec.Code, rec.Body.String())
	}
	updated, _ := s.GetAgent(created.ID)
	if updated.Name != "Renamed" || updated.OpenAIAPIKey != "sk-test" {
		t.Errorf("partial update clobbered fields: %+v", updated)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/agents/1/toggle", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("toggle status = %d", rec.Code)
	}
	toggled, _ := s.GetAgent(created.ID)
	if toggled.IsActive {
		t.Error("toggle did not deactivate agent")
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/agents/1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if gone, _ := s.GetAgent(created.ID); gone != nil {
		t.Error("agent survived delete")
	}
}

func TestKnowledgeUploadEndpoint(t *testing.T) {
	router, s := newAPIFixture(t)
	token := installPortal(t, router)

	createBody := `{"name": "Bot", "openai_api_key": "sk-test", "bot_type": "internal"}`
	req := httptest.NewRequest(http.MethodPost, "/api/agents", strings.NewReader(createBody))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "faq.txt")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	part.Write([]byte("We ship worldwide. Delivery takes 3-5 days."))
	writer.Close()

	req = httptest.NewRequest(http.MethodPost, "/api/agents/1/knowledge", &buf)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d: %s", rec.Code, rec.Body.String())
	}

	chunks, _ := s.GetKnowledgeChunks(1)
	if len(chunks) != 1 || chunks[0].Filename != "faq.txt" {
		t.Errorf("chunks = %+v", chunks)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/agents/1/knowledge", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	var files []KnowledgeFile
	if err := json.Unmarshal(rec.Body.Bytes(), &files); err != nil {
		t.Fatalf("list response: %v", err)
	}
	if len(files) != 1 || files[0].Filename != "faq.txt" || files[0].Chunks != 1 {
		t.Errorf("files = %+v", files)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/agents/1/knowledge?filename=faq.txt", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if remaining, _ := s.GetKnowledgeChunks(1); len(remaining) != 0 {
		t.Errorf("chunks survived delete: %+v", remaining)
	}
}

func TestOpenLinesAndToolsEndpoints(t *testing.T) {
	router, _ := newAPIFixture(t)
	token := installPortal(t, router)

	req := httptest.NewRequest(http.MethodGet, "/api/openlines", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("openlines status = %d", rec.Code)
	}
	var lines []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &lines); err != nil {
		t.Fatalf("openlines response: %v", err)
	}
	if len(lines) != 1 || lines[0]["ID"] != "3" {
		t.Errorf("lines = %v", lines)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/tools", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	var tools []core.ToolDefinition
	if err := json.Unmarshal(rec.Body.Bytes(), &tools); err != nil {
		t.Fatalf("tools response: %v", err)
	}
	if len(tools) != 11 {
		t.Errorf("tool catalog has %d entries", len(tools))
	}
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("health body = %s", rec.Body.String())
	}
}
