package store

import (
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestAgent(t *testing.T, s *SQLiteStore, a *Agent) *Agent {
	t.Helper()
	if a.Domain == "" {
		a.Domain = "acme.bitrix24.com"
	}
	if a.Name == "" {
		a.Name = "Support Bot"
	}
	if a.Timezone == "" {
		a.Timezone = "UTC"
	}
	if a.BotType == "" {
		a.BotType = BotTypeOpenLine
	}
	id, err := s.CreateAgent(a)
	if err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}
	a.ID = id
	return a
}

func TestAgentRoundTrip(t *testing.T) {
	s := newTestStore(t)

	created := newTestAgent(t, s, &Agent{
		OpenAIAPIKey: "sk-test",
		OpenAIModel:  "gpt-4o",
		Temperature:  0.5,
		WorkingHoursSchedule: Schedule{
			"monday": {From: "09:00", To: "18:00"},
		},
		EnabledTools: []string{"crm_lead_add", "get_todays_date"},
		IsActive:     true,
		OpenLineID:   "7",
		BotID:        42,
	})

	got, err := s.GetAgent(created.ID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got == nil {
		t.Fatal("expected agent, got nil")
	}
	if got.OpenAIAPIKey != "sk-test" {
		t.Errorf("api key = %q, want sk-test", got.OpenAIAPIKey)
	}
	if got.WorkingHoursSchedule["monday"].From != "09:00" {
		t.Errorf("schedule not restored: %+v", got.WorkingHoursSchedule)
	}
	if len(got.EnabledTools) != 2 || got.EnabledTools[0] != "crm_lead_add" {
		t.Errorf("enabled tools = %v", got.EnabledTools)
	}

	got.Name = "Sales Bot"
	got.IsActive = false
	if err := s.UpdateAgent(got); err != nil {
		t.Fatalf("UpdateAgent: %v", err)
	}
	reread, _ := s.GetAgent(created.ID)
	if reread.Name != "Sales Bot" || reread.IsActive {
		t.Errorf("update not persisted: %+v", reread)
	}
}

func TestAgentDirectoryLookups(t *testing.T) {
	s := newTestStore(t)

	a := newTestAgent(t, s, &Agent{BotID: 101, OpenLineID: "3", IsActive: true})
	newTestAgent(t, s, &Agent{Name: "Other", BotID: 102, OpenLineID: "5", IsActive: true})

	byBot, err := s.GetAgentByBotID(101, a.Domain)
	if err != nil {
		t.Fatalf("GetAgentByBotID: %v", err)
	}
	if byBot == nil || byBot.ID != a.ID {
		t.Fatalf("bot lookup returned %+v, want agent %d", byBot, a.ID)
	}

	byLine, err := s.GetAgentByOpenLine("3", a.Domain)
	if err != nil {
		t.Fatalf("GetAgentByOpenLine: %v", err)
	}
	if byLine == nil || byLine.ID != a.ID {
		t.Fatalf("line lookup returned %+v, want agent %d", byLine, a.ID)
	}

	missing, err := s.GetAgentByBotID(999, a.Domain)
	if err != nil {
		t.Fatalf("miss lookup errored: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown bot, got %+v", missing)
	}

	wrongDomain, _ := s.GetAgentByBotID(101, "other.bitrix24.com")
	if wrongDomain != nil {
		t.Errorf("bot lookup leaked across domains: %+v", wrongDomain)
	}

	used, err := s.UsedOpenLines(a.Domain)
	if err != nil {
		t.Fatalf("UsedOpenLines: %v", err)
	}
	if !used["3"] || !used["5"] || used["7"] {
		t.Errorf("used lines = %v", used)
	}
}

func TestKnowledgeContext(t *testing.T) {
	s := newTestStore(t)
	a := newTestAgent(t, s, &Agent{})

	empty, err := s.KnowledgeContext(a.ID, 4000)
	if err != nil {
		t.Fatalf("KnowledgeContext: %v", err)
	}
	if empty != "" {
		t.Errorf("expected empty context without chunks, got %q", empty)
	}

	for i, content := range []string{"Our opening hours are 9 to 6.", "We ship worldwide."} {
		_, err := s.AddKnowledgeChunk(&KnowledgeChunk{
			AgentID: a.ID, Filename: "faq.txt", Content: content, ContentType: "text", ChunkIndex: i,
		})
		if err != nil {
			t.Fatalf("AddKnowledgeChunk: %v", err)
		}
	}

	ctx, err := s.KnowledgeContext(a.ID, 4000)
	if err != nil {
		t.Fatalf("KnowledgeContext: %v", err)
	}
	if !strings.Contains(ctx, "[faq.txt]") {
		t.Errorf("context missing filename marker: %q", ctx)
	}
	if !strings.Contains(ctx, "We ship worldwide.") {
		t.Errorf("context missing second chunk: %q", ctx)
	}

	// A chunk that overflows a generous budget gets cut with an ellipsis.
	_, err = s.AddKnowledgeChunk(&KnowledgeChunk{
		AgentID: a.ID, Filename: "policy.txt", Content: strings.Repeat("x", 500), ChunkIndex: 0,
	})
	if err != nil {
		t.Fatalf("AddKnowledgeChunk: %v", err)
	}
	truncated, err := s.KnowledgeContext(a.ID, 250)
	if err != nil {
		t.Fatalf("KnowledgeContext: %v", err)
	}
	if !strings.HasSuffix(truncated, "...") {
		t.Errorf("expected truncated context to end with ellipsis: %q", truncated)
	}
	if !strings.Contains(truncated, "[policy.txt]") {
		t.Errorf("truncated context dropped the overflowing document: %q", truncated)
	}
	full, _ := s.KnowledgeContext(a.ID, 10000)
	if len(truncated) >= len(full) {
		t.Errorf("truncation did not shrink context: %d vs %d chars", len(truncated), len(full))
	}
}

func TestKnowledgeReplaceAndDelete(t *testing.T) {
	s := newTestStore(t)
	a := newTestAgent(t, s, &Agent{})

	for i := 0; i < 3; i++ {
		if _, err := s.AddKnowledgeChunk(&KnowledgeChunk{AgentID: a.ID, Filename: "doc.txt", Content: "v1", ChunkIndex: i}); err != nil {
			t.Fatalf("AddKnowledgeChunk: %v", err)
		}
	}
	if err := s.DeleteKnowledgeByFilename(a.ID, "doc.txt"); err != nil {
		t.Fatalf("DeleteKnowledgeByFilename: %v", err)
	}
	chunks, err := s.GetKnowledgeChunks(a.ID)
	if err != nil {
		t.Fatalf("GetKnowledgeChunks: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("expected no chunks after delete, got %d", len(chunks))
	}
}

func TestSessionAndMessageFlow(t *testing.T) {
	s := newTestStore(t)
	a := newTestAgent(t, s, &Agent{})

	first, err := s.GetOrCreateSession(a.ID, "chat42", "15", "Alice")
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	again, err := s.GetOrCreateSession(a.ID, "chat42", "15", "Alice")
	if err != nil {
		t.Fatalf("GetOrCreateSession again: %v", err)
	}
	if first.ID != again.ID {
		t.Fatalf("same chat opened two sessions: %d vs %d", first.ID, again.ID)
	}
	if first.Status != SessionActive {
		t.Errorf("new session status = %q", first.Status)
	}

	for _, content := range []string{"hello", "anyone there?"} {
		if err := s.AddMessage(&Message{SessionID: first.ID, AuthorType: AuthorUser, AuthorID: "15", Content: content}); err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
	}

	pending, err := s.UnprocessedMessages(first.ID)
	if err != nil {
		t.Fatalf("UnprocessedMessages: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 unprocessed messages, got %d", len(pending))
	}
	if pending[0].Content != "hello" {
		t.Errorf("messages out of order: %q first", pending[0].Content)
	}

	ids := []int64{pending[0].ID, pending[1].ID}
	if err := s.MarkMessagesProcessed(ids); err != nil {
		t.Fatalf("MarkMessagesProcessed: %v", err)
	}
	pending, _ = s.UnprocessedMessages(first.ID)
	if len(pending) != 0 {
		t.Errorf("expected no unprocessed messages, got %d", len(pending))
	}

	history, err := s.ChatHistory(first.ID, 10)
	if err != nil {
		t.Fatalf("ChatHistory: %v", err)
	}
	if len(history) != 2 || history[0].Content != "hello" {
		t.Errorf("history = %+v", history)
	}

	if err := s.UpdateSessionStatus(first.ID, SessionCompleted, 7, 0); err != nil {
		t.Fatalf("UpdateSessionStatus: %v", err)
	}
	done, _ := s.GetSession(first.ID)
	if done.Status != SessionCompleted || done.CreatedLeadID != 7 {
		t.Errorf("session after completion = %+v", done)
	}
}

func TestDeleteAgentCascades(t *testing.T) {
	s := newTestStore(t)
	a := newTestAgent(t, s, &Agent{})

	if _, err := s.AddKnowledgeChunk(&KnowledgeChunk{AgentID: a.ID, Filename: "doc.txt", Content: "x"}); err != nil {
		t.Fatalf("AddKnowledgeChunk: %v", err)
	}
	sess, err := s.GetOrCreateSession(a.ID, "chat1", "1", "Bob")
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if err := s.AddMessage(&Message{SessionID: sess.ID, AuthorType: AuthorUser, Content: "hi"}); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	if err := s.AddLog(a.ID, sess.ID, "message_sent", map[string]any{"content": "hi"}, true, ""); err != nil {
		t.Fatalf("AddLog: %v", err)
	}

	if err := s.DeleteAgent(a.ID); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}

	if got, _ := s.GetAgent(a.ID); got != nil {
		t.Errorf("agent still present after delete")
	}
	if chunks, _ := s.GetKnowledgeChunks(a.ID); len(chunks) != 0 {
		t.Errorf("knowledge survived delete")
	}
	if gone, _ := s.GetSession(sess.ID); gone != nil {
		t.Errorf("session survived delete")
	}

	// Deleting an already-deleted agent is a no-op, which the create
	// compensation path relies on.
	if err := s.DeleteAgent(a.ID); err != nil {
		t.Errorf("second delete errored: %v", err)
	}
}

func TestAppTokenStorage(t *testing.T) {
	s := newTestStore(t)

	missing, err := s.GetApp("nobody.bitrix24.com")
	if err != nil {
		t.Fatalf("GetApp: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown domain, got %+v", missing)
	}

	if err := s.SaveApp("acme.bitrix24.com", "token1", "refresh1", 3600, "member1"); err != nil {
		t.Fatalf("SaveApp: %v", err)
	}
	if err := s.SaveApp("acme.bitrix24.com", "token2", "refresh2", 3600, "member1"); err != nil {
		t.Fatalf("SaveApp update: %v", err)
	}

	app, err := s.GetApp("acme.bitrix24.com")
	if err != nil {
		t.Fatalf("GetApp: %v", err)
	}
	if app == nil || app.AccessToken != "token2" || app.RefreshToken != "refresh2" {
		t.Errorf("reinstall did not replace tokens: %+v", app)
	}
}

func TestAgentLogs(t *testing.T) {
	s := newTestStore(t)
	a := newTestAgent(t, s, &Agent{})

	for i := 0; i < 3; i++ {
		if err := s.AddLog(a.ID, 0, "tool_call_crm_lead_add", map[string]any{"n": i}, i != 1, ""); err != nil {
			t.Fatalf("AddLog: %v", err)
		}
	}

	logs, err := s.GetAgentLogs(a.ID, 2)
	if err != nil {
		t.Fatalf("GetAgentLogs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected limit to apply, got %d logs", len(logs))
	}
	if logs[0].ActionType != "tool_call_crm_lead_add" {
		t.Errorf("action type = %q", logs[0].ActionType)
	}
	if logs[0].ActionData == nil {
		t.Errorf("action data not restored")
	}
}
