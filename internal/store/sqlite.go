package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS apps (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        domain TEXT UNIQUE NOT NULL,
        access_token TEXT,
        refresh_token TEXT,
        expires_at INTEGER,
        member_id TEXT,
        created_at INTEGER
    );

    CREATE TABLE IF NOT EXISTS agents (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        domain TEXT NOT NULL,
        name TEXT NOT NULL,
        description TEXT,
        system_prompt TEXT,
        openai_api_key TEXT NOT NULL,
        openai_model TEXT DEFAULT 'gpt-4o',
        temperature REAL DEFAULT 0.7,
        audio_transcription INTEGER DEFAULT 1,
        max_retries INTEGER DEFAULT 3,
        inbound_only INTEGER DEFAULT 0,
        message_buffer_time INTEGER DEFAULT 10,
        timezone TEXT DEFAULT 'UTC',
        working_hours_enabled INTEGER DEFAULT 0,
        working_hours_schedule TEXT,
        enabled_tools TEXT,
        is_active INTEGER DEFAULT 1,
        open_line_id TEXT,
        bot_id INTEGER,
        bot_type TEXT DEFAULT 'openline',
        created_at INTEGER,
        updated_at INTEGER
    );

    CREATE TABLE IF NOT EXISTS knowledge_chunks (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        agent_id INTEGER NOT NULL,
        filename TEXT NOT NULL,
        content TEXT NOT NULL,
        content_type TEXT DEFAULT 'text',
        chunk_index INTEGER DEFAULT 0,
        embedding TEXT,
        created_at INTEGER,
        FOREIGN KEY(agent_id) REFERENCES agents(id) ON DELETE CASCADE
    );

    CREATE TABLE IF NOT EXISTS chat_sessions (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        agent_id INTEGER NOT NULL,
        chat_id TEXT NOT NULL,
        user_id TEXT,
        user_name TEXT,
        status TEXT DEFAULT 'active',
        last_message_time INTEGER,
        created_lead_id INTEGER,
        created_deal_id INTEGER,
        created_at INTEGER,
        FOREIGN KEY(agent_id) REFERENCES agents(id),
        UNIQUE(agent_id, chat_id)
    );

    CREATE TABLE IF NOT EXISTS messages (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        session_id INTEGER NOT NULL,
        message_id TEXT,
        author_type TEXT,
        author_id TEXT,
        content TEXT,
        is_audio INTEGER DEFAULT 0,
        audio_transcription TEXT,
        processed INTEGER DEFAULT 0,
        timestamp INTEGER,
        FOREIGN KEY(session_id) REFERENCES chat_sessions(id)
    );

    CREATE TABLE IF NOT EXISTS logs (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        agent_id INTEGER NOT NULL,
        session_id INTEGER,
        action_type TEXT,
        action_data TEXT,
        success INTEGER DEFAULT 1,
        error_message TEXT,
        created_at INTEGER,
        FOREIGN KEY(agent_id) REFERENCES agents(id),
        FOREIGN KEY(session_id) REFERENCES chat_sessions(id)
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

// App methods (Bitrix24 portal tokens)

func (s *SQLiteStore) SaveApp(domain, accessToken, refreshToken string, expiresAt int64, memberID string) error {
	_, err := s.db.Exec(`
        INSERT OR REPLACE INTO apps (domain, access_token, refresh_token, expires_at, member_id, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		domain, accessToken, refreshToken, expiresAt, memberID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save app tokens: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetApp(domain string) (*App, error) {
	var app App
	var memberID sql.NullString
	err := s.db.QueryRow(
		"SELECT id, domain, access_token, refresh_token, expires_at, member_id, created_at FROM apps WHERE domain = ?",
		domain).Scan(&app.ID, &app.Domain, &app.AccessToken, &app.RefreshToken, &app.ExpiresAt, &memberID, &app.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Portal not installed
		}
		return nil, fmt.Errorf("failed to query app: %w", err)
	}
	app.MemberID = memberID.String
	return &app, nil
}

// Agent methods

const agentColumns = `id, domain, name, description, system_prompt, openai_api_key, openai_model,
    temperature, audio_transcription, max_retries, inbound_only, message_buffer_time, timezone,
    working_hours_enabled, working_hours_schedule, enabled_tools, is_active, open_line_id, bot_id,
    bot_type, created_at, updated_at`

type agentScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row agentScanner) (*Agent, error) {
	var a Agent
	var description, systemPrompt, scheduleJSON, toolsJSON, openLineID, botType sql.NullString
	var botID sql.NullInt64

	err := row.Scan(&a.ID, &a.Domain, &a.Name, &description, &systemPrompt, &a.OpenAIAPIKey,
		&a.OpenAIModel, &a.Temperature, &a.AudioTranscription, &a.MaxRetries, &a.InboundOnly,
		&a.MessageBufferTime, &a.Timezone, &a.WorkingHoursEnabled, &scheduleJSON, &toolsJSON,
		&a.IsActive, &openLineID, &botID, &botType, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}

	a.Description = description.String
	a.SystemPrompt = systemPrompt.String
	a.OpenLineID = openLineID.String
	a.BotID = botID.Int64
	a.BotType = botType.String
	if a.BotType == "" {
		a.BotType = BotTypeOpenLine
	}

	a.WorkingHoursSchedule = Schedule{}
	if scheduleJSON.String != "" {
		if err := json.Unmarshal([]byte(scheduleJSON.String), &a.WorkingHoursSchedule); err != nil {
			log.Printf("Warning: failed to unmarshal schedule for agent %d: %v", a.ID, err)
		}
	}
	a.EnabledTools = []string{}
	if toolsJSON.String != "" {
		if err := json.Unmarshal([]byte(toolsJSON.String), &a.EnabledTools); err != nil {
			log.Printf("Warning: failed to unmarshal enabled tools for agent %d: %v", a.ID, err)
		}
	}
	return &a, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}

func (s *SQLiteStore) CreateAgent(a *Agent) (int64, error) {
	scheduleJSON, err := json.Marshal(a.WorkingHoursSchedule)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal schedule: %w", err)
	}
	toolsJSON, err := json.Marshal(a.EnabledTools)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal enabled tools: %w", err)
	}

	now := time.Now().Unix()
	res, err := s.db.Exec(`
        INSERT INTO agents
        (domain, name, description, system_prompt, openai_api_key, openai_model, temperature,
         audio_transcription, max_retries, inbound_only, message_buffer_time, timezone,
         working_hours_enabled, working_hours_schedule, enabled_tools, is_active, open_line_id,
         bot_id, bot_type, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Domain, a.Name, nullIfEmpty(a.Description), nullIfEmpty(a.SystemPrompt),
		a.OpenAIAPIKey, a.OpenAIModel, a.Temperature, a.AudioTranscription, a.MaxRetries,
		a.InboundOnly, a.MessageBufferTime, a.Timezone, a.WorkingHoursEnabled,
		string(scheduleJSON), string(toolsJSON), a.IsActive, nullIfEmpty(a.OpenLineID),
		nullIfZero(a.BotID), a.BotType, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to insert agent: %w", err)
	}

	id, _ := res.LastInsertId()
	a.ID = id
	a.CreatedAt = now
	a.UpdatedAt = now
	return id, nil
}

func (s *SQLiteStore) UpdateAgent(a *Agent) error {
	scheduleJSON, err := json.Marshal(a.WorkingHoursSchedule)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule: %w", err)
	}
	toolsJSON, err := json.Marshal(a.EnabledTools)
	if err != nil {
		return fmt.Errorf("failed to marshal enabled tools: %w", err)
	}

	now := time.Now().Unix()
	res, err := s.db.Exec(`
        UPDATE agents SET
            name = ?, description = ?, system_prompt = ?, openai_api_key = ?, openai_model = ?,
            temperature = ?, audio_transcription = ?, max_retries = ?, inbound_only = ?,
            message_buffer_time = ?, timezone = ?, working_hours_enabled = ?,
            working_hours_schedule = ?, enabled_tools = ?, is_active = ?, open_line_id = ?,
            bot_id = ?, bot_type = ?, updated_at = ?
        WHERE id = ?`,
		a.Name, nullIfEmpty(a.Description), nullIfEmpty(a.SystemPrompt), a.OpenAIAPIKey,
		a.OpenAIModel, a.Temperature, a.AudioTranscription, a.MaxRetries, a.InboundOnly,
		a.MessageBufferTime, a.Timezone, a.WorkingHoursEnabled, string(scheduleJSON),
		string(toolsJSON), a.IsActive, nullIfEmpty(a.OpenLineID), nullIfZero(a.BotID),
		a.BotType, now, a.ID)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("agent %d not found", a.ID)
	}
	a.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) GetAgent(id int64) (*Agent, error) {
	agent, err := scanAgent(s.db.QueryRow("SELECT "+agentColumns+" FROM agents WHERE id = ?", id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return agent, nil
}

func (s *SQLiteStore) GetAgents(domain string) ([]*Agent, error) {
	rows, err := s.db.Query("SELECT "+agentColumns+" FROM agents WHERE domain = ? ORDER BY created_at DESC", domain)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent row: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// GetAgentByBotID returns the agent bound to the given bot id in the portal,
// or nil when no agent matches.
func (s *SQLiteStore) GetAgentByBotID(botID int64, domain string) (*Agent, error) {
	if botID == 0 {
		return nil, nil
	}
	agent, err := scanAgent(s.db.QueryRow(
		"SELECT "+agentColumns+" FROM agents WHERE bot_id = ? AND domain = ?", botID, domain))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get agent by bot id: %w", err)
	}
	return agent, nil
}

// GetAgentByOpenLine returns the agent bound to the given open line in the
// portal, or nil when no agent matches.
func (s *SQLiteStore) GetAgentByOpenLine(lineID, domain string) (*Agent, error) {
	if lineID == "" {
		return nil, nil
	}
	agent, err := scanAgent(s.db.QueryRow(
		"SELECT "+agentColumns+" FROM agents WHERE open_line_id = ? AND domain = ?", lineID, domain))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get agent by open line: %w", err)
	}
	return agent, nil
}

// UsedOpenLines returns the open-line ids claimed by active agents in the portal.
func (s *SQLiteStore) UsedOpenLines(domain string) (map[string]bool, error) {
	rows, err := s.db.Query(`
        SELECT open_line_id FROM agents
        WHERE domain = ? AND open_line_id IS NOT NULL AND is_active = 1`, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to query used open lines: %w", err)
	}
	defer rows.Close()

	used := make(map[string]bool)
	for rows.Next() {
		var lineID string
		if err := rows.Scan(&lineID); err != nil {
			return nil, fmt.Errorf("failed to scan open line row: %w", err)
		}
		used[lineID] = true
	}
	return used, rows.Err()
}

// DeleteAgent removes the agent and everything it owns: knowledge chunks,
// logs, sessions and their messages. Deleting a missing agent is a no-op so
// the create saga's compensation can run safely more than once.
func (s *SQLiteStore) DeleteAgent(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM knowledge_chunks WHERE agent_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete knowledge chunks: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM logs WHERE agent_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete logs: %w", err)
	}
	if _, err := tx.Exec(
		"DELETE FROM messages WHERE session_id IN (SELECT id FROM chat_sessions WHERE agent_id = ?)", id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM chat_sessions WHERE agent_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete sessions: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM agents WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	return tx.Commit()
}

// KnowledgeChunk methods

func (s *SQLiteStore) AddKnowledgeChunk(c *KnowledgeChunk) (int64, error) {
	res, err := s.db.Exec(`
        INSERT INTO knowledge_chunks (agent_id, filename, content, content_type, chunk_index, embedding, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.AgentID, c.Filename, c.Content, c.ContentType, c.ChunkIndex,
		nullIfEmpty(c.Embedding), time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to insert knowledge chunk: %w", err)
	}
	id, _ := res.LastInsertId()
	c.ID = id
	return id, nil
}

func (s *SQLiteStore) GetKnowledgeChunks(agentID int64) ([]KnowledgeChunk, error) {
	rows, err := s.db.Query(`
        SELECT id, agent_id, filename, content, content_type, chunk_index, embedding, created_at
        FROM knowledge_chunks
        WHERE agent_id = ?
        ORDER BY filename, chunk_index`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query knowledge chunks: %w", err)
	}
	defer rows.Close()

	var chunks []KnowledgeChunk
	for rows.Next() {
		var c KnowledgeChunk
		var embedding sql.NullString
		if err := rows.Scan(&c.ID, &c.AgentID, &c.Filename, &c.Content, &c.ContentType,
			&c.ChunkIndex, &embedding, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan knowledge chunk row: %w", err)
		}
		c.Embedding = embedding.String
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// DeleteKnowledgeByFilename removes every chunk of the named file, giving
// uploads replace-on-upload semantics.
func (s *SQLiteStore) DeleteKnowledgeByFilename(agentID int64, filename string) error {
	_, err := s.db.Exec("DELETE FROM knowledge_chunks WHERE agent_id = ? AND filename = ?", agentID, filename)
	if err != nil {
		return fmt.Errorf("failed to delete knowledge chunks: %w", err)
	}
	return nil
}

// KnowledgeContext concatenates the agent's chunks in filename then
// chunk-index order up to maxChars. The first chunk that would overflow is
// truncated with an ellipsis when more than 100 characters of budget remain,
// otherwise dropped. Returns "" when the agent has no knowledge base.
func (s *SQLiteStore) KnowledgeContext(agentID int64, maxChars int) (string, error) {
	chunks, err := s.GetKnowledgeChunks(agentID)
	if err != nil {
		return "", err
	}
	if len(chunks) == 0 {
		return "", nil
	}

	var parts []string
	current := 0
	for _, c := range chunks {
		docText := fmt.Sprintf("[%s]\n%s\n", c.Filename, c.Content)
		if current+len(docText) > maxChars {
			remaining := maxChars - current
			if remaining > 100 {
				parts = append(parts, docText[:remaining]+"...")
			}
			break
		}
		parts = append(parts, docText)
		current += len(docText)
	}

	if len(parts) == 0 {
		return "", nil
	}
	return strings.Join(parts, "\n"), nil
}

// ChatSession methods

func (s *SQLiteStore) GetOrCreateSession(agentID int64, chatID, userID, userName string) (*ChatSession, error) {
	session, err := s.getSessionByChatID(agentID, chatID)
	if err != nil {
		return nil, err
	}
	if session != nil {
		return session, nil
	}

	now := time.Now().Unix()
	res, err := s.db.Exec(`
        INSERT INTO chat_sessions (agent_id, chat_id, user_id, user_name, status, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		agentID, chatID, userID, userName, SessionActive, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}
	id, _ := res.LastInsertId()
	return &ChatSession{
		ID: id, AgentID: agentID, ChatID: chatID, UserID: userID, UserName: userName,
		Status: SessionActive, CreatedAt: now,
	}, nil
}

func (s *SQLiteStore) getSessionByChatID(agentID int64, chatID string) (*ChatSession, error) {
	row := s.db.QueryRow(`
        SELECT id, agent_id, chat_id, user_id, user_name, status, last_message_time,
               created_lead_id, created_deal_id, created_at
        FROM chat_sessions WHERE agent_id = ? AND chat_id = ?`, agentID, chatID)
	return scanSession(row)
}

func (s *SQLiteStore) GetSession(id int64) (*ChatSession, error) {
	row := s.db.QueryRow(`
        SELECT id, agent_id, chat_id, user_id, user_name, status, last_message_time,
               created_lead_id, created_deal_id, created_at
        FROM chat_sessions WHERE id = ?`, id)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*ChatSession, error) {
	var sess ChatSession
	var userID, userName sql.NullString
	var lastMessageTime, leadID, dealID sql.NullInt64
	err := row.Scan(&sess.ID, &sess.AgentID, &sess.ChatID, &userID, &userName, &sess.Status,
		&lastMessageTime, &leadID, &dealID, &sess.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	sess.UserID = userID.String
	sess.UserName = userName.String
	sess.LastMessageTime = lastMessageTime.Int64
	sess.CreatedLeadID = leadID.Int64
	sess.CreatedDealID = dealID.Int64
	return &sess, nil
}

func (s *SQLiteStore) UpdateSessionStatus(sessionID int64, status string, leadID, dealID int64) error {
	updates := []string{"status = ?"}
	params := []any{status}
	if leadID != 0 {
		updates = append(updates, "created_lead_id = ?")
		params = append(params, leadID)
	}
	if dealID != 0 {
		updates = append(updates, "created_deal_id = ?")
		params = append(params, dealID)
	}
	params = append(params, sessionID)

	_, err := s.db.Exec("UPDATE chat_sessions SET "+strings.Join(updates, ", ")+" WHERE id = ?", params...)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return nil
}

// Message methods

func (s *SQLiteStore) AddMessage(m *Message) error {
	m.Timestamp = time.Now().Unix()
	res, err := s.db.Exec(`
        INSERT INTO messages (session_id, message_id, author_type, author_id, content,
                              is_audio, audio_transcription, processed, timestamp)
        VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		m.SessionID, m.MessageID, m.AuthorType, m.AuthorID, m.Content,
		m.IsAudio, nullIfEmpty(m.AudioTranscription), m.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	m.ID, _ = res.LastInsertId()

	_, err = s.db.Exec("UPDATE chat_sessions SET last_message_time = ? WHERE id = ?", m.Timestamp, m.SessionID)
	if err != nil {
		return fmt.Errorf("failed to stamp session activity: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UnprocessedMessages(sessionID int64) ([]Message, error) {
	return s.queryMessages(`
        SELECT id, session_id, message_id, author_type, author_id, content,
               is_audio, audio_transcription, processed, timestamp
        FROM messages
        WHERE session_id = ? AND processed = 0
        ORDER BY timestamp ASC, id ASC`, sessionID)
}

// ChatHistory returns up to limit most recent messages in chronological order.
func (s *SQLiteStore) ChatHistory(sessionID int64, limit int) ([]Message, error) {
	messages, err := s.queryMessages(`
        SELECT id, session_id, message_id, author_type, author_id, content,
               is_audio, audio_transcription, processed, timestamp
        FROM messages
        WHERE session_id = ?
        ORDER BY timestamp DESC, id DESC
        LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *SQLiteStore) queryMessages(query string, args ...any) ([]Message, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var messageID, authorID, transcription sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &messageID, &m.AuthorType, &authorID,
			&m.Content, &m.IsAudio, &transcription, &m.Processed, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		m.MessageID = messageID.String
		m.AuthorID = authorID.String
		m.AudioTranscription = transcription.String
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *SQLiteStore) MarkMessagesProcessed(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.Exec("UPDATE messages SET processed = 1 WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("failed to mark messages processed: %w", err)
	}
	return nil
}

// Log methods

func (s *SQLiteStore) AddLog(agentID, sessionID int64, actionType string, data map[string]any, success bool, errorMessage string) error {
	var dataJSON any
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal log data: %w", err)
		}
		dataJSON = string(b)
	}
	_, err := s.db.Exec(`
        INSERT INTO logs (agent_id, session_id, action_type, action_data, success, error_message, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		agentID, nullIfZero(sessionID), actionType, dataJSON, success,
		nullIfEmpty(errorMessage), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to insert log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAgentLogs(agentID int64, limit int) ([]LogEntry, error) {
	rows, err := s.db.Query(`
        SELECT id, agent_id, session_id, action_type, action_data, success, error_message, created_at
        FROM logs
        WHERE agent_id = ?
        ORDER BY created_at DESC, id DESC
        LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	var logs []LogEntry
	for rows.Next() {
		var entry LogEntry
		var sessionID sql.NullInt64
		var dataJSON, errorMessage sql.NullString
		if err := rows.Scan(&entry.ID, &entry.AgentID, &sessionID, &entry.ActionType,
			&dataJSON, &entry.Success, &errorMessage, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan log row: %w", err)
		}
		entry.SessionID = sessionID.Int64
		entry.ErrorMessage = errorMessage.String
		if dataJSON.String != "" {
			if err := json.Unmarshal([]byte(dataJSON.String), &entry.ActionData); err != nil {
				log.Printf("Warning: failed to unmarshal log data for entry %d: %v", entry.ID, err)
			}
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}
