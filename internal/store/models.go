package store

// App holds the OAuth tokens for one installed Bitrix24 portal.
type App struct {
	ID           int64  `json:"id"`
	Domain       string `json:"domain"`
	AccessToken  string `json:"-"`
	RefreshToken string `json:"-"`
	ExpiresAt    int64  `json:"expires_at"`
	MemberID     string `json:"member_id"`
	CreatedAt    int64  `json:"created_at"`
}

// DayHours is one weekday's working window, times as "HH:MM".
type DayHours struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Schedule maps lowercase weekday names ("monday", ...) to working windows.
// A weekday missing from the map is a non-working day.
type Schedule map[string]DayHours

const (
	BotTypeInternal = "internal"
	BotTypeOpenLine = "openline"
)

// Agent is one configured bot policy for a portal.
type Agent struct {
	ID                   int64    `json:"id"`
	Domain               string   `json:"domain"`
	Name                 string   `json:"name"`
	Description          string   `json:"description"`
	SystemPrompt         string   `json:"system_prompt"`
	OpenAIAPIKey         string   `json:"-"`
	OpenAIModel          string   `json:"openai_model"`
	Temperature          float64  `json:"temperature"`
	AudioTranscription   bool     `json:"audio_transcription"`
	MaxRetries           int      `json:"max_retries"`
	InboundOnly          bool     `json:"inbound_only"`
	MessageBufferTime    int      `json:"message_buffer_time"`
	Timezone             string   `json:"timezone"`
	WorkingHoursEnabled  bool     `json:"working_hours_enabled"`
	WorkingHoursSchedule Schedule `json:"working_hours_schedule"`
	EnabledTools         []string `json:"enabled_tools"`
	IsActive             bool     `json:"is_active"`
	OpenLineID           string   `json:"open_line_id"`
	BotID                int64    `json:"bot_id"` // 0 until registration succeeds
	BotType              string   `json:"bot_type"`
	CreatedAt            int64    `json:"created_at"`
	UpdatedAt            int64    `json:"updated_at"`
}

// KnowledgeChunk is one fragment of an uploaded knowledge-base document.
// Chunks for a given (agent, filename) form a contiguous 0-based index.
type KnowledgeChunk struct {
	ID          int64  `json:"id"`
	AgentID     int64  `json:"agent_id"`
	Filename    string `json:"filename"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
	ChunkIndex  int    `json:"chunk_index"`
	Embedding   string `json:"-"` // stored but unused for retrieval
	CreatedAt   int64  `json:"created_at"`
}

const (
	SessionActive    = "active"
	SessionCompleted = "completed"
)

// ChatSession is one Bitrix24 dialogue bound to an agent, created lazily
// on the first inbound message.
type ChatSession struct {
	ID              int64  `json:"id"`
	AgentID         int64  `json:"agent_id"`
	ChatID          string `json:"chat_id"`
	UserID          string `json:"user_id"`
	UserName        string `json:"user_name"`
	Status          string `json:"status"`
	LastMessageTime int64  `json:"last_message_time"`
	CreatedLeadID   int64  `json:"created_lead_id"`
	CreatedDealID   int64  `json:"created_deal_id"`
	CreatedAt       int64  `json:"created_at"`
}

const (
	AuthorUser = "user"
	AuthorBot  = "bot"
)

// Message is one turn of a session, inbound or outbound. Append-only.
type Message struct {
	ID                 int64  `json:"id"`
	SessionID          int64  `json:"session_id"`
	MessageID          string `json:"message_id"`
	AuthorType         string `json:"author_type"`
	AuthorID           string `json:"author_id"`
	Content            string `json:"content"`
	IsAudio            bool   `json:"is_audio"`
	AudioTranscription string `json:"audio_transcription"`
	Processed          bool   `json:"processed"`
	Timestamp          int64  `json:"timestamp"`
}

// LogEntry is an append-only audit record of an agent action.
type LogEntry struct {
	ID           int64          `json:"id"`
	AgentID      int64          `json:"agent_id"`
	SessionID    int64          `json:"session_id"` // 0 when not tied to a session
	ActionType   string         `json:"action_type"`
	ActionData   map[string]any `json:"action_data"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"error_message"`
	CreatedAt    int64          `json:"created_at"`
}
