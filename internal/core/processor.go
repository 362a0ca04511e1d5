package core

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/b24tools/ai-agents/internal/config"
	"github.com/b24tools/ai-agents/internal/store"
)

// Processor runs one full dialogue turn for an agent: working-hours gate,
// conversation building, model completion, tool execution and the reply.
// One Processor instance serves one webhook delivery.
type Processor struct {
	store  *store.SQLiteStore
	llm    ChatCompleter
	bitrix PlatformClient
	agent  *store.Agent

	now func() time.Time
}

func NewProcessor(st *store.SQLiteStore, llm ChatCompleter, client PlatformClient, agent *store.Agent) *Processor {
	return &Processor{
		store:  st,
		llm:    llm,
		bitrix: client,
		agent:  agent,
		now:    time.Now,
	}
}

func (p *Processor) location() *time.Location {
	loc, err := time.LoadLocation(p.agent.Timezone)
	if err != nil {
		log.Printf("Unknown timezone %q for agent %d, falling back to UTC", p.agent.Timezone, p.agent.ID)
		return time.UTC
	}
	return loc
}

// IsWorkingHours evaluates the agent's schedule against its local clock.
// A disabled schedule means 24/7; a weekday missing from the schedule is a
// non-working day.
func (p *Processor) IsWorkingHours() bool {
	if !p.agent.WorkingHoursEnabled {
		return true
	}

	now := p.now().In(p.location())
	weekday := strings.ToLower(now.Weekday().String())

	day, ok := p.agent.WorkingHoursSchedule[weekday]
	if !ok {
		return false
	}

	from := day.From
	if from == "" {
		from = "00:00"
	}
	to := day.To
	if to == "" {
		to = "23:59"
	}

	current := now.Format("15:04")
	return from <= current && current <= to
}

var weekdayOrder = []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}

var weekdayShort = map[string]string{
	"monday":    "Mon",
	"tuesday":   "Tue",
	"wednesday": "Wed",
	"thursday":  "Thu",
	"friday":    "Fri",
	"saturday":  "Sat",
	"sunday":    "Sun",
}

// FormatWorkingHours renders the schedule for the outside-hours notice.
func (p *Processor) FormatWorkingHours() string {
	if !p.agent.WorkingHoursEnabled || len(p.agent.WorkingHoursSchedule) == 0 {
		return "24/7"
	}

	var parts []string
	for _, day := range weekdayOrder {
		times, ok := p.agent.WorkingHoursSchedule[day]
		if !ok {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s %s-%s", weekdayShort[day], times.From, times.To))
	}
	return strings.Join(parts, ", ")
}

// ProcessChatMessages runs the turn for a session's unprocessed messages.
// dialogID is the id outbound messages are addressed to; chatID is the bare
// chat id chat-control tools operate on (may be empty for internal dialogs).
// Failures are logged, never returned: the webhook must acknowledge
// regardless of how the turn went.
func (p *Processor) ProcessChatMessages(session *store.ChatSession, dialogID, chatID string) {
	if !p.IsWorkingHours() {
		notice := fmt.Sprintf(
			"Thank you for reaching out! Our working hours are: %s. We will respond during business hours.",
			p.FormatWorkingHours())

		if err := p.bitrix.SendMessage(p.agent.BotID, dialogID, notice); err != nil {
			log.Printf("Failed to send working-hours notice to %s: %v", dialogID, err)
		}
		p.log(session.ID, "outside_working_hours", map[string]any{
			"chat_id": dialogID,
			"time":    p.now().In(p.location()).Format(time.RFC3339),
		}, true, "")
		return
	}

	messages, err := p.store.UnprocessedMessages(session.ID)
	if err != nil {
		log.Printf("Failed to load unprocessed messages for session %d: %v", session.ID, err)
		p.log(session.ID, "processing_error", map[string]any{"error": err.Error()}, false, err.Error())
		return
	}
	if len(messages) == 0 {
		return
	}

	conversation := p.buildConversation(messages)
	tools := EnabledTools(p.agent.EnabledTools)

	response, err := p.llm.ChatCompletion(conversation, p.agent.OpenAIModel, p.agent.Temperature, tools, p.agent.MaxRetries)
	if err != nil {
		log.Printf("Completion failed for agent %d session %d: %v", p.agent.ID, session.ID, err)
		p.log(session.ID, "processing_error", map[string]any{"error": err.Error()}, false, err.Error())
		return
	}

	var finalMessage string
	if len(response.ToolCalls) > 0 {
		results := p.executeToolCalls(session, chatID, response.ToolCalls)
		finalMessage = response.Content
		if finalMessage == "" {
			finalMessage = composeFallbackText(results)
		}
	} else {
		finalMessage = response.Content
		if finalMessage == "" {
			finalMessage = "Sorry, I cannot respond."
		}
	}

	if err := p.bitrix.SendMessage(p.agent.BotID, dialogID, finalMessage); err != nil {
		log.Printf("Failed to send reply to %s: %v", dialogID, err)
		p.log(session.ID, "message_sent", map[string]any{"content": finalMessage}, false, err.Error())
	} else {
		p.log(session.ID, "message_sent", map[string]any{"content": finalMessage}, true, "")
	}

	ids := make([]int64, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	if err := p.store.MarkMessagesProcessed(ids); err != nil {
		log.Printf("Failed to mark messages processed for session %d: %v", session.ID, err)
	}
}

func (p *Processor) executeToolCalls(session *store.ChatSession, chatID string, calls []ToolCall) []ToolResult {
	results := make([]ToolResult, 0, len(calls))

	for _, call := range calls {
		result := ExecuteTool(call.Function, call.Arguments, p.bitrix, chatID, p.agent.Timezone)
		results = append(results, result)

		p.log(session.ID, "tool_call_"+call.Function, map[string]any{
			"arguments": call.Arguments,
			"result":    result,
		}, result.Success, result.Error)

		if p.agent.InboundOnly && result.Success &&
			(call.Function == "crm_lead_add" || call.Function == "crm_deal_add") {
			p.applyInboundOnly(session, chatID, result)
		}
	}

	return results
}

// applyInboundOnly marks the session completed once a lead or deal exists.
// Bookkeeping only: the live dialogue is not ended here, that takes the
// explicit disconnect_agent_from_chat tool.
func (p *Processor) applyInboundOnly(session *store.ChatSession, chatID string, result ToolResult) {
	if err := p.store.UpdateSessionStatus(session.ID, store.SessionCompleted, result.LeadID, result.DealID); err != nil {
		log.Printf("Failed to complete session %d: %v", session.ID, err)
		return
	}
	p.log(session.ID, "inbound_only_disconnect", map[string]any{
		"chat_id": chatID,
		"lead_id": result.LeadID,
		"deal_id": result.DealID,
	}, true, "")
}

func composeFallbackText(results []ToolResult) string {
	var successful []string
	for _, r := range results {
		if !r.Success {
			continue
		}
		msg := r.Message
		if msg == "" {
			msg = "OK"
		}
		successful = append(successful, msg)
	}
	if len(successful) == 0 {
		return "Action completed."
	}
	return "Done: " + strings.Join(successful, ", ")
}

func (p *Processor) buildConversation(messages []store.Message) []ChatMessage {
	now := p.now().In(p.location())
	currentTime := now.Format("2006-01-02 15:04:05 MST")

	knowledgeContext, err := p.store.KnowledgeContext(p.agent.ID, config.AppConfig.RAGMaxContext)
	if err != nil {
		log.Printf("Failed to assemble knowledge context for agent %d: %v", p.agent.ID, err)
		knowledgeContext = ""
	}

	systemPrompt := BuildSystemPrompt(p.agent.SystemPrompt, p.agent.Description, currentTime, knowledgeContext)

	conversation := []ChatMessage{{Role: "system", Content: systemPrompt}}

	for _, msg := range messages {
		role := "user"
		if msg.AuthorType == store.AuthorBot {
			role = "assistant"
		}

		content := msg.Content
		if msg.IsAudio && msg.AudioTranscription != "" {
			content = fmt.Sprintf("[Voice message]: %s", msg.AudioTranscription)
		}

		conversation = append(conversation, ChatMessage{Role: role, Content: content})
	}

	return conversation
}

func (p *Processor) log(sessionID int64, actionType string, data map[string]any, success bool, errorMessage string) {
	if err := p.store.AddLog(p.agent.ID, sessionID, actionType, data, success, errorMessage); err != nil {
		log.Printf("Failed to write %s log for agent %d: %v", actionType, p.agent.ID, err)
	}
}
