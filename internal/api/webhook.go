package api

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/b24tools/ai-agents/internal/core"
	"github.com/b24tools/ai-agents/internal/store"
)

// Envelope is a normalized inbound bot event, regardless of whether the
// portal delivered it as a bracketed form post or as JSON.
type Envelope struct {
	Event  string
	Params map[string]string
	User   map[string]string
	Auth   map[string]string
}

type eventKind int

const (
	unknownEvent eventKind = iota
	internalMessage
	internalLifecycle
	openLineMessage
)

func classifyEvent(event string) eventKind {
	switch strings.ToUpper(event) {
	case "ONIMBOTMESSAGEADD":
		return internalMessage
	case "ONIMBOTJOINCHAT", "ONIMBOTWELCOMEMESSAGE", "ONIMBOTMESSAGEUPDATE",
		"ONIMBOTMESSAGEDELETE", "ONIMBOTDELETE":
		return internalLifecycle
	case "ONIMCONNECTORMESSAGEADD", "ONIMOPENLINEMESSAGEADD":
		return openLineMessage
	default:
		return unknownEvent
	}
}

var (
	paramsKeyRe = regexp.MustCompile(`^data\[PARAMS\]\[(\w+)\]$`)
	userKeyRe   = regexp.MustCompile(`^data\[USER\]\[(\w+)\]$`)
	authKeyRe   = regexp.MustCompile(`^auth\[(\w+)\]$`)
)

// parseBitrixForm folds the portal's bracketed form keys
// (data[PARAMS][MESSAGE], data[USER][ID], auth[domain], ...) into an
// Envelope. Keys it does not recognize are ignored.
func parseBitrixForm(values url.Values) *Envelope {
	env := &Envelope{
		Event:  values.Get("event"),
		Params: map[string]string{},
		User:   map[string]string{},
		Auth:   map[string]string{},
	}

	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		value := vals[0]
		if m := paramsKeyRe.FindStringSubmatch(key); m != nil {
			env.Params[m[1]] = value
		} else if m := userKeyRe.FindStringSubmatch(key); m != nil {
			env.User[m[1]] = value
		} else if m := authKeyRe.FindStringSubmatch(key); m != nil {
			env.Auth[m[1]] = value
		}
	}

	return env
}

// parseRequest accepts the three delivery shapes Bitrix24 uses: a
// form-encoded body with bracketed keys, a JSON body, or query parameters.
func parseRequest(r *http.Request) *Envelope {
	body, err := io.ReadAll(r.Body)
	if err == nil && len(body) > 0 {
		if values, perr := url.ParseQuery(string(body)); perr == nil && values.Get("event") != "" {
			return parseBitrixForm(values)
		}

		var payload struct {
			Event string `json:"event"`
			Data  struct {
				Params map[string]string `json:"PARAMS"`
				User   map[string]string `json:"USER"`
			} `json:"data"`
			Auth map[string]string `json:"auth"`
		}
		if jerr := json.Unmarshal(body, &payload); jerr == nil && payload.Event != "" {
			env := &Envelope{
				Event:  payload.Event,
				Params: payload.Data.Params,
				User:   payload.Data.User,
				Auth:   payload.Auth,
			}
			if env.Params == nil {
				env.Params = map[string]string{}
			}
			if env.User == nil {
				env.User = map[string]string{}
			}
			if env.Auth == nil {
				env.Auth = map[string]string{}
			}
			return env
		}
	}

	return parseBitrixForm(r.URL.Query())
}

// WebhookHandler receives bot events from Bitrix24 portals. The client and
// completer factories keep the handler testable against fakes.
type WebhookHandler struct {
	store        *store.SQLiteStore
	newClient    func(domain string) core.PlatformClient
	newCompleter func(apiKey string) core.ChatCompleter
}

func NewWebhookHandler(st *store.SQLiteStore, newClient func(domain string) core.PlatformClient, newCompleter func(apiKey string) core.ChatCompleter) *WebhookHandler {
	return &WebhookHandler{store: st, newClient: newClient, newCompleter: newCompleter}
}

func ack(w http.ResponseWriter, payload map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(payload)
}

// BotWebhook always answers 200: a non-200 makes the portal retry the
// delivery, and retried turns mean duplicated replies.
func (h *WebhookHandler) BotWebhook(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("Panic in bot webhook: %v", rec)
			ack(w, map[string]string{"status": "error"})
		}
	}()

	env := parseRequest(r)

	switch classifyEvent(env.Event) {
	case internalMessage:
		h.handleMessageAdd(w, env)
	case openLineMessage:
		h.handleOpenLineMessage(w, env)
	case internalLifecycle:
		log.Printf("Lifecycle event %s acknowledged", env.Event)
		ack(w, map[string]string{"status": "ok"})
	default:
		log.Printf("Unhandled event %q acknowledged", env.Event)
		ack(w, map[string]string{"status": "ok", "event": env.Event})
	}
}

// intField tolerates both numeric and quoted-numeric values.
func intField(params map[string]string, key string) int64 {
	n, _ := strconv.ParseInt(strings.TrimSpace(params[key]), 10, 64)
	return n
}

func (h *WebhookHandler) handleMessageAdd(w http.ResponseWriter, env *Envelope) {
	domain := env.Auth["domain"]
	if domain == "" {
		ack(w, map[string]string{"status": "no_domain"})
		return
	}

	message := env.Params["MESSAGE"]
	dialogID := env.Params["DIALOG_ID"]
	chatID := env.Params["CHAT_ID"]
	fromUserID := env.Params["FROM_USER_ID"]
	if message == "" || dialogID == "" {
		ack(w, map[string]string{"status": "no_message"})
		return
	}

	botID := intField(env.Params, "TO_USER_ID")
	agent, err := h.store.GetAgentByBotID(botID, domain)
	if err != nil {
		log.Printf("Agent lookup by bot %d failed: %v", botID, err)
	}
	if agent == nil {
		agent = h.fallbackAgent(domain, "")
		if agent != nil {
			log.Printf("No agent bound to bot %d on %s, falling back to agent %d", botID, domain, agent.ID)
		}
	}
	if agent == nil {
		ack(w, map[string]string{"status": "agent_not_found"})
		return
	}
	if !agent.IsActive {
		ack(w, map[string]string{"status": "agent_inactive"})
		return
	}

	h.runTurn(agent, domain, dialogID, chatID, fromUserID, env.User["NAME"], message, env.Params["MESSAGE_ID"])
	ack(w, map[string]string{"status": "ok"})
}

func (h *WebhookHandler) handleOpenLineMessage(w http.ResponseWriter, env *Envelope) {
	domain := env.Auth["domain"]
	if domain == "" {
		ack(w, map[string]string{"status": "no_domain"})
		return
	}

	dialogID := env.Params["DIALOG_ID"]
	chatID := env.Params["CHAT_ID"]
	if dialogID == "" {
		dialogID = chatID
	}
	message := env.Params["MESSAGE"]
	if message == "" {
		message = env.Params["MESSAGE_TEXT"]
	}
	fromUserID := env.Params["FROM_USER_ID"]
	if fromUserID == "" {
		fromUserID = env.Params["USER_ID"]
	}
	if message == "" || (dialogID == "" && chatID == "") {
		ack(w, map[string]string{"status": "no_message"})
		return
	}

	lineID := env.Params["LINE_ID"]
	var agent *store.Agent
	if lineID != "" {
		var err error
		agent, err = h.store.GetAgentByOpenLine(lineID, domain)
		if err != nil {
			log.Printf("Agent lookup by line %s failed: %v", lineID, err)
		}
	}
	if agent == nil {
		agent = h.fallbackAgent(domain, store.BotTypeOpenLine)
		if agent != nil {
			log.Printf("No agent bound to line %q on %s, falling back to agent %d", lineID, domain, agent.ID)
		}
	}
	if agent == nil {
		ack(w, map[string]string{"status": "agent_not_found"})
		return
	}
	if !agent.IsActive {
		ack(w, map[string]string{"status": "agent_inactive"})
		return
	}

	// Open-line replies go to the chat dialog, not the connector user.
	targetDialogID := dialogID
	if !strings.HasPrefix(targetDialogID, "chat") && chatID != "" {
		targetDialogID = "chat" + chatID
	}

	h.runTurn(agent, domain, targetDialogID, chatID, fromUserID, env.User["NAME"], message, env.Params["MESSAGE_ID"])
	ack(w, map[string]string{"status": "ok"})
}

// fallbackAgent picks the first active agent for the domain, filtered by
// bot type when one is given. Keeps chats answered when the bot binding is
// stale, at the cost of possibly picking the wrong agent on multi-agent
// portals.
func (h *WebhookHandler) fallbackAgent(domain, botType string) *store.Agent {
	agents, err := h.store.GetAgents(domain)
	if err != nil {
		log.Printf("Fallback agent lookup for %s failed: %v", domain, err)
		return nil
	}
	for _, a := range agents {
		if !a.IsActive || a.BotID == 0 {
			continue
		}
		if botType != "" && a.BotType != botType {
			continue
		}
		return a
	}
	return nil
}

func (h *WebhookHandler) runTurn(agent *store.Agent, domain, dialogID, chatID, fromUserID, userName, message, messageID string) {
	client := h.newClient(domain)

	// Typing is cosmetic; a failure must not stall the turn.
	if err := client.SendTyping(agent.BotID, dialogID); err != nil {
		log.Printf("Failed to send typing to %s: %v", dialogID, err)
	}

	session, err := h.store.GetOrCreateSession(agent.ID, dialogID, fromUserID, userName)
	if err != nil {
		log.Printf("Failed to open session for agent %d chat %s: %v", agent.ID, dialogID, err)
		return
	}

	if err := h.store.AddMessage(&store.Message{
		SessionID:  session.ID,
		MessageID:  messageID,
		AuthorType: store.AuthorUser,
		AuthorID:   fromUserID,
		Content:    message,
	}); err != nil {
		log.Printf("Failed to store message for session %d: %v", session.ID, err)
		return
	}

	completer := h.newCompleter(agent.OpenAIAPIKey)
	processor := core.NewProcessor(h.store, completer, client, agent)
	processor.ProcessChatMessages(session, dialogID, chatID)
}
