package api

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/b24tools/ai-agents/internal/auth"
	"github.com/b24tools/ai-agents/internal/core"
	"github.com/b24tools/ai-agents/internal/store"
)

type APIHandler struct {
	store        *store.SQLiteStore
	agentService *core.AgentService
}

func NewAPIHandler(st *store.SQLiteStore, as *core.AgentService) *APIHandler {
	return &APIHandler{store: st, agentService: as}
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		domain, err := auth.ValidateJWT(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		app, err := h.store.GetApp(domain)
		if err != nil {
			log.Printf("Error in JWTAuthMiddleware for domain %s: %v", domain, err)
			http.Error(w, "Failed to verify portal", http.StatusInternalServerError)
			return
		}
		if app == nil {
			http.Error(w, "Portal not installed", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), "domain", domain)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// InstallHandler completes the marketplace install handshake: store the
// tokens Bitrix24 delivers and hand back an admin token scoped to the
// portal domain.
func (h *APIHandler) InstallHandler(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("DOMAIN")

	var authID, refreshID, memberID string
	var expiresIn int64

	if err := r.ParseForm(); err == nil && r.PostForm.Get("AUTH_ID") != "" {
		authID = r.PostForm.Get("AUTH_ID")
		refreshID = r.PostForm.Get("REFRESH_ID")
		memberID = r.PostForm.Get("member_id")
		expiresIn, _ = strconv.ParseInt(r.PostForm.Get("AUTH_EXPIRES"), 10, 64)
	} else {
		var payload struct {
			Domain       string `json:"domain"`
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
			ExpiresIn    int64  `json:"expires_in"`
			MemberID     string `json:"member_id"`
		}
		body, _ := io.ReadAll(r.Body)
		if jerr := json.Unmarshal(body, &payload); jerr == nil {
			if domain == "" {
				domain = payload.Domain
			}
			authID = payload.AccessToken
			refreshID = payload.RefreshToken
			memberID = payload.MemberID
			expiresIn = payload.ExpiresIn
		}
	}

	if domain == "" || authID == "" {
		http.Error(w, "DOMAIN and AUTH_ID are required", http.StatusBadRequest)
		return
	}
	if expiresIn == 0 {
		expiresIn = 3600
	}

	// AUTH_EXPIRES is a lifetime in seconds; the store keeps an absolute
	// expiry timestamp.
	if err := h.store.SaveApp(domain, authID, refreshID, time.Now().Unix()+expiresIn, memberID); err != nil {
		log.Printf("Error saving installation for %s: %v", domain, err)
		http.Error(w, "Failed to save installation", http.StatusInternalServerError)
		return
	}

	// Connector events arrive only once bound; a failure here leaves
	// internal bots working, so it must not fail the install.
	if err := h.agentService.BindPortalEvents(domain); err != nil {
		log.Printf("Failed to bind open-line events for %s: %v", domain, err)
	}

	token, err := auth.GenerateJWT(domain)
	if err != nil {
		log.Printf("Error generating JWT for %s: %v", domain, err)
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	log.Printf("App installed on %s", domain)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "installed",
		"domain": domain,
		"token":  token,
	})
}

type CreateAgentRequest struct {
	Name                 string         `json:"name"`
	Description          string         `json:"description"`
	SystemPrompt         string         `json:"system_prompt"`
	OpenAIAPIKey         string         `json:"openai_api_key"`
	OpenAIModel          string         `json:"openai_model"`
	Temperature          float64        `json:"temperature"`
	AudioTranscription   bool           `json:"audio_transcription"`
	MaxRetries           int            `json:"max_retries"`
	InboundOnly          bool           `json:"inbound_only"`
	MessageBufferTime    int            `json:"message_buffer_time"`
	Timezone             string         `json:"timezone"`
	WorkingHoursEnabled  bool           `json:"working_hours_enabled"`
	WorkingHoursSchedule store.Schedule `json:"working_hours_schedule"`
	EnabledTools         []string       `json:"enabled_tools"`
	OpenLineID           string         `json:"open_line_id"`
	BotType              string         `json:"bot_type"`
}

func (h *APIHandler) CreateAgentHandler(w http.ResponseWriter, r *http.Request) {
	domain := r.Context().Value("domain").(string)

	var req CreateAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "Agent name is required", http.StatusBadRequest)
		return
	}
	if req.OpenAIAPIKey == "" {
		http.Error(w, "OpenAI API key is required", http.StatusBadRequest)
		return
	}

	agent := &store.Agent{
		Name:                 req.Name,
		Description:          req.Description,
		SystemPrompt:         req.SystemPrompt,
		OpenAIAPIKey:         req.OpenAIAPIKey,
		OpenAIModel:          req.OpenAIModel,
		Temperature:          req.Temperature,
		AudioTranscription:   req.AudioTranscription,
		MaxRetries:           req.MaxRetries,
		InboundOnly:          req.InboundOnly,
		MessageBufferTime:    req.MessageBufferTime,
		Timezone:             req.Timezone,
		WorkingHoursEnabled:  req.WorkingHoursEnabled,
		WorkingHoursSchedule: req.WorkingHoursSchedule,
		EnabledTools:         req.EnabledTools,
		IsActive:             true,
		OpenLineID:           req.OpenLineID,
		BotType:              req.BotType,
	}

	created, err := h.agentService.CreateAgent(domain, agent)
	if err != nil {
		log.Printf("Error creating agent for %s: %v", domain, err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(created)
}

func (h *APIHandler) ListAgentsHandler(w http.ResponseWriter, r *http.Request) {
	domain := r.Context().Value("domain").(string)

	agents, err := h.agentService.GetAgents(domain)
	if err != nil {
		log.Printf("Error listing agents for %s: %v", domain, err)
		http.Error(w, "Failed to list agents", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(agents)
}

func (h *APIHandler) agentFromRequest(w http.ResponseWriter, r *http.Request) (*store.Agent, bool) {
	domain := r.Context().Value("domain").(string)

	agentID, err := strconv.ParseInt(chi.URLParam(r, "agentID"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid agent id", http.StatusBadRequest)
		return nil, false
	}

	agent, err := h.agentService.GetAgent(domain, agentID)
	if err != nil {
		http.Error(w, "Agent not found", http.StatusNotFound)
		return nil, false
	}
	return agent, true
}

func (h *APIHandler) GetAgentHandler(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.agentFromRequest(w, r)
	if !ok {
		return
	}
	json.NewEncoder(w).Encode(agent)
}

// UpdateAgentRequest uses pointer fields so absent keys leave the stored
// value untouched.
type UpdateAgentRequest struct {
	Name                 *string         `json:"name"`
	Description          *string         `json:"description"`
	SystemPrompt         *string         `json:"system_prompt"`
	OpenAIAPIKey         *string         `json:"openai_api_key"`
	OpenAIModel          *string         `json:"openai_model"`
	Temperature          *float64        `json:"temperature"`
	AudioTranscription   *bool           `json:"audio_transcription"`
	MaxRetries           *int            `json:"max_retries"`
	InboundOnly          *bool           `json:"inbound_only"`
	MessageBufferTime    *int            `json:"message_buffer_time"`
	Timezone             *string         `json:"timezone"`
	WorkingHoursEnabled  *bool           `json:"working_hours_enabled"`
	WorkingHoursSchedule *store.Schedule `json:"working_hours_schedule"`
	EnabledTools         *[]string       `json:"enabled_tools"`
	IsActive             *bool           `json:"is_active"`
}

func (h *APIHandler) UpdateAgentHandler(w http.ResponseWriter, r *http.Request) {
	domain := r.Context().Value("domain").(string)

	agent, ok := h.agentFromRequest(w, r)
	if !ok {
		return
	}

	var req UpdateAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.Name != nil {
		agent.Name = *req.Name
	}
	if req.Description != nil {
		agent.Description = *req.Description
	}
	if req.SystemPrompt != nil {
		agent.SystemPrompt = *req.SystemPrompt
	}
	if req.OpenAIAPIKey != nil {
		agent.OpenAIAPIKey = *req.OpenAIAPIKey
	}
	if req.OpenAIModel != nil {
		agent.OpenAIModel = *req.OpenAIModel
	}
	if req.Temperature != nil {
		agent.Temperature = *req.Temperature
	}
	if req.AudioTranscription != nil {
		agent.AudioTranscription = *req.AudioTranscription
	}
	if req.MaxRetries != nil {
		agent.MaxRetries = *req.MaxRetries
	}
	if req.InboundOnly != nil {
		agent.InboundOnly = *req.InboundOnly
	}
	if req.MessageBufferTime != nil {
		agent.MessageBufferTime = *req.MessageBufferTime
	}
	if req.Timezone != nil {
		agent.Timezone = *req.Timezone
	}
	if req.WorkingHoursEnabled != nil {
		agent.WorkingHoursEnabled = *req.WorkingHoursEnabled
	}
	if req.WorkingHoursSchedule != nil {
		agent.WorkingHoursSchedule = *req.WorkingHoursSchedule
	}
	if req.EnabledTools != nil {
		agent.EnabledTools = *req.EnabledTools
	}
	if req.IsActive != nil {
		agent.IsActive = *req.IsActive
	}

	if err := h.agentService.UpdateAgent(domain, agent); err != nil {
		log.Printf("Error updating agent %d: %v", agent.ID, err)
		http.Error(w, "Failed to update agent", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(agent)
}

func (h *APIHandler) DeleteAgentHandler(w http.ResponseWriter, r *http.Request) {
	domain := r.Context().Value("domain").(string)

	agent, ok := h.agentFromRequest(w, r)
	if !ok {
		return
	}

	if err := h.agentService.DeleteAgent(domain, agent.ID); err != nil {
		log.Printf("Error deleting agent %d: %v", agent.ID, err)
		http.Error(w, "Failed to delete agent", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) ToggleAgentHandler(w http.ResponseWriter, r *http.Request) {
	domain := r.Context().Value("domain").(string)

	agent, ok := h.agentFromRequest(w, r)
	if !ok {
		return
	}

	updated, err := h.agentService.ToggleAgent(domain, agent.ID)
	if err != nil {
		log.Printf("Error toggling agent %d: %v", agent.ID, err)
		http.Error(w, "Failed to toggle agent", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(updated)
}

const maxKnowledgeUpload = 10 << 20 // 10 MB

func (h *APIHandler) UploadKnowledgeHandler(w http.ResponseWriter, r *http.Request) {
	domain := r.Context().Value("domain").(string)

	agent, ok := h.agentFromRequest(w, r)
	if !ok {
		return
	}

	if err := r.ParseMultipartForm(maxKnowledgeUpload); err != nil {
		http.Error(w, "Invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "A file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, maxKnowledgeUpload))
	if err != nil {
		http.Error(w, "Failed to read file", http.StatusInternalServerError)
		return
	}

	count, err := h.agentService.UploadKnowledge(domain, agent.ID, header.Filename, string(content))
	if err != nil {
		log.Printf("Error uploading knowledge for agent %d: %v", agent.ID, err)
		http.Error(w, "Failed to store knowledge", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"filename": header.Filename,
		"chunks":   count,
	})
}

type KnowledgeFile struct {
	Filename string `json:"filename"`
	Chunks   int    `json:"chunks"`
	Size     int    `json:"size"`
}

func (h *APIHandler) ListKnowledgeHandler(w http.ResponseWriter, r *http.Request) {
	domain := r.Context().Value("domain").(string)

	agent, ok := h.agentFromRequest(w, r)
	if !ok {
		return
	}

	chunks, err := h.agentService.ListKnowledge(domain, agent.ID)
	if err != nil {
		log.Printf("Error listing knowledge for agent %d: %v", agent.ID, err)
		http.Error(w, "Failed to list knowledge", http.StatusInternalServerError)
		return
	}

	// Chunks arrive ordered by filename, so grouping is a single pass.
	files := []KnowledgeFile{}
	for _, c := range chunks {
		if len(files) == 0 || files[len(files)-1].Filename != c.Filename {
			files = append(files, KnowledgeFile{Filename: c.Filename})
		}
		files[len(files)-1].Chunks++
		files[len(files)-1].Size += len(c.Content)
	}
	json.NewEncoder(w).Encode(files)
}

func (h *APIHandler) DeleteKnowledgeHandler(w http.ResponseWriter, r *http.Request) {
	domain := r.Context().Value("domain").(string)

	agent, ok := h.agentFromRequest(w, r)
	if !ok {
		return
	}

	filename := r.URL.Query().Get("filename")
	if filename == "" {
		http.Error(w, "filename query parameter is required", http.StatusBadRequest)
		return
	}

	if err := h.agentService.DeleteKnowledge(domain, agent.ID, filename); err != nil {
		log.Printf("Error deleting knowledge %s for agent %d: %v", filename, agent.ID, err)
		http.Error(w, "Failed to delete knowledge", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) AgentLogsHandler(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.agentFromRequest(w, r)
	if !ok {
		return
	}

	limit := 100
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 1000 {
		limit = v
	}

	logs, err := h.store.GetAgentLogs(agent.ID, limit)
	if err != nil {
		log.Printf("Error listing logs for agent %d: %v", agent.ID, err)
		http.Error(w, "Failed to list logs", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(logs)
}

func (h *APIHandler) OpenLinesHandler(w http.ResponseWriter, r *http.Request) {
	domain := r.Context().Value("domain").(string)

	lines, err := h.agentService.AvailableOpenLines(domain)
	if err != nil {
		log.Printf("Error listing open lines for %s: %v", domain, err)
		http.Error(w, "Failed to list open lines", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(lines)
}

func (h *APIHandler) ToolsHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(core.AllTools())
}

func (h *APIHandler) ListBotsHandler(w http.ResponseWriter, r *http.Request) {
	domain := r.Context().Value("domain").(string)

	bots, err := h.agentService.ListBots(domain)
	if err != nil {
		log.Printf("Error listing bots for %s: %v", domain, err)
		http.Error(w, "Failed to list bots", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(bots)
}

func (h *APIHandler) RebindHandlersHandler(w http.ResponseWriter, r *http.Request) {
	domain := r.Context().Value("domain").(string)

	count, err := h.agentService.RebindAgentHandlers(domain)
	if err != nil {
		log.Printf("Error rebinding handlers for %s: %v", domain, err)
		http.Error(w, "Failed to rebind handlers", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"rebound": count})
}
