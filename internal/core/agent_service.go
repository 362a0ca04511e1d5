package core

import (
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/b24tools/ai-agents/internal/config"
	"github.com/b24tools/ai-agents/internal/store"
)

// BotAdminClient is the registration half of the Bitrix24 capability, used
// by the create/delete lifecycle rather than the message pipeline.
type BotAdminClient interface {
	RegisterBot(code, name, handlerURL, description string, openline bool) (int64, error)
	UnregisterBot(botID int64) error
	UpdateBotHandler(botID int64, handlerURL string) error
	AttachBotToLine(lineID string, botID int64) error
	DetachBotFromLine(lineID string) error
	ListOpenLines() ([]map[string]any, error)
	ListBots() ([]map[string]any, error)
	BindEvent(event, handlerURL string) error
}

// AgentService owns the agent lifecycle: the two-phase create saga against
// Bitrix24, updates, deletion with remote cleanup, and knowledge uploads.
type AgentService struct {
	store     *store.SQLiteStore
	newClient func(domain string) BotAdminClient
}

func NewAgentService(st *store.SQLiteStore, newClient func(domain string) BotAdminClient) *AgentService {
	return &AgentService{store: st, newClient: newClient}
}

func applyAgentDefaults(a *store.Agent) {
	if a.OpenAIModel == "" {
		a.OpenAIModel = "gpt-4o"
	}
	if a.Temperature == 0 {
		a.Temperature = 0.7
	}
	if a.MaxRetries == 0 {
		a.MaxRetries = 3
	}
	if a.MessageBufferTime == 0 {
		a.MessageBufferTime = 10
	}
	if a.Timezone == "" {
		a.Timezone = "UTC"
	}
	if a.BotType == "" {
		a.BotType = store.BotTypeOpenLine
	}
	if a.WorkingHoursSchedule == nil {
		a.WorkingHoursSchedule = store.Schedule{}
	}
	if a.EnabledTools == nil {
		a.EnabledTools = []string{}
	}
}

// CreateAgent runs the two-phase create: a pending local record first, then
// bot registration with Bitrix24, then the commit that binds the bot id.
// Registration or attach failure compensates by deleting the local record.
func (s *AgentService) CreateAgent(domain string, agent *store.Agent) (*store.Agent, error) {
	agents, err := s.store.GetAgents(domain)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	if len(agents) >= config.AppConfig.MaxAgents {
		return nil, fmt.Errorf("maximum of %d agents reached for %s", config.AppConfig.MaxAgents, domain)
	}

	agent.Domain = domain
	agent.BotID = 0
	applyAgentDefaults(agent)

	isOpenLine := agent.BotType == store.BotTypeOpenLine
	if isOpenLine && agent.OpenLineID == "" {
		return nil, fmt.Errorf("an open line must be selected for an openline bot")
	}
	if !isOpenLine {
		agent.OpenLineID = ""
	}

	agentID, err := s.store.CreateAgent(agent)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent record: %w", err)
	}

	client := s.newClient(domain)
	botCode := fmt.Sprintf("ai_agent_%d_%s", agentID, uuid.NewString()[:8])

	botID, err := client.RegisterBot(botCode, agent.Name, s.handlerURL(), agent.Description, isOpenLine)
	if err != nil {
		s.compensateCreate(agentID)
		return nil, fmt.Errorf("bot registration failed: %w", err)
	}

	if isOpenLine {
		if err := client.AttachBotToLine(agent.OpenLineID, botID); err != nil {
			if uerr := client.UnregisterBot(botID); uerr != nil {
				log.Printf("Failed to unregister bot %d after attach failure: %v", botID, uerr)
			}
			s.compensateCreate(agentID)
			return nil, fmt.Errorf("failed to attach bot to open line %s: %w", agent.OpenLineID, err)
		}
	}

	agent.BotID = botID
	if err := s.store.UpdateAgent(agent); err != nil {
		if uerr := client.UnregisterBot(botID); uerr != nil {
			log.Printf("Failed to unregister bot %d after commit failure: %v", botID, uerr)
		}
		s.compensateCreate(agentID)
		return nil, fmt.Errorf("failed to bind bot id: %w", err)
	}

	log.Printf("Agent %d created for %s: bot_id=%d type=%s", agentID, domain, botID, agent.BotType)
	return agent, nil
}

// compensateCreate rolls back the pending local record. DeleteAgent of a
// missing row is a no-op, so the compensation is safe to repeat.
func (s *AgentService) compensateCreate(agentID int64) {
	if err := s.store.DeleteAgent(agentID); err != nil {
		log.Printf("Compensating delete of agent %d failed: %v", agentID, err)
	}
}

// DeleteAgent removes the remote bot registration (best effort) and cascades
// the local delete.
func (s *AgentService) DeleteAgent(domain string, agentID int64) error {
	agent, err := s.agentInDomain(domain, agentID)
	if err != nil {
		return err
	}

	client := s.newClient(domain)
	if agent.OpenLineID != "" {
		if err := client.DetachBotFromLine(agent.OpenLineID); err != nil {
			log.Printf("Failed to detach bot from line %s: %v", agent.OpenLineID, err)
		}
	}
	if agent.BotID != 0 {
		if err := client.UnregisterBot(agent.BotID); err != nil {
			log.Printf("Failed to unregister bot %d: %v", agent.BotID, err)
		}
	}

	return s.store.DeleteAgent(agentID)
}

func (s *AgentService) agentInDomain(domain string, agentID int64) (*store.Agent, error) {
	agent, err := s.store.GetAgent(agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil || agent.Domain != domain {
		return nil, fmt.Errorf("agent not found")
	}
	return agent, nil
}

func (s *AgentService) GetAgent(domain string, agentID int64) (*store.Agent, error) {
	return s.agentInDomain(domain, agentID)
}

func (s *AgentService) GetAgents(domain string) ([]*store.Agent, error) {
	return s.store.GetAgents(domain)
}

func (s *AgentService) UpdateAgent(domain string, agent *store.Agent) error {
	if _, err := s.agentInDomain(domain, agent.ID); err != nil {
		return err
	}
	return s.store.UpdateAgent(agent)
}

// ToggleAgent flips the active flag and returns the updated record.
func (s *AgentService) ToggleAgent(domain string, agentID int64) (*store.Agent, error) {
	agent, err := s.agentInDomain(domain, agentID)
	if err != nil {
		return nil, err
	}
	agent.IsActive = !agent.IsActive
	if err := s.store.UpdateAgent(agent); err != nil {
		return nil, err
	}
	return agent, nil
}

// UploadKnowledge replaces the named file's chunks with a fresh fixed-size
// split of content. Returns the number of chunks stored.
func (s *AgentService) UploadKnowledge(domain string, agentID int64, filename, content string) (int, error) {
	if _, err := s.agentInDomain(domain, agentID); err != nil {
		return 0, err
	}

	if err := s.store.DeleteKnowledgeByFilename(agentID, filename); err != nil {
		return 0, err
	}

	chunkSize := config.AppConfig.RAGChunkSize
	count := 0
	for start := 0; start < len(content); start += chunkSize {
		end := start + chunkSize
		if end > len(content) {
			end = len(content)
		}
		_, err := s.store.AddKnowledgeChunk(&store.KnowledgeChunk{
			AgentID:     agentID,
			Filename:    filename,
			Content:     content[start:end],
			ContentType: "text",
			ChunkIndex:  count,
		})
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (s *AgentService) ListKnowledge(domain string, agentID int64) ([]store.KnowledgeChunk, error) {
	if _, err := s.agentInDomain(domain, agentID); err != nil {
		return nil, err
	}
	return s.store.GetKnowledgeChunks(agentID)
}

func (s *AgentService) DeleteKnowledge(domain string, agentID int64, filename string) error {
	if _, err := s.agentInDomain(domain, agentID); err != nil {
		return err
	}
	return s.store.DeleteKnowledgeByFilename(agentID, filename)
}

func (s *AgentService) handlerURL() string {
	return strings.TrimRight(config.AppConfig.PublicURL, "/") + "/webhook/bot"
}

// BindPortalEvents subscribes the portal's open-line message events to the
// webhook endpoint. Bot-scoped events come with imbot.register, but connector
// traffic needs an explicit event.bind.
func (s *AgentService) BindPortalEvents(domain string) error {
	client := s.newClient(domain)
	for _, event := range []string{"ONIMCONNECTORMESSAGEADD", "ONIMOPENLINEMESSAGEADD"} {
		if err := client.BindEvent(event, s.handlerURL()); err != nil {
			return fmt.Errorf("failed to bind %s: %w", event, err)
		}
	}
	return nil
}

// RebindAgentHandlers repoints every registered bot at the current webhook
// URL. Needed after the service moves to a new public address. Returns the
// number of bots updated.
func (s *AgentService) RebindAgentHandlers(domain string) (int, error) {
	agents, err := s.store.GetAgents(domain)
	if err != nil {
		return 0, err
	}

	client := s.newClient(domain)
	count := 0
	for _, agent := range agents {
		if agent.BotID == 0 {
			continue
		}
		if err := client.UpdateBotHandler(agent.BotID, s.handlerURL()); err != nil {
			return count, fmt.Errorf("failed to rebind bot %d: %w", agent.BotID, err)
		}
		count++
	}
	return count, nil
}

// ListBots reports the bots registered on the portal, for diagnosing stale
// registrations that no local agent is bound to.
func (s *AgentService) ListBots(domain string) ([]map[string]any, error) {
	return s.newClient(domain).ListBots()
}

// AvailableOpenLines lists the portal's open lines not yet claimed by an
// active agent.
func (s *AgentService) AvailableOpenLines(domain string) ([]map[string]any, error) {
	client := s.newClient(domain)
	lines, err := client.ListOpenLines()
	if err != nil {
		return nil, err
	}

	used, err := s.store.UsedOpenLines(domain)
	if err != nil {
		return nil, err
	}

	available := make([]map[string]any, 0, len(lines))
	for _, line := range lines {
		id := fmt.Sprint(line["ID"])
		if !used[id] {
			available = append(available, line)
		}
	}
	return available, nil
}
