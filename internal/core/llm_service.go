package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultModel     = "gpt-4o"
	defaultMaxTokens = 4096

	behaviorInstructions = `

Instructions:
- Answer briefly and to the point
- Use available functions to work with CRM
- Be polite and professional
- If you don't know the answer - say so honestly
`
)

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ToolCall struct {
	ID        string         `json:"id"`
	Function  string         `json:"function"`
	Arguments map[string]any `json:"arguments"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type CompletionResult struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls"`
	Usage     Usage      `json:"usage"`
}

// ChatCompleter is the inference capability the turn orchestrator drives.
type ChatCompleter interface {
	ChatCompletion(messages []ChatMessage, model string, temperature float64, tools []ToolDefinition, maxRetries int) (*CompletionResult, error)
}

// LLMService drives OpenAI chat completions with a bounded retry loop.
// RetryBackoff is the pause between attempts; zero means immediate retry.
type LLMService struct {
	client       *openai.Client
	RetryBackoff time.Duration
}

func NewLLMService(apiKey string) *LLMService {
	return &LLMService{client: openai.NewClient(apiKey)}
}

// NewLLMServiceWithConfig builds the service against a custom client
// configuration, for OpenAI-compatible endpoints and for pointing the
// driver at a local server.
func NewLLMServiceWithConfig(cfg openai.ClientConfig) *LLMService {
	return &LLMService{client: openai.NewClientWithConfig(cfg)}
}

func (s *LLMService) ChatCompletion(messages []ChatMessage, model string, temperature float64, tools []ToolDefinition, maxRetries int) (*CompletionResult, error) {
	if model == "" {
		model = defaultModel
	}
	if maxRetries < 1 {
		maxRetries = 1
	}

	req := openai.ChatCompletionRequest{
		Model:       model,
		Temperature: float32(temperature),
		MaxTokens:   defaultMaxTokens,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if len(req.Tools) > 0 {
		req.ToolChoice = "auto"
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 && s.RetryBackoff > 0 {
			time.Sleep(s.RetryBackoff)
		}

		result, err := s.complete(req)
		if err == nil {
			return result, nil
		}
		lastErr = err
		log.Printf("[OpenAI] Attempt %d/%d failed: %v", attempt, maxRetries, err)
	}

	return nil, fmt.Errorf("openai api failed after %d attempts: %w", maxRetries, lastErr)
}

func (s *LLMService) complete(req openai.ChatCompletionRequest) (*CompletionResult, error) {
	resp, err := s.client.CreateChatCompletion(context.Background(), req)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("completion returned no choices")
	}

	message := resp.Choices[0].Message
	result := &CompletionResult{
		Content: message.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}

	for _, tc := range message.ToolCalls {
		var args map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return nil, fmt.Errorf("malformed arguments for tool call %s: %w", tc.Function.Name, err)
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        tc.ID,
			Function:  tc.Function.Name,
			Arguments: args,
		})
	}

	return result, nil
}

// BuildSystemPrompt composes the single system message for a turn: the
// agent's own prompt (or a description-derived default), the current time,
// the knowledge-base excerpt when one exists, and the fixed behavior rules.
func BuildSystemPrompt(customSystemPrompt, agentDescription, currentTimeInfo, knowledgeContext string) string {
	var parts []string

	switch {
	case customSystemPrompt != "":
		parts = append(parts, strings.TrimSpace(customSystemPrompt))
	case agentDescription != "":
		parts = append(parts, fmt.Sprintf("You are an AI assistant in Bitrix24. %s", agentDescription))
	default:
		parts = append(parts, "You are an AI assistant in Bitrix24.")
	}

	if currentTimeInfo != "" {
		parts = append(parts, fmt.Sprintf("\nCurrent date and time: %s", currentTimeInfo))
	}

	if knowledgeContext != "" {
		parts = append(parts, fmt.Sprintf("\n\n--- KNOWLEDGE BASE ---\n%s\n--- END KNOWLEDGE BASE ---", knowledgeContext))
	}

	parts = append(parts, behaviorInstructions)

	return strings.Join(parts, "\n")
}
