// Package bitrix is a client for the Bitrix24 REST API. Chat-bot traffic
// flows through webhooks (events pushed to us), never polling; this client
// only covers the outbound half: imbot.*, imopenlines.*, event.* and crm.*.
package bitrix

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/b24tools/ai-agents/internal/config"
	"github.com/b24tools/ai-agents/internal/store"
)

const oauthTokenURL = "https://oauth.bitrix.info/oauth/token/"

// TokenStore persists per-portal OAuth tokens.
type TokenStore interface {
	GetApp(domain string) (*store.App, error)
	SaveApp(domain, accessToken, refreshToken string, expiresAt int64, memberID string) error
}

type Client struct {
	domain     string
	tokens     TokenStore
	httpClient *http.Client
	baseURL    string
	oauthURL   string
}

func NewClient(domain string, tokens TokenStore) *Client {
	return &Client{
		domain:     domain,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    fmt.Sprintf("https://%s/rest", domain),
		oauthURL:   oauthTokenURL,
	}
}

type apiResponse struct {
	Result           json.RawMessage `json:"result"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

// Call invokes a Bitrix24 REST method. An access token past its expiry is
// refreshed before the call; a call rejected with an expired/invalid token
// error triggers one refresh-and-retry, then the failure surfaces.
func (c *Client) Call(method string, params map[string]any) (json.RawMessage, error) {
	app, err := c.tokens.GetApp(c.domain)
	if err != nil {
		return nil, fmt.Errorf("failed to load portal tokens: %w", err)
	}
	if app == nil {
		return nil, fmt.Errorf("app is not installed for portal %s", c.domain)
	}

	accessToken := app.AccessToken
	if app.ExpiresAt != 0 && time.Now().Unix() >= app.ExpiresAt {
		log.Printf("[Bitrix] Token for %s expired, refreshing...", c.domain)
		accessToken, err = c.refreshToken(app.RefreshToken)
		if err != nil {
			return nil, err
		}
	}

	result, err := c.doRequest(method, params, accessToken)
	if err != nil && isTokenError(err) {
		log.Printf("[Bitrix] %s rejected the token, refreshing and retrying once: %v", method, err)
		accessToken, rerr := c.refreshToken(app.RefreshToken)
		if rerr != nil {
			return nil, rerr
		}
		return c.doRequest(method, params, accessToken)
	}
	return result, err
}

type apiError struct {
	code        string
	description string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("bitrix api error: %s - %s", e.code, e.description)
}

func isTokenError(err error) bool {
	apiErr, ok := err.(*apiError)
	if !ok {
		return false
	}
	return apiErr.code == "expired_token" || apiErr.code == "invalid_token"
}

func (c *Client) doRequest(method string, params map[string]any, accessToken string) (json.RawMessage, error) {
	payload := make(map[string]any, len(params)+1)
	for k, v := range params {
		payload[k] = v
	}
	payload["auth"] = accessToken

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request for %s: %w", method, err)
	}

	resp, err := c.httpClient.Post(c.baseURL+"/"+method, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", method, err)
	}

	var parsed apiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("unexpected response from %s (HTTP %d): %.200s", method, resp.StatusCode, respBody)
	}
	if parsed.Error != "" {
		return nil, &apiError{code: parsed.Error, description: parsed.ErrorDescription}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error from %s: %d - %.200s", method, resp.StatusCode, respBody)
	}
	return parsed.Result, nil
}

func (c *Client) refreshToken(refreshToken string) (string, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {config.AppConfig.BitrixClientID},
		"client_secret": {config.AppConfig.BitrixClientSecret},
		"refresh_token": {refreshToken},
	}

	resp, err := c.httpClient.PostForm(c.oauthURL, form)
	if err != nil {
		return "", fmt.Errorf("token refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("token refresh failed: HTTP %d - %.200s", resp.StatusCode, body)
	}

	var data struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
		MemberID     string `json:"member_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", fmt.Errorf("failed to decode token refresh response: %w", err)
	}

	err = c.tokens.SaveApp(c.domain, data.AccessToken, data.RefreshToken,
		time.Now().Unix()+data.ExpiresIn, data.MemberID)
	if err != nil {
		return "", fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}
	return data.AccessToken, nil
}

// callID is for methods whose result is a single entity id. Bitrix returns
// it as a number, but some portals have been seen returning strings.
func (c *Client) callID(method string, params map[string]any) (int64, error) {
	result, err := c.Call(method, params)
	if err != nil {
		return 0, err
	}
	var asNumber int64
	if err := json.Unmarshal(result, &asNumber); err == nil {
		return asNumber, nil
	}
	var asString string
	if err := json.Unmarshal(result, &asString); err == nil {
		return strconv.ParseInt(asString, 10, 64)
	}
	return 0, fmt.Errorf("unexpected %s result: %s", method, result)
}

func (c *Client) callMap(method string, params map[string]any) (map[string]any, error) {
	result, err := c.Call(method, params)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(result, &m); err != nil {
		return nil, fmt.Errorf("unexpected %s result: %s", method, result)
	}
	return m, nil
}

// Chat bots (imbot.*)

// RegisterBot registers a chat bot and returns its BOT_ID. handlerURL is the
// publicly reachable webhook endpoint Bitrix24 will push events to.
func (c *Client) RegisterBot(code, name, handlerURL, description string, openline bool) (int64, error) {
	if description == "" {
		description = "AI Assistant"
	}
	params := map[string]any{
		"CODE":                  code,
		"TYPE":                  "B",
		"EVENT_MESSAGE_ADD":     handlerURL,
		"EVENT_WELCOME_MESSAGE": handlerURL,
		"EVENT_BOT_DELETE":      handlerURL,
		"EVENT_MESSAGE_UPDATE":  handlerURL,
		"PROPERTIES": map[string]any{
			"NAME":          name,
			"WORK_POSITION": description,
			"COLOR":         "GREEN",
		},
	}
	if openline {
		params["TYPE"] = "O"
		params["OPENLINE"] = "Y"
	}

	botID, err := c.callID("imbot.register", params)
	if err != nil {
		return 0, err
	}
	log.Printf("[Bitrix] Registered bot %s: BOT_ID=%d", code, botID)
	return botID, nil
}

func (c *Client) UnregisterBot(botID int64) error {
	_, err := c.Call("imbot.unregister", map[string]any{"BOT_ID": botID})
	return err
}

// UpdateBotHandler repoints every event of the bot at a new webhook URL.
func (c *Client) UpdateBotHandler(botID int64, handlerURL string) error {
	_, err := c.Call("imbot.update", map[string]any{
		"BOT_ID": botID,
		"FIELDS": map[string]any{
			"EVENT_MESSAGE_ADD":     handlerURL,
			"EVENT_WELCOME_MESSAGE": handlerURL,
			"EVENT_BOT_DELETE":      handlerURL,
			"EVENT_MESSAGE_UPDATE":  handlerURL,
		},
	})
	return err
}

func (c *Client) SendMessage(botID int64, dialogID, message string) error {
	_, err := c.Call("imbot.message.add", map[string]any{
		"BOT_ID":    botID,
		"DIALOG_ID": dialogID,
		"MESSAGE":   message,
	})
	return err
}

func (c *Client) SendTyping(botID int64, dialogID string) error {
	_, err := c.Call("imbot.chat.sendTyping", map[string]any{
		"BOT_ID":    botID,
		"DIALOG_ID": dialogID,
	})
	return err
}

func (c *Client) ListBots() ([]map[string]any, error) {
	result, err := c.Call("imbot.bot.list", nil)
	if err != nil {
		return nil, err
	}
	var bots []map[string]any
	if err := json.Unmarshal(result, &bots); err != nil {
		return nil, fmt.Errorf("unexpected imbot.bot.list result: %s", result)
	}
	return bots, nil
}

// Open lines (imopenlines.*)

func (c *Client) ListOpenLines() ([]map[string]any, error) {
	result, err := c.Call("imopenlines.config.list.get", nil)
	if err != nil {
		return nil, err
	}
	var lines []map[string]any
	if err := json.Unmarshal(result, &lines); err == nil {
		return lines, nil
	}
	// Some portals answer with an object keyed by line id.
	var keyed map[string]map[string]any
	if err := json.Unmarshal(result, &keyed); err == nil {
		lines = make([]map[string]any, 0, len(keyed))
		for _, line := range keyed {
			lines = append(lines, line)
		}
		return lines, nil
	}
	return nil, fmt.Errorf("unexpected imopenlines.config.list.get result: %s", result)
}

// AttachBotToLine makes the bot the line's welcome bot, joining on the first
// message and handing off to the operator queue when it leaves.
func (c *Client) AttachBotToLine(lineID string, botID int64) error {
	_, err := c.Call("imopenlines.config.update", map[string]any{
		"CONFIG_ID": lineID,
		"FIELDS": map[string]any{
			"WELCOME_BOT_ENABLE": "Y",
			"WELCOME_BOT_ID":     botID,
			"WELCOME_BOT_JOIN":   "first",
			"WELCOME_BOT_LEFT":   "queue",
			"BOT_ID":             botID,
		},
	})
	return err
}

func (c *Client) DetachBotFromLine(lineID string) error {
	_, err := c.Call("imopenlines.config.update", map[string]any{
		"CONFIG_ID": lineID,
		"FIELDS":    map[string]any{"BOT_ID": 0},
	})
	return err
}

// TransferChat hands the dialog to another operator or queue.
// chatID must be the bare numeric id, without the "chat" prefix.
func (c *Client) TransferChat(chatID string, transferID int64) error {
	_, err := c.Call("imopenlines.operator.transfer", map[string]any{
		"CHAT_ID":     chatID,
		"TRANSFER_ID": transferID,
	})
	return err
}

func (c *Client) FinishChat(chatID string) error {
	_, err := c.Call("imopenlines.operator.finish", map[string]any{"CHAT_ID": chatID})
	return err
}

// Events (event.*)

func (c *Client) BindEvent(event, handlerURL string) error {
	_, err := c.Call("event.bind", map[string]any{"EVENT": event, "HANDLER": handlerURL})
	return err
}

// CRM (crm.*)

func (c *Client) CreateLead(fields map[string]any) (int64, error) {
	return c.callID("crm.lead.add", map[string]any{"fields": fields})
}

func (c *Client) GetLead(leadID int64) (map[string]any, error) {
	return c.callMap("crm.lead.get", map[string]any{"id": leadID})
}

func (c *Client) UpdateLead(leadID int64, fields map[string]any) error {
	_, err := c.Call("crm.lead.update", map[string]any{"id": leadID, "fields": fields})
	return err
}

func (c *Client) CreateDeal(fields map[string]any) (int64, error) {
	return c.callID("crm.deal.add", map[string]any{"fields": fields})
}

func (c *Client) GetDeal(dealID int64) (map[string]any, error) {
	return c.callMap("crm.deal.get", map[string]any{"id": dealID})
}

func (c *Client) UpdateDeal(dealID int64, fields map[string]any) error {
	_, err := c.Call("crm.deal.update", map[string]any{"id": dealID, "fields": fields})
	return err
}

func (c *Client) CreateContact(fields map[string]any) (int64, error) {
	return c.callID("crm.contact.add", map[string]any{"fields": fields})
}

func (c *Client) GetContact(contactID int64) (map[string]any, error) {
	return c.callMap("crm.contact.get", map[string]any{"id": contactID})
}
