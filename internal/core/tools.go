package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PlatformClient is the outbound Bitrix24 capability a turn executes against.
type PlatformClient interface {
	SendMessage(botID int64, dialogID, message string) error
	SendTyping(botID int64, dialogID string) error
	TransferChat(chatID string, transferID int64) error
	FinishChat(chatID string) error
	CreateLead(fields map[string]any) (int64, error)
	GetLead(leadID int64) (map[string]any, error)
	UpdateLead(leadID int64, fields map[string]any) error
	CreateDeal(fields map[string]any) (int64, error)
	GetDeal(dealID int64) (map[string]any, error)
	UpdateDeal(dealID int64, fields map[string]any) error
	CreateContact(fields map[string]any) (int64, error)
	GetContact(contactID int64) (map[string]any, error)
}

// ToolDefinition describes one callable action in the function-calling
// format the model consumes.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolResult is the uniform outcome of a tool execution. Failures are values,
// never errors: one failing call must not abort the rest of the turn.
type ToolResult struct {
	Success   bool           `json:"success"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	LeadID    int64          `json:"lead_id,omitempty"`
	DealID    int64          `json:"deal_id,omitempty"`
	ContactID int64          `json:"contact_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

var toolCatalog = []ToolDefinition{
	{
		Name:        "crm_lead_add",
		Description: "Create a lead (potential client) in CRM",
		Parameters: objectSchema(map[string]any{
			"name":     prop("string", "Client name"),
			"phone":    prop("string", "Phone number"),
			"email":    prop("string", "Email address"),
			"comments": prop("string", "Comment or notes"),
		}, "name"),
	},
	{
		Name:        "crm_deal_add",
		Description: "Create a deal in CRM",
		Parameters: objectSchema(map[string]any{
			"title":       prop("string", "Deal title"),
			"contact_id":  prop("integer", "Contact ID"),
			"opportunity": prop("number", "Deal amount"),
			"comments":    prop("string", "Comment or notes"),
		}, "title"),
	},
	{
		Name:        "crm_contact_add",
		Description: "Create a contact in CRM",
		Parameters: objectSchema(map[string]any{
			"name":      prop("string", "First name"),
			"last_name": prop("string", "Last name"),
			"phone":     prop("string", "Phone number"),
			"email":     prop("string", "Email address"),
		}, "name"),
	},
	{
		Name:        "crm_lead_get",
		Description: "Get lead information by ID",
		Parameters: objectSchema(map[string]any{
			"lead_id": prop("integer", "Lead ID"),
		}, "lead_id"),
	},
	{
		Name:        "crm_deal_get",
		Description: "Get deal information by ID",
		Parameters: objectSchema(map[string]any{
			"deal_id": prop("integer", "Deal ID"),
		}, "deal_id"),
	},
	{
		Name:        "crm_contact_get",
		Description: "Get contact information by ID",
		Parameters: objectSchema(map[string]any{
			"contact_id": prop("integer", "Contact ID"),
		}, "contact_id"),
	},
	{
		Name:        "transfer_chat_to_user",
		Description: "Transfer chat to a human operator",
		Parameters: objectSchema(map[string]any{
			"user_id": prop("integer", "Employee ID"),
		}, "user_id"),
	},
	{
		Name:        "disconnect_agent_from_chat",
		Description: "Disconnect AI agent from chat (end dialog)",
		Parameters:  objectSchema(map[string]any{}),
	},
	{
		Name:        "get_todays_date",
		Description: "Get current date and time",
		Parameters:  objectSchema(map[string]any{}),
	},
	{
		Name:        "crm_lead_update",
		Description: "Update an existing lead in CRM",
		Parameters: objectSchema(map[string]any{
			"lead_id":   prop("integer", "Lead ID to update"),
			"name":      prop("string", "New client name"),
			"phone":     prop("string", "New phone number"),
			"email":     prop("string", "New email address"),
			"status_id": prop("string", "New status ID"),
			"comments":  prop("string", "New comment or notes"),
		}, "lead_id"),
	},
	{
		Name:        "crm_deal_update",
		Description: "Update an existing deal in CRM",
		Parameters: objectSchema(map[string]any{
			"deal_id":     prop("integer", "Deal ID to update"),
			"title":       prop("string", "New deal title"),
			"opportunity": prop("number", "New deal amount"),
			"stage_id":    prop("string", "New stage ID"),
			"comments":    prop("string", "New comment or notes"),
		}, "deal_id"),
	},
}

// AllTools lists the full catalog, for the admin surface.
func AllTools() []ToolDefinition {
	tools := make([]ToolDefinition, len(toolCatalog))
	copy(tools, toolCatalog)
	return tools
}

// EnabledTools filters the catalog down to the agent's enabled set.
func EnabledTools(names []string) []ToolDefinition {
	if len(names) == 0 {
		return nil
	}
	enabled := make(map[string]bool, len(names))
	for _, name := range names {
		enabled[name] = true
	}
	var tools []ToolDefinition
	for _, t := range toolCatalog {
		if enabled[t.Name] {
			tools = append(tools, t)
		}
	}
	return tools
}

func argString(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func argInt64(args map[string]any, key string) int64 {
	switch v := args[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

func argFloat(args map[string]any, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return 0
}

func phoneField(value string) []map[string]any {
	return []map[string]any{{"VALUE": value, "VALUE_TYPE": "WORK"}}
}

// numericChatID strips the "chat" tag Bitrix puts on group dialog ids;
// the imopenlines operator methods want the bare number.
func numericChatID(chatID string) string {
	return strings.TrimPrefix(chatID, "chat")
}

func failure(format string, a ...any) ToolResult {
	return ToolResult{Success: false, Error: fmt.Sprintf(format, a...)}
}

// ExecuteTool runs one requested action against the platform client and
// reports the outcome uniformly. chatID is required only by the chat-control
// tools; its absence there is a reported failure, not an error.
func ExecuteTool(name string, args map[string]any, client PlatformClient, chatID, agentTimezone string) ToolResult {
	switch name {
	case "crm_lead_add":
		fields := map[string]any{
			"TITLE": argString(args, "name"),
			"NAME":  argString(args, "name"),
		}
		if phone := argString(args, "phone"); phone != "" {
			fields["PHONE"] = phoneField(phone)
		}
		if email := argString(args, "email"); email != "" {
			fields["EMAIL"] = phoneField(email)
		}
		if comments := argString(args, "comments"); comments != "" {
			fields["COMMENTS"] = comments
		}
		leadID, err := client.CreateLead(fields)
		if err != nil {
			return failure("%v", err)
		}
		return ToolResult{Success: true, LeadID: leadID, Message: fmt.Sprintf("Lead created (ID: %d)", leadID)}

	case "crm_lead_get":
		data, err := client.GetLead(argInt64(args, "lead_id"))
		if err != nil {
			return failure("%v", err)
		}
		return ToolResult{Success: true, Data: data}

	case "crm_lead_update":
		leadID := argInt64(args, "lead_id")
		fields := map[string]any{}
		if name := argString(args, "name"); name != "" {
			fields["NAME"] = name
			fields["TITLE"] = name
		}
		if phone := argString(args, "phone"); phone != "" {
			fields["PHONE"] = phoneField(phone)
		}
		if email := argString(args, "email"); email != "" {
			fields["EMAIL"] = phoneField(email)
		}
		if statusID := argString(args, "status_id"); statusID != "" {
			fields["STATUS_ID"] = statusID
		}
		if comments := argString(args, "comments"); comments != "" {
			fields["COMMENTS"] = comments
		}
		if err := client.UpdateLead(leadID, fields); err != nil {
			return failure("%v", err)
		}
		return ToolResult{Success: true, Message: fmt.Sprintf("Lead updated (ID: %d)", leadID)}

	case "crm_deal_add":
		fields := map[string]any{"TITLE": argString(args, "title")}
		if contactID := argInt64(args, "contact_id"); contactID != 0 {
			fields["CONTACT_ID"] = contactID
		}
		if opportunity := argFloat(args, "opportunity"); opportunity != 0 {
			fields["OPPORTUNITY"] = opportunity
		}
		if comments := argString(args, "comments"); comments != "" {
			fields["COMMENTS"] = comments
		}
		dealID, err := client.CreateDeal(fields)
		if err != nil {
			return failure("%v", err)
		}
		return ToolResult{Success: true, DealID: dealID, Message: fmt.Sprintf("Deal created (ID: %d)", dealID)}

	case "crm_deal_get":
		data, err := client.GetDeal(argInt64(args, "deal_id"))
		if err != nil {
			return failure("%v", err)
		}
		return ToolResult{Success: true, Data: data}

	case "crm_deal_update":
		dealID := argInt64(args, "deal_id")
		fields := map[string]any{}
		if title := argString(args, "title"); title != "" {
			fields["TITLE"] = title
		}
		if opportunity := argFloat(args, "opportunity"); opportunity != 0 {
			fields["OPPORTUNITY"] = opportunity
		}
		if stageID := argString(args, "stage_id"); stageID != "" {
			fields["STAGE_ID"] = stageID
		}
		if comments := argString(args, "comments"); comments != "" {
			fields["COMMENTS"] = comments
		}
		if err := client.UpdateDeal(dealID, fields); err != nil {
			return failure("%v", err)
		}
		return ToolResult{Success: true, Message: fmt.Sprintf("Deal updated (ID: %d)", dealID)}

	case "crm_contact_add":
		fields := map[string]any{"NAME": argString(args, "name")}
		if lastName := argString(args, "last_name"); lastName != "" {
			fields["LAST_NAME"] = lastName
		}
		if phone := argString(args, "phone"); phone != "" {
			fields["PHONE"] = phoneField(phone)
		}
		if email := argString(args, "email"); email != "" {
			fields["EMAIL"] = phoneField(email)
		}
		contactID, err := client.CreateContact(fields)
		if err != nil {
			return failure("%v", err)
		}
		return ToolResult{Success: true, ContactID: contactID, Message: fmt.Sprintf("Contact created (ID: %d)", contactID)}

	case "crm_contact_get":
		data, err := client.GetContact(argInt64(args, "contact_id"))
		if err != nil {
			return failure("%v", err)
		}
		return ToolResult{Success: true, Data: data}

	case "transfer_chat_to_user":
		if chatID == "" {
			return failure("chat_id required")
		}
		if err := client.TransferChat(numericChatID(chatID), argInt64(args, "user_id")); err != nil {
			return failure("%v", err)
		}
		return ToolResult{Success: true, Message: "Chat transferred to operator"}

	case "disconnect_agent_from_chat":
		if chatID == "" {
			return failure("chat_id required")
		}
		if err := client.FinishChat(numericChatID(chatID)); err != nil {
			return failure("%v", err)
		}
		return ToolResult{Success: true, Message: "Agent disconnected from chat"}

	case "get_todays_date":
		loc, err := time.LoadLocation(agentTimezone)
		if err != nil {
			return failure("unknown timezone %s: %v", agentTimezone, err)
		}
		now := time.Now().In(loc)
		return ToolResult{Success: true, Data: map[string]any{
			"date":     now.Format("2006-01-02"),
			"time":     now.Format("15:04:05"),
			"datetime": now.Format("2006-01-02 15:04:05"),
			"timezone": agentTimezone,
		}}

	default:
		return failure("Unknown function: %s", name)
	}
}
