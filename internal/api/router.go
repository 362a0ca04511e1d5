package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler, webhookHandler *WebhookHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	// Bitrix24-facing endpoints. The bot webhook does its own panic
	// recovery so the portal always gets a 200 back.
	r.Post("/install", apiHandler.InstallHandler)
	r.Post("/webhook/bot", webhookHandler.BotWebhook)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})

		r.Group(func(r chi.Router) {
			r.Use(apiHandler.JWTAuthMiddleware)

			r.Post("/agents", apiHandler.CreateAgentHandler)
			r.Get("/agents", apiHandler.ListAgentsHandler)
			r.Get("/agents/{agentID}", apiHandler.GetAgentHandler)
			r.Put("/agents/{agentID}", apiHandler.UpdateAgentHandler)
			r.Delete("/agents/{agentID}", apiHandler.DeleteAgentHandler)
			r.Post("/agents/{agentID}/toggle", apiHandler.ToggleAgentHandler)

			r.Post("/agents/{agentID}/knowledge", apiHandler.UploadKnowledgeHandler)
			r.Get("/agents/{agentID}/knowledge", apiHandler.ListKnowledgeHandler)
			r.Delete("/agents/{agentID}/knowledge", apiHandler.DeleteKnowledgeHandler)

			r.Get("/agents/{agentID}/logs", apiHandler.AgentLogsHandler)

			r.Get("/openlines", apiHandler.OpenLinesHandler)
			r.Get("/bots", apiHandler.ListBotsHandler)
			r.Post("/bots/rebind", apiHandler.RebindHandlersHandler)
			r.Get("/tools", apiHandler.ToolsHandler)
		})
	})

	return r
}
