package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/b24tools/ai-agents/internal/api"
	"github.com/b24tools/ai-agents/internal/bitrix"
	"github.com/b24tools/ai-agents/internal/config"
	"github.com/b24tools/ai-agents/internal/core"
	"github.com/b24tools/ai-agents/internal/store"
)

func main() {
	// Load configuration
	config.LoadConfig()

	// Setup logging
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if config.AppConfig.LogLevel == "DEBUG" {
		log.Println("Service starting in DEBUG mode")
	}

	// Initialize database store
	dbStore, err := store.NewSQLiteStore(config.AppConfig.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer dbStore.Close()

	// Bitrix24 clients are per-portal: each one refreshes and persists its
	// own tokens through the store.
	newBotAdminClient := func(domain string) core.BotAdminClient {
		return bitrix.NewClient(domain, dbStore)
	}
	newPlatformClient := func(domain string) core.PlatformClient {
		return bitrix.NewClient(domain, dbStore)
	}
	newCompleter := func(apiKey string) core.ChatCompleter {
		svc := core.NewLLMService(apiKey)
		svc.RetryBackoff = time.Second
		return svc
	}

	agentService := core.NewAgentService(dbStore, newBotAdminClient)

	// Initialize API handlers and router
	apiHandler := api.NewAPIHandler(dbStore, agentService)
	webhookHandler := api.NewWebhookHandler(dbStore, newPlatformClient, newCompleter)
	router := api.NewRouter(apiHandler, webhookHandler)

	// Start HTTP server
	serverAddr := fmt.Sprintf(":%s", config.AppConfig.HTTPPort)

	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second, // completions with retries can take a while
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		log.Printf("Starting server on %s. Press Ctrl+C to quit.", serverAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v\n", serverAddr, err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exiting gracefully")
}
