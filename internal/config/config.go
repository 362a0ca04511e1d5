package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabasePath       string
	HTTPPort           string
	LogLevel           string
	PublicURL          string
	BitrixClientID     string
	BitrixClientSecret string
	JWTSecret          string
	MaxAgents          int
	RAGChunkSize       int
	RAGMaxContext      int
}

var AppConfig Config

func LoadConfig() {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	AppConfig = Config{
		DatabasePath:       getEnv("DATABASE_PATH", "ai_agents.db"),
		HTTPPort:           getEnv("HTTP_PORT", "8080"),
		LogLevel:           getEnv("LOG_LEVEL", "INFO"),
		PublicURL:          getEnv("PUBLIC_URL", ""),
		BitrixClientID:     getEnv("BITRIX_CLIENT_ID", ""),
		BitrixClientSecret: getEnv("BITRIX_CLIENT_SECRET", ""),
		JWTSecret:          getEnv("JWT_SECRET", ""),
		MaxAgents:          getEnvAsInt("MAX_AGENTS", 2),
		RAGChunkSize:       getEnvAsInt("RAG_CHUNK_SIZE", 2000),
		RAGMaxContext:      getEnvAsInt("RAG_MAX_CONTEXT", 4000),
	}

	if AppConfig.BitrixClientID == "" || AppConfig.BitrixClientSecret == "" {
		log.Fatal("BITRIX_CLIENT_ID and BITRIX_CLIENT_SECRET environment variables are required")
	}

	if AppConfig.JWTSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}

	if AppConfig.PublicURL == "" {
		log.Println("Warning: PUBLIC_URL is not set; bot registration needs a publicly reachable webhook URL")
	}
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}
