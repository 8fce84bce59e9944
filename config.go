package main

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Configuration constants
var (
	// ServerPort is the HTTP listen port
	ServerPort = "8765"

	// OpenRouterAPIKey enables the in-process deliberation engine when set.
	// Without it the server requires a connected extension agent.
	OpenRouterAPIKey string

	// OpenRouterAPIURL is the endpoint for OpenRouter API
	OpenRouterAPIURL = "https://openrouter.ai/api/v1/chat/completions"

	// DataDir is the directory for persisted requests
	DataDir = "data/requests"

	// MaxStoredRequests caps the request store (FIFO eviction on insert)
	MaxStoredRequests = 50

	// Timeout constants
	DefaultRequestTimeout = 120 * time.Second
	MaxRequestTimeout     = 300 * time.Second
	ProxyRequestTimeout   = 10 * time.Second
	ModelQueryTimeout     = 120 * time.Second

	// CORS allowed origins (configurable via environment)
	// In development (empty/default), allows any localhost port
	// In production, set CORS_ALLOWED_ORIGINS environment variable
	CORSAllowedOrigins = []string{}

	// MaxRequestBodySize is the maximum allowed request body size (1MB)
	MaxRequestBodySize int64 = 1 << 20
)

// Tier councils. One slot per provider by convention; the chairman performs
// the Stage 3 synthesis.
var (
	MiniCouncil = []ModelRef{
		{ModelID: "openai/gpt-5.1-codex-mini", ModelName: "GPT-5.1 Mini"},
		{ModelID: "google/gemini-2.5-flash", ModelName: "Gemini Flash"},
		{ModelID: "anthropic/claude-haiku-4-5", ModelName: "Haiku 4.5"},
	}
	MiniChairman = ModelRef{ModelID: "google/gemini-2.5-flash", ModelName: "Gemini Flash"}

	NormalCouncil = []ModelRef{
		{ModelID: "openai/gpt-5.1", ModelName: "GPT-5.1"},
		{ModelID: "google/gemini-3-pro-preview", ModelName: "Gemini 3 Pro"},
		{ModelID: "anthropic/claude-sonnet-4.5", ModelName: "Sonnet 4.5"},
		{ModelID: "x-ai/grok-4", ModelName: "Grok 4"},
	}
	NormalChairman = ModelRef{ModelID: "google/gemini-3-pro-preview", ModelName: "Gemini 3 Pro"}

	ProCouncil = []ModelRef{
		{ModelID: "openai/gpt-5.2", ModelName: "GPT-5.2"},
		{ModelID: "google/gemini-3-pro-preview", ModelName: "Gemini 3 Pro"},
		{ModelID: "anthropic/claude-opus-4-5", ModelName: "Opus 4.5"},
		{ModelID: "x-ai/grok-4", ModelName: "Grok 4"},
	}
	ProChairman = ModelRef{ModelID: "anthropic/claude-opus-4-5", ModelName: "Opus 4.5"}
)

// CouncilForTier returns the council and chairman for a tier.
// Unknown tiers fall back to the normal council.
func CouncilForTier(tier string) ([]ModelRef, ModelRef) {
	switch tier {
	case "mini":
		return MiniCouncil, MiniChairman
	case "pro":
		return ProCouncil, ProChairman
	default:
		return NormalCouncil, NormalChairman
	}
}

// LoadConfig loads configuration from environment variables
func LoadConfig() {
	// Load .env file - try multiple locations
	envLocations := []string{
		".env",    // Current directory
		"../.env", // Parent directory
	}

	envLoaded := false
	for _, envPath := range envLocations {
		absPath, err := filepath.Abs(envPath)
		if err != nil {
			continue
		}

		if _, err := os.Stat(absPath); err == nil {
			if err := godotenv.Load(absPath); err == nil {
				log.Printf("[Config] Loaded .env from: %s", absPath)
				envLoaded = true
				break
			}
		}
	}

	if !envLoaded {
		log.Printf("[Config] No .env file found, using environment as-is")
	}

	if port := os.Getenv("COUNCIL_PORT"); port != "" {
		ServerPort = port
	}

	// OpenRouter key is optional: without it the server is bridge-only
	OpenRouterAPIKey = os.Getenv("OPENROUTER_API_KEY")
	if OpenRouterAPIKey == "" {
		log.Println("[Config] OPENROUTER_API_KEY not set, in-process engine disabled")
	}

	if dir := os.Getenv("COUNCIL_DATA_DIR"); dir != "" {
		DataDir = dir
	}

	if capStr := os.Getenv("COUNCIL_MAX_REQUESTS"); capStr != "" {
		if n, err := strconv.Atoi(capStr); err == nil && n > 0 {
			MaxStoredRequests = n
		}
	}

	// Load CORS origins from environment if provided
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		CORSAllowedOrigins = []string{}
		for _, origin := range filepath.SplitList(corsOrigins) {
			if origin != "" {
				CORSAllowedOrigins = append(CORSAllowedOrigins, origin)
			}
		}
	}

	log.Println("[Config] Configuration loaded")
}
