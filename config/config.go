// Package config loads runtime configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

type EmbeddingConfig struct {
	Provider  string
	Model     string
	Dimension int
	Timeout   time.Duration
}

type LLMConfig struct {
	Provider string
	Model    string
	Timeout  time.Duration
}

// RetrievalConfig holds the search defaults used by the agent and the
// auto-answer matcher. MatchThreshold is lower than ChatThreshold to favor
// recall when scanning pending questions against a new document.
type RetrievalConfig struct {
	K              int
	ChatThreshold  float64
	MatchThreshold float64
	MaxSearches    int
	ContextLimit   int
}

type AutomationConfig struct {
	Workers int
	Timeout time.Duration
}

type Config struct {
	PostgresDSN string
	Neo4jURI    string
	Neo4jUser   string
	Neo4jPass   string

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string

	Embeddings EmbeddingConfig
	LLM        LLMConfig
	Retrieval  RetrievalConfig
	Automation AutomationConfig

	ListenAddr string
}

func Load() Config {
	return Config{
		PostgresDSN: getEnv("POSTGRES_DSN", "postgres://localhost:5432/diligence?sslmode=disable"),
		Neo4jURI:    getEnv("NEO4J_URI", ""),
		Neo4jUser:   getEnv("NEO4J_USERNAME", "neo4j"),
		Neo4jPass:   getEnv("NEO4J_PASSWORD", "password"),

		OllamaHost:    getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),

		Embeddings: EmbeddingConfig{
			Provider:  getEnv("EMBEDDING_PROVIDER", ProviderOpenAI),
			Model:     getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
			Dimension: getEnvInt("EMBEDDING_DIMENSION", 1536),
			Timeout:   getEnvDuration("EMBEDDING_TIMEOUT", 30*time.Second),
		},
		LLM: LLMConfig{
			Provider: getEnv("LLM_PROVIDER", ProviderOpenAI),
			Model:    getEnv("LLM_MODEL", "gpt-4o-mini"),
			Timeout:  getEnvDuration("LLM_TIMEOUT", 60*time.Second),
		},
		Retrieval: RetrievalConfig{
			K:              getEnvInt("RETRIEVAL_K", 5),
			ChatThreshold:  getEnvFloat("RETRIEVAL_CHAT_THRESHOLD", 0.7),
			MatchThreshold: getEnvFloat("RETRIEVAL_MATCH_THRESHOLD", 0.3),
			MaxSearches:    getEnvInt("RETRIEVAL_MAX_SEARCHES", 5),
			ContextLimit:   getEnvInt("RETRIEVAL_CONTEXT_LIMIT", 6),
		},
		Automation: AutomationConfig{
			Workers: getEnvInt("AUTOMATION_WORKERS", 4),
			Timeout: getEnvDuration("AUTOMATION_TIMEOUT", 90*time.Second),
		},

		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
