package embeddings_test

import (
	"testing"
	"time"

	"github.com/vaultline/diligence-agent/config"
	"github.com/vaultline/diligence-agent/embeddings"
)

func baseConfig() config.Config {
	cfg := config.Config{}
	cfg.Embeddings.Model = "text-embedding-3-small"
	cfg.Embeddings.Dimension = 1536
	cfg.Embeddings.Timeout = 10 * time.Second
	return cfg
}

func TestNewEmbedderOpenAI(t *testing.T) {
	cfg := baseConfig()
	cfg.Embeddings.Provider = config.ProviderOpenAI
	cfg.OpenAIAPIKey = "test-key"

	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if embedder.Dimension() != 1536 {
		t.Fatalf("unexpected dimension: %d", embedder.Dimension())
	}
}

func TestNewEmbedderOpenAIRequiresKey(t *testing.T) {
	cfg := baseConfig()
	cfg.Embeddings.Provider = config.ProviderOpenAI

	if _, err := embeddings.NewEmbedder(cfg); err == nil {
		t.Fatal("expected error without OPENAI_API_KEY")
	}
}

func TestNewEmbedderOllama(t *testing.T) {
	cfg := baseConfig()
	cfg.Embeddings.Provider = config.ProviderOllama
	cfg.OllamaHost = "http://localhost:11434"

	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if embedder.Dimension() != 1536 {
		t.Fatalf("unexpected dimension: %d", embedder.Dimension())
	}
}

func TestNewEmbedderUnknownProvider(t *testing.T) {
	cfg := baseConfig()
	cfg.Embeddings.Provider = "mystery"

	if _, err := embeddings.NewEmbedder(cfg); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}
