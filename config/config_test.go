package config_test

import (
	"testing"
	"time"

	"github.com/vaultline/diligence-agent/config"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"EMBEDDING_PROVIDER", "EMBEDDING_DIMENSION",
		"RETRIEVAL_K", "RETRIEVAL_CHAT_THRESHOLD", "RETRIEVAL_MATCH_THRESHOLD",
		"AUTOMATION_WORKERS", "AUTOMATION_TIMEOUT",
	} {
		t.Setenv(key, "")
	}

	cfg := config.Load()
	if cfg.Embeddings.Provider != config.ProviderOpenAI {
		t.Fatalf("unexpected default provider: %q", cfg.Embeddings.Provider)
	}
	if cfg.Embeddings.Dimension != 1536 {
		t.Fatalf("unexpected default dimension: %d", cfg.Embeddings.Dimension)
	}
	if cfg.Retrieval.K != 5 || cfg.Retrieval.ChatThreshold != 0.7 || cfg.Retrieval.MatchThreshold != 0.3 {
		t.Fatalf("unexpected retrieval defaults: %+v", cfg.Retrieval)
	}
	if cfg.Automation.Workers != 4 || cfg.Automation.Timeout != 90*time.Second {
		t.Fatalf("unexpected automation defaults: %+v", cfg.Automation)
	}
	if cfg.Embeddings.Timeout != 30*time.Second || cfg.LLM.Timeout != 60*time.Second {
		t.Fatalf("unexpected provider timeout defaults: %v / %v", cfg.Embeddings.Timeout, cfg.LLM.Timeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("EMBEDDING_PROVIDER", "ollama")
	t.Setenv("EMBEDDING_DIMENSION", "768")
	t.Setenv("RETRIEVAL_K", "9")
	t.Setenv("RETRIEVAL_CHAT_THRESHOLD", "0.55")
	t.Setenv("AUTOMATION_TIMEOUT", "2m")
	t.Setenv("LLM_TIMEOUT", "45s")

	cfg := config.Load()
	if cfg.Embeddings.Provider != config.ProviderOllama {
		t.Fatalf("provider override ignored: %q", cfg.Embeddings.Provider)
	}
	if cfg.Embeddings.Dimension != 768 {
		t.Fatalf("dimension override ignored: %d", cfg.Embeddings.Dimension)
	}
	if cfg.Retrieval.K != 9 {
		t.Fatalf("k override ignored: %d", cfg.Retrieval.K)
	}
	if cfg.Retrieval.ChatThreshold != 0.55 {
		t.Fatalf("threshold override ignored: %v", cfg.Retrieval.ChatThreshold)
	}
	if cfg.Automation.Timeout != 2*time.Minute {
		t.Fatalf("timeout override ignored: %v", cfg.Automation.Timeout)
	}
	if cfg.LLM.Timeout != 45*time.Second {
		t.Fatalf("llm timeout override ignored: %v", cfg.LLM.Timeout)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("RETRIEVAL_K", "not-a-number")
	t.Setenv("AUTOMATION_TIMEOUT", "soon")

	cfg := config.Load()
	if cfg.Retrieval.K != 5 {
		t.Fatalf("malformed int should fall back to default, got %d", cfg.Retrieval.K)
	}
	if cfg.Automation.Timeout != 90*time.Second {
		t.Fatalf("malformed duration should fall back to default, got %v", cfg.Automation.Timeout)
	}
}
