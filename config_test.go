package nanograph

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nanograph/nanograph/storage"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.LLM.Provider != "openai" || cfg.LLM.Model != "gpt-4o-mini" {
		t.Errorf("llm defaults = %q/%q", cfg.LLM.Provider, cfg.LLM.Model)
	}
	if cfg.Storage.GraphBackend != storage.GraphBackendMemory ||
		cfg.Storage.VectorBackend != storage.VectorBackendNano ||
		cfg.Storage.KVBackend != storage.KVBackendJSON {
		t.Errorf("backend defaults = %+v", cfg.Storage)
	}
	if cfg.Chunking.Size != 1200 || cfg.Chunking.Overlap != 100 {
		t.Errorf("chunking defaults = %+v", cfg.Chunking)
	}
	if cfg.Storage.HybridSearch.RRFK != 60 {
		t.Errorf("rrf k = %d", cfg.Storage.HybridSearch.RRFK)
	}
	if cfg.LLM.CommunityReportTokenBudgetRatio != 0.75 {
		t.Errorf("token budget ratio = %v", cfg.LLM.CommunityReportTokenBudgetRatio)
	}
}

func TestLoadConfigLayersOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
llm:
  model: llama3
  provider: ollama
chunking:
  size: 800
storage:
  kv_backend: redis
  redis_url: redis://example:6379/1
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.LLM.Model != "llama3" || cfg.LLM.Provider != "ollama" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.Chunking.Size != 800 {
		t.Errorf("size = %d", cfg.Chunking.Size)
	}
	if cfg.Chunking.Overlap != 100 {
		t.Errorf("overlap lost its default: %d", cfg.Chunking.Overlap)
	}
	if cfg.Storage.KVBackend != "redis" || cfg.Storage.RedisURL != "redis://example:6379/1" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Storage.GraphBackend != storage.GraphBackendMemory {
		t.Errorf("graph backend lost its default: %q", cfg.Storage.GraphBackend)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NANOGRAPH_LLM_MODEL", "env-model")
	t.Setenv("NANOGRAPH_QDRANT_PORT", "6334")
	cfg := DefaultConfig()
	cfg.applyEnvOverrides()
	if cfg.LLM.Model != "env-model" {
		t.Errorf("model = %q", cfg.LLM.Model)
	}
	if cfg.Storage.QdrantPort != 6334 {
		t.Errorf("qdrant port = %d", cfg.Storage.QdrantPort)
	}
}

func TestEnvOverrideInvalidIntKeepsConfigured(t *testing.T) {
	t.Setenv("NANOGRAPH_QDRANT_PORT", "not-a-number")
	cfg := DefaultConfig()
	cfg.Storage.QdrantPort = 6333
	cfg.applyEnvOverrides()
	if cfg.Storage.QdrantPort != 6333 {
		t.Errorf("qdrant port = %d, want configured 6333", cfg.Storage.QdrantPort)
	}
}

func TestRelationPatternsOrderedLongestFirst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Extraction.RelationPatterns = map[string]string{
		"supersedes":         "SUPERSEDES",
		"supersedes in part": "PARTIALLY_SUPERSEDES",
		"amends":             "AMENDS",
	}
	got := cfg.relationPatterns()
	want := []string{"supersedes in part", "supersedes", "amends"}
	if len(got) != len(want) {
		t.Fatalf("patterns = %d, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Substring != w {
			t.Errorf("pattern[%d] = %q, want %q", i, got[i].Substring, w)
		}
	}
	if got[0].Type != "PARTIALLY_SUPERSEDES" {
		t.Errorf("pattern[0] type = %q", got[0].Type)
	}
}

func TestStorageOptionsMapping(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkingDir = "/data/kb"
	cfg.Storage.CacheTTLSeconds = 90
	cfg.Query.EnableNaiveRAG = true
	opts := cfg.storageOptions()
	if opts.WorkingDir != "/data/kb" {
		t.Errorf("working dir = %q", opts.WorkingDir)
	}
	if opts.CacheTTL != 90*time.Second {
		t.Errorf("cache ttl = %v", opts.CacheTTL)
	}
	if !opts.EnableNaiveRAG {
		t.Error("naive rag flag not propagated")
	}
	if opts.Qdrant.RRFK != 60 {
		t.Errorf("qdrant rrf k = %d", opts.Qdrant.RRFK)
	}
}
