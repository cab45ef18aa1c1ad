package nanograph

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nanograph/nanograph/extract"
	"github.com/nanograph/nanograph/storage"
)

// Config is the full engine configuration. Zero values take defaults in
// the constructors, so a partial YAML file is enough.
type Config struct {
	WorkingDir string `json:"working_dir" yaml:"working_dir"`

	LLM        LLMConfig        `json:"llm" yaml:"llm"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Chunking   ChunkingConfig   `json:"chunking" yaml:"chunking"`
	Extraction ExtractionConfig `json:"entity_extraction" yaml:"entity_extraction"`
	Query      QueryConfig      `json:"query" yaml:"query"`
	Backup     BackupConfig     `json:"backup" yaml:"backup"`
}

// LLMConfig configures the model gateway and its concurrency bounds.
type LLMConfig struct {
	Provider       string `json:"provider" yaml:"provider"` // openai | ollama | custom
	Model          string `json:"model" yaml:"model"`
	EmbeddingModel string `json:"embedding_model" yaml:"embedding_model"`
	BaseURL        string `json:"base_url" yaml:"base_url"`
	APIKey         string `json:"api_key" yaml:"api_key"`
	EmbeddingDim   int    `json:"embedding_dim" yaml:"embedding_dim"`
	ModelContext   int    `json:"model_context" yaml:"model_context"`

	MaxConcurrent          int  `json:"max_concurrent" yaml:"max_concurrent"`
	EmbeddingMaxConcurrent int  `json:"embedding_max_concurrent" yaml:"embedding_max_concurrent"`
	CacheEnabled           bool `json:"cache_enabled" yaml:"cache_enabled"`
	StreamIdleTimeoutMS    int  `json:"stream_idle_timeout_ms" yaml:"stream_idle_timeout_ms"`

	CommunityReportMaxConcurrency   int     `json:"community_report_max_concurrency" yaml:"community_report_max_concurrency"`
	CommunityReportTokenBudgetRatio float64 `json:"community_report_token_budget_ratio" yaml:"community_report_token_budget_ratio"`
	CommunityReportChatOverhead     int     `json:"community_report_chat_overhead" yaml:"community_report_chat_overhead"`
}

// HybridSearchConfig configures sparse+dense retrieval on backends that
// support it.
type HybridSearchConfig struct {
	Enabled              bool   `json:"enabled" yaml:"enabled"`
	BaseURL              string `json:"base_url" yaml:"base_url"`
	Model                string `json:"model" yaml:"model"`
	Device               string `json:"device" yaml:"device"`
	RRFK                 int    `json:"rrf_k" yaml:"rrf_k"`
	SparseTopKMultiplier int    `json:"sparse_top_k_multiplier" yaml:"sparse_top_k_multiplier"`
	DenseTopKMultiplier  int    `json:"dense_top_k_multiplier" yaml:"dense_top_k_multiplier"`
	TimeoutMS            int    `json:"timeout_ms" yaml:"timeout_ms"`
}

// StorageConfig selects and configures backends.
type StorageConfig struct {
	GraphBackend  string `json:"graph_backend" yaml:"graph_backend"`   // memory | neo4j
	VectorBackend string `json:"vector_backend" yaml:"vector_backend"` // nano | qdrant
	KVBackend     string `json:"kv_backend" yaml:"kv_backend"`         // json | redis

	HybridSearch HybridSearchConfig `json:"hybrid_search" yaml:"hybrid_search"`

	Neo4jURI                    string `json:"neo4j_uri" yaml:"neo4j_uri"`
	Neo4jUsername               string `json:"neo4j_username" yaml:"neo4j_username"`
	Neo4jPassword               string `json:"neo4j_password" yaml:"neo4j_password"`
	Neo4jDatabase               string `json:"neo4j_database" yaml:"neo4j_database"`
	Neo4jEncrypted              bool   `json:"neo4j_encrypted" yaml:"neo4j_encrypted"`
	Neo4jBatchSize              int    `json:"neo4j_batch_size" yaml:"neo4j_batch_size"`
	Neo4jMaxConnectionPoolSize  int    `json:"neo4j_max_connection_pool_size" yaml:"neo4j_max_connection_pool_size"`
	Neo4jConnectionTimeoutSec   int    `json:"neo4j_connection_timeout" yaml:"neo4j_connection_timeout"`
	Neo4jMaxTransactionRetrySec int    `json:"neo4j_max_transaction_retry_time" yaml:"neo4j_max_transaction_retry_time"`

	QdrantHost   string `json:"qdrant_host" yaml:"qdrant_host"`
	QdrantPort   int    `json:"qdrant_port" yaml:"qdrant_port"`
	QdrantAPIKey string `json:"qdrant_api_key" yaml:"qdrant_api_key"`
	QdrantUseTLS bool   `json:"qdrant_use_tls" yaml:"qdrant_use_tls"`

	RedisURL        string `json:"redis_url" yaml:"redis_url"`
	RedisPrefix     string `json:"redis_prefix" yaml:"redis_prefix"`
	CacheTTLSeconds int    `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`
}

// ChunkingConfig controls document splitting.
type ChunkingConfig struct {
	Strategy string `json:"strategy" yaml:"strategy"` // token_window | separator
	Size     int    `json:"size" yaml:"size"`
	Overlap  int    `json:"overlap" yaml:"overlap"`
}

// ExtractionConfig controls the entity extraction loop.
type ExtractionConfig struct {
	EntityTypes             []string          `json:"entity_types" yaml:"entity_types"`
	MaxGleaning             int               `json:"max_gleaning" yaml:"max_gleaning"`
	MaxContinuationAttempts int               `json:"max_continuation_attempts" yaml:"max_continuation_attempts"`
	RelationPatterns        map[string]string `json:"relation_patterns" yaml:"relation_patterns"`
	MaxEntitiesPerChunk     int               `json:"max_entities_per_chunk" yaml:"max_entities_per_chunk"`
	MaxRelationsPerChunk    int               `json:"max_relations_per_chunk" yaml:"max_relations_per_chunk"`
	SummaryMaxTokens        int               `json:"summary_max_tokens" yaml:"summary_max_tokens"`
}

// QueryConfig controls query-time behaviour.
type QueryConfig struct {
	LocalTemplate  string `json:"local_template" yaml:"local_template"`
	GlobalTemplate string `json:"global_template" yaml:"global_template"`
	EnableNaiveRAG bool   `json:"enable_naive_rag" yaml:"enable_naive_rag"`
	TopK           int    `json:"top_k" yaml:"top_k"`
	Level          int    `json:"level" yaml:"level"`
	ResponseType   string `json:"response_type" yaml:"response_type"`
}

// BackupConfig controls archive placement.
type BackupConfig struct {
	Dir string `json:"dir" yaml:"dir"`
}

// DefaultConfig returns a configuration that runs fully embedded: memory
// graph, sqlite-vec vectors, JSON KV, OpenAI-compatible provider.
func DefaultConfig() Config {
	return Config{
		WorkingDir: "./nanograph",
		LLM: LLMConfig{
			Provider:                        "openai",
			Model:                           "gpt-4o-mini",
			EmbeddingModel:                  "text-embedding-3-small",
			EmbeddingDim:                    1536,
			ModelContext:                    32768,
			MaxConcurrent:                   8,
			EmbeddingMaxConcurrent:          8,
			CacheEnabled:                    true,
			CommunityReportMaxConcurrency:   8,
			CommunityReportTokenBudgetRatio: 0.75,
			CommunityReportChatOverhead:     1000,
		},
		Storage: StorageConfig{
			GraphBackend:   storage.GraphBackendMemory,
			VectorBackend:  storage.VectorBackendNano,
			KVBackend:      storage.KVBackendJSON,
			Neo4jBatchSize: 1000,
			HybridSearch: HybridSearchConfig{
				RRFK:                 60,
				SparseTopKMultiplier: 2,
				DenseTopKMultiplier:  1,
				TimeoutMS:            5000,
			},
		},
		Chunking: ChunkingConfig{
			Strategy: "token_window",
			Size:     1200,
			Overlap:  100,
		},
		Extraction: ExtractionConfig{
			EntityTypes:             extract.DefaultEntityTypes,
			MaxGleaning:             1,
			MaxContinuationAttempts: 2,
		},
		Query: QueryConfig{
			TopK:         20,
			ResponseType: "multiple paragraphs",
		},
		Backup: BackupConfig{Dir: "./nanograph/backups"},
	}
}

// LoadConfig reads a YAML config file over the defaults, then applies
// environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides layers environment variables over the loaded config.
// Parse failures log a warning and keep the configured value.
func (c *Config) applyEnvOverrides() {
	setStr := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	setInt := func(env string, dst *int) {
		v := os.Getenv(env)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("config: invalid integer in environment, keeping configured value",
				"var", env, "value", v)
			return
		}
		*dst = n
	}

	setStr("NANOGRAPH_WORKING_DIR", &c.WorkingDir)
	setStr("NANOGRAPH_LLM_API_KEY", &c.LLM.APIKey)
	setStr("NANOGRAPH_LLM_BASE_URL", &c.LLM.BaseURL)
	setStr("NANOGRAPH_LLM_MODEL", &c.LLM.Model)
	setStr("NANOGRAPH_LLM_EMBEDDING_MODEL", &c.LLM.EmbeddingModel)
	setInt("NANOGRAPH_LLM_MAX_CONCURRENT", &c.LLM.MaxConcurrent)
	setStr("NANOGRAPH_GRAPH_BACKEND", &c.Storage.GraphBackend)
	setStr("NANOGRAPH_VECTOR_BACKEND", &c.Storage.VectorBackend)
	setStr("NANOGRAPH_KV_BACKEND", &c.Storage.KVBackend)
	setStr("NANOGRAPH_NEO4J_URI", &c.Storage.Neo4jURI)
	setStr("NANOGRAPH_NEO4J_USERNAME", &c.Storage.Neo4jUsername)
	setStr("NANOGRAPH_NEO4J_PASSWORD", &c.Storage.Neo4jPassword)
	setStr("NANOGRAPH_QDRANT_HOST", &c.Storage.QdrantHost)
	setInt("NANOGRAPH_QDRANT_PORT", &c.Storage.QdrantPort)
	setStr("NANOGRAPH_REDIS_URL", &c.Storage.RedisURL)
}

// relationPatterns converts the configured pattern map into the ordered
// list the extractor scans. Longer patterns sort first so a more specific
// pattern ("supersedes in part") wins over its prefix ("supersedes");
// equal lengths order alphabetically for determinism.
func (c *Config) relationPatterns() []extract.RelationPattern {
	if len(c.Extraction.RelationPatterns) == 0 {
		return nil
	}
	out := make([]extract.RelationPattern, 0, len(c.Extraction.RelationPatterns))
	for pattern, rel := range c.Extraction.RelationPatterns {
		out = append(out, extract.RelationPattern{Substring: pattern, Type: rel})
	}
	sort.Slice(out, func(a, b int) bool {
		if len(out[a].Substring) != len(out[b].Substring) {
			return len(out[a].Substring) > len(out[b].Substring)
		}
		return out[a].Substring < out[b].Substring
	})
	return out
}

func (c *Config) storageOptions() storage.Options {
	return storage.Options{
		WorkingDir:    c.WorkingDir,
		GraphBackend:  c.Storage.GraphBackend,
		VectorBackend: c.Storage.VectorBackend,
		KVBackend:     c.Storage.KVBackend,
		EmbeddingDim:  c.LLM.EmbeddingDim,
		Neo4j: storage.Neo4jConfig{
			URI:                     c.Storage.Neo4jURI,
			Username:                c.Storage.Neo4jUsername,
			Password:                c.Storage.Neo4jPassword,
			Database:                c.Storage.Neo4jDatabase,
			Encrypted:               c.Storage.Neo4jEncrypted,
			BatchSize:               c.Storage.Neo4jBatchSize,
			MaxConnectionPoolSize:   c.Storage.Neo4jMaxConnectionPoolSize,
			ConnectionTimeout:       time.Duration(c.Storage.Neo4jConnectionTimeoutSec) * time.Second,
			MaxTransactionRetryTime: time.Duration(c.Storage.Neo4jMaxTransactionRetrySec) * time.Second,
		},
		Qdrant: storage.QdrantConfig{
			Host:           c.Storage.QdrantHost,
			Port:           c.Storage.QdrantPort,
			APIKey:         c.Storage.QdrantAPIKey,
			UseTLS:         c.Storage.QdrantUseTLS,
			HybridEnabled:  c.Storage.HybridSearch.Enabled,
			RRFK:           c.Storage.HybridSearch.RRFK,
			SparseTopKMult: c.Storage.HybridSearch.SparseTopKMultiplier,
			DenseTopKMult:  c.Storage.HybridSearch.DenseTopKMultiplier,
		},
		RedisURL:       c.Storage.RedisURL,
		RedisPrefix:    c.Storage.RedisPrefix,
		CacheTTL:       time.Duration(c.Storage.CacheTTLSeconds) * time.Second,
		EnableNaiveRAG: c.Query.EnableNaiveRAG,
	}
}
