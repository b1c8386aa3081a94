package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all strata configuration. Defaults come from Default();
// a YAML file overrides them field by field.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	LLM           LLMConfig           `yaml:"llm"`
	Memory        MemoryConfig        `yaml:"memory"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

// DatabaseConfig holds storage paths. KeywordPath is the bleve index
// directory; empty means "<path>.bleve" next to the SQLite file.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	KeywordPath string `yaml:"keyword_path"`
}

type LLMConfig struct {
	Provider            string `yaml:"provider"` // "anthropic", "ollama", "mock"
	Model               string `yaml:"model"`
	AnthropicKey        string `yaml:"anthropic_key"`
	OllamaURL           string `yaml:"ollama_url"`
	EmbeddingModel      string `yaml:"embedding_model"` // e.g. "nomic-embed-text"
	EmbeddingDimensions int    `yaml:"embedding_dimensions"`
	MaxConcurrent       int64  `yaml:"max_concurrent"` // cap on in-flight LLM/embedding calls
	TimeoutSeconds      int    `yaml:"timeout_seconds"`
}

// Timeout returns the per-call LLM timeout.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// TierPolicy holds the lifecycle rules for one tier. Promotion requires
// the dwell time AND (importance OR access count); either gate alone is
// enough once dwell is met.
type TierPolicy struct {
	HalfLifeDays       float64 `yaml:"half_life_days"`
	MinDwellHours      float64 `yaml:"min_dwell_hours"`
	PromoteImportance  float64 `yaml:"promote_importance"`
	PromoteAccessCount int64   `yaml:"promote_access_count"`
}

// MinDwell returns the dwell gate as a duration.
func (p TierPolicy) MinDwell() time.Duration {
	return time.Duration(p.MinDwellHours * float64(time.Hour))
}

type MemoryConfig struct {
	DefaultImportance         float64    `yaml:"default_importance"`
	Working                   TierPolicy `yaml:"working"`
	ShortTerm                 TierPolicy `yaml:"short_term"`
	LongTerm                  TierPolicy `yaml:"long_term"`
	ArchivalFloor             float64    `yaml:"archival_floor"`
	ArchivalImportanceCeiling float64    `yaml:"archival_importance_ceiling"`
	RecencyOverrideMinutes    int        `yaml:"recency_override_minutes"`
	DedupThreshold            float64    `yaml:"dedup_threshold"`
	FillThreshold             int        `yaml:"fill_threshold"` // working-tier size that triggers a tick
	MaxContentBytes           int        `yaml:"max_content_bytes"`
}

// RecencyOverride returns the window in which a recent access blocks archival.
func (m MemoryConfig) RecencyOverride() time.Duration {
	return time.Duration(m.RecencyOverrideMinutes) * time.Minute
}

type RetrievalConfig struct {
	SignalLimit         int     `yaml:"signal_limit"` // top-K per signal
	FusionK             int     `yaml:"fusion_k"`
	VectorWeight        float64 `yaml:"vector_weight"`
	KeywordWeight       float64 `yaml:"keyword_weight"`
	GraphWeight         float64 `yaml:"graph_weight"`
	GraphMaxDepth       int     `yaml:"graph_max_depth"`
	ContextBudgetTokens int     `yaml:"context_budget_tokens"`
	EmbedCacheSize      int     `yaml:"embed_cache_size"`
	AliasCacheSize      int     `yaml:"alias_cache_size"`
}

type ConsolidationConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	BatchSize       int `yaml:"batch_size"`
	Parallelism     int `yaml:"parallelism"`
	RetryBudget     int `yaml:"retry_budget"`
	EmbedBatch      int `yaml:"embed_batch"` // max missing vectors backfilled per tick
}

// Interval returns the background tick interval.
func (c ConsolidationConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 8737,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		LLM: LLMConfig{
			Provider:            "ollama",
			Model:               "llama3.2",
			OllamaURL:           "http://localhost:11434",
			EmbeddingModel:      "nomic-embed-text",
			EmbeddingDimensions: 768,
			MaxConcurrent:       4,
			TimeoutSeconds:      60,
		},
		Memory: MemoryConfig{
			DefaultImportance: 0.5,
			Working: TierPolicy{
				HalfLifeDays:       7,
				MinDwellHours:      24,
				PromoteImportance:  0.7,
				PromoteAccessCount: 5,
			},
			ShortTerm: TierPolicy{
				HalfLifeDays:       30,
				MinDwellHours:      168,
				PromoteImportance:  0.8,
				PromoteAccessCount: 10,
			},
			LongTerm: TierPolicy{
				HalfLifeDays: 180, // terminal tier: no promotion gates
			},
			ArchivalFloor:             0.05,
			ArchivalImportanceCeiling: 0.3,
			RecencyOverrideMinutes:    60,
			DedupThreshold:            0.95,
			FillThreshold:             10000,
			MaxContentBytes:           65536,
		},
		Retrieval: RetrievalConfig{
			SignalLimit:         50,
			FusionK:             60,
			VectorWeight:        0.5,
			KeywordWeight:       0.3,
			GraphWeight:         0.2,
			GraphMaxDepth:       3,
			ContextBudgetTokens: 4096,
			EmbedCacheSize:      2048,
			AliasCacheSize:      4096,
		},
		Consolidation: ConsolidationConfig{
			IntervalSeconds: 3600,
			BatchSize:       500,
			Parallelism:     5,
			RetryBudget:     3,
			EmbedBatch:      256,
		},
	}
}

// Load reads a YAML config file over the defaults. A missing file is not
// an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Memory.DefaultImportance < 0 || c.Memory.DefaultImportance > 1 {
		return fmt.Errorf("config: default_importance %.2f outside [0,1]", c.Memory.DefaultImportance)
	}
	if c.Memory.DedupThreshold <= 0 || c.Memory.DedupThreshold > 1 {
		return fmt.Errorf("config: dedup_threshold %.2f outside (0,1]", c.Memory.DedupThreshold)
	}
	tiers := map[string]TierPolicy{
		"working":    c.Memory.Working,
		"short_term": c.Memory.ShortTerm,
		"long_term":  c.Memory.LongTerm,
	}
	for name, p := range tiers {
		if p.HalfLifeDays <= 0 {
			return fmt.Errorf("config: %s half_life_days must be positive", name)
		}
	}
	if c.Retrieval.SignalLimit <= 0 {
		return fmt.Errorf("config: signal_limit must be positive")
	}
	if c.Retrieval.FusionK <= 0 {
		return fmt.Errorf("config: fusion_k must be positive")
	}
	if c.Retrieval.GraphMaxDepth <= 0 {
		return fmt.Errorf("config: graph_max_depth must be positive")
	}
	if c.Consolidation.BatchSize <= 0 {
		return fmt.Errorf("config: batch_size must be positive")
	}
	if c.Consolidation.Parallelism <= 0 {
		return fmt.Errorf("config: parallelism must be positive")
	}
	if c.LLM.EmbeddingDimensions <= 0 {
		return fmt.Errorf("config: embedding_dimensions must be positive")
	}
	return nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
