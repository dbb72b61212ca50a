// Package config loads the typed service configuration from a YAML file and
// the environment. Environment variables win over file values so deployments
// can override without editing the file.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/powermem/powermem/internal/platform/envutil"
	"github.com/powermem/powermem/internal/types"
)

type LLM struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	MaxTokens   int     `yaml:"max_tokens"`
	MaxRetries  int     `yaml:"max_retries"`
	TimeoutSec  int     `yaml:"timeout_seconds"`
}

type Embedder struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Dims     int    `yaml:"dims"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
}

type VectorStore struct {
	// Provider is one of: memory, sqlite, postgres, qdrant.
	Provider   string `yaml:"provider"`
	Collection string `yaml:"collection"`
	Connection string `yaml:"connection"`
	IndexType  string `yaml:"index_type"`
	Metric     string `yaml:"metric"`
}

type GraphStore struct {
	Enabled        bool   `yaml:"enabled"`
	Provider       string `yaml:"provider"`
	Connection     string `yaml:"connection"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	Database       string `yaml:"database"`
	MaxHop         int    `yaml:"max_hop"`
	MaxEdgesPerHop int    `yaml:"max_edges_per_hop"`
}

type IntelligentMemory struct {
	Enabled          bool    `yaml:"enabled"`
	RetentionLambda  float64 `yaml:"retention_lambda"`
	RMin             float64 `yaml:"r_min"`
	ReinforceAlpha   float64 `yaml:"r_reinforce_alpha"`
	ArchiveGraceDays int     `yaml:"archive_grace_days"`
	// Thresholds holds the importance cutoffs for initial tier assignment.
	Thresholds struct {
		LongTerm  float64 `yaml:"long_term"`
		ShortTerm float64 `yaml:"short_term"`
	} `yaml:"thresholds"`
	ArchiveLongTerm bool `yaml:"archive_long_term"`
}

type Fusion struct {
	Method  string  `yaml:"method"`
	RRFK    int     `yaml:"rrf_k"`
	Weights struct {
		Vector float64 `yaml:"vector"`
		Text   float64 `yaml:"text"`
		Graph  float64 `yaml:"graph"`
	} `yaml:"weights"`
	Recency bool   `yaml:"recency"`
	Parser  string `yaml:"parser"`
}

type Prompts struct {
	FactExtraction       string `yaml:"fact_extraction"`
	UpdateMemory         string `yaml:"update_memory"`
	ImportanceEvaluation string `yaml:"importance_evaluation"`
	ExtractRelations     string `yaml:"extract_relations"`
	UpdateGraph          string `yaml:"update_graph"`
	DeleteRelations      string `yaml:"delete_relations"`
}

type Server struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Redis struct {
	Addr       string `yaml:"addr"`
	LockPrefix string `yaml:"lock_prefix"`
}

type Maintenance struct {
	IntervalMinutes int `yaml:"interval_minutes"`
}

type Config struct {
	LLM               LLM               `yaml:"llm"`
	Embedder          Embedder          `yaml:"embedder"`
	VectorStore       VectorStore       `yaml:"vector_store"`
	GraphStore        GraphStore        `yaml:"graph_store"`
	IntelligentMemory IntelligentMemory `yaml:"intelligent_memory"`
	Fusion            Fusion            `yaml:"fusion"`
	Prompts           Prompts           `yaml:"prompts"`
	Server            Server            `yaml:"server"`
	Redis             Redis             `yaml:"redis"`
	Maintenance       Maintenance       `yaml:"maintenance"`
	NodeID            int64             `yaml:"node_id"`
	// Extra passes backend-specific tuning knobs through untyped.
	Extra map[string]string `yaml:"extra"`
}

func Default() Config {
	var c Config
	c.LLM.Provider = "openai"
	c.LLM.Temperature = 0.2
	c.LLM.MaxRetries = 3
	c.LLM.TimeoutSec = 180
	c.Embedder.Provider = "openai"
	c.Embedder.Dims = 1536
	c.VectorStore.Provider = "memory"
	c.VectorStore.Collection = "powermem"
	c.VectorStore.Metric = "cosine"
	c.GraphStore.MaxHop = 2
	c.GraphStore.MaxEdgesPerHop = 20
	c.IntelligentMemory.Enabled = true
	c.IntelligentMemory.RMin = 0.20
	c.IntelligentMemory.ReinforceAlpha = 0.25
	c.IntelligentMemory.ArchiveGraceDays = 30
	c.IntelligentMemory.Thresholds.LongTerm = 0.75
	c.IntelligentMemory.Thresholds.ShortTerm = 0.4
	c.Fusion.Method = "rrf"
	c.Fusion.RRFK = 60
	c.Fusion.Weights.Vector = 1
	c.Fusion.Weights.Text = 0.5
	c.Fusion.Weights.Graph = 0.5
	c.Fusion.Recency = true
	c.Fusion.Parser = "space"
	c.Server.Addr = ":8080"
	c.Maintenance.IntervalMinutes = 60
	c.NodeID = 1
	return c
}

// Load reads path (optional), overlays the environment, and validates. An
// empty path skips the file and configures purely from env and defaults.
func Load(path string) (Config, error) {
	const op = "config.Load"
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, types.E(types.KindValidation, op, fmt.Sprintf("read %s", path), err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, types.E(types.KindValidation, op, fmt.Sprintf("parse %s", path), err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.LLM.Provider = envutil.String("POWERMEM_LLM_PROVIDER", c.LLM.Provider)
	c.LLM.Model = envutil.String("POWERMEM_LLM_MODEL", c.LLM.Model)
	c.LLM.APIKey = envutil.String("POWERMEM_LLM_API_KEY", envutil.String("OPENAI_API_KEY", c.LLM.APIKey))
	c.LLM.BaseURL = envutil.String("POWERMEM_LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.Temperature = envutil.Float("POWERMEM_LLM_TEMPERATURE", c.LLM.Temperature)
	c.LLM.MaxRetries = envutil.Int("POWERMEM_LLM_MAX_RETRIES", c.LLM.MaxRetries)
	c.LLM.TimeoutSec = envutil.Int("POWERMEM_LLM_TIMEOUT_SECONDS", c.LLM.TimeoutSec)

	c.Embedder.Provider = envutil.String("POWERMEM_EMBEDDER_PROVIDER", c.Embedder.Provider)
	c.Embedder.Model = envutil.String("POWERMEM_EMBEDDER_MODEL", c.Embedder.Model)
	c.Embedder.Dims = envutil.Int("POWERMEM_EMBEDDER_DIMS", c.Embedder.Dims)
	c.Embedder.APIKey = envutil.String("POWERMEM_EMBEDDER_API_KEY", c.Embedder.APIKey)
	c.Embedder.BaseURL = envutil.String("POWERMEM_EMBEDDER_BASE_URL", c.Embedder.BaseURL)

	c.VectorStore.Provider = envutil.String("POWERMEM_VECTOR_PROVIDER", c.VectorStore.Provider)
	c.VectorStore.Collection = envutil.String("POWERMEM_VECTOR_COLLECTION", c.VectorStore.Collection)
	c.VectorStore.Connection = envutil.String("POWERMEM_VECTOR_CONNECTION", c.VectorStore.Connection)

	c.GraphStore.Enabled = envutil.Bool("POWERMEM_GRAPH_ENABLED", c.GraphStore.Enabled)
	c.GraphStore.Provider = envutil.String("POWERMEM_GRAPH_PROVIDER", c.GraphStore.Provider)
	c.GraphStore.Connection = envutil.String("POWERMEM_GRAPH_CONNECTION", c.GraphStore.Connection)
	c.GraphStore.Username = envutil.String("POWERMEM_GRAPH_USERNAME", c.GraphStore.Username)
	c.GraphStore.Password = envutil.String("POWERMEM_GRAPH_PASSWORD", c.GraphStore.Password)
	c.GraphStore.Database = envutil.String("POWERMEM_GRAPH_DATABASE", c.GraphStore.Database)

	c.IntelligentMemory.Enabled = envutil.Bool("POWERMEM_INTELLIGENT_MEMORY", c.IntelligentMemory.Enabled)
	c.Fusion.Method = envutil.String("POWERMEM_FUSION_METHOD", c.Fusion.Method)
	c.Server.Addr = envutil.String("POWERMEM_SERVER_ADDR", c.Server.Addr)
	c.Redis.Addr = envutil.String("POWERMEM_REDIS_ADDR", envutil.String("REDIS_ADDR", c.Redis.Addr))
	c.NodeID = int64(envutil.Int("POWERMEM_NODE_ID", int(c.NodeID)))
}

func (c *Config) Validate() error {
	const op = "config.Validate"
	if strings.TrimSpace(c.LLM.Provider) == "" {
		return types.E(types.KindValidation, op, "llm.provider is required", nil)
	}
	if strings.TrimSpace(c.Embedder.Provider) == "" {
		return types.E(types.KindValidation, op, "embedder.provider is required", nil)
	}
	if c.Embedder.Dims <= 0 {
		return types.E(types.KindValidation, op, "embedder.dims is required and must be positive", nil)
	}
	if strings.TrimSpace(c.VectorStore.Provider) == "" {
		return types.E(types.KindValidation, op, "vector_store.provider is required", nil)
	}
	switch c.VectorStore.Provider {
	case "memory", "sqlite", "postgres", "qdrant":
	default:
		return types.E(types.KindValidation, op,
			fmt.Sprintf("unknown vector_store.provider %q", c.VectorStore.Provider), nil)
	}
	if c.GraphStore.Enabled {
		switch c.GraphStore.Provider {
		case "memory", "neo4j":
		default:
			return types.E(types.KindValidation, op,
				fmt.Sprintf("unknown graph_store.provider %q", c.GraphStore.Provider), nil)
		}
	}
	switch c.Fusion.Method {
	case "", "rrf", "weighted":
	default:
		return types.E(types.KindValidation, op,
			fmt.Sprintf("unknown fusion.method %q", c.Fusion.Method), nil)
	}
	if c.GraphStore.MaxHop > 3 {
		return types.E(types.KindValidation, op, "graph_store.max_hop cannot exceed 3", nil)
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		return types.E(types.KindValidation, op, "node_id must be in [0,1023]", nil)
	}
	return nil
}
