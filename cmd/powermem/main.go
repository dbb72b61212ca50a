package main

import (
	"context"
	"fmt"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/powermem/powermem/internal/config"
	"github.com/powermem/powermem/internal/engine"
	httpapi "github.com/powermem/powermem/internal/http"
	httpH "github.com/powermem/powermem/internal/http/handlers"
	"github.com/powermem/powermem/internal/ids"
	"github.com/powermem/powermem/internal/llm"
	"github.com/powermem/powermem/internal/platform/envutil"
	"github.com/powermem/powermem/internal/platform/logger"
	"github.com/powermem/powermem/internal/prompts"
	"github.com/powermem/powermem/internal/store"
	"github.com/powermem/powermem/internal/store/memstore"
	"github.com/powermem/powermem/internal/store/neo4jstore"
	"github.com/powermem/powermem/internal/store/pgstore"
	"github.com/powermem/powermem/internal/store/qdrantstore"
	"github.com/powermem/powermem/internal/store/sqlitestore"
)

func main() {
	logMode := envutil.String("LOG_MODE", "development")
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load(envutil.String("POWERMEM_CONFIG", ""))
	if err != nil {
		log.Error("Config load failed", "error", err)
		os.Exit(1)
	}

	// LLM + embedder
	client, err := llm.NewOpenAIClient(log, llm.OpenAIConfig{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		EmbedModel:  cfg.Embedder.Model,
		EmbedDims:   cfg.Embedder.Dims,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     time.Duration(cfg.LLM.TimeoutSec) * time.Second,
		MaxRetries:  cfg.LLM.MaxRetries,
	})
	if err != nil {
		log.Error("Could not init LLM client", "error", err)
		os.Exit(1)
	}

	// Stores
	deps, err := buildStores(log, cfg)
	if err != nil {
		log.Error("Store init failed", "error", err)
		os.Exit(1)
	}
	deps.Log = log
	deps.Provider = client
	deps.Embedder = client

	gen, err := ids.NewGenerator(cfg.NodeID)
	if err != nil {
		log.Error("ID generator init failed", "error", err)
		os.Exit(1)
	}
	deps.IDs = gen

	if cfg.Redis.Addr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.Redis.Addr})
		prefix := cfg.Redis.LockPrefix
		if prefix == "" {
			prefix = "powermem:lock:"
		}
		deps.Locker = engine.NewRedisLocker(rdb, prefix, 30*time.Second)
		log.Info("Using redis locker", "addr", cfg.Redis.Addr)
	}

	deps.Prompts = prompts.Merge(prompts.Set{
		FactExtraction:       cfg.Prompts.FactExtraction,
		UpdateMemory:         cfg.Prompts.UpdateMemory,
		ImportanceEvaluation: cfg.Prompts.ImportanceEvaluation,
		ExtractRelations:     cfg.Prompts.ExtractRelations,
		UpdateGraph:          cfg.Prompts.UpdateGraph,
		DeleteRelations:      cfg.Prompts.DeleteRelations,
	})

	engCfg := engineConfig(cfg)
	eng, err := engine.New(deps, engCfg)
	if err != nil {
		log.Error("Engine init failed", "error", err)
		os.Exit(1)
	}
	defer eng.Close()

	interval := time.Duration(cfg.Maintenance.IntervalMinutes) * time.Minute
	runner := engine.NewMaintenanceRunner(eng, log, interval)
	runner.Start()
	defer runner.Stop()

	srv := httpapi.NewServer(httpapi.RouterConfig{
		MemoryHandler:  httpH.NewMemoryHandler(eng),
		HealthHandler:  httpH.NewHealthHandler(),
		Log:            log,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	if err := srv.Run(cfg.Server.Addr); err != nil {
		log.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

// buildStores wires the vector, full-text, history, profile, and graph
// backends the configuration selects.
func buildStores(log *logger.Logger, cfg config.Config) (engine.Deps, error) {
	var deps engine.Deps

	switch cfg.VectorStore.Provider {
	case "memory":
		ms := memstore.New(cfg.Embedder.Dims)
		deps.Vector = ms
		deps.FullText = ms
		deps.History = ms.History()
		deps.Profiles = ms
	case "sqlite":
		path := cfg.VectorStore.Connection
		if path == "" {
			path = "powermem.db"
		}
		st, err := sqlitestore.New(log, sqlitestore.Config{Path: path, Dims: cfg.Embedder.Dims})
		if err != nil {
			return deps, err
		}
		deps.Vector = st
		deps.FullText = st
		deps.History = st.History()
		deps.Profiles = st
	case "postgres":
		st, err := pgstore.New(log, pgstore.Config{DSN: cfg.VectorStore.Connection, Dims: cfg.Embedder.Dims})
		if err != nil {
			return deps, err
		}
		deps.Vector = st
		deps.FullText = st
		deps.History = st.History()
		deps.Profiles = st
	case "qdrant":
		qd, err := qdrantstore.New(log, qdrantstore.Config{
			URL:        cfg.VectorStore.Connection,
			Collection: cfg.VectorStore.Collection,
			APIKey:     cfg.Extra["qdrant_api_key"],
			VectorDim:  cfg.Embedder.Dims,
		})
		if err != nil {
			return deps, err
		}
		// Qdrant holds vectors only; lexical search, history, and profiles
		// live in a sqlite sidecar.
		auxPath := cfg.Extra["aux_path"]
		if auxPath == "" {
			auxPath = "powermem.db"
		}
		aux, err := sqlitestore.New(log, sqlitestore.Config{Path: auxPath, Dims: cfg.Embedder.Dims})
		if err != nil {
			return deps, err
		}
		deps.Vector = qd
		deps.FullText = aux
		deps.History = aux.History()
		deps.Profiles = aux
	default:
		return deps, fmt.Errorf("unknown vector store provider %q", cfg.VectorStore.Provider)
	}

	if cfg.GraphStore.Enabled {
		graph, err := buildGraph(log, cfg)
		if err != nil {
			return deps, err
		}
		deps.Graph = graph
	}
	return deps, nil
}

func buildGraph(log *logger.Logger, cfg config.Config) (store.GraphStore, error) {
	switch cfg.GraphStore.Provider {
	case "memory":
		return memstore.New(cfg.Embedder.Dims).Graph(), nil
	case "neo4j":
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return neo4jstore.New(ctx, log, neo4jstore.Config{
			URI:      cfg.GraphStore.Connection,
			Username: cfg.GraphStore.Username,
			Password: cfg.GraphStore.Password,
			Database: cfg.GraphStore.Database,
		})
	default:
		return nil, fmt.Errorf("unknown graph store provider %q", cfg.GraphStore.Provider)
	}
}

func engineConfig(cfg config.Config) engine.Config {
	out := engine.NewConfig()
	if cfg.Fusion.Method != "" {
		out.Fusion = cfg.Fusion.Method
	}
	if cfg.Fusion.RRFK > 0 {
		out.RRFK = cfg.Fusion.RRFK
	}
	if cfg.Fusion.Weights.Vector > 0 || cfg.Fusion.Weights.Text > 0 || cfg.Fusion.Weights.Graph > 0 {
		out.Weights = engine.FusionWeights{
			Vector: cfg.Fusion.Weights.Vector,
			Text:   cfg.Fusion.Weights.Text,
			Graph:  cfg.Fusion.Weights.Graph,
		}
	}
	out.Recency = cfg.Fusion.Recency
	if cfg.Fusion.Parser != "" {
		out.Parser = cfg.Fusion.Parser
	}
	if cfg.GraphStore.MaxHop > 0 {
		out.MaxHop = cfg.GraphStore.MaxHop
	}
	if cfg.GraphStore.MaxEdgesPerHop > 0 {
		out.MaxEdgesPerHop = cfg.GraphStore.MaxEdgesPerHop
	}
	out.IntelligentMemory = cfg.IntelligentMemory.Enabled

	eb := engine.DefaultEbbinghaus()
	if cfg.IntelligentMemory.RetentionLambda > 0 {
		eb.Lambda = cfg.IntelligentMemory.RetentionLambda
	}
	if cfg.IntelligentMemory.RMin > 0 {
		eb.RMin = cfg.IntelligentMemory.RMin
	}
	if cfg.IntelligentMemory.ReinforceAlpha > 0 {
		eb.Alpha = cfg.IntelligentMemory.ReinforceAlpha
	}
	if cfg.IntelligentMemory.ArchiveGraceDays >= 0 {
		eb.ArchiveGrace = time.Duration(cfg.IntelligentMemory.ArchiveGraceDays) * 24 * time.Hour
	}
	if cfg.IntelligentMemory.Thresholds.LongTerm > 0 {
		eb.LongTermThreshold = cfg.IntelligentMemory.Thresholds.LongTerm
	}
	if cfg.IntelligentMemory.Thresholds.ShortTerm > 0 {
		eb.ShortTermThreshold = cfg.IntelligentMemory.Thresholds.ShortTerm
	}
	eb.ArchiveLongTerm = cfg.IntelligentMemory.ArchiveLongTerm
	out.Ebbinghaus = eb

	return out
}
