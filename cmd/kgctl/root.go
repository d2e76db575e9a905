package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kgengine/backend/internal/cache/redis"
	"github.com/kgengine/backend/internal/kg/builder"
	"github.com/kgengine/backend/internal/kg/neo4j"
	"github.com/kgengine/backend/internal/llm"
	"github.com/kgengine/backend/internal/query"
	"github.com/kgengine/backend/internal/storage/sqlite"
	"github.com/kgengine/backend/pkg/config"
	appLogger "github.com/kgengine/backend/pkg/logger"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "kgctl",
	Short: "Operate a knowledge graph engine database directly.",
	Long: `kgctl ingests extraction batches and runs the analytical operations
against the engine's SQLite database without going through the HTTP API.

All output is indented JSON.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default searches ./config.yaml, ./config, /etc/kgengine)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr")
}

// env is what every subcommand opens.
type env struct {
	cfg    *config.Config
	store  *sqlite.Client
	engine *query.Engine
}

func openEnv() (*env, error) {
	cfg, err := config.LoadFile(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level := "error"
	if verbose {
		level = "debug"
	}
	if err := appLogger.Init(level, "console", "stderr"); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	store, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.InitSchema(); err != nil {
		store.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	engine := query.NewEngine(store, redis.NewMemory(100), nil, query.Config{
		RequestTimeout:  time.Duration(cfg.Graph.RequestTimeoutSec) * time.Second,
		DefaultMaxDepth: cfg.Graph.DefaultMaxDepth,
		MaxDepthLimit:   cfg.Graph.MaxDepthLimit,
		DefaultMaxPaths: cfg.Graph.DefaultMaxPaths,
		MaxExpansions:   cfg.Graph.MaxExpansions,

		IsolationThreshold:  cfg.Graph.IsolationThreshold,
		SemanticThreshold:   cfg.Graph.SemanticThreshold,
		StructuralThreshold: cfg.Graph.StructuralThreshold,
		MaxClusterEntities:  cfg.Graph.MaxClusterEntities,
	})
	return &env{cfg: cfg, store: store, engine: engine}, nil
}

func (e *env) Close() {
	e.store.Close()
	appLogger.Sync()
}

// builder wires the projections the server would use so that batches
// written here reach Neo4j and carry embeddings too. The returned func
// releases them.
func (e *env) builder(ctx context.Context) (*builder.Builder, func(), error) {
	var opts []builder.Option
	cleanup := func() {}

	if e.cfg.Neo4j.Enabled {
		client, err := neo4j.NewClient(ctx, e.cfg.Neo4j.URI, e.cfg.Neo4j.Username, e.cfg.Neo4j.Password, e.cfg.Neo4j.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("connect neo4j: %w", err)
		}
		opts = append(opts, builder.WithProjection(client))
		cleanup = func() {
			if err := client.Close(context.Background()); err != nil {
				appLogger.Warn("Failed to close Neo4j client", zap.Error(err))
			}
		}
	}
	if e.cfg.Embeddings.Enabled {
		opts = append(opts, builder.WithEmbedder(llm.NewClient(
			e.cfg.Embeddings.APIKey,
			e.cfg.Embeddings.Model,
			time.Duration(e.cfg.Embeddings.TimeoutSec)*time.Second,
		)))
	}
	return builder.NewBuilder(e.store, opts...), cleanup, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
