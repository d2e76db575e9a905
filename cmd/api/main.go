package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/kgengine/backend/internal/api"
	"github.com/kgengine/backend/internal/api/handlers"
	"github.com/kgengine/backend/internal/cache/redis"
	"github.com/kgengine/backend/internal/kg/builder"
	"github.com/kgengine/backend/internal/kg/gaps"
	"github.com/kgengine/backend/internal/kg/neo4j"
	"github.com/kgengine/backend/internal/kg/stats"
	"github.com/kgengine/backend/internal/llm"
	"github.com/kgengine/backend/internal/metrics"
	"github.com/kgengine/backend/internal/middleware/ratelimit"
	"github.com/kgengine/backend/internal/middleware/security"
	"github.com/kgengine/backend/internal/middleware/validation"
	"github.com/kgengine/backend/internal/query"
	"github.com/kgengine/backend/internal/storage/sqlite"
	"github.com/kgengine/backend/internal/vector/zilliz"
	"github.com/kgengine/backend/pkg/config"
	appLogger "github.com/kgengine/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting knowledge graph engine")
	metrics.Init()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	checks := map[string]handlers.Checker{"sqlite": sqliteClient.Ping}

	var cache redis.Cache
	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		cache = redisClient
		checks["redis"] = redisClient.Ping
	} else {
		cache = redis.NewMemory(10000)
	}
	defer cache.Close()

	opts := []builder.Option{builder.WithCache(cache)}

	if cfg.Neo4j.Enabled {
		neo4jClient, err := neo4j.NewClient(ctx, cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password, cfg.Neo4j.Database)
		if err != nil {
			appLogger.Fatal("Failed to create Neo4j client", zap.Error(err))
		}
		defer neo4jClient.Close(context.Background())

		if err := neo4jClient.EnsureConstraints(ctx); err != nil {
			appLogger.Warn("Failed to ensure Neo4j constraints", zap.Error(err))
		}
		opts = append(opts, builder.WithProjection(neo4jClient))
		checks["neo4j"] = neo4jClient.Ping
	}

	if cfg.Embeddings.Enabled {
		llmClient := llm.NewClient(
			cfg.Embeddings.APIKey,
			cfg.Embeddings.Model,
			time.Duration(cfg.Embeddings.TimeoutSec)*time.Second,
		)
		opts = append(opts, builder.WithEmbedder(llmClient))
	}

	// A nil *zilliz.Client must not reach the engine as a non-nil interface.
	var searcher query.VectorSearcher
	if cfg.Milvus.Enabled {
		zillizClient, err := zilliz.NewClient(ctx, cfg.Milvus.Endpoint, cfg.Milvus.CollectionName, cfg.Embeddings.Dimensions)
		if err != nil {
			appLogger.Fatal("Failed to create Milvus client", zap.Error(err))
		}
		defer zillizClient.Close()

		if err := zillizClient.CreateCollection(ctx); err != nil {
			appLogger.Fatal("Failed to create collection", zap.Error(err))
		}
		opts = append(opts, builder.WithVectorIndex(zillizClient))
		searcher = zillizClient
	}

	kgBuilder := builder.NewBuilder(sqliteClient, opts...)
	engine := query.NewEngine(sqliteClient, cache, searcher, engineConfig(cfg))

	// Cached results from a previous process are keyed by a different epoch,
	// but they still occupy the cache until their TTL.
	if err := engine.InvalidateResults(ctx); err != nil {
		appLogger.Warn("Failed to clear cached results", zap.Error(err))
	}

	aggregator := stats.NewAggregator(engine, stats.Config{
		StalenessThreshold: int64(cfg.Stats.StalenessThreshold),
		MaxAge:             time.Duration(cfg.Stats.MaxAgeSec) * time.Second,
	})
	if _, err := aggregator.Refresh(ctx); err != nil {
		appLogger.Warn("Initial statistics refresh failed", zap.Error(err))
	}
	go aggregator.Run(ctx, time.Duration(cfg.Stats.RefreshIntervalSec)*time.Second)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(cfg.Server.AllowedOrigins, ", "),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Client-ID",
		AllowMethods: "GET, POST, PATCH, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.Development,
	}))
	if cfg.RateLimit.Enabled {
		limiter := ratelimit.New(ratelimit.Config{
			MaxRequestsPerMinute: cfg.RateLimit.MaxRequestsPerMinute,
			Logger:               appLogger.Named("ratelimit"),
		})
		defer limiter.Stop()
		app.Use(limiter.Middleware())
	}
	app.Use(validation.Middleware(validation.Config{Logger: appLogger.Named("validation")}))

	api.Register(app, api.Dependencies{
		Store:      sqliteClient,
		Builder:    kgBuilder,
		Engine:     engine,
		Aggregator: aggregator,
		Checks:     checks,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	stop()
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		appLogger.Error("Server shutdown failed", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}

func engineConfig(cfg *config.Config) query.Config {
	g := cfg.Graph
	return query.Config{
		RequestTimeout:  time.Duration(g.RequestTimeoutSec) * time.Second,
		CacheTTL:        time.Duration(cfg.Redis.TTLSec) * time.Second,
		DefaultMaxDepth: g.DefaultMaxDepth,
		MaxDepthLimit:   g.MaxDepthLimit,
		DefaultMaxPaths: g.DefaultMaxPaths,
		MaxExpansions:   g.MaxExpansions,

		IsolationThreshold: g.IsolationThreshold,
		Thresholds: gaps.Thresholds{
			TargetDensity: g.TargetDensity,
			High:          g.HighCutoff,
			Medium:        g.MediumCutoff,
			Low:           g.LowCutoff,
		},

		SemanticThreshold:   g.SemanticThreshold,
		StructuralThreshold: g.StructuralThreshold,
		MaxClusterEntities:  g.MaxClusterEntities,
		CandidateLimit:      cfg.Milvus.CandidateLimit,
	}
}
