package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/kgengine/backend/internal/api/handlers"
	"github.com/kgengine/backend/internal/kg/builder"
	"github.com/kgengine/backend/internal/kg/stats"
	"github.com/kgengine/backend/internal/metrics"
	"github.com/kgengine/backend/internal/middleware/validation"
	"github.com/kgengine/backend/internal/query"
	"github.com/kgengine/backend/internal/storage/sqlite"
)

type Dependencies struct {
	Store      *sqlite.Client
	Builder    *builder.Builder
	Engine     *query.Engine
	Aggregator *stats.Aggregator
	Checks     map[string]handlers.Checker
}

// Register mounts every route on app. Middleware is the caller's concern.
func Register(app *fiber.App, deps Dependencies) {
	v := validation.New()

	entities := handlers.NewEntityHandler(deps.Store, deps.Builder, v)
	relationships := handlers.NewRelationshipHandler(deps.Store, deps.Builder, deps.Engine, v)
	analysis := handlers.NewAnalysisHandler(deps.Engine, v)
	graphs := handlers.NewGraphHandler(deps.Engine)
	statistics := handlers.NewStatsHandler(deps.Aggregator)
	extractions := handlers.NewExtractionHandler(deps.Builder, v)
	health := handlers.NewHealthHandler(deps.Checks)

	app.Get("/metrics", metrics.MetricsHandler())
	app.Get("/ws/stats", statistics.Upgrade, websocket.New(statistics.Stream))

	api := app.Group("/api/v1")

	api.Get("/health", health.Health)
	api.Get("/ready", health.Ready)

	api.Post("/entities", entities.Create)
	api.Get("/entities", entities.List)
	api.Get("/entities/:id", entities.Get)
	api.Patch("/entities/:id", entities.Update)
	api.Delete("/entities/:id", entities.Delete)

	// Literal routes precede the :id routes.
	api.Post("/relationships/suggest", relationships.Suggest)
	api.Post("/relationships", relationships.Create)
	api.Get("/relationships", relationships.List)
	api.Get("/relationships/:id", relationships.Get)
	api.Patch("/relationships/:id", relationships.Update)
	api.Delete("/relationships/:id", relationships.Delete)

	api.Post("/extractions", extractions.Ingest)

	api.Get("/graph/full", graphs.Full)
	api.Get("/graph/:entity_id", graphs.Subgraph)

	api.Post("/paths/discover", analysis.DiscoverPaths)
	api.Post("/analysis/gaps", analysis.AnalyzeGaps)
	api.Post("/clustering/semantic", analysis.Cluster)

	api.Get("/stats", statistics.Get)
}
