package query

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kgengine/backend/internal/cache/redis"
	"github.com/kgengine/backend/internal/kg/cluster"
	"github.com/kgengine/backend/internal/kg/gaps"
	"github.com/kgengine/backend/internal/kg/graph"
	"github.com/kgengine/backend/internal/kg/similarity"
	"github.com/kgengine/backend/internal/kg/suggest"
	"github.com/kgengine/backend/internal/kg/traversal"
	"github.com/kgengine/backend/internal/metrics"
	"github.com/kgengine/backend/internal/storage/sqlite"
	"github.com/kgengine/backend/internal/vector/zilliz"
	"github.com/kgengine/backend/pkg/apperr"
	"github.com/kgengine/backend/pkg/logger"
	"github.com/kgengine/backend/pkg/utils"
)

type Store interface {
	Version() int64
	Snapshot(ctx context.Context) (*sqlite.Dataset, error)
}

type VectorSearcher interface {
	Search(ctx context.Context, query []float32, topK int, entityTypes []string) ([]zilliz.Match, error)
}

type Config struct {
	RequestTimeout time.Duration
	CacheTTL       time.Duration

	DefaultMaxDepth int
	MaxDepthLimit   int
	DefaultMaxPaths int
	MaxExpansions   int

	IsolationThreshold int
	Thresholds         gaps.Thresholds

	SemanticThreshold   float64
	StructuralThreshold float64
	MaxClusterEntities  int

	// CandidateLimit bounds the vector prefilter for suggestions.
	CandidateLimit int
}

func (c *Config) applyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 10 * time.Minute
	}
	if c.MaxDepthLimit <= 0 || c.MaxDepthLimit > traversal.MaxDepthLimit {
		c.MaxDepthLimit = traversal.MaxDepthLimit
	}
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = 200
	}
}

// view pairs a snapshot with the similarity index built over it.
type view struct {
	snap  *graph.Snapshot
	index *similarity.Index
}

// Engine is the read side of the knowledge graph. It loads a snapshot per
// store version, bounds every operation with the request timeout and caches
// results keyed by operation, parameters and graph version.
type Engine struct {
	store   Store
	cache   redis.Cache
	vectors VectorSearcher
	cfg     Config

	// epoch separates cache entries written by earlier processes, whose
	// version counters started from zero as well.
	epoch   string
	current atomic.Pointer[view]
	loads   singleflight.Group
}

func NewEngine(store Store, cache redis.Cache, vectors VectorSearcher, cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		store:   store,
		cache:   cache,
		vectors: vectors,
		cfg:     cfg,
		epoch:   uuid.NewString()[:8],
	}
}

func (e *Engine) Version() int64 {
	return e.store.Version()
}

// Snapshot returns the graph at the current store version.
func (e *Engine) Snapshot(ctx context.Context) (*graph.Snapshot, error) {
	v, err := e.view(ctx)
	if err != nil {
		return nil, err
	}
	return v.snap, nil
}

func (e *Engine) view(ctx context.Context) (*view, error) {
	if v := e.current.Load(); v != nil && v.snap.Version == e.store.Version() {
		return v, nil
	}

	res, err, _ := e.loads.Do("snapshot", func() (interface{}, error) {
		if v := e.current.Load(); v != nil && v.snap.Version == e.store.Version() {
			return v, nil
		}
		start := time.Now()
		ds, err := e.store.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		snap := graph.New(ds.Version, ds.Entities, ds.Relationships, ds.Embeddings)
		v := &view{snap: snap, index: similarity.NewIndex(snap)}
		e.current.Store(v)

		metrics.EntitiesTotal.Set(float64(snap.Len()))
		metrics.RelationshipsTotal.Set(float64(snap.RelationshipCount()))
		logger.Debug("Graph snapshot loaded",
			zap.Int64("version", snap.Version),
			zap.Int("entities", snap.Len()),
			zap.Int("relationships", snap.RelationshipCount()),
			zap.Duration("took", time.Since(start)),
		)
		return v, nil
	})
	if err != nil {
		return nil, apperr.Internal("LoadSnapshot", err)
	}
	return res.(*view), nil
}

// run executes fn against the current view with caching and metrics. fn
// reports whether its result may be cached; truncated results are not.
func run[T any](ctx context.Context, e *Engine, op string, params any, fn func(context.Context, *view) (*T, bool, error)) (*T, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	result, err := runCached(ctx, e, op, params, fn)

	metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	metrics.OperationTotal.WithLabelValues(op, outcome(err)).Inc()
	if apperr.Is(err, apperr.KindInternal) {
		logger.Error("Analytical operation failed", zap.String("operation", op), zap.Error(err))
	}
	return result, err
}

func runCached[T any](ctx context.Context, e *Engine, op string, params any, fn func(context.Context, *view) (*T, bool, error)) (*T, error) {
	v, err := e.view(ctx)
	if err != nil {
		return nil, err
	}

	var key string
	if e.cache != nil {
		hash, err := utils.HashValue(params)
		if err != nil {
			return nil, apperr.Internal(op, err)
		}
		key = fmt.Sprintf("%s:%s:%s:%d", op, hash, e.epoch, v.snap.Version)

		var cached T
		hit, err := e.cache.GetResult(ctx, key, &cached)
		if err != nil {
			logger.Warn("Result cache read failed", zap.String("operation", op), zap.Error(err))
		}
		if hit {
			metrics.CacheHits.WithLabelValues("result").Inc()
			return &cached, nil
		}
		metrics.CacheMisses.WithLabelValues("result").Inc()
	}

	result, cacheable, err := fn(ctx, v)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, apperr.Internal(op, fmt.Errorf("operation aborted: %w", err))
		}
		return nil, err
	}

	if e.cache != nil && cacheable {
		if err := e.cache.SetResult(ctx, key, result, e.cfg.CacheTTL); err != nil {
			logger.Warn("Result cache write failed", zap.String("operation", op), zap.Error(err))
		}
	}
	return result, nil
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return string(apperr.KindOf(err))
}

func (e *Engine) DiscoverPaths(ctx context.Context, req traversal.Request) (*traversal.Result, error) {
	if req.MaxDepth == 0 && e.cfg.DefaultMaxDepth > 0 {
		req.MaxDepth = e.cfg.DefaultMaxDepth
	}
	if req.MaxDepth > e.cfg.MaxDepthLimit {
		return nil, apperr.Validation("DiscoverPaths", "max_depth must be between 1 and %d", e.cfg.MaxDepthLimit)
	}
	if req.MaxPaths == 0 {
		req.MaxPaths = e.cfg.DefaultMaxPaths
	}
	if req.MaxExpansions == 0 {
		req.MaxExpansions = e.cfg.MaxExpansions
	}
	if err := req.Normalize(); err != nil {
		return nil, err
	}

	return run(ctx, e, "discover_paths", req, func(ctx context.Context, v *view) (*traversal.Result, bool, error) {
		res, err := traversal.Discover(ctx, v.snap, req)
		if err != nil {
			return nil, false, err
		}
		metrics.PathsFound.Observe(float64(len(res.Paths)))
		if res.Truncated {
			metrics.TruncatedResults.WithLabelValues("discover_paths").Inc()
		}
		return res, !res.Truncated, nil
	})
}

func (e *Engine) SuggestRelationships(ctx context.Context, req suggest.Request) (*suggest.Result, error) {
	if err := req.Normalize(); err != nil {
		return nil, err
	}

	return run(ctx, e, "suggest_relationships", req, func(ctx context.Context, v *view) (*suggest.Result, bool, error) {
		if len(req.Candidates) == 0 {
			req.Candidates = e.vectorCandidates(ctx, v.snap, req)
		}
		res, err := suggest.Suggest(ctx, v.index, req)
		if err != nil {
			return nil, false, err
		}
		for _, s := range res.Suggestions {
			metrics.SuggestionConfidence.Observe(s.Confidence)
		}
		if res.Truncated {
			metrics.TruncatedResults.WithLabelValues("suggest_relationships").Inc()
		}
		return res, !res.Truncated, nil
	})
}

// vectorCandidates narrows suggestion candidates to the nearest neighbours of
// the focal entity. It returns nil, meaning every entity, when the index is
// unavailable.
func (e *Engine) vectorCandidates(ctx context.Context, snap *graph.Snapshot, req suggest.Request) []string {
	if e.vectors == nil {
		return nil
	}
	vec := snap.Embedding(req.EntityID)
	if len(vec) == 0 {
		return nil
	}

	types := make([]string, len(req.EntityTypes))
	for i, t := range req.EntityTypes {
		types[i] = string(t)
	}
	matches, err := e.vectors.Search(ctx, vec, e.cfg.CandidateLimit+1, types)
	if err != nil {
		logger.Warn("Vector prefilter failed, scoring all entities",
			zap.String("entity_id", req.EntityID),
			zap.Error(err),
		)
		return nil
	}

	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		if m.EntityID != req.EntityID {
			ids = append(ids, m.EntityID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return ids
}

func (e *Engine) AnalyzeGaps(ctx context.Context, req gaps.Request) (*gaps.Result, error) {
	if req.IsolationThreshold == 0 {
		req.IsolationThreshold = e.cfg.IsolationThreshold
	}
	if req.Thresholds == (gaps.Thresholds{}) {
		req.Thresholds = e.cfg.Thresholds
	}
	if err := req.Normalize(); err != nil {
		return nil, err
	}

	return run(ctx, e, "analyze_gaps", req, func(ctx context.Context, v *view) (*gaps.Result, bool, error) {
		res, err := gaps.Analyze(ctx, v.index, req)
		if err != nil {
			return nil, false, err
		}
		for gapType, n := range res.Counts {
			metrics.GapsDetected.WithLabelValues(string(gapType)).Add(float64(n))
		}
		return res, true, nil
	})
}

func (e *Engine) Cluster(ctx context.Context, req cluster.Request) (*cluster.Result, error) {
	if req.MaxEntities == 0 {
		req.MaxEntities = e.cfg.MaxClusterEntities
	}
	if req.SemanticThreshold == 0 {
		req.SemanticThreshold = e.cfg.SemanticThreshold
	}
	if req.StructuralThreshold == 0 {
		req.StructuralThreshold = e.cfg.StructuralThreshold
	}
	if err := req.Normalize(); err != nil {
		return nil, err
	}

	return run(ctx, e, "cluster_entities", req, func(ctx context.Context, v *view) (*cluster.Result, bool, error) {
		res, err := cluster.Run(ctx, v.index, req)
		if err != nil {
			return nil, false, err
		}
		metrics.ClustersFound.Observe(float64(len(res.Clusters)))
		if res.Truncated {
			metrics.TruncatedResults.WithLabelValues("cluster_entities").Inc()
		}
		return res, !res.Truncated, nil
	})
}

// InvalidateResults drops every cached analytical result.
func (e *Engine) InvalidateResults(ctx context.Context) error {
	if e.cache == nil {
		return nil
	}
	return e.cache.InvalidateResults(ctx)
}
