package query

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgengine/backend/internal/cache/redis"
	"github.com/kgengine/backend/internal/kg/cluster"
	"github.com/kgengine/backend/internal/kg/gaps"
	"github.com/kgengine/backend/internal/kg/graph/graphtest"
	"github.com/kgengine/backend/internal/kg/suggest"
	"github.com/kgengine/backend/internal/kg/traversal"
	"github.com/kgengine/backend/internal/storage/models"
	"github.com/kgengine/backend/internal/storage/sqlite"
	"github.com/kgengine/backend/internal/vector/zilliz"
	"github.com/kgengine/backend/pkg/apperr"
)

type fakeStore struct {
	mu      sync.Mutex
	version int64
	data    *graphtest.Builder
	loads   int
	err     error
}

func (f *fakeStore) Version() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.version
}

func (f *fakeStore) Snapshot(context.Context) (*sqlite.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.err != nil {
		return nil, f.err
	}
	ds := f.data.Version(f.version).Dataset()
	return ds, nil
}

func (f *fakeStore) bump() {
	f.mu.Lock()
	f.version++
	f.mu.Unlock()
}

type fakeSearcher struct {
	matches []zilliz.Match
	err     error
	calls   int
}

func (f *fakeSearcher) Search(_ context.Context, _ []float32, _ int, _ []string) ([]zilliz.Match, error) {
	f.calls++
	return f.matches, f.err
}

func learningGraph() *graphtest.Builder {
	return graphtest.New().
		Entity("sql", "SQL basics", "select statements and tables", "level", "beginner").
		Entity("join", "SQL joins", "combining tables with join clauses", "level", "intermediate").
		Entity("index", "Index tuning", "b-tree indexes for query plans", "level", "advanced").
		Entity("bread", "Sourdough bread", "fermented dough baking").Confidence(0.4).
		Edge("sql", "join", models.RelPrerequisite, 0.9, 0.8).
		Edge("join", "index", models.RelBuildsOn, 0.8, 0.6).
		Embedding("sql", 1, 0).
		Embedding("join", 0.9, 0.1)
}

func newTestEngine(store *fakeStore, vectors VectorSearcher) *Engine {
	return NewEngine(store, redis.NewMemory(64), vectors, Config{})
}

func TestEngine_SnapshotIsReusedPerVersion(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{version: 3, data: learningGraph()}
	e := newTestEngine(store, nil)

	s1, err := e.Snapshot(ctx)
	require.NoError(t, err)
	s2, err := e.Snapshot(ctx)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, store.loads)
	assert.Equal(t, int64(3), s1.Version)

	store.bump()
	s3, err := e.Snapshot(ctx)
	require.NoError(t, err)
	assert.NotSame(t, s1, s3)
	assert.Equal(t, 2, store.loads)
	assert.Equal(t, int64(4), e.Version())
}

func TestEngine_SnapshotErrorIsInternal(t *testing.T) {
	store := &fakeStore{data: learningGraph(), err: errors.New("disk gone")}
	_, err := newTestEngine(store, nil).Snapshot(context.Background())
	assert.True(t, apperr.Is(err, apperr.KindInternal))
}

func TestEngine_DiscoverPathsCachesPerVersion(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{version: 1, data: learningGraph()}
	cache := redis.NewMemory(64)
	e := NewEngine(store, cache, nil, Config{})

	req := traversal.Request{StartEntityID: "sql", EndEntityID: "index"}
	first, err := e.DiscoverPaths(ctx, req)
	require.NoError(t, err)
	require.Len(t, first.Paths, 1)
	assert.Equal(t, []string{"sql", "join", "index"}, first.Paths[0].EntityIDs)
	assert.InDelta(t, 0.72, first.Paths[0].Confidence, 1e-9)

	second, err := e.DiscoverPaths(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = e.DiscoverPaths(ctx, traversal.Request{StartEntityID: "sql", EndEntityID: "index", MaxDepth: 11})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = e.DiscoverPaths(ctx, traversal.Request{StartEntityID: "sql", EndEntityID: "ghost"})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	require.NoError(t, e.InvalidateResults(ctx))
}

func TestEngine_SuggestUsesVectorPrefilter(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{version: 1, data: learningGraph().
		Entity("sql2", "SQL basics", "select statements and tables")}
	searcher := &fakeSearcher{matches: []zilliz.Match{{EntityID: "sql", Score: 1}, {EntityID: "bread", Score: 0.1}}}
	e := newTestEngine(store, searcher)

	res, err := e.SuggestRelationships(ctx, suggest.Request{EntityID: "sql"})
	require.NoError(t, err)
	assert.Equal(t, 1, searcher.calls)
	assert.Equal(t, 1, res.CandidatesEvaluated, "only the prefiltered, unconnected candidate is scored")

	searcher.err = errors.New("milvus down")
	store.bump()
	res, err = e.SuggestRelationships(ctx, suggest.Request{EntityID: "sql"})
	require.NoError(t, err)
	require.NotEmpty(t, res.Suggestions)
	assert.Equal(t, "sql2", res.Suggestions[0].TargetEntityID)
}

func TestEngine_AnalyzeGapsAndCluster(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{version: 1, data: learningGraph()}
	e := newTestEngine(store, nil)

	gapsRes, err := e.AnalyzeGaps(ctx, gaps.Request{Depth: gaps.DepthShallow})
	require.NoError(t, err)
	require.Len(t, gapsRes.Gaps, 1)
	assert.Equal(t, []string{"bread"}, gapsRes.Gaps[0].EntityIDs)

	_, err = e.AnalyzeGaps(ctx, gaps.Request{Depth: "deep"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	clusterRes, err := e.Cluster(ctx, cluster.Request{Algorithm: cluster.AlgorithmStructural, MinClusterSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, clusterRes.EntitiesConsidered)
}

func TestEngine_FullGraph(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(&fakeStore{version: 1, data: learningGraph()}, nil)

	view, err := e.FullGraph(ctx, FullGraphRequest{Limit: 2})
	require.NoError(t, err)
	assert.True(t, view.Metadata.Truncated)
	assert.Equal(t, 4, view.Metadata.TotalEntities)
	require.Len(t, view.Nodes, 2)
	assert.Equal(t, "index", view.Nodes[0].ID)
	assert.Equal(t, "join", view.Nodes[1].ID)
	require.Len(t, view.Edges, 1)
	assert.Equal(t, models.RelBuildsOn, view.Edges[0].RelationshipType)

	assert.Equal(t, map[models.EntityType]int{models.EntityKnowledgeConcept: 2}, view.Metadata.EntitiesByType)
	assert.Equal(t, map[models.RelationshipType]int{models.RelBuildsOn: 1}, view.Metadata.RelationshipsByType)

	view, err = e.FullGraph(ctx, FullGraphRequest{RelationshipTypes: []models.RelationshipType{models.RelPrerequisite}})
	require.NoError(t, err)
	assert.Len(t, view.Nodes, 4)
	assert.Len(t, view.Edges, 1)
	assert.Equal(t, 4, view.Metadata.EntitiesByType[models.EntityKnowledgeConcept])
	assert.Equal(t, map[models.RelationshipType]int{models.RelPrerequisite: 1}, view.Metadata.RelationshipsByType)

	_, err = e.FullGraph(ctx, FullGraphRequest{Limit: 501})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestEngine_Subgraph(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(&fakeStore{version: 1, data: learningGraph()}, nil)

	view, err := e.Subgraph(ctx, SubgraphRequest{EntityID: "index", Depth: 1})
	require.NoError(t, err)
	ids := make([]string, len(view.Nodes))
	for i, n := range view.Nodes {
		ids[i] = n.ID
	}
	assert.Equal(t, []string{"index", "join"}, ids)
	assert.Equal(t, "advanced", view.Nodes[0].Level)

	view, err = e.Subgraph(ctx, SubgraphRequest{EntityID: "index"})
	require.NoError(t, err)
	assert.Len(t, view.Nodes, 3)
	assert.Len(t, view.Edges, 2)

	view, err = e.Subgraph(ctx, SubgraphRequest{EntityID: "index", MinConfidence: 0.85})
	require.NoError(t, err)
	assert.Len(t, view.Nodes, 1)

	_, err = e.Subgraph(ctx, SubgraphRequest{EntityID: "ghost"})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = e.Subgraph(ctx, SubgraphRequest{EntityID: "index", Depth: 4})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}
