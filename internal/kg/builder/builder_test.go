package builder

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgengine/backend/internal/cache/redis"
	"github.com/kgengine/backend/internal/storage/models"
	"github.com/kgengine/backend/internal/storage/sqlite"
	"github.com/kgengine/backend/internal/vector/zilliz"
	"github.com/kgengine/backend/pkg/apperr"
)

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	texts []string
}

func (f *fakeEmbedder) Model() string { return "fake-embedding" }

func (f *fakeEmbedder) GenerateBatchEmbeddings(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.texts = append(f.texts, texts...)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

type fakeVectors struct {
	upserted map[string]zilliz.EntityVector
	deleted  []string
}

func (f *fakeVectors) Upsert(_ context.Context, vectors []zilliz.EntityVector) error {
	if f.upserted == nil {
		f.upserted = map[string]zilliz.EntityVector{}
	}
	for _, v := range vectors {
		f.upserted[v.EntityID] = v
	}
	return nil
}

func (f *fakeVectors) Delete(_ context.Context, ids []string) error {
	f.deleted = append(f.deleted, ids...)
	return nil
}

type fakeProjection struct {
	fail          bool
	entities      map[string]string
	relationships map[string]bool
}

func newFakeProjection() *fakeProjection {
	return &fakeProjection{entities: map[string]string{}, relationships: map[string]bool{}}
}

func (f *fakeProjection) SyncEntity(_ context.Context, e *models.Entity) error {
	if f.fail {
		return errors.New("neo4j unavailable")
	}
	f.entities[e.ID] = e.Name
	return nil
}

func (f *fakeProjection) SyncRelationship(_ context.Context, rel *models.Relationship) error {
	if f.fail {
		return errors.New("neo4j unavailable")
	}
	f.relationships[rel.ID] = true
	return nil
}

func (f *fakeProjection) DeleteEntities(_ context.Context, ids []string) error {
	for _, id := range ids {
		delete(f.entities, id)
	}
	return nil
}

func (f *fakeProjection) DeleteRelationships(_ context.Context, ids []string) error {
	for _, id := range ids {
		delete(f.relationships, id)
	}
	return nil
}

func newTestStore(t *testing.T) *sqlite.Client {
	t.Helper()
	c, err := sqlite.NewClient(filepath.Join(t.TempDir(), "kg.db"))
	require.NoError(t, err)
	require.NoError(t, c.InitSchema())
	t.Cleanup(func() { c.Close() })
	return c
}

func sampleBatch() *Batch {
	return &Batch{
		SourceContentID: "lecture-7",
		Entities: []EntityInput{
			{
				Ref:             "join",
				EntityType:      models.EntityKnowledgeConcept,
				Parent:          "sql",
				Name:            "Joins",
				Description:     "<p>Combining <b>rows</b> from tables</p><script>x()</script>",
				ConfidenceScore: 0.8,
			},
			{
				Ref:             "sql",
				EntityType:      models.EntityKnowledgeConcept,
				Name:            "SQL",
				Description:     "Structured query language",
				ConfidenceScore: 0.9,
			},
		},
		Relationships: []RelationshipInput{
			{Source: "sql", Target: "join", RelationshipType: models.RelPrerequisite, ConfidenceScore: 0.7, Strength: 0.6},
			{Source: "join", Target: "sql", RelationshipType: models.RelSimilarTo, ConfidenceScore: 0.5, Strength: 0.5, Bidirectional: true},
		},
	}
}

func TestIngest_ResolvesRefsAndStripsMarkup(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	proj := newFakeProjection()
	b := NewBuilder(store, WithProjection(proj))

	res, err := b.Ingest(ctx, sampleBatch())
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 2, res.EntitiesCreated)
	assert.Equal(t, 2, res.RelationshipsCreated)

	join, err := store.GetEntity(ctx, res.EntityIDs["join"])
	require.NoError(t, err)
	assert.Equal(t, "Combining rows from tables", join.Description)
	require.NotNil(t, join.ParentEntityID)
	assert.Equal(t, res.EntityIDs["sql"], *join.ParentEntityID)

	rels, err := store.ListRelationships(ctx, models.RelationshipFilter{})
	require.NoError(t, err)
	assert.Len(t, rels, 3, "bidirectional edge writes its mirror")
	assert.Len(t, proj.entities, 2)
	assert.Len(t, proj.relationships, 3)
}

func TestIngest_MergesDuplicatesAndUpsertsRelationships(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	b := NewBuilder(store)

	first, err := b.Ingest(ctx, sampleBatch())
	require.NoError(t, err)

	again := sampleBatch()
	again.Entities[1].Name = "sql"
	again.Entities[1].ConfidenceScore = 0.95
	again.Entities[1].Metadata = map[string]any{"level": "beginner"}
	again.Relationships[0].ConfidenceScore = 0.9

	second, err := b.Ingest(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, 0, second.EntitiesCreated)
	assert.Equal(t, 2, second.EntitiesMerged)
	assert.Equal(t, 0, second.RelationshipsCreated)
	assert.Equal(t, 2, second.RelationshipsUpdated)
	assert.Equal(t, first.EntityIDs, second.EntityIDs)

	sql, err := store.GetEntity(ctx, second.EntityIDs["sql"])
	require.NoError(t, err)
	assert.Equal(t, 0.95, sql.ConfidenceScore)
	assert.Equal(t, models.LevelBeginner, sql.Level())

	rels, err := store.ListRelationships(ctx, models.RelationshipFilter{Types: []models.RelationshipType{models.RelPrerequisite}})
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, 0.9, rels[0].ConfidenceScore)
}

func TestIngest_ReportsInvalidItems(t *testing.T) {
	ctx := context.Background()
	b := NewBuilder(newTestStore(t))

	batch := &Batch{
		SourceContentID: "chat-1",
		Entities: []EntityInput{
			{Ref: "a", EntityType: models.EntityConversationTurn, Name: "Question", ConfidenceScore: 0.6},
			{Ref: "a", EntityType: models.EntityConversationTurn, Name: "Duplicate ref", ConfidenceScore: 0.6},
			{Ref: "b", EntityType: "person", Name: "Alice", ConfidenceScore: 0.6},
			{Ref: "c", EntityType: models.EntityConversationTurn, Name: "Orphan", Parent: "b", ConfidenceScore: 0.6},
		},
		Relationships: []RelationshipInput{
			{Source: "a", Target: "a", RelationshipType: models.RelFollows, ConfidenceScore: 0.5, Strength: 0.5},
			{Source: "a", Target: "missing-id", RelationshipType: models.RelFollows, ConfidenceScore: 0.5, Strength: 0.5},
		},
	}

	res, err := b.Ingest(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 1, res.EntitiesCreated)
	require.Len(t, res.Errors, 5)

	codes := map[string]int{}
	for _, e := range res.Errors {
		codes[e.Code]++
	}
	assert.Equal(t, 4, codes[string(apperr.KindValidation)])
	assert.Equal(t, 1, codes[string(apperr.KindNotFound)])

	_, err = b.Ingest(ctx, &Batch{})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestBuilder_EmbedsAndIndexesWithCache(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	emb := &fakeEmbedder{}
	vectors := &fakeVectors{}
	b := NewBuilder(store, WithEmbedder(emb), WithVectorIndex(vectors), WithCache(redis.NewMemory(16)))

	e := &models.Entity{
		EntityType:      models.EntityText,
		SourceContentID: "doc-1",
		Name:            "Indexes",
		Description:     "B-tree lookups",
		ConfidenceScore: 0.7,
	}
	require.NoError(t, b.CreateEntity(ctx, e))
	assert.Equal(t, 1, emb.calls)

	vec, err := store.GetEmbedding(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, []float32{float32(len(e.Text())), 1}, vec)
	assert.Contains(t, vectors.upserted, e.ID)

	twin := &models.Entity{
		EntityType:      models.EntityText,
		SourceContentID: "doc-2",
		Name:            "Indexes",
		Description:     "B-tree lookups",
		ConfidenceScore: 0.7,
	}
	require.NoError(t, b.CreateEntity(ctx, twin))
	assert.Equal(t, 1, emb.calls, "identical text is served from the cache")

	conf := 0.9
	_, err = b.UpdateEntity(ctx, e.ID, models.EntityPatch{ConfidenceScore: &conf})
	require.NoError(t, err)
	assert.Equal(t, 1, emb.calls, "confidence changes do not re-embed")

	res, err := b.DeleteEntity(ctx, e.ID, false)
	require.NoError(t, err)
	assert.Equal(t, []string{e.ID}, res.EntityIDs)
	assert.Equal(t, []string{e.ID}, vectors.deleted)
}

func TestBuilder_ProjectionFailureDoesNotFailWrite(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	proj := newFakeProjection()
	proj.fail = true
	b := NewBuilder(store, WithProjection(proj))

	a := &models.Entity{EntityType: models.EntityKnowledgeConcept, SourceContentID: "s", Name: "A", ConfidenceScore: 0.5}
	c := &models.Entity{EntityType: models.EntityKnowledgeConcept, SourceContentID: "s", Name: "C", ConfidenceScore: 0.5}
	require.NoError(t, b.CreateEntity(ctx, a))
	require.NoError(t, b.CreateEntity(ctx, c))

	rel := &models.Relationship{
		SourceEntityID:   a.ID,
		TargetEntityID:   c.ID,
		RelationshipType: models.RelReferences,
		ConfidenceScore:  0.6,
		Strength:         0.4,
	}
	_, err := b.CreateRelationship(ctx, rel)
	require.NoError(t, err)

	got, err := store.GetRelationship(ctx, rel.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RelReferences, got.RelationshipType)

	ids, err := b.DeleteRelationship(ctx, rel.ID, true)
	require.NoError(t, err)
	assert.Equal(t, []string{rel.ID}, ids)
}

func TestStripHTML(t *testing.T) {
	assert.Equal(t, "plain  text\nkept", StripHTML("plain  text\nkept"))
	assert.Equal(t, "Title body & more", StripHTML("<h1>Title</h1>\n<div>body &amp; more</div>"))
	assert.Equal(t, "", StripHTML("<style>p{}</style>"))
}
