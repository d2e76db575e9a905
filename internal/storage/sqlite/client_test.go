package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgengine/backend/internal/storage/models"
	"github.com/kgengine/backend/pkg/apperr"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(filepath.Join(t.TempDir(), "kg.db"))
	require.NoError(t, err)
	require.NoError(t, c.InitSchema())
	t.Cleanup(func() { c.Close() })
	return c
}

func mustEntity(t *testing.T, c *Client, name string, parent *string) *models.Entity {
	t.Helper()
	e := &models.Entity{
		EntityType:      models.EntityKnowledgeConcept,
		SourceContentID: "content-1",
		ParentEntityID:  parent,
		Name:            name,
		Description:     name + " description",
		ConfidenceScore: 0.9,
		Metadata:        map[string]any{"domain": "testing"},
	}
	require.NoError(t, c.CreateEntity(context.Background(), e))
	return e
}

func rel(source, target string, rt models.RelationshipType) *models.Relationship {
	return &models.Relationship{
		SourceEntityID:   source,
		TargetEntityID:   target,
		RelationshipType: rt,
		ConfidenceScore:  0.8,
		Strength:         0.6,
	}
}

func TestEntity_CreateGetUpdate(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	e := mustEntity(t, c, "Closures", nil)
	assert.NotEmpty(t, e.ID)

	got, err := c.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "Closures", got.Name)
	assert.Equal(t, "testing", got.Metadata["domain"])
	assert.Equal(t, models.ExtractionAI, got.ExtractionMethod)

	desc := "Functions capturing their environment"
	conf := 0.75
	updated, err := c.UpdateEntity(ctx, e.ID, models.EntityPatch{
		Description:     &desc,
		ConfidenceScore: &conf,
		Metadata:        map[string]any{"level": "advanced", "domain": nil},
	})
	require.NoError(t, err)
	assert.Equal(t, desc, updated.Description)
	assert.Equal(t, "advanced", updated.Metadata["level"])
	assert.NotContains(t, updated.Metadata, "domain")

	bad := 1.5
	_, err = c.UpdateEntity(ctx, e.ID, models.EntityPatch{ConfidenceScore: &bad})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = c.GetEntity(ctx, "missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestEntity_CreateRejectsInvalid(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	v0 := c.Version()

	err := c.CreateEntity(ctx, &models.Entity{
		EntityType:      "person",
		SourceContentID: "x",
		Name:            "Ada",
		ConfidenceScore: 0.5,
	})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	err = c.CreateEntity(ctx, &models.Entity{
		EntityType:      models.EntityText,
		SourceContentID: "x",
		Name:            "Ada",
		ConfidenceScore: -0.1,
	})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	missing := "nope"
	err = c.CreateEntity(ctx, &models.Entity{
		EntityType:      models.EntityText,
		SourceContentID: "x",
		Name:            "Ada",
		ConfidenceScore: 0.5,
		ParentEntityID:  &missing,
	})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.Equal(t, v0, c.Version())
}

func TestRelationship_BidirectionalMirror(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	a := mustEntity(t, c, "A", nil)
	b := mustEntity(t, c, "B", nil)

	r := rel(a.ID, b.ID, models.RelSimilarTo)
	r.Bidirectional = true
	mirror, err := c.CreateRelationship(ctx, r)
	require.NoError(t, err)
	require.NotNil(t, mirror)
	assert.Equal(t, b.ID, mirror.SourceEntityID)
	assert.Equal(t, a.ID, mirror.TargetEntityID)
	assert.Equal(t, r.ConfidenceScore, mirror.ConfidenceScore)
	assert.Equal(t, r.Strength, mirror.Strength)
	assert.NotEqual(t, r.ID, mirror.ID)

	rels, err := c.ListRelationships(ctx, models.RelationshipFilter{EntityID: a.ID})
	require.NoError(t, err)
	assert.Len(t, rels, 2)

	deleted, err := c.DeleteRelationship(ctx, r.ID, true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{r.ID, mirror.ID}, deleted)

	rels, err = c.ListRelationships(ctx, models.RelationshipFilter{})
	require.NoError(t, err)
	assert.Empty(t, rels)
}

func TestRelationship_ExistingMirrorIsUpdated(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	a := mustEntity(t, c, "A", nil)
	b := mustEntity(t, c, "B", nil)

	reverse := rel(b.ID, a.ID, models.RelRelatedTo)
	reverse.ConfidenceScore = 0.3
	_, err := c.CreateRelationship(ctx, reverse)
	require.NoError(t, err)

	forward := rel(a.ID, b.ID, models.RelRelatedTo)
	forward.Bidirectional = true
	mirror, err := c.CreateRelationship(ctx, forward)
	require.NoError(t, err)
	assert.Equal(t, reverse.ID, mirror.ID)
	assert.Equal(t, 0.8, mirror.ConfidenceScore)
	assert.True(t, mirror.Bidirectional)
}

func TestRelationship_SelfLoopAndMissingEndpoints(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	a := mustEntity(t, c, "A", nil)

	_, err := c.CreateRelationship(ctx, rel(a.ID, a.ID, models.RelExplains))
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = c.CreateRelationship(ctx, rel(a.ID, "ghost", models.RelExplains))
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	r := rel(a.ID, "ghost", "knows")
	_, err = c.CreateRelationship(ctx, r)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestRelationship_UniquenessConflictAndUpsert(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	a := mustEntity(t, c, "A", nil)
	b := mustEntity(t, c, "B", nil)

	first := rel(a.ID, b.ID, models.RelPrerequisite)
	_, err := c.CreateRelationship(ctx, first)
	require.NoError(t, err)

	_, err = c.CreateRelationship(ctx, rel(a.ID, b.ID, models.RelPrerequisite))
	assert.True(t, apperr.Is(err, apperr.KindConflict))

	// Same endpoints with another type is a different edge.
	_, err = c.CreateRelationship(ctx, rel(a.ID, b.ID, models.RelBuildsOn))
	require.NoError(t, err)

	up := rel(a.ID, b.ID, models.RelPrerequisite)
	up.ConfidenceScore = 0.95
	created, _, err := c.UpsertRelationship(ctx, up)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, up.ID)

	got, err := c.GetRelationship(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.95, got.ConfidenceScore)
}

func TestRelationship_UpdateCarriesScoresToMirror(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	a := mustEntity(t, c, "A", nil)
	b := mustEntity(t, c, "B", nil)

	r := rel(a.ID, b.ID, models.RelSimilarTo)
	r.Bidirectional = true
	mirror, err := c.CreateRelationship(ctx, r)
	require.NoError(t, err)

	conf := 0.4
	_, err = c.UpdateRelationship(ctx, r.ID, models.RelationshipPatch{ConfidenceScore: &conf})
	require.NoError(t, err)

	got, err := c.GetRelationship(ctx, mirror.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.4, got.ConfidenceScore)

	_, err = c.UpdateRelationship(ctx, r.ID, models.RelationshipPatch{})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestDeleteEntity_RemovesIncidentRelationshipsAndDetachesChildren(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	parent := mustEntity(t, c, "Module", nil)
	child := mustEntity(t, c, "Function", &parent.ID)
	other := mustEntity(t, c, "Other", nil)

	r1 := rel(parent.ID, other.ID, models.RelReferences)
	_, err := c.CreateRelationship(ctx, r1)
	require.NoError(t, err)
	r2 := rel(other.ID, parent.ID, models.RelDependsOn)
	_, err = c.CreateRelationship(ctx, r2)
	require.NoError(t, err)
	r3 := rel(child.ID, other.ID, models.RelImplements)
	_, err = c.CreateRelationship(ctx, r3)
	require.NoError(t, err)

	res, err := c.DeleteEntity(ctx, parent.ID, false)
	require.NoError(t, err)
	assert.Equal(t, []string{parent.ID}, res.EntityIDs)
	assert.ElementsMatch(t, []string{r1.ID, r2.ID}, res.RelationshipIDs)
	assert.Equal(t, []string{child.ID}, res.DetachedIDs)

	got, err := c.GetEntity(ctx, child.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ParentEntityID)

	rels, err := c.ListRelationships(ctx, models.RelationshipFilter{})
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, r3.ID, rels[0].ID)
}

func TestDeleteEntity_CascadeRemovesDescendants(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	root := mustEntity(t, c, "Root", nil)
	mid := mustEntity(t, c, "Mid", &root.ID)
	leaf := mustEntity(t, c, "Leaf", &mid.ID)
	other := mustEntity(t, c, "Other", nil)

	r := rel(leaf.ID, other.ID, models.RelExplains)
	_, err := c.CreateRelationship(ctx, r)
	require.NoError(t, err)

	res, err := c.DeleteEntity(ctx, root.ID, true)
	require.NoError(t, err)
	assert.Equal(t, []string{root.ID, mid.ID, leaf.ID}, res.EntityIDs)
	assert.Equal(t, []string{r.ID}, res.RelationshipIDs)

	for _, id := range res.EntityIDs {
		_, err := c.GetEntity(ctx, id)
		assert.True(t, apperr.Is(err, apperr.KindNotFound), id)
	}
	_, err = c.GetEntity(ctx, other.ID)
	assert.NoError(t, err)

	_, err = c.DeleteEntity(ctx, root.ID, true)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestSnapshot_ReadsEverythingAndTracksVersion(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	a := mustEntity(t, c, "A", nil)
	b := mustEntity(t, c, "B", nil)
	_, err := c.CreateRelationship(ctx, rel(a.ID, b.ID, models.RelTeaches))
	require.NoError(t, err)
	require.NoError(t, c.SaveEmbedding(ctx, a.ID, "test-model", []float32{0.1, 0.2, 0.3}))

	ds, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, ds.Entities, 2)
	assert.Len(t, ds.Relationships, 1)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, ds.Embeddings[a.ID])
	assert.Equal(t, c.Version(), ds.Version)

	found, err := c.FindEntity(ctx, "content-1", models.EntityKnowledgeConcept, "  a ")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, a.ID, found.ID)

	before := c.Version()
	mustEntity(t, c, "C", nil)
	assert.Greater(t, c.Version(), before)
}

func TestListEntities_Filters(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	mustEntity(t, c, "A", nil)
	require.NoError(t, c.CreateEntity(ctx, &models.Entity{
		EntityType:      models.EntityCodeFunction,
		SourceContentID: "repo",
		Name:            "parse",
		ConfidenceScore: 0.4,
	}))

	got, err := c.ListEntities(ctx, models.EntityFilter{Types: []models.EntityType{models.EntityCodeFunction}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "parse", got[0].Name)

	got, err = c.ListEntities(ctx, models.EntityFilter{MinConfidence: 0.5})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "A", got[0].Name)
}
