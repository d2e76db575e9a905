package suggest

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgengine/backend/internal/kg/graph/graphtest"
	"github.com/kgengine/backend/internal/kg/similarity"
	"github.com/kgengine/backend/internal/storage/models"
	"github.com/kgengine/backend/pkg/apperr"
)

func TestSuggest_UsesPriorsWithoutEvidence(t *testing.T) {
	ix := similarity.NewIndex(graphtest.New().
		Entity("f", "graph traversal", "").
		Entity("x", "graph traversal", "").
		Entity("y", "sourdough bread", "").
		Snapshot())

	res, err := Suggest(context.Background(), ix, Request{EntityID: "f"})
	require.NoError(t, err)
	require.Len(t, res.Suggestions, 1)

	s := res.Suggestions[0]
	assert.Equal(t, "x", s.TargetEntityID)
	assert.Equal(t, models.RelSimilarTo, s.RelationshipType)
	assert.InDelta(t, 1.0, s.Similarity, 1e-9)
	match := math.Exp(-2)
	assert.InDelta(t, match, s.PatternMatch, 1e-6)
	assert.InDelta(t, 0.6+0.4*match, s.Confidence, 1e-6)
	assert.Contains(t, s.Reasoning, "built-in prior")
	assert.Equal(t, 2, res.CandidatesEvaluated)
}

func TestSuggest_PrefersLearnedPattern(t *testing.T) {
	ix := similarity.NewIndex(graphtest.New().
		Entity("f", "graph traversal", "").
		Entity("x", "graph traversal", "").
		Entity("p1", "sorting algorithm", "").
		Entity("p2", "sorting algorithm", "").
		Edge("p1", "p2", models.RelDemonstrates, 0.9, 0.5).
		Snapshot())

	res, err := Suggest(context.Background(), ix, Request{EntityID: "f"})
	require.NoError(t, err)
	require.Len(t, res.Suggestions, 1)
	assert.Equal(t, models.RelDemonstrates, res.Suggestions[0].RelationshipType)
	assert.InDelta(t, 1.0, res.Suggestions[0].Confidence, 1e-6)
	assert.Contains(t, res.Suggestions[0].Reasoning, "learned from 1 confirmed")
}

func TestSuggest_TypeFilterAndExisting(t *testing.T) {
	ix := similarity.NewIndex(graphtest.New().
		Entity("f", "graph traversal", "").
		Entity("x", "graph traversal", "").
		Entity("z", "graph traversal algorithms", "").
		Edge("f", "x", models.RelReferences, 0.3, 0.5).
		Snapshot())
	ctx := context.Background()

	res, err := Suggest(ctx, ix, Request{EntityID: "f"})
	require.NoError(t, err)
	require.Len(t, res.Suggestions, 1)
	assert.Equal(t, "z", res.Suggestions[0].TargetEntityID)

	res, err = Suggest(ctx, ix, Request{EntityID: "f", IncludeExisting: true})
	require.NoError(t, err)
	require.Len(t, res.Suggestions, 2)
	assert.Equal(t, "x", res.Suggestions[0].TargetEntityID)
	assert.True(t, res.Suggestions[0].Existing)

	res, err = Suggest(ctx, ix, Request{
		EntityID:          "f",
		RelationshipTypes: []models.RelationshipType{models.RelRelatedTo},
	})
	require.NoError(t, err)
	require.Len(t, res.Suggestions, 1)
	assert.Equal(t, models.RelRelatedTo, res.Suggestions[0].RelationshipType)

	// A type with neither evidence nor prior yields nothing.
	res, err = Suggest(ctx, ix, Request{
		EntityID:          "f",
		RelationshipTypes: []models.RelationshipType{models.RelTeaches},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Suggestions)
}

func TestSuggest_DeterministicAndFloored(t *testing.T) {
	ix := similarity.NewIndex(graphtest.New().
		Entity("f", "graph traversal search", "").
		Entity("a", "graph traversal", "").
		Entity("b", "graph traversal", "").
		Entity("c", "graph", "").
		Snapshot())
	ctx := context.Background()

	first, err := Suggest(ctx, ix, Request{EntityID: "f"})
	require.NoError(t, err)
	second, err := Suggest(ctx, ix, Request{EntityID: "f"})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	require.GreaterOrEqual(t, len(first.Suggestions), 2)
	assert.Equal(t, "a", first.Suggestions[0].TargetEntityID)
	assert.Equal(t, "b", first.Suggestions[1].TargetEntityID)

	for i := 1; i < len(first.Suggestions); i++ {
		assert.GreaterOrEqual(t, first.Suggestions[i-1].Confidence, first.Suggestions[i].Confidence)
	}

	high, err := Suggest(ctx, ix, Request{EntityID: "f", MinConfidence: 0.99})
	require.NoError(t, err)
	assert.Empty(t, high.Suggestions)

	limited, err := Suggest(ctx, ix, Request{EntityID: "f", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited.Suggestions, 1)
}

func TestSuggest_Errors(t *testing.T) {
	ix := similarity.NewIndex(graphtest.New().Entity("f", "f", "").Snapshot())
	_, err := Suggest(context.Background(), ix, Request{EntityID: "missing"})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	_, err = Suggest(context.Background(), ix, Request{EntityID: "f", Limit: 101})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestPatternMatch_FloorsStdDev(t *testing.T) {
	p := Pattern{Mean: 0.5, StdDev: 0}
	assert.Equal(t, 1.0, p.Match(0.5))
	assert.InDelta(t, math.Exp(-0.5), p.Match(0.6), 1e-9)
}
