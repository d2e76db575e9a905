package gaps

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgengine/backend/internal/kg/graph/graphtest"
	"github.com/kgengine/backend/internal/kg/similarity"
	"github.com/kgengine/backend/internal/storage/models"
	"github.com/kgengine/backend/pkg/apperr"
)

func fixture() *similarity.Index {
	return similarity.NewIndex(graphtest.New().
		// go: four members, one edge.
		Entity("g1", "goroutines", "", "domain", "go", "level", "beginner").
		Entity("g2", "channels", "", "domain", "go", "level", "advanced").
		Entity("g3", "select statement", "", "domain", "go").
		Entity("g4", "context cancellation", "", "domain", "go", "level", "expert").
		Edge("g1", "g2", models.RelPrerequisite, 0.9, 0.8).
		// sql: fully connected triangle.
		Entity("s1", "joins", "", "domain", "sql").
		Entity("s2", "indexes", "", "domain", "sql").
		Entity("s3", "query plans", "", "domain", "sql").
		Edge("s1", "s2", models.RelRelatedTo, 0.9, 0.5).
		Edge("s2", "s3", models.RelRelatedTo, 0.9, 0.5).
		Edge("s3", "s1", models.RelRelatedTo, 0.9, 0.5).
		// a lone concept with no relationships.
		Entity("C", "C", "", "domain", "misc").Confidence(0.6).
		Snapshot())
}

func TestAnalyze_IsolatedEntityScenario(t *testing.T) {
	res, err := Analyze(context.Background(), fixture(), Request{Depth: DepthShallow, MinSeverity: SeverityMedium})
	require.NoError(t, err)

	var ids []string
	for _, g := range res.Gaps {
		assert.Equal(t, GapIsolatedEntity, g.Type)
		ids = append(ids, g.EntityIDs...)
	}
	assert.ElementsMatch(t, []string{"C", "g3", "g4"}, ids)

	c := res.Gaps[len(res.Gaps)-1]
	assert.Equal(t, "isolated_entity:C", c.ID)
	assert.Equal(t, SeverityHigh, c.Severity)
	assert.InDelta(t, 0.8, c.Confidence, 1e-9)
}

func TestAnalyze_IsolatedAlwaysHigh(t *testing.T) {
	ix := fixture()
	for _, sev := range []Severity{SeverityLow, SeverityMedium, SeverityHigh} {
		res, err := Analyze(context.Background(), ix, Request{Depth: DepthComprehensive, MinSeverity: sev})
		require.NoError(t, err)
		found := false
		for _, g := range res.Gaps {
			if g.ID == "isolated_entity:C" {
				found = true
				assert.Equal(t, SeverityHigh, g.Severity)
			}
		}
		assert.True(t, found, sev)
	}

	res, err := Analyze(context.Background(), ix, Request{MinSeverity: SeverityCritical})
	require.NoError(t, err)
	assert.Empty(t, res.Gaps)
}

func TestAnalyze_WeakDomainAndReports(t *testing.T) {
	res, err := Analyze(context.Background(), fixture(), Request{Depth: DepthStandard})
	require.NoError(t, err)

	reports := map[string]DomainReport{}
	for _, r := range res.Domains {
		reports[r.Domain] = r
	}
	goRep := reports["go"]
	assert.Equal(t, 4, goRep.EntityCount)
	assert.InDelta(t, 1.0/6, goRep.Density, 1e-9)
	assert.InDelta(t, 0.5, goRep.Coverage, 1e-9)
	assert.InDelta(t, 0.6*(1.0/6)/0.3+0.2, goRep.Completeness, 1e-9)
	assert.Equal(t, SeverityLow, goRep.Severity)

	assert.InDelta(t, 1.0, reports["sql"].Completeness, 1e-9)
	assert.Equal(t, 0.0, reports["misc"].Completeness)

	var weak []Gap
	for _, g := range res.Gaps {
		if g.Type == GapWeakDomain {
			weak = append(weak, g)
		}
	}
	require.Len(t, weak, 1)
	assert.Equal(t, "go", weak[0].Domain)
	assert.InDelta(t, 0.7, weak[0].Confidence, 1e-9)
	assert.Zero(t, res.Counts[GapMissingPrerequisite])

	want := (goRep.Completeness*4 + 1.0*3 + 0) / 8
	assert.InDelta(t, want, res.OverallCompleteness, 1e-9)
}

func TestAnalyze_MissingPrerequisites(t *testing.T) {
	res, err := Analyze(context.Background(), fixture(), Request{Depth: DepthComprehensive})
	require.NoError(t, err)

	var missing []string
	for _, g := range res.Gaps {
		if g.Type == GapMissingPrerequisite {
			missing = append(missing, g.EntityIDs[0])
			assert.Equal(t, SeverityMedium, g.Severity)
		}
	}
	// g2 has a beginner prerequisite; g4 has none.
	assert.Equal(t, []string{"g4"}, missing)
}

func TestAnalyze_FocusKeepsOverallCompleteness(t *testing.T) {
	ix := fixture()
	all, err := Analyze(context.Background(), ix, Request{})
	require.NoError(t, err)
	focused, err := Analyze(context.Background(), ix, Request{FocusDomains: []string{"SQL"}})
	require.NoError(t, err)

	assert.Equal(t, all.OverallCompleteness, focused.OverallCompleteness)
	require.Len(t, focused.Domains, 1)
	assert.Equal(t, "sql", focused.Domains[0].Domain)
	assert.Empty(t, focused.Gaps)
}

func TestAnalyze_SortedBySeverityThenConfidence(t *testing.T) {
	res, err := Analyze(context.Background(), fixture(), Request{Depth: DepthComprehensive})
	require.NoError(t, err)
	for i := 1; i < len(res.Gaps); i++ {
		a, b := res.Gaps[i-1], res.Gaps[i]
		require.GreaterOrEqual(t, a.Severity.Rank(), b.Severity.Rank())
		if a.Severity == b.Severity {
			require.GreaterOrEqual(t, a.Confidence, b.Confidence)
		}
	}
}

func TestAnalyze_SuggestionsForIsolated(t *testing.T) {
	ix := similarity.NewIndex(graphtest.New().
		Entity("a", "graph traversal", "").
		Entity("b", "graph traversal", "").
		Snapshot())
	res, err := Analyze(context.Background(), ix, Request{Depth: DepthShallow, IncludeSuggestions: true})
	require.NoError(t, err)
	require.Len(t, res.Gaps, 2)
	require.NotEmpty(t, res.Gaps[0].Suggestions)
	assert.Contains(t, res.Gaps[0].Suggestions[0], "similar_to")
}

func TestAnalyze_SuggestionsOnlyWhenRequested(t *testing.T) {
	ix := fixture()
	res, err := Analyze(context.Background(), ix, Request{Depth: DepthComprehensive})
	require.NoError(t, err)
	require.NotEmpty(t, res.Gaps)
	for _, g := range res.Gaps {
		assert.Empty(t, g.Suggestions, g.ID)
	}

	res, err = Analyze(context.Background(), ix, Request{Depth: DepthComprehensive, IncludeSuggestions: true})
	require.NoError(t, err)
	for _, g := range res.Gaps {
		assert.NotEmpty(t, g.Suggestions, g.ID)
	}
}

func TestAnalyze_EveryGapHasTitleAndEntities(t *testing.T) {
	res, err := Analyze(context.Background(), fixture(), Request{Depth: DepthComprehensive})
	require.NoError(t, err)
	require.Equal(t, 1, res.Counts[GapWeakDomain])
	for _, g := range res.Gaps {
		assert.NotEmpty(t, g.Title, g.ID)
		assert.NotEmpty(t, g.EntityIDs, g.ID)
		if g.Type == GapWeakDomain {
			assert.Equal(t, "Weak domain: go", g.Title)
			// g1 and g2 share the only in-domain edge.
			assert.Equal(t, []string{"g3", "g4"}, g.EntityIDs)
		}
	}
}

func TestAnalyze_IncomingBuildsOnCountsAsFoundation(t *testing.T) {
	ix := similarity.NewIndex(graphtest.New().
		Entity("a", "generics", "", "level", "advanced").
		Entity("b", "interfaces", "", "level", "beginner").
		Entity("c", "type sets", "", "level", "expert").
		Edge("b", "a", models.RelBuildsOn, 0.9, 0.8).
		Snapshot())
	res, err := Analyze(context.Background(), ix, Request{Depth: DepthComprehensive})
	require.NoError(t, err)

	var missing []string
	for _, g := range res.Gaps {
		if g.Type == GapMissingPrerequisite {
			missing = append(missing, g.EntityIDs...)
		}
	}
	assert.Equal(t, []string{"c"}, missing)
}

func TestRequest_Validation(t *testing.T) {
	ix := fixture()
	_, err := Analyze(context.Background(), ix, Request{Depth: "deep"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = Analyze(context.Background(), ix, Request{MinSeverity: "urgent"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = Analyze(context.Background(), ix, Request{Thresholds: Thresholds{TargetDensity: 0.3, High: 0.5, Medium: 0.4, Low: 0.6}})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}
