package graph_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgengine/backend/internal/kg/graph/graphtest"
	"github.com/kgengine/backend/internal/storage/models"
)

func TestSnapshot_Adjacency(t *testing.T) {
	s := graphtest.New().
		Entity("c", "C", "").
		Entity("a", "A", "", "domain", "Go", "level", "expert").
		Entity("b", "B", "").
		Edge("a", "b", models.RelExplains, 0.9, 0.5).
		Edge("c", "a", models.RelPrerequisite, 0.8, 0.5).
		Edge("a", "ghost", models.RelExplains, 0.9, 0.5).
		Snapshot()

	assert.Equal(t, []string{"a", "b", "c"}, s.IDs())
	assert.Equal(t, 2, s.RelationshipCount())
	assert.Equal(t, 2, s.Degree("a"))
	assert.Equal(t, []string{"b", "c"}, s.Neighbors("a"))
	assert.True(t, s.Connected("b", "a"))
	assert.False(t, s.Connected("b", "c"))
	require.Len(t, s.Incoming("a"), 1)
	assert.Equal(t, "c", s.Incoming("a")[0].SourceEntityID)

	n, ok := s.Node("a")
	require.True(t, ok)
	assert.Equal(t, "go", n.Domain)
	assert.Equal(t, models.LevelExpert, n.Level)

	domains := s.Domains()
	assert.Equal(t, []string{"b", "c"}, domains["knowledge"])
}
