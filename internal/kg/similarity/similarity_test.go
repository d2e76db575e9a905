package similarity

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kgengine/backend/internal/kg/graph/graphtest"
	"github.com/kgengine/backend/internal/storage/models"
)

func TestContent_RanksRelatedTextHigher(t *testing.T) {
	ix := NewIndex(graphtest.New().
		Entity("a", "Binary search tree", "balanced tree lookup").
		Entity("b", "Red black tree", "self balancing binary tree").
		Entity("c", "Sourdough bread", "fermented dough baking").
		Snapshot())

	ab := ix.Content("a", "b")
	ac := ix.Content("a", "c")
	assert.Greater(t, ab, ac)
	assert.Equal(t, 0.0, ac)
	assert.Equal(t, ab, ix.Content("b", "a"))
	assert.Equal(t, 1.0, ix.Content("a", "a"))
}

func TestContent_BlendsEmbeddings(t *testing.T) {
	ix := NewIndex(graphtest.New().
		Entity("a", "alpha", "").
		Entity("b", "beta", "").
		Embedding("a", 1, 0).
		Embedding("b", 1, 0).
		Snapshot())
	assert.InDelta(t, 0.5, ix.Content("a", "b"), 1e-9)
}

func TestStructural_SharedNeighbourhood(t *testing.T) {
	ix := NewIndex(graphtest.New().
		Entity("hub", "hub", "").
		Entity("x", "x", "").
		Entity("y", "y", "").
		Entity("z", "z", "").
		Edge("x", "hub", models.RelPartOf, 0.9, 0.5).
		Edge("y", "hub", models.RelPartOf, 0.9, 0.5).
		Snapshot())

	xy := ix.Structural("x", "y")
	// closed neighbourhoods {x,hub} and {y,hub}: jaccard 1/3, identical profiles.
	assert.InDelta(t, 0.7/3+0.3, xy, 1e-9)
	assert.Equal(t, 0.0, ix.Structural("x", "z"))
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"go", "channels", "goroutines"}, Tokenize("Go channels, and the goroutines!"))
}
