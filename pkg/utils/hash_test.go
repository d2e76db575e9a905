package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashIDs_OrderIndependent(t *testing.T) {
	a := HashIDs([]string{"e3", "e1", "e2"})
	b := HashIDs([]string{"e1", "e2", "e3"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, HashIDs([]string{"e1", "e2"}))
}

func TestHashValue_StableForMaps(t *testing.T) {
	h1, err := HashValue(map[string]any{"limit": 10, "entity_id": "x"})
	require.NoError(t, err)
	h2, err := HashValue(map[string]any{"entity_id": "x", "limit": 10})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}
