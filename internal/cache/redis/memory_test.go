package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_ResultRoundTripAndExpiry(t *testing.T) {
	m := NewMemory(10)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	ctx := context.Background()

	type payload struct {
		Paths []string `json:"paths"`
	}
	require.NoError(t, m.SetResult(ctx, "paths:v1:abc", payload{Paths: []string{"a", "b"}}, time.Minute))

	var got payload
	ok, err := m.GetResult(ctx, "paths:v1:abc", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, got.Paths)

	clock = clock.Add(2 * time.Minute)
	ok, err = m.GetResult(ctx, "paths:v1:abc", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_InvalidateKeepsEmbeddings(t *testing.T) {
	m := NewMemory(10)
	ctx := context.Background()
	require.NoError(t, m.SetResult(ctx, "k", 1, 0))
	require.NoError(t, m.SetEmbedding(ctx, "h", []float32{1, 2}, 0))

	require.NoError(t, m.InvalidateResults(ctx))

	var v int
	ok, _ := m.GetResult(ctx, "k", &v)
	assert.False(t, ok)
	emb, ok, err := m.GetEmbedding(ctx, "h")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []float32{1, 2}, emb)
}

func TestMemory_BoundedSize(t *testing.T) {
	m := NewMemory(2)
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, m.SetResult(ctx, k, k, 0))
	}
	assert.LessOrEqual(t, len(m.entries), 2)
	var v string
	ok, _ := m.GetResult(ctx, "c", &v)
	assert.True(t, ok)
}
