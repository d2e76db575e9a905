package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgengine/backend/pkg/apperr"
)

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker("neo4j", Config{
		FailureThreshold: 2,
		Timeout:          time.Hour,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	boom := errors.New("connection refused")
	ctx := context.Background()
	assert.Equal(t, boom, cb.Execute(ctx, func() error { return boom }))
	assert.Equal(t, boom, cb.Execute(ctx, func() error { return boom }))

	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, func() error { return nil }), ErrCircuitOpen)
	assert.Equal(t, []string{"closed->open"}, transitions)
}

func TestBreaker_CallerErrorsDoNotCount(t *testing.T) {
	cb := NewCircuitBreaker("redis", Config{FailureThreshold: 1, Timeout: time.Hour})

	err := cb.Execute(context.Background(), func() error {
		return apperr.NotFound("get", "missing")
	})
	require.Error(t, err)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(1), cb.Counts().TotalSuccesses)
}

func TestBreaker_HalfOpenRecovers(t *testing.T) {
	cb := NewCircuitBreaker("milvus", Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          5 * time.Millisecond,
	})
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errors.New("down") })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}
