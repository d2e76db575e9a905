package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgengine/backend/pkg/apperr"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	cfg.JitterFraction = 0
	return cfg
}

func TestDo_RetriesTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_DoesNotRetryCallerErrors(t *testing.T) {
	for _, failure := range []error{
		apperr.Validation("op", "bad input"),
		apperr.NotFound("op", "missing"),
		apperr.Conflict("op", "duplicate"),
	} {
		calls := 0
		err := Do(context.Background(), fastConfig(), func() error {
			calls++
			return failure
		})
		assert.Equal(t, failure, err)
		assert.Equal(t, 1, calls)
	}
}

func TestDo_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, fastConfig(), func() error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestDoWithResult_ReturnsLastError(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 2

	_, err := DoWithResult(context.Background(), cfg, func() (int, error) {
		return 0, errors.New("still down")
	})
	assert.EqualError(t, err, "still down")
}
