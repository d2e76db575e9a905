package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllow_RefillsOverTime(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 60, Burst: 2})
	defer rl.Stop()

	clock := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return clock }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"), "buckets are per key")

	clock = clock.Add(time.Second)
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))

	clock = clock.Add(time.Hour)
	rl.evictIdle()
	rl.mu.RLock()
	assert.Empty(t, rl.buckets)
	rl.mu.RUnlock()
}

func TestMiddleware_RejectsWith429(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 1, Burst: 1})
	defer rl.Stop()

	app := fiber.New()
	app.Use(rl.Middleware())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Client-ID", "tester")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Client-ID", "tester")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}
