package security

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

type HeadersConfig struct {
	AllowedOrigins []string
	IsDevelopment  bool
}

// HeadersMiddleware sets response headers for a JSON API. Nothing is served
// for a browser to render, so the content security policy denies everything
// except connections back to the API and its websocket stream.
func HeadersMiddleware(cfg HeadersConfig) fiber.Handler {
	csp := "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; " +
		"connect-src " + connectSrc(cfg.AllowedOrigins)

	return func(c *fiber.Ctx) error {
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("Referrer-Policy", "no-referrer")
		c.Set("Cache-Control", "no-store")
		c.Set("Content-Security-Policy", csp)

		if !cfg.IsDevelopment {
			c.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		return c.Next()
	}
}

func connectSrc(origins []string) string {
	sources := []string{"'self'"}
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "" || origin == "*" {
			continue
		}
		sources = append(sources, origin)
		if rest, ok := strings.CutPrefix(origin, "https://"); ok {
			sources = append(sources, "wss://"+rest)
		} else if rest, ok := strings.CutPrefix(origin, "http://"); ok {
			sources = append(sources, "ws://"+rest)
		}
	}
	return strings.Join(sources, " ")
}
