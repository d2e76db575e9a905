package handlers

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/kgengine/backend/pkg/apperr"
	"github.com/kgengine/backend/pkg/logger"
)

// respondError writes the error body every endpoint shares. Internal
// failures are logged with full context and surfaced generically.
func respondError(c *fiber.Ctx, err error) error {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		logger.Error("Request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
	}
	return c.Status(apperr.HTTPStatus(err)).JSON(fiber.Map{
		"error": apperr.PublicMessage(err),
		"code":  string(kind),
	})
}

// queryList splits a comma separated query parameter.
func queryList(c *fiber.Ctx, key string) []string {
	raw := c.Query(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// queryInt parses an integer query parameter. Unlike fiber's QueryInt a
// malformed value is an error rather than the default.
func queryInt(c *fiber.Ctx, op, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation(op, "%s must be an integer", key)
	}
	return v, nil
}

func queryFloat(c *fiber.Ctx, op, key string, def float64) (float64, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, apperr.Validation(op, "%s must be a number", key)
	}
	return v, nil
}

func queryBool(c *fiber.Ctx, op, key string) (bool, error) {
	raw := c.Query(key)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, apperr.Validation(op, "%s must be true or false", key)
	}
	return v, nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func badBody(op string, err error) error {
	return apperr.Validation(op, "invalid request body: %v", err)
}
