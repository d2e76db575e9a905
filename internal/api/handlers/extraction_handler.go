package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/kgengine/backend/internal/kg/builder"
	"github.com/kgengine/backend/internal/middleware/validation"
)

// ExtractionHandler accepts batches produced by extraction pipelines.
type ExtractionHandler struct {
	builder   *builder.Builder
	validator *validation.Validator
}

func NewExtractionHandler(b *builder.Builder, v *validation.Validator) *ExtractionHandler {
	return &ExtractionHandler{builder: b, validator: v}
}

func (h *ExtractionHandler) Ingest(c *fiber.Ctx) error {
	var batch builder.Batch
	if err := h.validator.ParseBody(c, "Ingest", &batch); err != nil {
		return respondError(c, err)
	}

	res, err := h.builder.Ingest(c.UserContext(), &batch)
	if err != nil {
		return respondError(c, err)
	}

	status := fiber.StatusCreated
	if len(res.Errors) > 0 {
		status = fiber.StatusMultiStatus
	}
	return c.Status(status).JSON(res)
}
