package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/kgengine/backend/internal/kg/builder"
	"github.com/kgengine/backend/internal/middleware/validation"
	"github.com/kgengine/backend/internal/storage/models"
	"github.com/kgengine/backend/internal/storage/sqlite"
	"github.com/kgengine/backend/pkg/apperr"
)

const (
	defaultEntityPage = 100
	maxEntityPage     = 1000
)

type EntityHandler struct {
	store     *sqlite.Client
	builder   *builder.Builder
	validator *validation.Validator
}

func NewEntityHandler(store *sqlite.Client, b *builder.Builder, v *validation.Validator) *EntityHandler {
	return &EntityHandler{store: store, builder: b, validator: v}
}

type createEntityRequest struct {
	EntityType       string           `json:"entity_type" validate:"required"`
	SourceContentID  string           `json:"source_content_id" validate:"required"`
	ParentEntityID   *string          `json:"parent_entity_id"`
	Name             string           `json:"name" validate:"required,max=512"`
	Description      string           `json:"description"`
	Position         *models.Position `json:"position"`
	ConfidenceScore  *float64         `json:"confidence_score" validate:"required,gte=0,lte=1"`
	ExtractionMethod string           `json:"extraction_method" validate:"omitempty,oneof=manual ai_extracted user_defined"`
	Metadata         map[string]any   `json:"metadata"`
}

func (h *EntityHandler) Create(c *fiber.Ctx) error {
	const op = "CreateEntity"
	var req createEntityRequest
	if err := h.validator.ParseBody(c, op, &req); err != nil {
		return respondError(c, err)
	}
	entityType, err := models.ParseEntityType(req.EntityType)
	if err != nil {
		return respondError(c, err)
	}

	e := &models.Entity{
		EntityType:       entityType,
		SourceContentID:  req.SourceContentID,
		ParentEntityID:   req.ParentEntityID,
		Name:             req.Name,
		Description:      req.Description,
		Position:         req.Position,
		ConfidenceScore:  *req.ConfidenceScore,
		ExtractionMethod: models.ExtractionMethod(req.ExtractionMethod),
		Metadata:         req.Metadata,
	}
	if err := h.builder.CreateEntity(c.UserContext(), e); err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(e)
}

func (h *EntityHandler) Get(c *fiber.Ctx) error {
	e, err := h.store.GetEntity(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(e)
}

func (h *EntityHandler) List(c *fiber.Ctx) error {
	const op = "ListEntities"
	types, err := models.ParseEntityTypes(queryList(c, "entity_type"))
	if err != nil {
		return respondError(c, err)
	}
	limit, err := queryInt(c, op, "limit", defaultEntityPage)
	if err != nil {
		return respondError(c, err)
	}
	if limit < 1 || limit > maxEntityPage {
		return respondError(c, apperr.Validation(op, "limit must be between 1 and %d", maxEntityPage))
	}
	offset, err := queryInt(c, op, "offset", 0)
	if err != nil {
		return respondError(c, err)
	}
	if offset < 0 {
		return respondError(c, apperr.Validation(op, "offset must not be negative"))
	}
	minConf, err := queryFloat(c, op, "min_confidence", 0)
	if err != nil {
		return respondError(c, err)
	}
	if err := models.ValidateScore(op, "min_confidence", minConf); err != nil {
		return respondError(c, err)
	}

	entities, err := h.store.ListEntities(c.UserContext(), models.EntityFilter{
		Types:           types,
		SourceContentID: c.Query("source_content_id"),
		ParentEntityID:  c.Query("parent_entity_id"),
		MinConfidence:   minConf,
		Limit:           limit,
		Offset:          offset,
	})
	if err != nil {
		return respondError(c, err)
	}
	if entities == nil {
		entities = []models.Entity{}
	}
	return c.JSON(fiber.Map{
		"entities": entities,
		"count":    len(entities),
		"limit":    limit,
		"offset":   offset,
	})
}

func (h *EntityHandler) Update(c *fiber.Ctx) error {
	const op = "UpdateEntity"
	var patch models.EntityPatch
	if err := c.BodyParser(&patch); err != nil {
		return respondError(c, badBody(op, err))
	}
	e, err := h.builder.UpdateEntity(c.UserContext(), c.Params("id"), patch)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(e)
}

func (h *EntityHandler) Delete(c *fiber.Ctx) error {
	cascade, err := queryBool(c, "DeleteEntity", "cascade")
	if err != nil {
		return respondError(c, err)
	}
	res, err := h.builder.DeleteEntity(c.UserContext(), c.Params("id"), cascade)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"success":                  true,
		"deleted_entity_ids":       nonNil(res.EntityIDs),
		"deleted_relationship_ids": nonNil(res.RelationshipIDs),
		"detached_entity_ids":      nonNil(res.DetachedIDs),
	})
}
