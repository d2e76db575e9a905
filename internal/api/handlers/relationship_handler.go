package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/kgengine/backend/internal/kg/builder"
	"github.com/kgengine/backend/internal/kg/suggest"
	"github.com/kgengine/backend/internal/middleware/validation"
	"github.com/kgengine/backend/internal/query"
	"github.com/kgengine/backend/internal/storage/models"
	"github.com/kgengine/backend/internal/storage/sqlite"
	"github.com/kgengine/backend/pkg/apperr"
)

type RelationshipHandler struct {
	store     *sqlite.Client
	builder   *builder.Builder
	engine    *query.Engine
	validator *validation.Validator
}

func NewRelationshipHandler(store *sqlite.Client, b *builder.Builder, engine *query.Engine, v *validation.Validator) *RelationshipHandler {
	return &RelationshipHandler{store: store, builder: b, engine: engine, validator: v}
}

type createRelationshipRequest struct {
	SourceEntityID   string         `json:"source_entity_id" validate:"required"`
	TargetEntityID   string         `json:"target_entity_id" validate:"required"`
	RelationshipType string         `json:"relationship_type" validate:"required"`
	ConfidenceScore  *float64       `json:"confidence_score" validate:"required,gte=0,lte=1"`
	Strength         *float64       `json:"strength" validate:"omitempty,gte=0,lte=1"`
	Bidirectional    bool           `json:"bidirectional"`
	Context          string         `json:"context"`
	ExtractionMethod string         `json:"extraction_method" validate:"omitempty,oneof=manual ai_extracted user_defined"`
	Evidence         map[string]any `json:"evidence"`
	Metadata         map[string]any `json:"metadata"`
}

func (h *RelationshipHandler) Create(c *fiber.Ctx) error {
	const op = "CreateRelationship"
	var req createRelationshipRequest
	if err := h.validator.ParseBody(c, op, &req); err != nil {
		return respondError(c, err)
	}
	relType, err := models.ParseRelationshipType(req.RelationshipType)
	if err != nil {
		return respondError(c, err)
	}

	// Strength defaults to the confidence when the caller has no separate
	// estimate.
	strength := *req.ConfidenceScore
	if req.Strength != nil {
		strength = *req.Strength
	}
	rel := &models.Relationship{
		SourceEntityID:   req.SourceEntityID,
		TargetEntityID:   req.TargetEntityID,
		RelationshipType: relType,
		ConfidenceScore:  *req.ConfidenceScore,
		Strength:         strength,
		Bidirectional:    req.Bidirectional,
		Context:          req.Context,
		ExtractionMethod: models.ExtractionMethod(req.ExtractionMethod),
		Evidence:         req.Evidence,
		Metadata:         req.Metadata,
	}
	mirror, err := h.builder.CreateRelationship(c.UserContext(), rel)
	if err != nil {
		return respondError(c, err)
	}

	resp := fiber.Map{"id": rel.ID, "relationship": rel}
	if mirror != nil {
		resp["mirror_id"] = mirror.ID
	}
	return c.Status(fiber.StatusCreated).JSON(resp)
}

func (h *RelationshipHandler) Get(c *fiber.Ctx) error {
	rel, err := h.store.GetRelationship(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(rel)
}

func (h *RelationshipHandler) List(c *fiber.Ctx) error {
	const op = "ListRelationships"
	types, err := models.ParseRelationshipTypes(queryList(c, "relationship_type"))
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
	minConf, err := queryFloat(c, op, "min_confidence", 0)
	if err != nil {
		return respondError(c, err)
	}
	if err := models.ValidateScore(op, "min_confidence", minConf); err != nil {
		return respondError(c, err)
	}

	rels, err := h.store.ListRelationships(c.UserContext(), models.RelationshipFilter{
		Types:         types,
		EntityID:      c.Query("entity_id"),
		MinConfidence: minConf,
		Limit:         limit,
	})
	if err != nil {
		return respondError(c, err)
	}
	if rels == nil {
		rels = []models.Relationship{}
	}
	return c.JSON(fiber.Map{"relationships": rels, "count": len(rels)})
}

func (h *RelationshipHandler) Update(c *fiber.Ctx) error {
	var patch models.RelationshipPatch
	if err := c.BodyParser(&patch); err != nil {
		return respondError(c, badBody("UpdateRelationship", err))
	}
	rel, err := h.builder.UpdateRelationship(c.UserContext(), c.Params("id"), patch)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(rel)
}

func (h *RelationshipHandler) Delete(c *fiber.Ctx) error {
	includeMirror, err := queryBool(c, "DeleteRelationship", "include_mirror")
	if err != nil {
		return respondError(c, err)
	}
	ids, err := h.builder.DeleteRelationship(c.UserContext(), c.Params("id"), includeMirror)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "deleted_ids": nonNil(ids)})
}

type suggestRequest struct {
	EntityID          string   `json:"entity_id" validate:"required"`
	Limit             int      `json:"limit" validate:"omitempty,min=1,max=100"`
	MinConfidence     float64  `json:"min_confidence" validate:"gte=0,lte=1"`
	RelationshipTypes []string `json:"relationship_types"`
	EntityTypes       []string `json:"entity_types"`
	ExcludeExisting   *bool    `json:"exclude_existing"`
}

func (h *RelationshipHandler) Suggest(c *fiber.Ctx) error {
	const op = "SuggestRelationships"
	var req suggestRequest
	if err := h.validator.ParseBody(c, op, &req); err != nil {
		return respondError(c, err)
	}
	relTypes, err := models.ParseRelationshipTypes(req.RelationshipTypes)
	if err != nil {
		return respondError(c, err)
	}
	entityTypes, err := models.ParseEntityTypes(req.EntityTypes)
	if err != nil {
		return respondError(c, err)
	}

	exclude := true
	if req.ExcludeExisting != nil {
		exclude = *req.ExcludeExisting
	}
	res, err := h.engine.SuggestRelationships(c.UserContext(), suggest.Request{
		EntityID:          req.EntityID,
		Limit:             req.Limit,
		MinConfidence:     req.MinConfidence,
		RelationshipTypes: relTypes,
		EntityTypes:       entityTypes,
		IncludeExisting:   !exclude,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(res)
}
