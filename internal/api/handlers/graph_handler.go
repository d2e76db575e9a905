package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/kgengine/backend/internal/query"
	"github.com/kgengine/backend/internal/storage/models"
)

// GraphHandler serves visualization views of the graph.
type GraphHandler struct {
	engine *query.Engine
}

func NewGraphHandler(engine *query.Engine) *GraphHandler {
	return &GraphHandler{engine: engine}
}

func (h *GraphHandler) Full(c *fiber.Ctx) error {
	const op = "FullGraph"
	entityTypes, err := models.ParseEntityTypes(queryList(c, "entity_type"))
	if err != nil {
		return respondError(c, err)
	}
	relTypes, err := models.ParseRelationshipTypes(queryList(c, "relationship_type"))
	if err != nil {
		return respondError(c, err)
	}
	limit, err := queryInt(c, op, "limit", 0)
	if err != nil {
		return respondError(c, err)
	}
	minConf, err := queryFloat(c, op, "min_confidence", 0)
	if err != nil {
		return respondError(c, err)
	}

	view, err := h.engine.FullGraph(c.UserContext(), query.FullGraphRequest{
		EntityTypes:       entityTypes,
		RelationshipTypes: relTypes,
		Limit:             limit,
		MinConfidence:     minConf,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(view)
}

func (h *GraphHandler) Subgraph(c *fiber.Ctx) error {
	const op = "Subgraph"
	depth, err := queryInt(c, op, "depth", 0)
	if err != nil {
		return respondError(c, err)
	}
	limit, err := queryInt(c, op, "limit", 0)
	if err != nil {
		return respondError(c, err)
	}
	minConf, err := queryFloat(c, op, "min_confidence", 0)
	if err != nil {
		return respondError(c, err)
	}

	view, err := h.engine.Subgraph(c.UserContext(), query.SubgraphRequest{
		EntityID:      c.Params("entity_id"),
		Depth:         depth,
		Limit:         limit,
		MinConfidence: minConf,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(view)
}
