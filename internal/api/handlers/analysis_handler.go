package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/kgengine/backend/internal/kg/cluster"
	"github.com/kgengine/backend/internal/kg/gaps"
	"github.com/kgengine/backend/internal/kg/traversal"
	"github.com/kgengine/backend/internal/middleware/validation"
	"github.com/kgengine/backend/internal/query"
	"github.com/kgengine/backend/internal/storage/models"
)

// AnalysisHandler serves the read-only analytical operations.
type AnalysisHandler struct {
	engine    *query.Engine
	validator *validation.Validator
}

func NewAnalysisHandler(engine *query.Engine, v *validation.Validator) *AnalysisHandler {
	return &AnalysisHandler{engine: engine, validator: v}
}

type discoverPathsRequest struct {
	StartEntityID     string   `json:"start_entity_id" validate:"required"`
	EndEntityID       string   `json:"end_entity_id" validate:"required"`
	MaxDepth          int      `json:"max_depth" validate:"gte=0"`
	MaxPaths          int      `json:"max_paths" validate:"gte=0"`
	RelationshipTypes []string `json:"relationship_types"`
	MinConfidence     float64  `json:"min_confidence" validate:"gte=0,lte=1"`
}

func (h *AnalysisHandler) DiscoverPaths(c *fiber.Ctx) error {
	const op = "DiscoverPaths"
	var req discoverPathsRequest
	if err := h.validator.ParseBody(c, op, &req); err != nil {
		return respondError(c, err)
	}
	relTypes, err := models.ParseRelationshipTypes(req.RelationshipTypes)
	if err != nil {
		return respondError(c, err)
	}

	res, err := h.engine.DiscoverPaths(c.UserContext(), traversal.Request{
		StartEntityID:     req.StartEntityID,
		EndEntityID:       req.EndEntityID,
		MaxDepth:          req.MaxDepth,
		MaxPaths:          req.MaxPaths,
		RelationshipTypes: relTypes,
		MinConfidence:     req.MinConfidence,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(res)
}

type analyzeGapsRequest struct {
	Depth              string   `json:"depth" validate:"omitempty,oneof=shallow standard comprehensive"`
	FocusDomains       []string `json:"focus_domains"`
	MinSeverity        string   `json:"min_severity" validate:"omitempty,oneof=low medium high critical"`
	IncludeSuggestions bool     `json:"include_suggestions"`
}

func (h *AnalysisHandler) AnalyzeGaps(c *fiber.Ctx) error {
	const op = "AnalyzeGaps"
	var req analyzeGapsRequest
	if len(c.Body()) > 0 {
		if err := h.validator.ParseBody(c, op, &req); err != nil {
			return respondError(c, err)
		}
	}

	res, err := h.engine.AnalyzeGaps(c.UserContext(), gaps.Request{
		Depth:              gaps.Depth(req.Depth),
		FocusDomains:       req.FocusDomains,
		MinSeverity:        gaps.Severity(req.MinSeverity),
		IncludeSuggestions: req.IncludeSuggestions,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(res)
}

type clusterRequest struct {
	Algorithm      string   `json:"algorithm" validate:"omitempty,oneof=semantic structural hybrid"`
	MinClusterSize int      `json:"min_cluster_size" validate:"gte=0"`
	MaxClusters    int      `json:"max_clusters" validate:"gte=0"`
	EntityTypes    []string `json:"entity_types"`
	MinConfidence  float64  `json:"min_confidence" validate:"gte=0,lte=1"`
}

func (h *AnalysisHandler) Cluster(c *fiber.Ctx) error {
	const op = "ClusterEntities"
	var req clusterRequest
	if len(c.Body()) > 0 {
		if err := h.validator.ParseBody(c, op, &req); err != nil {
			return respondError(c, err)
		}
	}
	entityTypes, err := models.ParseEntityTypes(req.EntityTypes)
	if err != nil {
		return respondError(c, err)
	}

	res, err := h.engine.Cluster(c.UserContext(), cluster.Request{
		Algorithm:      cluster.Algorithm(req.Algorithm),
		MinClusterSize: req.MinClusterSize,
		MaxClusters:    req.MaxClusters,
		EntityTypes:    entityTypes,
		MinConfidence:  req.MinConfidence,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(res)
}
