package query

import (
	"context"
	"sort"

	"github.com/kgengine/backend/internal/kg/graph"
	"github.com/kgengine/backend/internal/storage/models"
	"github.com/kgengine/backend/pkg/apperr"
)

const (
	DefaultFullGraphLimit = 200
	MaxFullGraphLimit     = 500
	DefaultSubgraphDepth  = 2
	MaxSubgraphDepth      = 3
	DefaultSubgraphLimit  = 100
	MaxSubgraphLimit      = 200
)

type NodeView struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	EntityType      models.EntityType `json:"entity_type"`
	Domain          string            `json:"domain"`
	Level           string            `json:"level,omitempty"`
	ConfidenceScore float64           `json:"confidence_score"`
	Degree          int               `json:"degree"`
}

type EdgeView struct {
	ID               string                  `json:"id"`
	Source           string                  `json:"source"`
	Target           string                  `json:"target"`
	RelationshipType models.RelationshipType `json:"relationship_type"`
	ConfidenceScore  float64                 `json:"confidence_score"`
	Strength         float64                 `json:"strength"`
	Bidirectional    bool                    `json:"bidirectional"`
}

// GraphMetadata carries graph-wide totals and per-type breakdowns of the
// returned nodes and edges.
type GraphMetadata struct {
	TotalEntities       int                             `json:"total_entities"`
	TotalRelationships  int                             `json:"total_relationships"`
	ReturnedNodes       int                             `json:"returned_nodes"`
	ReturnedEdges       int                             `json:"returned_edges"`
	EntitiesByType      map[models.EntityType]int       `json:"entities_by_type"`
	RelationshipsByType map[models.RelationshipType]int `json:"relationships_by_type"`
	Truncated           bool                            `json:"truncated"`
	Version             int64                           `json:"version"`
}

type GraphView struct {
	Nodes    []NodeView    `json:"nodes"`
	Edges    []EdgeView    `json:"edges"`
	Metadata GraphMetadata `json:"metadata"`
}

type FullGraphRequest struct {
	EntityTypes       []models.EntityType
	RelationshipTypes []models.RelationshipType
	Limit             int
	MinConfidence     float64
}

type SubgraphRequest struct {
	EntityID      string
	Depth         int
	Limit         int
	MinConfidence float64
}

// FullGraph returns the highest-confidence entities matching the filters and
// the relationships among them.
func (e *Engine) FullGraph(ctx context.Context, req FullGraphRequest) (*GraphView, error) {
	const op = "FullGraph"
	if req.Limit == 0 {
		req.Limit = DefaultFullGraphLimit
	}
	if req.Limit < 1 || req.Limit > MaxFullGraphLimit {
		return nil, apperr.Validation(op, "limit must be between 1 and %d", MaxFullGraphLimit)
	}
	if err := models.ValidateScore(op, "min_confidence", req.MinConfidence); err != nil {
		return nil, err
	}

	return run(ctx, e, "full_graph", req, func(_ context.Context, v *view) (*GraphView, bool, error) {
		snap := v.snap
		entityTypes := typeSet(req.EntityTypes)
		ids := snap.Select(func(n *graph.Node) bool {
			return n.ConfidenceScore >= req.MinConfidence &&
				(len(entityTypes) == 0 || entityTypes[n.EntityType])
		})
		sort.SliceStable(ids, func(i, j int) bool {
			a, _ := snap.Node(ids[i])
			b, _ := snap.Node(ids[j])
			if a.ConfidenceScore != b.ConfidenceScore {
				return a.ConfidenceScore > b.ConfidenceScore
			}
			return a.ID < b.ID
		})

		truncated := len(ids) > req.Limit
		if truncated {
			ids = ids[:req.Limit]
		}
		sort.Strings(ids)

		relTypes := typeSet(req.RelationshipTypes)
		out := buildView(snap, ids, func(r *models.Relationship) bool {
			return r.ConfidenceScore >= req.MinConfidence &&
				(len(relTypes) == 0 || relTypes[r.RelationshipType])
		})
		out.Metadata.Truncated = truncated
		return out, true, nil
	})
}

// Subgraph returns the neighbourhood of an entity up to req.Depth hops,
// following relationships in either direction.
func (e *Engine) Subgraph(ctx context.Context, req SubgraphRequest) (*GraphView, error) {
	const op = "Subgraph"
	if req.Depth == 0 {
		req.Depth = DefaultSubgraphDepth
	}
	if req.Depth < 1 || req.Depth > MaxSubgraphDepth {
		return nil, apperr.Validation(op, "depth must be between 1 and %d", MaxSubgraphDepth)
	}
	if req.Limit == 0 {
		req.Limit = DefaultSubgraphLimit
	}
	if req.Limit < 1 || req.Limit > MaxSubgraphLimit {
		return nil, apperr.Validation(op, "limit must be between 1 and %d", MaxSubgraphLimit)
	}
	if err := models.ValidateScore(op, "min_confidence", req.MinConfidence); err != nil {
		return nil, err
	}

	return run(ctx, e, "subgraph", req, func(_ context.Context, v *view) (*GraphView, bool, error) {
		snap := v.snap
		if !snap.Has(req.EntityID) {
			return nil, false, apperr.NotFound(op, "entity %s not found", req.EntityID)
		}
		keep := func(r *models.Relationship) bool { return r.ConfidenceScore >= req.MinConfidence }

		included := map[string]bool{req.EntityID: true}
		ids := []string{req.EntityID}
		frontier := []string{req.EntityID}
		truncated := false

	expand:
		for depth := 0; depth < req.Depth && len(frontier) > 0; depth++ {
			var next []string
			for _, id := range frontier {
				for _, other := range adjacent(snap, id, keep) {
					if included[other] {
						continue
					}
					if len(ids) >= req.Limit {
						truncated = true
						break expand
					}
					included[other] = true
					ids = append(ids, other)
					next = append(next, other)
				}
			}
			frontier = next
		}

		sort.Strings(ids)
		out := buildView(snap, ids, keep)
		out.Metadata.Truncated = truncated
		return out, true, nil
	})
}

// adjacent lists the entities linked to id by a kept relationship, sorted
// and without duplicates.
func adjacent(snap *graph.Snapshot, id string, keep func(*models.Relationship) bool) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range snap.Outgoing(id) {
		if keep(r) && !seen[r.TargetEntityID] {
			seen[r.TargetEntityID] = true
			out = append(out, r.TargetEntityID)
		}
	}
	for _, r := range snap.Incoming(id) {
		if keep(r) && !seen[r.SourceEntityID] {
			seen[r.SourceEntityID] = true
			out = append(out, r.SourceEntityID)
		}
	}
	sort.Strings(out)
	return out
}

func buildView(snap *graph.Snapshot, ids []string, keep func(*models.Relationship) bool) *GraphView {
	members := make(map[string]bool, len(ids))
	out := &GraphView{Nodes: make([]NodeView, 0, len(ids)), Edges: []EdgeView{}}

	for _, id := range ids {
		n, ok := snap.Node(id)
		if !ok {
			continue
		}
		members[id] = true
		nv := NodeView{
			ID:              n.ID,
			Name:            n.Name,
			EntityType:      n.EntityType,
			Domain:          n.Domain,
			ConfidenceScore: n.ConfidenceScore,
			Degree:          snap.Degree(n.ID),
		}
		if n.Level != models.LevelUnspecified {
			nv.Level = n.Level.String()
		}
		out.Nodes = append(out.Nodes, nv)
	}

	for _, id := range ids {
		for _, r := range snap.Outgoing(id) {
			if !members[r.TargetEntityID] || !keep(r) {
				continue
			}
			out.Edges = append(out.Edges, EdgeView{
				ID:               r.ID,
				Source:           r.SourceEntityID,
				Target:           r.TargetEntityID,
				RelationshipType: r.RelationshipType,
				ConfidenceScore:  r.ConfidenceScore,
				Strength:         r.Strength,
				Bidirectional:    r.Bidirectional,
			})
		}
	}

	out.Metadata = GraphMetadata{
		TotalEntities:       snap.Len(),
		TotalRelationships:  snap.RelationshipCount(),
		ReturnedNodes:       len(out.Nodes),
		ReturnedEdges:       len(out.Edges),
		EntitiesByType:      make(map[models.EntityType]int),
		RelationshipsByType: make(map[models.RelationshipType]int),
		Version:             snap.Version,
	}
	for _, n := range out.Nodes {
		out.Metadata.EntitiesByType[n.EntityType]++
	}
	for _, e := range out.Edges {
		out.Metadata.RelationshipsByType[e.RelationshipType]++
	}
	return out
}

func typeSet[T comparable](types []T) map[T]bool {
	set := make(map[T]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}
