// Package stats computes graph-wide statistics and keeps a cached copy fresh.
package stats

import (
	"sort"
	"time"

	"github.com/kgengine/backend/internal/kg/graph"
	"github.com/kgengine/backend/internal/storage/models"
)

type Statistics struct {
	TotalEntities             int                                 `json:"total_entities"`
	TotalRelationships        int                                 `json:"total_relationships"`
	EntitiesByType            map[models.EntityType]int           `json:"entities_by_type"`
	RelationshipsByType       map[models.RelationshipType]int     `json:"relationships_by_type"`
	RelationshipsByFamily     map[models.RelationshipFamily]int   `json:"relationships_by_family"`
	AvgEntityConfidence       map[models.EntityType]float64       `json:"avg_entity_confidence"`
	AvgRelationshipConfidence map[models.RelationshipType]float64 `json:"avg_relationship_confidence"`
	EntitiesByDomain          map[string]int                      `json:"entities_by_domain"`
	GraphDensity              float64                             `json:"graph_density"`
	ConnectedComponents       int                                 `json:"connected_components"`
	LargestComponentSize      int                                 `json:"largest_component_size"`
	IsolatedEntities          int                                 `json:"isolated_entities"`
	Version                   int64                               `json:"version"`
	ComputedAt                time.Time                           `json:"computed_at"`
}

// Compute derives statistics from a snapshot.
func Compute(snap *graph.Snapshot) *Statistics {
	s := &Statistics{
		TotalEntities:             snap.Len(),
		TotalRelationships:        snap.RelationshipCount(),
		EntitiesByType:            make(map[models.EntityType]int),
		RelationshipsByType:       make(map[models.RelationshipType]int),
		RelationshipsByFamily:     make(map[models.RelationshipFamily]int),
		AvgEntityConfidence:       make(map[models.EntityType]float64),
		AvgRelationshipConfidence: make(map[models.RelationshipType]float64),
		EntitiesByDomain:          make(map[string]int),
		Version:                   snap.Version,
		ComputedAt:                time.Now().UTC(),
	}

	for _, id := range snap.IDs() {
		n, _ := snap.Node(id)
		s.EntitiesByType[n.EntityType]++
		s.AvgEntityConfidence[n.EntityType] += n.ConfidenceScore
		s.EntitiesByDomain[n.Domain]++
		if snap.Degree(id) == 0 {
			s.IsolatedEntities++
		}
	}
	for t, sum := range s.AvgEntityConfidence {
		s.AvgEntityConfidence[t] = sum / float64(s.EntitiesByType[t])
	}

	for _, r := range snap.Relationships() {
		s.RelationshipsByType[r.RelationshipType]++
		s.RelationshipsByFamily[r.RelationshipType.Family()]++
		s.AvgRelationshipConfidence[r.RelationshipType] += r.ConfidenceScore
	}
	for t, sum := range s.AvgRelationshipConfidence {
		s.AvgRelationshipConfidence[t] = sum / float64(s.RelationshipsByType[t])
	}

	if n := s.TotalEntities; n > 1 {
		s.GraphDensity = min(1, float64(s.TotalRelationships)/(float64(n)*float64(n-1)))
	}

	sizes := componentSizes(snap)
	s.ConnectedComponents = len(sizes)
	if len(sizes) > 0 {
		s.LargestComponentSize = sizes[0]
	}
	return s
}

// componentSizes returns the sizes of weakly connected components, largest
// first, using union-find over relationships.
func componentSizes(snap *graph.Snapshot) []int {
	ids := snap.IDs()
	index := make(map[string]int, len(ids))
	parent := make([]int, len(ids))
	for i, id := range ids {
		index[id] = i
		parent[i] = i
	}

	find := func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}

	for _, r := range snap.Relationships() {
		a, b := find(index[r.SourceEntityID]), find(index[r.TargetEntityID])
		if a != b {
			parent[a] = b
		}
	}

	counts := make(map[int]int)
	for i := range ids {
		counts[find(i)]++
	}
	sizes := make([]int, 0, len(counts))
	for _, c := range counts {
		sizes = append(sizes, c)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(sizes)))
	return sizes
}
