// Package cluster groups entities into cohesive clusters by content
// similarity, graph structure, or both.
package cluster

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/kgengine/backend/internal/kg/graph"
	"github.com/kgengine/backend/internal/kg/similarity"
	"github.com/kgengine/backend/internal/storage/models"
	"github.com/kgengine/backend/pkg/apperr"
	"github.com/kgengine/backend/pkg/utils"
)

type Algorithm string

const (
	AlgorithmSemantic   Algorithm = "semantic"
	AlgorithmStructural Algorithm = "structural"
	AlgorithmHybrid     Algorithm = "hybrid"
)

func (a Algorithm) Valid() bool {
	switch a {
	case AlgorithmSemantic, AlgorithmStructural, AlgorithmHybrid:
		return true
	}
	return false
}

const (
	DefaultMinClusterSize      = 3
	DefaultMaxClusters         = 10
	DefaultMaxEntities         = 500
	DefaultSemanticThreshold   = 0.3
	DefaultStructuralThreshold = 0.25
)

type Request struct {
	Algorithm           Algorithm
	MinClusterSize      int
	MaxClusters         int
	EntityTypes         []models.EntityType
	MinConfidence       float64
	MaxEntities         int
	SemanticThreshold   float64
	StructuralThreshold float64
}

type Cluster struct {
	ID              string   `json:"cluster_id"`
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	EntityIDs       []string `json:"entity_ids"`
	Size            int      `json:"size"`
	CentralEntityID string   `json:"central_entity_id"`
	CohesionScore   float64  `json:"cohesion_score"`
	Keywords        []string `json:"keywords"`
	Domain          string   `json:"domain"`
}

type Result struct {
	Algorithm           Algorithm `json:"algorithm"`
	Clusters            []Cluster `json:"clusters"`
	UnclusteredEntities []string  `json:"unclustered_entities"`
	EntitiesConsidered  int       `json:"entities_considered"`
	Truncated           bool      `json:"truncated"`
}

func (r *Request) Normalize() error {
	const op = "ClusterEntities"
	if r.Algorithm == "" {
		r.Algorithm = AlgorithmSemantic
	}
	if !r.Algorithm.Valid() {
		return apperr.Validation(op, "unknown algorithm %q", r.Algorithm)
	}
	if r.MinClusterSize == 0 {
		r.MinClusterSize = DefaultMinClusterSize
	}
	if r.MinClusterSize < 2 {
		return apperr.Validation(op, "min_cluster_size must be at least 2")
	}
	if r.MaxClusters == 0 {
		r.MaxClusters = DefaultMaxClusters
	}
	if r.MaxClusters < 1 {
		return apperr.Validation(op, "max_clusters must be positive")
	}
	if r.MaxEntities <= 0 {
		r.MaxEntities = DefaultMaxEntities
	}
	if r.SemanticThreshold == 0 {
		r.SemanticThreshold = DefaultSemanticThreshold
	}
	if r.StructuralThreshold == 0 {
		r.StructuralThreshold = DefaultStructuralThreshold
	}
	for _, v := range []float64{r.MinConfidence, r.SemanticThreshold, r.StructuralThreshold} {
		if err := models.ValidateScore(op, "threshold", v); err != nil {
			return err
		}
	}
	return nil
}

// Run clusters the entities selected by req.
func Run(ctx context.Context, ix *similarity.Index, req Request) (*Result, error) {
	if err := req.Normalize(); err != nil {
		return nil, err
	}
	snap := ix.Snapshot()

	ids, overflow := selectEntities(snap, req)
	result := &Result{
		Algorithm:           req.Algorithm,
		Clusters:            []Cluster{},
		UnclusteredEntities: overflow,
		EntitiesConsidered:  len(ids),
		Truncated:           len(overflow) > 0,
	}

	groups, score, interrupted, err := group(ctx, ix, ids, req)
	if err != nil {
		// Nothing was clustered before the deadline.
		result.UnclusteredEntities = append(result.UnclusteredEntities, ids...)
		result.Truncated = true
		sort.Strings(result.UnclusteredEntities)
		return result, nil
	}
	result.Truncated = result.Truncated || interrupted

	var qualifying [][]string
	for _, g := range groups {
		if len(g) < req.MinClusterSize {
			result.UnclusteredEntities = append(result.UnclusteredEntities, g...)
			continue
		}
		sort.Strings(g)
		qualifying = append(qualifying, g)
	}

	clusters := make([]Cluster, 0, len(qualifying))
	for _, members := range qualifying {
		clusters = append(clusters, describe(snap, members, score))
	}
	sort.Slice(clusters, func(i, j int) bool {
		a, b := clusters[i], clusters[j]
		if a.Size != b.Size {
			return a.Size > b.Size
		}
		if a.CohesionScore != b.CohesionScore {
			return a.CohesionScore > b.CohesionScore
		}
		return a.ID < b.ID
	})
	if len(clusters) > req.MaxClusters {
		for _, c := range clusters[req.MaxClusters:] {
			result.UnclusteredEntities = append(result.UnclusteredEntities, c.EntityIDs...)
		}
		clusters = clusters[:req.MaxClusters]
	}

	result.Clusters = clusters
	sort.Strings(result.UnclusteredEntities)
	if result.UnclusteredEntities == nil {
		result.UnclusteredEntities = []string{}
	}
	return result, nil
}

// selectEntities applies the filters and the entity cap. Entities over the
// cap are the lowest-confidence ones and are returned separately.
func selectEntities(snap *graph.Snapshot, req Request) (selected, overflow []string) {
	types := make(map[models.EntityType]bool, len(req.EntityTypes))
	for _, t := range req.EntityTypes {
		types[t] = true
	}
	ids := snap.Select(func(n *graph.Node) bool {
		if len(types) > 0 && !types[n.EntityType] {
			return false
		}
		return n.ConfidenceScore >= req.MinConfidence
	})
	if len(ids) <= req.MaxEntities {
		return ids, nil
	}

	sort.SliceStable(ids, func(i, j int) bool {
		a, _ := snap.Node(ids[i])
		b, _ := snap.Node(ids[j])
		return a.ConfidenceScore > b.ConfidenceScore
	})
	selected = append([]string(nil), ids[:req.MaxEntities]...)
	overflow = append([]string(nil), ids[req.MaxEntities:]...)
	sort.Strings(selected)
	return selected, overflow
}

// group runs the requested algorithm and returns member lists together with
// the pairwise score used to describe the resulting clusters.
func group(ctx context.Context, ix *similarity.Index, ids []string, req Request) ([][]string, simFunc, bool, error) {
	switch req.Algorithm {
	case AlgorithmStructural:
		m, err := newMatrix(ctx, ids, ix.Structural)
		if err != nil {
			return nil, nil, false, err
		}
		groups, interrupted := agglomerate(ctx, m, req.StructuralThreshold)
		return toMembers(m, groups), lookup(m), interrupted, nil

	case AlgorithmHybrid:
		var (
			sem, str             *matrix
			semGroups, strGroups [][]int
			semStop, strStop     bool
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			if sem, err = newMatrix(gctx, ids, ix.Content); err != nil {
				return err
			}
			semGroups, semStop = agglomerate(gctx, sem, req.SemanticThreshold)
			return nil
		})
		g.Go(func() error {
			var err error
			if str, err = newMatrix(gctx, ids, ix.Structural); err != nil {
				return err
			}
			strGroups, strStop = agglomerate(gctx, str, req.StructuralThreshold)
			return nil
		})
		if err := g.Wait(); err != nil {
			return nil, nil, false, err
		}
		semScore, strScore := lookup(sem), lookup(str)
		groups := resolveOverlap(toMembers(sem, semGroups), toMembers(str, strGroups), semScore, strScore)
		hybrid := func(a, b string) float64 { return (semScore(a, b) + strScore(a, b)) / 2 }
		return groups, hybrid, semStop || strStop, nil

	default:
		m, err := newMatrix(ctx, ids, ix.Content)
		if err != nil {
			return nil, nil, false, err
		}
		groups, interrupted := agglomerate(ctx, m, req.SemanticThreshold)
		return toMembers(m, groups), lookup(m), interrupted, nil
	}
}

func toMembers(m *matrix, groups [][]int) [][]string {
	out := make([][]string, len(groups))
	for i, g := range groups {
		out[i] = m.members(g)
	}
	return out
}

func lookup(m *matrix) simFunc {
	index := make(map[string]int, len(m.ids))
	for i, id := range m.ids {
		index[id] = i
	}
	return func(a, b string) float64 {
		i, ok1 := index[a]
		j, ok2 := index[b]
		if !ok1 || !ok2 {
			return 0
		}
		return m.sim[i][j]
	}
}

type candidate struct {
	members  []string
	semantic bool
}

// resolveOverlap merges a semantic and a structural partition. An entity
// claimed by two different groups joins the one where the product of its
// mean semantic and mean structural similarity to the other members is
// highest; ties go to the larger group, then to the semantic one.
func resolveOverlap(semGroups, strGroups [][]string, semScore, strScore simFunc) [][]string {
	var cands []*candidate
	seen := make(map[string]*candidate)
	claims := make(map[string][]*candidate)

	add := func(groups [][]string, semantic bool) {
		for _, g := range groups {
			if len(g) < 2 {
				continue
			}
			key := utils.HashIDs(g)
			c, ok := seen[key]
			if !ok {
				c = &candidate{members: g, semantic: semantic}
				seen[key] = c
				cands = append(cands, c)
			}
			for _, id := range g {
				claims[id] = appendUnique(claims[id], c)
			}
		}
	}
	add(semGroups, true)
	add(strGroups, false)

	affinity := func(id string, c *candidate) float64 {
		var sem, str float64
		n := 0
		for _, other := range c.members {
			if other == id {
				continue
			}
			sem += semScore(id, other)
			str += strScore(id, other)
			n++
		}
		if n == 0 {
			return 0
		}
		return (sem / float64(n)) * (str / float64(n))
	}

	assigned := make(map[*candidate][]string)
	var loose []string
	ids := make([]string, 0, len(claims))
	for id := range claims {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		var best *candidate
		bestAff := -1.0
		for _, c := range claims[id] {
			a := affinity(id, c)
			switch {
			case best == nil, a > bestAff:
			case a == bestAff && len(c.members) > len(best.members):
			case a == bestAff && len(c.members) == len(best.members) && c.semantic && !best.semantic:
			default:
				continue
			}
			best, bestAff = c, a
		}
		assigned[best] = append(assigned[best], id)
	}

	var out [][]string
	for _, c := range cands {
		if members := assigned[c]; len(members) > 0 {
			out = append(out, members)
		}
	}
	// Entities no multi-member group claimed stay as singletons.
	for _, g := range semGroups {
		for _, id := range g {
			if _, ok := claims[id]; !ok {
				loose = append(loose, id)
			}
		}
	}
	for _, id := range loose {
		out = append(out, []string{id})
	}
	return out
}

func appendUnique(list []*candidate, c *candidate) []*candidate {
	for _, existing := range list {
		if existing == c {
			return list
		}
	}
	return append(list, c)
}
