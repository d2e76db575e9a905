// Package traversal discovers ranked multi-hop paths between two entities.
package traversal

import (
	"container/heap"
	"context"
	"sort"

	"github.com/kgengine/backend/internal/kg/graph"
	"github.com/kgengine/backend/internal/storage/models"
	"github.com/kgengine/backend/pkg/apperr"
)

const (
	DefaultMaxDepth      = 5
	MaxDepthLimit        = 10
	DefaultMaxPaths      = 10
	DefaultMaxExpansions = 200000

	ctxCheckInterval = 1024
)

type Difficulty string

const (
	DifficultyEasy     Difficulty = "easy"
	DifficultyModerate Difficulty = "moderate"
	DifficultyHard     Difficulty = "hard"
	DifficultyExpert   Difficulty = "expert"
)

var difficulties = []Difficulty{DifficultyEasy, DifficultyModerate, DifficultyHard, DifficultyExpert}

func (d Difficulty) Rank() int {
	for i, v := range difficulties {
		if v == d {
			return i
		}
	}
	return -1
}

type Request struct {
	StartEntityID     string
	EndEntityID       string
	MaxDepth          int
	MaxPaths          int
	RelationshipTypes []models.RelationshipType
	MinConfidence     float64
	MaxExpansions     int
}

type Path struct {
	EntityIDs          []string                  `json:"entity_ids"`
	EntityNames        []string                  `json:"entity_names"`
	RelationshipIDs    []string                  `json:"relationship_ids"`
	RelationshipTypes  []models.RelationshipType `json:"relationship_types"`
	Confidence         float64                   `json:"confidence"`
	PathLength         int                       `json:"path_length"`
	TotalStrength      float64                   `json:"total_strength"`
	LearningDifficulty Difficulty                `json:"learning_difficulty"`
}

type Result struct {
	Paths      []Path `json:"paths"`
	Truncated  bool   `json:"truncated"`
	Expansions int    `json:"expansions"`
}

// Normalize applies defaults and checks bounds.
func (r *Request) Normalize() error {
	const op = "DiscoverPaths"
	if r.StartEntityID == "" || r.EndEntityID == "" {
		return apperr.Validation(op, "start_entity_id and end_entity_id are required")
	}
	if r.StartEntityID == r.EndEntityID {
		return apperr.Validation(op, "start and end entity must differ")
	}
	if r.MaxDepth == 0 {
		r.MaxDepth = DefaultMaxDepth
	}
	if r.MaxDepth < 1 || r.MaxDepth > MaxDepthLimit {
		return apperr.Validation(op, "max_depth must be between 1 and %d", MaxDepthLimit)
	}
	if r.MaxPaths == 0 {
		r.MaxPaths = DefaultMaxPaths
	}
	if r.MaxPaths < 1 {
		return apperr.Validation(op, "max_paths must be positive")
	}
	if err := models.ValidateScore(op, "min_confidence", r.MinConfidence); err != nil {
		return err
	}
	if r.MaxExpansions <= 0 {
		r.MaxExpansions = DefaultMaxExpansions
	}
	return nil
}

// partial is a path under construction. Paths share prefixes through parent
// pointers so pushing a frontier entry costs O(1).
type partial struct {
	entity     string
	edge       *models.Relationship
	parent     *partial
	depth      int
	confidence float64
	seq        int
}

func (p *partial) visited(id string) bool {
	for n := p; n != nil; n = n.parent {
		if n.entity == id {
			return true
		}
	}
	return false
}

type frontier []*partial

func (f frontier) Len() int { return len(f) }
func (f frontier) Less(i, j int) bool {
	if f[i].confidence != f[j].confidence {
		return f[i].confidence > f[j].confidence
	}
	if f[i].depth != f[j].depth {
		return f[i].depth < f[j].depth
	}
	return f[i].seq < f[j].seq
}
func (f frontier) Swap(i, j int) { f[i], f[j] = f[j], f[i] }
func (f *frontier) Push(x any)   { *f = append(*f, x.(*partial)) }
func (f *frontier) Pop() any {
	old := *f
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*f = old[:n-1]
	return item
}

// Discover runs a best-first search over outgoing edges, ordered by the
// product of edge confidences. Confidence never increases along a path, so
// completed paths are found in non-increasing confidence order and the search
// stops after MaxPaths of them.
func Discover(ctx context.Context, snap *graph.Snapshot, req Request) (*Result, error) {
	const op = "DiscoverPaths"
	if err := req.Normalize(); err != nil {
		return nil, err
	}
	for _, id := range []string{req.StartEntityID, req.EndEntityID} {
		if !snap.Has(id) {
			return nil, apperr.NotFound(op, "entity %s not found", id)
		}
	}

	allowed := make(map[models.RelationshipType]bool, len(req.RelationshipTypes))
	for _, t := range req.RelationshipTypes {
		allowed[t] = true
	}

	result := &Result{Paths: []Path{}}
	seq := 0
	pq := &frontier{{entity: req.StartEntityID, confidence: 1}}

	for pq.Len() > 0 && len(result.Paths) < req.MaxPaths {
		if result.Expansions >= req.MaxExpansions {
			result.Truncated = true
			break
		}
		if result.Expansions%ctxCheckInterval == 0 && ctx.Err() != nil {
			result.Truncated = true
			break
		}

		cur := heap.Pop(pq).(*partial)
		if cur.entity == req.EndEntityID {
			result.Paths = append(result.Paths, materialize(snap, cur))
			continue
		}
		if cur.depth >= req.MaxDepth {
			continue
		}
		result.Expansions++

		for _, edge := range snap.Outgoing(cur.entity) {
			if len(allowed) > 0 && !allowed[edge.RelationshipType] {
				continue
			}
			if edge.ConfidenceScore < req.MinConfidence {
				continue
			}
			if cur.visited(edge.TargetEntityID) {
				continue
			}
			seq++
			heap.Push(pq, &partial{
				entity:     edge.TargetEntityID,
				edge:       edge,
				parent:     cur,
				depth:      cur.depth + 1,
				confidence: cur.confidence * edge.ConfidenceScore,
				seq:        seq,
			})
		}
	}

	SortPaths(result.Paths)
	return result, nil
}

func materialize(snap *graph.Snapshot, end *partial) Path {
	var chain []*partial
	for n := end; n != nil; n = n.parent {
		chain = append(chain, n)
	}
	p := Path{
		Confidence: end.confidence,
		PathLength: end.depth,
	}
	for i := len(chain) - 1; i >= 0; i-- {
		n := chain[i]
		node, _ := snap.Node(n.entity)
		p.EntityIDs = append(p.EntityIDs, n.entity)
		p.EntityNames = append(p.EntityNames, node.Name)
		if n.edge != nil {
			p.RelationshipIDs = append(p.RelationshipIDs, n.edge.ID)
			p.RelationshipTypes = append(p.RelationshipTypes, n.edge.RelationshipType)
			p.TotalStrength += n.edge.Strength
		}
	}
	if p.PathLength > 0 {
		p.TotalStrength /= float64(p.PathLength)
	}
	p.LearningDifficulty = LearningDifficulty(p.PathLength, p.Confidence)
	return p
}

// LearningDifficulty rates a path by its length and confidence. It never
// decreases when the path gets longer or less certain.
func LearningDifficulty(length int, confidence float64) Difficulty {
	lengthRank := 0
	switch {
	case length <= 2:
		lengthRank = 0
	case length == 3:
		lengthRank = 1
	case length <= 5:
		lengthRank = 2
	default:
		lengthRank = 3
	}

	confRank := 0
	switch {
	case confidence >= 0.7:
		confRank = 0
	case confidence >= 0.4:
		confRank = 1
	case confidence >= 0.15:
		confRank = 2
	default:
		confRank = 3
	}

	if confRank > lengthRank {
		return difficulties[confRank]
	}
	return difficulties[lengthRank]
}

// SortPaths orders by confidence descending, then shorter first, then by the
// entity sequence so equal paths always come out in the same order.
func SortPaths(paths []Path) {
	sort.SliceStable(paths, func(i, j int) bool {
		a, b := paths[i], paths[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.PathLength != b.PathLength {
			return a.PathLength < b.PathLength
		}
		return lessStrings(a.RelationshipIDs, b.RelationshipIDs)
	})
}

func lessStrings(a, b []string) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}
