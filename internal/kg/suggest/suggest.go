// Package suggest recommends new relationships for an entity by comparing its
// similarity to candidates against the similarity profile of existing,
// confirmed relationships of each type.
package suggest

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/kgengine/backend/internal/kg/graph"
	"github.com/kgengine/backend/internal/kg/similarity"
	"github.com/kgengine/backend/internal/storage/models"
	"github.com/kgengine/backend/pkg/apperr"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100

	// ConfirmedConfidence is the floor for a relationship to count as evidence
	// when learning patterns.
	ConfirmedConfidence = 0.5

	minStdDev    = 0.1
	baseWeight   = 0.6
	matchWeight  = 0.4
	ctxCheckStep = 256
)

// Pattern summarises the endpoint similarity of relationships of one type.
type Pattern struct {
	RelationshipType models.RelationshipType `json:"relationship_type"`
	Mean             float64                 `json:"mean"`
	StdDev           float64                 `json:"std_dev"`
	Support          int                     `json:"support"`
}

// priors apply to types with no learned support.
var priors = map[models.RelationshipType]Pattern{
	models.RelSimilarTo: {RelationshipType: models.RelSimilarTo, Mean: 0.8, StdDev: 0.1},
	models.RelRelatedTo: {RelationshipType: models.RelRelatedTo, Mean: 0.4, StdDev: 0.15},
}

// Match scores how typical similarity s is for the pattern, in (0,1].
func (p Pattern) Match(s float64) float64 {
	sigma := math.Max(p.StdDev, minStdDev)
	d := s - p.Mean
	return math.Exp(-(d * d) / (2 * sigma * sigma))
}

type Request struct {
	EntityID          string
	Limit             int
	MinConfidence     float64
	RelationshipTypes []models.RelationshipType
	EntityTypes       []models.EntityType
	IncludeExisting   bool
	// Candidates restricts scoring to these ids when non-empty.
	Candidates []string
}

type Suggestion struct {
	TargetEntityID   string                  `json:"target_entity_id"`
	TargetEntityName string                  `json:"target_entity_name"`
	TargetEntityType models.EntityType       `json:"target_entity_type"`
	RelationshipType models.RelationshipType `json:"relationship_type"`
	Confidence       float64                 `json:"confidence"`
	Similarity       float64                 `json:"similarity"`
	PatternMatch     float64                 `json:"pattern_match"`
	Reasoning        string                  `json:"reasoning"`
	Existing         bool                    `json:"existing,omitempty"`
}

type Result struct {
	EntityID            string       `json:"entity_id"`
	Suggestions         []Suggestion `json:"suggestions"`
	Patterns            []Pattern    `json:"patterns"`
	CandidatesEvaluated int          `json:"candidates_evaluated"`
	Truncated           bool         `json:"truncated"`
}

func (r *Request) Normalize() error {
	const op = "SuggestRelationships"
	if r.EntityID == "" {
		return apperr.Validation(op, "entity_id is required")
	}
	if r.Limit == 0 {
		r.Limit = DefaultLimit
	}
	if r.Limit < 1 || r.Limit > MaxLimit {
		return apperr.Validation(op, "limit must be between 1 and %d", MaxLimit)
	}
	return models.ValidateScore(op, "min_confidence", r.MinConfidence)
}

// LearnPatterns builds one pattern per relationship type from confirmed
// relationships that do not touch exclude.
func LearnPatterns(ix *similarity.Index, exclude string) map[models.RelationshipType]Pattern {
	samples := make(map[models.RelationshipType][]float64)
	for _, r := range ix.Snapshot().Relationships() {
		if r.ConfidenceScore < ConfirmedConfidence {
			continue
		}
		if r.SourceEntityID == exclude || r.TargetEntityID == exclude {
			continue
		}
		samples[r.RelationshipType] = append(samples[r.RelationshipType], ix.Content(r.SourceEntityID, r.TargetEntityID))
	}

	out := make(map[models.RelationshipType]Pattern, len(samples))
	for t, xs := range samples {
		var sum float64
		for _, x := range xs {
			sum += x
		}
		mean := sum / float64(len(xs))
		var variance float64
		for _, x := range xs {
			variance += (x - mean) * (x - mean)
		}
		variance /= float64(len(xs))
		out[t] = Pattern{RelationshipType: t, Mean: mean, StdDev: math.Sqrt(variance), Support: len(xs)}
	}
	return out
}

// candidatePatterns resolves the patterns eligible for a request: learned
// patterns, falling back to priors, limited to the requested types.
func candidatePatterns(learned map[models.RelationshipType]Pattern, types []models.RelationshipType) []Pattern {
	if len(types) == 0 {
		types = models.RelationshipTypes()
	}
	var out []Pattern
	for _, t := range types {
		if p, ok := learned[t]; ok {
			out = append(out, p)
			continue
		}
		if p, ok := priors[t]; ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelationshipType < out[j].RelationshipType })
	return out
}

func bestPattern(patterns []Pattern, s float64) (Pattern, float64) {
	var (
		best      Pattern
		bestScore = -1.0
	)
	for _, p := range patterns {
		m := p.Match(s)
		switch {
		case m > bestScore:
		case m == bestScore && p.Support > best.Support:
		case m == bestScore && p.Support == best.Support && p.RelationshipType < best.RelationshipType:
		default:
			continue
		}
		best, bestScore = p, m
	}
	return best, bestScore
}

// Suggest scores every candidate entity against the focal entity. Results
// are deterministic for a given snapshot.
func Suggest(ctx context.Context, ix *similarity.Index, req Request) (*Result, error) {
	const op = "SuggestRelationships"
	if err := req.Normalize(); err != nil {
		return nil, err
	}
	snap := ix.Snapshot()
	if !snap.Has(req.EntityID) {
		return nil, apperr.NotFound(op, "entity %s not found", req.EntityID)
	}

	patterns := candidatePatterns(LearnPatterns(ix, req.EntityID), req.RelationshipTypes)
	result := &Result{EntityID: req.EntityID, Suggestions: []Suggestion{}, Patterns: patterns}
	if len(patterns) == 0 {
		return result, nil
	}

	for i, id := range candidates(snap, req) {
		if i%ctxCheckStep == 0 && ctx.Err() != nil {
			result.Truncated = true
			break
		}
		existing := snap.Connected(req.EntityID, id)
		if existing && !req.IncludeExisting {
			continue
		}
		result.CandidatesEvaluated++

		s := ix.Content(req.EntityID, id)
		if s == 0 {
			continue
		}
		p, match := bestPattern(patterns, s)
		confidence := s * (baseWeight + matchWeight*match)
		if confidence < req.MinConfidence {
			continue
		}
		node, _ := snap.Node(id)
		result.Suggestions = append(result.Suggestions, Suggestion{
			TargetEntityID:   id,
			TargetEntityName: node.Name,
			TargetEntityType: node.EntityType,
			RelationshipType: p.RelationshipType,
			Confidence:       confidence,
			Similarity:       s,
			PatternMatch:     match,
			Reasoning:        reasoning(s, p, match),
			Existing:         existing,
		})
	}

	sort.Slice(result.Suggestions, func(i, j int) bool {
		a, b := result.Suggestions[i], result.Suggestions[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.TargetEntityID < b.TargetEntityID
	})
	if len(result.Suggestions) > req.Limit {
		result.Suggestions = result.Suggestions[:req.Limit]
	}
	return result, nil
}

func candidates(snap *graph.Snapshot, req Request) []string {
	types := make(map[models.EntityType]bool, len(req.EntityTypes))
	for _, t := range req.EntityTypes {
		types[t] = true
	}
	keep := func(n *graph.Node) bool {
		if n.ID == req.EntityID {
			return false
		}
		return len(types) == 0 || types[n.EntityType]
	}

	if len(req.Candidates) == 0 {
		return snap.Select(keep)
	}
	seen := make(map[string]bool, len(req.Candidates))
	var out []string
	for _, id := range req.Candidates {
		n, ok := snap.Node(id)
		if !ok || seen[id] || !keep(n) {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func reasoning(s float64, p Pattern, match float64) string {
	source := fmt.Sprintf("learned from %d confirmed relationships", p.Support)
	if p.Support == 0 {
		source = "built-in prior"
	}
	return fmt.Sprintf("content similarity %.2f fits the %s pattern (mean %.2f, %s) with match %.2f",
		s, p.RelationshipType, p.Mean, source, match)
}
