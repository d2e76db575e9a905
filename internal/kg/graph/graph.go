// Package graph holds the immutable in-memory view of the knowledge graph that
// every analytical operation reads from.
package graph

import (
	"sort"
	"time"

	"github.com/kgengine/backend/internal/storage/models"
)

// Node is an entity together with the typed attributes parsed from its
// metadata.
type Node struct {
	models.Entity
	Domain string
	Level  models.Level
}

// Snapshot is a point-in-time copy of the graph. It is never mutated after
// New returns and is safe for concurrent readers.
type Snapshot struct {
	Version  int64
	LoadedAt time.Time

	nodes         map[string]*Node
	ids           []string
	relationships []*models.Relationship
	out           map[string][]*models.Relationship
	in            map[string][]*models.Relationship
	neighbors     map[string][]string
	embeddings    map[string][]float32
}

// New builds a snapshot. Relationships whose endpoints are unknown are
// dropped.
func New(version int64, entities []models.Entity, rels []models.Relationship, embeddings map[string][]float32) *Snapshot {
	s := &Snapshot{
		Version:    version,
		LoadedAt:   time.Now().UTC(),
		nodes:      make(map[string]*Node, len(entities)),
		out:        make(map[string][]*models.Relationship),
		in:         make(map[string][]*models.Relationship),
		neighbors:  make(map[string][]string, len(entities)),
		embeddings: make(map[string][]float32, len(embeddings)),
	}

	for i := range entities {
		e := entities[i]
		s.nodes[e.ID] = &Node{Entity: e, Domain: e.Domain(), Level: e.Level()}
		s.ids = append(s.ids, e.ID)
	}
	sort.Strings(s.ids)

	adj := make(map[string]map[string]bool, len(entities))
	for i := range rels {
		r := rels[i]
		if _, ok := s.nodes[r.SourceEntityID]; !ok {
			continue
		}
		if _, ok := s.nodes[r.TargetEntityID]; !ok {
			continue
		}
		rp := &r
		s.relationships = append(s.relationships, rp)
		s.out[r.SourceEntityID] = append(s.out[r.SourceEntityID], rp)
		s.in[r.TargetEntityID] = append(s.in[r.TargetEntityID], rp)

		for _, pair := range [][2]string{{r.SourceEntityID, r.TargetEntityID}, {r.TargetEntityID, r.SourceEntityID}} {
			if adj[pair[0]] == nil {
				adj[pair[0]] = make(map[string]bool)
			}
			adj[pair[0]][pair[1]] = true
		}
	}

	sort.Slice(s.relationships, func(i, j int) bool { return s.relationships[i].ID < s.relationships[j].ID })
	for _, edges := range s.out {
		sortEdges(edges, func(r *models.Relationship) string { return r.TargetEntityID })
	}
	for _, edges := range s.in {
		sortEdges(edges, func(r *models.Relationship) string { return r.SourceEntityID })
	}
	for id, set := range adj {
		list := make([]string, 0, len(set))
		for n := range set {
			list = append(list, n)
		}
		sort.Strings(list)
		s.neighbors[id] = list
	}

	for id, vec := range embeddings {
		if _, ok := s.nodes[id]; ok && len(vec) > 0 {
			s.embeddings[id] = vec
		}
	}
	return s
}

func sortEdges(edges []*models.Relationship, other func(*models.Relationship) string) {
	sort.Slice(edges, func(i, j int) bool {
		a, b := other(edges[i]), other(edges[j])
		if a != b {
			return a < b
		}
		return edges[i].RelationshipType < edges[j].RelationshipType
	})
}

func (s *Snapshot) Len() int { return len(s.ids) }

// IDs returns entity ids in ascending order. The slice must not be modified.
func (s *Snapshot) IDs() []string { return s.ids }

func (s *Snapshot) Node(id string) (*Node, bool) {
	n, ok := s.nodes[id]
	return n, ok
}

func (s *Snapshot) Has(id string) bool {
	_, ok := s.nodes[id]
	return ok
}

// Relationships returns every relationship ordered by id.
func (s *Snapshot) Relationships() []*models.Relationship { return s.relationships }

func (s *Snapshot) RelationshipCount() int { return len(s.relationships) }

// Outgoing returns edges leaving id ordered by target then type.
func (s *Snapshot) Outgoing(id string) []*models.Relationship { return s.out[id] }

// Incoming returns edges entering id ordered by source then type.
func (s *Snapshot) Incoming(id string) []*models.Relationship { return s.in[id] }

// Degree counts incident relationships in both directions.
func (s *Snapshot) Degree(id string) int { return len(s.out[id]) + len(s.in[id]) }

// Neighbors returns the distinct entities adjacent to id ignoring direction.
func (s *Snapshot) Neighbors(id string) []string { return s.neighbors[id] }

// Connected reports whether any relationship joins a and b in either
// direction.
func (s *Snapshot) Connected(a, b string) bool {
	list := s.neighbors[a]
	i := sort.SearchStrings(list, b)
	return i < len(list) && list[i] == b
}

func (s *Snapshot) Embedding(id string) []float32 { return s.embeddings[id] }

// Select returns the ids of nodes accepted by keep, in ascending order.
func (s *Snapshot) Select(keep func(*Node) bool) []string {
	var out []string
	for _, id := range s.ids {
		if keep == nil || keep(s.nodes[id]) {
			out = append(out, id)
		}
	}
	return out
}

// Domains groups entity ids by domain label.
func (s *Snapshot) Domains() map[string][]string {
	out := make(map[string][]string)
	for _, id := range s.ids {
		d := s.nodes[id].Domain
		out[d] = append(out[d], id)
	}
	return out
}
