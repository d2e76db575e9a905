// Package similarity computes the content and structural similarity signals
// shared by relationship suggestion and clustering.
package similarity

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/kgengine/backend/internal/kg/graph"
)

const (
	jaccardWeight = 0.7
	profileWeight = 0.3
)

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true,
	"by": true, "for": true, "from": true, "has": true, "in": true, "is": true, "it": true,
	"its": true, "of": true, "on": true, "or": true, "that": true, "the": true, "this": true,
	"to": true, "was": true, "were": true, "will": true, "with": true, "how": true,
	"what": true, "when": true, "which": true, "into": true, "about": true, "can": true,
}

type term struct {
	key    string
	weight float64
}

// sparse is a vector sorted by key, so dot products always sum in the same
// order and results are reproducible bit for bit.
type sparse []term

func newSparse(m map[string]float64) sparse {
	v := make(sparse, 0, len(m))
	for k, w := range m {
		v = append(v, term{key: k, weight: w})
	}
	sort.Slice(v, func(i, j int) bool { return v[i].key < v[j].key })
	return v
}

// Index holds per-entity term vectors and relationship-type profiles for one
// snapshot. It is read-only once built.
type Index struct {
	snap     *graph.Snapshot
	terms    map[string]sparse
	profiles map[string]sparse
}

func NewIndex(snap *graph.Snapshot) *Index {
	ix := &Index{
		snap:     snap,
		terms:    make(map[string]sparse, snap.Len()),
		profiles: make(map[string]sparse, snap.Len()),
	}

	counts := make(map[string]map[string]int, snap.Len())
	df := make(map[string]int)
	for _, id := range snap.IDs() {
		n, _ := snap.Node(id)
		tf := make(map[string]int)
		for _, tok := range Tokenize(n.Text()) {
			tf[tok]++
		}
		for tok := range tf {
			df[tok]++
		}
		counts[id] = tf
	}

	total := float64(snap.Len())
	for id, tf := range counts {
		length := 0
		for _, c := range tf {
			length += c
		}
		weights := make(map[string]float64, len(tf))
		for tok, c := range tf {
			idf := math.Log((1+total)/(1+float64(df[tok]))) + 1
			weights[tok] = float64(c) / float64(length) * idf
		}
		ix.terms[id] = normalize(newSparse(weights))
	}

	for _, id := range snap.IDs() {
		profile := make(map[string]float64)
		for _, r := range snap.Outgoing(id) {
			profile[string(r.RelationshipType)]++
		}
		for _, r := range snap.Incoming(id) {
			profile[string(r.RelationshipType)]++
		}
		ix.profiles[id] = normalize(newSparse(profile))
	}
	return ix
}

func (ix *Index) Snapshot() *graph.Snapshot { return ix.snap }

// Content is the text similarity of two entities in [0,1]. When both entities
// carry embeddings the TF-IDF cosine and the embedding cosine are averaged.
func (ix *Index) Content(a, b string) float64 {
	if a == b {
		return 1
	}
	s := dot(ix.terms[a], ix.terms[b])
	ea, eb := ix.snap.Embedding(a), ix.snap.Embedding(b)
	if len(ea) > 0 && len(ea) == len(eb) {
		s = 0.5*s + 0.5*math.Max(0, Cosine(ea, eb))
	}
	return clamp(s)
}

// Structural blends the Jaccard overlap of closed neighbourhoods with the
// cosine of relationship-type profiles.
func (ix *Index) Structural(a, b string) float64 {
	if a == b {
		return 1
	}
	return clamp(jaccardWeight*ix.jaccard(a, b) + profileWeight*dot(ix.profiles[a], ix.profiles[b]))
}

func (ix *Index) jaccard(a, b string) float64 {
	na := closed(a, ix.snap.Neighbors(a))
	nb := closed(b, ix.snap.Neighbors(b))
	inter := 0
	for id := range na {
		if nb[id] {
			inter++
		}
	}
	union := len(na) + len(nb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func closed(id string, neighbors []string) map[string]bool {
	set := make(map[string]bool, len(neighbors)+1)
	set[id] = true
	for _, n := range neighbors {
		set[n] = true
	}
	return set
}

// Terms returns the distinct tokens of an entity.
func (ix *Index) Terms(id string) []string {
	vec := ix.terms[id]
	out := make([]string, 0, len(vec))
	for _, t := range vec {
		out = append(out, t.key)
	}
	return out
}

// Tokenize lowercases text and splits it on anything that is not a letter or
// digit, dropping stopwords and single characters.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < 2 || stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

func normalize(v sparse) sparse {
	var norm float64
	for _, t := range v {
		norm += t.weight * t.weight
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i].weight /= norm
	}
	return v
}

func dot(a, b sparse) float64 {
	var s float64
	for i, j := 0, 0; i < len(a) && j < len(b); {
		switch {
		case a[i].key == b[j].key:
			s += a[i].weight * b[j].weight
			i++
			j++
		case a[i].key < b[j].key:
			i++
		default:
			j++
		}
	}
	return s
}

func clamp(x float64) float64 {
	switch {
	case math.IsNaN(x), x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}
