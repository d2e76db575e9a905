// Package graphtest builds small snapshots for tests.
package graphtest

import (
	"fmt"

	"github.com/kgengine/backend/internal/kg/graph"
	"github.com/kgengine/backend/internal/storage/models"
	"github.com/kgengine/backend/internal/storage/sqlite"
)

type Builder struct {
	version    int64
	entities   []models.Entity
	rels       []models.Relationship
	embeddings map[string][]float32
}

func New() *Builder {
	return &Builder{embeddings: make(map[string][]float32)}
}

func (b *Builder) Version(v int64) *Builder {
	b.version = v
	return b
}

// Entity adds a knowledge concept. kv pairs are stored as metadata.
func (b *Builder) Entity(id, name, description string, kv ...string) *Builder {
	return b.TypedEntity(id, models.EntityKnowledgeConcept, name, description, kv...)
}

func (b *Builder) TypedEntity(id string, t models.EntityType, name, description string, kv ...string) *Builder {
	meta := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		meta[kv[i]] = kv[i+1]
	}
	b.entities = append(b.entities, models.Entity{
		ID:               id,
		EntityType:       t,
		SourceContentID:  "test",
		Name:             name,
		Description:      description,
		ConfidenceScore:  0.9,
		ExtractionMethod: models.ExtractionManual,
		Metadata:         meta,
	})
	return b
}

// Confidence overrides the confidence of the most recently added entity.
func (b *Builder) Confidence(c float64) *Builder {
	b.entities[len(b.entities)-1].ConfidenceScore = c
	return b
}

func (b *Builder) Edge(source, target string, t models.RelationshipType, confidence, strength float64) *Builder {
	b.rels = append(b.rels, models.Relationship{
		ID:               fmt.Sprintf("%s-%s-%s", source, t, target),
		SourceEntityID:   source,
		TargetEntityID:   target,
		RelationshipType: t,
		ConfidenceScore:  confidence,
		Strength:         strength,
		ExtractionMethod: models.ExtractionManual,
	})
	return b
}

// Both adds an edge and its mirror.
func (b *Builder) Both(a, c string, t models.RelationshipType, confidence, strength float64) *Builder {
	b.Edge(a, c, t, confidence, strength)
	b.Edge(c, a, t, confidence, strength)
	b.rels[len(b.rels)-1].Bidirectional = true
	b.rels[len(b.rels)-2].Bidirectional = true
	return b
}

func (b *Builder) Embedding(id string, vec ...float32) *Builder {
	b.embeddings[id] = vec
	return b
}

func (b *Builder) Snapshot() *graph.Snapshot {
	return graph.New(b.version, b.entities, b.rels, b.embeddings)
}

// Dataset returns the same content in the shape the store produces.
func (b *Builder) Dataset() *sqlite.Dataset {
	return &sqlite.Dataset{
		Version:       b.version,
		Entities:      append([]models.Entity(nil), b.entities...),
		Relationships: append([]models.Relationship(nil), b.rels...),
		Embeddings:    b.embeddings,
	}
}
