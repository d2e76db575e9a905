package models

import (
	"math"
	"strings"
	"time"

	"github.com/kgengine/backend/pkg/apperr"
)

// Position is an offset range into the source content. Its unit depends on
// the entity type: seconds for media, characters for text, lines for code.
type Position struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type Entity struct {
	ID               string           `json:"id"`
	EntityType       EntityType       `json:"entity_type"`
	SourceContentID  string           `json:"source_content_id"`
	ParentEntityID   *string          `json:"parent_entity_id,omitempty"`
	Name             string           `json:"name"`
	Description      string           `json:"description"`
	Position         *Position        `json:"position,omitempty"`
	ConfidenceScore  float64          `json:"confidence_score"`
	ExtractionMethod ExtractionMethod `json:"extraction_method"`
	Metadata         map[string]any   `json:"metadata,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Text is the content the similarity signal is computed from.
func (e *Entity) Text() string {
	if e.Description == "" {
		return e.Name
	}
	return e.Name + ". " + e.Description
}

// Domain is the explicit metadata "domain" label when present, otherwise the
// category of the entity type.
func (e *Entity) Domain() string {
	if v, ok := e.Metadata["domain"].(string); ok {
		if d := strings.TrimSpace(strings.ToLower(v)); d != "" {
			return d
		}
	}
	return e.EntityType.Category()
}

// Level reads the metadata "level" (or "difficulty") tag.
func (e *Entity) Level() Level {
	for _, key := range []string{"level", "difficulty"} {
		if v, ok := e.Metadata[key].(string); ok {
			if l := ParseLevel(v); l != LevelUnspecified {
				return l
			}
		}
	}
	return LevelUnspecified
}

func (e *Entity) Validate() error {
	const op = "ValidateEntity"
	if !e.EntityType.Valid() {
		return apperr.Validation(op, "unknown entity_type %q", e.EntityType)
	}
	if strings.TrimSpace(e.Name) == "" {
		return apperr.Validation(op, "name is required")
	}
	if strings.TrimSpace(e.SourceContentID) == "" {
		return apperr.Validation(op, "source_content_id is required")
	}
	if err := ValidateScore(op, "confidence_score", e.ConfidenceScore); err != nil {
		return err
	}
	if e.ExtractionMethod == "" {
		e.ExtractionMethod = ExtractionAI
	}
	if !e.ExtractionMethod.Valid() {
		return apperr.Validation(op, "unknown extraction_method %q", e.ExtractionMethod)
	}
	if e.Position != nil && e.Position.End < e.Position.Start {
		return apperr.Validation(op, "position end %.2f precedes start %.2f", e.Position.End, e.Position.Start)
	}
	if e.ParentEntityID != nil && *e.ParentEntityID == e.ID && e.ID != "" {
		return apperr.Validation(op, "entity cannot be its own parent")
	}
	return nil
}

type Relationship struct {
	ID               string           `json:"id"`
	SourceEntityID   string           `json:"source_entity_id"`
	TargetEntityID   string           `json:"target_entity_id"`
	RelationshipType RelationshipType `json:"relationship_type"`
	ConfidenceScore  float64          `json:"confidence_score"`
	Strength         float64          `json:"strength"`
	Bidirectional    bool             `json:"bidirectional"`
	Context          string           `json:"context,omitempty"`
	ExtractionMethod ExtractionMethod `json:"extraction_method"`
	Evidence         map[string]any   `json:"evidence,omitempty"`
	Metadata         map[string]any   `json:"metadata,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

func (r *Relationship) Validate() error {
	const op = "ValidateRelationship"
	if r.SourceEntityID == "" || r.TargetEntityID == "" {
		return apperr.Validation(op, "source_entity_id and target_entity_id are required")
	}
	if r.SourceEntityID == r.TargetEntityID {
		return apperr.Validation(op, "self-loop: source and target are both %s", r.SourceEntityID)
	}
	if !r.RelationshipType.Valid() {
		return apperr.Validation(op, "unknown relationship_type %q", r.RelationshipType)
	}
	if err := ValidateScore(op, "confidence_score", r.ConfidenceScore); err != nil {
		return err
	}
	if err := ValidateScore(op, "strength", r.Strength); err != nil {
		return err
	}
	if r.ExtractionMethod == "" {
		r.ExtractionMethod = ExtractionAI
	}
	if !r.ExtractionMethod.Valid() {
		return apperr.Validation(op, "unknown extraction_method %q", r.ExtractionMethod)
	}
	return nil
}

// Mirror returns the reverse edge of a bidirectional relationship. The id is
// left empty for the store to assign.
func (r *Relationship) Mirror() *Relationship {
	m := *r
	m.ID = ""
	m.SourceEntityID, m.TargetEntityID = r.TargetEntityID, r.SourceEntityID
	return &m
}

// Key is the uniqueness triple.
func (r *Relationship) Key() string {
	return r.SourceEntityID + "|" + r.TargetEntityID + "|" + string(r.RelationshipType)
}

func ValidateScore(op, field string, v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return apperr.Validation(op, "%s must be within [0,1], got %v", field, v)
	}
	return nil
}

// EntityPatch carries the mutable entity fields. Nil fields are left as is.
type EntityPatch struct {
	Name            *string        `json:"name,omitempty"`
	Description     *string        `json:"description,omitempty"`
	ConfidenceScore *float64       `json:"confidence_score,omitempty"`
	Position        *Position      `json:"position,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

func (p EntityPatch) Empty() bool {
	return p.Name == nil && p.Description == nil && p.ConfidenceScore == nil &&
		p.Position == nil && p.Metadata == nil
}

type RelationshipPatch struct {
	ConfidenceScore *float64       `json:"confidence_score,omitempty"`
	Strength        *float64       `json:"strength,omitempty"`
	Context         *string        `json:"context,omitempty"`
	Evidence        map[string]any `json:"evidence,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

func (p RelationshipPatch) Empty() bool {
	return p.ConfidenceScore == nil && p.Strength == nil && p.Context == nil &&
		p.Evidence == nil && p.Metadata == nil
}

type EntityFilter struct {
	Types           []EntityType
	SourceContentID string
	ParentEntityID  string
	MinConfidence   float64
	Limit           int
	Offset          int
}

type RelationshipFilter struct {
	Types         []RelationshipType
	EntityID      string
	MinConfidence float64
	Limit         int
}

type DeleteResult struct {
	EntityIDs       []string `json:"deleted_entity_ids"`
	RelationshipIDs []string `json:"deleted_relationship_ids"`
	DetachedIDs     []string `json:"detached_entity_ids,omitempty"`
}
