package builder

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/kgengine/backend/internal/metrics"
	"github.com/kgengine/backend/internal/storage/models"
	"github.com/kgengine/backend/pkg/apperr"
	"github.com/kgengine/backend/pkg/logger"
)

// Batch is the output of one extraction run over a piece of captured
// content. Entities are addressed by a batch-local Ref; relationship
// endpoints and parents may name either a Ref or an existing entity id.
type Batch struct {
	SourceContentID string              `json:"source_content_id" validate:"required"`
	Entities        []EntityInput       `json:"entities"`
	Relationships   []RelationshipInput `json:"relationships"`
}

type EntityInput struct {
	Ref              string                  `json:"ref" validate:"required"`
	EntityType       models.EntityType       `json:"entity_type" validate:"required"`
	SourceContentID  string                  `json:"source_content_id,omitempty"`
	Parent           string                  `json:"parent,omitempty"`
	Name             string                  `json:"name" validate:"required"`
	Description      string                  `json:"description,omitempty"`
	Position         *models.Position        `json:"position,omitempty"`
	ConfidenceScore  float64                 `json:"confidence_score" validate:"gte=0,lte=1"`
	ExtractionMethod models.ExtractionMethod `json:"extraction_method,omitempty"`
	Metadata         map[string]any          `json:"metadata,omitempty"`
}

type RelationshipInput struct {
	Source           string                  `json:"source" validate:"required"`
	Target           string                  `json:"target" validate:"required"`
	RelationshipType models.RelationshipType `json:"relationship_type" validate:"required"`
	ConfidenceScore  float64                 `json:"confidence_score" validate:"gte=0,lte=1"`
	Strength         float64                 `json:"strength" validate:"gte=0,lte=1"`
	Bidirectional    bool                    `json:"bidirectional,omitempty"`
	Context          string                  `json:"context,omitempty"`
	ExtractionMethod models.ExtractionMethod `json:"extraction_method,omitempty"`
	Evidence         map[string]any          `json:"evidence,omitempty"`
	Metadata         map[string]any          `json:"metadata,omitempty"`
}

type ItemError struct {
	Item    string `json:"item"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type IngestResult struct {
	EntityIDs            map[string]string `json:"entity_ids"`
	EntitiesCreated      int               `json:"entities_created"`
	EntitiesMerged       int               `json:"entities_merged"`
	RelationshipsCreated int               `json:"relationships_created"`
	RelationshipsUpdated int               `json:"relationships_updated"`
	Errors               []ItemError       `json:"errors,omitempty"`
}

// Ingest writes a batch. Invalid items are skipped and reported; an internal
// store failure aborts the batch, leaving earlier items committed.
func (b *Builder) Ingest(ctx context.Context, batch *Batch) (*IngestResult, error) {
	const op = "Ingest"
	if strings.TrimSpace(batch.SourceContentID) == "" {
		return nil, apperr.Validation(op, "source_content_id is required")
	}

	res := &IngestResult{EntityIDs: make(map[string]string, len(batch.Entities))}
	var written []*models.Entity

	pending := make([]int, 0, len(batch.Entities))
	seen := make(map[string]bool, len(batch.Entities))
	for i, in := range batch.Entities {
		if in.Ref == "" || seen[in.Ref] {
			res.addError(fmt.Sprintf("entities[%d]", i), apperr.Validation(op, "entity ref %q is empty or duplicated", in.Ref))
			continue
		}
		seen[in.Ref] = true
		pending = append(pending, i)
	}

	// Parents may appear later in the batch than their children.
	for len(pending) > 0 {
		var deferred []int
		for _, i := range pending {
			in := batch.Entities[i]
			if in.Parent != "" && seen[in.Parent] && res.EntityIDs[in.Parent] == "" {
				deferred = append(deferred, i)
				continue
			}
			e, created, err := b.ingestEntity(ctx, batch.SourceContentID, in, res.EntityIDs)
			if err != nil {
				if apperr.Is(err, apperr.KindInternal) {
					return nil, err
				}
				res.addError("entity "+in.Ref, err)
				metrics.EntitiesIngested.WithLabelValues("rejected").Inc()
				continue
			}
			res.EntityIDs[in.Ref] = e.ID
			if created {
				res.EntitiesCreated++
				metrics.EntitiesIngested.WithLabelValues("created").Inc()
			} else {
				res.EntitiesMerged++
				metrics.EntitiesIngested.WithLabelValues("merged").Inc()
			}
			written = append(written, e)
		}
		if len(deferred) == len(pending) {
			for _, i := range deferred {
				in := batch.Entities[i]
				res.addError("entity "+in.Ref, apperr.Validation(op, "parent %q could not be written", in.Parent))
			}
			break
		}
		pending = deferred
	}

	var rels []*models.Relationship
	for i, in := range batch.Relationships {
		rel := &models.Relationship{
			SourceEntityID:   resolve(in.Source, res.EntityIDs),
			TargetEntityID:   resolve(in.Target, res.EntityIDs),
			RelationshipType: in.RelationshipType,
			ConfidenceScore:  in.ConfidenceScore,
			Strength:         in.Strength,
			Bidirectional:    in.Bidirectional,
			Context:          StripHTML(in.Context),
			ExtractionMethod: in.ExtractionMethod,
			Evidence:         in.Evidence,
			Metadata:         in.Metadata,
		}
		created, mirror, err := b.store.UpsertRelationship(ctx, rel)
		if err != nil {
			if apperr.Is(err, apperr.KindInternal) {
				return nil, err
			}
			res.addError(fmt.Sprintf("relationships[%d]", i), err)
			continue
		}
		if created {
			res.RelationshipsCreated++
		} else {
			res.RelationshipsUpdated++
		}
		rels = append(rels, rel)
		if mirror != nil {
			rels = append(rels, mirror)
		}
	}

	b.afterEntityWrites(ctx, written, true)
	b.syncRelationships(ctx, rels...)

	logger.Info("Extraction batch ingested",
		zap.String("source_content_id", batch.SourceContentID),
		zap.Int("entities_created", res.EntitiesCreated),
		zap.Int("entities_merged", res.EntitiesMerged),
		zap.Int("relationships_created", res.RelationshipsCreated),
		zap.Int("relationships_updated", res.RelationshipsUpdated),
		zap.Int("errors", len(res.Errors)),
	)

	return res, nil
}

// ingestEntity creates the entity or merges it into an existing one with the
// same (source, type, name). A merge keeps the higher confidence and adds
// metadata keys.
func (b *Builder) ingestEntity(ctx context.Context, batchSource string, in EntityInput, ids map[string]string) (*models.Entity, bool, error) {
	source := in.SourceContentID
	if source == "" {
		source = batchSource
	}
	name := strings.TrimSpace(in.Name)
	description := StripHTML(in.Description)

	existing, err := b.store.FindEntity(ctx, source, in.EntityType, name)
	if err != nil {
		return nil, false, err
	}

	if existing == nil {
		e := &models.Entity{
			EntityType:       in.EntityType,
			SourceContentID:  source,
			Name:             name,
			Description:      description,
			Position:         in.Position,
			ConfidenceScore:  in.ConfidenceScore,
			ExtractionMethod: in.ExtractionMethod,
			Metadata:         in.Metadata,
		}
		if in.Parent != "" {
			parent := resolve(in.Parent, ids)
			e.ParentEntityID = &parent
		}
		if err := b.store.CreateEntity(ctx, e); err != nil {
			return nil, false, err
		}
		return e, true, nil
	}

	var patch models.EntityPatch
	if in.ConfidenceScore > existing.ConfidenceScore {
		if err := models.ValidateScore("Ingest", "confidence_score", in.ConfidenceScore); err != nil {
			return nil, false, err
		}
		conf := in.ConfidenceScore
		patch.ConfidenceScore = &conf
		if description != "" && description != existing.Description {
			patch.Description = &description
		}
	}
	if existing.Description == "" && description != "" {
		patch.Description = &description
	}
	if len(in.Metadata) > 0 {
		patch.Metadata = in.Metadata
	}
	if patch.Empty() {
		return existing, false, nil
	}

	updated, err := b.store.UpdateEntity(ctx, existing.ID, patch)
	if err != nil {
		return nil, false, err
	}
	return updated, false, nil
}

func resolve(refOrID string, ids map[string]string) string {
	if id, ok := ids[refOrID]; ok {
		return id
	}
	return refOrID
}

func (r *IngestResult) addError(item string, err error) {
	r.Errors = append(r.Errors, ItemError{
		Item:    item,
		Code:    string(apperr.KindOf(err)),
		Message: apperr.PublicMessage(err),
	})
}

// StripHTML reduces captured markup to its text content with collapsed
// whitespace. Text without markup is returned unchanged.
func StripHTML(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return s
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.Join(strings.Fields(s), " ")
	}
	doc.Find("script, style, noscript").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}
