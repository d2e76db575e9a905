package builder

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kgengine/backend/internal/cache/redis"
	"github.com/kgengine/backend/internal/metrics"
	"github.com/kgengine/backend/internal/storage/models"
	"github.com/kgengine/backend/internal/vector/zilliz"
	"github.com/kgengine/backend/pkg/logger"
	"github.com/kgengine/backend/pkg/utils"
)

const embeddingCacheTTL = 30 * 24 * time.Hour

// Store is the source of truth all writes go through first.
type Store interface {
	CreateEntity(ctx context.Context, e *models.Entity) error
	GetEntity(ctx context.Context, id string) (*models.Entity, error)
	FindEntity(ctx context.Context, sourceContentID string, entityType models.EntityType, name string) (*models.Entity, error)
	UpdateEntity(ctx context.Context, id string, patch models.EntityPatch) (*models.Entity, error)
	DeleteEntity(ctx context.Context, id string, cascade bool) (*models.DeleteResult, error)
	CreateRelationship(ctx context.Context, rel *models.Relationship) (*models.Relationship, error)
	UpsertRelationship(ctx context.Context, rel *models.Relationship) (bool, *models.Relationship, error)
	UpdateRelationship(ctx context.Context, id string, patch models.RelationshipPatch) (*models.Relationship, error)
	DeleteRelationship(ctx context.Context, id string, includeMirror bool) ([]string, error)
	SaveEmbedding(ctx context.Context, entityID, model string, vec []float32) error
}

type Embedder interface {
	Model() string
	GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

type VectorIndex interface {
	Upsert(ctx context.Context, vectors []zilliz.EntityVector) error
	Delete(ctx context.Context, entityIDs []string) error
}

type Projection interface {
	SyncEntity(ctx context.Context, e *models.Entity) error
	SyncRelationship(ctx context.Context, rel *models.Relationship) error
	DeleteEntities(ctx context.Context, ids []string) error
	DeleteRelationships(ctx context.Context, ids []string) error
}

// Builder coordinates writes: the store first, then embeddings, the vector
// index and the Neo4j projection. Only store failures fail a write.
type Builder struct {
	store      Store
	embedder   Embedder
	vectors    VectorIndex
	projection Projection
	cache      redis.Cache
}

type Option func(*Builder)

func WithEmbedder(e Embedder) Option { return func(b *Builder) { b.embedder = e } }

func WithVectorIndex(v VectorIndex) Option { return func(b *Builder) { b.vectors = v } }

func WithProjection(p Projection) Option { return func(b *Builder) { b.projection = p } }

func WithCache(c redis.Cache) Option { return func(b *Builder) { b.cache = c } }

func NewBuilder(store Store, opts ...Option) *Builder {
	b := &Builder{store: store}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Builder) CreateEntity(ctx context.Context, e *models.Entity) error {
	e.Description = StripHTML(e.Description)
	if err := b.store.CreateEntity(ctx, e); err != nil {
		return err
	}
	b.afterEntityWrites(ctx, []*models.Entity{e}, true)
	return nil
}

func (b *Builder) UpdateEntity(ctx context.Context, id string, patch models.EntityPatch) (*models.Entity, error) {
	if patch.Description != nil {
		d := StripHTML(*patch.Description)
		patch.Description = &d
	}
	e, err := b.store.UpdateEntity(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	b.afterEntityWrites(ctx, []*models.Entity{e}, patch.Name != nil || patch.Description != nil)
	return e, nil
}

func (b *Builder) DeleteEntity(ctx context.Context, id string, cascade bool) (*models.DeleteResult, error) {
	res, err := b.store.DeleteEntity(ctx, id, cascade)
	if err != nil {
		return nil, err
	}
	if b.vectors != nil {
		if err := b.vectors.Delete(ctx, res.EntityIDs); err != nil {
			projectionFailed("milvus", err, zap.Strings("entity_ids", res.EntityIDs))
		}
	}
	if b.projection != nil {
		if err := b.projection.DeleteEntities(ctx, res.EntityIDs); err != nil {
			projectionFailed("neo4j", err, zap.Strings("entity_ids", res.EntityIDs))
		}
		for _, childID := range res.DetachedIDs {
			b.syncEntityByID(ctx, childID)
		}
	}
	return res, nil
}

// CreateRelationship stores rel and returns the mirror written alongside it,
// if any.
func (b *Builder) CreateRelationship(ctx context.Context, rel *models.Relationship) (*models.Relationship, error) {
	mirror, err := b.store.CreateRelationship(ctx, rel)
	if err != nil {
		return nil, err
	}
	b.syncRelationships(ctx, rel, mirror)
	return mirror, nil
}

func (b *Builder) UpdateRelationship(ctx context.Context, id string, patch models.RelationshipPatch) (*models.Relationship, error) {
	rel, err := b.store.UpdateRelationship(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	b.syncRelationships(ctx, rel)
	return rel, nil
}

func (b *Builder) DeleteRelationship(ctx context.Context, id string, includeMirror bool) ([]string, error) {
	ids, err := b.store.DeleteRelationship(ctx, id, includeMirror)
	if err != nil {
		return nil, err
	}
	if b.projection != nil {
		if err := b.projection.DeleteRelationships(ctx, ids); err != nil {
			projectionFailed("neo4j", err, zap.Strings("relationship_ids", ids))
		}
	}
	return ids, nil
}

func (b *Builder) syncRelationships(ctx context.Context, rels ...*models.Relationship) {
	if b.projection == nil {
		return
	}
	for _, rel := range rels {
		if rel == nil {
			continue
		}
		if err := b.projection.SyncRelationship(ctx, rel); err != nil {
			projectionFailed("neo4j", err, zap.String("relationship_id", rel.ID))
		}
	}
}

func (b *Builder) syncEntityByID(ctx context.Context, id string) {
	e, err := b.store.GetEntity(ctx, id)
	if err != nil {
		logger.Warn("Failed to reload entity for projection", zap.String("entity_id", id), zap.Error(err))
		return
	}
	if err := b.projection.SyncEntity(ctx, e); err != nil {
		projectionFailed("neo4j", err, zap.String("entity_id", id))
	}
}

// afterEntityWrites projects entities that were already committed. When
// textChanged is set their embeddings are regenerated.
func (b *Builder) afterEntityWrites(ctx context.Context, entities []*models.Entity, textChanged bool) {
	if len(entities) == 0 {
		return
	}
	if b.projection != nil {
		for _, e := range entities {
			if err := b.projection.SyncEntity(ctx, e); err != nil {
				projectionFailed("neo4j", err, zap.String("entity_id", e.ID))
			}
		}
	}
	if textChanged && b.embedder != nil {
		b.embed(ctx, entities)
	}
}

func (b *Builder) embed(ctx context.Context, entities []*models.Entity) {
	model := b.embedder.Model()
	vecs := make([][]float32, len(entities))

	var (
		missing []int
		texts   []string
	)
	for i, e := range entities {
		text := e.Text()
		if b.cache != nil {
			vec, ok, err := b.cache.GetEmbedding(ctx, embeddingKey(model, text))
			if err != nil {
				logger.Warn("Embedding cache read failed", zap.Error(err))
			}
			if ok {
				metrics.CacheHits.WithLabelValues("embedding").Inc()
				vecs[i] = vec
				continue
			}
			metrics.CacheMisses.WithLabelValues("embedding").Inc()
		}
		missing = append(missing, i)
		texts = append(texts, text)
	}

	if len(texts) > 0 {
		generated, err := b.embedder.GenerateBatchEmbeddings(ctx, texts)
		if err != nil {
			projectionFailed("embeddings", err, zap.Int("count", len(texts)))
			return
		}
		for j, i := range missing {
			vecs[i] = generated[j]
			if b.cache != nil {
				if err := b.cache.SetEmbedding(ctx, embeddingKey(model, texts[j]), generated[j], embeddingCacheTTL); err != nil {
					logger.Warn("Embedding cache write failed", zap.Error(err))
				}
			}
		}
	}

	indexed := make([]zilliz.EntityVector, 0, len(entities))
	for i, e := range entities {
		if len(vecs[i]) == 0 {
			continue
		}
		if err := b.store.SaveEmbedding(ctx, e.ID, model, vecs[i]); err != nil {
			logger.Error("Failed to save embedding", zap.String("entity_id", e.ID), zap.Error(err))
			continue
		}
		indexed = append(indexed, zilliz.EntityVector{
			EntityID:   e.ID,
			EntityType: string(e.EntityType),
			Embedding:  vecs[i],
		})
	}

	if b.vectors != nil && len(indexed) > 0 {
		if err := b.vectors.Upsert(ctx, indexed); err != nil {
			projectionFailed("milvus", err, zap.Int("count", len(indexed)))
		}
	}
}

func embeddingKey(model, text string) string {
	return utils.HashString(model + "\x00" + text)
}

func projectionFailed(target string, err error, fields ...zap.Field) {
	metrics.ProjectionFailures.WithLabelValues(target).Inc()
	logger.Error("Projection write failed", append(fields, zap.String("target", target), zap.Error(err))...)
}
