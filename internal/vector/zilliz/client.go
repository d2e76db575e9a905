package zilliz

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/kgengine/backend/internal/metrics"
	"github.com/kgengine/backend/pkg/circuitbreaker"
	"github.com/kgengine/backend/pkg/logger"
)

const (
	fieldEntityID   = "entity_id"
	fieldEmbedding  = "embedding"
	fieldEntityType = "entity_type"
)

// Client keeps one vector per entity so suggestion candidates can be
// narrowed to the nearest neighbours before exact scoring.
type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
	cb             *circuitbreaker.CircuitBreaker
}

type EntityVector struct {
	EntityID   string
	EntityType string
	Embedding  []float32
}

type Match struct {
	EntityID string
	Score    float32
}

func NewClient(ctx context.Context, endpoint, collectionName string, vectorDim int) (*Client, error) {
	if vectorDim <= 0 {
		return nil, fmt.Errorf("invalid vector dimension: %d", vectorDim)
	}

	c, err := client.NewGrpcClient(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
		cb: circuitbreaker.NewCircuitBreaker("milvus", circuitbreaker.Config{
			MaxRequests:      3,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OnStateChange:    metrics.BreakerStateChanged,
			Logger:           logger.GetLogger(),
		}),
	}, nil
}

func (z *Client) Close() error {
	return z.client.Close()
}

func (z *Client) CreateCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", z.collectionName))
		return z.client.LoadCollection(ctx, z.collectionName, false)
	}

	schema := &entity.Schema{
		CollectionName: z.collectionName,
		Description:    "Knowledge graph entity embeddings",
		Fields: []*entity.Field{
			{
				Name:       fieldEntityID,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     fieldEmbedding,
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": strconv.Itoa(z.vectorDim),
				},
			},
			{
				Name:     fieldEntityType,
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
		},
	}

	if err := z.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.IP, 1024)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	if err := z.client.CreateIndex(ctx, z.collectionName, fieldEmbedding, idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := z.client.LoadCollection(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", z.collectionName))

	return nil
}

// Upsert replaces the vectors of the given entities.
func (z *Client) Upsert(ctx context.Context, vectors []EntityVector) error {
	if len(vectors) == 0 {
		return nil
	}

	ids := make([]string, len(vectors))
	types := make([]string, len(vectors))
	embeddings := make([][]float32, len(vectors))

	for i, v := range vectors {
		if len(v.Embedding) != z.vectorDim {
			return fmt.Errorf("entity %s: embedding has %d dimensions, want %d", v.EntityID, len(v.Embedding), z.vectorDim)
		}
		ids[i] = v.EntityID
		types[i] = v.EntityType
		embeddings[i] = v.Embedding
	}

	err := z.cb.Execute(ctx, func() error {
		if err := z.delete(ctx, ids); err != nil {
			return err
		}
		_, err := z.client.Insert(
			ctx,
			z.collectionName,
			"",
			entity.NewColumnVarChar(fieldEntityID, ids),
			entity.NewColumnFloatVector(fieldEmbedding, z.vectorDim, embeddings),
			entity.NewColumnVarChar(fieldEntityType, types),
		)
		if err != nil {
			return fmt.Errorf("failed to insert vectors: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Debug("Entity vectors upserted", zap.Int("count", len(vectors)))

	return nil
}

func (z *Client) Delete(ctx context.Context, entityIDs []string) error {
	if len(entityIDs) == 0 {
		return nil
	}
	return z.cb.Execute(ctx, func() error { return z.delete(ctx, entityIDs) })
}

func (z *Client) delete(ctx context.Context, entityIDs []string) error {
	if err := z.client.Delete(ctx, z.collectionName, "", inExpr(fieldEntityID, entityIDs)); err != nil {
		return fmt.Errorf("failed to delete vectors: %w", err)
	}
	return nil
}

// Search returns up to topK entities nearest to the query vector, optionally
// restricted to the given entity types.
func (z *Client) Search(ctx context.Context, query []float32, topK int, entityTypes []string) ([]Match, error) {
	if topK <= 0 {
		return nil, nil
	}

	expr := ""
	if len(entityTypes) > 0 {
		expr = inExpr(fieldEntityType, entityTypes)
	}

	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	var searchResult []client.SearchResult
	err = z.cb.Execute(ctx, func() error {
		var err error
		searchResult, err = z.client.Search(
			ctx,
			z.collectionName,
			[]string{},
			expr,
			[]string{fieldEntityID},
			[]entity.Vector{entity.FloatVector(query)},
			fieldEmbedding,
			entity.IP,
			topK,
			sp,
		)
		if err != nil {
			return fmt.Errorf("failed to search: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, topK)
	for _, sr := range searchResult {
		idCol := sr.Fields.GetColumn(fieldEntityID)
		if idCol == nil {
			continue
		}
		for i := 0; i < sr.ResultCount; i++ {
			raw, err := idCol.Get(i)
			if err != nil {
				return nil, fmt.Errorf("failed to read search result: %w", err)
			}
			id, ok := raw.(string)
			if !ok {
				continue
			}
			matches = append(matches, Match{EntityID: id, Score: sr.Scores[i]})
		}
	}

	logger.Debug("Vector search completed",
		zap.Int("topK", topK),
		zap.Int("results", len(matches)),
		zap.String("filter", expr),
	)

	return matches, nil
}

func inExpr(field string, values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = strconv.Quote(v)
	}
	return fmt.Sprintf("%s in [%s]", field, strings.Join(quoted, ","))
}
