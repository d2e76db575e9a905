package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/kgengine/backend/internal/metrics"
	"github.com/kgengine/backend/internal/storage/models"
	"github.com/kgengine/backend/pkg/circuitbreaker"
	"github.com/kgengine/backend/pkg/logger"
	"github.com/kgengine/backend/pkg/retry"
)

// Client mirrors entities and relationships into Neo4j for exploration with
// Cypher. SQLite stays the source of truth; the projection is rebuilt by
// re-syncing.
type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewClient(ctx context.Context, uri, username, password, database string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OnStateChange:    metrics.BreakerStateChanged,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	if database == "" {
		database = "neo4j"
	}

	logger.Info("Neo4j client initialized", zap.String("uri", uri), zap.String("database", database))

	return &Client{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) Ping(ctx context.Context) error {
	return c.driver.VerifyConnectivity(ctx)
}

// EnsureConstraints creates the uniqueness constraints the MERGE statements
// rely on.
func (c *Client) EnsureConstraints(ctx context.Context) error {
	return c.run(ctx, "CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (e:Entity) REQUIRE e.id IS UNIQUE", nil)
}

func (c *Client) run(ctx context.Context, query string, params map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{
				DatabaseName: c.database,
				AccessMode:   neo4j.AccessModeWrite,
			})
			defer session.Close(ctx)

			result, err := session.Run(ctx, query, params)
			if err != nil {
				return err
			}
			_, err = result.Consume(ctx)
			return err
		})
	})
}

func (c *Client) SyncEntity(ctx context.Context, e *models.Entity) error {
	query := `
		MERGE (e:Entity {id: $id})
		SET e.name = $name,
		    e.entity_type = $entity_type,
		    e.source_content_id = $source_content_id,
		    e.description = $description,
		    e.confidence = $confidence,
		    e.domain = $domain,
		    e.updated_at = timestamp()
		WITH e
		OPTIONAL MATCH (e)-[old:CHILD_OF]->()
		DELETE old
		WITH e
		OPTIONAL MATCH (p:Entity {id: $parent_id})
		FOREACH (_ IN CASE WHEN p IS NULL THEN [] ELSE [1] END |
			MERGE (e)-[:CHILD_OF]->(p))
	`

	parentID := ""
	if e.ParentEntityID != nil {
		parentID = *e.ParentEntityID
	}

	err := c.run(ctx, query, map[string]any{
		"id":                e.ID,
		"name":              e.Name,
		"entity_type":       string(e.EntityType),
		"source_content_id": e.SourceContentID,
		"description":       e.Description,
		"confidence":        e.ConfidenceScore,
		"domain":            e.Domain(),
		"parent_id":         parentID,
	})
	if err != nil {
		return fmt.Errorf("failed to sync entity: %w", err)
	}

	logger.Debug("Entity synced to Neo4j", zap.String("entity_id", e.ID), zap.String("name", e.Name))

	return nil
}

func (c *Client) SyncRelationship(ctx context.Context, rel *models.Relationship) error {
	query := `
		MATCH (s:Entity {id: $source_id})
		MATCH (t:Entity {id: $target_id})
		MERGE (s)-[r:RELATES {id: $id}]->(t)
		SET r.type = $type,
		    r.family = $family,
		    r.confidence = $confidence,
		    r.strength = $strength,
		    r.bidirectional = $bidirectional,
		    r.updated_at = timestamp()
	`

	err := c.run(ctx, query, map[string]any{
		"id":            rel.ID,
		"source_id":     rel.SourceEntityID,
		"target_id":     rel.TargetEntityID,
		"type":          string(rel.RelationshipType),
		"family":        string(rel.RelationshipType.Family()),
		"confidence":    rel.ConfidenceScore,
		"strength":      rel.Strength,
		"bidirectional": rel.Bidirectional,
	})
	if err != nil {
		return fmt.Errorf("failed to sync relationship: %w", err)
	}

	logger.Debug("Relationship synced to Neo4j",
		zap.String("relationship_id", rel.ID),
		zap.String("source", rel.SourceEntityID),
		zap.String("type", string(rel.RelationshipType)),
		zap.String("target", rel.TargetEntityID),
	)

	return nil
}

func (c *Client) DeleteEntities(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := c.run(ctx, "MATCH (e:Entity) WHERE e.id IN $ids DETACH DELETE e", map[string]any{"ids": ids})
	if err != nil {
		return fmt.Errorf("failed to delete entities: %w", err)
	}
	return nil
}

func (c *Client) DeleteRelationships(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := c.run(ctx, "MATCH ()-[r:RELATES]->() WHERE r.id IN $ids DELETE r", map[string]any{"ids": ids})
	if err != nil {
		return fmt.Errorf("failed to delete relationships: %w", err)
	}
	return nil
}
