package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kgengine/backend/internal/storage/models"
	"github.com/kgengine/backend/pkg/apperr"
)

// Dataset is every entity, relationship and embedding read inside a single
// transaction.
type Dataset struct {
	Version       int64
	Entities      []models.Entity
	Relationships []models.Relationship
	Embeddings    map[string][]float32
	LoadedAt      time.Time
}

func (c *Client) Snapshot(ctx context.Context) (*Dataset, error) {
	const op = "Snapshot"
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, apperr.Internal(op, fmt.Errorf("failed to begin read transaction: %w", err))
	}
	defer tx.Rollback()

	ds := &Dataset{
		Version:    c.Version(),
		Embeddings: make(map[string][]float32),
		LoadedAt:   now(),
	}

	rows, err := tx.QueryContext(ctx, `SELECT `+entityColumns+` FROM entities ORDER BY id`)
	if err != nil {
		return nil, apperr.Internal(op, fmt.Errorf("failed to read entities: %w", err))
	}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			rows.Close()
			return nil, apperr.Internal(op, fmt.Errorf("failed to scan entity: %w", err))
		}
		ds.Entities = append(ds.Entities, *e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(op, err)
	}

	rows, err = tx.QueryContext(ctx, `SELECT `+relationshipColumns+` FROM relationships ORDER BY id`)
	if err != nil {
		return nil, apperr.Internal(op, fmt.Errorf("failed to read relationships: %w", err))
	}
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			rows.Close()
			return nil, apperr.Internal(op, fmt.Errorf("failed to scan relationship: %w", err))
		}
		ds.Relationships = append(ds.Relationships, *r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(op, err)
	}

	rows, err = tx.QueryContext(ctx, `SELECT entity_id, embedding FROM entity_embeddings`)
	if err != nil {
		return nil, apperr.Internal(op, fmt.Errorf("failed to read embeddings: %w", err))
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id  string
			raw string
			vec []float32
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, apperr.Internal(op, fmt.Errorf("failed to scan embedding: %w", err))
		}
		if err := json.Unmarshal([]byte(raw), &vec); err != nil {
			return nil, apperr.Internal(op, fmt.Errorf("failed to decode embedding for %s: %w", id, err))
		}
		ds.Embeddings[id] = vec
	}
	return ds, apperr.Internal(op, rows.Err())
}

// SaveEmbedding stores the vector for an entity, replacing any previous one.
func (c *Client) SaveEmbedding(ctx context.Context, entityID, model string, vec []float32) error {
	const op = "SaveEmbedding"
	if len(vec) == 0 {
		return apperr.Validation(op, "embedding for %s is empty", entityID)
	}
	data, err := json.Marshal(vec)
	if err != nil {
		return apperr.Internal(op, err)
	}
	return c.withTx(ctx, op, func(tx *sql.Tx) error {
		ok, err := exists(ctx, tx, "entities", entityID)
		if err != nil {
			return apperr.Internal(op, err)
		}
		if !ok {
			return apperr.NotFound(op, "entity %s not found", entityID)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO entity_embeddings (entity_id, model, embedding, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(entity_id) DO UPDATE SET
				model = excluded.model,
				embedding = excluded.embedding,
				updated_at = excluded.updated_at`,
			entityID, model, string(data), now().UnixMilli())
		if err != nil {
			return apperr.Internal(op, fmt.Errorf("failed to save embedding: %w", err))
		}
		return nil
	})
}

// GetEmbedding returns the stored vector or nil when the entity has none.
func (c *Client) GetEmbedding(ctx context.Context, entityID string) ([]float32, error) {
	var raw string
	err := c.db.QueryRowContext(ctx, `SELECT embedding FROM entity_embeddings WHERE entity_id = ?`, entityID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Internal("GetEmbedding", err)
	}
	var vec []float32
	if err := json.Unmarshal([]byte(raw), &vec); err != nil {
		return nil, apperr.Internal("GetEmbedding", err)
	}
	return vec, nil
}
