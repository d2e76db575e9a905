package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kgengine/backend/internal/storage/models"
	"github.com/kgengine/backend/pkg/apperr"
	"github.com/kgengine/backend/pkg/logger"
)

const relationshipColumns = `id, source_entity_id, target_entity_id, relationship_type, confidence_score,
	strength, bidirectional, context, extraction_method, evidence, metadata, created_at, updated_at`

func scanRelationship(row rowScanner) (*models.Relationship, error) {
	var (
		r                    models.Relationship
		bidirectional        int
		evidence, metadata   sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&r.ID,
		&r.SourceEntityID,
		&r.TargetEntityID,
		&r.RelationshipType,
		&r.ConfidenceScore,
		&r.Strength,
		&bidirectional,
		&r.Context,
		&r.ExtractionMethod,
		&evidence,
		&metadata,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Bidirectional = bidirectional != 0
	if r.Evidence, err = decodeMap(evidence); err != nil {
		return nil, err
	}
	if r.Metadata, err = decodeMap(metadata); err != nil {
		return nil, err
	}
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	r.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CreateRelationship inserts rel. An existing (source, target, type) triple is
// a conflict. When rel is bidirectional the reverse edge is written in the
// same transaction and returned; an existing reverse edge is updated in place.
func (c *Client) CreateRelationship(ctx context.Context, rel *models.Relationship) (*models.Relationship, error) {
	const op = "CreateRelationship"
	if err := rel.Validate(); err != nil {
		return nil, err
	}
	if rel.ID == "" {
		rel.ID = newID()
	}

	var mirror *models.Relationship
	err := c.withTx(ctx, op, func(tx *sql.Tx) error {
		if err := checkEndpoints(ctx, tx, op, rel); err != nil {
			return err
		}
		if err := insertRelationship(ctx, tx, rel); err != nil {
			if isUniqueViolation(err) {
				return apperr.Conflict(op, "relationship %s -[%s]-> %s already exists",
					rel.SourceEntityID, rel.RelationshipType, rel.TargetEntityID)
			}
			return apperr.Internal(op, fmt.Errorf("failed to insert relationship: %w", err))
		}
		if !rel.Bidirectional {
			return nil
		}
		m, err := upsertRelationship(ctx, tx, rel.Mirror())
		if err != nil {
			return apperr.Internal(op, fmt.Errorf("failed to write mirror: %w", err))
		}
		mirror = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("Relationship created",
		zap.String("relationship_id", rel.ID),
		zap.String("type", string(rel.RelationshipType)),
		zap.Bool("bidirectional", rel.Bidirectional),
	)
	return mirror, nil
}

// UpsertRelationship creates rel or updates the existing edge with the same
// triple. rel.ID is set to the stored id. created reports whether a new row
// was inserted.
func (c *Client) UpsertRelationship(ctx context.Context, rel *models.Relationship) (created bool, mirror *models.Relationship, err error) {
	const op = "UpsertRelationship"
	if err := rel.Validate(); err != nil {
		return false, nil, err
	}

	err = c.withTx(ctx, op, func(tx *sql.Tx) error {
		if err := checkEndpoints(ctx, tx, op, rel); err != nil {
			return err
		}
		existing, err := relationshipByTriple(ctx, tx, rel.SourceEntityID, rel.TargetEntityID, rel.RelationshipType)
		if err != nil {
			return apperr.Internal(op, err)
		}
		created = existing == nil

		stored, err := upsertRelationship(ctx, tx, rel)
		if err != nil {
			return apperr.Internal(op, fmt.Errorf("failed to upsert relationship: %w", err))
		}
		*rel = *stored

		if rel.Bidirectional {
			if mirror, err = upsertRelationship(ctx, tx, rel.Mirror()); err != nil {
				return apperr.Internal(op, fmt.Errorf("failed to write mirror: %w", err))
			}
		}
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	return created, mirror, nil
}

func checkEndpoints(ctx context.Context, tx *sql.Tx, op string, rel *models.Relationship) error {
	for _, id := range []string{rel.SourceEntityID, rel.TargetEntityID} {
		ok, err := exists(ctx, tx, "entities", id)
		if err != nil {
			return apperr.Internal(op, err)
		}
		if !ok {
			return apperr.NotFound(op, "entity %s not found", id)
		}
	}
	return nil
}

func insertRelationship(ctx context.Context, tx *sql.Tx, rel *models.Relationship) error {
	evidence, err := encodeMap(rel.Evidence)
	if err != nil {
		return err
	}
	metadata, err := encodeMap(rel.Metadata)
	if err != nil {
		return err
	}
	ts := now()
	rel.CreatedAt, rel.UpdatedAt = ts, ts

	_, err = tx.ExecContext(ctx, `INSERT INTO relationships (`+relationshipColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rel.ID,
		rel.SourceEntityID,
		rel.TargetEntityID,
		rel.RelationshipType,
		rel.ConfidenceScore,
		rel.Strength,
		boolInt(rel.Bidirectional),
		rel.Context,
		rel.ExtractionMethod,
		evidence,
		metadata,
		ts.UnixMilli(),
		ts.UnixMilli(),
	)
	return err
}

// upsertRelationship writes rel keyed by its triple and returns the stored row.
func upsertRelationship(ctx context.Context, tx *sql.Tx, rel *models.Relationship) (*models.Relationship, error) {
	if rel.ID == "" {
		rel.ID = newID()
	}
	evidence, err := encodeMap(rel.Evidence)
	if err != nil {
		return nil, err
	}
	metadata, err := encodeMap(rel.Metadata)
	if err != nil {
		return nil, err
	}
	ts := now().UnixMilli()

	_, err = tx.ExecContext(ctx, `INSERT INTO relationships (`+relationshipColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_entity_id, target_entity_id, relationship_type) DO UPDATE SET
			confidence_score = excluded.confidence_score,
			strength = excluded.strength,
			bidirectional = excluded.bidirectional,
			context = excluded.context,
			extraction_method = excluded.extraction_method,
			evidence = excluded.evidence,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		rel.ID,
		rel.SourceEntityID,
		rel.TargetEntityID,
		rel.RelationshipType,
		rel.ConfidenceScore,
		rel.Strength,
		boolInt(rel.Bidirectional),
		rel.Context,
		rel.ExtractionMethod,
		evidence,
		metadata,
		ts,
		ts,
	)
	if err != nil {
		return nil, err
	}
	stored, err := relationshipByTriple(ctx, tx, rel.SourceEntityID, rel.TargetEntityID, rel.RelationshipType)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("relationship %s vanished after upsert", rel.Key())
	}
	return stored, nil
}

func relationshipByTriple(ctx context.Context, tx *sql.Tx, source, target string, rt models.RelationshipType) (*models.Relationship, error) {
	r, err := scanRelationship(tx.QueryRowContext(ctx, `SELECT `+relationshipColumns+` FROM relationships
		WHERE source_entity_id = ? AND target_entity_id = ? AND relationship_type = ?`, source, target, rt))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (c *Client) GetRelationship(ctx context.Context, id string) (*models.Relationship, error) {
	const op = "GetRelationship"
	r, err := scanRelationship(c.db.QueryRowContext(ctx, `SELECT `+relationshipColumns+` FROM relationships WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(op, "relationship %s not found", id)
	}
	if err != nil {
		return nil, apperr.Internal(op, fmt.Errorf("failed to get relationship: %w", err))
	}
	return r, nil
}

func (c *Client) ListRelationships(ctx context.Context, f models.RelationshipFilter) ([]models.Relationship, error) {
	const op = "ListRelationships"
	var (
		where []string
		args  []any
	)
	if len(f.Types) > 0 {
		where = append(where, "relationship_type IN ("+placeholders(len(f.Types))+")")
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	if f.EntityID != "" {
		where = append(where, "(source_entity_id = ? OR target_entity_id = ?)")
		args = append(args, f.EntityID, f.EntityID)
	}
	if f.MinConfidence > 0 {
		where = append(where, "confidence_score >= ?")
		args = append(args, f.MinConfidence)
	}

	query := `SELECT ` + relationshipColumns + ` FROM relationships`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY confidence_score DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Internal(op, fmt.Errorf("failed to list relationships: %w", err))
	}
	defer rows.Close()

	var rels []models.Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, apperr.Internal(op, fmt.Errorf("failed to scan row: %w", err))
		}
		rels = append(rels, *r)
	}
	return rels, apperr.Internal(op, rows.Err())
}

// UpdateRelationship applies patch. Score changes on a bidirectional edge are
// carried over to its mirror so both directions stay symmetric.
func (c *Client) UpdateRelationship(ctx context.Context, id string, patch models.RelationshipPatch) (*models.Relationship, error) {
	const op = "UpdateRelationship"
	if patch.Empty() {
		return nil, apperr.Validation(op, "no fields to update")
	}

	var updated *models.Relationship
	err := c.withTx(ctx, op, func(tx *sql.Tx) error {
		r, err := scanRelationship(tx.QueryRowContext(ctx, `SELECT `+relationshipColumns+` FROM relationships WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound(op, "relationship %s not found", id)
		}
		if err != nil {
			return apperr.Internal(op, err)
		}

		if patch.ConfidenceScore != nil {
			r.ConfidenceScore = *patch.ConfidenceScore
		}
		if patch.Strength != nil {
			r.Strength = *patch.Strength
		}
		if patch.Context != nil {
			r.Context = *patch.Context
		}
		if patch.Evidence != nil {
			r.Evidence = patch.Evidence
		}
		if patch.Metadata != nil {
			r.Metadata = patch.Metadata
		}
		if err := r.Validate(); err != nil {
			return err
		}

		evidence, err := encodeMap(r.Evidence)
		if err != nil {
			return apperr.Validation(op, "evidence: %v", err)
		}
		metadata, err := encodeMap(r.Metadata)
		if err != nil {
			return apperr.Validation(op, "metadata: %v", err)
		}
		r.UpdatedAt = now()

		_, err = tx.ExecContext(ctx, `UPDATE relationships SET confidence_score = ?, strength = ?, context = ?,
			evidence = ?, metadata = ?, updated_at = ? WHERE id = ?`,
			r.ConfidenceScore, r.Strength, r.Context, evidence, metadata, r.UpdatedAt.UnixMilli(), id)
		if err != nil {
			return apperr.Internal(op, fmt.Errorf("failed to update relationship: %w", err))
		}

		if r.Bidirectional {
			_, err = tx.ExecContext(ctx, `UPDATE relationships SET confidence_score = ?, strength = ?, updated_at = ?
				WHERE source_entity_id = ? AND target_entity_id = ? AND relationship_type = ?`,
				r.ConfidenceScore, r.Strength, r.UpdatedAt.UnixMilli(), r.TargetEntityID, r.SourceEntityID, r.RelationshipType)
			if err != nil {
				return apperr.Internal(op, fmt.Errorf("failed to update mirror: %w", err))
			}
		}
		updated = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteRelationship removes the relationship and, when includeMirror is set
// and the edge is bidirectional, its reverse edge. It returns the removed ids.
func (c *Client) DeleteRelationship(ctx context.Context, id string, includeMirror bool) ([]string, error) {
	const op = "DeleteRelationship"
	var deleted []string

	err := c.withTx(ctx, op, func(tx *sql.Tx) error {
		r, err := scanRelationship(tx.QueryRowContext(ctx, `SELECT `+relationshipColumns+` FROM relationships WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound(op, "relationship %s not found", id)
		}
		if err != nil {
			return apperr.Internal(op, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM relationships WHERE id = ?`, id); err != nil {
			return apperr.Internal(op, fmt.Errorf("failed to delete relationship: %w", err))
		}
		deleted = append(deleted, id)

		if includeMirror && r.Bidirectional {
			m, err := relationshipByTriple(ctx, tx, r.TargetEntityID, r.SourceEntityID, r.RelationshipType)
			if err != nil {
				return apperr.Internal(op, err)
			}
			if m != nil {
				if _, err := tx.ExecContext(ctx, `DELETE FROM relationships WHERE id = ?`, m.ID); err != nil {
					return apperr.Internal(op, fmt.Errorf("failed to delete mirror: %w", err))
				}
				deleted = append(deleted, m.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("Relationship deleted", zap.Strings("relationship_ids", deleted))
	return deleted, nil
}
