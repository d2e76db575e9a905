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

const entityColumns = `id, entity_type, source_content_id, parent_entity_id, name, description,
	position_start, position_end, confidence_score, extraction_method, metadata, created_at, updated_at`

func scanEntity(row rowScanner) (*models.Entity, error) {
	var (
		e                    models.Entity
		parent               sql.NullString
		posStart, posEnd     sql.NullFloat64
		metadata             sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&e.ID,
		&e.EntityType,
		&e.SourceContentID,
		&parent,
		&e.Name,
		&e.Description,
		&posStart,
		&posEnd,
		&e.ConfidenceScore,
		&e.ExtractionMethod,
		&metadata,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if parent.Valid {
		p := parent.String
		e.ParentEntityID = &p
	}
	if posStart.Valid && posEnd.Valid {
		e.Position = &models.Position{Start: posStart.Float64, End: posEnd.Float64}
	}
	if e.Metadata, err = decodeMap(metadata); err != nil {
		return nil, err
	}
	e.CreatedAt = time.UnixMilli(createdAt).UTC()
	e.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &e, nil
}

func positionArgs(p *models.Position) (sql.NullFloat64, sql.NullFloat64) {
	if p == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: p.Start, Valid: true}, sql.NullFloat64{Float64: p.End, Valid: true}
}

// CreateEntity validates and inserts e, assigning an id and timestamps when
// they are missing.
func (c *Client) CreateEntity(ctx context.Context, e *models.Entity) error {
	const op = "CreateEntity"
	if e.ID == "" {
		e.ID = newID()
	}
	if err := e.Validate(); err != nil {
		return err
	}
	ts := now()
	e.CreatedAt, e.UpdatedAt = ts, ts

	metadata, err := encodeMap(e.Metadata)
	if err != nil {
		return apperr.Validation(op, "metadata: %v", err)
	}
	posStart, posEnd := positionArgs(e.Position)

	err = c.withTx(ctx, op, func(tx *sql.Tx) error {
		if e.ParentEntityID != nil {
			ok, err := exists(ctx, tx, "entities", *e.ParentEntityID)
			if err != nil {
				return apperr.Internal(op, err)
			}
			if !ok {
				return apperr.NotFound(op, "parent entity %s not found", *e.ParentEntityID)
			}
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO entities (`+entityColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID,
			e.EntityType,
			e.SourceContentID,
			e.ParentEntityID,
			e.Name,
			e.Description,
			posStart,
			posEnd,
			e.ConfidenceScore,
			e.ExtractionMethod,
			metadata,
			ts.UnixMilli(),
			ts.UnixMilli(),
		)
		if isUniqueViolation(err) {
			return apperr.Conflict(op, "entity %s already exists", e.ID)
		}
		if err != nil {
			return apperr.Internal(op, fmt.Errorf("failed to insert entity: %w", err))
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Debug("Entity created",
		zap.String("entity_id", e.ID),
		zap.String("entity_type", string(e.EntityType)),
	)
	return nil
}

func (c *Client) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	const op = "GetEntity"
	row := c.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(op, "entity %s not found", id)
	}
	if err != nil {
		return nil, apperr.Internal(op, fmt.Errorf("failed to get entity: %w", err))
	}
	return e, nil
}

// FindEntity looks an entity up by its natural key within a source. Name
// comparison is case-insensitive. A missing entity yields (nil, nil).
func (c *Client) FindEntity(ctx context.Context, sourceContentID string, entityType models.EntityType, name string) (*models.Entity, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities
		WHERE source_content_id = ? AND entity_type = ? AND lower(name) = lower(?)
		ORDER BY created_at, id LIMIT 1`,
		sourceContentID, entityType, strings.TrimSpace(name))
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Internal("FindEntity", fmt.Errorf("failed to find entity: %w", err))
	}
	return e, nil
}

func (c *Client) ListEntities(ctx context.Context, f models.EntityFilter) ([]models.Entity, error) {
	const op = "ListEntities"
	var (
		where []string
		args  []any
	)
	if len(f.Types) > 0 {
		where = append(where, "entity_type IN ("+placeholders(len(f.Types))+")")
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	if f.SourceContentID != "" {
		where = append(where, "source_content_id = ?")
		args = append(args, f.SourceContentID)
	}
	if f.ParentEntityID != "" {
		where = append(where, "parent_entity_id = ?")
		args = append(args, f.ParentEntityID)
	}
	if f.MinConfidence > 0 {
		where = append(where, "confidence_score >= ?")
		args = append(args, f.MinConfidence)
	}

	query := `SELECT ` + entityColumns + ` FROM entities`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Internal(op, fmt.Errorf("failed to list entities: %w", err))
	}
	defer rows.Close()

	var entities []models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, apperr.Internal(op, fmt.Errorf("failed to scan row: %w", err))
		}
		entities = append(entities, *e)
	}
	return entities, apperr.Internal(op, rows.Err())
}

// UpdateEntity applies the mutable fields of patch. Metadata keys are merged;
// a key set to null is removed.
func (c *Client) UpdateEntity(ctx context.Context, id string, patch models.EntityPatch) (*models.Entity, error) {
	const op = "UpdateEntity"
	if patch.Empty() {
		return nil, apperr.Validation(op, "no fields to update")
	}

	var updated *models.Entity
	err := c.withTx(ctx, op, func(tx *sql.Tx) error {
		e, err := scanEntity(tx.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound(op, "entity %s not found", id)
		}
		if err != nil {
			return apperr.Internal(op, err)
		}

		if patch.Name != nil {
			e.Name = *patch.Name
		}
		if patch.Description != nil {
			e.Description = *patch.Description
		}
		if patch.ConfidenceScore != nil {
			e.ConfidenceScore = *patch.ConfidenceScore
		}
		if patch.Position != nil {
			p := *patch.Position
			e.Position = &p
		}
		if patch.Metadata != nil {
			if e.Metadata == nil {
				e.Metadata = make(map[string]any, len(patch.Metadata))
			}
			for k, v := range patch.Metadata {
				if v == nil {
					delete(e.Metadata, k)
					continue
				}
				e.Metadata[k] = v
			}
		}
		if err := e.Validate(); err != nil {
			return err
		}

		metadata, err := encodeMap(e.Metadata)
		if err != nil {
			return apperr.Validation(op, "metadata: %v", err)
		}
		posStart, posEnd := positionArgs(e.Position)
		e.UpdatedAt = now()

		_, err = tx.ExecContext(ctx, `UPDATE entities SET name = ?, description = ?, confidence_score = ?,
			position_start = ?, position_end = ?, metadata = ?, updated_at = ? WHERE id = ?`,
			e.Name, e.Description, e.ConfidenceScore, posStart, posEnd, metadata, e.UpdatedAt.UnixMilli(), id)
		if err != nil {
			return apperr.Internal(op, fmt.Errorf("failed to update entity: %w", err))
		}
		updated = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteEntity removes the entity and every relationship touching it. Child
// entities are detached unless cascade is set, in which case all descendants
// are deleted as well.
func (c *Client) DeleteEntity(ctx context.Context, id string, cascade bool) (*models.DeleteResult, error) {
	const op = "DeleteEntity"
	result := &models.DeleteResult{}

	err := c.withTx(ctx, op, func(tx *sql.Tx) error {
		ok, err := exists(ctx, tx, "entities", id)
		if err != nil {
			return apperr.Internal(op, err)
		}
		if !ok {
			return apperr.NotFound(op, "entity %s not found", id)
		}

		doomed := []string{id}
		if cascade {
			doomed, err = descendants(ctx, tx, id)
			if err != nil {
				return apperr.Internal(op, err)
			}
		} else {
			children, err := queryStrings(ctx, tx, `SELECT id FROM entities WHERE parent_entity_id = ? ORDER BY id`, id)
			if err != nil {
				return apperr.Internal(op, err)
			}
			if len(children) > 0 {
				_, err = tx.ExecContext(ctx, `UPDATE entities SET parent_entity_id = NULL, updated_at = ? WHERE parent_entity_id = ?`,
					now().UnixMilli(), id)
				if err != nil {
					return apperr.Internal(op, fmt.Errorf("failed to detach children: %w", err))
				}
			}
			result.DetachedIDs = children
		}

		in := placeholders(len(doomed))
		args := make([]any, 0, 2*len(doomed))
		for _, d := range doomed {
			args = append(args, d)
		}
		for _, d := range doomed {
			args = append(args, d)
		}

		relIDs, err := queryStrings(ctx, tx, `SELECT id FROM relationships
			WHERE source_entity_id IN (`+in+`) OR target_entity_id IN (`+in+`) ORDER BY id`, args...)
		if err != nil {
			return apperr.Internal(op, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM relationships
			WHERE source_entity_id IN (`+in+`) OR target_entity_id IN (`+in+`)`, args...); err != nil {
			return apperr.Internal(op, fmt.Errorf("failed to delete relationships: %w", err))
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE id IN (`+in+`)`, args[:len(doomed)]...); err != nil {
			return apperr.Internal(op, fmt.Errorf("failed to delete entities: %w", err))
		}

		result.EntityIDs = doomed
		result.RelationshipIDs = relIDs
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Entity deleted",
		zap.String("entity_id", id),
		zap.Bool("cascade", cascade),
		zap.Int("entities_removed", len(result.EntityIDs)),
		zap.Int("relationships_removed", len(result.RelationshipIDs)),
	)
	return result, nil
}

// descendants returns root followed by every entity below it in the parent
// hierarchy, breadth first.
func descendants(ctx context.Context, tx *sql.Tx, root string) ([]string, error) {
	out := []string{root}
	seen := map[string]bool{root: true}
	for i := 0; i < len(out); i++ {
		children, err := queryStrings(ctx, tx, `SELECT id FROM entities WHERE parent_entity_id = ? ORDER BY id`, out[i])
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if !seen[child] {
				seen[child] = true
				out = append(out, child)
			}
		}
	}
	return out, nil
}

func queryStrings(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
