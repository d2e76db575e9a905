package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/kgengine/backend/pkg/apperr"
	"github.com/kgengine/backend/pkg/logger"
)

// Client is the entity and relationship repository. Writes are serialised
// through a single connection; the UNIQUE constraint on the relationship
// triple decides racing creates.
type Client struct {
	db      *sql.DB
	version atomic.Int64
}

type rowScanner interface {
	Scan(dest ...any) error
}

func NewClient(dbPath string) (*Client, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Version is incremented after every committed mutation. It is process local
// and only meaningful for comparing snapshots taken by this client.
func (c *Client) Version() int64 {
	return c.version.Load()
}

func (c *Client) bump() {
	c.version.Add(1)
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		source_content_id TEXT NOT NULL,
		parent_entity_id TEXT REFERENCES entities(id) ON DELETE SET NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		position_start REAL,
		position_end REAL,
		confidence_score REAL NOT NULL CHECK (confidence_score >= 0 AND confidence_score <= 1),
		extraction_method TEXT NOT NULL,
		metadata TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(entity_type);
	CREATE INDEX IF NOT EXISTS idx_entities_source ON entities(source_content_id);
	CREATE INDEX IF NOT EXISTS idx_entities_parent ON entities(parent_entity_id);
	CREATE INDEX IF NOT EXISTS idx_entities_name ON entities(source_content_id, entity_type, lower(name));

	CREATE TABLE IF NOT EXISTS relationships (
		id TEXT PRIMARY KEY,
		source_entity_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
		target_entity_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
		relationship_type TEXT NOT NULL,
		confidence_score REAL NOT NULL CHECK (confidence_score >= 0 AND confidence_score <= 1),
		strength REAL NOT NULL CHECK (strength >= 0 AND strength <= 1),
		bidirectional INTEGER NOT NULL DEFAULT 0,
		context TEXT NOT NULL DEFAULT '',
		extraction_method TEXT NOT NULL,
		evidence TEXT,
		metadata TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		CHECK (source_entity_id <> target_entity_id),
		UNIQUE (source_entity_id, target_entity_id, relationship_type)
	);
	CREATE INDEX IF NOT EXISTS idx_relationships_source ON relationships(source_entity_id);
	CREATE INDEX IF NOT EXISTS idx_relationships_target ON relationships(target_entity_id);
	CREATE INDEX IF NOT EXISTS idx_relationships_type ON relationships(relationship_type);
	CREATE INDEX IF NOT EXISTS idx_relationships_confidence ON relationships(confidence_score);

	CREATE TABLE IF NOT EXISTS entity_embeddings (
		entity_id TEXT PRIMARY KEY REFERENCES entities(id) ON DELETE CASCADE,
		model TEXT NOT NULL,
		embedding TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// withTx runs fn inside a transaction and bumps the version when it commits
// a mutation.
func (c *Client) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Internal(op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.Internal(op, fmt.Errorf("failed to commit: %w", err))
	}
	c.bump()
	return nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func encodeMap(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode map: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeMap(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, fmt.Errorf("failed to decode map: %w", err)
	}
	return m, nil
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func exists(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, table, id string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, "SELECT 1 FROM "+table+" WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func newID() string {
	return uuid.NewString()
}
