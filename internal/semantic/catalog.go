package semantic

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// CatalogConfig holds the Postgres catalog connection settings
type CatalogConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Catalog persists document embeddings for vector recall and the resolution history.
// It is optional; the engine runs without it using in-memory recall.
type Catalog struct {
	db *sql.DB
}

// SimilarDocument is a recall hit from the catalog
type SimilarDocument struct {
	ID         string  `json:"id"`
	Similarity float64 `json:"similarity"`
}

// ResolutionRecord is one row of the resolution history
type ResolutionRecord struct {
	ID           string          `json:"id"`
	QueryText    string          `json:"query_text"`
	IndexVersion string          `json:"index_version"`
	Plan         json.RawMessage `json:"plan,omitempty"`
	SQL          string          `json:"sql,omitempty"`
	Status       string          `json:"status"`
	ErrorCode    string          `json:"error_code,omitempty"`
	UserID       string          `json:"user_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// NewCatalog opens the catalog database and verifies the connection
func NewCatalog(ctx context.Context, cfg CatalogConfig) (*Catalog, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping catalog: %w", err)
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = cfg.MaxOpenConns
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &Catalog{db: db}, nil
}

// NewCatalogFromDB wraps an existing connection pool
func NewCatalogFromDB(db *sql.DB) *Catalog {
	return &Catalog{db: db}
}

// DB exposes the pool for migrations
func (c *Catalog) DB() *sql.DB {
	return c.db
}

// Ping tests the catalog connection
func (c *Catalog) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes the catalog connection
func (c *Catalog) Close() error {
	return c.db.Close()
}

// SyncDocuments replaces the stored documents with docs and their embeddings.
// vectors[i] is the embedding of docs[i]. Rows of documents no longer in the index are removed.
func (c *Catalog) SyncDocuments(ctx context.Context, version string, docs []*Document, vectors [][]float32) error {
	if len(docs) != len(vectors) {
		return fmt.Errorf("document and embedding counts differ: %d != %d", len(docs), len(vectors))
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin catalog sync: %w", err)
	}
	defer tx.Rollback()

	upsert := `
		INSERT INTO semantic_documents
			(id, index_version, object_type, canonical_name, scope, aliases, description, allowed, embedding, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			index_version = EXCLUDED.index_version,
			aliases = EXCLUDED.aliases,
			description = EXCLUDED.description,
			allowed = EXCLUDED.allowed,
			embedding = EXCLUDED.embedding,
			updated_at = EXCLUDED.updated_at
	`

	stmt, err := tx.PrepareContext(ctx, upsert)
	if err != nil {
		return fmt.Errorf("failed to prepare document upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	ids := make([]string, 0, len(docs))
	for i, doc := range docs {
		ids = append(ids, doc.ID())
		_, err := stmt.ExecContext(ctx,
			doc.ID(),
			version,
			string(doc.ObjectType),
			doc.CanonicalName(),
			doc.Dataset,
			pq.Array(doc.Aliases),
			doc.Description,
			doc.Allowed,
			pgvector.NewVector(vectors[i]),
			now,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert document %s: %w", doc.ID(), err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM semantic_documents WHERE NOT (id = ANY($1))`, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to prune stale documents: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit catalog sync: %w", err)
	}
	return nil
}

// SimilarDocuments returns up to k allowed documents closest to embedding by cosine distance
func (c *Catalog) SimilarDocuments(ctx context.Context, embedding []float32, k int) ([]SimilarDocument, error) {
	query := `
		SELECT id, 1 - (embedding <=> $1) AS similarity
		FROM semantic_documents
		WHERE allowed
		ORDER BY embedding <=> $1, id
		LIMIT $2
	`

	rows, err := c.db.QueryContext(ctx, query, pgvector.NewVector(embedding), k)
	if err != nil {
		return nil, fmt.Errorf("failed to query similar documents: %w", err)
	}
	defer rows.Close()

	var out []SimilarDocument
	for rows.Next() {
		var sd SimilarDocument
		if err := rows.Scan(&sd.ID, &sd.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan similar document row: %w", err)
		}
		out = append(out, sd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating similar document rows: %w", err)
	}
	return out, nil
}

// RecordResolution appends one resolution outcome to the history
func (c *Catalog) RecordResolution(ctx context.Context, rec ResolutionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	var plan interface{}
	if len(rec.Plan) > 0 {
		plan = []byte(rec.Plan)
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO resolution_history
			(id, query_text, index_version, plan, sql_text, status, error_code, user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.ID, rec.QueryText, rec.IndexVersion, plan, rec.SQL, rec.Status, rec.ErrorCode, rec.UserID, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record resolution: %w", err)
	}
	return nil
}

// RecentResolutions returns the latest history rows, newest first
func (c *Catalog) RecentResolutions(ctx context.Context, limit int) ([]ResolutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT id, query_text, index_version, plan, sql_text, status, error_code, user_id, created_at
		FROM resolution_history
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query resolution history: %w", err)
	}
	defer rows.Close()

	var out []ResolutionRecord
	for rows.Next() {
		var rec ResolutionRecord
		var plan []byte
		var sqlText, errorCode, userID sql.NullString
		if err := rows.Scan(&rec.ID, &rec.QueryText, &rec.IndexVersion, &plan, &sqlText, &rec.Status, &errorCode, &userID, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan resolution row: %w", err)
		}
		if len(plan) > 0 {
			rec.Plan = json.RawMessage(plan)
		}
		rec.SQL = sqlText.String
		rec.ErrorCode = errorCode.String
		rec.UserID = userID.String
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resolution rows: %w", err)
	}
	return out, nil
}
