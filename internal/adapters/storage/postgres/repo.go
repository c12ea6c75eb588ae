// Package postgres stores documents, history, and extractions in PostgreSQL via pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hylla/qdoc/internal/app"
	"github.com/hylla/qdoc/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// documentColumns is the canonical select list for scanDocument.
const documentColumns = `
	id, org_id, doc_type, title, status, version_major, version_minor, content_hash, extraction_id,
	created_by, created_at, last_revised_at, approved_by, approved_at, maintenance_cost, margin_impact
`

// PoolConfig tunes the pgx connection pool.
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultPoolConfig returns conservative pool settings for a single service process.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConns:        5,
		MinConns:        1,
		MaxConnLifetime: 30 * time.Minute,
		MaxConnIdleTime: 5 * time.Minute,
	}
}

// Repository implements app.Repository and app.ExtractionSource on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

var (
	_ app.Repository         = (*Repository)(nil)
	_ app.ExtractionSource   = (*Repository)(nil)
	_ app.ExtractionRecorder = (*Repository)(nil)
)

// querier is the statement contract shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Open connects to dsn, verifies the connection, and applies the schema.
func Open(ctx context.Context, dsn string, cfg PoolConfig) (*Repository, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	def := DefaultPoolConfig()
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = def.MaxConns
	}
	if cfg.MinConns < 0 || cfg.MinConns > cfg.MaxConns {
		cfg.MinConns = def.MinConns
	}
	if cfg.MaxConnLifetime <= 0 {
		cfg.MaxConnLifetime = def.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime <= 0 {
		cfg.MaxConnIdleTime = def.MaxConnIdleTime
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	repo := &Repository{pool: pool}
	if err := repo.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

// Close releases the pool.
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

// Ping reports whether the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *Repository) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			seq BIGSERIAL UNIQUE,
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			doc_type TEXT NOT NULL,
			title TEXT NOT NULL,
			status TEXT NOT NULL,
			version_major INTEGER NOT NULL,
			version_minor INTEGER NOT NULL,
			content_hash TEXT NOT NULL,
			extraction_id TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			last_revised_at TIMESTAMPTZ NOT NULL,
			approved_by TEXT NOT NULL DEFAULT '',
			approved_at TIMESTAMPTZ,
			maintenance_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			margin_impact TEXT NOT NULL DEFAULT 'low'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_org_status ON documents(org_id, status)`,
		`CREATE TABLE IF NOT EXISTS document_history (
			seq BIGSERIAL UNIQUE,
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			org_id TEXT NOT NULL,
			history_key TEXT NOT NULL,
			version TEXT NOT NULL,
			trigger_kind TEXT NOT NULL,
			snapshot JSONB NOT NULL,
			archived_at TIMESTAMPTZ NOT NULL,
			archived_by TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_document_history_doc ON document_history(document_id, archived_at DESC)`,
		`CREATE TABLE IF NOT EXISTS procedure_extractions (
			id TEXT NOT NULL,
			org_id TEXT NOT NULL,
			status TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			source_uri TEXT NOT NULL DEFAULT '',
			steps JSONB NOT NULL DEFAULT '[]',
			non_conformities JSONB NOT NULL DEFAULT '[]',
			conformity_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			document_id TEXT NOT NULL DEFAULT '',
			linked_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY(org_id, id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
	}
	return nil
}

// CreateDocument creates document.
func (r *Repository) CreateDocument(ctx context.Context, doc domain.Document) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO documents(`+documentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		doc.ID,
		doc.OrgID,
		string(doc.Type),
		doc.Title,
		string(doc.Status),
		doc.Version.Major,
		doc.Version.Minor,
		doc.ContentHash,
		doc.ExtractionID,
		doc.Metadata.CreatedBy,
		doc.Metadata.CreatedAt.UTC(),
		doc.Metadata.LastRevisedAt.UTC(),
		doc.Metadata.ApprovedBy,
		utcPtr(doc.Metadata.ApprovedAt),
		doc.RiskMetrics.MaintenanceCost,
		string(doc.RiskMetrics.MarginImpact),
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// GetDocument returns document.
func (r *Repository) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	return getDocument(ctx, r.pool, id, false)
}

// ListDocuments lists documents for one tenant in creation order.
func (r *Repository) ListDocuments(ctx context.Context, filter app.DocumentFilter) ([]domain.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE org_id = $1`
	args := []any{filter.OrgID}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		query += ` AND status = ANY($2)`
		args = append(args, statuses)
	}
	query += ` ORDER BY created_at ASC, seq ASC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// ListHistory lists history entries for a document, most recent first.
func (r *Repository) ListHistory(ctx context.Context, documentID string) ([]domain.HistoryEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, document_id, org_id, history_key, version, trigger_kind, snapshot, archived_at, archived_by, reason
		FROM document_history
		WHERE document_id = $1
		ORDER BY archived_at DESC, seq DESC
	`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.HistoryEntry{}
	for rows.Next() {
		var (
			entry       domain.HistoryEntry
			versionRaw  string
			trigger     string
			snapshotRaw []byte
		)
		if err := rows.Scan(&entry.ID, &entry.DocumentID, &entry.OrgID, &entry.Key, &versionRaw, &trigger, &snapshotRaw, &entry.ArchivedAt, &entry.ArchivedBy, &entry.Reason); err != nil {
			return nil, err
		}
		version, err := domain.ParseVersion(versionRaw)
		if err != nil {
			return nil, fmt.Errorf("decode history version: %w", err)
		}
		if err := json.Unmarshal(snapshotRaw, &entry.Snapshot); err != nil {
			return nil, fmt.Errorf("decode history snapshot: %w", err)
		}
		entry.Version = version
		entry.Trigger = domain.HistoryTrigger(trigger)
		entry.ArchivedAt = entry.ArchivedAt.UTC()
		out = append(out, entry)
	}
	return out, rows.Err()
}

// WithinTx executes fn within one database transaction.
func (r *Repository) WithinTx(ctx context.Context, fn func(app.DocumentTx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin postgres tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(&documentTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit postgres tx: %w", err)
	}
	return nil
}

// documentTx adapts pgx.Tx to app.DocumentTx.
type documentTx struct {
	tx pgx.Tx
}

// GetDocumentForUpdate locks the document row until the transaction ends.
func (t *documentTx) GetDocumentForUpdate(ctx context.Context, id string) (domain.Document, error) {
	return getDocument(ctx, t.tx, id, true)
}

// UpdateDocument updates the mutable lifecycle columns.
func (t *documentTx) UpdateDocument(ctx context.Context, doc domain.Document) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE documents
		SET title = $1, status = $2, version_major = $3, version_minor = $4, content_hash = $5, extraction_id = $6,
		    last_revised_at = $7, approved_by = $8, approved_at = $9, maintenance_cost = $10, margin_impact = $11
		WHERE id = $12
	`,
		doc.Title,
		string(doc.Status),
		doc.Version.Major,
		doc.Version.Minor,
		doc.ContentHash,
		doc.ExtractionID,
		doc.Metadata.LastRevisedAt.UTC(),
		doc.Metadata.ApprovedBy,
		utcPtr(doc.Metadata.ApprovedAt),
		doc.RiskMetrics.MaintenanceCost,
		string(doc.RiskMetrics.MarginImpact),
		doc.ID,
	)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return app.ErrNotFound
	}
	return nil
}

// InsertHistory inserts one archived snapshot.
func (t *documentTx) InsertHistory(ctx context.Context, entry domain.HistoryEntry) error {
	snapshotJSON, err := json.Marshal(entry.Snapshot)
	if err != nil {
		return fmt.Errorf("encode history snapshot: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO document_history(id, document_id, org_id, history_key, version, trigger_kind, snapshot, archived_at, archived_by, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		entry.ID,
		entry.DocumentID,
		entry.OrgID,
		entry.Key,
		entry.Version.String(),
		string(entry.Trigger),
		string(snapshotJSON),
		entry.ArchivedAt.UTC(),
		entry.ArchivedBy,
		entry.Reason,
	)
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

func getDocument(ctx context.Context, q querier, id string, forUpdate bool) (domain.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return scanDocument(q.QueryRow(ctx, query, id))
}

func scanDocument(row pgx.Row) (domain.Document, error) {
	var (
		doc     domain.Document
		docType string
		status  string
		impact  string
	)
	if err := row.Scan(
		&doc.ID,
		&doc.OrgID,
		&docType,
		&doc.Title,
		&status,
		&doc.Version.Major,
		&doc.Version.Minor,
		&doc.ContentHash,
		&doc.ExtractionID,
		&doc.Metadata.CreatedBy,
		&doc.Metadata.CreatedAt,
		&doc.Metadata.LastRevisedAt,
		&doc.Metadata.ApprovedBy,
		&doc.Metadata.ApprovedAt,
		&doc.RiskMetrics.MaintenanceCost,
		&impact,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Document{}, app.ErrNotFound
		}
		return domain.Document{}, err
	}
	doc.Type = domain.DocumentType(docType)
	doc.Status = domain.DocumentStatus(status)
	doc.RiskMetrics.MarginImpact = domain.MarginImpact(impact)
	doc.Metadata.CreatedAt = doc.Metadata.CreatedAt.UTC()
	doc.Metadata.LastRevisedAt = doc.Metadata.LastRevisedAt.UTC()
	doc.Metadata.ApprovedAt = utcPtr(doc.Metadata.ApprovedAt)
	return doc, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
