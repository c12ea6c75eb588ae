package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hylla/qdoc/internal/app"
	"github.com/hylla/qdoc/internal/domain"
	_ "modernc.org/sqlite"
)

// driverName is the database/sql name registered by modernc.org/sqlite.
const driverName = "sqlite"

// connParams are applied to every connection. Write transactions take the
// database lock at BEGIN so approve and retire cannot interleave.
const connParams = "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"

// tsLayout is fixed-width so lexical order of stored timestamps matches time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// documentColumns is the canonical select list for scanDocument.
const documentColumns = `
	id, org_id, doc_type, title, status, version_major, version_minor, content_hash, extraction_id,
	created_by, created_at, last_revised_at, approved_by, approved_at, maintenance_cost, margin_impact
`

// Repository implements app.Repository and app.ExtractionSource on SQLite.
type Repository struct {
	db *sql.DB
}

var (
	_ app.Repository         = (*Repository)(nil)
	_ app.ExtractionSource   = (*Repository)(nil)
	_ app.ExtractionRecorder = (*Repository)(nil)
)

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Repository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	db, err := sql.Open(driverName, path+"?"+connParams+"&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	repo := &Repository{db: db}
	if err := repo.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

// OpenInMemory opens a private in-memory database. Each call gets its own
// database so tests do not share state.
func OpenInMemory() (*Repository, error) {
	name := "file:qdoc-" + uuid.NewString() + "?mode=memory&cache=shared&" + connParams
	db, err := sql.Open(driverName, name)
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	db.SetMaxOpenConns(1)
	repo := &Repository{db: db}
	if err := repo.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

// Close releases the underlying connection pool.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping reports whether the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// migrate creates the documents, history, and extraction tables when missing.
func (r *Repository) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
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
			created_at TEXT NOT NULL,
			last_revised_at TEXT NOT NULL,
			approved_by TEXT NOT NULL DEFAULT '',
			approved_at TEXT,
			maintenance_cost REAL NOT NULL DEFAULT 0,
			margin_impact TEXT NOT NULL DEFAULT 'low'
		);`,
		`CREATE INDEX IF NOT EXISTS idx_documents_org_status ON documents(org_id, status);`,
		`CREATE TABLE IF NOT EXISTS document_history (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			org_id TEXT NOT NULL,
			history_key TEXT NOT NULL,
			version TEXT NOT NULL,
			trigger_kind TEXT NOT NULL,
			snapshot_json TEXT NOT NULL,
			archived_at TEXT NOT NULL,
			archived_by TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			FOREIGN KEY(document_id) REFERENCES documents(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_document_history_doc ON document_history(document_id, archived_at);`,
		`CREATE TABLE IF NOT EXISTS procedure_extractions (
			id TEXT NOT NULL,
			org_id TEXT NOT NULL,
			status TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			source_uri TEXT NOT NULL DEFAULT '',
			steps_json TEXT NOT NULL DEFAULT '[]',
			non_conformities_json TEXT NOT NULL DEFAULT '[]',
			conformity_score REAL NOT NULL DEFAULT 0,
			document_id TEXT NOT NULL DEFAULT '',
			linked_at TEXT,
			created_at TEXT NOT NULL,
			PRIMARY KEY(org_id, id)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

// CreateDocument inserts a new document row.
func (r *Repository) CreateDocument(ctx context.Context, doc domain.Document) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO documents(`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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
		ts(doc.Metadata.CreatedAt),
		ts(doc.Metadata.LastRevisedAt),
		doc.Metadata.ApprovedBy,
		nullableTS(doc.Metadata.ApprovedAt),
		doc.RiskMetrics.MaintenanceCost,
		string(doc.RiskMetrics.MarginImpact),
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// GetDocument returns one document by id, or app.ErrNotFound.
func (r *Repository) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	return getDocumentByID(ctx, r.db, id)
}

// ListDocuments lists documents for one tenant in creation order.
func (r *Repository) ListDocuments(ctx context.Context, filter app.DocumentFilter) ([]domain.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE org_id = ?`
	args := []any{filter.OrgID}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		query += ` AND status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at ASC, rowid ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
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
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, document_id, org_id, history_key, version, trigger_kind, snapshot_json, archived_at, archived_by, reason
		FROM document_history
		WHERE document_id = ?
		ORDER BY archived_at DESC, rowid DESC
	`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.HistoryEntry{}
	for rows.Next() {
		entry, err := scanHistoryEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// WithinTx runs fn inside one immediate write transaction.
func (r *Repository) WithinTx(ctx context.Context, fn func(app.DocumentTx) error) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sqlite tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&documentTx{tx: tx}); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

// documentTx adapts *sql.Tx to app.DocumentTx.
type documentTx struct {
	tx *sql.Tx
}

// GetDocumentForUpdate reads a document inside the write transaction. The
// immediate lock taken at BEGIN already serializes writers.
func (t *documentTx) GetDocumentForUpdate(ctx context.Context, id string) (domain.Document, error) {
	return getDocumentByID(ctx, t.tx, id)
}

// UpdateDocument updates the mutable lifecycle columns. org_id and created_* never change.
func (t *documentTx) UpdateDocument(ctx context.Context, doc domain.Document) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE documents
		SET title = ?, status = ?, version_major = ?, version_minor = ?, content_hash = ?, extraction_id = ?,
		    last_revised_at = ?, approved_by = ?, approved_at = ?, maintenance_cost = ?, margin_impact = ?
		WHERE id = ?
	`,
		doc.Title,
		string(doc.Status),
		doc.Version.Major,
		doc.Version.Minor,
		doc.ContentHash,
		doc.ExtractionID,
		ts(doc.Metadata.LastRevisedAt),
		doc.Metadata.ApprovedBy,
		nullableTS(doc.Metadata.ApprovedAt),
		doc.RiskMetrics.MaintenanceCost,
		string(doc.RiskMetrics.MarginImpact),
		doc.ID,
	)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return translateNoRows(res)
}

// InsertHistory inserts one archived snapshot.
func (t *documentTx) InsertHistory(ctx context.Context, entry domain.HistoryEntry) error {
	snapshotJSON, err := json.Marshal(entry.Snapshot)
	if err != nil {
		return fmt.Errorf("encode history snapshot: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO document_history(id, document_id, org_id, history_key, version, trigger_kind, snapshot_json, archived_at, archived_by, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID,
		entry.DocumentID,
		entry.OrgID,
		entry.Key,
		entry.Version.String(),
		string(entry.Trigger),
		string(snapshotJSON),
		ts(entry.ArchivedAt),
		entry.ArchivedBy,
		entry.Reason,
	)
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// queryRower represents the read contract shared by *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

// getDocumentByID returns one document through db or tx.
func getDocumentByID(ctx context.Context, q queryRower, id string) (domain.Document, error) {
	row := q.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	return scanDocument(row)
}

// scanDocument reads one row selected with documentColumns.
func scanDocument(s scanner) (domain.Document, error) {
	var (
		doc        domain.Document
		docType    string
		status     string
		impact     string
		createdRaw string
		revisedRaw string
		approved   sql.NullString
	)
	if err := s.Scan(
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
		&createdRaw,
		&revisedRaw,
		&doc.Metadata.ApprovedBy,
		&approved,
		&doc.RiskMetrics.MaintenanceCost,
		&impact,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Document{}, app.ErrNotFound
		}
		return domain.Document{}, err
	}
	doc.Type = domain.DocumentType(docType)
	doc.Status = domain.DocumentStatus(status)
	doc.RiskMetrics.MarginImpact = domain.MarginImpact(impact)
	doc.Metadata.CreatedAt = parseTS(createdRaw)
	doc.Metadata.LastRevisedAt = parseTS(revisedRaw)
	doc.Metadata.ApprovedAt = parseNullTS(approved)
	return doc, nil
}

// scanHistoryEntry reads one history row including its archived snapshot.
func scanHistoryEntry(s scanner) (domain.HistoryEntry, error) {
	var (
		entry       domain.HistoryEntry
		versionRaw  string
		trigger     string
		snapshotRaw string
		archivedRaw string
	)
	if err := s.Scan(&entry.ID, &entry.DocumentID, &entry.OrgID, &entry.Key, &versionRaw, &trigger, &snapshotRaw, &archivedRaw, &entry.ArchivedBy, &entry.Reason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.HistoryEntry{}, app.ErrNotFound
		}
		return domain.HistoryEntry{}, err
	}
	version, err := domain.ParseVersion(versionRaw)
	if err != nil {
		return domain.HistoryEntry{}, fmt.Errorf("decode history version: %w", err)
	}
	if err := json.Unmarshal([]byte(snapshotRaw), &entry.Snapshot); err != nil {
		return domain.HistoryEntry{}, fmt.Errorf("decode history snapshot_json: %w", err)
	}
	entry.Version = version
	entry.Trigger = domain.HistoryTrigger(trigger)
	entry.ArchivedAt = parseTS(archivedRaw)
	return entry, nil
}

// translateNoRows maps an update that touched nothing to app.ErrNotFound.
func translateNoRows(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return app.ErrNotFound
	}
	return nil
}

// ts formats t in UTC with tsLayout.
func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

// nullableTS formats an optional timestamp, storing NULL for nil.
func nullableTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

// parseTS reads a stored timestamp. Malformed values yield the zero time.
func parseTS(v string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}

// parseNullTS reads an optional stored timestamp.
func parseNullTS(v sql.NullString) *time.Time {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil
	}
	ts := parseTS(v.String)
	return &ts
}
