package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hylla/qdoc/internal/app"
	"github.com/hylla/qdoc/internal/domain"
	"github.com/jackc/pgx/v5"
)

const extractionColumns = `
	id, org_id, status, title, source_uri, steps, non_conformities, conformity_score, document_id, linked_at, created_at
`

// SaveExtraction upserts one extraction record. An existing document link is preserved.
func (r *Repository) SaveExtraction(ctx context.Context, e domain.ProcedureExtraction) error {
	steps := e.Steps
	if steps == nil {
		steps = []domain.ProcedureStep{}
	}
	findings := e.NonConformities
	if findings == nil {
		findings = []domain.NonConformity{}
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("encode extraction steps: %w", err)
	}
	findingsJSON, err := json.Marshal(findings)
	if err != nil {
		return fmt.Errorf("encode extraction non-conformities: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO procedure_extractions(`+extractionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (org_id, id) DO UPDATE SET
			status = EXCLUDED.status,
			title = EXCLUDED.title,
			source_uri = EXCLUDED.source_uri,
			steps = EXCLUDED.steps,
			non_conformities = EXCLUDED.non_conformities,
			conformity_score = EXCLUDED.conformity_score
	`,
		e.ID,
		e.OrgID,
		string(e.Status),
		e.Title,
		e.SourceURI,
		string(stepsJSON),
		string(findingsJSON),
		e.ConformityScore,
		e.DocumentID,
		utcPtr(e.LinkedAt),
		e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert extraction: %w", err)
	}
	return nil
}

// GetExtraction returns one extraction scoped to its tenant.
func (r *Repository) GetExtraction(ctx context.Context, orgID, extractionID string) (domain.ProcedureExtraction, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+extractionColumns+`
		FROM procedure_extractions
		WHERE org_id = $1 AND id = $2
	`, orgID, extractionID)
	return scanExtraction(row)
}

// ListExtractions lists a tenant's extractions in arrival order.
func (r *Repository) ListExtractions(ctx context.Context, orgID string) ([]domain.ProcedureExtraction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+extractionColumns+`
		FROM procedure_extractions
		WHERE org_id = $1
		ORDER BY created_at ASC, id ASC
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.ProcedureExtraction{}
	for rows.Next() {
		e, err := scanExtraction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LinkExtractionToDocument records the extraction -> document link. It only
// succeeds for unlinked extractions.
func (r *Repository) LinkExtractionToDocument(ctx context.Context, orgID, extractionID, documentID string, linkedAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE procedure_extractions
		SET document_id = $1, linked_at = $2
		WHERE org_id = $3 AND id = $4 AND document_id = ''
	`, documentID, linkedAt.UTC(), orgID, extractionID)
	if err != nil {
		return fmt.Errorf("link extraction: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var existing string
	err = r.pool.QueryRow(ctx, `
		SELECT document_id FROM procedure_extractions WHERE org_id = $1 AND id = $2
	`, orgID, extractionID).Scan(&existing)
	if errors.Is(err, pgx.ErrNoRows) {
		return app.ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: extraction %s already linked to document %s", domain.ErrInvalidTransition, extractionID, existing)
}

func scanExtraction(row pgx.Row) (domain.ProcedureExtraction, error) {
	var (
		e           domain.ProcedureExtraction
		status      string
		stepsRaw    []byte
		findingsRaw []byte
	)
	if err := row.Scan(&e.ID, &e.OrgID, &status, &e.Title, &e.SourceURI, &stepsRaw, &findingsRaw, &e.ConformityScore, &e.DocumentID, &e.LinkedAt, &e.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ProcedureExtraction{}, app.ErrNotFound
		}
		return domain.ProcedureExtraction{}, err
	}
	if err := json.Unmarshal(stepsRaw, &e.Steps); err != nil {
		return domain.ProcedureExtraction{}, fmt.Errorf("decode extraction steps: %w", err)
	}
	if err := json.Unmarshal(findingsRaw, &e.NonConformities); err != nil {
		return domain.ProcedureExtraction{}, fmt.Errorf("decode extraction non_conformities: %w", err)
	}
	e.Status = domain.ExtractionStatus(status)
	e.LinkedAt = utcPtr(e.LinkedAt)
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}
