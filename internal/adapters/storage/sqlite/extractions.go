package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hylla/qdoc/internal/app"
	"github.com/hylla/qdoc/internal/domain"
)

const extractionColumns = `
	id, org_id, status, title, source_uri, steps_json, non_conformities_json, conformity_score, document_id, linked_at, created_at
`

// SaveExtraction upserts one extraction record. An existing document link is preserved.
func (r *Repository) SaveExtraction(ctx context.Context, e domain.ProcedureExtraction) error {
	stepsJSON, err := json.Marshal(nonNilSteps(e.Steps))
	if err != nil {
		return fmt.Errorf("encode extraction steps: %w", err)
	}
	findingsJSON, err := json.Marshal(nonNilFindings(e.NonConformities))
	if err != nil {
		return fmt.Errorf("encode extraction non-conformities: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO procedure_extractions(`+extractionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(org_id, id) DO UPDATE SET
			status = excluded.status,
			title = excluded.title,
			source_uri = excluded.source_uri,
			steps_json = excluded.steps_json,
			non_conformities_json = excluded.non_conformities_json,
			conformity_score = excluded.conformity_score
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
		nullableTS(e.LinkedAt),
		ts(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert extraction: %w", err)
	}
	return nil
}

// GetExtraction returns one extraction scoped to its tenant.
func (r *Repository) GetExtraction(ctx context.Context, orgID, extractionID string) (domain.ProcedureExtraction, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+extractionColumns+`
		FROM procedure_extractions
		WHERE org_id = ? AND id = ?
	`, orgID, extractionID)
	return scanExtraction(row)
}

// ListExtractions lists a tenant's extractions in arrival order.
func (r *Repository) ListExtractions(ctx context.Context, orgID string) ([]domain.ProcedureExtraction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+extractionColumns+`
		FROM procedure_extractions
		WHERE org_id = ?
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
	res, err := r.db.ExecContext(ctx, `
		UPDATE procedure_extractions
		SET document_id = ?, linked_at = ?
		WHERE org_id = ? AND id = ? AND document_id = ''
	`, documentID, ts(linkedAt), orgID, extractionID)
	if err != nil {
		return fmt.Errorf("link extraction: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var existing string
	err = r.db.QueryRowContext(ctx, `
		SELECT document_id FROM procedure_extractions WHERE org_id = ? AND id = ?
	`, orgID, extractionID).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return app.ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: extraction %s already linked to document %s", domain.ErrInvalidTransition, extractionID, existing)
}

// scanExtraction decodes one extraction row and its JSON step and finding columns.
func scanExtraction(s scanner) (domain.ProcedureExtraction, error) {
	var (
		e           domain.ProcedureExtraction
		status      string
		stepsRaw    string
		findingsRaw string
		linkedRaw   sql.NullString
		createdRaw  string
	)
	if err := s.Scan(&e.ID, &e.OrgID, &status, &e.Title, &e.SourceURI, &stepsRaw, &findingsRaw, &e.ConformityScore, &e.DocumentID, &linkedRaw, &createdRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ProcedureExtraction{}, app.ErrNotFound
		}
		return domain.ProcedureExtraction{}, err
	}
	if strings.TrimSpace(stepsRaw) == "" {
		stepsRaw = "[]"
	}
	if strings.TrimSpace(findingsRaw) == "" {
		findingsRaw = "[]"
	}
	if err := json.Unmarshal([]byte(stepsRaw), &e.Steps); err != nil {
		return domain.ProcedureExtraction{}, fmt.Errorf("decode extraction steps_json: %w", err)
	}
	if err := json.Unmarshal([]byte(findingsRaw), &e.NonConformities); err != nil {
		return domain.ProcedureExtraction{}, fmt.Errorf("decode extraction non_conformities_json: %w", err)
	}
	e.Status = domain.ExtractionStatus(status)
	e.LinkedAt = parseNullTS(linkedRaw)
	e.CreatedAt = parseTS(createdRaw)
	return e, nil
}

func nonNilSteps(in []domain.ProcedureStep) []domain.ProcedureStep {
	if in == nil {
		return []domain.ProcedureStep{}
	}
	return in
}

func nonNilFindings(in []domain.NonConformity) []domain.NonConformity {
	if in == nil {
		return []domain.NonConformity{}
	}
	return in
}
