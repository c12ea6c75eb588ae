package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ExtractionStatus is the processing state reported by the extraction pipeline.
type ExtractionStatus string

const (
	ExtractionPending    ExtractionStatus = "pending"
	ExtractionProcessing ExtractionStatus = "processing"
	ExtractionCompleted  ExtractionStatus = "completed"
	ExtractionFailed     ExtractionStatus = "failed"
)

var validExtractionStatuses = []ExtractionStatus{
	ExtractionPending,
	ExtractionProcessing,
	ExtractionCompleted,
	ExtractionFailed,
}

// Cost model weights, in currency-agnostic units.
const (
	costPerStep           = 50
	costPerNonConformity  = 200
	highImpactScore       = 70
	highImpactFindings    = 3
	mediumImpactScore     = 85
	mediumImpactFindings  = 1
	contentHashAlgoPrefix = "sha256:"
)

// ProcedureExtraction is a structured step-by-step procedure produced by the
// external analysis pipeline.
type ProcedureExtraction struct {
	ID              string           `json:"id"`
	OrgID           string           `json:"org_id"`
	Status          ExtractionStatus `json:"status"`
	Title           string           `json:"title,omitempty"`
	SourceURI       string           `json:"source_uri,omitempty"`
	Steps           []ProcedureStep  `json:"steps"`
	NonConformities []NonConformity  `json:"non_conformities"`
	ConformityScore float64          `json:"conformity_score"`
	DocumentID      string           `json:"document_id,omitempty"`
	LinkedAt        *time.Time       `json:"linked_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// ProcedureStep is one extracted instruction.
type ProcedureStep struct {
	Order       int    `json:"order"`
	Instruction string `json:"instruction"`
}

// NonConformity is one finding raised against the observed procedure.
type NonConformity struct {
	Code        string `json:"code,omitempty"`
	Description string `json:"description"`
	Severity    string `json:"severity,omitempty"`
}

// Validate checks the fields every stored extraction must carry.
func (e ProcedureExtraction) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidExtraction)
	}
	if strings.TrimSpace(e.OrgID) == "" {
		return fmt.Errorf("%w: org_id is required", ErrInvalidExtraction)
	}
	if !slices.Contains(validExtractionStatuses, e.Status) {
		return fmt.Errorf("%w: status %q", ErrInvalidExtraction, e.Status)
	}
	if e.ConformityScore < 0 || e.ConformityScore > 100 {
		return ErrInvalidConformity
	}
	return nil
}

// Completed reports whether the pipeline finished this record.
func (e ProcedureExtraction) Completed() bool {
	return e.Status == ExtractionCompleted
}

// Linked reports whether a document was already generated from this record.
func (e ProcedureExtraction) Linked() bool {
	return strings.TrimSpace(e.DocumentID) != ""
}

// StepCount returns the number of extracted steps.
func (e ProcedureExtraction) StepCount() int {
	return len(e.Steps)
}

// NonConformityCount returns the number of findings.
func (e ProcedureExtraction) NonConformityCount() int {
	return len(e.NonConformities)
}

// DocumentTitle returns the declared title or a generated fallback.
func (e ProcedureExtraction) DocumentTitle() string {
	if title := strings.TrimSpace(e.Title); title != "" {
		return title
	}
	return "Procedure extracted from " + e.ID
}

// MaintenanceCost applies the fixed linear cost model.
func (e ProcedureExtraction) MaintenanceCost() float64 {
	return MaintenanceCostFor(e.StepCount(), e.NonConformityCount())
}

// MarginImpact classifies the extraction's financial weight.
func (e ProcedureExtraction) MarginImpact() MarginImpact {
	return MarginImpactFor(e.ConformityScore, e.NonConformityCount())
}

// MaintenanceCostFor returns stepCount*50 + nonConformityCount*200.
func MaintenanceCostFor(stepCount, nonConformityCount int) float64 {
	return float64(stepCount*costPerStep + nonConformityCount*costPerNonConformity)
}

// MarginImpactFor evaluates the impact branches in order; the first match wins.
func MarginImpactFor(conformityScore float64, nonConformityCount int) MarginImpact {
	switch {
	case conformityScore < highImpactScore || nonConformityCount > highImpactFindings:
		return MarginImpactHigh
	case conformityScore < mediumImpactScore || nonConformityCount > mediumImpactFindings:
		return MarginImpactMedium
	default:
		return MarginImpactLow
	}
}

// extractionPayload is the canonical content-addressed view of an extraction.
// Timestamps and link state are excluded so the hash only tracks content.
type extractionPayload struct {
	ID              string          `json:"id"`
	OrgID           string          `json:"org_id"`
	Title           string          `json:"title"`
	SourceURI       string          `json:"source_uri"`
	Steps           []ProcedureStep `json:"steps"`
	NonConformities []NonConformity `json:"non_conformities"`
	ConformityScore float64         `json:"conformity_score"`
}

// ContentHash returns a SHA-256 digest of the canonical extraction payload.
func (e ProcedureExtraction) ContentHash() (string, error) {
	payload := extractionPayload{
		ID:              strings.TrimSpace(e.ID),
		OrgID:           strings.TrimSpace(e.OrgID),
		Title:           strings.TrimSpace(e.Title),
		SourceURI:       strings.TrimSpace(e.SourceURI),
		Steps:           slices.Clone(e.Steps),
		NonConformities: slices.Clone(e.NonConformities),
		ConformityScore: e.ConformityScore,
	}
	if payload.Steps == nil {
		payload.Steps = []ProcedureStep{}
	}
	if payload.NonConformities == nil {
		payload.NonConformities = []NonConformity{}
	}
	slices.SortStableFunc(payload.Steps, func(a, b ProcedureStep) int {
		return a.Order - b.Order
	})
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode extraction payload: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return contentHashAlgoPrefix + hex.EncodeToString(sum[:]), nil
}
