package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// DocumentType classifies a controlled document.
type DocumentType string

const (
	DocumentTypeProcedure DocumentType = "procedure"
	DocumentTypeManual    DocumentType = "manual"
	DocumentTypeChecklist DocumentType = "checklist"
	DocumentTypePolicy    DocumentType = "policy"
)

var validDocumentTypes = []DocumentType{
	DocumentTypeProcedure,
	DocumentTypeManual,
	DocumentTypeChecklist,
	DocumentTypePolicy,
}

// DocumentStatus is the lifecycle state of a document.
type DocumentStatus string

const (
	StatusDraft    DocumentStatus = "draft"
	StatusInReview DocumentStatus = "in_review"
	StatusActive   DocumentStatus = "active"
	StatusObsolete DocumentStatus = "obsolete"
)

var validStatuses = []DocumentStatus{StatusDraft, StatusInReview, StatusActive, StatusObsolete}

// MarginImpact is a coarse classification of a document's financial weight.
type MarginImpact string

const (
	MarginImpactLow    MarginImpact = "low"
	MarginImpactMedium MarginImpact = "medium"
	MarginImpactHigh   MarginImpact = "high"
)

var validMarginImpacts = []MarginImpact{MarginImpactLow, MarginImpactMedium, MarginImpactHigh}

// Document is the central controlled-document entity.
type Document struct {
	ID           string           `json:"id"`
	OrgID        string           `json:"org_id"`
	Type         DocumentType     `json:"type"`
	Title        string           `json:"title"`
	Status       DocumentStatus   `json:"status"`
	Version      Version          `json:"version"`
	ContentHash  string           `json:"content_hash"`
	ExtractionID string           `json:"extraction_id,omitempty"`
	Metadata     DocumentMetadata `json:"metadata"`
	RiskMetrics  RiskMetrics      `json:"risk_metrics"`
}

// DocumentMetadata carries authorship and revision timestamps.
type DocumentMetadata struct {
	CreatedBy     string     `json:"created_by"`
	CreatedAt     time.Time  `json:"created_at"`
	LastRevisedAt time.Time  `json:"last_revised_at"`
	ApprovedBy    string     `json:"approved_by,omitempty"`
	ApprovedAt    *time.Time `json:"approved_at,omitempty"`
}

// RiskMetrics stores the financial weighting used by revision risk analysis.
type RiskMetrics struct {
	MaintenanceCost float64      `json:"maintenance_cost"`
	MarginImpact    MarginImpact `json:"margin_impact"`
}

// DocumentInput holds values for NewDocument.
type DocumentInput struct {
	ID              string
	OrgID           string
	Type            DocumentType
	Title           string
	ContentHash     string
	CreatedBy       string
	ExtractionID    string
	MaintenanceCost *float64
	MarginImpact    MarginImpact
}

// NewDocument validates input and returns a draft at version 0.1.
func NewDocument(in DocumentInput, now time.Time) (Document, error) {
	in.ID = strings.TrimSpace(in.ID)
	in.OrgID = strings.TrimSpace(in.OrgID)
	in.Title = strings.TrimSpace(in.Title)
	in.ContentHash = strings.TrimSpace(in.ContentHash)
	in.CreatedBy = strings.TrimSpace(in.CreatedBy)
	in.ExtractionID = strings.TrimSpace(in.ExtractionID)

	if in.ID == "" {
		return Document{}, ErrInvalidID
	}
	if in.OrgID == "" {
		return Document{}, ErrInvalidOrgID
	}
	docType, err := ParseDocumentType(string(in.Type))
	if err != nil {
		return Document{}, err
	}
	if in.Title == "" {
		return Document{}, ErrInvalidTitle
	}
	if in.ContentHash == "" {
		return Document{}, ErrInvalidContentHash
	}
	if in.CreatedBy == "" {
		return Document{}, ErrInvalidActor
	}

	cost := 0.0
	if in.MaintenanceCost != nil {
		cost = *in.MaintenanceCost
	}
	if cost < 0 {
		return Document{}, ErrInvalidMaintenanceCost
	}
	impact := MarginImpactLow
	if strings.TrimSpace(string(in.MarginImpact)) != "" {
		impact, err = ParseMarginImpact(string(in.MarginImpact))
		if err != nil {
			return Document{}, err
		}
	}

	ts := now.UTC()
	return Document{
		ID:           in.ID,
		OrgID:        in.OrgID,
		Type:         docType,
		Title:        in.Title,
		Status:       StatusDraft,
		Version:      InitialVersion,
		ContentHash:  in.ContentHash,
		ExtractionID: in.ExtractionID,
		Metadata: DocumentMetadata{
			CreatedBy:     in.CreatedBy,
			CreatedAt:     ts,
			LastRevisedAt: ts,
		},
		RiskMetrics: RiskMetrics{
			MaintenanceCost: cost,
			MarginImpact:    impact,
		},
	}, nil
}

// SubmitForReview moves a draft into review.
func (d *Document) SubmitForReview(now time.Time) error {
	if d.Status != StatusDraft {
		return transitionErr(d.Status, StatusInReview, "only drafts can be submitted for review")
	}
	d.Status = StatusInReview
	d.Metadata.LastRevisedAt = now.UTC()
	return nil
}

// Approve activates the document at the next major version. It returns the
// pre-transition snapshot when the document was already active, since that
// revision is being superseded and must be archived.
func (d *Document) Approve(approvedBy string, now time.Time) (superseded *Document, err error) {
	if d.Status == StatusObsolete {
		return nil, transitionErr(d.Status, StatusActive, "cannot approve an obsolete document")
	}
	approvedBy = strings.TrimSpace(approvedBy)
	if approvedBy == "" {
		return nil, ErrInvalidActor
	}
	next := d.Version.NextMajor()
	if !d.Version.Less(next) {
		return nil, fmt.Errorf("%w: %s cannot advance", ErrInvalidVersion, d.Version)
	}
	if d.Status == StatusActive {
		prev := d.Clone()
		superseded = &prev
	}
	ts := now.UTC()
	d.Version = next
	d.Status = StatusActive
	d.Metadata.LastRevisedAt = ts
	d.Metadata.ApprovedBy = approvedBy
	d.Metadata.ApprovedAt = &ts
	return superseded, nil
}

// Retire marks the document obsolete and returns the snapshot to archive.
// The version is left untouched.
func (d *Document) Retire(now time.Time) Document {
	prev := d.Clone()
	d.Status = StatusObsolete
	d.Metadata.LastRevisedAt = now.UTC()
	return prev
}

// Clone returns a deep copy.
func (d Document) Clone() Document {
	out := d
	if d.Metadata.ApprovedAt != nil {
		ts := *d.Metadata.ApprovedAt
		out.Metadata.ApprovedAt = &ts
	}
	return out
}

// DaysSinceRevision returns whole days elapsed since the last revision.
func (d Document) DaysSinceRevision(now time.Time) int {
	elapsed := now.UTC().Sub(d.Metadata.LastRevisedAt.UTC())
	days := int(elapsed / (24 * time.Hour))
	if elapsed < 0 && elapsed%(24*time.Hour) != 0 {
		days--
	}
	return days
}

// ParseDocumentType normalizes and validates a document type value.
func ParseDocumentType(raw string) (DocumentType, error) {
	t := DocumentType(strings.ToLower(strings.TrimSpace(raw)))
	if !slices.Contains(validDocumentTypes, t) {
		return "", ErrInvalidDocumentType
	}
	return t, nil
}

// ParseDocumentStatus normalizes and validates a status value.
func ParseDocumentStatus(raw string) (DocumentStatus, error) {
	s := DocumentStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !slices.Contains(validStatuses, s) {
		return "", ErrInvalidStatus
	}
	return s, nil
}

// ParseMarginImpact normalizes and validates a margin impact value.
func ParseMarginImpact(raw string) (MarginImpact, error) {
	m := MarginImpact(strings.ToLower(strings.TrimSpace(raw)))
	if !slices.Contains(validMarginImpacts, m) {
		return "", ErrInvalidMarginImpact
	}
	return m, nil
}
