// Package common provides transport-agnostic server contracts used by HTTP and MCP adapters.
package common

import (
	"context"
	"errors"

	"github.com/hylla/qdoc/internal/domain"
)

// Transport-visible error classes. Adapter errors join one of these with the
// underlying cause so transports can map them without importing app internals.
var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotReady          = errors.New("not ready")
	ErrUnavailable       = errors.New("service unavailable")
)

// Error codes shared by the HTTP envelope and MCP tool errors.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeNotFound          = "not_found"
	CodeInvalidTransition = "invalid_transition"
	CodeNotReady          = "not_ready"
	CodeNotImplemented    = "not_implemented"
	CodeInternal          = "internal_error"
)

// ErrorCode classifies one adapter error into a stable transport code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return CodeInternal
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrNotReady):
		return CodeNotReady
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, ErrUnavailable):
		return CodeNotImplemented
	default:
		return CodeInternal
	}
}

// CreateDocumentRequest captures input for one new draft document.
type CreateDocumentRequest struct {
	OrgID           string   `json:"org_id"`
	Type            string   `json:"type"`
	Title           string   `json:"title"`
	ContentHash     string   `json:"content_hash"`
	CreatedBy       string   `json:"created_by,omitempty"`
	MaintenanceCost *float64 `json:"maintenance_cost,omitempty"`
	MarginImpact    string   `json:"margin_impact,omitempty"`
	ExtractionID    string   `json:"extraction_id,omitempty"`
}

// ListDocumentsRequest captures list filters.
type ListDocumentsRequest struct {
	OrgID  string
	Status string
}

// TransitionRequest captures approve and retire input.
type TransitionRequest struct {
	DocumentID string `json:"-"`
	Actor      string `json:"actor,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// LinkExtractionRequest captures input for generating a document from an extraction.
type LinkExtractionRequest struct {
	OrgID        string `json:"-"`
	ExtractionID string `json:"-"`
	CreatedBy    string `json:"created_by,omitempty"`
}

// UnlinkedExtractions lists completed extractions still waiting for a document.
type UnlinkedExtractions struct {
	OrgID         string   `json:"org_id"`
	ExtractionIDs []string `json:"extraction_ids"`
}

// AutoProcessResult reports one batch run.
type AutoProcessResult struct {
	OrgID     string `json:"org_id"`
	Processed int    `json:"processed"`
}

// DocumentService exposes lifecycle operations to transports.
type DocumentService interface {
	CreateDocument(context.Context, CreateDocumentRequest) (domain.Document, error)
	GetDocument(context.Context, string) (domain.Document, error)
	ListDocuments(context.Context, ListDocumentsRequest) ([]domain.Document, error)
	SubmitForReview(context.Context, string) (domain.Document, error)
	ApproveDocument(context.Context, TransitionRequest) (domain.Document, error)
	RetireDocument(context.Context, TransitionRequest) (domain.Document, error)
	GetHistory(context.Context, string) ([]domain.HistoryEntry, error)
}

// RiskService exposes revision risk analysis to transports.
type RiskService interface {
	AnalyzeDocument(context.Context, string) (domain.RevisionRiskAnalysis, error)
	AnalyzeOrganization(context.Context, string) ([]domain.RevisionRiskAnalysis, error)
}

// ExtractionService exposes extraction linking to transports.
type ExtractionService interface {
	LinkExtraction(context.Context, LinkExtractionRequest) (domain.Document, error)
	ListUnlinkedExtractions(context.Context, string) (UnlinkedExtractions, error)
	AutoProcessExtractions(context.Context, string) (AutoProcessResult, error)
}

// Services bundles every transport-facing service. Risk and Extractions are optional.
type Services struct {
	Documents   DocumentService
	Risk        RiskService
	Extractions ExtractionService
}
