package common

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hylla/qdoc/internal/app"
	"github.com/hylla/qdoc/internal/domain"
)

// defaultActor attributes serve-mode mutations that carry no explicit actor.
const defaultActor = "qdoc-serve"

// AppServiceAdapter maps transport contracts onto app.Service.
type AppServiceAdapter struct {
	service *app.Service
	actor   string
}

var (
	_ DocumentService   = (*AppServiceAdapter)(nil)
	_ RiskService       = (*AppServiceAdapter)(nil)
	_ ExtractionService = (*AppServiceAdapter)(nil)
)

// NewAppServiceAdapter builds one common adapter over an app.Service instance.
// actor is used when a request does not name one.
func NewAppServiceAdapter(service *app.Service, actor string) *AppServiceAdapter {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		actor = defaultActor
	}
	return &AppServiceAdapter{service: service, actor: actor}
}

// Services returns the adapter bound to every transport service slot.
func (a *AppServiceAdapter) Services() Services {
	return Services{Documents: a, Risk: a, Extractions: a}
}

// CreateDocument validates enum inputs and creates one draft document.
func (a *AppServiceAdapter) CreateDocument(ctx context.Context, in CreateDocumentRequest) (domain.Document, error) {
	if err := a.ready(); err != nil {
		return domain.Document{}, err
	}
	docType, err := domain.ParseDocumentType(in.Type)
	if err != nil {
		return domain.Document{}, mapAppError("create document", err)
	}
	var impact domain.MarginImpact
	if strings.TrimSpace(in.MarginImpact) != "" {
		impact, err = domain.ParseMarginImpact(in.MarginImpact)
		if err != nil {
			return domain.Document{}, mapAppError("create document", err)
		}
	}
	doc, err := a.service.CreateDocument(ctx, app.CreateDocumentInput{
		OrgID:           in.OrgID,
		Type:            docType,
		Title:           in.Title,
		ContentHash:     in.ContentHash,
		CreatedBy:       a.actorOr(in.CreatedBy),
		MaintenanceCost: in.MaintenanceCost,
		MarginImpact:    impact,
		ExtractionID:    in.ExtractionID,
	})
	if err != nil {
		return domain.Document{}, mapAppError("create document", err)
	}
	return doc, nil
}

// GetDocument returns one document by id.
func (a *AppServiceAdapter) GetDocument(ctx context.Context, documentID string) (domain.Document, error) {
	if err := a.ready(); err != nil {
		return domain.Document{}, err
	}
	doc, err := a.service.GetDocument(ctx, documentID)
	if err != nil {
		return domain.Document{}, mapAppError("get document", err)
	}
	return doc, nil
}

// ListDocuments lists one organization's documents, optionally by status.
func (a *AppServiceAdapter) ListDocuments(ctx context.Context, in ListDocumentsRequest) ([]domain.Document, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	var status domain.DocumentStatus
	if strings.TrimSpace(in.Status) != "" {
		parsed, err := domain.ParseDocumentStatus(in.Status)
		if err != nil {
			return nil, mapAppError("list documents", err)
		}
		status = parsed
	}
	docs, err := a.service.ListByOrg(ctx, in.OrgID, status)
	if err != nil {
		return nil, mapAppError("list documents", err)
	}
	return docs, nil
}

// SubmitForReview moves one draft into review.
func (a *AppServiceAdapter) SubmitForReview(ctx context.Context, documentID string) (domain.Document, error) {
	if err := a.ready(); err != nil {
		return domain.Document{}, err
	}
	doc, err := a.service.SubmitForReview(ctx, documentID)
	if err != nil {
		return domain.Document{}, mapAppError("submit for review", err)
	}
	return doc, nil
}

// ApproveDocument approves one document as the request actor.
func (a *AppServiceAdapter) ApproveDocument(ctx context.Context, in TransitionRequest) (domain.Document, error) {
	if err := a.ready(); err != nil {
		return domain.Document{}, err
	}
	doc, err := a.service.Approve(ctx, in.DocumentID, a.actorOr(in.Actor), in.Reason)
	if err != nil {
		return domain.Document{}, mapAppError("approve document", err)
	}
	return doc, nil
}

// RetireDocument retires one document.
func (a *AppServiceAdapter) RetireDocument(ctx context.Context, in TransitionRequest) (domain.Document, error) {
	if err := a.ready(); err != nil {
		return domain.Document{}, err
	}
	doc, err := a.service.Retire(ctx, in.DocumentID, a.actorOr(in.Actor), in.Reason)
	if err != nil {
		return domain.Document{}, mapAppError("retire document", err)
	}
	return doc, nil
}

// GetHistory lists archived snapshots, newest first.
func (a *AppServiceAdapter) GetHistory(ctx context.Context, documentID string) ([]domain.HistoryEntry, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	entries, err := a.service.GetHistory(ctx, documentID)
	if err != nil {
		return nil, mapAppError("get history", err)
	}
	return entries, nil
}

// AnalyzeDocument evaluates one document's revision risk.
func (a *AppServiceAdapter) AnalyzeDocument(ctx context.Context, documentID string) (domain.RevisionRiskAnalysis, error) {
	if err := a.ready(); err != nil {
		return domain.RevisionRiskAnalysis{}, err
	}
	analysis, err := a.service.AnalyzeDocument(ctx, documentID)
	if err != nil {
		return domain.RevisionRiskAnalysis{}, mapAppError("analyze document", err)
	}
	return analysis, nil
}

// AnalyzeOrganization evaluates every current document in one organization.
func (a *AppServiceAdapter) AnalyzeOrganization(ctx context.Context, orgID string) ([]domain.RevisionRiskAnalysis, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	out, err := a.service.AnalyzeOrganization(ctx, orgID)
	if err != nil {
		return nil, mapAppError("analyze organization", err)
	}
	return out, nil
}

// LinkExtraction creates a draft document from one completed extraction.
func (a *AppServiceAdapter) LinkExtraction(ctx context.Context, in LinkExtractionRequest) (domain.Document, error) {
	if err := a.ready(); err != nil {
		return domain.Document{}, err
	}
	doc, err := a.service.CreateDocumentFromExtraction(ctx, in.OrgID, in.ExtractionID, a.actorOr(in.CreatedBy))
	if err != nil {
		return domain.Document{}, mapAppError("link extraction", err)
	}
	return doc, nil
}

// ListUnlinkedExtractions lists completed extractions without a document.
func (a *AppServiceAdapter) ListUnlinkedExtractions(ctx context.Context, orgID string) (UnlinkedExtractions, error) {
	if err := a.ready(); err != nil {
		return UnlinkedExtractions{}, err
	}
	ids, err := a.service.FindUnlinkedExtractions(ctx, orgID)
	if err != nil {
		return UnlinkedExtractions{}, mapAppError("list unlinked extractions", err)
	}
	return UnlinkedExtractions{OrgID: strings.TrimSpace(orgID), ExtractionIDs: ids}, nil
}

// AutoProcessExtractions links every pending completed extraction.
func (a *AppServiceAdapter) AutoProcessExtractions(ctx context.Context, orgID string) (AutoProcessResult, error) {
	if err := a.ready(); err != nil {
		return AutoProcessResult{}, err
	}
	processed, err := a.service.AutoProcessUnlinked(ctx, orgID)
	if err != nil {
		return AutoProcessResult{}, mapAppError("auto process extractions", err)
	}
	return AutoProcessResult{OrgID: strings.TrimSpace(orgID), Processed: processed}, nil
}

// ready reports whether the adapter has a backing service.
func (a *AppServiceAdapter) ready() error {
	if a == nil || a.service == nil {
		return fmt.Errorf("app service adapter is not configured: %w", ErrUnavailable)
	}
	return nil
}

// actorOr returns the trimmed actor or the adapter default.
func (a *AppServiceAdapter) actorOr(actor string) string {
	if actor = strings.TrimSpace(actor); actor != "" {
		return actor
	}
	return a.actor
}

// mapAppError joins app and domain errors with their transport class.
func mapAppError(operation string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, app.ErrNotFound):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrNotFound, err))
	case errors.Is(err, domain.ErrInvalidTransition):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrInvalidTransition, err))
	case errors.Is(err, app.ErrNotReady):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrNotReady, err))
	case errors.Is(err, domain.ErrValidation):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrInvalidRequest, err))
	case errors.Is(err, app.ErrNoExtractionSource), errors.Is(err, app.ErrExtractionNotStored):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrUnavailable, err))
	default:
		return fmt.Errorf("%s: %w", operation, err)
	}
}
