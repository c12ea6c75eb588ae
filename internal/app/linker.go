package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hylla/qdoc/internal/domain"
)

// CreateDocumentFromExtraction generates a draft procedure document from a
// completed extraction and records the two-way link.
func (s *Service) CreateDocumentFromExtraction(ctx context.Context, orgID, extractionID, createdBy string) (doc domain.Document, err error) {
	defer s.observe(ctx, "create_document_from_extraction", time.Now(), &err)

	if s.extractions == nil {
		return domain.Document{}, ErrNoExtractionSource
	}
	orgID = strings.TrimSpace(orgID)
	extractionID = strings.TrimSpace(extractionID)
	if orgID == "" {
		return domain.Document{}, domain.ErrInvalidOrgID
	}
	if extractionID == "" {
		return domain.Document{}, domain.ErrInvalidID
	}

	extraction, err := s.extractions.GetExtraction(ctx, orgID, extractionID)
	if err != nil {
		return domain.Document{}, err
	}
	if !extraction.Completed() {
		return domain.Document{}, fmt.Errorf("%w: extraction %s is %s", ErrNotReady, extractionID, extraction.Status)
	}
	if extraction.Linked() {
		return domain.Document{}, fmt.Errorf("%w: extraction %s already linked to document %s", domain.ErrInvalidTransition, extractionID, extraction.DocumentID)
	}

	doc, found, err := s.documentForExtraction(ctx, orgID, extractionID)
	if err != nil {
		return domain.Document{}, err
	}
	if found {
		s.logger.Info("reusing document left by an earlier link attempt", "org_id", orgID, "extraction_id", extractionID, "document_id", doc.ID)
	} else {
		hash, hashErr := extraction.ContentHash()
		if hashErr != nil {
			return domain.Document{}, hashErr
		}
		cost := extraction.MaintenanceCost()
		doc, err = s.CreateDocument(ctx, CreateDocumentInput{
			OrgID:           orgID,
			Type:            domain.DocumentTypeProcedure,
			Title:           extraction.DocumentTitle(),
			ContentHash:     hash,
			CreatedBy:       createdBy,
			MaintenanceCost: &cost,
			MarginImpact:    extraction.MarginImpact(),
			ExtractionID:    extractionID,
		})
		if err != nil {
			return domain.Document{}, err
		}
	}
	if err = s.extractions.LinkExtractionToDocument(ctx, orgID, extractionID, doc.ID, s.clock()); err != nil {
		return domain.Document{}, fmt.Errorf("link extraction %s to document %s: %w", extractionID, doc.ID, err)
	}
	return doc, nil
}

// documentForExtraction finds a document already generated from extractionID
// whose link write never landed. Retries reuse it so one extraction yields one document.
func (s *Service) documentForExtraction(ctx context.Context, orgID, extractionID string) (domain.Document, bool, error) {
	docs, err := s.repo.ListDocuments(ctx, DocumentFilter{OrgID: orgID})
	if err != nil {
		return domain.Document{}, false, err
	}
	for _, doc := range docs {
		if doc.ExtractionID == extractionID {
			return doc, true, nil
		}
	}
	return domain.Document{}, false, nil
}

// FindUnlinkedExtractions returns ids of completed extractions without a document.
func (s *Service) FindUnlinkedExtractions(ctx context.Context, orgID string) ([]string, error) {
	if s.extractions == nil {
		return nil, ErrNoExtractionSource
	}
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, domain.ErrInvalidOrgID
	}
	extractions, err := s.extractions.ListExtractions(ctx, orgID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(extractions))
	for _, extraction := range extractions {
		if extraction.Completed() && !extraction.Linked() {
			ids = append(ids, extraction.ID)
		}
	}
	return ids, nil
}

// AutoProcessUnlinked links every unlinked completed extraction of a tenant,
// one at a time. Individual failures are logged and do not stop the batch.
// It returns the number of documents created.
func (s *Service) AutoProcessUnlinked(ctx context.Context, orgID string) (processed int, err error) {
	defer s.observe(ctx, "auto_process_unlinked", time.Now(), &err)

	ids, err := s.FindUnlinkedExtractions(ctx, orgID)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		doc, linkErr := s.CreateDocumentFromExtraction(ctx, orgID, id, s.autoActor)
		if linkErr != nil {
			s.logger.Warn("auto-processing extraction failed", "org_id", orgID, "extraction_id", id, "err", linkErr)
			continue
		}
		s.logger.Info("created document from extraction", "org_id", orgID, "extraction_id", id, "document_id", doc.ID)
		processed++
	}
	return processed, nil
}

// RecordExtraction stores an extraction produced by the external pipeline.
func (s *Service) RecordExtraction(ctx context.Context, extraction domain.ProcedureExtraction) (domain.ProcedureExtraction, error) {
	if s.extractions == nil {
		return domain.ProcedureExtraction{}, ErrNoExtractionSource
	}
	recorder, ok := s.extractions.(ExtractionRecorder)
	if !ok {
		return domain.ProcedureExtraction{}, ErrExtractionNotStored
	}

	extraction.ID = strings.TrimSpace(extraction.ID)
	extraction.OrgID = strings.TrimSpace(extraction.OrgID)
	extraction.Status = domain.ExtractionStatus(strings.ToLower(strings.TrimSpace(string(extraction.Status))))
	if extraction.Status == "" {
		extraction.Status = domain.ExtractionPending
	}
	if extraction.ID == "" {
		extraction.ID = s.idGen()
	}
	if extraction.CreatedAt.IsZero() {
		extraction.CreatedAt = s.clock()
	}
	extraction.CreatedAt = extraction.CreatedAt.UTC()
	if err := extraction.Validate(); err != nil {
		return domain.ProcedureExtraction{}, err
	}
	if err := recorder.SaveExtraction(ctx, extraction); err != nil {
		return domain.ProcedureExtraction{}, err
	}
	return extraction, nil
}
