package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hylla/qdoc/internal/domain"
)

// riskScopeStatuses are the lifecycle states covered by organization risk reports.
var riskScopeStatuses = []domain.DocumentStatus{domain.StatusActive, domain.StatusInReview}

// AnalyzeDocument evaluates revision risk for one document, using its linked
// extraction as the source of external signals when one exists.
func (s *Service) AnalyzeDocument(ctx context.Context, documentID string) (analysis domain.RevisionRiskAnalysis, err error) {
	defer s.observe(ctx, "analyze_document", time.Now(), &err)

	doc, err := s.GetDocument(ctx, documentID)
	if err != nil {
		return domain.RevisionRiskAnalysis{}, err
	}
	signals, err := s.signalsFor(ctx, doc)
	if err != nil {
		return domain.RevisionRiskAnalysis{}, err
	}
	return domain.EvaluateRevisionRisk(doc, signals, s.thresholds, s.clock()), nil
}

// AnalyzeOrganization evaluates every active or in-review document of a
// tenant. Documents whose signals cannot be resolved are logged and skipped.
// Results are ordered by risk, highest first, keeping list order for ties.
func (s *Service) AnalyzeOrganization(ctx context.Context, orgID string) (out []domain.RevisionRiskAnalysis, err error) {
	defer s.observe(ctx, "analyze_organization", time.Now(), &err)

	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, domain.ErrInvalidOrgID
	}
	docs, err := s.repo.ListDocuments(ctx, DocumentFilter{OrgID: orgID, Statuses: riskScopeStatuses})
	if err != nil {
		return nil, err
	}

	now := s.clock()
	out = make([]domain.RevisionRiskAnalysis, 0, len(docs))
	for _, doc := range docs {
		signals, sigErr := s.signalsFor(ctx, doc)
		if sigErr != nil {
			s.logger.Warn("skipping document in risk analysis", "org_id", orgID, "document_id", doc.ID, "err", sigErr)
			continue
		}
		out = append(out, domain.EvaluateRevisionRisk(doc, signals, s.thresholds, now))
	}
	domain.SortByRiskDesc(out)
	s.logger.Debug("organization risk analysis complete", "org_id", orgID, "documents", len(docs), "analyzed", len(out))
	return out, nil
}

// signalsFor resolves the optional risk signals for a document.
func (s *Service) signalsFor(ctx context.Context, doc domain.Document) (domain.RiskSignals, error) {
	if doc.ExtractionID == "" || s.extractions == nil {
		return domain.RiskSignals{}, nil
	}
	extraction, err := s.extractions.GetExtraction(ctx, doc.OrgID, doc.ExtractionID)
	if err != nil {
		return domain.RiskSignals{}, fmt.Errorf("resolve risk signals from extraction %s: %w", doc.ExtractionID, err)
	}
	return domain.SignalsFromExtraction(extraction), nil
}
