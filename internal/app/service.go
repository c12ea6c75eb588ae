package app

import (
	"context"
	"strings"
	"time"

	"github.com/hylla/qdoc/internal/domain"
)

// defaultAutoProcessActor is recorded as creator for batch-linked documents.
const defaultAutoProcessActor = "system"

// ServiceConfig holds configuration for service.
type ServiceConfig struct {
	RiskThresholds   domain.RiskThresholds
	AutoProcessActor string
	Logger           Logger
	Metrics          MetricsRecorder
}

// IDGenerator returns unique identifiers for new entities.
type IDGenerator func() string

// Clock returns the current time.
type Clock func() time.Time

// Service implements the document lifecycle, revision risk, and extraction linking use cases.
type Service struct {
	repo        Repository
	extractions ExtractionSource
	idGen       IDGenerator
	clock       Clock
	thresholds  domain.RiskThresholds
	autoActor   string
	logger      Logger
	metrics     MetricsRecorder
}

// NewService constructs a new value for this package. extractions may be nil,
// in which case extraction linking fails with ErrNoExtractionSource and risk
// analysis runs without external signals.
func NewService(repo Repository, extractions ExtractionSource, idGen IDGenerator, clock Clock, cfg ServiceConfig) *Service {
	if idGen == nil {
		idGen = func() string { return "" }
	}
	if clock == nil {
		clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	cfg.AutoProcessActor = strings.TrimSpace(cfg.AutoProcessActor)
	if cfg.AutoProcessActor == "" {
		cfg.AutoProcessActor = defaultAutoProcessActor
	}

	return &Service{
		repo:        repo,
		extractions: extractions,
		idGen:       idGen,
		clock:       clock,
		thresholds:  cfg.RiskThresholds.Normalize(),
		autoActor:   cfg.AutoProcessActor,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}
}

// RiskThresholds returns the normalized evaluator configuration.
func (s *Service) RiskThresholds() domain.RiskThresholds {
	return s.thresholds
}

// CreateDocumentInput holds input values for create document operations.
type CreateDocumentInput struct {
	OrgID           string
	Type            domain.DocumentType
	Title           string
	ContentHash     string
	CreatedBy       string
	MaintenanceCost *float64
	MarginImpact    domain.MarginImpact
	ExtractionID    string
}

// CreateDocument creates a draft document at version 0.1.
func (s *Service) CreateDocument(ctx context.Context, in CreateDocumentInput) (doc domain.Document, err error) {
	defer s.observe(ctx, "create_document", time.Now(), &err)

	doc, err = domain.NewDocument(domain.DocumentInput{
		ID:              s.idGen(),
		OrgID:           in.OrgID,
		Type:            in.Type,
		Title:           in.Title,
		ContentHash:     in.ContentHash,
		CreatedBy:       in.CreatedBy,
		ExtractionID:    in.ExtractionID,
		MaintenanceCost: in.MaintenanceCost,
		MarginImpact:    in.MarginImpact,
	}, s.clock())
	if err != nil {
		return domain.Document{}, err
	}
	if err = s.repo.CreateDocument(ctx, doc); err != nil {
		return domain.Document{}, err
	}
	return doc, nil
}

// GetDocument returns one document.
func (s *Service) GetDocument(ctx context.Context, documentID string) (domain.Document, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return domain.Document{}, domain.ErrInvalidID
	}
	return s.repo.GetDocument(ctx, documentID)
}

// SubmitForReview moves a draft into review.
func (s *Service) SubmitForReview(ctx context.Context, documentID string) (doc domain.Document, err error) {
	defer s.observe(ctx, "submit_for_review", time.Now(), &err)

	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return domain.Document{}, domain.ErrInvalidID
	}
	err = s.repo.WithinTx(ctx, func(tx DocumentTx) error {
		current, err := tx.GetDocumentForUpdate(ctx, documentID)
		if err != nil {
			return err
		}
		if err := current.SubmitForReview(s.clock()); err != nil {
			return err
		}
		if err := tx.UpdateDocument(ctx, current); err != nil {
			return err
		}
		doc = current
		return nil
	})
	if err != nil {
		return domain.Document{}, err
	}
	return doc, nil
}

// Approve activates the document at the next major version. When the
// document was already active, the superseded revision is archived in the
// same transaction.
func (s *Service) Approve(ctx context.Context, documentID, approvedBy, reason string) (doc domain.Document, err error) {
	defer s.observe(ctx, "approve", time.Now(), &err)

	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return domain.Document{}, domain.ErrInvalidID
	}
	err = s.repo.WithinTx(ctx, func(tx DocumentTx) error {
		current, err := tx.GetDocumentForUpdate(ctx, documentID)
		if err != nil {
			return err
		}
		now := s.clock()
		superseded, err := current.Approve(approvedBy, now)
		if err != nil {
			return err
		}
		if superseded != nil {
			entry, err := domain.NewApprovalHistory(s.idGen(), *superseded, approvedBy, reason, now)
			if err != nil {
				return err
			}
			if err := tx.InsertHistory(ctx, entry); err != nil {
				return err
			}
		}
		if err := tx.UpdateDocument(ctx, current); err != nil {
			return err
		}
		doc = current
		return nil
	})
	if err != nil {
		return domain.Document{}, err
	}
	return doc, nil
}

// Retire archives the current revision and marks the document obsolete.
// retiredBy is optional.
func (s *Service) Retire(ctx context.Context, documentID, retiredBy, reason string) (doc domain.Document, err error) {
	defer s.observe(ctx, "retire", time.Now(), &err)

	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return domain.Document{}, domain.ErrInvalidID
	}
	err = s.repo.WithinTx(ctx, func(tx DocumentTx) error {
		current, err := tx.GetDocumentForUpdate(ctx, documentID)
		if err != nil {
			return err
		}
		now := s.clock()
		snapshot := current.Retire(now)
		entry, err := domain.NewRetirementHistory(s.idGen(), snapshot, retiredBy, reason, now)
		if err != nil {
			return err
		}
		if err := tx.InsertHistory(ctx, entry); err != nil {
			return err
		}
		if err := tx.UpdateDocument(ctx, current); err != nil {
			return err
		}
		doc = current
		return nil
	})
	if err != nil {
		return domain.Document{}, err
	}
	return doc, nil
}

// ListByOrg lists a tenant's documents, optionally filtered by status.
func (s *Service) ListByOrg(ctx context.Context, orgID string, status domain.DocumentStatus) ([]domain.Document, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, domain.ErrInvalidOrgID
	}
	filter := DocumentFilter{OrgID: orgID}
	if strings.TrimSpace(string(status)) != "" {
		parsed, err := domain.ParseDocumentStatus(string(status))
		if err != nil {
			return nil, err
		}
		filter.Statuses = []domain.DocumentStatus{parsed}
	}
	return s.repo.ListDocuments(ctx, filter)
}

// GetHistory returns archived snapshots for a document, most recent first.
func (s *Service) GetHistory(ctx context.Context, documentID string) ([]domain.HistoryEntry, error) {
	if _, err := s.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	return s.repo.ListHistory(ctx, strings.TrimSpace(documentID))
}

// observe reports one operation outcome to the metrics recorder.
func (s *Service) observe(ctx context.Context, operation string, started time.Time, errp *error) {
	s.metrics.Observe(ctx, operation, errp == nil || *errp == nil, time.Since(started))
}
