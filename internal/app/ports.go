package app

import (
	"context"
	"time"

	"github.com/hylla/qdoc/internal/domain"
)

// DocumentFilter scopes document list queries to one tenant.
type DocumentFilter struct {
	OrgID    string
	Statuses []domain.DocumentStatus
}

// Repository persists documents and their archived history.
type Repository interface {
	CreateDocument(context.Context, domain.Document) error
	GetDocument(context.Context, string) (domain.Document, error)
	ListDocuments(context.Context, DocumentFilter) ([]domain.Document, error)
	// ListHistory returns entries ordered by archival time, most recent first.
	ListHistory(context.Context, string) ([]domain.HistoryEntry, error)
	// WithinTx runs fn as one atomic read-modify-write unit. A non-nil error
	// from fn rolls back every write made through the DocumentTx.
	WithinTx(context.Context, func(DocumentTx) error) error
}

// DocumentTx is the transactional view handed to WithinTx callbacks.
type DocumentTx interface {
	GetDocumentForUpdate(context.Context, string) (domain.Document, error)
	UpdateDocument(context.Context, domain.Document) error
	InsertHistory(context.Context, domain.HistoryEntry) error
}

// ExtractionSource reads procedure extractions and records document links.
type ExtractionSource interface {
	GetExtraction(ctx context.Context, orgID, extractionID string) (domain.ProcedureExtraction, error)
	ListExtractions(ctx context.Context, orgID string) ([]domain.ProcedureExtraction, error)
	LinkExtractionToDocument(ctx context.Context, orgID, extractionID, documentID string, linkedAt time.Time) error
}

// ExtractionRecorder is implemented by sources that also accept ingested records.
type ExtractionRecorder interface {
	SaveExtraction(context.Context, domain.ProcedureExtraction) error
}

// MetricsRecorder observes service operation outcomes.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Logger is the structured key-value logger used for batch diagnostics.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

type nopMetrics struct{}

func (nopMetrics) Observe(context.Context, string, bool, time.Duration) {}
