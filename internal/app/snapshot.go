package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hylla/qdoc/internal/domain"
)

// SnapshotVersion tags the export format.
const SnapshotVersion = "qdoc.snapshot.v1"

// Snapshot is a point-in-time audit export of one tenant.
type Snapshot struct {
	Version     string                       `json:"version"`
	ExportedAt  time.Time                    `json:"exported_at"`
	OrgID       string                       `json:"org_id"`
	Documents   []domain.Document            `json:"documents"`
	History     []domain.HistoryEntry        `json:"history"`
	Extractions []domain.ProcedureExtraction `json:"extractions,omitempty"`
}

// ExportSnapshot collects every document, history entry, and extraction of a tenant.
func (s *Service) ExportSnapshot(ctx context.Context, orgID string) (Snapshot, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return Snapshot{}, domain.ErrInvalidOrgID
	}

	docs, err := s.repo.ListDocuments(ctx, DocumentFilter{OrgID: orgID})
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		Version:     SnapshotVersion,
		ExportedAt:  s.clock().UTC(),
		OrgID:       orgID,
		Documents:   make([]domain.Document, 0, len(docs)),
		History:     make([]domain.HistoryEntry, 0),
		Extractions: make([]domain.ProcedureExtraction, 0),
	}
	for _, doc := range docs {
		snap.Documents = append(snap.Documents, doc.Clone())

		entries, listErr := s.repo.ListHistory(ctx, doc.ID)
		if listErr != nil {
			return Snapshot{}, listErr
		}
		snap.History = append(snap.History, entries...)
	}
	if s.extractions != nil {
		extractions, listErr := s.extractions.ListExtractions(ctx, orgID)
		if listErr != nil {
			return Snapshot{}, listErr
		}
		snap.Extractions = append(snap.Extractions, extractions...)
	}

	snap.sort()
	if err := snap.Validate(); err != nil {
		return Snapshot{}, fmt.Errorf("validate snapshot for org %s: %w", orgID, err)
	}
	return snap, nil
}

// Validate checks tenant scoping and references before a snapshot is written.
func (s *Snapshot) Validate() error {
	if s.Version != "" && s.Version != SnapshotVersion {
		return fmt.Errorf("unsupported snapshot version: %q", s.Version)
	}
	if strings.TrimSpace(s.OrgID) == "" {
		return fmt.Errorf("org_id is required")
	}

	docIDs := map[string]struct{}{}
	for i, doc := range s.Documents {
		if strings.TrimSpace(doc.ID) == "" {
			return fmt.Errorf("documents[%d].id is required", i)
		}
		if doc.OrgID != s.OrgID {
			return fmt.Errorf("documents[%d] belongs to org %q", i, doc.OrgID)
		}
		if _, exists := docIDs[doc.ID]; exists {
			return fmt.Errorf("duplicate document id: %q", doc.ID)
		}
		docIDs[doc.ID] = struct{}{}
	}
	for i, entry := range s.History {
		if _, ok := docIDs[entry.DocumentID]; !ok {
			return fmt.Errorf("history[%d] references unknown document %q", i, entry.DocumentID)
		}
	}
	for i, extraction := range s.Extractions {
		if err := extraction.Validate(); err != nil {
			return fmt.Errorf("extractions[%d]: %w", i, err)
		}
	}
	return nil
}

// sort orders every collection deterministically.
func (s *Snapshot) sort() {
	sort.Slice(s.Documents, func(i, j int) bool {
		return s.Documents[i].ID < s.Documents[j].ID
	})
	sort.SliceStable(s.History, func(i, j int) bool {
		a := s.History[i]
		b := s.History[j]
		if a.DocumentID == b.DocumentID {
			if a.ArchivedAt.Equal(b.ArchivedAt) {
				return a.ID < b.ID
			}
			return a.ArchivedAt.After(b.ArchivedAt)
		}
		return a.DocumentID < b.DocumentID
	})
	sort.Slice(s.Extractions, func(i, j int) bool {
		return s.Extractions[i].ID < s.Extractions[j].ID
	})
}
