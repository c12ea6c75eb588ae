package app

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sort"
	"testing"
	"time"

	"github.com/hylla/qdoc/internal/domain"
)

type fakeRepo struct {
	docs    map[string]domain.Document
	order   []string
	history []domain.HistoryEntry
	txCalls int
	failTx  error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{docs: map[string]domain.Document{}}
}

func (f *fakeRepo) CreateDocument(_ context.Context, doc domain.Document) error {
	if _, exists := f.docs[doc.ID]; exists {
		return fmt.Errorf("duplicate document %q", doc.ID)
	}
	f.docs[doc.ID] = doc
	f.order = append(f.order, doc.ID)
	return nil
}

func (f *fakeRepo) GetDocument(_ context.Context, id string) (domain.Document, error) {
	doc, ok := f.docs[id]
	if !ok {
		return domain.Document{}, ErrNotFound
	}
	return doc.Clone(), nil
}

func (f *fakeRepo) ListDocuments(_ context.Context, filter DocumentFilter) ([]domain.Document, error) {
	out := make([]domain.Document, 0)
	for _, id := range f.order {
		doc := f.docs[id]
		if doc.OrgID != filter.OrgID {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, doc.Status) {
			continue
		}
		out = append(out, doc.Clone())
	}
	return out, nil
}

func (f *fakeRepo) ListHistory(_ context.Context, documentID string) ([]domain.HistoryEntry, error) {
	out := make([]domain.HistoryEntry, 0)
	for _, entry := range f.history {
		if entry.DocumentID == documentID {
			out = append(out, entry)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ArchivedAt.After(out[j].ArchivedAt)
	})
	return out, nil
}

// WithinTx stages writes and only applies them when fn succeeds.
func (f *fakeRepo) WithinTx(_ context.Context, fn func(DocumentTx) error) error {
	f.txCalls++
	if f.failTx != nil {
		return f.failTx
	}
	tx := &fakeTx{docs: maps.Clone(f.docs)}
	if err := fn(tx); err != nil {
		return err
	}
	f.docs = tx.docs
	f.history = append(f.history, tx.history...)
	return nil
}

type fakeTx struct {
	docs    map[string]domain.Document
	history []domain.HistoryEntry
}

func (t *fakeTx) GetDocumentForUpdate(_ context.Context, id string) (domain.Document, error) {
	doc, ok := t.docs[id]
	if !ok {
		return domain.Document{}, ErrNotFound
	}
	return doc.Clone(), nil
}

func (t *fakeTx) UpdateDocument(_ context.Context, doc domain.Document) error {
	if _, ok := t.docs[doc.ID]; !ok {
		return ErrNotFound
	}
	t.docs[doc.ID] = doc
	return nil
}

func (t *fakeTx) InsertHistory(_ context.Context, entry domain.HistoryEntry) error {
	t.history = append(t.history, entry)
	return nil
}

type fakeExtractions struct {
	records map[string]domain.ProcedureExtraction
	order   []string
	getErr  map[string]error
	linkErr error
}

func newFakeExtractions(records ...domain.ProcedureExtraction) *fakeExtractions {
	f := &fakeExtractions{records: map[string]domain.ProcedureExtraction{}, getErr: map[string]error{}}
	for _, r := range records {
		f.records[r.ID] = r
		f.order = append(f.order, r.ID)
	}
	return f
}

func (f *fakeExtractions) GetExtraction(_ context.Context, orgID, id string) (domain.ProcedureExtraction, error) {
	if err := f.getErr[id]; err != nil {
		return domain.ProcedureExtraction{}, err
	}
	r, ok := f.records[id]
	if !ok || r.OrgID != orgID {
		return domain.ProcedureExtraction{}, ErrNotFound
	}
	return r, nil
}

func (f *fakeExtractions) ListExtractions(_ context.Context, orgID string) ([]domain.ProcedureExtraction, error) {
	out := make([]domain.ProcedureExtraction, 0)
	for _, id := range f.order {
		if f.records[id].OrgID == orgID {
			out = append(out, f.records[id])
		}
	}
	return out, nil
}

func (f *fakeExtractions) LinkExtractionToDocument(_ context.Context, orgID, extractionID, documentID string, linkedAt time.Time) error {
	if f.linkErr != nil {
		return f.linkErr
	}
	r, ok := f.records[extractionID]
	if !ok || r.OrgID != orgID {
		return ErrNotFound
	}
	r.DocumentID = documentID
	r.LinkedAt = &linkedAt
	f.records[extractionID] = r
	return nil
}

func (f *fakeExtractions) SaveExtraction(_ context.Context, r domain.ProcedureExtraction) error {
	if _, exists := f.records[r.ID]; !exists {
		f.order = append(f.order, r.ID)
	}
	f.records[r.ID] = r
	return nil
}

type recordedLog struct {
	level string
	msg   string
}

type fakeLogger struct {
	entries []recordedLog
}

func (l *fakeLogger) Debug(msg string, _ ...any) { l.entries = append(l.entries, recordedLog{"debug", msg}) }
func (l *fakeLogger) Info(msg string, _ ...any)  { l.entries = append(l.entries, recordedLog{"info", msg}) }
func (l *fakeLogger) Warn(msg string, _ ...any)  { l.entries = append(l.entries, recordedLog{"warn", msg}) }
func (l *fakeLogger) Error(msg string, _ ...any) { l.entries = append(l.entries, recordedLog{"error", msg}) }

func (l *fakeLogger) count(level string) int {
	n := 0
	for _, e := range l.entries {
		if e.level == level {
			n++
		}
	}
	return n
}

type observation struct {
	op      string
	success bool
}

type fakeMetrics struct {
	seen []observation
}

func (m *fakeMetrics) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	m.seen = append(m.seen, observation{op: op, success: success})
}

type testEnv struct {
	svc         *Service
	repo        *fakeRepo
	extractions *fakeExtractions
	logger      *fakeLogger
	metrics     *fakeMetrics
	now         *time.Time
}

func newTestEnv(t *testing.T, records ...domain.ProcedureExtraction) testEnv {
	t.Helper()
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	env := testEnv{
		repo:        newFakeRepo(),
		extractions: newFakeExtractions(records...),
		logger:      &fakeLogger{},
		metrics:     &fakeMetrics{},
		now:         &now,
	}
	idCounter := 0
	env.svc = NewService(env.repo, env.extractions, func() string {
		idCounter++
		return fmt.Sprintf("id-%d", idCounter)
	}, func() time.Time {
		return *env.now
	}, ServiceConfig{Logger: env.logger, Metrics: env.metrics})
	return env
}

func (e testEnv) advance(d time.Duration) {
	*e.now = e.now.Add(d)
}

func (e testEnv) create(t *testing.T, org string) domain.Document {
	t.Helper()
	doc, err := e.svc.CreateDocument(context.Background(), CreateDocumentInput{
		OrgID:       org,
		Type:        domain.DocumentTypeProcedure,
		Title:       "T",
		ContentHash: "h",
		CreatedBy:   "u",
	})
	if err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	return doc
}

func completedExtraction(id, org string, steps, findings int, score float64) domain.ProcedureExtraction {
	e := domain.ProcedureExtraction{
		ID:              id,
		OrgID:           org,
		Status:          domain.ExtractionCompleted,
		ConformityScore: score,
		CreatedAt:       time.Date(2026, 2, 20, 9, 0, 0, 0, time.UTC),
	}
	for i := range steps {
		e.Steps = append(e.Steps, domain.ProcedureStep{Order: i + 1, Instruction: fmt.Sprintf("step %d", i+1)})
	}
	for i := range findings {
		e.NonConformities = append(e.NonConformities, domain.NonConformity{Code: fmt.Sprintf("NC-%d", i+1), Description: "deviation"})
	}
	return e
}

func TestCreateDocumentScenario(t *testing.T) {
	env := newTestEnv(t)
	doc := env.create(t, "A")
	if doc.Status != domain.StatusDraft || doc.Version.String() != "0.1" {
		t.Fatalf("unexpected document %#v", doc)
	}
	if doc.ID != "id-1" || doc.OrgID != "A" {
		t.Fatalf("unexpected identity %q/%q", doc.ID, doc.OrgID)
	}
	if _, err := env.repo.GetDocument(context.Background(), doc.ID); err != nil {
		t.Fatalf("expected document persisted, got %v", err)
	}
}

func TestCreateDocumentValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.CreateDocument(context.Background(), CreateDocumentInput{OrgID: "A", Type: domain.DocumentTypePolicy, ContentHash: "h", CreatedBy: "u"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(env.repo.docs) != 0 {
		t.Fatalf("expected nothing persisted, got %d", len(env.repo.docs))
	}
	last := env.metrics.seen[len(env.metrics.seen)-1]
	if last.op != "create_document" || last.success {
		t.Fatalf("unexpected observation %#v", last)
	}
}

func TestApproveFromDraftCreatesNoHistory(t *testing.T) {
	env := newTestEnv(t)
	doc := env.create(t, "A")
	env.advance(time.Hour)

	approved, err := env.svc.Approve(context.Background(), doc.ID, "mgr", "")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if approved.Version.String() != "1.0" || approved.Status != domain.StatusActive {
		t.Fatalf("unexpected approved document %#v", approved)
	}
	if !approved.Metadata.LastRevisedAt.Equal(*env.now) {
		t.Fatalf("expected last revised %v, got %v", *env.now, approved.Metadata.LastRevisedAt)
	}
	history, err := env.svc.GetHistory(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected zero history entries, got %d", len(history))
	}
}

func TestApproveFromActiveArchivesPriorRevision(t *testing.T) {
	env := newTestEnv(t)
	doc := env.create(t, "A")
	first, err := env.svc.Approve(context.Background(), doc.ID, "mgr", "")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	env.advance(24 * time.Hour)
	second, err := env.svc.Approve(context.Background(), doc.ID, "mgr2", "annual review")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if second.Version.String() != "2.0" {
		t.Fatalf("expected version 2.0, got %s", second.Version)
	}
	history, err := env.svc.GetHistory(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected one history entry, got %d", len(history))
	}
	entry := history[0]
	if entry.Key != "1.0" || entry.Trigger != domain.HistoryTriggerApproval {
		t.Fatalf("unexpected entry key/trigger %q/%q", entry.Key, entry.Trigger)
	}
	if entry.ArchivedBy != "mgr2" || entry.Reason != "annual review" {
		t.Fatalf("unexpected entry actor/reason %q/%q", entry.ArchivedBy, entry.Reason)
	}
	if entry.Snapshot.Version != first.Version || entry.Snapshot.Status != first.Status {
		t.Fatalf("snapshot differs from pre-transition document: %#v", entry.Snapshot)
	}
	if !entry.Snapshot.Metadata.LastRevisedAt.Equal(first.Metadata.LastRevisedAt) {
		t.Fatalf("snapshot last revised mismatch")
	}
}

func TestApproveFromInReview(t *testing.T) {
	env := newTestEnv(t)
	doc := env.create(t, "A")
	submitted, err := env.svc.SubmitForReview(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("SubmitForReview() error = %v", err)
	}
	if submitted.Status != domain.StatusInReview || submitted.Version.String() != "0.1" {
		t.Fatalf("unexpected submitted document %#v", submitted)
	}
	if _, err := env.svc.SubmitForReview(context.Background(), doc.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on resubmit, got %v", err)
	}
	approved, err := env.svc.Approve(context.Background(), doc.ID, "mgr", "")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if approved.Version.String() != "1.0" || len(env.repo.history) != 0 {
		t.Fatalf("unexpected approval from review: %#v, history %d", approved, len(env.repo.history))
	}
}

func TestApproveObsoleteFailsWithoutMutation(t *testing.T) {
	env := newTestEnv(t)
	doc := env.create(t, "A")
	if _, err := env.svc.Retire(context.Background(), doc.ID, "", ""); err != nil {
		t.Fatalf("Retire() error = %v", err)
	}
	before := env.repo.docs[doc.ID]
	historyBefore := len(env.repo.history)
	env.advance(time.Hour)

	_, err := env.svc.Approve(context.Background(), doc.ID, "mgr", "")
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if env.repo.docs[doc.ID] != before {
		t.Fatalf("document mutated: %#v", env.repo.docs[doc.ID])
	}
	if len(env.repo.history) != historyBefore {
		t.Fatalf("history mutated: %d entries", len(env.repo.history))
	}
}

func TestApproveAndRetireNotFound(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.svc.Approve(context.Background(), "missing", "mgr", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := env.svc.Retire(context.Background(), "missing", "", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := env.svc.GetHistory(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApproveRunsInTransaction(t *testing.T) {
	env := newTestEnv(t)
	doc := env.create(t, "A")
	env.repo.failTx = errors.New("database is locked")
	if _, err := env.svc.Approve(context.Background(), doc.ID, "mgr", ""); err == nil {
		t.Fatal("expected transaction failure to surface")
	}
	if env.repo.txCalls != 1 {
		t.Fatalf("expected one transaction, got %d", env.repo.txCalls)
	}
	if env.repo.docs[doc.ID].Status != domain.StatusDraft {
		t.Fatal("expected document untouched when transaction fails")
	}
}

func TestRetireAlwaysArchives(t *testing.T) {
	env := newTestEnv(t)
	doc := env.create(t, "A")
	if _, err := env.svc.Approve(context.Background(), doc.ID, "mgr", ""); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	env.advance(time.Hour)
	retired, err := env.svc.Retire(context.Background(), doc.ID, "qa", "replaced")
	if err != nil {
		t.Fatalf("Retire() error = %v", err)
	}
	if retired.Status != domain.StatusObsolete || retired.Version.String() != "1.0" {
		t.Fatalf("unexpected retired document %#v", retired)
	}
	env.advance(time.Hour)
	if _, err := env.svc.Retire(context.Background(), doc.ID, "", ""); err != nil {
		t.Fatalf("re-Retire() error = %v", err)
	}

	history, err := env.svc.GetHistory(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected two retirement entries, got %d", len(history))
	}
	for _, entry := range history {
		if entry.Key != "retired-1.0" || entry.Trigger != domain.HistoryTriggerRetirement {
			t.Fatalf("unexpected entry %#v", entry)
		}
	}
	if !history[0].ArchivedAt.After(history[1].ArchivedAt) {
		t.Fatal("expected history ordered most recent first")
	}
	if history[1].Snapshot.Status != domain.StatusActive || history[1].Reason != "replaced" {
		t.Fatalf("unexpected first retirement snapshot %#v", history[1])
	}
	if history[0].ID == history[1].ID {
		t.Fatal("expected distinct history ids")
	}
}

func TestApproveAndRetireKeysAreDistinct(t *testing.T) {
	env := newTestEnv(t)
	doc := env.create(t, "A")
	ctx := context.Background()
	if _, err := env.svc.Approve(ctx, doc.ID, "mgr", ""); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	env.advance(time.Minute)
	if _, err := env.svc.Approve(ctx, doc.ID, "mgr", ""); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	env.advance(time.Minute)
	if _, err := env.svc.Retire(ctx, doc.ID, "", ""); err != nil {
		t.Fatalf("Retire() error = %v", err)
	}
	history, err := env.svc.GetHistory(ctx, doc.ID)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	keys := []string{history[0].Key, history[1].Key}
	if !slices.Equal(keys, []string{"retired-2.0", "1.0"}) {
		t.Fatalf("unexpected keys %v", keys)
	}
}

func TestListByOrgScopesAndIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a1 := env.create(t, "A")
	env.create(t, "B")
	a2 := env.create(t, "A")
	if _, err := env.svc.Approve(ctx, a2.ID, "mgr", ""); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	first, err := env.svc.ListByOrg(ctx, "A", "")
	if err != nil {
		t.Fatalf("ListByOrg() error = %v", err)
	}
	second, err := env.svc.ListByOrg(ctx, "A", "")
	if err != nil {
		t.Fatalf("ListByOrg() error = %v", err)
	}
	if len(first) != 2 || !reflect.DeepEqual(first, second) {
		t.Fatalf("expected identical tenant-scoped results, got %v and %v", first, second)
	}

	drafts, err := env.svc.ListByOrg(ctx, "A", domain.StatusDraft)
	if err != nil {
		t.Fatalf("ListByOrg(draft) error = %v", err)
	}
	if len(drafts) != 1 || drafts[0].ID != a1.ID {
		t.Fatalf("unexpected drafts %#v", drafts)
	}
	if _, err := env.svc.ListByOrg(ctx, "A", "archived"); !errors.Is(err, domain.ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	if _, err := env.svc.ListByOrg(ctx, " ", ""); !errors.Is(err, domain.ErrInvalidOrgID) {
		t.Fatalf("expected ErrInvalidOrgID, got %v", err)
	}
}

func TestAnalyzeDocumentUsesLinkedExtraction(t *testing.T) {
	env := newTestEnv(t, completedExtraction("ex1", "A", 2, 5, 95))
	ctx := context.Background()
	doc, err := env.svc.CreateDocumentFromExtraction(ctx, "A", "ex1", "u")
	if err != nil {
		t.Fatalf("CreateDocumentFromExtraction() error = %v", err)
	}
	analysis, err := env.svc.AnalyzeDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("AnalyzeDocument() error = %v", err)
	}
	if analysis.Signals.NonConformityCount == nil || *analysis.Signals.NonConformityCount != 5 {
		t.Fatalf("expected extraction signals, got %#v", analysis.Signals)
	}
	if analysis.RiskLevel != domain.RiskHigh || !analysis.NeedsRevision {
		t.Fatalf("expected high risk, got %#v", analysis)
	}
}

func TestAnalyzeOrganizationSortsAndSkipsFailures(t *testing.T) {
	env := newTestEnv(t, completedExtraction("ex-bad", "A", 1, 0, 90))
	ctx := context.Background()

	low := env.create(t, "A")
	high := env.create(t, "A")
	medium := env.create(t, "A")
	draft := env.create(t, "A")
	broken, err := env.svc.CreateDocumentFromExtraction(ctx, "A", "ex-bad", "u")
	if err != nil {
		t.Fatalf("CreateDocumentFromExtraction() error = %v", err)
	}
	lowTwin := env.create(t, "A")

	for _, id := range []string{low.ID, high.ID, medium.ID, broken.ID, lowTwin.ID} {
		if _, err := env.svc.Approve(ctx, id, "mgr", ""); err != nil {
			t.Fatalf("Approve(%s) error = %v", id, err)
		}
	}
	if _, err := env.svc.SubmitForReview(ctx, draft.ID); err != nil {
		t.Fatalf("SubmitForReview() error = %v", err)
	}

	stale := env.repo.docs[medium.ID]
	stale.Metadata.LastRevisedAt = env.now.Add(-100 * 24 * time.Hour)
	env.repo.docs[medium.ID] = stale
	risky := env.repo.docs[high.ID]
	risky.RiskMetrics.MarginImpact = domain.MarginImpactHigh
	env.repo.docs[high.ID] = risky
	env.extractions.getErr["ex-bad"] = errors.New("extraction service unavailable")

	out, err := env.svc.AnalyzeOrganization(ctx, "A")
	if err != nil {
		t.Fatalf("AnalyzeOrganization() error = %v", err)
	}
	var ids []string
	for _, a := range out {
		ids = append(ids, a.DocumentID)
	}
	want := []string{high.ID, medium.ID, low.ID, draft.ID, lowTwin.ID}
	if !slices.Equal(ids, want) {
		t.Fatalf("unexpected order %v, want %v", ids, want)
	}
	if env.logger.count("warn") != 1 {
		t.Fatalf("expected one warning for the skipped document, got %#v", env.logger.entries)
	}
}

func TestCreateDocumentFromExtraction(t *testing.T) {
	extraction := completedExtraction("ex1", "A", 4, 1, 90)
	extraction.Title = "Line clearance"
	env := newTestEnv(t, extraction)
	ctx := context.Background()

	doc, err := env.svc.CreateDocumentFromExtraction(ctx, "A", "ex1", "u")
	if err != nil {
		t.Fatalf("CreateDocumentFromExtraction() error = %v", err)
	}
	if doc.Type != domain.DocumentTypeProcedure || doc.Title != "Line clearance" {
		t.Fatalf("unexpected document %#v", doc)
	}
	if doc.RiskMetrics.MaintenanceCost != 400 || doc.RiskMetrics.MarginImpact != domain.MarginImpactLow {
		t.Fatalf("unexpected risk metrics %#v", doc.RiskMetrics)
	}
	wantHash, _ := extraction.ContentHash()
	if doc.ContentHash != wantHash {
		t.Fatalf("expected content hash %q, got %q", wantHash, doc.ContentHash)
	}
	if doc.ExtractionID != "ex1" {
		t.Fatalf("expected document back-link, got %q", doc.ExtractionID)
	}
	linked := env.extractions.records["ex1"]
	if linked.DocumentID != doc.ID || linked.LinkedAt == nil {
		t.Fatalf("expected extraction link, got %#v", linked)
	}

	if _, err := env.svc.CreateDocumentFromExtraction(ctx, "A", "ex1", "u"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for linked extraction, got %v", err)
	}
}

func TestCreateDocumentFromExtractionFailures(t *testing.T) {
	pending := completedExtraction("ex-pending", "A", 1, 0, 90)
	pending.Status = domain.ExtractionProcessing
	env := newTestEnv(t, pending, completedExtraction("ex-high", "A", 0, 5, 60))
	ctx := context.Background()

	if _, err := env.svc.CreateDocumentFromExtraction(ctx, "A", "missing", "u"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := env.svc.CreateDocumentFromExtraction(ctx, "B", "ex-high", "u"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound across tenants, got %v", err)
	}
	if _, err := env.svc.CreateDocumentFromExtraction(ctx, "A", "ex-pending", "u"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	doc, err := env.svc.CreateDocumentFromExtraction(ctx, "A", "ex-high", "u")
	if err != nil {
		t.Fatalf("CreateDocumentFromExtraction() error = %v", err)
	}
	if doc.RiskMetrics.MarginImpact != domain.MarginImpactHigh || doc.Title != "Procedure extracted from ex-high" {
		t.Fatalf("unexpected document %#v", doc)
	}

	noSource := NewService(newFakeRepo(), nil, nil, nil, ServiceConfig{})
	if _, err := noSource.CreateDocumentFromExtraction(ctx, "A", "ex-high", "u"); !errors.Is(err, ErrNoExtractionSource) {
		t.Fatalf("expected ErrNoExtractionSource, got %v", err)
	}
}

func TestCreateDocumentFromExtractionRetryReusesDocument(t *testing.T) {
	env := newTestEnv(t, completedExtraction("ex1", "A", 2, 0, 90))
	ctx := context.Background()

	env.extractions.linkErr = errors.New("store down")
	if _, err := env.svc.CreateDocumentFromExtraction(ctx, "A", "ex1", "u"); err == nil {
		t.Fatal("expected link failure to surface")
	}
	docs, err := env.svc.ListByOrg(ctx, "A", "")
	if err != nil {
		t.Fatalf("ListByOrg() error = %v", err)
	}
	if len(docs) != 1 || docs[0].ExtractionID != "ex1" {
		t.Fatalf("expected one draft carrying the extraction id, got %#v", docs)
	}
	orphan := docs[0]

	env.extractions.linkErr = nil
	processed, err := env.svc.AutoProcessUnlinked(ctx, "A")
	if err != nil {
		t.Fatalf("AutoProcessUnlinked() error = %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected the retry to count as processed, got %d", processed)
	}
	docs, err = env.svc.ListByOrg(ctx, "A", "")
	if err != nil {
		t.Fatalf("ListByOrg() error = %v", err)
	}
	if len(docs) != 1 || docs[0].ID != orphan.ID {
		t.Fatalf("expected retry to reuse document %s, got %#v", orphan.ID, docs)
	}
	if linked := env.extractions.records["ex1"]; linked.DocumentID != orphan.ID {
		t.Fatalf("expected extraction linked to %s, got %q", orphan.ID, linked.DocumentID)
	}
}

func TestAutoProcessUnlinked(t *testing.T) {
	linked := completedExtraction("ex-linked", "A", 1, 0, 90)
	linked.DocumentID = "d-old"
	failed := completedExtraction("ex-failed", "A", 1, 0, 90)
	failed.Status = domain.ExtractionFailed
	env := newTestEnv(t,
		completedExtraction("ex1", "A", 2, 0, 95),
		linked,
		failed,
		completedExtraction("ex2", "A", 3, 2, 80),
		completedExtraction("ex3", "A", 1, 0, 99),
		completedExtraction("ex-other", "B", 1, 0, 90),
	)
	ctx := context.Background()

	ids, err := env.svc.FindUnlinkedExtractions(ctx, "A")
	if err != nil {
		t.Fatalf("FindUnlinkedExtractions() error = %v", err)
	}
	if !slices.Equal(ids, []string{"ex1", "ex2", "ex3"}) {
		t.Fatalf("unexpected unlinked ids %v", ids)
	}

	env.extractions.getErr["ex2"] = errors.New("timeout")
	processed, err := env.svc.AutoProcessUnlinked(ctx, "A")
	if err != nil {
		t.Fatalf("AutoProcessUnlinked() error = %v", err)
	}
	if processed != 2 {
		t.Fatalf("expected two successes, got %d", processed)
	}
	if env.logger.count("warn") != 1 {
		t.Fatalf("expected one logged failure, got %#v", env.logger.entries)
	}
	docs, err := env.svc.ListByOrg(ctx, "A", "")
	if err != nil {
		t.Fatalf("ListByOrg() error = %v", err)
	}
	if len(docs) != 2 || docs[0].Metadata.CreatedBy != "system" {
		t.Fatalf("unexpected generated documents %#v", docs)
	}

	remaining, err := env.svc.FindUnlinkedExtractions(ctx, "A")
	if err != nil {
		t.Fatalf("FindUnlinkedExtractions() error = %v", err)
	}
	if !slices.Equal(remaining, []string{"ex2"}) {
		t.Fatalf("unexpected remaining ids %v", remaining)
	}
}

func TestRecordExtraction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	saved, err := env.svc.RecordExtraction(ctx, domain.ProcedureExtraction{
		OrgID:           " A ",
		Status:          "Completed",
		ConformityScore: 88,
	})
	if err != nil {
		t.Fatalf("RecordExtraction() error = %v", err)
	}
	if saved.ID != "id-1" || saved.OrgID != "A" || saved.Status != domain.ExtractionCompleted {
		t.Fatalf("unexpected saved extraction %#v", saved)
	}
	if !saved.CreatedAt.Equal(*env.now) {
		t.Fatalf("expected created_at defaulted to clock, got %v", saved.CreatedAt)
	}
	if _, err := env.svc.RecordExtraction(ctx, domain.ProcedureExtraction{ID: "x", OrgID: "A", Status: "completed", ConformityScore: 120}); !errors.Is(err, domain.ErrInvalidConformity) {
		t.Fatalf("expected ErrInvalidConformity, got %v", err)
	}
}

func TestExportSnapshot(t *testing.T) {
	env := newTestEnv(t, completedExtraction("ex1", "A", 1, 0, 90))
	ctx := context.Background()
	doc := env.create(t, "A")
	env.create(t, "B")
	if _, err := env.svc.Approve(ctx, doc.ID, "mgr", ""); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if _, err := env.svc.Retire(ctx, doc.ID, "", ""); err != nil {
		t.Fatalf("Retire() error = %v", err)
	}

	snap, err := env.svc.ExportSnapshot(ctx, "A")
	if err != nil {
		t.Fatalf("ExportSnapshot() error = %v", err)
	}
	if snap.Version != SnapshotVersion || snap.OrgID != "A" {
		t.Fatalf("unexpected snapshot header %#v", snap)
	}
	if len(snap.Documents) != 1 || len(snap.History) != 1 || len(snap.Extractions) != 1 {
		t.Fatalf("unexpected snapshot sizes docs=%d history=%d extractions=%d", len(snap.Documents), len(snap.History), len(snap.Extractions))
	}
	if err := snap.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	snap.History[0].DocumentID = "ghost"
	if err := snap.Validate(); err == nil {
		t.Fatal("expected dangling history reference to fail validation")
	}
}

func TestExportSnapshotRejectsInvalidRecords(t *testing.T) {
	corrupt := completedExtraction("ex-bad", "A", 1, 0, 90)
	corrupt.ConformityScore = 140
	env := newTestEnv(t, corrupt)
	env.create(t, "A")

	if _, err := env.svc.ExportSnapshot(context.Background(), "A"); !errors.Is(err, domain.ErrInvalidConformity) {
		t.Fatalf("expected ErrInvalidConformity from snapshot validation, got %v", err)
	}
}

func TestServiceObservesOperations(t *testing.T) {
	env := newTestEnv(t)
	doc := env.create(t, "A")
	if _, err := env.svc.Approve(context.Background(), doc.ID, "", ""); !errors.Is(err, domain.ErrInvalidActor) {
		t.Fatalf("expected ErrInvalidActor, got %v", err)
	}
	want := []observation{{op: "create_document", success: true}, {op: "approve", success: false}}
	if !slices.Equal(env.metrics.seen, want) {
		t.Fatalf("unexpected observations %#v", env.metrics.seen)
	}
}
