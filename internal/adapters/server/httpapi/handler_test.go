package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hylla/qdoc/internal/adapters/server/common"
	"github.com/hylla/qdoc/internal/domain"
)

// stubServices provides deterministic responses for every transport service.
type stubServices struct {
	doc       domain.Document
	docs      []domain.Document
	history   []domain.HistoryEntry
	analysis  domain.RevisionRiskAnalysis
	analyses  []domain.RevisionRiskAnalysis
	unlinked  common.UnlinkedExtractions
	processed common.AutoProcessResult
	err       error

	lastCreate     common.CreateDocumentRequest
	lastList       common.ListDocumentsRequest
	lastID         string
	lastTransition common.TransitionRequest
	lastAction     string
	lastLink       common.LinkExtractionRequest
	lastOrg        string
}

// CreateDocument records the request and returns the fixture document.
func (s *stubServices) CreateDocument(_ context.Context, req common.CreateDocumentRequest) (domain.Document, error) {
	s.lastCreate = req
	return s.doc, s.err
}

// GetDocument records the id and returns the fixture document.
func (s *stubServices) GetDocument(_ context.Context, id string) (domain.Document, error) {
	s.lastID = id
	return s.doc, s.err
}

// ListDocuments records filters and returns fixture rows.
func (s *stubServices) ListDocuments(_ context.Context, req common.ListDocumentsRequest) ([]domain.Document, error) {
	s.lastList = req
	return s.docs, s.err
}

// SubmitForReview records the id.
func (s *stubServices) SubmitForReview(_ context.Context, id string) (domain.Document, error) {
	s.lastID = id
	s.lastAction = "submit"
	return s.doc, s.err
}

// ApproveDocument records the transition.
func (s *stubServices) ApproveDocument(_ context.Context, req common.TransitionRequest) (domain.Document, error) {
	s.lastTransition = req
	s.lastAction = "approve"
	return s.doc, s.err
}

// RetireDocument records the transition.
func (s *stubServices) RetireDocument(_ context.Context, req common.TransitionRequest) (domain.Document, error) {
	s.lastTransition = req
	s.lastAction = "retire"
	return s.doc, s.err
}

// GetHistory records the id and returns fixture entries.
func (s *stubServices) GetHistory(_ context.Context, id string) ([]domain.HistoryEntry, error) {
	s.lastID = id
	return s.history, s.err
}

// AnalyzeDocument records the id and returns the fixture analysis.
func (s *stubServices) AnalyzeDocument(_ context.Context, id string) (domain.RevisionRiskAnalysis, error) {
	s.lastID = id
	return s.analysis, s.err
}

// AnalyzeOrganization records the org and returns fixture analyses.
func (s *stubServices) AnalyzeOrganization(_ context.Context, orgID string) ([]domain.RevisionRiskAnalysis, error) {
	s.lastOrg = orgID
	return s.analyses, s.err
}

// LinkExtraction records the request and returns the fixture document.
func (s *stubServices) LinkExtraction(_ context.Context, req common.LinkExtractionRequest) (domain.Document, error) {
	s.lastLink = req
	return s.doc, s.err
}

// ListUnlinkedExtractions records the org.
func (s *stubServices) ListUnlinkedExtractions(_ context.Context, orgID string) (common.UnlinkedExtractions, error) {
	s.lastOrg = orgID
	return s.unlinked, s.err
}

// AutoProcessExtractions records the org.
func (s *stubServices) AutoProcessExtractions(_ context.Context, orgID string) (common.AutoProcessResult, error) {
	s.lastOrg = orgID
	return s.processed, s.err
}

// services binds the stub to every slot.
func (s *stubServices) services() common.Services {
	return common.Services{Documents: s, Risk: s, Extractions: s}
}

// fixtureDocument returns a deterministic active document.
func fixtureDocument() domain.Document {
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	return domain.Document{
		ID:          "doc-1",
		OrgID:       "org-1",
		Type:        domain.DocumentTypeProcedure,
		Title:       "Receiving inspection",
		Status:      domain.StatusActive,
		Version:     domain.Version{Major: 1},
		ContentHash: "sha256:abc",
		Metadata: domain.DocumentMetadata{
			CreatedBy:     "u1",
			CreatedAt:     now,
			LastRevisedAt: now,
		},
	}
}

// serve runs one request through the handler.
func serve(handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

// decodeErrorEnvelope decodes one structured error response.
func decodeErrorEnvelope(t *testing.T, rec *httptest.ResponseRecorder) ErrorEnvelope {
	t.Helper()
	var envelope ErrorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	return envelope
}

// TestHandlerCreateDocument verifies body decoding and 201 responses.
func TestHandlerCreateDocument(t *testing.T) {
	stub := &stubServices{doc: fixtureDocument()}
	handler := NewHandler(stub.services())

	rec := serve(handler, http.MethodPost, "/documents", `{"org_id":"org-1","type":"procedure","title":"Receiving inspection","content_hash":"sha256:abc","maintenance_cost":120}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	var got domain.Document
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.ID != "doc-1" || got.Version.String() != "1.0" {
		t.Fatalf("unexpected document %#v", got)
	}
	if stub.lastCreate.OrgID != "org-1" || stub.lastCreate.MaintenanceCost == nil || *stub.lastCreate.MaintenanceCost != 120 {
		t.Fatalf("unexpected create request %#v", stub.lastCreate)
	}
}

// TestHandlerListDocuments verifies query filters and org_id validation.
func TestHandlerListDocuments(t *testing.T) {
	stub := &stubServices{docs: []domain.Document{fixtureDocument()}}
	handler := NewHandler(stub.services())

	rec := serve(handler, http.MethodGet, "/documents?org_id=org-1&status=active", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var payload struct {
		Documents []domain.Document `json:"documents"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(payload.Documents) != 1 {
		t.Fatalf("expected one document, got %d", len(payload.Documents))
	}
	if stub.lastList.OrgID != "org-1" || stub.lastList.Status != "active" {
		t.Fatalf("unexpected list request %#v", stub.lastList)
	}

	rec = serve(handler, http.MethodGet, "/documents", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing org_id status = %d, want 400", rec.Code)
	}
	if envelope := decodeErrorEnvelope(t, rec); envelope.Error.Code != common.CodeInvalidRequest {
		t.Fatalf("error.code = %q, want invalid_request", envelope.Error.Code)
	}
}

// TestHandlerTransitions verifies submit, approve, and retire routing.
func TestHandlerTransitions(t *testing.T) {
	stub := &stubServices{doc: fixtureDocument()}
	handler := NewHandler(stub.services())

	cases := []struct {
		path       string
		body       string
		wantAction string
		wantActor  string
		wantReason string
	}{
		{path: "/documents/doc-1/submit", wantAction: "submit"},
		{path: "/documents/doc-1/approve", body: `{"actor":"qa-lead","reason":"annual review"}`, wantAction: "approve", wantActor: "qa-lead", wantReason: "annual review"},
		{path: "/documents/doc-1/retire", body: `{"reason":"superseded"}`, wantAction: "retire", wantReason: "superseded"},
	}
	for _, tc := range cases {
		t.Run(tc.wantAction, func(t *testing.T) {
			stub.lastTransition = common.TransitionRequest{}
			rec := serve(handler, http.MethodPost, tc.path, tc.body)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
			}
			if stub.lastAction != tc.wantAction {
				t.Fatalf("action = %q, want %q", stub.lastAction, tc.wantAction)
			}
			if tc.wantAction == "submit" {
				if stub.lastID != "doc-1" {
					t.Fatalf("submit id = %q, want doc-1", stub.lastID)
				}
				return
			}
			if stub.lastTransition.DocumentID != "doc-1" || stub.lastTransition.Actor != tc.wantActor || stub.lastTransition.Reason != tc.wantReason {
				t.Fatalf("unexpected transition %#v", stub.lastTransition)
			}
		})
	}
}

// TestHandlerErrorMapping verifies structured status mapping for service errors.
func TestHandlerErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not found", fmt.Errorf("get document: %w", common.ErrNotFound), http.StatusNotFound, common.CodeNotFound},
		{"invalid transition", errors.Join(common.ErrInvalidTransition, domain.ErrInvalidTransition), http.StatusConflict, common.CodeInvalidTransition},
		{"not ready", common.ErrNotReady, http.StatusConflict, common.CodeNotReady},
		{"validation", errors.Join(common.ErrInvalidRequest, domain.ErrInvalidTitle), http.StatusBadRequest, common.CodeInvalidRequest},
		{"unavailable", common.ErrUnavailable, http.StatusNotImplemented, common.CodeNotImplemented},
		{"internal", errors.New("disk full"), http.StatusInternalServerError, common.CodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := NewHandler((&stubServices{err: tc.err}).services())
			rec := serve(handler, http.MethodPost, "/documents/doc-1/approve", "")
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			envelope := decodeErrorEnvelope(t, rec)
			if envelope.Error.Code != tc.wantCode {
				t.Fatalf("error.code = %q, want %q", envelope.Error.Code, tc.wantCode)
			}
			if envelope.Error.Message == "" {
				t.Fatal("expected error message")
			}
		})
	}
}

// TestHandlerRiskAndHistoryRoutes verifies read-only document and org routes.
func TestHandlerRiskAndHistoryRoutes(t *testing.T) {
	stub := &stubServices{
		history:  []domain.HistoryEntry{{ID: "h1", DocumentID: "doc-1", Key: "1.0"}},
		analysis: domain.RevisionRiskAnalysis{DocumentID: "doc-1", RiskLevel: domain.RiskHigh, NeedsRevision: true},
		analyses: []domain.RevisionRiskAnalysis{{DocumentID: "doc-1", RiskLevel: domain.RiskHigh}},
	}
	handler := NewHandler(stub.services())

	rec := serve(handler, http.MethodGet, "/documents/doc-1/history", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"key":"1.0"`) {
		t.Fatalf("history response = %d %s", rec.Code, rec.Body.String())
	}
	rec = serve(handler, http.MethodGet, "/documents/doc-1/risk", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"risk_level":"high"`) {
		t.Fatalf("risk response = %d %s", rec.Code, rec.Body.String())
	}
	rec = serve(handler, http.MethodGet, "/orgs/org-9/risk", "")
	if rec.Code != http.StatusOK || stub.lastOrg != "org-9" {
		t.Fatalf("org risk response = %d %s (org %q)", rec.Code, rec.Body.String(), stub.lastOrg)
	}
}

// TestHandlerExtractionRoutes verifies extraction linking routes.
func TestHandlerExtractionRoutes(t *testing.T) {
	stub := &stubServices{
		doc:       fixtureDocument(),
		unlinked:  common.UnlinkedExtractions{OrgID: "org-1", ExtractionIDs: []string{"ex-1"}},
		processed: common.AutoProcessResult{OrgID: "org-1", Processed: 1},
	}
	handler := NewHandler(stub.services())

	rec := serve(handler, http.MethodGet, "/orgs/org-1/extractions/unlinked", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ex-1"`) {
		t.Fatalf("unlinked response = %d %s", rec.Code, rec.Body.String())
	}
	rec = serve(handler, http.MethodPost, "/orgs/org-1/extractions/auto_process", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"processed":1`) {
		t.Fatalf("auto_process response = %d %s", rec.Code, rec.Body.String())
	}
	rec = serve(handler, http.MethodPost, "/orgs/org-1/extractions/ex-1/document", `{"created_by":"importer"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("link status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	if stub.lastLink.OrgID != "org-1" || stub.lastLink.ExtractionID != "ex-1" || stub.lastLink.CreatedBy != "importer" {
		t.Fatalf("unexpected link request %#v", stub.lastLink)
	}
}

// TestHandlerOptionalServicesUnavailable verifies 501 responses for missing risk and extraction services.
func TestHandlerOptionalServicesUnavailable(t *testing.T) {
	stub := &stubServices{}
	handler := NewHandler(common.Services{Documents: stub})

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/documents/doc-1/risk"},
		{http.MethodGet, "/orgs/org-1/risk"},
		{http.MethodGet, "/orgs/org-1/extractions/unlinked"},
		{http.MethodPost, "/orgs/org-1/extractions/auto_process"},
		{http.MethodPost, "/orgs/org-1/extractions/ex-1/document"},
	} {
		rec := serve(handler, tc.method, tc.path, "")
		if rec.Code != http.StatusNotImplemented {
			t.Fatalf("%s %s status = %d, want 501", tc.method, tc.path, rec.Code)
		}
	}

	rec := serve(NewHandler(common.Services{}), http.MethodGet, "/documents/doc-1", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("missing document service status = %d, want 503", rec.Code)
	}
}

// TestHandlerRouteGuards verifies method guards and unknown-route handling.
func TestHandlerRouteGuards(t *testing.T) {
	handler := NewHandler((&stubServices{}).services())

	cases := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantCode   string
		wantAllow  string
	}{
		{
			name:       "documents collection only allows get and post",
			method:     http.MethodDelete,
			path:       "/documents",
			wantStatus: http.StatusMethodNotAllowed,
			wantCode:   "method_not_allowed",
			wantAllow:  "GET, POST",
		},
		{
			name:       "approve requires post",
			method:     http.MethodGet,
			path:       "/documents/doc-1/approve",
			wantStatus: http.StatusMethodNotAllowed,
			wantCode:   "method_not_allowed",
			wantAllow:  http.MethodPost,
		},
		{
			name:       "history requires get",
			method:     http.MethodPost,
			path:       "/documents/doc-1/history",
			wantStatus: http.StatusMethodNotAllowed,
			wantCode:   "method_not_allowed",
			wantAllow:  http.MethodGet,
		},
		{
			name:       "unknown document action",
			method:     http.MethodPost,
			path:       "/documents/doc-1/publish",
			wantStatus: http.StatusNotFound,
			wantCode:   "not_found",
		},
		{
			name:       "unknown route returns not found",
			method:     http.MethodGet,
			path:       "/not/a/route",
			wantStatus: http.StatusNotFound,
			wantCode:   "not_found",
		},
		{
			name:       "empty segment returns not found",
			method:     http.MethodGet,
			path:       "/documents//history",
			wantStatus: http.StatusNotFound,
			wantCode:   "not_found",
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(handler, tt.method, tt.path, "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			envelope := decodeErrorEnvelope(t, rec)
			if envelope.Error.Code != tt.wantCode {
				t.Fatalf("error.code = %q, want %q", envelope.Error.Code, tt.wantCode)
			}
			if got := rec.Header().Get("Allow"); got != tt.wantAllow {
				t.Fatalf("Allow header = %q, want %q", got, tt.wantAllow)
			}
		})
	}
}

// TestHandlerJSONValidation verifies strict body decoding.
func TestHandlerJSONValidation(t *testing.T) {
	handler := NewHandler((&stubServices{}).services())

	for _, body := range []string{`{"org_id":`, `{"unknown":1}`, `{"org_id":"o"}{"org_id":"p"}`} {
		rec := serve(handler, http.MethodPost, "/documents", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q status = %d, want 400", body, rec.Code)
		}
	}
	rec := serve(handler, http.MethodPost, "/documents/doc-1/approve", `{"document_id":"x"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown transition field status = %d, want 400", rec.Code)
	}
}

// TestSplitPath verifies path canonicalization.
func TestSplitPath(t *testing.T) {
	cases := map[string]int{
		"":                         0,
		"/":                        0,
		"/documents/":              1,
		" /documents/d1/history ":  3,
		"/documents//history":      0,
		"orgs/o/extractions/e/doc": 5,
	}
	for in, want := range cases {
		if got := len(splitPath(in)); got != want {
			t.Fatalf("splitPath(%q) len = %d, want %d", in, got, want)
		}
	}
}
