// Package httpapi provides the REST HTTP adapter for the server surfaces.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hylla/qdoc/internal/adapters/server/common"
)

// maxRequestBodyBytes limits decoded JSON payload size for fail-closed request handling.
const maxRequestBodyBytes int64 = 1 << 20

// Handler serves the versioned API subrouter mounted under `/api/v1`.
type Handler struct {
	documents   common.DocumentService
	risk        common.RiskService
	extractions common.ExtractionService
}

// APIError represents one structured API failure response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorEnvelope wraps one structured API error.
type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// NewHandler constructs one HTTP API adapter. Nil risk or extraction services
// answer 501 on their routes.
func NewHandler(services common.Services) *Handler {
	return &Handler{
		documents:   services.Documents,
		risk:        services.Risk,
		extractions: services.Extractions,
	}
}

// ServeHTTP routes one versioned API request to the matching handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path)
	switch {
	case len(parts) == 1 && parts[0] == "documents":
		switch r.Method {
		case http.MethodGet:
			h.handleListDocuments(w, r)
		case http.MethodPost:
			h.handleCreateDocument(w, r)
		default:
			writeMethodNotAllowed(w, http.MethodGet, http.MethodPost)
		}
	case len(parts) == 2 && parts[0] == "documents":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		h.handleGetDocument(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "documents":
		h.routeDocumentAction(w, r, parts[1], parts[2])
	case len(parts) == 3 && parts[0] == "orgs" && parts[2] == "risk":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		h.handleAnalyzeOrganization(w, r, parts[1])
	case len(parts) == 4 && parts[0] == "orgs" && parts[2] == "extractions":
		h.routeExtractionCollection(w, r, parts[1], parts[3])
	case len(parts) == 5 && parts[0] == "orgs" && parts[2] == "extractions" && parts[4] == "document":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		h.handleLinkExtraction(w, r, parts[1], parts[3])
	default:
		writeNotFound(w)
	}
}

// routeDocumentAction serves `/documents/{id}/{action}`.
func (h *Handler) routeDocumentAction(w http.ResponseWriter, r *http.Request, documentID, action string) {
	switch action {
	case "history", "risk":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		if action == "history" {
			h.handleGetHistory(w, r, documentID)
			return
		}
		h.handleAnalyzeDocument(w, r, documentID)
	case "submit", "approve", "retire":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		h.handleTransition(w, r, documentID, action)
	default:
		writeNotFound(w)
	}
}

// routeExtractionCollection serves `/orgs/{org}/extractions/{unlinked|auto_process}`.
func (h *Handler) routeExtractionCollection(w http.ResponseWriter, r *http.Request, orgID, action string) {
	switch action {
	case "unlinked":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		h.handleListUnlinked(w, r, orgID)
	case "auto_process":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		h.handleAutoProcess(w, r, orgID)
	default:
		writeNotFound(w)
	}
}

// handleListDocuments serves GET `/documents?org_id=&status=`.
func (h *Handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	if !h.documentsReady(w) {
		return
	}
	req := common.ListDocumentsRequest{
		OrgID:  strings.TrimSpace(r.URL.Query().Get("org_id")),
		Status: strings.TrimSpace(r.URL.Query().Get("status")),
	}
	if req.OrgID == "" {
		writeJSONError(w, http.StatusBadRequest, APIError{
			Code:    common.CodeInvalidRequest,
			Message: "org_id is required",
		})
		return
	}
	docs, err := h.documents.ListDocuments(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documents": docs,
	})
}

// handleCreateDocument serves POST `/documents`.
func (h *Handler) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	if !h.documentsReady(w) {
		return
	}
	var req common.CreateDocumentRequest
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	doc, err := h.documents.CreateDocument(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

// handleGetDocument serves GET `/documents/{id}`.
func (h *Handler) handleGetDocument(w http.ResponseWriter, r *http.Request, documentID string) {
	if !h.documentsReady(w) {
		return
	}
	doc, err := h.documents.GetDocument(r.Context(), documentID)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleTransition serves POST `/documents/{id}/{submit|approve|retire}`.
func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request, documentID, action string) {
	if !h.documentsReady(w) {
		return
	}
	var payload common.TransitionRequest
	if err := decodeOptionalJSONBody(r.Context(), w, r, &payload); err != nil {
		writeErrorFrom(w, err)
		return
	}
	payload.DocumentID = documentID

	var err error
	var out any
	switch action {
	case "submit":
		out, err = h.documents.SubmitForReview(r.Context(), documentID)
	case "approve":
		out, err = h.documents.ApproveDocument(r.Context(), payload)
	default:
		out, err = h.documents.RetireDocument(r.Context(), payload)
	}
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetHistory serves GET `/documents/{id}/history`.
func (h *Handler) handleGetHistory(w http.ResponseWriter, r *http.Request, documentID string) {
	if !h.documentsReady(w) {
		return
	}
	entries, err := h.documents.GetHistory(r.Context(), documentID)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"history": entries,
	})
}

// handleAnalyzeDocument serves GET `/documents/{id}/risk`.
func (h *Handler) handleAnalyzeDocument(w http.ResponseWriter, r *http.Request, documentID string) {
	if h.risk == nil {
		writeNotImplemented(w, "risk APIs are not available")
		return
	}
	analysis, err := h.risk.AnalyzeDocument(r.Context(), documentID)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

// handleAnalyzeOrganization serves GET `/orgs/{org}/risk`.
func (h *Handler) handleAnalyzeOrganization(w http.ResponseWriter, r *http.Request, orgID string) {
	if h.risk == nil {
		writeNotImplemented(w, "risk APIs are not available")
		return
	}
	analyses, err := h.risk.AnalyzeOrganization(r.Context(), orgID)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"org_id":   orgID,
		"analyses": analyses,
	})
}

// handleListUnlinked serves GET `/orgs/{org}/extractions/unlinked`.
func (h *Handler) handleListUnlinked(w http.ResponseWriter, r *http.Request, orgID string) {
	if h.extractions == nil {
		writeNotImplemented(w, "extraction APIs are not available")
		return
	}
	out, err := h.extractions.ListUnlinkedExtractions(r.Context(), orgID)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAutoProcess serves POST `/orgs/{org}/extractions/auto_process`.
func (h *Handler) handleAutoProcess(w http.ResponseWriter, r *http.Request, orgID string) {
	if h.extractions == nil {
		writeNotImplemented(w, "extraction APIs are not available")
		return
	}
	out, err := h.extractions.AutoProcessExtractions(r.Context(), orgID)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleLinkExtraction serves POST `/orgs/{org}/extractions/{id}/document`.
func (h *Handler) handleLinkExtraction(w http.ResponseWriter, r *http.Request, orgID, extractionID string) {
	if h.extractions == nil {
		writeNotImplemented(w, "extraction APIs are not available")
		return
	}
	var req common.LinkExtractionRequest
	if err := decodeOptionalJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	req.OrgID = orgID
	req.ExtractionID = extractionID
	doc, err := h.extractions.LinkExtraction(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

// documentsReady writes 503 when no document service is configured.
func (h *Handler) documentsReady(w http.ResponseWriter) bool {
	if h.documents != nil {
		return true
	}
	writeJSONError(w, http.StatusServiceUnavailable, APIError{
		Code:    "service_unavailable",
		Message: "document service is not configured",
	})
	return false
}

// splitPath canonicalizes one request path into non-empty segments.
func splitPath(path string) []string {
	path = strings.Trim(strings.TrimSpace(path), "/")
	if path == "" {
		return nil
	}
	parts := strings.Split(path, "/")
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			return nil
		}
	}
	return parts
}

// statusFor maps a transport error code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case common.CodeNotFound:
		return http.StatusNotFound
	case common.CodeInvalidTransition, common.CodeNotReady:
		return http.StatusConflict
	case common.CodeInvalidRequest:
		return http.StatusBadRequest
	case common.CodeNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// writeErrorFrom maps adapter errors into structured HTTP responses.
func writeErrorFrom(w http.ResponseWriter, err error) {
	if err == nil {
		writeJSONError(w, http.StatusInternalServerError, APIError{
			Code:    common.CodeInternal,
			Message: "unknown error",
		})
		return
	}
	code := common.ErrorCode(err)
	writeJSONError(w, statusFor(code), APIError{
		Code:    code,
		Message: err.Error(),
	})
}

// writeNotFound writes the unknown-route response.
func writeNotFound(w http.ResponseWriter) {
	writeJSONError(w, http.StatusNotFound, APIError{
		Code:    common.CodeNotFound,
		Message: "endpoint not found",
	})
}

// writeNotImplemented writes a 501 for optional surfaces.
func writeNotImplemented(w http.ResponseWriter, message string) {
	writeJSONError(w, http.StatusNotImplemented, APIError{
		Code:    common.CodeNotImplemented,
		Message: message,
	})
}

// writeMethodNotAllowed writes a structured 405 response with `Allow` headers.
func writeMethodNotAllowed(w http.ResponseWriter, methods ...string) {
	if len(methods) > 0 {
		w.Header().Set("Allow", strings.Join(methods, ", "))
	}
	writeJSONError(w, http.StatusMethodNotAllowed, APIError{
		Code:    "method_not_allowed",
		Message: "method not allowed",
	})
}

// writeJSONError writes one structured error envelope.
func writeJSONError(w http.ResponseWriter, statusCode int, apiErr APIError) {
	writeJSON(w, statusCode, ErrorEnvelope{Error: apiErr})
}

// writeJSON writes one JSON response envelope.
func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, fmt.Sprintf(`{"error":{"code":"encode_error","message":"%s"}}`, err.Error()), http.StatusInternalServerError)
	}
}

// decodeJSONBody decodes one required JSON request body with strict shape checks.
func decodeJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, out any) error {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode request body: %w", errors.Join(common.ErrInvalidRequest, err))
	}
	// Reject trailing payloads so malformed JSON bodies fail closed.
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode request body: trailing content: %w", common.ErrInvalidRequest)
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("request canceled: %w", ctx.Err())
	default:
		return nil
	}
}

// decodeOptionalJSONBody decodes one optional JSON body and ignores empty payloads.
func decodeOptionalJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, out any) error {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	err := decoder.Decode(out)
	if err == nil {
		select {
		case <-ctx.Done():
			return fmt.Errorf("request canceled: %w", ctx.Err())
		default:
			return nil
		}
	}
	if errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("decode request body: %w", errors.Join(common.ErrInvalidRequest, err))
}
