// Package mcpapi provides a stateless MCP streamable-HTTP adapter.
package mcpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/hylla/qdoc/internal/adapters/server/common"
	"github.com/hylla/qdoc/internal/domain"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Config captures MCP transport configuration.
type Config struct {
	ServerName    string
	ServerVersion string
	EndpointPath  string
}

// Handler wraps one stateless MCP streamable HTTP handler.
type Handler struct {
	httpHandler http.Handler
}

// NewHandler builds one stateless MCP adapter. Risk and extraction tools are
// registered only when their services are present.
func NewHandler(cfg Config, services common.Services) (*Handler, error) {
	if services.Documents == nil {
		return nil, fmt.Errorf("document service is required")
	}
	cfg = normalizeConfig(cfg)

	mcpSrv := mcpserver.NewMCPServer(
		cfg.ServerName,
		cfg.ServerVersion,
		mcpserver.WithToolCapabilities(false),
	)
	registerDocumentTools(mcpSrv, services.Documents)
	if services.Risk != nil {
		registerRiskTools(mcpSrv, services.Risk)
	}
	if services.Extractions != nil {
		registerExtractionTools(mcpSrv, services.Extractions)
	}

	streamable := mcpserver.NewStreamableHTTPServer(
		mcpSrv,
		mcpserver.WithEndpointPath(cfg.EndpointPath),
		mcpserver.WithStateLess(true),
	)
	return &Handler{httpHandler: streamable}, nil
}

// ServeHTTP handles one MCP streamable HTTP request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.httpHandler == nil {
		http.Error(w, "mcp handler unavailable", http.StatusServiceUnavailable)
		return
	}
	h.httpHandler.ServeHTTP(w, r)
}

// normalizeConfig applies deterministic defaults to MCP adapter config.
func normalizeConfig(cfg Config) Config {
	cfg.ServerName = strings.TrimSpace(cfg.ServerName)
	if cfg.ServerName == "" {
		cfg.ServerName = "qdoc"
	}
	cfg.ServerVersion = strings.TrimSpace(cfg.ServerVersion)
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "dev"
	}
	cfg.EndpointPath = strings.TrimSpace(cfg.EndpointPath)
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/mcp"
	}
	if !strings.HasPrefix(cfg.EndpointPath, "/") {
		cfg.EndpointPath = "/" + cfg.EndpointPath
	}
	cfg.EndpointPath = "/" + strings.Trim(cfg.EndpointPath, "/")
	return cfg
}

// documentTypes lists accepted document type values for tool schemas.
func documentTypes() []string {
	return []string{
		string(domain.DocumentTypeProcedure),
		string(domain.DocumentTypeManual),
		string(domain.DocumentTypeChecklist),
		string(domain.DocumentTypePolicy),
	}
}

// registerDocumentTools registers lifecycle tools.
func registerDocumentTools(srv *mcpserver.MCPServer, documents common.DocumentService) {
	srv.AddTool(
		mcp.NewTool(
			"qdoc.create_document",
			mcp.WithDescription("Create a draft quality document at version 0.1."),
			mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization identifier")),
			mcp.WithString("type", mcp.Required(), mcp.Description("Document type"), mcp.Enum(documentTypes()...)),
			mcp.WithString("title", mcp.Required(), mcp.Description("Document title")),
			mcp.WithString("content_hash", mcp.Required(), mcp.Description("Content fingerprint")),
			mcp.WithString("created_by", mcp.Description("Author identity")),
			mcp.WithNumber("maintenance_cost", mcp.Description("Estimated maintenance cost")),
			mcp.WithString("margin_impact", mcp.Description("Margin impact"), mcp.Enum("low", "medium", "high")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			orgID, err := req.RequireString("org_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			docType, err := req.RequireString("type")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			title, err := req.RequireString("title")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			contentHash, err := req.RequireString("content_hash")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			doc, err := documents.CreateDocument(ctx, common.CreateDocumentRequest{
				OrgID:           orgID,
				Type:            docType,
				Title:           title,
				ContentHash:     contentHash,
				CreatedBy:       req.GetString("created_by", ""),
				MaintenanceCost: optionalFloat(req, "maintenance_cost"),
				MarginImpact:    req.GetString("margin_impact", ""),
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("create_document", doc)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"qdoc.list_documents",
			mcp.WithDescription("List one organization's documents, optionally filtered by status."),
			mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization identifier")),
			mcp.WithString("status", mcp.Description("Status filter"), mcp.Enum("draft", "in_review", "active", "obsolete")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			orgID, err := req.RequireString("org_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			docs, err := documents.ListDocuments(ctx, common.ListDocumentsRequest{
				OrgID:  orgID,
				Status: req.GetString("status", ""),
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("list_documents", map[string]any{
				"documents": docs,
			})
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"qdoc.submit_for_review",
			mcp.WithDescription("Move a draft document into review."),
			mcp.WithString("document_id", mcp.Required(), mcp.Description("Document identifier")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			documentID, err := req.RequireString("document_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			doc, err := documents.SubmitForReview(ctx, documentID)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("submit_for_review", doc)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"qdoc.approve_document",
			mcp.WithDescription("Approve a document. Re-approving an active document archives it and bumps the major version."),
			mcp.WithString("document_id", mcp.Required(), mcp.Description("Document identifier")),
			mcp.WithString("approved_by", mcp.Description("Approver identity")),
			mcp.WithString("reason", mcp.Description("Revision reason recorded in history")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			documentID, err := req.RequireString("document_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			doc, err := documents.ApproveDocument(ctx, common.TransitionRequest{
				DocumentID: documentID,
				Actor:      req.GetString("approved_by", ""),
				Reason:     req.GetString("reason", ""),
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("approve_document", doc)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"qdoc.retire_document",
			mcp.WithDescription("Retire a document, archiving its final state."),
			mcp.WithString("document_id", mcp.Required(), mcp.Description("Document identifier")),
			mcp.WithString("retired_by", mcp.Description("Actor retiring the document")),
			mcp.WithString("reason", mcp.Description("Retirement reason")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			documentID, err := req.RequireString("document_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			doc, err := documents.RetireDocument(ctx, common.TransitionRequest{
				DocumentID: documentID,
				Actor:      req.GetString("retired_by", ""),
				Reason:     req.GetString("reason", ""),
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("retire_document", doc)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"qdoc.get_history",
			mcp.WithDescription("List archived snapshots of a document, newest first."),
			mcp.WithString("document_id", mcp.Required(), mcp.Description("Document identifier")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			documentID, err := req.RequireString("document_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			entries, err := documents.GetHistory(ctx, documentID)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("get_history", map[string]any{
				"history": entries,
			})
		},
	)
}

// registerRiskTools registers revision risk tools.
func registerRiskTools(srv *mcpserver.MCPServer, risk common.RiskService) {
	srv.AddTool(
		mcp.NewTool(
			"qdoc.analyze_document",
			mcp.WithDescription("Evaluate one document's revision risk."),
			mcp.WithString("document_id", mcp.Required(), mcp.Description("Document identifier")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			documentID, err := req.RequireString("document_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			analysis, err := risk.AnalyzeDocument(ctx, documentID)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("analyze_document", analysis)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"qdoc.analyze_organization",
			mcp.WithDescription("Evaluate revision risk for every active or in-review document, highest risk first."),
			mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization identifier")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			orgID, err := req.RequireString("org_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			analyses, err := risk.AnalyzeOrganization(ctx, orgID)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("analyze_organization", map[string]any{
				"org_id":   orgID,
				"analyses": analyses,
			})
		},
	)
}

// registerExtractionTools registers procedure-extraction linking tools.
func registerExtractionTools(srv *mcpserver.MCPServer, extractions common.ExtractionService) {
	srv.AddTool(
		mcp.NewTool(
			"qdoc.link_extraction",
			mcp.WithDescription("Create a draft procedure document from one completed extraction and link them."),
			mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization identifier")),
			mcp.WithString("extraction_id", mcp.Required(), mcp.Description("Extraction identifier")),
			mcp.WithString("created_by", mcp.Description("Author identity")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			orgID, err := req.RequireString("org_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			extractionID, err := req.RequireString("extraction_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			doc, err := extractions.LinkExtraction(ctx, common.LinkExtractionRequest{
				OrgID:        orgID,
				ExtractionID: extractionID,
				CreatedBy:    req.GetString("created_by", ""),
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("link_extraction", doc)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"qdoc.list_unlinked_extractions",
			mcp.WithDescription("List completed extractions that have no document yet."),
			mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization identifier")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			orgID, err := req.RequireString("org_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			out, err := extractions.ListUnlinkedExtractions(ctx, orgID)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("list_unlinked_extractions", out)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"qdoc.auto_process_extractions",
			mcp.WithDescription("Create documents for every unlinked completed extraction."),
			mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization identifier")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			orgID, err := req.RequireString("org_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			out, err := extractions.AutoProcessExtractions(ctx, orgID)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("auto_process_extractions", out)
		},
	)
}

// optionalFloat returns a pointer to one numeric argument when present.
func optionalFloat(req mcp.CallToolRequest, key string) *float64 {
	raw, ok := req.GetArguments()[key]
	if !ok || raw == nil {
		return nil
	}
	v := req.GetFloat(key, 0)
	return &v
}

// jsonResult encodes one tool payload.
func jsonResult(tool string, payload any) (*mcp.CallToolResult, error) {
	result, err := mcp.NewToolResultJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", tool, err)
	}
	return result, nil
}

// toolResultFromError maps service errors into MCP-visible tool errors.
func toolResultFromError(err error) *mcp.CallToolResult {
	if err == nil {
		return mcp.NewToolResultError("unknown error")
	}
	return mcp.NewToolResultError(common.ErrorCode(err) + ": " + err.Error())
}
