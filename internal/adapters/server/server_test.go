package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hylla/qdoc/internal/adapters/metrics/prom"
	"github.com/hylla/qdoc/internal/adapters/server/common"
	"github.com/hylla/qdoc/internal/adapters/storage/sqlite"
	"github.com/hylla/qdoc/internal/app"
	"github.com/hylla/qdoc/internal/domain"
)

// failingPinger reports storage as unreachable.
type failingPinger struct{}

func (failingPinger) Ping(context.Context) error {
	return errors.New("database is closed")
}

// newTestServer builds the composed handler over an in-memory store.
func newTestServer(t *testing.T) (*httptest.Server, *prom.Recorder) {
	t.Helper()
	repo, err := sqlite.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() {
		_ = repo.Close()
	})
	metrics := prom.NewRecorder()
	svc := app.NewService(repo, repo, uuid.NewString, func() time.Time {
		return time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	}, app.ServiceConfig{Metrics: metrics})

	handler, _, err := NewHandler(Config{}, Dependencies{
		Services: common.NewAppServiceAdapter(svc, "tester").Services(),
		Storage:  repo,
		Metrics:  metrics.Handler(),
	})
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server, metrics
}

// TestServerDocumentLifecycleOverHTTP verifies the API mount, approval, and metrics export.
func TestServerDocumentLifecycleOverHTTP(t *testing.T) {
	server, _ := newTestServer(t)
	client := server.Client()

	resp, err := client.Post(server.URL+"/api/v1/documents", "application/json", strings.NewReader(
		`{"org_id":"org-1","type":"checklist","title":"Line clearance","content_hash":"sha256:1"}`,
	))
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	var doc domain.Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || doc.Metadata.CreatedBy != "tester" {
		t.Fatalf("create = %d %#v", resp.StatusCode, doc)
	}

	resp, err = client.Post(server.URL+"/api/v1/documents/"+doc.ID+"/approve", "application/json", nil)
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve status = %d, want 200", resp.StatusCode)
	}

	resp, err = client.Get(server.URL + "/api/v1/documents/" + doc.ID + "/risk")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	var analysis domain.RevisionRiskAnalysis
	if err := json.NewDecoder(resp.Body).Decode(&analysis); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	_ = resp.Body.Close()
	if analysis.RiskLevel != domain.RiskLow || analysis.NeedsRevision {
		t.Fatalf("unexpected analysis %#v", analysis)
	}

	resp, err = client.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if !strings.Contains(string(body), `qdoc_operations_total{operation="approve",result="success"} 1`) {
		t.Fatalf("metrics missing approve counter:\n%s", body)
	}
}

// TestServerHealthAndReadiness verifies liveness and storage-backed readiness.
func TestServerHealthAndReadiness(t *testing.T) {
	server, _ := newTestServer(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := server.Client().Get(server.URL + path)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d, want 200", path, resp.StatusCode)
		}
	}

	rec := httptest.NewRecorder()
	readinessHandler(failingPinger{})(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("failing readiness status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "database is closed") {
		t.Fatalf("readiness body = %q", rec.Body.String())
	}
}

// TestNewHandlerRequiresDocuments verifies dependency enforcement.
func TestNewHandlerRequiresDocuments(t *testing.T) {
	if _, _, err := NewHandler(Config{}, Dependencies{}); err == nil {
		t.Fatal("expected missing document service to fail")
	}
}

// TestNormalizeConfig verifies defaults and endpoint collisions.
func TestNormalizeConfig(t *testing.T) {
	cfg, err := normalizeConfig(Config{APIEndpoint: "api/v2/", MCPEndpoint: ""})
	if err != nil {
		t.Fatalf("normalizeConfig() error = %v", err)
	}
	if cfg.HTTPBind != defaultBindAddress || cfg.APIEndpoint != "/api/v2" || cfg.MCPEndpoint != "/mcp" || cfg.ServerName != "qdoc" {
		t.Fatalf("unexpected normalized config %#v", cfg)
	}
	if _, err := normalizeConfig(Config{APIEndpoint: "/x", MCPEndpoint: "/x"}); err == nil {
		t.Fatal("expected colliding endpoints to fail")
	}
	if _, err := normalizeConfig(Config{APIEndpoint: "/metrics"}); err == nil {
		t.Fatal("expected reserved endpoint to fail")
	}
	if got := normalizeEndpoint("/", "/api/v1"); got != "/api/v1" {
		t.Fatalf("normalizeEndpoint(/) = %q, want fallback", got)
	}
}

// TestRunStopsOnContextCancel verifies graceful shutdown.
func TestRunStopsOnContextCancel(t *testing.T) {
	repo, err := sqlite.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	defer repo.Close()
	svc := app.NewService(repo, repo, uuid.NewString, nil, app.ServiceConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Config{HTTPBind: "127.0.0.1:0"}, Dependencies{
			Services: common.NewAppServiceAdapter(svc, "").Services(),
		})
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
