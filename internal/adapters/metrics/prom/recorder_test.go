package prom

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCountsResults(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()
	r.Observe(ctx, "approve", true, 20*time.Millisecond)
	r.Observe(ctx, "approve", true, 10*time.Millisecond)
	r.Observe(ctx, "approve", false, time.Millisecond)

	if got := testutil.ToFloat64(r.results.WithLabelValues("approve", "success")); got != 2 {
		t.Fatalf("expected 2 successes, got %v", got)
	}
	if got := testutil.ToFloat64(r.results.WithLabelValues("approve", "error")); got != 1 {
		t.Fatalf("expected 1 error, got %v", got)
	}
	if got := testutil.CollectAndCount(r.durations, "qdoc_operation_duration_seconds"); got != 1 {
		t.Fatalf("expected one histogram series, got %d", got)
	}
}

func TestRecorderHandlerExposesMetrics(t *testing.T) {
	r := NewRecorder()
	r.Observe(context.Background(), "retire", true, time.Millisecond)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `qdoc_operations_total{operation="retire",result="success"} 1`) {
		t.Fatalf("expected retire counter in exposition, got:\n%s", body)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Fatal("expected go runtime collector output")
	}
}
