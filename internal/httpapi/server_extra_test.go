package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"localmodeld/pkg/types"
)

// blockService holds loads until their context ends.
type blockService struct{ mockService }

func (b *blockService) LoadModel(ctx context.Context, _, _ string) (types.ModelRuntimeInfo, error) {
	<-ctx.Done()
	return types.ModelRuntimeInfo{}, ctx.Err()
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	h := NewMux(&mockService{}, Options{
		CORSOrigins: []string{"http://ui.local"},
		Registerer:  prometheus.NewRegistry(),
	})
	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	req.Header.Set("Origin", "http://ui.local")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://ui.local" {
		t.Fatalf("Access-Control-Allow-Origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/models", nil)
	req.Header.Set("Origin", "http://elsewhere")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unlisted origin allowed: %q", got)
	}
}

func TestCORSDisabledWithoutOrigins(t *testing.T) {
	h := newTestMux(&mockService{})
	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	req.Header.Set("Origin", "http://ui.local")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected CORS header %q", got)
	}
}

func TestLoadTimeoutFromOptionsMaps504(t *testing.T) {
	h := NewMux(&blockService{}, Options{LoadTimeout: 50 * time.Millisecond, Registerer: prometheus.NewRegistry()})
	rec := httptest.NewRecorder()
	start := time.Now()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/models/m.gguf/load", nil))
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504 on timeout, got %d", rec.Code)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("load timeout not applied")
	}
}

func TestLoadDuringShutdownMaps503(t *testing.T) {
	base, cancel := context.WithCancel(context.Background())
	h := NewMux(&blockService{}, Options{BaseContext: base, Registerer: prometheus.NewRegistry()})
	cancel()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/models/m.gguf/load", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after shutdown, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "shutting down") {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestLoadBodyLimitFromOptions(t *testing.T) {
	h := NewMux(&mockService{}, Options{MaxBodyBytes: 16, Registerer: prometheus.NewRegistry()})
	body := `{"thread_id":"` + strings.Repeat("x", 64) + `"}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/models/m.gguf/load", strings.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized body, got %d", rec.Code)
	}
}
