package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"localmodeld/internal/manager"
	"localmodeld/internal/worker"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{manager.ErrModelNotFound("m"), http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", manager.ErrModelNotFound("m")), http.StatusNotFound},
		{manager.ErrModelNotLoaded("m"), http.StatusConflict},
		{worker.ErrDependencyUnavailable("llama support not built"), http.StatusServiceUnavailable},
		{&worker.RemoteError{Op: worker.TypeLoadModel, Message: "boom"}, http.StatusInternalServerError},
		{manager.ErrNoWorker, http.StatusServiceUnavailable},
		{fmt.Errorf("load: %w", worker.ErrWorkerExited), http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{mockHTTPError{msg: "teapot", code: http.StatusTeapot}, http.StatusTeapot},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusFor(c.err); got != c.want {
			t.Fatalf("statusFor(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestLoad_ModelNotFoundMaps404(t *testing.T) {
	svc := &mockService{loadErr: manager.ErrModelNotFound("m-missing")}
	r := newTestMux(svc)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/models/m-missing/load", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestModels_ErrorMaps500(t *testing.T) {
	svc := &mockService{modelsErr: errors.New("walk failed")}
	r := newTestMux(svc)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/models", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}
