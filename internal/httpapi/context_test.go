package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLoadContext_EndsWithRequest(t *testing.T) {
	reqCtx, cancelReq := context.WithCancel(context.Background())
	r := httptest.NewRequest(http.MethodPost, "/models/m/load", nil).WithContext(reqCtx)
	ctx, cancel := loadContext(context.Background(), r, 0)
	defer cancel()

	cancelReq()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("load context outlived its request")
	}
	if shutdownCause(ctx) {
		t.Fatal("client cancel reported as shutdown")
	}
}

func TestLoadContext_ShutdownCause(t *testing.T) {
	base, stop := context.WithCancel(context.Background())
	r := httptest.NewRequest(http.MethodPost, "/models/m/load", nil)
	ctx, cancel := loadContext(base, r, time.Minute)
	defer cancel()

	stop()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("load context outlived shutdown")
	}
	if !shutdownCause(ctx) {
		t.Fatalf("cause = %v", context.Cause(ctx))
	}
	if r.Context().Err() != nil {
		t.Fatal("shutdown must not cancel the request itself")
	}
}

func TestLoadContext_Timeout(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/models/m/load", nil)
	ctx, cancel := loadContext(context.Background(), r, 20*time.Millisecond)
	defer cancel()
	<-ctx.Done()
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) || shutdownCause(ctx) {
		t.Fatalf("err = %v cause = %v", ctx.Err(), context.Cause(ctx))
	}
}

func TestLoadContext_CancelReleasesBase(t *testing.T) {
	base, stop := context.WithCancel(context.Background())
	defer stop()
	r := httptest.NewRequest(http.MethodPost, "/models/m/load", nil)
	ctx, cancel := loadContext(base, r, 0)
	cancel()
	if ctx.Err() == nil {
		t.Fatal("cancel did not end the load context")
	}
	if shutdownCause(ctx) {
		t.Fatal("released context reported as shutdown")
	}
}
