package httpapi

import (
	"context"
	"net/http"
	"time"
)

// loadContext is the context a load request runs under. It ends when the
// client disconnects, when base is canceled (shutdown) or after timeout.
func loadContext(base context.Context, r *http.Request, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(r.Context())
	stop := context.AfterFunc(base, func() { cancel(errShuttingDown) })
	release := func() {
		stop()
		cancel(context.Canceled)
	}
	if timeout <= 0 {
		return ctx, release
	}
	tctx, tcancel := context.WithTimeout(ctx, timeout)
	return tctx, func() {
		tcancel()
		release()
	}
}

// shutdownCause reports whether ctx ended because the server is shutting down.
func shutdownCause(ctx context.Context) bool {
	return context.Cause(ctx) == errShuttingDown
}
