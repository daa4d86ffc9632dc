package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"localmodeld/internal/manager"
	"localmodeld/internal/worker"
	"localmodeld/pkg/types"
)

// errShuttingDown is the cause recorded on load contexts ended by shutdown.
var errShuttingDown = errors.New("server shutting down")

// statusClientClosed marks loads abandoned by the client. It is never written.
const statusClientClosed = 499

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps well-known service errors to HTTP status codes.
func statusFor(err error) int {
	var he HTTPError
	switch {
	case errors.As(err, &he):
		return he.StatusCode()
	case manager.IsModelNotFound(err):
		return http.StatusNotFound
	case manager.IsModelNotLoaded(err):
		return http.StatusConflict
	case worker.IsDependencyUnavailable(err), errors.Is(err, manager.ErrNoWorker):
		return http.StatusServiceUnavailable
	case errors.Is(err, worker.ErrWorkerExited):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeJSONError(w, statusFor(err), err.Error())
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}
