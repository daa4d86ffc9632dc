package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"localmodeld/pkg/types"
)

// Service defines the methods required by the admin HTTP layer.
type Service interface {
	LocalModels(ctx context.Context) ([]types.LocalModelDescriptor, error)
	Status() types.StatusResponse
	LoadModel(ctx context.Context, ref, threadID string) (types.ModelRuntimeInfo, error)
	UnloadModel(ctx context.Context, id string) error
	CancelDownload(filename string) bool
	Ready() bool
}

// loadRequest is the optional body of POST /models/{id}/load.
type loadRequest struct {
	ThreadID string `json:"thread_id"`
}

type server struct {
	svc     Service
	opts    Options
	metrics *httpMetrics
}

// NewMux builds the admin API router.
func NewMux(svc Service, opts Options) http.Handler {
	opts = opts.withDefaults()
	s := &server{svc: svc, opts: opts, metrics: newHTTPMetrics(opts.Registerer)}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "X-Log-Level"},
			MaxAge:         300,
		}))
	}
	r.Use(s.metrics.middleware)
	r.Use(requestLogger(opts.Logger, ParseLevel(opts.RequestLogLevel)))

	r.Get(routeModels, s.models)
	r.Get(routeStatus, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})
	r.Post(routeLoad, s.load)
	r.Post(routeUnload, func(w http.ResponseWriter, r *http.Request) {
		if err := svc.UnloadModel(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	r.Delete(routeDownload, func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "filename")
		if !svc.CancelDownload(name) {
			writeJSONError(w, http.StatusNotFound, "no download in progress: "+name)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	r.Get(routeHealthz, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get(routeReadyz, func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("models directory unavailable"))
	})
	r.Method(http.MethodGet, routeMetrics, promhttp.HandlerFor(opts.gatherer(), promhttp.HandlerOpts{}))

	return r
}

func (s *server) models(w http.ResponseWriter, r *http.Request) {
	models, err := s.svc.LocalModels(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if models == nil {
		models = []types.LocalModelDescriptor{}
	}
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: models})
}

func (s *server) load(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.countLoad(http.StatusBadRequest)
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ctx, cancel := loadContext(s.opts.BaseContext, r, s.opts.LoadTimeout)
	defer cancel()
	info, err := s.svc.LoadModel(ctx, chi.URLParam(r, "id"), strings.TrimSpace(req.ThreadID))
	switch {
	case err == nil:
		s.countLoad(http.StatusOK)
		writeJSON(w, http.StatusOK, info)
	case r.Context().Err() != nil:
		// Nobody is listening for the response.
		s.countLoad(statusClientClosed)
	case shutdownCause(ctx):
		s.countLoad(http.StatusServiceUnavailable)
		writeJSONError(w, http.StatusServiceUnavailable, errShuttingDown.Error())
	default:
		status := statusFor(err)
		s.countLoad(status)
		writeJSONError(w, status, err.Error())
	}
}

func (s *server) countLoad(status int) {
	s.metrics.loads.WithLabelValues(loadOutcome(status)).Inc()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
