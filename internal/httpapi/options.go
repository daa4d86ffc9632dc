package httpapi

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// DefaultMaxBodyBytes bounds JSON request bodies when Options leaves it unset.
const DefaultMaxBodyBytes int64 = 1 << 20

// Options configures the admin mux. The zero value serves without CORS,
// request logging or a load timeout, and registers metrics on the default
// Prometheus registry.
type Options struct {
	// BaseContext ends in-flight loads when canceled, i.e. on shutdown.
	BaseContext context.Context
	// LoadTimeout bounds POST /models/{id}/load; 0 disables it.
	LoadTimeout  time.Duration
	MaxBodyBytes int64
	// CORSOrigins enables CORS for the listed origins; empty disables it.
	CORSOrigins []string
	// Logger receives one line per request; nil disables request logs.
	Logger *zerolog.Logger
	// RequestLogLevel is the default per-request level: off|error|info|debug.
	// Requests may raise it with ?log= or X-Log-Level.
	RequestLogLevel string
	// Registerer receives the HTTP collectors. /metrics serves it when it is
	// also a Gatherer (a *prometheus.Registry).
	Registerer prometheus.Registerer
}

func (o Options) withDefaults() Options {
	if o.BaseContext == nil {
		o.BaseContext = context.Background()
	}
	if o.LoadTimeout < 0 {
		o.LoadTimeout = 0
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if o.Registerer == nil {
		o.Registerer = prometheus.DefaultRegisterer
	}
	return o
}

func (o Options) gatherer() prometheus.Gatherer {
	if g, ok := o.Registerer.(prometheus.Gatherer); ok {
		return g
	}
	return prometheus.DefaultGatherer
}
