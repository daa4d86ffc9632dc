package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"localmodeld/internal/config"
	"localmodeld/internal/httpapi"
)

const (
	shutdownTimeout = 15 * time.Second
	watchDebounce   = 500 * time.Millisecond
)

func newServeCmd(a *app) *cobra.Command {
	var (
		addr        string
		corsOrigins string
		watch       bool
		loadTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the model host with its admin HTTP surface",
		Example: "  modeld serve --addr 127.0.0.1:8089\n" +
			"  MODELD_VRAM_BUDGET_MB=8192 modeld serve -c modeld.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				a.cfg.AdminAddr = addr
			}
			if cmd.Flags().Changed("cors-origins") {
				a.cfg.CORSOrigins = config.SplitCSV(corsOrigins)
			}
			if cmd.Flags().Changed("watch") {
				a.cfg.Watch = watch
			}
			if cmd.Flags().Changed("load-timeout") {
				a.cfg.HTTP.LoadTimeout.Duration = loadTimeout
			}
			return runServe(cmd.Context(), a)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", config.DefaultAdminAddr, "Admin HTTP listen address")
	cmd.Flags().StringVar(&corsOrigins, "cors-origins", "", "Comma-separated origins allowed by CORS (empty disables CORS)")
	cmd.Flags().BoolVar(&watch, "watch", false, "Rescan the models directory when it changes")
	cmd.Flags().DurationVar(&loadTimeout, "load-timeout", 0, "Give up on a load request after this long (0 waits for the client)")
	return cmd
}

// httpOptions maps the config's HTTP section onto the admin mux.
func httpOptions(ctx context.Context, cfg config.Config, log *zerolog.Logger) httpapi.Options {
	return httpapi.Options{
		BaseContext:     ctx,
		LoadTimeout:     cfg.HTTP.LoadTimeout.Duration,
		MaxBodyBytes:    cfg.HTTP.MaxBodyBytes,
		CORSOrigins:     cfg.CORSOrigins,
		Logger:          log,
		RequestLogLevel: cfg.HTTP.RequestLogLevel,
		Registerer:      prometheus.DefaultRegisterer,
	}
}

func runServe(ctx context.Context, a *app) error {
	svc, err := a.service(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	cfg := a.cfg

	if models, err := svc.LocalModels(ctx); err != nil {
		a.log.Warn().Err(err).Str("dir", cfg.ModelsDir).Msg("initial scan failed")
	} else {
		a.log.Info().Int("count", len(models)).Str("dir", cfg.ModelsDir).Msg("models found")
	}
	if cfg.Watch {
		go func() {
			if err := svc.Watch(ctx, watchDebounce); err != nil && ctx.Err() == nil {
				a.log.Warn().Err(err).Msg("models directory watch stopped")
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           httpapi.NewMux(svc, httpOptions(ctx, cfg, &a.log)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", cfg.AdminAddr).Str("policy", cfg.EvictionPolicy).Msg("modeld listening")
		errCh <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		a.log.Warn().Err(err).Msg("graceful shutdown error")
	}
	if err := svc.Close(sctx); err != nil {
		a.log.Warn().Err(err).Msg("service close error")
	}
	a.log.Info().Msg("modeld stopped")
	return serveErr
}
