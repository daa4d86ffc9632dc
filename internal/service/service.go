// Package service wires the scanner, estimator, downloader, registry, loader
// and metrics into one owned instance that handlers and the CLI call into.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"localmodeld/internal/common/fsutil"
	"localmodeld/internal/config"
	"localmodeld/internal/download"
	"localmodeld/internal/gguf"
	"localmodeld/internal/manager"
	"localmodeld/internal/metrics"
	"localmodeld/internal/scanner"
	"localmodeld/internal/vram"
	"localmodeld/internal/worker"
	"localmodeld/pkg/types"
)

// Config configures a Service.
type Config struct {
	ModelsDir string
	// HFToken is sent as a bearer token by downloads and remote estimates.
	HFToken  string
	BudgetMB float64
	MarginMB float64
	Policy   manager.EvictionPolicy
	Settings map[string]types.RunSettings
	Threads  int
	// Worker describes the worker process. Ignored when Spawn is set.
	Worker worker.Config
	Spawn  manager.SpawnFunc
	// Download and Remote carry transport tunables; Logger, Hooks, Token and
	// Source are filled by New.
	Download download.Config
	Remote   vram.RemoteConfig
	// Registerer receives the service collectors. Nil keeps them private.
	Registerer prometheus.Registerer
	Logger     zerolog.Logger
}

// FromConfig translates file/env configuration into a service Config.
func FromConfig(c config.Config, log zerolog.Logger) (Config, error) {
	policy, err := manager.PolicyByName(c.EvictionPolicy, c.MaxResident)
	if err != nil {
		return Config{}, err
	}
	return Config{
		ModelsDir: c.ModelsDir,
		HFToken:   c.HFToken,
		BudgetMB:  float64(c.VRAMBudgetMB),
		MarginMB:  float64(c.VRAMMarginMB),
		Policy:    policy,
		Settings:  c.Models,
		Threads:   c.Worker.Threads,
		Worker: worker.Config{
			Bin:          c.Worker.Bin,
			Args:         c.Worker.Args,
			StartTimeout: c.Worker.StartTimeout.Duration,
		},
		Download: download.Config{
			UserAgent:        c.Download.UserAgent,
			MaxBytesPerSec:   c.Download.MaxBytesPerSec,
			ProgressInterval: c.Download.ProgressInterval.Duration,
		},
		Remote: vram.RemoteConfig{
			Timeout:     c.Estimate.Timeout.Duration,
			Retries:     c.Estimate.Retries,
			MaxInFlight: c.Estimate.MaxInFlight,
			CacheTTL:    c.Estimate.CacheTTL.Duration,
		},
		Logger: log,
	}, nil
}

// Service is the local model host.
type Service struct {
	log     zerolog.Logger
	scan    *scanner.Scanner
	dl      *download.Manager
	remote  *vram.RemoteEstimator
	mgr     *manager.Manager
	metrics *metrics.Metrics
}

// New builds a Service. The worker is not started until the first load.
func New(cfg Config) (*Service, error) {
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	met := metrics.New(reg)

	s := &Service{
		log:     cfg.Logger,
		scan:    scanner.New(scanner.Config{Dir: cfg.ModelsDir, Logger: cfg.Logger}),
		metrics: met,
	}

	dcfg := cfg.Download
	dcfg.Token, dcfg.Logger, dcfg.Hooks = cfg.HFToken, cfg.Logger, met.DownloadHooks()
	s.dl = download.New(dcfg)

	rcfg := cfg.Remote
	if rcfg.Source == nil {
		rcfg.Source = &gguf.RangeReader{UserAgent: dcfg.UserAgent, Token: cfg.HFToken}
	}
	rcfg.Logger = cfg.Logger
	s.remote = vram.NewRemoteEstimator(rcfg)

	spawn := cfg.Spawn
	if spawn == nil {
		wcfg := cfg.Worker
		if wcfg.Bin == "" {
			exe, err := os.Executable()
			if err != nil {
				return nil, fmt.Errorf("locate worker binary: %w", err)
			}
			wcfg.Bin = exe
		}
		if len(wcfg.Args) == 0 {
			wcfg.Args = []string{"worker"}
		}
		wcfg.Logger = cfg.Logger
		spawn = ProcessSpawner(wcfg)
	}

	s.mgr = manager.NewWithConfig(manager.ManagerConfig{
		Models:    s.scan.Scan,
		Spawn:     spawn,
		Policy:    cfg.Policy,
		BudgetMB:  cfg.BudgetMB,
		MarginMB:  cfg.MarginMB,
		Settings:  cfg.Settings,
		Threads:   cfg.Threads,
		Logger:    cfg.Logger,
		Publisher: met,
	})
	metrics.RegisterResidency(reg, func() (int, float64) {
		r := s.mgr.Registry()
		return len(r.ResidentIDs()), r.TotalMemoryMB()
	})
	return s, nil
}

// ProcessSpawner starts `cfg.Bin cfg.Args...` as the worker process.
func ProcessSpawner(cfg worker.Config) manager.SpawnFunc {
	return func(ctx context.Context, onExit func(error)) (manager.Worker, error) {
		c := cfg
		c.OnExit = onExit
		cl, err := worker.Start(ctx, c)
		if err != nil {
			return nil, err
		}
		return cl, nil
	}
}

// Manager exposes the loader (admin surface, tests).
func (s *Service) Manager() *manager.Manager { return s.mgr }

// ModelsDir is the absolute models directory.
func (s *Service) ModelsDir() (string, error) { return s.scan.Dir() }

// Ready reports whether the models directory exists.
func (s *Service) Ready() bool {
	dir, err := s.scan.Dir()
	return err == nil && fsutil.PathExists(dir)
}

// LocalModels rescans the models directory.
func (s *Service) LocalModels(ctx context.Context) ([]types.LocalModelDescriptor, error) {
	return s.mgr.Refresh(ctx)
}

// DownloadModel fetches entry into destPath, or into the models directory
// under entry.Filename when destPath is empty. Split models are fetched part
// by part next to destPath. The model list is refreshed on success.
func (s *Service) DownloadModel(ctx context.Context, entry types.CatalogEntry, destPath string, opts download.Options) error {
	if destPath == "" {
		dir, err := s.scan.Dir()
		if err != nil {
			return err
		}
		name := entry.Filename
		if name == "" {
			name = filepath.Base(entry.URL)
		}
		destPath = filepath.Join(dir, name)
	}
	if len(gguf.PartURLs(entry.URL)) > 1 {
		if _, err := s.dl.DownloadParts(ctx, entry, filepath.Dir(destPath), opts); err != nil {
			return err
		}
	} else if err := s.dl.Download(ctx, entry, destPath, opts); err != nil {
		return err
	}
	if _, err := s.mgr.Refresh(ctx); err != nil {
		s.log.Warn().Err(err).Msg("rescan after download failed")
	}
	return nil
}

// CancelDownload aborts the download of filename.
func (s *Service) CancelDownload(filename string) bool { return s.dl.Cancel(filename) }

// DownloadProgress returns the last progress report for filename.
func (s *Service) DownloadProgress(filename string) (types.DownloadProgress, bool) {
	return s.dl.Progress(filename)
}

// LoadModel makes ref resident and binds threadID to it.
func (s *Service) LoadModel(ctx context.Context, ref, threadID string) (types.ModelRuntimeInfo, error) {
	return s.mgr.Load(ctx, ref, threadID)
}

// UnloadModel releases a resident model.
func (s *Service) UnloadModel(ctx context.Context, id string) error { return s.mgr.Unload(ctx, id) }

// ModelStatus reports residency of id.
func (s *Service) ModelStatus(id string) types.ModelStatus { return s.mgr.Status(id) }

// EstimateVRAM estimates a single configuration.
func (s *Service) EstimateVRAM(arch types.ModelArchitecture, cfg types.VRAMConfiguration) (types.VRAMEstimate, error) {
	return vram.EstimateConfig(arch, cfg)
}

// EstimateStandard estimates the standard configurations for arch.
func (s *Service) EstimateStandard(arch types.ModelArchitecture) ([]types.VRAMEstimate, error) {
	return vram.EstimateStandard(arch)
}

// EstimateRemote estimates a model that has not been downloaded.
func (s *Service) EstimateRemote(ctx context.Context, entry types.CatalogEntry) (vram.RemoteResult, error) {
	start := time.Now()
	res, err := s.remote.Estimate(ctx, entry)
	s.metrics.ObserveEstimate(time.Since(start), err)
	return res, err
}

// RecordPromptUsage adds one prompt of tokens to the usage of id.
func (s *Service) RecordPromptUsage(id string, tokens int) { s.mgr.Registry().RecordUsage(id, tokens) }

// UsageStats returns usage recorded for id since the last ClearAll.
func (s *Service) UsageStats(id string) (types.UsageStats, bool) { return s.mgr.Registry().Usage(id) }

// TotalMemoryUsage sums the estimated memory of resident models in MiB.
func (s *Service) TotalMemoryUsage() float64 { return s.mgr.Registry().TotalMemoryMB() }

// Generate runs prompt on the resident model id.
func (s *Service) Generate(ctx context.Context, id, prompt string, params worker.GenerateParams, onToken func(string) error) (worker.GenerateResult, error) {
	return s.mgr.Generate(ctx, id, prompt, params, onToken)
}

// DeleteModel unloads id if resident and removes its file(s) from disk.
func (s *Service) DeleteModel(ctx context.Context, id string) error {
	desc, err := s.mgr.Resolve(ctx, id)
	if err != nil {
		return err
	}
	if err := s.mgr.PrepareForDeletion(ctx, desc.ID); err != nil {
		return err
	}
	var errs []error
	for _, p := range modelFiles(desc) {
		if err := fsutil.RemoveIfExists(p); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("delete %s: %w", desc.ID, err)
	}
	s.log.Info().Str("model", desc.ID).Msg("model deleted")
	if _, err := s.mgr.Refresh(ctx); err != nil {
		s.log.Warn().Err(err).Msg("rescan after delete failed")
	}
	return nil
}

func modelFiles(desc types.LocalModelDescriptor) []string {
	if !desc.IsMultiPart {
		return []string{desc.Path}
	}
	dir := filepath.Dir(desc.Path)
	out := make([]string, 0, len(desc.PartFiles))
	for _, f := range desc.PartFiles {
		out = append(out, filepath.Join(dir, f))
	}
	return out
}

// Status reports residency, loading models and active downloads.
func (s *Service) Status() types.StatusResponse {
	st := s.mgr.StatusReport()
	st.Downloads = s.dl.Active()
	return st
}

// Watch rescans the models directory whenever it changes, until ctx ends.
func (s *Service) Watch(ctx context.Context, debounce time.Duration) error {
	return s.scan.Watch(ctx, debounce, func() {
		if _, err := s.mgr.Refresh(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn().Err(err).Msg("rescan failed")
		}
	})
}

// Close cancels downloads, unloads every model and stops the worker.
func (s *Service) Close(ctx context.Context) error {
	s.dl.CancelAll()
	return s.mgr.Close(ctx)
}
