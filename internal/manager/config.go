package manager

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"localmodeld/internal/registry"
	"localmodeld/internal/worker"
	"localmodeld/pkg/types"
)

// Defaults applied when corresponding ManagerConfig fields are unset or a
// model has no better settings.
const (
	DefaultContextSize = 4096
	DefaultGPULayers   = 999
	DefaultBatchSize   = 512
	defaultMarginMB    = 512
	defaultDisposeWait = 10 * time.Second
)

// Worker is the host side of the worker channel.
type Worker interface {
	LoadModel(ctx context.Context, p worker.LoadModelParams) (string, error)
	CreateContext(ctx context.Context, p worker.CreateContextParams) (string, error)
	Generate(ctx context.Context, req worker.GenerateRequest, onToken func(string) error) (worker.GenerateResult, error)
	DisposeContext(ctx context.Context, handle string) error
	DisposeModel(ctx context.Context, handle string) error
}

// SpawnFunc starts a worker. onExit must be called once if the worker dies.
type SpawnFunc func(ctx context.Context, onExit func(error)) (Worker, error)

// ModelSource lists the models available locally (the scanner).
type ModelSource func(ctx context.Context) ([]types.LocalModelDescriptor, error)

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	Models   ModelSource
	Spawn    SpawnFunc
	Registry *registry.Registry
	// Policy chooses residents to evict before a load. Default EvictAll.
	Policy EvictionPolicy
	// BudgetMB is the VRAM budget; 0 disables calculated settings.
	BudgetMB float64
	// MarginMB is kept free below the budget. Default 512.
	MarginMB float64
	// Settings are explicit per-model settings keyed by id or name.
	Settings map[string]types.RunSettings
	Threads  int
	// DisposeTimeout bounds worker disposal calls that run detached from the
	// caller's context. Default 10s.
	DisposeTimeout time.Duration
	Logger         zerolog.Logger
	Publisher      EventPublisher
}

// NewWithConfig constructs a Manager from ManagerConfig.
func NewWithConfig(cfg ManagerConfig) *Manager {
	if cfg.Policy == nil {
		cfg.Policy = EvictAll{}
	}
	if cfg.MarginMB <= 0 {
		cfg.MarginMB = defaultMarginMB
	}
	if cfg.DisposeTimeout <= 0 {
		cfg.DisposeTimeout = defaultDisposeWait
	}
	if cfg.Publisher == nil {
		cfg.Publisher = noopPublisher{}
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.New(nil, cfg.Logger)
	}
	if cfg.Models == nil {
		cfg.Models = func(context.Context) ([]types.LocalModelDescriptor, error) { return nil, nil }
	}
	return &Manager{
		cfg:       cfg,
		reg:       cfg.Registry,
		log:       cfg.Logger,
		publisher: cfg.Publisher,
		startTime: time.Now(),
	}
}
