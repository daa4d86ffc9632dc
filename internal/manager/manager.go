package manager

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"localmodeld/internal/registry"
	"localmodeld/pkg/types"
)

// Manager decides which models are resident in the worker process. It owns
// the worker lifecycle and delegates residency bookkeeping to a Registry.
type Manager struct {
	cfg       ManagerConfig
	reg       *registry.Registry
	log       zerolog.Logger
	publisher EventPublisher
	startTime time.Time

	mu     sync.RWMutex
	models []types.LocalModelDescriptor
	loaded bool

	wmu    sync.Mutex
	worker Worker
	// workerGen increments whenever the worker goes away.
	workerGen uint64
}

// New builds a Manager over a model source and worker spawner with defaults.
func New(models ModelSource, spawn SpawnFunc, log zerolog.Logger) *Manager {
	return NewWithConfig(ManagerConfig{Models: models, Spawn: spawn, Logger: log})
}

// Registry exposes the residency table.
func (m *Manager) Registry() *registry.Registry { return m.reg }

// Uptime since construction.
func (m *Manager) Uptime() time.Duration { return time.Since(m.startTime) }

// Refresh rescans the model source.
func (m *Manager) Refresh(ctx context.Context) ([]types.LocalModelDescriptor, error) {
	models, err := m.cfg.Models(ctx)
	if err != nil {
		return nil, fmt.Errorf("refresh models: %w", err)
	}
	m.mu.Lock()
	m.models, m.loaded = models, true
	m.mu.Unlock()
	m.log.Debug().Int("count", len(models)).Msg("models refreshed")
	return models, nil
}

// ListModels returns the last scanned descriptors, scanning once if needed.
func (m *Manager) ListModels(ctx context.Context) ([]types.LocalModelDescriptor, error) {
	m.mu.RLock()
	loaded := m.loaded
	out := make([]types.LocalModelDescriptor, len(m.models))
	copy(out, m.models)
	m.mu.RUnlock()
	if !loaded {
		return m.Refresh(ctx)
	}
	return out, nil
}

// matchers are tried in order; the first with a hit wins.
var matchers = []func(d types.LocalModelDescriptor, ref string) bool{
	func(d types.LocalModelDescriptor, ref string) bool { return d.ID == ref },
	func(d types.LocalModelDescriptor, ref string) bool { return d.Name == ref },
	func(d types.LocalModelDescriptor, ref string) bool {
		base := filepath.Base(ref)
		return strings.EqualFold(d.Filename, base) || strings.EqualFold(d.ID, base)
	},
}

// Resolve finds the descriptor for ref by id, then exact name, then
// filename. A miss triggers one rescan before giving up.
func (m *Manager) Resolve(ctx context.Context, ref string) (types.LocalModelDescriptor, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return types.LocalModelDescriptor{}, ErrModelNotFound("(unspecified)")
	}
	models, err := m.ListModels(ctx)
	if err != nil {
		return types.LocalModelDescriptor{}, err
	}
	if d, ok := match(models, ref); ok {
		return d, nil
	}
	models, err = m.Refresh(ctx)
	if err != nil {
		return types.LocalModelDescriptor{}, err
	}
	if d, ok := match(models, ref); ok {
		return d, nil
	}
	return types.LocalModelDescriptor{}, ErrModelNotFound(ref)
}

func match(models []types.LocalModelDescriptor, ref string) (types.LocalModelDescriptor, bool) {
	for _, fn := range matchers {
		for _, d := range models {
			if fn(d, ref) {
				return d, true
			}
		}
	}
	return types.LocalModelDescriptor{}, false
}

// Status reports residency of id.
func (m *Manager) Status(id string) types.ModelStatus { return m.reg.Status(id) }

func (m *Manager) publish(name, id string, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	m.publisher.Publish(Event{Name: name, ModelID: id, Fields: fields})
}
