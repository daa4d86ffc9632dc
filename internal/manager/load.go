package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"localmodeld/internal/registry"
	"localmodeld/internal/vram"
	"localmodeld/internal/worker"
	"localmodeld/pkg/types"
)

// Settings sources, reported in load events.
const (
	SettingsExplicit   = "explicit"
	SettingsCalculated = "calculated"
	SettingsDefault    = "default"
)

// Load makes the model referenced by ref resident and binds threadID to it.
// A resident model is only re-associated, never reloaded; a load already in
// flight for the same model is awaited. Otherwise the eviction policy frees
// room, the worker loads the weights and creates a context, and the result
// is registered. A failed load leaves nothing registered.
func (m *Manager) Load(ctx context.Context, ref, threadID string) (types.ModelRuntimeInfo, error) {
	desc, err := m.Resolve(ctx, ref)
	if err != nil {
		return types.ModelRuntimeInfo{}, err
	}
	id := desc.ID
	for {
		if _, _, ok := m.reg.Get(id); ok {
			if threadID != "" {
				if err := m.reg.AssociateThread(id, threadID); err != nil {
					continue // evicted in between
				}
			}
			m.reg.Touch(id)
			if info, _, ok := m.reg.Get(id); ok {
				return info, nil
			}
			continue
		}
		lock, owner := m.reg.BeginLoading(id)
		if owner {
			return m.loadOwned(ctx, lock, desc, threadID)
		}
		m.log.Debug().Str("model", id).Str("thread", threadID).Msg("awaiting in-flight load")
		if err := lock.Wait(ctx); err != nil {
			// The owner's abort is not ours: retry and take over the load.
			if ctx.Err() == nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
				continue
			}
			return types.ModelRuntimeInfo{}, err
		}
	}
}

func (m *Manager) loadOwned(ctx context.Context, lock *registry.LoadingLock, desc types.LocalModelDescriptor, threadID string) (types.ModelRuntimeInfo, error) {
	id := desc.ID
	start := time.Now()
	m.publish(EventLoadStart, id, map[string]any{"thread": threadID})

	fail := func(err error, settled bool) (types.ModelRuntimeInfo, error) {
		err = fmt.Errorf("load %s: %w", id, err)
		if !settled {
			m.reg.Settle(lock, err)
		}
		m.log.Warn().Str("model", id).Err(err).Msg("load failed")
		m.publish(EventLoadFailed, id, map[string]any{"error": err.Error()})
		return types.ModelRuntimeInfo{}, err
	}

	m.evictFor(ctx, id)

	settings, source := m.Settings(desc)
	w, gen, err := m.workerFor(ctx)
	if err != nil {
		return fail(err, false)
	}
	mh, err := w.LoadModel(ctx, worker.LoadModelParams{
		Path:        desc.Path,
		GPULayers:   settings.GPULayers,
		ContextSize: settings.ContextSize,
		BatchSize:   settings.BatchSize,
		MMap:        true,
	})
	if err != nil {
		return fail(err, false)
	}
	ch, err := w.CreateContext(ctx, worker.CreateContextParams{
		Model:       mh,
		ContextSize: settings.ContextSize,
		BatchSize:   settings.BatchSize,
		Threads:     m.cfg.Threads,
	})
	if err != nil {
		m.disposeDetached(ctx, w, "", mh)
		return fail(err, false)
	}
	info := types.ModelRuntimeInfo{
		ModelID:           id,
		ModelPath:         desc.Path,
		ContextSize:       settings.ContextSize,
		GPULayers:         settings.GPULayers,
		BatchSize:         settings.BatchSize,
		EstimatedMemoryMB: estimateMemoryMB(desc, settings),
	}
	current, err := m.completeCurrent(gen, lock, info, registry.Handles{Model: mh, Context: ch}, threadID)
	if !current {
		return fail(worker.ErrWorkerExited, false)
	}
	if err != nil {
		m.disposeDetached(ctx, w, ch, mh)
		return fail(err, true)
	}
	info, _, _ = m.reg.Get(id)

	elapsed := time.Since(start)
	m.log.Info().Str("model", id).Str("thread", threadID).Str("settings", source).
		Int("context_size", settings.ContextSize).Int("gpu_layers", settings.GPULayers).
		Dur("elapsed", elapsed).Msg("model loaded")
	m.publish(EventLoadDone, id, map[string]any{
		"settings":     source,
		"context_size": settings.ContextSize,
		"gpu_layers":   settings.GPULayers,
		"memory_mb":    info.EstimatedMemoryMB,
		"elapsed":      elapsed,
	})
	return info, nil
}

// evictFor unloads whatever the policy picks before loading incoming.
func (m *Manager) evictFor(ctx context.Context, incoming string) {
	for _, victim := range m.cfg.Policy.Victims(m.reg, incoming) {
		if victim == incoming {
			continue
		}
		dctx, cancel := m.detached(ctx)
		evicted := m.reg.Unregister(dctx, victim)
		cancel()
		if evicted {
			m.log.Info().Str("model", victim).Str("for", incoming).Msg("evicted model")
			m.publish(EventEvict, victim, map[string]any{"for": incoming})
		}
	}
}

// Settings resolves the run settings for desc: explicit per-model settings
// first, then the largest standard configuration fitting the VRAM budget,
// then defaults. GPU layers are clamped to the known layer count.
func (m *Manager) Settings(desc types.LocalModelDescriptor) (types.RunSettings, string) {
	arch := desc.Architecture
	if s, ok := m.explicitSettings(desc); ok {
		d := defaultSettings(arch)
		if s.ContextSize <= 0 {
			s.ContextSize = d.ContextSize
		}
		if s.GPULayers == 0 {
			s.GPULayers = d.GPULayers
		}
		if s.BatchSize <= 0 {
			s.BatchSize = d.BatchSize
		}
		return clampSettings(s, arch), SettingsExplicit
	}
	if m.cfg.BudgetMB > 0 && arch != nil {
		if ests, err := vram.EstimateStandard(*arch); err == nil {
			if best, ok := vram.LargestFitting(ests, m.cfg.BudgetMB-m.cfg.MarginMB); ok {
				s := types.RunSettings{
					ContextSize: best.Config.ContextSize,
					GPULayers:   best.Config.GPULayers,
					BatchSize:   DefaultBatchSize,
				}
				return clampSettings(s, arch), SettingsCalculated
			}
		}
	}
	return clampSettings(defaultSettings(arch), arch), SettingsDefault
}

func (m *Manager) explicitSettings(desc types.LocalModelDescriptor) (types.RunSettings, bool) {
	for _, key := range []string{desc.ID, desc.Name} {
		if s, ok := m.cfg.Settings[key]; ok {
			return s, true
		}
	}
	return types.RunSettings{}, false
}

func defaultSettings(arch *types.ModelArchitecture) types.RunSettings {
	s := types.RunSettings{ContextSize: DefaultContextSize, GPULayers: DefaultGPULayers, BatchSize: DefaultBatchSize}
	if arch != nil && arch.TrainedContextLength > 0 && arch.TrainedContextLength < s.ContextSize {
		s.ContextSize = arch.TrainedContextLength
	}
	return s
}

func clampSettings(s types.RunSettings, arch *types.ModelArchitecture) types.RunSettings {
	if s.GPULayers < 0 {
		s.GPULayers = 0
	}
	if arch != nil && arch.LayerCount > 0 && s.GPULayers > arch.LayerCount {
		s.GPULayers = arch.LayerCount
	}
	return s
}

// estimateMemoryMB uses the VRAM formula when the architecture is known and
// falls back to the file size.
func estimateMemoryMB(desc types.LocalModelDescriptor, s types.RunSettings) float64 {
	if desc.Architecture != nil {
		if est, err := vram.Estimate(*desc.Architecture, s.GPULayers, s.ContextSize, types.CacheFP16); err == nil {
			return est.ExpectedMB
		}
	}
	return float64(desc.SizeBytes) / (1 << 20)
}

// workerFor returns the live worker, spawning one if needed.
func (m *Manager) workerFor(ctx context.Context) (Worker, uint64, error) {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	if m.worker != nil {
		return m.worker, m.workerGen, nil
	}
	if m.cfg.Spawn == nil {
		return nil, 0, ErrNoWorker
	}
	gen := m.workerGen
	w, err := m.cfg.Spawn(ctx, func(err error) { m.workerExited(gen, err) })
	if err != nil {
		return nil, 0, fmt.Errorf("start worker: %w", err)
	}
	m.worker = w
	m.reg.SetDisposer(w)
	return w, gen, nil
}

// completeCurrent registers the load only while worker generation gen is
// live. Holding wmu orders it against workerExited: either the exit is seen
// here, or the registered entry is dropped by the exit's Forget.
func (m *Manager) completeCurrent(gen uint64, lock *registry.LoadingLock, info types.ModelRuntimeInfo, h registry.Handles, threadID string) (bool, error) {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	if m.worker == nil || m.workerGen != gen {
		return false, nil
	}
	return true, m.reg.Complete(lock, info, h, threadID)
}

func (m *Manager) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.cfg.DisposeTimeout)
}

func (m *Manager) disposeDetached(ctx context.Context, w Worker, ctxHandle, modelHandle string) {
	dctx, cancel := m.detached(ctx)
	defer cancel()
	if ctxHandle != "" {
		if err := w.DisposeContext(dctx, ctxHandle); err != nil {
			m.log.Warn().Err(err).Str("handle", ctxHandle).Msg("dispose context after failed load")
		}
	}
	if modelHandle != "" {
		if err := w.DisposeModel(dctx, modelHandle); err != nil {
			m.log.Warn().Err(err).Str("handle", modelHandle).Msg("dispose model after failed load")
		}
	}
}
