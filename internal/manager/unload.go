package manager

import (
	"context"
	"time"
)

// Unload disposes a resident model through the worker and removes it.
// Unloading a model that is not resident logs a warning and succeeds.
func (m *Manager) Unload(ctx context.Context, modelID string) error {
	start := time.Now()
	dctx, cancel := m.detached(ctx)
	defer cancel()
	if !m.reg.Unregister(dctx, modelID) {
		m.log.Warn().Str("model", modelID).Msg("unload: model not resident")
		return nil
	}
	m.log.Info().Str("model", modelID).Dur("elapsed", time.Since(start)).Msg("model unloaded")
	m.publish(EventUnloadDone, modelID, nil)
	return nil
}

// PrepareForDeletion unloads modelID if it is resident so its files can be
// removed.
func (m *Manager) PrepareForDeletion(ctx context.Context, modelID string) error {
	if st := m.reg.Status(modelID); !st.Loaded {
		return nil
	}
	return m.Unload(ctx, modelID)
}

// workerExited drops every resident entry: their handles died with the
// worker. The next load spawns a new worker.
func (m *Manager) workerExited(gen uint64, err error) {
	m.wmu.Lock()
	if gen != m.workerGen {
		m.wmu.Unlock()
		return
	}
	m.workerGen++
	m.worker = nil
	m.wmu.Unlock()

	m.reg.SetDisposer(nil)
	ids := m.reg.Forget()
	m.log.Error().Err(err).Strs("models", ids).Msg("worker exited; resident models dropped")
	m.publish(EventWorkerExit, "", map[string]any{"models": ids, "error": errString(err)})
}

// Close unloads every model and stops the worker if it supports shutdown.
func (m *Manager) Close(ctx context.Context) error {
	dctx, cancel := m.detached(ctx)
	defer cancel()
	m.reg.ClearAll(dctx)

	m.wmu.Lock()
	w := m.worker
	m.worker = nil
	m.workerGen++
	m.wmu.Unlock()
	m.reg.SetDisposer(nil)

	if s, ok := w.(interface{ Shutdown(context.Context) error }); ok {
		return s.Shutdown(dctx)
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
