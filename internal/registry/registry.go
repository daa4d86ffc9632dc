// Package registry tracks which models are resident in the worker, the
// sessions (threads) bound to them, in-flight loads and per-model usage.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"localmodeld/pkg/types"
)

// ErrAlreadyRegistered is returned by Register for an id that is resident.
var ErrAlreadyRegistered = errors.New("registry: model already registered")

// ErrNotResident is returned when an operation needs a resident model.
var ErrNotResident = errors.New("registry: model not resident")

// Handles are the worker-side identifiers of a resident model.
type Handles struct {
	Model   string
	Context string
}

// Disposer releases worker-side resources. Context is disposed before model.
type Disposer interface {
	DisposeContext(ctx context.Context, handle string) error
	DisposeModel(ctx context.Context, handle string) error
}

type entry struct {
	info    types.ModelRuntimeInfo
	handles Handles
	threads map[string]struct{}
}

func (e *entry) snapshot() types.ModelRuntimeInfo {
	info := e.info
	info.ThreadIDs = make([]string, 0, len(e.threads))
	for t := range e.threads {
		info.ThreadIDs = append(info.ThreadIDs, t)
	}
	sort.Strings(info.ThreadIDs)
	return info
}

// Registry is safe for concurrent use.
type Registry struct {
	disposer Disposer
	log      zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	threads map[string]string // thread id -> model id
	loading map[string]*LoadingLock
	usage   map[string]*types.UsageStats
}

// New returns an empty registry. disposer may be nil when nothing needs freeing.
func New(disposer Disposer, log zerolog.Logger) *Registry {
	return &Registry{
		disposer: disposer,
		log:      log,
		now:      time.Now,
		entries:  make(map[string]*entry),
		threads:  make(map[string]string),
		loading:  make(map[string]*LoadingLock),
		usage:    make(map[string]*types.UsageStats),
	}
}

// SetDisposer replaces the disposer (the worker client is created after the registry).
func (r *Registry) SetDisposer(d Disposer) {
	r.mu.Lock()
	r.disposer = d
	r.mu.Unlock()
}

// Register stores a resident model. LoadedAt and LastUsedAt are set to now,
// usage stats start at zero and, if threadID is not empty, the thread is bound
// to the model.
func (r *Registry) Register(info types.ModelRuntimeInfo, h Handles, threadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(info, h, threadID)
}

func (r *Registry) registerLocked(info types.ModelRuntimeInfo, h Handles, threadID string) error {
	if _, ok := r.entries[info.ModelID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, info.ModelID)
	}
	now := r.now()
	info.LoadedAt, info.LastUsedAt = now, now
	info.ThreadIDs = nil
	e := &entry{info: info, handles: h, threads: make(map[string]struct{})}
	r.entries[info.ModelID] = e
	r.usage[info.ModelID] = &types.UsageStats{}
	if threadID != "" {
		r.bindLocked(e, threadID)
	}
	return nil
}

// Get returns the runtime info and handles of a resident model.
func (r *Registry) Get(id string) (types.ModelRuntimeInfo, Handles, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return types.ModelRuntimeInfo{}, Handles{}, false
	}
	return e.snapshot(), e.handles, true
}

// GetByThread returns the model bound to threadID and marks it used.
func (r *Registry) GetByThread(threadID string) (types.ModelRuntimeInfo, Handles, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.threads[threadID]
	if !ok {
		return types.ModelRuntimeInfo{}, Handles{}, false
	}
	e := r.entries[id]
	e.info.LastUsedAt = r.now()
	return e.snapshot(), e.handles, true
}

// Touch marks a resident model as used now.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	if e, ok := r.entries[id]; ok {
		e.info.LastUsedAt = r.now()
	}
	r.mu.Unlock()
}

// AssociateThread binds threadID to id, removing it from any other model first.
func (r *Registry) AssociateThread(id, threadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotResident, id)
	}
	if threadID == "" {
		return nil
	}
	r.bindLocked(e, threadID)
	return nil
}

func (r *Registry) bindLocked(e *entry, threadID string) {
	if prev, ok := r.threads[threadID]; ok && prev != e.info.ModelID {
		if pe := r.entries[prev]; pe != nil {
			delete(pe.threads, threadID)
		}
	}
	r.threads[threadID] = e.info.ModelID
	e.threads[threadID] = struct{}{}
}

// DisassociateThread unbinds threadID from whichever model holds it.
func (r *Registry) DisassociateThread(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.threads[threadID]; ok {
		if e := r.entries[id]; e != nil {
			delete(e.threads, threadID)
		}
		delete(r.threads, threadID)
	}
}

// Unregister removes a resident model and disposes its context then its
// model. Disposal errors are logged; the slot is freed regardless. It reports
// whether the model was resident.
func (r *Registry) Unregister(ctx context.Context, id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		r.removeLocked(e)
	}
	d := r.disposer
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.dispose(ctx, d, e)
	return true
}

func (r *Registry) removeLocked(e *entry) {
	for t := range e.threads {
		if r.threads[t] == e.info.ModelID {
			delete(r.threads, t)
		}
	}
	delete(r.entries, e.info.ModelID)
}

func (r *Registry) dispose(ctx context.Context, d Disposer, e *entry) {
	if d == nil {
		return
	}
	id := e.info.ModelID
	if e.handles.Context != "" {
		if err := d.DisposeContext(ctx, e.handles.Context); err != nil {
			r.log.Warn().Str("model", id).Err(err).Msg("dispose context failed")
		}
	}
	if e.handles.Model != "" {
		if err := d.DisposeModel(ctx, e.handles.Model); err != nil {
			r.log.Warn().Str("model", id).Err(err).Msg("dispose model failed")
		}
	}
}

// Status reports residency. Loading wins while a load is in flight so the
// two flags are never both set.
func (r *Registry) Status(id string) types.ModelStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.loading[id]; ok {
		return types.ModelStatus{Loading: true}
	}
	if e, ok := r.entries[id]; ok {
		return types.ModelStatus{Loaded: true, ContextSize: e.info.ContextSize, GPULayers: e.info.GPULayers}
	}
	return types.ModelStatus{}
}

// LeastRecentlyUsed returns the resident id with the oldest LastUsedAt,
// skipping any id in exclude.
func (r *Registry) LeastRecentlyUsed(exclude ...string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		best   string
		bestAt time.Time
		found  bool
	)
	for id, e := range r.entries {
		if slices.Contains(exclude, id) {
			continue
		}
		if !found || e.info.LastUsedAt.Before(bestAt) || (e.info.LastUsedAt.Equal(bestAt) && id < best) {
			best, bestAt, found = id, e.info.LastUsedAt, true
		}
	}
	return best, found
}

// UnassociatedEntries lists resident ids with no bound thread, sorted.
func (r *Registry) UnassociatedEntries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, e := range r.entries {
		if len(e.threads) == 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// ResidentIDs lists resident ids, sorted.
func (r *Registry) ResidentIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns the runtime info of every resident model, sorted by id.
func (r *Registry) Snapshot() []types.ModelRuntimeInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.ModelRuntimeInfo, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// TotalMemoryMB sums the estimated memory of resident models.
func (r *Registry) TotalMemoryMB() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum float64
	for _, e := range r.entries {
		sum += e.info.EstimatedMemoryMB
	}
	return sum
}

// RecordUsage adds one prompt of tokens to id's stats. Unknown ids are ignored.
func (r *Registry) RecordUsage(id string, tokens int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.usage[id]
	if !ok {
		return
	}
	u.TotalPrompts++
	u.TotalTokens += tokens
	if e := r.entries[id]; e != nil {
		e.info.LastUsedAt = r.now()
	}
}

// Usage returns id's accumulated stats. Stats outlive unload until ClearAll.
func (r *Registry) Usage(id string) (types.UsageStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.usage[id]
	if !ok {
		return types.UsageStats{}, false
	}
	return *u, true
}

// ClearAll unregisters every model, disposing each, and resets usage stats.
func (r *Registry) ClearAll(ctx context.Context) {
	r.mu.Lock()
	victims := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		victims = append(victims, e)
	}
	r.entries = make(map[string]*entry)
	r.threads = make(map[string]string)
	r.usage = make(map[string]*types.UsageStats)
	d := r.disposer
	r.mu.Unlock()
	for _, e := range victims {
		r.dispose(ctx, d, e)
	}
}

// Forget drops every resident entry without disposing anything. Used when
// the worker process is gone and its handles are meaningless.
func (r *Registry) Forget() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	r.entries = make(map[string]*entry)
	r.threads = make(map[string]string)
	return ids
}
