package registry

import (
	"context"
	"sort"

	"localmodeld/pkg/types"
)

// LoadingLock marks an in-flight load of one model id. Waiters block until
// the owner settles it.
type LoadingLock struct {
	id   string
	done chan struct{}
	err  error
}

// ID is the model being loaded.
func (l *LoadingLock) ID() string { return l.id }

// Done is closed once the load settles.
func (l *LoadingLock) Done() <-chan struct{} { return l.done }

// Wait blocks until the load settles and returns its error, or ctx's.
func (l *LoadingLock) Wait(ctx context.Context) error {
	select {
	case <-l.done:
		return l.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BeginLoading returns the lock for id. owner is true when the caller created
// it and must settle it; otherwise a load is already running and the caller
// should Wait.
func (r *Registry) BeginLoading(id string) (l *LoadingLock, owner bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.loading[id]; ok {
		return l, false
	}
	l = &LoadingLock{id: id, done: make(chan struct{})}
	r.loading[id] = l
	return l, true
}

// Settle releases l with err. Only the owner calls it, exactly once.
func (r *Registry) Settle(l *LoadingLock, err error) {
	r.mu.Lock()
	r.settleLocked(l, err)
	r.mu.Unlock()
}

func (r *Registry) settleLocked(l *LoadingLock, err error) {
	if r.loading[l.id] == l {
		delete(r.loading, l.id)
	}
	l.err = err
	close(l.done)
}

// Complete registers the loaded model and settles l in one step, so Status
// moves from loading to loaded without an observable gap.
func (r *Registry) Complete(l *LoadingLock, info types.ModelRuntimeInfo, h Handles, threadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.registerLocked(info, h, threadID)
	r.settleLocked(l, err)
	return err
}

// LoadingIDs lists ids with a load in flight, sorted.
func (r *Registry) LoadingIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.loading))
	for id := range r.loading {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
