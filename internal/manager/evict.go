package manager

import (
	"fmt"
	"strings"

	"localmodeld/internal/registry"
)

// EvictionPolicy picks the residents to unload before incoming is loaded.
type EvictionPolicy interface {
	Victims(r *registry.Registry, incoming string) []string
}

// EvictAll keeps a single model resident: every other model is unloaded.
type EvictAll struct{}

func (EvictAll) Victims(r *registry.Registry, incoming string) []string {
	var out []string
	for _, id := range r.ResidentIDs() {
		if id != incoming {
			out = append(out, id)
		}
	}
	return out
}

// EvictLRU keeps at most MaxResident models, unloading the least recently
// used ones first.
type EvictLRU struct{ MaxResident int }

func (p EvictLRU) Victims(r *registry.Registry, incoming string) []string {
	limit := p.MaxResident
	if limit < 1 {
		limit = 1
	}
	resident := len(r.ResidentIDs())
	var out []string
	for resident-len(out) >= limit {
		id, ok := r.LeastRecentlyUsed(append([]string{incoming}, out...)...)
		if !ok {
			break
		}
		out = append(out, id)
	}
	return out
}

// EvictUnassociated unloads residents that no thread is using.
type EvictUnassociated struct{}

func (EvictUnassociated) Victims(r *registry.Registry, incoming string) []string {
	var out []string
	for _, id := range r.UnassociatedEntries() {
		if id != incoming {
			out = append(out, id)
		}
	}
	return out
}

// PolicyByName maps a config value to a policy: "all" (default), "lru" or
// "unassociated".
func PolicyByName(name string, maxResident int) (EvictionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "all", "single":
		return EvictAll{}, nil
	case "lru":
		return EvictLRU{MaxResident: maxResident}, nil
	case "unassociated":
		return EvictUnassociated{}, nil
	}
	return nil, fmt.Errorf("unknown eviction policy %q", name)
}
