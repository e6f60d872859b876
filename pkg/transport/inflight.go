package transport

import (
	"context"
	"slices"
	"sync"
)

// InFlightRegistry tracks running tasks by run ID so they can be cancelled
// individually (DELETE /runs/{id}) or all at once on shutdown. Cancelling a
// run kills its program.
type InFlightRegistry struct {
	mu      sync.Mutex
	entries map[string]inFlightRun
}

type inFlightRun struct {
	cancel context.CancelFunc
	tenant string
}

// NewInFlightRegistry creates an empty registry.
func NewInFlightRegistry() *InFlightRegistry {
	return &InFlightRegistry{entries: make(map[string]inFlightRun)}
}

// Register records cancel for run id, owned by tenant ("" in single-tenant
// mode).
func (r *InFlightRegistry) Register(id, tenant string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = inFlightRun{cancel: cancel, tenant: tenant}
}

// Cancel cancels run id on behalf of tenant. An empty tenant may cancel any
// run; otherwise the run must belong to tenant. It reports false when the
// run is not in flight or not visible to tenant, so callers cannot tell the
// two apart.
func (r *InFlightRegistry) Cancel(id, tenant string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.entries[id]
	if !ok || (tenant != "" && run.tenant != tenant) {
		return false
	}
	run.cancel()
	delete(r.entries, id)
	return true
}

// CancelAll cancels every run in flight and returns how many there were.
func (r *InFlightRegistry) CancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.entries)
	for id, run := range r.entries {
		run.cancel()
		delete(r.entries, id)
	}
	return n
}

// Remove forgets run id without cancelling it.
func (r *InFlightRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// IDs returns the run IDs in flight, sorted.
func (r *InFlightRegistry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	slices.Sort(ids)
	return ids
}
