package hfp

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// MaxMachines bounds the number of device state machines a registry holds.
// Connection attempts beyond it are refused rather than allocating state for
// every address a misbehaving link layer reports.
const MaxMachines = 100

// Registry maps devices to their state machines.
type Registry[M any] struct {
	mu       sync.RWMutex
	machines map[Device]M
	limit    int
	log      *logrus.Entry
}

// NewRegistry creates a registry holding at most limit machines.
func NewRegistry[M any](limit int, log *logrus.Entry) *Registry[M] {
	if limit <= 0 || limit > MaxMachines {
		limit = MaxMachines
	}
	return &Registry[M]{machines: make(map[Device]M), limit: limit, log: log}
}

// Get returns the machine for dev.
func (r *Registry[M]) Get(dev Device) (M, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.machines[dev]
	return m, ok
}

// GetOrCreate returns the machine for dev, creating it with create when
// absent. It reports whether a machine was created.
func (r *Registry[M]) GetOrCreate(dev Device, create func() M) (M, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.machines[dev]; ok {
		return m, false, nil
	}
	if len(r.machines) >= r.limit {
		r.log.WithFields(logrus.Fields{"device": dev, "limit": r.limit}).Warn("state machine limit reached, refusing device")
		var zero M
		return zero, false, ErrTooManyMachines
	}
	m := create()
	r.machines[dev] = m
	return m, true, nil
}

// Remove drops the machine for dev.
func (r *Registry[M]) Remove(dev Device) (M, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.machines[dev]
	delete(r.machines, dev)
	return m, ok
}

// RemoveIf drops the machine for dev if match reports true for it. match
// runs under the registry lock and must not block.
func (r *Registry[M]) RemoveIf(dev Device, match func(M) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.machines[dev]
	if !ok || !match(m) {
		return false
	}
	delete(r.machines, dev)
	return true
}

// Len returns the number of machines.
func (r *Registry[M]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.machines)
}

// Devices returns the registered devices in address order.
func (r *Registry[M]) Devices() []Device {
	r.mu.RLock()
	out := make([]Device, 0, len(r.machines))
	for d := range r.machines {
		out = append(out, d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Each calls fn for a snapshot of the registered machines, outside the lock.
func (r *Registry[M]) Each(fn func(Device, M)) {
	r.mu.RLock()
	snap := make(map[Device]M, len(r.machines))
	for d, m := range r.machines {
		snap[d] = m
	}
	r.mu.RUnlock()
	for d, m := range snap {
		fn(d, m)
	}
}
