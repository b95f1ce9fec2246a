// Package transfer drives the downloads of named circuits: each circuit
// pairs a proving key with its compiled module, and both are fetched
// concurrently with their progress folded into one TransferState.
package transfer

import (
	"sync"

	"github.com/pithecene-io/circuitd/clock"
	"github.com/pithecene-io/circuitd/types"
)

// AddResult describes what Registry.Add did.
type AddResult int

const (
	// Unchanged means the circuit was known with the same versions.
	Unchanged AddResult = iota
	// Added means the circuit was new.
	Added
	// Updated means a version changed and the state was reset.
	Updated
)

func (r AddResult) String() string {
	switch r {
	case Added:
		return "added"
	case Updated:
		return "updated"
	default:
		return "unchanged"
	}
}

// Registry holds circuits by name in insertion order. Readers always
// receive copies; only the Coordinator writes.
type Registry struct {
	clock clock.Clock

	mu       sync.RWMutex
	circuits map[string]*types.Circuit
	order    []string
}

// NewRegistry returns an empty registry. A nil clock uses real time.
func NewRegistry(c clock.Clock) *Registry {
	return &Registry{
		clock:    clock.OrReal(c),
		circuits: make(map[string]*types.Circuit),
	}
}

func freshState(name string) types.TransferState {
	return types.TransferState{Name: name, Loading: true}
}

// Add registers c. A new circuit starts loading at 0%. Re-adding with the
// same versions changes nothing. A version change takes the new
// descriptors and metadata, resets progress, clears the error and bumps
// TimeUpdated; TimeAdded is kept.
func (r *Registry) Add(c types.Circuit) (types.Circuit, AddResult) {
	now := r.clock.Now().UnixMilli()

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.circuits[c.Name]
	if !ok {
		c.TimeAdded, c.TimeUpdated = now, now
		c.State = freshState(c.Name)
		r.circuits[c.Name] = &c
		r.order = append(r.order, c.Name)
		return c, Added
	}
	if existing.SameVersions(c) {
		return *existing, Unchanged
	}

	c.TimeAdded, c.TimeUpdated = existing.TimeAdded, now
	c.State = freshState(c.Name)
	*existing = c
	return c, Updated
}

// Get returns the circuit named name.
func (r *Registry) Get(name string) (types.Circuit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.circuits[name]
	if !ok {
		return types.Circuit{}, false
	}
	return *c, true
}

// List returns every circuit in insertion order.
func (r *Registry) List() []types.Circuit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Circuit, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.circuits[name])
	}
	return out
}

// Len returns the number of circuits.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Clear forgets every circuit.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.circuits = make(map[string]*types.Circuit)
	r.order = nil
}

// updateState applies fn to the named circuit's state and returns the
// updated circuit.
func (r *Registry) updateState(name string, fn func(*types.TransferState)) (types.Circuit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.circuits[name]
	if !ok {
		return types.Circuit{}, false
	}
	fn(&c.State)
	return *c, true
}
