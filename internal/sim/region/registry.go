package region

import (
	"fmt"
	"sync"
	"time"
)

type entry struct {
	spec    Spec
	state   State
	handles []Handle
	changed time.Time
}

// Registry is the single source of truth for region state.
// State and handles only change through the compare-and-set methods below.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*entry
	order []string
}

func NewRegistry() *Registry {
	return &Registry{byID: map[string]*entry{}}
}

func (r *Registry) Register(spec Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[spec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, spec.ID)
	}
	r.byID[spec.ID] = &entry{spec: spec, state: Unloaded, changed: time.Now()}
	r.order = append(r.order, spec.ID)
	return nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func (r *Registry) Get(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e := r.byID[id]
	if e == nil {
		return Descriptor{}, false
	}
	return e.descriptor(), true
}

// All returns a snapshot of every region in registration order.
func (r *Registry) All() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id].descriptor())
	}
	return out
}

// Transition moves id from one transient/unloaded state to another.
// Transitions into or out of Loaded must go through Attach/Detach so the
// handle set stays consistent; Transition refuses them.
func (r *Registry) Transition(id string, from, to State) bool {
	if from == Loaded || to == Loaded {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.byID[id]
	if e == nil || e.state != from {
		return false
	}
	e.set(to, nil)
	return true
}

// Attach moves id from `from` to Loaded and installs handles.
// An empty handle set is rejected.
func (r *Registry) Attach(id string, from State, handles []Handle) bool {
	if from == Loaded || len(handles) == 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.byID[id]
	if e == nil || e.state != from {
		return false
	}
	e.set(Loaded, append([]Handle(nil), handles...))
	return true
}

// Detach moves id from Loaded to `to` and hands the handle set to the caller.
func (r *Registry) Detach(id string, to State) ([]Handle, bool) {
	if to == Loaded {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.byID[id]
	if e == nil || e.state != Loaded {
		return nil, false
	}
	h := e.handles
	e.set(to, nil)
	return h, true
}

func (e *entry) set(s State, handles []Handle) {
	e.state = s
	e.handles = handles
	e.changed = time.Now()
}

func (e *entry) descriptor() Descriptor {
	return Descriptor{
		Spec:    e.spec,
		State:   e.state,
		Handles: append([]Handle(nil), e.handles...),
		Changed: e.changed,
	}
}
