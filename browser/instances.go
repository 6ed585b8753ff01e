package browser

import (
	"sort"
	"sync"
)

// Instances maps instanceId to live browsers. It implements
// handler.InstanceLookup.
type Instances struct {
	mu     sync.RWMutex
	byID   map[int]Instance
	nextID int
	empty  chan struct{}
}

func NewInstances() *Instances {
	return &Instances{byID: make(map[int]Instance), nextID: 1}
}

// Reserve returns a fresh id. Ids start at 1 and are never reused.
func (r *Instances) Reserve() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	return id
}

func (r *Instances) Add(inst Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[inst.ID()] = inst
	if inst.ID() >= r.nextID {
		r.nextID = inst.ID() + 1
	}
}

// Remove forgets id. Once the registry becomes empty, any channel returned by
// Empty is closed.
func (r *Instances) Remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
	if len(r.byID) == 0 && r.empty != nil {
		close(r.empty)
		r.empty = nil
	}
}

func (r *Instances) Get(id int) (Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.byID[id]
	return inst, ok
}

func (r *Instances) Lookup(id int) (any, bool) {
	inst, ok := r.Get(id)
	return inst, ok
}

func (r *Instances) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// All returns the live browsers ordered by id.
func (r *Instances) All() []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Instance, 0, len(r.byID))
	for _, inst := range r.byID {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Empty returns a channel closed when no browser is left.
func (r *Instances) Empty() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.byID) == 0 {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	if r.empty == nil {
		r.empty = make(chan struct{})
	}
	return r.empty
}
