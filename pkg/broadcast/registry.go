package broadcast

import (
	"sort"
	"sync"
)

// Registry is the set of currently connected observers.
type Registry struct {
	lk        sync.RWMutex
	observers map[string]*Observer
}

func NewRegistry() *Registry {
	return &Registry{observers: make(map[string]*Observer)}
}

// Add registers o, replacing any observer with the same id.
func (r *Registry) Add(o *Observer) {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.observers[o.ID()] = o
}

func (r *Registry) Remove(id string) (*Observer, bool) {
	r.lk.Lock()
	defer r.lk.Unlock()
	o, ok := r.observers[id]
	if ok {
		delete(r.observers, id)
	}
	return o, ok
}

func (r *Registry) Get(id string) (*Observer, bool) {
	r.lk.RLock()
	defer r.lk.RUnlock()
	o, ok := r.observers[id]
	return o, ok
}

func (r *Registry) Len() int {
	r.lk.RLock()
	defer r.lk.RUnlock()
	return len(r.observers)
}

// List returns a copy of the registered observers sorted by id. Callers may
// iterate it while observers come and go.
func (r *Registry) List() []*Observer {
	r.lk.RLock()
	out := make([]*Observer, 0, len(r.observers))
	for _, o := range r.observers {
		out = append(out, o)
	}
	r.lk.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID() < out[j].ID()
	})
	return out
}
