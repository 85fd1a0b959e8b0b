// Package registry holds the running stream of each camera.
//
// A camera id is present iff its stream is intended to be running. The map itself
// is guarded by a short-lived mutex, while longer start/stop sequences are
// serialized per id through Lock so that work on different cameras never waits
// on each other.
package registry

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Entry is a snapshot of one registry slot.
type Entry[V any] struct {
	ID    string
	Value V
}

type idLock struct {
	mutex sync.Mutex
	refs  int
}

// Registry is a concurrency-safe keyed store with per-id serialization.
type Registry[V any] struct {
	mutex sync.RWMutex
	data  map[string]V

	locksMutex sync.Mutex
	locks      map[string]*idLock

	log zerolog.Logger
}

func New[V any]() *Registry[V] {
	return &Registry[V]{
		data:  make(map[string]V),
		locks: make(map[string]*idLock),
		log:   log.With().Str("context", "registry").Logger(),
	}
}

// Lock acquires the per-id lock and returns its release function.
// Callers hold it across a whole start or stop sequence for that id.
func (r *Registry[V]) Lock(id string) func() {
	r.locksMutex.Lock()
	l, ok := r.locks[id]
	if !ok {
		l = &idLock{}
		r.locks[id] = l
	}
	l.refs++
	r.locksMutex.Unlock()

	l.mutex.Lock()
	return func() {
		l.mutex.Unlock()
		r.locksMutex.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, id)
		}
		r.locksMutex.Unlock()
	}
}

// TryInsert stores value under id unless the id is already present.
// It reports whether this call performed the insert.
func (r *Registry[V]) TryInsert(id string, value V) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.data[id]; ok {
		return false
	}
	r.data[id] = value
	r.log.Debug().Str("camera", id).Msg("registered")
	return true
}

// Remove deletes id and returns the removed value.
func (r *Registry[V]) Remove(id string) (V, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	value, ok := r.data[id]
	if ok {
		delete(r.data, id)
		r.log.Debug().Str("camera", id).Msg("unregistered")
	}
	return value, ok
}

// Get returns the value stored under id.
func (r *Registry[V]) Get(id string) (V, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	value, ok := r.data[id]
	return value, ok
}

// List returns all entries ordered by id.
func (r *Registry[V]) List() []Entry[V] {
	r.mutex.RLock()
	entries := make([]Entry[V], 0, len(r.data))
	for id, value := range r.data {
		entries = append(entries, Entry[V]{ID: id, Value: value})
	}
	r.mutex.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ID < entries[j].ID
	})
	return entries
}

// Len returns the number of registered ids.
func (r *Registry[V]) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.data)
}
