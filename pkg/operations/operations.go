// Package operations implements the operations map (component C): a
// name-keyed, key-ordered store of in-flight Operations, plus the Backend
// capability record design note 9 calls for so the completed-operations
// archive (backed by a Delegate-CAS map, pkg/casmap) can stand in for the
// same shape without a shared base type.
package operations

import (
	"sort"

	"github.com/jsirois/bazel-buildfarm/pkg/rexpb"
	"github.com/jsirois/bazel-buildfarm/pkg/utils"
)

// Backend is the capability record every operations-map implementation
// satisfies: a plain struct of functions rather than an interface, so the
// in-memory map and the CAS-delegated archive can both be built as values
// of the same shape (Design Notes 9).
type Backend struct {
	Get      func(name string) (*rexpb.Operation, bool)
	Put      func(op *rexpb.Operation)
	Remove   func(name string) (*rexpb.Operation, bool)
	Contains func(name string) bool
	// Names returns a sorted snapshot of keys for page-token iteration.
	// The archive backend, which has no iteration requirement in the
	// original (its iterator() throws UnsupportedOperationException), may
	// leave this nil.
	Names func() []string
}

// Map is a concurrency-safe, key-ordered map[name]*Operation. Iteration
// order matches the original's synchronizedSortedMap(new TreeMap<>()).
type Map struct {
	mu     utils.RWMutex
	byName map[string]*rexpb.Operation
	keys   []string
}

func NewMap() *Map {
	return &Map{mu: utils.NewRWMutex(), byName: make(map[string]*rexpb.Operation)}
}

func (m *Map) Get(name string) (*rexpb.Operation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	op, ok := m.byName[name]
	return op, ok
}

func (m *Map) Put(op *rexpb.Operation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byName[op.Name]; !exists {
		i := sort.SearchStrings(m.keys, op.Name)
		m.keys = append(m.keys, "")
		copy(m.keys[i+1:], m.keys[i:])
		m.keys[i] = op.Name
	}
	m.byName[op.Name] = op
}

func (m *Map) Remove(name string) (*rexpb.Operation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.byName[name]
	if !ok {
		return nil, false
	}
	delete(m.byName, name)
	i := sort.SearchStrings(m.keys, name)
	if i < len(m.keys) && m.keys[i] == name {
		m.keys = append(m.keys[:i], m.keys[i+1:]...)
	}
	return op, true
}

func (m *Map) Contains(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byName[name]
	return ok
}

// Names returns a sorted snapshot of the currently tracked names, safe to
// range over without holding the map's lock.
func (m *Map) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// AsBackend adapts Map to the Backend capability record.
func (m *Map) AsBackend() Backend {
	return Backend{
		Get:      m.Get,
		Put:      m.Put,
		Remove:   m.Remove,
		Contains: m.Contains,
		Names:    m.Names,
	}
}
