// Package watch implements the watcher registry (component D): a
// name-keyed multimap of predicates, evaluated asynchronously on a shared
// worker pool whenever the lifecycle controller reports a change to an
// operation. A predicate that returns false, or that observes a done
// operation, is removed — the same fan-out-then-prune shape as the
// original's updateOperationWatchers, adapted from the teacher's
// utils.WorkerPool rather than a per-consumer channel (utils.Broadcast),
// since delivery here is "evaluate a predicate," not "push a value."
package watch

import (
	"sync"
	"sync/atomic"

	"github.com/jsirois/bazel-buildfarm/pkg/rexpb"
	"github.com/jsirois/bazel-buildfarm/pkg/utils"
)

// Watcher is re-tested against an operation's current state each time it
// changes. Returning false, or observing Done, ends the subscription.
type Watcher func(op *rexpb.Operation) bool

type bucket struct {
	mu       sync.Mutex
	watchers map[int64]Watcher
}

// Registry fans a notification for an operation name out to every watcher
// registered against it.
type Registry struct {
	mu      sync.Mutex
	byName  map[string]*bucket
	nextID  int64
	fanout  *utils.WorkerPool
}

// NewRegistry builds a registry backed by its own worker pool, started
// immediately so Notify never blocks waiting for a consumer to show up.
func NewRegistry() *Registry {
	pool := utils.NewWorkerPool()
	pool.Start()
	return &Registry{
		byName: make(map[string]*bucket),
		fanout: pool,
	}
}

func (r *Registry) bucketFor(name string, create bool) *bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byName[name]
	if !ok && create {
		b = &bucket{watchers: make(map[int64]Watcher)}
		r.byName[name] = b
	}
	return b
}

// Put registers pred against name and returns a handle usable with Remove.
func (r *Registry) Put(name string, pred Watcher) int64 {
	id := atomic.AddInt64(&r.nextID, 1)
	b := r.bucketFor(name, true)
	b.mu.Lock()
	b.watchers[id] = pred
	b.mu.Unlock()
	return id
}

// Remove drops a single watcher registration. Safe to call more than once.
func (r *Registry) Remove(name string, id int64) {
	b := r.bucketFor(name, false)
	if b == nil {
		return
	}
	b.mu.Lock()
	delete(b.watchers, id)
	empty := len(b.watchers) == 0
	b.mu.Unlock()
	if empty {
		r.mu.Lock()
		if cur, ok := r.byName[name]; ok && cur == b {
			cur.mu.Lock()
			stillEmpty := len(cur.watchers) == 0
			cur.mu.Unlock()
			if stillEmpty {
				delete(r.byName, name)
			}
		}
		r.mu.Unlock()
	}
}

// Clear drops every watcher registered for name, used once an operation
// reaches its terminal state and has delivered its last notification.
func (r *Registry) Clear(name string) {
	r.mu.Lock()
	delete(r.byName, name)
	r.mu.Unlock()
}

// Notify fans the operation's current state out to every registered
// watcher, each evaluated on the shared pool. A watcher that returns false,
// or that is handed a done operation, is pruned after evaluation.
func (r *Registry) Notify(op *rexpb.Operation) {
	b := r.bucketFor(op.Name, false)
	if b == nil {
		return
	}
	b.mu.Lock()
	snapshot := make(map[int64]Watcher, len(b.watchers))
	for id, w := range b.watchers {
		snapshot[id] = w
	}
	b.mu.Unlock()

	for id, w := range snapshot {
		id, w := id, w
		r.fanout.SubmitOrRun(func() {
			if !watchStillWanted(w, op) {
				r.Remove(op.Name, id)
			}
		})
	}
}

// watchStillWanted evaluates a predicate, swallowing a panicking watcher the
// way a failed future is swallowed in the original rather than taking the
// whole fan-out down with it.
func watchStillWanted(w Watcher, op *rexpb.Operation) (stillWanted bool) {
	defer func() {
		if recover() != nil {
			stillWanted = false
		}
	}()
	return w(op) && !op.Done
}

// Stop shuts down the fan-out pool. Call once on final teardown.
func (r *Registry) Stop() {
	r.fanout.Stop()
}
