// Package dispatch implements the queue and matcher (components E and F): a
// FIFO list of queued operations, a pool of parked worker offers, and the
// rendezvous between them under a single queue-monitor mutex so an
// operation arriving and a worker offering can never both miss each other
// (the lost-wakeup the original's split match()/enqueueOperation avoids by
// synchronizing on the same queuedOperations monitor).
package dispatch

import (
	"github.com/jsirois/bazel-buildfarm/pkg/rexpb"
	"sync"
)

// OnMatch is a worker's acceptance callback: given a candidate operation it
// returns whether the worker takes it. An error means the worker itself is
// no longer viable (e.g. its connection broke while being offered work) and
// should neither be re-parked nor treated as a decline.
type OnMatch func(op *rexpb.Operation) (accept bool, err error)

type offer struct {
	platform *rexpb.Platform
	onMatch  OnMatch
}

// Matcher owns the queue monitor: every structural change to the queue or
// the worker pool happens while m.mu is held. The per-candidate platform
// lookup and the worker's OnMatch callback also run while it is held, as
// the original performs both inside its synchronized block.
type Matcher struct {
	mu      sync.Mutex
	queue   []*rexpb.Operation
	workers []*offer
}

func NewMatcher() *Matcher {
	return &Matcher{}
}

// Enqueue attempts to hand op directly to a parked worker offer whose
// platform satisfies cmdPlatform. Workers whose platform doesn't satisfy are
// re-parked afterward; a worker whose OnMatch declines is discarded, not
// re-parked (§9 Open Questions: this asymmetry is deliberate and easy to
// get backwards). If no worker takes it, op is appended to the queue tail.
func (m *Matcher) Enqueue(op *rexpb.Operation, cmdPlatform *rexpb.Platform) (dispatched bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var reparked []*offer
	for len(m.workers) > 0 {
		w := m.workers[0]
		m.workers = m.workers[1:]

		if !w.platform.Fulfills(cmdPlatform) {
			reparked = append(reparked, w)
			continue
		}

		ok, merr := w.onMatch(op)
		if merr != nil {
			// w itself errored; discard it and restore the rest.
			m.workers = append(reparked, m.workers...)
			return false, merr
		}
		if ok {
			m.workers = append(m.workers, reparked...)
			return true, nil
		}
		// Declined: the worker is discarded, not re-parked.
	}
	m.workers = append(m.workers, reparked...)
	m.queue = append(m.queue, op)
	return false, nil
}

// Offer attempts to hand platform's owner the first queued operation whose
// command platform it satisfies. Operations popped off the queue along the
// way that don't satisfy, or whose referent can't be resolved, or that the
// worker declines, are appended back to the queue tail in their original
// order before this call returns (the original's matchSynchronized hands
// them to requeueOperation). The caller should fan out a notification for each of them
// since their state (QUEUED) hasn't changed but their position has.
//
// cmdPlatformOf resolves a queued operation's required platform; returning
// an error treats that operation as non-satisfying for this offer (it is
// requeued, not dropped).
func (m *Matcher) Offer(platform *rexpb.Platform, onMatch OnMatch, cmdPlatformOf func(*rexpb.Operation) (*rexpb.Platform, error)) (dispatched *rexpb.Operation, requeued []*rexpb.Operation, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.queue) > 0 {
		op := m.queue[0]
		m.queue = m.queue[1:]

		cmdPlatform, perr := cmdPlatformOf(op)
		if perr != nil {
			requeued = append(requeued, op)
			continue
		}

		if !platform.Fulfills(cmdPlatform) {
			requeued = append(requeued, op)
			continue
		}

		ok, merr := onMatch(op)
		if merr != nil {
			m.queue = append([]*rexpb.Operation{op}, m.queue...)
			m.queue = append(m.queue, requeued...)
			return nil, nil, merr
		}
		if ok {
			m.queue = append(m.queue, requeued...)
			return op, requeued, nil
		}
		requeued = append(requeued, op)
		m.queue = append(m.queue, requeued...)
		return nil, requeued, nil
	}

	m.queue = append(m.queue, requeued...)
	m.workers = append(m.workers, &offer{platform: platform, onMatch: onMatch})
	return nil, requeued, nil
}

// QueueLen reports the number of queued operations awaiting a worker.
func (m *Matcher) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// WorkerLen reports the number of parked worker offers awaiting an
// operation.
func (m *Matcher) WorkerLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}
