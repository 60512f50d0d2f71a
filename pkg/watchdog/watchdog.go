// Package watchdog implements the one-shot, pettable timer the lifecycle
// controller uses for both requeue polling and completion deadlines (§4.A).
// A Watchdog is constructed armed-but-unstarted, started once, and fires its
// callback at most once, only after a full timeout passes without a Pet.
package watchdog

import (
	"sync"
	"time"
)

type State int32

const (
	Armed State = iota
	Stopped
)

// Watchdog is a single-shot, resettable timer. The zero value is not usable;
// construct with New.
type Watchdog struct {
	mu      sync.Mutex
	timeout time.Duration
	onExpire func()
	timer   *time.Timer
	state   State
}

// New builds an unstarted watchdog. Call Start to arm it.
func New(timeout time.Duration, onExpire func()) *Watchdog {
	return &Watchdog{
		timeout:  timeout,
		onExpire: onExpire,
		state:    Armed,
	}
}

// Start arms the timer. Calling Start more than once on the same Watchdog is
// a programming error and the second call is a no-op, mirroring the
// original's "constructed and started at most once per dispatch" usage.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		return
	}
	w.timer = time.AfterFunc(w.timeout, w.fire)
}

func (w *Watchdog) fire() {
	w.mu.Lock()
	if w.state != Armed {
		w.mu.Unlock()
		return
	}
	w.state = Stopped
	w.mu.Unlock()
	w.onExpire()
}

// Pet resets the countdown. A no-op once the watchdog has stopped or fired.
func (w *Watchdog) Pet() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != Armed || w.timer == nil {
		return
	}
	w.timer.Reset(w.timeout)
}

// Stop disarms the watchdog so it will never fire, even if already queued on
// the runtime timer heap. Idempotent.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != Armed {
		return
	}
	w.state = Stopped
	if w.timer != nil {
		w.timer.Stop()
	}
}

// State reports whether the watchdog is still armed.
func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}
