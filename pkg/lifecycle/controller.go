// Package lifecycle implements the lifecycle controller (component G) and
// the page-token iterator (component H): operation creation, dispatch,
// poll/put handling and watchdog bookkeeping, and paginated listing over
// the operations map.
package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jsirois/bazel-buildfarm/pkg/dispatch"
	"github.com/jsirois/bazel-buildfarm/pkg/log"
	"github.com/jsirois/bazel-buildfarm/pkg/operations"
	"github.com/jsirois/bazel-buildfarm/pkg/rexpb"
	"github.com/jsirois/bazel-buildfarm/pkg/utils"
	"github.com/jsirois/bazel-buildfarm/pkg/watch"
	"github.com/jsirois/bazel-buildfarm/pkg/watchdog"
)

// ActionResolver is what the controller needs from the CAS to reason about
// an operation's command and timeout without knowing anything about how
// blobs are actually stored.
type ActionResolver interface {
	GetAction(digest rexpb.Digest) (*rexpb.Action, bool, error)
	GetCommand(digest rexpb.Digest) (*rexpb.Command, bool, error)
}

// Controller owns every in-flight Operation, the matcher that pairs them
// with worker offers, and the watchdogs that keep a dispatched operation
// honest. Terminal transitions (archiving a done operation, installing or
// stopping watchdogs) all happen under a single mutex — the original's
// "operationLock always returns the completed-operations lock" coalesced to
// one global monitor, per §5 and SUPPLEMENTED FEATURES item 4.
type Controller struct {
	mu  sync.Mutex
	cfg Config

	resolver ActionResolver
	inFlight operations.Backend
	archive  operations.Backend

	watchers *watch.Registry
	matcher  *dispatch.Matcher

	pollWatchdogs       map[string]*watchdog.Watchdog
	completionWatchdogs map[string]*watchdog.Watchdog
}

// New assembles a controller. inFlight backs the live operations map
// (typically operations.NewMap().AsBackend()); archive backs the completed
// operation store (typically a casmap.DelegateCASMap's Backend).
func New(cfg Config, resolver ActionResolver, inFlight, archive operations.Backend, watchers *watch.Registry, matcher *dispatch.Matcher) *Controller {
	return &Controller{
		cfg:                  cfg,
		resolver:             resolver,
		inFlight:             inFlight,
		archive:              archive,
		watchers:             watchers,
		matcher:              matcher,
		pollWatchdogs:        make(map[string]*watchdog.Watchdog),
		completionWatchdogs:  make(map[string]*watchdog.Watchdog),
	}
}

func newOperationName() string {
	return fmt.Sprintf("operations/%s", uuid.NewString())
}

// Execute validates and accepts an action for execution, creating a new
// QUEUED operation and attempting to dispatch it immediately. Invariant
// I1/I2 of the spec (every name is unique; a fresh operation starts QUEUED)
// hold by construction.
func (c *Controller) Execute(actionDigest rexpb.Digest) (string, error) {
	action, ok, err := c.resolver.GetAction(actionDigest)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", utils.ErrMissingReferent
	}

	if c.cfg.MaximumActionTimeout > 0 && action.Timeout != nil {
		if action.Timeout.AsTimeDuration() > c.cfg.MaximumActionTimeout {
			return "", &TimeoutOutOfBoundsError{Requested: action.Timeout.AsTimeDuration(), Maximum: c.cfg.MaximumActionTimeout}
		}
	}

	name := newOperationName()
	op := &rexpb.Operation{
		Name: name,
		Metadata: &rexpb.ExecuteOperationMetadata{
			ActionDigest: actionDigest,
			Stage:        rexpb.StageQueued,
		},
	}
	c.inFlight.Put(op)
	c.dispatch(op)
	return name, nil
}

// commandPlatformOf resolves the platform a queued operation's command
// requires, for use by the matcher.
func (c *Controller) commandPlatformOf(op *rexpb.Operation) (*rexpb.Platform, error) {
	action, ok, err := c.resolver.GetAction(op.Metadata.ActionDigest)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, utils.ErrMissingReferent
	}
	command, ok, err := c.resolver.GetCommand(action.CommandDigest)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, utils.ErrMissingReferent
	}
	if command.Platform == nil {
		return &rexpb.Platform{}, nil
	}
	return command.Platform, nil
}

// dispatch attempts to hand a freshly queued (or requeued) operation
// directly to a parked worker offer; failing that it stays queued and is
// fanned out to its watchers.
func (c *Controller) dispatch(op *rexpb.Operation) {
	platform, err := c.commandPlatformOf(op)
	if err != nil {
		log.Warnf("dispatch: cannot resolve command platform for %s: %v", op.Name, err)
		c.watchers.Notify(op)
		return
	}

	dispatched, err := c.matcher.Enqueue(op, platform)
	if err != nil {
		log.Warnf("dispatch: enqueue %s: %v", op.Name, err)
		return
	}
	if dispatched {
		// Every parked offer's OnMatch is the wrapper Match installs, which
		// has already run onDispatched for op.
		return
	}
	c.watchers.Notify(op)
}

// onDispatched transitions a matched operation to EXECUTING and installs
// both watchdogs. Called whichever side (Execute's enqueue, or a worker's
// Match offer) completed the pairing.
func (c *Controller) onDispatched(op *rexpb.Operation) {
	c.mu.Lock()
	op.Metadata.Stage = rexpb.StageExecuting
	c.installPollWatchdogLocked(op)

	action, ok, err := c.resolver.GetAction(op.Metadata.ActionDigest)
	if err == nil && ok {
		c.installCompletionWatchdogLocked(op, action)
	} else {
		log.Warnf("dispatch: %s's action became unresolvable installing the completion watchdog", op.Name)
	}
	c.mu.Unlock()

	c.watchers.Notify(op)
}

func (c *Controller) installPollWatchdogLocked(op *rexpb.Operation) {
	if old, ok := c.pollWatchdogs[op.Name]; ok {
		old.Stop()
	}
	name := op.Name
	wd := watchdog.New(c.cfg.OperationPollTimeout, func() { c.onPollExpired(name) })
	c.pollWatchdogs[op.Name] = wd
	wd.Start()
}

func (c *Controller) installCompletionWatchdogLocked(op *rexpb.Operation, action *rexpb.Action) {
	timeout := action.Timeout.AsTimeDuration()
	if timeout == 0 {
		timeout = c.cfg.DefaultActionTimeout
	}
	if timeout == 0 {
		return
	}
	total := timeout + c.cfg.OperationCompletedDelay
	// Open Question (resolved): always stop a prior completion watchdog
	// before installing its replacement, rather than the original's
	// silent reinstall-on-every-put. See DESIGN.md.
	if old, ok := c.completionWatchdogs[op.Name]; ok {
		old.Stop()
	}
	name := op.Name
	wd := watchdog.New(total, func() { c.onCompletionExpired(name) })
	c.completionWatchdogs[op.Name] = wd
	wd.Start()
}

// onPollExpired requeues an operation whose worker stopped polling in time,
// per the EXECUTING -> QUEUED transition in §4.G's state table.
func (c *Controller) onPollExpired(name string) {
	op, ok := c.inFlight.Get(name)
	if !ok {
		return
	}
	c.mu.Lock()
	delete(c.pollWatchdogs, name)
	if wd, ok := c.completionWatchdogs[name]; ok {
		wd.Stop()
		delete(c.completionWatchdogs, name)
	}
	op.Metadata.Stage = rexpb.StageQueued
	c.mu.Unlock()
	c.dispatch(op)
}

// onCompletionExpired synthesizes a terminal, timed-out result once an
// operation has run past its action timeout plus grace period.
func (c *Controller) onCompletionExpired(name string) {
	op, ok := c.inFlight.Get(name)
	if !ok {
		return
	}
	timedOut := op.Clone()
	timedOut.Done = true
	timedOut.Metadata.Stage = rexpb.StageCompleted
	timedOut.Result = &rexpb.ActionResult{TimedOut: true}
	c.Put(timedOut)
}

// Poll pets the requeue watchdog for a dispatched operation. Only valid
// while the operation is actually EXECUTING and the caller names that same
// stage (SUPPLEMENTED FEATURES item 1): a poll for any other combination is
// rejected.
func (c *Controller) Poll(name string, stage rexpb.Stage) bool {
	op, ok := c.inFlight.Get(name)
	if !ok {
		return false
	}
	if stage != rexpb.StageExecuting || op.Metadata.Stage != rexpb.StageExecuting {
		return false
	}
	c.mu.Lock()
	wd, ok := c.pollWatchdogs[name]
	c.mu.Unlock()
	if !ok {
		return false
	}
	wd.Pet()
	return true
}

// Put applies a worker-reported update to an operation. Terminal updates
// (Done) archive the operation and stop both watchdogs under the
// controller's single terminal-transition lock; non-terminal updates pet
// the poll watchdog, installing a fresh one (together with a fresh
// completion watchdog that replaces any prior one) when the controller has
// lost track of one —
// SUPPLEMENTED FEATURES item 2. Returns false when the update cannot be
// applied: the operation isn't known, or (for a non-terminal update with no
// tracked poll watchdog) the action can no longer be resolved.
func (c *Controller) Put(updated *rexpb.Operation) bool {
	current, ok := c.inFlight.Get(updated.Name)
	if !ok {
		return false
	}

	if updated.Done {
		c.mu.Lock()
		if wd, ok := c.pollWatchdogs[updated.Name]; ok {
			wd.Stop()
			delete(c.pollWatchdogs, updated.Name)
		}
		if wd, ok := c.completionWatchdogs[updated.Name]; ok {
			wd.Stop()
			delete(c.completionWatchdogs, updated.Name)
		}
		current.Metadata.Stage = rexpb.StageCompleted
		current.Done = true
		current.Result = updated.Result
		current.Violation = updated.Violation
		c.inFlight.Remove(updated.Name)
		c.archive.Put(current)
		c.mu.Unlock()

		c.watchers.Notify(current)
		c.watchers.Clear(updated.Name)
		return true
	}

	c.mu.Lock()
	wd, exists := c.pollWatchdogs[updated.Name]
	if !exists {
		action, ok, err := c.resolver.GetAction(current.Metadata.ActionDigest)
		if err != nil || !ok {
			c.mu.Unlock()
			return false
		}
		current.Metadata.Stage = rexpb.StageExecuting
		c.installPollWatchdogLocked(current)
		c.installCompletionWatchdogLocked(current, action)
	} else {
		wd.Pet()
	}
	c.mu.Unlock()

	c.watchers.Notify(current)
	return true
}

// GetOperation looks an operation up, checking the in-flight map first and
// the completed archive second.
func (c *Controller) GetOperation(name string) (*rexpb.Operation, bool) {
	if op, ok := c.inFlight.Get(name); ok {
		return op, true
	}
	if c.archive.Get != nil {
		if op, ok := c.archive.Get(name); ok {
			return op, true
		}
	}
	return nil, false
}

// Watch implements the at-least-once watch registration protocol (§4.G):
// test once before registering (so an already-unwanted watch never
// registers at all), register, then test once more in case the operation
// finished between the first test and registration, unregistering if so.
func (c *Controller) Watch(name string, pred watch.Watcher) bool {
	current, _ := c.GetOperation(name)
	if !pred(current) {
		return true
	}
	if current == nil || current.Done {
		return false
	}

	id := c.watchers.Put(name, pred)
	current, _ = c.GetOperation(name)
	if current == nil || current.Done {
		c.watchers.Remove(name, id)
		return !pred(current)
	}
	return true
}

// Match offers a worker's platform and acceptance callback to the matcher.
// If the matcher pairs the offer with a queued operation, onDispatched runs
// the same bookkeeping Execute's immediate-dispatch path does.
func (c *Controller) Match(platform *rexpb.Platform, onMatch dispatch.OnMatch) error {
	wrapped := func(op *rexpb.Operation) (bool, error) {
		ok, err := onMatch(op)
		if err != nil || !ok {
			return ok, err
		}
		c.onDispatched(op)
		return true, nil
	}

	_, requeued, err := c.matcher.Offer(platform, wrapped, c.commandPlatformOf)
	if err != nil {
		return err
	}
	for _, op := range requeued {
		c.watchers.Notify(op)
	}
	return nil
}

// Metrics reports the queue depth and parked worker count behind the
// matcher, for an HTTP /metrics surface.
func (c *Controller) Metrics() (queued, parkedWorkers int) {
	return c.matcher.QueueLen(), c.matcher.WorkerLen()
}

// TimeoutOutOfBoundsError is returned from Execute when a submitted
// action's timeout exceeds the configured maximum, matching the
// TIMEOUT_OUT_OF_BOUNDS precondition subject the original raises.
type TimeoutOutOfBoundsError struct {
	Requested, Maximum time.Duration
}

func (e *TimeoutOutOfBoundsError) Error() string {
	return fmt.Sprintf("action timeout %v exceeds maximum %v", e.Requested, e.Maximum)
}

func (e *TimeoutOutOfBoundsError) Violation() rexpb.Violation {
	return rexpb.Violation{
		Type:        "PRECONDITION_FAILURE",
		Subject:     "TIMEOUT_OUT_OF_BOUNDS",
		Description: e.Error(),
	}
}
