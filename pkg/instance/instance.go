// Package instance assembles components A-I into the Instance facade
// exposed to collaborators (§6): execute, waitExecution, getOperation,
// listOperations, poll, putOperation, match, and the two stream entry
// points. Everything else in this module is plumbing Instance wires
// together; callers only need this package and pkg/rexpb.
package instance

import (
	"fmt"
	"io"

	"github.com/jsirois/bazel-buildfarm/pkg/casmap"
	"github.com/jsirois/bazel-buildfarm/pkg/dispatch"
	"github.com/jsirois/bazel-buildfarm/pkg/lifecycle"
	"github.com/jsirois/bazel-buildfarm/pkg/operations"
	"github.com/jsirois/bazel-buildfarm/pkg/rexpb"
	"github.com/jsirois/bazel-buildfarm/pkg/streams"
	"github.com/jsirois/bazel-buildfarm/pkg/watch"
)

// Instance is the single entry point a gRPC service layer (out of scope
// here) or an in-process caller uses to drive the scheduler core.
type Instance struct {
	controller *lifecycle.Controller
	streams    *streams.Registry
}

// Options bundles the collaborators Instance needs to construct its
// internal components. Blobs backs both the resolver used to look up
// Actions/Commands and the completed-operations archive, matching the
// original's single CAS-backed delegate for both.
type Options struct {
	Config lifecycle.Config
	Blobs  casmap.BlobStore
}

// New wires components A-I together: the matcher (E/F), the watcher
// registry (D), the in-memory operations map (C) and CAS-backed archive
// (I), and the lifecycle controller (G/H) tying them to the resolver.
func New(opts Options) *Instance {
	resolver := casmap.NewResolver(opts.Blobs)
	archiveMap := casmap.NewDelegateCASMap[string, *rexpb.Operation](opts.Blobs, casmap.GobCodec[*rexpb.Operation]())
	archive := operations.Backend{
		Get: archiveMap.Get,
		Put: func(op *rexpb.Operation) { _ = archiveMap.Put(op.Name, op) },
		Remove: func(name string) (*rexpb.Operation, bool) {
			op, ok := archiveMap.Get(name)
			archiveMap.Remove(name)
			return op, ok
		},
		Contains: archiveMap.Contains,
	}

	watchers := watch.NewRegistry()
	matcher := dispatch.NewMatcher()
	controller := lifecycle.New(opts.Config, resolver, operations.NewMap().AsBackend(), archive, watchers, matcher)

	return &Instance{
		controller: controller,
		streams:    streams.NewRegistry(),
	}
}

// Execute validates and accepts an action for execution, returning the new
// operation's name.
func (i *Instance) Execute(actionDigest rexpb.Digest) (string, error) {
	return i.controller.Execute(actionDigest)
}

// WaitExecution registers pred against name using the at-least-once watch
// protocol, identically to a fresh watch on an already-submitted operation.
func (i *Instance) WaitExecution(name string, pred watch.Watcher) bool {
	return i.controller.Watch(name, pred)
}

// GetOperation looks an operation up by name, whether in-flight or archived.
func (i *Instance) GetOperation(name string) (*rexpb.Operation, bool) {
	return i.controller.GetOperation(name)
}

// ListOperations returns a page of in-flight operations and the token for
// the next page.
func (i *Instance) ListOperations(pageToken string, pageSize int32) ([]*rexpb.Operation, string, error) {
	return i.controller.ListOperations(pageToken, pageSize)
}

// Poll pets the requeue watchdog for a dispatched operation.
func (i *Instance) Poll(name string, stage rexpb.Stage) bool {
	return i.controller.Poll(name, stage)
}

// PutOperation applies a worker-reported update.
func (i *Instance) PutOperation(op *rexpb.Operation) bool {
	return i.controller.Put(op)
}

// Match offers a worker's platform and acceptance callback to the matcher.
func (i *Instance) Match(platform *rexpb.Platform, onMatch dispatch.OnMatch) error {
	return i.controller.Match(platform, onMatch)
}

// GetOperationStreamWrite returns the append-only sink for an operation's
// output stream, creating it on first use.
func (i *Instance) GetOperationStreamWrite(name string) (io.Writer, error) {
	return i.streams.GetSource(name).Writer()
}

// NewOperationStreamInput opens a read handle on an operation's output
// stream starting at offset.
func (i *Instance) NewOperationStreamInput(name string, offset int64) (io.ReadCloser, error) {
	return i.streams.GetSource(name).OpenReader(offset)
}

// Metrics renders queue depth and parked worker count as plain text, for an
// HTTP /metrics endpoint.
func (i *Instance) Metrics() string {
	queued, parkedWorkers := i.controller.Metrics()
	return fmt.Sprintf("operations_queued %d\nworkers_parked %d\n", queued, parkedWorkers)
}
