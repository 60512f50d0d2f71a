package lifecycle_test

import (
	"testing"
	"time"

	"github.com/jsirois/bazel-buildfarm/pkg/casmap"
	"github.com/jsirois/bazel-buildfarm/pkg/dispatch"
	"github.com/jsirois/bazel-buildfarm/pkg/lifecycle"
	"github.com/jsirois/bazel-buildfarm/pkg/operations"
	"github.com/jsirois/bazel-buildfarm/pkg/rexpb"
	"github.com/jsirois/bazel-buildfarm/pkg/watch"
	"github.com/stretchr/testify/suite"
	"google.golang.org/protobuf/types/known/durationpb"
)

type fixture struct {
	resolver   *casmap.Resolver
	controller *lifecycle.Controller
	watchers   *watch.Registry
}

func newFixture(cfg lifecycle.Config) *fixture {
	blobs := casmap.NewMemoryBlobStore(false)
	resolver := casmap.NewResolver(blobs)
	archiveMap := casmap.NewDelegateCASMap[string, *rexpb.Operation](blobs, casmap.GobCodec[*rexpb.Operation]())
	archive := operations.Backend{
		Get:    archiveMap.Get,
		Put:    func(op *rexpb.Operation) { _ = archiveMap.Put(op.Name, op) },
		Remove: func(name string) (*rexpb.Operation, bool) { v, ok := archiveMap.Get(name); archiveMap.Remove(name); return v, ok },
	}
	watchers := watch.NewRegistry()
	matcher := dispatch.NewMatcher()
	controller := lifecycle.New(cfg, resolver, operations.NewMap().AsBackend(), archive, watchers, matcher)
	return &fixture{resolver: resolver, controller: controller, watchers: watchers}
}

func (f *fixture) putLinuxAction() rexpb.Digest {
	cmdDigest, _ := f.resolver.PutCommand(&rexpb.Command{
		Platform: &rexpb.Platform{Properties: []rexpb.Property{{Name: "os", Value: "linux"}}},
	})
	actionDigest, _ := f.resolver.PutAction(&rexpb.Action{CommandDigest: cmdDigest})
	return actionDigest
}

// putLinuxActionWithTimeout submits an action whose Timeout is converted
// from a google.protobuf.Duration, the shape a client actually submits the
// field as on the wire, via rexpb.DurationFromProto.
func (f *fixture) putLinuxActionWithTimeout(timeout time.Duration) rexpb.Digest {
	cmdDigest, _ := f.resolver.PutCommand(&rexpb.Command{
		Platform: &rexpb.Platform{Properties: []rexpb.Property{{Name: "os", Value: "linux"}}},
	})
	actionDigest, _ := f.resolver.PutAction(&rexpb.Action{
		CommandDigest: cmdDigest,
		Timeout:       rexpb.DurationFromProto(durationpb.New(timeout)),
	})
	return actionDigest
}

type ControllerSuite struct {
	suite.Suite
}

func TestControllerSuite(t *testing.T) {
	suite.Run(t, new(ControllerSuite))
}

// S1: a worker is already waiting; Execute dispatches immediately and a
// terminal Put archives the result.
func (s *ControllerSuite) TestExecuteDispatchesToWaitingWorkerAndCompletes() {
	fx := newFixture(lifecycle.DefaultConfig())
	var matchedOp *rexpb.Operation
	s.Require().NoError(fx.controller.Match(
		&rexpb.Platform{Properties: []rexpb.Property{{Name: "os", Value: "linux"}}},
		func(op *rexpb.Operation) (bool, error) { matchedOp = op; return true, nil },
	))

	digest := fx.putLinuxAction()
	name, err := fx.controller.Execute(digest)
	s.Require().NoError(err)
	s.Require().NotNil(matchedOp)
	s.Equal(name, matchedOp.Name)

	op, ok := fx.controller.GetOperation(name)
	s.Require().True(ok)
	s.Equal(rexpb.StageExecuting, op.Metadata.Stage)

	ok = fx.controller.Put(&rexpb.Operation{
		Name: name,
		Done: true,
		Metadata: &rexpb.ExecuteOperationMetadata{ActionDigest: digest, Stage: rexpb.StageCompleted},
		Result:   &rexpb.ActionResult{ExitCode: 0},
	})
	s.True(ok)

	done, ok := fx.controller.GetOperation(name)
	s.Require().True(ok)
	s.True(done.Done)
	s.Equal(rexpb.StageCompleted, done.Metadata.Stage)
}

// S2: no worker is available yet; the operation stays QUEUED until one
// offers.
func (s *ControllerSuite) TestExecuteQueuesWithoutAWorker() {
	fx := newFixture(lifecycle.DefaultConfig())
	digest := fx.putLinuxAction()
	name, err := fx.controller.Execute(digest)
	s.Require().NoError(err)

	op, ok := fx.controller.GetOperation(name)
	s.Require().True(ok)
	s.Equal(rexpb.StageQueued, op.Metadata.Stage)

	var matched *rexpb.Operation
	s.Require().NoError(fx.controller.Match(
		&rexpb.Platform{Properties: []rexpb.Property{{Name: "os", Value: "linux"}}},
		func(op *rexpb.Operation) (bool, error) { matched = op; return true, nil },
	))
	s.Require().NotNil(matched)
	s.Equal(name, matched.Name)
}

// S3: a worker stops polling in time; the poll watchdog requeues the
// operation and stops the completion watchdog.
func (s *ControllerSuite) TestPollExpiryRequeuesOperation() {
	cfg := lifecycle.DefaultConfig()
	cfg.OperationPollTimeout = 15 * time.Millisecond
	fx := newFixture(cfg)

	s.Require().NoError(fx.controller.Match(
		&rexpb.Platform{Properties: []rexpb.Property{{Name: "os", Value: "linux"}}},
		func(op *rexpb.Operation) (bool, error) { return true, nil },
	))
	digest := fx.putLinuxAction()
	name, err := fx.controller.Execute(digest)
	s.Require().NoError(err)

	s.Eventually(func() bool {
		op, ok := fx.controller.GetOperation(name)
		return ok && op.Metadata.Stage == rexpb.StageQueued
	}, time.Second, 5*time.Millisecond)
}

// S4: an action with a timeout runs past its deadline plus grace period;
// the completion watchdog synthesizes a terminal, timed-out result.
func (s *ControllerSuite) TestCompletionWatchdogSynthesizesTimeout() {
	cfg := lifecycle.DefaultConfig()
	cfg.DefaultActionTimeout = 10 * time.Millisecond
	cfg.OperationCompletedDelay = 5 * time.Millisecond
	fx := newFixture(cfg)

	s.Require().NoError(fx.controller.Match(
		&rexpb.Platform{Properties: []rexpb.Property{{Name: "os", Value: "linux"}}},
		func(op *rexpb.Operation) (bool, error) { return true, nil }, // worker accepts but never reports back
	))
	digest := fx.putLinuxAction()
	name, err := fx.controller.Execute(digest)
	s.Require().NoError(err)

	s.Eventually(func() bool {
		op, ok := fx.controller.GetOperation(name)
		return ok && op.Done && op.Result != nil && op.Result.TimedOut
	}, time.Second, 5*time.Millisecond)
}

// Execute rejects a submitted action whose own timeout exceeds the
// configured maximum, surfacing a TimeoutOutOfBoundsError rather than
// queuing the operation.
func (s *ControllerSuite) TestExecuteRejectsTimeoutExceedingMaximum() {
	cfg := lifecycle.DefaultConfig()
	cfg.MaximumActionTimeout = time.Minute
	fx := newFixture(cfg)

	digest := fx.putLinuxActionWithTimeout(time.Hour)
	_, err := fx.controller.Execute(digest)
	s.Require().Error(err)

	var bounds *lifecycle.TimeoutOutOfBoundsError
	s.Require().ErrorAs(err, &bounds)
	s.Equal(time.Hour, bounds.Requested)
	s.Equal(time.Minute, bounds.Maximum)
	s.Equal("TIMEOUT_OUT_OF_BOUNDS", bounds.Violation().Subject)
}

// Watch's at-least-once protocol: a predicate registered after an operation
// has already completed is invoked synchronously and is never registered.
func (s *ControllerSuite) TestWatchOnAlreadyDoneOperationIsSynchronous() {
	fx := newFixture(lifecycle.DefaultConfig())
	digest := fx.putLinuxAction()
	name, err := fx.controller.Execute(digest)
	s.Require().NoError(err)
	fx.controller.Put(&rexpb.Operation{
		Name: name,
		Done: true,
		Metadata: &rexpb.ExecuteOperationMetadata{ActionDigest: digest, Stage: rexpb.StageCompleted},
	})

	var seenDone bool
	result := fx.controller.Watch(name, func(op *rexpb.Operation) bool {
		seenDone = op != nil && op.Done
		return true
	})
	s.True(seenDone)
	s.False(result, "watch on an already-done operation reports it cannot continue watching")
}

func (s *ControllerSuite) TestListOperationsPagesInNameOrder() {
	fx := newFixture(lifecycle.DefaultConfig())
	digest := fx.putLinuxAction()
	for i := 0; i < 5; i++ {
		_, err := fx.controller.Execute(digest)
		s.Require().NoError(err)
	}

	page1, token, err := fx.controller.ListOperations("", 2)
	s.Require().NoError(err)
	s.Len(page1, 2)
	s.NotEmpty(token)

	page2, token2, err := fx.controller.ListOperations(token, 2)
	s.Require().NoError(err)
	s.Len(page2, 2)
	s.NotEmpty(token2)

	page3, token3, err := fx.controller.ListOperations(token2, 2)
	s.Require().NoError(err)
	s.Len(page3, 1)
	s.Empty(token3)
}
