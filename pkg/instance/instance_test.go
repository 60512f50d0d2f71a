package instance_test

import (
	"io"
	"testing"

	"github.com/jsirois/bazel-buildfarm/pkg/casmap"
	"github.com/jsirois/bazel-buildfarm/pkg/instance"
	"github.com/jsirois/bazel-buildfarm/pkg/lifecycle"
	"github.com/jsirois/bazel-buildfarm/pkg/rexpb"
	"github.com/stretchr/testify/suite"
)

type InstanceSuite struct {
	suite.Suite
	blobs *casmap.MemoryBlobStore
	inst  *instance.Instance
}

func TestInstanceSuite(t *testing.T) {
	suite.Run(t, new(InstanceSuite))
}

func (s *InstanceSuite) SetupTest() {
	s.blobs = casmap.NewMemoryBlobStore(false)
	s.inst = instance.New(instance.Options{Config: lifecycle.DefaultConfig(), Blobs: s.blobs})
}

func (s *InstanceSuite) submitAction() rexpb.Digest {
	resolver := casmap.NewResolver(s.blobs)
	cmdDigest, err := resolver.PutCommand(&rexpb.Command{})
	s.Require().NoError(err)
	actionDigest, err := resolver.PutAction(&rexpb.Action{CommandDigest: cmdDigest})
	s.Require().NoError(err)
	return actionDigest
}

func (s *InstanceSuite) TestEndToEndExecuteMatchStream() {
	digest := s.submitAction()

	var matched *rexpb.Operation
	s.Require().NoError(s.inst.Match(&rexpb.Platform{}, func(op *rexpb.Operation) (bool, error) {
		matched = op
		return true, nil
	}))

	name, err := s.inst.Execute(digest)
	s.Require().NoError(err)
	s.Require().NotNil(matched)
	s.Equal(name, matched.Name)

	w, err := s.inst.GetOperationStreamWrite(name)
	s.Require().NoError(err)
	_, err = w.Write([]byte("building..."))
	s.Require().NoError(err)

	r, err := s.inst.NewOperationStreamInput(name, 0)
	s.Require().NoError(err)
	defer r.Close()
	data, err := io.ReadAll(r)
	s.Require().NoError(err)
	s.Equal("building...", string(data))

	ok := s.inst.PutOperation(&rexpb.Operation{
		Name:     name,
		Done:     true,
		Metadata: &rexpb.ExecuteOperationMetadata{ActionDigest: digest, Stage: rexpb.StageCompleted},
		Result:   &rexpb.ActionResult{ExitCode: 0},
	})
	s.True(ok)

	op, ok := s.inst.GetOperation(name)
	s.Require().True(ok)
	s.True(op.Done)
	s.EqualValues(0, op.Result.ExitCode)
}

func (s *InstanceSuite) TestListOperationsReflectsQueuedWork() {
	digest := s.submitAction()
	_, err := s.inst.Execute(digest)
	s.Require().NoError(err)

	page, _, err := s.inst.ListOperations("", 10)
	s.Require().NoError(err)
	s.Len(page, 1)
	s.Equal(rexpb.StageQueued, page[0].Metadata.Stage)
}
