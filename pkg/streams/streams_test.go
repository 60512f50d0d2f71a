package streams_test

import (
	"io"
	"testing"

	"github.com/jsirois/bazel-buildfarm/pkg/streams"
	"github.com/stretchr/testify/suite"
)

type RegistrySuite struct {
	suite.Suite
	registry *streams.Registry
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(RegistrySuite))
}

func (s *RegistrySuite) SetupTest() {
	s.registry = streams.NewRegistry()
}

func (s *RegistrySuite) TestGetSourceIsStableUntilClosed() {
	a := s.registry.GetSource("operations/1")
	b := s.registry.GetSource("operations/1")
	s.Same(a, b)
}

func (s *RegistrySuite) TestWriteThenReadFromOffset() {
	src := s.registry.GetSource("operations/1")
	w, err := src.Writer()
	s.Require().NoError(err)
	_, err = w.Write([]byte("hello world"))
	s.Require().NoError(err)
	s.EqualValues(11, src.CommittedSize())

	r, err := src.OpenReader(6)
	s.Require().NoError(err)
	defer r.Close()
	data, err := io.ReadAll(r)
	s.Require().NoError(err)
	s.Equal("world", string(data))
}

func (s *RegistrySuite) TestCloseSelfRemovesFromRegistry() {
	src := s.registry.GetSource("operations/1")
	s.Require().NoError(src.Close())
	again := s.registry.GetSource("operations/1")
	s.NotSame(src, again)
	s.True(src.IsClosed())
	select {
	case <-src.ClosedFuture():
	default:
		s.Fail("closed future should be closed")
	}
}

func (s *RegistrySuite) TestResetDropsRegistrationWithoutClosing() {
	src := s.registry.GetSource("operations/1")
	s.registry.Reset("operations/1")
	again := s.registry.GetSource("operations/1")
	s.NotSame(src, again)
	s.False(src.IsClosed())
}
