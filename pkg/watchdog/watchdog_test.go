package watchdog_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/jsirois/bazel-buildfarm/pkg/watchdog"
	"github.com/stretchr/testify/suite"
)

type WatchdogSuite struct {
	suite.Suite
}

func TestWatchdogSuite(t *testing.T) {
	suite.Run(t, new(WatchdogSuite))
}

func (s *WatchdogSuite) TestFiresAfterTimeout() {
	var fired int32
	wd := watchdog.New(10*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	wd.Start()
	time.Sleep(60 * time.Millisecond)
	s.Equal(int32(1), atomic.LoadInt32(&fired))
}

func (s *WatchdogSuite) TestPetPostponesExpiry() {
	var fired int32
	wd := watchdog.New(30*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	wd.Start()
	deadline := time.Now().Add(90 * time.Millisecond)
	for time.Now().Before(deadline) {
		wd.Pet()
		time.Sleep(10 * time.Millisecond)
	}
	s.Equal(int32(0), atomic.LoadInt32(&fired))
}

func (s *WatchdogSuite) TestStopPreventsFire() {
	var fired int32
	wd := watchdog.New(10*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	wd.Start()
	wd.Stop()
	time.Sleep(40 * time.Millisecond)
	s.Equal(int32(0), atomic.LoadInt32(&fired))
	s.Equal(watchdog.Stopped, wd.State())
}

func (s *WatchdogSuite) TestFiresAtMostOnce() {
	var fired int32
	wd := watchdog.New(5*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	wd.Start()
	time.Sleep(30 * time.Millisecond)
	wd.Pet() // no-op, already stopped
	time.Sleep(30 * time.Millisecond)
	s.Equal(int32(1), atomic.LoadInt32(&fired))
}
