//go:build test

package testutils

import (
	"time"

	"github.com/srg/gattlink/internal/device"
	"github.com/srg/gattlink/internal/testutils/mocks"
	"github.com/stretchr/testify/suite"
)

// DriverSuite provides a reusable test suite around a mocked radio driver.
//
// Tests issue session operations, wait until the session reaches the driver with
// AwaitCall and then play the platform side through Delegate:
//
//	type ReadSuite struct {
//	    testutils.DriverSuite
//	}
//
//	func (s *ReadSuite) TestRead() {
//	    go func() { value, err = session.ReadValue(ctx, c) }()
//	    call := s.AwaitCall("ReadValue")
//	    s.Delegate().ValueUpdated(call.Peripheral(), call.Handle(), []byte{1}, nil)
//	}
type DriverSuite struct {
	suite.Suite

	Helper *TestHelper
	Driver *mocks.MockDriver

	// TestTimeout bounds every wait on the driver or on a session result
	TestTimeout time.Duration
}

// SetupSuite initializes the helper and the default timeout.
func (s *DriverSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	if s.TestTimeout == 0 {
		s.TestTimeout = 2 * time.Second
	}
}

// SetupTest creates a fresh driver mock before each test.
func (s *DriverSuite) SetupTest() {
	s.Driver = mocks.NewMockDriver()
}

// Delegate returns the delegate the session registered with the driver.
func (s *DriverSuite) Delegate() device.Delegate {
	d := s.Driver.Delegate()
	s.Require().NotNil(d, "driver MUST be started before callbacks are delivered")
	return d
}

// AwaitCall waits for the next driver call of method.
func (s *DriverSuite) AwaitCall(method string) mocks.Call {
	call, ok := s.Driver.Await(s.TestTimeout, method)
	s.Require().True(ok, "driver MUST receive %s within %s", method, s.TestTimeout)
	return call
}

// AssertNoCall verifies the driver did not receive method.
func (s *DriverSuite) AssertNoCall(method string) {
	s.Assert().Empty(s.Driver.CallsOf(method), "driver MUST NOT receive %s", method)
}

// WaitUntil waits until cond holds.
func (s *DriverSuite) WaitUntil(cond func() bool, msg string) {
	s.Require().Eventually(cond, s.TestTimeout, 5*time.Millisecond, msg)
}
