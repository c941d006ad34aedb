//go:build test

package main

import (
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/device"
	"github.com/srg/gattlink/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// Test device addresses matching testProfile
const (
	TestDeviceAddress1 = "AA:BB:CC:DD:EE:01"
	TestDeviceAddress2 = "AA:BB:CC:DD:EE:02"

	uartRX = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	uartTX = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// testProfile is the simulated radio environment shared by the command tests
const testProfile = `{
  "peripherals": [
    {"id": "AA:BB:CC:DD:EE:01", "name": "Heart Monitor", "rssi": -40, "advertised": ["180d"],
     "manufacturer": [76, 0],
     "services": [
       {"uuid": "180d", "characteristics": [
         {"uuid": "2a37", "properties": "read,notify", "value": [6, 72], "descriptors": ["2902"]},
         {"uuid": "2a39", "properties": "write"}
       ]},
       {"uuid": "180f", "characteristics": [
         {"uuid": "2a19", "properties": "read,notify", "value": [87]}
       ]}
     ]},
    {"id": "AA:BB:CC:DD:EE:02", "name": "UART Bridge", "rssi": -70, "mtu": 23,
     "services": [
       {"uuid": "6e400001-b5a3-f393-e0a9-e50e24dcca9e", "characteristics": [
         {"uuid": "6e400002-b5a3-f393-e0a9-e50e24dcca9e", "properties": "write,write-without-response"},
         {"uuid": "6e400003-b5a3-f393-e0a9-e50e24dcca9e", "properties": "notify"}
       ]}
     ]}
  ]
}`

// CommandTestSuite runs gattctl commands against a simulated driver.
// All cmd/gattctl test suites should embed it.
type CommandTestSuite struct {
	suite.Suite

	Sim           *testutils.SimDriver
	Helper        *testutils.TestHelper
	originalNewFn func(*logrus.Logger) device.Driver
}

// SetupSuite swaps the driver factory for the simulation
func (s *CommandTestSuite) SetupSuite() {
	s.Helper = testutils.NewTestHelper(s.T())
	s.originalNewFn = newDriver
	newDriver = func(*logrus.Logger) device.Driver {
		return s.Sim
	}
}

// TearDownSuite restores the driver factory
func (s *CommandTestSuite) TearDownSuite() {
	newDriver = s.originalNewFn
}

// SetupTest creates a fresh simulated environment before each test
func (s *CommandTestSuite) SetupTest() {
	s.Sim = testutils.NewSimDriver().FromJSON(testProfile)
	resetGlobalFlags()
}

// resetGlobalFlags clears flags a previous test may have set on the root command
func resetGlobalFlags() {
	for _, name := range []string{"log-level", "config"} {
		_ = rootCmd.PersistentFlags().Set(name, "")
	}
	_ = rootCmd.PersistentFlags().Set("verbose", "false")
	rootCmd.SetIn(os.Stdin)
}

// CaptureStdout executes fn while capturing stdout, returns captured output.
// Stdout is restored even if fn panics.
func (s *CommandTestSuite) CaptureStdout(fn func()) string {
	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	s.Require().NoError(err, "pipe creation MUST succeed")
	os.Stdout = w
	defer func() { os.Stdout = oldStdout }()

	fn()

	w.Close()
	out, _ := io.ReadAll(r)
	return string(out)
}

// ExecuteCommand runs gattctl with args, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// ExecuteWithInput runs gattctl with stdin taken from input.
func (s *CommandTestSuite) ExecuteWithInput(input string, args ...string) (string, error) {
	rootCmd.SetIn(strings.NewReader(input))
	defer rootCmd.SetIn(os.Stdin)
	return s.ExecuteCommand(args...)
}
