//go:build test

package main

import (
	"testing"

	"github.com/srg/gattlink/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type InspectTestSuite struct {
	CommandTestSuite
}

func (suite *InspectTestSuite) SetupTest() {
	suite.CommandTestSuite.SetupTest()
	inspectFormat = ""
	inspectRead = false
	inspectDescriptors = true
}

func (suite *InspectTestSuite) TestInspectTree() {
	// GOAL: Verify the attribute tree is rendered with properties, values and descriptors
	//
	// TEST SCENARIO: Inspect with --read → services, characteristics, values and CCCD listed in discovery order

	out, err := suite.ExecuteCommand("inspect", TestDeviceAddress1, "--read")
	suite.Require().NoError(err, "inspect MUST succeed")

	testutils.NewTextAsserter(suite.T()).Assert(out, `Device AA:BB:CC:DD:EE:01 (MTU 185)
  Service 180d
    Characteristic 2a37 [Read, Notify]
      Value: 06 48
      Descriptor 2902
    Characteristic 2a39 [Write]
  Service 180f
    Characteristic 2a19 [Read, Notify]
      Value: 57
`)
}

func (suite *InspectTestSuite) TestInspectJSON() {
	// GOAL: Verify JSON output carries the negotiated MTU and property names
	//
	// TEST SCENARIO: Inspect the UART bridge as JSON → MTU 23 and both characteristics listed

	out, err := suite.ExecuteCommand("inspect", TestDeviceAddress2, "--format", "json")
	suite.Require().NoError(err, "inspect MUST succeed")

	testutils.NewJSONAsserter(suite.T()).Assert(out, `{
	  "address": "AA:BB:CC:DD:EE:02",
	  "mtu": 23,
	  "services": [
	    {
	      "uuid": "6e400001b5a3f393e0a9e50e24dcca9e",
	      "primary": true,
	      "characteristics": [
	        {"uuid": "6e400002b5a3f393e0a9e50e24dcca9e", "properties": ["WriteWithoutResponse", "Write"]},
	        {"uuid": "6e400003b5a3f393e0a9e50e24dcca9e", "properties": ["Notify"]}
	      ]
	    }
	  ]
	}`)
}

func (suite *InspectTestSuite) TestInspectUnknownDevice() {
	// GOAL: Verify an address that never advertises fails as an unknown peripheral
	//
	// TEST SCENARIO: Inspect an absent address with a short scan timeout → unknown peripheral hint

	cfg := writeConfig(suite.T(), "scan_timeout: 200ms\nlog_level: error\n")
	_, err := suite.ExecuteCommand("inspect", "00:00:00:00:00:09", "--config", cfg)
	suite.Require().Error(err, "inspect MUST fail for an absent device")
	suite.Assert().Contains(FormatUserError(err), "gattctl scan", "message MUST point to the scan command")
}

func TestInspectTestSuite(t *testing.T) {
	suite.Run(t, new(InspectTestSuite))
}
