//go:build test

package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type WriteTestSuite struct {
	CommandTestSuite
}

func (suite *WriteTestSuite) SetupTest() {
	suite.CommandTestSuite.SetupTest()
	writeServiceUUID = ""
	writeHex = false
	writeNoResponse = false
	writeChunkSize = 0
	writeTimeout = 5 * time.Second
}

func (suite *WriteTestSuite) TestParseWriteData_HexFormats() {
	// GOAL: Verify hex data parsing handles various separator formats
	//
	// TEST SCENARIO: Parse hex with separators → cleaned and decoded → correct bytes returned

	tests := []struct {
		name     string
		input    string
		expected []byte
	}{
		{name: "simple hex no separators", input: "0102FF", expected: []byte{0x01, 0x02, 0xFF}},
		{name: "hex with spaces", input: "01 02 FF", expected: []byte{0x01, 0x02, 0xFF}},
		{name: "hex with colons", input: "01:02:FF", expected: []byte{0x01, 0x02, 0xFF}},
		{name: "hex with 0x prefixes", input: "0x01 0x02 0xFF", expected: []byte{0x01, 0x02, 0xFF}},
		{name: "mixed separators", input: "0x01:02-03 04", expected: []byte{0x01, 0x02, 0x03, 0x04}},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			writeHex = true

			result, err := parseWriteData(tt.input)
			suite.Assert().NoError(err, "MUST parse valid hex data")
			suite.Assert().Equal(tt.expected, result, "decoded bytes MUST match expected")
		})
	}
}

func (suite *WriteTestSuite) TestParseWriteData_InvalidHex() {
	writeHex = true
	_, err := parseWriteData("0G")
	suite.Assert().Error(err, "invalid hex MUST be rejected")
}

func (suite *WriteTestSuite) TestChunks() {
	// GOAL: Verify payload splitting at the chunk boundary
	//
	// TEST SCENARIO: 5 bytes in chunks of 2 → [2, 2, 1]; chunk larger than data → single chunk

	suite.Assert().Equal([][]byte{{1, 2}, {3, 4}, {5}}, chunks([]byte{1, 2, 3, 4, 5}, 2), "data MUST split in order")
	suite.Assert().Equal([][]byte{{1, 2}}, chunks([]byte{1, 2}, 20), "short data MUST stay whole")
}

func (suite *WriteTestSuite) TestWriteWithResponse() {
	// GOAL: Verify an acknowledged write reaches the characteristic
	//
	// TEST SCENARIO: Write hex 01 to 2a39 → "Write successful" and the device saw one write

	out, err := suite.ExecuteCommand("write", TestDeviceAddress1, "2a39", "01", "--hex")
	suite.Require().NoError(err, "write MUST succeed")
	suite.Assert().Contains(out, "Write successful", "success MUST be reported")
	suite.Assert().Equal([][]byte{{0x01}}, suite.Sim.Writes(TestDeviceAddress1, "2a39"), "device MUST receive the value")
}

func (suite *WriteTestSuite) TestWriteSplitsByMTU() {
	// GOAL: Verify long payloads are chunked to MTU minus the ATT header
	//
	// TEST SCENARIO: MTU 23 → 45 bytes without response → writes of 20, 20 and 5 bytes

	payload := strings.Repeat("x", 45)
	_, err := suite.ExecuteCommand("write", TestDeviceAddress2, uartRX, payload, "--without-response")
	suite.Require().NoError(err, "write MUST succeed")

	suite.Eventually(func() bool {
		return len(suite.Sim.Writes(TestDeviceAddress2, uartRX)) == 3
	}, time.Second, 5*time.Millisecond, "device MUST receive three chunks")
	writes := suite.Sim.Writes(TestDeviceAddress2, uartRX)
	suite.Assert().Len(writes[0], 20, "first chunk MUST fill the MTU")
	suite.Assert().Len(writes[1], 20, "second chunk MUST fill the MTU")
	suite.Assert().Len(writes[2], 5, "last chunk MUST carry the rest")
}

func (suite *WriteTestSuite) TestWriteReadOnlyCharacteristic() {
	// GOAL: Verify writes to a read-only characteristic are refused before reaching the device
	//
	// TEST SCENARIO: Write to 2a19 → error, no write recorded

	_, err := suite.ExecuteCommand("write", TestDeviceAddress1, "2a19", "x")
	suite.Require().Error(err, "write MUST fail")
	suite.Assert().Contains(err.Error(), "does not support write", "error MUST explain why")
	suite.Assert().Empty(suite.Sim.Writes(TestDeviceAddress1, "2a19"), "device MUST NOT receive a write")
}

func TestWriteTestSuite(t *testing.T) {
	suite.Run(t, new(WriteTestSuite))
}
