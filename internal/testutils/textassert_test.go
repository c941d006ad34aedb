//go:build test

package testutils

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingT struct {
	failures []string
}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.failures = append(r.failures, fmt.Sprintf(format, args...))
}

const inspectTree = `Device AA:BB:CC:DD:EE:01 (MTU 185)
  Service 180d
    Characteristic 2a37 [Read, Notify]
      Descriptor 2902
`

func TestTextAsserterMatchesIdenticalOutput(t *testing.T) {
	rec := &recordingT{}
	newTextAsserter(rec).Assert(inspectTree, inspectTree)
	assert.Empty(t, rec.failures, "identical text MUST pass")
}

func TestTextAsserterReportsUnifiedDiff(t *testing.T) {
	rec := &recordingT{}
	actual := `Device AA:BB:CC:DD:EE:01 (MTU 185)
  Service 180d
    Characteristic 2a37 [Notify]
      Descriptor 2902
`
	newTextAsserter(rec).Assert(actual, inspectTree)

	if assert.Len(t, rec.failures, 1, "a mismatch MUST be reported once") {
		assert.Contains(t, rec.failures[0], "--- expected")
		assert.Contains(t, rec.failures[0], "+++ actual")
		assert.Contains(t, rec.failures[0], "-    Characteristic 2a37 [Read, Notify]")
		assert.Contains(t, rec.failures[0], "+    Characteristic 2a37 [Notify]")
	}
}

func TestTextAsserterNormalization(t *testing.T) {
	tests := []struct {
		name     string
		opts     []TextOption
		actual   string
		expected string
		pass     bool
	}{
		{
			name:     "indentation differs",
			actual:   "Service 180d\n  Characteristic 2a37",
			expected: "Service 180d\nCharacteristic 2a37",
		},
		{
			name:     "indentation ignored",
			opts:     []TextOption{WithIgnoreLeadingWhitespace(true)},
			actual:   "Service 180d\n  Characteristic 2a37",
			expected: "Service 180d\nCharacteristic 2a37",
			pass:     true,
		},
		{
			name:     "trailing tabwriter padding ignored",
			opts:     []TextOption{WithIgnoreTrailingWhitespace(true)},
			actual:   "ADDRESS   RSSI   \nAA:BB     -40 dBm",
			expected: "ADDRESS   RSSI\nAA:BB     -40 dBm",
			pass:     true,
		},
		{
			name:     "blank lines ignored",
			opts:     []TextOption{WithIgnoreEmptyLines(true)},
			actual:   "Write successful\n\n\nSent 5 bytes",
			expected: "Write successful\nSent 5 bytes",
			pass:     true,
		},
		{
			name:     "surrounding space trimmed",
			opts:     []TextOption{WithTrimSpace(true)},
			actual:   "\n  0648\n\n",
			expected: "0648",
			pass:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingT{}
			newTextAsserter(rec).WithOptions(tt.opts...).Assert(tt.actual, tt.expected)
			assert.Equal(t, tt.pass, len(rec.failures) == 0, "failures: %v", rec.failures)
		})
	}
}

func TestTextAsserterColorsShowWhitespace(t *testing.T) {
	rec := &recordingT{}
	newTextAsserter(rec).WithOptions(WithEnableColors(true)).Assert("a b\n", "a\tb\n")

	if assert.Len(t, rec.failures, 1) {
		assert.Contains(t, rec.failures[0], "a·b", "added line MUST show spaces")
		assert.Contains(t, rec.failures[0], "a→b", "removed line MUST show tabs")
		assert.Contains(t, rec.failures[0], "\x1b[", "diff MUST be colored")
	}
}
