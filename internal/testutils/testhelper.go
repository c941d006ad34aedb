package testutils

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// TestHelper bundles the logger a test hands to the code under test.
type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger

	// Hook captures every entry logged through Logger
	Hook *test.Hook
}

// NewTestHelper creates a test helper with a debug-level logger whose entries are captured in Hook.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	hook := test.NewLocal(logger)
	return &TestHelper{
		T:      t,
		Logger: logger,
		Hook:   hook,
	}
}

// LoggedMessages returns the messages of captured entries at level or above.
func (h *TestHelper) LoggedMessages(level logrus.Level) []string {
	var msgs []string
	for _, e := range h.Hook.AllEntries() {
		if e.Level <= level {
			msgs = append(msgs, e.Message)
		}
	}
	return msgs
}
