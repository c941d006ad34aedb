package central

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/device"
	"github.com/srg/gattlink/internal/stream"
)

// LogMessage is one entry of the session log stream
type LogMessage struct {
	Time    time.Time
	Level   logrus.Level
	Message string
	Fields  logrus.Fields
}

// DisconnectEvent reports a peripheral leaving the connected (or connecting) state.
// Cause is nil for a requested disconnect.
type DisconnectEvent struct {
	Peripheral device.PeripheralID
	Time       time.Time
	Cause      error
}

// logHook mirrors session log entries into the log stream
type logHook struct {
	ring *stream.RingChannel[LogMessage]
}

func (h *logHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *logHook) Fire(entry *logrus.Entry) error {
	fields := make(logrus.Fields, len(entry.Data))
	for k, v := range entry.Data {
		fields[k] = v
	}
	h.ring.Send(LogMessage{
		Time:    entry.Time,
		Level:   entry.Level,
		Message: entry.Message,
		Fields:  fields,
	})
	return nil
}

// newSessionLogger derives a logger that writes where parent writes and
// additionally feeds hook. The parent logger is left untouched.
func newSessionLogger(parent *logrus.Logger, hook logrus.Hook) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(parent.Out)
	logger.SetFormatter(parent.Formatter)
	logger.SetLevel(parent.GetLevel())
	logger.SetReportCaller(parent.ReportCaller)
	hooks := make(logrus.LevelHooks, len(parent.Hooks))
	for level, hs := range parent.Hooks {
		hooks[level] = append([]logrus.Hook(nil), hs...)
	}
	logger.ReplaceHooks(hooks)
	logger.AddHook(hook)
	return logger
}
