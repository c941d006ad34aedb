// Package eventbus publishes session events to NATS as JSON, one subject per
// event stream: <prefix>.scan, <prefix>.power, <prefix>.scanning,
// <prefix>.disconnect and <prefix>.log.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/central"
	"github.com/srg/gattlink/internal/device"
)

// Source is the event surface of a session.
type Source interface {
	ID() string
	PowerStates() <-chan device.PowerState
	Scanning() <-chan bool
	Disconnects() <-chan central.DisconnectEvent
	Logs() <-chan central.LogMessage
}

var _ Source = (*central.Session)(nil)

// Forwarder publishes session events on a NATS connection.
type Forwarder struct {
	conn   *nats.Conn
	owned  bool
	prefix string
	logger *logrus.Logger
}

// Dial connects to url and returns a forwarder that owns the connection.
func Dial(url, prefix string, logger *logrus.Logger) (*Forwarder, error) {
	conn, err := nats.Connect(url,
		nats.Name("gattlink"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	f, err := NewForwarder(conn, prefix, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	f.owned = true
	return f, nil
}

// NewForwarder publishes on an existing connection, which the caller keeps owning.
func NewForwarder(conn *nats.Conn, prefix string, logger *logrus.Logger) (*Forwarder, error) {
	if conn == nil {
		return nil, fmt.Errorf("nats connection cannot be nil")
	}
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		return nil, fmt.Errorf("subject prefix cannot be empty")
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Forwarder{conn: conn, prefix: prefix, logger: logger}, nil
}

// Subject returns the full subject for a suffix.
func (f *Forwarder) Subject(suffix string) string {
	return f.prefix + "." + suffix
}

// PublishScan publishes one scan result. Scan streams belong to the caller that
// started the scan, so results are handed over explicitly rather than forwarded.
func (f *Forwarder) PublishScan(session string, r device.ScanResult) error {
	return f.publish(SubjectScan, newScanEvent(session, r))
}

// Forward publishes the power, scanning, disconnect and log streams of src
// until ctx ends or the streams close. It consumes those streams.
func (f *Forwarder) Forward(ctx context.Context, src Source) error {
	session := src.ID()
	power, scanning, disconnects, logs := src.PowerStates(), src.Scanning(), src.Disconnects(), src.Logs()

	for power != nil || scanning != nil || disconnects != nil || logs != nil {
		var err error
		select {
		case <-ctx.Done():
			return f.flush()
		case state, ok := <-power:
			if !ok {
				power = nil
				continue
			}
			err = f.publish(SubjectPower, PowerEvent{Session: session, State: state.String(), Time: time.Now()})
		case active, ok := <-scanning:
			if !ok {
				scanning = nil
				continue
			}
			err = f.publish(SubjectScanning, ScanningEvent{Session: session, Active: active, Time: time.Now()})
		case ev, ok := <-disconnects:
			if !ok {
				disconnects = nil
				continue
			}
			err = f.publish(SubjectDisconnect, newDisconnectEvent(session, ev))
		case msg, ok := <-logs:
			if !ok {
				logs = nil
				continue
			}
			err = f.publish(SubjectLog, newLogEvent(session, msg))
		}
		if err != nil {
			// publish failures do not end forwarding
			f.logger.WithField("error", err).Warn("Failed to forward session event")
		}
	}
	return f.flush()
}

// Close closes the connection when the forwarder owns it.
func (f *Forwarder) Close() {
	if f.owned {
		f.conn.Close()
	}
}

func (f *Forwarder) publish(suffix string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", suffix, err)
	}
	if err := f.conn.Publish(f.Subject(suffix), payload); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", suffix, err)
	}
	return nil
}

func (f *Forwarder) flush() error {
	if f.conn.IsClosed() {
		return nil
	}
	if err := f.conn.FlushTimeout(time.Second); err != nil {
		return fmt.Errorf("failed to flush NATS connection: %w", err)
	}
	return nil
}
