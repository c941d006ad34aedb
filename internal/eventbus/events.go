package eventbus

import (
	"encoding/hex"
	"time"

	"github.com/srg/gattlink/internal/central"
	"github.com/srg/gattlink/internal/device"
)

// Subject suffixes, appended to the configured prefix
const (
	SubjectScan       = "scan"
	SubjectPower      = "power"
	SubjectScanning   = "scanning"
	SubjectDisconnect = "disconnect"
	SubjectLog        = "log"
)

// ScanEvent is one advertisement observation
type ScanEvent struct {
	Session          string    `json:"session"`
	Peripheral       string    `json:"peripheral"`
	Time             time.Time `json:"time"`
	RSSI             int       `json:"rssi"`
	LocalName        string    `json:"local_name,omitempty"`
	Services         []string  `json:"services,omitempty"`
	ManufacturerData string    `json:"manufacturer_data,omitempty"`
	TxPowerLevel     int       `json:"tx_power_level"`
	Connectable      bool      `json:"connectable"`
}

// PowerEvent is a radio power state change
type PowerEvent struct {
	Session string    `json:"session"`
	State   string    `json:"state"`
	Time    time.Time `json:"time"`
}

// ScanningEvent is a change of the scanning flag
type ScanningEvent struct {
	Session string    `json:"session"`
	Active  bool      `json:"active"`
	Time    time.Time `json:"time"`
}

// DisconnectEvent is a peripheral leaving the connected state. Error is empty for a requested disconnect.
type DisconnectEvent struct {
	Session    string    `json:"session"`
	Peripheral string    `json:"peripheral"`
	Time       time.Time `json:"time"`
	Error      string    `json:"error,omitempty"`
}

// LogEvent mirrors one session log entry
type LogEvent struct {
	Session string         `json:"session"`
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

func newScanEvent(session string, r device.ScanResult) ScanEvent {
	ev := ScanEvent{
		Session:      session,
		Peripheral:   r.Peripheral.String(),
		Time:         r.Timestamp,
		RSSI:         r.RSSI,
		LocalName:    r.Advertisement.LocalName,
		TxPowerLevel: r.Advertisement.TxPowerLevel,
		Connectable:  r.Connectable,
	}
	for _, u := range r.Advertisement.Services {
		ev.Services = append(ev.Services, device.UUIDString(u))
	}
	if len(r.Advertisement.ManufacturerData) > 0 {
		ev.ManufacturerData = hex.EncodeToString(r.Advertisement.ManufacturerData)
	}
	return ev
}

func newDisconnectEvent(session string, e central.DisconnectEvent) DisconnectEvent {
	ev := DisconnectEvent{
		Session:    session,
		Peripheral: e.Peripheral.String(),
		Time:       e.Time,
	}
	if e.Cause != nil {
		ev.Error = e.Cause.Error()
	}
	return ev
}

func newLogEvent(session string, m central.LogMessage) LogEvent {
	ev := LogEvent{
		Session: session,
		Time:    m.Time,
		Level:   m.Level.String(),
		Message: m.Message,
	}
	if len(m.Fields) > 0 {
		ev.Fields = make(map[string]any, len(m.Fields))
		for k, v := range m.Fields {
			// errors marshal as {} otherwise
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			ev.Fields[k] = v
		}
	}
	return ev
}
