package device

import (
	"fmt"
	"time"

	"github.com/go-ble/ble"
)

// PeripheralID identifies a remote device.
// On Linux this is the MAC address, on macOS the CoreBluetooth peripheral identifier.
type PeripheralID string

func (p PeripheralID) String() string {
	return string(p)
}

// AttributeID is the session-local identifier of a discovered service, characteristic or descriptor.
// IDs are allocated from a single counter and never reused within a session, so an identifier
// that outlived its connection can never alias a freshly discovered attribute.
type AttributeID uint32

// Service is a discovered GATT service.
// It stays valid until the next disconnect or service re-discovery of its peripheral.
type Service struct {
	Peripheral PeripheralID
	ID         AttributeID
	UUID       ble.UUID
	Primary    bool
}

func (s Service) String() string {
	return fmt.Sprintf("service %s (%s#%d)", UUIDString(s.UUID), s.Peripheral, s.ID)
}

// Characteristic is a discovered GATT characteristic.
type Characteristic struct {
	Peripheral PeripheralID
	Service    AttributeID
	ID         AttributeID
	UUID       ble.UUID
	Properties ble.Property
}

func (c Characteristic) String() string {
	return fmt.Sprintf("characteristic %s (%s#%d)", UUIDString(c.UUID), c.Peripheral, c.ID)
}

// CanRead reports whether the characteristic supports reads.
func (c Characteristic) CanRead() bool {
	return c.Properties&ble.CharRead != 0
}

// CanWrite reports whether the characteristic supports acknowledged writes.
func (c Characteristic) CanWrite() bool {
	return c.Properties&ble.CharWrite != 0
}

// CanWriteWithoutResponse reports whether the characteristic supports unacknowledged writes.
func (c Characteristic) CanWriteWithoutResponse() bool {
	return c.Properties&ble.CharWriteNR != 0
}

// CanNotify reports whether the characteristic supports notifications or indications.
func (c Characteristic) CanNotify() bool {
	return c.Properties&(ble.CharNotify|ble.CharIndicate) != 0
}

// Descriptor is a discovered GATT descriptor.
type Descriptor struct {
	Peripheral     PeripheralID
	Characteristic AttributeID
	ID             AttributeID
	UUID           ble.UUID
}

func (d Descriptor) String() string {
	return fmt.Sprintf("descriptor %s (%s#%d)", UUIDString(d.UUID), d.Peripheral, d.ID)
}

// ServiceData is a single service data entry of an advertisement.
type ServiceData struct {
	UUID ble.UUID
	Data []byte
}

// Advertisement is the decoded advertising payload of a peripheral.
type Advertisement struct {
	LocalName        string
	ManufacturerData []byte
	ServiceData      []ServiceData
	Services         []ble.UUID
	TxPowerLevel     int // 127 when the advertisement carries no TX power
	Connectable      bool
}

// ScanResult is one advertisement observation. It is never stored beyond the scan stream.
type ScanResult struct {
	Peripheral    PeripheralID
	Timestamp     time.Time
	RSSI          int
	Advertisement Advertisement
	Connectable   bool
}

// PowerState is the process-wide radio power state.
type PowerState int

const (
	PowerUnknown PowerState = iota
	PowerUnsupported
	PowerUnauthorized
	PowerOff
	PowerOn
)

func (s PowerState) String() string {
	switch s {
	case PowerUnknown:
		return "unknown"
	case PowerUnsupported:
		return "unsupported"
	case PowerUnauthorized:
		return "unauthorized"
	case PowerOff:
		return "off"
	case PowerOn:
		return "on"
	default:
		return fmt.Sprintf("PowerState(%d)", int(s))
	}
}

// ConnectionState is the observed per-peripheral connection state.
//
//	disconnected → connecting → connected → disconnecting → disconnected
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}
