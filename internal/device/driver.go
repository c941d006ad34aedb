package device

import "github.com/go-ble/ble"

// Handle is an opaque radio driver object backing a discovered attribute.
// Handles must be comparable, and a driver should report an equal handle when the
// same attribute is discovered again over the same link.
type Handle any

// DiscoveredService is a service as reported by the driver
type DiscoveredService struct {
	Handle  Handle
	UUID    ble.UUID
	Primary bool
}

// DiscoveredCharacteristic is a characteristic as reported by the driver
type DiscoveredCharacteristic struct {
	Handle     Handle
	UUID       ble.UUID
	Properties ble.Property
}

// DiscoveredDescriptor is a descriptor as reported by the driver
type DiscoveredDescriptor struct {
	Handle Handle
	UUID   ble.UUID
}

// RestoredPeripheral is a peripheral handed back by the platform on state restoration
type RestoredPeripheral struct {
	Peripheral PeripheralID
	State      ConnectionState
}

// Driver is the radio driver command surface.
//
// Commands are issued from a single goroutine and must not block: every command that
// produces a result reports it later through the Delegate passed to Start.
type Driver interface {
	Start(delegate Delegate) error
	Stop() error

	Scan(filter []ble.UUID, allowDuplicates bool)
	StopScan()

	Connect(p PeripheralID)
	CancelConnection(p PeripheralID)

	DiscoverServices(p PeripheralID, filter []ble.UUID)
	DiscoverCharacteristics(p PeripheralID, service Handle, filter []ble.UUID)
	DiscoverDescriptors(p PeripheralID, characteristic Handle, filter []ble.UUID)

	ReadValue(p PeripheralID, characteristic Handle)
	WriteValue(p PeripheralID, characteristic Handle, data []byte, withResponse bool)
	SetNotifyValue(p PeripheralID, characteristic Handle, enabled bool)

	// CanSendWriteWithoutResponse reports whether an unacknowledged write can be issued now.
	// When it returns false the driver calls ReadyToSendWithoutResponse once the link drains.
	CanSendWriteWithoutResponse(p PeripheralID) bool
	ReadMTU(p PeripheralID)
}

// Delegate is the driver callback surface. Callbacks may arrive on any goroutine.
type Delegate interface {
	PowerStateChanged(state PowerState)
	WillRestore(peripherals []RestoredPeripheral)

	PeripheralDiscovered(p PeripheralID, adv Advertisement, rssi int)
	// ScanStopped reports a scan terminated by the driver; cause is nil on a normal stop.
	ScanStopped(cause error)

	ConnectSucceeded(p PeripheralID)
	ConnectFailed(p PeripheralID, cause error)
	Disconnected(p PeripheralID, cause error)

	ServicesDiscovered(p PeripheralID, services []DiscoveredService, cause error)
	CharacteristicsDiscovered(p PeripheralID, service Handle, characteristics []DiscoveredCharacteristic, cause error)
	DescriptorsDiscovered(p PeripheralID, characteristic Handle, descriptors []DiscoveredDescriptor, cause error)

	ValueUpdated(p PeripheralID, characteristic Handle, data []byte, cause error)
	ValueWritten(p PeripheralID, characteristic Handle, cause error)
	NotificationStateChanged(p PeripheralID, characteristic Handle, enabled bool, cause error)
	ReadyToSendWithoutResponse(p PeripheralID)
	MTUUpdated(p PeripheralID, mtu int, cause error)
}
