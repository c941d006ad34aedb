package mocks

import (
	"github.com/srg/gattlink/internal/device"
)

// RecordingDelegate is a device.Delegate that only records what a driver reports.
type RecordingDelegate struct {
	Recorder
}

func (d *RecordingDelegate) PowerStateChanged(state device.PowerState) {
	d.record("PowerStateChanged", state)
}

func (d *RecordingDelegate) WillRestore(peripherals []device.RestoredPeripheral) {
	d.record("WillRestore", peripherals)
}

func (d *RecordingDelegate) PeripheralDiscovered(p device.PeripheralID, adv device.Advertisement, rssi int) {
	d.record("PeripheralDiscovered", p, adv, rssi)
}

func (d *RecordingDelegate) ScanStopped(cause error) {
	d.record("ScanStopped", cause)
}

func (d *RecordingDelegate) ConnectSucceeded(p device.PeripheralID) {
	d.record("ConnectSucceeded", p)
}

func (d *RecordingDelegate) ConnectFailed(p device.PeripheralID, cause error) {
	d.record("ConnectFailed", p, cause)
}

func (d *RecordingDelegate) Disconnected(p device.PeripheralID, cause error) {
	d.record("Disconnected", p, cause)
}

func (d *RecordingDelegate) ServicesDiscovered(p device.PeripheralID, services []device.DiscoveredService, cause error) {
	d.record("ServicesDiscovered", p, services, cause)
}

func (d *RecordingDelegate) CharacteristicsDiscovered(p device.PeripheralID, service device.Handle, characteristics []device.DiscoveredCharacteristic, cause error) {
	d.record("CharacteristicsDiscovered", p, service, characteristics, cause)
}

func (d *RecordingDelegate) DescriptorsDiscovered(p device.PeripheralID, characteristic device.Handle, descriptors []device.DiscoveredDescriptor, cause error) {
	d.record("DescriptorsDiscovered", p, characteristic, descriptors, cause)
}

func (d *RecordingDelegate) ValueUpdated(p device.PeripheralID, characteristic device.Handle, data []byte, cause error) {
	d.record("ValueUpdated", p, characteristic, data, cause)
}

func (d *RecordingDelegate) ValueWritten(p device.PeripheralID, characteristic device.Handle, cause error) {
	d.record("ValueWritten", p, characteristic, cause)
}

func (d *RecordingDelegate) NotificationStateChanged(p device.PeripheralID, characteristic device.Handle, enabled bool, cause error) {
	d.record("NotificationStateChanged", p, characteristic, enabled, cause)
}

func (d *RecordingDelegate) ReadyToSendWithoutResponse(p device.PeripheralID) {
	d.record("ReadyToSendWithoutResponse", p)
}

func (d *RecordingDelegate) MTUUpdated(p device.PeripheralID, mtu int, cause error) {
	d.record("MTUUpdated", p, mtu, cause)
}

var _ device.Delegate = (*RecordingDelegate)(nil)
