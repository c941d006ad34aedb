package mocks

import (
	"sync"

	"github.com/go-ble/ble"
	"github.com/srg/gattlink/internal/device"
	"github.com/stretchr/testify/mock"
)

// MockDriver is a mock implementation of device.Driver.
//
// Besides the usual testify expectations it records every call in order, so
// tests can block on Await until the session actually reaches the driver, and
// it keeps the delegate handed over in Start so tests can play the platform side.
type MockDriver struct {
	mock.Mock
	Recorder

	mu       sync.Mutex
	delegate device.Delegate
}

// NewMockDriver creates a MockDriver that accepts every call. CanSendWriteWithoutResponse
// is left unset: tests that write without response must add an expectation for it.
func NewMockDriver() *MockDriver {
	m := &MockDriver{}
	m.On("Start", mock.Anything).Return(nil).Maybe()
	m.On("Stop").Return(nil).Maybe()
	m.On("Scan", mock.Anything, mock.Anything).Maybe()
	m.On("StopScan").Maybe()
	m.On("Connect", mock.Anything).Maybe()
	m.On("CancelConnection", mock.Anything).Maybe()
	m.On("DiscoverServices", mock.Anything, mock.Anything).Maybe()
	m.On("DiscoverCharacteristics", mock.Anything, mock.Anything, mock.Anything).Maybe()
	m.On("DiscoverDescriptors", mock.Anything, mock.Anything, mock.Anything).Maybe()
	m.On("ReadValue", mock.Anything, mock.Anything).Maybe()
	m.On("WriteValue", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Maybe()
	m.On("SetNotifyValue", mock.Anything, mock.Anything, mock.Anything).Maybe()
	m.On("ReadMTU", mock.Anything).Maybe()
	return m
}

// Delegate returns the delegate received in Start, or nil before Start.
func (m *MockDriver) Delegate() device.Delegate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delegate
}

// Start provides a mock function with given fields: delegate
func (m *MockDriver) Start(delegate device.Delegate) error {
	m.mu.Lock()
	m.delegate = delegate
	m.mu.Unlock()

	ret := m.Called(delegate)
	m.record("Start", delegate)
	return ret.Error(0)
}

// Stop provides a mock function with given fields:
func (m *MockDriver) Stop() error {
	ret := m.Called()
	m.record("Stop")
	return ret.Error(0)
}

// Scan provides a mock function with given fields: filter, allowDuplicates
func (m *MockDriver) Scan(filter []ble.UUID, allowDuplicates bool) {
	m.Called(filter, allowDuplicates)
	m.record("Scan", filter, allowDuplicates)
}

// StopScan provides a mock function with given fields:
func (m *MockDriver) StopScan() {
	m.Called()
	m.record("StopScan")
}

// Connect provides a mock function with given fields: p
func (m *MockDriver) Connect(p device.PeripheralID) {
	m.Called(p)
	m.record("Connect", p)
}

// CancelConnection provides a mock function with given fields: p
func (m *MockDriver) CancelConnection(p device.PeripheralID) {
	m.Called(p)
	m.record("CancelConnection", p)
}

// DiscoverServices provides a mock function with given fields: p, filter
func (m *MockDriver) DiscoverServices(p device.PeripheralID, filter []ble.UUID) {
	m.Called(p, filter)
	m.record("DiscoverServices", p, filter)
}

// DiscoverCharacteristics provides a mock function with given fields: p, service, filter
func (m *MockDriver) DiscoverCharacteristics(p device.PeripheralID, service device.Handle, filter []ble.UUID) {
	m.Called(p, service, filter)
	m.record("DiscoverCharacteristics", p, service, filter)
}

// DiscoverDescriptors provides a mock function with given fields: p, characteristic, filter
func (m *MockDriver) DiscoverDescriptors(p device.PeripheralID, characteristic device.Handle, filter []ble.UUID) {
	m.Called(p, characteristic, filter)
	m.record("DiscoverDescriptors", p, characteristic, filter)
}

// ReadValue provides a mock function with given fields: p, characteristic
func (m *MockDriver) ReadValue(p device.PeripheralID, characteristic device.Handle) {
	m.Called(p, characteristic)
	m.record("ReadValue", p, characteristic)
}

// WriteValue provides a mock function with given fields: p, characteristic, data, withResponse
func (m *MockDriver) WriteValue(p device.PeripheralID, characteristic device.Handle, data []byte, withResponse bool) {
	m.Called(p, characteristic, data, withResponse)
	m.record("WriteValue", p, characteristic, data, withResponse)
}

// SetNotifyValue provides a mock function with given fields: p, characteristic, enabled
func (m *MockDriver) SetNotifyValue(p device.PeripheralID, characteristic device.Handle, enabled bool) {
	m.Called(p, characteristic, enabled)
	m.record("SetNotifyValue", p, characteristic, enabled)
}

// CanSendWriteWithoutResponse provides a mock function with given fields: p
func (m *MockDriver) CanSendWriteWithoutResponse(p device.PeripheralID) bool {
	ret := m.Called(p)
	m.record("CanSendWriteWithoutResponse", p)
	return ret.Bool(0)
}

// ReadMTU provides a mock function with given fields: p
func (m *MockDriver) ReadMTU(p device.PeripheralID) {
	m.Called(p)
	m.record("ReadMTU", p)
}

var _ device.Driver = (*MockDriver)(nil)
