// Package device defines the GATT central data model shared by the session
// controller and the radio drivers.
//
// It contains:
//   - identity types for peripherals and discovered attributes
//   - the error taxonomy every pending operation resolves with
//   - the Driver command surface and its Delegate callback surface
//   - UUID parsing and normalization helpers
package device
