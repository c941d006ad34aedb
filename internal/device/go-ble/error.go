package goble

import (
	"context"
	"errors"
	"strings"

	"github.com/srg/gattlink/internal/device"
)

// darwinPoweredOff is the CoreBluetooth manager error go-ble returns while the radio is off
const darwinPoweredOff = "central manager has invalid state: have=4 want=5: is Bluetooth turned on?"

// NormalizeError maps known go-ble errors to the operation error taxonomy.
// It ensures consistent handling even if the upstream library changes messages slightly.
// The original error is kept as the cause.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	var opErr *device.OperationError
	if errors.As(err, &opErr) {
		return err
	}

	msg := err.Error()
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return device.Cancelled("radio operation interrupted", err)
	case msg == darwinPoweredOff, containsIgnoreCase(msg, "bluetooth is turned off"):
		return &device.OperationError{Kind: device.KindInvalidState, Msg: "bluetooth is turned off", Cause: err}
	case containsIgnoreCase(msg, "device not connected"), containsIgnoreCase(msg, "disconnected"):
		return &device.OperationError{Kind: device.KindDisconnected, Msg: "link lost", Cause: err}
	default:
		return device.DriverFailure(err)
	}
}

// isPoweredOff reports whether a normalized error means the radio is off
func isPoweredOff(err error) bool {
	return errors.Is(err, device.ErrInvalidState)
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
