package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/gattlink/internal/device"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the link dropped while a command was still using it.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError turns an operation failure into a message with a hint for the user
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("operation timed out: %v", err)
	}

	switch device.KindOf(err) {
	case device.KindInvalidState:
		return fmt.Sprintf("%v\n  Check that Bluetooth is turned on and this terminal is allowed to use it", err)
	case device.KindUnknownPeripheral:
		return fmt.Sprintf("%v\n  Use 'gattctl scan' to list reachable devices", err)
	case device.KindInvalidAttribute:
		return fmt.Sprintf("%v\n  Use 'gattctl inspect <device-address>' to list the device attributes", err)
	case device.KindDisconnected:
		return fmt.Sprintf("device disconnected: %v", err)
	}
	if errors.Is(err, ErrConnectionLost) {
		return "connection lost, the device went out of range or was turned off"
	}
	return err.Error()
}
