package device

import (
	"strings"

	"github.com/go-ble/ble"
)

var propertyNames = []struct {
	value ble.Property
	name  string
}{
	{ble.CharBroadcast, "Broadcast"},
	{ble.CharRead, "Read"},
	{ble.CharWriteNR, "WriteWithoutResponse"},
	{ble.CharWrite, "Write"},
	{ble.CharNotify, "Notify"},
	{ble.CharIndicate, "Indicate"},
	{ble.CharSignedWrite, "AuthenticatedSignedWrites"},
	{ble.CharExtended, "ExtendedProperties"},
}

// PropertyNames returns the human-readable names of the characteristic property bits set in p,
// in bit order.
func PropertyNames(p ble.Property) []string {
	var names []string
	for _, prop := range propertyNames {
		if p&prop.value != 0 {
			names = append(names, prop.name)
		}
	}
	return names
}

// FormatProperties joins PropertyNames with sep, or returns "-" when no bit is set.
func FormatProperties(p ble.Property, sep string) string {
	names := PropertyNames(p)
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, sep)
}
