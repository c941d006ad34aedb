package device

import (
	"fmt"
	"strings"

	"github.com/go-ble/ble"
)

const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the internal format (lowercase, no dashes).
// It strips a 0x prefix (e.g., "0x2902" -> "2902") and, for full 128-bit UUIDs in
// Bluetooth SIG base format (0000xxxx-0000-1000-8000-00805f9b34fb), extracts the 16-bit form.
func NormalizeUUID(uuid string) string {
	s := strings.ToLower(strings.TrimSpace(uuid))
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, "-", "")
	if len(s) == 32 && strings.HasPrefix(s, "0000") && strings.HasSuffix(s, sigBaseSuffix) {
		return s[4:8]
	}
	return s
}

// NormalizeUUIDs normalizes a slice of UUID strings to the internal format.
func NormalizeUUIDs(uuids []string) []string {
	result := make([]string, 0, len(uuids))
	for _, u := range uuids {
		result = append(result, NormalizeUUID(u))
	}
	return result
}

// ParseUUID accepts any format NormalizeUUID understands and returns the go-ble UUID.
func ParseUUID(uuid string) (ble.UUID, error) {
	normalized := NormalizeUUID(uuid)
	if normalized == "" {
		return nil, fmt.Errorf("invalid UUID: %q", uuid)
	}
	u, err := ble.Parse(normalized)
	if err != nil {
		return nil, fmt.Errorf("invalid UUID %q: %w", uuid, err)
	}
	return u, nil
}

// ParseUUIDs parses every entry, failing on the first malformed one.
// Empty input yields a nil filter, which the driver treats as "match everything".
func ParseUUIDs(uuids []string) ([]ble.UUID, error) {
	if len(uuids) == 0 {
		return nil, nil
	}
	result := make([]ble.UUID, 0, len(uuids))
	for i, s := range uuids {
		if strings.TrimSpace(s) == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		u, err := ParseUUID(s)
		if err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, nil
}

// UUIDString renders a go-ble UUID in the internal format.
func UUIDString(u ble.UUID) string {
	if len(u) == 0 {
		return ""
	}
	return NormalizeUUID(u.String())
}

// ShortenUUID returns a truncated version of a UUID for display purposes.
// Returns the first eight characters for long UUIDs and short UUIDs by themselves.
func ShortenUUID(uuid string) string {
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}

// MatchesFilter reports whether u is in filter. An empty filter matches everything.
func MatchesFilter(filter []ble.UUID, u ble.UUID) bool {
	if len(filter) == 0 {
		return true
	}
	return ble.Contains(filter, u)
}
