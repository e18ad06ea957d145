package device

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/go-ble/ble"
)

// BaseUUID is the Bluetooth base UUID used to expand 16 and 32-bit identifiers.
var BaseUUID = ble.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// CCCDUUID is the Client Characteristic Configuration descriptor.
var CCCDUUID = ble.UUID16(0x2902)

// ExpandUUID returns the 128-bit form of a 16, 32 or 128-bit UUID.
// go-ble keeps UUIDs little-endian, so the short value lands in the last bytes.
func ExpandUUID(u ble.UUID) ble.UUID {
	switch len(u) {
	case 2, 4:
		out := make(ble.UUID, 16)
		copy(out, BaseUUID)
		copy(out[12:], u)
		return out
	default:
		return u
	}
}

// EqualUUID compares two UUIDs after expansion.
func EqualUUID(a, b ble.UUID) bool {
	return bytes.Equal(ExpandUUID(a), ExpandUUID(b))
}

// UUIDKey returns a stable map key for a UUID: lowercase hex of the expanded
// big-endian form without dashes.
func UUIDKey(u ble.UUID) string {
	return hex.EncodeToString(ble.Reverse(ExpandUUID(u)))
}

// ParseUUID accepts 16, 32 and 128-bit UUID strings with or without dashes and
// an optional 0x prefix, and returns the expanded form.
func ParseUUID(s string) (ble.UUID, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return nil, fmt.Errorf("UUID cannot be empty")
	}
	u, err := ble.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid UUID %q: %w", s, err)
	}
	return ExpandUUID(u), nil
}

// MustParseUUID is ParseUUID that panics on malformed input.
func MustParseUUID(s string) ble.UUID {
	u, err := ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// ShortUUID renders base UUIDs in their 16 or 32-bit form and everything else
// as a dashed 128-bit string.
func ShortUUID(u ble.UUID) string {
	full := ExpandUUID(u)
	if len(full) != 16 {
		return hex.EncodeToString(ble.Reverse(full))
	}
	if bytes.Equal(full[:12], BaseUUID[:12]) {
		v := ble.Reverse(full[12:])
		if v[0] == 0 && v[1] == 0 {
			return hex.EncodeToString(v[2:])
		}
		return hex.EncodeToString(v)
	}
	b := ble.Reverse(full)
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[:4], b[4:6], b[6:8], b[8:10], b[10:])
}
