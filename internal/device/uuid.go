package device

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/srg/bgatt/internal/bledb"
)

// UUID is a 2- or 16-byte attribute type in wire (little-endian) order.
// It shares its representation with go-ble's ble.UUID.
type UUID ble.UUID

// UUID16 builds a short UUID from its numeric value.
func UUID16(v uint16) UUID {
	return UUID(ble.UUID16(v))
}

// ParseUUID parses a short ("180f", "0x180F") or long
// ("6e400001-b5a3-f393-e0a9-e50e24dcca9e") UUID string.
func ParseUUID(s string) (UUID, error) {
	n := bledb.NormalizeUUID(s)
	if len(n) != 4 && len(n) != 32 {
		return nil, fmt.Errorf("invalid UUID %q", s)
	}
	u, err := ble.Parse(n)
	if err != nil {
		return nil, fmt.Errorf("invalid UUID %q: %w", s, err)
	}
	return UUID(u), nil
}

// MustParseUUID is ParseUUID that panics on error.
func MustParseUUID(s string) UUID {
	u, err := ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// IsShort reports whether u is a 2-byte UUID.
func (u UUID) IsShort() bool {
	return len(u) == 2
}

// Short returns the 16-bit value: the whole UUID for short UUIDs, or bytes
// 12-13 for long ones. ok is false for any other length.
func (u UUID) Short() (v uint16, ok bool) {
	switch len(u) {
	case 2:
		return binary.LittleEndian.Uint16(u), true
	case 16:
		return binary.LittleEndian.Uint16(u[12:14]), true
	default:
		return 0, false
	}
}

// Equal compares byte-for-byte when lengths match. A long and a short UUID are
// equal when the long one's bytes 12-13 equal the short one.
func (u UUID) Equal(v UUID) bool {
	switch {
	case len(u) == len(v):
		return bytes.Equal(u, v)
	case len(u) == 16 && len(v) == 2:
		return bytes.Equal(u[12:14], v)
	case len(u) == 2 && len(v) == 16:
		return bytes.Equal(v[12:14], u)
	default:
		return false
	}
}

// String returns "180f" for short UUIDs and the dashed 8-4-4-4-12 form for
// long ones, both in display (reversed wire) order.
func (u UUID) String() string {
	switch len(u) {
	case 2:
		return fmt.Sprintf("%02x%02x", u[1], u[0])
	case 16:
		r := ble.Reverse(u)
		return fmt.Sprintf("%x-%x-%x-%x-%x", r[0:4], r[4:6], r[6:8], r[8:10], r[10:16])
	default:
		return fmt.Sprintf("%x", ble.Reverse(u))
	}
}

// KnownName returns the assigned name for u, or "".
func (u UUID) KnownName() string {
	return bledb.Lookup(u.String())
}

// Well-known attribute types.
var (
	UUIDGenericAccess     = UUID16(0x1800)
	UUIDGenericAttribute  = UUID16(0x1801)
	UUIDDeviceInformation = UUID16(0x180A)
	UUIDBattery           = UUID16(0x180F)

	UUIDDeviceName       = UUID16(0x2A00)
	UUIDAppearance       = UUID16(0x2A01)
	UUIDBatteryLevel     = UUID16(0x2A19)
	UUIDModelNumber      = UUID16(0x2A24)
	UUIDSerialNumber     = UUID16(0x2A25)
	UUIDHardwareRevision = UUID16(0x2A27)
	UUIDManufacturerName = UUID16(0x2A29)

	UUIDCharacteristicDecl = UUID16(0x2803)
	UUIDClientConfig       = UUID16(0x2902)
)
