package device

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Address is a 6-byte Bluetooth device address in wire (least significant
// byte first) order.
type Address [6]byte

// String returns the display form: bytes reversed, uppercase hex, no separators.
func (a Address) String() string {
	var b [12]byte
	for i := 0; i < 6; i++ {
		hex.Encode(b[i*2:], []byte{a[5-i]})
	}
	return strings.ToUpper(string(b[:]))
}

// Colon returns the display form with colon separators (AA:BB:CC:DD:EE:FF).
func (a Address) Colon() string {
	parts := make([]string, 6)
	for i := 0; i < 6; i++ {
		parts[i] = fmt.Sprintf("%02X", a[5-i])
	}
	return strings.Join(parts, ":")
}

// ParseAddress parses an address in display order. Colons and dashes are
// accepted as separators, as is the bare 12-digit form.
func ParseAddress(s string) (Address, error) {
	var a Address
	clean := strings.NewReplacer(":", "", "-", "").Replace(strings.TrimSpace(s))
	if len(clean) != 12 {
		return a, fmt.Errorf("invalid address %q: expected 6 bytes", s)
	}
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return a, fmt.Errorf("invalid address %q: %w", s, err)
	}
	for i := 0; i < 6; i++ {
		a[i] = raw[5-i]
	}
	return a, nil
}

// MustParseAddress is ParseAddress that panics on error. Intended for tests
// and constants.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}
