package device

import (
	"encoding/binary"
	"fmt"

	"github.com/srg/bgatt/internal/bledb"
)

// ClientConfig represents the Client Characteristic Configuration descriptor (0x2902)
type ClientConfig struct {
	Notifications bool
	Indications   bool
}

// Bytes encodes the descriptor value (2 bytes, little-endian bit field).
func (c ClientConfig) Bytes() []byte {
	var v uint16
	if c.Notifications {
		v |= 0x0001
	}
	if c.Indications {
		v |= 0x0002
	}
	return []byte{byte(v), byte(v >> 8)}
}

func parseClientConfig(value []byte) (interface{}, error) {
	if len(value) != 2 {
		return nil, fmt.Errorf("client configuration must be 2 bytes, got %d", len(value))
	}
	v := binary.LittleEndian.Uint16(value)
	return ClientConfig{
		Notifications: v&0x0001 != 0,
		Indications:   v&0x0002 != 0,
	}, nil
}

// parseAppearance returns the appearance category name, or the raw code if unknown
func parseAppearance(value []byte) (interface{}, error) {
	if len(value) != 2 {
		return nil, fmt.Errorf("appearance value must be 2 bytes, got %d", len(value))
	}
	code := binary.LittleEndian.Uint16(value)
	if name := bledb.LookupAppearance(code); name != "" {
		return name, nil
	}
	return code, nil
}

func parseBatteryLevel(value []byte) (interface{}, error) {
	if len(value) != 1 {
		return nil, fmt.Errorf("battery level must be 1 byte, got %d", len(value))
	}
	return value[0], nil
}

func parseString(value []byte) (interface{}, error) {
	return DecodeString(value), nil
}

// ValueParser turns a raw attribute value into something printable.
type ValueParser func([]byte) (interface{}, error)

var valueParsers = map[uint16]ValueParser{
	0x2A00: parseString,
	0x2A01: parseAppearance,
	0x2A19: parseBatteryLevel,
	0x2A24: parseString,
	0x2A25: parseString,
	0x2A26: parseString,
	0x2A27: parseString,
	0x2A28: parseString,
	0x2A29: parseString,
	0x2902: parseClientConfig,
}

// IsParsable reports whether ParseValue knows how to decode uuid.
func IsParsable(uuid UUID) bool {
	if !uuid.IsShort() {
		return false
	}
	v, _ := uuid.Short()
	_, ok := valueParsers[v]
	return ok
}

// ParseValue decodes value for well-known attribute types. It returns
// (nil, nil) for types it does not know.
func ParseValue(uuid UUID, value []byte) (interface{}, error) {
	if !IsParsable(uuid) {
		return nil, nil
	}
	v, _ := uuid.Short()
	return valueParsers[v](value)
}
