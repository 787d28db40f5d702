package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
)

// GenericAccess is the typed view of the Generic Access service (0x1800).
type GenericAccess struct{ *Service }

// Battery is the typed view of the Battery service (0x180F).
type Battery struct{ *Service }

// DeviceInformation is the typed view of the Device Information service (0x180A).
type DeviceInformation struct{ *Service }

// GenericAccess returns the typed view when s was resolved to KindGenericAccess.
func (s *Service) GenericAccess() (GenericAccess, bool) {
	return GenericAccess{s}, s.kind == KindGenericAccess
}

// Battery returns the typed view when s was resolved to KindBattery.
func (s *Service) Battery() (Battery, bool) {
	return Battery{s}, s.kind == KindBattery
}

// DeviceInformation returns the typed view when s was resolved to KindDeviceInformation.
func (s *Service) DeviceInformation() (DeviceInformation, bool) {
	return DeviceInformation{s}, s.kind == KindDeviceInformation
}

func (g GenericAccess) DeviceName(ctx context.Context) (string, error) {
	return g.readString(ctx, UUIDDeviceName)
}

// Appearance returns the 16-bit appearance category (little-endian on the wire).
func (g GenericAccess) Appearance(ctx context.Context) (uint16, error) {
	v, err := g.readValue(ctx, UUIDAppearance)
	if err != nil {
		return 0, err
	}
	if len(v) < 2 {
		return 0, fmt.Errorf("appearance value must be 2 bytes, got %d", len(v))
	}
	return binary.LittleEndian.Uint16(v), nil
}

// Level returns the battery level in percent.
func (b Battery) Level(ctx context.Context) (uint8, error) {
	v, err := b.readValue(ctx, UUIDBatteryLevel)
	if err != nil {
		return 0, err
	}
	if len(v) < 1 {
		return 0, fmt.Errorf("battery level value is empty")
	}
	return v[0], nil
}

func (d DeviceInformation) ManufacturerName(ctx context.Context) (string, error) {
	return d.readString(ctx, UUIDManufacturerName)
}

func (d DeviceInformation) ModelNumber(ctx context.Context) (string, error) {
	return d.readString(ctx, UUIDModelNumber)
}

func (d DeviceInformation) SerialNumber(ctx context.Context) (string, error) {
	return d.readString(ctx, UUIDSerialNumber)
}

func (d DeviceInformation) HardwareRevision(ctx context.Context) (string, error) {
	return d.readString(ctx, UUIDHardwareRevision)
}

func (s *Service) readValue(ctx context.Context, uuid UUID) ([]byte, error) {
	c, ok := s.CharacteristicByUUID(uuid)
	if !ok {
		return nil, &NotFoundError{Resource: "characteristic", UUIDs: []string{s.uuid.String(), uuid.String()}}
	}
	return c.Read(ctx, s.dev.ReadTimeout())
}

func (s *Service) readString(ctx context.Context, uuid UUID) (string, error) {
	v, err := s.readValue(ctx, uuid)
	if err != nil {
		return "", err
	}
	return DecodeString(v), nil
}

// DecodeString decodes a UTF-8 string attribute in transmission order,
// dropping trailing NUL padding.
func DecodeString(v []byte) string {
	return strings.TrimRight(string(v), "\x00")
}
