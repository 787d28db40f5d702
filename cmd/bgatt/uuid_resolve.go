package main

import (
	"fmt"
	"strings"

	"github.com/srg/bgatt/internal/device"
)

// parseUUIDList parses a comma-separated UUID list, skipping empty items.
func parseUUIDList(csv string) ([]device.UUID, error) {
	var out []device.UUID
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		u, err := device.ParseUUID(part)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no UUIDs provided")
	}
	return out, nil
}

// resolveCharacteristic finds the value attribute char on dev. With a nil
// service every service is searched and the match must be unique.
func resolveCharacteristic(dev *device.Device, service, char device.UUID) (*device.Characteristic, error) {
	if service != nil {
		return dev.FindCharacteristic(service, char)
	}

	var (
		found  *device.Characteristic
		owners []string
	)
	for _, svc := range dev.Services() {
		for _, c := range svc.Characteristics() {
			if c.IsDeclaration() || !c.UUID().Equal(char) {
				continue
			}
			if found == nil {
				found = c
			}
			owners = append(owners, svc.UUID().String())
			break
		}
	}
	switch len(owners) {
	case 0:
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{char.String()}}
	case 1:
		return found, nil
	default:
		return nil, fmt.Errorf("characteristic %s is ambiguous, found in services %s: use --service",
			char, strings.Join(owners, ", "))
	}
}

// resolveCharacteristics resolves every UUID in chars.
func resolveCharacteristics(dev *device.Device, service device.UUID, chars []device.UUID) ([]*device.Characteristic, error) {
	out := make([]*device.Characteristic, 0, len(chars))
	for _, u := range chars {
		c, err := resolveCharacteristic(dev, service, u)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// optionalUUID parses s, returning nil for an empty string.
func optionalUUID(s string) (device.UUID, error) {
	if s == "" {
		return nil, nil
	}
	return device.ParseUUID(s)
}
