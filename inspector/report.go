package inspector

import (
	"context"
	"encoding/hex"
	"strings"

	"github.com/srg/bgatt/internal/device"
)

// Report is a structured snapshot of a connected device's GATT profile with
// optional value previews.
type Report struct {
	Address  string        `json:"address"`
	Name     string        `json:"name,omitempty"`
	RSSI     int8          `json:"rssi"`
	Info     DeviceInfo    `json:"info"`
	Services []ServiceInfo `json:"services"`
}

type ServiceInfo struct {
	UUID            string               `json:"uuid"`
	Name            string               `json:"name,omitempty"`
	Kind            string               `json:"kind"`
	Start           uint16               `json:"start"`
	End             uint16               `json:"end"`
	Characteristics []CharacteristicInfo `json:"characteristics"`
}

type CharacteristicInfo struct {
	UUID       string `json:"uuid"`
	Name       string `json:"name,omitempty"`
	Handle     uint16 `json:"handle"`
	Role       string `json:"role"` // declaration, descriptor or value
	ValueHex   string `json:"value_hex,omitempty"`
	ValueASCII string `json:"value_ascii,omitempty"`
	ReadError  string `json:"read_error,omitempty"`
}

// ReportOptions controls value previews.
type ReportOptions struct {
	// ReadLimit caps each preview in bytes; 0 disables value reads.
	ReadLimit int
}

// BuildReport snapshots dev. Values are only read for value attributes.
func BuildReport(ctx context.Context, dev *device.Device, opts ReportOptions) *Report {
	r := &Report{
		Address: dev.Address().Colon(),
		Name:    dev.Name(),
		RSSI:    dev.RSSI(),
		Info:    ReadDeviceInfo(ctx, dev),
	}

	for _, svc := range dev.Services() {
		si := ServiceInfo{
			UUID:  svc.UUID().String(),
			Name:  svc.Name(),
			Kind:  svc.Kind().String(),
			Start: svc.Start(),
			End:   svc.End(),
		}
		for _, c := range svc.Characteristics() {
			ci := CharacteristicInfo{
				UUID:   c.UUID().String(),
				Name:   c.UUID().KnownName(),
				Handle: c.Handle(),
				Role:   role(c),
			}
			if opts.ReadLimit > 0 && ci.Role == "value" {
				value, err := c.Read(ctx, dev.ReadTimeout())
				if err != nil {
					ci.ReadError = err.Error()
				} else {
					if len(value) > opts.ReadLimit {
						value = value[:opts.ReadLimit]
					}
					ci.ValueHex = hex.EncodeToString(value)
					ci.ValueASCII = printable(value)
				}
			}
			si.Characteristics = append(si.Characteristics, ci)
		}
		r.Services = append(r.Services, si)
	}
	return r
}

func role(c *device.Characteristic) string {
	switch {
	case c.IsDeclaration():
		return "declaration"
	case c.IsDescriptor():
		return "descriptor"
	default:
		return "value"
	}
}

// printable renders v with non-printable bytes replaced by '.'.
func printable(v []byte) string {
	var sb strings.Builder
	for _, b := range v {
		if b >= 0x20 && b <= 0x7e {
			sb.WriteByte(b)
		} else {
			sb.WriteByte('.')
		}
	}
	return sb.String()
}
