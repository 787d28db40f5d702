package inspector

import (
	"context"
	"fmt"

	"github.com/srg/bgatt/internal/bledb"
	"github.com/srg/bgatt/internal/device"
)

// DeviceInfo collects what the well-known services of a connected device
// report. Fields stay empty when the service is missing or a read fails.
type DeviceInfo struct {
	Name         string `json:"name,omitempty"`
	Appearance   string `json:"appearance,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	Serial       string `json:"serial,omitempty"`
	Hardware     string `json:"hardware,omitempty"`
	Battery      *uint8 `json:"battery,omitempty"`
}

// Field is one populated string field of a DeviceInfo.
type Field struct {
	Key   string
	Value string
}

// Fields returns the populated string fields in a fixed order.
func (i DeviceInfo) Fields() []Field {
	all := []Field{
		{"name", i.Name},
		{"appearance", i.Appearance},
		{"manufacturer", i.Manufacturer},
		{"model", i.Model},
		{"serial", i.Serial},
		{"hardware", i.Hardware},
	}
	out := all[:0]
	for _, f := range all {
		if f.Value != "" {
			out = append(out, f)
		}
	}
	return out
}

// ReadDeviceInfo reads GAP, device information and battery values.
func ReadDeviceInfo(ctx context.Context, dev *device.Device) DeviceInfo {
	var info DeviceInfo

	for _, svc := range dev.Services() {
		if gap, ok := svc.GenericAccess(); ok {
			info.Name, _ = gap.DeviceName(ctx)
			if code, err := gap.Appearance(ctx); err == nil {
				info.Appearance = appearanceName(code)
			}
		}
		if dis, ok := svc.DeviceInformation(); ok {
			info.Manufacturer, _ = dis.ManufacturerName(ctx)
			info.Model, _ = dis.ModelNumber(ctx)
			info.Serial, _ = dis.SerialNumber(ctx)
			info.Hardware, _ = dis.HardwareRevision(ctx)
		}
		if bat, ok := svc.Battery(); ok {
			if level, err := bat.Level(ctx); err == nil {
				info.Battery = &level
			}
		}
	}
	return info
}

func appearanceName(code uint16) string {
	if name := bledb.LookupAppearance(code); name != "" {
		return name
	}
	return fmt.Sprintf("0x%04x", code)
}
