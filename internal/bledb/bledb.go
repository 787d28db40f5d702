// Package bledb maps assigned Bluetooth SIG numbers to human-readable names.
//
// Lookups accept any common spelling of a UUID: short ("180f"), prefixed
// ("0x180F"), or the full SIG-base form with or without dashes and braces.
package bledb

import "strings"

const sigBaseSuffix = "00001000800000805f9b34fb"

var services = map[string]string{
	"1800": "Generic Access",
	"1801": "Generic Attribute",
	"1802": "Immediate Alert",
	"1803": "Link Loss",
	"1804": "Tx Power",
	"1805": "Current Time Service",
	"180a": "Device Information",
	"180d": "Heart Rate",
	"180f": "Battery Service",
	"1810": "Blood Pressure",
	"1812": "Human Interface Device",
	"1816": "Cycling Speed and Cadence",
	"181a": "Environmental Sensing",
	"1530": "Legacy DFU Service",
	"fe59": "Secure DFU Service",
	"6e400001b5a3f393e0a9e50e24dcca9e": "Nordic UART Service",
}

var characteristics = map[string]string{
	"2a00": "Device Name",
	"2a01": "Appearance",
	"2a04": "Peripheral Preferred Connection Parameters",
	"2a05": "Service Changed",
	"2a19": "Battery Level",
	"2a23": "System ID",
	"2a24": "Model Number String",
	"2a25": "Serial Number String",
	"2a26": "Firmware Revision String",
	"2a27": "Hardware Revision String",
	"2a28": "Software Revision String",
	"2a29": "Manufacturer Name String",
	"2a37": "Heart Rate Measurement",
	"2a38": "Body Sensor Location",
	"2a6e": "Temperature",
	"2a6f": "Humidity",
	"1531": "Legacy DFU Control Point",
	"1532": "Legacy DFU Packet",
	"6e400002b5a3f393e0a9e50e24dcca9e": "Nordic UART RX",
	"6e400003b5a3f393e0a9e50e24dcca9e": "Nordic UART TX",
}

var descriptors = map[string]string{
	"2800": "Primary Service",
	"2801": "Secondary Service",
	"2802": "Include",
	"2803": "Characteristic Declaration",
	"2900": "Characteristic Extended Properties",
	"2901": "Characteristic User Descriptor",
	"2902": "Client Characteristic Configuration",
	"2903": "Server Characteristic Configuration",
	"2904": "Characteristic Presentation Format",
}

var appearances = map[uint16]string{
	0x0000: "Unknown",
	0x0040: "Generic Phone",
	0x0080: "Generic Computer",
	0x00C0: "Generic Watch",
	0x00C1: "Sports Watch",
	0x0180: "Generic Remote Control",
	0x0200: "Generic Tag",
	0x0340: "Generic Heart Rate Sensor",
	0x03C0: "Generic Human Interface Device",
	0x03C1: "Keyboard",
	0x03C2: "Mouse",
	0x0540: "Generic Sensor",
}

// LookupAppearance returns the GAP appearance category name, or "".
func LookupAppearance(code uint16) string {
	return appearances[code]
}

// NormalizeUUID converts a UUID string to lowercase hex without dashes,
// braces or a 0x prefix. SIG-base 128-bit UUIDs collapse to their 16-bit form.
func NormalizeUUID(uuid string) string {
	s := strings.ToLower(strings.TrimSpace(uuid))
	s = strings.TrimPrefix(s, "0x")
	s = strings.Trim(s, "{}")
	s = strings.ReplaceAll(s, "-", "")

	if len(s) == 32 && strings.HasPrefix(s, "0000") && strings.HasSuffix(s, sigBaseSuffix) {
		return s[4:8]
	}
	return s
}

// NormalizeUUIDs applies NormalizeUUID to every element.
func NormalizeUUIDs(uuids []string) []string {
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = NormalizeUUID(u)
	}
	return out
}

// LookupService returns the service name for uuid, or "".
func LookupService(uuid string) string {
	return services[NormalizeUUID(uuid)]
}

// LookupCharacteristic returns the characteristic name for uuid, or "".
func LookupCharacteristic(uuid string) string {
	return characteristics[NormalizeUUID(uuid)]
}

// LookupDescriptor returns the descriptor (or declaration) name for uuid, or "".
func LookupDescriptor(uuid string) string {
	return descriptors[NormalizeUUID(uuid)]
}

// Lookup searches services, then characteristics, then descriptors.
func Lookup(uuid string) string {
	n := NormalizeUUID(uuid)
	if name, ok := services[n]; ok {
		return name
	}
	if name, ok := characteristics[n]; ok {
		return name
	}
	return descriptors[n]
}
