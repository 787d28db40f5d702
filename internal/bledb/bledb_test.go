package bledb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"180F", "180f"},
		{"0x2a19", "2a19"},
		{"0000180f-0000-1000-8000-00805f9b34fb", "180f"},
		{"0000180F00001000800000805F9B34FB", "180f"},
		{"{00002902-0000-1000-8000-00805f9b34fb}", "2902"},
		{" 6E400001-B5A3-F393-E0A9-E50E24DCCA9E ", "6e400001b5a3f393e0a9e50e24dcca9e"},
		// only the SIG base collapses to 16 bits
		{"00001530-1212-efde-1523-785feabcd123", "000015301212efde1523785feabcd123"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}

	assert.Equal(t, []string{"180a", "2a29"}, NormalizeUUIDs([]string{"0x180A", "00002a29-0000-1000-8000-00805f9b34fb"}))
	assert.Empty(t, NormalizeUUIDs(nil))
}

func TestLookupByKind(t *testing.T) {
	// GOAL: Verify each table answers only for its own kind of attribute
	//
	// TEST SCENARIO: simulator profile UUIDs (GAP, DIS, battery, UART, DFU) → per-kind lookup

	tests := []struct {
		name   string
		lookup func(string) string
		uuid   string
		want   string
	}{
		{"battery service", LookupService, "180f", "Battery Service"},
		{"device information long form", LookupService, "0000180a-0000-1000-8000-00805f9b34fb", "Device Information"},
		{"nordic uart service", LookupService, "6e400001-b5a3-f393-e0a9-e50e24dcca9e", "Nordic UART Service"},
		{"legacy dfu service", LookupService, "0x1530", "Legacy DFU Service"},
		{"service table has no characteristics", LookupService, "2a19", ""},

		{"battery level", LookupCharacteristic, "2A19", "Battery Level"},
		{"uart rx", LookupCharacteristic, "6e400002-b5a3-f393-e0a9-e50e24dcca9e", "Nordic UART RX"},
		{"uart tx", LookupCharacteristic, "6e400003b5a3f393e0a9e50e24dcca9e", "Nordic UART TX"},
		{"dfu control point", LookupCharacteristic, "1531", "Legacy DFU Control Point"},
		{"dfu packet", LookupCharacteristic, "1532", "Legacy DFU Packet"},
		{"characteristic table has no services", LookupCharacteristic, "180f", ""},

		{"cccd", LookupDescriptor, "2902", "Client Characteristic Configuration"},
		{"characteristic declaration", LookupDescriptor, "00002803-0000-1000-8000-00805f9b34fb", "Characteristic Declaration"},
		{"unknown descriptor", LookupDescriptor, "29ff", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.lookup(tt.uuid))
		})
	}
}

func TestLookupSearchesEveryTable(t *testing.T) {
	assert.Equal(t, "Generic Access", Lookup("1800"))
	assert.Equal(t, "Device Name", Lookup("2a00"))
	assert.Equal(t, "Primary Service", Lookup("2800"))
	assert.Equal(t, "Nordic UART TX", Lookup("6e400003-b5a3-f393-e0a9-e50e24dcca9e"))
	assert.Empty(t, Lookup("abcd"), "unknown UUIDs MUST have no name")
	assert.Empty(t, Lookup(""))
}

func TestLookupAppearance(t *testing.T) {
	assert.Equal(t, "Generic Watch", LookupAppearance(0x00C0), "the simulated Widget reports 0x00c0")
	assert.Equal(t, "Keyboard", LookupAppearance(0x03C1))
	assert.Equal(t, "Unknown", LookupAppearance(0x0000))
	assert.Empty(t, LookupAppearance(0x1234))
}
