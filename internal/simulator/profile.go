// Package simulator provides a bgapi.Gateway backed by simulated peripherals
// described in YAML. It answers commands the way a BGAPI dongle does:
// a response per command followed by the events the command triggers.
package simulator

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile is the top-level YAML document.
//
//	peripherals:
//	  - address: "AA:BB:CC:DD:EE:FF"
//	    name: Widget
//	    rssi: -52
//	    services:
//	      - uuid: "180f"
//	        characteristics:
//	          - { uuid: "2a19", hex: "55", notify: true }
type Profile struct {
	Peripherals []Peripheral `yaml:"peripherals"`
}

// Peripheral describes one simulated device.
type Peripheral struct {
	Address          string       `yaml:"address"`
	Random           bool         `yaml:"random"`
	Name             string       `yaml:"name"`
	RSSI             int8         `yaml:"rssi"`
	AdvServices      []string     `yaml:"adv_services"`
	ManufacturerData string       `yaml:"manufacturer_data"` // hex
	Unreachable      bool         `yaml:"unreachable"`       // connect attempts never complete
	Services         []ServiceDef `yaml:"services"`
}

// ServiceDef describes one GATT service.
type ServiceDef struct {
	UUID            string              `yaml:"uuid"`
	Secondary       bool                `yaml:"secondary"`
	Characteristics []CharacteristicDef `yaml:"characteristics"`
}

// CharacteristicDef describes one characteristic. Value is used verbatim as
// UTF-8, Hex is decoded; Hex wins when both are set.
type CharacteristicDef struct {
	UUID   string `yaml:"uuid"`
	Value  string `yaml:"value"`
	Hex    string `yaml:"hex"`
	Notify bool   `yaml:"notify"`
	// Silent characteristics acknowledge reads but never return a value.
	Silent bool `yaml:"silent"`
	// EchoTo names a characteristic (by UUID) that notifies every value
	// written to this one, if notifications are enabled on it.
	EchoTo string `yaml:"echo_to"`
}

// Bytes returns the initial value.
func (c CharacteristicDef) Bytes() ([]byte, error) {
	if c.Hex != "" {
		b, err := hex.DecodeString(strings.ReplaceAll(c.Hex, " ", ""))
		if err != nil {
			return nil, fmt.Errorf("characteristic %s: invalid hex value: %w", c.UUID, err)
		}
		return b, nil
	}
	return []byte(c.Value), nil
}

// ParseProfile decodes a YAML profile.
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse simulator profile: %w", err)
	}
	if len(p.Peripherals) == 0 {
		return nil, fmt.Errorf("simulator profile has no peripherals")
	}
	return &p, nil
}

// LoadProfile reads and decodes a YAML profile file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read simulator profile: %w", err)
	}
	return ParseProfile(data)
}

// DefaultProfile is used when no profile file is configured.
const DefaultProfile = `
peripherals:
  - address: "AA:BB:CC:DD:EE:FF"
    name: Widget
    rssi: -52
    adv_services: ["180f"]
    services:
      - uuid: "1800"
        characteristics:
          - { uuid: "2a00", value: "Widget" }
          - { uuid: "2a01", hex: "c000" }
      - uuid: "180a"
        characteristics:
          - { uuid: "2a29", value: "Acme" }
          - { uuid: "2a24", value: "W-1" }
          - { uuid: "2a25", value: "0001" }
          - { uuid: "2a27", value: "rev2" }
      - uuid: "180f"
        characteristics:
          - { uuid: "2a19", hex: "55", notify: true }
      - uuid: "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
        characteristics:
          - { uuid: "6e400002-b5a3-f393-e0a9-e50e24dcca9e", echo_to: "6e400003-b5a3-f393-e0a9-e50e24dcca9e" }
          - { uuid: "6e400003-b5a3-f393-e0a9-e50e24dcca9e", notify: true }
  - address: "11:22:33:44:55:66"
    name: DfuTarget
    rssi: -70
    services:
      - uuid: "1800"
        characteristics:
          - { uuid: "2a00", value: "DfuTarget" }
      - uuid: "00001530-1212-efde-1523-785feabcd123"
        characteristics:
          - { uuid: "00001531-1212-efde-1523-785feabcd123", notify: true }
          - { uuid: "00001532-1212-efde-1523-785feabcd123" }
`
