// Package instrument implements the Instrument Driver layer: one concrete
// driver per vendor/model dialect, a shared capability map for input
// validation, and the mock drivers used for tests and demos.
package instrument

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
)

// EquipmentType is the closed set of instrument kinds the gateway recognises.
type EquipmentType string

const (
	TypeOscilloscope     EquipmentType = "oscilloscope"
	TypePowerSupply      EquipmentType = "power_supply"
	TypeElectronicLoad   EquipmentType = "electronic_load"
	TypeMultimeter       EquipmentType = "multimeter"
	TypeFunctionGen      EquipmentType = "function_generator"
	TypeSpectrumAnalyzer EquipmentType = "spectrum_analyzer"
)

// ValidEquipmentType reports whether t is one of the closed set of types.
func ValidEquipmentType(t EquipmentType) bool {
	switch t {
	case TypeOscilloscope, TypePowerSupply, TypeElectronicLoad, TypeMultimeter, TypeFunctionGen, TypeSpectrumAnalyzer:
		return true
	default:
		return false
	}
}

// Capabilities is the machine-readable bounds/feature map a driver exposes
// and that input validation honours before any wire write.
type Capabilities struct {
	MaxVoltage    float64        `json:"max_voltage,omitempty"`
	MaxCurrent    float64        `json:"max_current,omitempty"`
	MaxPower      float64        `json:"max_power,omitempty"`
	MaxResistance float64        `json:"max_resistance,omitempty"`
	Channels      int            `json:"channels,omitempty"`
	SampleRate    float64        `json:"sample_rate,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// Identity is the stable record created on connect and retained until
// disconnect.
type Identity struct {
	ID           string       `json:"equipment_id"`
	Type         EquipmentType `json:"type"`
	Vendor       string       `json:"vendor"`
	Model        string       `json:"model"`
	Serial       string       `json:"serial"`
	Firmware     string       `json:"firmware"`
	Transport    string       `json:"transport"`
	Capabilities Capabilities `json:"capabilities"`
}

// DeriveID computes a stable identifier from a transport resource string
// (e.g. "tcp://10.0.0.5:5025" or "mock://power-supply/1"), so reconnecting
// to the same resource always yields the same equipment ID.
func DeriveID(equipmentType EquipmentType, resource string) string {
	sum := sha1.Sum([]byte(strings.ToLower(strings.TrimSpace(resource))))
	return fmt.Sprintf("%s-%s", equipmentType, hex.EncodeToString(sum[:])[:12])
}
