package instrument

import (
	"context"
	"math/rand"

	"github.com/r3e-labs/instrument-gateway/internal/gwerrors"
)

// MockElectronicLoad simulates a single-channel DC electronic load
// operating in one of the standard modes (constant current, constant
// resistance, constant power). It sinks current from a simulated input
// voltage and reports a physically-consistent terminal reading for
// whichever mode is selected.
type MockElectronicLoad struct {
	identity Identity

	mode          string // "CC", "CR", "CP"
	setCurrent    float64
	setResistance float64
	setPower      float64
	inputEnabled  bool
	simInputV     float64
}

// NewMockElectronicLoad creates a simulated load. simInputVoltage is the
// voltage the test fixture presents at the load's input terminals.
func NewMockElectronicLoad(resource, model string, caps Capabilities, simInputVoltage float64) *MockElectronicLoad {
	if simInputVoltage <= 0 {
		simInputVoltage = 5
	}
	if caps.MaxCurrent <= 0 {
		caps.MaxCurrent = 30
	}
	if caps.MaxResistance <= 0 {
		caps.MaxResistance = 10000
	}
	if caps.MaxPower <= 0 {
		caps.MaxPower = 150
	}
	id := DeriveID(TypeElectronicLoad, resource)
	return &MockElectronicLoad{
		identity: Identity{
			ID:           id,
			Type:         TypeElectronicLoad,
			Vendor:       "Mock Instruments",
			Model:        model,
			Serial:       "MOCK-LOAD-" + id[len(id)-6:],
			Firmware:     "1.0.0",
			Transport:    resource,
			Capabilities: caps,
		},
		mode:      "CC",
		simInputV: simInputVoltage,
	}
}

// SetSimulatedInputVoltage changes the voltage the test fixture presents,
// letting tests drive the load through different operating points.
func (d *MockElectronicLoad) SetSimulatedInputVoltage(v float64) {
	d.simInputV = v
}

func (d *MockElectronicLoad) Identify(_ context.Context) (Identity, error) {
	return d.identity, nil
}

func (d *MockElectronicLoad) Capabilities() Capabilities {
	return d.identity.Capabilities
}

func (d *MockElectronicLoad) Execute(_ context.Context, operation string, params map[string]any) (any, error) {
	p := Params(params)
	switch operation {
	case "set_mode":
		mode, err := p.String("mode")
		if err != nil {
			return nil, err
		}
		if mode != "CC" && mode != "CR" && mode != "CP" {
			return nil, gwerrors.BadRequestf("unsupported load mode %q", mode)
		}
		d.mode = mode
		return nil, nil
	case "set_current":
		i, err := p.Float("i")
		if err != nil {
			return nil, err
		}
		if err := RequireRange("current", i, d.identity.Capabilities.MaxCurrent); err != nil {
			return nil, err
		}
		d.setCurrent = i
		return nil, nil
	case "set_resistance":
		r, err := p.Float("r")
		if err != nil {
			return nil, err
		}
		if err := RequireRange("resistance", r, d.identity.Capabilities.MaxResistance); err != nil {
			return nil, err
		}
		d.setResistance = r
		return nil, nil
	case "set_power":
		pw, err := p.Float("p")
		if err != nil {
			return nil, err
		}
		if err := RequireRange("power", pw, d.identity.Capabilities.MaxPower); err != nil {
			return nil, err
		}
		d.setPower = pw
		return nil, nil
	case "set_input":
		enabled, err := p.Bool("enabled")
		if err != nil {
			return nil, err
		}
		d.inputEnabled = enabled
		return nil, nil
	case "get_readings":
		return d.reading(), nil
	default:
		return nil, gwerrors.BadRequestf("unsupported operation %q for electronic load", operation)
	}
}

func (d *MockElectronicLoad) reading() map[string]any {
	noise := func() float64 { return (rand.Float64() - 0.5) * 2 * noiseMagnitude }

	if !d.inputEnabled || d.simInputV <= 0 {
		return map[string]any{"voltage": 0.0, "current": 0.0, "power": 0.0, "mode": "off"}
	}

	var i float64
	switch d.mode {
	case "CR":
		if d.setResistance > 0 {
			i = d.simInputV / d.setResistance
		}
	case "CP":
		if d.simInputV > 0 {
			i = d.setPower / d.simInputV
		}
	default: // CC
		i = d.setCurrent
	}
	i += noise()
	v := d.simInputV + noise()
	return map[string]any{
		"voltage": v,
		"current": i,
		"power":   v * i,
		"mode":    d.mode,
	}
}

func (d *MockElectronicLoad) SnapshotState(_ context.Context) (map[string]any, error) {
	return map[string]any{
		"mode":           d.mode,
		"set_current":    d.setCurrent,
		"set_resistance": d.setResistance,
		"set_power":      d.setPower,
		"input_enabled":  d.inputEnabled,
	}, nil
}

func (d *MockElectronicLoad) RestoreState(_ context.Context, state map[string]any) error {
	if mode, ok := state["mode"].(string); ok {
		d.mode = mode
	}
	if v, ok := state["set_current"].(float64); ok {
		d.setCurrent = v
	}
	if v, ok := state["set_resistance"].(float64); ok {
		d.setResistance = v
	}
	if v, ok := state["set_power"].(float64); ok {
		d.setPower = v
	}
	if v, ok := state["input_enabled"].(bool); ok {
		d.inputEnabled = v
	}
	return nil
}
