package instrument

import (
	"context"

	"github.com/r3e-labs/instrument-gateway/internal/gwerrors"
)

// MockFunctionGenerator simulates an arbitrary waveform generator. It is
// the fourth driver kind named in the Data Model's equipment type tag but
// not detailed by the distilled operation vocabulary; its operations are
// modelled on the same set_*/get_* shape as the other drivers.
type MockFunctionGenerator struct {
	identity Identity

	outputEnabled bool
	waveformShape string
	frequencyHz   float64
	amplitude     float64
}

// NewMockFunctionGenerator creates a simulated function generator.
func NewMockFunctionGenerator(resource, model string, caps Capabilities) *MockFunctionGenerator {
	if caps.MaxVoltage <= 0 {
		caps.MaxVoltage = 20
	}
	id := DeriveID(TypeFunctionGen, resource)
	return &MockFunctionGenerator{
		identity: Identity{
			ID:           id,
			Type:         TypeFunctionGen,
			Vendor:       "Mock Instruments",
			Model:        model,
			Serial:       "MOCK-FGEN-" + id[len(id)-6:],
			Firmware:     "1.0.0",
			Transport:    resource,
			Capabilities: caps,
		},
		waveformShape: "sine",
		frequencyHz:   1000,
		amplitude:     1.0,
	}
}

func (d *MockFunctionGenerator) Identify(_ context.Context) (Identity, error) {
	return d.identity, nil
}

func (d *MockFunctionGenerator) Capabilities() Capabilities {
	return d.identity.Capabilities
}

func (d *MockFunctionGenerator) Execute(_ context.Context, operation string, params map[string]any) (any, error) {
	p := Params(params)
	switch operation {
	case "set_output":
		enabled, err := p.Bool("enabled")
		if err != nil {
			return nil, err
		}
		d.outputEnabled = enabled
		return nil, nil
	case "set_mode":
		shape, err := p.String("mode")
		if err != nil {
			return nil, err
		}
		switch shape {
		case "sine", "square", "triangle", "noise":
		default:
			return nil, gwerrors.BadRequestf("unsupported waveform shape %q", shape)
		}
		d.waveformShape = shape
		return nil, nil
	case "set_voltage":
		amp, err := p.Float("v")
		if err != nil {
			return nil, err
		}
		if err := RequireRange("amplitude", amp, d.identity.Capabilities.MaxVoltage); err != nil {
			return nil, err
		}
		d.amplitude = amp
		return nil, nil
	case "get_measurements":
		return map[string]any{
			"output_enabled": d.outputEnabled,
			"shape":          d.waveformShape,
			"frequency_hz":   d.frequencyHz,
			"amplitude":      d.amplitude,
		}, nil
	default:
		return nil, gwerrors.BadRequestf("unsupported operation %q for function generator", operation)
	}
}

func (d *MockFunctionGenerator) SnapshotState(_ context.Context) (map[string]any, error) {
	return map[string]any{
		"output_enabled": d.outputEnabled,
		"shape":          d.waveformShape,
		"frequency_hz":   d.frequencyHz,
		"amplitude":      d.amplitude,
	}, nil
}

func (d *MockFunctionGenerator) RestoreState(_ context.Context, state map[string]any) error {
	if v, ok := state["output_enabled"].(bool); ok {
		d.outputEnabled = v
	}
	if v, ok := state["shape"].(string); ok {
		d.waveformShape = v
	}
	if v, ok := state["frequency_hz"].(float64); ok {
		d.frequencyHz = v
	}
	if v, ok := state["amplitude"].(float64); ok {
		d.amplitude = v
	}
	return nil
}
