package instrument

import (
	"context"
	"math/rand"

	"github.com/r3e-labs/instrument-gateway/internal/gwerrors"
)

// noiseMagnitude bounds the simulated measurement jitter added to mock
// readings so successive samples are not bit-identical.
const noiseMagnitude = 0.01

// MockPowerSupply simulates a single/multi-channel programmable power
// supply. get_readings follows the physically-consistent law from the
// driver design: given a set voltage, current limit, output-enabled flag,
// and a simulated load resistance, the supply is in constant-voltage (CV)
// mode while the load draws less current than the limit, and in
// constant-current (CC) mode once the load would exceed it.
type MockPowerSupply struct {
	identity Identity

	setVoltage     []float64
	setCurrentLim  []float64
	outputEnabled  []bool
	loadResistance []float64
}

// NewMockPowerSupply creates a simulated power supply identified by its
// transport resource string. loadResistance seeds the per-channel simulated
// load (ohms); SetSimulatedLoad can change it afterwards for test scenarios.
func NewMockPowerSupply(resource, model string, caps Capabilities, loadResistance float64) *MockPowerSupply {
	if caps.Channels <= 0 {
		caps.Channels = 1
	}
	if caps.MaxVoltage <= 0 {
		caps.MaxVoltage = 30
	}
	if caps.MaxCurrent <= 0 {
		caps.MaxCurrent = 3
	}
	if loadResistance <= 0 {
		loadResistance = 10
	}
	n := caps.Channels
	loads := make([]float64, n)
	for i := range loads {
		loads[i] = loadResistance
	}
	id := DeriveID(TypePowerSupply, resource)
	return &MockPowerSupply{
		identity: Identity{
			ID:           id,
			Type:         TypePowerSupply,
			Vendor:       "Mock Instruments",
			Model:        model,
			Serial:       "MOCK-PSU-" + id[len(id)-6:],
			Firmware:     "1.0.0",
			Transport:    resource,
			Capabilities: caps,
		},
		setVoltage:     make([]float64, n),
		setCurrentLim:  make([]float64, n),
		outputEnabled:  make([]bool, n),
		loadResistance: loads,
	}
}

// SetSimulatedLoad changes the simulated resistive load on a channel,
// letting tests drive the supply between CV and CC mode.
func (d *MockPowerSupply) SetSimulatedLoad(channel int, ohms float64) error {
	if channel < 0 || channel >= len(d.loadResistance) {
		return gwerrors.BadRequestf("invalid channel %d", channel)
	}
	if ohms <= 0 {
		return gwerrors.BadRequestf("load resistance must be positive")
	}
	d.loadResistance[channel] = ohms
	return nil
}

func (d *MockPowerSupply) Identify(_ context.Context) (Identity, error) {
	return d.identity, nil
}

func (d *MockPowerSupply) Capabilities() Capabilities {
	return d.identity.Capabilities
}

func (d *MockPowerSupply) Execute(_ context.Context, operation string, params map[string]any) (any, error) {
	p := Params(params)
	switch operation {
	case "set_voltage":
		return nil, d.setVoltageOp(p)
	case "set_current":
		return nil, d.setCurrentOp(p)
	case "set_output":
		return nil, d.setOutputOp(p)
	case "get_readings":
		return d.getReadingsOp(p)
	default:
		return nil, gwerrors.BadRequestf("unsupported operation %q for power supply", operation)
	}
}

func (d *MockPowerSupply) setVoltageOp(p Params) error {
	v, err := p.Float("v")
	if err != nil {
		return err
	}
	ch, err := p.IntOrDefault("channel", 0)
	if err != nil {
		return err
	}
	if err := d.checkChannel(ch); err != nil {
		return err
	}
	if err := RequireRange("voltage", v, d.identity.Capabilities.MaxVoltage); err != nil {
		return err
	}
	d.setVoltage[ch] = v
	return nil
}

func (d *MockPowerSupply) setCurrentOp(p Params) error {
	i, err := p.Float("i")
	if err != nil {
		return err
	}
	ch, err := p.IntOrDefault("channel", 0)
	if err != nil {
		return err
	}
	if err := d.checkChannel(ch); err != nil {
		return err
	}
	if err := RequireRange("current", i, d.identity.Capabilities.MaxCurrent); err != nil {
		return err
	}
	d.setCurrentLim[ch] = i
	return nil
}

func (d *MockPowerSupply) setOutputOp(p Params) error {
	enabled, err := p.Bool("enabled")
	if err != nil {
		return err
	}
	ch, err := p.IntOrDefault("channel", 0)
	if err != nil {
		return err
	}
	if err := d.checkChannel(ch); err != nil {
		return err
	}
	d.outputEnabled[ch] = enabled
	return nil
}

func (d *MockPowerSupply) getReadingsOp(p Params) (any, error) {
	if _, has := p["channel"]; has {
		ch, err := p.Int("channel")
		if err != nil {
			return nil, err
		}
		if err := d.checkChannel(ch); err != nil {
			return nil, err
		}
		return d.reading(ch), nil
	}
	readings := make([]map[string]any, len(d.setVoltage))
	for ch := range d.setVoltage {
		readings[ch] = d.reading(ch)
	}
	return map[string]any{"channels": readings}, nil
}

func (d *MockPowerSupply) reading(ch int) map[string]any {
	vSet := d.setVoltage[ch]
	iLim := d.setCurrentLim[ch]
	r := d.loadResistance[ch]
	noise := func() float64 { return (rand.Float64() - 0.5) * 2 * noiseMagnitude }

	var v, i float64
	mode := "off"
	if !d.outputEnabled[ch] {
		v, i, mode = 0, 0, "off"
	} else if r > 0 && vSet/r <= iLim {
		v = vSet + noise()
		i = vSet/r + noise()
		mode = "CV"
	} else {
		i = iLim + noise()
		v = iLim*r + noise()
		mode = "CC"
	}
	return map[string]any{
		"channel": ch,
		"voltage": v,
		"current": i,
		"power":   v * i,
		"mode":    mode,
	}
}

func (d *MockPowerSupply) checkChannel(ch int) error {
	if ch < 0 || ch >= len(d.setVoltage) {
		return gwerrors.BadRequestf("invalid channel %d", ch)
	}
	return nil
}

func (d *MockPowerSupply) SnapshotState(_ context.Context) (map[string]any, error) {
	channels := make([]map[string]any, len(d.setVoltage))
	for ch := range d.setVoltage {
		channels[ch] = map[string]any{
			"set_voltage":    d.setVoltage[ch],
			"set_current":    d.setCurrentLim[ch],
			"output_enabled": d.outputEnabled[ch],
		}
	}
	return map[string]any{"channels": channels}, nil
}

func (d *MockPowerSupply) RestoreState(_ context.Context, state map[string]any) error {
	var raw []any
	switch chs := state["channels"].(type) {
	case []any:
		raw = chs
	case []map[string]any:
		for _, entry := range chs {
			raw = append(raw, entry)
		}
	default:
		return gwerrors.BadRequestf("snapshot missing channels")
	}
	if len(raw) != len(d.setVoltage) {
		return gwerrors.BadRequestf("snapshot channel count %d does not match driver channel count %d", len(raw), len(d.setVoltage))
	}
	for ch, entryRaw := range raw {
		entry, ok := entryRaw.(map[string]any)
		if !ok {
			return gwerrors.BadRequestf("snapshot channel %d malformed", ch)
		}
		if v, ok := entry["set_voltage"].(float64); ok {
			d.setVoltage[ch] = v
		}
		if i, ok := entry["set_current"].(float64); ok {
			d.setCurrentLim[ch] = i
		}
		if e, ok := entry["output_enabled"].(bool); ok {
			d.outputEnabled[ch] = e
		}
	}
	return nil
}

