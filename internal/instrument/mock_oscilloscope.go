package instrument

import (
	"context"
	"math"
	"math/rand"

	"github.com/r3e-labs/instrument-gateway/internal/gwerrors"
)

// oscChannel holds the per-channel configuration an oscilloscope exposes
// through set_channel.
type oscChannel struct {
	enabled  bool
	scale    float64
	offset   float64
	coupling string
	probe    float64
}

// MockOscilloscope simulates a digital storage oscilloscope: timebase,
// per-channel vertical settings, a trigger block, and waveform capture that
// generates a selectable shape (sine/square/triangle/noise) at a
// configurable frequency/amplitude/sample count.
type MockOscilloscope struct {
	identity Identity

	channels        []oscChannel
	timebaseScale   float64
	timebaseOffset  float64
	triggerSource   string
	triggerMode     string
	triggerLevel    float64
	triggerSlope    string
	running         bool

	waveformShape string
	frequencyHz   float64
	amplitude     float64
	sampleCount   int
}

// NewMockOscilloscope creates a simulated oscilloscope.
func NewMockOscilloscope(resource, model string, caps Capabilities) *MockOscilloscope {
	if caps.Channels <= 0 {
		caps.Channels = 2
	}
	id := DeriveID(TypeOscilloscope, resource)
	return &MockOscilloscope{
		identity: Identity{
			ID:           id,
			Type:         TypeOscilloscope,
			Vendor:       "Mock Instruments",
			Model:        model,
			Serial:       "MOCK-SCOPE-" + id[len(id)-6:],
			Firmware:     "1.0.0",
			Transport:    resource,
			Capabilities: caps,
		},
		channels:      make([]oscChannel, caps.Channels),
		waveformShape: "sine",
		frequencyHz:   1000,
		amplitude:     1.0,
		sampleCount:   1000,
	}
}

func (d *MockOscilloscope) Identify(_ context.Context) (Identity, error) {
	return d.identity, nil
}

func (d *MockOscilloscope) Capabilities() Capabilities {
	return d.identity.Capabilities
}

func (d *MockOscilloscope) Execute(_ context.Context, operation string, params map[string]any) (any, error) {
	p := Params(params)
	switch operation {
	case "set_timebase":
		scale, err := p.Float("scale")
		if err != nil {
			return nil, err
		}
		offset, err := p.FloatOrDefault("offset", 0)
		if err != nil {
			return nil, err
		}
		d.timebaseScale, d.timebaseOffset = scale, offset
		return nil, nil
	case "set_channel":
		return nil, d.setChannelOp(p)
	case "set_trigger":
		return nil, d.setTriggerOp(p)
	case "trigger_run":
		d.running = true
		return nil, nil
	case "trigger_stop":
		d.running = false
		return nil, nil
	case "trigger_single":
		d.running = false
		return d.captureOp(p)
	case "autoscale":
		d.timebaseScale = 1.0 / d.frequencyHz
		for i := range d.channels {
			d.channels[i].scale = d.amplitude
		}
		return nil, nil
	case "get_waveform":
		return d.captureOp(p)
	default:
		return nil, gwerrors.BadRequestf("unsupported operation %q for oscilloscope", operation)
	}
}

func (d *MockOscilloscope) setChannelOp(p Params) error {
	ch, err := p.Int("channel")
	if err != nil {
		return err
	}
	if err := d.checkChannel(ch); err != nil {
		return err
	}
	enabled, err := p.Bool("enabled")
	if err != nil {
		return err
	}
	scale, err := p.Float("scale")
	if err != nil {
		return err
	}
	offset, err := p.FloatOrDefault("offset", 0)
	if err != nil {
		return err
	}
	coupling, err := p.StringOrDefault("coupling", "DC")
	if err != nil {
		return err
	}
	probe, err := p.FloatOrDefault("probe", 1)
	if err != nil {
		return err
	}
	d.channels[ch] = oscChannel{enabled: enabled, scale: scale, offset: offset, coupling: coupling, probe: probe}
	return nil
}

func (d *MockOscilloscope) setTriggerOp(p Params) error {
	source, err := p.String("source")
	if err != nil {
		return err
	}
	mode, err := p.StringOrDefault("mode", "auto")
	if err != nil {
		return err
	}
	level, err := p.FloatOrDefault("level", 0)
	if err != nil {
		return err
	}
	slope, err := p.StringOrDefault("slope", "rising")
	if err != nil {
		return err
	}
	d.triggerSource, d.triggerMode, d.triggerLevel, d.triggerSlope = source, mode, level, slope
	return nil
}

func (d *MockOscilloscope) captureOp(p Params) (any, error) {
	ch, err := p.IntOrDefault("channel", 0)
	if err != nil {
		return nil, err
	}
	if err := d.checkChannel(ch); err != nil {
		return nil, err
	}
	shape, err := p.StringOrDefault("shape", d.waveformShape)
	if err != nil {
		return nil, err
	}
	freq, err := p.FloatOrDefault("frequency_hz", d.frequencyHz)
	if err != nil {
		return nil, err
	}
	amp, err := p.FloatOrDefault("amplitude", d.amplitude)
	if err != nil {
		return nil, err
	}
	count, err := p.IntOrDefault("sample_count", d.sampleCount)
	if err != nil {
		return nil, err
	}
	if count <= 0 || count > 1_000_000 {
		return nil, gwerrors.BadRequestf("sample_count %d out of range", count)
	}
	samples := generateWaveform(shape, freq, amp, count)
	return map[string]any{
		"channel":      ch,
		"shape":        shape,
		"frequency_hz": freq,
		"amplitude":    amp,
		"samples":      samples,
	}, nil
}

func generateWaveform(shape string, freqHz, amplitude float64, count int) []float64 {
	if freqHz <= 0 {
		freqHz = 1000
	}
	samples := make([]float64, count)
	sampleRate := freqHz * float64(count) / 4 // a few cycles across the capture
	if sampleRate <= 0 {
		sampleRate = freqHz * 10
	}
	for n := 0; n < count; n++ {
		t := float64(n) / sampleRate
		phase := 2 * math.Pi * freqHz * t
		var v float64
		switch shape {
		case "square":
			if math.Sin(phase) >= 0 {
				v = amplitude
			} else {
				v = -amplitude
			}
		case "triangle":
			frac := math.Mod(phase/(2*math.Pi), 1)
			v = amplitude * (4*math.Abs(frac-0.5) - 1)
		case "noise":
			v = amplitude * (2*rand.Float64() - 1)
		default: // sine
			v = amplitude * math.Sin(phase)
		}
		samples[n] = v
	}
	return samples
}

func (d *MockOscilloscope) checkChannel(ch int) error {
	if ch < 0 || ch >= len(d.channels) {
		return gwerrors.BadRequestf("invalid channel %d", ch)
	}
	return nil
}

func (d *MockOscilloscope) SnapshotState(_ context.Context) (map[string]any, error) {
	return map[string]any{
		"timebase_scale":  d.timebaseScale,
		"timebase_offset": d.timebaseOffset,
		"trigger_source":  d.triggerSource,
		"trigger_mode":    d.triggerMode,
		"trigger_level":   d.triggerLevel,
		"trigger_slope":   d.triggerSlope,
	}, nil
}

func (d *MockOscilloscope) RestoreState(_ context.Context, state map[string]any) error {
	if v, ok := state["timebase_scale"].(float64); ok {
		d.timebaseScale = v
	}
	if v, ok := state["timebase_offset"].(float64); ok {
		d.timebaseOffset = v
	}
	if v, ok := state["trigger_source"].(string); ok {
		d.triggerSource = v
	}
	if v, ok := state["trigger_mode"].(string); ok {
		d.triggerMode = v
	}
	if v, ok := state["trigger_level"].(float64); ok {
		d.triggerLevel = v
	}
	if v, ok := state["trigger_slope"].(string); ok {
		d.triggerSlope = v
	}
	return nil
}
