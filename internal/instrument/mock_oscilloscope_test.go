package instrument

import (
	"context"
	"testing"
)

func TestMockOscilloscopeWaveformShapes(t *testing.T) {
	caps := Capabilities{Channels: 2, SampleRate: 1e6}
	scope := NewMockOscilloscope("mock://scope/1", "SCOPE-200", caps)
	ctx := context.Background()

	for _, shape := range []string{"sine", "square", "triangle", "noise"} {
		out, err := scope.Execute(ctx, "get_waveform", map[string]any{
			"channel": 0, "shape": shape, "frequency_hz": 1000.0, "amplitude": 2.0, "sample_count": 256,
		})
		if err != nil {
			t.Fatalf("get_waveform(%s): %v", shape, err)
		}
		result := out.(map[string]any)
		samples := result["samples"].([]float64)
		if len(samples) != 256 {
			t.Fatalf("expected 256 samples, got %d", len(samples))
		}
		for _, v := range samples {
			if v > 2.01 || v < -2.01 {
				t.Fatalf("%s sample %v exceeds amplitude bound", shape, v)
			}
		}
	}
}

func TestMockOscilloscopeInvalidSampleCount(t *testing.T) {
	scope := NewMockOscilloscope("mock://scope/2", "SCOPE", Capabilities{Channels: 1})
	_, err := scope.Execute(context.Background(), "get_waveform", map[string]any{"sample_count": -1})
	if err == nil {
		t.Fatalf("expected error for negative sample_count")
	}
}

func TestMockOscilloscopeSetChannelAndTrigger(t *testing.T) {
	scope := NewMockOscilloscope("mock://scope/3", "SCOPE", Capabilities{Channels: 2})
	mustExec(t, scope, "set_channel", map[string]any{"channel": 1, "enabled": true, "scale": 0.5, "coupling": "AC"})
	mustExec(t, scope, "set_trigger", map[string]any{"source": "CH1", "mode": "normal", "level": 1.5, "slope": "falling"})

	if !scope.channels[1].enabled || scope.channels[1].scale != 0.5 {
		t.Fatalf("channel 1 settings not applied: %+v", scope.channels[1])
	}
	if scope.triggerSource != "CH1" || scope.triggerSlope != "falling" {
		t.Fatalf("trigger settings not applied")
	}
}

func TestMockOscilloscopeRejectsInvalidChannel(t *testing.T) {
	scope := NewMockOscilloscope("mock://scope/4", "SCOPE", Capabilities{Channels: 1})
	_, err := scope.Execute(context.Background(), "set_channel", map[string]any{"channel": 9, "enabled": true, "scale": 1.0})
	if err == nil {
		t.Fatalf("expected error for out-of-range channel")
	}
}
