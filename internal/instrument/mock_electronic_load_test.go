package instrument

import (
	"context"
	"math"
	"testing"
)

func TestMockElectronicLoadConstantCurrentMode(t *testing.T) {
	load := NewMockElectronicLoad("mock://load/1", "LOAD-300", Capabilities{MaxCurrent: 10}, 5.0)
	ctx := context.Background()
	mustExec(t, load, "set_mode", map[string]any{"mode": "CC"})
	mustExec(t, load, "set_current", map[string]any{"i": 2.0})
	mustExec(t, load, "set_input", map[string]any{"enabled": true})

	out, err := load.Execute(ctx, "get_readings", nil)
	if err != nil {
		t.Fatalf("get_readings: %v", err)
	}
	reading := out.(map[string]any)
	if math.Abs(reading["current"].(float64)-2.0) > 0.1 {
		t.Fatalf("expected current ~2.0 in CC mode, got %v", reading["current"])
	}
}

func TestMockElectronicLoadConstantResistanceMode(t *testing.T) {
	load := NewMockElectronicLoad("mock://load/2", "LOAD-300", Capabilities{MaxResistance: 1000}, 10.0)
	ctx := context.Background()
	mustExec(t, load, "set_mode", map[string]any{"mode": "CR"})
	mustExec(t, load, "set_resistance", map[string]any{"r": 5.0})
	mustExec(t, load, "set_input", map[string]any{"enabled": true})

	out, err := load.Execute(ctx, "get_readings", nil)
	if err != nil {
		t.Fatalf("get_readings: %v", err)
	}
	reading := out.(map[string]any)
	if math.Abs(reading["current"].(float64)-2.0) > 0.1 {
		t.Fatalf("expected current ~2.0 (10V/5ohm), got %v", reading["current"])
	}
}

func TestMockElectronicLoadInputDisabledReadsZero(t *testing.T) {
	load := NewMockElectronicLoad("mock://load/3", "LOAD", Capabilities{}, 5.0)
	out, err := load.Execute(context.Background(), "get_readings", nil)
	if err != nil {
		t.Fatalf("get_readings: %v", err)
	}
	reading := out.(map[string]any)
	if reading["mode"] != "off" {
		t.Fatalf("expected off mode when input disabled, got %v", reading["mode"])
	}
}

func TestMockElectronicLoadRejectsUnknownMode(t *testing.T) {
	load := NewMockElectronicLoad("mock://load/4", "LOAD", Capabilities{}, 5.0)
	_, err := load.Execute(context.Background(), "set_mode", map[string]any{"mode": "XYZ"})
	if err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}
