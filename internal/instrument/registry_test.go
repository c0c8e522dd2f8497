package instrument

import (
	"context"
	"testing"
)

func TestNewMockDriverEveryKind(t *testing.T) {
	caps := Capabilities{MaxVoltage: 30, MaxCurrent: 3, Channels: 1}
	for _, et := range []EquipmentType{TypePowerSupply, TypeElectronicLoad, TypeOscilloscope, TypeFunctionGen} {
		drv, err := NewMockDriver(et, "mock://x/1", "MODEL", caps)
		if err != nil {
			t.Fatalf("NewMockDriver(%s): %v", et, err)
		}
		id, err := drv.Identify(context.Background())
		if err != nil {
			t.Fatalf("Identify(%s): %v", et, err)
		}
		if id.Type != et {
			t.Fatalf("expected identity type %s, got %s", et, id.Type)
		}
	}
}

func TestNewMockDriverRejectsUnsupportedType(t *testing.T) {
	_, err := NewMockDriver(TypeMultimeter, "mock://x/2", "MODEL", Capabilities{})
	if err == nil {
		t.Fatalf("expected error for unsupported equipment type")
	}
}

func TestDeriveIDStable(t *testing.T) {
	a := DeriveID(TypePowerSupply, "tcp://10.0.0.5:5025")
	b := DeriveID(TypePowerSupply, "TCP://10.0.0.5:5025")
	if a != b {
		t.Fatalf("expected case-insensitive stable derivation, got %s vs %s", a, b)
	}
	c := DeriveID(TypePowerSupply, "tcp://10.0.0.6:5025")
	if a == c {
		t.Fatalf("expected different resources to derive different IDs")
	}
}
