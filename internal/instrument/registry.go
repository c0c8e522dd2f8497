package instrument

import "github.com/r3e-labs/instrument-gateway/internal/gwerrors"

// NewMockDriver constructs the mock driver variant for equipmentType,
// seeded with caps and the resource string the equipment ID is derived
// from. It is the "mock" transport backend's connect path.
func NewMockDriver(equipmentType EquipmentType, resource, model string, caps Capabilities) (Driver, error) {
	switch equipmentType {
	case TypePowerSupply:
		return NewMockPowerSupply(resource, model, caps, 10), nil
	case TypeElectronicLoad:
		return NewMockElectronicLoad(resource, model, caps, 5), nil
	case TypeOscilloscope:
		return NewMockOscilloscope(resource, model, caps), nil
	case TypeFunctionGen:
		return NewMockFunctionGenerator(resource, model, caps), nil
	default:
		return nil, gwerrors.BadRequestf("no mock driver available for equipment type %q", equipmentType)
	}
}
