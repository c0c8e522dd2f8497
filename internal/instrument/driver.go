package instrument

import (
	"context"

	"github.com/r3e-labs/instrument-gateway/internal/gwerrors"
)

// Driver is the capability set every instrument variant implements. Drivers
// hold no concurrency state and are not safe for concurrent entry — the
// owning Session Worker is the only caller and serialises all access.
type Driver interface {
	// Identify returns vendor/model/serial/firmware, typically by issuing a
	// wire query; it is also the probe used to clear a degraded worker.
	Identify(ctx context.Context) (Identity, error)

	// Capabilities returns the machine-readable bounds honoured by Execute.
	Capabilities() Capabilities

	// Execute dispatches one named operation with its parameter map.
	// Unknown operations fail with gwerrors.BadRequest at this boundary,
	// never deep inside a specific driver's wire handling.
	Execute(ctx context.Context, operation string, params map[string]any) (any, error)

	// SnapshotState captures enough state to later Restore it (e.g. for
	// named state save/recall). Not every driver kind implements a
	// meaningful snapshot; such drivers return an empty map.
	SnapshotState(ctx context.Context) (map[string]any, error)

	// RestoreState re-applies a previously captured snapshot.
	RestoreState(ctx context.Context, state map[string]any) error
}

// Params wraps a raw operation parameter map with typed, validating
// accessors. It replaces *args/**kwargs dispatch with explicit extraction
// calls that fail closed with gwerrors.BadRequest.
type Params map[string]any

// Float extracts a required numeric parameter.
func (p Params) Float(key string) (float64, error) {
	raw, ok := p[key]
	if !ok {
		return 0, gwerrors.BadRequestf("missing parameter %q", key)
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	default:
		return 0, gwerrors.BadRequestf("parameter %q must be numeric", key)
	}
}

// FloatOrDefault extracts an optional numeric parameter.
func (p Params) FloatOrDefault(key string, def float64) (float64, error) {
	if _, ok := p[key]; !ok {
		return def, nil
	}
	return p.Float(key)
}

// Int extracts a required integer parameter (channel numbers, counts).
func (p Params) Int(key string) (int, error) {
	f, err := p.Float(key)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// IntOrDefault extracts an optional integer parameter.
func (p Params) IntOrDefault(key string, def int) (int, error) {
	if _, ok := p[key]; !ok {
		return def, nil
	}
	return p.Int(key)
}

// Bool extracts a required boolean parameter.
func (p Params) Bool(key string) (bool, error) {
	raw, ok := p[key]
	if !ok {
		return false, gwerrors.BadRequestf("missing parameter %q", key)
	}
	b, ok := raw.(bool)
	if !ok {
		return false, gwerrors.BadRequestf("parameter %q must be a boolean", key)
	}
	return b, nil
}

// String extracts a required string parameter.
func (p Params) String(key string) (string, error) {
	raw, ok := p[key]
	if !ok {
		return "", gwerrors.BadRequestf("missing parameter %q", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", gwerrors.BadRequestf("parameter %q must be a string", key)
	}
	return s, nil
}

// StringOrDefault extracts an optional string parameter.
func (p Params) StringOrDefault(key, def string) (string, error) {
	if _, ok := p[key]; !ok {
		return def, nil
	}
	return p.String(key)
}

// RequireRange validates a numeric input against a capability-map bound
// before any wire write. Callers pass 0 for max to mean "no bound set".
func RequireRange(field string, value, max float64) error {
	if max > 0 && (value < 0 || value > max) {
		return gwerrors.BadRequestf("%s %v exceeds capability bound %v", field, value, max)
	}
	return nil
}
