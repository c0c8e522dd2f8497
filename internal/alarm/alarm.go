// Package alarm implements the Alarm Engine: periodic predicate evaluation
// against a worker's cached telemetry, debounced event creation, and
// best-effort notification dispatch.
package alarm

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/google/uuid"

	"github.com/r3e-labs/instrument-gateway/internal/gwerrors"
	"github.com/r3e-labs/instrument-gateway/pkg/logger"
	"github.com/r3e-labs/instrument-gateway/pkg/metrics"
)

// PredicateKind is one of the four predicate shapes from §4.6's table.
type PredicateKind string

const (
	ThresholdHigh PredicateKind = "threshold_high"
	ThresholdLow  PredicateKind = "threshold_low"
	InRange       PredicateKind = "in_range"
	OutOfRange    PredicateKind = "out_of_range"
)

func validKind(k PredicateKind) bool {
	switch k {
	case ThresholdHigh, ThresholdLow, InRange, OutOfRange:
		return true
	default:
		return false
	}
}

// EventState is one of the four alarm event lifecycle states.
type EventState string

const (
	StatePending      EventState = "pending"
	StateActive       EventState = "active"
	StateAcknowledged EventState = "acknowledged"
	StateCleared      EventState = "cleared"
)

// canonicalParams are the telemetry fields every Session Worker is
// guaranteed to cache, resolved case-insensitively. Anything else is
// resolved as a JSONPath expression against the worker's free-form
// telemetry/auxiliary map instead — the Open Question (b) decision.
var canonicalParams = map[string]string{
	"voltage":     "voltage",
	"volt":        "voltage",
	"volts":       "voltage",
	"current":     "current",
	"amp":         "current",
	"amps":        "current",
	"amperage":    "current",
	"power":       "power",
	"watt":        "power",
	"watts":       "power",
	"temperature": "temperature",
	"temp":        "temperature",
}

// resolvedParameter is computed once at alarm creation/update time so that
// evaluation never has to re-validate or re-classify the parameter name.
type resolvedParameter struct {
	raw       string
	canonical string // non-empty when this is a canonical field, checked first
	path      string // non-empty JSONPath expression, used when canonical == ""
}

// resolveParameter implements Open Question (b): canonical names are
// preserved and resolved case-insensitively; anything else must be a
// JSONPath expression (leading "$."), checked here only for that prefix since
// the telemetry document it will run against doesn't exist yet. Parameters
// that are neither are rejected now rather than at evaluation time.
func resolveParameter(raw string) (resolvedParameter, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return resolvedParameter{}, gwerrors.BadRequestf("alarm parameter name is required")
	}
	if canonical, ok := canonicalParams[strings.ToLower(trimmed)]; ok {
		return resolvedParameter{raw: raw, canonical: canonical}, nil
	}
	if !strings.HasPrefix(trimmed, "$.") || len(trimmed) < 3 {
		return resolvedParameter{}, gwerrors.BadRequestf(
			"unknown alarm parameter %q: expected one of voltage/current/power/temperature or a JSONPath expression starting with \"$.\"", raw)
	}
	// Full syntax validation happens lazily: jsonpath.Get needs a document
	// to walk, which doesn't exist until the first evaluation tick. An
	// expression that fails to parse there resolves no value and is
	// reported through the "unresolved" evaluation-status metric rather
	// than rejected up front.
	return resolvedParameter{raw: raw, path: trimmed}, nil
}

// resolveValue extracts the parameter's current numeric value from a
// worker's cached telemetry map.
func (r resolvedParameter) resolveValue(telemetry map[string]any) (float64, bool) {
	if r.canonical != "" {
		return asFloat(telemetry[r.canonical])
	}
	v, err := jsonpath.Get(r.path, telemetry)
	if err != nil {
		return 0, false
	}
	return asFloat(v)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Alarm is an alarm definition per the Data Model.
type Alarm struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	EquipmentID string        `json:"equipment_id"`
	Parameter   string        `json:"parameter"`
	Kind        PredicateKind `json:"kind"`
	Hi          *float64      `json:"hi,omitempty"`
	Lo          *float64      `json:"lo,omitempty"`
	Deadband    float64       `json:"deadband,omitempty"`
	DelayS      int           `json:"delay_seconds,omitempty"`
	Severity    string        `json:"severity,omitempty"`
	Enabled     bool          `json:"enabled"`
	AutoClear   bool          `json:"auto_clear"`
	Channels    []string      `json:"channels,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`

	resolved resolvedParameter
}

// AckRecord records who acknowledged an event, and when.
type AckRecord struct {
	Actor string    `json:"actor"`
	Note  string    `json:"note,omitempty"`
	At    time.Time `json:"at"`
}

// Event is an alarm event per the Data Model.
type Event struct {
	ID          string     `json:"id"`
	AlarmID     string     `json:"alarm_id"`
	EquipmentID string     `json:"equipment_id"`
	Value       float64    `json:"value"`
	TriggeredAt time.Time  `json:"triggered_at"` // stamped at the pending->active transition, not first-rising
	State       EventState `json:"state"`
	Ack         *AckRecord `json:"ack,omitempty"`
	ClearedAt   time.Time  `json:"cleared_at,omitempty"`
	LastValue   float64    `json:"last_value"`
	LastSeenAt  time.Time  `json:"last_seen_at"`
}

// Channel is an external notification collaborator. Delivery is best-effort:
// a failing or slow channel is logged and never blocks evaluation of other
// alarms or channels.
type Channel interface {
	Notify(ctx context.Context, ev Event, a Alarm, transition string) error
}

// TelemetrySource exposes cached (never freshly sampled) telemetry for
// connected equipment. internal/session.Registry satisfies this
// structurally, matching the one-way-dependency pattern used by
// internal/lock.Notifier and internal/stream.WorkerLookup.
type TelemetrySource interface {
	Telemetry(equipmentID string) (map[string]any, bool)
}

// Config controls the evaluation tick interval and per-channel dispatch
// deadline.
type Config struct {
	SampleInterval time.Duration // default 1s, per §4.6's "fixed interval (default 1s)"
	NotifyTimeout  time.Duration // default 5s
}

func (c Config) withDefaults() Config {
	if c.SampleInterval <= 0 {
		c.SampleInterval = time.Second
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 5 * time.Second
	}
	return c
}

// EventFilter narrows list_events results. Zero-value fields are wildcards.
type EventFilter struct {
	AlarmID     string
	EquipmentID string
	State       EventState
}

// Statistics summarizes the engine's current state for statistics().
type Statistics struct {
	TotalAlarms        int `json:"total_alarms"`
	EnabledAlarms      int `json:"enabled_alarms"`
	PendingEvents      int `json:"pending_events"`
	ActiveEvents       int `json:"active_events"`
	AcknowledgedEvents int `json:"acknowledged_events"`
	ClearedEvents      int `json:"cleared_events"`
}

// Engine is the Alarm Engine.
type Engine struct {
	cfg       Config
	telemetry TelemetrySource
	log       *logger.Logger

	mu      sync.Mutex
	alarms  map[string]*Alarm
	events  map[string]*Event
	current map[string]string // alarmID -> current (non-cleared) event ID

	chMu     sync.Mutex
	channels map[string]Channel

	stop chan struct{}
	done chan struct{}
}

// New constructs an Engine and starts its evaluation loop.
func New(telemetry TelemetrySource, cfg Config, log *logger.Logger) *Engine {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.NewDefault("alarm")
	}
	e := &Engine{
		cfg: cfg, telemetry: telemetry, log: log,
		alarms: map[string]*Alarm{}, events: map[string]*Event{}, current: map[string]string{},
		channels: map[string]Channel{},
		stop:     make(chan struct{}), done: make(chan struct{}),
	}
	go e.loop()
	return e
}

// Stop halts the evaluation loop.
func (e *Engine) Stop() {
	close(e.stop)
	<-e.done
}

// RegisterChannel binds a notification channel implementation to an
// identifier alarms can reference in their Channels list.
func (e *Engine) RegisterChannel(id string, ch Channel) {
	e.chMu.Lock()
	defer e.chMu.Unlock()
	e.channels[id] = ch
}

// Create validates and stores a new alarm definition.
func (e *Engine) Create(a Alarm) (Alarm, error) {
	if a.Name == "" {
		return Alarm{}, gwerrors.BadRequestf("alarm name is required")
	}
	if a.EquipmentID == "" {
		return Alarm{}, gwerrors.BadRequestf("alarm must be scoped to an equipment_id")
	}
	if !validKind(a.Kind) {
		return Alarm{}, gwerrors.BadRequestf("unknown predicate kind %q", a.Kind)
	}
	if err := validateLimits(a.Kind, a.Hi, a.Lo); err != nil {
		return Alarm{}, err
	}
	resolved, err := resolveParameter(a.Parameter)
	if err != nil {
		return Alarm{}, err
	}
	if a.DelayS < 0 {
		return Alarm{}, gwerrors.BadRequestf("delay_seconds must not be negative")
	}

	a.ID = uuid.NewString()
	a.CreatedAt = time.Now()
	a.resolved = resolved

	e.mu.Lock()
	e.alarms[a.ID] = &a
	e.mu.Unlock()
	return a, nil
}

// Restore re-registers a previously persisted alarm definition, preserving
// its existing ID and CreatedAt instead of minting new ones, for startup
// reload from internal/storage. It runs the same validation as Create so a
// persisted record that no longer validates (e.g. an unresolvable
// parameter) is rejected rather than silently reactivated.
func (e *Engine) Restore(a Alarm) (Alarm, error) {
	if a.ID == "" {
		return Alarm{}, gwerrors.BadRequestf("restored alarm must have an id")
	}
	if a.Name == "" {
		return Alarm{}, gwerrors.BadRequestf("alarm name is required")
	}
	if a.EquipmentID == "" {
		return Alarm{}, gwerrors.BadRequestf("alarm must be scoped to an equipment_id")
	}
	if !validKind(a.Kind) {
		return Alarm{}, gwerrors.BadRequestf("unknown predicate kind %q", a.Kind)
	}
	if err := validateLimits(a.Kind, a.Hi, a.Lo); err != nil {
		return Alarm{}, err
	}
	resolved, err := resolveParameter(a.Parameter)
	if err != nil {
		return Alarm{}, err
	}
	if a.DelayS < 0 {
		return Alarm{}, gwerrors.BadRequestf("delay_seconds must not be negative")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	a.resolved = resolved

	e.mu.Lock()
	e.alarms[a.ID] = &a
	e.mu.Unlock()
	return a, nil
}

func validateLimits(kind PredicateKind, hi, lo *float64) error {
	switch kind {
	case ThresholdHigh:
		if hi == nil {
			return gwerrors.BadRequestf("threshold_high requires hi")
		}
	case ThresholdLow:
		if lo == nil {
			return gwerrors.BadRequestf("threshold_low requires lo")
		}
	case InRange, OutOfRange:
		if hi == nil || lo == nil {
			return gwerrors.BadRequestf("%s requires both hi and lo", kind)
		}
		if *lo > *hi {
			return gwerrors.BadRequestf("lo must not exceed hi")
		}
	}
	return nil
}

// Update replaces a mutable subset of an existing alarm's fields (the
// predicate, its limits, debounce, severity, channels, auto-clear), fully
// re-validating the result the same way Create does.
func (e *Engine) Update(id string, a Alarm) (Alarm, error) {
	e.mu.Lock()
	existing, ok := e.alarms[id]
	e.mu.Unlock()
	if !ok {
		return Alarm{}, gwerrors.NotFoundf("alarm", id)
	}

	updated := *existing
	updated.Name = a.Name
	updated.Parameter = a.Parameter
	updated.Kind = a.Kind
	updated.Hi = a.Hi
	updated.Lo = a.Lo
	updated.Deadband = a.Deadband
	updated.DelayS = a.DelayS
	updated.Severity = a.Severity
	updated.AutoClear = a.AutoClear
	updated.Channels = a.Channels

	if !validKind(updated.Kind) {
		return Alarm{}, gwerrors.BadRequestf("unknown predicate kind %q", updated.Kind)
	}
	if err := validateLimits(updated.Kind, updated.Hi, updated.Lo); err != nil {
		return Alarm{}, err
	}
	resolved, err := resolveParameter(updated.Parameter)
	if err != nil {
		return Alarm{}, err
	}
	updated.resolved = resolved

	e.mu.Lock()
	e.alarms[id] = &updated
	e.mu.Unlock()
	return updated, nil
}

// Enable flips an alarm's enabled flag on.
func (e *Engine) Enable(id string) error { return e.setEnabled(id, true) }

// Disable flips an alarm's enabled flag off.
func (e *Engine) Disable(id string) error { return e.setEnabled(id, false) }

func (e *Engine) setEnabled(id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.alarms[id]
	if !ok {
		return gwerrors.NotFoundf("alarm", id)
	}
	a.Enabled = enabled
	return nil
}

// Delete removes an alarm definition. Its historical events are left intact
// for list_events, only the current (uncleared) event mapping is dropped.
func (e *Engine) Delete(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.alarms[id]; !ok {
		return gwerrors.NotFoundf("alarm", id)
	}
	delete(e.alarms, id)
	delete(e.current, id)
	return nil
}

// Acknowledge moves an active event to acknowledged, recording actor/note.
func (e *Engine) Acknowledge(eventID, actor, note string) (Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev, ok := e.events[eventID]
	if !ok {
		return Event{}, gwerrors.NotFoundf("alarm event", eventID)
	}
	if ev.State != StateActive {
		return Event{}, gwerrors.BadRequestf("event %s is %s, only an active event can be acknowledged", eventID, ev.State)
	}
	ev.State = StateAcknowledged
	ev.Ack = &AckRecord{Actor: actor, Note: note, At: time.Now()}
	return *ev, nil
}

// Clear manually clears an alarm's current event regardless of its
// auto-clear setting.
func (e *Engine) Clear(alarmID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	eventID, ok := e.current[alarmID]
	if !ok {
		return gwerrors.NotFoundf("active alarm event for", alarmID)
	}
	ev := e.events[eventID]
	ev.State = StateCleared
	ev.ClearedAt = time.Now()
	delete(e.current, alarmID)
	return nil
}

// ListAlarms returns every alarm definition.
func (e *Engine) ListAlarms() []Alarm {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Alarm, 0, len(e.alarms))
	for _, a := range e.alarms {
		out = append(out, *a)
	}
	return out
}

// ListEvents returns every event matching filter.
func (e *Engine) ListEvents(filter EventFilter) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, 0)
	for _, ev := range e.events {
		if filter.AlarmID != "" && ev.AlarmID != filter.AlarmID {
			continue
		}
		if filter.EquipmentID != "" && ev.EquipmentID != filter.EquipmentID {
			continue
		}
		if filter.State != "" && ev.State != filter.State {
			continue
		}
		out = append(out, *ev)
	}
	return out
}

// Statistics reports current counts across alarms and events.
func (e *Engine) Statistics() Statistics {
	e.mu.Lock()
	defer e.mu.Unlock()
	stats := Statistics{TotalAlarms: len(e.alarms)}
	for _, a := range e.alarms {
		if a.Enabled {
			stats.EnabledAlarms++
		}
	}
	for _, ev := range e.events {
		switch ev.State {
		case StatePending:
			stats.PendingEvents++
		case StateActive:
			stats.ActiveEvents++
		case StateAcknowledged:
			stats.AcknowledgedEvents++
		case StateCleared:
			stats.ClearedEvents++
		}
	}
	return stats
}

func (e *Engine) loop() {
	defer close(e.done)
	ticker := time.NewTicker(e.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.evaluateAll()
		}
	}
}

func (e *Engine) evaluateAll() {
	e.mu.Lock()
	snapshot := make([]*Alarm, 0, len(e.alarms))
	for _, a := range e.alarms {
		if a.Enabled {
			snapshot = append(snapshot, a)
		}
	}
	e.mu.Unlock()

	activeByEquipment := map[string]int{}
	for _, a := range snapshot {
		e.evaluateOne(a)
	}
	e.mu.Lock()
	for _, ev := range e.events {
		if ev.State == StateActive {
			activeByEquipment[ev.EquipmentID]++
		}
	}
	e.mu.Unlock()
	for equipmentID, count := range activeByEquipment {
		metrics.SetAlarmActive(equipmentID, count)
	}
}

// transition is a deferred notification to dispatch once the state-machine
// lock has been released, so a slow or failing channel never holds up
// evaluation of the rest of the alarm set.
type transition struct {
	event Event
	alarm Alarm
	kind  string
}

// evaluateOne implements §4.6's sampling, predicate, debounce, and
// deduplication rules for a single alarm, sampling only the worker's cached
// telemetry (never a fresh wire operation).
func (e *Engine) evaluateOne(a *Alarm) {
	telemetry, connected := e.telemetry.Telemetry(a.EquipmentID)
	if !connected {
		metrics.RecordAlarmEvaluation(a.EquipmentID, "unavailable")
		return
	}
	value, ok := a.resolved.resolveValue(telemetry)
	if !ok {
		metrics.RecordAlarmEvaluation(a.EquipmentID, "unresolved")
		return
	}
	metrics.RecordAlarmEvaluation(a.EquipmentID, "ok")

	raised := predicateRaised(a.Kind, value, a.Hi, a.Lo)
	now := time.Now()

	var pending []transition

	e.mu.Lock()
	curID, hasCur := e.current[a.ID]
	if !hasCur {
		if raised {
			ev := &Event{
				ID: uuid.NewString(), AlarmID: a.ID, EquipmentID: a.EquipmentID,
				Value: value, TriggeredAt: now, State: StatePending,
				LastValue: value, LastSeenAt: now,
			}
			e.events[ev.ID] = ev
			e.current[a.ID] = ev.ID
			if a.DelayS <= 0 {
				ev.State = StateActive
				ev.TriggeredAt = now
				metrics.RecordAlarmEvent(a.EquipmentID, a.Severity)
				pending = append(pending, transition{event: *ev, alarm: *a, kind: "activated"})
			}
		}
	} else {
		ev := e.events[curID]
		ev.LastValue = value
		ev.LastSeenAt = now

		switch ev.State {
		case StatePending:
			if !raised {
				// Falling condition before the debounce window elapsed
				// cancels the pending event without ever emitting it.
				delete(e.events, curID)
				delete(e.current, a.ID)
			} else if now.Sub(ev.TriggeredAt) >= time.Duration(a.DelayS)*time.Second {
				ev.State = StateActive
				ev.TriggeredAt = now
				metrics.RecordAlarmEvent(a.EquipmentID, a.Severity)
				pending = append(pending, transition{event: *ev, alarm: *a, kind: "activated"})
			}
		case StateActive, StateAcknowledged:
			if a.AutoClear && predicateCleared(a.Kind, value, a.Hi, a.Lo, a.Deadband) {
				ev.State = StateCleared
				ev.ClearedAt = now
				delete(e.current, a.ID)
				pending = append(pending, transition{event: *ev, alarm: *a, kind: "cleared"})
			}
			// Otherwise deduplicate: the existing event's last-value/
			// last-seen were already updated above and no new event is
			// created.
		}
	}
	e.mu.Unlock()

	for _, t := range pending {
		e.notify(t.event, t.alarm, t.kind)
	}
}

// notify dispatches to every channel configured on the alarm, best-effort:
// a missing registration or a failing/slow channel is logged and never
// blocks or aborts evaluation of the rest of the alarm set.
func (e *Engine) notify(ev Event, a Alarm, transitionKind string) {
	for _, channelID := range a.Channels {
		e.chMu.Lock()
		ch, ok := e.channels[channelID]
		e.chMu.Unlock()
		if !ok {
			e.log.WithField("channel", channelID).Warnf("alarm %s: unknown notification channel", a.ID)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.NotifyTimeout)
		err := ch.Notify(ctx, ev, a, transitionKind)
		cancel()
		if err != nil {
			e.log.WithError(err).WithField("channel", channelID).Warnf("alarm %s: notification delivery failed", a.ID)
		}
	}
}

func predicateRaised(kind PredicateKind, v float64, hi, lo *float64) bool {
	switch kind {
	case ThresholdHigh:
		return hi != nil && v > *hi
	case ThresholdLow:
		return lo != nil && v < *lo
	case InRange:
		return hi != nil && lo != nil && v >= *lo && v <= *hi
	case OutOfRange:
		return hi != nil && lo != nil && (v < *lo || v > *hi)
	default:
		return false
	}
}

func predicateCleared(kind PredicateKind, v float64, hi, lo *float64, d float64) bool {
	switch kind {
	case ThresholdHigh:
		return hi != nil && v < *hi-d
	case ThresholdLow:
		return lo != nil && v > *lo+d
	case InRange:
		return hi != nil && lo != nil && (v < *lo-d || v > *hi+d)
	case OutOfRange:
		return hi != nil && lo != nil && v >= *lo+d && v <= *hi-d
	default:
		return false
	}
}
