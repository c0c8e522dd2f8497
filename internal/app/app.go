// Package app is the composition root: it constructs every component,
// wires the one-way-dependency interfaces between them, and exposes the
// single set of operations the Request Gateway calls. No component outside
// this package knows about any other component directly.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/r3e-labs/instrument-gateway/internal/alarm"
	"github.com/r3e-labs/instrument-gateway/internal/clientsession"
	"github.com/r3e-labs/instrument-gateway/internal/gwerrors"
	"github.com/r3e-labs/instrument-gateway/internal/instrument"
	"github.com/r3e-labs/instrument-gateway/internal/lock"
	"github.com/r3e-labs/instrument-gateway/internal/scheduler"
	"github.com/r3e-labs/instrument-gateway/internal/session"
	"github.com/r3e-labs/instrument-gateway/internal/storage"
	"github.com/r3e-labs/instrument-gateway/internal/stream"
	"github.com/r3e-labs/instrument-gateway/pkg/config"
	"github.com/r3e-labs/instrument-gateway/pkg/logger"
)

// App ties every component together. Its exported methods are the entire
// surface the Request Gateway is allowed to call — the gateway never reaches
// into internal/lock, internal/session, etc. directly.
type App struct {
	cfg *config.Config
	log *logger.Logger

	Sessions  *session.Registry
	Locks     *lock.Arbiter
	Clients   *clientsession.Registry
	Streams   *stream.Multiplexer
	Alarms    *alarm.Engine
	Scheduler *scheduler.Scheduler
	Storage   *storage.Store

	mu        sync.Mutex
	identity  map[string]instrument.Identity
	connected map[string]instrument.Driver
	lockSubs  []chan<- LockEvent
}

// New constructs and wires a complete App. It does not start listening for
// requests; that's the gateway's job once it wraps this App.
func New(cfg *config.Config, log *logger.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.New()
	}
	if log == nil {
		log = logger.New(cfg.Logging)
	}

	store, err := storage.New(cfg.Storage.DataDir, log)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	a := &App{
		cfg:       cfg,
		log:       log,
		Sessions:  session.NewRegistry(),
		Clients:   clientsession.New(),
		Storage:   store,
		identity:  map[string]instrument.Identity{},
		connected: map[string]instrument.Driver{},
	}

	a.Locks = lock.New(lock.Config{}, lockNotifier{a}, log.WithComponent("lock"))
	a.Streams = stream.New(a.Sessions, stream.Config{}, log.WithComponent("stream"))
	a.Alarms = alarm.New(a.Sessions, alarm.Config{}, log.WithComponent("alarm"))
	a.Scheduler = scheduler.New(dispatcher{a}, scheduler.Config{}, log.WithComponent("scheduler"))

	a.Clients.OnEnd(func(sessionID string) {
		a.Locks.ReleaseAllFor(sessionID)
		a.Streams.UnsubscribeAllFor(sessionID)
	})

	a.restoreAlarms()
	a.restoreJobs()

	return a, nil
}

// Stop halts every background loop in dependency order.
func (a *App) Stop() {
	a.Scheduler.Stop()
	a.Alarms.Stop()
	a.Streams.Stop()
	a.Locks.Stop()
}

// LockEvent is the gateway-facing shape of one lock.Notifier callback,
// broadcast to every duplex connection subscribed via SubscribeLockEvents.
type LockEvent struct {
	EquipmentID string
	SessionID   string
	Mode        lock.Mode
	Reason      string
}

// lockNotifier adapts App to lock.Notifier without exposing the rest of
// App's surface to internal/lock. It both logs and fans the event out to
// any duplex connections currently subscribed.
type lockNotifier struct{ a *App }

func (n lockNotifier) NotifyLockEvent(equipmentID, sessionID string, mode lock.Mode, reason string) {
	n.a.log.WithField("equipment_id", equipmentID).WithField("session_id", sessionID).
		Infof("lock event: %s (%s)", reason, mode)
	n.a.broadcastLockEvent(LockEvent{EquipmentID: equipmentID, SessionID: sessionID, Mode: mode, Reason: reason})
}

// SubscribeLockEvents registers a channel to receive every future lock
// event, for the duplex surface's lock_event message type. The returned
// func unsubscribes; delivery is best-effort (a full channel drops the
// event rather than blocking the Lock Arbiter's reaper/demotion path).
func (a *App) SubscribeLockEvents(ch chan<- LockEvent) (unsubscribe func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lockSubs = append(a.lockSubs, ch)
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		for i, c := range a.lockSubs {
			if c == ch {
				a.lockSubs = append(a.lockSubs[:i], a.lockSubs[i+1:]...)
				break
			}
		}
	}
}

func (a *App) broadcastLockEvent(ev LockEvent) {
	a.mu.Lock()
	subs := append([]chan<- LockEvent(nil), a.lockSubs...)
	a.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// dispatcher adapts App to scheduler.Dispatcher: scheduled jobs execute
// exactly like an external command, except the synthetic system session ID
// is exempted from lock enforcement by Execute below rather than being
// routed through the Lock Arbiter's Acquire/Release — a real lock
// holder's exclusive control is never silently pre-empted by a scheduled
// job racing it for the same equipment.
type dispatcher struct{ a *App }

func (d dispatcher) Dispatch(ctx context.Context, equipmentID, operation string, params map[string]any, sessionID string) (any, error) {
	return d.a.Execute(ctx, equipmentID, operation, params, sessionID)
}

// Discover returns the resource strings the configured transport backend can
// see. The mock backend simulates a fixed catalogue; "real" backend
// discovery is an unimplemented extension point (cmd/gatewayd refuses to
// start with Backend: "real").
func (a *App) Discover() []string {
	return []string{
		"mock://power-supply/1",
		"mock://electronic-load/1",
		"mock://oscilloscope/1",
		"mock://function-generator/1",
	}
}

// Connect brings up a Session Worker for one instrument resource and
// registers it, returning its stable identity. caps seeds the driver's
// capability map (e.g. {max_voltage: 30, max_current: 3, channels: 1});
// a zero value lets the mock driver fall back to its own sane defaults.
func (a *App) Connect(ctx context.Context, resource string, equipmentType instrument.EquipmentType, model string, caps instrument.Capabilities) (instrument.Identity, error) {
	if !instrument.ValidEquipmentType(equipmentType) {
		return instrument.Identity{}, gwerrors.BadRequestf("unknown equipment type %q", equipmentType)
	}
	equipmentID := instrument.DeriveID(equipmentType, resource)

	a.mu.Lock()
	if id, ok := a.identity[equipmentID]; ok {
		a.mu.Unlock()
		return id, nil
	}
	a.mu.Unlock()

	driver, err := instrument.NewMockDriver(equipmentType, resource, model, caps)
	if err != nil {
		return instrument.Identity{}, err
	}
	worker, err := session.NewWorker(ctx, equipmentID, driver, session.Config{
		QueueSize:       256,
		DefaultDeadline: time.Duration(a.cfg.Timeouts.OperationMillis) * time.Millisecond,
		CoolDown:        time.Duration(a.cfg.Timeouts.DegradedCooldownMs) * time.Millisecond,
	}, a.log.WithComponent("session"))
	if err != nil {
		return instrument.Identity{}, err
	}

	id := worker.State().Identity
	a.Sessions.Register(equipmentID, worker)

	a.mu.Lock()
	a.identity[equipmentID] = id
	a.connected[equipmentID] = driver
	a.mu.Unlock()

	return id, nil
}

// Disconnect unregisters and closes equipmentID's worker and forgets its
// identity. Locks and stream subscriptions on the equipment are left as
// they are; they are released when their client session ends.
func (a *App) Disconnect(ctx context.Context, equipmentID string) error {
	worker, ok := a.Sessions.Unregister(equipmentID)
	if !ok {
		return gwerrors.NotFoundf("instrument", equipmentID)
	}
	a.mu.Lock()
	delete(a.identity, equipmentID)
	delete(a.connected, equipmentID)
	a.mu.Unlock()
	return worker.Close(ctx)
}

// List returns every connected equipment ID.
func (a *App) List() []string {
	return a.Sessions.List()
}

// Status returns a connected worker's externally-visible snapshot.
func (a *App) Status(equipmentID string) (session.Snapshot, error) {
	w, ok := a.Sessions.Get(equipmentID)
	if !ok {
		return session.Snapshot{}, gwerrors.NotFoundf("instrument", equipmentID)
	}
	return w.State(), nil
}

// Execute runs one command against equipmentID, enforcing the Lock Arbiter
// if lock enforcement is configured on and the operation is a control
// command (lock-checked read-only commands always pass through, per §4.3's
// command classification). The synthetic scheduler session ID is exempt
// from enforcement: it "has its own permissions" rather than acquiring a
// seat a real session might be holding.
func (a *App) Execute(ctx context.Context, equipmentID, operation string, params map[string]any, sessionID string) (any, error) {
	w, ok := a.Sessions.Get(equipmentID)
	if !ok {
		return nil, gwerrors.NotFoundf("instrument", equipmentID)
	}

	if a.cfg.Locks.Enforce && sessionID != scheduler.SystemSessionID && lock.IsControlCommand(operation) {
		if sessionID == "" || !a.Locks.CanControl(equipmentID, sessionID) {
			return nil, gwerrors.PermissionDeniedf("operation %q requires the exclusive lock on %s", operation, equipmentID)
		}
	}

	return w.Execute(ctx, operation, params, sessionID)
}

// SaveNamedState captures equipmentID's current driver state through its
// worker's request queue (so the capture never races a concurrent command)
// and persists it under stateID for later recall. "save" is a control
// command prefix (internal/lock.controlPrefixes), so it requires the same
// exclusive-lock permission as any other mutating operation.
func (a *App) SaveNamedState(ctx context.Context, equipmentID, stateID, sessionID string) error {
	w, ok := a.Sessions.Get(equipmentID)
	if !ok {
		return gwerrors.NotFoundf("instrument", equipmentID)
	}
	if stateID == "" {
		return gwerrors.BadRequestf("state_id is required")
	}
	if a.cfg.Locks.Enforce && (sessionID == "" || !a.Locks.CanControl(equipmentID, sessionID)) {
		return gwerrors.PermissionDeniedf("saving state requires the exclusive lock on %s", equipmentID)
	}
	data, err := w.SnapshotState(ctx)
	if err != nil {
		return err
	}
	return a.Storage.SaveState(storage.StateRecord{
		EquipmentID: equipmentID,
		StateID:     stateID,
		Data:        data,
	})
}

// RecallNamedState loads a previously saved state and restores it onto
// equipmentID's driver through the same serialized request path.
func (a *App) RecallNamedState(ctx context.Context, equipmentID, stateID, sessionID string) error {
	w, ok := a.Sessions.Get(equipmentID)
	if !ok {
		return gwerrors.NotFoundf("instrument", equipmentID)
	}
	if a.cfg.Locks.Enforce && (sessionID == "" || !a.Locks.CanControl(equipmentID, sessionID)) {
		return gwerrors.PermissionDeniedf("recalling state requires the exclusive lock on %s", equipmentID)
	}
	rec, ok := a.Storage.LoadState(equipmentID, stateID)
	if !ok {
		return gwerrors.NotFoundf("named state", stateID)
	}
	return w.RestoreState(ctx, rec.Data)
}

// ListNamedStates and DeleteNamedState are plain read/write-throughs to the
// persisted state layer.
func (a *App) ListNamedStates(equipmentID string) []storage.StateRecord {
	return a.Storage.ListStates(equipmentID)
}

func (a *App) DeleteNamedState(equipmentID, stateID string) error {
	return a.Storage.DeleteState(equipmentID, stateID)
}

func unmarshalOrWarn(raw json.RawMessage, into any, log *logger.Logger, kind, id string) error {
	if err := json.Unmarshal(raw, into); err != nil {
		log.WithError(err).Warnf("skipping malformed persisted %s %s", kind, id)
		return err
	}
	return nil
}

func (a *App) restoreAlarms() {
	for id, raw := range a.Storage.AlarmRecords() {
		var rec alarm.Alarm
		if err := unmarshalOrWarn(raw, &rec, a.log, "alarm", id); err != nil {
			continue
		}
		if _, err := a.Alarms.Restore(rec); err != nil {
			a.log.WithError(err).Warnf("skipping persisted alarm %s: failed validation on reload", id)
		}
	}
}

func (a *App) restoreJobs() {
	for id, raw := range a.Storage.JobRecords() {
		var rec scheduler.Job
		if err := unmarshalOrWarn(raw, &rec, a.log, "scheduled job", id); err != nil {
			continue
		}
		if _, err := a.Scheduler.Restore(rec); err != nil {
			a.log.WithError(err).Warnf("skipping persisted job %s: failed validation on reload", id)
		}
	}
}
