// Package lock implements the Lock Arbiter: the single source of truth for
// which client session may control or observe each piece of equipment.
package lock

import (
	"strings"
	"sync"
	"time"

	"github.com/r3e-labs/instrument-gateway/internal/gwerrors"
	"github.com/r3e-labs/instrument-gateway/pkg/logger"
	"github.com/r3e-labs/instrument-gateway/pkg/metrics"
)

// Mode is the lock mode a session may hold or request.
type Mode string

const (
	ModeExclusive Mode = "exclusive"
	ModeObserver  Mode = "observer"
)

// Outcome is the result tag of an acquire/release call.
type Outcome string

const (
	OutcomeRefreshed Outcome = "refreshed"
	OutcomeObserver  Outcome = "observer"
	OutcomeLocked    Outcome = "locked"
	OutcomeQueued    Outcome = "queued"
	OutcomeConflict  Outcome = "conflict"
	OutcomeReleased  Outcome = "released"
	OutcomeNotHeld   Outcome = "not_held"
)

// Record is a held lock: one per equipment/session pair currently holding
// either the exclusive lock or a seat in the observer set.
type Record struct {
	EquipmentID  string    `json:"equipment_id"`
	SessionID    string    `json:"session_id"`
	Mode         Mode      `json:"mode"`
	AcquiredAt   time.Time `json:"acquired_at"`
	LastActivity time.Time `json:"last_activity"`
	TimeoutS     int       `json:"timeout_s"`
}

// QueueEntry is a waiter for the exclusive lock on an equipment, position
// recomputed densely from 0 on every mutation of the queue.
type QueueEntry struct {
	EquipmentID string    `json:"equipment_id"`
	SessionID   string    `json:"session_id"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	Position    int       `json:"position"`
}

// AcquireResult is the outcome of an Acquire call.
type AcquireResult struct {
	Outcome         Outcome `json:"outcome"`
	Position        int     `json:"position,omitempty"`
	HolderSessionID string  `json:"holder_session_id,omitempty"`
}

// ExpiredEvent records one lock expiring out from under its holder, emitted
// by the background reaper.
type ExpiredEvent struct {
	EquipmentID string    `json:"equipment_id"`
	SessionID   string    `json:"session_id"`
	Mode        Mode      `json:"mode"`
	ExpiredAt   time.Time `json:"expired_at"`
}

// Notifier receives best-effort lock-event notifications: demotions (Open
// Question (a), resolved as notify-not-queue) and reaper expirations. The
// arbiter never blocks on a Notifier call.
type Notifier interface {
	NotifyLockEvent(equipmentID, sessionID string, mode Mode, reason string)
}

type noopNotifier struct{}

func (noopNotifier) NotifyLockEvent(string, string, Mode, string) {}

// controlPrefixes classifies an operation name as a control command per
// spec.md §4.3's command classification table.
var controlPrefixes = []string{"set_", "reset", "clear", "save", "recall", "calibrate", "autoscale", "trigger_"}

// IsControlCommand reports whether operation requires can_control rather
// than can_observe.
func IsControlCommand(operation string) bool {
	for _, prefix := range controlPrefixes {
		if strings.HasPrefix(operation, prefix) {
			return true
		}
	}
	return false
}

// Config controls the Lock Arbiter's background reaper and defaults.
type Config struct {
	ReaperInterval  time.Duration // default 10s
	DefaultTimeoutS int           // timeout applied to a queue-promoted acquire, default 300
	EventCapacity   int           // bounded expired-event ring buffer size, default 100
}

func (c Config) withDefaults() Config {
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = 10 * time.Second
	}
	if c.DefaultTimeoutS <= 0 {
		c.DefaultTimeoutS = 300
	}
	if c.EventCapacity <= 0 {
		c.EventCapacity = 100
	}
	return c
}

type equipmentState struct {
	mu        sync.Mutex
	exclusive *Record
	observers map[string]*Record
	queue     []*QueueEntry
}

func newEquipmentState() *equipmentState {
	return &equipmentState{observers: map[string]*Record{}}
}

// Arbiter is the Lock Arbiter. It owns one equipmentState per equipment,
// guarded by its own mutex, so contention on one instrument never blocks
// operations against another.
type Arbiter struct {
	cfg Config
	log *logger.Logger

	mu        sync.Mutex
	equipment map[string]*equipmentState
	notifier  Notifier
	events    *eventRing

	stop chan struct{}
	done chan struct{}
}

// New constructs an Arbiter and starts its background reaper. Pass a nil
// Notifier to run without lock-event delivery (e.g. in unit tests).
func New(cfg Config, notifier Notifier, log *logger.Logger) *Arbiter {
	cfg = cfg.withDefaults()
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if log == nil {
		log = logger.NewDefault("lock")
	}
	a := &Arbiter{
		cfg:       cfg,
		log:       log,
		equipment: map[string]*equipmentState{},
		notifier:  notifier,
		events:    newEventRing(cfg.EventCapacity),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go a.reapLoop()
	return a
}

// Stop halts the background reaper.
func (a *Arbiter) Stop() {
	close(a.stop)
	<-a.done
}

// Events returns a snapshot of the bounded expired-lock event ring buffer.
func (a *Arbiter) Events() []ExpiredEvent {
	return a.events.snapshot()
}

func (a *Arbiter) state(equipmentID string) *equipmentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.equipment[equipmentID]
	if !ok {
		st = newEquipmentState()
		a.equipment[equipmentID] = st
	}
	return st
}

func (a *Arbiter) lookupState(equipmentID string) (*equipmentState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.equipment[equipmentID]
	return st, ok
}

// Acquire implements §4.3's acquire contract.
func (a *Arbiter) Acquire(equipmentID, sessionID string, mode Mode, timeoutS int, queueIfBusy bool) (AcquireResult, error) {
	st := a.state(equipmentID)
	st.mu.Lock()
	defer st.mu.Unlock()
	now := time.Now()

	if st.exclusive != nil && st.exclusive.SessionID == sessionID {
		st.exclusive.LastActivity = now
		st.exclusive.TimeoutS = timeoutS
		metrics.RecordLockAcquire(equipmentID, string(mode), string(OutcomeRefreshed))
		return AcquireResult{Outcome: OutcomeRefreshed}, nil
	}
	if rec, ok := st.observers[sessionID]; ok {
		rec.LastActivity = now
		rec.TimeoutS = timeoutS
		metrics.RecordLockAcquire(equipmentID, string(mode), string(OutcomeRefreshed))
		return AcquireResult{Outcome: OutcomeRefreshed}, nil
	}

	switch mode {
	case ModeObserver:
		if st.exclusive != nil {
			metrics.RecordLockAcquire(equipmentID, string(mode), string(OutcomeConflict))
			return AcquireResult{Outcome: OutcomeConflict, HolderSessionID: st.exclusive.SessionID},
				gwerrors.ConflictHeld("equipment is held exclusively", st.exclusive.SessionID, len(st.queue))
		}
		st.observers[sessionID] = &Record{
			EquipmentID: equipmentID, SessionID: sessionID, Mode: ModeObserver,
			AcquiredAt: now, LastActivity: now, TimeoutS: timeoutS,
		}
		metrics.SetLockHeld(equipmentID, string(ModeObserver), true)
		metrics.RecordLockAcquire(equipmentID, string(mode), string(OutcomeObserver))
		return AcquireResult{Outcome: OutcomeObserver}, nil

	case ModeExclusive:
		if st.exclusive == nil {
			a.demoteObserversLocked(st, equipmentID, "exclusive_acquired")
			st.exclusive = &Record{
				EquipmentID: equipmentID, SessionID: sessionID, Mode: ModeExclusive,
				AcquiredAt: now, LastActivity: now, TimeoutS: timeoutS,
			}
			metrics.SetLockHeld(equipmentID, string(ModeExclusive), true)
			metrics.RecordLockAcquire(equipmentID, string(mode), string(OutcomeLocked))
			return AcquireResult{Outcome: OutcomeLocked}, nil
		}
		if !queueIfBusy {
			metrics.RecordLockAcquire(equipmentID, string(mode), string(OutcomeConflict))
			return AcquireResult{Outcome: OutcomeConflict, HolderSessionID: st.exclusive.SessionID},
				gwerrors.ConflictHeld("equipment is held exclusively", st.exclusive.SessionID, len(st.queue))
		}
		position := a.enqueueLocked(st, equipmentID, sessionID)
		metrics.RecordLockAcquire(equipmentID, string(mode), string(OutcomeQueued))
		metrics.SetLockWaiters(equipmentID, len(st.queue))
		return AcquireResult{Outcome: OutcomeQueued, Position: position}, nil
	}

	return AcquireResult{}, gwerrors.BadRequestf("unknown lock mode %q", mode)
}

// Release implements §4.3's release contract, promoting the queue head (if
// any) to exclusive ownership on a successful exclusive release.
func (a *Arbiter) Release(equipmentID, sessionID string, force bool) (Outcome, error) {
	st, ok := a.lookupState(equipmentID)
	if !ok {
		return OutcomeNotHeld, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.exclusive != nil {
		if st.exclusive.SessionID != sessionID && !force {
			return "", gwerrors.PermissionDeniedf(
				"session %s does not hold the exclusive lock on %s", sessionID, equipmentID,
			).WithDetails("holder", st.exclusive.SessionID)
		}
		a.releaseExclusiveLocked(st, equipmentID)
		return OutcomeReleased, nil
	}
	if _, ok := st.observers[sessionID]; ok {
		delete(st.observers, sessionID)
		if len(st.observers) == 0 {
			metrics.SetLockHeld(equipmentID, string(ModeObserver), false)
		}
		return OutcomeReleased, nil
	}
	return OutcomeNotHeld, nil
}

// Touch refreshes a session's last-activity timestamp and reports whether it
// currently owns the exclusive lock.
func (a *Arbiter) Touch(equipmentID, sessionID string) bool {
	st, ok := a.lookupState(equipmentID)
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	now := time.Now()
	if st.exclusive != nil && st.exclusive.SessionID == sessionID {
		st.exclusive.LastActivity = now
		return true
	}
	if rec, ok := st.observers[sessionID]; ok {
		rec.LastActivity = now
	}
	return false
}

// CanControl reports whether sessionID holds the exclusive lock on equipmentID.
func (a *Arbiter) CanControl(equipmentID, sessionID string) bool {
	st, ok := a.lookupState(equipmentID)
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.exclusive != nil && st.exclusive.SessionID == sessionID
}

// CanObserve reports whether sessionID may observe equipmentID: it holds the
// exclusive lock, or sits in the observer set.
func (a *Arbiter) CanObserve(equipmentID, sessionID string) bool {
	st, ok := a.lookupState(equipmentID)
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.exclusive != nil && st.exclusive.SessionID == sessionID {
		return true
	}
	_, ok = st.observers[sessionID]
	return ok
}

// Status is a snapshot of one equipment's lock state for the gateway's
// status/queue read operations.
type Status struct {
	EquipmentID string       `json:"equipment_id"`
	Exclusive   *Record      `json:"exclusive,omitempty"`
	Observers   []Record     `json:"observers,omitempty"`
	Queue       []QueueEntry `json:"queue,omitempty"`
}

// Status returns a snapshot of equipmentID's current lock state.
func (a *Arbiter) Status(equipmentID string) Status {
	st, ok := a.lookupState(equipmentID)
	if !ok {
		return Status{EquipmentID: equipmentID}
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	out := Status{EquipmentID: equipmentID}
	if st.exclusive != nil {
		rec := *st.exclusive
		out.Exclusive = &rec
	}
	for _, rec := range st.observers {
		out.Observers = append(out.Observers, *rec)
	}
	for _, e := range st.queue {
		out.Queue = append(out.Queue, *e)
	}
	return out
}

// ReleaseAllFor releases every lock and queue entry owned by sessionID
// across all equipment, used when a client session ends.
func (a *Arbiter) ReleaseAllFor(sessionID string) int {
	a.mu.Lock()
	ids := make([]string, 0, len(a.equipment))
	states := make([]*equipmentState, 0, len(a.equipment))
	for id, st := range a.equipment {
		ids = append(ids, id)
		states = append(states, st)
	}
	a.mu.Unlock()

	released := 0
	for i, st := range states {
		equipmentID := ids[i]
		st.mu.Lock()
		if st.exclusive != nil && st.exclusive.SessionID == sessionID {
			a.releaseExclusiveLocked(st, equipmentID)
			released++
		}
		if _, ok := st.observers[sessionID]; ok {
			delete(st.observers, sessionID)
			if len(st.observers) == 0 {
				metrics.SetLockHeld(equipmentID, string(ModeObserver), false)
			}
			released++
		}
		filtered := st.queue[:0:0]
		removed := false
		for _, e := range st.queue {
			if e.SessionID == sessionID {
				removed = true
				continue
			}
			filtered = append(filtered, e)
		}
		if removed {
			st.queue = filtered
			a.renumberLocked(st)
			metrics.SetLockWaiters(equipmentID, len(st.queue))
			released++
		}
		st.mu.Unlock()
	}
	return released
}

func (a *Arbiter) enqueueLocked(st *equipmentState, equipmentID, sessionID string) int {
	for _, e := range st.queue {
		if e.SessionID == sessionID {
			return e.Position
		}
	}
	st.queue = append(st.queue, &QueueEntry{
		EquipmentID: equipmentID, SessionID: sessionID, EnqueuedAt: time.Now(),
	})
	a.renumberLocked(st)
	return st.queue[len(st.queue)-1].Position
}

func (a *Arbiter) renumberLocked(st *equipmentState) {
	for i, e := range st.queue {
		e.Position = i
	}
}

// demoteObserversLocked clears the observer set for an equipment and
// notifies each demoted observer, resolving Open Question (a) as notify
// rather than queue.
func (a *Arbiter) demoteObserversLocked(st *equipmentState, equipmentID, reason string) {
	if len(st.observers) == 0 {
		return
	}
	for sessionID := range st.observers {
		delete(st.observers, sessionID)
		metrics.RecordLockDemotion(equipmentID)
		a.notifier.NotifyLockEvent(equipmentID, sessionID, ModeObserver, reason)
	}
	metrics.SetLockHeld(equipmentID, string(ModeObserver), false)
}

// releaseExclusiveLocked drops the exclusive lock and, if a queue exists,
// promotes the head entry to exclusive ownership with a default timeout.
func (a *Arbiter) releaseExclusiveLocked(st *equipmentState, equipmentID string) {
	st.exclusive = nil
	metrics.SetLockHeld(equipmentID, string(ModeExclusive), false)

	if len(st.queue) == 0 {
		return
	}
	head := st.queue[0]
	st.queue = st.queue[1:]
	a.renumberLocked(st)
	metrics.SetLockWaiters(equipmentID, len(st.queue))

	now := time.Now()
	st.exclusive = &Record{
		EquipmentID: equipmentID, SessionID: head.SessionID, Mode: ModeExclusive,
		AcquiredAt: now, LastActivity: now, TimeoutS: a.cfg.DefaultTimeoutS,
	}
	metrics.SetLockHeld(equipmentID, string(ModeExclusive), true)
	metrics.RecordLockAcquire(equipmentID, string(ModeExclusive), "promoted")
}

func (a *Arbiter) reapLoop() {
	defer close(a.done)
	ticker := time.NewTicker(a.cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.reapOnce()
		}
	}
}

func (a *Arbiter) reapOnce() {
	a.mu.Lock()
	ids := make([]string, 0, len(a.equipment))
	states := make([]*equipmentState, 0, len(a.equipment))
	for id, st := range a.equipment {
		ids = append(ids, id)
		states = append(states, st)
	}
	a.mu.Unlock()

	now := time.Now()
	for i, st := range states {
		equipmentID := ids[i]
		st.mu.Lock()
		if st.exclusive != nil && expired(st.exclusive, now) {
			sessionID := st.exclusive.SessionID
			a.releaseExclusiveLocked(st, equipmentID)
			a.recordExpiry(equipmentID, sessionID, ModeExclusive)
		}
		for sessionID, rec := range st.observers {
			if expired(rec, now) {
				delete(st.observers, sessionID)
				a.recordExpiry(equipmentID, sessionID, ModeObserver)
			}
		}
		if len(st.observers) == 0 {
			metrics.SetLockHeld(equipmentID, string(ModeObserver), false)
		}
		st.mu.Unlock()
	}
}

func (a *Arbiter) recordExpiry(equipmentID, sessionID string, mode Mode) {
	event := ExpiredEvent{EquipmentID: equipmentID, SessionID: sessionID, Mode: mode, ExpiredAt: time.Now()}
	a.events.push(event)
	a.notifier.NotifyLockEvent(equipmentID, sessionID, mode, "expired")
	a.log.WithFields(map[string]interface{}{
		"equipment_id": equipmentID,
		"session_id":   sessionID,
		"mode":         string(mode),
	}).Info("lock expired")
}

func expired(rec *Record, now time.Time) bool {
	return rec.TimeoutS > 0 && now.After(rec.LastActivity.Add(time.Duration(rec.TimeoutS)*time.Second))
}

// eventRing is a bounded FIFO ring buffer of ExpiredEvent, retaining at most
// capacity entries (oldest dropped first).
type eventRing struct {
	mu       sync.Mutex
	capacity int
	events   []ExpiredEvent
}

func newEventRing(capacity int) *eventRing {
	return &eventRing{capacity: capacity}
}

func (r *eventRing) push(e ExpiredEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if len(r.events) > r.capacity {
		r.events = r.events[len(r.events)-r.capacity:]
	}
}

func (r *eventRing) snapshot() []ExpiredEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ExpiredEvent, len(r.events))
	copy(out, r.events)
	return out
}
