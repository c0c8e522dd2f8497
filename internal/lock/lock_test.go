package lock

import (
	"sync"
	"testing"
	"time"

	"github.com/r3e-labs/instrument-gateway/internal/gwerrors"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) NotifyLockEvent(equipmentID, sessionID string, mode Mode, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, equipmentID+"|"+sessionID+"|"+string(mode)+"|"+reason)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func newTestArbiter(t *testing.T, notifier Notifier) *Arbiter {
	t.Helper()
	a := New(Config{ReaperInterval: time.Hour}, notifier, nil)
	t.Cleanup(a.Stop)
	return a
}

func TestAcquireExclusiveThenReleaseIsNoOp(t *testing.T) {
	a := newTestArbiter(t, nil)
	res, err := a.Acquire("eq-1", "sess-a", ModeExclusive, 60, false)
	if err != nil || res.Outcome != OutcomeLocked {
		t.Fatalf("expected locked, got %+v err=%v", res, err)
	}
	outcome, err := a.Release("eq-1", "sess-a", false)
	if err != nil || outcome != OutcomeReleased {
		t.Fatalf("expected released, got %v err=%v", outcome, err)
	}
	if a.CanControl("eq-1", "sess-a") {
		t.Fatalf("expected no residual control after release")
	}
}

func TestScenarioExclusiveHolderBlocksOtherSession(t *testing.T) {
	a := newTestArbiter(t, nil)
	if _, err := a.Acquire("eq-2", "sess-a", ModeExclusive, 60, false); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	res, err := a.Acquire("eq-2", "sess-b", ModeExclusive, 60, false)
	if res.Outcome != OutcomeConflict {
		t.Fatalf("expected conflict outcome, got %+v", res)
	}
	gwErr, ok := gwerrors.As(err)
	if !ok || gwErr.Kind != gwerrors.Conflict {
		t.Fatalf("expected conflict kind, got %v", err)
	}
	if res.HolderSessionID != "sess-a" {
		t.Fatalf("expected holder sess-a in conflict details, got %q", res.HolderSessionID)
	}
}

func TestScenarioQueuedAcquirePromotesOnRelease(t *testing.T) {
	a := newTestArbiter(t, nil)
	if _, err := a.Acquire("eq-3", "sess-a", ModeExclusive, 60, false); err != nil {
		t.Fatalf("acquire a: %v", err)
	}

	res, err := a.Acquire("eq-3", "sess-b", ModeExclusive, 60, true)
	if err != nil {
		t.Fatalf("acquire b (queue): %v", err)
	}
	if res.Outcome != OutcomeQueued || res.Position != 0 {
		t.Fatalf("expected queued at position 0, got %+v", res)
	}

	if _, err := a.Release("eq-3", "sess-a", false); err != nil {
		t.Fatalf("release: %v", err)
	}

	if !a.CanControl("eq-3", "sess-b") {
		t.Fatalf("expected sess-b promoted to exclusive owner")
	}
	if a.CanControl("eq-3", "sess-a") {
		t.Fatalf("expected sess-a to no longer control eq-3")
	}
}

func TestObserverConflictsWithExclusiveHolder(t *testing.T) {
	a := newTestArbiter(t, nil)
	a.Acquire("eq-4", "sess-a", ModeExclusive, 60, false)

	res, err := a.Acquire("eq-4", "sess-b", ModeObserver, 60, false)
	if res.Outcome != OutcomeConflict {
		t.Fatalf("expected conflict, got %+v", res)
	}
	if _, ok := gwerrors.As(err); !ok {
		t.Fatalf("expected gateway error")
	}
}

func TestExclusiveAcquireDemotesObserversAndNotifies(t *testing.T) {
	notifier := &recordingNotifier{}
	a := newTestArbiter(t, notifier)

	a.Acquire("eq-5", "sess-observer", ModeObserver, 60, false)
	if !a.CanObserve("eq-5", "sess-observer") {
		t.Fatalf("expected observer seated")
	}

	a.Acquire("eq-5", "sess-exclusive", ModeExclusive, 60, false)

	if a.CanObserve("eq-5", "sess-observer") {
		t.Fatalf("expected observer demoted once exclusive acquired")
	}
	if notifier.count() == 0 {
		t.Fatalf("expected a demotion notification")
	}
}

func TestCanControlImpliesCanObserve(t *testing.T) {
	a := newTestArbiter(t, nil)
	a.Acquire("eq-6", "sess-a", ModeExclusive, 60, false)
	if !a.CanControl("eq-6", "sess-a") || !a.CanObserve("eq-6", "sess-a") {
		t.Fatalf("expected can_control to imply can_observe")
	}
}

func TestReleaseAllForReleasesAndDequeues(t *testing.T) {
	a := newTestArbiter(t, nil)
	a.Acquire("eq-7", "sess-a", ModeExclusive, 60, false)
	a.Acquire("eq-8", "sess-a", ModeObserver, 60, false)
	a.Acquire("eq-9", "sess-a", ModeExclusive, 60, false)
	a.Acquire("eq-9", "sess-b", ModeExclusive, 60, true) // queued

	released := a.ReleaseAllFor("sess-a")
	if released == 0 {
		t.Fatalf("expected at least one release")
	}
	if a.CanControl("eq-7", "sess-a") || a.CanObserve("eq-8", "sess-a") {
		t.Fatalf("expected sess-a's locks cleared")
	}
	if !a.CanControl("eq-9", "sess-b") {
		t.Fatalf("expected queued sess-b promoted once sess-a's exclusive lock on eq-9 is released")
	}
}

func TestZeroTimeoutNeverExpires(t *testing.T) {
	a := New(Config{ReaperInterval: 5 * time.Millisecond}, nil, nil)
	defer a.Stop()

	a.Acquire("eq-10", "sess-a", ModeExclusive, 0, false)
	time.Sleep(40 * time.Millisecond)
	if !a.CanControl("eq-10", "sess-a") {
		t.Fatalf("a timeout of 0 must never expire")
	}
}

func TestReaperExpiresStaleLockAndPromotesQueue(t *testing.T) {
	notifier := &recordingNotifier{}
	a := New(Config{ReaperInterval: 20 * time.Millisecond}, notifier, nil)
	defer a.Stop()

	if _, err := a.Acquire("eq-11", "sess-a", ModeExclusive, 1, false); err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	if _, err := a.Acquire("eq-11", "sess-b", ModeExclusive, 60, true); err != nil {
		t.Fatalf("acquire b (queue): %v", err)
	}

	time.Sleep(1200 * time.Millisecond) // past the 1s timeout, past a couple of reaper ticks

	if a.CanControl("eq-11", "sess-a") {
		t.Fatalf("expected sess-a's stale lock to have been reaped")
	}
	if !a.CanControl("eq-11", "sess-b") {
		t.Fatalf("expected queued sess-b promoted after reaping sess-a")
	}

	found := false
	for _, e := range a.Events() {
		if e.EquipmentID == "eq-11" && e.SessionID == "sess-a" && e.Mode == ModeExclusive {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an expired event recorded for eq-11/sess-a")
	}
	if notifier.count() == 0 {
		t.Fatalf("expected the notifier to receive the expiry event")
	}
}

func TestCommandClassification(t *testing.T) {
	control := []string{"set_voltage", "reset", "clear_measurement", "save_state", "recall_state", "calibrate", "autoscale", "trigger_run"}
	for _, op := range control {
		if !IsControlCommand(op) {
			t.Fatalf("expected %q classified as control", op)
		}
	}
	read := []string{"get_readings", "get_waveform", "identify"}
	for _, op := range read {
		if IsControlCommand(op) {
			t.Fatalf("expected %q classified as read", op)
		}
	}
}

func TestEventsRingBufferBounded(t *testing.T) {
	r := newEventRing(3)
	for i := 0; i < 5; i++ {
		r.push(ExpiredEvent{EquipmentID: "eq"})
	}
	if len(r.snapshot()) != 3 {
		t.Fatalf("expected ring buffer capped at 3, got %d", len(r.snapshot()))
	}
}
