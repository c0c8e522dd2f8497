package stream

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/r3e-labs/instrument-gateway/internal/gwerrors"
)

// fakeWorkers is a minimal WorkerLookup backed by per-equipment counters, so
// tests can assert on how many times a producer actually sampled. The
// equipment ID "does-not-exist" resolves to not_found, like an instrument
// that was never connected.
type fakeWorkers struct {
	calls map[string]*int64
	fail  map[string]bool
}

func newFakeWorkers() *fakeWorkers {
	return &fakeWorkers{calls: map[string]*int64{}, fail: map[string]bool{}}
}

func (f *fakeWorkers) SubscribeSnapshot(equipmentID, streamType string, params map[string]any) (Sampler, error) {
	if equipmentID == "does-not-exist" {
		return nil, gwerrors.NotFoundf("instrument", equipmentID)
	}
	if _, ok := f.calls[equipmentID]; !ok {
		var n int64
		f.calls[equipmentID] = &n
	}
	counter := f.calls[equipmentID]
	fail := f.fail[equipmentID]
	return func(ctx context.Context) (any, error) {
		atomic.AddInt64(counter, 1)
		if fail {
			return nil, gwerrors.InstrumentUnavailablef("sampling failed")
		}
		return map[string]any{"equipment_id": equipmentID, "stream_type": streamType}, nil
	}, nil
}

func (f *fakeWorkers) count(equipmentID string) int64 {
	n, ok := f.calls[equipmentID]
	if !ok {
		return 0
	}
	return atomic.LoadInt64(n)
}

func newTestMux(t *testing.T, w WorkerLookup) *Multiplexer {
	t.Helper()
	m := New(w, Config{QueueDepth: 4, SampleTimeout: 500 * time.Millisecond, GraceWindow: 200 * time.Millisecond, ReapInterval: 20 * time.Millisecond}, nil)
	t.Cleanup(m.Stop)
	return m
}

func TestStartStopCreatesAndTearsDownProducer(t *testing.T) {
	fw := newFakeWorkers()
	m := newTestMux(t, fw)

	if err := m.Start("sub-1", "eq-1", TypeReadings, 20, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	if fw.count("eq-1") == 0 {
		t.Fatalf("expected producer to have sampled at least once")
	}

	if err := m.StopSubscription("sub-1", "eq-1", TypeReadings); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, ok := m.Messages("sub-1", "eq-1", TypeReadings); ok {
		t.Fatalf("expected subscription removed after stop")
	}
}

func TestStartRejectsUnknownStreamType(t *testing.T) {
	m := newTestMux(t, newFakeWorkers())
	if err := m.Start("sub-1", "eq-1", "bogus", 20, nil); err == nil {
		t.Fatalf("expected error for unknown stream type")
	}
}

func TestStartUnknownEquipmentReturnsNotFound(t *testing.T) {
	m := newTestMux(t, newFakeWorkers())
	err := m.Start("sub-1", "does-not-exist", TypeReadings, 20, nil)
	if gwErr, ok := gwerrors.As(err); !ok || gwErr.Kind != gwerrors.NotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

// TestSharedProducerFansOutToMultipleSubscribers grounds §8 scenario 5: two
// subscribers on the same (equipment, stream type, interval) share one
// producer and receive the same sequence of messages; when one disconnects
// the other keeps receiving.
func TestSharedProducerFansOutToMultipleSubscribers(t *testing.T) {
	fw := newFakeWorkers()
	m := newTestMux(t, fw)

	if err := m.Start("s1", "eq-5", TypeReadings, 20, nil); err != nil {
		t.Fatalf("start s1: %v", err)
	}
	if err := m.Start("s2", "eq-5", TypeReadings, 20, nil); err != nil {
		t.Fatalf("start s2: %v", err)
	}

	time.Sleep(110 * time.Millisecond) // ~5 ticks at 20ms

	q1, _ := m.Messages("s1", "eq-5", TypeReadings)
	q2, _ := m.Messages("s2", "eq-5", TypeReadings)

	n1 := drain(q1)
	n2 := drain(q2)
	if n1 < 3 || n2 < 3 {
		t.Fatalf("expected both subscribers to receive several samples, got n1=%d n2=%d", n1, n2)
	}

	if err := m.StopSubscription("s2", "eq-5", TypeReadings); err != nil {
		t.Fatalf("stop s2: %v", err)
	}
	drain(q2)

	time.Sleep(60 * time.Millisecond)
	if drain(q1) == 0 {
		t.Fatalf("expected s1 to keep receiving after s2 disconnected")
	}
	if _, ok := m.Messages("s2", "eq-5", TypeReadings); ok {
		t.Fatalf("expected s2 fully torn down")
	}
}

func drain(q <-chan DataMessage) int {
	n := 0
	for {
		select {
		case <-q:
			n++
		default:
			return n
		}
	}
}

func TestRestartWithDifferentIntervalReplacesSubscription(t *testing.T) {
	fw := newFakeWorkers()
	m := newTestMux(t, fw)

	if err := m.Start("sub-1", "eq-6", TypeReadings, 500, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Start("sub-1", "eq-6", TypeReadings, 20, nil); err != nil {
		t.Fatalf("restart with new interval: %v", err)
	}

	time.Sleep(80 * time.Millisecond)
	q, ok := m.Messages("sub-1", "eq-6", TypeReadings)
	if !ok {
		t.Fatalf("expected subscription still present after replace")
	}
	if drain(q) == 0 {
		t.Fatalf("expected fast-interval producer to have delivered samples")
	}
}

func TestOverflowDropsOldestAndCountsOverflow(t *testing.T) {
	fw := newFakeWorkers()
	m := New(fw, Config{QueueDepth: 2, SampleTimeout: time.Second, GraceWindow: time.Second}, nil)
	defer m.Stop()

	if err := m.Start("sub-1", "eq-7", TypeReadings, 5, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(120 * time.Millisecond) // far more ticks than the queue can hold

	if m.Overflow("sub-1", "eq-7", TypeReadings) == 0 {
		t.Fatalf("expected overflow counter to have incremented")
	}
}

func TestSamplingFailureDeliversErrorEnvelopeInstead(t *testing.T) {
	fw := newFakeWorkers()
	fw.fail["eq-8"] = true
	m := newTestMux(t, fw)

	if err := m.Start("sub-1", "eq-8", TypeReadings, 20, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(60 * time.Millisecond)

	q, _ := m.Messages("sub-1", "eq-8", TypeReadings)
	select {
	case msg := <-q:
		if msg.Error == nil || msg.Data != nil {
			t.Fatalf("expected a data:null/error message on sampling failure, got %+v", msg)
		}
	default:
		t.Fatalf("expected at least one delivered (error) message")
	}
}

func TestSuspendThenResumeRestartsSubscriptions(t *testing.T) {
	fw := newFakeWorkers()
	m := newTestMux(t, fw)

	if err := m.Start("sub-1", "eq-9", TypeReadings, 20, nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	n := m.Suspend("sub-1")
	if n != 1 {
		t.Fatalf("expected 1 suspended subscription, got %d", n)
	}
	if _, ok := m.Messages("sub-1", "eq-9", TypeReadings); ok {
		t.Fatalf("expected subscription detached while suspended")
	}

	restored, err := m.Resume("sub-1")
	if err != nil || restored != 1 {
		t.Fatalf("expected 1 restored subscription, got %d err=%v", restored, err)
	}
	if _, ok := m.Messages("sub-1", "eq-9", TypeReadings); !ok {
		t.Fatalf("expected subscription re-attached after resume")
	}
}

func TestResumeAfterGraceWindowFails(t *testing.T) {
	fw := newFakeWorkers()
	m := newTestMux(t, fw)

	if err := m.Start("sub-1", "eq-10", TypeReadings, 20, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	m.Suspend("sub-1")

	time.Sleep(300 * time.Millisecond) // past the 200ms grace window

	if _, err := m.Resume("sub-1"); err == nil {
		t.Fatalf("expected resume to fail once the grace window has elapsed")
	}
}

func TestUnsubscribeAllForTearsDownEverySubscription(t *testing.T) {
	fw := newFakeWorkers()
	m := newTestMux(t, fw)

	m.Start("sub-1", "eq-11", TypeReadings, 20, nil)
	m.Start("sub-1", "eq-12", TypeWaveform, 20, nil)

	m.UnsubscribeAllFor("sub-1")

	if _, ok := m.Messages("sub-1", "eq-11", TypeReadings); ok {
		t.Fatalf("expected eq-11 subscription torn down")
	}
	if _, ok := m.Messages("sub-1", "eq-12", TypeWaveform); ok {
		t.Fatalf("expected eq-12 subscription torn down")
	}
}
