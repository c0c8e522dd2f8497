package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/r3e-labs/instrument-gateway/internal/gwerrors"
	"github.com/r3e-labs/instrument-gateway/internal/instrument"
	"github.com/r3e-labs/instrument-gateway/internal/resilience"
)

// fakeDriver is a controllable instrument.Driver test double: Execute can be
// made to fail a fixed number of times, block on a gate, or simply echo its
// params back.
type fakeDriver struct {
	mu              sync.Mutex
	execCalls       int32
	identCalls      int32
	failUntil       int32 // Execute fails for the first N calls, with a classified error
	transientUntil  int32 // Execute fails for the first N calls, with an unclassified (retryable) error
	nextErr         error // if set, returned once by the next Execute call, then cleared
	identifyErr     error
	gate            chan struct{} // if set, Execute blocks on this channel once
	gateOnce        sync.Once
	restoredVoltage any
}

func (d *fakeDriver) Identify(ctx context.Context) (instrument.Identity, error) {
	atomic.AddInt32(&d.identCalls, 1)
	if d.identifyErr != nil {
		return instrument.Identity{}, d.identifyErr
	}
	return instrument.Identity{ID: "fake-1", Type: instrument.TypePowerSupply}, nil
}

func (d *fakeDriver) Capabilities() instrument.Capabilities { return instrument.Capabilities{} }

func (d *fakeDriver) Execute(ctx context.Context, operation string, params map[string]any) (any, error) {
	n := atomic.AddInt32(&d.execCalls, 1)

	if d.gate != nil {
		d.gateOnce.Do(func() { <-d.gate })
	}

	d.mu.Lock()
	if d.nextErr != nil {
		err := d.nextErr
		d.nextErr = nil
		d.mu.Unlock()
		return nil, err
	}
	d.mu.Unlock()

	if n <= d.failUntil {
		return nil, gwerrors.InstrumentUnavailablef("simulated transport failure %d", n)
	}
	if n <= d.transientUntil {
		return nil, errors.New("simulated unclassified wire glitch")
	}
	return map[string]any{"operation": operation, "echo": params}, nil
}

func (d *fakeDriver) SnapshotState(ctx context.Context) (map[string]any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]any{"voltage": d.restoredVoltage}, nil
}

func (d *fakeDriver) RestoreState(ctx context.Context, state map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v, ok := state["voltage"]; ok {
		d.restoredVoltage = v
	}
	return nil
}

func newTestWorker(t *testing.T, drv *fakeDriver, cfg Config) *Worker {
	t.Helper()
	w, err := NewWorker(context.Background(), "eq-test", drv, cfg, nil)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	return w
}

func TestExecuteDispatchesToDriver(t *testing.T) {
	drv := &fakeDriver{}
	w := newTestWorker(t, drv, Config{})
	defer w.Close(context.Background())

	out, err := w.Execute(context.Background(), "get_readings", map[string]any{"channel": 0}, "sess-1")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	result := out.(map[string]any)
	if result["operation"] != "get_readings" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestExecuteQueueFullReturnsBusy(t *testing.T) {
	drv := &fakeDriver{gate: make(chan struct{})}
	w := newTestWorker(t, drv, Config{QueueSize: 1})
	defer func() {
		select {
		case <-drv.gate:
		default:
			close(drv.gate)
		}
		w.Close(context.Background())
	}()

	// First request is dequeued and blocks inside Execute on the gate.
	firstDone := make(chan struct{})
	go func() {
		w.Execute(context.Background(), "get_readings", nil, "sess-1")
		close(firstDone)
	}()
	time.Sleep(20 * time.Millisecond) // let the worker loop pick up the first request

	// Second request fills the one-deep queue.
	secondDone := make(chan result)
	go func() {
		v, err := w.Execute(context.Background(), "get_readings", nil, "sess-2")
		secondDone <- result{value: v, err: err}
	}()
	time.Sleep(20 * time.Millisecond)

	// Third request finds both the in-flight slot and the queue occupied.
	_, err := w.Execute(context.Background(), "get_readings", nil, "sess-3")
	if err == nil {
		t.Fatalf("expected busy error, got nil")
	}
	gwErr, ok := gwerrors.As(err)
	if !ok || gwErr.Kind != gwerrors.Busy {
		t.Fatalf("expected busy kind, got %v", err)
	}

	close(drv.gate)
	<-firstDone
	<-secondDone
}

func TestTransientWireErrorIsRetriedBelowTheBreaker(t *testing.T) {
	drv := &fakeDriver{transientUntil: 1}
	w := newTestWorker(t, drv, Config{CoolDown: time.Hour})
	defer w.Close(context.Background())

	out, err := w.Execute(context.Background(), "set_voltage", map[string]any{"v": 1.0}, "sess-1")
	if err != nil {
		t.Fatalf("expected the retry to absorb the single transient failure, got %v", err)
	}
	if out == nil {
		t.Fatalf("expected the eventual successful dispatch's result")
	}
	if atomic.LoadInt32(&drv.execCalls) != 2 {
		t.Fatalf("expected exactly one retried call (2 total driver calls), got %d", drv.execCalls)
	}
	if w.breaker.State() != resilience.StateClosed {
		t.Fatalf("a transient failure absorbed by retry must not count toward the breaker")
	}
}

func TestClassifiedErrorsAreNotRetried(t *testing.T) {
	drv := &fakeDriver{nextErr: gwerrors.BadRequestf("voltage 99 exceeds capability bound 30")}
	w := newTestWorker(t, drv, Config{CoolDown: time.Hour})
	defer w.Close(context.Background())

	_, err := w.Execute(context.Background(), "set_voltage", map[string]any{"v": 99.0}, "sess-1")
	if err == nil {
		t.Fatalf("expected the classified capability-bound error to surface")
	}
	gwErr, ok := gwerrors.As(err)
	if !ok || gwErr.Kind != gwerrors.BadRequest {
		t.Fatalf("expected bad_request, got %v", err)
	}
	if atomic.LoadInt32(&drv.execCalls) != 1 {
		t.Fatalf("a classified error must be rejected on the first attempt, got %d driver calls", drv.execCalls)
	}
}

func TestWorkerDegradesAfterTwoConsecutiveFailures(t *testing.T) {
	drv := &fakeDriver{failUntil: 10}
	w := newTestWorker(t, drv, Config{CoolDown: time.Hour})
	defer w.Close(context.Background())

	ctx := context.Background()
	if _, err := w.Execute(ctx, "set_voltage", map[string]any{"v": 1.0}, "sess-1"); err == nil {
		t.Fatalf("expected first failure to surface")
	}
	if _, err := w.Execute(ctx, "set_voltage", map[string]any{"v": 1.0}, "sess-1"); err == nil {
		t.Fatalf("expected second failure to surface")
	}

	callsBefore := atomic.LoadInt32(&drv.execCalls)
	_, err := w.Execute(ctx, "set_voltage", map[string]any{"v": 1.0}, "sess-1")
	gwErr, ok := gwerrors.As(err)
	if !ok || gwErr.Kind != gwerrors.InstrumentUnavailable {
		t.Fatalf("expected instrument_unavailable once degraded, got %v", err)
	}
	if atomic.LoadInt32(&drv.execCalls) != callsBefore {
		t.Fatalf("degraded worker must fail fast without touching the driver")
	}
}

func TestWorkerProbeClearsDegradedState(t *testing.T) {
	drv := &fakeDriver{failUntil: 2}
	w := newTestWorker(t, drv, Config{CoolDown: 30 * time.Millisecond})
	defer w.Close(context.Background())

	ctx := context.Background()
	w.Execute(ctx, "set_voltage", nil, "sess-1")
	w.Execute(ctx, "set_voltage", nil, "sess-1")

	time.Sleep(50 * time.Millisecond) // let the cool-down elapse

	// The next call triggers the half-open probe (identify, which always
	// succeeds here) and then dispatches the caller's own operation, which
	// by now is past fakeDriver's failUntil threshold and succeeds.
	out, err := w.Execute(ctx, "set_voltage", map[string]any{"v": 2.0}, "sess-1")
	if err != nil {
		t.Fatalf("expected probe to clear degraded state and operation to succeed, got %v", err)
	}
	if out == nil {
		t.Fatalf("expected a result")
	}
	if w.State().Degraded {
		t.Fatalf("expected worker to be healthy after a successful probe")
	}
}

func TestSubscribeSnapshotRejectsUnknownStreamType(t *testing.T) {
	drv := &fakeDriver{}
	w := newTestWorker(t, drv, Config{})
	defer w.Close(context.Background())

	if _, err := w.SubscribeSnapshot("not-a-real-stream", nil); err == nil {
		t.Fatalf("expected error for unknown stream type")
	}
}

func TestSubscribeSnapshotSamplesOnInvocation(t *testing.T) {
	drv := &fakeDriver{}
	w := newTestWorker(t, drv, Config{})
	defer w.Close(context.Background())

	sample, err := w.SubscribeSnapshot("waveform", map[string]any{"shape": "sine"})
	if err != nil {
		t.Fatalf("SubscribeSnapshot: %v", err)
	}
	out, err := sample(context.Background())
	if err != nil {
		t.Fatalf("sample invocation: %v", err)
	}
	result := out.(map[string]any)
	if result["operation"] != "get_waveform" {
		t.Fatalf("expected get_waveform dispatch, got %+v", result)
	}
}

func TestCloseRejectsQueuedRequestsWithSessionClosed(t *testing.T) {
	drv := &fakeDriver{gate: make(chan struct{})}
	w := newTestWorker(t, drv, Config{QueueSize: 4})

	// First request is picked up immediately and blocks in Execute.
	firstErrCh := make(chan error, 1)
	go func() {
		_, err := w.Execute(context.Background(), "get_readings", nil, "sess-1")
		firstErrCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	// This one sits in the queue, never dispatched before Close runs.
	secondErrCh := make(chan error, 1)
	go func() {
		_, err := w.Execute(context.Background(), "get_readings", nil, "sess-2")
		secondErrCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	closeDone := make(chan struct{})
	go func() {
		w.Close(context.Background())
		close(closeDone)
	}()
	time.Sleep(20 * time.Millisecond) // let the loop observe the close signal

	close(drv.gate) // release the in-flight request

	if err := <-firstErrCh; err != nil {
		t.Fatalf("in-flight request should complete normally, got %v", err)
	}

	secondErr := <-secondErrCh
	gwErr, ok := gwerrors.As(secondErr)
	if !ok || gwErr.Kind != gwerrors.Cancelled {
		t.Fatalf("expected queued request to be rejected as cancelled/session_closed, got %v", secondErr)
	}

	<-closeDone

	if _, err := w.Execute(context.Background(), "get_readings", nil, "sess-3"); err == nil {
		t.Fatalf("expected Execute after close to be rejected")
	}

	snap := w.State()
	if snap.Connected {
		t.Fatalf("expected terminal snapshot to report disconnected")
	}
}

func TestSnapshotStateAndRestoreStateRoundTripThroughDriver(t *testing.T) {
	drv := &fakeDriver{}
	w := newTestWorker(t, drv, Config{})

	if err := w.RestoreState(context.Background(), map[string]any{"voltage": 5.0}); err != nil {
		t.Fatalf("RestoreState: %v", err)
	}

	snap, err := w.SnapshotState(context.Background())
	if err != nil {
		t.Fatalf("SnapshotState: %v", err)
	}
	if snap["voltage"] != 5.0 {
		t.Fatalf("expected restored voltage to round-trip through SnapshotState, got %v", snap["voltage"])
	}
}
