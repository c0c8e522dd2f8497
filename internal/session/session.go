// Package session implements the Session Worker: the component that owns
// exactly one connected instrument, serialises every access to it through a
// single FIFO request queue, and tracks the degraded/cool-down/probe failure
// state machine around wire I/O.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/r3e-labs/instrument-gateway/internal/gwerrors"
	"github.com/r3e-labs/instrument-gateway/internal/instrument"
	"github.com/r3e-labs/instrument-gateway/internal/resilience"
	"github.com/r3e-labs/instrument-gateway/pkg/logger"
	"github.com/r3e-labs/instrument-gateway/pkg/metrics"
)

// Config controls queue sizing and timing defaults for a Worker.
type Config struct {
	QueueSize       int           // bounded request queue depth, default 256
	DefaultDeadline time.Duration // per-operation deadline when the caller sets none, default 10s
	CoolDown        time.Duration // degraded-state cool-down window, default 5s
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.DefaultDeadline <= 0 {
		c.DefaultDeadline = 10 * time.Second
	}
	if c.CoolDown <= 0 {
		c.CoolDown = 5 * time.Second
	}
	return c
}

// streamOperations maps a stream type to the driver operation that samples
// it, per the Data Model's stream type enum.
var streamOperations = map[string]string{
	"readings":     "get_readings",
	"waveform":     "get_waveform",
	"measurements": "get_measurements",
}

type request struct {
	ctx       context.Context
	operation string
	params    map[string]any
	sessionID string
	deadline  time.Duration
	resultCh  chan result
}

type result struct {
	value any
	err   error
}

// Snapshot is the worker's externally-visible state, used by the Stream
// Multiplexer and gateway to report connection health without touching the
// worker's internals directly.
type Snapshot struct {
	Connected bool                `json:"connected"`
	Degraded  bool                `json:"degraded"`
	Identity  instrument.Identity `json:"identity"`
	Telemetry map[string]any      `json:"telemetry,omitempty"`
}

// Worker owns one connected instrument and serialises every access to it.
type Worker struct {
	equipmentID string
	driver      instrument.Driver
	breaker     *resilience.CircuitBreaker
	cfg         Config
	log         *logger.Logger

	queue  chan *request
	closed chan struct{}
	done   chan struct{}
	once   sync.Once

	mu        sync.Mutex
	connected bool
	identity  instrument.Identity
	telemetry map[string]any
}

// NewWorker constructs a Worker and starts its processing loop. It performs
// an initial identify() synchronously so the worker is born with a cached
// identity, matching the Session Worker state's "cached identity" field.
func NewWorker(ctx context.Context, equipmentID string, driver instrument.Driver, cfg Config, log *logger.Logger) (*Worker, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.NewDefault("session")
	}

	id, err := driver.Identify(ctx)
	if err != nil {
		return nil, gwerrors.InstrumentUnavailablef("initial identify for %s failed: %v", equipmentID, err)
	}

	breakerCfg := resilience.DegradedConfig(cfg.CoolDown).WithLogger(equipmentID, log)
	w := &Worker{
		equipmentID: equipmentID,
		driver:      driver,
		breaker:     resilience.New(breakerCfg),
		cfg:         cfg,
		log:         log,
		queue:       make(chan *request, cfg.QueueSize),
		closed:      make(chan struct{}),
		done:        make(chan struct{}),
		connected:   true,
		identity:    id,
		telemetry:   map[string]any{},
	}

	go w.loop()
	return w, nil
}

// Execute enqueues an operation and blocks until it completes, the caller's
// context is cancelled, or the queue is full (in which case it fails
// immediately with busy, never blocking on a full queue).
func (w *Worker) Execute(ctx context.Context, operation string, params map[string]any, sessionID string) (any, error) {
	req := &request{
		ctx:       ctx,
		operation: operation,
		params:    params,
		sessionID: sessionID,
		deadline:  w.cfg.DefaultDeadline,
		resultCh:  make(chan result, 1),
	}

	select {
	case <-w.closed:
		return nil, gwerrors.Cancelledf("session_closed")
	default:
	}

	select {
	case w.queue <- req:
	default:
		return nil, gwerrors.Busyf("session %s request queue is full", w.equipmentID)
	}
	metrics.SetSessionQueueDepth(w.equipmentID, len(w.queue))

	select {
	case res := <-req.resultCh:
		return res.value, res.err
	case <-ctx.Done():
		// Advisory cancellation: the request is marked cancelled and, if the
		// worker has not yet started it, it is skipped entirely when
		// dequeued. If the wire operation already started, this has no
		// effect on the in-flight call.
		return nil, gwerrors.Cancelledf("request cancelled: %v", ctx.Err())
	}
}

// SubscribeSnapshot returns a callable that performs exactly one sampling
// operation for the given stream type when invoked. It enqueues like any
// other request, so stream samples interleave with explicit requests in
// strict FIFO order, per the Concurrency model's "a stream sample is an
// enqueue". The Stream Multiplexer, not the worker, enforces a deadline on
// invocations of the returned callable.
func (w *Worker) SubscribeSnapshot(streamType string, params map[string]any) (func(ctx context.Context) (any, error), error) {
	operation, ok := streamOperations[streamType]
	if !ok {
		return nil, gwerrors.BadRequestf("unknown stream type %q", streamType)
	}
	return func(ctx context.Context) (any, error) {
		return w.Execute(ctx, operation, params, "stream:"+streamType)
	}, nil
}

// reserved operation names routed to the driver's snapshot/restore methods
// instead of its general Execute dispatch, used by SnapshotState/RestoreState.
const (
	opSnapshotState = "__snapshot_state__"
	opRestoreState  = "__restore_state__"
)

// SnapshotState captures the driver's current state for named save/recall,
// enqueued like any other request so it serialises with concurrent commands
// instead of racing the wire.
func (w *Worker) SnapshotState(ctx context.Context) (map[string]any, error) {
	out, err := w.Execute(ctx, opSnapshotState, nil, "")
	if err != nil {
		return nil, err
	}
	state, _ := out.(map[string]any)
	return state, nil
}

// RestoreState re-applies a previously captured snapshot.
func (w *Worker) RestoreState(ctx context.Context, state map[string]any) error {
	_, err := w.Execute(ctx, opRestoreState, state, "")
	return err
}

// Close drains the queue, rejecting every remaining request with a
// session_closed error, and leaves the worker's snapshot at
// {connected: false}. The Driver interface has no close method, so no
// transport handle is released here.
func (w *Worker) Close(ctx context.Context) error {
	w.once.Do(func() { close(w.closed) })
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the worker's current externally-visible snapshot.
func (w *Worker) State() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	telemetry := make(map[string]any, len(w.telemetry))
	for k, v := range w.telemetry {
		telemetry[k] = v
	}
	return Snapshot{
		Connected: w.connected,
		Degraded:  w.breaker.State() != resilience.StateClosed,
		Identity:  w.identity,
		Telemetry: telemetry,
	}
}

func (w *Worker) loop() {
	defer close(w.done)
	for {
		// Give the close signal priority over whatever is sitting in the
		// queue, so a close() call deterministically drains everything not
		// already dispatched instead of racing the queue branch below.
		select {
		case <-w.closed:
			w.drain()
			return
		default:
		}

		select {
		case <-w.closed:
			w.drain()
			return
		case req := <-w.queue:
			metrics.SetSessionQueueDepth(w.equipmentID, len(w.queue))
			w.process(req)
		}
	}
}

func (w *Worker) drain() {
	for {
		select {
		case req := <-w.queue:
			req.resultCh <- result{err: gwerrors.Cancelledf("session_closed")}
		default:
			w.mu.Lock()
			w.connected = false
			w.telemetry = map[string]any{"connected": false}
			w.mu.Unlock()
			metrics.SetSessionQueueDepth(w.equipmentID, 0)
			metrics.SetSessionDegraded(w.equipmentID, false)
			return
		}
	}
}

func (w *Worker) process(req *request) {
	if req.ctx != nil && req.ctx.Err() != nil {
		req.resultCh <- result{err: gwerrors.Cancelledf("request cancelled before dispatch: %v", req.ctx.Err())}
		return
	}

	start := time.Now()
	ctx := req.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if req.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.deadline)
		defer cancel()
	}

	value, err := w.runOp(ctx, req.operation, req.params)

	status := "ok"
	if err != nil {
		status = "error"
		if gwErr, ok := gwerrors.As(err); ok {
			status = string(gwErr.Kind)
		}
	}
	metrics.RecordSessionOperation(w.equipmentID, req.operation, status, time.Since(start))
	metrics.SetSessionDegraded(w.equipmentID, w.breaker.State() != resilience.StateClosed)

	if err == nil {
		w.mu.Lock()
		if reading, ok := value.(map[string]any); ok {
			w.telemetry = reading
		}
		w.mu.Unlock()
	}

	req.resultCh <- result{value: value, err: err}
}

// writeRetryConfig bounds the short retry absorbed below the circuit
// breaker's own consecutive-failure count: one transient wire failure is
// retried once in place (two attempts in all) before it reaches the
// breaker, so a single flaky write does not by itself start degrading the
// worker.
var writeRetryConfig = resilience.RetryConfig{
	MaxAttempts:  2,
	InitialDelay: 20 * time.Millisecond,
	MaxDelay:     200 * time.Millisecond,
	Multiplier:   2.0,
}

// runOp implements the degraded/cool-down/probe state machine described in
// §4.2's failure model on top of the generic resilience.CircuitBreaker:
// while cooling down, requests fail fast without touching the wire; once the
// cool-down elapses, the worker consumes the breaker's single half-open slot
// with a dedicated identify() probe rather than the caller's own operation,
// and only dispatches the caller's operation once that probe has succeeded.
func (w *Worker) runOp(ctx context.Context, operation string, params map[string]any) (any, error) {
	switch w.breaker.State() {
	case resilience.StateOpen:
		return nil, gwerrors.InstrumentUnavailablef("instrument %s is degraded, cooling down", w.equipmentID)
	case resilience.StateHalfOpen:
		if err := w.probe(ctx); err != nil {
			return nil, gwerrors.InstrumentUnavailablef("instrument %s probe failed: %v", w.equipmentID, err)
		}
	}

	var out any
	err := w.breaker.Execute(ctx, func() error {
		return resilience.Retry(ctx, writeRetryConfig, func() error {
			var execErr error
			switch operation {
			case opSnapshotState:
				out, execErr = w.driver.SnapshotState(ctx)
			case opRestoreState:
				execErr = w.driver.RestoreState(ctx, params)
			default:
				out, execErr = w.driver.Execute(ctx, operation, params)
			}
			if execErr != nil {
				if _, ok := gwerrors.As(execErr); ok {
					// Classified errors (bad input, unsupported operation) are
					// rejected on the first attempt, never retried.
					return resilience.Permanent(execErr)
				}
			}
			return execErr
		})
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequests) {
			return nil, gwerrors.InstrumentUnavailablef("instrument %s is degraded, cooling down", w.equipmentID)
		}
		return nil, err
	}
	return out, nil
}

// Registry is the equipment-keyed set of live Workers. It is the composition
// root's handle for dispatching REST/duplex requests and the Stream
// Multiplexer's handle for resolving a sampler by equipment ID, satisfying
// stream.WorkerLookup structurally without this package importing it.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*Worker
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{workers: map[string]*Worker{}}
}

// Register adds or replaces the worker for an equipment ID.
func (r *Registry) Register(equipmentID string, w *Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[equipmentID] = w
}

// Unregister removes a worker, returning it if present so the caller can
// Close it.
func (r *Registry) Unregister(equipmentID string) (*Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[equipmentID]
	delete(r.workers, equipmentID)
	return w, ok
}

// Get returns the worker for an equipment ID.
func (r *Registry) Get(equipmentID string) (*Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[equipmentID]
	return w, ok
}

// List returns every registered equipment ID.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	return ids
}

// SubscribeSnapshot resolves equipmentID's worker and subscribes to a
// stream sample source on it, implementing stream.WorkerLookup.
func (r *Registry) SubscribeSnapshot(equipmentID, streamType string, params map[string]any) (func(ctx context.Context) (any, error), error) {
	w, ok := r.Get(equipmentID)
	if !ok {
		return nil, gwerrors.NotFoundf("instrument", equipmentID)
	}
	return w.SubscribeSnapshot(streamType, params)
}

// Telemetry returns equipmentID's most recently cached telemetry snapshot,
// implementing alarm.TelemetrySource. It never performs fresh wire I/O —
// the Alarm Engine only ever evaluates against what a worker has already
// sampled.
func (r *Registry) Telemetry(equipmentID string) (map[string]any, bool) {
	w, ok := r.Get(equipmentID)
	if !ok {
		return nil, false
	}
	snap := w.State()
	if snap.Telemetry == nil {
		return nil, false
	}
	return snap.Telemetry, true
}

func (w *Worker) probe(ctx context.Context) error {
	var id instrument.Identity
	err := w.breaker.Execute(ctx, func() error {
		var idErr error
		id, idErr = w.driver.Identify(ctx)
		return idErr
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequests) {
			return err
		}
		return err
	}
	w.mu.Lock()
	w.identity = id
	w.mu.Unlock()
	return nil
}
