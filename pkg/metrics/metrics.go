// Package metrics exposes the Prometheus collectors shared by every gateway
// component: HTTP/duplex request metrics, session worker wire-operation and
// degraded-state metrics, lock arbiter contention metrics, stream multiplexer
// fan-out metrics, alarm engine evaluation metrics, and scheduler dispatch
// metrics.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "instrument_gateway"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	wsConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Current number of open duplex (websocket) client connections.",
		},
		[]string{"equipment_id"},
	)

	sessionOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "operations_total",
			Help:      "Total wire operations dispatched to instrument session workers.",
		},
		[]string{"equipment_id", "operation", "status"},
	)

	sessionOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "operation_duration_seconds",
			Help:      "Duration of instrument wire operations, from queue entry to completion.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"equipment_id", "operation"},
	)

	sessionDegraded = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "degraded",
			Help:      "Whether an instrument session worker is currently in the degraded state (1) or not (0).",
		},
		[]string{"equipment_id"},
	)

	sessionQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "queue_depth",
			Help:      "Current depth of an instrument session worker's request queue.",
		},
		[]string{"equipment_id"},
	)

	lockAcquires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "acquires_total",
			Help:      "Total lock acquire attempts grouped by outcome.",
		},
		[]string{"equipment_id", "mode", "outcome"},
	)

	lockHolders = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "held",
			Help:      "Whether an equipment lock is currently held (1) or free (0) in the given mode.",
		},
		[]string{"equipment_id", "mode"},
	)

	lockWaiters = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "waiters",
			Help:      "Current number of queued waiters for an equipment lock.",
		},
		[]string{"equipment_id"},
	)

	lockDemotions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "demotions_total",
			Help:      "Total observer notifications issued when an exclusive acquire preempted them.",
		},
		[]string{"equipment_id"},
	)

	streamSubscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "subscribers",
			Help:      "Current number of subscribers attached to a producer.",
		},
		[]string{"equipment_id", "stream_type"},
	)

	streamProduced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "samples_produced_total",
			Help:      "Total samples produced by a stream producer.",
		},
		[]string{"equipment_id", "stream_type"},
	)

	streamDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "samples_dropped_total",
			Help:      "Total samples dropped because a subscriber's bounded queue overflowed.",
		},
		[]string{"equipment_id", "stream_type"},
	)

	alarmEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alarm",
			Name:      "evaluations_total",
			Help:      "Total alarm predicate evaluations.",
		},
		[]string{"equipment_id", "status"},
	)

	alarmEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alarm",
			Name:      "events_total",
			Help:      "Total alarm events raised, grouped by severity.",
		},
		[]string{"equipment_id", "severity"},
	)

	alarmActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "alarm",
			Name:      "active",
			Help:      "Current number of unacknowledged active alarms per equipment.",
		},
		[]string{"equipment_id"},
	)

	schedulerDispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Total scheduled job dispatches.",
		},
		[]string{"job_id", "status"},
	)

	schedulerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_run_duration_seconds",
			Help:      "Duration of scheduled job executions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"job_id"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		wsConnections,
		sessionOperations,
		sessionOperationDuration,
		sessionDegraded,
		sessionQueueDepth,
		lockAcquires,
		lockHolders,
		lockWaiters,
		lockDemotions,
		streamSubscribers,
		streamProduced,
		streamDropped,
		alarmEvaluations,
		alarmEvents,
		alarmActive,
		schedulerDispatches,
		schedulerDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// SetWSConnections publishes the current duplex connection count for an
// equipment ID (0 once the last connection closes).
func SetWSConnections(equipmentID string, count int) {
	wsConnections.WithLabelValues(orUnknown(equipmentID)).Set(float64(count))
}

// RecordSessionOperation records the outcome and duration of a wire operation
// dispatched to an instrument session worker.
func RecordSessionOperation(equipmentID, operation, status string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	sessionOperations.WithLabelValues(orUnknown(equipmentID), orUnknown(operation), orUnknown(status)).Inc()
	sessionOperationDuration.WithLabelValues(orUnknown(equipmentID), orUnknown(operation)).Observe(duration.Seconds())
}

// SetSessionDegraded publishes whether a session worker is degraded.
func SetSessionDegraded(equipmentID string, degraded bool) {
	val := 0.0
	if degraded {
		val = 1.0
	}
	sessionDegraded.WithLabelValues(orUnknown(equipmentID)).Set(val)
}

// SetSessionQueueDepth publishes the current request queue depth for a worker.
func SetSessionQueueDepth(equipmentID string, depth int) {
	sessionQueueDepth.WithLabelValues(orUnknown(equipmentID)).Set(float64(depth))
}

// RecordLockAcquire records an acquire attempt outcome
// (refreshed|observer|locked|queued|conflict|promoted).
func RecordLockAcquire(equipmentID, mode, outcome string) {
	lockAcquires.WithLabelValues(orUnknown(equipmentID), orUnknown(mode), orUnknown(outcome)).Inc()
}

// SetLockHeld publishes whether an equipment lock is currently held in the
// given mode (exclusive|observer).
func SetLockHeld(equipmentID, mode string, held bool) {
	val := 0.0
	if held {
		val = 1.0
	}
	lockHolders.WithLabelValues(orUnknown(equipmentID), orUnknown(mode)).Set(val)
}

// SetLockWaiters publishes the current queued-waiter count for a lock.
func SetLockWaiters(equipmentID string, waiters int) {
	lockWaiters.WithLabelValues(orUnknown(equipmentID)).Set(float64(waiters))
}

// RecordLockDemotion records an observer notified of preemption by an
// exclusive acquire (resolves the demotion Open Question as notify, not queue).
func RecordLockDemotion(equipmentID string) {
	lockDemotions.WithLabelValues(orUnknown(equipmentID)).Inc()
}

// SetStreamSubscribers publishes the current subscriber count for a producer.
func SetStreamSubscribers(equipmentID, streamType string, count int) {
	streamSubscribers.WithLabelValues(orUnknown(equipmentID), orUnknown(streamType)).Set(float64(count))
}

// RecordStreamProduced increments the produced-sample counter for a producer.
func RecordStreamProduced(equipmentID, streamType string) {
	streamProduced.WithLabelValues(orUnknown(equipmentID), orUnknown(streamType)).Inc()
}

// RecordStreamDropped increments the dropped-sample counter for a subscriber
// whose bounded queue overflowed.
func RecordStreamDropped(equipmentID, streamType string) {
	streamDropped.WithLabelValues(orUnknown(equipmentID), orUnknown(streamType)).Inc()
}

// RecordAlarmEvaluation records one predicate evaluation cycle.
func RecordAlarmEvaluation(equipmentID, status string) {
	alarmEvaluations.WithLabelValues(orUnknown(equipmentID), orUnknown(status)).Inc()
}

// RecordAlarmEvent records a raised alarm event by severity.
func RecordAlarmEvent(equipmentID, severity string) {
	alarmEvents.WithLabelValues(orUnknown(equipmentID), orUnknown(severity)).Inc()
}

// SetAlarmActive publishes the current unacknowledged alarm count.
func SetAlarmActive(equipmentID string, count int) {
	alarmActive.WithLabelValues(orUnknown(equipmentID)).Set(float64(count))
}

// RecordSchedulerDispatch records a scheduled job dispatch outcome and duration.
func RecordSchedulerDispatch(jobID, status string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	schedulerDispatches.WithLabelValues(orUnknown(jobID), orUnknown(status)).Inc()
	schedulerDuration.WithLabelValues(orUnknown(jobID)).Observe(duration.Seconds())
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "equipment" {
		return "/" + parts[0]
	}
	if len(parts) == 1 {
		return "/equipment"
	}
	if len(parts) == 2 {
		return "/equipment/:id"
	}
	return "/equipment/:id/" + parts[2]
}
