// Package scheduler implements the Scheduler: a polling job table keyed by
// next-fire timestamp that dispatches due operations as if they were
// external requests, under a synthetic system session identifier.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/r3e-labs/instrument-gateway/internal/gwerrors"
	"github.com/r3e-labs/instrument-gateway/pkg/logger"
	"github.com/r3e-labs/instrument-gateway/pkg/metrics"
)

// SystemSessionID is the synthetic session identifier scheduled dispatches
// are attributed to, per §4.7 ("a synthetic system session identifier that
// has its own permissions"). The composition root's App.Execute recognizes
// it and skips lock enforcement for it, and the REST command route refuses
// it as a client-supplied session_id.
const SystemSessionID = "system:scheduler"

// Kind is one of the three schedule descriptor shapes from the Data Model.
type Kind string

const (
	OneShot  Kind = "one_shot"
	Interval Kind = "interval"
	Cron     Kind = "cron"
)

// Schedule describes when a job fires next. Exactly one of At, Period, or
// Expression is meaningful, selected by Kind.
type Schedule struct {
	Kind       Kind          `json:"kind"`
	At         time.Time     `json:"at,omitempty"`         // one_shot
	Period     time.Duration `json:"period,omitempty"`     // interval
	Expression string        `json:"expression,omitempty"` // cron, standard five-field (robfig/cron/v3)
}

// Dispatcher performs one scheduled operation as if it arrived as an
// external request. Declared here (not imported from internal/session or
// internal/lock) so the Scheduler stays decoupled from how the composition
// root wires lock enforcement and execution together, matching the
// one-way-dependency pattern used throughout this codebase.
type Dispatcher interface {
	Dispatch(ctx context.Context, equipmentID, operation string, params map[string]any, sessionID string) (any, error)
}

// Job is a scheduled job record per the Data Model.
type Job struct {
	ID           string         `json:"id"`
	Schedule     Schedule       `json:"schedule"`
	EquipmentID  string         `json:"equipment_id"`
	Operation    string         `json:"operation"`
	Params       map[string]any `json:"params,omitempty"`
	Enabled      bool           `json:"enabled"`
	NextFire     time.Time      `json:"next_fire"`
	LastFireAt   time.Time      `json:"last_fire_at,omitempty"`
	MissedFireAt *time.Time     `json:"missed_fire_at,omitempty"`
	LastError    string         `json:"last_error,omitempty"`

	cronSchedule cron.Schedule
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Config controls the polling interval and per-dispatch deadline.
type Config struct {
	PollInterval     time.Duration // default 1s
	DispatchDeadline time.Duration // default 30s
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.DispatchDeadline <= 0 {
		c.DispatchDeadline = 30 * time.Second
	}
	return c
}

// Scheduler is the Scheduler component.
type Scheduler struct {
	cfg        Config
	dispatcher Dispatcher
	log        *logger.Logger

	mu   sync.Mutex
	jobs map[string]*Job

	stop chan struct{}
	done chan struct{}
}

// New constructs a Scheduler and starts its polling loop.
func New(dispatcher Dispatcher, cfg Config, log *logger.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	s := &Scheduler{
		cfg: cfg, dispatcher: dispatcher, log: log,
		jobs: map[string]*Job{},
		stop: make(chan struct{}), done: make(chan struct{}),
	}
	go s.loop()
	return s
}

// Stop halts the polling loop.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

// Create validates a schedule descriptor, computes its first next-fire
// timestamp, and stores the job.
func (s *Scheduler) Create(j Job) (Job, error) {
	cronSched, next, err := resolveSchedule(j.Schedule, time.Now())
	if err != nil {
		return Job{}, err
	}
	if j.EquipmentID == "" || j.Operation == "" {
		return Job{}, gwerrors.BadRequestf("a scheduled job requires both equipment_id and operation")
	}

	j.ID = uuid.NewString()
	j.cronSchedule = cronSched
	j.NextFire = next
	j.Enabled = true
	j.MissedFireAt = nil

	s.mu.Lock()
	s.jobs[j.ID] = &j
	s.mu.Unlock()
	return j, nil
}

// Restore re-registers a previously persisted job, preserving its existing
// ID and NextFire instead of recomputing them from now, for startup reload
// from internal/storage. A cron job's parsed schedule is re-derived from
// its expression since cron.Schedule itself isn't serializable.
func (s *Scheduler) Restore(j Job) (Job, error) {
	if j.ID == "" {
		return Job{}, gwerrors.BadRequestf("restored job must have an id")
	}
	if j.EquipmentID == "" || j.Operation == "" {
		return Job{}, gwerrors.BadRequestf("a scheduled job requires both equipment_id and operation")
	}
	if j.Schedule.Kind == Cron {
		cronSched, err := cronParser.Parse(j.Schedule.Expression)
		if err != nil {
			return Job{}, gwerrors.BadRequestf("invalid cron expression %q: %v", j.Schedule.Expression, err)
		}
		j.cronSchedule = cronSched
	}
	if j.NextFire.IsZero() {
		_, next, err := resolveSchedule(j.Schedule, time.Now())
		if err != nil {
			return Job{}, err
		}
		j.NextFire = next
	}

	s.mu.Lock()
	s.jobs[j.ID] = &j
	s.mu.Unlock()
	return j, nil
}

func resolveSchedule(sched Schedule, from time.Time) (cron.Schedule, time.Time, error) {
	switch sched.Kind {
	case OneShot:
		if sched.At.IsZero() {
			return nil, time.Time{}, gwerrors.BadRequestf("one_shot schedule requires at")
		}
		return nil, sched.At, nil
	case Interval:
		if sched.Period <= 0 {
			return nil, time.Time{}, gwerrors.BadRequestf("interval schedule requires a positive period")
		}
		return nil, from.Add(sched.Period), nil
	case Cron:
		cronSched, err := cronParser.Parse(sched.Expression)
		if err != nil {
			return nil, time.Time{}, gwerrors.BadRequestf("invalid cron expression %q: %v", sched.Expression, err)
		}
		return cronSched, cronSched.Next(from), nil
	default:
		return nil, time.Time{}, gwerrors.BadRequestf("unknown schedule kind %q", sched.Kind)
	}
}

// Enable flips a job's enabled flag on, recomputing its next-fire timestamp
// from now so a long-disabled job doesn't immediately fire a backlog.
func (s *Scheduler) Enable(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return gwerrors.NotFoundf("scheduled job", id)
	}
	_, next, err := resolveSchedule(j.Schedule, time.Now())
	if err != nil {
		return err
	}
	j.Enabled = true
	j.NextFire = next
	return nil
}

// Disable flips a job's enabled flag off; it stays registered for Enable.
func (s *Scheduler) Disable(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return gwerrors.NotFoundf("scheduled job", id)
	}
	j.Enabled = false
	return nil
}

// Delete removes a job permanently.
func (s *Scheduler) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return gwerrors.NotFoundf("scheduled job", id)
	}
	delete(s.jobs, id)
	return nil
}

// Get returns one job by ID.
func (s *Scheduler) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// List returns every job.
func (s *Scheduler) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	return out
}

func (s *Scheduler) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick fires every due, enabled job exactly once regardless of how many
// schedule periods have elapsed since its last fire (the bounded-to-one
// missed-fire catch-up from §4.7), then reschedules or retires it.
func (s *Scheduler) tick() {
	now := time.Now()

	s.mu.Lock()
	due := make([]*Job, 0)
	for _, j := range s.jobs {
		if j.Enabled && !j.NextFire.IsZero() && !j.NextFire.After(now) {
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		s.fire(j, now)
	}
}

func (s *Scheduler) fire(j *Job, now time.Time) {
	originalNext := j.NextFire

	go s.dispatch(j.ID, j.EquipmentID, j.Operation, j.Params)

	s.mu.Lock()
	cur, ok := s.jobs[j.ID]
	if !ok {
		s.mu.Unlock()
		return // deleted between tick's scan and this fire
	}
	cur.LastFireAt = now

	switch cur.Schedule.Kind {
	case OneShot:
		cur.Enabled = false
		cur.NextFire = time.Time{}
	case Interval:
		next := originalNext.Add(cur.Schedule.Period)
		if !next.After(now) {
			missed := next
			next = now.Add(cur.Schedule.Period)
			cur.MissedFireAt = &missed
		}
		cur.NextFire = next
	case Cron:
		next := cur.cronSchedule.Next(originalNext)
		if !next.After(now) {
			missed := next
			next = cur.cronSchedule.Next(now)
			cur.MissedFireAt = &missed
		}
		cur.NextFire = next
	}
	s.mu.Unlock()
}

// dispatch performs the actual operation dispatch asynchronously, matching
// the teacher's own best-effort "go s.executeTrigger(...)" fire-and-log
// idiom, and records the outcome on the job for later inspection.
func (s *Scheduler) dispatch(jobID, equipmentID, operation string, params map[string]any) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DispatchDeadline)
	defer cancel()

	_, err := s.dispatcher.Dispatch(ctx, equipmentID, operation, params, SystemSessionID)

	status := "ok"
	errText := ""
	if err != nil {
		status = "error"
		errText = err.Error()
		s.log.WithError(err).WithField("job_id", jobID).Warnf("scheduled dispatch failed")
	}
	metrics.RecordSchedulerDispatch(jobID, status, time.Since(start))

	s.mu.Lock()
	if j, ok := s.jobs[jobID]; ok {
		j.LastError = errText
	}
	s.mu.Unlock()
}
