// Package stream implements the Stream Multiplexer: shared periodic
// producers fanning out instrument telemetry to many bounded per-subscriber
// delivery queues.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/r3e-labs/instrument-gateway/internal/gwerrors"
	"github.com/r3e-labs/instrument-gateway/pkg/logger"
	"github.com/r3e-labs/instrument-gateway/pkg/metrics"
)

// Valid stream types per the Data Model.
const (
	TypeReadings     = "readings"
	TypeWaveform     = "waveform"
	TypeMeasurements = "measurements"
)

func validStreamType(t string) bool {
	switch t {
	case TypeReadings, TypeWaveform, TypeMeasurements:
		return true
	default:
		return false
	}
}

// Sampler performs exactly one sampling operation when invoked. Returned by
// a Session Worker's SubscribeSnapshot.
type Sampler func(ctx context.Context) (any, error)

// WorkerLookup resolves a connected instrument's sampler source. Defined
// here (not imported from internal/session) to keep the dependency pointed
// one way, matching internal/lock's Notifier pattern.
type WorkerLookup interface {
	SubscribeSnapshot(equipmentID, streamType string, params map[string]any) (Sampler, error)
}

// DataMessage is one delivered sample, matching the S→C stream_data wire
// message.
type DataMessage struct {
	EquipmentID string             `json:"equipment_id"`
	StreamType  string             `json:"stream_type"`
	SampledAt   time.Time          `json:"sampled_at"`
	Data        any                `json:"data"`
	Error       *gwerrors.Envelope `json:"error,omitempty"`
}

type subscriptionKey struct {
	SubscriberID string
	EquipmentID  string
	StreamType   string
}

type producerKey struct {
	EquipmentID string
	StreamType  string
	IntervalMS  int
}

type subscription struct {
	key         subscriptionKey
	producerKey producerKey
	params      map[string]any
	queue       chan DataMessage
	overflow    atomic.Int64
}

type producer struct {
	key         producerKey
	sampler     Sampler
	sampleLimit time.Duration

	mu          sync.Mutex
	subscribers map[subscriptionKey]*subscription

	stop chan struct{}
	done chan struct{}
}

func (p *producer) loop() {
	defer close(p.done)
	ticker := time.NewTicker(time.Duration(p.key.IntervalMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			// time.Ticker never queues a backlog of ticks for a slow
			// consumer, which is exactly "on overrun, drop rather than
			// catch up" (§4.5 Producer behaviour) without extra bookkeeping.
			p.tick()
		}
	}
}

func (p *producer) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), p.sampleLimit)
	defer cancel()
	data, err := p.sampler(ctx)

	msg := DataMessage{EquipmentID: p.key.EquipmentID, StreamType: p.key.StreamType, SampledAt: time.Now()}
	if err != nil {
		env := gwerrors.ToEnvelope(err)
		msg.Error = &env
	} else {
		msg.Data = data
	}
	metrics.RecordStreamProduced(p.key.EquipmentID, p.key.StreamType)

	p.mu.Lock()
	subs := make([]*subscription, 0, len(p.subscribers))
	for _, s := range p.subscribers {
		subs = append(subs, s)
	}
	p.mu.Unlock()

	for _, s := range subs {
		deliver(s, msg)
	}
}

// deliver sends msg to the subscriber's bounded queue, dropping the oldest
// buffered message and incrementing the overflow counter when full.
func deliver(s *subscription, msg DataMessage) {
	select {
	case s.queue <- msg:
		return
	default:
	}
	select {
	case <-s.queue:
	default:
	}
	select {
	case s.queue <- msg:
	default:
	}
	s.overflow.Add(1)
	metrics.RecordStreamDropped(msg.EquipmentID, msg.StreamType)
}

type retainedSet struct {
	descriptors []startDescriptor
	expiresAt   time.Time
}

type startDescriptor struct {
	EquipmentID string
	StreamType  string
	IntervalMS  int
	Params      map[string]any
}

// Config controls queue sizing, sampling, and reconnect-grace timing.
type Config struct {
	QueueDepth    int           // per-subscriber bounded queue depth, default 64
	SampleTimeout time.Duration // per-tick sampler deadline, default 2s
	GraceWindow   time.Duration // reconnect grace window, default 30s
	ReapInterval  time.Duration // retained-subscription sweep interval, default 10s
}

func (c Config) withDefaults() Config {
	if c.QueueDepth <= 0 {
		c.QueueDepth = 64
	}
	if c.SampleTimeout <= 0 {
		c.SampleTimeout = 2 * time.Second
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = 30 * time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 10 * time.Second
	}
	return c
}

// Multiplexer is the Stream Multiplexer.
type Multiplexer struct {
	cfg     Config
	workers WorkerLookup
	log     *logger.Logger

	mu            sync.Mutex
	producers     map[producerKey]*producer
	subscriptions map[subscriptionKey]*subscription
	retained      map[string]*retainedSet

	stop chan struct{}
	done chan struct{}
}

// New constructs a Multiplexer backed by workers for sampler resolution.
func New(workers WorkerLookup, cfg Config, log *logger.Logger) *Multiplexer {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.NewDefault("stream")
	}
	m := &Multiplexer{
		cfg:           cfg,
		workers:       workers,
		log:           log,
		producers:     map[producerKey]*producer{},
		subscriptions: map[subscriptionKey]*subscription{},
		retained:      map[string]*retainedSet{},
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// Stop halts the retained-subscription reaper. It does not tear down live
// producers; callers should Stop subscriptions explicitly during shutdown.
func (m *Multiplexer) Stop() {
	close(m.stop)
	<-m.done
}

// Start implements §4.5's subscriber contract: starting an already-active
// subscription (same subscriber/equipment/stream type) atomically replaces
// the prior one, even if only the interval or parameters changed.
func (m *Multiplexer) Start(subscriberID, equipmentID, streamType string, intervalMS int, params map[string]any) error {
	if !validStreamType(streamType) {
		return gwerrors.BadRequestf("unknown stream type %q", streamType)
	}
	if intervalMS <= 0 {
		intervalMS = 1000
	}

	subKey := subscriptionKey{SubscriberID: subscriberID, EquipmentID: equipmentID, StreamType: streamType}
	pKey := producerKey{EquipmentID: equipmentID, StreamType: streamType, IntervalMS: intervalMS}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.subscriptions[subKey]; ok {
		m.detachLocked(existing)
		delete(m.subscriptions, subKey)
	}

	prod, err := m.getOrCreateProducerLocked(pKey, params)
	if err != nil {
		return err
	}

	sub := &subscription{
		key: subKey, producerKey: pKey, params: params,
		queue: make(chan DataMessage, m.cfg.QueueDepth),
	}
	prod.mu.Lock()
	prod.subscribers[subKey] = sub
	count := len(prod.subscribers)
	prod.mu.Unlock()

	m.subscriptions[subKey] = sub
	metrics.SetStreamSubscribers(equipmentID, streamType, count)
	return nil
}

// StopSubscription implements §4.5's stop contract: it tears down one
// subscriber's subscription, decrementing the shared producer's ref-count
// and tearing the producer down once it reaches zero subscribers.
func (m *Multiplexer) StopSubscription(subscriberID, equipmentID, streamType string) error {
	subKey := subscriptionKey{SubscriberID: subscriberID, EquipmentID: equipmentID, StreamType: streamType}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.subscriptions[subKey]
	if !ok {
		return gwerrors.NotFoundf("subscription", subscriberID+"/"+equipmentID+"/"+streamType)
	}
	m.detachLocked(existing)
	delete(m.subscriptions, subKey)
	return nil
}

// Messages returns the subscriber's delivery queue.
func (m *Multiplexer) Messages(subscriberID, equipmentID, streamType string) (<-chan DataMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[subscriptionKey{SubscriberID: subscriberID, EquipmentID: equipmentID, StreamType: streamType}]
	if !ok {
		return nil, false
	}
	return sub.queue, true
}

// Overflow returns the overflow counter for a subscription, for diagnostics.
func (m *Multiplexer) Overflow(subscriberID, equipmentID, streamType string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[subscriptionKey{SubscriberID: subscriberID, EquipmentID: equipmentID, StreamType: streamType}]
	if !ok {
		return 0
	}
	return sub.overflow.Load()
}

// Suspend detaches every active subscription for subscriberID the same way
// StopSubscription does (a producer left with no subscribers stops), and
// retains their descriptors for the reconnect grace window so a later
// Resume can restart them.
func (m *Multiplexer) Suspend(subscriberID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var descriptors []startDescriptor
	for key, sub := range m.subscriptions {
		if key.SubscriberID != subscriberID {
			continue
		}
		descriptors = append(descriptors, startDescriptor{
			EquipmentID: key.EquipmentID, StreamType: key.StreamType,
			IntervalMS: sub.producerKey.IntervalMS, Params: sub.params,
		})
		m.detachLocked(sub)
		delete(m.subscriptions, key)
	}
	if len(descriptors) > 0 {
		m.retained[subscriberID] = &retainedSet{descriptors: descriptors, expiresAt: time.Now().Add(m.cfg.GraceWindow)}
	}
	return len(descriptors)
}

// Resume restarts every subscription retained by a prior Suspend, provided
// the reconnect grace window has not elapsed.
func (m *Multiplexer) Resume(subscriberID string) (int, error) {
	m.mu.Lock()
	ret, ok := m.retained[subscriberID]
	if ok {
		delete(m.retained, subscriberID)
	}
	m.mu.Unlock()

	if !ok {
		return 0, gwerrors.NotFoundf("suspended subscriptions", subscriberID)
	}
	if time.Now().After(ret.expiresAt) {
		return 0, gwerrors.Timeoutf("resume window for %s has elapsed", subscriberID)
	}

	restored := 0
	for _, d := range ret.descriptors {
		if err := m.Start(subscriberID, d.EquipmentID, d.StreamType, d.IntervalMS, d.Params); err == nil {
			restored++
		} else {
			m.log.WithError(err).Warnf("resume: failed to restart subscription for %s/%s", d.EquipmentID, d.StreamType)
		}
	}
	return restored, nil
}

// UnsubscribeAllFor permanently tears down every subscription and any
// retained suspension for subscriberID. It matches clientsession.EndHook's
// signature so the composition root can register it directly.
func (m *Multiplexer) UnsubscribeAllFor(subscriberID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, sub := range m.subscriptions {
		if key.SubscriberID == subscriberID {
			m.detachLocked(sub)
			delete(m.subscriptions, key)
		}
	}
	delete(m.retained, subscriberID)
}

func (m *Multiplexer) getOrCreateProducerLocked(pKey producerKey, params map[string]any) (*producer, error) {
	if p, ok := m.producers[pKey]; ok {
		return p, nil
	}
	sampler, err := m.workers.SubscribeSnapshot(pKey.EquipmentID, pKey.StreamType, params)
	if err != nil {
		return nil, err
	}
	p := &producer{
		key: pKey, sampler: sampler, sampleLimit: m.cfg.SampleTimeout,
		subscribers: map[subscriptionKey]*subscription{},
		stop:        make(chan struct{}), done: make(chan struct{}),
	}
	m.producers[pKey] = p
	go p.loop()
	return p, nil
}

// detachLocked removes sub from its producer and tears the producer down
// once its last subscriber leaves. Callers must hold m.mu.
func (m *Multiplexer) detachLocked(sub *subscription) {
	p, ok := m.producers[sub.producerKey]
	if !ok {
		return
	}
	p.mu.Lock()
	delete(p.subscribers, sub.key)
	remaining := len(p.subscribers)
	p.mu.Unlock()

	metrics.SetStreamSubscribers(sub.key.EquipmentID, sub.key.StreamType, remaining)
	if remaining == 0 {
		delete(m.producers, sub.producerKey)
		close(p.stop)
		<-p.done
	}
}

func (m *Multiplexer) reapLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.reapOnce()
		}
	}
}

func (m *Multiplexer) reapOnce() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ret := range m.retained {
		if now.After(ret.expiresAt) {
			delete(m.retained, id)
		}
	}
}
