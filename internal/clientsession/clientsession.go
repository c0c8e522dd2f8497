// Package clientsession implements the Client Session Registry: the record
// of connected clients that the Lock Arbiter and Stream Multiplexer key
// their own state against.
package clientsession

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-labs/instrument-gateway/internal/gwerrors"
)

// Session is a client session record per the Data Model.
type Session struct {
	ID           string
	ClientName   string
	Origin       string
	CreatedAt    time.Time
	LastActivity time.Time
	TimeoutS     int // 0 = no timeout
	Metadata     map[string]any
}

func (s Session) expired(now time.Time) bool {
	return s.TimeoutS > 0 && now.After(s.LastActivity.Add(time.Duration(s.TimeoutS)*time.Second))
}

// EndHook is invoked when a session ends (explicitly or via cleanup), so the
// Lock Arbiter and Stream Multiplexer can release what it owned. Registered
// hooks are called best-effort and in registration order.
type EndHook func(sessionID string)

// Registry owns every live client session.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	hooks    []EndHook
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{sessions: map[string]*Session{}}
}

// OnEnd registers a hook called whenever a session ends.
func (r *Registry) OnEnd(hook EndHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Create registers a new client session with the default 600s timeout. Use
// CreateWithTimeout for any other timeout, including 0 (no timeout).
func (r *Registry) Create(clientName, origin string, metadata map[string]any) string {
	return r.CreateWithTimeout(clientName, origin, 600, metadata)
}

// CreateWithTimeout registers a new client session with an explicit timeout
// in seconds (0 meaning no timeout).
func (r *Registry) CreateWithTimeout(clientName, origin string, timeoutS int, metadata map[string]any) string {
	id := uuid.NewString()
	now := time.Now()
	if metadata == nil {
		metadata = map[string]any{}
	}
	s := &Session{
		ID: id, ClientName: clientName, Origin: origin,
		CreatedAt: now, LastActivity: now, TimeoutS: timeoutS, Metadata: metadata,
	}
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	return id
}

// Lookup returns the session, or false if it doesn't exist or has expired.
func (r *Registry) Lookup(sessionID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok || s.expired(time.Now()) {
		return Session{}, false
	}
	return *s, true
}

// Touch refreshes a session's last-activity timestamp.
func (r *Registry) Touch(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return gwerrors.NotFoundf("client session", sessionID)
	}
	s.LastActivity = time.Now()
	return nil
}

// End removes a session and fires every registered end hook so the Lock
// Arbiter releases its locks and the Stream Multiplexer unsubscribes its
// streams.
func (r *Registry) End(sessionID string) error {
	r.mu.Lock()
	_, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	hooks := make([]EndHook, len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.Unlock()

	if !ok {
		return gwerrors.NotFoundf("client session", sessionID)
	}
	for _, hook := range hooks {
		hook(sessionID)
	}
	return nil
}

// CleanupExpired ends every session whose timeout has elapsed and returns
// the list of ended session IDs.
func (r *Registry) CleanupExpired() []string {
	now := time.Now()
	r.mu.Lock()
	var expired []string
	for id, s := range r.sessions {
		if s.expired(now) {
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		_ = r.End(id)
	}
	return expired
}
