package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiterStore lazily creates one token bucket per client session, refilled
// at ratePerMin and capped at the same burst size — a session that has been
// idle can burst back up to its full per-minute allowance, matching a
// standard token-bucket command-rate limiter.
type limiterStore struct {
	ratePerMin int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newLimiterStore(ratePerMin int) *limiterStore {
	return &limiterStore{ratePerMin: ratePerMin, limiters: map[string]*rate.Limiter{}}
}

// Allow reports whether sessionID may issue one more command right now.
func (s *limiterStore) Allow(sessionID string) bool {
	return s.get(sessionID).Allow()
}

func (s *limiterStore) get(sessionID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[sessionID]
	if !ok {
		perSecond := rate.Limit(float64(s.ratePerMin) / 60.0)
		l = rate.NewLimiter(perSecond, s.ratePerMin)
		s.limiters[sessionID] = l
	}
	return l
}

// Forget drops a session's limiter once its client session ends, so the
// store doesn't grow unbounded across long-lived deployments.
func (s *limiterStore) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.limiters, sessionID)
}
