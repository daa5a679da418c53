package server

import (
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"

	"carbsmart/internal/clock"
	"carbsmart/internal/dose"
	"carbsmart/internal/pinguard"
)

const (
	defaultSessionTTL = time.Hour
	minSweepInterval  = time.Minute
)

// userSession is the in-memory state of one user: the PIN gate and the
// meals analyzed but not yet confirmed.
type userSession struct {
	userID  string
	guard   *pinguard.Guard
	pending *dose.Session

	mu       sync.Mutex
	inFlight int
	lastSeen time.Time
	evicted  bool
}

// acquire marks the session busy. It fails once the session was evicted.
func (s *userSession) acquire(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return false
	}
	s.inFlight++
	s.lastSeen = now
	return true
}

func (s *userSession) release(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	s.lastSeen = now
}

// evictIfIdle marks the session evicted when it can be dropped without losing
// anything: no request in flight for ttl, settings locked, no unconfirmed meals.
func (s *userSession) evictIfIdle(now time.Time, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted || s.inFlight > 0 || now.Sub(s.lastSeen) < ttl {
		return false
	}
	if s.pending.Len() > 0 || s.guard.Unlocked() {
		return false
	}
	s.evicted = true
	return true
}

type sessionRegistry struct {
	store    pinguard.CredentialStore
	hasher   pinguard.Hasher
	clock    clock.Clock
	logger   *zap.Logger
	ttl      time.Duration
	sessions cmap.ConcurrentMap[string, *userSession]

	mu     sync.Mutex
	sweep  clock.Timer
	closed bool
}

func newSessionRegistry(store pinguard.CredentialStore, hasher pinguard.Hasher, clk clock.Clock, logger *zap.Logger, ttl time.Duration) *sessionRegistry {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	r := &sessionRegistry{
		store:    store,
		hasher:   hasher,
		clock:    clk,
		logger:   logger,
		ttl:      ttl,
		sessions: cmap.New[*userSession](),
	}
	r.mu.Lock()
	r.armSweepLocked()
	r.mu.Unlock()
	return r
}

// get returns the session for userID, creating it on first use. The caller
// must hand it back with put.
func (r *sessionRegistry) get(userID string) (*userSession, error) {
	for {
		sess, err := r.lookup(userID)
		if err != nil {
			return nil, err
		}
		if sess.acquire(r.clock.Now()) {
			return sess, nil
		}
		// Evicted between lookup and acquire; the map no longer holds it.
	}
}

func (r *sessionRegistry) put(sess *userSession) {
	sess.release(r.clock.Now())
}

func (r *sessionRegistry) lookup(userID string) (*userSession, error) {
	if sess, ok := r.sessions.Get(userID); ok {
		return sess, nil
	}

	guard, err := pinguard.NewGuard(pinguard.Deps{
		UserID: userID,
		Store:  r.store,
		Hasher: r.hasher,
		Clock:  r.clock,
		Logger: r.logger,
	})
	if err != nil {
		return nil, err
	}
	candidate := &userSession{
		userID:   userID,
		guard:    guard,
		pending:  dose.NewSession(),
		lastSeen: r.clock.Now(),
	}

	sess := r.sessions.Upsert(userID, candidate, func(exist bool, inMap, fresh *userSession) *userSession {
		if exist {
			return inMap
		}
		return fresh
	})
	if sess != candidate {
		candidate.guard.Close()
	}
	return sess, nil
}

func (r *sessionRegistry) count() int {
	return r.sessions.Count()
}

// evictIdle drops sessions idle for at least the TTL whose guard is locked
// and whose pending list is empty. The PIN state lives in the store, so a
// later request rebuilds the session as it was.
func (r *sessionRegistry) evictIdle() int {
	now := r.clock.Now()
	evicted := 0
	for _, key := range r.sessions.Keys() {
		var victim *userSession
		r.sessions.RemoveCb(key, func(_ string, sess *userSession, exists bool) bool {
			if !exists || !sess.evictIfIdle(now, r.ttl) {
				return false
			}
			victim = sess
			return true
		})
		if victim != nil {
			victim.guard.Close()
			evicted++
		}
	}
	if evicted > 0 {
		r.logger.Debug("evicted idle sessions", zap.Int("count", evicted), zap.Int("remaining", r.count()))
	}
	return evicted
}

func (r *sessionRegistry) sweepInterval() time.Duration {
	if every := r.ttl / 4; every > minSweepInterval {
		return every
	}
	return minSweepInterval
}

func (r *sessionRegistry) armSweepLocked() {
	r.sweep = r.clock.AfterFunc(r.sweepInterval(), func() {
		r.evictIdle()
		r.mu.Lock()
		defer r.mu.Unlock()
		if !r.closed {
			r.armSweepLocked()
		}
	})
}

// closeAll stops the sweep and every guard's timers. Pending meals are dropped.
func (r *sessionRegistry) closeAll() {
	r.mu.Lock()
	r.closed = true
	if r.sweep != nil {
		r.sweep.Stop()
	}
	r.mu.Unlock()

	for item := range r.sessions.IterBuffered() {
		item.Val.guard.Close()
		if n := item.Val.pending.Len(); n > 0 {
			r.logger.Warn("dropping unconfirmed meals on shutdown",
				zap.String("user_id", item.Key), zap.Int("count", n))
		}
		r.sessions.Remove(item.Key)
	}
}
