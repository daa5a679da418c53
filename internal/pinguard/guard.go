// Package pinguard gates the dosing settings behind a parental PIN. A Guard
// tracks one user's session: PIN setup, verification with failed-attempt
// lockout, and automatic re-locking after inactivity.
package pinguard

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"carbsmart/internal/clock"
	"carbsmart/internal/models"
)

const (
	MaxFailedAttempts = 5
	LockoutDuration   = 15 * time.Minute
	AutoLockAfter     = 30 * time.Minute

	expiryPersistTimeout = 10 * time.Second
)

var pinPattern = regexp.MustCompile(`^\d{4}$`)

type State int

const (
	NoPin State = iota
	Locked
	LockedOut
	Unlocked
)

func (s State) String() string {
	switch s {
	case NoPin:
		return "no_pin"
	case Locked:
		return "locked"
	case LockedOut:
		return "locked_out"
	case Unlocked:
		return "unlocked"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is a snapshot of the guard taken after a transition.
type Status struct {
	State             State
	AttemptsRemaining int
	LockedUntil       time.Time
	RetryAfter        time.Duration
	UnlockedAt        time.Time
	AutoLockAt        time.Time
	LastUnlock        time.Time
}

// Deps wires a Guard to its collaborators.
type Deps struct {
	UserID string
	Store  CredentialStore
	Hasher Hasher
	Clock  clock.Clock
	Logger *zap.Logger
}

// Guard is the PIN state machine for a single user session. All transitions
// are serialized on the guard; cross-device serialization is the store's job.
type Guard struct {
	userID string
	store  CredentialStore
	hasher Hasher
	clock  clock.Clock
	logger *zap.Logger

	mu          sync.Mutex
	loaded      bool
	closed      bool
	hasPin      bool
	failed      int
	lockedUntil time.Time
	lastUnlock  time.Time
	unlocked    bool
	unlockedAt  time.Time
	autoLockAt  time.Time

	autoLockTimer clock.Timer
	autoLockGen   uint64
	lockoutTimer  clock.Timer
	lockoutGen    uint64
}

func NewGuard(deps Deps) (*Guard, error) {
	if strings.TrimSpace(deps.UserID) == "" {
		return nil, errors.New("pinguard: user id is required")
	}
	if deps.Store == nil {
		return nil, errors.New("pinguard: credential store is required")
	}
	hasher := deps.Hasher
	if hasher == nil {
		hasher = BcryptHasher{}
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.System()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		userID: deps.UserID,
		store:  deps.Store,
		hasher: hasher,
		clock:  clk,
		logger: logger.With(zap.String("user_id", deps.UserID)),
	}, nil
}

// Load reads the stored credential. Other operations call it implicitly.
func (g *Guard) Load(ctx context.Context) (Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.ensureLoadedLocked(ctx); err != nil {
		return g.snapshotLocked(g.clock.Now()), err
	}
	return g.snapshotLocked(g.clock.Now()), nil
}

func (g *Guard) Status(ctx context.Context) (Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.ensureLoadedLocked(ctx); err != nil {
		return g.snapshotLocked(g.clock.Now()), err
	}
	now := g.clock.Now()
	g.expireLockoutLocked(now)
	g.expireAutoLockLocked(now)
	return g.snapshotLocked(now), nil
}

// SetPin creates the credential and unlocks the session. It only succeeds
// while no PIN exists.
func (g *Guard) SetPin(ctx context.Context, pin, confirmPin string) (Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureLoadedLocked(ctx); err != nil {
		return g.snapshotLocked(g.clock.Now()), err
	}
	if !pinPattern.MatchString(pin) {
		return g.snapshotLocked(g.clock.Now()), ErrInvalidPinFormat
	}
	if pin != confirmPin {
		return g.snapshotLocked(g.clock.Now()), ErrPinMismatch
	}
	if g.hasPin {
		return g.snapshotLocked(g.clock.Now()), ErrPinAlreadySet
	}

	hashed, err := g.hasher.Hash(pin)
	if err != nil {
		return g.snapshotLocked(g.clock.Now()), fmt.Errorf("%w: hash pin: %v", ErrCredentialStore, err)
	}

	stored, err := g.store.UpdateCredential(ctx, g.userID, func(current *models.PinCredential) (*models.PinCredential, error) {
		if current != nil && current.HashedPin != "" {
			return nil, ErrPinAlreadySet
		}
		return &models.PinCredential{HashedPin: hashed}, nil
	})
	now := g.clock.Now()
	if err != nil {
		if errors.Is(err, ErrPinAlreadySet) {
			// Another session set it first.
			g.loaded = false
			_ = g.ensureLoadedLocked(ctx)
			return g.snapshotLocked(now), ErrPinAlreadySet
		}
		return g.snapshotLocked(now), g.storeError(err)
	}

	g.syncLocked(stored, now)
	g.enterUnlockedLocked(now)
	g.logger.Info("parental pin created")
	return g.snapshotLocked(now), nil
}

// Verify checks pin against the stored credential. A match unlocks the
// session. A mismatch is recorded before returning and is never undone, even
// if ctx is cancelled afterwards.
func (g *Guard) Verify(ctx context.Context, pin string) (Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureLoadedLocked(ctx); err != nil {
		return g.snapshotLocked(g.clock.Now()), err
	}
	now := g.clock.Now()
	g.expireLockoutLocked(now)
	g.expireAutoLockLocked(now)

	if !g.hasPin {
		return g.snapshotLocked(now), ErrNoPin
	}
	if g.lockedOutLocked(now) {
		return g.snapshotLocked(now), g.lockedOutError(now)
	}
	if !pinPattern.MatchString(pin) {
		return g.snapshotLocked(now), ErrInvalidPinFormat
	}
	if err := ctx.Err(); err != nil {
		return g.snapshotLocked(now), err
	}

	var (
		matched bool
		seen    *models.PinCredential
	)
	stored, err := g.store.UpdateCredential(ctx, g.userID, func(current *models.PinCredential) (*models.PinCredential, error) {
		seen = current.Clone()
		if current == nil || current.HashedPin == "" {
			return nil, ErrNoPin
		}
		next := current
		if next.LockedUntil != nil {
			if now.Before(*next.LockedUntil) {
				return nil, ErrStillLockedOut
			}
			next.LockedUntil = nil
			next.FailedAttempts = 0
		}

		ok, err := g.hasher.Compare(next.HashedPin, pin)
		if err != nil {
			return nil, err
		}
		matched = ok
		if ok {
			next.FailedAttempts = 0
			unlockAt := now
			next.LastUnlockTime = &unlockAt
			return next, nil
		}
		next.FailedAttempts++
		if next.FailedAttempts >= MaxFailedAttempts {
			until := now.Add(LockoutDuration)
			next.LockedUntil = &until
		}
		return next, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrNoPin):
			g.hasPin = false
			g.enterLockedLocked()
			return g.snapshotLocked(now), ErrNoPin
		case errors.Is(err, ErrStillLockedOut):
			// Lockout was recorded by another session.
			g.syncLocked(seen, now)
			g.enterLockedLocked()
			return g.snapshotLocked(now), g.lockedOutError(now)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return g.snapshotLocked(now), err
		default:
			return g.snapshotLocked(now), g.storeError(err)
		}
	}

	g.syncLocked(stored, now)
	if matched {
		g.enterUnlockedLocked(now)
		g.logger.Info("settings unlocked")
		return g.snapshotLocked(now), nil
	}

	g.enterLockedLocked()
	if g.lockedOutLocked(now) {
		g.logger.Warn("parental pin locked out",
			zap.Int("failed_attempts", g.failed),
			zap.Time("locked_until", g.lockedUntil))
		return g.snapshotLocked(now), fmt.Errorf("%w: locked out for %s", ErrIncorrectPin, g.lockedUntil.Sub(now))
	}
	remaining := MaxFailedAttempts - g.failed
	g.logger.Info("incorrect parental pin", zap.Int("attempts_remaining", remaining))
	return g.snapshotLocked(now), fmt.Errorf("%w: %d attempts remaining", ErrIncorrectPin, remaining)
}

// Lock ends the unlocked session immediately. The stored credential is untouched.
func (g *Guard) Lock() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.unlocked {
		g.logger.Info("settings locked")
	}
	g.enterLockedLocked()
	now := g.clock.Now()
	g.expireLockoutLocked(now)
	return g.snapshotLocked(now)
}

// Touch records activity, restarting the inactivity timer while unlocked.
// It reports whether the session is unlocked.
func (g *Guard) Touch() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	g.expireAutoLockLocked(now)
	if !g.unlocked || g.closed {
		return false
	}
	g.armAutoLockLocked(now)
	return true
}

// Unlocked reports whether the session currently has access.
func (g *Guard) Unlocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expireAutoLockLocked(g.clock.Now())
	return g.unlocked
}

// Close stops pending timers. The guard stays locked afterwards.
func (g *Guard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enterLockedLocked()
	g.cancelLockoutLocked()
	g.closed = true
}

func (g *Guard) ensureLoadedLocked(ctx context.Context) error {
	if g.closed {
		return ErrClosed
	}
	if g.loaded {
		return nil
	}
	cred, err := g.store.LoadCredential(ctx, g.userID)
	if err != nil {
		return g.storeError(err)
	}
	g.loaded = true
	g.syncLocked(cred, g.clock.Now())
	return nil
}

// syncLocked copies stored fields into the session and (re)arms the lockout
// timer to match.
func (g *Guard) syncLocked(cred *models.PinCredential, now time.Time) {
	if cred == nil || cred.HashedPin == "" {
		g.hasPin = false
		g.failed = 0
		g.lockedUntil = time.Time{}
		g.lastUnlock = time.Time{}
		g.cancelLockoutLocked()
		return
	}
	g.hasPin = true
	g.failed = cred.FailedAttempts
	g.lastUnlock = time.Time{}
	if cred.LastUnlockTime != nil {
		g.lastUnlock = *cred.LastUnlockTime
	}
	prev := g.lockedUntil
	g.lockedUntil = time.Time{}
	if cred.LockedUntil != nil {
		g.lockedUntil = *cred.LockedUntil
	}
	switch {
	case g.lockedUntil.IsZero():
		g.cancelLockoutLocked()
	case !g.lockedUntil.Equal(prev) || g.lockoutTimer == nil:
		g.armLockoutLocked(now)
	}
}

func (g *Guard) lockedOutLocked(now time.Time) bool {
	return !g.lockedUntil.IsZero() && now.Before(g.lockedUntil)
}

// expireLockoutLocked clears an elapsed lockout in memory. The stored copy is
// reset by the lockout timer or by the next verification.
func (g *Guard) expireLockoutLocked(now time.Time) {
	if g.lockedUntil.IsZero() || now.Before(g.lockedUntil) {
		return
	}
	g.lockedUntil = time.Time{}
	g.failed = 0
	g.cancelLockoutLocked()
}

func (g *Guard) enterUnlockedLocked(now time.Time) {
	g.unlocked = true
	g.unlockedAt = now
	g.armAutoLockLocked(now)
}

func (g *Guard) enterLockedLocked() {
	g.unlocked = false
	g.unlockedAt = time.Time{}
	g.autoLockAt = time.Time{}
	g.cancelAutoLockLocked()
}

// expireAutoLockLocked locks a session whose inactivity deadline has passed
// before its timer callback got to run.
func (g *Guard) expireAutoLockLocked(now time.Time) {
	if !g.unlocked || now.Before(g.autoLockAt) {
		return
	}
	g.enterLockedLocked()
	g.logger.Info("settings auto-locked after inactivity")
}

func (g *Guard) armAutoLockLocked(now time.Time) {
	g.cancelAutoLockLocked()
	gen := g.autoLockGen
	g.autoLockAt = now.Add(AutoLockAfter)
	g.autoLockTimer = g.clock.AfterFunc(AutoLockAfter, func() { g.onAutoLock(gen) })
}

func (g *Guard) cancelAutoLockLocked() {
	if g.autoLockTimer != nil {
		g.autoLockTimer.Stop()
		g.autoLockTimer = nil
	}
	g.autoLockGen++
}

func (g *Guard) onAutoLock(gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || gen != g.autoLockGen || !g.unlocked {
		return
	}
	g.autoLockTimer = nil
	g.enterLockedLocked()
	g.logger.Info("settings auto-locked after inactivity")
}

func (g *Guard) armLockoutLocked(now time.Time) {
	g.cancelLockoutLocked()
	gen := g.lockoutGen
	wait := g.lockedUntil.Sub(now)
	if wait < 0 {
		wait = 0
	}
	g.lockoutTimer = g.clock.AfterFunc(wait, func() { g.onLockoutExpired(gen) })
}

func (g *Guard) cancelLockoutLocked() {
	if g.lockoutTimer != nil {
		g.lockoutTimer.Stop()
		g.lockoutTimer = nil
	}
	g.lockoutGen++
}

func (g *Guard) onLockoutExpired(gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || gen != g.lockoutGen || g.lockedUntil.IsZero() {
		return
	}
	g.lockoutTimer = nil
	now := g.clock.Now()
	if now.Before(g.lockedUntil) {
		g.armLockoutLocked(now)
		return
	}
	g.lockedUntil = time.Time{}
	g.failed = 0
	g.lockoutGen++

	ctx, cancel := context.WithTimeout(context.Background(), expiryPersistTimeout)
	defer cancel()
	_, err := g.store.UpdateCredential(ctx, g.userID, func(current *models.PinCredential) (*models.PinCredential, error) {
		if current == nil || current.LockedUntil == nil || now.Before(*current.LockedUntil) {
			return nil, nil
		}
		current.LockedUntil = nil
		current.FailedAttempts = 0
		return current, nil
	})
	if err != nil {
		// The next verification resets the stored lockout instead.
		g.logger.Error("failed to persist lockout expiry", zap.Error(err))
		return
	}
	g.logger.Info("parental pin lockout expired")
}

func (g *Guard) snapshotLocked(now time.Time) Status {
	st := Status{
		LastUnlock: g.lastUnlock,
	}
	switch {
	case !g.hasPin:
		st.State = NoPin
	case g.lockedOutLocked(now):
		st.State = LockedOut
		st.LockedUntil = g.lockedUntil
		st.RetryAfter = g.lockedUntil.Sub(now)
	case g.unlocked:
		st.State = Unlocked
		st.UnlockedAt = g.unlockedAt
		st.AutoLockAt = g.autoLockAt
	default:
		st.State = Locked
	}
	if g.hasPin && st.State != LockedOut {
		st.AttemptsRemaining = MaxFailedAttempts - g.failed
		if st.AttemptsRemaining < 0 {
			st.AttemptsRemaining = 0
		}
	}
	return st
}

func (g *Guard) lockedOutError(now time.Time) error {
	return fmt.Errorf("%w: try again in %s", ErrStillLockedOut, g.lockedUntil.Sub(now).Round(time.Second))
}

func (g *Guard) storeError(err error) error {
	if errors.Is(err, ErrCredentialStore) {
		return err
	}
	g.logger.Error("credential store failure", zap.Error(err))
	return fmt.Errorf("%w: %v", ErrCredentialStore, err)
}
