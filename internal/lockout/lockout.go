// Package lockout enforces timed lockouts after repeated authentication
// failures. Each identity carries a failure counter; crossing the
// configured maximum locks the identity until a fixed duration elapses.
//
// Security model:
//   - the counter only resets on a successful authentication or when an
//     expired lock is cleared, never by waiting below the threshold
//   - lock expiry is evaluated lazily on read, so no background sweeper
//     can be disabled to defeat a lockout
//   - state is persisted after every mutation and reloaded at
//     construction, surviving process restarts
package lockout

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"biolock/internal/store"
)

// Manager tracks per-identity failure state. All methods are safe for
// concurrent use; a single lock is enough at expected call rates.
type Manager struct {
	mu          sync.Mutex
	records     map[string]*store.LockoutRecord
	maxAttempts int
	duration    time.Duration
	st          *store.Store
	logger      *slog.Logger
	now         func() time.Time
}

// NewManager loads persisted lockout state and returns a manager
// enforcing maxAttempts consecutive failures before a lock of the given
// duration.
func NewManager(st *store.Store, maxAttempts int, duration time.Duration, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		records:     make(map[string]*store.LockoutRecord),
		maxAttempts: maxAttempts,
		duration:    duration,
		st:          st,
		logger:      logger,
		now:         time.Now,
	}
	recs, err := st.AllLockouts()
	if err != nil {
		return nil, fmt.Errorf("load lockout state: %w", err)
	}
	for i := range recs {
		rec := recs[i]
		m.records[rec.Identity] = &rec
	}
	return m, nil
}

// RecordFailure registers a failed attempt and reports whether the
// identity is now locked.
func (m *Manager) RecordFailure(identity string) (locked bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.record(identity)
	rec.FailedAttempts++
	rec.LastAttempt = m.now()
	if rec.FailedAttempts >= m.maxAttempts {
		rec.LockedUntil = m.now().Add(m.duration)
		m.logger.Warn("identity locked out",
			"identity", identity,
			"failed_attempts", rec.FailedAttempts,
			"locked_until", rec.LockedUntil)
	}
	if err := m.st.PutLockout(rec); err != nil {
		return false, fmt.Errorf("persist lockout: %w", err)
	}
	return !rec.LockedUntil.IsZero(), nil
}

// RecordSuccess resets the failure counter and clears any lock.
func (m *Manager) RecordSuccess(identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.record(identity)
	rec.FailedAttempts = 0
	rec.LastAttempt = m.now()
	rec.LockedUntil = time.Time{}
	if err := m.st.PutLockout(rec); err != nil {
		return fmt.Errorf("persist lockout: %w", err)
	}
	return nil
}

// IsLocked reports whether the identity is currently locked. An expired
// lock is cleared and persisted as a side effect of the check.
func (m *Manager) IsLocked(identity string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isLockedLocked(identity)
}

// TimeRemaining returns how long the identity stays locked, or zero
// when not locked.
func (m *Manager) TimeRemaining(identity string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isLockedLocked(identity) {
		return 0
	}
	return m.records[identity].LockedUntil.Sub(m.now())
}

// FailedAttempts returns the current consecutive-failure count.
func (m *Manager) FailedAttempts(identity string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[identity]
	if !ok {
		return 0
	}
	return rec.FailedAttempts
}

func (m *Manager) record(identity string) *store.LockoutRecord {
	rec, ok := m.records[identity]
	if !ok {
		rec = &store.LockoutRecord{Identity: identity}
		m.records[identity] = rec
	}
	return rec
}

// isLockedLocked requires m.mu held.
func (m *Manager) isLockedLocked(identity string) bool {
	rec, ok := m.records[identity]
	if !ok || rec.LockedUntil.IsZero() {
		return false
	}
	if m.now().Before(rec.LockedUntil) {
		return true
	}

	// Lazy expiry: the lock elapsed, clear it and start fresh.
	rec.LockedUntil = time.Time{}
	rec.FailedAttempts = 0
	if err := m.st.PutLockout(rec); err != nil {
		m.logger.Error("persist expired lockout clear", "identity", identity, "error", err)
	}
	m.logger.Info("lockout expired", "identity", identity)
	return false
}
