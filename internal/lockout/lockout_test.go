package lockout

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"biolock/internal/store"
)

func testManager(t *testing.T, max int, dur time.Duration) (*Manager, *store.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "biolock.db")
	st, err := store.Open(path, 0)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	m, err := NewManager(st, max, dur, slog.Default())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, st, path
}

func TestLockAfterMaxFailures(t *testing.T) {
	m, _, _ := testManager(t, 3, 15*time.Minute)

	for i := 1; i <= 2; i++ {
		locked, err := m.RecordFailure("alice")
		if err != nil {
			t.Fatalf("RecordFailure %d: %v", i, err)
		}
		if locked {
			t.Fatalf("locked after %d failures, want not locked", i)
		}
	}
	if m.IsLocked("alice") {
		t.Fatal("IsLocked = true below the threshold")
	}

	locked, err := m.RecordFailure("alice")
	if err != nil {
		t.Fatalf("RecordFailure 3: %v", err)
	}
	if !locked || !m.IsLocked("alice") {
		t.Fatal("not locked after reaching max failures")
	}
	if rem := m.TimeRemaining("alice"); rem <= 0 || rem > 15*time.Minute {
		t.Errorf("TimeRemaining = %v, want in (0, 15m]", rem)
	}
}

func TestSuccessResetsCounter(t *testing.T) {
	m, _, _ := testManager(t, 3, 15*time.Minute)

	m.RecordFailure("bob")
	m.RecordFailure("bob")
	if err := m.RecordSuccess("bob"); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	if got := m.FailedAttempts("bob"); got != 0 {
		t.Errorf("FailedAttempts = %d after success, want 0", got)
	}

	// The counter restarted; two more failures must not lock.
	m.RecordFailure("bob")
	locked, _ := m.RecordFailure("bob")
	if locked {
		t.Error("locked after 2 post-reset failures")
	}
}

func TestSuccessClearsActiveLock(t *testing.T) {
	m, _, _ := testManager(t, 1, time.Hour)

	m.RecordFailure("carol")
	if !m.IsLocked("carol") {
		t.Fatal("not locked after single-attempt max")
	}
	if err := m.RecordSuccess("carol"); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	if m.IsLocked("carol") {
		t.Error("still locked after success")
	}
}

func TestLazyExpiry(t *testing.T) {
	m, _, _ := testManager(t, 2, 10*time.Minute)

	now := time.Now()
	m.now = func() time.Time { return now }

	m.RecordFailure("dave")
	m.RecordFailure("dave")
	if !m.IsLocked("dave") {
		t.Fatal("not locked")
	}

	now = now.Add(10*time.Minute + time.Second)
	if m.IsLocked("dave") {
		t.Error("still locked after duration elapsed")
	}
	if got := m.FailedAttempts("dave"); got != 0 {
		t.Errorf("FailedAttempts = %d after expiry, want 0", got)
	}
	if rem := m.TimeRemaining("dave"); rem != 0 {
		t.Errorf("TimeRemaining = %v after expiry, want 0", rem)
	}
}

func TestIdentitiesIndependent(t *testing.T) {
	m, _, _ := testManager(t, 2, time.Hour)

	m.RecordFailure("eve")
	m.RecordFailure("eve")
	if !m.IsLocked("eve") {
		t.Fatal("eve not locked")
	}
	if m.IsLocked("frank") {
		t.Error("frank locked by eve's failures")
	}
	if got := m.FailedAttempts("frank"); got != 0 {
		t.Errorf("frank FailedAttempts = %d, want 0", got)
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "biolock.db")
	st, err := store.Open(path, 0)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	m, err := NewManager(st, 2, time.Hour, slog.Default())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.RecordFailure("grace")
	m.RecordFailure("grace")
	st.Close()

	st2, err := store.Open(path, 0)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st2.Close()
	m2, err := NewManager(st2, 2, time.Hour, slog.Default())
	if err != nil {
		t.Fatalf("NewManager after restart: %v", err)
	}
	if !m2.IsLocked("grace") {
		t.Error("lock lost across restart")
	}
	if got := m2.FailedAttempts("grace"); got != 2 {
		t.Errorf("FailedAttempts = %d after restart, want 2", got)
	}
}

func TestUnknownIdentityOpen(t *testing.T) {
	m, _, _ := testManager(t, 3, time.Hour)
	if m.IsLocked("nobody") {
		t.Error("unknown identity reported locked")
	}
	if rem := m.TimeRemaining("nobody"); rem != 0 {
		t.Errorf("TimeRemaining = %v for unknown identity", rem)
	}
}
