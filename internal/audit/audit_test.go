package audit

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"biolock/internal/security"
	"biolock/internal/store"
)

func testLog(t *testing.T) (*Log, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "biolock.db"), 0)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	key := make([]byte, security.KeySize)
	for i := range key {
		key[i] = byte(i * 3)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	return NewLog(st, enc, nil), st
}

func TestAppendAndRecent(t *testing.T) {
	l, _ := testLog(t)

	for i, id := range []string{"alice", "bob", "alice"} {
		err := l.Append(Entry{
			Event:         EventAuthAttempt,
			Identity:      id,
			Authenticated: i%2 == 0,
			Confidence:    0.9,
			Reason:        "AUTHENTICATED",
		})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	all, err := l.Recent(10, "")
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("entries = %d, want 3", len(all))
	}
	// Append order preserved.
	if all[0].Identity != "alice" || all[1].Identity != "bob" || all[2].Identity != "alice" {
		t.Errorf("order = %s,%s,%s", all[0].Identity, all[1].Identity, all[2].Identity)
	}
	for i, e := range all {
		if e.ID == "" {
			t.Errorf("entry %d has no id", i)
		}
		if e.Timestamp.IsZero() {
			t.Errorf("entry %d has no timestamp", i)
		}
	}
}

func TestIdentityFilter(t *testing.T) {
	l, _ := testLog(t)
	l.Append(Entry{Event: EventAuthAttempt, Identity: "alice"})
	l.Append(Entry{Event: EventAuthAttempt, Identity: "bob"})
	l.Append(Entry{Event: EventLockout, Identity: "alice"})

	got, err := l.Recent(10, "alice")
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("filtered entries = %d, want 2", len(got))
	}
	for _, e := range got {
		if e.Identity != "alice" {
			t.Errorf("entry for %s leaked through filter", e.Identity)
		}
	}
}

func TestRecentBounded(t *testing.T) {
	l, _ := testLog(t)
	for i := 0; i < 5; i++ {
		l.Append(Entry{Event: EventAuthAttempt, Identity: "alice", Confidence: float64(i)})
	}
	got, err := l.Recent(2, "")
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("entries = %d, want 2", len(got))
	}
	// The most recent two, still in append order.
	if got[0].Confidence != 3 || got[1].Confidence != 4 {
		t.Errorf("window = %v,%v, want 3,4", got[0].Confidence, got[1].Confidence)
	}
}

func TestCorruptEntrySkipped(t *testing.T) {
	l, st := testLog(t)
	l.Append(Entry{Event: EventAuthAttempt, Identity: "alice"})

	// A blob sealed under a different key is unreadable but must not
	// abort the scan.
	otherKey := make([]byte, security.KeySize)
	otherKey[0] = 0xaa
	other, err := security.NewEncryptor(otherKey)
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	foreign, err := other.Encrypt([]byte(`{"id":"x"}`))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := st.AppendAuditEntry(time.Now().UnixNano(), foreign); err != nil {
		t.Fatalf("AppendAuditEntry: %v", err)
	}

	l.Append(Entry{Event: EventAuthAttempt, Identity: "bob"})

	got, err := l.Recent(10, "")
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("entries = %d, want 2 readable around the corrupt one", len(got))
	}
	if got[0].Identity != "alice" || got[1].Identity != "bob" {
		t.Errorf("order = %s,%s", got[0].Identity, got[1].Identity)
	}
}

func TestStats(t *testing.T) {
	l, _ := testLog(t)
	l.Append(Entry{Event: EventAuthAttempt, Authenticated: true, Confidence: 0.99, Liveness: 0.9})
	l.Append(Entry{Event: EventAuthAttempt, Authenticated: false, Confidence: 0.5, Liveness: 0.6})
	l.Append(Entry{Event: EventFailsafeActivation, Identity: "dev"}) // not an attempt

	s, err := l.Stats(10)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if s.Entries != 3 || s.AuthAttempts != 2 || s.Successes != 1 {
		t.Errorf("stats = %+v", s)
	}
	if math.Abs(s.SuccessRate-0.5) > 1e-9 {
		t.Errorf("success rate = %v, want 0.5", s.SuccessRate)
	}
	if math.Abs(s.AvgConfidence-0.745) > 1e-9 {
		t.Errorf("avg confidence = %v, want 0.745", s.AvgConfidence)
	}
	if math.Abs(s.AvgLiveness-0.75) > 1e-9 {
		t.Errorf("avg liveness = %v, want 0.75", s.AvgLiveness)
	}
}

func TestEntriesOpaqueAtRest(t *testing.T) {
	l, st := testLog(t)
	l.Append(Entry{Event: EventAuthAttempt, Identity: "topsecret-identity"})

	rows, err := st.RecentAuditEntries(1)
	if err != nil {
		t.Fatalf("RecentAuditEntries: %v", err)
	}
	if len(rows) != 1 {
		t.Fatal("no stored row")
	}
	if containsBytes(rows[0].Payload, []byte("topsecret-identity")) {
		t.Error("stored payload contains plaintext identity")
	}
}

func containsBytes(haystack, needle []byte) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
