// Package audit persists a tamper-evident journal of authentication
// and failsafe lifecycle events. Each entry is independently encrypted
// and appended; the store refuses updates and deletes, so history can
// only grow.
//
// Security model:
//   - one encrypted blob per entry; a partial write never reads back
//     as a record
//   - entries are never reordered or rewritten; append position is the
//     sole ordering authority
//   - a corrupt or undecryptable entry is skipped with a warning so a
//     single damaged record cannot hide the rest of the log
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"biolock/internal/security"
	"biolock/internal/store"
)

// EventType tags what kind of lifecycle event an entry records.
type EventType string

const (
	EventAuthAttempt        EventType = "auth_attempt"
	EventEnrollment         EventType = "enrollment"
	EventLockout            EventType = "lockout"
	EventFailsafeSetup      EventType = "failsafe_setup"
	EventFailsafeActivation EventType = "failsafe_activation"
	EventFailsafeDeactivate EventType = "failsafe_deactivation"
	EventFailsafeDenied     EventType = "failsafe_denied"
	EventFailsafeKeyIssued  EventType = "failsafe_key_issued"
	EventSystemFailure      EventType = "system_failure"
	EventTamperDetected     EventType = "tamper_detected"
	EventIntegrityCheck     EventType = "integrity_check"
)

// Entry is one decrypted audit record. The JSON form is the wire
// format; it must round-trip exactly.
type Entry struct {
	ID            string            `json:"id"`
	Timestamp     time.Time         `json:"timestamp"`
	Event         EventType         `json:"event"`
	Identity      string            `json:"identity,omitempty"`
	Authenticated bool              `json:"authenticated"`
	Confidence    float64           `json:"confidence,omitempty"`
	Liveness      float64           `json:"liveness,omitempty"`
	Similarity    float64           `json:"similarity,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Stats summarizes a recent slice of the log.
type Stats struct {
	Entries       int
	AuthAttempts  int
	Successes     int
	SuccessRate   float64
	AvgConfidence float64
	AvgLiveness   float64
}

// Log appends encrypted entries to the backing store.
type Log struct {
	st     *store.Store
	enc    *security.Encryptor
	logger *slog.Logger
	now    func() time.Time
}

// NewLog creates an audit log over st sealed with enc.
func NewLog(st *store.Store, enc *security.Encryptor, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{st: st, enc: enc, logger: logger, now: time.Now}
}

// Append seals and stores one entry. A missing ID or timestamp is
// filled in; the entry is immutable once written.
func (l *Log) Append(e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	plain, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	blob, err := l.enc.Encrypt(plain)
	if err != nil {
		return fmt.Errorf("encrypt audit entry: %w", err)
	}
	if _, err := l.st.AppendAuditEntry(e.Timestamp.UnixNano(), blob); err != nil {
		return err
	}
	return nil
}

// Recent decrypts the most recent limit entries in append order,
// optionally filtered by identity (empty matches all). Entries that
// fail to decrypt or parse are skipped with a warning.
func (l *Log) Recent(limit int, identity string) ([]Entry, error) {
	rows, err := l.st.RecentAuditEntries(limit)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		plain, err := l.enc.Decrypt(row.Payload)
		if err != nil {
			l.logger.Warn("skipping unreadable audit entry",
				"position", row.ID,
				"tampered", errors.Is(err, security.ErrIntegrity))
			continue
		}
		var e Entry
		if err := json.Unmarshal(plain, &e); err != nil {
			l.logger.Warn("skipping malformed audit entry", "position", row.ID)
			continue
		}
		if identity != "" && e.Identity != identity {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Stats scans the most recent n entries and derives authentication
// statistics.
func (l *Log) Stats(n int) (*Stats, error) {
	entries, err := l.Recent(n, "")
	if err != nil {
		return nil, err
	}
	s := &Stats{Entries: len(entries)}
	var confSum, liveSum float64
	for _, e := range entries {
		if e.Event != EventAuthAttempt {
			continue
		}
		s.AuthAttempts++
		if e.Authenticated {
			s.Successes++
		}
		confSum += e.Confidence
		liveSum += e.Liveness
	}
	if s.AuthAttempts > 0 {
		s.SuccessRate = float64(s.Successes) / float64(s.AuthAttempts)
		s.AvgConfidence = confSum / float64(s.AuthAttempts)
		s.AvgLiveness = liveSum / float64(s.AuthAttempts)
	}
	return s, nil
}

// Count returns the total number of stored entries.
func (l *Log) Count() (int64, error) {
	return l.st.AuditEntryCount()
}
