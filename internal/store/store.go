// Package store provides SQLite-based persistence for biolock.
//
// Security model:
//  1. File permissions: 0600 (owner read/write only)
//  2. Audit entries are opaque encrypted blobs, append-only by trigger
//  3. Lockout and threat state round-trip across process restarts
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: record not found")

const schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    created_ns  INTEGER NOT NULL,
    payload     BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_entries(created_ns);

CREATE TRIGGER IF NOT EXISTS audit_entries_no_update
BEFORE UPDATE ON audit_entries
BEGIN
    SELECT RAISE(ABORT, 'audit entries are append-only');
END;

CREATE TRIGGER IF NOT EXISTS audit_entries_no_delete
BEFORE DELETE ON audit_entries
BEGIN
    SELECT RAISE(ABORT, 'audit entries are append-only');
END;

CREATE TABLE IF NOT EXISTS lockout_records (
    identity        TEXT PRIMARY KEY,
    failed_attempts INTEGER NOT NULL DEFAULT 0,
    last_attempt_ns INTEGER,
    locked_until_ns INTEGER
);

CREATE TABLE IF NOT EXISTS threat_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    created_ns  INTEGER NOT NULL,
    identity    TEXT NOT NULL,
    level       TEXT NOT NULL,
    score       REAL NOT NULL,
    factors     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_threat_created ON threat_events(created_ns);
`

// Store wraps the biolock SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path with secure permissions.
func Open(path string, busyTimeoutMs int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	if busyTimeoutMs <= 0 {
		busyTimeoutMs = 5000
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on", path, busyTimeoutMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("set database permissions: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AuditRow is a stored audit entry: an opaque encrypted payload plus its
// append position and creation time.
type AuditRow struct {
	ID        int64
	CreatedNs int64
	Payload   []byte
}

// AppendAuditEntry appends one encrypted audit payload. The insert is
// transactional, so a partially written entry can never be read back.
func (s *Store) AppendAuditEntry(createdNs int64, payload []byte) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO audit_entries (created_ns, payload) VALUES (?, ?)`,
		createdNs, payload,
	)
	if err != nil {
		return 0, fmt.Errorf("append audit entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("audit entry id: %w", err)
	}
	return id, nil
}

// RecentAuditEntries returns up to limit most recent entries in append
// order (oldest of the window first).
func (s *Store) RecentAuditEntries(limit int) ([]AuditRow, error) {
	rows, err := s.db.Query(`
		SELECT id, created_ns, payload FROM (
			SELECT id, created_ns, payload FROM audit_entries ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []AuditRow
	for rows.Next() {
		var r AuditRow
		if err := rows.Scan(&r.ID, &r.CreatedNs, &r.Payload); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return out, nil
}

// AuditEntryCount returns the total number of audit entries.
func (s *Store) AuditEntryCount() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_entries`).Scan(&n)
	return n, err
}

// LockoutRecord is the persisted failure state for one identity.
type LockoutRecord struct {
	Identity       string
	FailedAttempts int
	LastAttempt    time.Time
	LockedUntil    time.Time // zero when not locked
}

// GetLockout returns the lockout record for identity, or ErrNotFound.
func (s *Store) GetLockout(identity string) (*LockoutRecord, error) {
	var rec LockoutRecord
	var lastNs, lockedNs sql.NullInt64
	err := s.db.QueryRow(
		`SELECT identity, failed_attempts, last_attempt_ns, locked_until_ns
		 FROM lockout_records WHERE identity = ?`, identity,
	).Scan(&rec.Identity, &rec.FailedAttempts, &lastNs, &lockedNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lockout: %w", err)
	}
	if lastNs.Valid {
		rec.LastAttempt = time.Unix(0, lastNs.Int64)
	}
	if lockedNs.Valid {
		rec.LockedUntil = time.Unix(0, lockedNs.Int64)
	}
	return &rec, nil
}

// AllLockouts returns every persisted lockout record.
func (s *Store) AllLockouts() ([]LockoutRecord, error) {
	rows, err := s.db.Query(
		`SELECT identity, failed_attempts, last_attempt_ns, locked_until_ns FROM lockout_records`)
	if err != nil {
		return nil, fmt.Errorf("query lockouts: %w", err)
	}
	defer rows.Close()

	var out []LockoutRecord
	for rows.Next() {
		var rec LockoutRecord
		var lastNs, lockedNs sql.NullInt64
		if err := rows.Scan(&rec.Identity, &rec.FailedAttempts, &lastNs, &lockedNs); err != nil {
			return nil, fmt.Errorf("scan lockout: %w", err)
		}
		if lastNs.Valid {
			rec.LastAttempt = time.Unix(0, lastNs.Int64)
		}
		if lockedNs.Valid {
			rec.LockedUntil = time.Unix(0, lockedNs.Int64)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PutLockout inserts or replaces the lockout record for an identity.
func (s *Store) PutLockout(rec *LockoutRecord) error {
	var lastNs, lockedNs any
	if !rec.LastAttempt.IsZero() {
		lastNs = rec.LastAttempt.UnixNano()
	}
	if !rec.LockedUntil.IsZero() {
		lockedNs = rec.LockedUntil.UnixNano()
	}
	_, err := s.db.Exec(`
		INSERT INTO lockout_records (identity, failed_attempts, last_attempt_ns, locked_until_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			failed_attempts = excluded.failed_attempts,
			last_attempt_ns = excluded.last_attempt_ns,
			locked_until_ns = excluded.locked_until_ns`,
		rec.Identity, rec.FailedAttempts, lastNs, lockedNs)
	if err != nil {
		return fmt.Errorf("put lockout: %w", err)
	}
	return nil
}

// ThreatRow is a persisted threat event.
type ThreatRow struct {
	ID        int64
	CreatedNs int64
	Identity  string
	Level     string
	Score     float64
	Factors   string // JSON array of factor names
}

// InsertThreatEvent stores one threat event.
func (s *Store) InsertThreatEvent(r *ThreatRow) error {
	res, err := s.db.Exec(
		`INSERT INTO threat_events (created_ns, identity, level, score, factors)
		 VALUES (?, ?, ?, ?, ?)`,
		r.CreatedNs, r.Identity, r.Level, r.Score, r.Factors)
	if err != nil {
		return fmt.Errorf("insert threat event: %w", err)
	}
	r.ID, _ = res.LastInsertId()
	return nil
}

// PruneThreatEvents deletes threat events created before cutoffNs and
// returns how many were removed.
func (s *Store) PruneThreatEvents(cutoffNs int64) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM threat_events WHERE created_ns < ?`, cutoffNs)
	if err != nil {
		return 0, fmt.Errorf("prune threat events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RecentThreatEvents returns up to limit most recent threat events,
// newest first.
func (s *Store) RecentThreatEvents(limit int) ([]ThreatRow, error) {
	rows, err := s.db.Query(
		`SELECT id, created_ns, identity, level, score, factors
		 FROM threat_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query threat events: %w", err)
	}
	defer rows.Close()

	var out []ThreatRow
	for rows.Next() {
		var r ThreatRow
		if err := rows.Scan(&r.ID, &r.CreatedNs, &r.Identity, &r.Level, &r.Score, &r.Factors); err != nil {
			return nil, fmt.Errorf("scan threat event: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ThreatCountsByLevel returns the number of stored events per level.
func (s *Store) ThreatCountsByLevel() (map[string]int64, error) {
	rows, err := s.db.Query(`SELECT level, COUNT(*) FROM threat_events GROUP BY level`)
	if err != nil {
		return nil, fmt.Errorf("count threat events: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var level string
		var n int64
		if err := rows.Scan(&level, &n); err != nil {
			return nil, fmt.Errorf("scan threat count: %w", err)
		}
		out[level] = n
	}
	return out, rows.Err()
}
