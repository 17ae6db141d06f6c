// Package failsafe implements the developer emergency-access state
// machine: a tightly budgeted override path for when biometric
// authentication itself becomes unavailable.
//
// Activation requires, in order, an unexhausted use budget, the
// developer secret, a valid one-time key, and a prior physical
// confirmation. Any failure short-circuits with a specific reason and
// is written to the audit log.
//
// Security model:
//   - the developer secret is stored only as a salted iterated KDF
//     digest, itself encrypted at rest; verification uses
//     constant-time comparison
//   - one-time keys are consumed in the same step that validates them,
//     so two concurrent checks cannot both succeed
//   - the persisted state is a small encrypted blob; a missing file,
//     a failed decrypt, or anomalous growth sets a sticky tamper flag
//     that only an explicit administrative reset clears
//   - an active session expires after a fixed timeout via a
//     cancellable timer, and a stale-but-flagged-active state is
//     deactivated on read
package failsafe

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"biolock/internal/audit"
	"biolock/internal/security"
)

// Failure reasons, each distinguishable so callers and the audit trail
// can tell exactly which gate denied.
var (
	ErrSecretNotConfigured = errors.New("failsafe: developer secret not configured")
	ErrSecretAlreadySet    = errors.New("failsafe: developer secret already configured")
	ErrSecretMismatch      = errors.New("failsafe: secret verification failed")
	ErrBudgetExhausted     = errors.New("failsafe: activation budget exhausted")
	ErrOTKUnknown          = errors.New("failsafe: unknown one-time key")
	ErrOTKExpired          = errors.New("failsafe: one-time key expired")
	ErrOTKUsed             = errors.New("failsafe: one-time key already used")
	ErrNoConfirmation      = errors.New("failsafe: physical confirmation not observed")
	ErrTamperDetected      = errors.New("failsafe: state tampering detected")
	ErrNotActive           = errors.New("failsafe: not active")
)

// DeactivationReason tags why an active session ended.
type DeactivationReason string

const (
	ReasonManual         DeactivationReason = "manual"
	ReasonTimeout        DeactivationReason = "timeout"
	ReasonSystemRestored DeactivationReason = "system_restored"
)

// maxStateSize bounds the persisted blob; growth past this is itself a
// tamper signal.
const maxStateSize = 1024

// otkBytes gives 256 bits of randomness per token.
const otkBytes = 32

// maxPoolSize bounds how many unexpired keys may be outstanding.
const maxPoolSize = 8

// persistedState is the encrypted on-disk form.
type persistedState struct {
	SecretSalt  []byte    `json:"secret_salt,omitempty"`
	SecretHash  []byte    `json:"secret_hash,omitempty"`
	Active      bool      `json:"active"`
	ActivatedAt time.Time `json:"activated_at"`
	UseCount    int       `json:"use_count"`
	Tampered    bool      `json:"tampered"`
}

type oneTimeKey struct {
	issued  time.Time
	expires time.Time
	used    bool
}

// Config holds the emergency-access policy.
type Config struct {
	StatePath     string
	MaxUses       int
	Timeout       time.Duration
	OTKValidity   time.Duration
	KeySequence   []string
	KDFIterations int
}

// Status is a point-in-time snapshot for diagnostics.
type Status struct {
	Active           bool
	ActivatedAt      time.Time
	UseCount         int
	MaxUses          int
	Tampered         bool
	SecretConfigured bool
	Confirmed        bool
	PendingKeys      int
	LastFailure      string
}

// Controller is the failsafe state machine. All state transitions run
// under one exclusive lock.
type Controller struct {
	mu        sync.Mutex
	cfg       Config
	enc       *security.Encryptor
	log       *audit.Log
	logger    *slog.Logger
	state     persistedState
	pool      map[string]*oneTimeKey
	keyBuf    []string
	confirmed bool
	failure   string

	// timer fires the automatic deactivation; token identifies the
	// activation it belongs to so a stale timer cannot re-trigger.
	timer *time.Timer
	token string

	now func() time.Time
}

// NewController loads the persisted state. A state file that exists
// but cannot be decrypted marks the controller tampered from the
// start; a missing file is a fresh install, not tampering.
func NewController(cfg Config, enc *security.Encryptor, log *audit.Log, logger *slog.Logger) (*Controller, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		cfg:    cfg,
		enc:    enc,
		log:    log,
		logger: logger,
		pool:   make(map[string]*oneTimeKey),
		now:    time.Now,
	}

	blob, err := os.ReadFile(cfg.StatePath)
	switch {
	case os.IsNotExist(err):
		return c, nil
	case err != nil:
		return nil, fmt.Errorf("read failsafe state: %w", err)
	}

	if len(blob) > maxStateSize {
		c.markTampered("state file exceeds size bound")
		return c, nil
	}
	plain, err := c.enc.Decrypt(blob)
	if err != nil {
		c.markTampered("state file failed to decrypt")
		return c, nil
	}
	if err := json.Unmarshal(plain, &c.state); err != nil {
		c.markTampered("state file failed to parse")
		return c, nil
	}

	// A crash while active leaves the flag set; expire it here rather
	// than honoring a session of unknown age.
	if c.state.Active && c.now().Sub(c.state.ActivatedAt) >= c.cfg.Timeout {
		c.state.Active = false
		c.state.ActivatedAt = time.Time{}
		if err := c.persist(); err != nil {
			logger.Error("clear stale failsafe activation", "error", err)
		}
	}
	return c, nil
}

// SetupSecret performs the one-time developer secret enrollment. The
// plaintext is never persisted; only the salted KDF digest is kept.
func (c *Controller) SetupSecret(secret string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.state.SecretHash) != 0 {
		return ErrSecretAlreadySet
	}
	hash, salt, err := security.DeriveFromPassword(secret, nil, c.cfg.KDFIterations)
	if err != nil {
		return fmt.Errorf("derive secret hash: %w", err)
	}
	c.state.SecretSalt = salt
	c.state.SecretHash = hash
	if err := c.persist(); err != nil {
		return err
	}
	c.audit(audit.Entry{Event: audit.EventFailsafeSetup})
	return nil
}

// VerifySecret recomputes the digest with the stored salt and compares
// in constant time.
func (c *Controller) VerifySecret(secret string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verifySecretLocked(secret)
}

func (c *Controller) verifySecretLocked(secret string) error {
	if len(c.state.SecretHash) == 0 {
		return ErrSecretNotConfigured
	}
	hash, _, err := security.DeriveFromPassword(secret, c.state.SecretSalt, c.cfg.KDFIterations)
	if err != nil {
		return fmt.Errorf("derive secret hash: %w", err)
	}
	defer security.Wipe(hash)
	if !security.SecureCompare(hash, c.state.SecretHash) {
		return ErrSecretMismatch
	}
	return nil
}

// RequestOTK issues a fresh one-time key valid for the configured
// window. Expired and used keys are purged on every issuance.
func (c *Controller) RequestOTK() (token string, expires time.Time, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Tampered {
		return "", time.Time{}, ErrTamperDetected
	}

	c.purgePoolLocked()
	if len(c.pool) >= maxPoolSize {
		return "", time.Time{}, fmt.Errorf("failsafe: one-time key pool full (%d outstanding)", len(c.pool))
	}

	raw := make([]byte, otkBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", time.Time{}, fmt.Errorf("generate one-time key: %w", err)
	}
	token = hex.EncodeToString(raw)
	now := c.now()
	expires = now.Add(c.cfg.OTKValidity)
	c.pool[token] = &oneTimeKey{issued: now, expires: expires}

	c.audit(audit.Entry{
		Event:    audit.EventFailsafeKeyIssued,
		Metadata: map[string]string{"expires": expires.UTC().Format(time.RFC3339)},
	})
	return token, expires, nil
}

// VerifyOTK consumes a one-time key. A valid key is marked used in the
// same step; reuse and expiry are distinguishable failures.
func (c *Controller) VerifyOTK(token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verifyOTKLocked(token)
}

func (c *Controller) verifyOTKLocked(token string) error {
	k, ok := c.pool[token]
	if !ok {
		return ErrOTKUnknown
	}
	if k.used {
		return ErrOTKUsed
	}
	if c.now().After(k.expires) {
		return ErrOTKExpired
	}
	k.used = true
	return nil
}

// purgePoolLocked requires c.mu held.
func (c *Controller) purgePoolLocked() {
	now := c.now()
	for t, k := range c.pool {
		if k.used || now.After(k.expires) {
			delete(c.pool, t)
		}
	}
}

// RecordKeyPress feeds the physical-confirmation tracker. The buffer
// is a sliding window the length of the required sequence; an exact
// match sets the confirmation latch and clears the buffer.
func (c *Controller) RecordKeyPress(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seq := c.cfg.KeySequence
	if len(seq) == 0 {
		return
	}
	c.keyBuf = append(c.keyBuf, key)
	if len(c.keyBuf) > len(seq) {
		c.keyBuf = c.keyBuf[len(c.keyBuf)-len(seq):]
	}
	if len(c.keyBuf) != len(seq) {
		return
	}
	for i := range seq {
		if c.keyBuf[i] != seq[i] {
			return
		}
	}
	c.confirmed = true
	c.keyBuf = nil
	c.logger.Info("physical confirmation observed")
}

// Confirmed reports whether the physical confirmation latch is set.
func (c *Controller) Confirmed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confirmed
}

// Activate runs the four-gate activation: budget, secret, one-time
// key, physical confirmation, in that order. The first failing gate
// denies with its reason; success consumes the confirmation latch and
// one budget use, then schedules the automatic deactivation.
func (c *Controller) Activate(secret, otk string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Tampered {
		c.denyLocked(ErrTamperDetected)
		return ErrTamperDetected
	}
	if c.state.UseCount >= c.cfg.MaxUses {
		c.denyLocked(ErrBudgetExhausted)
		return ErrBudgetExhausted
	}
	if err := c.verifySecretLocked(secret); err != nil {
		c.denyLocked(err)
		return err
	}
	if err := c.verifyOTKLocked(otk); err != nil {
		c.denyLocked(err)
		return err
	}
	if !c.confirmed {
		c.denyLocked(ErrNoConfirmation)
		return ErrNoConfirmation
	}

	c.confirmed = false
	c.state.Active = true
	c.state.ActivatedAt = c.now()
	c.state.UseCount++
	c.failure = ""
	if err := c.persist(); err != nil {
		// Roll back rather than run an unpersisted active session.
		c.state.Active = false
		c.state.ActivatedAt = time.Time{}
		c.state.UseCount--
		return err
	}

	token := uuid.NewString()
	c.token = token
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.cfg.Timeout, func() { c.expire(token) })

	c.audit(audit.Entry{
		Event:    audit.EventFailsafeActivation,
		Metadata: map[string]string{"use_count": fmt.Sprintf("%d/%d", c.state.UseCount, c.cfg.MaxUses)},
	})
	c.logger.Warn("emergency access activated",
		"use_count", c.state.UseCount,
		"max_uses", c.cfg.MaxUses,
		"timeout", c.cfg.Timeout)
	return nil
}

// expire is the timer callback; it deactivates only if the activation
// it was scheduled for is still the current one.
func (c *Controller) expire(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Active || c.token != token {
		return
	}
	c.deactivateLocked(ReasonTimeout)
}

// Deactivate ends an active session. Deactivating an inactive
// controller is an error so callers cannot mask a failed activation.
func (c *Controller) Deactivate(reason DeactivationReason) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Active {
		return ErrNotActive
	}
	c.deactivateLocked(reason)
	return nil
}

// deactivateLocked requires c.mu held.
func (c *Controller) deactivateLocked(reason DeactivationReason) {
	c.state.Active = false
	c.state.ActivatedAt = time.Time{}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.token = ""
	if err := c.persist(); err != nil {
		c.logger.Error("persist deactivation", "error", err)
	}
	c.audit(audit.Entry{
		Event:    audit.EventFailsafeDeactivate,
		Metadata: map[string]string{"reason": string(reason)},
	})
	c.logger.Info("emergency access deactivated", "reason", string(reason))
}

// IsValid reports whether an activation is current. A session past its
// timeout is deactivated as a side effect of the check.
func (c *Controller) IsValid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Active {
		return false
	}
	if c.now().Sub(c.state.ActivatedAt) >= c.cfg.Timeout {
		c.deactivateLocked(ReasonTimeout)
		return false
	}
	return true
}

// VerifyIntegrity checks the persisted state: it must exist, decrypt,
// and stay within the size bound. Any anomaly sets the sticky tamper
// flag and reports ErrTamperDetected until an administrative reset.
func (c *Controller) VerifyIntegrity() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Tampered {
		return ErrTamperDetected
	}

	blob, err := os.ReadFile(c.cfg.StatePath)
	switch {
	case os.IsNotExist(err):
		c.markTampered("state file missing")
		return ErrTamperDetected
	case err != nil:
		return fmt.Errorf("read failsafe state: %w", err)
	}
	if len(blob) > maxStateSize {
		c.markTampered("state file exceeds size bound")
		return ErrTamperDetected
	}
	if _, err := c.enc.Decrypt(blob); err != nil {
		c.markTampered("state file failed to decrypt")
		return ErrTamperDetected
	}

	c.audit(audit.Entry{Event: audit.EventIntegrityCheck, Metadata: map[string]string{"result": "ok"}})
	return nil
}

// markTampered requires c.mu held (or a controller not yet shared).
func (c *Controller) markTampered(detail string) {
	c.state.Tampered = true
	c.failure = detail
	c.audit(audit.Entry{
		Event:    audit.EventTamperDetected,
		Metadata: map[string]string{"detail": detail},
	})
	c.logger.Error("failsafe state tampering detected", "detail", detail)
}

// ResetTamper is the explicit administrative reset for the tamper
// flag. It re-persists the current in-memory state so a fresh file
// exists for the next integrity check.
func (c *Controller) ResetTamper() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Tampered {
		return nil
	}
	c.state.Tampered = false
	c.failure = ""
	if err := c.persist(); err != nil {
		return err
	}
	c.audit(audit.Entry{
		Event:    audit.EventIntegrityCheck,
		Metadata: map[string]string{"result": "tamper flag reset"},
	})
	return nil
}

// ResetUseCount restores the activation budget, an administrative
// operation paired with ResetTamper.
func (c *Controller) ResetUseCount() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.UseCount = 0
	return c.persist()
}

// DetectSystemFailure records that normal authentication is
// unavailable, which is the precondition for requesting emergency
// access. The failure kind is kept for diagnostics and audited.
func (c *Controller) DetectSystemFailure(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failure = kind
	c.audit(audit.Entry{
		Event:    audit.EventSystemFailure,
		Metadata: map[string]string{"kind": kind},
	})
	c.logger.Warn("system failure reported", "kind", kind)
}

// Status returns a diagnostics snapshot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgePoolLocked()
	return Status{
		Active:           c.state.Active,
		ActivatedAt:      c.state.ActivatedAt,
		UseCount:         c.state.UseCount,
		MaxUses:          c.cfg.MaxUses,
		Tampered:         c.state.Tampered,
		SecretConfigured: len(c.state.SecretHash) != 0,
		Confirmed:        c.confirmed,
		PendingKeys:      len(c.pool),
		LastFailure:      c.failure,
	}
}

// persist requires c.mu held.
func (c *Controller) persist() error {
	plain, err := json.Marshal(c.state)
	if err != nil {
		return fmt.Errorf("marshal failsafe state: %w", err)
	}
	blob, err := c.enc.Encrypt(plain)
	if err != nil {
		return fmt.Errorf("encrypt failsafe state: %w", err)
	}
	if err := os.WriteFile(c.cfg.StatePath, blob, 0600); err != nil {
		return fmt.Errorf("write failsafe state: %w", err)
	}
	return nil
}

// denyLocked audits an activation denial. Requires c.mu held.
func (c *Controller) denyLocked(cause error) {
	c.failure = cause.Error()
	c.audit(audit.Entry{
		Event:    audit.EventFailsafeDenied,
		Reason:   cause.Error(),
		Metadata: map[string]string{"use_count": fmt.Sprintf("%d/%d", c.state.UseCount, c.cfg.MaxUses)},
	})
	c.logger.Warn("emergency access denied", "reason", cause.Error())
}

// audit writes a lifecycle event, tolerating a nil log for tests.
func (c *Controller) audit(e audit.Entry) {
	if c.log == nil {
		return
	}
	if err := c.log.Append(e); err != nil {
		c.logger.Error("append audit entry", "event", string(e.Event), "error", err)
	}
}
