// Package auth runs the end-to-end verification pipeline: lockout
// check, liveness scoring, embedding match, fusion decision, failure
// accounting, threat assessment, and audit logging for every attempt.
//
// Security model:
//   - lockout is checked before any scoring, so a locked identity
//     cannot probe the scorer
//   - every attempt produces exactly one audit entry, success or not
//   - threat assessment and audit failures never flip a decision; the
//     decision is computed first and recorded best-effort
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"biolock/internal/audit"
	"biolock/internal/biometric"
	"biolock/internal/liveness"
	"biolock/internal/lockout"
	"biolock/internal/threat"
)

// ErrRateLimited denies a locked-out identity before scoring.
var ErrRateLimited = errors.New("auth: identity is locked out")

// Result is the outcome of one authentication attempt.
type Result struct {
	AttemptID     string
	Identity      string
	Authenticated bool
	Confidence    float64
	Similarity    float64
	Liveness      float64
	Quality       float64
	Reason        biometric.Reason
	Threat        *threat.Assessment
	Locked        bool
	LockRemaining time.Duration
}

// Service wires the pipeline components together.
type Service struct {
	profiles  *biometric.ProfileStore
	extractor biometric.Extractor
	scorer    *liveness.Scorer
	fusion    *biometric.Engine
	lockouts  *lockout.Manager
	threats   *threat.Engine
	log       *audit.Log
	logger    *slog.Logger
}

// New assembles a verification service. threats and log may be nil in
// tests; extractor is the external embedding oracle.
func New(
	profiles *biometric.ProfileStore,
	extractor biometric.Extractor,
	scorer *liveness.Scorer,
	fusion *biometric.Engine,
	lockouts *lockout.Manager,
	threats *threat.Engine,
	log *audit.Log,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		profiles:  profiles,
		extractor: extractor,
		scorer:    scorer,
		fusion:    fusion,
		lockouts:  lockouts,
		threats:   threats,
		log:       log,
		logger:    logger,
	}
}

// Enroll builds and stores an encrypted profile from sample buffers.
// Samples that fail extraction are dropped; at least
// biometric.MinEnrollmentSamples must survive.
func (s *Service) Enroll(identity string, samples [][]float64) (*biometric.Profile, error) {
	var embeddings [][]float64
	for i, sample := range samples {
		emb, err := s.extractor.Extract(sample)
		if err != nil {
			s.logger.Warn("enrollment sample rejected", "identity", identity, "sample", i, "error", err)
			continue
		}
		embeddings = append(embeddings, emb)
	}
	profile, err := biometric.NewProfile(identity, embeddings)
	if err != nil {
		return nil, err
	}
	if err := s.profiles.Save(profile); err != nil {
		return nil, err
	}
	s.auditEntry(audit.Entry{
		Event:    audit.EventEnrollment,
		Identity: identity,
		Metadata: map[string]string{"samples": fmt.Sprintf("%d/%d", len(embeddings), len(samples))},
	})
	s.logger.Info("identity enrolled", "identity", identity, "samples", len(embeddings))
	return profile, nil
}

// Authenticate runs one voice verification attempt. The returned error
// is the sentinel matching the rejection reason; the Result always
// carries the full score breakdown.
func (s *Service) Authenticate(identity string, sample []float64) (*Result, error) {
	res := &Result{
		AttemptID: uuid.NewString(),
		Identity:  identity,
		Reason:    biometric.ReasonRateLimited,
	}

	// Rate limit before any scoring.
	if s.lockouts.IsLocked(identity) {
		res.Locked = true
		res.LockRemaining = s.lockouts.TimeRemaining(identity)
		s.record(res)
		return res, ErrRateLimited
	}

	profile, err := s.profiles.Load(identity)
	if err != nil {
		if biometric.IsNotFound(err) {
			res.Reason = biometric.ReasonProfileNotFound
			s.record(res)
			return res, biometric.ErrProfileNotFound
		}
		return nil, err
	}

	live := s.scorer.Score(sample)
	res.Liveness = live.Score
	res.Quality = s.scorer.QualityScore(sample)

	emb, err := s.extractor.Extract(sample)
	if err != nil {
		res.Reason = biometric.ReasonExtractionFailed
		s.finish(res)
		return res, biometric.ErrExtractionFailed
	}
	res.Similarity = biometric.MatchScore(emb, profile.MeanEmbedding)

	decision := s.fusion.VerifyVoice(res.Similarity, res.Liveness, res.Quality)
	res.Authenticated = decision.Authenticated
	res.Confidence = decision.Confidence
	res.Reason = decision.Reason

	s.finish(res)
	if !res.Authenticated {
		return res, res.Reason.Err()
	}
	return res, nil
}

// finish applies failure accounting, threat scoring, and audit logging
// after a scored attempt.
func (s *Service) finish(res *Result) {
	if res.Authenticated {
		if err := s.lockouts.RecordSuccess(res.Identity); err != nil {
			s.logger.Error("record success", "identity", res.Identity, "error", err)
		}
	} else {
		locked, err := s.lockouts.RecordFailure(res.Identity)
		if err != nil {
			s.logger.Error("record failure", "identity", res.Identity, "error", err)
		}
		res.Locked = locked
		if locked {
			res.LockRemaining = s.lockouts.TimeRemaining(res.Identity)
			s.auditEntry(audit.Entry{
				Event:    audit.EventLockout,
				Identity: res.Identity,
				Metadata: map[string]string{"remaining": res.LockRemaining.String()},
			})
		}
	}

	if s.threats != nil {
		as, err := s.threats.Assess(threat.Attempt{
			Identity: res.Identity,
			Match:    res.Similarity,
			Liveness: res.Liveness,
		})
		if err != nil {
			s.logger.Error("threat assessment", "identity", res.Identity, "error", err)
		} else {
			res.Threat = as
		}
	}

	s.record(res)
}

// record writes the attempt to the audit log.
func (s *Service) record(res *Result) {
	s.auditEntry(audit.Entry{
		ID:            res.AttemptID,
		Event:         audit.EventAuthAttempt,
		Identity:      res.Identity,
		Authenticated: res.Authenticated,
		Confidence:    res.Confidence,
		Liveness:      res.Liveness,
		Similarity:    res.Similarity,
		Reason:        string(res.Reason),
	})
}

func (s *Service) auditEntry(e audit.Entry) {
	if s.log == nil {
		return
	}
	if err := s.log.Append(e); err != nil {
		s.logger.Error("append audit entry", "event", string(e.Event), "error", err)
	}
}
