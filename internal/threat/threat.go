// Package threat scores the contextual risk of each authentication
// attempt. Five independent factors are evaluated per attempt; the
// overall score averages only the factors that actually fired, so a
// quiet factor never drags a real signal down.
//
// Security model:
//   - absence of a location or device baseline is never itself a
//     threat; pluggable checkers default to "normal"
//   - events are persisted append-style and evicted only past the
//     retention window
//   - scoring is pure with respect to the attempt; it never mutates
//     authentication state
package threat

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"biolock/internal/store"
)

// Level is a discrete threat classification.
type Level string

const (
	LevelNone     Level = "NONE"
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// Factor names reported in assessments.
const (
	FactorSpoofing = "spoofing"
	FactorBehavior = "behavioral_anomaly"
	FactorLocation = "location_anomaly"
	FactorDevice   = "device_anomaly"
	FactorTiming   = "timing_anomaly"
)

const (
	factorCount = 5

	// A spoofing or behavioral deviation below this is treated as noise.
	spoofingFireThreshold = 0.3
	behaviorFireThreshold = 0.3

	// Nominal match score an enrolled identity is expected to produce.
	nominalMatchScore = 0.95

	// Fixed contribution of an out-of-hours attempt.
	timingAnomalyScore = 0.2
)

// Attempt is the evidence for one scoring call.
type Attempt struct {
	Identity  string
	Match     float64
	Liveness  float64
	Timestamp time.Time

	// Optional context for the pluggable checkers.
	Location string
	Device   string
}

// Assessment is the outcome of scoring one attempt.
type Assessment struct {
	Score      float64            `json:"score"`
	Level      Level              `json:"level"`
	Confidence float64            `json:"confidence"`
	Factors    []string           `json:"factors"`
	SubScores  map[string]float64 `json:"sub_scores"`
	Timestamp  time.Time          `json:"timestamp"`
	Identity   string             `json:"identity"`
}

// ContextChecker scores an out-of-band context signal. A return of
// (0, false) means "normal"; (score, true) means the factor fired.
// Implementations must treat a missing baseline as normal.
type ContextChecker func(a Attempt) (float64, bool)

// Engine evaluates attempts and maintains the retained event log.
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	st       *store.Store
	logger   *slog.Logger
	recent   []Assessment
	checkLoc ContextChecker
	checkDev ContextChecker
	now      func() time.Time
}

// Config holds the level thresholds, normal-hours window, and
// retention policy.
type Config struct {
	LowThreshold      float64
	MediumThreshold   float64
	HighThreshold     float64
	CriticalThreshold float64

	NormalHoursStart int
	NormalHoursEnd   int

	Retention time.Duration
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLocationChecker installs a location-anomaly checker.
func WithLocationChecker(c ContextChecker) Option {
	return func(e *Engine) { e.checkLoc = c }
}

// WithDeviceChecker installs a device-anomaly checker.
func WithDeviceChecker(c ContextChecker) Option {
	return func(e *Engine) { e.checkDev = c }
}

// NewEngine creates a threat engine backed by st. A nil store disables
// persistence; scoring still works.
func NewEngine(cfg Config, st *store.Store, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:    cfg,
		st:     st,
		logger: logger,
		now:    time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Assess scores one attempt, records the event, and evicts entries
// past the retention window.
func (e *Engine) Assess(a Attempt) (*Assessment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if a.Timestamp.IsZero() {
		a.Timestamp = e.now()
	}

	sub := make(map[string]float64)
	var fired []string

	// Inputs are unit-range scores; clamp so an out-of-range caller
	// cannot push a sub-score past 1.
	match := clamp01(a.Match)
	live := clamp01(a.Liveness)

	// Spoofing: the weaker of match and liveness bounds how much the
	// attempt can be trusted.
	if s := 1 - math.Min(match, live); s > spoofingFireThreshold {
		sub[FactorSpoofing] = s
		fired = append(fired, FactorSpoofing)
	}

	// Behavioral anomaly: distance from the nominal enrolled score.
	if s := math.Abs(match - nominalMatchScore); s > behaviorFireThreshold {
		sub[FactorBehavior] = s
		fired = append(fired, FactorBehavior)
	}

	if e.checkLoc != nil {
		if s, ok := e.checkLoc(a); ok {
			sub[FactorLocation] = s
			fired = append(fired, FactorLocation)
		}
	}
	if e.checkDev != nil {
		if s, ok := e.checkDev(a); ok {
			sub[FactorDevice] = s
			fired = append(fired, FactorDevice)
		}
	}

	hour := a.Timestamp.Hour()
	if hour < e.cfg.NormalHoursStart || hour >= e.cfg.NormalHoursEnd {
		sub[FactorTiming] = timingAnomalyScore
		fired = append(fired, FactorTiming)
	}

	// Only triggered factors are averaged; silent factors do not
	// dilute the signal.
	var score float64
	if len(fired) > 0 {
		for _, f := range fired {
			score += sub[f]
		}
		score /= float64(len(fired))
	}
	score = math.Max(0, math.Min(1, score))

	// No fired factor means a confident "no threat", not an uncertain one.
	confidence := 1.0
	if len(fired) > 0 {
		confidence = float64(len(fired)) / factorCount
	}

	as := &Assessment{
		Score:      score,
		Level:      e.level(score, len(fired)),
		Confidence: confidence,
		Factors:    fired,
		SubScores:  sub,
		Timestamp:  a.Timestamp,
		Identity:   a.Identity,
	}

	if err := e.record(as); err != nil {
		return nil, err
	}
	if as.Level == LevelHigh || as.Level == LevelCritical {
		e.logger.Warn("elevated threat level",
			"identity", as.Identity,
			"level", as.Level,
			"score", as.Score,
			"factors", as.Factors)
	}
	return as, nil
}

func (e *Engine) level(score float64, fired int) Level {
	switch {
	case fired == 0:
		return LevelNone
	case score >= e.cfg.CriticalThreshold:
		return LevelCritical
	case score >= e.cfg.HighThreshold:
		return LevelHigh
	case score >= e.cfg.MediumThreshold:
		return LevelMedium
	case score >= e.cfg.LowThreshold:
		return LevelLow
	default:
		return LevelNone
	}
}

// record requires e.mu held.
func (e *Engine) record(as *Assessment) error {
	cutoff := as.Timestamp.Add(-e.cfg.Retention)

	e.recent = append(e.recent, *as)
	kept := e.recent[:0]
	for _, a := range e.recent {
		if a.Timestamp.After(cutoff) {
			kept = append(kept, a)
		}
	}
	e.recent = kept

	if e.st == nil {
		return nil
	}
	factors, err := json.Marshal(as.Factors)
	if err != nil {
		return fmt.Errorf("marshal threat factors: %w", err)
	}
	if err := e.st.InsertThreatEvent(&store.ThreatRow{
		CreatedNs: as.Timestamp.UnixNano(),
		Identity:  as.Identity,
		Level:     string(as.Level),
		Score:     as.Score,
		Factors:   string(factors),
	}); err != nil {
		return err
	}
	if _, err := e.st.PruneThreatEvents(cutoff.UnixNano()); err != nil {
		e.logger.Error("prune threat events", "error", err)
	}
	return nil
}

// Recent returns the retained in-memory assessments, newest last.
func (e *Engine) Recent() []Assessment {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Assessment, len(e.recent))
	copy(out, e.recent)
	return out
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

// Summary aggregates the retained assessments per level.
func (e *Engine) Summary() map[Level]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[Level]int)
	for _, a := range e.recent {
		out[a.Level]++
	}
	return out
}
