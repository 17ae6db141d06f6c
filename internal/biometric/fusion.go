// Package biometric implements multi-modality score fusion and the
// authentication decision rule: per-modality liveness gating, weighted
// confidence blending, and machine-readable rejection reasons.
//
// Decisions are strictly fail-closed: any unresolved condition on the
// decision path denies with a specific reason, never a default-allow.
package biometric

import "math"

// Voice-only confidence blend weights. They mirror the full fusion
// weighting so both paths stay consistent.
const (
	voiceSimilarityWeight = 0.50
	voiceLivenessWeight   = 0.30
	voiceQualityWeight    = 0.15
	voiceBonusWeight      = 0.05

	// Similarity above this earns the full bonus term.
	highSimilarity = 0.95
)

// ModalityInput is one modality's evidence for a verification call. A
// modality contributes only when supplied; liveness is gated only when
// a liveness sub-score accompanies the match score.
type ModalityInput struct {
	Modality    string
	Match       float64
	Liveness    float64
	HasLiveness bool
}

// Decision is the outcome of a verification call. Every sub-score and
// the fused confidence lie in [0,1].
type Decision struct {
	Authenticated bool
	Confidence    float64
	Reason        Reason

	// Per-modality match scores that contributed to the decision.
	Scores map[string]float64

	// Per-modality liveness sub-scores that were supplied.
	Liveness map[string]float64

	// Voice-only path extras.
	Similarity float64
	Quality    float64
}

// Engine combines per-modality evidence into one authentication
// decision.
type Engine struct {
	weights             map[string]float64
	confidenceThreshold float64
	livenessGate        float64
	similarityFloor     float64
}

// Params configures an Engine. Weights must already be normalized with
// disabled modalities removed (config.ModalityWeights does this).
type Params struct {
	Weights             map[string]float64
	ConfidenceThreshold float64
	LivenessGate        float64
	SimilarityFloor     float64
}

// NewEngine creates a fusion engine.
func NewEngine(p Params) *Engine {
	return &Engine{
		weights:             p.Weights,
		confidenceThreshold: p.ConfidenceThreshold,
		livenessGate:        p.LivenessGate,
		similarityFloor:     p.SimilarityFloor,
	}
}

// Fuse runs the multi-modality decision rule. Every supplied liveness
// sub-score must exceed the gate before any confidence is computed; the
// fused confidence is the weighted sum of match scores across
// contributing modalities.
func (e *Engine) Fuse(inputs []ModalityInput) Decision {
	d := Decision{
		Scores:   make(map[string]float64),
		Liveness: make(map[string]float64),
	}

	// Anti-spoof short-circuit: a failed gate denies regardless of
	// match quality.
	for _, in := range inputs {
		if !in.HasLiveness {
			continue
		}
		d.Liveness[in.Modality] = clampScore(in.Liveness)
		if in.Liveness < e.livenessGate {
			d.Reason = ReasonLivenessFailed
			return d
		}
	}

	var confidence float64
	var contributed bool
	for _, in := range inputs {
		w, ok := e.weights[in.Modality]
		if !ok || w == 0 {
			continue
		}
		match := clampScore(in.Match)
		d.Scores[in.Modality] = match
		confidence += match * w
		contributed = true
	}

	if !contributed {
		d.Reason = ReasonExtractionFailed
		return d
	}

	d.Confidence = clampScore(confidence)
	if d.Confidence < e.confidenceThreshold {
		d.Reason = ReasonConfidenceBelowThreshold
		return d
	}

	d.Authenticated = true
	d.Reason = ReasonAuthenticated
	return d
}

// VerifyVoice runs the single-modality voice path: liveness gate, then
// similarity floor, then the blended confidence with a quality
// sub-score and a small bonus for very high similarity.
func (e *Engine) VerifyVoice(similarity, liveness, quality float64) Decision {
	d := Decision{
		Scores:     map[string]float64{"voice": clampScore(similarity)},
		Liveness:   map[string]float64{"voice": clampScore(liveness)},
		Similarity: clampScore(similarity),
		Quality:    clampScore(quality),
	}

	if liveness < e.livenessGate {
		d.Reason = ReasonLivenessFailed
		return d
	}
	if similarity < e.similarityFloor {
		d.Confidence = d.Similarity
		d.Reason = ReasonIdentityMismatch
		return d
	}

	bonus := 0.0
	if similarity > highSimilarity {
		bonus = 1.0
	}
	confidence := voiceSimilarityWeight*d.Similarity +
		voiceLivenessWeight*d.Liveness["voice"] +
		voiceQualityWeight*d.Quality +
		voiceBonusWeight*bonus

	d.Confidence = clampScore(confidence)
	if d.Confidence < e.confidenceThreshold {
		d.Reason = ReasonConfidenceBelowThreshold
		return d
	}

	d.Authenticated = true
	d.Reason = ReasonAuthenticated
	return d
}

func clampScore(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
