package biometric

import "errors"

// Verification errors.
var (
	ErrProfileNotFound          = errors.New("biometric: profile not found")
	ErrExtractionFailed         = errors.New("biometric: feature extraction failed")
	ErrLivenessFailed           = errors.New("biometric: liveness check failed")
	ErrIdentityMismatch         = errors.New("biometric: identity mismatch")
	ErrConfidenceBelowThreshold = errors.New("biometric: confidence below threshold")
	ErrInsufficientSamples      = errors.New("biometric: insufficient enrollment samples")
	ErrDimensionMismatch        = errors.New("biometric: embedding dimension mismatch")
)

// Reason is a machine-readable rejection reason, distinct from any
// human-readable message so callers can branch without parsing prose.
type Reason string

const (
	ReasonAuthenticated            Reason = "AUTHENTICATED"
	ReasonLivenessFailed           Reason = "LIVENESS_FAILED"
	ReasonExtractionFailed         Reason = "FEATURE_EXTRACTION_FAILED"
	ReasonIdentityMismatch         Reason = "IDENTITY_MISMATCH"
	ReasonConfidenceBelowThreshold Reason = "CONFIDENCE_BELOW_THRESHOLD"
	ReasonProfileNotFound          Reason = "PROFILE_NOT_FOUND"
	ReasonRateLimited              Reason = "RATE_LIMITED"
)

// Err maps a rejection reason to its sentinel error, or nil for
// ReasonAuthenticated.
func (r Reason) Err() error {
	switch r {
	case ReasonLivenessFailed:
		return ErrLivenessFailed
	case ReasonExtractionFailed:
		return ErrExtractionFailed
	case ReasonIdentityMismatch:
		return ErrIdentityMismatch
	case ReasonConfidenceBelowThreshold:
		return ErrConfidenceBelowThreshold
	case ReasonProfileNotFound:
		return ErrProfileNotFound
	default:
		return nil
	}
}
