package biometric

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"biolock/internal/security"
)

// Profile is an enrolled identity's biometric reference. The mean and
// spread vectors are computed over the enrollment samples and are
// read-only during verification.
type Profile struct {
	Identity      string    `json:"identity"`
	MeanEmbedding []float64 `json:"mean_embedding"`
	StdEmbedding  []float64 `json:"std_embedding"`
	Dim           int       `json:"embedding_dim"`
	SampleCount   int       `json:"sample_count"`
	EnrolledAt    time.Time `json:"enrolled_at"`
}

// MinEnrollmentSamples is the minimum number of valid samples required
// to build a profile.
const MinEnrollmentSamples = 3

// NewProfile builds a profile from enrollment sample embeddings. All
// embeddings must share one dimensionality and at least
// MinEnrollmentSamples are required.
func NewProfile(identity string, embeddings [][]float64) (*Profile, error) {
	if len(embeddings) < MinEnrollmentSamples {
		return nil, fmt.Errorf("%w: got %d, need %d", ErrInsufficientSamples, len(embeddings), MinEnrollmentSamples)
	}
	dim := len(embeddings[0])
	if dim == 0 {
		return nil, fmt.Errorf("%w: empty embedding", ErrDimensionMismatch)
	}
	for i, e := range embeddings {
		if len(e) != dim {
			return nil, fmt.Errorf("%w: sample %d has dim %d, want %d", ErrDimensionMismatch, i, len(e), dim)
		}
	}

	mean := make([]float64, dim)
	for _, e := range embeddings {
		for i, v := range e {
			mean[i] += v
		}
	}
	for i := range mean {
		mean[i] /= float64(len(embeddings))
	}

	std := make([]float64, dim)
	for _, e := range embeddings {
		for i, v := range e {
			d := v - mean[i]
			std[i] += d * d
		}
	}
	for i := range std {
		std[i] = math.Sqrt(std[i] / float64(len(embeddings)))
	}

	return &Profile{
		Identity:      identity,
		MeanEmbedding: mean,
		StdEmbedding:  std,
		Dim:           dim,
		SampleCount:   len(embeddings),
		EnrolledAt:    time.Now().UTC(),
	}, nil
}

// ProfileStore persists profiles as encrypted blobs, one file per
// identity, under a directory with owner-only permissions.
type ProfileStore struct {
	dir string
	enc *security.Encryptor
}

// NewProfileStore creates the profile directory if needed.
func NewProfileStore(dir string, enc *security.Encryptor) (*ProfileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create profile directory: %w", err)
	}
	return &ProfileStore{dir: dir, enc: enc}, nil
}

func (ps *ProfileStore) path(identity string) string {
	// Identities become file names; keep them flat.
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, identity)
	return filepath.Join(ps.dir, safe+".profile")
}

// Save encrypts and writes a profile. The stored format must round-trip
// exactly, so the profile is JSON-serialized before sealing.
func (ps *ProfileStore) Save(p *Profile) error {
	plain, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	blob, err := ps.enc.Encrypt(plain)
	if err != nil {
		return fmt.Errorf("encrypt profile: %w", err)
	}
	if err := os.WriteFile(ps.path(p.Identity), blob, 0600); err != nil {
		return fmt.Errorf("write profile: %w", err)
	}
	return nil
}

// Load decrypts the stored profile for identity. A missing file returns
// ErrProfileNotFound; a decrypt failure surfaces security.ErrIntegrity.
func (ps *ProfileStore) Load(identity string) (*Profile, error) {
	blob, err := os.ReadFile(ps.path(identity))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, identity)
		}
		return nil, fmt.Errorf("read profile: %w", err)
	}

	plain, err := ps.enc.Decrypt(blob)
	if err != nil {
		return nil, fmt.Errorf("decrypt profile %s: %w", identity, err)
	}
	var p Profile
	if err := json.Unmarshal(plain, &p); err != nil {
		return nil, fmt.Errorf("%w: unmarshal profile: %v", security.ErrIntegrity, err)
	}
	return &p, nil
}

// Exists reports whether a profile is stored for identity.
func (ps *ProfileStore) Exists(identity string) bool {
	_, err := os.Stat(ps.path(identity))
	return err == nil
}

// IsNotFound reports whether err indicates a missing profile.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrProfileNotFound)
}
