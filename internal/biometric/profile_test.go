package biometric

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"biolock/internal/security"
)

func testStore(t *testing.T) (*ProfileStore, string) {
	t.Helper()
	dir := t.TempDir()
	key := make([]byte, security.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	ps, err := NewProfileStore(dir, enc)
	if err != nil {
		t.Fatalf("NewProfileStore: %v", err)
	}
	return ps, dir
}

func TestNewProfileStats(t *testing.T) {
	p, err := NewProfile("alice", [][]float64{
		{1, 0, 0},
		{0, 1, 0},
		{0, 0, 1},
	})
	if err != nil {
		t.Fatalf("NewProfile: %v", err)
	}
	if p.Dim != 3 || p.SampleCount != 3 {
		t.Errorf("dim=%d samples=%d, want 3/3", p.Dim, p.SampleCount)
	}
	for i, m := range p.MeanEmbedding {
		if math.Abs(m-1.0/3.0) > 1e-9 {
			t.Errorf("mean[%d] = %v, want 1/3", i, m)
		}
	}
	// Population std of {1,0,0} is sqrt(2)/3.
	want := math.Sqrt(2) / 3
	for i, s := range p.StdEmbedding {
		if math.Abs(s-want) > 1e-9 {
			t.Errorf("std[%d] = %v, want %v", i, s, want)
		}
	}
}

func TestNewProfileRejectsBadInput(t *testing.T) {
	if _, err := NewProfile("a", [][]float64{{1}, {2}}); !errors.Is(err, ErrInsufficientSamples) {
		t.Errorf("two samples: err = %v, want ErrInsufficientSamples", err)
	}
	if _, err := NewProfile("a", [][]float64{{1, 2}, {1}, {1, 2}}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("ragged samples: err = %v, want ErrDimensionMismatch", err)
	}
	if _, err := NewProfile("a", [][]float64{{}, {}, {}}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("empty embeddings: err = %v, want ErrDimensionMismatch", err)
	}
}

func TestProfileStoreRoundTrip(t *testing.T) {
	ps, dir := testStore(t)

	p, err := NewProfile("alice", [][]float64{
		{0.1, 0.2, 0.3},
		{0.2, 0.1, 0.3},
		{0.15, 0.15, 0.3},
	})
	if err != nil {
		t.Fatalf("NewProfile: %v", err)
	}
	if err := ps.Save(p); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !ps.Exists("alice") {
		t.Error("Exists = false after Save")
	}

	got, err := ps.Load("alice")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Identity != p.Identity || got.Dim != p.Dim || got.SampleCount != p.SampleCount {
		t.Errorf("loaded profile %+v differs from saved %+v", got, p)
	}
	for i := range p.MeanEmbedding {
		if math.Abs(got.MeanEmbedding[i]-p.MeanEmbedding[i]) > 1e-12 {
			t.Errorf("mean[%d] = %v, want %v", i, got.MeanEmbedding[i], p.MeanEmbedding[i])
		}
	}

	// Profile blobs must be owner-only.
	fi, err := os.Stat(filepath.Join(dir, "alice.profile"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if fi.Mode().Perm() != 0600 {
		t.Errorf("profile perms = %v, want 0600", fi.Mode().Perm())
	}

	// On-disk bytes must not leak the plaintext identity.
	raw, err := os.ReadFile(filepath.Join(dir, "alice.profile"))
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if stringsContains(raw, []byte(`"identity"`)) {
		t.Error("stored blob contains plaintext JSON")
	}
}

func stringsContains(haystack, needle []byte) bool {
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

func TestProfileStoreMissing(t *testing.T) {
	ps, _ := testStore(t)
	_, err := ps.Load("nobody")
	if !IsNotFound(err) {
		t.Errorf("err = %v, want ErrProfileNotFound", err)
	}
	if ps.Exists("nobody") {
		t.Error("Exists = true for missing profile")
	}
}

func TestProfileStoreTamperDetected(t *testing.T) {
	ps, dir := testStore(t)

	p, err := NewProfile("bob", [][]float64{{1, 2}, {2, 1}, {1.5, 1.5}})
	if err != nil {
		t.Fatalf("NewProfile: %v", err)
	}
	if err := ps.Save(p); err != nil {
		t.Fatalf("Save: %v", err)
	}

	path := filepath.Join(dir, "bob.profile")
	blob, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	blob[len(blob)-1] ^= 0xff
	if err := os.WriteFile(path, blob, 0600); err != nil {
		t.Fatalf("write tampered blob: %v", err)
	}

	if _, err := ps.Load("bob"); !errors.Is(err, security.ErrIntegrity) {
		t.Errorf("tampered load err = %v, want ErrIntegrity", err)
	}
}

func TestProfilePathSanitized(t *testing.T) {
	ps, dir := testStore(t)

	p, err := NewProfile("../evil/user", [][]float64{{1}, {2}, {3}})
	if err != nil {
		t.Fatalf("NewProfile: %v", err)
	}
	if err := ps.Save(p); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	got, err := ps.Load("../evil/user")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Identity != "../evil/user" {
		t.Errorf("identity = %q", got.Identity)
	}
}
