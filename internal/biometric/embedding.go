package biometric

import "math"

// Extractor produces an embedding vector from a raw biometric sample.
// Implementations wrap external model inference and are opaque to this
// package.
type Extractor interface {
	Extract(sample []float64) ([]float64, error)
}

// CosineSimilarity returns the cosine similarity of two vectors in
// [-1,1]. A near-zero norm on either side forces zero rather than a
// division error.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	na = math.Sqrt(na)
	nb = math.Sqrt(nb)
	if na < 1e-8 || nb < 1e-8 {
		return 0
	}
	sim := dot / (na * nb)
	return math.Max(-1, math.Min(1, sim))
}

// MatchScore remaps cosine similarity from [-1,1] to [0,1].
func MatchScore(live, enrolled []float64) float64 {
	return (CosineSimilarity(live, enrolled) + 1) / 2
}
