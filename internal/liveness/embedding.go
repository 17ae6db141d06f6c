package liveness

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"
)

// embeddingBands is the number of log-spaced spectral bands in a
// statistical embedding.
const embeddingBands = 24

// embeddingDim is the statistical embedding dimensionality: band
// energies plus frame-level statistics.
const embeddingDim = embeddingBands + 8

// ErrTooShort rejects buffers with fewer than two analysis frames.
var ErrTooShort = errors.New("liveness: sample too short for embedding")

// StatisticalEmbedding derives a fixed-length, deterministic embedding
// from frame statistics: mean log energy per log-spaced spectral band
// plus global energy, zero-crossing, and centroid statistics. It is a
// stand-in oracle for deployments without an external speaker model;
// the result is L2-normalized so cosine similarity is well behaved.
func StatisticalEmbedding(samples []float64) ([]float64, error) {
	fr := frames(samples, frameLen, hopLen)
	if len(fr) < 2 {
		return nil, ErrTooShort
	}

	fft := fourier.NewFFT(frameLen)
	bands := make([]float64, embeddingBands)
	var energies, zcrs, centroids []float64
	for _, frame := range fr {
		mags := magnitudeSpectrum(fft, frame)
		accumulateBands(bands, mags)
		energies = append(energies, rms(frame))
		zcrs = append(zcrs, zeroCrossingRate(frame))
		centroids = append(centroids, spectralCentroid(mags))
	}
	for i := range bands {
		bands[i] = math.Log1p(bands[i] / float64(len(fr)))
	}

	emb := make([]float64, 0, embeddingDim)
	emb = append(emb, bands...)
	emb = append(emb,
		stat.Mean(energies, nil),
		math.Sqrt(stat.Variance(energies, nil)),
		stat.Mean(zcrs, nil),
		math.Sqrt(stat.Variance(zcrs, nil)),
		stat.Mean(centroids, nil),
		math.Sqrt(stat.Variance(centroids, nil)),
		coefVariation(energies),
		coefVariation(centroids),
	)

	var norm float64
	for _, v := range emb {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm < 1e-8 {
		return nil, errors.New("liveness: silent sample has no embedding")
	}
	for i := range emb {
		emb[i] /= norm
	}
	return emb, nil
}

// accumulateBands adds a spectrum's energy into log-spaced bands.
func accumulateBands(bands, mags []float64) {
	half := len(mags) / 2
	if half < 2 {
		return
	}
	logMax := math.Log(float64(half))
	for i := 1; i < half; i++ {
		b := int(math.Log(float64(i)) / logMax * float64(len(bands)))
		if b >= len(bands) {
			b = len(bands) - 1
		}
		bands[b] += mags[i] * mags[i]
	}
}
