package liveness

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"
)

// frames splits samples into half-overlapping windows of length frameLen.
// The tail shorter than frameLen is dropped.
func frames(samples []float64, frameLen, hop int) [][]float64 {
	if len(samples) < frameLen {
		return nil
	}
	var out [][]float64
	for start := 0; start+frameLen <= len(samples); start += hop {
		out = append(out, samples[start:start+frameLen])
	}
	return out
}

// rms returns the root-mean-square energy of a frame.
func rms(frame []float64) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, v := range frame {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// zeroCrossingRate returns the fraction of adjacent sample pairs that
// change sign.
func zeroCrossingRate(frame []float64) float64 {
	if len(frame) < 2 {
		return 0
	}
	var crossings int
	for i := 1; i < len(frame); i++ {
		if (frame[i-1] >= 0) != (frame[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(frame)-1)
}

// magnitudeSpectrum returns the magnitude spectrum of a frame using the
// provided FFT plan (len(frame) must equal fft.Len()).
func magnitudeSpectrum(fft *fourier.FFT, frame []float64) []float64 {
	coeffs := fft.Coefficients(nil, frame)
	mags := make([]float64, len(coeffs))
	for i, c := range coeffs {
		mags[i] = math.Hypot(real(c), imag(c))
	}
	return mags
}

// spectralCentroid returns the magnitude-weighted mean frequency of a
// spectrum, in bin units.
func spectralCentroid(mags []float64) float64 {
	var num, den float64
	for i, m := range mags {
		num += float64(i) * m
		den += m
	}
	if den < 1e-12 {
		return 0
	}
	return num / den
}

// spectralFlatness returns the ratio of geometric to arithmetic mean of
// the spectrum. Near 1 for noise, near 0 for tonal content.
func spectralFlatness(mags []float64) float64 {
	if len(mags) == 0 {
		return 0
	}
	var logSum, sum float64
	for _, m := range mags {
		v := m + 1e-12
		logSum += math.Log(v)
		sum += v
	}
	geo := math.Exp(logSum / float64(len(mags)))
	arith := sum / float64(len(mags))
	if arith < 1e-12 {
		return 0
	}
	return geo / arith
}

// autocorrelate computes the normalized autocorrelation of samples for
// lags [0, maxLag) via FFT. The zero-lag value is 1.
func autocorrelate(samples []float64, maxLag int) []float64 {
	n := len(samples)
	if n == 0 || maxLag <= 0 {
		return nil
	}
	if maxLag > n {
		maxLag = n
	}

	// Zero-pad to at least 2n to avoid circular wrap-around.
	size := 1
	for size < 2*n {
		size <<= 1
	}
	padded := make([]float64, size)
	copy(padded, samples)

	fft := fourier.NewFFT(size)
	coeffs := fft.Coefficients(nil, padded)
	for i, c := range coeffs {
		// Power spectrum: X * conj(X)
		coeffs[i] = complex(real(c)*real(c)+imag(c)*imag(c), 0)
	}
	ac := fft.Sequence(nil, coeffs)

	out := make([]float64, maxLag)
	norm := ac[0]
	if norm < 1e-12 {
		return out
	}
	for lag := 0; lag < maxLag; lag++ {
		out[lag] = ac[lag] / norm
	}
	return out
}

// findPeaks returns the indices of local maxima in x whose value exceeds
// height, keeping only the strongest peak within any window of minDist.
func findPeaks(x []float64, height float64, minDist int) []int {
	var peaks []int
	for i := 1; i+1 < len(x); i++ {
		if x[i] <= height || x[i] < x[i-1] || x[i] < x[i+1] {
			continue
		}
		if n := len(peaks); n > 0 && i-peaks[n-1] < minDist {
			if x[i] > x[peaks[n-1]] {
				peaks[n-1] = i
			}
			continue
		}
		peaks = append(peaks, i)
	}
	return peaks
}

// trimOutliersIQR removes values outside [q1-1.5*iqr, q3+1.5*iqr].
func trimOutliersIQR(values []float64) []float64 {
	if len(values) < 4 {
		return values
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	q1 := stat.Quantile(0.25, stat.Empirical, sorted, nil)
	q3 := stat.Quantile(0.75, stat.Empirical, sorted, nil)
	iqr := q3 - q1
	lo, hi := q1-1.5*iqr, q3+1.5*iqr

	var out []float64
	for _, v := range values {
		if v >= lo && v <= hi {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return values
	}
	return out
}

// coefVariation returns std/mean, guarding against a near-zero mean.
func coefVariation(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := stat.Mean(values, nil)
	sd := stat.StdDev(values, nil)
	return sd / (math.Abs(mean) + 1e-8)
}

// clamp01 clamps v to [0,1], mapping NaN to the fallback.
func clamp01(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
