// Package liveness derives a liveness probability from raw audio signal
// statistics. It combines six independently computed factors into one
// [0,1] score estimating whether a voice sample came from a live present
// speaker rather than loudspeaker playback.
//
// Feature extraction deliberately fails open to an uncertain score: a
// noisy frame or an internal numeric error yields a neutral value rather
// than an error. Authentication decisions built on top of this score
// remain fail-closed.
package liveness

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"
)

// Factor weights. They sum to 1.
const (
	weightPitch    = 0.30
	weightSpectral = 0.25
	weightEcho     = 0.20
	weightNoise    = 0.10
	weightClipping = 0.10
	weightFlatness = 0.05
)

// Fixed scores for degenerate inputs.
const (
	// ScoreShortSample is returned for buffers under one second.
	ScoreShortSample = 0.2

	// ScoreInsufficientVoiced is returned when pitch tracking finds
	// fewer than minVoicedFrames usable voiced frames.
	ScoreInsufficientVoiced = 0.3

	// ScoreNeutral is the fallback for internal computation errors.
	ScoreNeutral = 0.5
)

const (
	frameLen        = 2048
	hopLen          = 512
	minVoicedFrames = 10

	// Voiced pitch search range for speech.
	pitchMinHz = 65.0
	pitchMaxHz = 500.0

	// Normalized autocorrelation required to call a frame voiced.
	voicingThreshold = 0.5

	// Minimum frame energy for voicing.
	voicingEnergyFloor = 0.01

	// Natural speech F0 range used to normalize the pitch factor.
	f0RangeNorm = 150.0

	// Spectral flatness target band for natural speech.
	flatnessTarget = 0.3

	clippingLevel = 0.99
)

// Result holds the fused liveness score and its per-factor sub-scores,
// each in [0,1].
type Result struct {
	Score float64

	Pitch        float64 // F0 range and vibrato
	Spectral     float64 // centroid variation and contrast
	Echo         float64 // inverse playback-artifact evidence
	Noise        float64 // background energy variability
	Clipping     float64 // inverse clipping-artifact ratio
	Flatness     float64 // distance from natural-speech flatness band
	VoicedFrames int
}

// Scorer computes liveness scores for mono audio at a fixed sample rate.
type Scorer struct {
	sampleRate int
	fft        *fourier.FFT
}

// NewScorer creates a Scorer for audio at sampleRate Hz.
func NewScorer(sampleRate int) *Scorer {
	return &Scorer{
		sampleRate: sampleRate,
		fft:        fourier.NewFFT(frameLen),
	}
}

// Score computes the liveness score for a mono sample buffer. Buffers
// shorter than one second short-circuit to ScoreShortSample; too little
// voiced content yields ScoreInsufficientVoiced; any internal numeric
// failure yields ScoreNeutral.
func (s *Scorer) Score(samples []float64) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{
				Score: ScoreNeutral, Pitch: ScoreNeutral, Spectral: ScoreNeutral,
				Echo: ScoreNeutral, Noise: ScoreNeutral, Clipping: ScoreNeutral,
				Flatness: ScoreNeutral,
			}
		}
	}()

	if len(samples) < s.sampleRate {
		return Result{Score: ScoreShortSample}
	}

	voicedF0 := s.trackPitch(samples)
	if len(voicedF0) < minVoicedFrames {
		return Result{Score: ScoreInsufficientVoiced, VoicedFrames: len(voicedF0)}
	}

	pitch := pitchFactor(voicedF0)
	spectral := s.spectralFactor(samples)
	echo := s.echoFactor(samples)
	noise := noiseFactor(samples)
	clip := clippingFactor(samples)
	flat := s.flatnessFactor(samples)

	score := weightPitch*pitch +
		weightSpectral*spectral +
		weightEcho*echo +
		weightNoise*noise +
		weightClipping*clip +
		weightFlatness*flat

	return Result{
		Score:        clamp01(score, ScoreNeutral),
		Pitch:        pitch,
		Spectral:     spectral,
		Echo:         echo,
		Noise:        noise,
		Clipping:     clip,
		Flatness:     flat,
		VoicedFrames: len(voicedF0),
	}
}

// trackPitch estimates F0 per frame via autocorrelation and returns the
// outlier-trimmed F0 values of voiced frames.
func (s *Scorer) trackPitch(samples []float64) []float64 {
	minLag := int(float64(s.sampleRate) / pitchMaxHz)
	maxLag := int(float64(s.sampleRate) / pitchMinHz)
	if minLag < 2 {
		minLag = 2
	}

	var f0s []float64
	for _, frame := range frames(samples, frameLen, hopLen) {
		if rms(frame) < voicingEnergyFloor {
			continue
		}
		ac := autocorrelate(frame, maxLag+1)
		if ac == nil {
			continue
		}

		bestLag, bestVal := 0, 0.0
		for lag := minLag; lag <= maxLag && lag < len(ac); lag++ {
			if ac[lag] > bestVal {
				bestVal = ac[lag]
				bestLag = lag
			}
		}
		if bestLag == 0 || bestVal < voicingThreshold {
			continue
		}
		f0s = append(f0s, float64(s.sampleRate)/float64(bestLag))
	}

	return trimOutliersIQR(f0s)
}

// pitchFactor scores F0 range against the natural-speech span and blends
// in vibrato, the noisiness of the frame-to-frame F0 derivative.
func pitchFactor(voicedF0 []float64) float64 {
	minF0, maxF0 := voicedF0[0], voicedF0[0]
	for _, f := range voicedF0 {
		minF0 = math.Min(minF0, f)
		maxF0 = math.Max(maxF0, f)
	}
	rangeScore := math.Min((maxF0-minF0)/f0RangeNorm, 1.0)

	diffs := make([]float64, 0, len(voicedF0)-1)
	var absMean float64
	for i := 1; i < len(voicedF0); i++ {
		d := voicedF0[i] - voicedF0[i-1]
		diffs = append(diffs, d)
		absMean += math.Abs(d)
	}
	absMean /= float64(len(diffs))
	vibrato := math.Min(stat.StdDev(diffs, nil)/(absMean+1e-8), 1.0)

	return clamp01(0.6*rangeScore+0.4*vibrato, ScoreNeutral)
}

// spectralFactor blends spectral-centroid variation with spectral
// contrast across frames. Real speech shows timbral movement that a
// looped recording lacks.
func (s *Scorer) spectralFactor(samples []float64) float64 {
	var centroids, contrasts []float64
	for _, frame := range frames(samples, frameLen, hopLen) {
		mags := magnitudeSpectrum(s.fft, frame)
		centroids = append(centroids, spectralCentroid(mags))
		contrasts = append(contrasts, spectralContrastDB(mags))
	}
	if len(centroids) < 2 {
		return ScoreNeutral
	}

	variation := math.Min(coefVariation(centroids), 1.0)
	contrast := math.Min(stat.Mean(contrasts, nil)/30.0, 1.0)
	return clamp01(0.5*variation+0.5*contrast, ScoreNeutral)
}

// spectralContrastDB returns the dB gap between the strongest and
// weakest deciles of the spectrum.
func spectralContrastDB(mags []float64) float64 {
	n := len(mags)
	if n < 10 {
		return 0
	}
	sorted := append([]float64(nil), mags...)
	// Insertion of a full sort for a ~1k-bin spectrum is fine here.
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	k := n / 10
	var lo, hi float64
	for i := 0; i < k; i++ {
		lo += sorted[i]
		hi += sorted[n-1-i]
	}
	lo /= float64(k)
	hi /= float64(k)
	return 20 * math.Log10((hi+1e-12)/(lo+1e-12))
}

// echoFactor searches the mid-lag autocorrelation window for the
// periodic peaks a loudspeaker replay leaves behind. Stronger peaks mean
// less liveness, so the factor contributes inversely.
func (s *Scorer) echoFactor(samples []float64) float64 {
	lagLo := int(0.006 * float64(s.sampleRate))
	lagHi := int(0.038 * float64(s.sampleRate))
	minDist := int(0.003 * float64(s.sampleRate))
	if minDist < 1 {
		minDist = 1
	}

	ac := autocorrelate(samples, lagHi+1)
	if ac == nil || lagLo >= len(ac) {
		return ScoreNeutral
	}

	window := ac[lagLo:]
	peaks := findPeaks(window, 0.4, minDist)
	if len(peaks) == 0 {
		return 1.0
	}
	var sum float64
	for _, p := range peaks {
		sum += window[p]
	}
	echo := math.Min(sum/float64(len(peaks)), 1.0)
	return clamp01(1.0-echo, ScoreNeutral)
}

// noiseFactor scores background-energy variability across frames. Real
// environments vary; a clean looped recording does not.
func noiseFactor(samples []float64) float64 {
	var energies []float64
	for _, frame := range frames(samples, frameLen, hopLen) {
		energies = append(energies, rms(frame))
	}
	if len(energies) < 2 {
		return ScoreNeutral
	}
	return clamp01(math.Min(coefVariation(energies), 1.0), ScoreNeutral)
}

// clippingFactor scores the absence of clipping artifacts.
func clippingFactor(samples []float64) float64 {
	var clipped int
	for _, v := range samples {
		if math.Abs(v) > clippingLevel {
			clipped++
		}
	}
	ratio := float64(clipped) / float64(len(samples))
	return clamp01(1.0-math.Min(ratio*10, 1.0), ScoreNeutral)
}

// flatnessFactor scores the distance of mean spectral flatness from the
// natural-speech target band.
func (s *Scorer) flatnessFactor(samples []float64) float64 {
	var flats []float64
	for _, frame := range frames(samples, frameLen, hopLen) {
		flats = append(flats, spectralFlatness(magnitudeSpectrum(s.fft, frame)))
	}
	if len(flats) == 0 {
		return ScoreNeutral
	}
	return clamp01(1.0-math.Abs(stat.Mean(flats, nil)-flatnessTarget), ScoreNeutral)
}

// QualityScore computes the signal-quality composite used by the
// voice-only verification path: energy level, zero-crossing variation,
// and spectral-centroid variation, each capped at 1.
func (s *Scorer) QualityScore(samples []float64) float64 {
	fr := frames(samples, frameLen, hopLen)
	if len(fr) < 2 {
		return ScoreNeutral
	}

	var energies, zcrs, centroids []float64
	maxEnergy := 0.0
	for _, frame := range fr {
		e := rms(frame)
		energies = append(energies, e)
		maxEnergy = math.Max(maxEnergy, e)
		zcrs = append(zcrs, zeroCrossingRate(frame))
		centroids = append(centroids, spectralCentroid(magnitudeSpectrum(s.fft, frame)))
	}

	energyLevel := stat.Mean(energies, nil) / (maxEnergy + 1e-8)
	zcrVariation := math.Min(coefVariation(zcrs), 1.0)
	spectralVariation := math.Min(coefVariation(centroids), 1.0)

	quality := 0.4*math.Min(energyLevel, 1.0) + 0.3*zcrVariation + 0.3*spectralVariation
	return clamp01(quality, ScoreNeutral)
}
