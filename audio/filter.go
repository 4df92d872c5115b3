// Package audio low-pass filter.
//
// This file implements the fourth-order Butterworth low-pass used by the
// Engine. The filter is realized as two cascaded direct-form-II-transposed
// biquads; coefficients are rebuilt on every cutoff or sample-rate change
// while the delay line is carried across all reconfiguration.
package audio

import (
	"math"

	"github.com/sirupsen/logrus"
)

// Butterworth Q values for a fourth-order cascade. Two second-order
// sections with these quality factors multiply out to the maximally flat
// fourth-order response.
var butterworthQ = [2]float64{0.5411961001461969, 1.3065629648763766}

// biquadCoeffs holds one normalized second-order section (a0 divided out).
type biquadCoeffs struct {
	b0, b1, b2 float64
	a1, a2     float64
}

// biquadState is the two-sample delay line of one section.
type biquadState struct {
	z1, z2 float64
}

// step advances one direct-form-II-transposed section by a single sample.
//
// Pure function of (state, coefficients, input): callers own the state and
// decide whether to keep the returned one. This is the entire continuity
// contract: coefficients may change between calls, state must not be
// discarded.
func step(s biquadState, c biquadCoeffs, x float64) (biquadState, float64) {
	y := c.b0*x + s.z1
	return biquadState{
		z1: c.b1*x - c.a1*y + s.z2,
		z2: c.b2*x - c.a2*y,
	}, y
}

// lowpassCoeffs computes one RBJ cookbook low-pass section for the given
// cutoff, sample rate and Q. The cutoff is pinned just under Nyquist so the
// section stays stable no matter what the caller passes.
func lowpassCoeffs(cutoffHz float64, sampleRate int, q float64) biquadCoeffs {
	nyquist := float64(sampleRate) / 2.0
	if cutoffHz >= nyquist {
		cutoffHz = nyquist * 0.999
	}
	if cutoffHz < 1.0 {
		cutoffHz = 1.0
	}

	w0 := 2.0 * math.Pi * cutoffHz / float64(sampleRate)
	cosW0 := math.Cos(w0)
	alpha := math.Sin(w0) / (2.0 * q)

	a0 := 1.0 + alpha
	return biquadCoeffs{
		b0: (1.0 - cosW0) / 2.0 / a0,
		b1: (1.0 - cosW0) / a0,
		b2: (1.0 - cosW0) / 2.0 / a0,
		a1: -2.0 * cosW0 / a0,
		a2: (1.0 - alpha) / a0,
	}
}

// LowPass is a fourth-order Butterworth low-pass filter for one channel.
//
// Design decisions:
//   - Two cascaded biquads instead of a single order-4 polynomial: better
//     numerical behavior at low cutoff ratios and a smaller state vector
//     per section.
//   - SetCutoff rebuilds coefficients only. The delay line persists across
//     cutoff changes, sample-rate changes and enable toggles; zeroing it
//     produces an audible click at the edit point.
//   - Not synchronized. Each session owns one LowPass per channel and feeds
//     it from a single goroutine.
type LowPass struct {
	coeffs [2]biquadCoeffs
	state  [2]biquadState

	cutoffHz   float64
	sampleRate int
}

// NewLowPass creates a low-pass filter with the given initial cutoff.
//
// Parameters:
//   - cutoffHz: Initial cutoff frequency in Hz
//   - sampleRate: Sample rate in Hz
//
// Returns:
//   - *LowPass: Filter with a zeroed delay line (a brand-new filter has no
//     history to preserve)
func NewLowPass(cutoffHz float64, sampleRate int) *LowPass {
	f := &LowPass{
		cutoffHz:   cutoffHz,
		sampleRate: sampleRate,
	}
	f.rebuild()

	logrus.WithFields(logrus.Fields{
		"function":    "NewLowPass",
		"cutoff_hz":   cutoffHz,
		"sample_rate": sampleRate,
	}).Debug("Low-pass filter created")

	return f
}

// SetCutoff reconfigures the filter for a new cutoff and/or sample rate.
//
// Only the coefficients change. The delay line is intentionally untouched:
// the stream keeps flowing through the same state vector, which is what
// keeps cutoff sweeps free of discontinuities.
func (f *LowPass) SetCutoff(cutoffHz float64, sampleRate int) {
	if cutoffHz == f.cutoffHz && sampleRate == f.sampleRate {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":    "LowPass.SetCutoff",
		"old_cutoff":  f.cutoffHz,
		"new_cutoff":  cutoffHz,
		"sample_rate": sampleRate,
	}).Debug("Rebuilding filter coefficients, state preserved")

	f.cutoffHz = cutoffHz
	f.sampleRate = sampleRate
	f.rebuild()
}

// Cutoff returns the currently configured cutoff frequency in Hz.
func (f *LowPass) Cutoff() float64 {
	return f.cutoffHz
}

func (f *LowPass) rebuild() {
	for i, q := range butterworthQ {
		f.coeffs[i] = lowpassCoeffs(f.cutoffHz, f.sampleRate, q)
	}
}

// ProcessSample filters a single sample, advancing the delay line.
func (f *LowPass) ProcessSample(x float64) float64 {
	var y float64
	f.state[0], y = step(f.state[0], f.coeffs[0], x)
	f.state[1], y = step(f.state[1], f.coeffs[1], y)
	return y
}

// Process filters a slice in place and returns it.
func (f *LowPass) Process(samples []float64) []float64 {
	for i, x := range samples {
		samples[i] = f.ProcessSample(x)
	}
	return samples
}

// Feed advances the delay line without producing output.
//
// Called while the filter stage is disabled so the state tracks the live
// signal; re-enabling then resumes from current history instead of stale
// samples, avoiding a transient at the toggle boundary.
func (f *LowPass) Feed(samples []float64) {
	for _, x := range samples {
		f.ProcessSample(x)
	}
}
