// Package audio metering derivation.
//
// This file implements the smoothed level, spectrum and panning estimators
// fed by the Engine on every processed frame and sampled by the metering
// scheduler on its own cadence.
package audio

import (
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
	"github.com/sirupsen/logrus"
)

const (
	// RMSFloorDB is the minimum reportable level. Silence reports exactly
	// this value instead of -Inf.
	RMSFloorDB = -100.0

	// DefaultSpectrumWindow is the analysis window length in samples.
	// Power of two, and one typical capture chunk long.
	DefaultSpectrumWindow = 1024

	// DefaultSpectrumBins is the number of display bins reported to
	// clients, independent of the window length.
	DefaultSpectrumBins = 64

	// spectrumFloorDB is the bottom of the spectrum display range; bin
	// magnitudes map linearly from [spectrumFloorDB, 0] dB onto [0, 1].
	spectrumFloorDB = -80.0

	// panGuard is the combined-RMS threshold below which panning is pinned
	// to center. Avoids a meaningless ratio of two near-zero energies.
	panGuard = 1e-4

	// magnitudeGuard keeps log10 finite for empty bins.
	magnitudeGuard = 1e-10
)

// MeterSnapshot is one consistent view of the metering estimators, taken on
// the scheduler cadence and serialized to the client.
type MeterSnapshot struct {
	// RMS is the smoothed level in dB, in [RMSFloorDB, 0].
	RMS float64

	// Spectrum holds the normalized magnitudes in [0, 1], one per display
	// bin, low frequencies first.
	Spectrum []float64

	// Panning is the stereo balance in [-1, 1]; 0 is centered, 1 is
	// right-only.
	Panning float64
}

// Meter accumulates smoothed per-channel signal power and a rolling window
// of post-filter samples for spectrum analysis.
//
// Design decisions:
//   - Power (mean square) is smoothed in the linear domain with
//     alpha = exp(-dt/tau) and only converted to dB at snapshot time, so the
//     integration-time contract (larger tau, slower response) holds exactly.
//   - There is no fast-attack special case: every update blends through the
//     same alpha. A first-frame jump would bypass the integration time.
//   - The spectrum window is a ring buffer of the stereo mix; the FFT runs
//     at snapshot time only, never on the per-frame ingest path.
//   - Not synchronized; the Engine serializes access under its own lock.
type Meter struct {
	sampleRate int
	tau        float64

	// Smoothed per-channel mean square. Zero means silence and maps to the
	// RMS floor.
	powLeft  float64
	powRight float64

	ring    []float64
	ringPos int
	window  []float64
	bins    int
}

// NewMeter creates a meter with the given analysis window and display bin
// count. The window length must be a power of two; the constructor rounds
// down to one if it is not.
func NewMeter(sampleRate, windowSize, bins int) *Meter {
	if windowSize < 2 {
		windowSize = 2
	}
	if windowSize&(windowSize-1) != 0 {
		rounded := 1
		for rounded*2 <= windowSize {
			rounded *= 2
		}
		logrus.WithFields(logrus.Fields{
			"function":  "NewMeter",
			"requested": windowSize,
			"rounded":   rounded,
		}).Warn("Spectrum window not a power of two, rounding down")
		windowSize = rounded
	}
	if bins < 1 {
		bins = 1
	}

	m := &Meter{
		sampleRate: sampleRate,
		tau:        DefaultIntegrationTime,
		ring:       make([]float64, windowSize),
		window:     hannWindow(windowSize),
		bins:       bins,
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewMeter",
		"sample_rate": sampleRate,
		"window":      windowSize,
		"bins":        bins,
	}).Debug("Meter created")

	return m
}

// SetSampleRate updates the rate used for smoothing and bin frequencies.
func (m *Meter) SetSampleRate(sampleRate int) {
	if sampleRate > 0 {
		m.sampleRate = sampleRate
	}
}

// SetIntegrationTime updates the smoothing time constant in seconds.
func (m *Meter) SetIntegrationTime(tau float64) {
	if tau > 0 {
		m.tau = tau
	}
}

// IntegrationTime returns the current smoothing time constant in seconds.
func (m *Meter) IntegrationTime() float64 {
	return m.tau
}

// Accumulate feeds one processed frame into the estimators.
//
// Runs on the ingest path for every frame: O(n), no allocation, no
// blocking. The smoothing step treats the whole frame as one observation
// with dt = len/sampleRate, matching how the estimators are consumed (one
// value per snapshot, not per sample).
func (m *Meter) Accumulate(left, right []float64) {
	n := len(left)
	if n == 0 || m.sampleRate <= 0 {
		return
	}

	var sumL, sumR float64
	for i := 0; i < n; i++ {
		sumL += left[i] * left[i]
		sumR += right[i] * right[i]
	}
	msL := sumL / float64(n)
	msR := sumR / float64(n)

	dt := float64(n) / float64(m.sampleRate)
	alpha := math.Exp(-dt / m.tau)
	m.powLeft = alpha*m.powLeft + (1.0-alpha)*msL
	m.powRight = alpha*m.powRight + (1.0-alpha)*msR

	for i := 0; i < n; i++ {
		m.ring[m.ringPos] = (left[i] + right[i]) * 0.5
		m.ringPos++
		if m.ringPos == len(m.ring) {
			m.ringPos = 0
		}
	}
}

// Snapshot derives a MeterSnapshot from the current estimator state.
//
// Safe to call before any audio has arrived: the result is the silence
// floor, a zero spectrum and centered panning.
func (m *Meter) Snapshot() MeterSnapshot {
	return MeterSnapshot{
		RMS:      m.rmsDB(),
		Spectrum: m.spectrum(),
		Panning:  m.panning(),
	}
}

// rmsDB converts the combined smoothed power to decibels, floored.
func (m *Meter) rmsDB() float64 {
	total := (m.powLeft + m.powRight) / 2.0
	if total <= 0 {
		return RMSFloorDB
	}
	db := 10.0 * math.Log10(total)
	if db < RMSFloorDB {
		return RMSFloorDB
	}
	if db > 0 {
		return 0
	}
	return db
}

// panning computes (R-L)/(R+L) over the smoothed per-channel RMS values,
// pinned to center when both channels are effectively silent.
func (m *Meter) panning() float64 {
	rmsL := math.Sqrt(m.powLeft)
	rmsR := math.Sqrt(m.powRight)
	denom := rmsL + rmsR
	if denom <= panGuard {
		return 0
	}
	p := (rmsR - rmsL) / denom
	if p > 1 {
		return 1
	}
	if p < -1 {
		return -1
	}
	return p
}

// spectrum computes the normalized display spectrum from the current
// analysis window.
//
// Pipeline: chronological copy of the ring, Hann window, real FFT,
// magnitude scaled by 2/N, dB, then a linear map of [-80, 0] dB onto
// [0, 1]. Display bins sample the FFT at geometrically spaced indices so
// low frequencies get the resolution the ear expects.
func (m *Meter) spectrum() []float64 {
	n := len(m.ring)
	buf := make([]float64, n)
	for i := 0; i < n; i++ {
		buf[i] = m.ring[(m.ringPos+i)%n] * m.window[i]
	}

	coeffs := fft.FFTReal(buf)
	half := n / 2

	out := make([]float64, m.bins)
	maxIdx := float64(half - 1)
	if maxIdx < 1 {
		maxIdx = 1
	}
	for b := 0; b < m.bins; b++ {
		// Geometric spacing from bin 1 (skip DC) to the top of the usable
		// half-spectrum.
		t := 0.0
		if m.bins > 1 {
			t = float64(b) / float64(m.bins-1)
		}
		idx := int(math.Round(math.Pow(maxIdx, t)))
		if idx < 1 {
			idx = 1
		}
		if idx > half-1 {
			idx = half - 1
		}

		mag := 2.0 * cmplx.Abs(coeffs[idx]) / float64(n)
		db := 20.0 * math.Log10(mag+magnitudeGuard)
		v := (db - spectrumFloorDB) / -spectrumFloorDB
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		out[b] = v
	}
	return out
}

// hannWindow precomputes Hann coefficients for the given length.
func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 * (1.0 - math.Cos(2.0*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}
