// Package audio DSP engine.
//
// This file implements the per-session processing pipeline: gain with hard
// clipping, the continuous-state low-pass stage, and metering accumulation,
// executed in that fixed order once per incoming frame.
package audio

import (
	"math"
	"sync"

	"github.com/sirupsen/logrus"
)

// Parameter bounds. Out-of-range values are clamped, never rejected; a
// slider at its end stop is a user intent, not an error.
const (
	MinGainDB = 0.0
	MaxGainDB = 60.0

	MinCutoffHz = 20.0
	// MaxCutoffRatio bounds the cutoff below Nyquist with headroom for the
	// biquad design to stay well-conditioned.
	MaxCutoffRatio = 0.45

	MinIntegrationTime = 0.01
	MaxIntegrationTime = 5.0

	DefaultSampleRate      = 44100
	DefaultChannels        = 2
	DefaultCutoffHz        = 1000.0
	DefaultIntegrationTime = 0.5
)

// Params holds the client-adjustable processing parameters.
//
// Mutable at any moment mid-stream; a change takes effect on the next
// processed frame. Continuity across changes is guaranteed by the filter's
// persistent state, not by crossfading parameter values.
type Params struct {
	// GainDB is the gain stage amount in decibels, [0, 60].
	GainDB float64

	// FilterEnabled routes audio through the low-pass stage when true.
	FilterEnabled bool

	// CutoffHz is the low-pass cutoff frequency, kept below Nyquist.
	CutoffHz float64

	// IntegrationTime is the metering smoothing time constant in seconds.
	IntegrationTime float64
}

// DefaultParams returns the parameters a fresh session starts with: unity
// gain, filter off, 1 kHz cutoff, 0.5 s integration.
func DefaultParams() Params {
	return Params{
		GainDB:          0,
		FilterEnabled:   false,
		CutoffHz:        DefaultCutoffHz,
		IntegrationTime: DefaultIntegrationTime,
	}
}

// Clamped returns a copy with every field forced into its valid range for
// the given sample rate.
func (p Params) Clamped(sampleRate int) Params {
	out := p
	out.GainDB = clamp(p.GainDB, MinGainDB, MaxGainDB)
	out.CutoffHz = clamp(p.CutoffHz, MinCutoffHz, float64(sampleRate)*MaxCutoffRatio)
	out.IntegrationTime = clamp(p.IntegrationTime, MinIntegrationTime, MaxIntegrationTime)
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Engine is the per-session stateful audio processor.
//
// Pipeline order per frame, fixed: gain, hard clip, low-pass, metering
// accumulation. Each channel owns an independent filter cascade; the two
// delay lines survive every parameter and sample-rate change for the life
// of the session.
//
// Design decisions:
//   - One mutex guards parameters, filter state and meter state. Ingestion
//     and snapshot reads come from different goroutines and both need a
//     consistent view; the critical sections are microseconds.
//   - The disabled filter is still fed every post-gain sample (output
//     discarded) so a later enable resumes from live history instead of a
//     stale delay line.
//   - Clipping happens after gain, never before: pre-clip would change the
//     signal the gain stage sees.
type Engine struct {
	mu sync.Mutex

	sampleRate int
	channels   int

	params  Params
	gainLin float64

	filterL *LowPass
	filterR *LowPass
	meter   *Meter
}

// NewEngine creates an engine for one session.
//
// Parameters:
//   - sampleRate: Session sample rate in Hz (DefaultSampleRate when <= 0)
//   - channels: Input channel count, 1 or 2 (DefaultChannels otherwise)
//
// Returns:
//   - *Engine: Engine with default parameters and silent meters
func NewEngine(sampleRate, channels int) *Engine {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if channels != 1 && channels != 2 {
		channels = DefaultChannels
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewEngine",
		"sample_rate": sampleRate,
		"channels":    channels,
	}).Info("Creating DSP engine")

	e := &Engine{
		sampleRate: sampleRate,
		channels:   channels,
		params:     DefaultParams().Clamped(sampleRate),
		filterL:    NewLowPass(DefaultCutoffHz, sampleRate),
		filterR:    NewLowPass(DefaultCutoffHz, sampleRate),
		meter:      NewMeter(sampleRate, DefaultSpectrumWindow, DefaultSpectrumBins),
	}
	e.gainLin = dbToLinear(e.params.GainDB)
	return e
}

// NewEngineWithMetering creates an engine with explicit spectrum settings.
// Used by sessions so the analysis window and bin count come from server
// configuration rather than package defaults.
func NewEngineWithMetering(sampleRate, channels, window, bins int) *Engine {
	e := NewEngine(sampleRate, channels)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.meter = NewMeter(e.sampleRate, window, bins)
	e.meter.SetIntegrationTime(e.params.IntegrationTime)
	return e
}

// Configure re-establishes the session's sample rate and channel count.
//
// Handles the init control message, including a repeated one: filter
// coefficients are rebuilt for the new rate while both delay lines persist,
// and clamped parameters are re-derived against the new Nyquist.
func (e *Engine) Configure(sampleRate, channels int) {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if channels != 1 && channels != 2 {
		channels = DefaultChannels
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "Engine.Configure",
		"old_rate":    e.sampleRate,
		"sample_rate": sampleRate,
		"channels":    channels,
	}).Info("Configuring DSP engine")

	e.sampleRate = sampleRate
	e.channels = channels
	e.params = e.params.Clamped(sampleRate)
	e.filterL.SetCutoff(e.params.CutoffHz, sampleRate)
	e.filterR.SetCutoff(e.params.CutoffHz, sampleRate)
	e.meter.SetSampleRate(sampleRate)
}

// SetParams clamps and applies new processing parameters, returning the
// values actually in effect.
func (e *Engine) SetParams(p Params) Params {
	e.mu.Lock()
	defer e.mu.Unlock()

	applied := p.Clamped(e.sampleRate)
	if applied != p {
		logrus.WithFields(logrus.Fields{
			"function":  "Engine.SetParams",
			"requested": p,
			"applied":   applied,
		}).Debug("Parameters clamped to valid range")
	}

	e.params = applied
	e.gainLin = dbToLinear(applied.GainDB)
	e.filterL.SetCutoff(applied.CutoffHz, e.sampleRate)
	e.filterR.SetCutoff(applied.CutoffHz, e.sampleRate)
	e.meter.SetIntegrationTime(applied.IntegrationTime)

	logrus.WithFields(logrus.Fields{
		"function":         "Engine.SetParams",
		"gain_db":          applied.GainDB,
		"filter_enabled":   applied.FilterEnabled,
		"cutoff_hz":        applied.CutoffHz,
		"integration_time": applied.IntegrationTime,
	}).Info("DSP parameters updated")

	return applied
}

// Params returns the parameters currently in effect.
func (e *Engine) Params() Params {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params
}

// SampleRate returns the configured sample rate in Hz.
func (e *Engine) SampleRate() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sampleRate
}

// Channels returns the configured input channel count.
func (e *Engine) Channels() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channels
}

// ProcessFrame runs one decoded frame through the pipeline in place.
//
// Consumes exactly one frame and advances all state by exactly len(left)
// samples; identical input under identical parameters yields identical
// output within one process. Both slices must be the same length, which
// DecodeFrame guarantees for its callers.
func (e *Engine) ProcessFrame(left, right []float64) {
	if len(left) == 0 || len(left) != len(right) {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Engine.ProcessFrame",
		"frames":   len(left),
	}).Trace("Processing audio frame")

	gain := e.gainLin
	for i := range left {
		left[i] = clipSample(left[i] * gain)
		right[i] = clipSample(right[i] * gain)
	}

	if e.params.FilterEnabled {
		e.filterL.Process(left)
		e.filterR.Process(right)
	} else {
		// Keep the delay lines tracking the live signal.
		e.filterL.Feed(left)
		e.filterR.Feed(right)
	}

	e.meter.Accumulate(left, right)
}

// Snapshot returns a consistent copy of the current metering values.
//
// Called on the scheduler cadence; safe to call before any audio has been
// processed, in which case it reports the silence floor.
func (e *Engine) Snapshot() MeterSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.meter.Snapshot()
}

// clipSample hard-limits one sample to [-1, 1].
func clipSample(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	if v < -1.0 {
		return -1.0
	}
	return v
}

// dbToLinear converts decibels to a linear gain factor.
func dbToLinear(db float64) float64 {
	return math.Pow(10.0, db/20.0)
}
