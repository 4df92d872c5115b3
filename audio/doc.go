// Package audio provides the real-time signal processing core for audiolab.
//
// This package implements the complete per-session audio pipeline: PCM sample
// conversion, gain staging, continuous-state low-pass filtering, and metering
// derivation (RMS level, magnitude spectrum, stereo panning).
//
// # Architecture Overview
//
// The processing pipeline follows this flow:
//
//	Ingest: PCM16 frame → DecodeFrame → Engine.ProcessFrame (gain → clip → filter → meter) → EncodeFrame → recording
//	Report: Engine.Snapshot ← smoothed estimators ← metering accumulation
//
// # Core Components
//
// ## SampleCodec
//
// Stateless conversion between interleaved 16-bit signed PCM and normalized
// per-channel float64 slices:
//
//	left, right, err := audio.DecodeFrame(frame, 2)
//	out, err := audio.EncodeFrame(left, right)
//
// ## Engine
//
// The per-session stateful processor combining the gain stage, the low-pass
// filter, and metering accumulation:
//
//	engine := audio.NewEngine(44100, 2)
//	engine.SetParams(audio.Params{GainDB: 6, FilterEnabled: true, CutoffHz: 2000, IntegrationTime: 0.5})
//	engine.ProcessFrame(left, right)
//	snap := engine.Snapshot()
//
// ## LowPass
//
// A fourth-order Butterworth low-pass whose delay line survives every
// reconfiguration. Changing the cutoff rebuilds coefficients only; the state
// vector is never zeroed, which is what keeps parameter edits click-free.
//
// # Thread Safety
//
// Engine methods are safe for concurrent use: frame ingestion and snapshot
// reads may run from different goroutines. The codec functions and LowPass
// are not synchronized; each session owns its own instances.
package audio
