// Package audio sample codec.
//
// This file implements the stateless conversion between interleaved 16-bit
// signed little-endian PCM frames and normalized float64 per-channel sample
// slices used by the processing pipeline.
package audio

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// BytesPerSample is the width of one 16-bit PCM sample on the wire.
const BytesPerSample = 2

// Frame validation errors. Callers drop the offending frame and keep the
// session alive; none of these are fatal.
var (
	// ErrEmptyFrame indicates a zero-length PCM buffer.
	ErrEmptyFrame = errors.New("empty PCM frame")

	// ErrOddFrameLength indicates a buffer that does not divide into whole
	// 16-bit samples.
	ErrOddFrameLength = errors.New("PCM frame length not a multiple of sample size")

	// ErrUnalignedFrame indicates a stereo buffer that does not divide into
	// whole L,R sample pairs.
	ErrUnalignedFrame = errors.New("PCM frame length not a multiple of frame size")

	// ErrChannelCount indicates an input channel count other than 1 or 2.
	ErrChannelCount = errors.New("unsupported channel count")

	// ErrChannelMismatch indicates per-channel slices of different lengths
	// passed to EncodeFrame.
	ErrChannelMismatch = errors.New("channel buffers differ in length")
)

// DecodeFrame parses an interleaved 16-bit signed little-endian PCM buffer
// into normalized per-channel float64 slices.
//
// Normalization is asymmetric and exact: negative samples divide by 32768,
// non-negative samples divide by 32767, so both -32768 and 32767 map onto
// the ends of [-1, 1] without overshoot. Mono input is duplicated into two
// independent slices so downstream per-channel state never aliases.
//
// Parameters:
//   - frame: Raw PCM bytes, interleaved L,R for stereo
//   - channels: Input channel count (1 or 2)
//
// Returns:
//   - []float64: Left channel samples in [-1, 1]
//   - []float64: Right channel samples in [-1, 1]
//   - error: Validation error when the buffer cannot be a whole frame sequence
func DecodeFrame(frame []byte, channels int) ([]float64, []float64, error) {
	logrus.WithFields(logrus.Fields{
		"function": "DecodeFrame",
		"bytes":    len(frame),
		"channels": channels,
	}).Trace("Decoding PCM frame")

	if len(frame) == 0 {
		return nil, nil, ErrEmptyFrame
	}
	if len(frame)%BytesPerSample != 0 {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrOddFrameLength, len(frame))
	}

	switch channels {
	case 1:
		n := len(frame) / BytesPerSample
		left := make([]float64, n)
		right := make([]float64, n)
		for i := 0; i < n; i++ {
			s := int16(frame[i*2]) | int16(frame[i*2+1])<<8
			v := SampleToFloat(s)
			left[i] = v
			right[i] = v
		}
		return left, right, nil

	case 2:
		if len(frame)%(2*BytesPerSample) != 0 {
			return nil, nil, fmt.Errorf("%w: %d bytes", ErrUnalignedFrame, len(frame))
		}
		n := len(frame) / (2 * BytesPerSample)
		left := make([]float64, n)
		right := make([]float64, n)
		for i := 0; i < n; i++ {
			l := int16(frame[i*4]) | int16(frame[i*4+1])<<8
			r := int16(frame[i*4+2]) | int16(frame[i*4+3])<<8
			left[i] = SampleToFloat(l)
			right[i] = SampleToFloat(r)
		}
		return left, right, nil

	default:
		return nil, nil, fmt.Errorf("%w: %d", ErrChannelCount, channels)
	}
}

// EncodeFrame converts per-channel normalized samples back into an
// interleaved 16-bit signed little-endian PCM buffer.
//
// The inverse of DecodeFrame: each value is clamped to [-1, 1], scaled by
// 32768 (negative) or 32767 (non-negative), and truncated toward zero. The
// truncation matters: round-to-nearest would break bit-exact round-trips
// with the capture side.
//
// Parameters:
//   - left: Left channel samples
//   - right: Right channel samples, same length as left
//
// Returns:
//   - []byte: Interleaved stereo PCM, 4 bytes per sample frame
//   - error: ErrChannelMismatch or ErrEmptyFrame
func EncodeFrame(left, right []float64) ([]byte, error) {
	if len(left) != len(right) {
		logrus.WithFields(logrus.Fields{
			"function": "EncodeFrame",
			"left":     len(left),
			"right":    len(right),
		}).Error("Channel length validation failed")
		return nil, fmt.Errorf("%w: left=%d right=%d", ErrChannelMismatch, len(left), len(right))
	}
	if len(left) == 0 {
		return nil, ErrEmptyFrame
	}

	out := make([]byte, len(left)*2*BytesPerSample)
	for i := range left {
		l := FloatToSample(left[i])
		r := FloatToSample(right[i])
		out[i*4] = byte(l)
		out[i*4+1] = byte(l >> 8)
		out[i*4+2] = byte(r)
		out[i*4+3] = byte(r >> 8)
	}
	return out, nil
}

// SampleToFloat normalizes one 16-bit sample into [-1, 1].
//
// The negative and non-negative halves use different divisors because the
// int16 range is asymmetric; a single divisor either clips -32768 or never
// reaches +1.0.
func SampleToFloat(s int16) float64 {
	if s < 0 {
		return float64(s) / 32768.0
	}
	return float64(s) / 32767.0
}

// FloatToSample quantizes one normalized value back to a 16-bit sample,
// clamping to [-1, 1] first and truncating toward zero.
func FloatToSample(v float64) int16 {
	if v > 1.0 {
		v = 1.0
	} else if v < -1.0 {
		v = -1.0
	}
	if v < 0 {
		return int16(v * 32768.0)
	}
	return int16(v * 32767.0)
}
