// Package recording metadata types.
//
// This file defines the Recording record and the DSP settings snapshot
// attached to it. Field names on the wire match the catalog API schema.
package recording

import (
	"errors"
	"time"
)

// Package-level errors. Callers distinguish them with errors.Is.
var (
	// ErrNotFound indicates a catalog lookup for an unknown recording.
	ErrNotFound = errors.New("recording not found")

	// ErrSinkClosed indicates an append after finalization started.
	ErrSinkClosed = errors.New("recording sink closed")

	// ErrEmptyRecording indicates a recording stopped before any audio
	// arrived; no file or record is produced for it.
	ErrEmptyRecording = errors.New("recording contains no audio")
)

// Settings is the DSP parameter snapshot taken when a recording starts.
// Stored alongside the recording so a capture can be reproduced.
type Settings struct {
	Gain   float64 `json:"gain"`
	Cutoff float64 `json:"cutoff"`
	Filter bool    `json:"filter"`
}

// Recording describes one finalized capture.
type Recording struct {
	// ID is an opaque unique identifier, assigned when recording starts.
	ID string `json:"id"`

	// Filename is the WAV file name inside the recordings directory,
	// unique across all sessions.
	Filename string `json:"filename"`

	// Duration is the recorded length in seconds, derived from the number
	// of sample frames written.
	Duration float64 `json:"duration_seconds"`

	// Timestamp is the UTC time the recording started.
	Timestamp time.Time `json:"timestamp"`

	// Settings is the DSP configuration active at start.
	Settings Settings `json:"settings"`

	// SessionID identifies the owning session.
	SessionID string `json:"session_id"`

	// Channels is the channel count written to the file.
	Channels int `json:"channels"`
}
