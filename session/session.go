package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opd-ai/audiolab/audio"
	"github.com/opd-ai/audiolab/recording"
	"github.com/sirupsen/logrus"
)

// DefaultMeterInterval is the metering emission cadence when the
// configuration does not override it.
const DefaultMeterInterval = 50 * time.Millisecond

// DefaultRecordingsDir is where finalized WAV files land when the
// configuration does not override it.
const DefaultRecordingsDir = "recordings_data"

// Sample rates outside this range are refused by init and replaced with
// the default.
const (
	minSampleRate = 8000
	maxSampleRate = 192000
)

// noticeQueueDepth bounds pending recording_saved notices. Delivery is
// best effort once the catalog row is written; a client that stopped
// reading loses notices, never audio.
const noticeQueueDepth = 4

var (
	// ErrSessionExists rejects a connection reusing a live session id.
	ErrSessionExists = errors.New("session id already connected")

	// ErrSessionNotFound reports an operation on an unknown session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClosed reports an operation after teardown began.
	ErrSessionClosed = errors.New("session closed")
)

// Config carries the knobs the Manager hands to every new Session.
// Zero values fall back to the package defaults.
type Config struct {
	// SampleRate and Channels describe the stream before the client's
	// init message arrives.
	SampleRate int
	Channels   int

	// MeterInterval is the metering emission cadence.
	MeterInterval time.Duration

	// SpectrumWindow (power of two) and SpectrumBins size the analyzer.
	SpectrumWindow int
	SpectrumBins   int

	// RecordingsDir is where recordings are spooled and finalized.
	RecordingsDir string

	// CleanupOnDisconnect removes a session's recordings, files and
	// catalog rows both, when its connection goes away.
	CleanupOnDisconnect bool
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = audio.DefaultSampleRate
	}
	if c.Channels != 1 && c.Channels != 2 {
		c.Channels = audio.DefaultChannels
	}
	if c.MeterInterval <= 0 {
		c.MeterInterval = DefaultMeterInterval
	}
	if c.SpectrumWindow <= 0 {
		c.SpectrumWindow = audio.DefaultSpectrumWindow
	}
	if c.SpectrumBins <= 0 {
		c.SpectrumBins = audio.DefaultSpectrumBins
	}
	if c.RecordingsDir == "" {
		c.RecordingsDir = DefaultRecordingsDir
	}
	return c
}

// RecordingNotice reports one finalized recording back to the client.
type RecordingNotice struct {
	ID       string
	Filename string
}

// Session owns the processing state for one connection: the DSP engine,
// the active recording sink (if any) and the outbound metering slot.
//
// Frames and control messages are fed in by the connection's read loop;
// the Session never blocks ingestion on outbound delivery. All exported
// methods are safe for concurrent use, though in practice a single read
// loop drives HandleFrame and HandleControl sequentially.
type Session struct {
	id  string
	cfg Config

	engine *audio.Engine
	store  *recording.Store

	mu     sync.Mutex
	sink   *recording.Sink
	closed bool

	meterSlot chan audio.MeterSnapshot
	notices   chan RecordingNotice

	stopMeter chan struct{}
	meterDone chan struct{}
}

// NewSession creates a session with default DSP parameters and starts
// its metering scheduler.
//
// Parameters:
//   - id: Client-supplied session identifier, must be non-empty
//   - store: Catalog for finalized recordings
//   - cfg: Stream and scheduling configuration
//
// Returns:
//   - *Session: The running session
//   - error: Validation failure
func NewSession(id string, store *recording.Store, cfg Config) (*Session, error) {
	if id == "" {
		return nil, errors.New("session id cannot be empty")
	}
	if store == nil {
		return nil, errors.New("recording store cannot be nil")
	}
	cfg = cfg.withDefaults()

	s := &Session{
		id:  id,
		cfg: cfg,
		engine: audio.NewEngineWithMetering(cfg.SampleRate, cfg.Channels,
			cfg.SpectrumWindow, cfg.SpectrumBins),
		store:     store,
		meterSlot: make(chan audio.MeterSnapshot, 1),
		notices:   make(chan RecordingNotice, noticeQueueDepth),
		stopMeter: make(chan struct{}),
		meterDone: make(chan struct{}),
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewSession",
		"session_id":  id,
		"sample_rate": cfg.SampleRate,
		"channels":    cfg.Channels,
	}).Info("Session created")

	go s.meterLoop()
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Meters returns the latest-wins metering channel. At most one snapshot
// is ever pending: a slow reader sees the newest values, not a backlog.
func (s *Session) Meters() <-chan audio.MeterSnapshot {
	return s.meterSlot
}

// Notices returns the recording completion channel.
func (s *Session) Notices() <-chan RecordingNotice {
	return s.notices
}

// HandleFrame runs one binary PCM frame through the pipeline: decode,
// gain, filter, metering accumulation and, when a recording is active,
// an ordered append of the processed audio.
//
// A frame that cannot be decoded is dropped with a logged diagnostic;
// the session keeps running. Returns ErrSessionClosed after teardown.
func (s *Session) HandleFrame(frame []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	sink := s.sink
	s.mu.Unlock()

	left, right, err := audio.DecodeFrame(frame, s.engine.Channels())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "HandleFrame",
			"session_id": s.id,
			"frame_size": len(frame),
			"error":      err.Error(),
		}).Warn("Dropping undecodable frame")
		return err
	}

	s.engine.ProcessFrame(left, right)

	if sink == nil {
		return nil
	}

	// The processed stream is interleaved stereo even for mono input, so
	// the recording always captures what the meters heard.
	processed, err := audio.EncodeFrame(left, right)
	if err != nil {
		return err
	}
	if err := sink.Append(processed); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "HandleFrame",
			"session_id": s.id,
			"recording":  sink.ID(),
			"error":      err.Error(),
		}).Warn("Recording append failed")
	}
	return nil
}

// HandleControl dispatches one JSON control message. Malformed or
// unknown messages are logged and ignored so a misbehaving client
// cannot take its session down.
func (s *Session) HandleControl(raw []byte) {
	var probe struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "HandleControl",
			"session_id": s.id,
			"error":      err.Error(),
		}).Warn("Ignoring malformed control message")
		return
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		logrus.WithFields(logrus.Fields{
			"function":   "HandleControl",
			"session_id": s.id,
			"action":     probe.Action,
		}).Warn("Ignoring control message after session close")
		return
	}

	switch probe.Action {
	case "init":
		s.handleInit(raw)
	case "start_record":
		s.handleStartRecord(raw)
	case "stop_record":
		s.handleStopRecord()
	case "set_params":
		s.handleSetParams(raw)
	default:
		logrus.WithFields(logrus.Fields{
			"function":   "HandleControl",
			"session_id": s.id,
			"action":     probe.Action,
		}).Warn("Ignoring unknown control action")
	}
}

// handleInit establishes the stream's sample rate and channel count.
// Filter coefficients are rebuilt for the new rate; the delay line is
// left alone.
func (s *Session) handleInit(raw []byte) {
	msg := struct {
		SampleRate int `json:"sample_rate"`
		Channels   int `json:"channels"`
	}{
		SampleRate: audio.DefaultSampleRate,
		Channels:   audio.DefaultChannels,
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleInit",
			"session_id": s.id,
			"error":      err.Error(),
		}).Warn("Ignoring malformed init message")
		return
	}

	if msg.SampleRate < minSampleRate || msg.SampleRate > maxSampleRate {
		logrus.WithFields(logrus.Fields{
			"function":    "handleInit",
			"session_id":  s.id,
			"sample_rate": msg.SampleRate,
		}).Warn("Unsupported sample rate, using default")
		msg.SampleRate = audio.DefaultSampleRate
	}
	if msg.Channels != 1 && msg.Channels != 2 {
		logrus.WithFields(logrus.Fields{
			"function":   "handleInit",
			"session_id": s.id,
			"channels":   msg.Channels,
		}).Warn("Unsupported channel count, using stereo")
		msg.Channels = audio.DefaultChannels
	}

	s.engine.Configure(msg.SampleRate, msg.Channels)

	logrus.WithFields(logrus.Fields{
		"function":    "handleInit",
		"session_id":  s.id,
		"sample_rate": msg.SampleRate,
		"channels":    msg.Channels,
	}).Info("Session stream format configured")
}

// handleStartRecord opens a recording sink capturing the current DSP
// settings. A second start_record while one is active is ignored.
func (s *Session) handleStartRecord(raw []byte) {
	msg := struct {
		SampleRate int `json:"sample_rate"`
	}{
		SampleRate: s.engine.SampleRate(),
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleStartRecord",
			"session_id": s.id,
			"error":      err.Error(),
		}).Warn("Ignoring malformed start_record message")
		return
	}
	if msg.SampleRate <= 0 {
		msg.SampleRate = s.engine.SampleRate()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.sink != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleStartRecord",
			"session_id": s.id,
			"recording":  s.sink.ID(),
		}).Warn("Recording already active, ignoring start_record")
		return
	}

	params := s.engine.Params()
	settings := recording.Settings{
		Gain:   params.GainDB,
		Cutoff: params.CutoffHz,
		Filter: params.FilterEnabled,
	}

	// Recordings carry two channels regardless of the input channel
	// count because the processed stream is interleaved stereo.
	sink, err := recording.NewSink(s.cfg.RecordingsDir, s.id,
		msg.SampleRate, audio.DefaultChannels, settings)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleStartRecord",
			"session_id": s.id,
			"error":      err.Error(),
		}).Error("Failed to open recording sink")
		return
	}
	s.sink = sink

	logrus.WithFields(logrus.Fields{
		"function":    "handleStartRecord",
		"session_id":  s.id,
		"recording":   sink.ID(),
		"filename":    sink.Filename(),
		"sample_rate": msg.SampleRate,
	}).Info("Recording started")
}

// handleStopRecord finalizes the active recording and queues the
// recording_saved notice. Without an active recording it is a no-op.
func (s *Session) handleStopRecord() {
	s.mu.Lock()
	sink := s.sink
	s.sink = nil
	s.mu.Unlock()

	if sink == nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleStopRecord",
			"session_id": s.id,
		}).Debug("stop_record with no active recording")
		return
	}

	rec := s.finalizeRecording(sink)
	if rec == nil {
		return
	}

	select {
	case s.notices <- RecordingNotice{ID: rec.ID, Filename: rec.Filename}:
	default:
		logrus.WithFields(logrus.Fields{
			"function":   "handleStopRecord",
			"session_id": s.id,
			"recording":  rec.ID,
		}).Warn("Notice queue full, dropping recording_saved notice")
	}
}

// handleSetParams applies a parameter update. A set_params message is a
// full replacement: absent fields take the command defaults, not the
// session's current values.
func (s *Session) handleSetParams(raw []byte) {
	msg := struct {
		Gain            float64 `json:"gain"`
		FilterEnabled   bool    `json:"filter_enabled"`
		CutoffFreq      float64 `json:"cutoff_freq"`
		IntegrationTime float64 `json:"integration_time"`
	}{
		CutoffFreq:      audio.DefaultCutoffHz,
		IntegrationTime: audio.DefaultIntegrationTime,
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleSetParams",
			"session_id": s.id,
			"error":      err.Error(),
		}).Warn("Ignoring malformed set_params message")
		return
	}

	applied := s.engine.SetParams(audio.Params{
		GainDB:          msg.Gain,
		FilterEnabled:   msg.FilterEnabled,
		CutoffHz:        msg.CutoffFreq,
		IntegrationTime: msg.IntegrationTime,
	})

	logrus.WithFields(logrus.Fields{
		"function":         "handleSetParams",
		"session_id":       s.id,
		"gain_db":          applied.GainDB,
		"filter_enabled":   applied.FilterEnabled,
		"cutoff_hz":        applied.CutoffHz,
		"integration_time": applied.IntegrationTime,
	}).Debug("Parameters applied")
}

// finalizeRecording drains and converts the sink, then persists the
// catalog row. Returns nil when nothing was recorded or the recording
// failed; in both cases no notice should be sent.
func (s *Session) finalizeRecording(sink *recording.Sink) *recording.Recording {
	rec, err := sink.Finalize()
	switch {
	case errors.Is(err, recording.ErrEmptyRecording):
		logrus.WithFields(logrus.Fields{
			"function":   "finalizeRecording",
			"session_id": s.id,
			"recording":  sink.ID(),
		}).Info("Recording stopped before any audio arrived")
		return nil
	case err != nil:
		logrus.WithFields(logrus.Fields{
			"function":   "finalizeRecording",
			"session_id": s.id,
			"recording":  sink.ID(),
			"error":      err.Error(),
		}).Error("Recording failed")
		return nil
	}

	if err := s.store.Insert(context.Background(), rec); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "finalizeRecording",
			"session_id": s.id,
			"recording":  rec.ID,
			"error":      err.Error(),
		}).Error("Failed to persist recording metadata, removing file")
		os.Remove(filepath.Join(s.cfg.RecordingsDir, rec.Filename))
		return nil
	}
	return rec
}

// Close tears the session down: the metering scheduler stops and any
// active recording is force-finalized and persisted. Further frames and
// control messages are rejected. Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sink := s.sink
	s.sink = nil
	s.mu.Unlock()

	close(s.stopMeter)
	<-s.meterDone

	if sink != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Close",
			"session_id": s.id,
			"recording":  sink.ID(),
		}).Info("Finalizing recording on session teardown")
		s.finalizeRecording(sink)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Close",
		"session_id": s.id,
	}).Info("Session closed")
	return nil
}
