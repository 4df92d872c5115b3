// Package recording sink.
//
// This file implements the asynchronous append path: processed PCM flows
// through a bounded queue into a raw spool file, and finalization turns the
// spool into a WAV file plus a Recording record. The ingest goroutine never
// touches the disk directly.
package recording

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// queueDepth bounds in-flight appends. A full queue applies
	// backpressure to the producer; chunks are never dropped.
	queueDepth = 64

	// convertChunkBytes is the unit of spool-to-WAV conversion, keeping
	// memory flat no matter how long the recording ran.
	convertChunkBytes = 32768

	bitDepth      = 16
	wavFormatPCM  = 1
	bytesPerValue = 2
)

// Sink spools processed audio for one recording.
//
// Design decisions:
//   - Appends go through a buffered channel drained by one writer
//     goroutine, so a slow disk backpressures the producer instead of
//     blocking it inside a syscall. Order is the channel's FIFO order.
//   - Audio is spooled raw and converted to WAV only at finalization; an
//     interrupted process leaves a .raw file, never a WAV with lying
//     headers.
//   - After the first write error the writer keeps draining the queue so
//     the producer never wedges, but writes stop and finalization reports
//     the recording as failed.
type Sink struct {
	id        string
	filename  string
	dir       string
	sessionID string

	sampleRate int
	channels   int
	settings   Settings
	startedAt  time.Time

	mu     sync.Mutex
	closed bool
	queue  chan []byte

	// Owned by the writer goroutine until done is closed.
	spool        *os.File
	spoolPath    string
	bytesWritten int64
	writeErr     error
	done         chan struct{}
}

// NewSink opens a spool file and starts the writer goroutine.
//
// Parameters:
//   - dir: Recordings directory (created if missing)
//   - sessionID: Owning session identifier
//   - sampleRate: Rate the audio will be written at, in Hz
//   - channels: Channel count of the appended PCM (1 or 2)
//   - settings: DSP snapshot to persist with the recording
//
// Returns:
//   - *Sink: Active sink ready for appends
//   - error: Spool creation failure
func NewSink(dir, sessionID string, sampleRate, channels int, settings Settings) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating recordings directory: %w", err)
	}
	if channels != 1 && channels != 2 {
		channels = 2
	}
	if sampleRate <= 0 {
		sampleRate = 44100
	}

	startedAt := time.Now().UTC()
	id := uuid.NewString()
	// Timestamp for humans, id suffix so concurrent sessions cannot
	// collide within the same second.
	base := fmt.Sprintf("rec_%s_%s", startedAt.Format("20060102_150405"), id[:8])

	s := &Sink{
		id:         id,
		filename:   base + ".wav",
		dir:        dir,
		sessionID:  sessionID,
		sampleRate: sampleRate,
		channels:   channels,
		settings:   settings,
		startedAt:  startedAt,
		queue:      make(chan []byte, queueDepth),
		spoolPath:  filepath.Join(dir, base+".raw"),
		done:       make(chan struct{}),
	}

	spool, err := os.Create(s.spoolPath)
	if err != nil {
		return nil, fmt.Errorf("creating spool file: %w", err)
	}
	s.spool = spool

	logrus.WithFields(logrus.Fields{
		"function":    "NewSink",
		"recording":   s.id,
		"session_id":  sessionID,
		"filename":    s.filename,
		"sample_rate": sampleRate,
		"channels":    channels,
	}).Info("Recording started")

	go s.writeLoop()
	return s, nil
}

// ID returns the recording identifier assigned at start.
func (s *Sink) ID() string {
	return s.id
}

// Filename returns the final WAV file name.
func (s *Sink) Filename() string {
	return s.filename
}

// Append queues one chunk of interleaved PCM bytes for writing.
//
// The chunk is copied, so callers may reuse their buffer. Blocks only when
// the queue is full (disk slower than ingest); returns ErrSinkClosed after
// finalization has begun.
func (s *Sink) Append(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	if len(chunk)%bytesPerValue != 0 {
		return fmt.Errorf("chunk is not whole samples: %d bytes", len(chunk))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}

	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	s.queue <- buf
	return nil
}

// writeLoop drains the queue into the spool file.
func (s *Sink) writeLoop() {
	defer close(s.done)

	for chunk := range s.queue {
		if s.writeErr != nil {
			continue // keep draining so the producer never blocks forever
		}
		n, err := s.spool.Write(chunk)
		s.bytesWritten += int64(n)
		if err != nil {
			s.writeErr = err
			logrus.WithFields(logrus.Fields{
				"function":  "Sink.writeLoop",
				"recording": s.id,
				"error":     err.Error(),
			}).Error("Spool write failed, recording marked failed")
		}
	}
}

// Finalize stops the writer, converts the spool to a WAV file and returns
// the Recording record.
//
// Every queued append is flushed before conversion starts, so the file
// contains exactly the bytes accepted by Append, in order. On any failure
// the spool is removed and an error is returned; the recording is then
// failed and no record exists for it.
//
// Returns:
//   - *Recording: Metadata for the finalized file
//   - error: Write or conversion failure
func (s *Sink) Finalize() (*Recording, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSinkClosed
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done

	syncErr := s.spool.Sync()
	closeErr := s.spool.Close()

	if s.writeErr != nil || syncErr != nil || closeErr != nil {
		os.Remove(s.spoolPath)
		err := s.writeErr
		if err == nil {
			err = syncErr
		}
		if err == nil {
			err = closeErr
		}
		return nil, fmt.Errorf("recording %s failed: %w", s.id, err)
	}

	if s.bytesWritten == 0 {
		os.Remove(s.spoolPath)
		return nil, ErrEmptyRecording
	}

	if err := s.convertSpool(); err != nil {
		os.Remove(s.spoolPath)
		os.Remove(filepath.Join(s.dir, s.filename))
		return nil, fmt.Errorf("finalizing recording %s: %w", s.id, err)
	}
	os.Remove(s.spoolPath)

	duration := float64(s.bytesWritten) / float64(bytesPerValue*s.channels*s.sampleRate)

	logrus.WithFields(logrus.Fields{
		"function":  "Sink.Finalize",
		"recording": s.id,
		"filename":  s.filename,
		"bytes":     s.bytesWritten,
		"duration":  duration,
	}).Info("Recording finalized")

	return &Recording{
		ID:        s.id,
		Filename:  s.filename,
		Duration:  duration,
		Timestamp: s.startedAt,
		Settings:  s.settings,
		SessionID: s.sessionID,
		Channels:  s.channels,
	}, nil
}

// convertSpool streams the raw spool into a WAV file in bounded chunks.
func (s *Sink) convertSpool() error {
	raw, err := os.Open(s.spoolPath)
	if err != nil {
		return fmt.Errorf("opening spool: %w", err)
	}
	defer raw.Close()

	out, err := os.Create(filepath.Join(s.dir, s.filename))
	if err != nil {
		return fmt.Errorf("creating wav file: %w", err)
	}

	enc := wav.NewEncoder(out, s.sampleRate, bitDepth, s.channels, wavFormatPCM)

	buf := make([]byte, convertChunkBytes)
	frame := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: s.channels, SampleRate: s.sampleRate},
		SourceBitDepth: bitDepth,
	}
	for {
		// ReadFull keeps every chunk whole-sample aligned: Append only
		// accepts whole 16-bit values, so the final short read is even.
		n, readErr := io.ReadFull(raw, buf)
		if n > 0 {
			values := n / bytesPerValue
			data := make([]int, values)
			for i := 0; i < values; i++ {
				data[i] = int(int16(buf[i*2]) | int16(buf[i*2+1])<<8)
			}
			frame.Data = data
			if err := enc.Write(frame); err != nil {
				out.Close()
				return fmt.Errorf("writing wav data: %w", err)
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			out.Close()
			return fmt.Errorf("reading spool: %w", readErr)
		}
	}

	if err := enc.Close(); err != nil {
		out.Close()
		return fmt.Errorf("closing wav encoder: %w", err)
	}
	return out.Close()
}
