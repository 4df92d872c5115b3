package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/audiolab/session"
)

const (
	// maxFrameBytes bounds a single WebSocket message. One MiB of PCM
	// is roughly six seconds of 44.1 kHz stereo, far beyond any sane
	// capture chunk.
	maxFrameBytes = 1 << 20

	// closeSessionRejected is the application close code sent when a
	// connection carries no session id or a duplicate one. Clients
	// key their "session taken" UI off this value.
	closeSessionRejected = 4000

	writeTimeout = 5 * time.Second
)

// meterMessage is the periodic metering push. Spectrum carries the
// normalized magnitude bins, panning the left/right balance in [-1, 1].
type meterMessage struct {
	Type     string    `json:"type"`
	RMS      float64   `json:"rms"`
	Spectrum []float64 `json:"spectrum"`
	Panning  float64   `json:"panning"`
}

// recordingSavedMessage confirms a finalized recording to the client.
type recordingSavedMessage struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Filename string `json:"filename"`
}

// handleAudioWS owns one client connection for its whole lifetime:
// upgrade, session registration, the read/write loops, and the
// disconnect teardown that finalizes any active recording.
//
// Rejections for a missing or duplicate session id happen after the
// upgrade, as a close frame with code 4000, so that browser clients
// can read the code instead of seeing a failed handshake.
func (s *Server) handleAudioWS(c *gin.Context) {
	if s.draining.Load() {
		c.String(http.StatusServiceUnavailable, "server shutting down")
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		logrus.WithFields(logrus.Fields{
			"function": "handleAudioWS",
			"error":    err.Error(),
		}).Warn("WebSocket upgrade failed")
		return
	}

	sessionID := c.Query("session_id")
	if sessionID == "" {
		logrus.WithFields(logrus.Fields{
			"function": "handleAudioWS",
		}).Warn("Connection without session_id")
		s.closeWithCode(conn, closeSessionRejected, "session_id required")
		return
	}

	sess, err := s.sessions.Create(sessionID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleAudioWS",
			"session_id": sessionID,
			"error":      err.Error(),
		}).Warn("Session rejected")
		s.closeWithCode(conn, closeSessionRejected, "session rejected")
		return
	}

	s.wsWG.Add(1)
	defer s.wsWG.Done()

	if !s.registerConn(conn) {
		conn.Close()
		s.destroySession(sessionID)
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":   "handleAudioWS",
		"session_id": sessionID,
	}).Info("WebSocket session connected")

	done := make(chan struct{})
	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		s.writeLoop(conn, sess, done)
	}()

	s.readLoop(conn, sess)

	close(done)
	writer.Wait()

	s.unregisterConn(conn)
	conn.Close()

	// A disconnect forced by shutdown is not a client disconnect: the
	// registry's CloseAll finalizes those sessions without running
	// disconnect cleanup.
	if !s.draining.Load() {
		s.destroySession(sessionID)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "handleAudioWS",
		"session_id": sessionID,
	}).Info("WebSocket session disconnected")
}

// readLoop demultiplexes inbound traffic: text frames carry JSON
// control messages, binary frames carry raw PCM. It returns when the
// connection errors or closes.
func (s *Server) readLoop(conn *websocket.Conn, sess *session.Session) {
	conn.SetReadLimit(maxFrameBytes)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logrus.WithFields(logrus.Fields{
					"function":   "readLoop",
					"session_id": sess.ID(),
					"error":      err.Error(),
				}).Debug("WebSocket read ended")
			}
			return
		}

		switch msgType {
		case websocket.TextMessage:
			sess.HandleControl(data)
		case websocket.BinaryMessage:
			// Decode failures drop the frame and keep the stream
			// alive; the session logs them.
			_ = sess.HandleFrame(data)
		}
	}
}

// writeLoop owns every write on conn, since the connection permits a
// single concurrent writer. Meter snapshots and recording notices are
// serialized here until done closes or a write fails.
func (s *Server) writeLoop(conn *websocket.Conn, sess *session.Session, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case snap := <-sess.Meters():
			msg := meterMessage{
				Type:     "meter",
				RMS:      snap.RMS,
				Spectrum: snap.Spectrum,
				Panning:  snap.Panning,
			}
			if !s.writeJSON(conn, sess.ID(), msg) {
				return
			}
		case notice := <-sess.Notices():
			msg := recordingSavedMessage{
				Type:     "recording_saved",
				ID:       notice.ID,
				Filename: notice.Filename,
			}
			if !s.writeJSON(conn, sess.ID(), msg) {
				return
			}
		}
	}
}

func (s *Server) writeJSON(conn *websocket.Conn, sessionID string, v any) bool {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(v); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "writeJSON",
			"session_id": sessionID,
			"error":      err.Error(),
		}).Debug("WebSocket write failed")
		return false
	}
	return true
}

// closeWithCode sends an application close frame and drops the
// connection. Used for post-upgrade rejections.
func (s *Server) closeWithCode(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(writeTimeout)
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "closeWithCode",
			"code":     code,
			"error":    err.Error(),
		}).Debug("Failed to send close frame")
	}
	conn.Close()
}

// destroySession removes the session from the registry, tolerating the
// not-found case when shutdown's CloseAll got there first.
func (s *Server) destroySession(id string) {
	if err := s.sessions.Destroy(id); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		logrus.WithFields(logrus.Fields{
			"function":   "destroySession",
			"session_id": id,
			"error":      err.Error(),
		}).Error("Failed to destroy session")
	}
}
