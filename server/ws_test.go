package server

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/audiolab/config"
	"github.com/opd-ai/audiolab/recording"
)

// startTestServer exposes the router over real TCP so the gorilla
// dialer can complete an actual upgrade handshake.
func startTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()
	srv := newTestServer(t, mutate)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func wsURL(ts *httptest.Server, sessionID string) string {
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/audio"
	if sessionID != "" {
		u += "?session_id=" + sessionID
	}
	return u
}

func dialWS(t *testing.T, ts *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, sessionID), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendControl(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))
}

// pcmFrame builds an interleaved stereo square wave, loud enough that
// metering sees real level.
func pcmFrame(samples int) []byte {
	buf := make([]byte, samples*4)
	for i := 0; i < samples; i++ {
		v := int16(8000)
		if i%2 == 1 {
			v = -8000
		}
		binary.LittleEndian.PutUint16(buf[i*4:], uint16(v))
		binary.LittleEndian.PutUint16(buf[i*4+2:], uint16(v))
	}
	return buf
}

// readUntilType drains outbound messages until one with the wanted
// type arrives. The read deadline bounds the wait.
func readUntilType(t *testing.T, conn *websocket.Conn, want string) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "connection ended before %q message", want)

		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg["type"] == want {
			return msg
		}
	}
}

func expectCloseCode(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, code), "expected close code %d, got %v", code, err)
}

func TestWS_MissingSessionIDClosedWith4000(t *testing.T) {
	_, ts := startTestServer(t, nil)

	conn := dialWS(t, ts, "")
	expectCloseCode(t, conn, closeSessionRejected)
}

func TestWS_DuplicateSessionClosedWith4000(t *testing.T) {
	_, ts := startTestServer(t, nil)

	first := dialWS(t, ts, "dup-session")
	sendControl(t, first, `{"action":"init"}`)
	// A meter push proves the first session is registered before the
	// duplicate dial races it.
	readUntilType(t, first, "meter")

	second := dialWS(t, ts, "dup-session")
	expectCloseCode(t, second, closeSessionRejected)

	// The original connection keeps streaming.
	readUntilType(t, first, "meter")
}

func TestWS_SessionIDFreedAfterDisconnect(t *testing.T) {
	srv, ts := startTestServer(t, nil)

	first := dialWS(t, ts, "reuse-me")
	sendControl(t, first, `{"action":"init"}`)
	readUntilType(t, first, "meter")
	first.Close()

	require.Eventually(t, func() bool {
		return srv.sessions.Count() == 0
	}, 3*time.Second, 20*time.Millisecond)

	second := dialWS(t, ts, "reuse-me")
	sendControl(t, second, `{"action":"init"}`)
	readUntilType(t, second, "meter")
}

func TestWS_ForbiddenOriginRejected(t *testing.T) {
	_, ts := startTestServer(t, nil)

	header := http.Header{"Origin": []string{"http://evil.example"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "origin-test"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Nil(t, conn)
}

func TestWS_FrontendOriginAccepted(t *testing.T) {
	_, ts := startTestServer(t, nil)

	header := http.Header{"Origin": []string{"http://localhost:3000"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "origin-ok"), header)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	sendControl(t, conn, `{"action":"init"}`)
	readUntilType(t, conn, "meter")
}

func TestWS_MeterStreamReportsSilence(t *testing.T) {
	_, ts := startTestServer(t, nil)

	conn := dialWS(t, ts, "silence")
	sendControl(t, conn, `{"action":"init","sample_rate":44100,"channels":2}`)

	msg := readUntilType(t, conn, "meter")
	assert.Equal(t, -100.0, msg["rms"])
	assert.Equal(t, 0.0, msg["panning"])

	spectrum, ok := msg["spectrum"].([]any)
	require.True(t, ok)
	assert.Len(t, spectrum, 64)
}

func TestWS_MeterReactsToAudio(t *testing.T) {
	_, ts := startTestServer(t, nil)

	conn := dialWS(t, ts, "live-meter")
	sendControl(t, conn, `{"action":"init"}`)

	frame := pcmFrame(1024)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))
		msg := readUntilType(t, conn, "meter")
		if rms, ok := msg["rms"].(float64); ok && rms > -30 {
			return
		}
	}
	t.Fatal("meter never rose above -30 dB despite loud input")
}

func TestWS_RecordingFlow(t *testing.T) {
	srv, ts := startTestServer(t, nil)

	conn := dialWS(t, ts, "rec-e2e")
	sendControl(t, conn, `{"action":"init","sample_rate":44100,"channels":2}`)
	sendControl(t, conn, `{"action":"start_record"}`)

	const (
		chunks          = 20
		samplesPerChunk = 1024
	)
	frame := pcmFrame(samplesPerChunk)
	for i := 0; i < chunks; i++ {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))
	}
	sendControl(t, conn, `{"action":"stop_record"}`)

	msg := readUntilType(t, conn, "recording_saved")
	filename, _ := msg["filename"].(string)
	id, _ := msg["id"].(string)
	require.NotEmpty(t, filename)
	require.NotEmpty(t, id)

	rec, err := srv.store.GetByFilename(context.Background(), filename)
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, "rec-e2e", rec.SessionID)
	assert.Equal(t, 2, rec.Channels)
	assert.InDelta(t, float64(chunks*samplesPerChunk)/44100.0, rec.Duration, 1.0/44100.0)

	// The finalized WAV is downloadable over the catalog API.
	resp, err := http.Get(ts.URL + "/recordings/" + filename)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/wav", resp.Header.Get("Content-Type"))
}

func TestWS_DisconnectCleanupRemovesRecordings(t *testing.T) {
	srv, ts := startTestServer(t, func(cfg *config.Config) {
		cfg.Session.CleanupOnDisconnect = true
	})

	conn := dialWS(t, ts, "cleanup-e2e")
	sendControl(t, conn, `{"action":"init"}`)
	sendControl(t, conn, `{"action":"start_record"}`)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, pcmFrame(2048)))
	sendControl(t, conn, `{"action":"stop_record"}`)

	msg := readUntilType(t, conn, "recording_saved")
	filename, _ := msg["filename"].(string)
	require.NotEmpty(t, filename)

	conn.Close()

	require.Eventually(t, func() bool {
		_, err := srv.store.GetByFilename(context.Background(), filename)
		return errors.Is(err, recording.ErrNotFound)
	}, 3*time.Second, 20*time.Millisecond)

	_, err := os.Stat(filepath.Join(srv.cfg.Recordings.Dir, filename))
	assert.True(t, os.IsNotExist(err))
}

func TestWS_DisconnectFinalizesActiveRecording(t *testing.T) {
	srv, ts := startTestServer(t, nil)

	conn := dialWS(t, ts, "abrupt-e2e")
	sendControl(t, conn, `{"action":"init"}`)
	sendControl(t, conn, `{"action":"start_record"}`)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, pcmFrame(4096)))

	// Give the frames time to land before dropping the connection
	// without a stop_record.
	readUntilType(t, conn, "meter")
	conn.Close()

	require.Eventually(t, func() bool {
		recs, err := srv.store.List(context.Background(), "abrupt-e2e", 0, 10)
		return err == nil && len(recs) == 1
	}, 3*time.Second, 20*time.Millisecond)

	recs, err := srv.store.List(context.Background(), "abrupt-e2e", 0, 10)
	require.NoError(t, err)
	assert.Positive(t, recs[0].Duration)
}
