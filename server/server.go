// Package server exposes the audiolab backend over HTTP: a WebSocket
// endpoint that multiplexes control and audio frames per session, and a
// small REST surface for the recording catalog.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/audiolab/config"
	"github.com/opd-ai/audiolab/recording"
	"github.com/opd-ai/audiolab/session"
)

// shutdownTimeout bounds the graceful HTTP drain during Run teardown.
const shutdownTimeout = 10 * time.Second

// Server wires the HTTP surface to the session registry and the
// recording catalog. Build one with New, serve with Run.
type Server struct {
	cfg      *config.Config
	store    *recording.Store
	sessions *session.Manager
	router   *gin.Engine
	http     *http.Server
	upgrader websocket.Upgrader

	// draining refuses new WebSocket sessions once shutdown starts.
	draining atomic.Bool

	// Live WebSocket connections. http.Server.Shutdown does not touch
	// hijacked connections, so teardown closes these explicitly and
	// waits on wsWG for their handlers to unwind.
	connMu  sync.Mutex
	wsConns map[*websocket.Conn]struct{}
	wsWG    sync.WaitGroup
}

// New builds a ready-to-run server: the recordings directory is
// created, the catalog opened and the routes registered.
//
// Parameters:
//   - cfg: Validated application configuration
//
// Returns:
//   - *Server: Configured server instance
//   - error: Store or filesystem failure
func New(cfg *config.Config) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if err := os.MkdirAll(cfg.Recordings.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating recordings directory: %w", err)
	}

	store, err := recording.OpenStore(cfg.Recordings.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening recording store: %w", err)
	}

	sessions, err := session.NewManager(store, session.Config{
		MeterInterval:       cfg.Session.MeterInterval(),
		SpectrumWindow:      cfg.Session.SpectrumWindow,
		SpectrumBins:        cfg.Session.SpectrumBins,
		RecordingsDir:       cfg.Recordings.Dir,
		CleanupOnDisconnect: cfg.Session.CleanupOnDisconnect,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating session manager: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		store:    store,
		sessions: sessions,
		wsConns:  make(map[*websocket.Conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || origin == cfg.Server.FrontendOrigin
		},
	}

	gin.SetMode(gin.ReleaseMode)
	s.router = s.buildRouter()
	s.http = &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: s.router,
	}
	return s, nil
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{s.cfg.Server.FrontendOrigin},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		AllowCredentials: true,
	}))

	router.GET("/health", s.handleHealth)
	router.GET("/ws/audio", s.handleAudioWS)
	router.GET("/recordings", s.handleListRecordings)
	router.GET("/recordings/:filename", s.handleDownloadRecording)
	router.DELETE("/recordings/:filename", s.handleDeleteRecording)
	return router
}

// Handler returns the HTTP handler serving all routes. Exposed for
// tests that drive the server through httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then drains: the listener stops
// accepting, live WebSocket connections are closed so their sessions
// finalize, and finally the catalog is closed.
//
// Parameters:
//   - ctx: Cancellation signals shutdown
//
// Returns:
//   - error: Listener failure; nil on clean shutdown
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logrus.WithFields(logrus.Fields{
			"function": "Run",
			"address":  s.http.Addr,
		}).Info("HTTP server listening")

		err := s.http.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logrus.WithFields(logrus.Fields{
		"function": "Run",
	}).Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Run",
			"error":    err.Error(),
		}).Error("HTTP shutdown failed")
	}

	if err := s.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Run",
			"error":    err.Error(),
		}).Error("Failed to close server resources")
	}
	return nil
}

// Close releases the server's resources without serving: WebSocket
// connections are closed, their sessions finalized through the
// registry, and the catalog closed. Run calls it during shutdown;
// tests use it directly.
func (s *Server) Close() error {
	s.draining.Store(true)
	s.closeAllConns()
	s.wsWG.Wait()
	s.sessions.CloseAll()
	return s.store.Close()
}

// registerConn tracks a live connection for shutdown. The draining
// re-check under connMu closes the race where a connection upgrades
// while closeAllConns is iterating: either the conn lands in the map
// and gets closed there, or registration is refused.
func (s *Server) registerConn(conn *websocket.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.draining.Load() {
		return false
	}
	s.wsConns[conn] = struct{}{}
	return true
}

func (s *Server) unregisterConn(conn *websocket.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	delete(s.wsConns, conn)
}

// closeAllConns force-closes every live WebSocket connection, which
// unblocks their read loops and lets the handlers tear down normally.
func (s *Server) closeAllConns() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for conn := range s.wsConns {
		conn.Close()
	}
}
