package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/opd-ai/audiolab/recording"
	"github.com/sirupsen/logrus"
)

// Manager is the session registry: one live Session per connected
// client, keyed by the client-supplied session id.
//
// Sessions never share state with each other; the Manager's lock covers
// only the registry map, so one session's teardown cannot stall another
// session's audio path.
type Manager struct {
	store *recording.Store
	cfg   Config

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session registry backed by the given recording
// catalog.
//
// Parameters:
//   - store: Catalog for finalized recordings, must be non-nil
//   - cfg: Configuration handed to every new session
//
// Returns:
//   - *Manager: The registry
//   - error: Validation failure
func NewManager(store *recording.Store, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, errors.New("recording store cannot be nil")
	}

	logrus.WithFields(logrus.Fields{
		"function":       "NewManager",
		"recordings_dir": cfg.withDefaults().RecordingsDir,
		"cleanup":        cfg.CleanupOnDisconnect,
	}).Info("Session manager created")

	return &Manager{
		store:    store,
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]*Session),
	}, nil
}

// Create registers and starts a new session for id. A connection
// reusing a live session id is refused with ErrSessionExists.
func (m *Manager) Create(id string) (*Session, error) {
	if id == "" {
		return nil, errors.New("session id cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[id]; exists {
		logrus.WithFields(logrus.Fields{
			"function":   "Create",
			"session_id": id,
		}).Warn("Rejecting connection - session id already active")
		return nil, ErrSessionExists
	}

	sess, err := NewSession(id, m.store, m.cfg)
	if err != nil {
		return nil, fmt.Errorf("creating session %s: %w", id, err)
	}
	m.sessions[id] = sess

	logrus.WithFields(logrus.Fields{
		"function":      "Create",
		"session_id":    id,
		"session_count": len(m.sessions),
	}).Info("Session registered")
	return sess, nil
}

// Get returns the live session for id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Destroy closes the session and releases everything it owns. An active
// recording is finalized and persisted first; with cleanup-on-disconnect
// enabled the session's recordings are then removed from catalog and
// disk. Returns ErrSessionNotFound for an unknown id.
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}

	if err := sess.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Destroy",
			"session_id": id,
			"error":      err.Error(),
		}).Error("Session close failed")
	}

	if m.cfg.CleanupOnDisconnect {
		m.cleanupRecordings(id)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Destroy",
		"session_id": id,
	}).Info("Session destroyed")
	return nil
}

// cleanupRecordings removes the session's recordings from catalog and
// disk. Runs on a background context: the request context that
// triggered teardown is already cancelled by the disconnect.
func (m *Manager) cleanupRecordings(id string) {
	filenames, err := m.store.DeleteBySession(context.Background(), id)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "cleanupRecordings",
			"session_id": id,
			"error":      err.Error(),
		}).Error("Failed to delete session recordings from catalog")
		return
	}

	for _, name := range filenames {
		path := filepath.Join(m.cfg.RecordingsDir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logrus.WithFields(logrus.Fields{
				"function":   "cleanupRecordings",
				"session_id": id,
				"path":       path,
				"error":      err.Error(),
			}).Error("Failed to delete recording file")
		}
	}

	if len(filenames) > 0 {
		logrus.WithFields(logrus.Fields{
			"function":   "cleanupRecordings",
			"session_id": id,
			"removed":    len(filenames),
		}).Info("Session recordings cleaned up")
	}
}

// CloseAll closes every live session. Used on server shutdown, so
// recordings are finalized and kept: cleanup-on-disconnect applies to
// client disconnects, not to the process going down.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "CloseAll",
				"session_id": sess.ID(),
				"error":      err.Error(),
			}).Error("Session close failed during shutdown")
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "CloseAll",
		"closed":   len(sessions),
	}).Info("All sessions closed")
}
