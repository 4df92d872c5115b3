package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/audiolab/recording"
)

func newTestManager(t *testing.T, cleanup bool) (*Manager, *recording.Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := recording.OpenStore(filepath.Join(t.TempDir(), "recordings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mgr, err := NewManager(store, Config{
		MeterInterval:       10 * time.Millisecond,
		RecordingsDir:       dir,
		CleanupOnDisconnect: cleanup,
	})
	require.NoError(t, err)
	return mgr, store, dir
}

// recordSomething drives one short recording through sess and returns
// its notice.
func recordSomething(t *testing.T, sess *Session) RecordingNotice {
	t.Helper()
	sess.HandleControl([]byte(`{"action":"start_record"}`))
	require.NoError(t, sess.HandleFrame(make([]byte, 1024*4)))
	sess.HandleControl([]byte(`{"action":"stop_record"}`))
	return waitNotice(t, sess)
}

func TestManager_CreateGetDestroy(t *testing.T) {
	mgr, _, _ := newTestManager(t, true)

	sess, err := mgr.Create("client-1")
	require.NoError(t, err)
	assert.Equal(t, "client-1", sess.ID())
	assert.Equal(t, 1, mgr.Count())

	got, ok := mgr.Get("client-1")
	require.True(t, ok)
	assert.Same(t, sess, got)

	require.NoError(t, mgr.Destroy("client-1"))
	assert.Equal(t, 0, mgr.Count())
	_, ok = mgr.Get("client-1")
	assert.False(t, ok)
}

func TestManager_DuplicateIDRefused(t *testing.T) {
	mgr, _, _ := newTestManager(t, true)

	first, err := mgr.Create("client-1")
	require.NoError(t, err)

	_, err = mgr.Create("client-1")
	assert.ErrorIs(t, err, ErrSessionExists)
	assert.Equal(t, 1, mgr.Count())

	// The original session is untouched by the refused connection.
	require.NoError(t, first.HandleFrame(make([]byte, 64)))
}

func TestManager_DestroyUnknown(t *testing.T) {
	mgr, _, _ := newTestManager(t, true)
	assert.ErrorIs(t, mgr.Destroy("ghost"), ErrSessionNotFound)
}

func TestManager_EmptyIDRefused(t *testing.T) {
	mgr, _, _ := newTestManager(t, true)
	_, err := mgr.Create("")
	assert.Error(t, err)
}

func TestManager_DisconnectCleanupRemovesRecordings(t *testing.T) {
	mgr, store, dir := newTestManager(t, true)

	sess, err := mgr.Create("client-1")
	require.NoError(t, err)
	notice := recordSomething(t, sess)

	require.NoError(t, mgr.Destroy("client-1"))

	_, err = store.GetByFilename(context.Background(), notice.Filename)
	assert.ErrorIs(t, err, recording.ErrNotFound)
	_, err = os.Stat(filepath.Join(dir, notice.Filename))
	assert.True(t, os.IsNotExist(err), "file should be gone after cleanup")
}

func TestManager_CleanupDisabledKeepsRecordings(t *testing.T) {
	mgr, store, dir := newTestManager(t, false)

	sess, err := mgr.Create("client-1")
	require.NoError(t, err)
	notice := recordSomething(t, sess)

	require.NoError(t, mgr.Destroy("client-1"))

	rec, err := store.GetByFilename(context.Background(), notice.Filename)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, rec.Filename))
	assert.NoError(t, err)
}

// A disconnect mid-recording force-finalizes it before cleanup runs.
func TestManager_DestroyFinalizesActiveRecording(t *testing.T) {
	mgr, store, dir := newTestManager(t, false)

	sess, err := mgr.Create("client-1")
	require.NoError(t, err)
	sess.HandleControl([]byte(`{"action":"start_record"}`))
	require.NoError(t, sess.HandleFrame(make([]byte, 4096)))

	require.NoError(t, mgr.Destroy("client-1"))

	recs, err := store.List(context.Background(), "client-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	_, err = os.Stat(filepath.Join(dir, recs[0].Filename))
	assert.NoError(t, err)
}

// Shutdown closes sessions but never deletes their recordings, even
// with cleanup-on-disconnect enabled.
func TestManager_CloseAllKeepsRecordings(t *testing.T) {
	mgr, store, _ := newTestManager(t, true)

	sess, err := mgr.Create("client-1")
	require.NoError(t, err)
	notice := recordSomething(t, sess)

	mgr.CloseAll()
	assert.Equal(t, 0, mgr.Count())

	_, err = store.GetByFilename(context.Background(), notice.Filename)
	assert.NoError(t, err)
}
