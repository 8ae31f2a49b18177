package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "minifly.db")
	s, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetApp(t *testing.T) {
	s := newTestStore(t)

	app, err := s.CreateApp("demo", "personal")
	require.NoError(t, err)
	assert.Equal(t, "created", app.Status)

	got, err := s.GetApp("demo")
	require.NoError(t, err)
	assert.Equal(t, "demo", got.Name)
}

func TestCreateAppDuplicateNameConflicts(t *testing.T) {
	s := newTestStore(t)

	_, err := s.CreateApp("demo", "")
	require.NoError(t, err)

	_, err = s.CreateApp("demo", "")
	assert.Error(t, err)
}

func TestDeleteAppCascades(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateApp("demo", "")
	require.NoError(t, err)

	m := &Machine{ID: "m1", App: "demo", Name: "web", Image: "nginx:alpine", PrivateIP: "fdaa::1"}
	require.NoError(t, s.CreateMachine(m, `{}`))

	require.NoError(t, s.DeleteApp("demo"))

	_, err = s.GetMachine("m1")
	assert.Error(t, err)
	_, err = s.GetApp("demo")
	assert.Error(t, err)
}

func TestEventIDsAreGapFreeAndIncreasing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateApp("demo", "")
	require.NoError(t, err)
	m := &Machine{ID: "m1", App: "demo", Name: "web", Image: "nginx:alpine", PrivateIP: "fdaa::1"}
	require.NoError(t, s.CreateMachine(m, `{}`))

	var lastID int64
	for i := 0; i < 5; i++ {
		id, err := s.Commit(Transition{
			MachineID:   "m1",
			NewState:    StateStarting,
			EventType:   "transition",
			EventStatus: "ok",
			EventSource: "system",
		})
		require.NoError(t, err)
		assert.Equal(t, lastID+1, id)
		lastID = id
	}

	events, err := s.ListEvents("m1", 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.ID)
	}
}

func TestLeaseAcquisitionConflictsWhileActive(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateApp("demo", "")
	require.NoError(t, err)
	m := &Machine{ID: "m1", App: "demo", Name: "web", Image: "nginx:alpine", PrivateIP: "fdaa::1"}
	require.NoError(t, s.CreateMachine(m, `{}`))

	_, err = s.AcquireLease("m1", "nonce-1", "cli", "", "0", 30*time.Second, "")
	require.NoError(t, err)

	_, err = s.AcquireLease("m1", "nonce-2", "cli", "", "0", 30*time.Second, "")
	assert.Error(t, err)
}

func TestLeaseAcquisitionSucceedsAfterExpiry(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateApp("demo", "")
	require.NoError(t, err)
	m := &Machine{ID: "m1", App: "demo", Name: "web", Image: "nginx:alpine", PrivateIP: "fdaa::1"}
	require.NoError(t, s.CreateMachine(m, `{}`))

	_, err = s.AcquireLease("m1", "nonce-1", "cli", "", "0", -time.Second, "")
	require.NoError(t, err)

	_, err = s.AcquireLease("m1", "nonce-2", "cli", "", "0", 30*time.Second, "")
	assert.NoError(t, err)
}

func TestCheckLeaseRejectsNonceMismatch(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateApp("demo", "")
	require.NoError(t, err)
	m := &Machine{ID: "m1", App: "demo", Name: "web", Image: "nginx:alpine", PrivateIP: "fdaa::1"}
	require.NoError(t, s.CreateMachine(m, `{}`))

	_, err = s.AcquireLease("m1", "nonce-1", "cli", "", "0", 30*time.Second, "")
	require.NoError(t, err)

	assert.NoError(t, s.CheckLease("m1", "nonce-1"))
	assert.Error(t, s.CheckLease("m1", "wrong-nonce"))
}

func TestAcquireLeaseRefreshesWithCurrentNonce(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateApp("demo", "")
	require.NoError(t, err)
	m := &Machine{ID: "m1", App: "demo", Name: "web", Image: "nginx:alpine", PrivateIP: "fdaa::1"}
	require.NoError(t, s.CreateMachine(m, `{}`))

	first, err := s.AcquireLease("m1", "nonce-1", "cli", "", "0", 30*time.Second, "")
	require.NoError(t, err)

	refreshed, err := s.AcquireLease("m1", "nonce-2", "cli", "", "0", 30*time.Second, first.Nonce)
	require.NoError(t, err)
	assert.Equal(t, "nonce-2", refreshed.Nonce)

	_, err = s.AcquireLease("m1", "nonce-3", "cli", "", "0", 30*time.Second, "not-the-current-nonce")
	assert.Error(t, err)
}

func TestVolumeAttachIsExclusive(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateApp("demo", "")
	require.NoError(t, err)

	v := &Volume{ID: "v1", App: "demo", Name: "data", SizeGB: 1}
	require.NoError(t, s.CreateVolume(v))

	require.NoError(t, s.AttachVolume("v1", "m1"))
	assert.Error(t, s.AttachVolume("v1", "m2"))

	require.NoError(t, s.DetachVolume("v1"))
	assert.NoError(t, s.AttachVolume("v1", "m2"))
}

func TestOutboxDrainsUnattemptedEntriesInOrder(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateApp("demo", "")
	require.NoError(t, err)
	m := &Machine{ID: "m1", App: "demo", Name: "web", Image: "nginx:alpine", PrivateIP: "fdaa::1"}
	require.NoError(t, s.CreateMachine(m, `{}`))

	_, err = s.Commit(Transition{
		MachineID:     "m1",
		NewState:      StateStarting,
		EventType:     "transition",
		EventStatus:   "ok",
		EventSource:   "system",
		OutboxKind:    OutboxRuntimeStart,
		OutboxPayload: map[string]string{"machine": "m1"},
	})
	require.NoError(t, err)

	pending, err := s.PendingOutbox(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, OutboxRuntimeStart, pending[0].Kind)

	require.NoError(t, s.MarkOutboxAttempted(pending[0].ID))

	pending, err = s.PendingOutbox(10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
