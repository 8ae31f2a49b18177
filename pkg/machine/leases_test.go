package machine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLeaseSucceedsWithNoExistingLease(t *testing.T) {
	mgr, _ := testManager(t)
	_, err := mgr.Store.CreateApp("demo", "personal")
	require.NoError(t, err)
	mach, err := mgr.CreateMachine("demo", "web", "", Config{Image: "nginx:latest"})
	require.NoError(t, err)

	lease, err := mgr.AcquireLease(mach.ID, "owner-a", "testing", time.Minute, "")
	require.NoError(t, err)
	assert.NotEmpty(t, lease.Nonce)
	assert.Equal(t, "owner-a", lease.Owner)
}

func TestAcquireLeaseConflictsWhileActive(t *testing.T) {
	mgr, _ := testManager(t)
	_, err := mgr.Store.CreateApp("demo", "personal")
	require.NoError(t, err)
	mach, err := mgr.CreateMachine("demo", "web", "", Config{Image: "nginx:latest"})
	require.NoError(t, err)

	_, err = mgr.AcquireLease(mach.ID, "owner-a", "first", time.Minute, "")
	require.NoError(t, err)

	_, err = mgr.AcquireLease(mach.ID, "owner-b", "second", time.Minute, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "active lease")
}

func TestAcquireLeaseRefreshesWithCurrentNonce(t *testing.T) {
	mgr, _ := testManager(t)
	_, err := mgr.Store.CreateApp("demo", "personal")
	require.NoError(t, err)
	mach, err := mgr.CreateMachine("demo", "web", "", Config{Image: "nginx:latest"})
	require.NoError(t, err)

	first, err := mgr.AcquireLease(mach.ID, "owner-a", "first", time.Minute, "")
	require.NoError(t, err)

	refreshed, err := mgr.AcquireLease(mach.ID, "owner-a", "refresh", time.Minute, first.Nonce)
	require.NoError(t, err)
	assert.NotEqual(t, first.Nonce, refreshed.Nonce)

	_, err = mgr.AcquireLease(mach.ID, "owner-b", "steal", time.Minute, "not-the-current-nonce")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "active lease")
}

func TestAcquireLeaseSucceedsAfterExpiry(t *testing.T) {
	mgr, _ := testManager(t)
	_, err := mgr.Store.CreateApp("demo", "personal")
	require.NoError(t, err)
	mach, err := mgr.CreateMachine("demo", "web", "", Config{Image: "nginx:latest"})
	require.NoError(t, err)

	_, err = mgr.AcquireLease(mach.ID, "owner-a", "first", 10*time.Millisecond, "")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	second, err := mgr.AcquireLease(mach.ID, "owner-b", "second", time.Minute, "")
	require.NoError(t, err)
	assert.Equal(t, "owner-b", second.Owner)
}

func TestRequireLeaseRejectsEmptyNonce(t *testing.T) {
	mgr, _ := testManager(t)
	_, err := mgr.Store.CreateApp("demo", "personal")
	require.NoError(t, err)
	mach, err := mgr.CreateMachine("demo", "web", "", Config{Image: "nginx:latest"})
	require.NoError(t, err)

	err = mgr.requireLease(mach.ID, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lease nonce required")
}

func TestRequireLeaseRejectsMismatchedNonce(t *testing.T) {
	mgr, _ := testManager(t)
	_, err := mgr.Store.CreateApp("demo", "personal")
	require.NoError(t, err)
	mach, err := mgr.CreateMachine("demo", "web", "", Config{Image: "nginx:latest"})
	require.NoError(t, err)

	_, err = mgr.AcquireLease(mach.ID, "owner-a", "", time.Minute, "")
	require.NoError(t, err)

	err = mgr.requireLease(mach.ID, "not-the-real-nonce")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mismatch")
}
