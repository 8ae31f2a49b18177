package machine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NoHeadDotDev/minifly/pkg/config"
	"github.com/NoHeadDotDev/minifly/pkg/dns"
	"github.com/NoHeadDotDev/minifly/pkg/runtime"
	"github.com/NoHeadDotDev/minifly/pkg/store"
)

func testManager(t *testing.T) (*Manager, *runtime.Mock) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "minifly.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mockRT := &runtime.Mock{}
	registry := dns.New()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	cfg := &config.Config{
		DataRoot:   t.TempDir(),
		UserConfig: &config.UserConfig{},
	}
	cfg.UserConfig.Lease.DefaultTTL = time.Minute
	cfg.UserConfig.Reconcile.StopGrace = time.Second
	cfg.UserConfig.LiteFS.BinaryPath = "minifly-litefs-test-binary-not-present"
	cfg.UserConfig.LiteFS.MaxRestarts = 3
	cfg.UserConfig.LiteFS.RestartWindow = time.Minute
	cfg.UserConfig.LiteFS.StopGrace = time.Second

	mgr := New(st, mockRT, registry, cfg, logrus.NewEntry(log))
	return mgr, mockRT
}

func TestCreateMachineStartsAtGenerationZero(t *testing.T) {
	mgr, _ := testManager(t)
	_, err := mgr.Store.CreateApp("demo", "personal")
	require.NoError(t, err)

	mach, err := mgr.CreateMachine("demo", "web", "", Config{Image: "nginx:latest"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), mach.Generation)
	assert.Equal(t, store.StateCreated, mach.State)
	assert.NotEmpty(t, mach.PrivateIP)
}

func TestStartRequiresLease(t *testing.T) {
	mgr, _ := testManager(t)
	_, err := mgr.Store.CreateApp("demo", "personal")
	require.NoError(t, err)
	mach, err := mgr.CreateMachine("demo", "web", "", Config{Image: "nginx:latest"})
	require.NoError(t, err)

	err = mgr.Start(context.Background(), mach.ID, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lease")
}

func TestStartSequenceCommitsStarted(t *testing.T) {
	mgr, rt := testManager(t)
	_, err := mgr.Store.CreateApp("demo", "personal")
	require.NoError(t, err)
	mach, err := mgr.CreateMachine("demo", "web", "", Config{Image: "nginx:latest"})
	require.NoError(t, err)

	lease, err := mgr.AcquireLease(mach.ID, "test", "", 0, "")
	require.NoError(t, err)

	rt.FindByLabelsFunc = func(ctx context.Context, labels map[string]string) (string, bool, error) {
		return "", false, nil
	}
	rt.CreateFunc = func(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
		return "cid-1", nil
	}
	rt.PullFunc = func(ctx context.Context, imageRef string) error { return nil }
	rt.StartFunc = func(ctx context.Context, cid string) error { return nil }
	rt.InspectFunc = func(ctx context.Context, cid string) (*runtime.Inspection, error) {
		return &runtime.Inspection{State: runtime.StateRunning}, nil
	}

	require.NoError(t, mgr.Start(context.Background(), mach.ID, lease.Nonce))

	got, err := mgr.Store.GetMachine(mach.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateStarted, got.State)
	assert.Equal(t, "cid-1", got.ContainerID)

	ips := mgr.DNS.Resolve(mach.ID + ".vm.demo.internal")
	require.Len(t, ips, 1)
}

func TestStartFailsMachineOnRuntimeStartError(t *testing.T) {
	mgr, rt := testManager(t)
	_, err := mgr.Store.CreateApp("demo", "personal")
	require.NoError(t, err)
	mach, err := mgr.CreateMachine("demo", "web", "", Config{Image: "nginx:latest"})
	require.NoError(t, err)
	lease, err := mgr.AcquireLease(mach.ID, "test", "", 0, "")
	require.NoError(t, err)

	rt.FindByLabelsFunc = func(ctx context.Context, labels map[string]string) (string, bool, error) {
		return "", false, nil
	}
	rt.CreateFunc = func(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
		return "cid-1", nil
	}
	rt.PullFunc = func(ctx context.Context, imageRef string) error { return nil }
	rt.StartFunc = func(ctx context.Context, cid string) error {
		return assert.AnError
	}

	err = mgr.Start(context.Background(), mach.ID, lease.Nonce)
	require.Error(t, err)

	got, err := mgr.Store.GetMachine(mach.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateFailed, got.State)
}

func TestStopSequenceCommitsStoppedAndDeregistersDNS(t *testing.T) {
	mgr, rt := testManager(t)
	_, err := mgr.Store.CreateApp("demo", "personal")
	require.NoError(t, err)
	mach, err := mgr.CreateMachine("demo", "web", "", Config{Image: "nginx:latest"})
	require.NoError(t, err)
	lease, err := mgr.AcquireLease(mach.ID, "test", "", 0, "")
	require.NoError(t, err)

	rt.FindByLabelsFunc = func(ctx context.Context, labels map[string]string) (string, bool, error) { return "", false, nil }
	rt.CreateFunc = func(ctx context.Context, spec runtime.ContainerSpec) (string, error) { return "cid-1", nil }
	rt.PullFunc = func(ctx context.Context, imageRef string) error { return nil }
	rt.StartFunc = func(ctx context.Context, cid string) error { return nil }
	rt.InspectFunc = func(ctx context.Context, cid string) (*runtime.Inspection, error) {
		return &runtime.Inspection{State: runtime.StateRunning}, nil
	}
	require.NoError(t, mgr.Start(context.Background(), mach.ID, lease.Nonce))

	rt.StopFunc = func(ctx context.Context, cid string, grace time.Duration) error { return nil }
	require.NoError(t, mgr.Stop(context.Background(), mach.ID, lease.Nonce, time.Second))

	got, err := mgr.Store.GetMachine(mach.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateStopped, got.State)
	assert.Empty(t, mgr.DNS.Resolve(mach.ID+".vm.demo.internal"))
}

func TestDestroyRequiresStoppedStateWithoutForce(t *testing.T) {
	mgr, _ := testManager(t)
	_, err := mgr.Store.CreateApp("demo", "personal")
	require.NoError(t, err)
	mach, err := mgr.CreateMachine("demo", "web", "", Config{Image: "nginx:latest"})
	require.NoError(t, err)

	// created is an allowed from-state for destroy without force, but a
	// lease is still required for any non-forced mutation (§4.6, §3
	// "except initial create and forced delete").
	err = mgr.DestroyMachine(mach.ID, "", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lease")

	lease, err := mgr.AcquireLease(mach.ID, "test", "", 0, "")
	require.NoError(t, err)
	require.NoError(t, mgr.DestroyMachine(mach.ID, lease.Nonce, false))

	got, err := mgr.Store.GetMachine(mach.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateDestroyed, got.State)
}

func TestDestroyAppRemovesRuntimeContainersAndDNSBeforeCascadingStore(t *testing.T) {
	mgr, rt := testManager(t)
	_, err := mgr.Store.CreateApp("demo", "personal")
	require.NoError(t, err)
	mach, err := mgr.CreateMachine("demo", "web", "", Config{Image: "nginx:latest"})
	require.NoError(t, err)
	lease, err := mgr.AcquireLease(mach.ID, "test", "", 0, "")
	require.NoError(t, err)

	rt.FindByLabelsFunc = func(ctx context.Context, labels map[string]string) (string, bool, error) { return "", false, nil }
	rt.CreateFunc = func(ctx context.Context, spec runtime.ContainerSpec) (string, error) { return "cid-1", nil }
	rt.PullFunc = func(ctx context.Context, imageRef string) error { return nil }
	rt.StartFunc = func(ctx context.Context, cid string) error { return nil }
	rt.InspectFunc = func(ctx context.Context, cid string) (*runtime.Inspection, error) {
		return &runtime.Inspection{State: runtime.StateRunning}, nil
	}
	require.NoError(t, mgr.Start(context.Background(), mach.ID, lease.Nonce))
	require.NotEmpty(t, mgr.DNS.Resolve(mach.ID+".vm.demo.internal"))

	var removedCID string
	rt.RemoveFunc = func(ctx context.Context, cid string, force bool) error {
		removedCID = cid
		return nil
	}

	require.NoError(t, mgr.DestroyApp("demo"))

	assert.Equal(t, "cid-1", removedCID, "running machine's container must be removed from the runtime")
	assert.Empty(t, mgr.DNS.Resolve(mach.ID+".vm.demo.internal"), "machine's DNS record must be deregistered")

	_, err = mgr.Store.GetApp("demo")
	require.Error(t, err, "app row must be gone after DestroyApp")

	_, err = mgr.Store.GetMachine(mach.ID)
	require.Error(t, err, "machine row must be gone after DestroyApp")
}
