package machine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NoHeadDotDev/minifly/pkg/runtime"
	"github.com/NoHeadDotDev/minifly/pkg/store"
)

func createdMachineWithLease(t *testing.T, mgr *Manager, name string) (*store.Machine, string) {
	t.Helper()
	mach, err := mgr.CreateMachine("demo", name, "", Config{Image: "nginx:latest"})
	require.NoError(t, err)
	lease, err := mgr.AcquireLease(mach.ID, "test", "", 0, "")
	require.NoError(t, err)
	return mach, lease.Nonce
}

func TestUpdateMachineOnCreatedMachineAllocatesGenerationWithoutStarting(t *testing.T) {
	mgr, _ := testManager(t)
	_, err := mgr.Store.CreateApp("demo", "personal")
	require.NoError(t, err)
	mach, nonce := createdMachineWithLease(t, mgr, "web")

	require.NoError(t, mgr.UpdateMachine(context.Background(), mach.ID, nonce, Config{Image: "nginx:1.27"}))

	got, err := mgr.Store.GetMachine(mach.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Generation)
	assert.Equal(t, store.StateStopped, got.State)
}

func TestUpdateMachineRestartsWhenPreviouslyRunning(t *testing.T) {
	mgr, rt := testManager(t)
	_, err := mgr.Store.CreateApp("demo", "personal")
	require.NoError(t, err)
	mach, nonce := createdMachineWithLease(t, mgr, "web")

	rt.FindByLabelsFunc = func(ctx context.Context, labels map[string]string) (string, bool, error) { return "", false, nil }
	rt.CreateFunc = func(ctx context.Context, spec runtime.ContainerSpec) (string, error) { return "cid-1", nil }
	rt.PullFunc = func(ctx context.Context, imageRef string) error { return nil }
	rt.StartFunc = func(ctx context.Context, cid string) error { return nil }
	rt.StopFunc = func(ctx context.Context, cid string, grace time.Duration) error { return nil }
	rt.InspectFunc = func(ctx context.Context, cid string) (*runtime.Inspection, error) {
		return &runtime.Inspection{State: runtime.StateRunning}, nil
	}
	require.NoError(t, mgr.Start(context.Background(), mach.ID, nonce))

	require.NoError(t, mgr.UpdateMachine(context.Background(), mach.ID, nonce, Config{Image: "nginx:1.27"}))

	got, err := mgr.Store.GetMachine(mach.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Generation)
	assert.Equal(t, store.StateStarted, got.State)
}

func TestUpdateMachineRollsBackOnStartFailure(t *testing.T) {
	mgr, rt := testManager(t)
	_, err := mgr.Store.CreateApp("demo", "personal")
	require.NoError(t, err)
	mach, nonce := createdMachineWithLease(t, mgr, "web")

	rt.FindByLabelsFunc = func(ctx context.Context, labels map[string]string) (string, bool, error) { return "", false, nil }
	rt.CreateFunc = func(ctx context.Context, spec runtime.ContainerSpec) (string, error) { return "cid-1", nil }
	rt.PullFunc = func(ctx context.Context, imageRef string) error { return nil }
	rt.StartFunc = func(ctx context.Context, cid string) error { return nil }
	rt.InspectFunc = func(ctx context.Context, cid string) (*runtime.Inspection, error) {
		return &runtime.Inspection{State: runtime.StateRunning}, nil
	}
	require.NoError(t, mgr.Start(context.Background(), mach.ID, nonce))

	rt.StopFunc = func(ctx context.Context, cid string, grace time.Duration) error { return nil }
	rt.StartFunc = func(ctx context.Context, cid string) error { return assert.AnError }

	err = mgr.UpdateMachine(context.Background(), mach.ID, nonce, Config{Image: "nginx:broken"})
	require.Error(t, err)

	got, err := mgr.Store.GetMachine(mach.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Generation, "rollback should restore the previous generation")
}

func TestDeployImmediateUpdatesAllTargets(t *testing.T) {
	mgr, _ := testManager(t)
	_, err := mgr.Store.CreateApp("demo", "personal")
	require.NoError(t, err)
	m1, n1 := createdMachineWithLease(t, mgr, "web-1")
	m2, n2 := createdMachineWithLease(t, mgr, "web-2")

	targets := []DeployTarget{{MachineID: m1.ID, Nonce: n1}, {MachineID: m2.ID, Nonce: n2}}
	require.NoError(t, mgr.Deploy(context.Background(), targets, Config{Image: "nginx:1.27"}, StrategyImmediate, 0))

	for _, id := range []string{m1.ID, m2.ID} {
		got, err := mgr.Store.GetMachine(id)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Generation)
	}
}

func TestDeployRollingUpdatesAllTargets(t *testing.T) {
	mgr, _ := testManager(t)
	_, err := mgr.Store.CreateApp("demo", "personal")
	require.NoError(t, err)
	m1, n1 := createdMachineWithLease(t, mgr, "web-1")
	m2, n2 := createdMachineWithLease(t, mgr, "web-2")
	m3, n3 := createdMachineWithLease(t, mgr, "web-3")

	targets := []DeployTarget{{MachineID: m1.ID, Nonce: n1}, {MachineID: m2.ID, Nonce: n2}, {MachineID: m3.ID, Nonce: n3}}
	require.NoError(t, mgr.Deploy(context.Background(), targets, Config{Image: "nginx:1.27"}, StrategyRolling, 1))

	for _, id := range []string{m1.ID, m2.ID, m3.ID} {
		got, err := mgr.Store.GetMachine(id)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Generation)
	}
}

func TestDeployCanaryUpdatesCanaryFirstThenRemainder(t *testing.T) {
	mgr, _ := testManager(t)
	_, err := mgr.Store.CreateApp("demo", "personal")
	require.NoError(t, err)
	canary, cn := createdMachineWithLease(t, mgr, "web-canary")
	rest, rn := createdMachineWithLease(t, mgr, "web-rest")

	targets := []DeployTarget{{MachineID: canary.ID, Nonce: cn}, {MachineID: rest.ID, Nonce: rn}}
	require.NoError(t, mgr.Deploy(context.Background(), targets, Config{Image: "nginx:1.27"}, StrategyCanary, 0))

	for _, id := range []string{canary.ID, rest.ID} {
		got, err := mgr.Store.GetMachine(id)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Generation)
	}
}

func TestDeployImmediateReturnsFirstError(t *testing.T) {
	mgr, _ := testManager(t)
	_, err := mgr.Store.CreateApp("demo", "personal")
	require.NoError(t, err)
	m1, n1 := createdMachineWithLease(t, mgr, "web-1")

	targets := []DeployTarget{{MachineID: m1.ID, Nonce: "wrong-nonce"}}
	err = mgr.Deploy(context.Background(), targets, Config{Image: "nginx:1.27"}, StrategyImmediate, 0)
	require.Error(t, err)
}
