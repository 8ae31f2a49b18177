package machine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/NoHeadDotDev/minifly/pkg/apierr"
	"github.com/NoHeadDotDev/minifly/pkg/litefs"
	"github.com/NoHeadDotDev/minifly/pkg/manifest"
	"github.com/NoHeadDotDev/minifly/pkg/runtime"
	"github.com/NoHeadDotDev/minifly/pkg/secrets"
	"github.com/NoHeadDotDev/minifly/pkg/store"
)

// runningPollInterval is how often Start polls Inspect while waiting for
// the runtime to report the container running, absent a runtime event bus.
const runningPollInterval = 200 * time.Millisecond

// Start runs the full start sequence (§4.6): env resolution, mount and
// litefs materialization, container reuse-or-create, commit starting +
// runtime start, DNS registration, then commit started once the runtime
// reports running.
func (m *Manager) Start(ctx context.Context, machineID, nonce string) error {
	lock := m.lockFor(machineID)
	lock.Lock()
	defer lock.Unlock()

	mach, err := m.Store.GetMachine(machineID)
	if err != nil {
		return err
	}
	switch mach.State {
	case store.StateCreated, store.StateStopped, store.StateFailed:
	default:
		return apierr.New(apierr.Conflict, "machine %s cannot start from state %s", machineID, mach.State)
	}
	if err := m.requireLease(machineID, nonce); err != nil {
		return err
	}

	cfgJSON, err := m.Store.GetMachineConfig(machineID, mach.Generation)
	if err != nil {
		return err
	}
	cfg, err := ParseConfig(cfgJSON)
	if err != nil {
		return apierr.Wrap(err, apierr.InvalidConfig, "parse config for machine %s", machineID)
	}

	// Step 1: ordered env merge, lowest to highest precedence.
	env, err := m.buildEnv(mach, cfg)
	if err != nil {
		return err
	}

	// Step 2: host-path mounts; create missing directories and, for the
	// litefs mount point, an empty database file.
	mounts, err := m.materializeMounts(mach, cfg)
	if err != nil {
		return err
	}

	// Step 3: render and supervise the replicated-SQLite subprocess, if the
	// config declares use of it.
	if cfg.UseLiteFS {
		if err := m.startSupervisor(mach, cfg); err != nil {
			m.Log.WithField("machine", machineID).WithError(err).Warn("litefs supervisor failed to start")
		}
	}

	// Step 4: reuse an existing container (by label match) or create one.
	labels := map[string]string{"minifly.app": mach.App, "minifly.machine": machineID}
	cid, found, err := m.Runtime.FindByLabels(ctx, labels)
	if err != nil {
		return apierr.Wrap(err, apierr.RuntimeError, "look up existing container for %s", machineID)
	}
	if !found {
		spec := runtime.ContainerSpec{
			Image:         cfg.Image,
			Env:           env,
			Cmd:           cfg.Cmd,
			Entrypoint:    cfg.Entrypoint,
			Labels:        labels,
			Mounts:        mounts,
			Ports:         servicePorts(cfg),
			RestartPolicy: "no",
		}
		if err := m.Runtime.Pull(ctx, cfg.Image); err != nil {
			return apierr.Wrap(err, apierr.RuntimeError, "pull image %s", cfg.Image)
		}
		cid, err = m.Runtime.Create(ctx, spec)
		if err != nil {
			return apierr.Wrap(err, apierr.RuntimeError, "create container for %s", machineID)
		}
	}

	// Step 5: commit starting, then call runtime start; on failure commit
	// failed and abort the supervisor.
	if _, err := m.Store.Commit(store.Transition{
		MachineID:    machineID,
		NewState:     store.StateStarting,
		ContainerID:  &cid,
		EventType:    "start",
		EventStatus:  "starting",
		EventSource:  "user",
		EventMessage: "start requested",
	}); err != nil {
		return err
	}

	if err := m.Runtime.Start(ctx, cid); err != nil {
		m.failMachine(machineID, cid, fmt.Sprintf("runtime start failed: %v", err))
		if sup, ok := m.supervisorFor(machineID); ok {
			_ = sup.Stop()
			m.dropSupervisor(machineID)
		}
		return apierr.Wrap(err, apierr.RuntimeError, "start container for %s", machineID)
	}

	// Step 6: register virtual IP with DNS; failure degrades to a warning.
	if parsed := mach.PrivateIP; parsed != "" {
		if pip, perr := privateIPFromString(parsed); perr == nil {
			m.DNS.Register(mach.App, machineID, pip)
		} else {
			m.Log.WithField("machine", machineID).WithError(perr).Warn("dns registration skipped: bad private ip")
		}
	}

	// Step 7: wait for the runtime to report running, then commit started
	// and record observed host ports.
	return m.awaitRunningAndCommit(ctx, machineID, cid)
}

func (m *Manager) awaitRunningAndCommit(ctx context.Context, machineID, cid string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		insp, err := m.Runtime.Inspect(ctx, cid)
		if err == nil && insp.State == runtime.StateRunning {
			break
		}
		if time.Now().After(deadline) {
			m.failMachine(machineID, cid, "timed out waiting for runtime to report running")
			return apierr.New(apierr.Timeout, "machine %s did not reach running within deadline", machineID)
		}
		select {
		case <-ctx.Done():
			return apierr.Wrap(ctx.Err(), apierr.Timeout, "start canceled for %s", machineID)
		case <-time.After(runningPollInterval):
		}
	}

	insp, err := m.Runtime.Inspect(ctx, cid)
	if err == nil {
		for _, p := range insp.Ports {
			_ = m.Store.SetMetadata(machineID, fmt.Sprintf("port.%d.%s", p.ContainerPort, p.Protocol), fmt.Sprintf("%s:%d", p.HostIP, p.HostPort))
		}
	}

	_, err = m.Store.Commit(store.Transition{
		MachineID:    machineID,
		NewState:     store.StateStarted,
		EventType:    "start",
		EventStatus:  "ok",
		EventSource:  "runtime",
		EventMessage: "container running",
	})
	return err
}

func (m *Manager) failMachine(machineID, cid, message string) {
	var containerID *string
	if cid != "" {
		containerID = &cid
	}
	_, _ = m.Store.Commit(store.Transition{
		MachineID:    machineID,
		NewState:     store.StateFailed,
		ContainerID:  containerID,
		EventType:    "start",
		EventStatus:  "failed",
		EventSource:  "system",
		EventMessage: message,
	})
}

// buildEnv performs the ordered merge described in §4.6 step 1: manifest
// env (lowest), platform identity, then secrets (highest).
func (m *Manager) buildEnv(mach *store.Machine, cfg Config) ([]string, error) {
	merged := map[string]string{}
	for k, v := range cfg.Env {
		merged[k] = v
	}

	merged["FLY_APP_NAME"] = mach.App
	merged["FLY_MACHINE_ID"] = mach.ID
	merged["FLY_REGION"] = "local"
	merged["FLY_PUBLIC_IP"] = "127.0.0.1"
	merged["FLY_PRIVATE_IP"] = mach.PrivateIP
	merged["PRIMARY_REGION"] = "local"
	merged["FLY_CONSUL_URL"] = "http://127.0.0.1:8500"

	invocationDir, err := os.Getwd()
	if err != nil {
		return nil, apierr.Wrap(err, apierr.Internal, "resolve invocation directory for secrets")
	}
	appSecrets, err := secrets.Load(invocationDir, mach.App)
	if err != nil {
		return nil, err
	}
	for k, v := range appSecrets {
		merged[k] = v
	}

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	return env, nil
}

// materializeMounts computes host paths for every declared mount under the
// per-machine data directory, creating directories (and, for the litefs
// mount point, an empty database file) as needed.
func (m *Manager) materializeMounts(mach *store.Machine, cfg Config) ([]runtime.MountSpec, error) {
	var mounts []runtime.MountSpec
	for _, mnt := range cfg.Mounts {
		hostPath := m.Cfg.DataPath(mach.App, mach.ID, "volumes", mnt.Volume)
		if err := os.MkdirAll(hostPath, 0o755); err != nil {
			return nil, apierr.Wrap(err, apierr.Internal, "create mount dir %s", hostPath)
		}
		mounts = append(mounts, runtime.MountSpec{HostPath: hostPath, ContainerPath: mnt.Path})

		if cfg.UseLiteFS && mnt.Path == "/litefs" {
			dbFile := filepath.Join(hostPath, "app.db")
			if _, err := os.Stat(dbFile); os.IsNotExist(err) {
				f, ferr := os.Create(dbFile)
				if ferr != nil {
					return nil, apierr.Wrap(ferr, apierr.Internal, "create litefs db file %s", dbFile)
				}
				f.Close()
			}
		}
	}
	return mounts, nil
}

func servicePorts(cfg Config) []runtime.PortPublish {
	var ports []runtime.PortPublish
	for _, svc := range cfg.Services {
		ports = append(ports, runtime.PortPublish{
			ContainerPort: svc.InternalPort,
			Protocol:      svc.Protocol,
			HostPort:      0, // dynamic allocation preferred, §4.1
		})
	}
	return ports
}

// startSupervisor materializes the adapted litefs config for this machine
// and launches the supervisor, registering it so Stop/DestroyMachine can
// find it again.
func (m *Manager) startSupervisor(mach *store.Machine, cfg Config) error {
	machineDir := m.Cfg.DataPath(mach.App, mach.ID, "litefs")
	plan := &manifest.LiteFSPlan{
		Config: &manifest.LiteFSConfig{
			FUSE: manifest.FUSEConfig{Dir: "/litefs"},
			Data: manifest.DataConfig{Dir: filepath.Join(machineDir, "data")},
			Lease: manifest.LeaseConfig{
				Type:         "static",
				Candidate:    true,
				AdvertiseURL: "http://localhost:20202",
			},
		},
		DataDir:  filepath.Join(machineDir, "data"),
		FuseDir:  "/litefs",
		YAMLPath: filepath.Join(machineDir, "config.yml"),
	}
	if err := litefs.Materialize(plan); err != nil {
		return apierr.Wrap(err, apierr.SupervisorError, "materialize litefs config for %s", mach.ID)
	}

	sup := litefs.New(
		mach.ID,
		m.Cfg.UserConfig.LiteFS.BinaryPath,
		plan.YAMLPath,
		m.Cfg.UserConfig.LiteFS.MaxRestarts,
		m.Cfg.UserConfig.LiteFS.RestartWindow,
		m.Cfg.UserConfig.LiteFS.StopGrace,
		m.Log.WithField("component", "litefs"),
	)
	sup.OnExceeded = func() {
		m.failMachine(mach.ID, "", "litefs restart budget exceeded")
		m.dropSupervisor(mach.ID)
		m.clearHealthFailures(mach.ID)
	}
	if err := sup.Start(context.Background()); err != nil {
		return err
	}
	if degraded, note := sup.Degraded(); degraded {
		_, _ = m.Store.Commit(store.Transition{
			MachineID:    mach.ID,
			NewState:     mach.State,
			EventType:    "litefs",
			EventStatus:  "degraded",
			EventSource:  "system",
			EventMessage: note,
		})
	}
	m.setSupervisor(mach.ID, sup)
	return nil
}
