package machine

import (
	"context"

	"github.com/NoHeadDotDev/minifly/pkg/apierr"
	"github.com/NoHeadDotDev/minifly/pkg/store"
)

// CreateMachine allocates a machine id, stores it at generation 0 in the
// created state, and returns the row. No lease is required (§4.6: create is
// the one non-lease-gated mutation).
func (m *Manager) CreateMachine(app, name, region string, cfg Config) (*store.Machine, error) {
	id, err := newMachineID()
	if err != nil {
		return nil, apierr.Wrap(err, apierr.Internal, "generate machine id")
	}
	if name == "" {
		name = id
	}
	if region == "" {
		region = "local"
	}
	ip, err := privateIPFor(id)
	if err != nil {
		return nil, apierr.Wrap(err, apierr.Internal, "derive private ip for %s", id)
	}
	configJSON, err := cfg.Marshal()
	if err != nil {
		return nil, apierr.Wrap(err, apierr.InvalidConfig, "marshal machine config")
	}

	mach := &store.Machine{
		ID:        id,
		App:       app,
		Name:      name,
		State:     store.StateCreated,
		Region:    region,
		Image:     cfg.Image,
		PrivateIP: ip.String(),
		Generation: 0,
	}
	if err := m.Store.CreateMachine(mach, configJSON); err != nil {
		return nil, err
	}
	return mach, nil
}

// DestroyMachine commits a machine's destroyed state in the store (the row
// is kept), deregisters it from DNS, releases its lease,
// stops its litefs supervisor if any, and (if a container exists) removes
// it from the runtime. force allows destroying a non-terminal machine
// without presenting a lease (§4.6 "destroy ... any with force").
func (m *Manager) DestroyMachine(machineID, nonce string, force bool) error {
	lock := m.lockFor(machineID)
	lock.Lock()
	defer lock.Unlock()

	mach, err := m.Store.GetMachine(machineID)
	if err != nil {
		return err
	}

	if !force {
		switch mach.State {
		case store.StateStopped, store.StateFailed, store.StateCreated:
		default:
			return apierr.New(apierr.Conflict, "machine %s must be stopped before destroy (or pass force)", machineID)
		}
		if err := m.requireLease(machineID, nonce); err != nil {
			return err
		}
	}

	if sup, ok := m.supervisorFor(machineID); ok {
		_ = sup.Stop()
		m.dropSupervisor(machineID)
	}
	m.clearHealthFailures(machineID)

	if mach.ContainerID != "" {
		_ = m.Runtime.Remove(context.Background(), mach.ContainerID, true)
	}
	m.DNS.Deregister(machineID)
	_ = m.Store.ReleaseLease(machineID)

	cid := mach.ContainerID
	_, err = m.Store.Commit(store.Transition{
		MachineID:    machineID,
		NewState:     store.StateDestroyed,
		ContainerID:  &cid,
		EventType:    "destroy",
		EventStatus:  "ok",
		EventSource:  "user",
		EventMessage: "machine destroyed",
	})
	return err
}

// DestroyApp force-destroys every one of an app's machines (runtime
// container removal, DNS deregistration, supervisor teardown — the same
// cascade DestroyMachine already gives a single machine) before deleting the app's
// own store rows, so destroying an app never leaks a running container, a
// stale DNS entry, or a supervisor goroutine (spec: "Destroying an app
// cascades: all its machines transition to destroyed, runtime containers
// are removed, volumes are detached").
func (m *Manager) DestroyApp(app string) error {
	machines, err := m.Store.ListMachines(app)
	if err != nil {
		return err
	}
	for _, mach := range machines {
		if mach.State == store.StateDestroyed {
			continue
		}
		if err := m.DestroyMachine(mach.ID, "", true); err != nil {
			return apierr.Wrap(err, apierr.Internal, "destroy machine %s while deleting app %s", mach.ID, app)
		}
	}
	return m.Store.DeleteApp(app)
}
