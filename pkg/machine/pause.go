package machine

import (
	"context"

	"github.com/NoHeadDotDev/minifly/pkg/apierr"
	"github.com/NoHeadDotDev/minifly/pkg/store"
)

// Pause freezes a started machine's container, used to simulate
// auto_stop_machines (§4.5).
func (m *Manager) Pause(ctx context.Context, machineID, nonce string) error {
	lock := m.lockFor(machineID)
	lock.Lock()
	defer lock.Unlock()

	mach, err := m.Store.GetMachine(machineID)
	if err != nil {
		return err
	}
	if mach.State != store.StateStarted {
		return apierr.New(apierr.Conflict, "machine %s cannot pause from state %s", machineID, mach.State)
	}
	if err := m.requireLease(machineID, nonce); err != nil {
		return err
	}
	if err := m.Runtime.Pause(ctx, mach.ContainerID); err != nil {
		return apierr.Wrap(err, apierr.RuntimeError, "pause container for %s", machineID)
	}
	_, err = m.Store.Commit(store.Transition{
		MachineID:    machineID,
		NewState:     store.StatePaused,
		EventType:    "pause",
		EventStatus:  "ok",
		EventSource:  "user",
		EventMessage: "paused",
	})
	return err
}

// Unpause thaws a paused machine's container, used to simulate
// auto_start_machines (§4.5).
func (m *Manager) Unpause(ctx context.Context, machineID, nonce string) error {
	lock := m.lockFor(machineID)
	lock.Lock()
	defer lock.Unlock()

	mach, err := m.Store.GetMachine(machineID)
	if err != nil {
		return err
	}
	if mach.State != store.StatePaused {
		return apierr.New(apierr.Conflict, "machine %s cannot unpause from state %s", machineID, mach.State)
	}
	if err := m.requireLease(machineID, nonce); err != nil {
		return err
	}
	if err := m.Runtime.Unpause(ctx, mach.ContainerID); err != nil {
		return apierr.Wrap(err, apierr.RuntimeError, "unpause container for %s", machineID)
	}
	_, err = m.Store.Commit(store.Transition{
		MachineID:    machineID,
		NewState:     store.StateStarted,
		EventType:    "unpause",
		EventStatus:  "ok",
		EventSource:  "user",
		EventMessage: "unpaused",
	})
	return err
}
