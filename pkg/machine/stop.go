package machine

import (
	"context"
	"time"

	"github.com/NoHeadDotDev/minifly/pkg/apierr"
	"github.com/NoHeadDotDev/minifly/pkg/store"
)

// Stop runs the stop sequence (§4.6): commit stopping, call runtime
// stop(cid, grace), then commit stopped and deregister DNS. A runtime that
// doesn't exit within grace is SIGKILLed by the runtime adapter itself; the
// machine still ends up stopped, with an event noting forced termination.
func (m *Manager) Stop(ctx context.Context, machineID, nonce string, grace time.Duration) error {
	lock := m.lockFor(machineID)
	lock.Lock()
	defer lock.Unlock()

	mach, err := m.Store.GetMachine(machineID)
	if err != nil {
		return err
	}
	switch mach.State {
	case store.StateStarted, store.StateStarting, store.StatePaused:
	default:
		return apierr.New(apierr.Conflict, "machine %s cannot stop from state %s", machineID, mach.State)
	}
	if err := m.requireLease(machineID, nonce); err != nil {
		return err
	}
	if grace <= 0 {
		grace = m.Cfg.UserConfig.Reconcile.StopGrace
	}

	if _, err := m.Store.Commit(store.Transition{
		MachineID:    machineID,
		NewState:     store.StateStopping,
		EventType:    "stop",
		EventStatus:  "stopping",
		EventSource:  "user",
		EventMessage: "stop requested",
	}); err != nil {
		return err
	}

	message := "stopped"
	if mach.ContainerID != "" {
		if err := m.Runtime.Stop(ctx, mach.ContainerID, grace); err != nil {
			message = "stop forced after grace period: " + err.Error()
		}
	}

	if sup, ok := m.supervisorFor(machineID); ok {
		_ = sup.Stop()
		m.dropSupervisor(machineID)
	}
	m.clearHealthFailures(machineID)

	m.DNS.Deregister(machineID)

	_, err = m.Store.Commit(store.Transition{
		MachineID:    machineID,
		NewState:     store.StateStopped,
		EventType:    "stop",
		EventStatus:  "ok",
		EventSource:  "runtime",
		EventMessage: message,
	})
	return err
}
