package machine

import (
	"context"
	"time"

	"github.com/NoHeadDotDev/minifly/pkg/apierr"
	"github.com/NoHeadDotDev/minifly/pkg/store"
)

// Restart drives a machine through stopping -> stopped -> starting ->
// started on the same generation (§4.6). A machine already in failed
// skips straight to the start half, since there is nothing running to
// stop.
func (m *Manager) Restart(ctx context.Context, machineID, nonce string, grace time.Duration) error {
	mach, err := m.Store.GetMachine(machineID)
	if err != nil {
		return err
	}

	switch mach.State {
	case store.StateStarted, store.StatePaused:
		if err := m.Stop(ctx, machineID, nonce, grace); err != nil {
			return apierr.Wrap(err, apierr.RuntimeError, "restart: stop phase for %s", machineID)
		}
	case store.StateFailed, store.StateStopped:
	default:
		return apierr.New(apierr.Conflict, "machine %s cannot restart from state %s", machineID, mach.State)
	}

	if err := m.requireLease(machineID, nonce); err != nil {
		return err
	}
	if err := m.Start(ctx, machineID, nonce); err != nil {
		return apierr.Wrap(err, apierr.RuntimeError, "restart: start phase for %s", machineID)
	}
	return nil
}
