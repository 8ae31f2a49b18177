package machine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/boz/go-throttle"

	"github.com/NoHeadDotDev/minifly/pkg/runtime"
	"github.com/NoHeadDotDev/minifly/pkg/store"
)

// ReconcileAll compares every non-terminal machine's store state against
// its runtime state and drives one toward the other, with fan-out bounded
// by maxConcurrent (§4.6 "periodic sweep with bounded fan-out"). It is
// idempotent: applying the same decision twice in a row commits the same
// outcome both times.
func (m *Manager) ReconcileAll(ctx context.Context, maxConcurrent int) {
	machines, err := m.Store.ListNonTerminalMachines()
	if err != nil {
		m.Log.WithError(err).Warn("reconcile: failed to list non-terminal machines")
		return
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup
	for _, mach := range machines {
		sem <- struct{}{}
		wg.Add(1)
		go func(mach *store.Machine) {
			defer wg.Done()
			defer func() { <-sem }()
			m.reconcileOne(ctx, mach)
		}(mach)
	}
	wg.Wait()
}

// reconcileOne inspects and, where the decision is immediate, transitions
// one machine, then runs its health checks after releasing the per-machine
// lock: checkHealth's own restart path (Restart -> Stop/Start) re-acquires
// that same lock, and holding it across the call would deadlock.
func (m *Manager) reconcileOne(ctx context.Context, mach *store.Machine) {
	current, runHealthCheck := m.reconcileOneLocked(ctx, mach)
	if runHealthCheck {
		m.checkHealth(ctx, current)
	}
}

func (m *Manager) reconcileOneLocked(ctx context.Context, mach *store.Machine) (*store.Machine, bool) {
	lock := m.lockFor(mach.ID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read: the machine may have transitioned between listing and
	// acquiring its lock.
	current, err := m.Store.GetMachine(mach.ID)
	if err != nil {
		return nil, false
	}

	var insp *runtime.Inspection
	if current.ContainerID != "" {
		insp, _ = m.Runtime.Inspect(ctx, current.ContainerID)
	}

	switch current.State {
	case store.StateStarting:
		if insp != nil && insp.State == runtime.StateRunning {
			m.commitReconciled(current.ID, store.StateStarted, "reconcile: container observed running")
		}

	case store.StateStarted:
		if insp == nil {
			m.commitReconciled(current.ID, store.StateFailed, "reconcile: container missing for started machine")
			m.clearHealthFailures(current.ID)
		} else if insp.State == runtime.StateExited {
			if insp.ExitCode == 0 {
				m.commitReconciled(current.ID, store.StateStopped, "reconcile: container exited 0")
			} else {
				m.commitReconciled(current.ID, store.StateFailed, fmt.Sprintf("reconcile: container exited %d", insp.ExitCode))
			}
			m.DNS.Deregister(current.ID)
			m.clearHealthFailures(current.ID)
		} else if insp.State == runtime.StateRunning {
			return current, true
		}

	case store.StateStopped:
		if insp != nil && insp.State == runtime.StateRunning {
			if err := m.Runtime.Stop(ctx, current.ContainerID, 0); err != nil {
				m.Log.WithField("machine", current.ID).WithError(err).Warn("reconcile: failed to force-stop stray container")
			}
		}

	case store.StateDestroyed:
		if insp != nil {
			_ = m.Runtime.Remove(ctx, current.ContainerID, true)
			_ = m.Store.ReleaseVolumesForMachine(current.ID)
		}
	}
	return current, false
}

func (m *Manager) commitReconciled(machineID string, newState store.MachineState, message string) {
	_, err := m.Store.Commit(store.Transition{
		MachineID:    machineID,
		NewState:     newState,
		EventType:    "reconcile",
		EventStatus:  string(newState),
		EventSource:  "system",
		EventMessage: message,
	})
	if err != nil {
		m.Log.WithField("machine", machineID).WithError(err).Warn("reconcile: commit failed")
	}
}

// Sweeper is the handle StartSweep returns: Trigger nudges an immediate
// (debounced) sweep, typically called right after an outbox drain; Stop
// ends the periodic sweep and releases its goroutine.
type Sweeper struct {
	driver throttle.ThrottleDriver
}

func (s *Sweeper) Trigger() { s.driver.Trigger() }
func (s *Sweeper) Stop()    { s.driver.Stop() }

// StartSweep launches the periodic reconciliation sweep, debounced with
// boz/go-throttle so that a burst of Trigger calls (one per outbox-driven
// nudge, plus the periodic tick) collapses into at most one sweep per
// period (§4.6 "periodic sweep", §5). The returned Sweeper is also stashed
// on the Manager so the outbox drain loop can nudge it after every drain.
func (m *Manager) StartSweep(ctx context.Context, period time.Duration, maxConcurrent int) *Sweeper {
	driver := throttle.ThrottleFunc(period, true, func() {
		m.ReconcileAll(ctx, maxConcurrent)
	})

	go func() {
		<-ctx.Done()
		driver.Stop()
	}()

	s := &Sweeper{driver: driver}
	m.sweeper = s
	return s
}

// StartOutboxLoop runs the outbox drainer as a single-flight background
// task (grounded on the teacher's pkg/tasks.TaskManager): it drains pending
// outbox entries every interval and, if a sweep is running, triggers an
// immediate reconciliation pass right after, so a committed side effect is
// reflected in store state without waiting for the next periodic tick.
func (m *Manager) StartOutboxLoop(ctx context.Context, interval time.Duration, drainLimit int) {
	_ = m.outboxTasks.NewTask(func(stop chan struct{}) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.DrainOutbox(ctx, drainLimit); err != nil {
					m.Log.WithError(err).Warn("outbox drain failed")
				}
				if m.sweeper != nil {
					m.sweeper.Trigger()
				}
			}
		}
	})
}
