package machine

import (
	"context"
	"fmt"
	"sync"

	"github.com/NoHeadDotDev/minifly/pkg/apierr"
	"github.com/NoHeadDotDev/minifly/pkg/store"
)

// UpdateMachine allocates a new generation for machineID and, if the machine
// was starting or started, restarts it onto that generation (otherwise it is
// left stopped). It is the single-machine primitive Deploy uses to
// implement each of the three rollout strategies (§4.6 "update strategies").
func (m *Manager) UpdateMachine(ctx context.Context, machineID, nonce string, cfg Config) error {
	if err := m.requireLease(machineID, nonce); err != nil {
		return err
	}

	mach, err := m.Store.GetMachine(machineID)
	if err != nil {
		return err
	}
	prevGeneration := mach.Generation
	prevCfgJSON, err := m.Store.GetMachineConfig(machineID, prevGeneration)
	if err != nil {
		return err
	}

	newGeneration := prevGeneration + 1
	configJSON, err := cfg.Marshal()
	if err != nil {
		return apierr.Wrap(err, apierr.InvalidConfig, "marshal updated config for %s", machineID)
	}

	wasRunning := mach.State == store.StateStarted || mach.State == store.StateStarting
	if wasRunning {
		if err := m.Stop(ctx, machineID, nonce, 0); err != nil {
			return apierr.Wrap(err, apierr.RuntimeError, "update: stop before new generation for %s", machineID)
		}
	}

	if _, err := m.Store.Commit(store.Transition{
		MachineID:     machineID,
		NewState:      store.StateStopped,
		NewGeneration: &newGeneration,
		NewConfigJSON: configJSON,
		EventType:     "update",
		EventStatus:   "ok",
		EventSource:   "user",
		EventMessage:  fmt.Sprintf("generation %d -> %d", prevGeneration, newGeneration),
	}); err != nil {
		return err
	}

	if !wasRunning {
		return nil
	}

	if err := m.Start(ctx, machineID, nonce); err != nil {
		// Roll back to the previous generation and attempt to restart it,
		// per §4.6 "rollback on failure reverts each machine to the
		// previous generation and re-starts".
		if _, rerr := m.Store.Commit(store.Transition{
			MachineID:     machineID,
			NewState:      store.StateStopped,
			NewGeneration: &prevGeneration,
			NewConfigJSON: prevCfgJSON,
			EventType:     "update",
			EventStatus:   "rollback",
			EventSource:   "system",
			EventMessage:  fmt.Sprintf("rolled back to generation %d after start failure: %v", prevGeneration, err),
		}); rerr == nil {
			_ = m.Start(ctx, machineID, nonce)
		}
		return apierr.Wrap(err, apierr.RuntimeError, "update: start new generation for %s", machineID)
	}
	return nil
}

// DeployStrategy selects how Deploy sequences updates across an app's
// machines (§4.6).
type DeployStrategy string

const (
	StrategyImmediate DeployStrategy = "immediate"
	StrategyRolling   DeployStrategy = "rolling"
	StrategyCanary    DeployStrategy = "canary"
)

// DeployTarget is one machine to update, paired with the lease nonce the
// caller already holds for it.
type DeployTarget struct {
	MachineID string
	Nonce     string
}

// Deploy updates every target onto cfg, per strategy, and returns the first
// error captured (§4.6: "the update operation fails with the first
// machine's captured error"). A failed canary stops the rollout before the
// remaining targets; the immediate and rolling strategies still attempt
// every target after an error.
func (m *Manager) Deploy(ctx context.Context, targets []DeployTarget, cfg Config, strategy DeployStrategy, maxUnavailable int) error {
	switch strategy {
	case StrategyImmediate:
		return m.deployImmediate(ctx, targets, cfg)
	case StrategyCanary:
		return m.deployCanary(ctx, targets, cfg)
	default:
		if maxUnavailable <= 0 {
			maxUnavailable = 1
		}
		return m.deployRolling(ctx, targets, cfg, maxUnavailable)
	}
}

func (m *Manager) deployImmediate(ctx context.Context, targets []DeployTarget, cfg Config) error {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		firstErr error
	)
	for _, t := range targets {
		wg.Add(1)
		go func(t DeployTarget) {
			defer wg.Done()
			if err := m.UpdateMachine(ctx, t.MachineID, t.Nonce, cfg); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(t)
	}
	wg.Wait()
	return firstErr
}

func (m *Manager) deployRolling(ctx context.Context, targets []DeployTarget, cfg Config, maxUnavailable int) error {
	sem := make(chan struct{}, maxUnavailable)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, t := range targets {
		sem <- struct{}{}
		wg.Add(1)
		go func(t DeployTarget) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := m.UpdateMachine(ctx, t.MachineID, t.Nonce, cfg); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(t)
	}
	wg.Wait()
	return firstErr
}

func (m *Manager) deployCanary(ctx context.Context, targets []DeployTarget, cfg Config) error {
	if len(targets) == 0 {
		return nil
	}

	canary := targets[0]
	if err := m.UpdateMachine(ctx, canary.MachineID, canary.Nonce, cfg); err != nil {
		return apierr.Wrap(err, apierr.RuntimeError, "canary update failed for %s", canary.MachineID)
	}
	if err := m.awaitHealthy(ctx, canary.MachineID, cfg); err != nil {
		return apierr.Wrap(err, apierr.Timeout, "canary %s did not become healthy", canary.MachineID)
	}

	return m.deployRolling(ctx, targets[1:], cfg, len(targets))
}
