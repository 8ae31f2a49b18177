package machine

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/NoHeadDotDev/minifly/pkg/apierr"
	"github.com/NoHeadDotDev/minifly/pkg/store"
)

// CheckResult is the outcome of a single health check evaluation.
type CheckResult struct {
	Check   Check
	Passed  bool
	Message string
}

// RunChecks evaluates every configured check against a machine's
// published host ports and returns one result per check (§4.6 "health
// checks").
func (m *Manager) RunChecks(ctx context.Context, machineID string, cfg Config) ([]CheckResult, error) {
	meta, err := m.Store.GetMetadata(machineID)
	if err != nil {
		return nil, err
	}

	results := make([]CheckResult, 0, len(cfg.Checks))
	for _, c := range cfg.Checks {
		addr, ok := hostAddrForPort(meta, c.Port)
		if !ok {
			results = append(results, CheckResult{Check: c, Passed: false, Message: fmt.Sprintf("no published host port for container port %d", c.Port)})
			continue
		}
		results = append(results, runCheck(ctx, c, addr))
	}
	return results, nil
}

func hostAddrForPort(meta map[string]string, port int) (string, bool) {
	for _, proto := range []string{"tcp", "udp"} {
		if v, ok := meta[fmt.Sprintf("port.%d.%s", port, proto)]; ok {
			return v, true
		}
	}
	return "", false
}

func runCheck(ctx context.Context, c Check, addr string) CheckResult {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	switch c.Type {
	case "http":
		return runHTTPCheck(ctx, c, addr, timeout)
	default:
		return runTCPCheck(c, addr, timeout)
	}
}

func runTCPCheck(c Check, addr string, timeout time.Duration) CheckResult {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return CheckResult{Check: c, Passed: false, Message: err.Error()}
	}
	conn.Close()
	return CheckResult{Check: c, Passed: true}
}

func runHTTPCheck(ctx context.Context, c Check, addr string, timeout time.Duration) CheckResult {
	method := c.Method
	if method == "" {
		method = http.MethodGet
	}
	path := c.Path
	if path == "" {
		path = "/"
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, fmt.Sprintf("http://%s%s", addr, path), nil)
	if err != nil {
		return CheckResult{Check: c, Passed: false, Message: err.Error()}
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return CheckResult{Check: c, Passed: false, Message: err.Error()}
	}
	defer resp.Body.Close()

	passed := resp.StatusCode >= 200 && resp.StatusCode < 300
	msg := ""
	if !passed {
		msg = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return CheckResult{Check: c, Passed: passed, Message: msg}
}

// awaitHealthy polls checks until they all pass or a fixed 30-second
// deadline elapses, used by the canary deploy strategy.
func (m *Manager) awaitHealthy(ctx context.Context, machineID string, cfg Config) error {
	if len(cfg.Checks) == 0 {
		return nil
	}

	deadline := time.Now().Add(30 * time.Second)
	for {
		results, err := m.RunChecks(ctx, machineID, cfg)
		if err != nil {
			return err
		}
		allPassed := true
		for _, r := range results {
			if !r.Passed {
				allPassed = false
				break
			}
		}
		if allPassed {
			return nil
		}
		if time.Now().After(deadline) {
			return apierr.New(apierr.Timeout, "health checks for %s did not pass in time", machineID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// enforceRestartLimit counts consecutive failures for a check and, once
// restart_limit is exceeded, drives the machine through stopping ->
// starting on the same generation (§4.6).
func (m *Manager) enforceRestartLimit(ctx context.Context, machineID, nonce string, failures map[string]int, result CheckResult) {
	key := fmt.Sprintf("%s:%d", result.Check.Type, result.Check.Port)
	if result.Passed {
		delete(failures, key)
		return
	}
	failures[key]++
	if result.Check.RestartLimit <= 0 || failures[key] <= result.Check.RestartLimit {
		return
	}

	m.Log.WithField("machine", machineID).Warnf("health check %s exceeded restart_limit, restarting", key)
	if err := m.Restart(ctx, machineID, nonce, 0); err != nil {
		m.Log.WithField("machine", machineID).WithError(err).Warn("restart after failed health check did not complete")
	}
	delete(failures, key)
}

// checkHealth runs a started machine's configured checks and feeds the
// results through enforceRestartLimit, called once per reconciliation pass
// for every machine the runtime reports running (§4.6: "failed checks
// beyond restart_limit transition a started machine through stopping ->
// starting"). It acquires its own internal lease the same way the create
// endpoint does, so a restart it triggers is a normal lease-gated mutation;
// if an external caller already holds the lease, the restart is skipped for
// this pass rather than contending for it.
func (m *Manager) checkHealth(ctx context.Context, mach *store.Machine) {
	cfgJSON, err := m.Store.GetMachineConfig(mach.ID, mach.Generation)
	if err != nil {
		return
	}
	cfg, err := ParseConfig(cfgJSON)
	if err != nil || len(cfg.Checks) == 0 {
		return
	}

	results, err := m.RunChecks(ctx, mach.ID, cfg)
	if err != nil {
		return
	}

	nonce := ""
	if lease, err := m.AcquireLease(mach.ID, "minifly-health-monitor", "health check restart", 0, ""); err == nil {
		nonce = lease.Nonce
		defer m.Store.ReleaseLease(mach.ID)
	}

	failures := m.healthFailuresFor(mach.ID)
	for _, result := range results {
		m.enforceRestartLimit(ctx, mach.ID, nonce, failures, result)
	}
}
