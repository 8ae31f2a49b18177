package machine

import (
	"time"

	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"github.com/NoHeadDotDev/minifly/pkg/apierr"
	"github.com/NoHeadDotDev/minifly/pkg/config"
	"github.com/NoHeadDotDev/minifly/pkg/dns"
	"github.com/NoHeadDotDev/minifly/pkg/litefs"
	"github.com/NoHeadDotDev/minifly/pkg/runtime"
	"github.com/NoHeadDotDev/minifly/pkg/secrets"
	"github.com/NoHeadDotDev/minifly/pkg/store"
	"github.com/NoHeadDotDev/minifly/pkg/tasks"
)

// Manager wires every collaborator the lifecycle manager needs: the store
// (C1), the container runtime (C2), the DNS registry (C3), the secrets
// loader (C4), the manifest adapter (C5), and one litefs.Supervisor per
// machine that declares use of replicated SQLite (C7).
type Manager struct {
	Store    *store.Store
	Runtime  runtime.Runtime
	DNS      *dns.Registry
	Cfg      *config.Config
	Log      *logrus.Entry

	mu             deadlock.Mutex // guards locks, supervisors, and healthFailures maps only
	locks          map[string]*deadlock.Mutex
	supervisors    map[string]*litefs.Supervisor
	healthFailures map[string]map[string]int // machine -> "type:port" -> consecutive failure count

	outboxTasks *tasks.TaskManager
	sweeper     *Sweeper
}

// New builds a Manager. secrets.* files are read from the process's working
// directory (the invocation directory, §6 filesystem layout) on each start.
func New(st *store.Store, rt runtime.Runtime, registry *dns.Registry, cfg *config.Config, log *logrus.Entry) *Manager {
	return &Manager{
		Store:          st,
		Runtime:        rt,
		DNS:            registry,
		Cfg:            cfg,
		Log:            log,
		locks:          make(map[string]*deadlock.Mutex),
		supervisors:    make(map[string]*litefs.Supervisor),
		healthFailures: make(map[string]map[string]int),
		outboxTasks:    tasks.NewTaskManager(),
	}
}

// lockFor returns the per-machine mutex, creating it on first use. This
// sits below leases: a lease arbitrates which caller is allowed to mutate a
// machine at the application level, this mutex arbitrates actual goroutine
// access to the handful of in-process maps (supervisors) a mutation touches.
func (m *Manager) lockFor(machineID string) *deadlock.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[machineID]
	if !ok {
		l = &deadlock.Mutex{}
		m.locks[machineID] = l
	}
	return l
}

// requireLease validates the presented nonce unless the operation is
// create or a forced delete, per §4.6's concurrency-control rule.
func (m *Manager) requireLease(machineID, nonce string) error {
	if nonce == "" {
		return apierr.New(apierr.ConflictLease, "machine %s: lease nonce required", machineID)
	}
	return m.Store.CheckLease(machineID, nonce)
}

// AcquireLease acquires a new lease, or refreshes the caller's own lease by
// presenting its currentNonce before it expires, per §4.6.
func (m *Manager) AcquireLease(machineID, owner, description string, ttl time.Duration, currentNonce string) (*store.Lease, error) {
	if ttl <= 0 {
		ttl = m.Cfg.UserConfig.Lease.DefaultTTL
	}
	nonce, err := newLeaseNonceChecked()
	if err != nil {
		return nil, err
	}
	mach, err := m.Store.GetMachine(machineID)
	if err != nil {
		return nil, err
	}
	version := mach.UpdatedAt.Format(time.RFC3339Nano)
	return m.Store.AcquireLease(machineID, nonce, owner, description, version, ttl, currentNonce)
}

func newLeaseNonceChecked() (string, error) {
	nonce := newLeaseNonce()
	if nonce == "" {
		return "", apierr.New(apierr.Internal, "failed to generate lease nonce")
	}
	return nonce, nil
}

// supervisorFor returns the litefs supervisor registered for a machine, if
// any (nil, false if the machine does not use replicated SQLite or has not
// been started yet).
func (m *Manager) supervisorFor(machineID string) (*litefs.Supervisor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.supervisors[machineID]
	return s, ok
}

func (m *Manager) setSupervisor(machineID string, s *litefs.Supervisor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.supervisors[machineID] = s
}

func (m *Manager) dropSupervisor(machineID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.supervisors, machineID)
}

// healthFailuresFor returns the consecutive-failure counters for a machine,
// creating them on first use. Counts live for as long as the machine stays
// started; clearHealthFailures resets them on stop/destroy so a later start
// begins with a clean restart budget.
func (m *Manager) healthFailuresFor(machineID string) map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.healthFailures[machineID]
	if !ok {
		f = make(map[string]int)
		m.healthFailures[machineID] = f
	}
	return f
}

func (m *Manager) clearHealthFailures(machineID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.healthFailures, machineID)
}
