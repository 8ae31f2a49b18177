package store

import "time"

// App is a named, organization-scoped collection of machines.
type App struct {
	Name      string
	Org       string
	Status    string // created | deployed | suspended
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MachineState is one of the values a machine's state column may hold.
type MachineState string

const (
	StateCreated   MachineState = "created"
	StateStarting  MachineState = "starting"
	StateStarted   MachineState = "started"
	StateStopping  MachineState = "stopping"
	StateStopped   MachineState = "stopped"
	StatePaused    MachineState = "paused"
	StateFailed    MachineState = "failed"
	StateDestroyed MachineState = "destroyed"
)

// Machine is a managed container with identity, generation, and lifecycle
// state.
type Machine struct {
	ID          string
	App         string
	Name        string
	State       MachineState
	Region      string
	Image       string
	ContainerID string
	PrivateIP   string
	Generation  int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MachineConfig is the immutable configuration snapshot bound to one
// machine generation, stored as opaque JSON (the machine.Config shape)
// so the store package has no dependency on the machine package.
type MachineConfig struct {
	Machine    string
	Generation int64
	ConfigJSON string
	CreatedAt  time.Time
}

// Volume is a named directory-backed volume scoped to an app, attached to
// at most one machine at a time.
type Volume struct {
	ID         string
	App        string
	Name       string
	SizeGB     int
	AttachedTo string
	CreatedAt  time.Time
}

// Lease is the single-writer token gating mutating operations on a machine.
type Lease struct {
	Machine     string
	Nonce       string
	Owner       string
	Description string
	Version     string
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// Expired reports whether the lease is no longer valid as of t.
func (l Lease) Expired(t time.Time) bool {
	return !t.Before(l.ExpiresAt)
}

// Event is an append-only, totally-ordered-per-machine record.
type Event struct {
	ID        int64
	Machine   string
	Type      string
	Status    string
	Source    string // user | system | runtime
	Message   string
	CreatedAt time.Time
}

// OutboxEntry is a side effect queued for execution after a transaction
// that changed machine state commits.
type OutboxEntry struct {
	ID          int64
	Machine     string
	Kind        string
	PayloadJSON string
	Attempted   bool
	CreatedAt   time.Time
}
