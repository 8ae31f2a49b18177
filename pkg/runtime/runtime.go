// Package runtime is the container runtime adapter (C2): the only place in
// Minifly that speaks to the local container daemon. Every other component
// operates on the runtime-agnostic types in types.go. Grounded on the
// teacher's pkg/commands/runtime.go capability interface (ContainerRuntime),
// narrowed to exactly the operations spec §4.1 requires.
package runtime

import (
	"context"
	"io"
	"time"
)

// Runtime is the capability contract the core requires of the local
// container runtime (spec §4.1's table, one method per row).
type Runtime interface {
	// Pull ensures image is present locally. A no-op if already pulled.
	Pull(ctx context.Context, imageRef string) error

	// Create materializes a container from spec without starting it, and
	// returns its runtime-assigned id.
	Create(ctx context.Context, spec ContainerSpec) (string, error)

	// Start starts a created (or stopped) container.
	Start(ctx context.Context, cid string) error

	// Stop asks the container to stop within grace, then forces (SIGKILL)
	// termination if it hasn't exited by the deadline.
	Stop(ctx context.Context, cid string, grace time.Duration) error

	// Pause/Unpause freeze and thaw a running container (used to simulate
	// auto_stop_machines/auto_start_machines, §4.5).
	Pause(ctx context.Context, cid string) error
	Unpause(ctx context.Context, cid string) error

	// Inspect returns the container's current state and published ports.
	Inspect(ctx context.Context, cid string) (*Inspection, error)

	// Remove deletes a container. If force is false and the container is
	// still running, the runtime's refusal is returned as an error
	// (DockerRuntime classifies it as RuntimeError).
	Remove(ctx context.Context, cid string, force bool) error

	// Logs returns a lazy byte stream of the container's combined
	// stdout/stderr, restartable from a cursor (an RFC3339Nano timestamp;
	// empty means "from the beginning"). The returned reader must be closed.
	Logs(ctx context.Context, cid string, since string) (io.ReadCloser, error)

	// Exec runs argv inside the container and waits for it to complete.
	Exec(ctx context.Context, cid string, argv []string, tty bool) (*ExecResult, error)

	// FindByLabels looks for an existing container whose labels match all
	// of the given key/value pairs (used by the start sequence's "reuse an
	// existing container for this machine by label match", §4.6).
	FindByLabels(ctx context.Context, labels map[string]string) (cid string, found bool, err error)

	// Close releases any held resources (client connections, tunnels).
	Close() error
}
