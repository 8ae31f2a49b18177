package runtime

import "time"

// ContainerSpec is the input to Create: the runtime-agnostic shape the
// lifecycle manager builds from a machine's effective configuration. This
// plays the role the teacher's ContainerConfig/ContainerSummary zoo played
// for docker-compose introspection, narrowed to exactly what §4.1's
// capability table calls for (create takes image, env, cmd, entrypoint,
// port publish map, mounts, labels, restart policy = none).
type ContainerSpec struct {
	Image         string
	Env           []string
	Cmd           []string
	Entrypoint    []string
	Labels        map[string]string
	Mounts        []MountSpec
	Ports         []PortPublish
	RestartPolicy string // always "no" per §4.1; kept explicit for clarity at call sites
}

// MountSpec is a single bind mount, host path to container path.
type MountSpec struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// PortPublish requests a container port be published to a host port.
// HostPort == 0 requests dynamic allocation (§4.1 "prefer host port 0").
type PortPublish struct {
	ContainerPort int
	Protocol      string // "tcp" or "udp"
	HostPort      int
}

// PublishedPort is a Ports entry as actually bound, returned by Inspect.
type PublishedPort struct {
	ContainerPort int
	Protocol      string
	HostPort      int
	HostIP        string
}

// State is one of the states the runtime reports for a container (§4.1
// inspect result): created/running/paused/exited.
type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateExited  State = "exited"
)

// Inspection is the result of Inspect: state, exit code (when exited), and
// published host ports.
type Inspection struct {
	State    State
	ExitCode int
	Ports    []PublishedPort
}

// ExecResult is the result of a (non-interactive) Exec call.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// LogLine is one line from a container's log stream, tagged with the
// timestamp used as a restart cursor (§4.1 "restartable from cursor").
type LogLine struct {
	Timestamp time.Time
	Stream    string // "stdout" or "stderr"
	Data      []byte
}
