package runtime

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path"
	"syscall"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"

	"github.com/NoHeadDotDev/minifly/pkg/apierr"
)

// APIVersion pins the Docker Engine API version Minifly talks, the same way
// the teacher pins client.WithVersion for its compose introspection.
const APIVersion = "1.43"

// DockerRuntime implements Runtime against a local Docker daemon. Grounded
// on the teacher's DockerCommand: the client construction and SSH-tunneled
// DOCKER_HOST handling are reused near verbatim, since a local emulator
// should work the same way against a remote Docker host; everything past
// client construction is new, targeting the narrow Runtime contract instead
// of docker-compose introspection.
type DockerRuntime struct {
	Log     *logrus.Entry
	Client  *client.Client
	closers []io.Closer
}

// NewDockerRuntime dials the local (or DOCKER_HOST-addressed) Docker daemon.
func NewDockerRuntime(log *logrus.Entry) (*DockerRuntime, error) {
	tunnelCloser, err := handleSSHDockerHost()
	if err != nil {
		return nil, apierr.Wrap(err, apierr.RuntimeError, "tunnel docker host")
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithVersion(APIVersion))
	if err != nil {
		return nil, apierr.Wrap(err, apierr.RuntimeError, "build docker client")
	}

	return &DockerRuntime{
		Log:     log,
		Client:  cli,
		closers: []io.Closer{tunnelCloser},
	}, nil
}

func (d *DockerRuntime) Close() error {
	var firstErr error
	for _, c := range d.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := d.Client.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (d *DockerRuntime) Pull(ctx context.Context, imageRef string) error {
	_, _, err := d.Client.ImageInspectWithRaw(ctx, imageRef)
	if err == nil {
		return nil
	}

	rc, err := d.Client.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return classifyDockerErr(err, "pull image %s", imageRef)
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	if err != nil {
		return apierr.Wrap(err, apierr.RuntimeError, "read pull progress for %s", imageRef)
	}
	return nil
}

func (d *DockerRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	exposedPorts, portBindings := toDockerPorts(spec.Ports)

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.HostPath,
			Target:   m.ContainerPath,
			ReadOnly: m.ReadOnly,
		})
	}

	containerCfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Cmd:          spec.Cmd,
		Entrypoint:   spec.Entrypoint,
		Labels:       spec.Labels,
		ExposedPorts: exposedPorts,
	}
	hostCfg := &container.HostConfig{
		PortBindings: portBindings,
		Mounts:       mounts,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyDisabled,
		},
	}

	resp, err := d.Client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", classifyDockerErr(err, "create container from %s", spec.Image)
	}
	return resp.ID, nil
}

func (d *DockerRuntime) Start(ctx context.Context, cid string) error {
	if err := d.Client.ContainerStart(ctx, cid, container.StartOptions{}); err != nil {
		return classifyDockerErr(err, "start container %s", cid)
	}
	return nil
}

func (d *DockerRuntime) Stop(ctx context.Context, cid string, grace time.Duration) error {
	seconds := int(grace.Seconds())
	if err := d.Client.ContainerStop(ctx, cid, container.StopOptions{Timeout: &seconds}); err != nil {
		return classifyDockerErr(err, "stop container %s", cid)
	}
	return nil
}

func (d *DockerRuntime) Pause(ctx context.Context, cid string) error {
	if err := d.Client.ContainerPause(ctx, cid); err != nil {
		return classifyDockerErr(err, "pause container %s", cid)
	}
	return nil
}

func (d *DockerRuntime) Unpause(ctx context.Context, cid string) error {
	if err := d.Client.ContainerUnpause(ctx, cid); err != nil {
		return classifyDockerErr(err, "unpause container %s", cid)
	}
	return nil
}

func (d *DockerRuntime) Inspect(ctx context.Context, cid string) (*Inspection, error) {
	details, err := d.Client.ContainerInspect(ctx, cid)
	if err != nil {
		return nil, classifyDockerErr(err, "inspect container %s", cid)
	}

	insp := &Inspection{State: dockerState(details)}
	if details.State != nil {
		insp.ExitCode = details.State.ExitCode
	}
	for containerPort, bindings := range details.NetworkSettings.Ports {
		proto := containerPort.Proto()
		portNum := containerPort.Int()
		for _, b := range bindings {
			hostPort := 0
			fmt.Sscanf(b.HostPort, "%d", &hostPort)
			insp.Ports = append(insp.Ports, PublishedPort{
				ContainerPort: portNum,
				Protocol:      proto,
				HostPort:      hostPort,
				HostIP:        b.HostIP,
			})
		}
	}
	return insp, nil
}

func dockerState(details types.ContainerJSON) State {
	if details.State == nil {
		return StateExited
	}
	switch {
	case details.State.Paused:
		return StatePaused
	case details.State.Running:
		return StateRunning
	default:
		return StateExited
	}
}

func (d *DockerRuntime) Remove(ctx context.Context, cid string, force bool) error {
	if err := d.Client.ContainerRemove(ctx, cid, container.RemoveOptions{Force: force}); err != nil {
		return classifyDockerErr(err, "remove container %s", cid)
	}
	return nil
}

func (d *DockerRuntime) Logs(ctx context.Context, cid string, since string) (io.ReadCloser, error) {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Timestamps: true,
	}
	if since != "" {
		opts.Since = since
	}
	rc, err := d.Client.ContainerLogs(ctx, cid, opts)
	if err != nil {
		return nil, classifyDockerErr(err, "stream logs for %s", cid)
	}
	return rc, nil
}

func (d *DockerRuntime) Exec(ctx context.Context, cid string, argv []string, tty bool) (*ExecResult, error) {
	created, err := d.Client.ContainerExecCreate(ctx, cid, container.ExecOptions{
		Cmd:          argv,
		Tty:          tty,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, classifyDockerErr(err, "exec create in %s", cid)
	}

	attach, err := d.Client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: tty})
	if err != nil {
		return nil, classifyDockerErr(err, "exec attach in %s", cid)
	}
	defer attach.Close()

	stdout, err := io.ReadAll(attach.Reader)
	if err != nil {
		return nil, apierr.Wrap(err, apierr.RuntimeError, "read exec output from %s", cid)
	}

	inspect, err := d.Client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, classifyDockerErr(err, "exec inspect in %s", cid)
	}

	return &ExecResult{ExitCode: inspect.ExitCode, Stdout: stdout}, nil
}

func (d *DockerRuntime) FindByLabels(ctx context.Context, labels map[string]string) (string, bool, error) {
	f := filters.NewArgs()
	for k, v := range labels {
		f.Add("label", fmt.Sprintf("%s=%s", k, v))
	}
	containers, err := d.Client.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return "", false, classifyDockerErr(err, "list containers by label")
	}
	if len(containers) == 0 {
		return "", false, nil
	}
	return containers[0].ID, true, nil
}

func toDockerPorts(ports []PortPublish) (map[string]struct{}, map[string][]string) {
	exposed := make(map[string]struct{})
	bindings := make(map[string][]string)
	for _, p := range ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		key := fmt.Sprintf("%d/%s", p.ContainerPort, proto)
		exposed[key] = struct{}{}
		hostPort := ""
		if p.HostPort != 0 {
			hostPort = fmt.Sprintf("%d", p.HostPort)
		}
		bindings[key] = append(bindings[key], hostPort)
	}
	return exposed, bindings
}

func classifyDockerErr(err error, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	switch {
	case client.IsErrNotFound(err):
		return apierr.Wrap(err, apierr.NotFound, "%s", msg)
	case client.IsErrConnectionFailed(err):
		return apierr.Wrap(err, apierr.RuntimeError, "%s: docker daemon unreachable", msg)
	default:
		return apierr.Wrap(err, apierr.RuntimeError, "%s", msg)
	}
}

// handleSSHDockerHost overrides DOCKER_HOST to point at a local unix socket
// tunneled over SSH, when DOCKER_HOST uses the ssh:// scheme. Copied near
// verbatim from the teacher: Minifly is just as likely to be pointed at a
// remote Docker host over SSH as lazydocker was.
func handleSSHDockerHost() (io.Closer, error) {
	const key = "DOCKER_HOST"
	ctx := context.Background()
	u, err := url.Parse(os.Getenv(key))
	if err != nil {
		return noopCloser{}, nil
	}

	if u.Scheme == "ssh" {
		tunnel, err := createDockerHostTunnel(ctx, u.Host)
		if err != nil {
			return noopCloser{}, fmt.Errorf("tunnel ssh docker host: %w", err)
		}
		if err := os.Setenv(key, tunnel.SocketPath); err != nil {
			return noopCloser{}, fmt.Errorf("override DOCKER_HOST to tunneled socket: %w", err)
		}
		return tunnel, nil
	}
	return noopCloser{}, nil
}

type noopCloser struct{}

func (noopCloser) Close() error { return nil }

// TunneledDockerHost is the live SSH tunnel process behind a DOCKER_HOST=ssh://...
type TunneledDockerHost struct {
	SocketPath string
	cmd        *exec.Cmd
}

var _ io.Closer = (*TunneledDockerHost)(nil)

func (t *TunneledDockerHost) Close() error {
	return syscall.Kill(-t.cmd.Process.Pid, syscall.SIGKILL)
}

func createDockerHostTunnel(ctx context.Context, remoteHost string) (*TunneledDockerHost, error) {
	socketDir, err := os.MkdirTemp("", "minifly-sshtunnel-")
	if err != nil {
		return nil, fmt.Errorf("create ssh tunnel tmp dir: %w", err)
	}
	localSocket := path.Join(socketDir, "dockerhost.sock")

	cmd, err := tunnelSSH(ctx, remoteHost, localSocket)
	if err != nil {
		return nil, fmt.Errorf("tunnel docker host over ssh: %w", err)
	}

	const socketTunnelTimeout = 8 * time.Second
	ctx, cancel := context.WithTimeout(ctx, socketTunnelTimeout)
	defer cancel()

	if err := retrySocketDial(ctx, localSocket); err != nil {
		return nil, fmt.Errorf("ssh tunneled socket never became available: %w", err)
	}

	newDockerHostURL := url.URL{Scheme: "unix", Path: localSocket}
	return &TunneledDockerHost{SocketPath: newDockerHostURL.String(), cmd: cmd}, nil
}

func retrySocketDial(ctx context.Context, socketPath string) error {
	t := time.NewTicker(1 * time.Second)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		if err := tryDial(ctx, socketPath); err != nil {
			continue
		}
		return nil
	}
}

func tryDial(ctx context.Context, socketPath string) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return err
	}
	return conn.Close()
}

func tunnelSSH(ctx context.Context, host, localSocket string) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, "ssh", "-L", localSocket+":/var/run/docker.sock", host, "-N")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}
