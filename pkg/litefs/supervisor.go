// Package litefs is the replicated-SQLite supervisor (C7): for each machine
// that declares use of replicated SQLite it materializes the adapted
// config, launches the replicated-SQLite binary as a child process bound to
// the machine's lifetime, and restarts it within a bounded budget. The
// child's stdout is exposed on the Supervisor's Lines channel and its stderr
// is kept for the exit error; neither is written into the machine's log
// stream.
//
// Grounded on the teacher's pkg/commands/os.go OSCommand: the injectable
// command-builder field (for substituting a fake binary in tests), the
// jesseduffield/kill process-group termination, and the sanitized-output
// handling on a failed exit are all reused in spirit, narrowed down from a
// general subprocess runner to one whose whole job is supervising a single
// long-lived child.
package litefs

import (
	"bytes"
	"context"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/jesseduffield/kill"
	"github.com/sirupsen/logrus"

	"github.com/NoHeadDotDev/minifly/pkg/apierr"
)

// LogLine is one chunk read from the child's stdout (up to 4096 bytes; not
// split on line boundaries). Chunks are dropped while Lines is full.
type LogLine struct {
	Time time.Time
	Data string
}

// Supervisor owns one replicated-SQLite child process for one machine.
type Supervisor struct {
	MachineID     string
	BinaryPath    string
	ConfigPath    string
	MaxRestarts   int
	RestartWindow time.Duration
	StopGrace     time.Duration
	Log           *logrus.Entry

	// command builds the *exec.Cmd to run; overridable in tests the same
	// way the teacher's OSCommand.command field is.
	command func(name string, args ...string) *exec.Cmd

	// OnExceeded, if set, is called once when the restart budget is
	// exhausted (§4.7: "marks the machine failed"). runLoop calls it from
	// its own goroutine, separate from Start's caller, just before runLoop
	// returns.
	OnExceeded func()

	mu           sync.Mutex
	cmd          *exec.Cmd
	restarts     []time.Time
	stopped      bool
	Lines        chan LogLine
	degraded     bool
	degradedNote string
}

// New returns a Supervisor ready to Start. If binaryPath cannot be resolved
// on $PATH, Start degrades to a warning instead of failing (§4.7 "missing
// binary").
func New(machineID, binaryPath, configPath string, maxRestarts int, restartWindow, stopGrace time.Duration, log *logrus.Entry) *Supervisor {
	return &Supervisor{
		MachineID:     machineID,
		BinaryPath:    binaryPath,
		ConfigPath:    configPath,
		MaxRestarts:   maxRestarts,
		RestartWindow: restartWindow,
		StopGrace:     stopGrace,
		Log:           log,
		command:       exec.Command,
		Lines:         make(chan LogLine, 256),
	}
}

// Degraded reports whether the binary could not be found or exec'd, and
// why; the caller still starts the machine's container in this case.
func (s *Supervisor) Degraded() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded, s.degradedNote
}

// Start launches the child in a background supervision loop and returns
// nil. The loop runs until ctx is canceled, Stop is called, or the restart
// budget is exhausted (in which case it logs a SupervisorError and calls
// OnExceeded).
func (s *Supervisor) Start(ctx context.Context) error {
	if _, err := exec.LookPath(s.BinaryPath); err != nil {
		s.mu.Lock()
		s.degraded = true
		s.degradedNote = "replicated-SQLite binary not found: " + err.Error()
		s.mu.Unlock()
		s.Log.WithField("machine", s.MachineID).Warn(s.degradedNote)
		return nil
	}

	go s.runLoop(ctx)
	return nil
}

func (s *Supervisor) runLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if err := s.runOnce(ctx); err != nil {
			s.Log.WithField("machine", s.MachineID).WithError(err).Warn("litefs: child exited")
		}

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		s.restarts = append(s.restarts, time.Now())
		s.trimRestarts()
		exceeded := len(s.restarts) > s.MaxRestarts
		s.mu.Unlock()

		if exceeded {
			s.Log.WithField("machine", s.MachineID).Error(apierr.New(apierr.SupervisorError,
				"litefs restarted more than %d times within %s", s.MaxRestarts, s.RestartWindow))
			if s.OnExceeded != nil {
				s.OnExceeded()
			}
			return
		}
	}
}

func (s *Supervisor) trimRestarts() {
	cutoff := time.Now().Add(-s.RestartWindow)
	kept := s.restarts[:0]
	for _, t := range s.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restarts = kept
}

func (s *Supervisor) runOnce(ctx context.Context) error {
	cmd := s.command(s.BinaryPath, "mount", "-config", s.ConfigPath)
	kill.PrepareForChildren(cmd)

	var stderr bytes.Buffer
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = &stderr

	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()

	if err := cmd.Start(); err != nil {
		return err
	}

	go s.forwardLines(stdout)

	err = cmd.Wait()
	if err != nil {
		return apierr.Wrap(err, apierr.SupervisorError, "litefs exited: %s", sanitize(stderr.String()))
	}
	return nil
}

func (s *Supervisor) forwardLines(r interface{ Read([]byte) (int, error) }) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case s.Lines <- LogLine{Time: time.Now(), Data: string(buf[:n])}:
			default:
			}
		}
		if err != nil {
			return
		}
	}
}

func sanitize(output string) string {
	if output == "" {
		return "(no output)"
	}
	return output
}

// Stop sends the child SIGTERM and waits up to StopGrace for it to exit,
// then kills its process group.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	s.stopped = true
	cmd := s.cmd
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(s.StopGrace):
		return kill.Kill(cmd)
	}
}
