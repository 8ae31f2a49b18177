package litefs

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

func TestStartDegradesWhenBinaryMissing(t *testing.T) {
	s := New("m1", "minifly-litefs-binary-that-does-not-exist", "/tmp/x.yml", 3, time.Minute, time.Second, testLog())

	err := s.Start(context.Background())
	require.NoError(t, err)

	degraded, note := s.Degraded()
	assert.True(t, degraded)
	assert.Contains(t, note, "not found")
}

func TestRunOnceForwardsStdoutLines(t *testing.T) {
	s := New("m1", "echo", "/tmp/x.yml", 3, time.Minute, time.Second, testLog())
	s.command = func(name string, args ...string) *exec.Cmd {
		return exec.Command("printf", "hello\\n")
	}

	err := s.runOnce(context.Background())
	require.NoError(t, err)

	select {
	case line := <-s.Lines:
		assert.Contains(t, line.Data, "hello")
	case <-time.After(time.Second):
		t.Fatal("expected a forwarded log line")
	}
}

func TestRunOnceReturnsSupervisorErrorOnNonZeroExit(t *testing.T) {
	s := New("m1", "false", "/tmp/x.yml", 3, time.Minute, time.Second, testLog())
	s.command = func(name string, args ...string) *exec.Cmd {
		return exec.Command("sh", "-c", "echo boom 1>&2; exit 1")
	}

	err := s.runOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestTrimRestartsDropsEntriesOutsideWindow(t *testing.T) {
	s := New("m1", "true", "/tmp/x.yml", 3, 10*time.Millisecond, time.Second, testLog())
	s.restarts = []time.Time{time.Now().Add(-time.Hour)}
	s.trimRestarts()
	assert.Empty(t, s.restarts)
}

func TestStopWithNoProcessIsNoop(t *testing.T) {
	s := New("m1", "true", "/tmp/x.yml", 3, time.Minute, time.Second, testLog())
	assert.NoError(t, s.Stop())
}

func TestRunLoopCallsOnExceededAfterRestartBudgetExhausted(t *testing.T) {
	s := New("m1", "false", "/tmp/x.yml", 2, time.Minute, time.Second, testLog())
	s.command = func(name string, args ...string) *exec.Cmd {
		return exec.Command("sh", "-c", "exit 1")
	}

	called := make(chan struct{})
	s.OnExceeded = func() { close(called) }

	go s.runLoop(context.Background())

	select {
	case <-called:
	case <-time.After(5 * time.Second):
		t.Fatal("expected OnExceeded to be called once the restart budget was exhausted")
	}
}
