package runtime

import (
	"context"
	"errors"
	"io"
	"time"
)

// Mock implements Runtime for testing purposes. Each method can be
// customized by setting the corresponding function field; if unset, the
// method returns ErrMockNotImplemented, except Pull and Close (which return
// nil) and FindByLabels (which reports not found). Grounded on the teacher's
// runtime_mock.go (function-field-per-method plus a call log).
type Mock struct {
	PullFunc         func(ctx context.Context, imageRef string) error
	CreateFunc       func(ctx context.Context, spec ContainerSpec) (string, error)
	StartFunc        func(ctx context.Context, cid string) error
	StopFunc         func(ctx context.Context, cid string, grace time.Duration) error
	PauseFunc        func(ctx context.Context, cid string) error
	UnpauseFunc      func(ctx context.Context, cid string) error
	InspectFunc      func(ctx context.Context, cid string) (*Inspection, error)
	RemoveFunc       func(ctx context.Context, cid string, force bool) error
	LogsFunc         func(ctx context.Context, cid string, since string) (io.ReadCloser, error)
	ExecFunc         func(ctx context.Context, cid string, argv []string, tty bool) (*ExecResult, error)
	FindByLabelsFunc func(ctx context.Context, labels map[string]string) (string, bool, error)
	CloseFunc        func() error

	// Calls records every method invocation for assertions in tests.
	Calls []MockCall
}

// MockCall records a single method invocation.
type MockCall struct {
	Method string
	Args   []interface{}
}

// ErrMockNotImplemented is returned when a mock function is not set.
var ErrMockNotImplemented = errors.New("mock function not implemented")

func (m *Mock) recordCall(method string, args ...interface{}) {
	m.Calls = append(m.Calls, MockCall{Method: method, Args: args})
}

func (m *Mock) Pull(ctx context.Context, imageRef string) error {
	m.recordCall("Pull", imageRef)
	if m.PullFunc != nil {
		return m.PullFunc(ctx, imageRef)
	}
	return nil
}

func (m *Mock) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	m.recordCall("Create", spec)
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, spec)
	}
	return "", ErrMockNotImplemented
}

func (m *Mock) Start(ctx context.Context, cid string) error {
	m.recordCall("Start", cid)
	if m.StartFunc != nil {
		return m.StartFunc(ctx, cid)
	}
	return ErrMockNotImplemented
}

func (m *Mock) Stop(ctx context.Context, cid string, grace time.Duration) error {
	m.recordCall("Stop", cid, grace)
	if m.StopFunc != nil {
		return m.StopFunc(ctx, cid, grace)
	}
	return ErrMockNotImplemented
}

func (m *Mock) Pause(ctx context.Context, cid string) error {
	m.recordCall("Pause", cid)
	if m.PauseFunc != nil {
		return m.PauseFunc(ctx, cid)
	}
	return ErrMockNotImplemented
}

func (m *Mock) Unpause(ctx context.Context, cid string) error {
	m.recordCall("Unpause", cid)
	if m.UnpauseFunc != nil {
		return m.UnpauseFunc(ctx, cid)
	}
	return ErrMockNotImplemented
}

func (m *Mock) Inspect(ctx context.Context, cid string) (*Inspection, error) {
	m.recordCall("Inspect", cid)
	if m.InspectFunc != nil {
		return m.InspectFunc(ctx, cid)
	}
	return nil, ErrMockNotImplemented
}

func (m *Mock) Remove(ctx context.Context, cid string, force bool) error {
	m.recordCall("Remove", cid, force)
	if m.RemoveFunc != nil {
		return m.RemoveFunc(ctx, cid, force)
	}
	return ErrMockNotImplemented
}

func (m *Mock) Logs(ctx context.Context, cid string, since string) (io.ReadCloser, error) {
	m.recordCall("Logs", cid, since)
	if m.LogsFunc != nil {
		return m.LogsFunc(ctx, cid, since)
	}
	return nil, ErrMockNotImplemented
}

func (m *Mock) Exec(ctx context.Context, cid string, argv []string, tty bool) (*ExecResult, error) {
	m.recordCall("Exec", cid, argv, tty)
	if m.ExecFunc != nil {
		return m.ExecFunc(ctx, cid, argv, tty)
	}
	return nil, ErrMockNotImplemented
}

func (m *Mock) FindByLabels(ctx context.Context, labels map[string]string) (string, bool, error) {
	m.recordCall("FindByLabels", labels)
	if m.FindByLabelsFunc != nil {
		return m.FindByLabelsFunc(ctx, labels)
	}
	return "", false, nil
}

func (m *Mock) Close() error {
	m.recordCall("Close")
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

// CallCount returns the number of times method was called.
func (m *Mock) CallCount(method string) int {
	count := 0
	for _, c := range m.Calls {
		if c.Method == method {
			count++
		}
	}
	return count
}

// WasCalled reports whether method was called at least once.
func (m *Mock) WasCalled(method string) bool {
	return m.CallCount(method) > 0
}

// Verify Mock satisfies Runtime at compile time.
var _ Runtime = (*Mock)(nil)
