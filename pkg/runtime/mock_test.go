package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMockImplementsInterface(t *testing.T) {
	var _ Runtime = (*Mock)(nil)
}

func TestMockCreate(t *testing.T) {
	mock := &Mock{}
	ctx := context.Background()

	t.Run("returns error when not implemented", func(t *testing.T) {
		cid, err := mock.Create(ctx, ContainerSpec{Image: "alpine"})
		assert.Empty(t, cid)
		assert.Equal(t, ErrMockNotImplemented, err)
	})

	t.Run("returns custom result when function set", func(t *testing.T) {
		mock.CreateFunc = func(ctx context.Context, spec ContainerSpec) (string, error) {
			assert.Equal(t, "alpine", spec.Image)
			return "container-1", nil
		}

		cid, err := mock.Create(ctx, ContainerSpec{Image: "alpine"})
		assert.NoError(t, err)
		assert.Equal(t, "container-1", cid)
	})

	t.Run("returns custom error when function set", func(t *testing.T) {
		customErr := errors.New("image not found")
		mock.CreateFunc = func(ctx context.Context, spec ContainerSpec) (string, error) {
			return "", customErr
		}

		_, err := mock.Create(ctx, ContainerSpec{Image: "missing"})
		assert.Equal(t, customErr, err)
	})
}

func TestMockStopRecordsGrace(t *testing.T) {
	mock := &Mock{}
	var gotGrace time.Duration
	mock.StopFunc = func(ctx context.Context, cid string, grace time.Duration) error {
		gotGrace = grace
		return nil
	}

	err := mock.Stop(context.Background(), "container-1", 5*time.Second)
	assert.NoError(t, err)
	assert.Equal(t, 5*time.Second, gotGrace)
	assert.True(t, mock.WasCalled("Stop"))
	assert.Equal(t, 1, mock.CallCount("Stop"))
}

func TestMockFindByLabelsDefaultsToNotFound(t *testing.T) {
	mock := &Mock{}

	cid, found, err := mock.FindByLabels(context.Background(), map[string]string{"minifly.machine": "abc"})
	assert.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, cid)
}

func TestMockCloseDefaultsToNoError(t *testing.T) {
	mock := &Mock{}
	assert.NoError(t, mock.Close())
	assert.True(t, mock.WasCalled("Close"))
}
