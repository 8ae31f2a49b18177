package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NoHeadDotDev/minifly/pkg/config"
	"github.com/NoHeadDotDev/minifly/pkg/dns"
	"github.com/NoHeadDotDev/minifly/pkg/machine"
	"github.com/NoHeadDotDev/minifly/pkg/runtime"
	"github.com/NoHeadDotDev/minifly/pkg/store"
)

func testServer(t *testing.T) (*Server, *runtime.Mock) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "minifly.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mockRT := &runtime.Mock{}
	registry := dns.New()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	cfg := &config.Config{
		Dev:      true,
		DataRoot: t.TempDir(),
		UserConfig: &config.UserConfig{
			Server: config.ServerConfig{RequestTimeout: 5 * time.Second, SSEHeartbeat: time.Second},
		},
	}
	cfg.UserConfig.Lease.DefaultTTL = time.Minute
	cfg.UserConfig.LiteFS.BinaryPath = "minifly-litefs-test-binary-not-present"
	cfg.UserConfig.LiteFS.MaxRestarts = 3
	cfg.UserConfig.LiteFS.RestartWindow = time.Minute
	cfg.UserConfig.LiteFS.StopGrace = time.Second

	mgr := machine.New(st, mockRT, registry, cfg, logrus.NewEntry(log))
	srv := New(mgr, st, registry, cfg, logrus.NewEntry(log))
	return srv, mockRT
}

func mockHappyPathRuntime(rt *runtime.Mock) {
	rt.FindByLabelsFunc = func(ctx context.Context, labels map[string]string) (string, bool, error) { return "", false, nil }
	rt.CreateFunc = func(ctx context.Context, spec runtime.ContainerSpec) (string, error) { return "cid-1", nil }
	rt.PullFunc = func(ctx context.Context, imageRef string) error { return nil }
	rt.StartFunc = func(ctx context.Context, cid string) error { return nil }
	rt.StopFunc = func(ctx context.Context, cid string, grace time.Duration) error { return nil }
	rt.InspectFunc = func(ctx context.Context, cid string) (*runtime.Inspection, error) {
		return &runtime.Inspection{State: runtime.StateRunning}, nil
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := testServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateAppAndGetApp(t *testing.T) {
	srv, _ := testServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, _ := json.Marshal(map[string]string{"app_name": "demo", "org_slug": "personal"})
	resp, err := http.Post(ts.URL+"/v1/apps", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp2, err := http.Get(ts.URL + "/v1/apps/demo")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	var got appResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&got))
	assert.Equal(t, "demo", got.Name)
	assert.Equal(t, 0, got.MachineCount)
}

func TestCreateMachineStartsItAndReturnsStarted(t *testing.T) {
	srv, rt := testServer(t)
	mockHappyPathRuntime(rt)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	appBody, _ := json.Marshal(map[string]string{"app_name": "demo"})
	resp, err := http.Post(ts.URL+"/v1/apps", "application/json", bytes.NewReader(appBody))
	require.NoError(t, err)
	resp.Body.Close()

	machBody, _ := json.Marshal(createMachineRequest{Name: "web", Config: machine.Config{Image: "nginx:latest"}})
	resp2, err := http.Post(ts.URL+"/v1/apps/demo/machines", "application/json", bytes.NewReader(machBody))
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusCreated, resp2.StatusCode)

	var got machineResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&got))
	assert.Equal(t, "started", got.State)
	assert.Equal(t, "nginx:latest", got.Config.Image)
}

func TestGetUnknownMachineReturnsNotFound(t *testing.T) {
	srv, _ := testServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/apps/demo/machines/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "not_found", body.ErrorKind)
}

func TestStopMachineWithoutLeaseReturnsConflict(t *testing.T) {
	srv, rt := testServer(t)
	mockHappyPathRuntime(rt)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	appBody, _ := json.Marshal(map[string]string{"app_name": "demo"})
	resp, err := http.Post(ts.URL+"/v1/apps", "application/json", bytes.NewReader(appBody))
	require.NoError(t, err)
	resp.Body.Close()

	machBody, _ := json.Marshal(createMachineRequest{Name: "web", Config: machine.Config{Image: "nginx:latest"}})
	resp2, err := http.Post(ts.URL+"/v1/apps/demo/machines", "application/json", bytes.NewReader(machBody))
	require.NoError(t, err)
	var created machineResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&created))
	resp2.Body.Close()

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/apps/demo/machines/"+created.ID+"/stop", nil)
	require.NoError(t, err)
	resp3, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusConflict, resp3.StatusCode)
}

func TestCreateVolumeListAndDelete(t *testing.T) {
	srv, _ := testServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	appBody, _ := json.Marshal(map[string]string{"app_name": "demo"})
	resp, err := http.Post(ts.URL+"/v1/apps", "application/json", bytes.NewReader(appBody))
	require.NoError(t, err)
	resp.Body.Close()

	volBody, _ := json.Marshal(createVolumeRequest{Name: "data", SizeGB: 10})
	resp2, err := http.Post(ts.URL+"/v1/apps/demo/volumes", "application/json", bytes.NewReader(volBody))
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusCreated, resp2.StatusCode)

	var v volumeResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&v))
	assert.Equal(t, "data", v.Name)

	respList, err := http.Get(ts.URL + "/v1/apps/demo/volumes")
	require.NoError(t, err)
	defer respList.Body.Close()
	require.Equal(t, http.StatusOK, respList.StatusCode)
	var listed []volumeResponse
	require.NoError(t, json.NewDecoder(respList.Body).Decode(&listed))
	require.Len(t, listed, 1)
	assert.Equal(t, v.ID, listed[0].ID)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/apps/demo/volumes/"+v.ID, nil)
	require.NoError(t, err)
	resp3, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusOK, resp3.StatusCode)
}

func TestAuthMiddlewareRejectsMissingBearerTokenOutsideDevMode(t *testing.T) {
	srv, _ := testServer(t)
	srv.Cfg.Dev = false
	srv.Cfg.UserConfig.Server.AuthToken = "secret"
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/apps")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCorrelationIDEchoedOnResponse(t *testing.T) {
	srv, _ := testServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set(correlationHeader, "test-correlation-id")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "test-correlation-id", resp.Header.Get(correlationHeader))
	assert.Equal(t, "local", resp.Header.Get("X-Minifly-Region"))
}
