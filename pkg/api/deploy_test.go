package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAppManifest = `
app = "demo"
primary_region = "iad"

[env]
FOO = "bar"

[[services]]
internal_port = 8080
protocol = "tcp"

[[services.ports]]
port = 80
handlers = ["http"]

[[services.tcp_checks]]
interval = "10s"
timeout = "2s"
restart_limit = 3
`

func TestDeployManifestCreatesAndStartsOneMachinePerProcessGroup(t *testing.T) {
	srv, rt := testServer(t)
	mockHappyPathRuntime(rt)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	appBody, _ := json.Marshal(map[string]string{"app_name": "demo"})
	resp, err := http.Post(ts.URL+"/v1/apps", "application/json", bytes.NewReader(appBody))
	require.NoError(t, err)
	resp.Body.Close()

	deployBody, _ := json.Marshal(deployRequest{
		AppManifest: testAppManifest,
		Image:       "nginx:latest",
	})
	resp2, err := http.Post(ts.URL+"/v1/apps/demo/deploy", "application/json", bytes.NewReader(deployBody))
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusCreated, resp2.StatusCode)

	var got deployResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&got))
	require.Len(t, got.Machines, 1)
	assert.Equal(t, "app", got.Machines[0].ProcessGroup)
	assert.Equal(t, "started", got.Machines[0].State)
	assert.Contains(t, got.Warnings[0], "primary_region")

	machResp, err := http.Get(ts.URL + "/v1/apps/demo/machines/" + got.Machines[0].MachineID)
	require.NoError(t, err)
	defer machResp.Body.Close()
	require.Equal(t, http.StatusOK, machResp.StatusCode)

	var mach machineResponse
	require.NoError(t, json.NewDecoder(machResp.Body).Decode(&mach))
	assert.Equal(t, "nginx:latest", mach.Config.Image)
	assert.Equal(t, 8080, mach.Config.Services[0].InternalPort)
	require.Len(t, mach.Config.Checks, 1)
	assert.Equal(t, "tcp", mach.Config.Checks[0].Type)
	assert.Equal(t, 3, mach.Config.Checks[0].RestartLimit)
}

func TestDeployManifestRejectsMissingImage(t *testing.T) {
	srv, _ := testServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	appBody, _ := json.Marshal(map[string]string{"app_name": "demo"})
	resp, err := http.Post(ts.URL+"/v1/apps", "application/json", bytes.NewReader(appBody))
	require.NoError(t, err)
	resp.Body.Close()

	deployBody, _ := json.Marshal(deployRequest{AppManifest: testAppManifest})
	resp2, err := http.Post(ts.URL+"/v1/apps/demo/deploy", "application/json", bytes.NewReader(deployBody))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp2.StatusCode)
}
