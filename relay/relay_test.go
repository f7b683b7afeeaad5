package relay

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"baatcheet/config"
	"baatcheet/models"

	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, dataDir string) *config.RelayConfig {
	t.Helper()
	t.Setenv("BAATCHEET_CONFIG", "")
	t.Setenv("BAATCHEET_DATA_DIR", dataDir)

	cfg, err := config.LoadRelay("")
	require.NoError(t, err)
	cfg.Server.ListenAddress = "127.0.0.1:0"
	cfg.Logging.Disable = true
	return cfg
}

func TestRelayServesAndShutsDown(t *testing.T) {
	dataDir := t.TempDir()
	r, err := New(testConfig(t, dataDir))
	require.NoError(t, err)

	resp, err := http.Get(r.BaseURL() + "/health")
	require.NoError(t, err)
	var body map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, body["ok"])

	resp, err = http.Get(r.BaseURL() + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Equal(t, filepath.Join(dataDir, "relay.db"), r.DatabasePath())
	require.FileExists(t, filepath.Join(dataDir, "jwt.secret"))

	r.Shutdown()
	r.Shutdown()
	r.Wait()
	require.NoError(t, r.Err())

	_, err = http.Get(r.BaseURL() + "/health")
	require.Error(t, err)
}

func TestRelayIDIsStable(t *testing.T) {
	dataDir := t.TempDir()

	first, err := New(testConfig(t, dataDir))
	require.NoError(t, err)
	id := first.RelayID()
	first.Shutdown()
	first.Wait()

	second, err := New(testConfig(t, dataDir))
	require.NoError(t, err)
	defer second.Shutdown()
	require.Equal(t, id, second.RelayID())
}

func TestRelayMediaDisabledByDefault(t *testing.T) {
	r, err := New(testConfig(t, t.TempDir()))
	require.NoError(t, err)
	defer r.Shutdown()

	resp, err := http.Post(r.BaseURL()+"/api/users/register", "application/json",
		strings.NewReader(`{"username":"mira","password":"correct horse battery"}`))
	require.NoError(t, err)
	var auth models.AuthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&auth))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, r.BaseURL()+"/api/media/download-url?fileKey=uploads/x.png", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+auth.Token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRelayRejectsCorruptRelayID(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, relayIDFileName), []byte("not-a-uuid"), 0o600))

	_, err := New(testConfig(t, dataDir))
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "corrupt relay id"))
}

func TestRelayFailsOnBusyAddress(t *testing.T) {
	first, err := New(testConfig(t, t.TempDir()))
	require.NoError(t, err)
	defer first.Shutdown()

	cfg := testConfig(t, t.TempDir())
	cfg.Server.ListenAddress = first.Addr().String()
	_, err = New(cfg)
	require.Error(t, err)
}
