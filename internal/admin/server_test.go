package admin_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/admin"
	"github.com/atlas-desktop/trading-backend/internal/regime"
	"github.com/atlas-desktop/trading-backend/internal/safety"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func newTestFabric(t *testing.T) *safety.Fabric {
	t.Helper()
	dir := t.TempDir()
	logger := zap.NewNop()
	fabric := safety.New(logger, safety.Config{}, filepath.Join(dir, "killswitch.flag"),
		filepath.Join(dir, "audit.log"), filepath.Join(dir, "instance.lock"), safety.DefaultBreakerConfig())
	require.NoError(t, fabric.Start())
	t.Cleanup(func() { fabric.Stop() })
	return fabric
}

func TestHandleHealthz(t *testing.T) {
	fabric := newTestFabric(t)
	server := admin.NewServer(zap.NewNop(), ":0", fabric, regime.New(zap.NewNop(), regime.DefaultConfig()), admin.NewMetrics())
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleStatusReportsKillSwitch(t *testing.T) {
	fabric := newTestFabric(t)
	require.NoError(t, fabric.KillSwitch().Activate("test", time.Now()))

	server := admin.NewServer(zap.NewNop(), ":0", fabric, regime.New(zap.NewNop(), regime.DefaultConfig()), admin.NewMetrics())
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var state types.SafetyState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	assert.True(t, state.KillSwitchOn)
}

func TestHandleRegimeServesStats(t *testing.T) {
	fabric := newTestFabric(t)
	reg := regime.New(zap.NewNop(), regime.DefaultConfig())

	server := admin.NewServer(zap.NewNop(), ":0", fabric, reg, admin.NewMetrics())
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/regime")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats regime.RegimeStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	fabric := newTestFabric(t)
	metrics := admin.NewMetrics()
	metrics.IncCandle()

	server := admin.NewServer(zap.NewNop(), ":0", fabric, regime.New(zap.NewNop(), regime.DefaultConfig()), metrics)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
