package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetForTest(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("TAPTRANSIT_CONFIG_DIR", dir)
	cfgOnce = sync.Once{}
	cfg = DeviceConfig{}
}

func TestLoadConfigGeneratesGatewayIDOnFirstRun(t *testing.T) {
	resetForTest(t)
	Init()
	id := Get().GatewayID
	assert.NotEmpty(t, id)

	data, err := os.ReadFile(filepath.Join(os.Getenv("TAPTRANSIT_CONFIG_DIR"), configFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), id)
}

func TestSetRoutePersistsAcrossReload(t *testing.T) {
	resetForTest(t)
	Init()
	require.NoError(t, SetRoute(42))
	assert.Equal(t, uint16(42), Get().RouteID)

	cfgOnce = sync.Once{}
	cfg = DeviceConfig{}
	Init()
	assert.Equal(t, uint16(42), Get().RouteID)
}

func TestSetBackendOverride(t *testing.T) {
	resetForTest(t)
	Init()
	require.NoError(t, SetBackendOverride("http://example.test"))
	assert.Equal(t, "http://example.test", Get().BackendOverride)
}
