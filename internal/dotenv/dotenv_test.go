package dotenv

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadParsesAndTrims(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\n" +
		"\n" +
		"export WIFI_SSID=\"my network\"\n" +
		"WIFI_PASS = 'hunter2'\n" +
		"BACKEND_BASE_URL=http://10.0.0.1:8080\n" +
		"DEFAULT_ROUTE_ID=7\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	vals := Load(path)
	assert.Equal(t, "my network", vals[WifiSSID])
	assert.Equal(t, "hunter2", vals[WifiPass])
	assert.Equal(t, "http://10.0.0.1:8080", vals[BackendBaseURL])
	assert.Equal(t, "7", vals[DefaultRouteID])
}

func TestLoadMissingFileReturnsEmptyMap(t *testing.T) {
	vals := Load(filepath.Join(t.TempDir(), "nope.env"))
	assert.Empty(t, vals)
}
