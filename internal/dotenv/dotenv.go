// Package dotenv loads build-time gateway configuration (Wi-Fi
// credentials, backend base URL, default route id) from a dotenv-style
// file, generalized from a single-key lookup into a whole-file loader.
package dotenv

import (
	"bufio"
	"os"
	"strings"
)

// Load reads every KEY=VALUE line out of path into a map. Blank lines
// and `#`-prefixed comments are skipped; a leading `export ` is
// stripped from the key; surrounding whitespace and any leading or
// trailing double or single quote characters are trimmed from the value
// (the quotes need not form a matching pair). A missing file returns an
// empty map, not an error, since every variable the gateway needs has
// a sensible runtime fallback.
func Load(path string) map[string]string {
	out := make(map[string]string)

	file, err := os.Open(path)
	if err != nil {
		return out
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		value = strings.Trim(value, "\"'")
		if key != "" {
			out[key] = value
		}
	}
	return out
}

// Required variable names this gateway reads from the dotenv file.
const (
	WifiSSID        = "WIFI_SSID"
	WifiPass        = "WIFI_PASS"
	BackendBaseURL  = "BACKEND_BASE_URL"
	DefaultRouteID  = "DEFAULT_ROUTE_ID"
)
