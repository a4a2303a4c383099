// Package config persists the gateway's device-level settings across
// reboots: gateway id, serial port path, preferred route, and any
// operator override of the backend base URL. Load/save follows the
// teacher's atomic YAML write pattern.
package config

import (
	"crypto/rand"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	prodConfigDir  = "/var/lib/taptransit-gateway"
	configFileName = "config.yaml"
)

// DeviceConfig is the subset of gateway settings that survives a
// reboot without a fresh backend sync.
type DeviceConfig struct {
	GatewayID        string `yaml:"gateway_id"`
	SerialPort       string `yaml:"serial_port,omitempty"`
	RouteID          uint16 `yaml:"route_id,omitempty"`
	BackendOverride  string `yaml:"backend_override,omitempty"`
}

var (
	cfg     DeviceConfig
	cfgOnce sync.Once
	cfgMu   sync.RWMutex
)

// Init loads the persisted config exactly once per process, generating
// a gateway id if none is on disk yet. Safe to call from multiple
// goroutines; only the first call does any I/O.
func Init() {
	cfgOnce.Do(func() {
		if err := loadConfig(); err != nil {
			log.Printf("config: failed to load, using generated values: %v", err)
		}
	})
}

// Get returns a copy of the current device config.
func Get() DeviceConfig {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg
}

// SetRoute persists the operator's chosen default route id.
func SetRoute(routeID uint16) error {
	cfgMu.Lock()
	defer cfgMu.Unlock()
	cfg.RouteID = routeID
	return saveConfigLocked(getConfigPath())
}

// SetBackendOverride persists an operator-supplied backend base URL
// override, or clears it when url is empty.
func SetBackendOverride(url string) error {
	cfgMu.Lock()
	defer cfgMu.Unlock()
	cfg.BackendOverride = url
	return saveConfigLocked(getConfigPath())
}

func getConfigPath() string {
	if dir := os.Getenv("TAPTRANSIT_CONFIG_DIR"); dir != "" {
		return filepath.Join(dir, configFileName)
	}
	if info, err := os.Stat(prodConfigDir); err == nil && info.IsDir() {
		testFile := filepath.Join(prodConfigDir, ".write_test")
		if f, err := os.Create(testFile); err == nil {
			f.Close()
			os.Remove(testFile)
			return filepath.Join(prodConfigDir, configFileName)
		}
	}
	return filepath.Join("tmp", configFileName)
}

func generateGatewayID() (string, error) {
	uuid := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, uuid); err != nil {
		return "", err
	}
	uuid[6] = (uuid[6] & 0x0f) | 0x40
	uuid[8] = (uuid[8] & 0x3f) | 0x80
	return fmt.Sprintf("gw-%08x-%04x-%04x-%04x-%012x",
		uuid[0:4], uuid[4:6], uuid[6:8], uuid[8:10], uuid[10:16]), nil
}

func loadConfig() error {
	cfgMu.Lock()
	defer cfgMu.Unlock()

	path := getConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return createDefaultConfig(path)
		}
		return err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return err
	}

	if cfg.GatewayID == "" {
		id, err := generateGatewayID()
		if err != nil {
			return err
		}
		cfg.GatewayID = id
		return saveConfigLocked(path)
	}
	return nil
}

func createDefaultConfig(path string) error {
	id, err := generateGatewayID()
	if err != nil {
		return err
	}
	cfg.GatewayID = id
	return saveConfigLocked(path)
}

func saveConfigLocked(path string) error {
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
