package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "peerchat"
	// DefaultGatewayPort serves the local UI when no override exists.
	DefaultGatewayPort = 8800
	// StoreModeLocal keeps all documents in the embedded SQLite store.
	StoreModeLocal = "local"
	// StoreModeRemote proxies the document store over a WebSocket gateway.
	StoreModeRemote = "remote"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	UserID           string `json:"user_id"`
	Username         string `json:"username"`
	Email            string `json:"email"`
	GatewayPort      int    `json:"gateway_port"`
	StoreMode        string `json:"store_mode"`
	RemoteStoreURL   string `json:"remote_store_url"`
	DiscoveryEnabled bool   `json:"discovery_enabled"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If PEERCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("PEERCHAT_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// MediaDir returns the media storage directory for a data directory.
func MediaDir(dataDir string) string {
	return filepath.Join(dataDir, "media")
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		MediaDir(dataDir),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

// ApplyEnvOverrides layers process environment settings over the
// persisted config without writing them back.
func ApplyEnvOverrides(cfg *DeviceConfig) {
	if raw := os.Getenv("PEERCHAT_GATEWAY_PORT"); raw != "" {
		if port, err := strconv.Atoi(raw); err == nil && port > 0 {
			cfg.GatewayPort = port
		}
	}
	if url := os.Getenv("PEERCHAT_STORE_URL"); url != "" {
		cfg.RemoteStoreURL = url
		cfg.StoreMode = StoreModeRemote
	}
}

func defaultConfig() *DeviceConfig {
	username := "peerchat user"
	if host, err := os.Hostname(); err == nil && host != "" {
		username = host
	}

	return &DeviceConfig{
		UserID:           uuid.NewString(),
		Username:         username,
		GatewayPort:      DefaultGatewayPort,
		StoreMode:        StoreModeLocal,
		DiscoveryEnabled: true,
	}
}

func normalizeDefaults(cfg *DeviceConfig) bool {
	updated := false

	if cfg.UserID == "" {
		cfg.UserID = uuid.NewString()
		updated = true
	}

	if cfg.Username == "" {
		username := "peerchat user"
		if host, err := os.Hostname(); err == nil && host != "" {
			username = host
		}
		cfg.Username = username
		updated = true
	}

	if cfg.GatewayPort <= 0 {
		cfg.GatewayPort = DefaultGatewayPort
		updated = true
	}

	mode := normalizeStoreMode(cfg.StoreMode)
	if mode == "" {
		if cfg.RemoteStoreURL != "" {
			mode = StoreModeRemote
		} else {
			mode = StoreModeLocal
		}
	}
	if cfg.StoreMode != mode {
		cfg.StoreMode = mode
		updated = true
	}

	return updated
}

func normalizeStoreMode(mode string) string {
	switch mode {
	case StoreModeLocal:
		return StoreModeLocal
	case StoreModeRemote:
		return StoreModeRemote
	default:
		return ""
	}
}
