package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user client data directory name.
	AppDirectoryName = "baatcheet"
	// DefaultRelayURL is used until the user points the client elsewhere.
	DefaultRelayURL = "http://localhost:8080"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DeviceConfig contains persistent client device settings.
type DeviceConfig struct {
	DeviceID               string `json:"device_id"`
	DeviceName             string `json:"device_name"`
	RelayURL               string `json:"relay_url"`
	Username               string `json:"username"`
	UserID                 string `json:"user_id"`
	Token                  string `json:"token"`
	RSAPrivateKeyPath      string `json:"rsa_private_key_path"`
	RSAPublicKeyPath       string `json:"rsa_public_key_path"`
	UploadedKeyFingerprint string `json:"uploaded_key_fingerprint"`
}

// LoggedIn reports whether a bearer token is stored.
func (c *DeviceConfig) LoggedIn() bool {
	return c.Token != ""
}

// ResolveDataDir returns the OS-aware client data directory.
//
// If BAATCHEET_CLIENT_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("BAATCHEET_CLIENT_DIR"); override != "" {
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

// MediaDir is where decrypted attachments are written.
func MediaDir(dataDir string) string {
	return filepath.Join(dataDir, "media")
}

// EnsureDataDirectories creates the client data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
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

// Save marshals and writes config.json to disk. The file holds the bearer
// token and stays owner-readable only.
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

// LoadOrCreate resolves the data directory and delegates to LoadOrCreateAt.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	return LoadOrCreateAt(dataDir)
}

// LoadOrCreateAt ensures directories and config exist under dataDir, then
// returns both.
func LoadOrCreateAt(dataDir string) (*DeviceConfig, string, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	cfg := &DeviceConfig{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		deviceName := "Baatcheet Device"
		if host, err := os.Hostname(); err == nil && host != "" {
			deviceName = host
		}
		cfg.DeviceName = deviceName
		updated = true
	}

	relayURL := strings.TrimRight(strings.TrimSpace(cfg.RelayURL), "/")
	if relayURL == "" {
		relayURL = DefaultRelayURL
	}
	if cfg.RelayURL != relayURL {
		cfg.RelayURL = relayURL
		updated = true
	}

	if cfg.RSAPrivateKeyPath == "" {
		cfg.RSAPrivateKeyPath = filepath.Join(keysDir, "rsa_private.pem")
		updated = true
	}

	if cfg.RSAPublicKeyPath == "" {
		cfg.RSAPublicKeyPath = filepath.Join(keysDir, "rsa_public.pem")
		updated = true
	}

	return updated
}
