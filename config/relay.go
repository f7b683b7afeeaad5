package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	defaultListenAddress   = ":8080"
	defaultRelayDataDir    = "./data"
	defaultTokenTTLMinutes = 60
	defaultHistoryLimit    = 50
	defaultHistoryMax      = 200
	defaultURLExpirySecs   = 300
	defaultPushQueueSize   = 256
	defaultPushWorkers     = 2
	defaultLogLevel        = "NOTICE"
	defaultMetricsPath     = "/metrics"
	defaultUserRateLimit   = 50
	defaultUserRateWindow  = 15
	defaultInstanceName    = "baatcheet relay"

	jwtSecretFileName = "jwt.secret"
	jwtSecretBytes    = 32
)

// Server is the listener configuration.
type Server struct {
	// ListenAddress is the host:port serving HTTP and the socket endpoint.
	ListenAddress string

	// DataDir holds relay.db and the generated token secret.
	DataDir string

	// CORSOrigins is the browser origin allow-list. Empty allows all.
	CORSOrigins []string

	// MetricsPath exposes prometheus metrics. Empty disables the route.
	MetricsPath string

	// UserRateLimit requests per UserRateWindowMinutes per client address on
	// account routes.
	UserRateLimit         int
	UserRateWindowMinutes int
}

// Auth configures bearer tokens.
type Auth struct {
	// JWTSecret signs tokens. When empty a secret is generated under DataDir
	// on first start and reused afterwards.
	JWTSecret       string
	TokenTTLMinutes int
}

// History bounds history pages.
type History struct {
	DefaultLimit int
	MaxLimit     int
}

// Media configures the S3-compatible attachment store.
type Media struct {
	Enable     bool
	Endpoint   string
	Bucket     string
	AccessKey  string
	SecretKey  string
	Region     string
	UseSSL     bool
	PublicHost string

	URLExpirySeconds int
}

// Push configures offline hints.
type Push struct {
	// Enable turns on FCM. When off, hints are logged only.
	Enable          bool
	CredentialsFile string
	QueueSize       int
	Workers         int
}

// Discovery configures LAN advertisement.
type Discovery struct {
	Enable   bool
	Instance string
}

// Logging is the relay logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

// RelayConfig is the top level relay configuration.
type RelayConfig struct {
	Server    Server
	Auth      Auth
	History   History
	Media     Media
	Push      Push
	Discovery Discovery
	Logging   Logging
}

// LoadRelay reads the TOML file at path. An empty path falls back to
// BAATCHEET_CONFIG, and to built-in defaults when that is unset too.
// BAATCHEET_DATA_DIR overrides Server.DataDir.
func LoadRelay(path string) (*RelayConfig, error) {
	if path == "" {
		path = os.Getenv("BAATCHEET_CONFIG")
	}

	cfg := new(RelayConfig)
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read relay config: %w", err)
		}
		meta, err := toml.Decode(string(raw), cfg)
		if err != nil {
			return nil, fmt.Errorf("parse relay config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config: unknown keys %v", undecoded)
		}
	}
	if override := os.Getenv("BAATCHEET_DATA_DIR"); override != "" {
		cfg.Server.DataDir = override
	}

	if err := cfg.normalizeDefaults(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *RelayConfig) normalizeDefaults() error {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = defaultListenAddress
	}
	if c.Server.DataDir == "" {
		c.Server.DataDir = defaultRelayDataDir
	}
	if c.Server.MetricsPath == "" {
		c.Server.MetricsPath = defaultMetricsPath
	}
	if !strings.HasPrefix(c.Server.MetricsPath, "/") {
		return fmt.Errorf("config: Server: MetricsPath %q must start with /", c.Server.MetricsPath)
	}
	if c.Server.UserRateLimit <= 0 {
		c.Server.UserRateLimit = defaultUserRateLimit
	}
	if c.Server.UserRateWindowMinutes <= 0 {
		c.Server.UserRateWindowMinutes = defaultUserRateWindow
	}

	if c.Auth.TokenTTLMinutes <= 0 {
		c.Auth.TokenTTLMinutes = defaultTokenTTLMinutes
	}

	if c.History.DefaultLimit <= 0 {
		c.History.DefaultLimit = defaultHistoryLimit
	}
	if c.History.MaxLimit <= 0 {
		c.History.MaxLimit = defaultHistoryMax
	}
	if c.History.DefaultLimit > c.History.MaxLimit {
		c.History.DefaultLimit = c.History.MaxLimit
	}

	if c.Media.URLExpirySeconds <= 0 {
		c.Media.URLExpirySeconds = defaultURLExpirySecs
	}
	if c.Media.Enable && (c.Media.Endpoint == "" || c.Media.Bucket == "" || c.Media.PublicHost == "") {
		return errors.New("config: Media: Endpoint, Bucket and PublicHost are required when enabled")
	}

	if c.Push.QueueSize <= 0 {
		c.Push.QueueSize = defaultPushQueueSize
	}
	if c.Push.Workers <= 0 {
		c.Push.Workers = defaultPushWorkers
	}
	if c.Push.Enable && c.Push.CredentialsFile == "" {
		return errors.New("config: Push: CredentialsFile is required when enabled")
	}

	if c.Discovery.Instance == "" {
		c.Discovery.Instance = defaultInstanceName
	}

	lvl := strings.ToUpper(c.Logging.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", c.Logging.Level)
	}
	c.Logging.Level = lvl
	return nil
}

// JWTSecret returns the configured token secret, generating and persisting
// one under DataDir when none is configured.
func (c *RelayConfig) JWTSecret() ([]byte, error) {
	if c.Auth.JWTSecret != "" {
		return []byte(c.Auth.JWTSecret), nil
	}
	if err := os.MkdirAll(c.Server.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	path := filepath.Join(c.Server.DataDir, jwtSecretFileName)
	raw, err := os.ReadFile(path)
	if err == nil {
		secret, decodeErr := hex.DecodeString(strings.TrimSpace(string(raw)))
		if decodeErr != nil || len(secret) < jwtSecretBytes {
			return nil, fmt.Errorf("config: corrupt token secret in %s", path)
		}
		return secret, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read token secret: %w", err)
	}

	secret := make([]byte, jwtSecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate token secret: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(secret)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write token secret: %w", err)
	}
	return secret, nil
}
