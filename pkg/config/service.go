package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dbaas/dbaas/pkg/telemetry"
)

// Environment variables consulted by Load.
const (
	EnvConfigPath = "DBAAS_CONFIG"
	EnvLogLevel   = "DBAAS_LOG_LEVEL"
	EnvStorePath  = "DBAAS_STORE_PATH"
	EnvListen     = "DBAAS_LISTEN"
	EnvAttempts   = "DBAAS_MAX_ATTEMPTS"
)

// Config is the service configuration of the control plane process.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Store        StoreConfig        `yaml:"store"`
	CatalogPaths []string           `yaml:"catalog_paths"`
	PolicyPaths  []string           `yaml:"policy_paths"`
	Provisioning ProvisioningConfig `yaml:"provisioning"`
	Telemetry    telemetry.Config   `yaml:"telemetry"`
}

// ServerConfig configures the HTTP listener of the service API.
type ServerConfig struct {
	Listen          string        `yaml:"listen" validate:"required,hostname_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`

	// DefaultEnvironment is used by broker calls that do not name an environment.
	DefaultEnvironment string `yaml:"default_environment"`
}

// StoreConfig configures the persistence layer.
type StoreConfig struct {
	// Path is the SQLite database file, or ":memory:".
	Path            string        `yaml:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"gte=0"`
}

// ProvisioningConfig tunes the orchestrator.
type ProvisioningConfig struct {
	// MaxAttempts bounds how many times one provisioning step is tried.
	MaxAttempts int `yaml:"max_attempts" validate:"min=1,max=20"`

	// BaseBackoff is the delay before the first retry. It doubles per attempt.
	BaseBackoff time.Duration `yaml:"base_backoff" validate:"gte=0"`

	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration `yaml:"max_backoff" validate:"gtefield=BaseBackoff"`

	// OperationTimeout bounds one orchestrator operation end to end.
	OperationTimeout time.Duration `yaml:"operation_timeout" validate:"gt=0"`

	// DriverTimeout bounds each engine call. EngineTimeouts overrides it per engine.
	DriverTimeout  time.Duration            `yaml:"driver_timeout" validate:"gt=0"`
	EngineTimeouts map[string]time.Duration `yaml:"engine_timeouts" validate:"dive,gt=0"`

	// RevokeCredentialsOnQuarantine drops engine users when a database is quarantined.
	RevokeCredentialsOnQuarantine bool `yaml:"revoke_credentials_on_quarantine"`

	// QuarantineOnLastUnbind quarantines a database when its last bind is removed.
	QuarantineOnLastUnbind bool `yaml:"quarantine_on_last_unbind"`

	// QuarantineGrace is how long a quarantined database is kept before purge.
	QuarantineGrace time.Duration `yaml:"quarantine_grace" validate:"gte=0"`
}

// TimeoutFor returns the engine call timeout for engine.
func (p ProvisioningConfig) TimeoutFor(engine string) time.Duration {
	if d, ok := p.EngineTimeouts[engine]; ok && d > 0 {
		return d
	}
	return p.DriverTimeout
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          "127.0.0.1:8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Path:            "dbaas.db",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		Provisioning: ProvisioningConfig{
			MaxAttempts:      5,
			BaseBackoff:      time.Second,
			MaxBackoff:       time.Minute,
			OperationTimeout: 10 * time.Minute,
			DriverTimeout:    30 * time.Second,
			QuarantineGrace:  7 * 24 * time.Hour,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads the service configuration. An empty path falls back to
// $DBAAS_CONFIG and then to defaults. A .env file in the working directory
// is loaded first so its variables can drive the overrides.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML onto cfg. Keys missing from data keep their current value.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Telemetry.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv(EnvStorePath); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv(EnvListen); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv(EnvAttempts); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Provisioning.MaxAttempts = n
		}
	}
}

// Validate checks struct constraints and the embedded telemetry configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}
