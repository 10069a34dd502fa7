// Package config provides configuration for the simlink server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Keys shared by viper, environment variables (SIMLINK_ prefix, dots become underscores) and
// the serve command's flags.
const (
	KeyControlEndpoint = "control.endpoint"
	KeyControlMode     = "control.mode"
	KeySetupEndpoint   = "setup.endpoint"
	KeySetupTemplate   = "setup.template"
	KeySyncEndpoint    = "sync.endpoint"
	KeyStepping        = "run.stepping"
	KeySimulationFile  = "simulation.file"
	KeyDatabaseURL     = "database.url"
	KeyPolicyFile      = "policy.file"
	KeyAdminAddr       = "admin.addr"
	KeyShutdownTimeout = "shutdown.timeout"
	KeyLogLevel        = "log.level"
)

// Config holds the server configuration.
type Config struct {
	// Outer control protocol
	ControlEndpoint string
	ControlMode     string

	// Bootstrap; empty endpoint skips topology setup
	SetupEndpoint string
	SetupTemplate string

	// Per-day synchronization; empty endpoint disables the inner session
	SyncEndpoint string
	Stepping     bool

	// Simulation definition (TOML); empty uses the built-in one
	SimulationFile string

	// Database
	DatabaseURL string

	// Mutation policy (rego); empty uses the built-in one
	PolicyFile string

	// Admin HTTP (/health, /metrics); empty disables it
	AdminAddr string

	ShutdownTimeout time.Duration

	// Logging
	LogLevel string
}

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyControlEndpoint, "tcp://127.0.0.1:27746")
	v.SetDefault(KeyControlMode, "persistent")
	v.SetDefault(KeySetupEndpoint, "")
	v.SetDefault(KeySetupTemplate, "Field")
	v.SetDefault(KeySyncEndpoint, "")
	v.SetDefault(KeyStepping, false)
	v.SetDefault(KeySimulationFile, "")
	v.SetDefault(KeyDatabaseURL, "file:simlink.db?cache=shared&mode=rwc")
	v.SetDefault(KeyPolicyFile, "")
	v.SetDefault(KeyAdminAddr, "127.0.0.1:27747")
	v.SetDefault(KeyShutdownTimeout, 10*time.Second)
	v.SetDefault(KeyLogLevel, "info")
}

// Load reads configuration from defaults, an optional config file and the environment.
// A file that is named explicitly must exist.
func Load(v *viper.Viper, file string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)
	v.SetEnvPrefix("SIMLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("simlink")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{
		ControlEndpoint: v.GetString(KeyControlEndpoint),
		ControlMode:     v.GetString(KeyControlMode),
		SetupEndpoint:   v.GetString(KeySetupEndpoint),
		SetupTemplate:   v.GetString(KeySetupTemplate),
		SyncEndpoint:    v.GetString(KeySyncEndpoint),
		Stepping:        v.GetBool(KeyStepping),
		SimulationFile:  v.GetString(KeySimulationFile),
		DatabaseURL:     v.GetString(KeyDatabaseURL),
		PolicyFile:      v.GetString(KeyPolicyFile),
		AdminAddr:       v.GetString(KeyAdminAddr),
		ShutdownTimeout: v.GetDuration(KeyShutdownTimeout),
		LogLevel:        v.GetString(KeyLogLevel),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields that have no usable zero value.
func (c *Config) Validate() error {
	if c.ControlEndpoint == "" {
		return errors.New("control endpoint is empty")
	}
	switch c.ControlMode {
	case "persistent", "stateless":
	default:
		return fmt.Errorf("unknown control mode %q", c.ControlMode)
	}
	if c.SetupTemplate == "" {
		return errors.New("setup template is empty")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive, got %s", c.ShutdownTimeout)
	}
	return nil
}
