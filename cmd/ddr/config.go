package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/artpar/ddr/internal/core/health"
	"github.com/artpar/ddr/internal/shell/artifact"
	"github.com/artpar/ddr/internal/shell/remote"
	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all tool configuration.
type Config struct {
	Target    TargetConfig    `mapstructure:"target"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Health    HealthConfig    `mapstructure:"health"`
	Deploy    DeployConfig    `mapstructure:"deploy"`
	History   HistoryConfig   `mapstructure:"history"`
	Log       LogConfig       `mapstructure:"log"`
}

// TargetConfig describes the single host every unit is deployed to.
type TargetConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	KeyFile        string        `mapstructure:"key_file"`
	KnownHosts     string        `mapstructure:"known_hosts"`
	BaseDir        string        `mapstructure:"base_dir"` // remote working directory for docker run
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// Validate reports missing connection settings.
func (c TargetConfig) Validate() error {
	var missing []string
	if c.Host == "" {
		missing = append(missing, "target.host (SSH_HOST)")
	}
	if c.User == "" {
		missing = append(missing, "target.user (SSH_USER)")
	}
	if c.Password == "" && c.KeyFile == "" {
		missing = append(missing, "target.password (SSH_PASSWORD) or target.key_file (SSH_KEY_FILE)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing target settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Remote converts the target settings into an SSH session config.
func (c TargetConfig) Remote() remote.Config {
	return remote.Config{
		Host:           c.Host,
		Port:           c.Port,
		User:           c.User,
		Password:       c.Password,
		KeyFile:        c.KeyFile,
		KnownHosts:     c.KnownHosts,
		ConnectTimeout: c.ConnectTimeout,
	}
}

// ArtifactsConfig holds where image archives are written on each side.
type ArtifactsConfig struct {
	LocalDir  string `mapstructure:"local_dir"`
	RemoteDir string `mapstructure:"remote_dir"`
}

// Pipeline converts the artifact settings into a pipeline config.
func (c ArtifactsConfig) Pipeline() artifact.Config {
	return artifact.Config{LocalDir: c.LocalDir, RemoteDir: c.RemoteDir}
}

// DockerConfig holds the local Docker daemon address used for packaging.
type DockerConfig struct {
	Host string `mapstructure:"host"`
}

// HealthConfig bounds remote check polling.
type HealthConfig struct {
	Attempts       int           `mapstructure:"attempts"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Policy returns the polling policy. Attempts can lower the default bound but
// not raise it, and probes stay health.DefaultInterval apart.
func (c HealthConfig) Policy() health.Policy {
	p := health.DefaultPolicy()
	if c.Attempts > 0 && c.Attempts < p.Attempts {
		p.Attempts = c.Attempts
	}
	return p
}

// DeployConfig holds run defaults that flags may override.
type DeployConfig struct {
	Manifest string `mapstructure:"manifest"`
	Parallel bool   `mapstructure:"parallel"`
}

// HistoryConfig holds the run journal location. An empty DSN disables it.
type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// =============================================================================
// Config Loading
// =============================================================================

// secretKeys maps the secrets env file onto config keys.
var secretKeys = map[string]string{
	"ssh_host":     "host",
	"ssh_port":     "port",
	"ssh_user":     "user",
	"ssh_password": "password",
	"ssh_key_file": "key_file",
	"dir":          "base_dir",
}

// LoadConfig loads configuration from the settings file, the secrets env file
// and the environment, in increasing order of precedence.
func LoadConfig(settingsPath, secretsPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("target.host", "")
	v.SetDefault("target.port", 22)
	v.SetDefault("target.user", "")
	v.SetDefault("target.password", "")
	v.SetDefault("target.key_file", "")
	v.SetDefault("target.known_hosts", "")
	v.SetDefault("target.base_dir", "")
	v.SetDefault("target.connect_timeout", "10s")
	v.SetDefault("artifacts.local_dir", os.TempDir())
	v.SetDefault("artifacts.remote_dir", artifact.DefaultRemoteDir)
	v.SetDefault("docker.host", "")
	v.SetDefault("health.attempts", health.DefaultAttempts)
	v.SetDefault("health.request_timeout", "1s")
	v.SetDefault("deploy.manifest", "deploy.yaml")
	v.SetDefault("deploy.parallel", false)
	v.SetDefault("history.dsn", ".ddr/history.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	// Load from file if provided
	if settingsPath != "" {
		v.SetConfigFile(settingsPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			var parseErr viper.ConfigParseError
			if errors.As(err, &parseErr) {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	if secretsPath != "" {
		secrets, err := readSecrets(secretsPath)
		if err != nil {
			return nil, err
		}
		if len(secrets) > 0 {
			if err := v.MergeConfigMap(map[string]any{"target": secrets}); err != nil {
				return nil, fmt.Errorf("failed to merge secrets: %w", err)
			}
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("DDR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AllowEmptyEnv(true) // DDR_HISTORY_DSN= disables the journal
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// readSecrets reads SSH_* and DIR from a dotenv file. A missing file yields
// no settings.
func readSecrets(path string) (map[string]any, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	sv := viper.New()
	sv.SetConfigFile(path)
	sv.SetConfigType("env")
	if err := sv.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read secrets file %s: %w", path, err)
	}

	secrets := make(map[string]any)
	for envKey, cfgKey := range secretKeys {
		if sv.IsSet(envKey) {
			secrets[cfgKey] = sv.Get(envKey)
		}
	}
	return secrets, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
