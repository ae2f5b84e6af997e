package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/artpar/ddr/internal/core/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Config Loading Tests
// =============================================================================

func TestLoadConfig_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("", "")
	require.NoError(t, err)

	assert.Equal(t, 22, cfg.Target.Port)
	assert.Equal(t, 10*time.Second, cfg.Target.ConnectTimeout)
	assert.Equal(t, "/tmp", cfg.Artifacts.RemoteDir)
	assert.Equal(t, os.TempDir(), cfg.Artifacts.LocalDir)
	assert.Equal(t, 30, cfg.Health.Attempts)
	assert.Equal(t, time.Second, cfg.Health.RequestTimeout)
	assert.Equal(t, "deploy.yaml", cfg.Deploy.Manifest)
	assert.False(t, cfg.Deploy.Parallel)
	assert.Equal(t, ".ddr/history.db", cfg.History.DSN)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoadConfig_FromFile(t *testing.T) {
	clearEnv(t)

	configContent := `
target:
  host: "10.0.0.5"
  port: 2222
  user: deploy
  base_dir: /srv/app
  connect_timeout: 5s

artifacts:
  local_dir: /var/tmp/ddr
  remote_dir: /var/tmp

health:
  attempts: 10
  request_timeout: 3s

deploy:
  parallel: true

history:
  dsn: "/tmp/history.db"

log:
  level: "debug"
  format: "json"
`
	tmpFile := filepath.Join(t.TempDir(), "ddr.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte(configContent), 0644))

	cfg, err := LoadConfig(tmpFile, "")
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5", cfg.Target.Host)
	assert.Equal(t, 2222, cfg.Target.Port)
	assert.Equal(t, "deploy", cfg.Target.User)
	assert.Equal(t, "/srv/app", cfg.Target.BaseDir)
	assert.Equal(t, 5*time.Second, cfg.Target.ConnectTimeout)
	assert.Equal(t, "/var/tmp/ddr", cfg.Artifacts.LocalDir)
	assert.Equal(t, "/var/tmp", cfg.Artifacts.RemoteDir)
	assert.Equal(t, 10, cfg.Health.Attempts)
	assert.Equal(t, 3*time.Second, cfg.Health.RequestTimeout)
	assert.True(t, cfg.Deploy.Parallel)
	assert.Equal(t, "/tmp/history.db", cfg.History.DSN)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	clearEnv(t)

	t.Setenv("DDR_TARGET_HOST", "192.168.1.1")
	t.Setenv("DDR_TARGET_PORT", "2200")
	t.Setenv("DDR_HISTORY_DSN", "/custom/path.db")
	t.Setenv("DDR_LOG_LEVEL", "warn")

	cfg, err := LoadConfig("", "")
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.1", cfg.Target.Host)
	assert.Equal(t, 2200, cfg.Target.Port)
	assert.Equal(t, "/custom/path.db", cfg.History.DSN)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadConfig_FileNotFound_UsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("/nonexistent/path/ddr.yaml", "/nonexistent/infra.secrets.env")
	require.NoError(t, err)

	assert.Equal(t, 22, cfg.Target.Port)
	assert.Empty(t, cfg.Target.Host)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	clearEnv(t)

	tmpFile := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte("invalid: yaml: content: [[["), 0644))

	_, err := LoadConfig(tmpFile, "")
	assert.Error(t, err)
}

// =============================================================================
// Secrets Tests
// =============================================================================

func writeSecrets(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "infra.secrets.env")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadConfig_SecretsFile(t *testing.T) {
	clearEnv(t)

	secrets := writeSecrets(t, `SSH_USER=deploy
SSH_HOST=203.0.113.7
SSH_PASSWORD=hunter2
DIR=/home/deploy/app
SSH_PORT=2022
`)

	cfg, err := LoadConfig("", secrets)
	require.NoError(t, err)

	assert.Equal(t, "deploy", cfg.Target.User)
	assert.Equal(t, "203.0.113.7", cfg.Target.Host)
	assert.Equal(t, "hunter2", cfg.Target.Password)
	assert.Equal(t, "/home/deploy/app", cfg.Target.BaseDir)
	assert.Equal(t, 2022, cfg.Target.Port)
}

func TestLoadConfig_SecretsOverrideSettingsFile(t *testing.T) {
	clearEnv(t)

	settings := filepath.Join(t.TempDir(), "ddr.yaml")
	require.NoError(t, os.WriteFile(settings, []byte("target:\n  host: old.example.com\n  user: admin\n"), 0644))
	secrets := writeSecrets(t, "SSH_HOST=new.example.com\n")

	cfg, err := LoadConfig(settings, secrets)
	require.NoError(t, err)

	assert.Equal(t, "new.example.com", cfg.Target.Host)
	assert.Equal(t, "admin", cfg.Target.User)
}

func TestLoadConfig_EnvironmentOverridesSecrets(t *testing.T) {
	clearEnv(t)

	secrets := writeSecrets(t, "SSH_HOST=203.0.113.7\n")
	t.Setenv("DDR_TARGET_HOST", "198.51.100.1")

	cfg, err := LoadConfig("", secrets)
	require.NoError(t, err)

	assert.Equal(t, "198.51.100.1", cfg.Target.Host)
}

// =============================================================================
// Target Validation Tests
// =============================================================================

func TestTargetConfig_Validate(t *testing.T) {
	valid := TargetConfig{Host: "10.0.0.5", User: "deploy", Password: "secret"}
	assert.NoError(t, valid.Validate())

	withKey := TargetConfig{Host: "10.0.0.5", User: "deploy", KeyFile: "/home/deploy/.ssh/id_ed25519"}
	assert.NoError(t, withKey.Validate())

	err := TargetConfig{}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target.host")
	assert.Contains(t, err.Error(), "target.user")
	assert.Contains(t, err.Error(), "SSH_PASSWORD")
}

func TestTargetConfig_Remote(t *testing.T) {
	cfg := TargetConfig{Host: "10.0.0.5", Port: 2222, User: "deploy", KnownHosts: "/etc/ssh/known_hosts", ConnectTimeout: 3 * time.Second}

	rc := cfg.Remote()
	assert.Equal(t, "10.0.0.5", rc.Host)
	assert.Equal(t, 2222, rc.Port)
	assert.Equal(t, "/etc/ssh/known_hosts", rc.KnownHosts)
	assert.Equal(t, 3*time.Second, rc.ConnectTimeout)
}

func TestHealthConfig_PolicyCapsAttempts(t *testing.T) {
	p := HealthConfig{Attempts: 100}.Policy()
	assert.Equal(t, health.DefaultAttempts, p.Attempts)
	assert.Equal(t, health.DefaultInterval, p.Interval)

	p = HealthConfig{Attempts: 5}.Policy()
	assert.Equal(t, 5, p.Attempts)
	assert.Equal(t, health.DefaultInterval, p.Interval)

	p = HealthConfig{}.Policy()
	assert.Equal(t, health.DefaultPolicy(), p)
}

// =============================================================================
// Logger Setup Tests
// =============================================================================

func TestSetupLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{Log: LogConfig{Level: "info", Format: "json"}}

	SetupLogger(cfg, &buf).Info("hello", "unit", "api")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
	assert.Contains(t, buf.String(), `"unit":"api"`)
}

func TestSetupLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{Log: LogConfig{Level: "info", Format: "text"}}

	SetupLogger(cfg, &buf).Info("hello", "unit", "api")
	assert.Contains(t, buf.String(), "msg=hello")
	assert.Contains(t, buf.String(), "unit=api")
}

func TestSetupLogger_InvalidLevel(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{Log: LogConfig{Level: "invalid"}}

	logger := SetupLogger(cfg, &buf)
	logger.Debug("hidden")
	logger.Info("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestSetupLogger_ErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{Log: LogConfig{Level: "error"}}

	logger := SetupLogger(cfg, &buf)
	logger.Warn("hidden")
	assert.Empty(t, buf.String())
}

// =============================================================================
// Test Helpers
// =============================================================================

func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"DDR_TARGET_HOST",
		"DDR_TARGET_PORT",
		"DDR_TARGET_USER",
		"DDR_TARGET_PASSWORD",
		"DDR_TARGET_BASE_DIR",
		"DDR_HISTORY_DSN",
		"DDR_DEPLOY_MANIFEST",
		"DDR_LOG_LEVEL",
		"DDR_LOG_FORMAT",
	}
	for _, v := range envVars {
		t.Setenv(v, "")
		os.Unsetenv(v)
	}
}
