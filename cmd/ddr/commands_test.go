package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/artpar/ddr/internal/core/manifest"
	"github.com/artpar/ddr/internal/core/wave"
	"github.com/artpar/ddr/internal/shell/history"
	"github.com/artpar/ddr/internal/shell/provision"
	"github.com/artpar/ddr/internal/shell/remote"
	"github.com/artpar/ddr/internal/shell/rollout"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

const testManifest = `
define:
  REGISTRY: registry.local

networks:
  backend:
    driver: bridge

volumes:
  pgdata: {}

services:
  db:
    image: postgres:16
    instances:
      db1: {}
  api:
    image: ${REGISTRY}/api:latest
    depends_on: [db]
    environment: ["MODE=prod"]
    instances:
      api1:
        remotecheck:
          port: 8080
          endpoint: /health
  web:
    depends_on: [api, db]
    instances:
      web1: {}

broken:
  a:
    depends_on: [b]
    instances:
      a1: {}
  b:
    depends_on: [a]
    instances:
      b1: {}
`

type testEnv struct {
	dir      string
	manifest string
	dsn      string
}

func setupTestEnv(t *testing.T) testEnv {
	t.Helper()
	clearEnv(t)

	dir := t.TempDir()
	env := testEnv{
		dir:      dir,
		manifest: filepath.Join(dir, "deploy.yaml"),
		dsn:      filepath.Join(dir, "state", "history.db"),
	}
	require.NoError(t, os.WriteFile(env.manifest, []byte(testManifest), 0644))
	t.Setenv("DDR_HISTORY_DSN", env.dsn)
	return env
}

// execute runs the CLI and returns stdout, stderr and the error.
func execute(t *testing.T, env testEnv, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd(newApp())
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--manifest", env.manifest, "--secrets", filepath.Join(env.dir, "missing.env")}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

// =============================================================================
// plan Tests
// =============================================================================

func TestPlan_PrintsWaves(t *testing.T) {
	env := setupTestEnv(t)

	out, _, err := execute(t, env, "plan", "-g", "services")
	require.NoError(t, err)
	assert.Equal(t, "wave 1: db\nwave 2: api\nwave 3: web\n", out)
}

func TestPlan_CycleIsGraphError(t *testing.T) {
	env := setupTestEnv(t)

	out, _, err := execute(t, env, "plan", "-g", "broken")
	require.Error(t, err)
	assert.ErrorIs(t, err, wave.ErrUnsatisfiable)
	assert.Equal(t, ExitGraphError, exitCode(err))
	assert.Empty(t, out)
}

func TestPlan_UnknownGroup(t *testing.T) {
	env := setupTestEnv(t)

	_, _, err := execute(t, env, "plan", "-g", "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, manifest.ErrGroupNotFound)
	assert.Contains(t, err.Error(), "services, broken")
	assert.Equal(t, ExitConfigError, exitCode(err))
}

func TestPlan_GroupRequired(t *testing.T) {
	env := setupTestEnv(t)

	_, _, err := execute(t, env, "plan")
	assert.Error(t, err)
}

func TestPlan_MissingManifest(t *testing.T) {
	env := setupTestEnv(t)
	env.manifest = filepath.Join(env.dir, "absent.yaml")

	_, _, err := execute(t, env, "plan", "-g", "services")
	require.Error(t, err)
	assert.Equal(t, ExitConfigError, exitCode(err))
}

// =============================================================================
// deploy Tests
// =============================================================================

func TestDeploy_DryRunReportsAndJournals(t *testing.T) {
	env := setupTestEnv(t)

	out, logs, err := execute(t, env, "deploy", "-g", "services", "--dry-run")
	require.NoError(t, err)

	assert.Contains(t, out, "dry run services")
	assert.Contains(t, out, "wave 1: db\nwave 2: api\nwave 3: web\n")
	assert.Contains(t, out, "deployed: db, api, web")
	assert.Contains(t, logs, "registry.local/api:latest")
	assert.Contains(t, logs, "-e MODE=prod")

	j, err := history.Open(env.dsn)
	require.NoError(t, err)
	defer j.Close()

	runs, err := j.ListRuns(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, rollout.StatusSucceeded, runs[0].Status)
	assert.True(t, runs[0].DryRun)
}

func TestDeploy_VarOverride(t *testing.T) {
	env := setupTestEnv(t)

	_, logs, err := execute(t, env, "--var", "REGISTRY=mirror.internal", "deploy", "-g", "services", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, logs, "mirror.internal/api:latest")
}

func TestDeploy_DryRunCycle(t *testing.T) {
	env := setupTestEnv(t)

	out, _, err := execute(t, env, "deploy", "-g", "broken", "--dry-run")
	require.Error(t, err)
	assert.ErrorIs(t, err, rollout.ErrGraph)
	assert.Equal(t, ExitGraphError, exitCode(err))
	assert.Contains(t, out, "deployed: \n")
}

func TestDeploy_LiveRequiresTarget(t *testing.T) {
	env := setupTestEnv(t)

	_, _, err := execute(t, env, "deploy", "-g", "services")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target.host")
	assert.Equal(t, ExitConfigError, exitCode(err))
}

func TestDeploy_JournalDisabled(t *testing.T) {
	env := setupTestEnv(t)
	t.Setenv("DDR_HISTORY_DSN", "")

	_, _, err := execute(t, env, "deploy", "-g", "services", "--dry-run")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Dir(env.dsn))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

// =============================================================================
// provision Tests
// =============================================================================

func TestProvision_DryRun(t *testing.T) {
	env := setupTestEnv(t)

	out, logs, err := execute(t, env, "provision", "--dry-run")
	require.NoError(t, err)
	assert.Equal(t, "networks: 1, volumes: 1\n", out)
	assert.Contains(t, logs, "docker network create --driver bridge backend")
	assert.Contains(t, logs, "docker volume create pgdata")
}

// =============================================================================
// history Tests
// =============================================================================

func TestHistory_ListAndShow(t *testing.T) {
	env := setupTestEnv(t)

	_, _, err := execute(t, env, "deploy", "-g", "services", "--dry-run")
	require.NoError(t, err)

	out, _, err := execute(t, env, "history")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "RUN"))
	runID := strings.Fields(lines[1])[0]

	out, _, err = execute(t, env, "history", "--run", runID)
	require.NoError(t, err)
	assert.Contains(t, out, fmt.Sprintf("run %s: succeeded services", runID))
	assert.Contains(t, out, "db")
	assert.Contains(t, out, "web")
}

func TestHistory_UnknownRun(t *testing.T) {
	env := setupTestEnv(t)

	_, _, err := execute(t, env, "history", "--run", "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, history.ErrNotFound)
	assert.Equal(t, ExitJournalError, exitCode(err))
}

func TestHistory_Disabled(t *testing.T) {
	env := setupTestEnv(t)
	t.Setenv("DDR_HISTORY_DSN", "")

	_, _, err := execute(t, env, "history")
	require.Error(t, err)
	assert.Equal(t, ExitConfigError, exitCode(err))
}

// =============================================================================
// version Tests
// =============================================================================

func TestVersion(t *testing.T) {
	env := setupTestEnv(t)

	out, _, err := execute(t, env, "version")
	require.NoError(t, err)
	assert.Equal(t, "ddr dev (built unknown)\n", out)
}

// =============================================================================
// Helper Tests
// =============================================================================

func TestParseVars(t *testing.T) {
	vars, err := parseVars([]string{"A=1", "B=x=y", "A=2", "EMPTY="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "2", "B": "x=y", "EMPTY": ""}, vars)

	_, err = parseVars([]string{"NOEQUALS"})
	assert.Error(t, err)

	_, err = parseVars([]string{"=value"})
	assert.Error(t, err)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, exitCode(nil))
	assert.Equal(t, ExitConfigError, exitCode(errors.New("boom")))
	assert.Equal(t, ExitGraphError, exitCode(&rollout.GraphError{Err: wave.ErrUnsatisfiable}))
	assert.Equal(t, ExitPipelineError, exitCode(&rollout.PipelineError{Unit: "api", Stage: rollout.StagePackage, Err: errors.New("x")}))
	assert.Equal(t, ExitActivationError, exitCode(&rollout.ActivationError{Unit: "api", Instance: "api1"}))
	assert.Equal(t, ExitActivationError, exitCode(&provision.ProvisionError{Kind: "network", Name: "backend"}))
	assert.Equal(t, ExitVerificationError, exitCode(&rollout.VerificationError{Unit: "api", Instance: "api1", Err: errors.New("x")}))
	assert.Equal(t, ExitConnectionError, exitCode(fmt.Errorf("%w: dial", remote.ErrConnectionFailed)))
	assert.Equal(t, ExitJournalError, exitCode(history.NewStoreError("Open", "", "", "ping", history.ErrConnectionFailed)))
	assert.Equal(t, ExitJournalError, exitCode(&CommandError{Op: "open history", Err: errors.New("x"), ExitCode: ExitJournalError}))
}
