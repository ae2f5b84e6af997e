// Package rollout deploys a unit group onto the target host wave by wave.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/artpar/ddr/internal/core/activation"
	"github.com/artpar/ddr/internal/core/health"
	"github.com/artpar/ddr/internal/core/manifest"
	"github.com/artpar/ddr/internal/core/wave"
	"github.com/artpar/ddr/internal/shell/artifact"
	"github.com/artpar/ddr/internal/shell/probe"
	"github.com/artpar/ddr/internal/shell/remote"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// Collaborators
// =============================================================================

// Executor runs shell commands on the target host.
type Executor interface {
	Run(ctx context.Context, cmd string) (remote.Result, error)
}

// Pipeline packages, transfers and removes unit artifacts.
type Pipeline interface {
	Package(ctx context.Context, ref string) (artifact.Artifact, error)
	Transfer(ctx context.Context, a artifact.Artifact) error
	Remove(ctx context.Context, a artifact.Artifact) error
}

// Verifier polls an instance's health endpoint.
type Verifier interface {
	Verify(ctx context.Context, url string) (probe.Outcome, error)
}

// Config controls a run.
type Config struct {
	Host     string // target host, used for health check URLs
	BaseDir  string // remote working directory for activation commands
	DryRun   bool
	Parallel bool // deploy the units of one wave concurrently
}

// Report describes what a run did. It is returned even when the run fails.
type Report struct {
	RunID    string
	Group    string
	Waves    [][]string
	Deployed []string
	DryRun   bool
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator drives a unit group through package, transfer, activate and
// verify, one dependency wave at a time.
type Orchestrator struct {
	cfg      Config
	exec     Executor
	pipeline Pipeline
	verifier Verifier
	journal  Journal
	logger   *slog.Logger
	now      func() time.Time
}

// NewOrchestrator creates an orchestrator. In dry-run mode exec, pipeline and
// verifier are never called and may be nil.
func NewOrchestrator(cfg Config, exec Executor, pipeline Pipeline, verifier Verifier, journal Journal, logger *slog.Logger) *Orchestrator {
	if journal == nil {
		journal = NopJournal{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		exec:     exec,
		pipeline: pipeline,
		verifier: verifier,
		journal:  journal,
		logger:   logger.With("component", "rollout"),
		now:      time.Now,
	}
}

// Run deploys every unit of group. It stops at the first failure and returns
// it together with a report of the waves and units completed so far.
func (o *Orchestrator) Run(ctx context.Context, group *manifest.Group) (*Report, error) {
	report := &Report{
		RunID:  uuid.NewString(),
		Group:  group.Name,
		DryRun: o.cfg.DryRun,
	}
	logger := o.logger.With("run_id", report.RunID, "group", group.Name)
	if o.cfg.DryRun {
		logger = logger.With("dry_run", true)
	}

	o.record(logger, "run started", o.journal.RunStarted(context.WithoutCancel(ctx), RunRecord{
		ID:        report.RunID,
		Group:     group.Name,
		Host:      o.cfg.Host,
		DryRun:    o.cfg.DryRun,
		StartedAt: o.now(),
	}))

	logger.Info("starting rollout", "units", len(group.Units), "host", o.cfg.Host, "parallel", o.cfg.Parallel)

	err := o.run(ctx, logger, group, report)

	status := StatusSucceeded
	if err != nil {
		status = StatusFailed
		logger.Error("rollout failed", "deployed", report.Deployed, "error", err)
	} else {
		logger.Info("rollout complete", "waves", len(report.Waves), "deployed", len(report.Deployed))
	}
	o.record(logger, "run finished", o.journal.RunFinished(context.WithoutCancel(ctx), report.RunID, status, err, o.now()))

	return report, err
}

func (o *Orchestrator) run(ctx context.Context, logger *slog.Logger, group *manifest.Group, report *Report) error {
	units := make(map[string]manifest.Unit, len(group.Units))
	remaining := make([]wave.Node, 0, len(group.Units))
	for _, u := range group.Units {
		units[u.Name] = u
		remaining = append(remaining, wave.Node{Name: u.Name, DependsOn: u.DependsOn})
	}

	deployed := wave.NewSet()
	for len(remaining) > 0 {
		ready, err := wave.Resolve(remaining, deployed)
		if err != nil {
			names := make([]string, 0, len(remaining))
			for _, n := range remaining {
				names = append(names, n.Name)
			}
			return &GraphError{
				Remaining: names,
				Deployed:  append([]string(nil), report.Deployed...),
				Err:       err,
			}
		}

		waveNum := len(report.Waves) + 1
		report.Waves = append(report.Waves, ready)
		logger.Info("wave resolved", "wave", waveNum, "units", ready)

		if err := o.runWave(ctx, logger, report, waveNum, ready, units, deployed); err != nil {
			return err
		}
		remaining = wave.Without(remaining, deployed)
	}
	return nil
}

// runWave deploys the units of one wave. The deployed set and report are only
// written under mu.
func (o *Orchestrator) runWave(ctx context.Context, logger *slog.Logger, report *Report, waveNum int, names []string, units map[string]manifest.Unit, deployed wave.Set) error {
	var mu sync.Mutex
	markDeployed := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		deployed.Add(name)
		report.Deployed = append(report.Deployed, name)
	}

	deployOne := func(ctx context.Context, name string) error {
		unitLogger := logger.With("unit", name, "wave", waveNum)
		err := o.deployUnit(ctx, unitLogger, units[name])

		event := UnitEvent{RunID: report.RunID, Wave: waveNum, Unit: name, Status: StatusDeployed, At: o.now()}
		if err != nil {
			event.Status, event.Error = StatusFailed, err.Error()
		}
		o.record(unitLogger, "unit finished", o.journal.UnitFinished(context.WithoutCancel(ctx), event))

		if err != nil {
			return err
		}
		markDeployed(name)
		unitLogger.Info("unit deployed")
		return nil
	}

	if !o.cfg.Parallel || len(names) == 1 {
		for _, name := range names {
			if err := deployOne(ctx, name); err != nil {
				return err
			}
		}
		return nil
	}

	// A failing unit does not cancel its siblings: remote steps already in
	// flight run to completion and the first error is returned once the wave
	// has settled.
	var g errgroup.Group
	for _, name := range names {
		name := name
		g.Go(func() error {
			return deployOne(ctx, name)
		})
	}
	return g.Wait()
}

// =============================================================================
// Unit Pipeline
// =============================================================================

func (o *Orchestrator) deployUnit(ctx context.Context, logger *slog.Logger, unit manifest.Unit) error {
	ref := unit.ArtifactRef()
	logger.Info("deploying unit", "ref", ref, "instances", len(unit.Instances))

	if o.cfg.DryRun {
		o.simulateUnit(logger, unit)
		return nil
	}

	a, err := o.pipeline.Package(ctx, ref)
	if err != nil {
		return &PipelineError{Unit: unit.Name, Stage: StagePackage, Err: err}
	}

	if err := o.pipeline.Transfer(ctx, a); err != nil {
		return &PipelineError{Unit: unit.Name, Stage: StageTransfer, Err: err}
	}

	loadCmd := activation.LoadCommand(a.RemotePath)
	res, err := o.execute(ctx, logger, StageLoad, loadCmd)
	if err == nil && !res.OK() {
		err = commandFailed(loadCmd, res)
	}
	if err != nil {
		if cleanupErr := o.pipeline.Remove(context.WithoutCancel(ctx), a); cleanupErr != nil {
			logger.Warn("artifact cleanup failed", "ref", ref, "error", cleanupErr)
		}
		return &PipelineError{Unit: unit.Name, Stage: StageLoad, Err: err}
	}

	for _, inst := range unit.Instances {
		if err := o.activateInstance(ctx, logger.With("instance", inst.Name), unit, inst, a); err != nil {
			return err
		}
	}

	if err := o.pipeline.Remove(context.WithoutCancel(ctx), a); err != nil {
		logger.Warn("artifact cleanup failed", "ref", ref, "error", err)
	}
	return nil
}

func (o *Orchestrator) activateInstance(ctx context.Context, logger *slog.Logger, unit manifest.Unit, inst manifest.Instance, a artifact.Artifact) error {
	eff := manifest.Resolve(unit, inst)

	rmCmd := activation.RemoveContainerCommand(inst.Name)
	res, err := o.execute(ctx, logger, "remove previous", rmCmd)
	if err != nil || !res.OK() {
		return &ActivationError{Unit: unit.Name, Instance: inst.Name, Command: rmCmd, Result: res, Err: err}
	}

	runCmd := activation.InDir(o.cfg.BaseDir, activation.RunCommand(inst.Name, eff, unit.ArtifactRef()))
	res, err = o.execute(ctx, logger, "activate", runCmd)
	if err != nil || !res.OK() {
		return &ActivationError{Unit: unit.Name, Instance: inst.Name, Command: runCmd, Result: res, Err: err}
	}

	rc, ok := eff.RemoteCheck()
	if !ok {
		logger.Info("instance started", "health_check", healthKind(eff))
		return nil
	}

	url := health.URL(o.cfg.Host, rc.Port, rc.Endpoint)
	logger.Info("verifying instance", "url", url)
	out, err := o.verifier.Verify(ctx, url)
	if err != nil {
		logger.Error("instance failed verification", "url", url, "attempts", out.Attempts, "last_status", out.LastStatus, "last_error", out.LastErr)
		cleanupErr := o.pipeline.Remove(context.WithoutCancel(ctx), a)
		if cleanupErr != nil {
			logger.Warn("artifact cleanup failed", "ref", a.Ref, "error", cleanupErr)
		}
		return &VerificationError{
			Unit:     unit.Name,
			Instance: inst.Name,
			URL:      url,
			Attempts: out.Attempts,
			Err:      errors.Join(err, cleanupErr),
		}
	}
	logger.Info("instance healthy", "url", url, "attempts", out.Attempts)
	return nil
}

// execute runs cmd and logs its output: debug on success, error otherwise.
func (o *Orchestrator) execute(ctx context.Context, logger *slog.Logger, step, cmd string) (remote.Result, error) {
	logger.Info("remote command", "step", step, "command", cmd)
	res, err := o.exec.Run(ctx, cmd)
	switch {
	case err != nil:
		logger.Error("remote command failed", "step", step, "error", err, "stdout", res.Stdout, "stderr", res.Stderr)
	case !res.OK():
		logger.Error("remote command exited non-zero", "step", step, "exit_code", res.ExitCode, "stdout", res.Stdout, "stderr", res.Stderr)
	default:
		logger.Debug("remote command output", "step", step, "stdout", res.Stdout, "stderr", res.Stderr)
	}
	return res, err
}

// =============================================================================
// Simulation
// =============================================================================

// simulateUnit announces every step of a unit without calling any collaborator.
func (o *Orchestrator) simulateUnit(logger *slog.Logger, unit manifest.Unit) {
	ref := unit.ArtifactRef()
	logger.Info("would package artifact", "ref", ref, "archive", activation.ArchiveName(ref))
	logger.Info("would transfer artifact", "ref", ref)
	logger.Info("would load artifact", "ref", ref)

	for _, inst := range unit.Instances {
		eff := manifest.Resolve(unit, inst)
		instLogger := logger.With("instance", inst.Name)
		instLogger.Info("would run", "command", activation.RemoveContainerCommand(inst.Name))
		instLogger.Info("would run", "command", activation.InDir(o.cfg.BaseDir, activation.RunCommand(inst.Name, eff, ref)))
		if rc, ok := eff.RemoteCheck(); ok {
			instLogger.Info("would verify", "url", health.URL(o.cfg.Host, rc.Port, rc.Endpoint))
		}
	}
	logger.Info("would remove artifact", "ref", ref)
}

// =============================================================================
// Helpers
// =============================================================================

// record logs a journal write failure. Journal writes outlive cancellation of
// the run context so that failed runs are still recorded.
func (o *Orchestrator) record(logger *slog.Logger, what string, err error) {
	if err != nil {
		logger.Warn("journal write failed", "record", what, "error", err)
	}
}

func commandFailed(cmd string, res remote.Result) error {
	return fmt.Errorf("%q exited with status %d: %s", cmd, res.ExitCode, strings.TrimSpace(res.Stderr))
}

func healthKind(eff manifest.Effective) string {
	if _, ok := eff.ContainerProbe(); ok {
		return "container"
	}
	return "none"
}
