// Package provision creates the host-level networks and volumes declared in a manifest.
package provision

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/artpar/ddr/internal/core/resources"
	"github.com/artpar/ddr/internal/shell/remote"
)

// Executor runs shell commands on the target host.
type Executor interface {
	Run(ctx context.Context, cmd string) (remote.Result, error)
}

// ProvisionError reports a resource that could not be created.
type ProvisionError struct {
	Kind    string // "network" or "volume"
	Name    string
	Command string
	Result  remote.Result
	Err     error
}

func (e *ProvisionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("create %s %s: %v", e.Kind, e.Name, e.Err)
	}
	return fmt.Sprintf("create %s %s: exit %d: %s", e.Kind, e.Name, e.Result.ExitCode, strings.TrimSpace(e.Result.Stderr))
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// Provisioner applies network and volume declarations.
type Provisioner struct {
	exec   Executor
	logger *slog.Logger
}

// NewProvisioner creates a provisioner. exec may be nil for dry runs.
func NewProvisioner(exec Executor, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{
		exec:   exec,
		logger: logger.With("component", "provision"),
	}
}

// Apply creates every network, then every volume. Existing resources are
// left untouched. It stops at the first failure.
func (p *Provisioner) Apply(ctx context.Context, networks []resources.Network, volumes []resources.Volume, dryRun bool) error {
	for _, n := range networks {
		if err := p.apply(ctx, "network", n.Name, resources.EnsureNetworkCommand(n), dryRun); err != nil {
			return err
		}
	}
	for _, v := range volumes {
		if err := p.apply(ctx, "volume", v.Name, resources.EnsureVolumeCommand(v), dryRun); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provisioner) apply(ctx context.Context, kind, name, cmd string, dryRun bool) error {
	logger := p.logger.With(kind, name)
	if dryRun {
		logger.Info("would run", "command", cmd)
		return nil
	}

	logger.Info("remote command", "command", cmd)
	res, err := p.exec.Run(ctx, cmd)
	if err != nil || !res.OK() {
		logger.Error("provisioning failed", "exit_code", res.ExitCode, "stdout", res.Stdout, "stderr", res.Stderr, "error", err)
		return &ProvisionError{Kind: kind, Name: name, Command: cmd, Result: res, Err: err}
	}
	logger.Debug("remote command output", "stdout", res.Stdout, "stderr", res.Stderr)
	return nil
}
