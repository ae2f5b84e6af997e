package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/artpar/ddr/internal/core/wave"
	"github.com/artpar/ddr/internal/shell/docker"
	"github.com/artpar/ddr/internal/shell/history"
	"github.com/artpar/ddr/internal/shell/provision"
	"github.com/artpar/ddr/internal/shell/remote"
	"github.com/artpar/ddr/internal/shell/rollout"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess           = 0
	ExitConfigError       = 1
	ExitGraphError        = 2
	ExitPipelineError     = 3
	ExitActivationError   = 4
	ExitVerificationError = 5
	ExitConnectionError   = 6
	ExitJournalError      = 7
)

// CommandError carries the exit code for failures the error chain alone
// cannot classify.
type CommandError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func configError(op string, err error) error {
	return &CommandError{Op: op, Err: err, ExitCode: ExitConfigError}
}

// exitCode maps a command error onto the process exit status.
func exitCode(err error) int {
	var cmdErr *CommandError
	var provErr *provision.ProvisionError

	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &cmdErr):
		return cmdErr.ExitCode
	case errors.Is(err, rollout.ErrGraph), errors.Is(err, wave.ErrUnsatisfiable):
		return ExitGraphError
	case errors.Is(err, rollout.ErrPipeline):
		return ExitPipelineError
	case errors.Is(err, rollout.ErrActivation), errors.As(err, &provErr):
		return ExitActivationError
	case errors.Is(err, rollout.ErrVerification):
		return ExitVerificationError
	case errors.Is(err, remote.ErrConnectionFailed),
		errors.Is(err, remote.ErrNoAuthMethod),
		errors.Is(err, docker.ErrConnectionFailed):
		return ExitConnectionError
	case errors.Is(err, history.ErrConnectionFailed),
		errors.Is(err, history.ErrMigrationFailed),
		errors.Is(err, history.ErrNotFound):
		return ExitJournalError
	default:
		return ExitConfigError
	}
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := newRootCmd(newApp())
	cmd.SetArgs(args)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ddr: %v\n", err)
		return exitCode(err)
	}
	return ExitSuccess
}
