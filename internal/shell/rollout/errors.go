package rollout

import (
	"errors"
	"fmt"
	"strings"

	"github.com/artpar/ddr/internal/shell/remote"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	ErrGraph        = errors.New("dependency graph error")
	ErrPipeline     = errors.New("artifact pipeline error")
	ErrActivation   = errors.New("activation error")
	ErrVerification = errors.New("verification error")
)

// Pipeline stages that can fail before anything runs on the target host.
const (
	StagePackage  = "package"
	StageTransfer = "transfer"
	StageLoad     = "load"
)

// GraphError reports that the remaining units cannot be ordered.
// Err is the *wave.UnsatisfiableError describing each blocked unit.
type GraphError struct {
	Remaining []string
	Deployed  []string
	Err       error
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("cannot deploy remaining units [%s]: %v", strings.Join(e.Remaining, ", "), e.Err)
}

func (e *GraphError) Unwrap() error { return e.Err }

func (e *GraphError) Is(target error) bool { return target == ErrGraph }

// PipelineError reports a packaging, transfer or load failure for a unit.
type PipelineError struct {
	Unit  string
	Stage string
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("unit %s: %s failed: %v", e.Unit, e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

func (e *PipelineError) Is(target error) bool { return target == ErrPipeline }

// ActivationError reports that starting an instance failed, either because the
// remote command exited non-zero or because it could not be run at all.
type ActivationError struct {
	Unit     string
	Instance string
	Command  string
	Result   remote.Result
	Err      error // nil when the command ran and exited non-zero
}

func (e *ActivationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unit %s instance %s: %q: %v", e.Unit, e.Instance, e.Command, e.Err)
	}
	return fmt.Sprintf("unit %s instance %s: %q exited with status %d: %s",
		e.Unit, e.Instance, e.Command, e.Result.ExitCode, strings.TrimSpace(e.Result.Stderr))
}

func (e *ActivationError) Unwrap() error { return e.Err }

func (e *ActivationError) Is(target error) bool { return target == ErrActivation }

// VerificationError reports an instance that never answered its health check.
// Err joins the probe failure with any artifact cleanup failure.
type VerificationError struct {
	Unit     string
	Instance string
	URL      string
	Attempts int
	Err      error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("unit %s instance %s did not respond at %s after %d attempts: %v",
		e.Unit, e.Instance, e.URL, e.Attempts, e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }

func (e *VerificationError) Is(target error) bool { return target == ErrVerification }
