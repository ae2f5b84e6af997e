// Package probe verifies activated instances by polling their HTTP endpoint.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/artpar/ddr/internal/core/health"
)

// ErrUnhealthy is returned when an instance never answered with a 2xx status.
var ErrUnhealthy = errors.New("instance did not become healthy")

// DefaultRequestTimeout bounds a single probe request.
const DefaultRequestTimeout = time.Second

// Prober performs one health request.
type Prober interface {
	Get(ctx context.Context, url string) (int, error)
}

// =============================================================================
// HTTP Prober
// =============================================================================

// HTTPProber issues plain GET requests.
type HTTPProber struct {
	httpClient *http.Client
}

// NewHTTPProber creates a prober whose requests time out after timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}
	return &HTTPProber{httpClient: &http.Client{Timeout: timeout}}
}

// Get returns the response status for url.
func (p *HTTPProber) Get(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// =============================================================================
// Verifier
// =============================================================================

// Outcome summarizes one verification.
type Outcome struct {
	State      health.State
	Attempts   int
	LastStatus int
	LastErr    error
}

// Verifier polls an endpoint until it answers 2xx or the policy bound is reached.
type Verifier struct {
	prober Prober
	policy health.Policy
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
}

// NewVerifier creates a verifier.
func NewVerifier(prober Prober, policy health.Policy, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		prober: prober,
		policy: policy,
		sleep:  sleepContext,
		logger: logger.With("component", "probe"),
	}
}

// Verify polls url. Connection errors count as failed attempts. There is no
// pause after the final attempt. A Failed outcome is returned with ErrUnhealthy.
func (v *Verifier) Verify(ctx context.Context, url string) (Outcome, error) {
	tracker := health.NewTracker(v.policy)
	if err := tracker.Begin(); err != nil {
		return Outcome{State: tracker.State()}, err
	}

	var out Outcome
	for !tracker.Done() {
		status, err := v.prober.Get(ctx, url)
		out.LastStatus, out.LastErr = status, err

		ok := err == nil && health.IsSuccess(status)
		state, _ := tracker.Observe(ok)
		v.logger.Debug("health probe", "url", url, "attempt", tracker.Attempts(), "status", status, "error", err)

		if state == health.StatePolling {
			if err := v.sleep(ctx, v.policy.Interval); err != nil {
				out.State, out.Attempts = tracker.State(), tracker.Attempts()
				return out, err
			}
		}
	}

	out.State, out.Attempts = tracker.State(), tracker.Attempts()
	if out.State == health.StateFailed {
		return out, fmt.Errorf("%w: %s after %d attempts", ErrUnhealthy, url, out.Attempts)
	}
	return out, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
