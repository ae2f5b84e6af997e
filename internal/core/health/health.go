// Package health models post-activation verification of a unit instance.
// Following ADR-002: Values as Boundaries - this package contains NO I/O.
package health

import (
	"errors"
	"net"
	"strconv"
	"time"
)

var (
	ErrNotStarted = errors.New("verification has not started")
	ErrTerminal   = errors.New("verification already finished")
)

// =============================================================================
// State
// =============================================================================

// State is the verification state of one instance.
type State string

const (
	StatePending State = "pending"
	StatePolling State = "polling"
	StateHealthy State = "healthy"
	StateFailed  State = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s State) IsTerminal() bool {
	return s == StateHealthy || s == StateFailed
}

// =============================================================================
// Policy
// =============================================================================

const (
	DefaultAttempts = 30
	DefaultInterval = time.Second
)

// Policy bounds verification: at most Attempts probes, Interval apart.
type Policy struct {
	Attempts int
	Interval time.Duration
}

// DefaultPolicy returns the standard bound of 30 probes one second apart.
func DefaultPolicy() Policy {
	return Policy{Attempts: DefaultAttempts, Interval: DefaultInterval}
}

// =============================================================================
// Tracker
// =============================================================================

// Tracker records probe outcomes and drives the state machine
// Pending -> Polling -> Healthy | Failed.
type Tracker struct {
	policy   Policy
	state    State
	attempts int
}

// NewTracker creates a tracker in the Pending state.
// A policy with no attempts is treated as a single attempt.
func NewTracker(policy Policy) *Tracker {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	return &Tracker{policy: policy, state: StatePending}
}

// Begin moves the tracker from Pending to Polling.
func (t *Tracker) Begin() error {
	if t.state.IsTerminal() {
		return ErrTerminal
	}
	t.state = StatePolling
	return nil
}

// Observe records one probe result. A success ends in Healthy; the last
// allowed failure ends in Failed.
func (t *Tracker) Observe(ok bool) (State, error) {
	switch {
	case t.state.IsTerminal():
		return t.state, ErrTerminal
	case t.state == StatePending:
		return t.state, ErrNotStarted
	}

	t.attempts++
	switch {
	case ok:
		t.state = StateHealthy
	case t.attempts >= t.policy.Attempts:
		t.state = StateFailed
	}
	return t.state, nil
}

// State returns the current state.
func (t *Tracker) State() State { return t.state }

// Attempts returns the number of probes observed.
func (t *Tracker) Attempts() int { return t.attempts }

// Done reports whether the tracker reached a terminal state.
func (t *Tracker) Done() bool { return t.state.IsTerminal() }

// =============================================================================
// URL Building
// =============================================================================

// URL builds the probe address for a remote check.
//
// Example:
//
//	URL("10.0.0.5", 8080, "/health")
//	// Returns: "http://10.0.0.5:8080/health"
func URL(host string, port int, endpoint string) string {
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + endpoint
}

// IsSuccess reports whether an HTTP status counts as healthy.
func IsSuccess(status int) bool {
	return status >= 200 && status < 300
}
