// Package wave computes deployment waves over a unit dependency graph.
// Following ADR-002: Values as Boundaries - this package contains NO I/O.
package wave

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnsatisfiable is returned when units remain but none of them can be deployed.
var ErrUnsatisfiable = errors.New("dependency graph cannot be satisfied")

// =============================================================================
// Types
// =============================================================================

// Node is one unit in the dependency graph.
type Node struct {
	Name      string
	DependsOn []string
}

// Set is a set of deployed unit names.
type Set map[string]struct{}

// NewSet creates a set holding names.
func NewSet(names ...string) Set {
	s := make(Set, len(names))
	for _, n := range names {
		s.Add(n)
	}
	return s
}

// Has reports whether name is in the set.
func (s Set) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Add inserts name into the set.
func (s Set) Add(name string) {
	s[name] = struct{}{}
}

// Len returns the number of names in the set.
func (s Set) Len() int {
	return len(s)
}

// Sorted returns the names in lexical order.
func (s Set) Sorted() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Blocked describes a unit that cannot be deployed.
type Blocked struct {
	Name string
	// Waiting lists dependencies that are declared but not yet deployed
	// (cycle members or units stuck behind them).
	Waiting []string
	// Undeclared lists dependencies that name no unit at all.
	Undeclared []string
}

// UnsatisfiableError lists every remaining unit and what it is missing.
type UnsatisfiableError struct {
	Blocked []Blocked
}

func (e *UnsatisfiableError) Error() string {
	parts := make([]string, 0, len(e.Blocked))
	for _, b := range e.Blocked {
		var missing []string
		if len(b.Undeclared) > 0 {
			missing = append(missing, "undeclared "+strings.Join(b.Undeclared, ", "))
		}
		if len(b.Waiting) > 0 {
			missing = append(missing, "waiting on "+strings.Join(b.Waiting, ", "))
		}
		parts = append(parts, fmt.Sprintf("%s (%s)", b.Name, strings.Join(missing, "; ")))
	}
	return fmt.Sprintf("%s: %s", ErrUnsatisfiable.Error(), strings.Join(parts, ", "))
}

func (e *UnsatisfiableError) Unwrap() error {
	return ErrUnsatisfiable
}

// Names returns the names of the blocked units.
func (e *UnsatisfiableError) Names() []string {
	names := make([]string, 0, len(e.Blocked))
	for _, b := range e.Blocked {
		names = append(names, b.Name)
	}
	return names
}

// =============================================================================
// Resolution
// =============================================================================

// Resolve returns the names of remaining nodes whose dependencies are all
// deployed, in the order of remaining. A node without dependencies is always
// eligible.
//
// When remaining is non-empty and nothing is eligible the result is an
// *UnsatisfiableError. An empty remaining yields an empty wave.
func Resolve(remaining []Node, deployed Set) ([]string, error) {
	var ready []string
	for _, n := range remaining {
		if satisfied(n, deployed) {
			ready = append(ready, n.Name)
		}
	}
	if len(ready) == 0 && len(remaining) > 0 {
		return nil, blockedError(remaining, deployed)
	}
	return ready, nil
}

// Plan computes the full wave sequence for nodes without deploying anything.
// On an unsatisfiable graph it returns the waves computed so far with the error.
func Plan(nodes []Node) ([][]string, error) {
	remaining := append([]Node(nil), nodes...)
	deployed := NewSet()

	var waves [][]string
	for len(remaining) > 0 {
		ready, err := Resolve(remaining, deployed)
		if err != nil {
			return waves, err
		}
		for _, name := range ready {
			deployed.Add(name)
		}
		remaining = Without(remaining, deployed)
		waves = append(waves, ready)
	}
	return waves, nil
}

// Without returns the nodes whose names are not in done, preserving order.
func Without(nodes []Node, done Set) []Node {
	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if !done.Has(n.Name) {
			out = append(out, n)
		}
	}
	return out
}

func satisfied(n Node, deployed Set) bool {
	for _, dep := range n.DependsOn {
		if !deployed.Has(dep) {
			return false
		}
	}
	return true
}

func blockedError(remaining []Node, deployed Set) *UnsatisfiableError {
	declared := NewSet()
	for _, n := range remaining {
		declared.Add(n.Name)
	}

	err := &UnsatisfiableError{}
	for _, n := range remaining {
		b := Blocked{Name: n.Name}
		for _, dep := range n.DependsOn {
			switch {
			case deployed.Has(dep):
			case declared.Has(dep):
				b.Waiting = append(b.Waiting, dep)
			default:
				b.Undeclared = append(b.Undeclared, dep)
			}
		}
		err.Blocked = append(err.Blocked, b)
	}
	return err
}
