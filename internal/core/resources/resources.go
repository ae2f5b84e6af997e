// Package resources contains pure functions for host-level Docker resources
// (networks and named volumes) that units attach to.
// Following ADR-002: Values as Boundaries - this package contains NO I/O.
package resources

import (
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// Resource Types
// =============================================================================

// Network is a Docker network declared in the manifest's networks section.
type Network struct {
	Name    string
	Driver  string   // "bridge", "overlay", "" for the daemon default
	Subnets []string // one --subnet flag per entry
}

// Volume is a named Docker volume declared in the manifest's volumes section.
type Volume struct {
	Name    string
	Driver  string
	Options map[string]string // driver options, emitted as --opt key=value
}

// =============================================================================
// Command Building
// =============================================================================

// NetworkCreateCommand builds the docker command creating a network.
//
// Example:
//
//	NetworkCreateCommand(Network{Name: "backend", Driver: "bridge", Subnets: []string{"10.5.0.0/16"}})
//	// Returns: "docker network create --driver bridge --subnet 10.5.0.0/16 backend"
func NetworkCreateCommand(n Network) string {
	parts := []string{"docker", "network", "create"}
	if n.Driver != "" {
		parts = append(parts, "--driver", n.Driver)
	}
	for _, s := range n.Subnets {
		parts = append(parts, "--subnet", s)
	}
	parts = append(parts, n.Name)
	return strings.Join(parts, " ")
}

// VolumeCreateCommand builds the docker command creating a volume.
// Driver options are emitted in key order so the command is stable across runs.
func VolumeCreateCommand(v Volume) string {
	parts := []string{"docker", "volume", "create"}
	if v.Driver != "" {
		parts = append(parts, "--driver", v.Driver)
	}
	keys := make([]string, 0, len(v.Options))
	for k := range v.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, "--opt", fmt.Sprintf("%s=%s", k, v.Options[k]))
	}
	parts = append(parts, v.Name)
	return strings.Join(parts, " ")
}

// EnsureNetworkCommand creates the network only when it does not exist yet.
func EnsureNetworkCommand(n Network) string {
	return ensure(fmt.Sprintf("docker network inspect %s", n.Name), NetworkCreateCommand(n))
}

// EnsureVolumeCommand creates the volume only when it does not exist yet.
func EnsureVolumeCommand(v Volume) string {
	return ensure(fmt.Sprintf("docker volume inspect %s", v.Name), VolumeCreateCommand(v))
}

func ensure(inspect, create string) string {
	return fmt.Sprintf("%s >/dev/null 2>&1 || %s", inspect, create)
}
