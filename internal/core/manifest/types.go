// Package manifest contains pure functions for loading the deployment manifest
// (deploy.yaml) into a strongly typed unit graph.
// This is part of the Functional Core - all functions are pure with no I/O.
package manifest

import (
	"github.com/artpar/ddr/internal/core/resources"
)

// =============================================================================
// Manifest - Main Output Type
// =============================================================================

// Manifest is a fully parsed and validated deployment manifest.
type Manifest struct {
	Variables map[string]string
	Groups    []Group
	Networks  []resources.Network
	Volumes   []resources.Volume
}

// Group is a top-level manifest section treated as a unit graph.
// Units keep their declaration order.
type Group struct {
	Name  string
	Units []Unit
}

// Names returns the unit names in declaration order.
func (g *Group) Names() []string {
	names := make([]string, 0, len(g.Units))
	for _, u := range g.Units {
		names = append(names, u.Name)
	}
	return names
}

// Unit returns the unit with the given name.
func (g *Group) Unit(name string) (Unit, bool) {
	for _, u := range g.Units {
		if u.Name == name {
			return u, true
		}
	}
	return Unit{}, false
}

// =============================================================================
// Unit Types
// =============================================================================

// Unit is a deployable group backed by one packaged artifact.
type Unit struct {
	Name      string
	Image     string // optional artifact identifier override
	DependsOn []string
	Defaults  Settings
	Instances []Instance
}

// ArtifactRef returns the identifier used to package the unit: the explicit
// image when declared, otherwise the unit name.
func (u Unit) ArtifactRef() string {
	if u.Image != "" {
		return u.Image
	}
	return u.Name
}

// Instance is one runtime activation of a unit's artifact.
type Instance struct {
	Name      string
	Overrides Settings
	Command   string // appended after the artifact ref when set
}

// Settings holds the fields an instance inherits from its unit unless it
// declares its own value. Empty values mean "not declared".
type Settings struct {
	NetworkMode string
	Restart     string
	EnvFiles    []string
	Environment []string
	Volumes     []string
	MemLimit    string
	Health      HealthCheck
}

// =============================================================================
// Health Check Variants
// =============================================================================

// HealthCheck is either a RemoteCheck or a ContainerProbe.
type HealthCheck interface {
	healthCheck()
}

// RemoteCheck is polled over HTTP from the deploying machine after activation.
type RemoteCheck struct {
	Port     int
	Endpoint string // always starts with "/"
}

// ContainerProbe is handed to the container runtime as part of the activation
// request. It is never polled by the deployer.
type ContainerProbe struct {
	Test     []string
	Interval string
	Timeout  string
	Retries  int
}

func (RemoteCheck) healthCheck()    {}
func (ContainerProbe) healthCheck() {}

// =============================================================================
// Effective Configuration
// =============================================================================

// Effective is an instance's configuration after inheritance is applied.
// Empty fields are omitted from the activation request.
type Effective struct {
	NetworkMode string
	Restart     string
	EnvFiles    []string
	Environment []string
	Volumes     []string
	MemLimit    string
	Health      HealthCheck
	Command     string
}

// RemoteCheck returns the remote HTTP check when one applies to the instance.
func (e Effective) RemoteCheck() (RemoteCheck, bool) {
	rc, ok := e.Health.(RemoteCheck)
	return rc, ok
}

// ContainerProbe returns the runtime probe when one applies to the instance.
func (e Effective) ContainerProbe() (ContainerProbe, bool) {
	p, ok := e.Health.(ContainerProbe)
	return p, ok
}
