package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve_InstanceBeatsUnit(t *testing.T) {
	unit := Unit{
		Name:     "api",
		Defaults: Settings{Environment: []string{"X=0", "Y=2"}, Restart: "always"},
	}
	inst := Instance{Name: "api1", Overrides: Settings{Environment: []string{"X=1"}}}

	eff := Resolve(unit, inst)
	assert.Equal(t, []string{"X=1"}, eff.Environment)
	assert.Equal(t, "always", eff.Restart)
}

func TestResolve_AbsentAtBothLevels(t *testing.T) {
	eff := Resolve(Unit{Name: "api"}, Instance{Name: "api1"})

	assert.Empty(t, eff.NetworkMode)
	assert.Empty(t, eff.Restart)
	assert.Nil(t, eff.EnvFiles)
	assert.Nil(t, eff.Environment)
	assert.Nil(t, eff.Volumes)
	assert.Empty(t, eff.MemLimit)
	assert.Nil(t, eff.Health)
}

func TestResolve_EmptyInstanceListInherits(t *testing.T) {
	unit := Unit{Defaults: Settings{Volumes: []string{"data:/data"}}}
	inst := Instance{Overrides: Settings{Volumes: []string{}}}

	assert.Equal(t, []string{"data:/data"}, Resolve(unit, inst).Volumes)
}

func TestResolve_HealthReplacedAsWhole(t *testing.T) {
	unit := Unit{Defaults: Settings{Health: RemoteCheck{Port: 8080, Endpoint: "/health"}}}
	inst := Instance{Overrides: Settings{Health: RemoteCheck{Port: 9090, Endpoint: "/"}}}

	eff := Resolve(unit, inst)
	rc, ok := eff.RemoteCheck()
	assert.True(t, ok)
	assert.Equal(t, RemoteCheck{Port: 9090, Endpoint: "/"}, rc)

	_, ok = eff.ContainerProbe()
	assert.False(t, ok)
}

func TestResolve_ProbeOverridesRemoteCheck(t *testing.T) {
	unit := Unit{Defaults: Settings{Health: RemoteCheck{Port: 8080, Endpoint: "/"}}}
	inst := Instance{Overrides: Settings{Health: ContainerProbe{Test: []string{"CMD", "true"}}}}

	eff := Resolve(unit, inst)
	_, ok := eff.RemoteCheck()
	assert.False(t, ok)
	_, ok = eff.ContainerProbe()
	assert.True(t, ok)
}

func TestResolve_CommandFromInstance(t *testing.T) {
	eff := Resolve(Unit{}, Instance{Command: "serve"})
	assert.Equal(t, "serve", eff.Command)
}

func TestArtifactRef(t *testing.T) {
	assert.Equal(t, "api", Unit{Name: "api"}.ArtifactRef())
	assert.Equal(t, "acme/api:1.0", Unit{Name: "api", Image: "acme/api:1.0"}.ArtifactRef())
}

func TestSubstituteVariables_ReportsAllMissingSorted(t *testing.T) {
	_, err := SubstituteVariables("${B} ${A} ${B}", nil)
	assert.ErrorIs(t, err, ErrUndefinedVariable)
	assert.EqualError(t, err, "undefined variables: A, B")
}
