package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/ddr/internal/core/resources"
	"github.com/compose-spec/compose-go/v2/format"
	"github.com/docker/go-connections/nat"
	"gopkg.in/yaml.v3"
)

// Top-level keys that are not unit groups.
const (
	keyDefine   = "define"
	keyNetworks = "networks"
	keyVolumes  = "volumes"
)

// instanceNamePattern is the Docker container name grammar. Instance names
// become container names and appear unquoted in remote shell commands.
var instanceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]+$`)

// =============================================================================
// Document Shapes
// =============================================================================

type remoteCheckDoc struct {
	Port     int    `yaml:"port"`
	Endpoint string `yaml:"endpoint"`
}

type healthCheckDoc struct {
	Test     []string `yaml:"test"`
	Interval string   `yaml:"interval"`
	Timeout  string   `yaml:"timeout"`
	Retries  int      `yaml:"retries"`
}

type settingsDoc struct {
	NetworkMode string          `yaml:"network_mode"`
	Restart     string          `yaml:"restart"`
	EnvFile     []string        `yaml:"env_file"`
	Environment []string        `yaml:"environment"`
	Volumes     []string        `yaml:"volumes"`
	MemLimit    string          `yaml:"mem_limit"`
	RemoteCheck *remoteCheckDoc `yaml:"remotecheck"`
	HealthCheck *healthCheckDoc `yaml:"healthcheck"`
}

type unitDoc struct {
	settingsDoc `yaml:",inline"`
	Image       string    `yaml:"image"`
	DependsOn   []string  `yaml:"depends_on"`
	Instances   yaml.Node `yaml:"instances"`
}

type instanceDoc struct {
	settingsDoc `yaml:",inline"`
	Command     string `yaml:"command"`
}

type networkDoc struct {
	Driver string `yaml:"driver"`
	IPAM   struct {
		Config []struct {
			Subnet string `yaml:"subnet"`
		} `yaml:"config"`
	} `yaml:"ipam"`
}

type volumeDoc struct {
	Driver     string            `yaml:"driver"`
	DriverOpts map[string]string `yaml:"driver_opts"`
}

// =============================================================================
// Parser Functions
// =============================================================================

// Parse parses a deployment manifest.
// This is a pure function - no I/O, no side effects.
//
// The optional define section supplies variables; overrides win over define.
// Every ${NAME} in the document is substituted before decoding and an unknown
// name is an error. Top-level keys other than define, networks and volumes are
// unit groups.
func Parse(content []byte, overrides map[string]string) (*Manifest, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return nil, ErrEmptyInput
	}

	defined, err := ExtractDefinitions(content)
	if err != nil {
		return nil, err
	}
	variables := MergeVariables(defined, overrides)

	substituted, err := SubstituteVariables(string(content), variables)
	if err != nil {
		return nil, err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(substituted), &doc); err != nil {
		return nil, NewParseError("", err.Error(), ErrInvalidYAML)
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, NewParseError("", "top level must be a mapping", ErrInvalidYAML)
	}
	root := doc.Content[0]

	m := &Manifest{Variables: variables}
	seen := make(map[string]bool)
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, value := root.Content[i].Value, resolveAliases(root.Content[i+1])
		if seen[key] {
			return nil, NewParseError(key, "duplicate top-level key", ErrInvalidYAML)
		}
		seen[key] = true

		switch key {
		case keyDefine:
			// already applied
		case keyNetworks:
			networks, err := parseNetworks(value)
			if err != nil {
				return nil, err
			}
			m.Networks = networks
		case keyVolumes:
			volumes, err := parseVolumes(value)
			if err != nil {
				return nil, err
			}
			m.Volumes = volumes
		default:
			group, err := parseGroup(key, value)
			if err != nil {
				return nil, err
			}
			m.Groups = append(m.Groups, group)
		}
	}

	return m, nil
}

// Group returns the unit group with the given name.
func (m *Manifest) Group(name string) (*Group, error) {
	switch name {
	case keyDefine, keyNetworks, keyVolumes:
		return nil, NewParseError(name, "reserved section cannot be deployed", ErrReservedGroup)
	}
	for i := range m.Groups {
		if m.Groups[i].Name == name {
			return &m.Groups[i], nil
		}
	}
	return nil, NewParseError(name, fmt.Sprintf("group %q not found in manifest", name), ErrGroupNotFound)
}

// GroupNames returns the unit group names in declaration order.
func (m *Manifest) GroupNames() []string {
	names := make([]string, 0, len(m.Groups))
	for _, g := range m.Groups {
		names = append(names, g.Name)
	}
	return names
}

// =============================================================================
// Group and Unit Parsing
// =============================================================================

func parseGroup(name string, node *yaml.Node) (Group, error) {
	group := Group{Name: name}
	if isNull(node) {
		return group, nil
	}
	if node.Kind != yaml.MappingNode {
		return Group{}, NewParseError(name, "group must be a mapping of units", ErrInvalidGroup)
	}

	seen := make(map[string]bool)
	for i := 0; i+1 < len(node.Content); i += 2 {
		unitName := node.Content[i].Value
		field := name + "." + unitName
		if unitName == "" {
			return Group{}, NewParseError(name, "unit name cannot be empty", ErrInvalidUnit)
		}
		if seen[unitName] {
			return Group{}, NewParseError(field, "duplicate unit", ErrInvalidUnit)
		}
		seen[unitName] = true

		unit, err := parseUnit(field, unitName, node.Content[i+1])
		if err != nil {
			return Group{}, err
		}
		group.Units = append(group.Units, unit)
	}
	return group, nil
}

func parseUnit(field, name string, node *yaml.Node) (Unit, error) {
	var doc unitDoc
	if err := decodeStrict(node, &doc); err != nil {
		return Unit{}, NewParseError(field, err.Error(), ErrInvalidUnit)
	}

	defaults, err := convertSettings(field, doc.settingsDoc)
	if err != nil {
		return Unit{}, err
	}

	for _, dep := range doc.DependsOn {
		if dep == name {
			return Unit{}, NewParseError(field+".depends_on", fmt.Sprintf("%q lists itself", name), ErrSelfDependency)
		}
	}

	instances, err := parseInstances(field+".instances", &doc.Instances)
	if err != nil {
		return Unit{}, err
	}

	return Unit{
		Name:      name,
		Image:     doc.Image,
		DependsOn: doc.DependsOn,
		Defaults:  defaults,
		Instances: instances,
	}, nil
}

func parseInstances(field string, node *yaml.Node) ([]Instance, error) {
	if node.Kind != yaml.MappingNode || len(node.Content) == 0 {
		return nil, NewParseError(field, "at least one instance is required", ErrNoInstances)
	}

	instances := make([]Instance, 0, len(node.Content)/2)
	seen := make(map[string]bool)
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		instField := field + "." + name
		if name == "" {
			return nil, NewParseError(field, "instance name cannot be empty", ErrInvalidUnit)
		}
		if !instanceNamePattern.MatchString(name) {
			return nil, NewParseError(instField, fmt.Sprintf("%q is not a valid container name", name), ErrInvalidInstanceName)
		}
		if seen[name] {
			return nil, NewParseError(instField, "duplicate instance", ErrInvalidUnit)
		}
		seen[name] = true

		var doc instanceDoc
		if err := decodeStrict(node.Content[i+1], &doc); err != nil {
			return nil, NewParseError(instField, err.Error(), ErrInvalidUnit)
		}
		overrides, err := convertSettings(instField, doc.settingsDoc)
		if err != nil {
			return nil, err
		}
		instances = append(instances, Instance{
			Name:      name,
			Overrides: overrides,
			Command:   doc.Command,
		})
	}
	return instances, nil
}

// decodeStrict decodes node into out, rejecting keys out does not declare.
// yaml.Node.Decode has no strict mode, so the node is re-encoded and read back
// through a Decoder with KnownFields enabled. node must already have its
// aliases resolved: an alias whose anchor lies outside node does not survive
// the re-encoding.
func decodeStrict(node *yaml.Node, out interface{}) error {
	if isNull(node) {
		return nil
	}
	raw, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// resolveAliases returns a copy of node with every alias replaced by a copy of
// the node it refers to. Anchors are dropped from the copy.
func resolveAliases(node *yaml.Node) *yaml.Node {
	if node == nil {
		return nil
	}
	if node.Kind == yaml.AliasNode && node.Alias != nil {
		return resolveAliases(node.Alias)
	}
	out := *node
	out.Anchor = ""
	out.Alias = nil
	if len(node.Content) > 0 {
		out.Content = make([]*yaml.Node, len(node.Content))
		for i, child := range node.Content {
			out.Content[i] = resolveAliases(child)
		}
	}
	return &out
}

func isNull(node *yaml.Node) bool {
	return node == nil || node.Kind == 0 || (node.Kind == yaml.ScalarNode && node.Tag == "!!null")
}

// =============================================================================
// Settings Conversion and Validation
// =============================================================================

func convertSettings(field string, doc settingsDoc) (Settings, error) {
	s := Settings{
		NetworkMode: doc.NetworkMode,
		Restart:     doc.Restart,
		EnvFiles:    doc.EnvFile,
		Environment: doc.Environment,
		Volumes:     doc.Volumes,
		MemLimit:    doc.MemLimit,
	}

	if err := validateEnvironment(field+".environment", doc.Environment); err != nil {
		return Settings{}, err
	}
	if err := validateVolumes(field+".volumes", doc.Volumes); err != nil {
		return Settings{}, err
	}

	if doc.RemoteCheck != nil && doc.HealthCheck != nil {
		return Settings{}, NewParseError(field, "declare either remotecheck or healthcheck, not both", ErrConflictingHealthChecks)
	}
	if doc.RemoteCheck != nil {
		rc, err := convertRemoteCheck(field+".remotecheck", *doc.RemoteCheck)
		if err != nil {
			return Settings{}, err
		}
		s.Health = rc
	}
	if doc.HealthCheck != nil {
		probe, err := convertContainerProbe(field+".healthcheck", *doc.HealthCheck)
		if err != nil {
			return Settings{}, err
		}
		s.Health = probe
	}
	return s, nil
}

func convertRemoteCheck(field string, doc remoteCheckDoc) (RemoteCheck, error) {
	if doc.Port == 0 {
		return RemoteCheck{}, NewParseError(field+".port", "port is required", ErrInvalidHealthCheck)
	}
	if doc.Port < 0 {
		return RemoteCheck{}, NewParseError(field+".port", fmt.Sprintf("invalid port %d", doc.Port), ErrInvalidHealthCheck)
	}
	port, err := nat.ParsePort(strconv.Itoa(doc.Port))
	if err != nil {
		return RemoteCheck{}, NewParseError(field+".port", err.Error(), ErrInvalidHealthCheck)
	}

	endpoint := strings.TrimSpace(doc.Endpoint)
	if endpoint == "" {
		return RemoteCheck{}, NewParseError(field+".endpoint", "endpoint is required", ErrInvalidHealthCheck)
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return RemoteCheck{Port: port, Endpoint: endpoint}, nil
}

func convertContainerProbe(field string, doc healthCheckDoc) (ContainerProbe, error) {
	durations := []struct{ name, value string }{
		{"interval", doc.Interval},
		{"timeout", doc.Timeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return ContainerProbe{}, NewParseError(field+"."+d.name, err.Error(), ErrInvalidHealthCheck)
		}
	}
	if doc.Retries < 0 {
		return ContainerProbe{}, NewParseError(field+".retries", "retries cannot be negative", ErrInvalidHealthCheck)
	}
	return ContainerProbe{
		Test:     doc.Test,
		Interval: doc.Interval,
		Timeout:  doc.Timeout,
		Retries:  doc.Retries,
	}, nil
}

func validateEnvironment(field string, env []string) error {
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		if strings.TrimSpace(key) == "" {
			return NewParseError(fmt.Sprintf("%s[%d]", field, i), fmt.Sprintf("entry %q has no variable name", entry), ErrInvalidEnvironment)
		}
	}
	return nil
}

func validateVolumes(field string, volumes []string) error {
	for i, spec := range volumes {
		if _, err := format.ParseVolume(spec); err != nil {
			return NewParseError(fmt.Sprintf("%s[%d]", field, i), err.Error(), ErrInvalidVolume)
		}
	}
	return nil
}

// =============================================================================
// Resource Parsing
// =============================================================================

func parseNetworks(node *yaml.Node) ([]resources.Network, error) {
	if isNull(node) {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, NewParseError(keyNetworks, "must be a mapping of network names", ErrInvalidResource)
	}

	var networks []resources.Network
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		var doc networkDoc
		if !isNull(node.Content[i+1]) {
			if err := node.Content[i+1].Decode(&doc); err != nil {
				return nil, NewParseError(keyNetworks+"."+name, err.Error(), ErrInvalidResource)
			}
		}
		n := resources.Network{Name: name, Driver: doc.Driver}
		for _, c := range doc.IPAM.Config {
			if c.Subnet != "" {
				n.Subnets = append(n.Subnets, c.Subnet)
			}
		}
		networks = append(networks, n)
	}
	return networks, nil
}

func parseVolumes(node *yaml.Node) ([]resources.Volume, error) {
	if isNull(node) {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, NewParseError(keyVolumes, "must be a mapping of volume names", ErrInvalidResource)
	}

	var volumes []resources.Volume
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		var doc volumeDoc
		if !isNull(node.Content[i+1]) {
			if err := node.Content[i+1].Decode(&doc); err != nil {
				return nil, NewParseError(keyVolumes+"."+name, err.Error(), ErrInvalidResource)
			}
		}
		volumes = append(volumes, resources.Volume{
			Name:    name,
			Driver:  doc.Driver,
			Options: doc.DriverOpts,
		})
	}
	return volumes, nil
}
