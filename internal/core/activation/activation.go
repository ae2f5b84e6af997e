// Package activation builds the remote shell commands that load an artifact
// and start unit instances from it.
// Following ADR-002: Values as Boundaries - this package contains NO I/O.
package activation

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/artpar/ddr/internal/core/manifest"
)

// =============================================================================
// Artifact Naming
// =============================================================================

// ArchiveName returns the file name of a packaged artifact.
//
// Example:
//
//	ArchiveName("ghcr.io/acme/api:1.4")
//	// Returns: "ghcr.io_acme_api_1.4.tar"
func ArchiveName(ref string) string {
	r := strings.NewReplacer("/", "_", ":", "_")
	return r.Replace(ref) + ".tar"
}

// RemotePath joins the remote artifact directory and the archive name.
func RemotePath(dir, ref string) string {
	return path.Join(dir, ArchiveName(ref))
}

// =============================================================================
// Command Building
// =============================================================================

// RunCommand builds the docker run command for one instance.
// Flags appear in a fixed order; fields absent from eff produce no flag.
//
// Example:
//
//	RunCommand("api1", manifest.Effective{Restart: "always", Environment: []string{"X=1"}}, "acme/api")
//	// Returns: "docker run -d --name api1 --restart always -e X=1 acme/api"
func RunCommand(instance string, eff manifest.Effective, ref string) string {
	parts := []string{"docker", "run", "-d", "--name", instance}

	if eff.NetworkMode != "" {
		parts = append(parts, "--network", eff.NetworkMode)
	}
	if eff.Restart != "" {
		parts = append(parts, "--restart", eff.Restart)
	}
	for _, f := range eff.EnvFiles {
		parts = append(parts, "--env-file", f)
	}
	for _, e := range eff.Environment {
		parts = append(parts, "-e", e)
	}
	for _, v := range eff.Volumes {
		parts = append(parts, "-v", v)
	}
	if eff.MemLimit != "" {
		parts = append(parts, "--memory", eff.MemLimit)
	}
	if probe, ok := eff.ContainerProbe(); ok {
		parts = append(parts, probeFlags(probe)...)
	}

	parts = append(parts, ref)
	if eff.Command != "" {
		parts = append(parts, eff.Command)
	}
	return strings.Join(parts, " ")
}

// HealthCommand normalizes a probe test into the shell string given to
// --health-cmd. A leading CMD or CMD-SHELL marker is dropped and parts
// containing spaces are double-quoted.
func HealthCommand(test []string) string {
	if len(test) == 0 {
		return ""
	}
	if test[0] == "CMD" || test[0] == "CMD-SHELL" {
		test = test[1:]
	}
	quoted := make([]string, 0, len(test))
	for _, p := range test {
		if strings.Contains(p, " ") {
			p = `"` + p + `"`
		}
		quoted = append(quoted, p)
	}
	return strings.Join(quoted, " ")
}

func probeFlags(p manifest.ContainerProbe) []string {
	cmd := HealthCommand(p.Test)
	if cmd == "" {
		return nil
	}
	flags := []string{fmt.Sprintf("--health-cmd='%s'", cmd)}
	if p.Interval != "" {
		flags = append(flags, "--health-interval="+p.Interval)
	}
	if p.Timeout != "" {
		flags = append(flags, "--health-timeout="+p.Timeout)
	}
	if p.Retries > 0 {
		flags = append(flags, "--health-retries="+strconv.Itoa(p.Retries))
	}
	return flags
}

// LoadCommand loads a transferred artifact into the remote runtime.
func LoadCommand(remotePath string) string {
	return "docker load -i " + remotePath
}

// RemoveContainerCommand removes a previous container with the same name.
// It succeeds when no such container exists.
func RemoveContainerCommand(name string) string {
	return fmt.Sprintf("docker rm -f %s || true", name)
}

// InDir runs cmd from dir so relative paths in the command resolve there.
func InDir(dir, cmd string) string {
	if dir == "" {
		return cmd
	}
	return fmt.Sprintf("cd %s && %s", dir, cmd)
}

// RemoveFileCommand deletes a file on the remote host.
func RemoveFileCommand(p string) string {
	return "rm -f " + p
}
