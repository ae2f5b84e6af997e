// Package artifact moves packaged unit images from the deploying machine to the
// target host.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/artpar/ddr/internal/core/activation"
	"github.com/artpar/ddr/internal/shell/remote"
)

// DefaultRemoteDir is where archives land on the target host.
const DefaultRemoteDir = "/tmp"

// Artifact is one packaged unit image, locally and on the target host.
type Artifact struct {
	Ref        string
	LocalPath  string
	RemotePath string
}

// Saver writes an image to a local archive.
type Saver interface {
	Save(ctx context.Context, ref, dest string) error
}

// Remote is the part of the remote executor the pipeline uses.
type Remote interface {
	Run(ctx context.Context, cmd string) (remote.Result, error)
	Upload(ctx context.Context, localPath, remotePath string) error
}

// Config holds the archive locations.
type Config struct {
	LocalDir  string // Default: os.TempDir()
	RemoteDir string // Default: /tmp
}

// =============================================================================
// Pipeline
// =============================================================================

// Pipeline packages, transfers and removes artifacts.
type Pipeline struct {
	saver     Saver
	remote    Remote
	localDir  string
	remoteDir string
	logger    *slog.Logger
}

// NewPipeline creates an artifact pipeline.
func NewPipeline(saver Saver, r Remote, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.LocalDir == "" {
		cfg.LocalDir = os.TempDir()
	}
	if cfg.RemoteDir == "" {
		cfg.RemoteDir = DefaultRemoteDir
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		saver:     saver,
		remote:    r,
		localDir:  cfg.LocalDir,
		remoteDir: cfg.RemoteDir,
		logger:    logger.With("component", "artifact"),
	}
}

// Locate returns where the artifact for ref lives without touching either side.
func (p *Pipeline) Locate(ref string) Artifact {
	name := activation.ArchiveName(ref)
	return Artifact{
		Ref:        ref,
		LocalPath:  filepath.Join(p.localDir, name),
		RemotePath: activation.RemotePath(p.remoteDir, ref),
	}
}

// Package saves ref into the local archive directory.
func (p *Pipeline) Package(ctx context.Context, ref string) (Artifact, error) {
	a := p.Locate(ref)
	p.logger.Info("packaging artifact", "ref", ref, "path", a.LocalPath)

	if err := os.MkdirAll(p.localDir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("create artifact dir: %w", err)
	}
	if err := p.saver.Save(ctx, ref, a.LocalPath); err != nil {
		return Artifact{}, err
	}
	return a, nil
}

// Transfer copies the local archive to the target host.
func (p *Pipeline) Transfer(ctx context.Context, a Artifact) error {
	p.logger.Info("transferring artifact", "ref", a.Ref, "remote_path", a.RemotePath)
	return p.remote.Upload(ctx, a.LocalPath, a.RemotePath)
}

// Remove deletes the archive on both sides. Both deletions are attempted;
// their failures are joined.
func (p *Pipeline) Remove(ctx context.Context, a Artifact) error {
	p.logger.Info("removing artifact", "ref", a.Ref)

	var errs []error
	cmd := activation.RemoveFileCommand(a.RemotePath)
	res, err := p.remote.Run(ctx, cmd)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("remove remote %s: %w", a.RemotePath, err))
	case !res.OK():
		errs = append(errs, fmt.Errorf("remove remote %s: exit %d: %s", a.RemotePath, res.ExitCode, res.Stderr))
	}

	if err := os.Remove(a.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("remove local %s: %w", a.LocalPath, err))
	}
	return errors.Join(errs...)
}
