// Package docker packages local images into archives with the Docker SDK.
package docker

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// imageAPI is the subset of the Docker SDK the packager needs.
type imageAPI interface {
	ImageInspectWithRaw(ctx context.Context, imageID string) (image.InspectResponse, []byte, error)
	ImageSave(ctx context.Context, imageIDs []string, saveOpts ...client.ImageSaveOption) (io.ReadCloser, error)
	Close() error
}

// =============================================================================
// Packager
// =============================================================================

// Packager saves images from the local Docker daemon to archive files.
type Packager struct {
	cli imageAPI
}

// NewPackager creates a packager talking to the local daemon.
// If host is empty, it uses the default Docker host from environment.
func NewPackager(host string) (*Packager, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, NewDockerError("NewPackager", "", "", err.Error(), ErrConnectionFailed)
	}
	return &Packager{cli: cli}, nil
}

// Close releases the daemon connection.
func (p *Packager) Close() error {
	return p.cli.Close()
}

// Save writes the image ref to dest as a `docker save` archive.
// A partially written archive is removed on failure.
func (p *Packager) Save(ctx context.Context, ref, dest string) error {
	if _, _, err := p.cli.ImageInspectWithRaw(ctx, ref); err != nil {
		if client.IsErrNotFound(err) {
			return NewDockerError("Save", "image", ref, "image not present in local daemon", ErrImageNotFound)
		}
		if client.IsErrConnectionFailed(err) {
			return NewDockerError("Save", "image", ref, err.Error(), ErrConnectionFailed)
		}
		return NewDockerError("Save", "image", ref, err.Error(), err)
	}

	reader, err := p.cli.ImageSave(ctx, []string{ref})
	if err != nil {
		return NewDockerError("Save", "image", ref, err.Error(), ErrImageSaveFailed)
	}
	defer reader.Close()

	f, err := os.Create(dest)
	if err != nil {
		return NewDockerError("Save", "archive", dest, err.Error(), err)
	}

	if _, err := io.Copy(f, reader); err != nil {
		f.Close()
		os.Remove(dest)
		return NewDockerError("Save", "image", ref, fmt.Sprintf("write %s: %v", dest, err), ErrImageSaveFailed)
	}
	if err := f.Close(); err != nil {
		os.Remove(dest)
		return NewDockerError("Save", "archive", dest, err.Error(), ErrImageSaveFailed)
	}
	return nil
}
