package docker

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

type notFoundError struct{}

func (notFoundError) Error() string { return "No such image" }
func (notFoundError) NotFound()     {}

type fakeImageAPI struct {
	inspectErr error
	saveErr    error
	body       io.Reader
	saved      []string
}

func (f *fakeImageAPI) ImageInspectWithRaw(_ context.Context, _ string) (image.InspectResponse, []byte, error) {
	return image.InspectResponse{}, nil, f.inspectErr
}

func (f *fakeImageAPI) ImageSave(_ context.Context, ids []string, _ ...client.ImageSaveOption) (io.ReadCloser, error) {
	f.saved = append(f.saved, ids...)
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	return io.NopCloser(f.body), nil
}

func (f *fakeImageAPI) Close() error { return nil }

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("stream reset") }

// =============================================================================
// Save Tests
// =============================================================================

func TestPackager_SaveWritesArchive(t *testing.T) {
	fake := &fakeImageAPI{body: strings.NewReader("tar-bytes")}
	p := &Packager{cli: fake}
	dest := filepath.Join(t.TempDir(), "acme_api_1.0.tar")

	require.NoError(t, p.Save(context.Background(), "acme/api:1.0", dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "tar-bytes", string(data))
	assert.Equal(t, []string{"acme/api:1.0"}, fake.saved)
}

func TestPackager_SaveImageNotFound(t *testing.T) {
	fake := &fakeImageAPI{inspectErr: notFoundError{}}
	p := &Packager{cli: fake}

	err := p.Save(context.Background(), "ghost", filepath.Join(t.TempDir(), "ghost.tar"))
	assert.ErrorIs(t, err, ErrImageNotFound)

	var de *DockerError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "ghost", de.ID)
	assert.Empty(t, fake.saved)
}

func TestPackager_SaveFailure(t *testing.T) {
	fake := &fakeImageAPI{saveErr: errors.New("daemon busy")}
	p := &Packager{cli: fake}

	err := p.Save(context.Background(), "acme/api", filepath.Join(t.TempDir(), "api.tar"))
	assert.ErrorIs(t, err, ErrImageSaveFailed)
}

func TestPackager_SaveStreamErrorRemovesPartialFile(t *testing.T) {
	fake := &fakeImageAPI{body: failingReader{}}
	p := &Packager{cli: fake}
	dest := filepath.Join(t.TempDir(), "api.tar")

	err := p.Save(context.Background(), "acme/api", dest)
	assert.ErrorIs(t, err, ErrImageSaveFailed)

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestNewPackager_InvalidHost(t *testing.T) {
	t.Setenv("DOCKER_HOST", "")
	t.Setenv("DOCKER_CERT_PATH", "")

	p, err := NewPackager("not-a-host")
	require.Error(t, err)
	assert.Nil(t, p)
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.Contains(t, err.Error(), "not-a-host")
}

func TestDockerError_Message(t *testing.T) {
	err := NewDockerError("Save", "image", "acme/api", "boom", ErrImageSaveFailed)
	assert.Equal(t, "Save image acme/api: boom", err.Error())
	assert.ErrorIs(t, err, ErrImageSaveFailed)
}
