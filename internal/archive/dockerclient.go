package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// realDockerClient wraps the official Docker SDK client.
type realDockerClient struct {
	cli *client.Client
}

// NewDockerClient creates a Docker client connected to the given host.
func NewDockerClient(host string) (DockerClient, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &realDockerClient{cli: cli}, nil
}

// ListImages lists all images known to the daemon.
func (c *realDockerClient) ListImages(ctx context.Context) ([]ImageInfo, error) {
	images, err := c.cli.ImageList(ctx, image.ListOptions{All: true})
	if err != nil {
		return nil, err
	}

	result := make([]ImageInfo, 0, len(images))
	for _, img := range images {
		result = append(result, ImageInfo{
			ID:       img.ID,
			RepoTags: img.RepoTags,
			Created:  time.Unix(img.Created, 0).UTC(),
			Size:     img.Size,
			Labels:   img.Labels,
		})
	}
	return result, nil
}

// InspectImage returns the raw inspect document, or nil when the image is
// gone.
func (c *realDockerClient) InspectImage(ctx context.Context, id string) ([]byte, error) {
	inspect, err := c.cli.ImageInspect(ctx, id)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return json.Marshal(inspect)
}
