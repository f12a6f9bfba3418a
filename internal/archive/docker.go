package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/blobvault/blobvault/internal/lock"
	"github.com/blobvault/blobvault/internal/repo"
)

// ImageInfo represents basic Docker image information.
type ImageInfo struct {
	ID       string            `json:"id"`
	RepoTags []string          `json:"repo_tags"`
	Created  time.Time         `json:"created"`
	Size     int64             `json:"size"`
	Labels   map[string]string `json:"labels"`
}

// DockerClient abstracts the Docker daemon for image harvesting. The real
// implementation wraps the official SDK; tests use a mock.
type DockerClient interface {
	// ListImages lists all images known to the daemon.
	ListImages(ctx context.Context) ([]ImageInfo, error)

	// InspectImage returns the raw inspect document for an image, or nil
	// when the image no longer exists.
	InspectImage(ctx context.Context, id string) ([]byte, error)
}

// DockerJobStats summarizes one harvest run.
type DockerJobStats struct {
	Pushed  int
	Skipped int
}

// DockerJob pushes per-image inspect documents into a grouped collection:
// group is the sanitized repository name, id the sanitized tag. Re-tagged
// images are detected by image id and re-pushed.
type DockerJob struct {
	repo   *repo.Repository
	client DockerClient
}

// NewDockerJob returns a harvester pushing into r, which must use group
// keys.
func NewDockerJob(r *repo.Repository, client DockerClient) *DockerJob {
	return &DockerJob{repo: r, client: client}
}

// Run harvests every tagged image, renewing the session between images.
func (j *DockerJob) Run(ctx context.Context, session lock.Session) (*DockerJobStats, error) {
	images, err := j.client.ListImages(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing images: %w", err)
	}

	stats := &DockerJobStats{}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			repoName, tagName, ok := splitRepoTag(tag)
			if !ok {
				continue
			}
			pushed, err := j.harvestImage(ctx, img, repoName, tagName)
			if err != nil {
				return stats, err
			}
			if pushed {
				stats.Pushed++
			} else {
				stats.Skipped++
			}
		}
		if session != nil {
			if err := session.RenewIfNeeded(ctx); err != nil {
				return stats, err
			}
		}
	}

	log.Info().Int("pushed", stats.Pushed).Int("skipped", stats.Skipped).Msg("docker harvest complete")
	return stats, nil
}

func (j *DockerJob) harvestImage(ctx context.Context, img ImageInfo, repoName, tagName string) (bool, error) {
	key := repo.GroupKey(sanitizeName(repoName), sanitizeName(tagName)+".json")

	prev, err := j.repo.Get(ctx, key, repo.VersionCurrent)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return false, err
	}
	if prev != nil && !prev.Deleted && prev.ExtraString("image_id") == img.ID {
		log.Debug().Str("image", repoName+":"+tagName).Msg("image unchanged, skipped")
		return false, nil
	}

	inspect, err := j.client.InspectImage(ctx, img.ID)
	if err != nil {
		return false, fmt.Errorf("inspecting image %s: %w", img.ID, err)
	}
	if inspect == nil {
		log.Warn().Str("image", img.ID).Msg("image vanished before inspect, skipped")
		return false, nil
	}

	rec := &repo.Record{ResourceGroup: key.Group, ResourceID: key.ID}
	rec.SetExtra("image_id", img.ID)
	rec.SetExtra("image_size", img.Size)
	rec.SetExtra("image_created", img.Created.UTC().Format(time.RFC3339))

	if _, err := j.repo.Push(ctx, rec, bytes.NewReader(inspect), repo.PushOptions{}); err != nil {
		return false, err
	}
	return true, nil
}

// splitRepoTag splits "repo:tag", rejecting untagged "<none>" entries.
func splitRepoTag(repoTag string) (repoName, tagName string, ok bool) {
	if strings.Contains(repoTag, "<none>") {
		return "", "", false
	}
	i := strings.LastIndex(repoTag, ":")
	if i <= 0 {
		return "", "", false
	}
	return repoTag[:i], repoTag[i+1:], true
}

// sanitizeName makes a repo or tag name safe as a path segment.
func sanitizeName(name string) string {
	return strings.NewReplacer("/", "_", ":", "_", "@", "_").Replace(name)
}
