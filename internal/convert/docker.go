package convert

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
)

const (
	// DefaultImage wraps the vendor converter executable.
	DefaultImage = "wsilab/slide-converter:latest"

	containerSrcDir = "/in"
	containerDstDir = "/out"

	dockerLabel = "tessera-convert"
)

// DockerRunner runs the converter inside a one-shot container per slide.
// The source and destination directories are bind-mounted in, the
// container runs the conversion and exits, and its exit code decides
// success.
type DockerRunner struct {
	cli    *client.Client
	image  string
	level  int
	logger *slog.Logger
}

func NewDockerRunner(imageName string, level int, logger *slog.Logger) (*DockerRunner, error) {
	if err := ValidateLevel(level); err != nil {
		return nil, err
	}
	if imageName == "" {
		imageName = DefaultImage
	}
	if logger == nil {
		logger = slog.Default()
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerRunner{cli: cli, image: imageName, level: level, logger: logger}, nil
}

// Close closes the Docker client.
func (r *DockerRunner) Close() error {
	return r.cli.Close()
}

func (r *DockerRunner) Convert(ctx context.Context, src, dst string) error {
	if err := r.waitForDaemon(ctx); err != nil {
		return fmt.Errorf("docker is not running: %w", err)
	}
	if err := r.ensureImage(ctx); err != nil {
		return err
	}

	absSrc, err := filepath.Abs(src)
	if err != nil {
		return err
	}
	absDst, err := filepath.Abs(dst)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(absDst), 0o755); err != nil {
		return fmt.Errorf("preparing output dir: %w", err)
	}

	containerConfig := &container.Config{
		Image: r.image,
		Cmd: []string{
			path.Join(containerSrcDir, filepath.Base(absSrc)),
			path.Join(containerDstDir, filepath.Base(absDst)),
			strconv.Itoa(r.level),
		},
		Labels: map[string]string{dockerLabel: "true"},
	}
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:     mount.TypeBind,
				Source:   filepath.Dir(absSrc),
				Target:   containerSrcDir,
				ReadOnly: true,
			},
			{
				Type:   mount.TypeBind,
				Source: filepath.Dir(absDst),
				Target: containerDstDir,
			},
		},
	}

	resp, err := r.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	defer func() {
		_ = r.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
	}()

	r.logger.Debug("running converter container", "image", r.image, "src", src, "dst", dst)
	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}

	statusCh, errCh := r.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return fmt.Errorf("waiting for converter: %w", err)
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return fmt.Errorf("converter %s exited with code %d: %s",
				filepath.Base(src), status.StatusCode, r.containerLogs(ctx, resp.ID))
		}
	}
	return verifyOutput(absDst)
}

// waitForDaemon pings the daemon a few times before giving up; the first
// conversion of a batch often races a daemon that is still starting.
func (r *DockerRunner) waitForDaemon(ctx context.Context) error {
	return retry.Do(
		func() error {
			_, err := r.cli.Ping(ctx)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(1*time.Second),
	)
}

// ensureImage pulls the converter image if not present.
func (r *DockerRunner) ensureImage(ctx context.Context) error {
	_, err := r.cli.ImageInspect(ctx, r.image)
	if err == nil {
		return nil
	}

	r.logger.Info("pulling converter image", "image", r.image)
	reader, err := r.cli.ImagePull(ctx, r.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", r.image, err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (r *DockerRunner) containerLogs(ctx context.Context, containerID string) string {
	logs, err := r.cli.ContainerLogs(context.WithoutCancel(ctx), containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "20",
	})
	if err != nil {
		return "(logs unavailable)"
	}
	defer logs.Close()

	data, err := io.ReadAll(logs)
	if err != nil {
		return "(logs unavailable)"
	}
	return strings.TrimSpace(string(data))
}
