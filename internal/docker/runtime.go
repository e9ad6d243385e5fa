package docker

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/slipway-sh/slipway/internal/spec"
)

// ErrNotFound is returned by InspectContainer for absent containers.
var ErrNotFound = errors.New("container not found")

// Runtime is the narrow container-runtime capability set the pipeline needs.
// It is implemented once against the Docker API and once as an in-memory
// fake for tests.
type Runtime interface {
	// BuildImage builds an image from a checkout directory and recipe,
	// streaming build output into opts.Output when set.
	BuildImage(ctx context.Context, opts BuildOptions) (BuildResult, error)
	// RunContainer creates and starts a container, returning its id.
	RunContainer(ctx context.Context, opts RunOptions) (string, error)
	// StopContainer stops a container gracefully within timeout.
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	// RemoveContainer removes a container. Removing an absent container is
	// not an error.
	RemoveContainer(ctx context.Context, id string, force bool) error
	// InspectContainer returns the container's current state and config.
	// Absent containers yield ErrNotFound.
	InspectContainer(ctx context.Context, id string) (ContainerInfo, error)
	// StreamLogs returns up to tail recent log lines as one string.
	StreamLogs(ctx context.Context, id string, tail int) (string, error)
	// Stats samples the container's resource usage once.
	Stats(ctx context.Context, id string) (ContainerStats, error)
}

// BuildOptions describes one image build.
type BuildOptions struct {
	ContextDir string
	RecipePath string // relative to ContextDir
	Tag        string
	Output     io.Writer // optional sink for the build log stream
}

// BuildResult reports the built image.
type BuildResult struct {
	ImageRef  string
	SizeBytes int64
}

// RunOptions describes one container to create and start.
type RunOptions struct {
	Name  string
	Image string
	Env   map[string]string
	Spec  spec.ContainerSpec
}

// ContainerInfo is the subset of inspect output the pipeline consumes.
type ContainerInfo struct {
	ID        string
	Name      string
	Image     string
	Running   bool
	ExitCode  int
	Env       map[string]string
	Spec      spec.ContainerSpec
	StartedAt time.Time
}

// ContainerStats is a single resource-usage sample.
type ContainerStats struct {
	CPUPercent  float64
	MemoryBytes int64
}
