package docker

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// FakeContainer is the fake runtime's record of one container.
type FakeContainer struct {
	Info ContainerInfo
	Logs string
}

// Fake is an in-memory Runtime for tests. Error fields, when set, make the
// corresponding operation fail; hook fields observe calls.
type Fake struct {
	mu         sync.Mutex
	containers map[string]*FakeContainer
	seq        int

	BuildErr  error
	RunErr    error
	StopErr   error
	RemoveErr error

	ImageSize  int64
	BuildLog   string
	LogsByName map[string]string // container name -> log tail
	CPUPercent float64

	Stopped []string
	Removed []string
	Started []string
}

// NewFake returns an empty fake runtime.
func NewFake() *Fake {
	return &Fake{
		containers: make(map[string]*FakeContainer),
		LogsByName: make(map[string]string),
		ImageSize:  42 << 20,
		BuildLog:   "Step 1/1 : FROM scratch\nSuccessfully built\n",
	}
}

// Seed registers a running container, returning its id.
func (f *Fake) Seed(info ContainerInfo) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	if info.ID == "" {
		info.ID = fmt.Sprintf("fake-%d", f.seq)
	}
	f.containers[info.ID] = &FakeContainer{Info: info}
	return info.ID
}

// Get returns the fake's record for id, or nil.
func (f *Fake) Get(id string) *FakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[id]
}

func (f *Fake) BuildImage(ctx context.Context, opts BuildOptions) (BuildResult, error) {
	if err := ctx.Err(); err != nil {
		return BuildResult{}, err
	}
	if f.BuildErr != nil {
		return BuildResult{}, f.BuildErr
	}
	if opts.Output != nil {
		io.WriteString(opts.Output, f.BuildLog)
	}
	return BuildResult{ImageRef: opts.Tag, SizeBytes: f.ImageSize}, nil
}

func (f *Fake) RunContainer(ctx context.Context, opts RunOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if f.RunErr != nil {
		return "", f.RunErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("fake-%d", f.seq)
	f.containers[id] = &FakeContainer{
		Info: ContainerInfo{
			ID:        id,
			Name:      opts.Name,
			Image:     opts.Image,
			Running:   true,
			Env:       opts.Env,
			Spec:      opts.Spec,
			StartedAt: time.Now(),
		},
		Logs: f.LogsByName[opts.Name],
	}
	f.Started = append(f.Started, id)
	return id, nil
}

func (f *Fake) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	if f.StopErr != nil {
		return f.StopErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return ErrNotFound
	}
	c.Info.Running = false
	f.Stopped = append(f.Stopped, id)
	return nil
}

func (f *Fake) RemoveContainer(ctx context.Context, id string, force bool) error {
	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
	f.Removed = append(f.Removed, id)
	return nil
}

func (f *Fake) InspectContainer(ctx context.Context, id string) (ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return ContainerInfo{}, ErrNotFound
	}
	return c.Info, nil
}

func (f *Fake) StreamLogs(ctx context.Context, id string, tail int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return "", ErrNotFound
	}
	if c.Logs != "" {
		return c.Logs, nil
	}
	return f.LogsByName[c.Info.Name], nil
}

func (f *Fake) Stats(ctx context.Context, id string) (ContainerStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return ContainerStats{}, ErrNotFound
	}
	return ContainerStats{CPUPercent: f.CPUPercent, MemoryBytes: 128 << 20}, nil
}
