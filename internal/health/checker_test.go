package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipway-sh/slipway/internal/docker"
	"github.com/slipway-sh/slipway/internal/spec"
)

var reachable DialFunc = func(ctx context.Context, address string, timeout time.Duration) error {
	return nil
}

var unreachable DialFunc = func(ctx context.Context, address string, timeout time.Duration) error {
	return errors.New("connection refused")
}

func seedRunning(fake *docker.Fake) string {
	return fake.Seed(docker.ContainerInfo{Name: "api", Image: "api:v2", Running: true})
}

func TestAllChecksPass(t *testing.T) {
	fake := docker.NewFake()
	id := seedRunning(fake)
	fake.CPUPercent = 12

	c := NewChecker(fake, []string{"panic:"}, 90).WithDialer(reachable)
	results := c.Run(context.Background(), id, []spec.PortBinding{{HostPort: 8080, ContainerPort: 80}})

	require.Len(t, results, 4)
	for _, r := range results {
		assert.True(t, r.Passed, "check %s: %s", r.Kind, r.Detail)
	}
	assert.Equal(t, 1.0, Ratio(results))
}

func TestThreeOfFourIsHealthy(t *testing.T) {
	fake := docker.NewFake()
	id := seedRunning(fake)
	fake.CPUPercent = 97 // resource check fails

	c := NewChecker(fake, []string{"panic:"}, 90).WithDialer(reachable)
	results := c.Run(context.Background(), id, []spec.PortBinding{{HostPort: 8080, ContainerPort: 80}})

	assert.Equal(t, 0.75, Ratio(results))
}

func TestStoppedContainerFailsProcessAndPortChecks(t *testing.T) {
	fake := docker.NewFake()
	id := fake.Seed(docker.ContainerInfo{Name: "api", Running: false, ExitCode: 137})
	fake.Get(id).Logs = "service listening\npanic: nil pointer\n"
	fake.CPUPercent = 10

	c := NewChecker(fake, []string{"panic:"}, 90).WithDialer(unreachable)
	results := c.Run(context.Background(), id, []spec.PortBinding{{HostPort: 8080, ContainerPort: 80}})

	byKind := map[string]Result{}
	for _, r := range results {
		byKind[r.Kind] = r
	}
	assert.False(t, byKind[KindProcess].Passed)
	assert.False(t, byKind[KindLogScan].Passed)
	assert.False(t, byKind[KindPort].Passed)
	assert.True(t, byKind[KindResource].Passed)
	assert.InDelta(t, 0.25, Ratio(results), 1e-9)
}

func TestUnevaluableChecksCountAsPass(t *testing.T) {
	fake := docker.NewFake()
	id := seedRunning(fake)

	// No ports exposed and no error markers configured: both checks are
	// skipped and pass by default.
	c := NewChecker(fake, nil, 90).WithDialer(unreachable)
	results := c.Run(context.Background(), id, nil)

	byKind := map[string]Result{}
	for _, r := range results {
		byKind[r.Kind] = r
	}
	assert.True(t, byKind[KindLogScan].Skipped)
	assert.True(t, byKind[KindLogScan].Passed)
	assert.True(t, byKind[KindPort].Skipped)
	assert.True(t, byKind[KindPort].Passed)
	assert.Equal(t, 1.0, Ratio(results))
}

func TestMissingContainerFailsProcessCheck(t *testing.T) {
	fake := docker.NewFake()
	c := NewChecker(fake, []string{"panic:"}, 90).WithDialer(reachable)
	results := c.Run(context.Background(), "ghost", nil)

	byKind := map[string]Result{}
	for _, r := range results {
		byKind[r.Kind] = r
	}
	assert.False(t, byKind[KindProcess].Passed)
	// stats on a missing container is no signal
	assert.True(t, byKind[KindResource].Skipped)
}

func TestAnyReachablePortPasses(t *testing.T) {
	fake := docker.NewFake()
	id := seedRunning(fake)

	calls := 0
	oneOfTwo := func(ctx context.Context, address string, timeout time.Duration) error {
		calls++
		if calls == 1 {
			return errors.New("refused")
		}
		return nil
	}
	c := NewChecker(fake, nil, 90).WithDialer(oneOfTwo)
	results := c.Run(context.Background(), id, []spec.PortBinding{
		{HostPort: 8080, ContainerPort: 80},
		{HostPort: 8443, ContainerPort: 443},
	})

	byKind := map[string]Result{}
	for _, r := range results {
		byKind[r.Kind] = r
	}
	assert.True(t, byKind[KindPort].Passed)
}
