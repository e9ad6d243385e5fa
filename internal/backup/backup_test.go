package backup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/slipway-sh/slipway/internal/docker"
	"github.com/slipway-sh/slipway/internal/spec"
)

func testManager(rt docker.Runtime) *Manager {
	return NewManager(rt, 30*time.Second, zap.NewNop())
}

func TestBackupFirstDeployReturnsNil(t *testing.T) {
	m := testManager(docker.NewFake())
	snap, err := m.Backup(context.Background(), "", spec.ContainerSpec{})
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestBackupMissingContainerReturnsNil(t *testing.T) {
	m := testManager(docker.NewFake())
	snap, err := m.Backup(context.Background(), "gone", spec.ContainerSpec{})
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestBackupCapturesAndStops(t *testing.T) {
	fake := docker.NewFake()
	id := fake.Seed(docker.ContainerInfo{
		Name:    "api",
		Image:   "api:v1",
		Running: true,
		Env:     map[string]string{"MODE": "prod"},
	})

	cs := spec.ContainerSpec{Ports: []spec.PortBinding{{HostPort: 8080, ContainerPort: 80}}}
	snap, err := testManager(fake).Backup(context.Background(), id, cs)
	require.NoError(t, err)
	require.NotNil(t, snap)

	assert.Equal(t, id, snap.ContainerID)
	assert.Equal(t, "api:v1", snap.Image)
	assert.Equal(t, "prod", snap.Env["MODE"])
	assert.Equal(t, cs, snap.Spec)
	assert.Contains(t, fake.Stopped, id)
	assert.False(t, fake.Get(id).Info.Running)
}

func TestBackupStopFailureSurfaces(t *testing.T) {
	fake := docker.NewFake()
	id := fake.Seed(docker.ContainerInfo{Name: "api", Image: "api:v1", Running: true})
	fake.StopErr = errors.New("daemon busy")

	_, err := testManager(fake).Backup(context.Background(), id, spec.ContainerSpec{})
	assert.Error(t, err)
}

func TestRollbackRecreatesContainer(t *testing.T) {
	fake := docker.NewFake()
	snap := &Snapshot{
		ContainerID: "old-1",
		Name:        "api",
		Image:       "api:v1",
		Env:         map[string]string{"MODE": "prod"},
		Spec:        spec.ContainerSpec{Network: "edge"},
	}

	id, err := testManager(fake).Rollback(context.Background(), snap)
	require.NoError(t, err)

	restored := fake.Get(id)
	require.NotNil(t, restored)
	assert.Equal(t, "api:v1", restored.Info.Image)
	assert.Equal(t, "edge", restored.Info.Spec.Network)
	assert.True(t, restored.Info.Running)
	assert.NotEqual(t, "api", restored.Info.Name)
	assert.Contains(t, restored.Info.Name, "api-restored-")
}

func TestRollbackWithoutSnapshotFails(t *testing.T) {
	_, err := testManager(docker.NewFake()).Rollback(context.Background(), nil)
	assert.Error(t, err)
}

func TestRollbackRunFailureSurfaces(t *testing.T) {
	fake := docker.NewFake()
	fake.RunErr = errors.New("image missing")
	_, err := testManager(fake).Rollback(context.Background(), &Snapshot{Name: "api", Image: "api:v1"})
	assert.Error(t, err)
}
