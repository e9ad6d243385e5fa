package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/slipway-sh/slipway/internal/docker"
	"github.com/slipway-sh/slipway/internal/spec"
)

// Snapshot captures the container being replaced so it can be restored.
type Snapshot struct {
	ContainerID string
	Name        string
	Image       string
	Env         map[string]string
	Spec        spec.ContainerSpec
	TakenAt     time.Time
}

// Manager snapshots and stops the current container before a new version is
// deployed, and restores it when a rollback is required.
type Manager struct {
	rt          docker.Runtime
	stopTimeout time.Duration
	log         *zap.Logger
}

// NewManager creates a backup/rollback manager.
func NewManager(rt docker.Runtime, stopTimeout time.Duration, log *zap.Logger) *Manager {
	return &Manager{rt: rt, stopTimeout: stopTimeout, log: log}
}

// Backup captures containerID's runtime state and stops it gracefully.
// A nil snapshot with nil error means there was nothing to back up, which is
// the normal first-deploy case.
func (m *Manager) Backup(ctx context.Context, containerID string, containerSpec spec.ContainerSpec) (*Snapshot, error) {
	if containerID == "" {
		return nil, nil
	}

	info, err := m.rt.InspectContainer(ctx, containerID)
	if err != nil {
		if errors.Is(err, docker.ErrNotFound) {
			m.log.Warn("recorded current container no longer exists, skipping backup",
				zap.String("container_id", containerID))
			return nil, nil
		}
		return nil, fmt.Errorf("could not inspect current container: %w", err)
	}

	snap := &Snapshot{
		ContainerID: info.ID,
		Name:        info.Name,
		Image:       info.Image,
		Env:         info.Env,
		Spec:        containerSpec,
		TakenAt:     time.Now().UTC(),
	}

	if info.Running {
		if err := m.rt.StopContainer(ctx, containerID, m.stopTimeout); err != nil {
			return nil, fmt.Errorf("could not stop current container: %w", err)
		}
	}
	m.log.Info("backed up current container",
		zap.String("container_id", snap.ContainerID),
		zap.String("image", snap.Image))
	return snap, nil
}

// Rollback recreates the snapshotted container under a new name, attached to
// the same network, and returns the restored container id. Rollback is never
// retried automatically; a failure here requires operator attention.
func (m *Manager) Rollback(ctx context.Context, snap *Snapshot) (string, error) {
	if snap == nil {
		return "", fmt.Errorf("no backup snapshot to roll back to")
	}

	name := fmt.Sprintf("%s-restored-%s", snap.Name, uuid.NewString()[:8])
	id, err := m.rt.RunContainer(ctx, docker.RunOptions{
		Name:  name,
		Image: snap.Image,
		Env:   snap.Env,
		Spec:  snap.Spec,
	})
	if err != nil {
		return "", fmt.Errorf("could not restore container from snapshot of %s: %w", snap.ContainerID, err)
	}

	// The stopped original stays behind for forensics; only its name slot
	// mattered and the restored container uses a fresh one.
	m.log.Info("rolled back to previous container",
		zap.String("restored_id", id),
		zap.String("image", snap.Image),
		zap.String("replaced_backup", snap.ContainerID))
	return id, nil
}
