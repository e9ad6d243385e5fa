package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipway-sh/slipway/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	gdb, err := db.NewDatabase(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	return New(gdb)
}

func seedConfig(t *testing.T, s *Store, name string) db.AutoDeployment {
	t.Helper()
	cfg := db.AutoDeployment{
		OwnerID: "owner-1",
		Name:    name,
		RepoURL: "https://example.test/repo.git",
		Branch:  "main",
		Status:  db.StatusSuccess,
	}
	require.NoError(t, s.CreateConfig(context.Background(), &cfg))
	return cfg
}

func TestConfigNameUniquePerOwner(t *testing.T) {
	s := newTestStore(t)
	seedConfig(t, s, "api")

	dup := db.AutoDeployment{OwnerID: "owner-1", Name: "api"}
	assert.Error(t, s.CreateConfig(context.Background(), &dup))

	other := db.AutoDeployment{OwnerID: "owner-2", Name: "api"}
	assert.NoError(t, s.CreateConfig(context.Background(), &other))
}

func TestTerminalRunIsFrozen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cfg := seedConfig(t, s, "api")

	run := db.DeploymentHistory{DeploymentID: cfg.ID, Status: db.StatusPending, Trigger: db.TriggerManual}
	require.NoError(t, s.CreateRun(ctx, &run))

	now := time.Now().UTC()
	require.NoError(t, s.StartRun(ctx, run.ID, now))
	require.NoError(t, s.UpdateRunStatus(ctx, run.ID, db.StatusDeploying))
	require.NoError(t, s.FinishRun(ctx, run.ID, db.StatusSuccess, "", "done", nil))

	// any further transition is a no-op
	require.NoError(t, s.UpdateRunStatus(ctx, run.ID, db.StatusFailed))
	require.NoError(t, s.FinishRun(ctx, run.ID, db.StatusFailed, "late", "late", nil))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusSuccess, got.Status)
	assert.Equal(t, "done", got.Log)
	assert.NotNil(t, got.FinishedAt)
}

func TestFinishRunRejectsNonTerminalStatus(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.FinishRun(context.Background(), 1, db.StatusBuilding, "", "", nil))
}

func TestActiveRunExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cfg := seedConfig(t, s, "api")

	active, err := s.ActiveRunExists(ctx, cfg.ID)
	require.NoError(t, err)
	assert.False(t, active)

	run := db.DeploymentHistory{DeploymentID: cfg.ID, Status: db.StatusPending}
	require.NoError(t, s.CreateRun(ctx, &run))
	active, err = s.ActiveRunExists(ctx, cfg.ID)
	require.NoError(t, err)
	assert.True(t, active)

	require.NoError(t, s.FinishRun(ctx, run.ID, db.StatusCancelled, "", "", nil))
	active, err = s.ActiveRunExists(ctx, cfg.ID)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestReconcileStaleRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cfg := seedConfig(t, s, "api")

	fresh := db.DeploymentHistory{DeploymentID: cfg.ID, Status: db.StatusBuilding}
	require.NoError(t, s.CreateRun(ctx, &fresh))
	started := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, s.db.Model(&fresh).Update("started_at", started).Error)

	old := db.DeploymentHistory{DeploymentID: cfg.ID, Status: db.StatusDeploying}
	require.NoError(t, s.CreateRun(ctx, &old))
	longAgo := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, s.db.Model(&old).Update("started_at", longAgo).Error)

	done := db.DeploymentHistory{DeploymentID: cfg.ID, Status: db.StatusSuccess}
	require.NoError(t, s.CreateRun(ctx, &done))

	n, err := s.ReconcileStaleRuns(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, _ := s.GetRun(ctx, fresh.ID)
	assert.Equal(t, db.StatusFailed, got.Status)
	got, _ = s.GetRun(ctx, old.ID)
	assert.Equal(t, db.StatusTimeout, got.Status)
	got, _ = s.GetRun(ctx, done.ID)
	assert.Equal(t, db.StatusSuccess, got.Status)
}

func TestReconcileExpiredRunsSkipsOwnedAndFreshRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cfg := seedConfig(t, s, "api")
	longAgo := time.Now().UTC().Add(-2 * time.Hour)

	owned := db.DeploymentHistory{DeploymentID: cfg.ID, Status: db.StatusBuilding}
	require.NoError(t, s.CreateRun(ctx, &owned))
	require.NoError(t, s.db.Model(&owned).Update("started_at", longAgo).Error)

	fresh := db.DeploymentHistory{DeploymentID: cfg.ID, Status: db.StatusBuilding}
	require.NoError(t, s.CreateRun(ctx, &fresh))
	require.NoError(t, s.db.Model(&fresh).Update("started_at", time.Now().UTC().Add(-time.Minute)).Error)

	expired := db.DeploymentHistory{DeploymentID: cfg.ID, Status: db.StatusDeploying}
	require.NoError(t, s.CreateRun(ctx, &expired))
	require.NoError(t, s.db.Model(&expired).Update("started_at", longAgo).Error)

	n, err := s.ReconcileExpiredRuns(ctx, 30*time.Minute, []uint{owned.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The excluded run keeps its status even though it is past the deadline.
	got, _ := s.GetRun(ctx, owned.ID)
	assert.Equal(t, db.StatusBuilding, got.Status)
	got, _ = s.GetRun(ctx, fresh.ID)
	assert.Equal(t, db.StatusBuilding, got.Status)
	got, _ = s.GetRun(ctx, expired.ID)
	assert.Equal(t, db.StatusTimeout, got.Status)
}

func TestSecretUpsertAndKeyListing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cfg := seedConfig(t, s, "api")

	require.NoError(t, s.UpsertSecret(ctx, &db.DeploymentSecret{
		AutoDeploymentID: cfg.ID, Key: "DB_URL", Ciphertext: "v1",
	}))
	require.NoError(t, s.UpsertSecret(ctx, &db.DeploymentSecret{
		AutoDeploymentID: cfg.ID, Key: "DB_URL", Ciphertext: "v2",
	}))
	require.NoError(t, s.UpsertSecret(ctx, &db.DeploymentSecret{
		AutoDeploymentID: cfg.ID, Key: "API_TOKEN", Ciphertext: "t1",
	}))

	keys, err := s.ListSecretKeys(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"API_TOKEN", "DB_URL"}, keys)

	secrets, err := s.SecretsForDeploy(ctx, cfg.ID)
	require.NoError(t, err)
	require.Len(t, secrets, 2)
	for _, sec := range secrets {
		if sec.Key == "DB_URL" {
			assert.Equal(t, "v2", sec.Ciphertext)
		}
	}
}

func TestMetricsSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cfg := seedConfig(t, s, "api")

	for _, m := range []db.DeploymentMetrics{
		{DurationMS: 1000, QueueWaitMS: 100, SecurityScore: 90, HealthRatio: 1.0},
		{DurationMS: 3000, QueueWaitMS: 300, SecurityScore: 70, HealthRatio: 0.5, RollbackPerformed: true},
	} {
		run := db.DeploymentHistory{DeploymentID: cfg.ID, Status: db.StatusSuccess}
		require.NoError(t, s.CreateRun(ctx, &run))
		m.HistoryID = run.ID
		require.NoError(t, s.CreateMetrics(ctx, &m))
	}

	sum, err := s.GetMetricsSummary(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.Runs)
	assert.InDelta(t, 2000, sum.AvgDurationMS, 1e-9)
	assert.InDelta(t, 200, sum.AvgQueueWaitMS, 1e-9)
	assert.InDelta(t, 80, sum.AvgScore, 1e-9)
	assert.InDelta(t, 0.75, sum.AvgHealthRatio, 1e-9)
	assert.Equal(t, int64(1), sum.Rollbacks)

	sum, err = s.GetMetricsSummary(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, sum.Runs)
}

func TestDeleteConfigCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cfg := seedConfig(t, s, "api")
	require.NoError(t, s.UpsertSecret(ctx, &db.DeploymentSecret{
		AutoDeploymentID: cfg.ID, Key: "K", Ciphertext: "c",
	}))

	require.NoError(t, s.DeleteConfig(ctx, cfg.ID))
	_, err := s.GetConfig(ctx, cfg.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	keys, err := s.ListSecretKeys(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Empty(t, keys)

	assert.ErrorIs(t, s.DeleteConfig(ctx, cfg.ID), ErrNotFound)
}
