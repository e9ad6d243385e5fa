package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/slipway-sh/slipway/internal/db"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the gorm-backed persistence layer of the pipeline engine. The
// relational store is the single source of truth for run status; in-memory
// dispatch state must be reconstructable from it.
type Store struct {
	db *gorm.DB
}

// New wraps a gorm connection.
func New(gdb *gorm.DB) *Store {
	return &Store{db: gdb}
}

// ListFilter narrows ListConfigs.
type ListFilter struct {
	Environment string
	Status      string
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// --- deployment configs ---

func (s *Store) CreateConfig(ctx context.Context, cfg *db.AutoDeployment) error {
	return s.db.WithContext(ctx).Create(cfg).Error
}

func (s *Store) GetConfig(ctx context.Context, id uint) (db.AutoDeployment, error) {
	var cfg db.AutoDeployment
	err := s.db.WithContext(ctx).First(&cfg, id).Error
	return cfg, translate(err)
}

func (s *Store) GetConfigByName(ctx context.Context, ownerID, name string) (db.AutoDeployment, error) {
	var cfg db.AutoDeployment
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND name = ?", ownerID, name).
		First(&cfg).Error
	return cfg, translate(err)
}

func (s *Store) ListConfigs(ctx context.Context, ownerID string, filter ListFilter) ([]db.AutoDeployment, error) {
	q := s.db.WithContext(ctx).Where("owner_id = ?", ownerID)
	if filter.Environment != "" {
		q = q.Where("environment = ?", filter.Environment)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	var configs []db.AutoDeployment
	err := q.Order("name").Find(&configs).Error
	return configs, err
}

// DeleteConfig removes a config and, by cascade, its secrets and runs.
func (s *Store) DeleteConfig(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Select(clause.Associations).Delete(&db.AutoDeployment{Model: gorm.Model{ID: id}})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) UpdateConfigStatus(ctx context.Context, id uint, status string) error {
	return s.db.WithContext(ctx).Model(&db.AutoDeployment{}).
		Where("id = ?", id).
		Update("status", status).Error
}

// SetCurrentContainer repoints the config's running container and stamps the
// deploy time.
func (s *Store) SetCurrentContainer(ctx context.Context, id uint, containerID string, deployedAt time.Time) error {
	return s.db.WithContext(ctx).Model(&db.AutoDeployment{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"current_container_id": containerID,
			"last_deployed_at":     deployedAt,
		}).Error
}

// --- runs ---

func (s *Store) CreateRun(ctx context.Context, run *db.DeploymentHistory) error {
	return s.db.WithContext(ctx).Create(run).Error
}

func (s *Store) GetRun(ctx context.Context, id uint) (db.DeploymentHistory, error) {
	var run db.DeploymentHistory
	err := s.db.WithContext(ctx).First(&run, id).Error
	return run, translate(err)
}

// UpdateRunStatus transitions a run. Terminal rows are frozen: updating one
// is a silent no-op so late writers cannot resurrect a finished run.
func (s *Store) UpdateRunStatus(ctx context.Context, id uint, status string) error {
	return s.db.WithContext(ctx).Model(&db.DeploymentHistory{}).
		Where("id = ? AND status IN ?", id, []string{db.StatusPending, db.StatusBuilding, db.StatusDeploying}).
		Update("status", status).Error
}

// SetRunCommit pins the resolved commit once the checkout is fetched.
func (s *Store) SetRunCommit(ctx context.Context, id uint, sha string) error {
	return s.db.WithContext(ctx).Model(&db.DeploymentHistory{}).
		Where("id = ?", id).
		Update("commit_sha", sha).Error
}

// StartRun marks the dispatch start of a pending run.
func (s *Store) StartRun(ctx context.Context, id uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&db.DeploymentHistory{}).
		Where("id = ? AND status = ?", id, db.StatusPending).
		Updates(map[string]any{"status": db.StatusBuilding, "started_at": at}).Error
}

// FinishRun freezes a run in a terminal status with its final log, result
// payload and error message.
func (s *Store) FinishRun(ctx context.Context, id uint, status, errMsg, log string, result datatypes.JSON) error {
	if !db.IsTerminal(status) {
		return fmt.Errorf("finish requires a terminal status, got %q", status)
	}
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&db.DeploymentHistory{}).
		Where("id = ? AND status IN ?", id, []string{db.StatusPending, db.StatusBuilding, db.StatusDeploying}).
		Updates(map[string]any{
			"status":        status,
			"error_message": errMsg,
			"log":           log,
			"result":        result,
			"finished_at":   now,
		}).Error
}

// ActiveRunExists reports whether configID has a run in a non-terminal status.
func (s *Store) ActiveRunExists(ctx context.Context, configID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&db.DeploymentHistory{}).
		Where("deployment_id = ? AND status IN ?", configID,
			[]string{db.StatusPending, db.StatusBuilding, db.StatusDeploying}).
		Count(&count).Error
	return count > 0, err
}

// LatestSuccessfulRun returns the most recent run that ended success.
func (s *Store) LatestSuccessfulRun(ctx context.Context, configID uint) (db.DeploymentHistory, error) {
	var run db.DeploymentHistory
	err := s.db.WithContext(ctx).
		Where("deployment_id = ? AND status = ?", configID, db.StatusSuccess).
		Order("id DESC").
		First(&run).Error
	return run, translate(err)
}

// LatestRuns returns up to limit most recent runs, newest first.
func (s *Store) LatestRuns(ctx context.Context, configID uint, limit int) ([]db.DeploymentHistory, error) {
	if limit <= 0 {
		limit = 10
	}
	var runs []db.DeploymentHistory
	err := s.db.WithContext(ctx).
		Where("deployment_id = ?", configID).
		Order("id DESC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

// --- metrics and health checks ---

func (s *Store) CreateMetrics(ctx context.Context, m *db.DeploymentMetrics) error {
	return s.db.WithContext(ctx).Create(m).Error
}

func (s *Store) CreateHealthChecks(ctx context.Context, checks []db.ContainerHealthCheck) error {
	if len(checks) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(&checks).Error
}

// MetricsSummary is the aggregate over all runs completed in a period.
type MetricsSummary struct {
	Runs           int64   `json:"runs"`
	AvgDurationMS  float64 `json:"avg_duration_ms"`
	AvgQueueWaitMS float64 `json:"avg_queue_wait_ms"`
	AvgScore       float64 `json:"avg_security_score"`
	AvgHealthRatio float64 `json:"avg_health_ratio"`
	Rollbacks      int64   `json:"rollbacks"`
}

// GetMetricsSummary aggregates metrics rows created since the cutoff.
func (s *Store) GetMetricsSummary(ctx context.Context, since time.Time) (MetricsSummary, error) {
	var sum MetricsSummary
	base := s.db.WithContext(ctx).Model(&db.DeploymentMetrics{}).Where("created_at >= ?", since)

	if err := base.Session(&gorm.Session{}).Count(&sum.Runs).Error; err != nil {
		return sum, err
	}
	if sum.Runs == 0 {
		return sum, nil
	}
	row := struct {
		AvgDuration  float64
		AvgQueueWait float64
		AvgScore     float64
		AvgRatio     float64
	}{}
	err := base.Session(&gorm.Session{}).
		Select("AVG(duration_ms) AS avg_duration, AVG(queue_wait_ms) AS avg_queue_wait, AVG(security_score) AS avg_score, AVG(health_ratio) AS avg_ratio").
		Scan(&row).Error
	if err != nil {
		return sum, err
	}
	sum.AvgDurationMS = row.AvgDuration
	sum.AvgQueueWaitMS = row.AvgQueueWait
	sum.AvgScore = row.AvgScore
	sum.AvgHealthRatio = row.AvgRatio

	err = base.Session(&gorm.Session{}).Where("rollback_performed = ?", true).Count(&sum.Rollbacks).Error
	return sum, err
}

// --- secrets ---

// UpsertSecret stores or replaces one encrypted secret.
func (s *Store) UpsertSecret(ctx context.Context, secret *db.DeploymentSecret) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "auto_deployment_id"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"ciphertext", "updated_at"}),
	}).Create(secret).Error
}

// ListSecretKeys returns key names only; ciphertext and plaintext never
// leave through this path.
func (s *Store) ListSecretKeys(ctx context.Context, configID uint) ([]string, error) {
	var keys []string
	err := s.db.WithContext(ctx).Model(&db.DeploymentSecret{}).
		Where("auto_deployment_id = ?", configID).
		Order("key").
		Pluck("key", &keys).Error
	return keys, err
}

// SecretsForDeploy returns the encrypted pairs for the deploy stage.
func (s *Store) SecretsForDeploy(ctx context.Context, configID uint) ([]db.DeploymentSecret, error) {
	var secrets []db.DeploymentSecret
	err := s.db.WithContext(ctx).
		Where("auto_deployment_id = ?", configID).
		Find(&secrets).Error
	return secrets, err
}

// --- reconciliation ---

// ReconcileExpiredRuns moves non-terminal runs past their deadline to
// timeout, skipping the given run ids. Runs owned by a live worker must be
// excluded: their executor still holds the row and finishes it itself.
// Returns the number of reconciled runs.
func (s *Store) ReconcileExpiredRuns(ctx context.Context, runTimeout time.Duration, exclude []uint) (int, error) {
	now := time.Now().UTC()
	skip := make(map[uint]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	var stale []db.DeploymentHistory
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{db.StatusPending, db.StatusBuilding, db.StatusDeploying}).
		Find(&stale).Error
	if err != nil {
		return 0, err
	}

	n := 0
	for _, run := range stale {
		if _, ok := skip[run.ID]; ok {
			continue
		}
		if run.StartedAt == nil || now.Sub(*run.StartedAt) <= runTimeout {
			continue
		}
		msg := "run exceeded the deployment deadline"
		if err := s.FinishRun(ctx, run.ID, db.StatusTimeout, msg, run.Log, run.Result); err != nil {
			return n, err
		}
		if err := s.UpdateConfigStatus(ctx, run.DeploymentID, db.StatusTimeout); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// ReconcileStaleRuns moves runs left non-terminal by a previous process to a
// terminal status: timeout when the run exceeded deadline, failed otherwise.
// Only safe before workers launch; for a live engine use ReconcileExpiredRuns.
// Returns the number of reconciled runs.
func (s *Store) ReconcileStaleRuns(ctx context.Context, runTimeout time.Duration) (int, error) {
	now := time.Now().UTC()
	var stale []db.DeploymentHistory
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{db.StatusPending, db.StatusBuilding, db.StatusDeploying}).
		Find(&stale).Error
	if err != nil {
		return 0, err
	}

	for _, run := range stale {
		status := db.StatusFailed
		msg := "run interrupted by engine restart"
		if run.StartedAt != nil && now.Sub(*run.StartedAt) > runTimeout {
			status = db.StatusTimeout
			msg = "run exceeded deployment timeout across engine restart"
		}
		if err := s.FinishRun(ctx, run.ID, status, msg, run.Log, run.Result); err != nil {
			return 0, err
		}
		if err := s.UpdateConfigStatus(ctx, run.DeploymentID, status); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}
