package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/slipway-sh/slipway/internal/audit"
	"github.com/slipway-sh/slipway/internal/authz"
	"github.com/slipway-sh/slipway/internal/backup"
	"github.com/slipway-sh/slipway/internal/config"
	"github.com/slipway-sh/slipway/internal/db"
	"github.com/slipway-sh/slipway/internal/docker"
	"github.com/slipway-sh/slipway/internal/health"
	"github.com/slipway-sh/slipway/internal/scan"
	"github.com/slipway-sh/slipway/internal/source"
	"github.com/slipway-sh/slipway/internal/spec"
	"github.com/slipway-sh/slipway/internal/store"
	"github.com/slipway-sh/slipway/internal/vault"
)

// Fetcher fetches one source checkout for a run.
type Fetcher interface {
	Fetch(ctx context.Context, repoURL, branch, commit string) (*source.Checkout, error)
}

// Options wires an Engine's collaborators.
type Options struct {
	Store      *store.Store
	Runtime    docker.Runtime
	Fetcher    Fetcher
	Vault      *vault.Vault
	Scanner    scan.Scanner
	Authorizer authz.Authorizer
	Audit      audit.Logger
	Config     config.Pipeline
	Logger     *zap.Logger

	// HealthDialer overrides the TCP prober, for tests.
	HealthDialer health.DialFunc
}

// Engine is the deployment pipeline: a bounded queue feeding a worker pool
// that drives each run through the execution state machine. All mutable
// dispatch state lives here, guarded by mu; the store remains the source of
// truth for run status.
type Engine struct {
	store   *store.Store
	rt      docker.Runtime
	fetcher Fetcher
	vault   *vault.Vault
	scanner scan.Scanner
	policy  scan.Policy
	authz   authz.Authorizer
	audit   audit.Logger
	backups *backup.Manager
	health  *health.Checker
	cfg     config.Pipeline
	log     *zap.Logger

	queue   chan *task
	stopped chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	active map[uint]*task // keyed by config id
	byRun  map[uint]*task // keyed by run id

	startOnce sync.Once
	stopOnce  sync.Once
}

// New assembles an engine. Start must be called before triggering runs.
func New(opts Options) (*Engine, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	if opts.Store == nil || opts.Runtime == nil || opts.Fetcher == nil || opts.Vault == nil {
		return nil, fmt.Errorf("store, runtime, fetcher and vault are required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Scanner == nil {
		opts.Scanner = scan.Static{}
	}
	if opts.Authorizer == nil {
		opts.Authorizer = authz.AllowAll{}
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}

	checker := health.NewChecker(opts.Runtime, opts.Config.ErrorMarkers, opts.Config.CPUSaturation)
	if opts.HealthDialer != nil {
		checker = checker.WithDialer(opts.HealthDialer)
	}

	return &Engine{
		store:   opts.Store,
		rt:      opts.Runtime,
		fetcher: opts.Fetcher,
		vault:   opts.Vault,
		scanner: opts.Scanner,
		policy:  scan.Policy{Floor: opts.Config.ScoreFloor, Minimum: opts.Config.MinScore},
		authz:   opts.Authorizer,
		audit:   opts.Audit,
		backups: backup.NewManager(opts.Runtime, opts.Config.StopTimeout, log),
		health:  checker,
		cfg:     opts.Config,
		log:     log,
		queue:   make(chan *task, opts.Config.QueueCapacity),
		stopped: make(chan struct{}),
		active:  make(map[uint]*task),
		byRun:   make(map[uint]*task),
	}, nil
}

// Start reconciles stale runs left by a previous process and launches the
// worker pool, sized to the queue capacity.
func (e *Engine) Start(ctx context.Context) error {
	var startErr error
	e.startOnce.Do(func() {
		n, err := e.store.ReconcileStaleRuns(ctx, e.cfg.RunTimeout)
		if err != nil {
			startErr = fmt.Errorf("could not reconcile stale runs: %w", err)
			return
		}
		if n > 0 {
			e.log.Warn("reconciled stale runs from previous process", zap.Int("count", n))
		}
		for i := 0; i < e.cfg.QueueCapacity; i++ {
			e.wg.Add(1)
			go e.worker()
		}
		e.log.Info("pipeline engine started",
			zap.Int("workers", e.cfg.QueueCapacity),
			zap.Int("queue_capacity", e.cfg.QueueCapacity))
	})
	return startErr
}

// Stop cancels in-flight runs and waits for the workers to drain. Runs ended
// this way record cancelled, not failed.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopped)
		e.mu.Lock()
		for _, t := range e.active {
			t.markCancelled()
		}
		e.mu.Unlock()
		e.wg.Wait()
	})
}

// activeRunIDs snapshots the ids of runs currently queued or executing.
func (e *Engine) activeRunIDs() []uint {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]uint, 0, len(e.byRun))
	for id := range e.byRun {
		ids = append(ids, id)
	}
	return ids
}

// --- public operations ---

// CreateDeploymentConfig registers a new deployment for ownerID.
func (e *Engine) CreateDeploymentConfig(ctx context.Context, actorID, ownerID string, ds spec.DeploymentSpec) (db.AutoDeployment, error) {
	if err := e.authz.CheckPermission(ctx, actorID, authz.PermDeployCreate); err != nil {
		return db.AutoDeployment{}, err
	}
	if err := validateSpec(ds); err != nil {
		return db.AutoDeployment{}, err
	}

	raw, err := json.Marshal(ds.Container)
	if err != nil {
		return db.AutoDeployment{}, E(KindValidation, "", "unencodable container spec: %v", err)
	}
	recipePath := ds.RecipePath
	if recipePath == "" {
		recipePath = "Dockerfile"
	}

	cfg := db.AutoDeployment{
		OwnerID:         ownerID,
		Name:            ds.Name,
		RepoURL:         ds.RepoURL,
		Branch:          ds.Branch,
		RecipePath:      recipePath,
		Environment:     ds.Environment,
		AutoDeploy:      ds.AutoDeploy,
		RollbackEnabled: ds.RollbackEnabled,
		ContainerSpec:   datatypes.JSON(raw),
		Status:          db.StatusPending,
	}
	if err := e.store.CreateConfig(ctx, &cfg); err != nil {
		return db.AutoDeployment{}, E(KindValidation, "", "could not create deployment %q: %v", ds.Name, err)
	}

	e.audit.LogEvent(ctx, actorID, audit.ActionConfigCreated, resource(cfg.ID), map[string]any{
		"name": cfg.Name, "repo": cfg.RepoURL, "branch": cfg.Branch,
	})
	return cfg, nil
}

// DeleteDeploymentConfig removes a config with its secrets and runs. It
// refuses while a run is queued or executing.
func (e *Engine) DeleteDeploymentConfig(ctx context.Context, actorID string, configID uint) error {
	if err := e.authz.CheckPermission(ctx, actorID, authz.PermDeployDelete); err != nil {
		return err
	}
	e.mu.Lock()
	_, busy := e.active[configID]
	e.mu.Unlock()
	if busy {
		return E(KindAlreadyRunning, "", "deployment %d has an active run", configID)
	}
	if err := e.store.DeleteConfig(ctx, configID); err != nil {
		if err == store.ErrNotFound {
			return E(KindValidation, "", "deployment %d does not exist", configID)
		}
		return Wrap(KindStorage, "", err)
	}
	e.audit.LogEvent(ctx, actorID, audit.ActionConfigDeleted, resource(configID), nil)
	return nil
}

// TriggerDeployment enqueues a run for configID, optionally pinned to a
// commit. It fails synchronously only on pre-flight validation and on the
// per-config mutual-exclusion check; stage failures surface through the
// run's persisted status.
func (e *Engine) TriggerDeployment(ctx context.Context, actorID string, configID uint, commit string, trigger string) (uint, error) {
	if err := e.authz.CheckPermission(ctx, actorID, authz.PermDeployTrigger); err != nil {
		return 0, err
	}
	if trigger == "" {
		trigger = db.TriggerManual
	}
	cfg, err := e.store.GetConfig(ctx, configID)
	if err != nil {
		if err == store.ErrNotFound {
			return 0, E(KindValidation, "", "deployment %d does not exist", configID)
		}
		return 0, Wrap(KindStorage, "", err)
	}
	return e.enqueueRun(ctx, cfg, commit, trigger, actorID)
}

// TriggerByName serves webhook triggers: it resolves owner/name and enqueues
// only when the config has auto-deploy enabled.
func (e *Engine) TriggerByName(ctx context.Context, actorID, ownerID, name, commit string) (uint, error) {
	cfg, err := e.store.GetConfigByName(ctx, ownerID, name)
	if err != nil {
		if err == store.ErrNotFound {
			return 0, E(KindValidation, "", "deployment %s/%s does not exist", ownerID, name)
		}
		return 0, Wrap(KindStorage, "", err)
	}
	if !cfg.AutoDeploy {
		return 0, E(KindValidation, "", "deployment %s/%s has auto-deploy disabled", ownerID, name)
	}
	return e.enqueueRun(ctx, cfg, commit, db.TriggerWebhook, actorID)
}

// CancelDeployment cancels a queued or executing run. Terminal runs cannot
// be cancelled.
func (e *Engine) CancelDeployment(ctx context.Context, actorID string, runID uint) error {
	if err := e.authz.CheckPermission(ctx, actorID, authz.PermDeployCancel); err != nil {
		return err
	}

	e.mu.Lock()
	t := e.byRun[runID]
	e.mu.Unlock()
	if t == nil {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			if err == store.ErrNotFound {
				return E(KindValidation, "", "run %d does not exist", runID)
			}
			return Wrap(KindStorage, "", err)
		}
		return E(KindValidation, "", "run %d is already %s", runID, run.Status)
	}

	t.markCancelled()
	// Winning the claim means no worker has dispatched the run yet: finish
	// its row here and free the slot instead of waiting for dispatch.
	if t.claim() {
		e.release(t)
		_ = e.store.FinishRun(context.Background(), runID, db.StatusCancelled,
			"cancelled while queued", "", nil)
	}
	e.audit.LogEvent(ctx, actorID, audit.ActionCancelled, resource(t.configID), map[string]any{"run_id": runID})
	return nil
}

// RollbackDeployment redeploys the last successful run's commit as a new
// rollback-kind run, returning its id.
func (e *Engine) RollbackDeployment(ctx context.Context, actorID string, configID uint) (uint, error) {
	if err := e.authz.CheckPermission(ctx, actorID, authz.PermDeployRollback); err != nil {
		return 0, err
	}
	cfg, err := e.store.GetConfig(ctx, configID)
	if err != nil {
		if err == store.ErrNotFound {
			return 0, E(KindValidation, "", "deployment %d does not exist", configID)
		}
		return 0, Wrap(KindStorage, "", err)
	}
	last, err := e.store.LatestSuccessfulRun(ctx, configID)
	if err != nil {
		if err == store.ErrNotFound {
			return 0, E(KindValidation, "", "deployment %d has no successful run to roll back to", configID)
		}
		return 0, Wrap(KindStorage, "", err)
	}
	return e.enqueueRun(ctx, cfg, last.CommitSHA, db.TriggerRollback, actorID)
}

// StatusReport is the answer to GetDeploymentStatus.
type StatusReport struct {
	Config    db.AutoDeployment     `json:"config"`
	LatestRun *db.DeploymentHistory `json:"latest_run,omitempty"`
}

// GetDeploymentStatus returns the config and its most recent run.
func (e *Engine) GetDeploymentStatus(ctx context.Context, configID uint) (StatusReport, error) {
	cfg, err := e.store.GetConfig(ctx, configID)
	if err != nil {
		if err == store.ErrNotFound {
			return StatusReport{}, E(KindValidation, "", "deployment %d does not exist", configID)
		}
		return StatusReport{}, Wrap(KindStorage, "", err)
	}
	report := StatusReport{Config: cfg}
	runs, err := e.store.LatestRuns(ctx, configID, 1)
	if err != nil {
		return StatusReport{}, Wrap(KindStorage, "", err)
	}
	if len(runs) > 0 {
		report.LatestRun = &runs[0]
	}
	return report, nil
}

// ListDeployments lists an owner's configs, optionally narrowed.
func (e *Engine) ListDeployments(ctx context.Context, ownerID string, filter store.ListFilter) ([]db.AutoDeployment, error) {
	return e.store.ListConfigs(ctx, ownerID, filter)
}

// GetDeploymentMetrics aggregates run metrics over the trailing period.
func (e *Engine) GetDeploymentMetrics(ctx context.Context, period time.Duration) (store.MetricsSummary, error) {
	return e.store.GetMetricsSummary(ctx, time.Now().Add(-period))
}

// CreateSecret encrypts and stores one key/value secret for a config.
func (e *Engine) CreateSecret(ctx context.Context, actorID string, configID uint, key, value string) error {
	if err := e.authz.CheckPermission(ctx, actorID, authz.PermSecretWrite); err != nil {
		return err
	}
	if key == "" || strings.ContainsRune(key, '=') {
		return E(KindValidation, "", "invalid secret key %q", key)
	}
	if _, err := e.store.GetConfig(ctx, configID); err != nil {
		if err == store.ErrNotFound {
			return E(KindValidation, "", "deployment %d does not exist", configID)
		}
		return Wrap(KindStorage, "", err)
	}
	ciphertext, err := e.vault.Encrypt([]byte(value))
	if err != nil {
		return fmt.Errorf("could not encrypt secret: %w", err)
	}
	err = e.store.UpsertSecret(ctx, &db.DeploymentSecret{
		AutoDeploymentID: configID,
		Key:              key,
		Ciphertext:       ciphertext,
	})
	if err != nil {
		return Wrap(KindStorage, "", err)
	}
	e.audit.LogEvent(ctx, actorID, audit.ActionSecretCreated, resource(configID), map[string]any{"key": key})
	return nil
}

// ListSecretKeys returns the config's secret key names; values stay sealed.
func (e *Engine) ListSecretKeys(ctx context.Context, configID uint) ([]string, error) {
	return e.store.ListSecretKeys(ctx, configID)
}

// RunLog is one run's identity and accumulated log.
type RunLog struct {
	RunID      uint       `json:"run_id"`
	Status     string     `json:"status"`
	Trigger    string     `json:"trigger"`
	CommitSHA  string     `json:"commit_sha,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Log        string     `json:"log"`
	Error      string     `json:"error,omitempty"`
}

// GetDeploymentLogs returns the most recent runs' logs, newest first.
func (e *Engine) GetDeploymentLogs(ctx context.Context, configID uint, limit int) ([]RunLog, error) {
	runs, err := e.store.LatestRuns(ctx, configID, limit)
	if err != nil {
		return nil, Wrap(KindStorage, "", err)
	}
	out := make([]RunLog, len(runs))
	for i, r := range runs {
		out[i] = RunLog{
			RunID:      r.ID,
			Status:     r.Status,
			Trigger:    r.Trigger,
			CommitSHA:  r.CommitSHA,
			StartedAt:  r.StartedAt,
			FinishedAt: r.FinishedAt,
			Log:        r.Log,
			Error:      r.ErrorMessage,
		}
	}
	return out, nil
}

func validateSpec(ds spec.DeploymentSpec) error {
	switch {
	case strings.TrimSpace(ds.Name) == "":
		return E(KindValidation, "", "deployment name is required")
	case strings.ContainsAny(ds.Name, " /\\"):
		return E(KindValidation, "", "deployment name %q contains invalid characters", ds.Name)
	case strings.TrimSpace(ds.RepoURL) == "":
		return E(KindValidation, "", "repository URL is required")
	case strings.TrimSpace(ds.Branch) == "":
		return E(KindValidation, "", "branch is required")
	}
	for _, p := range ds.Container.Ports {
		if p.ContainerPort <= 0 || p.HostPort <= 0 {
			return E(KindValidation, "", "port bindings must be positive, got %d:%d", p.HostPort, p.ContainerPort)
		}
	}
	return nil
}

func resource(configID uint) string {
	return fmt.Sprintf("deployment/%d", configID)
}
