package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/slipway-sh/slipway/internal/audit"
	"github.com/slipway-sh/slipway/internal/backup"
	"github.com/slipway-sh/slipway/internal/db"
	"github.com/slipway-sh/slipway/internal/docker"
	"github.com/slipway-sh/slipway/internal/health"
	"github.com/slipway-sh/slipway/internal/recipe"
	"github.com/slipway-sh/slipway/internal/source"
	"github.com/slipway-sh/slipway/internal/spec"
)

// RunResult is the structured payload persisted with every finished run.
type RunResult struct {
	FailedStage         string   `json:"failed_stage,omitempty"`
	Commit              string   `json:"commit,omitempty"`
	ImageRef            string   `json:"image_ref,omitempty"`
	ImageSizeBytes      int64    `json:"image_size_bytes,omitempty"`
	SecurityScore       int      `json:"security_score"`
	Warnings            []string `json:"warnings,omitempty"`
	HealthRatio         float64  `json:"health_ratio"`
	ContainerID         string   `json:"container_id,omitempty"`
	RollbackPerformed   bool     `json:"rollback_performed"`
	RestoredContainerID string   `json:"restored_container_id,omitempty"`
	RollbackError       string   `json:"rollback_error,omitempty"`
}

// runState carries one run through the stages.
type runState struct {
	task    *task
	runCtx  context.Context
	cfg     db.AutoDeployment
	cspec   spec.ContainerSpec
	result  RunResult
	logBuf  strings.Builder
	started time.Time

	checkout       *source.Checkout
	snapshot       *backup.Snapshot
	newContainer   string
	healthChecks   []health.Result
	scoreWarn      string
	storageRetries int
}

func (st *runState) logf(format string, args ...any) {
	fmt.Fprintf(&st.logBuf, "[%s] %s\n", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
}

// execute drives one run through the state machine:
// pending -> building -> deploying -> {success|failed|rolled_back|cancelled|timeout}.
// Cleanup of the checkout and the dispatcher slot happens on every exit path.
func (e *Engine) execute(t *task) {
	runCtx, cancelRun := context.WithTimeout(t.ctx, e.cfg.RunTimeout)
	defer cancelRun()

	st := &runState{task: t, runCtx: runCtx, started: time.Now()}
	defer func() {
		if st.checkout != nil {
			if err := st.checkout.Close(); err != nil {
				e.log.Warn("could not remove checkout", zap.Uint("run_id", t.runID), zap.Error(err))
			}
		}
	}()

	cfg, err := e.store.GetConfig(runCtx, t.configID)
	if err != nil {
		e.finish(st, failf("", KindStorage, "could not load deployment config: %v", err))
		return
	}
	st.cfg = cfg
	if len(cfg.ContainerSpec) > 0 {
		if err := json.Unmarshal(cfg.ContainerSpec, &st.cspec); err != nil {
			e.finish(st, failf("", KindValidation, "corrupt container spec: %v", err))
			return
		}
	}

	// pending -> building
	if err := e.persist(st, func(ctx context.Context) error {
		return e.store.StartRun(ctx, t.runID, time.Now().UTC())
	}); err != nil {
		e.finish(st, fail("", KindStorage, err))
		return
	}
	_ = e.persist(st, func(ctx context.Context) error {
		return e.store.UpdateConfigStatus(ctx, t.configID, db.StatusBuilding)
	})
	st.logf("run %d started for deployment %q (%s)", t.runID, cfg.Name, t.trigger)

	for _, stage := range []func(context.Context, *runState) StageResult{
		e.stageFetch,
		e.stageValidate,
		e.stageBuild,
		e.stageScan,
	} {
		if res := stage(runCtx, st); !res.OK() {
			e.finish(st, res)
			return
		}
	}

	// building -> deploying
	if err := e.persist(st, func(ctx context.Context) error {
		return e.store.UpdateRunStatus(ctx, t.runID, db.StatusDeploying)
	}); err != nil {
		e.finish(st, fail("", KindStorage, err))
		return
	}
	_ = e.persist(st, func(ctx context.Context) error {
		return e.store.UpdateConfigStatus(ctx, t.configID, db.StatusDeploying)
	})

	for _, stage := range []func(context.Context, *runState) StageResult{
		e.stageBackup,
		e.stageDeploy,
		e.stageHealth,
	} {
		if res := stage(runCtx, st); !res.OK() {
			e.finish(st, res)
			return
		}
	}

	e.finish(st, ok(""))
}

// --- building stages ---

func (e *Engine) stageFetch(ctx context.Context, st *runState) StageResult {
	run, err := e.store.GetRun(ctx, st.task.runID)
	if err != nil {
		return fail(StageFetch, KindStorage, err)
	}
	st.logf("fetching %s (branch %s, commit %q)", st.cfg.RepoURL, st.cfg.Branch, run.CommitSHA)

	checkout, err := e.fetcher.Fetch(ctx, st.cfg.RepoURL, st.cfg.Branch, run.CommitSHA)
	if err != nil {
		return fail(StageFetch, KindFetchFailure, err)
	}
	st.checkout = checkout
	st.result.Commit = checkout.Commit
	_ = e.persist(st, func(ctx context.Context) error {
		return e.store.SetRunCommit(ctx, st.task.runID, checkout.Commit)
	})
	st.logf("resolved commit %s", checkout.Commit)
	return ok(StageFetch)
}

func (e *Engine) stageValidate(ctx context.Context, st *runState) StageResult {
	path := filepath.Join(st.checkout.Dir, st.cfg.RecipePath)
	raw, err := os.ReadFile(path)
	if err != nil {
		return failf(StageValidate, KindValidation, "could not read build recipe %s: %v", st.cfg.RecipePath, err)
	}

	rep := recipe.Validate(string(raw))
	if n := rep.DistinctRules(); n > e.cfg.MaxRecipeIssues {
		for _, w := range rep.Warnings() {
			st.logf("recipe issue: %s", w)
		}
		return failf(StageValidate, KindUnsafeRecipe,
			"build recipe rejected: %d distinct issues exceed the limit of %d", n, e.cfg.MaxRecipeIssues)
	}
	for _, w := range rep.Warnings() {
		st.logf("recipe warning: %s", w)
		st.result.Warnings = append(st.result.Warnings, w)
	}
	st.logf("recipe validated with %d warning(s)", len(rep.Issues))
	return ok(StageValidate)
}

func (e *Engine) stageBuild(ctx context.Context, st *runState) StageResult {
	shortCommit := st.result.Commit
	if len(shortCommit) > 12 {
		shortCommit = shortCommit[:12]
	}
	tag := fmt.Sprintf("slipway/%s:%s", st.cfg.Name, shortCommit)
	st.logf("building image %s", tag)

	res, err := e.rt.BuildImage(ctx, docker.BuildOptions{
		ContextDir: st.checkout.Dir,
		RecipePath: st.cfg.RecipePath,
		Tag:        tag,
		Output:     &st.logBuf,
	})
	if err != nil {
		return fail(StageBuild, KindBuildFailure, err)
	}
	st.result.ImageRef = res.ImageRef
	st.result.ImageSizeBytes = res.SizeBytes
	st.logf("built image %s (%d bytes)", res.ImageRef, res.SizeBytes)
	return ok(StageBuild)
}

func (e *Engine) stageScan(ctx context.Context, st *runState) StageResult {
	rep, warn, err := e.policy.Evaluate(ctx, e.scanner, st.result.ImageRef)
	st.result.SecurityScore = rep.Score
	if err != nil {
		st.logf("security scan rejected image: %v", err)
		return fail(StageScan, KindSecurityScore, err)
	}
	if warn != "" {
		st.scoreWarn = warn
		st.result.Warnings = append(st.result.Warnings, warn)
		st.logf("security warning: %s", warn)
	}
	st.logf("security scan passed with score %d (%d finding(s))", rep.Score, len(rep.Findings))
	return ok(StageScan)
}

// --- deploying stages ---

func (e *Engine) stageBackup(ctx context.Context, st *runState) StageResult {
	snap, err := e.backups.Backup(ctx, st.cfg.CurrentContainerID, st.cspec)
	if err != nil {
		return fail(StageBackup, KindDeployFailure, err)
	}
	st.snapshot = snap
	if snap == nil {
		st.logf("no current container to back up (first deploy)")
	} else {
		st.logf("backed up and stopped container %s", snap.ContainerID)
	}
	return ok(StageBackup)
}

func (e *Engine) stageDeploy(ctx context.Context, st *runState) StageResult {
	env, err := e.decryptSecrets(ctx, st)
	if err != nil {
		return fail(StageDeploy, KindDeployFailure, err)
	}

	name := fmt.Sprintf("%s-%s", st.cfg.Name, uuid.NewString()[:8])
	id, err := e.rt.RunContainer(ctx, docker.RunOptions{
		Name:  name,
		Image: st.result.ImageRef,
		Env:   env,
		Spec:  st.cspec,
	})
	if err != nil {
		return fail(StageDeploy, KindDeployFailure, err)
	}
	st.newContainer = id
	st.result.ContainerID = id
	st.logf("started container %s (%s)", name, id)
	return ok(StageDeploy)
}

func (e *Engine) stageHealth(ctx context.Context, st *runState) StageResult {
	healthCtx, cancel := context.WithTimeout(ctx, e.cfg.HealthTimeout)
	defer cancel()

	results := e.health.Run(healthCtx, st.newContainer, st.cspec.Ports)
	st.healthChecks = results
	ratio := health.Ratio(results)
	st.result.HealthRatio = ratio

	rows := make([]db.ContainerHealthCheck, len(results))
	for i, r := range results {
		st.logf("health check %s: passed=%v skipped=%v %s", r.Kind, r.Passed, r.Skipped, r.Detail)
		rows[i] = db.ContainerHealthCheck{
			HistoryID:  st.task.runID,
			Kind:       r.Kind,
			Passed:     r.Passed,
			Skipped:    r.Skipped,
			Detail:     r.Detail,
			DurationMS: r.Duration.Milliseconds(),
		}
	}
	_ = e.persist(st, func(ctx context.Context) error {
		return e.store.CreateHealthChecks(ctx, rows)
	})

	if ratio >= e.cfg.HealthThreshold {
		st.logf("health checks passed: ratio %.2f >= %.2f", ratio, e.cfg.HealthThreshold)
		return ok(StageHealth)
	}
	st.logf("health checks failed: ratio %.2f < %.2f", ratio, e.cfg.HealthThreshold)
	return failf(StageHealth, KindHealthCheck,
		"health checks failed with ratio %.2f (threshold %.2f)", ratio, e.cfg.HealthThreshold)
}

func (e *Engine) decryptSecrets(ctx context.Context, st *runState) (map[string]string, error) {
	env := make(map[string]string, len(st.cspec.Env))
	for k, v := range st.cspec.Env {
		env[k] = v
	}
	secrets, err := e.store.SecretsForDeploy(ctx, st.task.configID)
	if err != nil {
		return nil, fmt.Errorf("could not load secrets: %w", err)
	}
	for _, s := range secrets {
		plaintext, err := e.vault.Decrypt(s.Ciphertext)
		if err != nil {
			return nil, fmt.Errorf("could not decrypt secret %q: %w", s.Key, err)
		}
		env[s.Key] = string(plaintext)
	}
	if len(secrets) > 0 {
		st.logf("merged %d secret(s) into container environment", len(secrets))
	}
	return env, nil
}

// --- terminal handling ---

// finish maps the final stage result onto a terminal status, runs the
// compensation path when eligible, and persists history, metrics and the
// parent config's status. It must not leave the run non-terminal.
func (e *Engine) finish(st *runState, res StageResult) {
	t := st.task
	status := db.StatusSuccess
	errMsg := ""

	if res.OK() {
		if t.trigger == db.TriggerRollback {
			status = db.StatusRolledBack
		}
		e.completeDeploy(st)
	} else {
		st.result.FailedStage = res.Stage
		errMsg = res.Err.Error()
		status = e.classifyFailure(st, res)
		st.logf("run failed at stage %q: %s", res.Stage, errMsg)

		if res.Err.Kind == KindHealthCheck {
			e.compensate(st)
		}
	}

	resultJSON, _ := json.Marshal(st.result)
	if err := e.persist(st, func(ctx context.Context) error {
		return e.store.FinishRun(ctx, t.runID, status, errMsg, st.logBuf.String(), datatypes.JSON(resultJSON))
	}); err != nil {
		e.log.Error("could not persist terminal run status",
			zap.Uint("run_id", t.runID), zap.String("status", status), zap.Error(err))
	}
	_ = e.persist(st, func(ctx context.Context) error {
		return e.store.UpdateConfigStatus(ctx, t.configID, status)
	})

	e.writeMetrics(st)
	e.auditOutcome(st, status, errMsg)

	e.log.Info("run finished",
		zap.Uint("run_id", t.runID),
		zap.String("deployment", st.cfg.Name),
		zap.String("status", status),
		zap.Float64("health_ratio", st.result.HealthRatio))
}

// classifyFailure distinguishes operator cancellation and deadline expiry
// from ordinary stage failures. Deadline expiry may surface either through
// the error chain or only on the run context, when a subprocess or the
// Docker daemon swallows the cause.
func (e *Engine) classifyFailure(st *runState, res StageResult) string {
	if st.task.cancelled.Load() {
		return db.StatusCancelled
	}
	if errors.Is(res.Err, context.DeadlineExceeded) || res.Err.Kind == KindTimeout {
		return db.StatusTimeout
	}
	if st.runCtx != nil && errors.Is(st.runCtx.Err(), context.DeadlineExceeded) {
		return db.StatusTimeout
	}
	return db.StatusFailed
}

// completeDeploy repoints the config at the new container and disposes of
// the stopped predecessor.
func (e *Engine) completeDeploy(st *runState) {
	now := time.Now().UTC()
	_ = e.persist(st, func(ctx context.Context) error {
		return e.store.SetCurrentContainer(ctx, st.task.configID, st.newContainer, now)
	})
	if st.snapshot != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StopTimeout)
		defer cancel()
		if err := e.rt.RemoveContainer(ctx, st.snapshot.ContainerID, false); err != nil {
			e.log.Warn("could not remove replaced container",
				zap.String("container_id", st.snapshot.ContainerID), zap.Error(err))
		} else {
			st.logf("removed replaced container %s", st.snapshot.ContainerID)
		}
	}
}

// compensate rolls back to the snapshot when health checks failed, rollback
// is enabled and a backup exists. Without all three, the failing container
// is deliberately left running: no destructive rollback without a backup.
func (e *Engine) compensate(st *runState) {
	t := st.task
	if !st.cfg.RollbackEnabled {
		st.logf("rollback disabled for this deployment, leaving new container running")
		return
	}
	if st.snapshot == nil {
		st.logf("no backup snapshot exists, leaving new container running")
		return
	}

	// Compensation must proceed even though the run context may already be
	// cancelled or past deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 2*e.cfg.StopTimeout)
	defer cancel()

	if st.newContainer != "" {
		if err := e.rt.StopContainer(ctx, st.newContainer, e.cfg.StopTimeout); err != nil {
			st.logf("could not stop failing container %s: %v", st.newContainer, err)
		}
		if err := e.rt.RemoveContainer(ctx, st.newContainer, true); err != nil {
			st.logf("could not remove failing container %s: %v", st.newContainer, err)
		}
	}

	restored, err := e.backups.Rollback(ctx, st.snapshot)
	if err != nil {
		rbErr := Wrap(KindRollbackFailure, StageRollback, err)
		st.result.RollbackError = rbErr.Error()
		st.logf("ROLLBACK FAILED, manual intervention required: %v", err)
		e.log.Error("rollback failed, manual intervention required",
			zap.Uint("run_id", t.runID),
			zap.String("deployment", st.cfg.Name),
			zap.Error(err))
		return
	}

	st.result.RollbackPerformed = true
	st.result.RestoredContainerID = restored
	st.logf("rolled back to restored container %s", restored)
	_ = e.persist(st, func(ctx context.Context) error {
		return e.store.SetCurrentContainer(ctx, t.configID, restored, time.Now().UTC())
	})
	e.audit.LogEvent(context.Background(), t.actorID, audit.ActionRollback, resource(t.configID), map[string]any{
		"run_id":       t.runID,
		"restored":     restored,
		"replaced":     st.snapshot.ContainerID,
		"health_ratio": st.result.HealthRatio,
	})
}

func (e *Engine) writeMetrics(st *runState) {
	t := st.task
	m := db.DeploymentMetrics{
		HistoryID:         t.runID,
		DurationMS:        time.Since(st.started).Milliseconds(),
		QueueWaitMS:       st.started.Sub(t.enqueuedAt).Milliseconds(),
		ImageSizeBytes:    st.result.ImageSizeBytes,
		SecurityScore:     st.result.SecurityScore,
		HealthRatio:       st.result.HealthRatio,
		RollbackPerformed: st.result.RollbackPerformed,
		RetryCount:        st.storageRetries,
	}
	if err := e.persist(st, func(ctx context.Context) error {
		return e.store.CreateMetrics(ctx, &m)
	}); err != nil {
		e.log.Error("could not persist run metrics", zap.Uint("run_id", t.runID), zap.Error(err))
	}
}

func (e *Engine) auditOutcome(st *runState, status, errMsg string) {
	t := st.task
	details := map[string]any{
		"run_id":       t.runID,
		"status":       status,
		"health_ratio": st.result.HealthRatio,
	}
	action := audit.ActionFailed
	switch status {
	case db.StatusSuccess, db.StatusRolledBack:
		action = audit.ActionSucceeded
	case db.StatusCancelled:
		action = audit.ActionCancelled
	default:
		details["error"] = errMsg
	}
	e.audit.LogEvent(context.Background(), t.actorID, action, resource(t.configID), details)
}

// persist applies the storage retry policy: one retry before giving up.
// Retries are counted on the run so they end up in its metrics row.
func (e *Engine) persist(st *runState, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := fn(ctx)
	if err == nil {
		return nil
	}
	st.storageRetries++
	e.log.Warn("storage write failed, retrying once", zap.Error(err))
	if err = fn(ctx); err != nil {
		return Wrap(KindStorage, "", err)
	}
	return nil
}
