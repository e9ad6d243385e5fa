package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/slipway-sh/slipway/internal/audit"
	"github.com/slipway-sh/slipway/internal/db"
)

// task is one queued run. Its context is the cancellation token checked at
// every suspension point of the executor.
type task struct {
	runID      uint
	configID   uint
	configName string
	trigger    string
	actorID    string
	enqueuedAt time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	claimed   atomic.Bool
}

func (t *task) markCancelled() {
	t.cancelled.Store(true)
	t.cancel()
}

// claim takes exclusive ownership of the task's terminal handling. Exactly
// one of the dispatching worker and a queued-run canceller wins; the loser
// leaves the run row alone.
func (t *task) claim() bool {
	return t.claimed.CompareAndSwap(false, true)
}

// enqueueRun reserves the config's mutual-exclusion slot, persists the
// pending run, and pushes it onto the bounded queue. The channel send blocks
// when the queue is full, which is the engine's backpressure mechanism; the
// reservation is taken first so exclusion holds even while blocked.
func (e *Engine) enqueueRun(ctx context.Context, cfg db.AutoDeployment, commit, trigger, actorID string) (uint, error) {
	e.mu.Lock()
	if _, busy := e.active[cfg.ID]; busy {
		e.mu.Unlock()
		return 0, E(KindAlreadyRunning, "", "deployment %q already has a queued or running deployment", cfg.Name)
	}
	// The store is the source of truth; it catches runs from before a
	// restart that no longer have an in-memory reservation.
	if busy, err := e.store.ActiveRunExists(ctx, cfg.ID); err != nil {
		e.mu.Unlock()
		return 0, Wrap(KindStorage, "", err)
	} else if busy {
		e.mu.Unlock()
		return 0, E(KindAlreadyRunning, "", "deployment %q already has a queued or running deployment", cfg.Name)
	}

	run := &db.DeploymentHistory{
		DeploymentID: cfg.ID,
		CommitSHA:    commit,
		Trigger:      trigger,
		TriggeredBy:  actorID,
		Status:       db.StatusPending,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		e.mu.Unlock()
		return 0, Wrap(KindStorage, "", err)
	}

	tctx, cancel := context.WithCancel(context.Background())
	t := &task{
		runID:      run.ID,
		configID:   cfg.ID,
		configName: cfg.Name,
		trigger:    trigger,
		actorID:    actorID,
		enqueuedAt: time.Now(),
		ctx:        tctx,
		cancel:     cancel,
	}
	e.active[cfg.ID] = t
	e.byRun[run.ID] = t
	e.mu.Unlock()

	select {
	case e.queue <- t:
	case <-ctx.Done():
		e.release(t)
		if t.claim() {
			_ = e.store.FinishRun(context.Background(), run.ID, db.StatusCancelled,
				"trigger abandoned before the run was queued", "", nil)
		}
		return 0, ctx.Err()
	case <-e.stopped:
		e.release(t)
		if t.claim() {
			_ = e.store.FinishRun(context.Background(), run.ID, db.StatusCancelled,
				"engine stopped before the run was queued", "", nil)
		}
		return 0, E(KindValidation, "", "engine is stopped")
	}

	e.audit.LogEvent(ctx, actorID, audit.ActionTriggered, resource(cfg.ID), map[string]any{
		"run_id": run.ID, "trigger": trigger, "commit": commit,
	})
	e.log.Info("run queued",
		zap.Uint("run_id", run.ID),
		zap.String("deployment", cfg.Name),
		zap.String("trigger", trigger))
	return run.ID, nil
}

// release frees the task's reservation. It only removes entries that still
// point at this task, so a successor run's reservation survives a late
// release by a worker that lost the dispatch claim.
func (e *Engine) release(t *task) {
	e.mu.Lock()
	if e.active[t.configID] == t {
		delete(e.active, t.configID)
	}
	if e.byRun[t.runID] == t {
		delete(e.byRun, t.runID)
	}
	e.mu.Unlock()
	t.cancel()
}

// worker pulls tasks until the engine stops. A single failing run must never
// take the worker down with it.
func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopped:
			return
		case t := <-e.queue:
			e.runTask(t)
		}
	}
}

func (e *Engine) runTask(t *task) {
	// A canceller that won the claim has already finished the run's row and
	// released the reservation while the task sat in the queue.
	if !t.claim() {
		return
	}
	defer e.release(t)
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("run panicked", zap.Uint("run_id", t.runID), zap.Any("panic", r))
			_ = e.store.FinishRun(context.Background(), t.runID, db.StatusFailed,
				"internal error: run panicked", "", nil)
			_ = e.store.UpdateConfigStatus(context.Background(), t.configID, db.StatusFailed)
		}
	}()

	// A run cancelled while still queued never starts.
	if t.cancelled.Load() {
		_ = e.store.FinishRun(context.Background(), t.runID, db.StatusCancelled,
			"cancelled before dispatch", "", nil)
		return
	}
	e.execute(t)
}
