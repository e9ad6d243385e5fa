package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Reconciler periodically marks runs stuck past the run timeout and removes
// checkout directories orphaned by a crashed process. The engine cleans up
// after itself on the happy path; the reconciler is the backstop.
type Reconciler struct {
	engine   *Engine
	workDir  string
	interval time.Duration
	ticker   *time.Ticker
	stopCh   chan struct{}
	log      *zap.Logger
}

// NewReconciler creates a reconciler sweeping workDir on interval.
func NewReconciler(engine *Engine, workDir string, interval time.Duration) *Reconciler {
	return &Reconciler{
		engine:   engine,
		workDir:  workDir,
		interval: interval,
		ticker:   time.NewTicker(interval),
		stopCh:   make(chan struct{}),
		log:      engine.log,
	}
}

// Start begins the periodic sweep, running one pass immediately.
func (r *Reconciler) Start() {
	r.log.Info("starting pipeline reconciler", zap.Duration("interval", r.interval))
	go func() {
		r.sweep()
		for {
			select {
			case <-r.ticker.C:
				r.sweep()
			case <-r.stopCh:
				r.ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the reconciler.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), r.interval)
	defer cancel()

	// Runs executing in this process are excluded: their executor owns the
	// row and enforces the deadline through the run context.
	n, err := r.engine.store.ReconcileExpiredRuns(ctx, r.engine.cfg.RunTimeout, r.engine.activeRunIDs())
	if err != nil {
		r.log.Error("could not reconcile expired runs", zap.Error(err))
	} else if n > 0 {
		r.log.Warn("marked expired runs as timed out", zap.Int("count", n))
	}

	r.collectOrphans()
}

// collectOrphans removes checkout directories with no live run. A directory
// is an orphan when it outlived the run timeout; anything younger may still
// belong to an executing run.
func (r *Reconciler) collectOrphans() {
	entries, err := os.ReadDir(r.workDir)
	if err != nil {
		r.log.Error("could not read work directory", zap.String("dir", r.workDir), zap.Error(err))
		return
	}
	cutoff := time.Now().Add(-r.engine.cfg.RunTimeout)
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "checkout-") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(r.workDir, entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			r.log.Error("could not remove orphaned checkout", zap.String("dir", dir), zap.Error(err))
			continue
		}
		r.log.Info("removed orphaned checkout", zap.String("dir", dir))
	}
}
