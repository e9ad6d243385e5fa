package config

import (
	"fmt"
	"time"
)

// Pipeline holds the tunables of the deployment pipeline engine. The zero
// value is not usable; construct with Default and override per flag.
type Pipeline struct {
	// WorkDir is the base directory for source checkouts.
	WorkDir string

	// QueueCapacity bounds both the pending queue and the worker pool.
	QueueCapacity int

	// RunTimeout is the whole-run deadline.
	RunTimeout time.Duration
	// HealthTimeout is the deadline for the post-deploy health-check phase.
	HealthTimeout time.Duration
	// StopTimeout is the graceful stop timeout used when backing up the
	// container being replaced.
	StopTimeout time.Duration

	// ScoreFloor is the security score below which a run is rejected.
	ScoreFloor int
	// MinScore is the security score below which a warning is logged.
	MinScore int
	// MaxRecipeIssues is the number of distinct validator findings above
	// which a build recipe is rejected.
	MaxRecipeIssues int

	// HealthThreshold is the minimum passed/total ratio for a healthy deploy.
	HealthThreshold float64
	// CPUSaturation is the CPU usage percentage above which the resource
	// health check fails.
	CPUSaturation float64
	// ErrorMarkers are substrings that fail the log-scan health check when
	// found in the container's recent log tail.
	ErrorMarkers []string

	// ReconcileInterval is how often orphaned checkouts are swept.
	ReconcileInterval time.Duration
}

// Default returns the engine defaults.
func Default() Pipeline {
	return Pipeline{
		WorkDir:           "/var/lib/slipway/work",
		QueueCapacity:     10,
		RunTimeout:        1800 * time.Second,
		HealthTimeout:     300 * time.Second,
		StopTimeout:       30 * time.Second,
		ScoreFloor:        50,
		MinScore:          70,
		MaxRecipeIssues:   3,
		HealthThreshold:   0.75,
		CPUSaturation:     90,
		ErrorMarkers:      []string{"panic:", "FATAL", "Traceback (most recent call last)"},
		ReconcileInterval: 5 * time.Minute,
	}
}

// Validate rejects settings that would deadlock or disable the engine.
func (p Pipeline) Validate() error {
	if p.QueueCapacity < 1 {
		return fmt.Errorf("queue capacity must be at least 1, got %d", p.QueueCapacity)
	}
	if p.RunTimeout <= 0 {
		return fmt.Errorf("run timeout must be positive, got %s", p.RunTimeout)
	}
	if p.HealthTimeout <= 0 {
		return fmt.Errorf("health timeout must be positive, got %s", p.HealthTimeout)
	}
	if p.ScoreFloor > p.MinScore {
		return fmt.Errorf("score floor %d exceeds minimum score %d", p.ScoreFloor, p.MinScore)
	}
	if p.HealthThreshold <= 0 || p.HealthThreshold > 1 {
		return fmt.Errorf("health threshold must be in (0, 1], got %g", p.HealthThreshold)
	}
	if p.WorkDir == "" {
		return fmt.Errorf("work directory must be set")
	}
	return nil
}
