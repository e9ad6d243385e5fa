package db

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Status values shared by deployments and their runs. pending, building and
// deploying are non-terminal; everything else is terminal.
const (
	StatusPending    = "pending"
	StatusBuilding   = "building"
	StatusDeploying  = "deploying"
	StatusSuccess    = "success"
	StatusFailed     = "failed"
	StatusRolledBack = "rolled_back"
	StatusCancelled  = "cancelled"
	StatusTimeout    = "timeout"
)

// Trigger kinds for a deployment run.
const (
	TriggerManual   = "manual"
	TriggerWebhook  = "webhook"
	TriggerRollback = "rollback"
)

// IsTerminal reports whether a run status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusSuccess, StatusFailed, StatusRolledBack, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// AutoDeployment is a named, owner-scoped deployment configuration.
type AutoDeployment struct {
	gorm.Model
	OwnerID            string `gorm:"uniqueIndex:idx_owner_name;index"`
	Name               string `gorm:"uniqueIndex:idx_owner_name"`
	RepoURL            string
	Branch             string
	RecipePath         string
	Environment        string
	AutoDeploy         bool
	RollbackEnabled    bool
	ContainerSpec      datatypes.JSON
	Status             string `gorm:"index"`
	CurrentContainerID string
	LastDeployedAt     *time.Time

	Secrets []DeploymentSecret  `gorm:"constraint:OnDelete:CASCADE"`
	Runs    []DeploymentHistory `gorm:"foreignKey:DeploymentID;constraint:OnDelete:CASCADE"`
}

// DeploymentHistory is one triggered pipeline run. Rows are append-only:
// status moves monotonically along the state machine and the row is frozen
// once terminal.
type DeploymentHistory struct {
	gorm.Model
	DeploymentID uint `gorm:"index"`
	CommitSHA    string
	Trigger      string
	TriggeredBy  string
	Status       string `gorm:"index"`
	StartedAt    *time.Time
	FinishedAt   *time.Time
	Log          string `gorm:"type:text"`
	Result       datatypes.JSON
	ErrorMessage string

	Metrics      *DeploymentMetrics     `gorm:"foreignKey:HistoryID;constraint:OnDelete:CASCADE"`
	HealthChecks []ContainerHealthCheck `gorm:"foreignKey:HistoryID;constraint:OnDelete:CASCADE"`
}

// DeploymentSecret is an encrypted key/value pair owned by one deployment.
// The plaintext value never leaves the vault through read APIs.
type DeploymentSecret struct {
	gorm.Model
	AutoDeploymentID uint   `gorm:"uniqueIndex:idx_secret_key"`
	Key              string `gorm:"uniqueIndex:idx_secret_key"`
	Ciphertext       string
}

// DeploymentMetrics is the numeric summary of a completed run. Created once,
// never mutated.
type DeploymentMetrics struct {
	gorm.Model
	HistoryID         uint `gorm:"uniqueIndex"`
	DurationMS        int64
	QueueWaitMS       int64
	ImageSizeBytes    int64
	SecurityScore     int
	HealthRatio       float64
	RollbackPerformed bool
	RetryCount        int
}

// ContainerHealthCheck records one individual post-deploy check.
type ContainerHealthCheck struct {
	gorm.Model
	HistoryID  uint `gorm:"index"`
	Kind       string
	Passed     bool
	Skipped    bool
	Detail     string
	DurationMS int64
}
