package pipeline

// Stage names in execution order.
const (
	StageFetch    = "fetch"
	StageValidate = "validate"
	StageBuild    = "build"
	StageScan     = "scan"
	StageBackup   = "backup"
	StageDeploy   = "deploy"
	StageHealth   = "health_check"
	StageRollback = "rollback"
)

// StageResult is the tagged outcome of one pipeline stage. The executor
// inspects the tag to pick the next transition; stages never panic their way
// out of the state machine.
type StageResult struct {
	Stage string
	Err   *Error
}

// OK reports a successful stage.
func (r StageResult) OK() bool { return r.Err == nil }

func ok(stage string) StageResult {
	return StageResult{Stage: stage}
}

func fail(stage string, kind Kind, err error) StageResult {
	return StageResult{Stage: stage, Err: Wrap(kind, stage, err)}
}

func failf(stage string, kind Kind, format string, args ...any) StageResult {
	return StageResult{Stage: stage, Err: E(kind, stage, format, args...)}
}
