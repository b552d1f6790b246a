package pipeline

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// Terminal reports whether no further stage will execute.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunAborted:
		return true
	}
	return false
}

// StageStatus is the state of a single stage within a Run.
type StageStatus string

const (
	StagePending          StageStatus = "pending"
	StageAwaitingApproval StageStatus = "awaiting_approval"
	StageRunning          StageStatus = "running"
	StageSucceeded        StageStatus = "succeeded"
	StageFailed           StageStatus = "failed"
	// StageRejected marks a stage whose gate was rejected or timed out. Its
	// action never ran.
	StageRejected StageStatus = "rejected"
	// StageAborted marks a stage interrupted by an operator abort.
	StageAborted StageStatus = "aborted"
	StageSkipped StageStatus = "skipped"
)
