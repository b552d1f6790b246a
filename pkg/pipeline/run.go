package pipeline

import (
	"runtime"
	"time"

	"github.com/zen-systems/shipgate/pkg/approval"
	"github.com/zen-systems/shipgate/pkg/config"
	"github.com/zen-systems/shipgate/pkg/evidence"
	"github.com/zen-systems/shipgate/pkg/notify"
)

// Run is the state of one pipeline execution.
type Run struct {
	ID            string        `json:"id"`
	Pipeline      string        `json:"pipeline"`
	PipelineFile  string        `json:"pipeline_file,omitempty"`
	Status        RunStatus     `json:"status"`
	Deploy        config.Deploy `json:"deploy"`
	Stages        []StageResult `json:"stages"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at,omitzero"`
	FailedStage   string        `json:"failed_stage,omitempty"`
	Message       string        `json:"message,omitempty"`
	CleanupErrors []string      `json:"cleanup_errors,omitempty"`
	Notified      bool          `json:"notified"`
	ArchiveSHA256 string        `json:"archive_sha256,omitempty"`

	// Err is the error that ended the run, nil on success.
	Err error `json:"-"`
}

// StageResult is the outcome of one stage.
type StageResult struct {
	Name     string        `json:"name"`
	Kind     string        `json:"kind,omitempty"`
	Status   StageStatus   `json:"status"`
	Message  string        `json:"message,omitempty"`
	Output   string        `json:"-"`
	Command  []string      `json:"command,omitempty"`
	ExitCode int           `json:"exit_code"`
	Gate     *GateResult   `json:"gate,omitempty"`
	Duration time.Duration `json:"duration"`
}

// GateResult records the approval exchange of a gated stage.
type GateResult struct {
	RequestID string             `json:"request_id"`
	Prompt    string             `json:"prompt"`
	Decision  *approval.Decision `json:"decision,omitempty"`
	Wait      time.Duration      `json:"wait"`
}

// Succeeded reports whether every stage completed.
func (r *Run) Succeeded() bool {
	return r.Status == RunSucceeded
}

// Snapshot returns a copy of r that shares no mutable state with it.
func (r *Run) Snapshot() Run {
	snap := *r
	snap.Stages = make([]StageResult, len(r.Stages))
	for i, s := range r.Stages {
		s.Command = append([]string(nil), s.Command...)
		if s.Gate != nil {
			g := *s.Gate
			if g.Decision != nil {
				d := *g.Decision
				g.Decision = &d
			}
			s.Gate = &g
		}
		snap.Stages[i] = s
	}
	snap.CleanupErrors = append([]string(nil), r.CleanupErrors...)
	return snap
}

// Record converts r into its persisted evidence form.
func (r *Run) Record() evidence.RunRecord {
	record := evidence.RunRecord{
		ID:            r.ID,
		Pipeline:      r.Pipeline,
		PipelineFile:  r.PipelineFile,
		Status:        string(r.Status),
		Deploy:        r.Deploy,
		StartedAt:     r.StartedAt,
		FailedStage:   r.FailedStage,
		CleanupErrors: append([]string(nil), r.CleanupErrors...),
		ToolVersions:  map[string]string{"go": runtime.Version()},
	}
	if !r.FinishedAt.IsZero() {
		finished := r.FinishedAt
		record.FinishedAt = &finished
	}
	if r.Err != nil {
		record.Failure = r.Err.Error()
	}
	record.Stages = make([]evidence.StageRecord, 0, len(r.Stages))
	for _, s := range r.Stages {
		record.Stages = append(record.Stages, s.Record())
	}
	return record
}

// Record converts s into its persisted evidence form.
func (s StageResult) Record() evidence.StageRecord {
	record := evidence.StageRecord{
		Name:           s.Name,
		Status:         string(s.Status),
		Message:        s.Message,
		Command:        append([]string(nil), s.Command...),
		ExitCode:       s.ExitCode,
		DurationMillis: s.Duration.Milliseconds(),
	}
	if s.Gate != nil && s.Gate.Decision != nil {
		record.Approval = &evidence.ApprovalRecord{
			RequestID:  s.Gate.RequestID,
			Prompt:     s.Gate.Prompt,
			Approved:   s.Gate.Decision.Approved,
			Actor:      s.Gate.Decision.Actor,
			Reason:     s.Gate.Decision.Reason,
			DecidedAt:  s.Gate.Decision.DecidedAt,
			WaitMillis: s.Gate.Wait.Milliseconds(),
		}
	}
	return record
}

// Notification builds the final status message of r.
func (r *Run) Notification() notify.Notification {
	n := notify.Notification{
		RunID:       r.ID,
		Pipeline:    r.Pipeline,
		Status:      string(r.Status),
		Succeeded:   r.Succeeded(),
		FailedStage: r.FailedStage,
		Message:     r.Message,
		Image:       r.Deploy.RemoteRef(),
		Namespace:   r.Deploy.Namespace,
	}
	if !r.FinishedAt.IsZero() {
		n.Duration = r.FinishedAt.Sub(r.StartedAt)
	}
	return n
}
