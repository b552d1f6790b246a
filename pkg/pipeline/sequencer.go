package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zen-systems/shipgate/pkg/approval"
	"github.com/zen-systems/shipgate/pkg/archive"
	"github.com/zen-systems/shipgate/pkg/config"
	"github.com/zen-systems/shipgate/pkg/evidence"
	"github.com/zen-systems/shipgate/pkg/metrics"
	"github.com/zen-systems/shipgate/pkg/notify"
	"github.com/zen-systems/shipgate/pkg/toolchain"
)

// Env is what an action sees of the run it belongs to.
type Env struct {
	RunID     string
	Deploy    config.Deploy
	Workspace string
	Logger    zerolog.Logger
}

// Outcome is the explicit result of an action. A non-nil Err fails the
// stage.
type Outcome struct {
	Output      string
	Diagnostics *toolchain.Diagnostics
	Err         error
}

// Action is the work a stage performs.
type Action interface {
	Execute(ctx context.Context, env *Env) Outcome
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, env *Env) Outcome

// Execute calls f.
func (f ActionFunc) Execute(ctx context.Context, env *Env) Outcome {
	return f(ctx, env)
}

// Gate suspends a run before a stage until an approver decides.
type Gate struct {
	Prompt string
	// Timeout of zero waits indefinitely.
	Timeout time.Duration
}

// Stage is one named step of a run.
type Stage struct {
	Name    string
	Kind    string
	Summary string
	Action  Action
	Gate    *Gate
	Timeout time.Duration
}

// Cleanup is a step of the cleanup phase. Failures are recorded on the run
// but do not change its status.
type Cleanup struct {
	Name   string
	Action Action
}

// Recorder persists run state as it changes.
type Recorder interface {
	WriteRun(record evidence.RunRecord) error
	WriteStage(record evidence.StageRecord) error
	WriteStageLog(stage, content string) error
}

// Archiver stores the final record of a run.
type Archiver interface {
	Archive(record evidence.RunRecord) (*archive.Entry, error)
}

// Observer receives a snapshot of the run after every transition.
type Observer func(run Run)

// Sequencer runs stages in order, gating, failing fast and always finishing
// with cleanup and a single notification.
type Sequencer struct {
	deploy       config.Deploy
	runID        string
	pipeline     string
	pipelineFile string
	workspace    string

	approver  approval.Approver
	notifier  notify.Notifier
	recorder  Recorder
	archiver  Archiver
	metrics   *metrics.Collector
	logger    zerolog.Logger
	cleanups  []Cleanup
	observers []Observer
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithRunID sets the run ID instead of generating one.
func WithRunID(id string) Option {
	return func(s *Sequencer) { s.runID = id }
}

// WithPipeline names the pipeline and the file it was loaded from.
func WithPipeline(name, file string) Option {
	return func(s *Sequencer) {
		s.pipeline = name
		s.pipelineFile = file
	}
}

// WithWorkspace sets the directory actions run in.
func WithWorkspace(dir string) Option {
	return func(s *Sequencer) { s.workspace = dir }
}

// WithApprover sets the actor that decides gates.
func WithApprover(a approval.Approver) Option {
	return func(s *Sequencer) { s.approver = a }
}

// WithNotifier sets the sink of the final notification.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Sequencer) { s.notifier = n }
}

// WithRecorder persists every transition.
func WithRecorder(r Recorder) Option {
	return func(s *Sequencer) { s.recorder = r }
}

// WithArchiver archives the final run record.
func WithArchiver(a Archiver) Option {
	return func(s *Sequencer) { s.archiver = a }
}

// WithMetrics records run, stage and approval metrics.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Sequencer) { s.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Sequencer) { s.logger = l }
}

// WithCleanup appends steps to the cleanup phase.
func WithCleanup(steps ...Cleanup) Option {
	return func(s *Sequencer) { s.cleanups = append(s.cleanups, steps...) }
}

// WithObserver subscribes o to run transitions.
func WithObserver(o Observer) Option {
	return func(s *Sequencer) { s.observers = append(s.observers, o) }
}

// NewSequencer creates a sequencer for a single run of deploy. Without an
// approver every gate is rejected.
func NewSequencer(deploy config.Deploy, opts ...Option) *Sequencer {
	s := &Sequencer{
		deploy: deploy,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.runID == "" {
		s.runID = uuid.NewString()
	}
	if s.approver == nil {
		s.approver = approval.Deny("shipgate", "no approver configured")
	}
	if s.notifier == nil {
		s.notifier = notify.NewLogNotifier(s.logger)
	}
	return s
}

// RunID returns the ID of the run this sequencer executes.
func (s *Sequencer) RunID() string {
	return s.runID
}

// Run executes stages and returns the terminal run. Cancelling ctx aborts
// the run; cleanup and notification still happen.
func (s *Sequencer) Run(ctx context.Context, stages []Stage) *Run {
	run := &Run{
		ID:           s.runID,
		Pipeline:     s.pipeline,
		PipelineFile: s.pipelineFile,
		Status:       RunPending,
		Deploy:       s.deploy,
		StartedAt:    time.Now().UTC(),
		Stages:       make([]StageResult, len(stages)),
	}
	for i, stage := range stages {
		run.Stages[i] = StageResult{Name: stage.Name, Kind: stage.Kind, Status: StagePending}
	}

	env := &Env{
		RunID:     run.ID,
		Deploy:    s.deploy,
		Workspace: s.workspace,
		Logger:    s.logger.With().Str("run_id", run.ID).Logger(),
	}

	s.publish(run)
	s.metrics.RunStarted()
	run.Status = RunRunning
	s.publish(run)
	env.Logger.Info().Str("pipeline", run.Pipeline).Int("stages", len(stages)).Msg("run started")

	s.runStages(ctx, env, run, stages)
	s.finish(ctx, env, run)
	return run
}

func (s *Sequencer) runStages(ctx context.Context, env *Env, run *Run, stages []Stage) {
	for i, stage := range stages {
		if ctx.Err() != nil {
			s.halt(run, i, RunAborted, fmt.Errorf("before stage %s: %w", stage.Name, ErrAborted))
			return
		}

		if stage.Gate != nil {
			if err := s.awaitApproval(ctx, env, run, i, stage); err != nil {
				run.FailedStage = stage.Name
				s.halt(run, i+1, RunAborted, err)
				return
			}
		}

		if err := s.execute(ctx, env, run, i, stage); err != nil {
			run.FailedStage = stage.Name
			status := RunFailed
			if errors.Is(err, ErrAborted) {
				status = RunAborted
			}
			s.halt(run, i+1, status, err)
			return
		}
	}
	run.Status = RunSucceeded
}

// halt ends forward progress: stages from index next on are skipped.
func (s *Sequencer) halt(run *Run, next int, status RunStatus, err error) {
	for i := next; i < len(run.Stages); i++ {
		run.Stages[i].Status = StageSkipped
	}
	run.Status = status
	run.Err = err
}

func (s *Sequencer) awaitApproval(ctx context.Context, env *Env, run *Run, i int, stage Stage) error {
	result := &run.Stages[i]
	prompt := stage.Gate.Prompt
	if prompt == "" {
		prompt = fmt.Sprintf("Proceed with stage %s?", stage.Name)
	}

	req := approval.NewRequest(run.ID, stage.Name, prompt)
	result.Status = StageAwaitingApproval
	result.Gate = &GateResult{RequestID: req.ID, Prompt: prompt}
	s.publish(run)

	logger := env.Logger.With().Str("stage", stage.Name).Str("request_id", req.ID).Logger()
	logger.Info().Str("prompt", prompt).Msg("awaiting approval")

	start := time.Now()
	decision, err := approval.WithTimeout(s.approver, stage.Gate.Timeout).Request(ctx, req)
	result.Gate.Wait = time.Since(start)

	var gateErr error
	switch {
	case errors.Is(err, approval.ErrTimeout):
		result.Status = StageRejected
		gateErr = &GateRejectedError{Stage: stage.Name, TimedOut: true}
	case err != nil && ctx.Err() != nil:
		result.Status = StageAborted
		gateErr = fmt.Errorf("stage %s: %w", stage.Name, ErrAborted)
	case err != nil:
		result.Status = StageRejected
		gateErr = &GateRejectedError{Stage: stage.Name, Reason: err.Error()}
	case !decision.Approved:
		result.Gate.Decision = &decision
		result.Status = StageRejected
		gateErr = &GateRejectedError{Stage: stage.Name, Actor: decision.Actor, Reason: decision.Reason}
	default:
		result.Gate.Decision = &decision
		logger.Info().Str("actor", decision.Actor).Msg("approved")
		s.metrics.ObserveApproval(stage.Name, true)
		return nil
	}

	if result.Status == StageRejected {
		s.metrics.ObserveApproval(stage.Name, false)
	}
	result.Message = gateErr.Error()
	logger.Warn().Err(gateErr).Msg("gate closed")
	s.recordStage(result)
	return gateErr
}

func (s *Sequencer) execute(ctx context.Context, env *Env, run *Run, i int, stage Stage) error {
	result := &run.Stages[i]
	result.Status = StageRunning
	s.publish(run)

	stageCtx := ctx
	if stage.Timeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, stage.Timeout)
		defer cancel()
	}

	stageEnv := *env
	stageEnv.Logger = env.Logger.With().Str("stage", stage.Name).Logger()
	stageEnv.Logger.Info().Str("kind", stage.Kind).Msg("stage started")

	start := time.Now()
	outcome := invoke(stageCtx, stage.Action, &stageEnv)
	result.Duration = time.Since(start)

	result.Output = outcome.Output
	if diag := outcome.Diagnostics; diag != nil {
		result.Command = append([]string(nil), diag.Command...)
		result.ExitCode = diag.ExitCode
		if result.Output == "" {
			result.Output = diag.Output()
		}
	}

	err := outcome.Err
	switch {
	case err == nil:
		result.Status = StageSucceeded
	case ctx.Err() != nil:
		result.Status = StageAborted
		err = fmt.Errorf("stage %s: %w: %v", stage.Name, ErrAborted, err)
	case stageCtx.Err() != nil:
		result.Status = StageFailed
		err = fmt.Errorf("stage %s timed out after %s: %w", stage.Name, stage.Timeout, err)
	default:
		result.Status = StageFailed
	}
	if err != nil {
		result.Message = err.Error()
		stageEnv.Logger.Error().Err(err).Dur("duration", result.Duration).Msg("stage did not complete")
	} else {
		stageEnv.Logger.Info().Dur("duration", result.Duration).Msg("stage succeeded")
	}

	s.metrics.ObserveStage(stage.Name, string(result.Status), result.Duration)
	s.recordStage(result)
	return err
}

// invoke runs a, turning a panic into a failed outcome so that cleanup still
// happens.
func invoke(ctx context.Context, a Action, env *Env) (out Outcome) {
	if a == nil {
		return Outcome{Err: fmt.Errorf("stage has no action")}
	}
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Err: fmt.Errorf("action panicked: %v", r)}
		}
	}()
	return a.Execute(ctx, env)
}

func (s *Sequencer) finish(ctx context.Context, env *Env, run *Run) {
	if run.Err != nil {
		run.Message = run.Err.Error()
	} else {
		run.Message = fmt.Sprintf("%d stages succeeded", len(run.Stages))
	}
	s.publish(run)

	// Cleanup and notification must survive an abort.
	detached := context.WithoutCancel(ctx)
	s.cleanup(detached, env, run)

	run.FinishedAt = time.Now().UTC()
	s.metrics.RunFinished(string(run.Status))

	event := env.Logger.Info()
	if !run.Succeeded() {
		event = env.Logger.Error().Err(run.Err)
	}
	event.Str("status", string(run.Status)).Dur("duration", run.FinishedAt.Sub(run.StartedAt)).Msg("run finished")

	if err := s.notifier.Notify(detached, run.Notification()); err != nil {
		env.Logger.Error().Err(err).Msg("notification failed")
	}
	run.Notified = true
	s.publish(run)

	if s.archiver == nil {
		return
	}
	entry, err := s.archiver.Archive(run.Record())
	if err != nil {
		env.Logger.Error().Err(err).Msg("archive failed")
		return
	}
	run.ArchiveSHA256 = entry.SHA256
	env.Logger.Info().Str("sha256", entry.SHA256).Msg("run archived")
	s.publish(run)
}

func (s *Sequencer) cleanup(ctx context.Context, env *Env, run *Run) {
	for _, step := range s.cleanups {
		stepEnv := *env
		stepEnv.Logger = env.Logger.With().Str("cleanup", step.Name).Logger()

		outcome := invoke(ctx, step.Action, &stepEnv)
		if outcome.Err != nil {
			stepEnv.Logger.Warn().Err(outcome.Err).Msg("cleanup step failed")
			run.CleanupErrors = append(run.CleanupErrors, fmt.Sprintf("%s: %v", step.Name, outcome.Err))
			continue
		}
		stepEnv.Logger.Debug().Msg("cleanup step done")
	}
}

func (s *Sequencer) publish(run *Run) {
	snap := run.Snapshot()
	if s.recorder != nil {
		if err := s.recorder.WriteRun(snap.Record()); err != nil {
			s.logger.Warn().Err(err).Str("run_id", run.ID).Msg("failed to persist run state")
		}
	}
	for _, o := range s.observers {
		o(snap)
	}
}

func (s *Sequencer) recordStage(result *StageResult) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.WriteStage(result.Record()); err != nil {
		s.logger.Warn().Err(err).Str("stage", result.Name).Msg("failed to persist stage")
	}
	if result.Output != "" {
		if err := s.recorder.WriteStageLog(result.Name, result.Output); err != nil {
			s.logger.Warn().Err(err).Str("stage", result.Name).Msg("failed to persist stage log")
		}
	}
}
