package pipeline

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/shipgate/pkg/approval"
	"github.com/zen-systems/shipgate/pkg/archive"
	"github.com/zen-systems/shipgate/pkg/config"
	"github.com/zen-systems/shipgate/pkg/evidence"
	"github.com/zen-systems/shipgate/pkg/metrics"
	"github.com/zen-systems/shipgate/pkg/notify"
)

var testDeploy = config.Deploy{
	ImageName:  "web",
	ImageTag:   "1.4.0",
	Repository: "registry.example.com/team",
	Deployment: "web",
	Namespace:  "prod",
}

type trace struct {
	mu    sync.Mutex
	calls []string
}

func (tr *trace) add(name string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.calls = append(tr.calls, name)
}

func (tr *trace) Calls() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.calls...)
}

func (tr *trace) action(name string, err error) Action {
	return ActionFunc(func(_ context.Context, _ *Env) Outcome {
		tr.add(name)
		return Outcome{Output: name + " done", Err: err}
	})
}

func (tr *trace) cleanup(name string, err error) Cleanup {
	return Cleanup{Name: name, Action: ActionFunc(func(ctx context.Context, _ *Env) Outcome {
		tr.add("cleanup:" + name)
		if ctx.Err() != nil {
			return Outcome{Err: ctx.Err()}
		}
		return Outcome{Err: err}
	})}
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, note)
	return nil
}

type recordingArchiver struct {
	records []evidence.RunRecord
}

func (a *recordingArchiver) Archive(record evidence.RunRecord) (*archive.Entry, error) {
	a.records = append(a.records, record)
	return &archive.Entry{RunID: record.ID, SHA256: "abc123"}, nil
}

// deployStages is checkout, build, scan, push (gated), deploy (gated).
func deployStages(tr *trace, failing map[string]error) []Stage {
	stage := func(name string) Stage {
		return Stage{Name: name, Kind: name, Action: tr.action(name, failing[name])}
	}
	push := stage("push")
	push.Gate = &Gate{Prompt: "push?"}
	deploy := stage("deploy")
	deploy.Gate = &Gate{Prompt: "deploy?"}
	return []Stage{stage("checkout"), stage("build"), stage("scan"), push, deploy}
}

func statuses(run *Run) map[string]StageStatus {
	out := make(map[string]StageStatus, len(run.Stages))
	for _, s := range run.Stages {
		out[s.Name] = s.Status
	}
	return out
}

func TestRunAllStagesSucceed(t *testing.T) {
	tr := &trace{}
	notifier := &recordingNotifier{}
	arch := &recordingArchiver{}
	seq := NewSequencer(testDeploy,
		WithRunID("run-1"),
		WithPipeline("web", ""),
		WithApprover(approval.Approve("alice")),
		WithNotifier(notifier),
		WithArchiver(arch),
		WithCleanup(tr.cleanup("workspace", nil)),
	)

	run := seq.Run(context.Background(), deployStages(tr, nil))

	assert.Equal(t, RunSucceeded, run.Status)
	assert.NoError(t, run.Err)
	assert.Equal(t, []string{"checkout", "build", "scan", "push", "deploy", "cleanup:workspace"}, tr.Calls())
	for name, status := range statuses(run) {
		assert.Equal(t, StageSucceeded, status, name)
	}

	require.NotNil(t, run.Stages[3].Gate)
	require.NotNil(t, run.Stages[3].Gate.Decision)
	assert.Equal(t, "alice", run.Stages[3].Gate.Decision.Actor)

	require.Len(t, notifier.got, 1)
	assert.True(t, notifier.got[0].Succeeded)
	assert.Equal(t, "run-1", notifier.got[0].RunID)
	assert.Equal(t, "registry.example.com/team/web:1.4.0", notifier.got[0].Image)

	require.Len(t, arch.records, 1)
	assert.Equal(t, "succeeded", arch.records[0].Status)
	assert.Equal(t, "abc123", run.ArchiveSHA256)
	assert.True(t, run.Notified)
	assert.False(t, run.FinishedAt.IsZero())
}

func TestFailedStageHaltsPipeline(t *testing.T) {
	order := []string{"checkout", "build", "scan", "push", "deploy"}
	gated := map[string]bool{"push": true, "deploy": true}

	for failAt, failing := range order {
		t.Run(failing, func(t *testing.T) {
			tr := &trace{}
			notifier := &recordingNotifier{}
			var prompted []string
			approver := approval.ApproverFunc(func(_ context.Context, req approval.Request) (approval.Decision, error) {
				prompted = append(prompted, req.Stage)
				return approval.Decision{Approved: true, Actor: "alice"}, nil
			})
			seq := NewSequencer(testDeploy,
				WithApprover(approver),
				WithNotifier(notifier),
				WithCleanup(tr.cleanup("workspace", nil)),
			)

			stageErr := errors.New(failing + " exited with status 1")
			run := seq.Run(context.Background(), deployStages(tr, map[string]error{failing: stageErr}))

			assert.Equal(t, RunFailed, run.Status)
			assert.ErrorIs(t, run.Err, stageErr)
			assert.Equal(t, failing, run.FailedStage)
			assert.Contains(t, run.Stages[failAt].Message, "status 1")

			wantCalls := append(append([]string{}, order[:failAt+1]...), "cleanup:workspace")
			assert.Equal(t, wantCalls, tr.Calls())

			var wantPrompted []string
			for i, name := range order {
				want := StageSucceeded
				switch {
				case i == failAt:
					want = StageFailed
				case i > failAt:
					want = StageSkipped
				}
				assert.Equal(t, want, run.Stages[i].Status, name)
				if gated[name] && i <= failAt {
					wantPrompted = append(wantPrompted, name)
				}
			}
			assert.Equal(t, wantPrompted, prompted, "gates after the failure are never requested")

			require.Len(t, notifier.got, 1)
			assert.False(t, notifier.got[0].Succeeded)
			assert.Equal(t, failing, notifier.got[0].FailedStage)
		})
	}
}

func TestScanFailureStopsBeforePush(t *testing.T) {
	tr := &trace{}
	notifier := &recordingNotifier{}
	approvals := 0
	approver := approval.ApproverFunc(func(context.Context, approval.Request) (approval.Decision, error) {
		approvals++
		return approval.Decision{Approved: true}, nil
	})
	seq := NewSequencer(testDeploy,
		WithApprover(approver),
		WithNotifier(notifier),
		WithCleanup(tr.cleanup("remove-image", nil)),
	)

	scanErr := &ScanError{Stage: "scan", Image: "web:1.4.0", ExitCode: 1}
	run := seq.Run(context.Background(), deployStages(tr, map[string]error{"scan": scanErr}))

	assert.Equal(t, RunFailed, run.Status)
	var se *ScanError
	require.ErrorAs(t, run.Err, &se)
	assert.Equal(t, "scan", run.FailedStage)
	assert.Equal(t, []string{"checkout", "build", "scan", "cleanup:remove-image"}, tr.Calls())
	assert.Zero(t, approvals, "no gate may be opened after a failed stage")
	assert.Len(t, notifier.got, 1)
}

func TestGateRejectionAbortsWithoutRunningStage(t *testing.T) {
	tr := &trace{}
	notifier := &recordingNotifier{}
	seq := NewSequencer(testDeploy,
		WithApprover(approval.Deny("bob", "change freeze")),
		WithNotifier(notifier),
		WithCleanup(tr.cleanup("workspace", nil)),
	)

	run := seq.Run(context.Background(), deployStages(tr, nil))

	assert.Equal(t, RunAborted, run.Status)
	assert.Equal(t, []string{"checkout", "build", "scan", "cleanup:workspace"}, tr.Calls())

	var rejected *GateRejectedError
	require.ErrorAs(t, run.Err, &rejected)
	assert.Equal(t, "push", rejected.Stage)
	assert.Equal(t, "bob", rejected.Actor)
	assert.False(t, rejected.TimedOut)

	assert.Equal(t, StageRejected, run.Stages[3].Status)
	assert.Equal(t, StageSkipped, run.Stages[4].Status)
	require.Len(t, notifier.got, 1)
	assert.Equal(t, "aborted", notifier.got[0].Status)
	assert.Equal(t, "push", notifier.got[0].FailedStage)
}

func TestDeployGateRejectedAfterPush(t *testing.T) {
	tr := &trace{}
	approver := approval.ApproverFunc(func(_ context.Context, req approval.Request) (approval.Decision, error) {
		return approval.Decision{Approved: req.Stage == "push", Actor: "carol"}, nil
	})
	seq := NewSequencer(testDeploy, WithApprover(approver), WithCleanup(tr.cleanup("workspace", nil)))

	run := seq.Run(context.Background(), deployStages(tr, nil))

	assert.Equal(t, RunAborted, run.Status)
	assert.Equal(t, []string{"checkout", "build", "scan", "push", "cleanup:workspace"}, tr.Calls())
	assert.Equal(t, StageRejected, run.Stages[4].Status)
}

func TestGateTimeoutAborts(t *testing.T) {
	tr := &trace{}
	broker := approval.NewBroker()
	stages := []Stage{
		{Name: "push", Action: tr.action("push", nil), Gate: &Gate{Prompt: "push?", Timeout: 20 * time.Millisecond}},
	}
	seq := NewSequencer(testDeploy, WithApprover(broker), WithCleanup(tr.cleanup("workspace", nil)))

	run := seq.Run(context.Background(), stages)

	assert.Equal(t, RunAborted, run.Status)
	var rejected *GateRejectedError
	require.ErrorAs(t, run.Err, &rejected)
	assert.True(t, rejected.TimedOut)
	assert.Equal(t, []string{"cleanup:workspace"}, tr.Calls())
	assert.Empty(t, broker.Pending())
}

func TestGateWaitsForBrokerDecision(t *testing.T) {
	tr := &trace{}
	broker := approval.NewBroker()
	var mu sync.Mutex
	var suspended []Run
	observer := func(run Run) {
		for _, s := range run.Stages {
			if s.Status == StageAwaitingApproval {
				mu.Lock()
				suspended = append(suspended, run)
				mu.Unlock()
			}
		}
	}
	stages := []Stage{
		{Name: "build", Action: tr.action("build", nil)},
		{Name: "deploy", Action: tr.action("deploy", nil), Gate: &Gate{Prompt: "deploy?"}},
	}
	seq := NewSequencer(testDeploy, WithRunID("run-7"), WithApprover(broker), WithObserver(observer))

	done := make(chan *Run, 1)
	go func() { done <- seq.Run(context.Background(), stages) }()

	require.Eventually(t, func() bool { return len(broker.Pending()) == 1 }, 2*time.Second, 5*time.Millisecond)
	req := broker.Pending()[0]
	assert.Equal(t, "run-7", req.RunID)
	assert.Equal(t, "deploy", req.Stage)
	assert.Equal(t, []string{"build"}, tr.Calls())

	require.NoError(t, broker.Resolve(req.ID, approval.Decision{Approved: true, Actor: "dave"}))
	run := <-done

	assert.Equal(t, RunSucceeded, run.Status)
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, suspended)
	assert.Equal(t, RunRunning, suspended[0].Status)
	assert.Equal(t, req.ID, suspended[0].Stages[1].Gate.RequestID)
}

func TestAbortDuringGate(t *testing.T) {
	tr := &trace{}
	broker := approval.NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stages := []Stage{
		{Name: "push", Action: tr.action("push", nil), Gate: &Gate{Prompt: "push?"}},
		{Name: "deploy", Action: tr.action("deploy", nil)},
	}
	seq := NewSequencer(testDeploy, WithApprover(broker), WithCleanup(tr.cleanup("workspace", nil)))

	done := make(chan *Run, 1)
	go func() { done <- seq.Run(ctx, stages) }()

	require.Eventually(t, func() bool { return len(broker.Pending()) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	run := <-done

	assert.Equal(t, RunAborted, run.Status)
	assert.ErrorIs(t, run.Err, ErrAborted)
	assert.Equal(t, StageAborted, run.Stages[0].Status)
	assert.Equal(t, StageSkipped, run.Stages[1].Status)
	assert.Equal(t, []string{"cleanup:workspace"}, tr.Calls(), "cleanup must run with a live context")
	assert.Empty(t, run.CleanupErrors)
}

func TestAbortDuringActionIsNotAFailure(t *testing.T) {
	tr := &trace{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	blocking := ActionFunc(func(ctx context.Context, _ *Env) Outcome {
		close(started)
		<-ctx.Done()
		return Outcome{Err: errors.New("docker exited with status 137")}
	})
	stages := []Stage{
		{Name: "build", Action: blocking},
		{Name: "scan", Action: tr.action("scan", nil)},
	}
	seq := NewSequencer(testDeploy, WithCleanup(tr.cleanup("workspace", nil)))

	go func() {
		<-started
		cancel()
	}()
	run := seq.Run(ctx, stages)

	assert.Equal(t, RunAborted, run.Status)
	assert.ErrorIs(t, run.Err, ErrAborted)
	assert.Equal(t, StageAborted, run.Stages[0].Status)
	assert.Equal(t, []string{"cleanup:workspace"}, tr.Calls())
}

func TestCancelledBeforeStartSkipsEverything(t *testing.T) {
	tr := &trace{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	notifier := &recordingNotifier{}
	seq := NewSequencer(testDeploy, WithNotifier(notifier), WithCleanup(tr.cleanup("workspace", nil)))
	run := seq.Run(ctx, deployStages(tr, nil))

	assert.Equal(t, RunAborted, run.Status)
	assert.Equal(t, []string{"cleanup:workspace"}, tr.Calls())
	for _, s := range run.Stages {
		assert.Equal(t, StageSkipped, s.Status)
	}
	assert.Len(t, notifier.got, 1)
}

func TestStageTimeoutFails(t *testing.T) {
	slow := ActionFunc(func(ctx context.Context, _ *Env) Outcome {
		<-ctx.Done()
		return Outcome{Err: ctx.Err()}
	})
	seq := NewSequencer(testDeploy)

	run := seq.Run(context.Background(), []Stage{{Name: "rollout", Action: slow, Timeout: 20 * time.Millisecond}})

	assert.Equal(t, RunFailed, run.Status)
	assert.Equal(t, StageFailed, run.Stages[0].Status)
	assert.Contains(t, run.Stages[0].Message, "timed out")
}

func TestCleanupRunsOnceAndErrorsAreRecorded(t *testing.T) {
	tr := &trace{}
	seq := NewSequencer(testDeploy, WithCleanup(
		tr.cleanup("remove-image", errors.New("no such image")),
		tr.cleanup("workspace", nil),
	))

	run := seq.Run(context.Background(), []Stage{{Name: "build", Action: tr.action("build", nil)}})

	assert.Equal(t, RunSucceeded, run.Status, "cleanup failures do not change the status")
	assert.Equal(t, []string{"build", "cleanup:remove-image", "cleanup:workspace"}, tr.Calls())
	assert.Equal(t, []string{"remove-image: no such image"}, run.CleanupErrors)
}

func TestPanickingActionFails(t *testing.T) {
	tr := &trace{}
	boom := ActionFunc(func(context.Context, *Env) Outcome { panic("boom") })
	seq := NewSequencer(testDeploy, WithCleanup(tr.cleanup("workspace", nil)))

	run := seq.Run(context.Background(), []Stage{{Name: "build", Action: boom}, {Name: "scan", Action: tr.action("scan", nil)}})

	assert.Equal(t, RunFailed, run.Status)
	assert.Contains(t, run.Message, "boom")
	assert.Equal(t, []string{"cleanup:workspace"}, tr.Calls())
}

func TestDefaultApproverRejects(t *testing.T) {
	tr := &trace{}
	seq := NewSequencer(testDeploy)

	run := seq.Run(context.Background(), []Stage{{Name: "deploy", Action: tr.action("deploy", nil), Gate: &Gate{}}})

	assert.Equal(t, RunAborted, run.Status)
	assert.Empty(t, tr.Calls())
	assert.Equal(t, "Proceed with stage deploy?", run.Stages[0].Gate.Prompt)
}

func TestClosedTerminalInputRejectsGate(t *testing.T) {
	tr := &trace{}
	seq := NewSequencer(testDeploy,
		WithApprover(approval.NewTerminal(strings.NewReader(""), io.Discard, "ci")),
		WithCleanup(tr.cleanup("workspace", nil)),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run := seq.Run(ctx, deployStages(tr, nil))

	require.NoError(t, ctx.Err(), "the gate must not wait for a signal")
	assert.Equal(t, RunAborted, run.Status)
	assert.Equal(t, StageRejected, run.Stages[3].Status)
	assert.Equal(t, []string{"checkout", "build", "scan", "cleanup:workspace"}, tr.Calls())

	var rejected *GateRejectedError
	require.ErrorAs(t, run.Err, &rejected)
	assert.Contains(t, rejected.Reason, "not interactive")
}

func TestActionsSeeDeployAndRunID(t *testing.T) {
	var seen Env
	capture := ActionFunc(func(_ context.Context, env *Env) Outcome {
		seen = *env
		return Outcome{}
	})
	seq := NewSequencer(testDeploy, WithRunID("run-9"), WithWorkspace("/tmp/ws"))

	seq.Run(context.Background(), []Stage{{Name: "build", Action: capture}})

	assert.Equal(t, "run-9", seen.RunID)
	assert.Equal(t, "/tmp/ws", seen.Workspace)
	assert.Equal(t, testDeploy, seen.Deploy)
}

func TestRunIsPersisted(t *testing.T) {
	tr := &trace{}
	writer, err := evidence.NewWriter(t.TempDir(), "run-3")
	require.NoError(t, err)

	seq := NewSequencer(testDeploy,
		WithRunID("run-3"),
		WithPipeline("web", "shipgate.yaml"),
		WithRecorder(writer),
		WithApprover(approval.Approve("alice")),
	)
	run := seq.Run(context.Background(), deployStages(tr, map[string]error{"deploy": errors.New("kubectl exited with status 1")}))
	require.Equal(t, RunFailed, run.Status)

	record, err := evidence.ReadRun(filepath.Join(writer.RunDir(), "run.json"))
	require.NoError(t, err)
	assert.Equal(t, "failed", record.Status)
	assert.Equal(t, "deploy", record.FailedStage)
	assert.Equal(t, "shipgate.yaml", record.PipelineFile)
	assert.Contains(t, record.Failure, "kubectl")
	require.Len(t, record.Stages, 5)
	require.NotNil(t, record.Stages[3].Approval)
	assert.Equal(t, "alice", record.Stages[3].Approval.Actor)
	assert.NotNil(t, record.FinishedAt)

	assert.FileExists(t, filepath.Join(writer.RunDir(), "stages", "deploy.json"))
	assert.FileExists(t, filepath.Join(writer.RunDir(), "logs", "build.log"))
}

func TestMetricsAreRecorded(t *testing.T) {
	tr := &trace{}
	collector := metrics.New()
	seq := NewSequencer(testDeploy, WithMetrics(collector), WithApprover(approval.Deny("bob", "")))

	seq.Run(context.Background(), deployStages(tr, nil))

	assert.Equal(t, 1, testutil.CollectAndCount(collector.Registry(), "shipgate_runs_total"))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.Registry(), "shipgate_approvals_total"))
	assert.Equal(t, 3, testutil.CollectAndCount(collector.Registry(), "shipgate_stage_duration_seconds"))
}
