package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/shipgate/pkg/approval"
	"github.com/zen-systems/shipgate/pkg/config"
	"github.com/zen-systems/shipgate/pkg/pipeline"
	"github.com/zen-systems/shipgate/pkg/server"
)

const testPipeline = `name: web
deploy:
  image_name: web
  image_tag: "1.4.0"
  repository: registry.example.com/team
  namespace: prod
  descriptor: deploy/web.yaml
  source_url: .
stages:
  - {name: build, kind: build}
  - name: push
    kind: push
    approval: {prompt: "Push {{ .RemoteRef }}?", timeout: 10m}
`

func writePipeline(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shipgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testPipeline), 0644))
	return path
}

func withPipelineFile(t *testing.T, path string) {
	t.Helper()
	prev := pipelineFile
	pipelineFile = path
	t.Cleanup(func() { pipelineFile = prev })
}

func TestLoadPipelineAppliesEnvOverrides(t *testing.T) {
	withPipelineFile(t, writePipeline(t))
	t.Setenv("SHIPGATE_IMAGE_TAG", "1.5.0")

	p, path, err := loadPipeline()
	require.NoError(t, err)
	assert.Equal(t, pipelineFile, path)
	assert.Equal(t, "registry.example.com/team/web:1.5.0", p.Deploy.RemoteRef())
}

func TestLoadPipelineReportsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: web\nstages: []\n"), 0644))
	withPipelineFile(t, path)

	_, _, err := loadPipeline()
	assert.ErrorContains(t, err, "broken.yaml")
}

func TestPlanCommand(t *testing.T) {
	withPipelineFile(t, writePipeline(t))

	var out bytes.Buffer
	cmd := planCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(nil)
	require.NoError(t, cmd.Execute())

	text := out.String()
	assert.Contains(t, text, "Pipeline web")
	assert.Contains(t, text, "Push registry.example.com/team/web:1.4.0? (10m0s)")
	assert.Contains(t, text, "Cleanup:")
}

func TestValidateCommand(t *testing.T) {
	withPipelineFile(t, "")

	var out bytes.Buffer
	cmd := validateCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{writePipeline(t)})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Pipeline web is valid (2 stages).")
}

func TestSelectApprover(t *testing.T) {
	broker := approval.NewBroker()

	a, err := selectApprover(approveHTTP, "alice", broker)
	require.NoError(t, err)
	assert.Same(t, broker, a)

	a, err = selectApprover(approveAuto, "alice", broker)
	require.NoError(t, err)
	d, err := a.Request(context.Background(), approval.NewRequest("run", "push", "ok?"))
	require.NoError(t, err)
	assert.True(t, d.Approved)
	assert.Equal(t, "alice", d.Actor)

	a, err = selectApprover(approveDeny, "alice", broker)
	require.NoError(t, err)
	d, err = a.Request(context.Background(), approval.NewRequest("run", "push", "ok?"))
	require.NoError(t, err)
	assert.False(t, d.Approved)

	_, err = selectApprover("slack", "alice", broker)
	assert.ErrorContains(t, err, `unknown approver "slack"`)
}

func TestRunExit(t *testing.T) {
	assert.NoError(t, runExit(&pipeline.Run{Status: pipeline.RunSucceeded}))

	var exitErr *exitError
	require.True(t, errors.As(runExit(&pipeline.Run{ID: "r", Status: pipeline.RunFailed}), &exitErr))
	assert.Equal(t, 1, exitErr.code)
	require.True(t, errors.As(runExit(&pipeline.Run{ID: "r", Status: pipeline.RunAborted}), &exitErr))
	assert.Equal(t, 2, exitErr.code)
}

func TestExecuteAbortThroughServer(t *testing.T) {
	broker := approval.NewBroker()
	srv := server.New(broker, nil, zerolog.Nop())

	started := make(chan struct{})
	seq := pipeline.NewSequencer(config.Deploy{ImageName: "web", ImageTag: "1"},
		pipeline.WithApprover(broker),
		pipeline.WithObserver(srv.Observe),
	)
	plan := &pipeline.Plan{Stages: []pipeline.Stage{{
		Name: "build",
		Kind: pipeline.KindBuild,
		Action: pipeline.ActionFunc(func(ctx context.Context, _ *pipeline.Env) pipeline.Outcome {
			close(started)
			<-ctx.Done()
			return pipeline.Outcome{Err: ctx.Err()}
		}),
	}}}

	done := make(chan *pipeline.Run, 1)
	go func() { done <- execute(context.Background(), seq, plan, srv, "") }()

	<-started
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/run/abort", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	run := <-done
	assert.Equal(t, pipeline.RunAborted, run.Status)
}

func TestLoopback(t *testing.T) {
	assert.True(t, loopback("127.0.0.1:8088"))
	assert.True(t, loopback("localhost:8088"))
	assert.True(t, loopback("[::1]:8088"))
	assert.False(t, loopback(":8088"))
	assert.False(t, loopback("0.0.0.0:8088"))
	assert.False(t, loopback("10.0.0.4:8088"))
}

func TestControlClientUsesToken(t *testing.T) {
	t.Setenv("SHIPGATE_CONTROL_TOKEN", "s3cret")
	client := newControlClient("127.0.0.1:8088")
	assert.Equal(t, "s3cret", client.Token)
	assert.Equal(t, "http://127.0.0.1:8088", client.BaseURL)
}

func TestHasGates(t *testing.T) {
	assert.True(t, hasGates(pipeline.DefaultPipeline()))
	assert.False(t, hasGates(&pipeline.Pipeline{Stages: []*pipeline.StageDefinition{{Name: "build", Kind: pipeline.KindBuild}}}))
}
