package toolchain

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/shipgate/pkg/config"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecRunnerCapturesOutput(t *testing.T) {
	requireShell(t)

	diag, err := NewExecRunner().Exec(context.Background(), Invocation{
		Tool:    "check",
		Command: []string{"sh", "-c", "echo hello; echo broken 1>&2; exit 3"},
	})

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.ExitCode)
	assert.Equal(t, "check exited with status 3: broken", exitErr.Error())

	require.NotNil(t, diag)
	assert.Equal(t, "hello\n", diag.Stdout)
	assert.Equal(t, "broken\n", diag.Stderr)
	assert.Equal(t, 3, diag.ExitCode)
	assert.Equal(t, "hello\n\nbroken\n", diag.Output())
}

func TestExecRunnerFeedsStdin(t *testing.T) {
	requireShell(t)

	diag, err := NewExecRunner().Exec(context.Background(), Invocation{
		Command: []string{"sh", "-c", "read line; echo got:$line"},
		Stdin:   "secret\n",
	})
	require.NoError(t, err)
	assert.Equal(t, "got:secret\n", diag.Stdout)
	assert.NotContains(t, diag.Command, "secret")
}

func TestExecRunnerMissingBinary(t *testing.T) {
	diag, err := NewExecRunner().Exec(context.Background(), Invocation{
		Command: []string{"shipgate-definitely-missing-binary"},
	})
	require.Error(t, err)
	assert.Nil(t, diag)

	var exitErr *ExitError
	assert.False(t, errors.As(err, &exitErr))
}

func TestExecRunnerHonoursCancellation(t *testing.T) {
	requireShell(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewExecRunner().Exec(ctx, Invocation{Command: []string{"sh", "-c", "sleep 10"}})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 8*time.Second)
}

func TestToolsArguments(t *testing.T) {
	tools := New(config.Binaries{Git: "git", Docker: "docker", Scanner: "trivy", Kubectl: "kubectl"})

	assert.Equal(t,
		[]string{"git", "clone", "--branch", "main", "--depth", "1", "https://git.example.com/web.git", "/ws"},
		tools.Clone("https://git.example.com/web.git", "main", "/ws").Command)
	assert.Equal(t,
		[]string{"trivy", "image", "--exit-code", "1", "--severity", "HIGH,CRITICAL", "--no-progress", "web:1"},
		tools.Scan("HIGH,CRITICAL", "web:1").Command)
	assert.Equal(t,
		[]string{"kubectl", "--kubeconfig", "/kube", "apply", "-f", "deploy.yaml", "-n", "prod"},
		tools.Apply("/kube", "deploy.yaml", "prod", "").Command)
	assert.Equal(t,
		[]string{"kubectl", "apply", "-f", "deploy.yaml", "-n", "prod"},
		tools.Apply("", "deploy.yaml", "prod", "").Command)

	login := tools.Login("registry.example.com", "bot", "pw")
	assert.Equal(t, []string{"docker", "login", "registry.example.com", "-u", "bot", "--password-stdin"}, login.Command)
	assert.Equal(t, "pw", login.Stdin)
	assert.Equal(t, []string{"docker", "logout"}, tools.Logout("").Command)
}
