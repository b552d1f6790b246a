package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"k8s.io/client-go/kubernetes"

	"github.com/zen-systems/shipgate/pkg/config"
	"github.com/zen-systems/shipgate/pkg/descriptor"
	"github.com/zen-systems/shipgate/pkg/kube"
	"github.com/zen-systems/shipgate/pkg/toolchain"
	"github.com/zen-systems/shipgate/pkg/workspace"
)

// TemplateData is what command arguments and approval prompts are rendered
// against. Deploy fields and methods such as .RemoteRef are promoted.
type TemplateData struct {
	config.Deploy
	RunID     string
	Workspace string
}

// Plan is a compiled pipeline.
type Plan struct {
	Stages  []Stage
	Cleanup []Cleanup
}

// Builder compiles pipeline definitions into stages backed by external
// tools.
type Builder struct {
	Tools    toolchain.Tools
	Executor toolchain.Executor
	// KubeClient is used by rollout stages. When nil one is created from
	// the cluster credential on first use.
	KubeClient      kubernetes.Interface
	RolloutInterval time.Duration
	// Credentials resolves registry credentials; defaults to
	// config.Deploy.RegistryCredentials.
	Credentials func(config.Deploy) (user, password string, err error)
}

// NewBuilder creates a Builder that runs tools as local processes.
func NewBuilder(bin config.Binaries) *Builder {
	return &Builder{
		Tools:    toolchain.New(bin),
		Executor: toolchain.NewExecRunner(),
	}
}

// Compile turns p into executable stages and cleanup steps. p must be
// valid.
func (b *Builder) Compile(p *Pipeline, data TemplateData) (*Plan, error) {
	plan := &Plan{}
	for _, def := range p.Stages {
		stage, err := b.compileStage(def, data)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", def.Name, err)
		}
		plan.Stages = append(plan.Stages, stage)
	}

	cleanup, err := b.compileCleanup(p, data)
	if err != nil {
		return nil, err
	}
	plan.Cleanup = cleanup
	return plan, nil
}

func (b *Builder) compileStage(def *StageDefinition, data TemplateData) (Stage, error) {
	timeout, err := parseDuration(def.Timeout)
	if err != nil {
		return Stage{}, err
	}
	stage := Stage{Name: def.Name, Kind: def.Kind, Timeout: timeout}

	if def.Approval != nil {
		prompt, err := render(def.Approval.Prompt, data)
		if err != nil {
			return Stage{}, fmt.Errorf("approval prompt: %w", err)
		}
		gateTimeout, err := parseDuration(def.Approval.Timeout)
		if err != nil {
			return Stage{}, err
		}
		stage.Gate = &Gate{Prompt: prompt, Timeout: gateTimeout}
	}

	d := data.Deploy
	switch def.Kind {
	case KindCheckout:
		stage.Action, stage.Summary = b.checkout(def.Name, d)
	case KindBuild:
		inv := b.Tools.Build(d.Dockerfile, d.LocalRef(), d.BuildContext, "")
		stage.Action, stage.Summary = b.run(def.Name, inv), inv.String()
	case KindScan:
		stage.Action, stage.Summary = b.scan(def.Name, d)
	case KindPush:
		stage.Action, stage.Summary = b.push(def.Name, d)
	case KindDeploy:
		stage.Action, stage.Summary = b.deploy(def.Name, d)
	case KindRollout:
		stage.Action, stage.Summary = b.rollout(def.Name, d)
	case KindCommand:
		argv := make([]string, 0, len(def.Command))
		for _, arg := range def.Command {
			rendered, err := render(arg, data)
			if err != nil {
				return Stage{}, fmt.Errorf("command: %w", err)
			}
			argv = append(argv, rendered)
		}
		workdir, err := render(def.Workdir, data)
		if err != nil {
			return Stage{}, fmt.Errorf("workdir: %w", err)
		}
		inv := b.Tools.Command(argv, workdir)
		stage.Action, stage.Summary = b.run(def.Name, inv), inv.String()
	default:
		return Stage{}, fmt.Errorf("unknown kind %q", def.Kind)
	}
	return stage, nil
}

// run executes inv in the workspace. A relative inv.Workdir is resolved
// inside it.
func (b *Builder) run(stage string, inv toolchain.Invocation) Action {
	return ActionFunc(func(ctx context.Context, env *Env) Outcome {
		call := inv
		if !filepath.IsAbs(call.Workdir) {
			dir, err := workspace.Resolve(env.Workspace, call.Workdir)
			if err != nil {
				return Outcome{Err: fmt.Errorf("stage %s: %w", stage, err)}
			}
			call.Workdir = dir
		}
		return b.exec(ctx, stage, call)
	})
}

func (b *Builder) exec(ctx context.Context, stage string, inv toolchain.Invocation) Outcome {
	diag, err := b.Executor.Exec(ctx, inv)
	out := Outcome{Diagnostics: diag}
	if diag != nil {
		out.Output = diag.Output()
	}
	if err != nil {
		out.Err = toolError(stage, inv.Tool, err)
	}
	return out
}

func (b *Builder) checkout(stage string, d config.Deploy) (Action, string) {
	if workspace.IsLocalSource(d.SourceURL) {
		summary := fmt.Sprintf("copy %s into workspace", d.SourceURL)
		return ActionFunc(func(_ context.Context, env *Env) Outcome {
			if err := workspace.CopyTree(d.SourceURL, env.Workspace); err != nil {
				return Outcome{Err: fmt.Errorf("stage %s: copy source: %w", stage, err)}
			}
			return Outcome{Output: summary}
		}), summary
	}

	summary := b.Tools.Clone(d.SourceURL, d.SourceBranch, "<workspace>").String()
	return ActionFunc(func(ctx context.Context, env *Env) Outcome {
		return b.exec(ctx, stage, b.Tools.Clone(d.SourceURL, d.SourceBranch, env.Workspace))
	}), summary
}

func (b *Builder) scan(stage string, d config.Deploy) (Action, string) {
	inv := b.Tools.Scan(d.ScanSeverity, d.LocalRef())
	return ActionFunc(func(ctx context.Context, env *Env) Outcome {
		out := b.exec(ctx, stage, inv)
		var tie *ToolInvocationError
		if errors.As(out.Err, &tie) && tie.ExitCode > 0 {
			out.Err = &ScanError{Stage: stage, Image: d.LocalRef(), ExitCode: tie.ExitCode, Report: out.Output}
		}
		return out
	}), inv.String()
}

func (b *Builder) push(stage string, d config.Deploy) (Action, string) {
	steps := []toolchain.Invocation{
		b.Tools.Tag(d.LocalRef(), d.RemoteRef()),
		b.Tools.Push(d.RemoteRef()),
	}
	summary := steps[0].String() + " && " + steps[1].String()
	if d.RegistryCredential != "" {
		summary = b.Tools.Login(d.RegistryHost(), "$"+d.RegistryCredential+"_USR", "").String() + " && " + summary
	}

	return ActionFunc(func(ctx context.Context, env *Env) Outcome {
		invocations := steps
		if d.RegistryCredential != "" {
			user, password, err := b.credentials(d)
			if err != nil {
				return Outcome{Err: fmt.Errorf("stage %s: %w", stage, err)}
			}
			invocations = append([]toolchain.Invocation{b.Tools.Login(d.RegistryHost(), user, password)}, steps...)
		}

		var output []string
		var last Outcome
		for _, inv := range invocations {
			last = b.exec(ctx, stage, inv)
			if last.Output != "" {
				output = append(output, last.Output)
			}
			if last.Err != nil {
				break
			}
		}
		last.Output = strings.Join(output, "\n")
		return last
	}), summary
}

func (b *Builder) credentials(d config.Deploy) (string, string, error) {
	if b.Credentials != nil {
		return b.Credentials(d)
	}
	return d.RegistryCredentials()
}

func (b *Builder) deploy(stage string, d config.Deploy) (Action, string) {
	target := descriptor.Target{Workload: d.Deployment, ImageName: d.ImageName}
	summary := fmt.Sprintf("set image %s in %s && %s", d.RemoteRef(), d.Descriptor,
		b.Tools.Apply(d.ClusterCredential, d.Descriptor, d.Namespace, "").String())

	return ActionFunc(func(ctx context.Context, env *Env) Outcome {
		path := d.Descriptor
		if !filepath.IsAbs(path) {
			resolved, err := workspace.Resolve(env.Workspace, path)
			if err != nil {
				return Outcome{Err: fmt.Errorf("stage %s: %w", stage, err)}
			}
			path = resolved
		}

		n, err := descriptor.SetImage(path, target, d.RemoteRef())
		if err != nil {
			return Outcome{Err: fmt.Errorf("stage %s: update descriptor: %w", stage, err)}
		}
		env.Logger.Info().Int("images", n).Str("descriptor", path).Msg("descriptor updated")

		out := b.exec(ctx, stage, b.Tools.Apply(d.ClusterCredential, path, d.Namespace, env.Workspace))
		out.Output = fmt.Sprintf("replaced %d image reference(s) in %s\n%s", n, d.Descriptor, out.Output)
		return out
	}), summary
}

func (b *Builder) rollout(stage string, d config.Deploy) (Action, string) {
	summary := fmt.Sprintf("wait for deployment %s/%s to run %s", d.Namespace, d.Deployment, d.RemoteRef())
	return ActionFunc(func(ctx context.Context, env *Env) Outcome {
		client := b.KubeClient
		if client == nil {
			var err error
			client, err = kube.NewClient(d.ClusterCredential)
			if err != nil {
				return Outcome{Err: fmt.Errorf("stage %s: %w", stage, err)}
			}
		}

		status, err := kube.WaitForRollout(ctx, client, kube.RolloutOptions{
			Namespace:  d.Namespace,
			Deployment: d.Deployment,
			Image:      d.RemoteRef(),
			Interval:   b.RolloutInterval,
		})
		if err != nil {
			return Outcome{Output: status.String(), Err: fmt.Errorf("stage %s: %w", stage, err)}
		}
		return Outcome{Output: status.String()}
	}), summary
}

func (b *Builder) compileCleanup(p *Pipeline, data TemplateData) ([]Cleanup, error) {
	d := data.Deploy
	var steps []Cleanup

	if p.Cleanup.RemoveImage && p.HasKind(KindBuild) {
		refs := []string{d.LocalRef()}
		if p.HasKind(KindPush) && d.RemoteRef() != d.LocalRef() {
			refs = append(refs, d.RemoteRef())
		}
		steps = append(steps, Cleanup{Name: "remove-image", Action: b.bestEffort("remove-image", b.Tools.RemoveImages(refs...))})
	}
	if p.HasKind(KindPush) && d.RegistryCredential != "" {
		steps = append(steps, Cleanup{Name: "logout", Action: b.bestEffort("logout", b.Tools.Logout(d.RegistryHost()))})
	}
	for i, argv := range p.Cleanup.Commands {
		rendered := make([]string, 0, len(argv))
		for _, arg := range argv {
			r, err := render(arg, data)
			if err != nil {
				return nil, fmt.Errorf("cleanup command %d: %w", i+1, err)
			}
			rendered = append(rendered, r)
		}
		name := fmt.Sprintf("command-%d", i+1)
		steps = append(steps, Cleanup{Name: name, Action: b.bestEffort(name, b.Tools.Command(rendered, ""))})
	}
	if !p.Cleanup.KeepWorkspace {
		steps = append(steps, Cleanup{Name: "workspace", Action: ActionFunc(func(_ context.Context, env *Env) Outcome {
			if env.Workspace == "" {
				return Outcome{}
			}
			return Outcome{Err: os.RemoveAll(env.Workspace)}
		})})
	}
	return steps, nil
}

// bestEffort runs inv from the workspace when it still exists.
func (b *Builder) bestEffort(name string, inv toolchain.Invocation) Action {
	return ActionFunc(func(ctx context.Context, env *Env) Outcome {
		call := inv
		if info, err := os.Stat(env.Workspace); env.Workspace != "" && err == nil && info.IsDir() {
			call.Workdir = env.Workspace
		}
		return b.exec(ctx, name, call)
	})
}

func render(text string, data TemplateData) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	tmpl, err := template.New("arg").Option("missingkey=error").Parse(text)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}
