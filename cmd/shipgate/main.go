package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/zen-systems/shipgate/pkg/archive"
	"github.com/zen-systems/shipgate/pkg/attest"
	"github.com/zen-systems/shipgate/pkg/config"
	"github.com/zen-systems/shipgate/pkg/pipeline"
	"github.com/zen-systems/shipgate/pkg/server"
)

const defaultPipelineFile = "shipgate.yaml"

var pipelineFile string

// exitError carries the process exit status of a finished run.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	rootCmd := &cobra.Command{
		Use:   "shipgate",
		Short: "Gated continuous delivery pipeline runner",
		Long: `shipgate builds, scans, pushes and deploys a container image by driving
git, docker, trivy and kubectl in a fixed stage order. Selected stages wait
for a human approval; cleanup and notification always run.

Process settings are read from SHIPGATE_* environment variables. Run
"shipgate env" to list them.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&pipelineFile, "file", "f", "", "pipeline file (default shipgate.yaml when present, else the built-in pipeline)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(decideCmd(true))
	rootCmd.AddCommand(decideCmd(false))
	rootCmd.AddCommand(approvalsCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(abortCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(envCmd())

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		os.Exit(1)
	}
}

// loadSettings reads settings and builds the process logger.
func loadSettings() (config.Settings, zerolog.Logger, error) {
	settings, err := config.Load()
	if err != nil {
		return config.Settings{}, zerolog.Nop(), err
	}
	return settings, config.NewLogger(settings, os.Stderr), nil
}

// loadPipeline resolves the pipeline definition and its effective deploy
// configuration: file values, then SHIPGATE_* overrides, then defaults.
func loadPipeline() (*pipeline.Pipeline, string, error) {
	path := pipelineFile
	if path == "" {
		if _, err := os.Stat(defaultPipelineFile); err == nil {
			path = defaultPipelineFile
		}
	}

	p := pipeline.DefaultPipeline()
	if path != "" {
		loaded, err := pipeline.LoadManifest(path)
		if err != nil {
			return nil, "", fmt.Errorf("load %s: %w", path, err)
		}
		p = loaded
	}

	deploy, err := p.Deploy.WithEnv()
	if err != nil {
		return nil, "", err
	}
	p.Deploy = deploy.WithDefaults()

	if err := p.Validate(); err != nil {
		if path == "" {
			return nil, "", fmt.Errorf("built-in pipeline: %w", err)
		}
		return nil, "", fmt.Errorf("%s: %w", path, err)
	}
	return p, path, nil
}

func planCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show the stages a run would execute",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, _, err := loadSettings()
			if err != nil {
				return err
			}
			p, path, err := loadPipeline()
			if err != nil {
				return err
			}

			builder := pipeline.NewBuilder(settings.Binaries)
			plan, err := builder.Compile(p, pipeline.TemplateData{Deploy: p.Deploy, RunID: "<run-id>", Workspace: "<workspace>"})
			if err != nil {
				return err
			}

			source := path
			if source == "" {
				source = "built-in"
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Pipeline %s (%s)\nImage %s -> %s/%s\n\n", p.Name, source, p.Deploy.RemoteRef(), p.Deploy.Namespace, p.Deploy.Deployment)

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "#\tSTAGE\tKIND\tGATE\tTIMEOUT\tACTION")
			for i, stage := range plan.Stages {
				gate := "-"
				if stage.Gate != nil {
					gate = stage.Gate.Prompt
					if stage.Gate.Timeout > 0 {
						gate += " (" + stage.Gate.Timeout.String() + ")"
					}
				}
				timeout := "-"
				if stage.Timeout > 0 {
					timeout = stage.Timeout.String()
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", i+1, stage.Name, stage.Kind, gate, timeout, stage.Summary)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			names := make([]string, 0, len(plan.Cleanup))
			for _, c := range plan.Cleanup {
				names = append(names, c.Name)
			}
			fmt.Fprintf(out, "\nCleanup: %s\n", strings.Join(names, ", "))
			return nil
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [pipeline.yaml]",
		Short: "Validate a pipeline file",
		Long:  "Validates the pipeline and its deploy configuration without executing anything.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				pipelineFile = args[0]
			}
			p, _, err := loadPipeline()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pipeline %s is valid (%d stages).\n", p.Name, len(p.Stages))
			return nil
		},
	}
}

func decideCmd(approve bool) *cobra.Command {
	var serverAddr, actor, reason string

	use, short := "reject [request-id]", "Reject a pending approval"
	if approve {
		use, short = "approve [request-id]", "Approve a pending approval"
	}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Long:  "Resolves an approval request of a running pipeline. Without an ID the only pending request is used.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newControlClient(serverAddr)
			ctx := cmd.Context()

			var id string
			if len(args) == 1 {
				id = args[0]
			} else {
				pending, err := client.Pending(ctx)
				if err != nil {
					return err
				}
				switch len(pending) {
				case 0:
					return fmt.Errorf("no approval is pending")
				case 1:
					id = pending[0].ID
				default:
					return fmt.Errorf("%d approvals are pending, pass a request id", len(pending))
				}
			}

			decision, err := client.Decide(ctx, id, approve, actor, reason)
			if err != nil {
				return err
			}
			verdict := "rejected"
			if decision.Approved {
				verdict = "approved"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Request %s %s by %s.\n", id, verdict, decision.Actor)
			return nil
		},
	}
	addServerFlag(cmd, &serverAddr)
	cmd.Flags().StringVar(&actor, "actor", defaultActor(), "name recorded on the decision")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the decision")
	return cmd
}

func approvalsCmd() *cobra.Command {
	var serverAddr string
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "List pending approvals of a running pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			pending, err := newControlClient(serverAddr).Pending(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tRUN\tSTAGE\tWAITING\tPROMPT")
			for _, req := range pending {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", req.ID, req.RunID, req.Stage, time.Since(req.CreatedAt).Round(time.Second), req.Prompt)
			}
			return w.Flush()
		},
	}
	addServerFlag(cmd, &serverAddr)
	return cmd
}

func statusCmd() *cobra.Command {
	var serverAddr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := newControlClient(serverAddr).Run(cmd.Context())
			if err != nil {
				return err
			}
			printRun(cmd, run)
			return nil
		},
	}
	addServerFlag(cmd, &serverAddr)
	return cmd
}

func abortCmd() *cobra.Command {
	var serverAddr string
	cmd := &cobra.Command{
		Use:   "abort",
		Short: "Abort a running pipeline; cleanup still runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newControlClient(serverAddr).Abort(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Abort requested.")
			return nil
		},
	}
	addServerFlag(cmd, &serverAddr)
	return cmd
}

func runsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List archived runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, _, err := loadSettings()
			if err != nil {
				return err
			}
			store, err := archive.NewStore(settings.ArchiveDir, nil)
			if err != nil {
				return err
			}
			entries, err := store.List()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tPIPELINE\tSTATUS\tARCHIVED\tSHA256")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.RunID, e.Pipeline, e.Status, e.ArchivedAt.Format(time.RFC3339), e.SHA256[:12])
			}
			return w.Flush()
		},
	}
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <run-id>",
		Short: "Verify an archived run and its evidence attestation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, _, err := loadSettings()
			if err != nil {
				return err
			}
			store, err := archive.NewStore(settings.ArchiveDir, nil)
			if err != nil {
				return err
			}
			if err := store.Verify(args[0], settings.KeysDir); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s archive verified.\n", args[0])

			runDir := filepath.Join(settings.EvidenceDir, args[0])
			if _, err := os.Stat(filepath.Join(runDir, attest.FileName)); os.IsNotExist(err) {
				fmt.Fprintf(cmd.OutOrStdout(), "No attestation in %s.\n", runDir)
				return nil
			}
			att, err := attest.VerifyFile(runDir)
			if err != nil {
				return fmt.Errorf("attestation: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Attestation verified: %s %s (%d files).\n", att.Subject.Image, att.Claim.Status, len(att.Hashes))
			return nil
		},
	}
}

func envCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "List the environment variables shipgate reads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.Usage()
		},
	}
}

func addServerFlag(cmd *cobra.Command, target *string) {
	addr := os.Getenv(config.EnvPrefix + "_SERVER")
	if addr == "" {
		addr = "127.0.0.1:8088"
	}
	cmd.Flags().StringVar(target, "server", addr, "control server address of the running pipeline")
}

// newControlClient targets the control server at addr, authenticating with
// SHIPGATE_CONTROL_TOKEN when it is set.
func newControlClient(addr string) *server.Client {
	client := server.NewClient(addr)
	client.Token = os.Getenv(config.EnvPrefix + "_CONTROL_TOKEN")
	return client
}

func defaultActor() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "shipgate"
}

func printRun(cmd *cobra.Command, run *pipeline.Run) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run %s (%s): %s\n", run.ID, run.Pipeline, run.Status)
	if run.Message != "" {
		fmt.Fprintf(out, "%s\n", run.Message)
	}
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tSTATUS\tDURATION\tMESSAGE")
	for _, s := range run.Stages {
		duration := "-"
		if s.Duration > 0 {
			duration = s.Duration.Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Name, s.Status, duration, s.Message)
	}
	_ = w.Flush()

	if len(run.CleanupErrors) > 0 {
		fmt.Fprintf(out, "\nCleanup errors:\n  %s\n", strings.Join(run.CleanupErrors, "\n  "))
	}
}

// runExit maps a terminal run to the process exit status.
func runExit(run *pipeline.Run) error {
	switch run.Status {
	case pipeline.RunSucceeded:
		return nil
	case pipeline.RunAborted:
		return &exitError{code: 2, msg: fmt.Sprintf("run %s aborted: %s", run.ID, run.Message)}
	default:
		return &exitError{code: 1, msg: fmt.Sprintf("run %s failed: %s", run.ID, run.Message)}
	}
}
