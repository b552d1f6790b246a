package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/zen-systems/shipgate/pkg/approval"
	"github.com/zen-systems/shipgate/pkg/archive"
	"github.com/zen-systems/shipgate/pkg/attest"
	"github.com/zen-systems/shipgate/pkg/config"
	"github.com/zen-systems/shipgate/pkg/crypto"
	"github.com/zen-systems/shipgate/pkg/evidence"
	"github.com/zen-systems/shipgate/pkg/metrics"
	"github.com/zen-systems/shipgate/pkg/notify"
	"github.com/zen-systems/shipgate/pkg/pipeline"
	"github.com/zen-systems/shipgate/pkg/server"
	"github.com/zen-systems/shipgate/pkg/workspace"
)

const (
	approveTerminal = "terminal"
	approveHTTP     = "http"
	approveAuto     = "auto"
	approveDeny     = "deny"
)

func runCmd() *cobra.Command {
	var approveMode, actor, listen string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the pipeline",
		Long: `Executes the pipeline stages in order. Gated stages wait for a decision from
the selected approver:

  terminal  prompt on this terminal (default)
  http      wait for "shipgate approve" through the control server
  auto      approve every gate as --actor
  deny      reject every gate

Cleanup and the final notification run whether the run succeeds, fails or
is aborted. The exit status is 0 on success, 1 on failure and 2 on abort.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, logger, err := loadSettings()
			if err != nil {
				return err
			}
			p, path, err := loadPipeline()
			if err != nil {
				return err
			}

			broker := approval.NewBroker()
			approver, err := selectApprover(approveMode, actor, broker)
			if err != nil {
				return err
			}
			if approveMode == approveTerminal && hasGates(p) && !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("stdin is not a terminal and the pipeline has approval gates: use --approve=http, auto or deny")
			}
			if approveMode == approveHTTP && listen == "" {
				listen = settings.ListenAddr
			}

			runID := uuid.NewString()
			logger = logger.With().Str("run_id", runID).Str("pipeline", p.Name).Logger()

			ws, removeWorkspace, err := workspace.Prepare(settings.WorkspaceRoot, runID)
			if err != nil {
				return fmt.Errorf("prepare workspace: %w", err)
			}

			builder := pipeline.NewBuilder(settings.Binaries)
			plan, err := builder.Compile(p, pipeline.TemplateData{Deploy: p.Deploy, RunID: runID, Workspace: ws})
			if err != nil {
				_ = removeWorkspace()
				return err
			}

			recorder, err := evidence.NewWriter(settings.EvidenceDir, runID)
			if err != nil {
				_ = removeWorkspace()
				return err
			}
			signer, err := crypto.NewSigner(settings.KeysDir, settings.KeyID)
			if err != nil {
				_ = removeWorkspace()
				return fmt.Errorf("load signing key: %w", err)
			}
			store, err := archive.NewStore(settings.ArchiveDir, signer)
			if err != nil {
				_ = removeWorkspace()
				return err
			}

			collector := metrics.New()
			srv := server.New(broker, collector, logger)
			srv.RequireToken(settings.ControlToken)
			if listen != "" && settings.ControlToken == "" && !loopback(listen) {
				logger.Warn().Str("addr", listen).Msg("control server is reachable from the network without SHIPGATE_CONTROL_TOKEN")
			}

			seq := pipeline.NewSequencer(p.Deploy,
				pipeline.WithRunID(runID),
				pipeline.WithPipeline(p.Name, path),
				pipeline.WithWorkspace(ws),
				pipeline.WithApprover(approver),
				pipeline.WithNotifier(buildNotifier(settings, logger)),
				pipeline.WithRecorder(recorder),
				pipeline.WithArchiver(store),
				pipeline.WithMetrics(collector),
				pipeline.WithLogger(logger),
				pipeline.WithCleanup(plan.Cleanup...),
				pipeline.WithObserver(srv.Observe),
			)

			run := execute(cmd.Context(), seq, plan, srv, listen)

			if _, err := attest.Write(recorder.RunDir()); err != nil {
				logger.Warn().Err(err).Msg("failed to write attestation")
			}

			fmt.Fprintln(cmd.OutOrStdout())
			printRun(cmd, run)
			fmt.Fprintf(cmd.OutOrStdout(), "\nEvidence: %s\n", recorder.RunDir())
			return runExit(run)
		},
	}

	cmd.Flags().StringVar(&approveMode, "approve", approveTerminal, "approver: terminal, http, auto or deny")
	cmd.Flags().StringVar(&actor, "actor", defaultActor(), "actor recorded for terminal and auto approvals")
	cmd.Flags().StringVar(&listen, "listen", "", "serve the control API on this address (defaults to SHIPGATE_LISTEN_ADDR with --approve=http)")
	return cmd
}

// execute runs the plan while the control server, if any, serves approvals
// and abort requests. SIGINT and SIGTERM abort the run.
func execute(parent context.Context, seq *pipeline.Sequencer, plan *pipeline.Plan, srv *server.Server, listen string) *pipeline.Run {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancelRun := context.WithCancel(gctx)
	defer cancelRun()
	srvCtx, stopServer := context.WithCancel(gctx)
	defer stopServer()

	srv.SetAbort(cancelRun)

	if listen != "" {
		g.Go(func() error {
			if err := srv.ListenAndServe(srvCtx, listen); err != nil {
				return fmt.Errorf("control server: %w", err)
			}
			return nil
		})
	}

	var run *pipeline.Run
	g.Go(func() error {
		defer stopServer()
		run = seq.Run(runCtx, plan.Stages)
		return nil
	})

	// A failing control server aborts the run but never hides its outcome.
	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	return run
}

func selectApprover(mode, actor string, broker *approval.Broker) (approval.Approver, error) {
	switch mode {
	case approveTerminal:
		return approval.NewTerminal(os.Stdin, os.Stderr, actor), nil
	case approveHTTP:
		return broker, nil
	case approveAuto:
		return approval.Approve(actor), nil
	case approveDeny:
		return approval.Deny(actor, "rejected by --approve=deny"), nil
	default:
		return nil, fmt.Errorf("unknown approver %q: want terminal, http, auto or deny", mode)
	}
}

func buildNotifier(settings config.Settings, logger zerolog.Logger) notify.Notifier {
	notifiers := notify.Multi{notify.NewLogNotifier(logger)}
	if settings.WebhookURL != "" {
		client := &http.Client{Timeout: 10 * time.Second}
		notifiers = append(notifiers, notify.NewWebhookNotifier(settings.WebhookURL, client))
	}
	return notifiers
}

func hasGates(p *pipeline.Pipeline) bool {
	for _, stage := range p.Stages {
		if stage.Approval != nil {
			return true
		}
	}
	return false
}

// loopback reports whether addr binds only the local host.
func loopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
