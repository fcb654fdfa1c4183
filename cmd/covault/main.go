// cmd/covault/main.go
//
// This is the entry point for the covault CLI. Every subcommand
// operates on one vault directory (--vault, default the working
// directory): init sets up the tree, agent runs the poll loop, and the
// rest are one-shot operator tools over the same packages the agent
// uses.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/tessrk/covault/internal/agent"
	"github.com/tessrk/covault/internal/config"
	"github.com/tessrk/covault/internal/gitstore"
	"github.com/tessrk/covault/internal/ledger"
	"github.com/tessrk/covault/internal/logbook"
	"github.com/tessrk/covault/internal/loop"
	"github.com/tessrk/covault/internal/recovery"
	"github.com/tessrk/covault/internal/tui"
	"github.com/tessrk/covault/internal/vault"
)

var vaultRoot string

// runtime bundles the collaborators every subcommand needs.
type runtime struct {
	cfg    config.Config
	layout *vault.Layout
	store  *gitstore.Store
	ledger *ledger.Ledger
	engine *recovery.Engine
	loops  *loop.Manager
	log    *logbook.Logbook
}

func buildRuntime() (*runtime, error) {
	cfg, err := config.Load(vaultRoot)
	if err != nil {
		return nil, err
	}
	layout := vault.NewLayout(vaultRoot)
	if err := layout.Init(); err != nil {
		return nil, fmt.Errorf("init vault tree: %w", err)
	}
	log, err := logbook.New(layout.Logs(), cfg.AgentID)
	if err != nil {
		return nil, err
	}
	led, err := ledger.New(layout.Audit(), ledger.Level(cfg.Audit.MinLevel))
	if err != nil {
		return nil, err
	}
	engine, err := recovery.New(layout.Audit(), log)
	if err != nil {
		return nil, err
	}
	loops, err := loop.NewManager(layout, log, engine, cfg.Loop.MaxIterations)
	if err != nil {
		return nil, err
	}
	return &runtime{
		cfg:    cfg,
		layout: layout,
		store:  gitstore.New(layout.Root(), log),
		ledger: led,
		engine: engine,
		loops:  loops,
		log:    log,
	}, nil
}

func main() {
	root := &cobra.Command{
		Use:           "covault",
		Short:         "File-based coordination vault for a two-agent system",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&vaultRoot, "vault", ".", "vault root directory")

	root.AddCommand(
		newInitCmd(),
		newAgentCmd(),
		newClaimCmd(),
		newReleaseCmd(),
		newSyncCmd(),
		newLoopCmd(),
		newReportCmd(),
		newStatusCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "covault: %v\n", err)
		os.Exit(1)
	}
}

func newInitCmd() *cobra.Command {
	var remoteURL string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the vault tree, default config, and git repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			layout := vault.NewLayout(vaultRoot)
			if err := layout.Init(); err != nil {
				return err
			}
			if err := config.Ensure(vaultRoot); err != nil {
				return err
			}
			log, err := logbook.New(layout.Logs(), "covault")
			if err != nil {
				return err
			}
			store := gitstore.New(layout.Root(), log)
			if err := store.Init(cmd.Context(), remoteURL); err != nil {
				return err
			}
			fmt.Printf("vault initialized at %s\n", layout.Root())
			return nil
		},
	}
	cmd.Flags().StringVar(&remoteURL, "remote", "", "git remote URL for replication")
	return cmd
}

func newAgentCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the agent poll loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			a, err := agent.New(rt.cfg, rt.layout, rt.store, rt.ledger, rt.engine, rt.loops, rt.log)
			if err != nil {
				return err
			}
			// Without registered task handlers the agent still syncs,
			// sweeps, and reports; items it cannot handle go back to
			// Pending for the peer.
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if once {
				a.RunCycle(ctx)
				return nil
			}
			return a.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single poll cycle and exit")
	return cmd
}

func newClaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim <item>",
		Short: "Attempt to claim a pending work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			coord, err := vault.NewCoordinator(rt.layout, rt.cfg.AgentID, nil)
			if err != nil {
				return err
			}
			claimed, err := coord.AttemptClaim(args[0])
			if err != nil {
				return err
			}
			if !claimed {
				fmt.Printf("%s not claimed (missing or taken by the peer)\n", args[0])
				return nil
			}
			fmt.Printf("%s claimed by %s\n", args[0], rt.cfg.AgentID)
			return nil
		},
	}
}

func newReleaseCmd() *cobra.Command {
	var dest string
	cmd := &cobra.Command{
		Use:   "release <item>",
		Short: "Release an owned work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			coord, err := vault.NewCoordinator(rt.layout, rt.cfg.AgentID, nil)
			if err != nil {
				return err
			}
			if err := coord.Release(args[0], dest); err != nil {
				return err
			}
			fmt.Printf("%s released to %s\n", args[0], dest)
			return nil
		},
	}
	cmd.Flags().StringVar(&dest, "dest", vault.DoneDir, "destination directory (Done, Pending, Rejected)")
	return cmd
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Pull, resolve conflicts, and push the vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if !rt.store.Pull(ctx, rt.cfg.Sync.Remote, rt.cfg.Sync.Branch) {
				fmt.Println("pull failed, continuing with local state")
			}
			conflicted, err := rt.store.CheckConflicts()
			if err != nil {
				return err
			}
			policy := gitstore.ConflictPolicy(rt.cfg.Sync.ConflictPolicy)
			for _, path := range conflicted {
				if err := rt.store.ResolveConflict(ctx, path, policy); err != nil {
					return err
				}
				fmt.Printf("resolved %s (%s)\n", path, policy)
			}
			message := fmt.Sprintf("%s: manual sync %s", rt.cfg.AgentID, time.Now().UTC().Format(time.RFC3339))
			if rt.store.Push(ctx, rt.cfg.Sync.Remote, rt.cfg.Sync.Branch, message) {
				fmt.Println("pushed")
			} else {
				fmt.Println("push failed, local commits retained")
			}
			return nil
		},
	}
}

func newLoopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loop",
		Short: "Manage iteration loops",
	}

	var maxIterations int
	var checkpointFile string
	start := &cobra.Command{
		Use:   "start <prompt>",
		Short: "Start a new iteration loop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			opts := []loop.Option{}
			if maxIterations > 0 {
				opts = append(opts, loop.WithMaxIterations(maxIterations))
			}
			if checkpointFile != "" {
				opts = append(opts, loop.WithCheckpoints(checkpointFile))
			}
			state, err := rt.loops.Start(args[0], opts...)
			if err != nil {
				return err
			}
			fmt.Println(state.ID)
			return nil
		},
	}
	start.Flags().IntVar(&maxIterations, "max-iterations", 0, "iteration cap (default from config)")
	start.Flags().StringVar(&checkpointFile, "checkpoints", "", "markdown checklist file")

	list := &cobra.Command{
		Use:   "list",
		Short: "List persisted loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			states, err := rt.loops.List()
			if err != nil {
				return err
			}
			for _, state := range states {
				fmt.Printf("%s  %-14s %d/%d  %s\n",
					state.ID, state.Status, state.Iteration, state.MaxIterations, state.Reason)
			}
			return nil
		},
	}

	stop := &cobra.Command{
		Use:   "stop <id> <reason>",
		Short: "Stop a running loop",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			state, err := rt.loops.Stop(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("%s stopped at iteration %d\n", state.ID, state.Iteration)
			return nil
		},
	}

	report := &cobra.Command{
		Use:   "report [id]",
		Short: "Write a loop report (single loop, or summary of all loops)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			var path string
			if len(args) == 1 {
				path, err = rt.loops.WriteLoopReport(args[0])
			} else {
				path, err = rt.loops.WriteSummaryReport()
			}
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	}

	cmd.AddCommand(start, list, stop, report)
	return cmd
}

func newReportCmd() *cobra.Command {
	var window time.Duration
	var compliance, errorsReport bool
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Write audit, error, or compliance reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			if compliance {
				summary, err := rt.ledger.Compliance()
				if err != nil {
					return err
				}
				fmt.Printf("last %d days: %d actions, %d sensitive, %d approvals, %d external, %d data accesses, %d failed\n",
					summary.PeriodDays, summary.TotalActions, summary.SensitiveActions,
					summary.ApprovalRequests, summary.ExternalCommunications,
					summary.DataAccesses, summary.FailedActions)
				return nil
			}
			if errorsReport {
				path, err := rt.engine.WriteReport(window)
				if err != nil {
					return err
				}
				fmt.Println(path)
				return nil
			}
			path, err := rt.ledger.WriteReport(window)
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	}
	cmd.Flags().DurationVar(&window, "window", 24*time.Hour, "reporting window")
	cmd.Flags().BoolVar(&compliance, "compliance", false, "print the 30-day compliance summary")
	cmd.Flags().BoolVar(&errorsReport, "errors", false, "write the error recovery report instead")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Open the vault status dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			app := tui.NewApp(rt.cfg, rt.layout, rt.ledger, rt.engine, rt.loops, rt.log)
			program := tea.NewProgram(app, tea.WithAltScreen())
			if _, err := program.Run(); err != nil {
				return fmt.Errorf("run dashboard: %w", err)
			}
			return nil
		},
	}
}
