// Command goharness drives a single self-directed goal against a workspace,
// or queues one to run in the background, using a local (often weak) model
// compensated by the harness's own planning, checkpointing and policy layers.
//
//	goharness run --goal "add a changelog entry for v1.2" --tier medium
//	goharness task submit --goal "..."
//	goharness task list
//	goharness task result <id>
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hama-jp/open-harness/internal/agent"
	"github.com/hama-jp/open-harness/internal/agent/tools"
	"github.com/hama-jp/open-harness/internal/checkpoint"
	"github.com/hama-jp/open-harness/internal/compensate"
	"github.com/hama-jp/open-harness/internal/config"
	ctxstore "github.com/hama-jp/open-harness/internal/context"
	"github.com/hama-jp/open-harness/internal/lm"
	"github.com/hama-jp/open-harness/internal/orchestrator"
	"github.com/hama-jp/open-harness/internal/plan"
	"github.com/hama-jp/open-harness/internal/policy"
	"github.com/hama-jp/open-harness/internal/reasoner"
	"github.com/hama-jp/open-harness/internal/tasks"
	"github.com/hama-jp/open-harness/pkg/models"
)

var (
	configPath string
	verbose    bool
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "goharness",
		Short:        "Self-directed goal runner for local, weak language models",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to an open_harness.yaml config file")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose text logging to stderr")

	rootCmd.AddCommand(buildRunCmd(), buildTaskCmd())
	return rootCmd
}

// bootstrapLogging installs the slog default handler per the config's
// logging format, overridden to a verbose text handler when --verbose is set.
func bootstrapLogging(cfg *config.Config) {
	level := slog.LevelInfo
	if err := (&level).UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" && !verbose {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	bootstrapLogging(cfg)
	return cfg, nil
}

// buildStack wires every ambient component a goal run needs: the LM client,
// tool registry, policy engine, executor, context store, compensation
// pipeline, planner/replanner and checkpoint manager. Every call builds all
// of them fresh, so no reasoner.Loop, context.Store, policy engine or
// checkpoint manager is shared between goals.
func buildStack(cfg *config.Config, tier lm.Tier, onEvent func(models.Event)) (*orchestrator.Orchestrator, error) {
	root, err := filepath.Abs(cfg.Workspace.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}

	client := lm.NewClient(cfg.LM.BaseURL, cfg.LM.APIKey, cfg.LM.Tiers)

	reg := agent.NewRegistry()
	reg.Register(&tools.ReadFile{Root: root})
	reg.Register(&tools.WriteFile{Root: root})
	reg.Register(&tools.EditFile{Root: root})
	reg.Register(&tools.ListDir{Root: root})
	reg.Register(&tools.SearchFiles{Root: root})
	reg.Register(&tools.Shell{Root: root, DefaultTimeout: cfg.Workspace.ShellTimeout})
	reg.Register(&tools.GitStatus{Root: root})
	reg.Register(&tools.GitDiff{Root: root})
	reg.Register(&tools.GitCommit{Root: root})
	reg.Register(&tools.GitBranch{Root: root})
	reg.Register(&tools.GitLog{Root: root})
	reg.Register(&tools.RunTests{Root: root, Command: []string{"go", "test", "./..."}})

	probeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, t := range tools.NewExternalAgentPool(root).ProbeAvailable(probeCtx) {
		reg.Register(t)
	}

	preset := policy.Preset(cfg.Policy.Preset)
	if _, ok := policy.Presets[preset]; !ok {
		preset = policy.PresetSafe
	}
	engine := policy.NewEngine(preset, root, cfg.Policy.WritablePaths)
	exec := agent.NewExecutor(reg, engine)
	pipeline := compensate.New(client, reg)

	mgr, err := checkpoint.New(root)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint manager: %w", err)
	}

	loop := &reasoner.Loop{
		Pipeline: pipeline,
		Executor: exec,
		Tools:    reg,
		Context:  ctxstore.New("You are an autonomous engineering agent. Work the plan one step at a time and report a concise summary when a step is satisfied."),
		Budget:   policy.Presets[preset].FileWrites + policy.Presets[preset].Shells + policy.Presets[preset].GitCommits,
		Tier:     tier,
	}

	planner := &plan.Planner{Client: client, Tier: tier}
	replanner := &plan.Replanner{Planner: planner}

	return &orchestrator.Orchestrator{
		Loop:       loop,
		Checkpoint: mgr,
		Planner:    planner,
		Replanner:  replanner,
		ToolNames:  reg.Names(),
		GoalFacts:  "workspace root: " + root,
		OnEvent:    onEvent,
	}, nil
}

func parseTier(s string) (lm.Tier, error) {
	switch s {
	case "small":
		return lm.TierSmall, nil
	case "medium":
		return lm.TierMedium, nil
	case "large":
		return lm.TierLarge, nil
	default:
		return "", fmt.Errorf("unknown tier %q: want small, medium or large", s)
	}
}

func buildRunCmd() *cobra.Command {
	var goal string
	var tierFlag string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single goal to completion against the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if goal == "" {
				return fmt.Errorf("--goal is required")
			}
			tier, err := parseTier(tierFlag)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			onEvent := func(e models.Event) {
				if verbose {
					fmt.Fprintf(cmd.ErrOrStderr(), "[%s] %s\n", e.Type, e.Detail)
				}
			}
			orch, err := buildStack(cfg, tier, onEvent)
			if err != nil {
				return err
			}

			result, err := orch.RunGoal(cmd.Context(), goal)
			if err != nil {
				// The orchestrator itself reports goal failure through Result;
				// an error here means init/checkpointing broke, which is the
				// one case that should surface as a non-zero exit.
				return err
			}

			fmt.Fprintf(out, "goal %s: %s\n", result.GoalID, result.Status)
			fmt.Fprintln(out, result.Summary)
			fmt.Fprintf(out, "tool calls: %d, checkpoints: %d, rollbacks: %d, replans: %d\n",
				result.Stats.ToolCalls, result.Stats.CheckpointsTaken, result.Stats.Rollbacks, result.Stats.ReplansUsed)
			return nil
		},
	}
	cmd.Flags().StringVar(&goal, "goal", "", "the goal to accomplish (required)")
	cmd.Flags().StringVar(&tierFlag, "tier", "medium", "model tier to reason with: small, medium or large")
	return cmd
}

func buildTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Submit and inspect background goals run by the task queue",
	}
	cmd.AddCommand(buildTaskSubmitCmd(), buildTaskListCmd(), buildTaskResultCmd())
	return cmd
}

// openQueue opens the on-disk task store and wires an OrchestratorFactory
// that builds a fresh stack per task through buildStack, so no component,
// including the policy engine and checkpoint manager, carries state from one
// task to the next.
func openQueue(cfg *config.Config, onEvent func(models.Event)) (*tasks.Queue, *tasks.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Tasks.DBPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create task db dir: %w", err)
	}
	store, err := tasks.Open(cfg.Tasks.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open task store: %w", err)
	}

	factory := func(goal string) (*orchestrator.Orchestrator, error) {
		return buildStack(cfg, lm.TierMedium, onEvent)
	}
	q := tasks.NewQueue(store, factory, onEvent)
	return q, store, nil
}

func buildTaskSubmitCmd() *cobra.Command {
	var goal string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a goal to the background task queue and wait for it to finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			if goal == "" {
				return fmt.Errorf("--goal is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			q, store, err := openQueue(cfg, func(e models.Event) {
				if e.Type == models.EventTaskCompleted {
					fmt.Fprintln(out, "\a") // terminal bell on completion
				}
			})
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			if err := q.Start(ctx); err != nil {
				return fmt.Errorf("start task queue: %w", err)
			}
			defer q.Stop()

			id, err := q.Submit(ctx, goal)
			if err != nil {
				return fmt.Errorf("submit task: %w", err)
			}
			fmt.Fprintf(out, "submitted task %s\n", id)

			for {
				task, err := q.Result(ctx, id)
				if err != nil {
					return err
				}
				if task != nil && task.Status != models.TaskQueued && task.Status != models.TaskRunning {
					fmt.Fprintf(out, "task %s: %s\n%s\n", task.ID, task.Status, task.ResultText)
					return nil
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(250 * time.Millisecond):
				}
			}
		},
	}
	cmd.Flags().StringVar(&goal, "goal", "", "the goal to accomplish (required)")
	return cmd
}

func buildTaskListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every task known to the queue, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := tasks.Open(cfg.Tasks.DBPath)
			if err != nil {
				return fmt.Errorf("open task store: %w", err)
			}
			defer store.Close()

			list, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, t := range list {
				fmt.Fprintf(out, "%s\t%s\t%s\n", t.ID, t.Status, t.Goal)
			}
			return nil
		},
	}
	return cmd
}

func buildTaskResultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "result <task-id>",
		Short: "Print a task's current status and result text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := uuid.Parse(args[0]); err != nil {
				// Task ids are uuids; fail fast on an obviously malformed one
				// rather than round-tripping through the store.
				return fmt.Errorf("invalid task id %q", args[0])
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := tasks.Open(cfg.Tasks.DBPath)
			if err != nil {
				return fmt.Errorf("open task store: %w", err)
			}
			defer store.Close()

			task, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if task == nil {
				return fmt.Errorf("no such task: %s", args[0])
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s\t%s\t%s\n%s\n", task.ID, task.Status, task.Goal, task.ResultText)
			return nil
		},
	}
	return cmd
}
