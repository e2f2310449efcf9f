package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"shellmind/internal/agent"
	"shellmind/internal/config"
	"shellmind/internal/llm"
	"shellmind/internal/logging"
	"shellmind/internal/tools"
)

var (
	autoApprove bool
	noMemory    bool
	maxAttempts int
	plainOutput bool
)

var runCmd = &cobra.Command{
	Use:   "run [task...]",
	Short: "Complete a task by running approved shell commands",
	Long: `Sends the task to the model, asks before running every command it
proposes and prints the final answer.

Without a terminal on stdin every command is rejected unless --yes is given.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTask,
}

func runTask(cmd *cobra.Command, args []string) error {
	query := strings.TrimSpace(strings.Join(args, " "))
	if query == "" {
		return fmt.Errorf("task is empty")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := llm.NewClient(ctx, cfg.LLM.APIKey)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, appOptions{memory: !noMemory, genai: client})
	if err != nil {
		return err
	}
	defer a.close()

	defer watchConfig(ctx)()

	con := newConsole(cmd.OutOrStdout(), stdinIsTerminal(), autoApprove)
	registry := tools.NewStandardRegistry(tools.Deps{
		Executor:       a.executor,
		Launcher:       a.launcher,
		Jobs:           a.jobs,
		Confirm:        con,
		MaxWaitSeconds: float64(cfg.Jobs.MaxWait),
		Metrics:        a.metrics,
	})

	producer := llm.NewGeminiProducer(client.Models, registry, llm.GeminiConfig{
		Model:         cfg.LLM.Model,
		Timeout:       cfg.GetLLMTimeout(),
		MaxToolRounds: cfg.LLM.MaxToolRounds,
	})

	attempts := cfg.GetMaxAttempts()
	if maxAttempts > 0 {
		attempts = maxAttempts
	}
	loop := agent.NewLoop(a.store, producer,
		agent.WithNotifier(con),
		agent.WithAsker(con),
		agent.WithMaxAttempts(attempts),
		agent.WithLoopMetrics(a.metrics),
	)

	var mem agent.Memory
	if a.memory != nil {
		mem = a.memory
	}
	runner := agent.NewRunner(a.store, loop, mem, a.metrics)

	logging.Boot("Running task with %d tools, model=%s, attempts=%d", registry.Count(), cfg.LLM.Model, attempts)
	res, err := runner.Run(ctx, query)
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), res, plainOutput || !stdoutIsTerminal())
}

// watchConfig applies log level changes to a long run without restarting it.
// The returned func stops the watcher.
func watchConfig(ctx context.Context) func() {
	noop := func() {}
	path := resolvedConfigPath()
	if _, err := os.Stat(path); err != nil {
		return noop
	}
	w, err := config.NewWatcher(path, func(updated *config.Config) {
		if err := logging.SetLevel(updated.Logging.Level); err != nil {
			logging.BootWarn("Ignoring log level from reloaded config: %v", err)
			return
		}
		logging.Boot("Log level now %s", updated.Logging.Level)
	})
	if err != nil {
		logging.BootWarn("Config watcher unavailable: %v", err)
		return noop
	}
	if err := w.Start(ctx); err != nil {
		logging.BootWarn("Config watcher unavailable: %v", err)
		return noop
	}
	return w.Stop
}
