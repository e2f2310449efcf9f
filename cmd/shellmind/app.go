package main

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"shellmind/internal/config"
	"shellmind/internal/jobs"
	"shellmind/internal/logging"
	"shellmind/internal/memory"
	"shellmind/internal/metrics"
	"shellmind/internal/shell"
	"shellmind/internal/store"
)

// shutdownGrace bounds how long exit waits for background supervisors.
const shutdownGrace = 5 * time.Second

// app holds the long-lived components shared by the subcommands.
type app struct {
	cfg      *config.Config
	store    *store.Store
	metrics  *metrics.Metrics
	jobs     *jobs.Registry
	launcher *jobs.Launcher
	executor *shell.DirectExecutor

	// Nil when memory is disabled or could not be set up.
	memory  *memory.Indexer
	vectors *memory.ChromemService
}

type appOptions struct {
	memory bool
	genai  *genai.Client
}

func openStore(ctx context.Context, c *config.Config) (*store.Store, error) {
	st, err := store.Open(ctx, store.Options{Driver: c.Store.Driver, Path: c.StorePath()})
	if err != nil {
		return nil, fmt.Errorf("failed to open conversation store: %w", err)
	}
	return st, nil
}

func newApp(ctx context.Context, c *config.Config, opts appOptions) (*app, error) {
	timer := logging.StartTimer(logging.CategoryBoot, "app.init")
	defer timer.Stop()

	st, err := openStore(ctx, c)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	reg := jobs.NewRegistry(jobs.WithMetrics(m))

	a := &app{
		cfg:     c,
		store:   st,
		metrics: m,
		jobs:    reg,
		launcher: jobs.NewLauncher(reg, jobs.LauncherConfig{
			OutputDir:        c.JobsOutputDir(),
			Shell:            c.Execution.Shell,
			WorkingDirectory: c.Execution.WorkingDir,
			Retention:        c.GetJobRetention(),
		}),
		executor: shell.NewDirectExecutorWithConfig(shell.ExecutorConfig{
			Shell:              c.Execution.Shell,
			DefaultTimeout:     c.GetExecutionTimeout(),
			MaxOutputBytes:     c.Execution.MaxOutputBytes,
			WorkingDirectory:   c.Execution.WorkingDir,
			AllowedEnvironment: c.Execution.AllowedEnvVars,
		}),
	}

	if opts.memory && c.Memory.Enabled {
		ix, svc, err := buildMemory(c, st, opts.genai, m)
		if err != nil {
			logging.MemoryWarn("Memory disabled: %v", err)
		} else {
			a.memory, a.vectors = ix, svc
		}
	}
	return a, nil
}

func buildMemory(c *config.Config, st *store.Store, client *genai.Client, m *metrics.Metrics) (*memory.Indexer, *memory.ChromemService, error) {
	embed, err := memory.NewEmbeddingFunc(memory.EmbeddingOptions{
		Provider:       c.Memory.Embedding.Provider,
		OllamaEndpoint: c.Memory.Embedding.OllamaEndpoint,
		OllamaModel:    c.Memory.Embedding.OllamaModel,
		GenAIModel:     c.Memory.Embedding.GenAIModel,
		GenAIClient:    client,
		CacheSize:      c.Memory.Embedding.CacheSize,
	})
	if err != nil {
		return nil, nil, err
	}
	svc, err := memory.NewChromemService(memory.ChromemConfig{
		PersistPath:   c.MemoryPersistPath(),
		Collection:    c.Memory.Collection,
		MinSimilarity: c.Memory.MinSimilarity,
	}, embed)
	if err != nil {
		return nil, nil, err
	}
	ix := memory.NewIndexer(st, svc, memory.WithTopK(c.Memory.TopK), memory.WithMetrics(m))
	logging.Memory("Memory ready: provider=%s documents=%d", c.Memory.Embedding.Provider, svc.Count())
	return ix, svc, nil
}

// close terminates background commands, dumps metrics and closes the store.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := a.launcher.Shutdown(ctx); err != nil {
		logging.JobsWarn("Background commands did not exit in time: %v", err)
	}
	a.jobs.Shutdown()

	if err := a.metrics.WriteTextfile(a.cfg.ResolvePath(a.cfg.Metrics.TextfilePath)); err != nil {
		logging.BootWarn("Failed to write metrics textfile: %v", err)
	}
	if err := a.store.Close(); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to close store: %v", err)
	}
}
