package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/deepnoodle-ai/flow"
	"github.com/deepnoodle-ai/flow/config"
	"github.com/deepnoodle-ai/flow/retry"
	"github.com/deepnoodle-ai/flow/store"
	"github.com/deepnoodle-ai/flow/task"
	"github.com/deepnoodle-ai/flow/tasks"
	"github.com/deepnoodle-ai/flow/trigger"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// openStore opens the configured store. The returned close function is
// never nil.
func openStore(ctx context.Context, cfg *config.Config) (flow.Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return flow.NewMemoryStore(), noop, nil
	case config.DriverFile:
		s, err := store.NewFile(cfg.Store.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	case config.DriverPostgres:
		s, err := store.OpenPostgres(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverDynamoDB:
		client, err := store.NewDynamoDBClient(ctx, cfg.Store.DynamoDBRegion)
		if err != nil {
			return nil, nil, err
		}
		return store.NewDynamoDB(client, cfg.Store.DynamoDBTable), noop, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

func newCheckpointManager(cfg *config.Config, s flow.Store, logger *slog.Logger) (*flow.CheckpointManager, error) {
	policy := retry.DefaultPolicy
	policy.MaxRetries = cfg.Checkpoint.MaxRetries
	return flow.NewCheckpointManager(flow.CheckpointManagerOptions{
		Store:        s,
		Logger:       logger,
		Buffer:       cfg.Checkpoint.Buffer,
		Retry:        policy,
		WriteTimeout: cfg.Checkpoint.WriteTimeout,
	})
}

func newTaskRegistry(cfg *config.Config, logger *slog.Logger) (*task.Registry, error) {
	return tasks.NewRegistry(tasks.Options{
		Logger: logger,
		AI: tasks.AIOptions{
			BaseURL: cfg.AI.BaseURL,
			APIKey:  firstNonEmpty(cfg.AI.APIKey, os.Getenv("OPENAI_API_KEY")),
			Model:   cfg.AI.Model,
		},
		Shell: tasks.ShellOptions{
			AllowedCommands: cfg.Shell.AllowedCommands,
			WorkingDir:      cfg.Shell.WorkingDir,
		},
		Browser: tasks.BrowserOptions{
			RemoteURL: cfg.Browser.RemoteURL,
			ExecPath:  cfg.Browser.ExecPath,
		},
	})
}

func newEngine(cfg *config.Config, registry *task.Registry, cm *flow.CheckpointManager, callbacks flow.ExecutionCallbacks, logger *slog.Logger) (*flow.Engine, error) {
	return flow.NewEngine(flow.EngineOptions{
		Registry:         registry,
		Checkpoints:      cm,
		Logger:           logger,
		Callbacks:        callbacks,
		MaxSteps:         cfg.Engine.MaxSteps,
		ExecutionTimeout: cfg.Engine.ExecutionTimeout,
		SnapshotInterval: cfg.Engine.SnapshotInterval,
	})
}

func newRedisClient(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	return client, nil
}

// triggerFile is the boot file listing the triggers a server runs.
type triggerFile struct {
	Triggers []*trigger.Trigger `yaml:"triggers"`
}

func loadTriggers(path string) ([]*trigger.Trigger, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read triggers file: %w", err)
	}
	var f triggerFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse triggers file %s: %w", path, err)
	}
	seen := map[string]bool{}
	for i, t := range f.Triggers {
		if t == nil || t.ID == "" {
			return nil, fmt.Errorf("trigger %d in %s has no id", i, path)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("duplicate trigger id %q in %s", t.ID, path)
		}
		seen[t.ID] = true
		if !t.Type.Valid() {
			return nil, fmt.Errorf("trigger %s: %w: %q", t.ID, trigger.ErrUnsupportedType, t.Type)
		}
		if t.WorkflowID == "" {
			return nil, fmt.Errorf("trigger %s has no workflow_id", t.ID)
		}
	}
	return f.Triggers, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
