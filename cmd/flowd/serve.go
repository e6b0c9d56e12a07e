package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/deepnoodle-ai/flow"
	"github.com/deepnoodle-ai/flow/config"
	"github.com/deepnoodle-ai/flow/lease"
	"github.com/deepnoodle-ai/flow/metrics"
	"github.com/deepnoodle-ai/flow/server"
	"github.com/deepnoodle-ai/flow/trigger"
	"github.com/deepnoodle-ai/flow/worker"
	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve triggers, run queued executions and resume interrupted ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, c.cfg)
		},
	}
	cmd.Flags().String("addr", ":8080", "HTTP listen address")
	cmd.Flags().String("definitions", "workflows", "Directory of workflow definitions")
	cmd.Flags().String("triggers", "", "YAML file listing the triggers to run")
	cmd.Flags().Int("concurrency", 4, "Number of executions run at once")
	c.bind(cmd, "http.addr", "addr")
	c.bind(cmd, "definitions.dir", "definitions")
	c.bind(cmd, "triggers.file", "triggers")
	c.bind(cmd, "worker.concurrency", "concurrency")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := cfg.Logger()
	owner := cfg.Worker.Owner
	logger = logger.With("owner", owner)

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	cm, err := newCheckpointManager(cfg, st, logger)
	if err != nil {
		return err
	}
	defer cm.Close()

	registry, err := newTaskRegistry(cfg, logger)
	if err != nil {
		return err
	}
	collector := metrics.NewCollector()
	callbacks := flow.NewCallbackChain(collector)
	if cfg.Log.StepsDir != "" {
		callbacks.Add(flow.NewStepLogCallbacks(flow.NewFileStepLogger(cfg.Log.StepsDir), logger))
	}
	engine, err := newEngine(cfg, registry, cm, callbacks, logger)
	if err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		if rdb, err = newRedisClient(ctx, cfg); err != nil {
			return err
		}
		defer rdb.Close()
	}
	var leases flow.Lease = lease.NewMemory()
	if rdb != nil {
		leases = lease.NewRedis(rdb, lease.WithPrefix(cfg.Redis.Prefix+":lease:"))
	}

	queue, err := newQueue(ctx, cfg, rdb, collector, logger)
	if err != nil {
		return err
	}

	catalog, err := worker.LoadCatalog(cfg.Definitions.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("definitions directory not found", "dir", cfg.Definitions.Dir)
		catalog, err = worker.NewCatalog(), nil
	}
	if err != nil {
		return err
	}
	logger.Info("workflow definitions loaded", "count", len(catalog.IDs()))

	bridge, err := worker.NewBridge(worker.BridgeOptions{Definitions: catalog, Queue: queue, Logger: logger})
	if err != nil {
		return err
	}
	defer bridge.Close()
	pool, err := worker.NewPool(worker.PoolOptions{
		Queue:       queue,
		Executor:    engine,
		Leases:      leases,
		Checkpoints: cm,
		Owner:       owner,
		Concurrency: cfg.Worker.Concurrency,
		LeaseTTL:    cfg.Worker.LeaseTTL,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	recovery, err := flow.NewRecoveryService(flow.RecoveryOptions{
		Checkpoints: cm,
		Executor:    engine,
		Leases:      leases,
		Logger:      logger,
		Owner:       owner,
		LeaseTTL:    cfg.Worker.LeaseTTL,
	})
	if err != nil {
		return err
	}
	results, err := recovery.RecoverAll(ctx)
	if err != nil {
		logger.Error("recovery scan failed", "error", err)
	}
	recovered := 0
	for _, r := range results {
		if r.Recovered {
			recovered++
		}
	}
	logger.Info("recovery scan finished", "found", len(results), "resumed", recovered)

	webhooks := trigger.NewWebhookHandler(trigger.WebhookOptions{Tolerance: cfg.Webhook.Tolerance})
	handlers := []trigger.Handler{
		trigger.NewManualHandler(),
		trigger.NewScheduleHandler(),
		webhooks,
		trigger.NewAPIPollHandler(&http.Client{Timeout: 30 * time.Second}, logger),
		trigger.NewFileWatchHandler(logger),
	}
	if rdb != nil {
		handlers = append(handlers, trigger.NewEventBusHandler(rdb))
	}
	triggers, err := trigger.NewManager(trigger.Options{Logger: logger}, handlers...)
	if err != nil {
		return err
	}
	if err := triggers.SetEventCallback(bridge.HandleEvent); err != nil {
		return err
	}
	boot, err := loadTriggers(cfg.Triggers.File)
	if err != nil {
		return err
	}
	if err := triggers.Sync(ctx, boot); err != nil {
		// Each failing trigger is recorded on itself; the rest keep running.
		logger.Error("some triggers failed to start", "error", err)
	}

	srv, err := server.New(server.Options{
		Addr:        cfg.HTTP.Addr,
		Triggers:    triggers,
		Webhooks:    webhooks,
		Registry:    registry,
		Runner:      engine,
		Checkpoints: cm,
		Metrics:     collector.Handler(),
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	color.Green("flowd serving on %s (store %s, queue %s)", cfg.HTTP.Addr, cfg.Store.Driver, cfg.Worker.Queue)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(cfg, logger, srv, triggers, queue)
	})
	err = g.Wait()

	// Paused executions keep their checkpoints; recovery resumes them on
	// the next start.
	recovery.Wait()
	flushCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if ferr := cm.Flush(flushCtx); ferr != nil {
		logger.Error("failed to flush checkpoints", "error", ferr)
	}
	logger.Info("flowd stopped")
	return err
}

func newQueue(ctx context.Context, cfg *config.Config, rdb *redis.Client, collector *metrics.Collector, logger *slog.Logger) (worker.Queue, error) {
	if cfg.Worker.Queue != config.QueueRedis {
		q := worker.NewMemoryQueue()
		collector.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "flow",
			Name:      "queue_pending",
			Help:      "Execution requests waiting for a worker",
		}, func() float64 { return float64(q.Len()) }))
		return q, nil
	}
	q := worker.NewRedisQueue(rdb, worker.RedisQueueOptions{
		Prefix:   cfg.Redis.Prefix + ":queue",
		Consumer: cfg.Worker.Owner,
	})
	moved, err := q.Requeue(ctx)
	if err != nil {
		return nil, err
	}
	if moved > 0 {
		logger.Info("requeued unacknowledged requests", "count", moved)
	}
	collector.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "flow",
		Name:      "queue_pending",
		Help:      "Execution requests waiting for a worker",
	}, func() float64 {
		n, err := q.Len(context.Background())
		if err != nil {
			return 0
		}
		return float64(n)
	}))
	return q, nil
}

func shutdown(cfg *config.Config, logger *slog.Logger, srv *server.Server, triggers *trigger.Manager, queue worker.Queue) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	logger.Info("shutting down")
	var errs []error
	if err := srv.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := triggers.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if q, ok := queue.(*worker.MemoryQueue); ok {
		q.Close()
	}
	return errors.Join(errs...)
}
