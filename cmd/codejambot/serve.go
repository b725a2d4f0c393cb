package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Programming-Simplified-Community/codejam-bot/pkg/api"
	"github.com/Programming-Simplified-Community/codejam-bot/pkg/config"
	"github.com/Programming-Simplified-Community/codejam-bot/pkg/container"
	"github.com/Programming-Simplified-Community/codejam-bot/pkg/jam"
	"github.com/Programming-Simplified-Community/codejam-bot/pkg/notify"
	"github.com/Programming-Simplified-Community/codejam-bot/pkg/queue"
	"github.com/Programming-Simplified-Community/codejam-bot/pkg/sandbox"
	"github.com/Programming-Simplified-Community/codejam-bot/pkg/store"
	"github.com/Programming-Simplified-Community/codejam-bot/pkg/upload"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot",
	Long:  `Start the submission pipeline, jam scheduler, and HTTP API.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// stoppable is anything with a Stop method; components are stopped in
// reverse start order.
type stoppable interface {
	Stop() error
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if cfg.Global.LogLevel != "" {
		level, err := logrus.ParseLevel(cfg.Global.LogLevel)
		if err == nil {
			log.SetLevel(level)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var started []stoppable

	stopAll := func() {
		for i := len(started) - 1; i >= 0; i-- {
			if err := started[i].Stop(); err != nil {
				log.WithError(err).Warn("Component stop error")
			}
		}
	}
	defer stopAll()

	// Persistence first; everything downstream depends on it.
	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	started = append(started, st)

	containers, err := container.NewManager(log)
	if err != nil {
		return fmt.Errorf("creating container manager: %w", err)
	}

	if err := containers.Start(ctx); err != nil {
		return fmt.Errorf("starting container manager: %w", err)
	}

	started = append(started, containers)

	if cfg.Global.CleanupOnStart {
		pruned, err := containers.PruneStopped(ctx)
		if err != nil {
			log.WithError(err).Warn("Startup container prune failed")
		} else if pruned > 0 {
			log.WithField("pruned", pruned).Info("Removed leftover sandbox containers")
		}
	}

	registry := sandbox.NewRegistry()

	exec := sandbox.NewExecutor(log, &sandbox.Config{
		DataDir:         cfg.Global.DataDir,
		ReportsDir:      cfg.Global.ReportsDir,
		PullPolicy:      cfg.Sandbox.PullPolicy,
		MonitorInterval: cfg.MonitorInterval(),
		DefaultTimeout:  time.Duration(cfg.Sandbox.DefaultTimeoutSeconds) * time.Second,
	}, containers, registry)

	if err := exec.Start(ctx); err != nil {
		return fmt.Errorf("starting sandbox executor: %w", err)
	}

	started = append(started, exec)

	var notifier notify.Notifier = notify.NewLogNotifier(log)

	var archiver notify.Archiver

	if cfg.Archive != nil && cfg.Archive.Enabled {
		s3 := upload.NewS3Archiver(log, cfg.Archive)
		if err := s3.Preflight(ctx); err != nil {
			return fmt.Errorf("archive preflight: %w", err)
		}

		archiver = s3
	}

	dispatcher := notify.NewDispatcher(log, &notify.DispatcherConfig{
		MessagesPerMinute: cfg.Notify.MessagesPerMinute,
		FeedbackDelay:     cfg.FeedbackDelay(),
	}, notifier, archiver)

	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("starting dispatcher: %w", err)
	}

	started = append(started, dispatcher)

	pool := queue.NewPool(log, &queue.PoolConfig{
		MaxConcurrent: cfg.Queue.MaxConcurrent,
		Tick:          cfg.QueueTick(),
	}, exec, st, dispatcher)

	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("starting worker pool: %w", err)
	}

	started = append(started, pool)

	intake := queue.NewIntake(log, cfg.Challenges, st, registry, pool)
	jams := jam.NewService(log, st)

	if cfg.Jam.Enabled {
		engine := jam.NewEngine(log, st, notifier)

		// Gateway adapters that report connectivity gate the jam loop.
		var ready jam.ReadyFunc
		if hc, ok := notifier.(notify.HealthChecker); ok {
			ready = hc.Healthy
		}

		scheduler := jam.NewScheduler(log, &jam.SchedulerConfig{
			Tick: cfg.JamTick(),
		}, st, notifier, engine, ready)

		if err := scheduler.Start(ctx); err != nil {
			return fmt.Errorf("starting jam scheduler: %w", err)
		}

		started = append(started, scheduler)
	}

	if cfg.API.Enabled {
		srv := api.NewServer(log, &cfg.API, pool, st, intake, jams)

		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("starting status api: %w", err)
		}

		started = append(started, srv)
	}

	log.Info("codejambot is running")

	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	return nil
}
