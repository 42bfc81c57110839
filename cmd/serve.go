package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"pagebinder/services"
	"pagebinder/watcher"
	"pagebinder/worker"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Consume arrival and trigger events from Redis",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(parent context.Context) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	cfg, logger := a.cfg, a.logger
	logger.Info("starting conversion service")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(parent).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info("connected to redis", "addr", cfg.RedisAddr, "db", cfg.RedisDB)

	ledger, err := a.openLedger()
	if err != nil {
		return err
	}
	if ledger != nil {
		defer ledger.Close()
	}

	status := services.NewRedisStatus(redisClient, cfg.RedisPrefix, cfg.StatusTTL)
	notifier := services.NewRedisNotifier(redisClient, cfg.NotificationQueue)

	// Jobs outlive the consumers: they get shutdownTimeout to finish after
	// the workers stop taking events.
	jobsCtx, cancelJobs := context.WithCancel(context.WithoutCancel(parent))
	defer cancelJobs()
	coord := a.coordinator(jobsCtx, ledger, status, notifier)

	pool := worker.NewPool(cfg, redisClient, coord, services.NewS3Service(cfg), notifier, logger)

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	for i := 0; i < cfg.WorkerCount; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			pool.StartWorker(ctx, workerID)
		}(i)
	}

	// Start stale event recovery goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.RecoveryLoop(ctx)
	}()

	if cfg.InboxDir != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := watcher.New(cfg.InboxDir, coord, logger).Run(ctx); err != nil {
				logger.Error("inbox watcher stopped", "error", err)
			}
		}()
	}

	logger.Info("service is ready",
		"workers", cfg.WorkerCount,
		"queue", cfg.EventQueue,
		"merger", cfg.Merger,
		"delivery", cfg.DeliveryMode,
		"staging_root", cfg.StagingRoot)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	select {
	case <-sigChan:
	case <-parent.Done():
	}

	logger.Info("shutdown signal received, stopping workers")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		coord.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all workers and jobs stopped gracefully")
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timeout, abandoning running jobs")
		cancelJobs()
	}

	logger.Info("conversion service stopped")
	return nil
}
