package main

import (
	"context"
	stdlog "log" // Standard log for initial bootstrap
	"os"
	"os/signal"
	"syscall"

	"squareoff/go_src/bootstrap"
	"squareoff/go_src/broker"
	"squareoff/go_src/configuration"
	"squareoff/go_src/job_queue"
	"squareoff/go_src/logging_helper"
	"squareoff/go_src/reconcile"
	"squareoff/go_src/scheduler" // Our jobs package

	"github.com/sirupsen/logrus"
)

const appName = "squareoff-scheduler"

// Standalone scheduler for deployments where the store is shared between
// processes (PostgreSQL). With DuckDB, run the scheduler inside the worker.
func main() {
	stdlog.Printf("Starting %s application...", appName)

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		stdlog.Fatalf("%v", err)
	}
	if err := logging_helper.SetupLogging(cfg, appName); err != nil {
		stdlog.Fatalf("Failed to setup logging: %v", err)
	}
	logrus.Info("Logging has been initialized.")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logrus.Fatalf("%s stopped with error: %v", appName, err)
	}
	logrus.Info("Scheduler shut down gracefully.")
}

func run(ctx context.Context, cfg *configuration.Config) error {
	if cfg.Database.Type == "duckdb" {
		logrus.Warn("DuckDB allows a single writer process; prefer squareoff-worker -scheduler.")
	}

	store, closeStore, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	gateway, err := broker.NewGateway(cfg)
	if err != nil {
		return err
	}

	queue, err := bootstrap.OpenQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer queue.Close()

	s, err := scheduler.NewScheduler(cfg)
	if err != nil {
		return err
	}
	err = scheduler.Register(ctx, s, cfg, scheduler.Deps{
		Store:      store,
		Enqueuer:   job_queue.NewPublisher(queue.Channel, queue.Topology),
		Reconciler: reconcile.NewJob(store, gateway, cfg.Reconcile.Concurrency),
	})
	if err != nil {
		return err
	}

	s.Start() // Start scheduler asynchronously
	logrus.Info("Scheduler started. Waiting for jobs...")

	<-ctx.Done()
	logrus.Info("Shutdown signal received...")
	return s.Shutdown()
}
