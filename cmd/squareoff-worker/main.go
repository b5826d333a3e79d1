package main

import (
	"context"
	"flag"
	"log" // Using standard log before custom logger is set up
	"os"
	"os/signal"
	"syscall"
	"time"

	"squareoff/go_src/auto_exit"
	"squareoff/go_src/bootstrap"
	"squareoff/go_src/broker"
	"squareoff/go_src/configuration"
	"squareoff/go_src/job_queue"
	"squareoff/go_src/logging_helper"
	"squareoff/go_src/metrics"
	"squareoff/go_src/reconcile"
	"squareoff/go_src/scheduler"

	"github.com/sirupsen/logrus"
)

const (
	appName         = "squareoff-worker"
	shutdownTimeout = 30 * time.Second
)

func main() {
	withScheduler := flag.Bool("scheduler", true, "also run the reconcile and daily close jobs in this process")
	flag.Parse()

	log.Printf("Starting %s application...", appName)

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		log.Fatalf("%v", err)
	}
	if err := logging_helper.SetupLogging(cfg, appName); err != nil {
		log.Fatalf("Failed to setup logging: %v", err)
	}
	logrus.Info("Logging has been initialized.")

	if cfg.GlobalSettings.MaintenanceMode {
		logrus.Warn("Maintenance mode is on; not consuming exit tasks.")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *withScheduler); err != nil {
		logrus.Fatalf("%s stopped with error: %v", appName, err)
	}
	logrus.Infof("%s shut down gracefully.", appName)
}

func run(ctx context.Context, cfg *configuration.Config, withScheduler bool) error {
	store, closeStore, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	gateway, err := broker.NewGateway(cfg)
	if err != nil {
		return err
	}

	locker, closeLocker, err := bootstrap.OpenLocker(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLocker()

	queue, err := bootstrap.OpenQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer queue.Close()

	m := metrics.New()
	metricsErrs := make(chan error, 1)
	if cfg.Metrics.ListenAddr != "" {
		srv := m.Serve(cfg.Metrics.ListenAddr, metricsErrs)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		logrus.Infof("Metrics listening on %s/metrics", cfg.Metrics.ListenAddr)
	}

	publisher := job_queue.NewPublisher(queue.Channel, queue.Topology)
	consumer := job_queue.NewConsumer(queue.Channel, queue.Topology, publisher,
		bootstrap.ConsumerConfig(cfg, appName), m.QueueHooks())

	worker := auto_exit.NewWorker(store, gateway, auto_exit.Config{
		ExitProductType: cfg.AutoExit.ExitProductType,
		ClaimLease:      time.Duration(cfg.AutoExit.ClaimLeaseSeconds) * time.Second,
		LockTTL:         time.Duration(cfg.Redis.LockTTLSeconds) * time.Second,
	}, auto_exit.WithLocker(locker))

	if withScheduler {
		s, err := scheduler.NewScheduler(cfg)
		if err != nil {
			return err
		}
		err = scheduler.Register(ctx, s, cfg, scheduler.Deps{
			Store:       store,
			Enqueuer:    publisher,
			Reconciler:  reconcile.NewJob(store, gateway, cfg.Reconcile.Concurrency),
			OnReconcile: m.ObserveReconcile,
			OnScheduled: m.ObserveScheduled,
		})
		if err != nil {
			return err
		}
		s.Start()
		defer func() {
			if err := s.Shutdown(); err != nil {
				logrus.Errorf("Scheduler shutdown error: %v", err)
			}
		}()
		logrus.Info("In-process scheduler started.")
	}

	if err := worker.Start(ctx, consumer); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		logrus.Info("Shutdown signal received...")
	case <-worker.Done():
		logrus.Errorf("Consumer stopped on its own: %v", worker.Err())
	case err := <-metricsErrs:
		logrus.Errorf("Metrics listener failed: %v", err)
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return worker.Shutdown(sctx)
}
