// The engine daemon: connects the cycle store and the broker, starts the
// live runtime and the reconciliation workers, and runs until SIGINT or
// SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openquant/dcaengine/config"
	"github.com/openquant/dcaengine/internal/broker"
	"github.com/openquant/dcaengine/internal/engine"
	"github.com/openquant/dcaengine/internal/logger"
	"github.com/openquant/dcaengine/internal/storage"
	"github.com/openquant/dcaengine/internal/strategy"
	"github.com/openquant/dcaengine/internal/workers"
)

func main() {
	cfg, err := config.Get()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("engine exited with error", zap.Error(err))
	}
	log.Info("engine stopped")
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := writePIDFile(cfg.PIDFile); err != nil {
		return err
	}
	defer removePIDFile(cfg.PIDFile, log)

	store, err := storage.Open(cfg.DatabaseDSN, cfg.MaxDBConns)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		return err
	}

	brk, err := broker.New(cfg.Platform, cfg.APIKey, cfg.APISecret, log)
	if err != nil {
		return err
	}

	journal, err := engine.OpenEventJournal(cfg.JournalDir)
	if err != nil {
		return err
	}
	defer journal.Close()

	locks := engine.NewLockTable()

	eng := engine.New(log, store, brk, locks, journal, engine.Options{
		Decider:       strategy.Options{AggressivePricing: cfg.TestingMode},
		DryRun:        cfg.DryRun,
		OrderCooldown: cfg.OrderCooldown,
		DrainTimeout:  cfg.DrainTimeout,
	})

	runner := workers.NewRunner(log, store, brk, locks, workers.Config{
		OrderCleanerInterval: cfg.OrderCleanerInterval,
		ConsistencyInterval:  cfg.ConsistencyInterval,
		BootstrapInterval:    cfg.BootstrapInterval,
		StaleOrderThreshold:  cfg.StaleOrderThreshold,
		StuckSellTimeout:     cfg.StuckSellTimeout,
		DryRun:               cfg.DryRun,
	})

	log.Info("starting engine",
		zap.String("platform", cfg.Platform),
		zap.Bool("dry_run", cfg.DryRun),
		zap.Bool("testing_mode", cfg.TestingMode))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(ctx) })
	g.Go(func() error { return eng.Run(ctx) })
	return g.Wait()
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func removePIDFile(path string, log *zap.Logger) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn("failed to remove pid file", zap.String("path", path), zap.Error(err))
	}
}
