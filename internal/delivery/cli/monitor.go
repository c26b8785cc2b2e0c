package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ransomguard/config"
	"ransomguard/internal/domain"
	"ransomguard/internal/infrastructure"
	"ransomguard/internal/repository"
	"ransomguard/internal/usecase"
	"ransomguard/internal/vault"
)

const (
	shutdownGrace    = 5 * time.Second
	vaultWorkerCount = 2
	threatQueueDepth = 4096
)

func newMonitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Run the ingest, analysis and response pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor()
		},
	}
}

func runMonitor() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if len(cfg.Monitor.WatchDirectories) == 0 {
		return fmt.Errorf("%w: monitor.watch_directories is empty", ErrConfig)
	}

	log, closeLog, err := infrastructure.SetupLogging(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer closeLog()

	if err := infrastructure.CleanupOldLogs(cfg.Logging.Dir, 7*24*time.Hour, log); err != nil {
		log.Warn("log cleanup failed", zap.Error(err))
	}

	printBanner()
	log.Info("initializing protection pipeline",
		zap.Strings("watch", cfg.Monitor.WatchDirectories),
		zap.Bool("safe_mode", cfg.Response.SafeMode),
		zap.Int("window_seconds", cfg.Behavior.WindowSeconds))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage: three single-file WAL databases
	eventsDB, err := repository.Open(repository.Options{
		Path:     filepath.Join(cfg.DataDir, "events.db"),
		LogLevel: "silent",
	})
	if err != nil {
		return err
	}
	store, err := repository.NewEventStore(eventsDB, cfg.DataDir, cfg.Backup.MinFreeMB, log)
	if err != nil {
		return err
	}

	baselinesDB, err := repository.Open(repository.Options{
		Path:     filepath.Join(cfg.DataDir, "baselines.db"),
		LogLevel: "silent",
	})
	if err != nil {
		return err
	}
	baselines, err := repository.NewBaselineStore(baselinesDB)
	if err != nil {
		return err
	}

	backupVault, err := vault.New(cfg.Backup.VaultPath, cfg.Backup.MinFreeMB, log)
	if err != nil {
		return err
	}

	// Services
	bus := usecase.NewAlertBus(log)
	bus.Subscribe("log", &usecase.ZapSink{Log: log})
	if jsonSink, err := usecase.NewJSONLinesSink(filepath.Join(cfg.Logging.Dir, "alerts.jsonl")); err == nil {
		bus.Subscribe("jsonl", jsonSink)
		defer jsonSink.Close()
	} else {
		log.Warn("alert file sink unavailable", zap.Error(err))
	}

	entropyEngine := usecase.NewEntropyEngine(cfg.Entropy.PrefixBytes, cfg.Entropy.SampleTail, baselines, log)
	attributor := infrastructure.NewAttributor()
	ctrl := infrastructure.NewProcessController(log)
	pool := usecase.NewVaultPool(backupVault, vaultWorkerCount, log)

	thresholds := domain.DefaultThresholds()
	thresholds.MassThreshold = cfg.Behavior.MassThreshold
	thresholds.MassWindow = cfg.MassWindow()
	thresholds.EntropyDelta = cfg.Entropy.DeltaThreshold

	threatCh := make(chan domain.ThreatRecord, threatQueueDepth)
	analyzer := usecase.NewBehaviorAnalyzer(thresholds, cfg.Window(), cfg.IsWhitelisted, store, threatCh, log)

	engine := usecase.NewResponseEngine(
		cfg.Response.SafeMode, cfg.Window(),
		backupVault, pool, ctrl, store, bus, analyzer, log)

	intake := usecase.NewEventIntake(
		cfg.Monitor.ExcludeDirectories, cfg.Monitor.FileExtensionFilter,
		store, entropyEngine, attributor, ctrl, bus, log)

	watcher, err := infrastructure.NewWatcher(cfg.Monitor.WatchDirectories, cfg.Monitor.Recursive, log)
	if err != nil {
		return err
	}

	housekeeper := usecase.NewHousekeeper(time.Hour, cfg.Retention(), store, baselines, backupVault, analyzer, log)

	// Thread topology: ingest, analyzer, response, vault workers (in
	// the pool), housekeeping
	go watcher.Run(ctx)
	go intake.Run(ctx, watcher.Events())
	go func() {
		for ev := range intake.Out() {
			analyzer.HandleEvent(ev)
		}
		close(threatCh)
	}()
	engineDone := make(chan struct{})
	go func() {
		engine.Run(ctx, threatCh, shutdownGrace)
		close(engineDone)
	}()
	go housekeeper.Run(ctx)

	log.Info("protection active",
		zap.Int("vault_workers", vaultWorkerCount),
		zap.String("vault", backupVault.Root()))
	fmt.Println("[+] ransomguard is now protecting the configured directories")
	fmt.Println("[*] Press Ctrl+C to stop...")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh

	fmt.Println()
	log.Info("shutdown signal received, stopping protection", zap.String("signal", sig.String()))
	cancel()

	select {
	case <-engineDone:
	case <-time.After(shutdownGrace + time.Second):
		log.Warn("response engine did not drain within grace period")
	}
	pool.Drain(shutdownGrace)
	bus.Close()

	log.Info("shutdown complete",
		zap.Int64("events_dropped_intake", intake.DroppedEvents()),
		zap.Int64("events_dropped_storage", store.DroppedEvents()))

	if sig == os.Interrupt {
		return ErrInterrupted
	}
	return nil
}

func printBanner() {
	fmt.Println("╔════════════════════════════════════════════════════════════╗")
	fmt.Println("║                     ransomguard v1.0                       ║")
	fmt.Println("║        Behavioral Ransomware Detection & Response          ║")
	fmt.Println("╚════════════════════════════════════════════════════════════╝")
	fmt.Println()
}
