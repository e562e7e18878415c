package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/cloud-mirror/internal/ingest"
	"github.com/alexjbarnes/cloud-mirror/internal/snapshot"
	"github.com/alexjbarnes/cloud-mirror/internal/state"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Watch the sync directory and upload changes until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runDaemon(ctx)
		},
	}
}

func runDaemon(ctx context.Context) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	cfg, logger := a.cfg, a.logger

	logger.Info("cloud-mirror starting",
		slog.String("version", Version),
		slog.String("sync_dir", cfg.SyncDir),
		slog.Bool("autosync", cfg.Autosync),
		slog.Bool("large_file_mode", cfg.LargeFileMode),
		slog.Bool("secondary", a.secondary != nil),
		slog.Bool("encryption", cfg.EncryptionActive()),
	)

	a.checkIdentity(ctx)
	a.startSecondary(ctx)

	startedAt := time.Now().UTC()

	engine := a.newEngine()
	engine.Start(context.WithoutCancel(ctx), cfg.Workers())

	g, gctx := errgroup.WithContext(ctx)

	// Keeps the group open until shutdown even when nothing else is
	// long-running.
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	g.Go(func() error {
		scanner := ingest.NewScanner(cfg.SyncDir, a.store, engine, cfg.UseContentHash, logger)
		if _, err := scanner.Scan(gctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("initial scan failed", slog.String("error", err.Error()))
		}

		return nil
	})

	if cfg.Autosync {
		g.Go(func() error {
			err := ingest.NewWatcher(cfg.SyncDir, engine, logger).Watch(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		})
	}

	if hour, minute, ok := cfg.BackupClock(); ok {
		g.Go(func() error {
			err := snapshot.NewScheduler(cfg.SyncDir, hour, minute, engine, a.store, logger).Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		})
	}

	runErr := g.Wait()

	logger.Info("shutting down", slog.Int("pending", engine.Pending()))

	// Ingest has stopped; let in-flight transfers finish before the
	// secondary session is closed by a.close.
	engine.Stop()

	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := engine.Wait(waitCtx); err != nil {
		logger.Warn("upload workers did not stop in time", slog.String("error", err.Error()))
	}

	stats := engine.Stats()
	if err := a.state.SetLastRun(state.RunStats{
		StartedAt:  startedAt,
		FinishedAt: time.Now().UTC(),
		Uploaded:   stats.Uploaded,
		Failed:     stats.Failed,
		Skipped:    stats.Skipped,
		Bytes:      stats.Bytes,
	}); err != nil {
		logger.Warn("saving run stats", slog.String("error", err.Error()))
	}

	// Save errors are logged by the store.
	_ = a.store.Save()

	logger.Info("cloud-mirror stopped",
		slog.Int64("uploaded", stats.Uploaded),
		slog.Int64("failed", stats.Failed),
		slog.Int64("skipped", stats.Skipped),
	)

	if runErr != nil {
		return fmt.Errorf("running: %w", runErr)
	}

	return nil
}
