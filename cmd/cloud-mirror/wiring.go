package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/cloud-mirror/internal/config"
	"github.com/alexjbarnes/cloud-mirror/internal/logging"
	"github.com/alexjbarnes/cloud-mirror/internal/metadata"
	"github.com/alexjbarnes/cloud-mirror/internal/state"
	"github.com/alexjbarnes/cloud-mirror/internal/transfer"
	"github.com/alexjbarnes/cloud-mirror/internal/upload"
)

const (
	// identityMaxAge is how long a cached primary identity is trusted.
	identityMaxAge = 24 * time.Hour

	// secondaryReadyTimeout bounds how long one-shot commands wait for
	// the session endpoint to authenticate.
	secondaryReadyTimeout = 30 * time.Second

	shutdownTimeout = 30 * time.Second
)

// app holds everything a command needs to talk to the remote store.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	state     *state.State
	store     *metadata.Store
	primary   *transfer.PrimaryClient
	secondary *transfer.SecondaryClient
	router    *transfer.Router

	secondaryDone chan error
}

// loadLocal reads config and opens the metadata store. It is all the
// offline commands need.
func loadLocal() (*config.Config, *slog.Logger, *metadata.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogFile)
	store := metadata.Load(cfg.MetadataFile, logger)

	return cfg, logger, store, nil
}

// newApp wires the transfer stack. The secondary client is created but
// not started; see startSecondary.
func newApp() (*app, error) {
	cfg, logger, store, err := loadLocal()
	if err != nil {
		return nil, err
	}

	if err := cfg.ValidateRemote(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	appState, err := state.LoadAt(cfg.SessionDBPath())
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	primary := transfer.NewPrimaryClient(transfer.PrimaryConfig{
		BaseURL:    cfg.PrimaryBaseURL,
		Token:      cfg.PrimaryToken,
		ChatID:     cfg.ChatID,
		MaxBytes:   cfg.PrimaryMaxBytes,
		MaxRetries: cfg.RateLimitMaxRetries,
		Gate:       transfer.NewRateGate(cfg.RateLimitInterval),
	}, logger)

	var secondary *transfer.SecondaryClient
	if cfg.SecondaryConfigured() {
		secondary = transfer.NewSecondaryClient(transfer.SecondaryConfig{
			Host:    cfg.SecondaryHost,
			APIID:   cfg.SecondaryAPIID,
			APIHash: cfg.SecondaryAPIHash,
			Session: cfg.SecondarySession,
			Chat:    cfg.ChatID,
			Tokens:  appState,
		}, logger)
	} else if cfg.LargeFileMode {
		logger.Warn("large file mode is on but secondary credentials are incomplete; large files will be skipped")
	}

	router := transfer.NewRouter(primary, secondary, transfer.RouterOptions{
		LargeFileMode:  cfg.LargeFileMode,
		ForceSecondary: cfg.ForceSecondary,
	}, logger)

	return &app{
		cfg:       cfg,
		logger:    logger,
		state:     appState,
		store:     store,
		primary:   primary,
		secondary: secondary,
		router:    router,
	}, nil
}

// checkIdentity confirms the primary token, reusing a recent cached
// result. Failures are logged; uploads will report their own errors.
func (a *app) checkIdentity(ctx context.Context) {
	cached, err := a.state.PrimaryIdentity()
	if err == nil && cached != nil && time.Since(cached.CheckedAt) < identityMaxAge {
		a.logger.Info("primary identity (cached)", slog.String("username", cached.Username))
		return
	}

	id, err := a.primary.Me(ctx)
	if err != nil {
		a.logger.Warn("primary identity check failed", slog.String("error", err.Error()))
		return
	}

	a.logger.Info("primary identity", slog.String("username", id.Username), slog.Int64("id", id.ID))

	if err := a.state.SetPrimaryIdentity(state.PrimaryIdentity{
		ID:        id.ID,
		Username:  id.Username,
		CheckedAt: time.Now().UTC(),
	}); err != nil {
		a.logger.Warn("caching primary identity", slog.String("error", err.Error()))
	}
}

// startSecondary runs the session client in the background. It is
// stopped by close, not by ctx, so in-flight transfers can finish
// after a shutdown signal.
func (a *app) startSecondary(ctx context.Context) {
	if a.secondary == nil {
		return
	}

	a.secondaryDone = make(chan error, 1)

	go func() {
		a.secondaryDone <- a.secondary.Run(context.WithoutCancel(ctx))
	}()
}

// waitSecondary blocks until the session endpoint is ready, Run gives
// up, or the timeout passes.
func (a *app) waitSecondary(ctx context.Context) bool {
	if a.secondary == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, secondaryReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for !a.secondary.Ready() {
		select {
		case <-ctx.Done():
			return false
		case err := <-a.secondaryDone:
			a.secondaryDone <- err
			return false
		case <-ticker.C:
		}
	}

	return true
}

// newEngine creates the upload engine with the configured transform.
func (a *app) newEngine() *upload.Engine {
	sink := upload.NewLogSink(a.logger)

	opts := upload.Options{
		Root:           a.cfg.SyncDir,
		UseContentHash: a.cfg.UseContentHash,
		Progress:       sink,
		Status:         sink,
	}

	switch {
	case a.cfg.EncryptionActive():
		opts.Transform = upload.NewEncryptor(a.cfg.EncryptionPassphrase)
	case a.cfg.EncryptionEnabled:
		a.logger.Warn("encryption enabled without a passphrase; uploading plaintext")
	}

	return upload.New(a.store, a.router, opts, a.logger)
}

// close signs the secondary session out and closes the state database.
func (a *app) close() {
	if a.secondary != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.secondary.Shutdown(ctx); err != nil {
			a.logger.Warn("secondary shutdown", slog.String("error", err.Error()))
		}

		cancel()
	}

	if err := a.state.Close(); err != nil {
		a.logger.Warn("closing state", slog.String("error", err.Error()))
	}
}
