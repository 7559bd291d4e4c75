package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/renderforge/server/internal/infra"
	"github.com/renderforge/server/internal/ingest"
	"github.com/renderforge/server/internal/lifecycle"
	"github.com/renderforge/server/internal/quota"
	"github.com/renderforge/server/internal/reaper"
	"github.com/renderforge/server/internal/safeurl"
	"github.com/renderforge/server/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "reaper")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("reaper: db connection failed")
	}
	defer pool.Close()
	runner := infra.NewSQLRunner(pool, logger)

	store, err := newObjectStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("reaper: failed to configure storage")
	}

	resolver := safeurl.New(cfg.Production(), cfg.ExternalHostAllowlist, cfg.ExternalPortAllowlist)
	ledger := quota.NewLedger(logger)
	ingester := ingest.New(resolver, store, logger, cfg.MaxOutputBytes)
	manager := lifecycle.NewManager(runner, runner, ledger, ingester, logger, cfg.JobRetentionCap)

	r := reaper.New(runner, manager, logger, cfg.ReaperInterval, cfg.ReaperStaleAfter)
	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("reaper: stopped with error")
	}
	logger.Info().Msg("reaper: stopped")
}

func newObjectStore(ctx context.Context, cfg *infra.Config) (storage.ObjectStore, error) {
	if cfg.StorageDriver == "s3" {
		return storage.NewS3Store(ctx, cfg.S3Bucket, cfg.S3Prefix, cfg.StorageBaseURL)
	}
	return storage.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
}
