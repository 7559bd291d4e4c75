package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/renderforge/server/internal/callback"
	"github.com/renderforge/server/internal/dispatch"
	"github.com/renderforge/server/internal/geoip"
	"github.com/renderforge/server/internal/http/handlers"
	"github.com/renderforge/server/internal/http/httpapi"
	"github.com/renderforge/server/internal/infra"
	"github.com/renderforge/server/internal/ingest"
	"github.com/renderforge/server/internal/lifecycle"
	"github.com/renderforge/server/internal/quota"
	"github.com/renderforge/server/internal/safeurl"
	"github.com/renderforge/server/internal/secrets"
	"github.com/renderforge/server/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "api")

	ctx := context.Background()
	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer pool.Close()
	runner := infra.NewSQLRunner(pool, logger)

	vault, err := secrets.NewVault(cfg.SecretsKeyHex)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure secrets vault")
	}

	store, err := newObjectStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure storage")
	}

	resolver := safeurl.New(cfg.Production(), cfg.ExternalHostAllowlist, cfg.ExternalPortAllowlist)
	ledger := quota.NewLedger(logger)
	ingester := ingest.New(resolver, store, logger, cfg.MaxOutputBytes)
	manager := lifecycle.NewManager(runner, runner, ledger, ingester, logger, cfg.JobRetentionCap)
	dispatcher := dispatch.New(dispatch.Config{
		URL:     cfg.ExecutorURL,
		Format:  cfg.ExecutorFormat,
		Sync:    cfg.ExecutorSync,
		Timeout: cfg.ExecutorTimeout,
	}, resolver, logger)

	geo, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("geoip unavailable, callback audit logs will omit country")
	}

	callbackBase := cfg.CallbackBaseURL
	if callbackBase == "" {
		callbackBase = "http://localhost:" + cfg.Port
	}

	app := &handlers.App{
		SQL:             runner,
		Manager:         manager,
		Ledger:          ledger,
		Dispatcher:      dispatcher,
		Auth:            callback.NewAuthenticator(vault, cfg.LegacyCallbackSecret),
		Vault:           vault,
		Geo:             geo,
		Logger:          logger,
		CallbackBaseURL: callbackBase,
	}

	router := httpapi.NewRouter(app, logger, cfg.RateLimitPerMin)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}

func newObjectStore(ctx context.Context, cfg *infra.Config) (storage.ObjectStore, error) {
	if cfg.StorageDriver == "s3" {
		return storage.NewS3Store(ctx, cfg.S3Bucket, cfg.S3Prefix, cfg.StorageBaseURL)
	}
	return storage.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
}
