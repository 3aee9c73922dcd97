package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	clts "mirrorbot/clients"
	"mirrorbot/config"
	"mirrorbot/internal/app"
	"mirrorbot/internal/store"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// Load config from environment variables
	cfg := config.Load()
	logger.Info("starting mirrorbot",
		zap.Bool("isProd", cfg.IsProd),
		zap.Int("wallets", len(cfg.Wallets.Addresses)),
		zap.Int("strategies", len(cfg.Strategies)),
	)

	if result := cfg.Validate(); !result.Valid {
		for _, e := range result.Errors {
			logger.Error("invalid config", zap.String("field", e.Field), zap.String("message", e.Message))
		}
		logger.Fatal("configuration is invalid")
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	logger.Info("instantiating clients")
	clients := clts.NewClients(logger, cfg)
	defer clients.Notifier.Close()

	var db store.Store
	if cfg.Store.DatabaseURL != "" {
		pg, err := store.NewPostgres(ctx, logger, cfg.Store.DatabaseURL)
		if err != nil {
			logger.Fatal("database connect failed", zap.Error(err))
		}
		db = pg
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		db = store.NewMemory()
	}
	defer db.Close()

	prices := app.NewPriceCache(logger, clients.WalletData, cfg.Provider.PriceTTL, cfg.Provider.PortfolioTTL)
	normalizer := app.NewNormalizer(logger,
		cfg.Detector.StrictWindow, cfg.Detector.StrictTolerance,
		cfg.Detector.RelaxedWindow, cfg.Detector.RelaxedTolerance,
	)
	ledger := app.NewLedger(logger, prices)
	detector := app.NewDetector(logger, clients.WalletData, prices, normalizer, ledger, app.DetectorConfig{
		TransferLimit: cfg.Provider.TransferLimit,
		MinSignalUSD:  cfg.Detector.MinSignalUSD,
		MinSignalPct:  cfg.Detector.MinSignalPct,
	})
	executor := app.NewExecutor(logger, clients.Exchange, cfg)

	var feed app.MarkPriceFeed
	if clients.Tickers != nil {
		feed = clients.Tickers
	}
	monitor := app.NewLiquidationMonitor(logger, clients.Exchange, feed, clients.Notifier, cfg)

	runner := app.NewRunner(logger, cfg, clients, db, detector, executor, monitor)

	if cfg.Server.Enabled {
		server := app.NewServer(logger, cfg.Server.Port, detector, runner, db)
		go func() {
			if err := server.Start(ctx); err != nil {
				logger.Error("http server failed", zap.Error(err))
			}
		}()
	}

	runner.Run(ctx)
	logger.Info("shutdown complete")
}
