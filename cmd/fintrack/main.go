package main

import (
	"context"
	"errors"
	"net/http"
	"os"

	"golang.org/x/sync/errgroup"

	"fintrack/internal/analytics"
	"fintrack/internal/backend"
	"fintrack/internal/cli"
	apphttp "fintrack/internal/http"
	"fintrack/internal/log"
	"fintrack/internal/services"
)

func main() {
	cli.LoadEnvFile()
	cfg := cli.LoadAndValidateConfig()
	logger := cli.SetupLogger(cfg.LogLevel)

	ctx, stop := cli.SignalContext(logger)
	defer stop()

	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", log.FieldError, err)
		os.Exit(1)
	}
	result, err := backend.NewFactory(logger).CreateBackend(ctx, backendCfg)
	if err != nil {
		logger.Error("Failed to initialize backend", log.FieldError, err, "backend", cfg.DataBackend)
		os.Exit(1)
	}

	// a nil *amqp.Client must not become a non-nil interface
	var publisher services.EventPublisher
	if client := cli.ConnectAMQP(logger, cfg); client != nil {
		publisher = client
	}

	engine, err := analytics.NewEngine(cfg.AnalyticsParams(),
		analytics.WithLogger(logger),
		analytics.WithForecastHook(services.ForecastEventHook(publisher)))
	if err != nil {
		logger.Error("Failed to initialize analytics engine", log.FieldError, err)
		_ = result.Cleanup()
		os.Exit(1)
	}

	svc, err := services.NewLedgerService(ctx, result.Store, engine, publisher, logger)
	if err != nil {
		logger.Error("Failed to initialize ledger service", log.FieldError, err)
		_ = engine.Close()
		_ = result.Cleanup()
		os.Exit(1)
	}

	srv := apphttp.NewServer(apphttp.Config{
		Addr:           ":" + cfg.Port,
		RateLimitRPM:   cfg.RateLimitRPM,
		TrustedProxies: cfg.TrustedProxies,
		Logger:         logger,
	}, svc)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting fintrack server",
			log.FieldOperation, log.OpStartup,
			"port", cfg.Port,
			"backend", cfg.DataBackend,
			"events", publisher != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("Shutting down HTTP server",
			log.FieldOperation, log.OpShutdown,
			"timeout", cfg.ShutdownTimeout)
		return srv.Shutdown(shutdownCtx)
	})

	exitCode := 0
	if err := g.Wait(); err != nil {
		logger.Error("Server error", log.FieldError, err, "port", cfg.Port)
		exitCode = 1
	}

	if err := svc.Close(); err != nil {
		logger.Error("Shutdown cleanup failed", log.FieldError, err)
		exitCode = 1
	}
	logger.Info("Server stopped")
	stop()
	os.Exit(exitCode)
}
