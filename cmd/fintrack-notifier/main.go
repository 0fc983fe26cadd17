package main

import (
	"context"
	"errors"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"fintrack/internal/amqp"
	"fintrack/internal/cli"
	"fintrack/internal/log"
	"fintrack/internal/services"
)

const statsInterval = 5 * time.Minute

func main() {
	cli.LoadEnvFile()
	cfg := cli.LoadAndValidateConfig()
	logger := cli.SetupLogger(cfg.LogLevel).WithComponent(log.ComponentNotifier)

	if cfg.AMQPURL == "" {
		logger.Error("AMQP_URL is required for the notifier")
		os.Exit(1)
	}

	ctx, stop := cli.SignalContext(logger)
	defer stop()

	client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", log.FieldError, err)
		os.Exit(1)
	}
	defer client.Close()

	notifier := services.NewNotifier(logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Consuming analytics events",
			log.FieldOperation, log.OpConsume,
			"exchange", cfg.AMQPExchange,
			"queue", cfg.AMQPQueue)
		err := client.ConsumeEvents(gctx, notifier.Handle)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				logger.Info("Notifier stats", "handled", notifier.Counts())
			}
		}
	})

	if err := g.Wait(); err != nil {
		logger.Error("Notifier stopped with error",
			log.FieldError, err,
			log.FieldErrorType, log.ErrorTypeNetwork)
		os.Exit(1)
	}
	logger.Info("Notifier stopped", "handled", notifier.Counts())
}
