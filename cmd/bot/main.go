package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"winston-vpn/internal/app"
	"winston-vpn/internal/bot"
	"winston-vpn/internal/config"
	"winston-vpn/internal/logger"
	"winston-vpn/internal/notify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("service stopped with error", zap.Error(err))
	}
	log.Info("service stopped")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("failed to close resources", zap.Error(err))
		}
	}()

	tgBot, err := bot.NewBot(cfg.BotToken, a.Store, a.Orchestrator, a.Reconciler, log)
	if err != nil {
		return err
	}

	var sender notify.Sender
	switch cfg.NotifyTransport {
	case config.TransportAMQP:
		amqpSender, err := notify.NewAMQPSender(cfg.AMQPURL, log)
		if err != nil {
			return err
		}
		defer func() { _ = amqpSender.Close() }()
		sender = amqpSender
	default:
		sender = notify.NewTelegramSender(tgBot.Instance)
	}
	dispatcher := notify.NewDispatcher(a.Store, sender, log, cfg.NotifyPollInterval, cfg.NotifyBatchSize)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Checker.Start(ctx)
		return nil
	})
	g.Go(func() error {
		dispatcher.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return tgBot.Start(ctx)
	})

	log.Info("service started successfully",
		zap.String("store", cfg.StoreDriver),
		zap.String("notify_transport", cfg.NotifyTransport),
		zap.Int("inbound_id", cfg.PanelInboundID),
	)
	return g.Wait()
}
