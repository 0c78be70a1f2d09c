package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/mailfleet-backend/internal/app"
	"github.com/unclebandit/mailfleet-backend/internal/config"
	"github.com/unclebandit/mailfleet-backend/internal/logger"
	"github.com/unclebandit/mailfleet-backend/internal/quota"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logger.New("info", false)
		boot.Fatal().Err(err).Msg("failed to load configuration")
	}
	log := logger.New(cfg.LogLevel, cfg.LogPretty)
	if cfg.AMQPURL == "" {
		log.Warn().Msg("AMQP_URL is empty, the worker will only run quota resets")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start")
	}
	defer a.Close()

	if err := run(ctx, a, log); err != nil {
		log.Fatal().Err(err).Msg("worker stopped")
	}
}

// run consumes dispatch jobs and resets quotas until ctx is cancelled.
func run(ctx context.Context, a *app.App, log zerolog.Logger) error {
	resetter := quota.NewResetter(a.Repos.Identities, a.Config.Quota, log)
	if err := resetter.Start(); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		resetter.Stop(stopCtx)
	}()

	if err := a.SubscribeDispatch(ctx); err != nil {
		return err
	}

	log.Info().Str("queue", a.Config.DispatchQueue).Msg("Worker running, waiting for dispatch jobs...")
	<-ctx.Done()
	return nil
}
