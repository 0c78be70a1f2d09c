// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/unclebandit/mailfleet-backend/internal/app"
	"github.com/unclebandit/mailfleet-backend/internal/config"
	"github.com/unclebandit/mailfleet-backend/internal/controller"
	"github.com/unclebandit/mailfleet-backend/internal/handler"
	"github.com/unclebandit/mailfleet-backend/internal/logger"
	"github.com/unclebandit/mailfleet-backend/internal/metrics"
	"github.com/unclebandit/mailfleet-backend/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logger.New("info", false)
		boot.Fatal().Err(err).Msg("failed to load configuration")
	}
	log := logger.New(cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start")
	}
	defer a.Close()

	// Without a broker the API process runs dispatch jobs itself.
	memQueue, inProcess := a.Queue.(*queue.InMemoryQueue)
	if inProcess {
		if err := a.SubscribeDispatch(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to subscribe to dispatch jobs")
		}
	}

	srv := &http.Server{Addr: cfg.ServerAddress, Handler: newRouter(a), ReadHeaderTimeout: 10 * time.Second}
	metricsSrv := metrics.NewMetricsServer(cfg.MetricsAddress, a.Metrics)

	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	go func() {
		log.Info().Str("addr", cfg.ServerAddress).Msg("🚀 Server running")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("metrics shutdown")
	}
	if inProcess {
		// Running dispatches see ctx cancelled and park their campaigns as Paused.
		memQueue.Wait()
	}
}

func newRouter(a *app.App) chi.Router {
	campaignController := &controller.CampaignController{
		CampaignService: a.Campaigns,
		Progress:        a.Progress,
	}
	identityHandler := handler.NewIdentityHandler(a.Identities)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	campaignController.Routes(r)
	identityHandler.Routes(r)
	return r
}
