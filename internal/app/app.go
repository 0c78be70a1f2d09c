// Package app wires repositories, transport and services from configuration.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/unclebandit/mailfleet-backend/internal/config"
	"github.com/unclebandit/mailfleet-backend/internal/db"
	"github.com/unclebandit/mailfleet-backend/internal/metrics"
	"github.com/unclebandit/mailfleet-backend/internal/queue"
	"github.com/unclebandit/mailfleet-backend/internal/repository"
	"github.com/unclebandit/mailfleet-backend/internal/repository/memstore"
	"github.com/unclebandit/mailfleet-backend/internal/service"
	"github.com/unclebandit/mailfleet-backend/internal/transport"
)

// Repositories bundles one implementation of every repository interface.
type Repositories struct {
	Campaigns   repository.CampaignRepositoryInterface
	Recipients  repository.RecipientRepositoryInterface
	Identities  repository.IdentityRepositoryInterface
	Assignments repository.AssignmentRepositoryInterface
}

// App holds the long-lived components shared by the server and the worker.
type App struct {
	Config    *config.Config
	Log       zerolog.Logger
	DB        *sql.DB
	Repos     Repositories
	Metrics   *metrics.Metrics
	Transport transport.MailTransport
	Queue     queue.Queue

	Dispatcher *service.Dispatcher
	Campaigns  *service.CampaignService
	Identities *service.IdentityService
	Progress   *service.ProgressReporter
	Worker     *service.Worker

	closers []func() error
}

// Build connects the store and queue selected by cfg and constructs services.
func Build(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log, Metrics: metrics.NewInstance()}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if err := a.openQueue(); err != nil {
		a.Close()
		return nil, err
	}
	a.Transport = newTransport(cfg, log)

	r := a.Repos
	a.Dispatcher = service.NewDispatcher(r.Campaigns, r.Recipients, r.Identities, r.Assignments,
		a.Transport, a.Metrics, cfg.Dispatch, log)
	a.Progress = service.NewProgressReporter(r.Campaigns, r.Recipients)

	planner := service.NewPlanner(r.Identities, cfg.Dispatch.BatchSize, cfg.Dispatch.PerBatchDelay)
	a.Campaigns = &service.CampaignService{
		CampaignRepo:    r.Campaigns,
		RecipientRepo:   r.Recipients,
		IdentityRepo:    r.Identities,
		AssignmentRepo:  r.Assignments,
		Planner:         planner,
		Assignments:     service.NewAssignmentStore(r.Assignments, cfg.Dispatch.BatchSize),
		Progress:        a.Progress,
		Transport:       a.Transport,
		Queue:           a.Queue,
		DispatchTopic:   cfg.DispatchQueue,
		DefaultStrategy: service.StrategyName(cfg.Dispatch.DefaultStrategy),
		Log:             log.With().Str("component", "campaigns").Logger(),
	}
	a.Identities = &service.IdentityService{
		Repo: r.Identities,
		Log:  log.With().Str("component", "identities").Logger(),
	}
	a.Worker = service.NewWorker(a.Dispatcher, log.With().Str("component", "worker").Logger())
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	if a.Config.StoreDriver == config.StoreDriverMemory {
		a.Log.Warn().Msg("using in-memory store, data is lost on restart")
		store := memstore.New()
		a.Repos = Repositories{
			Campaigns:   store.Campaigns(),
			Recipients:  store.Recipients(),
			Identities:  store.Identities(),
			Assignments: store.Assignments(),
		}
		return nil
	}

	conn, err := db.Connect(ctx, a.Config.Database, a.Log)
	if err != nil {
		return err
	}
	if err := db.Migrate(ctx, conn); err != nil {
		conn.Close()
		return err
	}
	a.DB = conn
	a.closers = append(a.closers, conn.Close)
	a.Repos = Repositories{
		Campaigns:   &repository.CampaignRepository{DB: conn},
		Recipients:  &repository.RecipientRepository{DB: conn},
		Identities:  &repository.IdentityRepository{DB: conn},
		Assignments: &repository.AssignmentRepository{DB: conn},
	}
	return nil
}

func (a *App) openQueue() error {
	if a.Config.AMQPURL == "" {
		a.Queue = queue.NewInMemoryQueue(a.Log)
		return nil
	}
	q, err := queue.DialAMQP(a.Config.AMQPURL, a.Log)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	a.Queue = q
	a.closers = append(a.closers, q.Close)
	return nil
}

func newTransport(cfg *config.Config, log zerolog.Logger) transport.MailTransport {
	if cfg.MailTransport == config.TransportLog {
		return transport.NewLogTransport(log)
	}
	pool := transport.NewSessionPool(cfg.SessionTTL, transport.NewSESSessionFactory(cfg.SesMaxBackoffDelay, cfg.SesMaxAttempts))
	return transport.NewSESTransport(pool, log)
}

// SubscribeDispatch routes queued dispatch jobs to the worker. ctx bounds
// each dispatch run.
func (a *App) SubscribeDispatch(ctx context.Context) error {
	return queue.StartDispatchSubscriber(a.Queue, a.Config.DispatchQueue, func(job queue.DispatchJob) error {
		return a.Worker.Handle(ctx, job)
	}, a.Log)
}

// Close releases the queue connection and the database pool.
func (a *App) Close() error {
	var result *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.closers = nil
	return result.ErrorOrNil()
}
