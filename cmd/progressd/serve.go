package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alem-hub/progression-engine/config"
	"github.com/alem-hub/progression-engine/internal/application/command"
	"github.com/alem-hub/progression-engine/internal/application/eventhandler"
	"github.com/alem-hub/progression-engine/internal/application/query"
	"github.com/alem-hub/progression-engine/internal/domain/notification"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/progression-engine/internal/infrastructure/observability"
	"github.com/alem-hub/progression-engine/internal/infrastructure/scheduler"
	"github.com/alem-hub/progression-engine/internal/infrastructure/scheduler/jobs"
	httpapi "github.com/alem-hub/progression-engine/internal/interface/http"
	"github.com/alem-hub/progression-engine/pkg/circuitbreaker"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, event handlers and background jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Sync()
			return serve(ctx, cfg, log)
		},
	}
}

// eventBus is implemented by both the in-memory and the Redis-mirrored bus.
type eventBus interface {
	shared.EventPublisher
	shared.EventSubscriber
	Close() error
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	log.Info("starting progressd",
		logger.String("env", string(cfg.App.Environment)),
		logger.String("version", cfg.App.Version),
		logger.String("timezone", cfg.Engine.Location().String()),
	)

	shutdownTracing, err := observability.InitTracing(ctx, log, observability.TracingConfig{
		Enabled:     cfg.Observability.TracingEnabled,
		ServiceName: cfg.Observability.ServiceName,
		Environment: string(cfg.App.Environment),
		Version:     cfg.App.Version,
		Endpoint:    cfg.Observability.OTLPEndpoint,
		Insecure:    cfg.Observability.OTLPInsecure,
		Headers:     observability.ParseHeaders(cfg.Observability.OTLPHeaders),
		Stdout:      cfg.Observability.TraceStdout,
		SampleRatio: cfg.Observability.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warn("tracing shutdown failed", logger.Err(err))
		}
	}()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	bus, err := newEventBus(ctx, a)
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			log.Warn("event bus close failed", logger.Err(err))
		}
	}()
	if err := registerEventHandlers(a, bus); err != nil {
		return err
	}

	sched, err := newScheduler(a)
	if err != nil {
		return err
	}

	server := httpapi.NewServer(httpapi.Config{
		Addr:           cfg.HTTP.Addr,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		AllowedOrigins: cfg.HTTP.CORSOrigins,
		ServiceName:    cfg.Observability.ServiceName,
	}, httpapi.Dependencies{
		ReportActivity: command.NewReportActivityHandler(a.engine.Processor, bus, log),
		Dashboard:      query.NewDashboardHandler(a.engine, bus, log),
		Leaderboard:    newLeaderboardHandler(a),
		BadgeCatalog:   query.NewBadgeCatalogHandler(a.catalog),
		Catalog:        a.catalog,
		Health:         a.health,
		Logger:         log,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx, cfg.App.ShutdownTimeout)
	})
	g.Go(func() error {
		if err := sched.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		return sched.Stop()
	})

	err = g.Wait()
	log.Info("progressd stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newEventBus(ctx context.Context, a *app) (eventBus, error) {
	local := messaging.DefaultInMemoryEventBusConfig()
	local.WorkerPoolSize = a.cfg.Engine.EventWorkers
	local.HandlerTimeout = a.cfg.Engine.EventHandlerTimeout
	local.Logger = a.log

	if a.cache == nil {
		return messaging.NewInMemoryEventBus(local), nil
	}
	bus, err := messaging.NewRedisEventBus(ctx, messaging.RedisEventBusConfig{
		Cache:          a.cache,
		Topic:          a.cfg.Redis.EventsTopic,
		LocalBusConfig: local,
		Logger:         a.log,
	})
	if err != nil {
		return nil, fmt.Errorf("redis event bus: %w", err)
	}
	return bus, nil
}

func registerEventHandlers(a *app, bus shared.EventSubscriber) error {
	channels := []notification.Channel{messaging.NewLogChannel(a.log)}
	if a.cache != nil {
		channels = append(channels, messaging.NewRedisChannel(a.cache))
	}
	if err := eventhandler.NewNotifier(a.log, channels...).Register(bus); err != nil {
		return err
	}
	if a.leaderboard != nil {
		return eventhandler.NewLeaderboardUpdater(a.engine, a.leaderboard, a.log).Register(bus)
	}
	return nil
}

func newLeaderboardHandler(a *app) *query.LeaderboardHandler {
	var opts []query.LeaderboardOption
	if a.leaderboard != nil {
		breaker := circuitbreaker.CacheBreaker(func(name string, from, to circuitbreaker.State) {
			a.log.Warn("circuit breaker state changed",
				logger.String("breaker", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
		})
		opts = append(opts, query.WithLeaderboardCache(a.leaderboard, breaker))
	}
	return query.NewLeaderboardHandler(a.store, a.engine.Clock(), a.engine.Location(), a.log, opts...)
}

// newScheduler registers the leaderboard rebuild when a cache is configured.
func newScheduler(a *app) (*scheduler.Scheduler, error) {
	sched := scheduler.New(scheduler.Config{Logger: a.log, Clock: a.engine.Clock()})
	if a.leaderboard == nil {
		return sched, nil
	}
	schedule, err := scheduler.ParseSchedule(a.cfg.Engine.LeaderboardRebuild)
	if err != nil {
		return nil, shared.Misconfigured("config", "ENGINE_LEADERBOARD_REBUILD", "%v", err)
	}
	job := jobs.NewRebuildLeaderboardJob(a.store, a.leaderboard, a.engine.Clock(), a.cfg.Engine.RebuildTimeout, a.log)
	if err := sched.Register(job, schedule, scheduler.Immediately()); err != nil {
		return nil, err
	}
	return sched, nil
}
