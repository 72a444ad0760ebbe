package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/alem-hub/progression-engine/config"
	"github.com/alem-hub/progression-engine/internal/domain/catalog"
	"github.com/alem-hub/progression-engine/internal/domain/learner"
	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/postgres"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/redis"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/sqlite"
	"github.com/alem-hub/progression-engine/internal/interface/http/handlers"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// APPLICATION WIRING
// ══════════════════════════════════════════════════════════════════════════════

// app owns the long-lived dependencies shared by serve and report.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	catalog *catalog.Catalog
	store   learner.Store
	engine  *progression.Engine
	health  *handlers.CompositeHealthChecker

	// cache and leaderboard are nil without REDIS_URL.
	cache       *redis.Cache
	leaderboard *redis.LeaderboardCache

	closers []func()
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(logger.Options{
		Mode:  cfg.LogMode(),
		Level: logger.ParseLevel(cfg.Observability.LogLevel),
	})
}

func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *app, err error) {
	a := &app{
		cfg:    cfg,
		log:    log,
		health: handlers.NewCompositeHealthChecker(cfg.App.Version, nil),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.catalog, err = loadCatalog(cfg.Engine.CatalogFile); err != nil {
		return nil, err
	}
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	var locker learner.Locker = memory.NewLocker()
	if cfg.Redis.Enabled() {
		a.cache, err = redis.Connect(ctx, cfg.Redis.URL, redis.Options{
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = a.cache.Close() })
		a.health.AddOptionalCheck("redis", handlers.PingCheck(a.cache))
		a.leaderboard = redis.NewLeaderboardCache(a.cache)
		locker = redis.NewLocker(a.cache, cfg.Redis.LockTTL)
		log.Info("redis connected", logger.Bool("distributed_lock", true))
	}

	a.engine = progression.NewEngine(progression.Config{
		Store:    a.store,
		Locker:   locker,
		Catalog:  a.catalog,
		Location: cfg.Engine.Location(),
	})
	return a, nil
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default(), nil
	}
	cat, err := catalog.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", path, err)
	}
	return cat, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case config.StorePostgres:
		conn, err := postgres.Connect(ctx, a.cfg.Postgres.URL, postgres.PoolOptions{
			MaxConns:        a.cfg.Postgres.MaxConns,
			MinConns:        a.cfg.Postgres.MinConns,
			MaxConnLifetime: a.cfg.Postgres.MaxConnLifetime,
			MaxConnIdleTime: a.cfg.Postgres.MaxConnIdleTime,
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, conn.Close)
		ran, err := postgres.NewMigrator(conn).Migrate(ctx)
		if err != nil {
			return err
		}
		a.log.Info("database schema is up to date", logger.Int("applied", ran))
		a.health.AddCheck("postgres", handlers.PingCheck(conn))
		a.store = postgres.NewStore(conn)

	case config.StoreSQLite:
		st, err := sqlite.Open(ctx, a.cfg.SQLite.Path)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { _ = st.Close() })
		a.health.AddCheck("sqlite", handlers.PingCheck(st))
		a.store = st

	case config.StoreMemory:
		a.log.Warn("using the in-memory store, progress is lost on exit")
		a.store = memory.NewStore()

	default:
		return errors.New("unknown store driver " + string(a.cfg.Store.Driver))
	}
	a.log.Info("store ready", logger.String("driver", string(a.cfg.Store.Driver)))
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
