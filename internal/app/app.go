// Package app wires the stores, broker and engine shared by every binary.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/leozw/credentials-manager/internal/checks"
	"github.com/leozw/credentials-manager/internal/config"
	"github.com/leozw/credentials-manager/internal/db"
	"github.com/leozw/credentials-manager/internal/leases"
	"github.com/leozw/credentials-manager/internal/metrics"
	"github.com/leozw/credentials-manager/internal/notify"
	"github.com/leozw/credentials-manager/internal/queue"
	storageredis "github.com/leozw/credentials-manager/internal/storage/redis"
)

type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	DB      *sqlx.DB
	Repo    *db.Repository
	Redis   *redis.Client
	Queue   *queue.RedisQueue
	Metrics *metrics.Collector
	Leases  *leases.Service
	Checker *checks.ProxyChecker
}

// NewLogger builds a production logger at the given level.
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// New connects to PostgreSQL and Redis and builds the engine. When migrate is
// set pending schema migrations are applied first.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, migrate bool) (*App, error) {
	conn, err := db.NewConnection(cfg.Database.URL, cfg.Database.MaxConnections, cfg.Database.MaxIdleConns)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if migrate {
		if err := db.Migrate(conn); err != nil {
			conn.Close()
			return nil, err
		}
		logger.Info("Database migrations applied")
	}

	client, err := queue.NewClient(ctx, cfg.Redis.URL, cfg.Redis.Password)
	if err != nil {
		conn.Close()
		return nil, err
	}

	loc, err := time.LoadLocation(cfg.Checker.TimeZone)
	if err != nil {
		logger.Warn("Unknown time zone, using UTC", zap.String("time_zone", cfg.Checker.TimeZone), zap.Error(err))
		loc = time.UTC
	}

	repo := db.NewRepository(conn)
	collector := metrics.NewCollector(cfg.Mimir)

	q := queue.NewRedisQueue(client, queue.Config{
		Prefix:        cfg.Queue.Prefix,
		Group:         cfg.Queue.Group,
		ClaimIdle:     cfg.Queue.ClaimIdle,
		MaxDeliveries: cfg.Queue.MaxDeliveries,
	}, logger)

	service := leases.NewService(repo, q, collector, leases.Config{
		BatchNetworks:    cfg.Queue.BatchNetworks,
		InQueueTimeout:   cfg.Scheduler.InQueueTimeout,
		SentTimeout:      cfg.Scheduler.SentTimeout,
		BaseWaitingDelta: cfg.Limits.BaseWaitingDelta,
		NewLeaseCounter:  cfg.Limits.NewLeaseCounter,
	}, logger)
	if cfg.Limits.CacheTTL > 0 {
		service.SetLimitsCache(storageredis.NewCache(client, "credman:cache:", cfg.Limits.CacheTTL))
	}

	notifier := notify.New(notify.Config{
		TelegramToken:  cfg.Notifier.TelegramToken,
		TelegramChatID: cfg.Notifier.TelegramChatID,
		APIURL:         cfg.Notifier.APIURL,
	}, logger)

	checker := checks.NewProxyChecker(
		repo,
		checks.NewHTTPEcho(cfg.Checker.EchoURL, cfg.Checker.Timeout),
		checks.NewDNSResolver(cfg.Checker.Resolver, cfg.Checker.Timeout),
		notifier,
		collector,
		checks.Config{
			Concurrency:   cfg.Checker.Concurrency,
			RatePerSecond: cfg.Checker.RatePerSecond,
			Location:      loc,
		},
		logger,
	)

	return &App{
		Config:  cfg,
		Logger:  logger,
		DB:      conn,
		Repo:    repo,
		Redis:   client,
		Queue:   q,
		Metrics: collector,
		Leases:  service,
		Checker: checker,
	}, nil
}

func (a *App) Close() {
	if err := a.Redis.Close(); err != nil {
		a.Logger.Warn("Failed to close redis client", zap.Error(err))
	}
	if err := a.DB.Close(); err != nil {
		a.Logger.Warn("Failed to close database", zap.Error(err))
	}
}
