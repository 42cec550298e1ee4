package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"listing-bot/internal/analytics"
	"listing-bot/internal/clock"
	"listing-bot/internal/config"
	"listing-bot/internal/database"
	"listing-bot/internal/errors"
	"listing-bot/internal/events"
	"listing-bot/internal/jobs"
	"listing-bot/internal/lock"
	"listing-bot/internal/logger"
	"listing-bot/internal/metrics"
	"listing-bot/internal/notify"
	"listing-bot/internal/orchestrator"
	"listing-bot/internal/queue"
	"listing-bot/internal/ratelimit"
	"listing-bot/internal/validation"
	"listing-bot/internal/websocket"
	"listing-bot/internal/worker"
)

const redisKeyPrefix = "bot:"

// app is the wired runtime shared by every command.
type app struct {
	cfg       *config.Config
	log       logger.Logger
	clock     clock.Clock
	db        *database.DB
	redis     *redis.Client
	metrics   *metrics.Metrics
	ws        *websocket.Manager
	events    events.Publisher
	locker    lock.Locker
	analytics *analytics.Engine
	notifier  *notify.Dispatcher
	jobs      *jobs.Service
	queue     *queue.Queue
	registry  *queue.Registry
	orch      *orchestrator.Orchestrator
}

// newApp loads configuration and builds every component. withFeed attaches
// the websocket event feed; one-shot commands run without it.
func newApp(ctx context.Context, cfgPath string, withFeed bool) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}

	a := &app{cfg: cfg, log: log, clock: clock.Real{}, events: events.Nop{}}

	a.db, err = database.Open(database.Config{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
	if err != nil {
		return nil, err
	}
	if err := a.db.Migrate(ctx); err != nil {
		a.Close()
		return nil, err
	}

	reg := prometheus.DefaultRegisterer
	if !withFeed {
		reg = nil
	}
	a.metrics = metrics.New(reg)

	if withFeed {
		a.ws = websocket.New(a.db, log.With(logger.String("component", "websocket")))
		a.events = websocket.Fanout{a.ws}
	}

	var cache analytics.Cache = analytics.NewMemoryCache(a.clock)
	a.locker = lock.NewMemoryLocker(a.clock)
	if cfg.Redis.Address != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, errors.WithHint(errors.Wrapf(err, "ping redis %s", cfg.Redis.Address),
				"unset redis.address to use in-process locks")
		}
		a.locker = lock.NewRedisLocker(a.redis)
		cache = analytics.NewRedisCache(a.redis, redisKeyPrefix)
		log.Info("Using Redis for locks and analytics cache", logger.String("address", cfg.Redis.Address))
	}

	a.analytics = analytics.New(a.db, a.clock,
		analytics.WithCache(cache),
		analytics.WithTTL(cfg.Analytics.CacheTTL),
		analytics.WithLogger(log),
		analytics.WithMetrics(a.metrics),
	)

	var mailer notify.Mailer = notify.NewLogMailer(log)
	if cfg.Notify.SMTPHost != "" {
		mailer = notify.NewSMTPMailer(notify.SMTPConfig{
			Host:     cfg.Notify.SMTPHost,
			Port:     cfg.Notify.SMTPPort,
			Username: cfg.Notify.SMTPUsername,
			Password: cfg.Notify.SMTPPassword,
			From:     cfg.Notify.From,
		})
	}
	a.notifier = notify.New(a.db, a.clock,
		notify.WithMailer(mailer),
		notify.WithRateLimiter(ratelimit.New(cfg.Notify.MailPerMinute, 0)),
		notify.WithOperatorEmails(cfg.Notify.OperatorEmails),
		notify.WithLogger(log),
		notify.WithMetrics(a.metrics),
		notify.WithEvents(a.events),
	)

	a.queue = queue.New(a.db, a.clock,
		queue.WithLogger(log),
		queue.WithMetrics(a.metrics),
		queue.WithEvents(a.events),
	)
	a.jobs = jobs.NewService(a.db, a.queue, a.notifier, a.analytics, validation.New(a.clock), a.clock, log)
	a.registry = queue.NewRegistry()
	jobs.Register(a.registry, a.jobs)

	a.orch = orchestrator.New(a.db, a.queue, a.clock,
		orchestrator.WithLogger(log),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithEvents(a.events),
	)
	a.orch.Register(orchestrator.DefaultOperations(orchestrator.Deps{
		DB:        a.db,
		Jobs:      a.jobs,
		Notifier:  a.notifier,
		Analytics: a.analytics,
		Locker:    a.locker,
		Events:    a.events,
		Cleanup:   cfg.Cleanup,
		Health:    cfg.Health,
		Retention: cfg.Retention,
	})...)
	return a, nil
}

func (a *app) workerPool() *worker.Pool {
	w := a.cfg.Workers
	cfg := worker.Config{
		Concurrency:  a.cfg.WorkerCounts(),
		PollInterval: w.PollInterval,
		LeaseTimeout: w.LeaseTimeout,
		RetryBackoff: w.RetryBackoff,
		MaxBackoff:   w.MaxBackoff,
		ReapInterval: w.ReapInterval,
	}
	return worker.New(a.db, a.registry, a.locker, a.clock, cfg,
		worker.WithLogger(a.log.With(logger.String("component", "worker"))),
		worker.WithMetrics(a.metrics),
		worker.WithEvents(a.events),
	)
}

// Close releases connections. Safe on a partially built app.
func (a *app) Close() {
	if a.ws != nil {
		a.ws.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	_ = a.log.Sync()
}
