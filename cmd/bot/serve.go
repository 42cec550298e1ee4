package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"listing-bot/internal/api"
	"listing-bot/internal/errors"
	"listing-bot/internal/logger"
	"listing-bot/internal/scheduler"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, job workers and HTTP server until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cfgFile, true)
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(cmd.Context(), a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(a.orch, a.locker, a.clock,
			scheduler.WithLogger(a.log.With(logger.String("component", "scheduler"))),
			scheduler.WithMetrics(a.metrics),
			scheduler.WithEvents(a.events),
			scheduler.WithAlerter(a.jobs),
			scheduler.WithTick(cfg.Scheduler.Tick),
			scheduler.WithOverlapTTL(cfg.Scheduler.OverlapTTL),
		)
		if err := sched.ScheduleDefaults(cfg.Scheduler.Cadences); err != nil {
			return err
		}
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := api.NewServer(api.Config{
		DB:               a.db,
		Orchestrator:     a.orch,
		Analytics:        a.analytics,
		Scheduler:        sched,
		WSManager:        a.ws,
		Clock:            a.clock,
		Logger:           a.log.With(logger.String("component", "api")),
		TriggerPerMinute: cfg.Server.TriggerPerMinute,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	pool := a.workerPool()
	pool.Start(gctx)
	if sched != nil {
		sched.Start(gctx)
		sched.StartHealthProbe(gctx, cfg.Scheduler.ProbeInterval)
	}

	g.Go(func() error {
		a.log.Info("HTTP server listening", logger.String("address", cfg.Server.Address))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		if sched != nil {
			sched.Stop()
		}
		pool.Wait()
		return err
	})
	return g.Wait()
}
