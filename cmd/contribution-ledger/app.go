package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/aimd54/contribution-ledger/internal/api/profile"
	"github.com/aimd54/contribution-ledger/internal/cache"
	"github.com/aimd54/contribution-ledger/internal/config"
	"github.com/aimd54/contribution-ledger/internal/gateway"
	"github.com/aimd54/contribution-ledger/internal/mattermost"
	"github.com/aimd54/contribution-ledger/internal/repository"
	"github.com/aimd54/contribution-ledger/internal/service/leaderboard"
	"github.com/aimd54/contribution-ledger/internal/service/ledger"
	"github.com/aimd54/contribution-ledger/internal/service/reputation"
	"github.com/aimd54/contribution-ledger/internal/service/reviews"
	"github.com/aimd54/contribution-ledger/internal/service/sweeper"
	"github.com/aimd54/contribution-ledger/internal/webhook"
	"github.com/aimd54/contribution-ledger/pkg/logger"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg         *config.Config
	db          *repository.DB
	cache       *cache.Cache
	store       *repository.Store
	engine      *reputation.Engine
	ledger      *ledger.Service
	reviews     *reviews.Service
	leaderboard *leaderboard.Service
	gateway     *gateway.Gateway
	sweeper     *sweeper.Service
	mattermost  *mattermost.Client
	log         *logger.Logger
}

func newPolicy(cfg *config.Config) (*reputation.Policy, error) {
	policy, err := reputation.NewPolicy(&cfg.Reputation)
	if err != nil {
		return nil, fmt.Errorf("invalid reputation policy: %w", err)
	}
	return policy, nil
}

func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	policy, err := newPolicy(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Database.Postgres.AutoMigrate {
		if err := repository.RunMigrations(&cfg.Database.Postgres, log); err != nil {
			return nil, err
		}
	}

	db, err := repository.NewDB(&cfg.Database.Postgres, log)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, db: db, log: log}

	// A nil *cache.Cache must not reach the gateway as a non-nil interface.
	var deliveries gateway.DeliveryCache
	if cfg.Database.Redis.Enabled {
		redisCache, err := cache.NewCache(ctx, &cfg.Database.Redis)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		a.cache = redisCache
		deliveries = redisCache
		log.Info().
			Str("host", cfg.Database.Redis.Host).
			Int("port", cfg.Database.Redis.Port).
			Msg("Connected to Redis")
	} else {
		log.Info().Msg("Redis disabled, deduplicating on natural keys only")
	}

	a.store = repository.NewStore(db)
	a.engine = reputation.NewEngine(a.store, policy, log.Component("reputation"))
	a.ledger = ledger.NewService(a.store, a.engine, cfg.Reputation.ReplacementWindow, log.Component("ledger"))
	a.reviews = reviews.NewService(a.store, a.engine, log.Component("reviews"))
	a.leaderboard = leaderboard.NewService(a.store.Agents, a.store.Contributions, a.store.Reviews, log.Component("leaderboard"))
	a.mattermost = mattermost.NewClient(&cfg.Mattermost, log.Component("mattermost"))
	a.gateway = gateway.New(&cfg.Gateway, a.store, a.ledger, a.reviews, a.engine, deliveries, a.mattermost, log.Component("gateway"))
	a.sweeper = sweeper.NewService(&cfg.Sweeper, a.store, a.engine, log.Component("sweeper"))
	a.sweeper.SetReporter(a.mattermost)

	if err := a.engine.RefreshTierGauge(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to publish tier gauge")
	}
	return a, nil
}

// Close releases the database and cache connections.
func (a *app) Close() {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to close Redis client")
		}
	}
	if err := a.db.Close(); err != nil {
		a.log.Warn().Err(err).Msg("Failed to close database")
	}
}

func (a *app) router() *gin.Engine {
	if a.cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	hooks := webhook.NewHandler(a.cfg, a.gateway, a.store.Agents, a.engine, a.log.Component("webhook"))
	hooks.RegisterRoutes(router)

	api := profile.NewHandler(a.engine, a.leaderboard, a.ledger, a.store.DeadLetters, a.log.Component("api"))
	api.AddHealthCheck("database", a.db)
	if a.cache != nil {
		api.AddHealthCheck("redis", a.cache)
	}
	api.RegisterRoutes(router)

	return router
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	log.Info().
		Str("version", version).
		Str("build_time", buildTime).
		Int("port", cfg.Server.Port).
		Msg("Starting contribution ledger")

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      a.router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var metricsServer *http.Server
	if cfg.Metrics.Prometheus.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Prometheus.Path, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Prometheus.Port),
			Handler:           mux,
			ReadHeaderTimeout: cfg.Server.ReadTimeout,
		}
	}

	if err := a.sweeper.Start(); err != nil {
		return err
	}
	defer a.sweeper.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		return listen(server)
	})
	if metricsServer != nil {
		g.Go(func() error {
			log.Info().
				Str("addr", metricsServer.Addr).
				Str("path", cfg.Metrics.Prometheus.Path).
				Msg("Metrics server listening")
			return listen(metricsServer)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout(cfg))
		defer cancel()

		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
			}
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Contribution ledger stopped")
	return nil
}

func listen(server *http.Server) error {
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen on %s: %w", server.Addr, err)
	}
	return nil
}
