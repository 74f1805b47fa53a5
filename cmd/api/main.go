package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/ledger-notify/api/controllers"
	"github.com/angelmondragon/ledger-notify/api/routes"
	"github.com/angelmondragon/ledger-notify/internal/identity"
	"github.com/angelmondragon/ledger-notify/internal/notifications"
	"github.com/angelmondragon/ledger-notify/internal/users"
	"github.com/angelmondragon/ledger-notify/pkg/auth/session"
	"github.com/angelmondragon/ledger-notify/pkg/changefeed"
	"github.com/angelmondragon/ledger-notify/pkg/config"
	"github.com/angelmondragon/ledger-notify/pkg/db"
	"github.com/angelmondragon/ledger-notify/pkg/docstore"
	"github.com/angelmondragon/ledger-notify/pkg/instance"
	"github.com/angelmondragon/ledger-notify/pkg/logger"
	"github.com/angelmondragon/ledger-notify/pkg/metrics"
	"github.com/angelmondragon/ledger-notify/pkg/migrate"
	"github.com/angelmondragon/ledger-notify/pkg/pubsub"
	"github.com/angelmondragon/ledger-notify/pkg/redis"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       cfg.App.LogLevel,
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logg); err != nil {
		logg.Error(context.Background(), "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logg *logger.Logger) (err error) {
	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, dbClient.Close())
	}()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		return err
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, redisClient.Close())
	}()

	feedDeps := changefeed.Deps{Redis: redisClient}
	var checks []controllers.Dependency
	if strings.EqualFold(strings.TrimSpace(cfg.ChangeFeed.Driver), config.ChangeFeedPubSub) {
		var psClient *pubsub.Client
		psClient, err = pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
		if err != nil {
			return err
		}
		defer func() {
			err = multierr.Append(err, psClient.Close())
		}()
		feedDeps.PubSub = psClient
		checks = append(checks, controllers.Dependency{Name: "pubsub", Pinger: psClient})
	}
	feed, err := changefeed.New(cfg.ChangeFeed, feedDeps, logg)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, feed.Close())
	}()

	store, err := docstore.New(ctx, dbClient, feed, logg)
	if err != nil {
		return err
	}
	defer store.Close()

	sessionManager, err := session.NewManager(redisClient, cfg.JWT)
	if err != nil {
		return err
	}

	provider, err := identity.NewProvider(ctx, identity.ProviderParams{
		Users:          users.NewRepository(dbClient.DB()),
		Sessions:       sessionManager,
		Profiles:       store,
		Feed:           feed,
		JWTConfig:      cfg.JWT,
		PasswordConfig: cfg.Password,
		Logger:         logg,
	})
	if err != nil {
		return err
	}
	defer provider.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	inboxMetrics := metrics.NewInboxMetrics(registry)

	notificationService, err := notifications.NewService(notifications.ServiceParams{
		Store:   store,
		Limits:  cfg.Inbox,
		Metrics: inboxMetrics,
		Logger:  logg,
	})
	if err != nil {
		return err
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	logCtx := logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"addr":        addr,
		"instance":    instance.GetID(),
		"change_feed": cfg.ChangeFeed.Driver,
	})
	logg.Info(logCtx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(cfg, logg, routes.Deps{
			DB:             dbClient,
			Redis:          redisClient,
			Identity:       provider,
			Notifications:  notificationService,
			Store:          store,
			InboxMetrics:   inboxMetrics,
			MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			Checks:         checks,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logg.Info(logCtx, "shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}
