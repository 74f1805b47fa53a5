package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/ledger-notify/api/controllers"
	"github.com/angelmondragon/ledger-notify/api/middleware"
	"github.com/angelmondragon/ledger-notify/internal/identity"
	"github.com/angelmondragon/ledger-notify/internal/inbox"
	"github.com/angelmondragon/ledger-notify/pkg/config"
	"github.com/angelmondragon/ledger-notify/pkg/db"
	"github.com/angelmondragon/ledger-notify/pkg/logger"
	"github.com/angelmondragon/ledger-notify/pkg/metrics"
	pkgredis "github.com/angelmondragon/ledger-notify/pkg/redis"
)

type redisStore interface {
	pkgredis.IdempotencyStore
	pkgredis.Pinger
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

type identityProvider interface {
	controllers.IdentityService
	Client(accessToken string) *identity.Client
}

type documentStore interface {
	controllers.DocumentReader
	inbox.LiveStore
}

// Deps are the services the HTTP surface is built on. Nil dependencies
// disable the features that need them.
type Deps struct {
	DB             db.Pinger
	Redis          redisStore
	Identity       identityProvider
	Notifications  controllers.NotificationService
	Store          documentStore
	InboxMetrics   *metrics.InboxMetrics
	MetricsHandler http.Handler
	// Checks are extra readiness probes, such as the change feed transport.
	Checks []controllers.Dependency
}

func NewRouter(cfg *config.Config, logg *logger.Logger, deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID(logg),
		middleware.Recoverer(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.AllowedOrigins),
	)

	loginPolicy := middleware.NewAuthRateLimitPolicy(
		"login",
		cfg.AuthRateLimit.LoginWindow,
		cfg.AuthRateLimit.LoginIPLimit,
		cfg.AuthRateLimit.LoginEmailLimit,
	)
	registerPolicy := middleware.NewAuthRateLimitPolicy(
		"register",
		cfg.AuthRateLimit.RegisterWindow,
		cfg.AuthRateLimit.RegisterIPLimit,
		cfg.AuthRateLimit.RegisterEmailLimit,
	)

	var (
		rateStore        interface{ IncrWithTTL(context.Context, string, time.Duration) (int64, error) }
		idempotencyStore pkgredis.IdempotencyStore
		readiness        = []controllers.Dependency{{Name: "db", Pinger: deps.DB}}
		resolver         middleware.SessionResolver
		identitySvc      controllers.IdentityService
	)
	if deps.Redis != nil {
		rateStore = deps.Redis
		idempotencyStore = deps.Redis
		readiness = append(readiness, controllers.Dependency{Name: "redis", Pinger: deps.Redis})
	}
	readiness = append(readiness, deps.Checks...)
	if deps.Identity != nil {
		resolver = deps.Identity
		identitySvc = deps.Identity
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, readiness...))
	})
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Route("/api/public", func(r chi.Router) {
		r.Get("/ping", controllers.PublicPing())
	})

	r.Route("/api/v1/auth", func(r chi.Router) {
		r.Use(middleware.Idempotency(idempotencyStore, logg))
		r.With(middleware.AuthRateLimit(loginPolicy, rateStore, logg)).Post("/login", controllers.AuthLogin(identitySvc, logg))
		r.With(middleware.AuthRateLimit(registerPolicy, rateStore, logg)).Post("/register", controllers.AuthRegister(identitySvc, logg))
		r.Post("/logout", controllers.AuthLogout(identitySvc, logg))
		r.Post("/refresh", controllers.AuthRefresh(identitySvc, logg))
	})

	// the stream authenticates through its own session listener
	r.Get("/api/v1/inbox/stream", controllers.InboxStream(streamParams(cfg, logg, deps)))

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Auth(resolver, logg))
		r.Use(middleware.Idempotency(idempotencyStore, logg))

		r.Get("/ping", controllers.PrivatePing())
		r.Get("/v1/profile", controllers.Profile(deps.Store, logg))

		r.Route("/v1/notifications", func(r chi.Router) {
			r.Get("/", controllers.ListNotifications(deps.Notifications, logg))
			r.Post("/", controllers.CreateNotification(deps.Notifications, logg))
			r.Get("/unread-count", controllers.UnreadCount(deps.Notifications, logg))
			if cfg.FeatureFlags.DemoEvents {
				r.Get("/events", controllers.ListEvents())
				r.Post("/events/{event}", controllers.TriggerEvent(deps.Notifications, logg))
			}
			r.Post("/{notificationId}/read", controllers.MarkNotificationRead(deps.Notifications, logg))
			r.Post("/read-all", controllers.MarkAllNotificationsRead(deps.Notifications, logg))
		})
	})

	return r
}

func streamParams(cfg *config.Config, logg *logger.Logger, deps Deps) controllers.InboxStreamParams {
	params := controllers.InboxStreamParams{
		Limits:  cfg.Inbox,
		Origins: cfg.App.AllowedOrigins,
		Metrics: deps.InboxMetrics,
		Logger:  logg,
	}
	if deps.Store != nil {
		params.Store = deps.Store
	}
	if deps.Notifications != nil {
		params.Actions = deps.Notifications
	}
	if deps.Identity != nil {
		provider := deps.Identity
		params.Identity = provider
		params.Sessions = func(accessToken string) inbox.SessionSource {
			return provider.Client(accessToken)
		}
	}
	return params
}
