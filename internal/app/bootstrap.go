package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/redis/go-redis/v9"

	"store-backend/internal/account"
	"store-backend/internal/auth"
	"store-backend/internal/clientip"
	"store-backend/internal/config"
	"store-backend/internal/db"
	"store-backend/internal/httpx"
	"store-backend/internal/maintenance"
	"store-backend/internal/observability"
	"store-backend/internal/password"
	"store-backend/internal/ratelimit"
	"store-backend/internal/token"
	"store-backend/internal/twofactor"
)

const startupTimeout = 15 * time.Second

type Options struct {
	LoadDotEnv bool
	// Config skips environment loading when set.
	Config *config.Config
}

type Runtime struct {
	Handler http.Handler
	Config  *config.Config
	Logger  *observability.Logger
	Close   func() error
}

type pinger interface {
	Ping(ctx context.Context) error
}

type storage struct {
	accounts account.Store
	orders   account.OrderHistory
}

type limiters struct {
	twoFactor ratelimit.Limiter
	login     ratelimit.Limiter
	sweeper   maintenance.Sweeper
	redis     pinger
}

func Build(options Options) (*Runtime, error) {
	cfg := options.Config
	if cfg == nil {
		loaded, err := config.Load(options.LoadDotEnv)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	logger := observability.NewLogger(cfg.LogLevel)
	if err := observability.InitSentry(cfg.Sentry.DSN, cfg.Env); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	var closers []func() error
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		observability.FlushSentry()
		return errors.Join(errs...)
	}
	fail := func(err error) (*Runtime, error) {
		_ = closeAll()
		return nil, err
	}

	store, closeStore, err := openStorage(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	if closeStore != nil {
		closers = append(closers, closeStore)
	}

	limits, closeLimits, err := openLimiters(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	if closeLimits != nil {
		closers = append(closers, closeLimits)
	}

	issuer, err := token.NewIssuer(cfg.Auth.AccessSecret, cfg.Auth.RefreshSecret,
		token.WithTTL(cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL))
	if err != nil {
		return fail(fmt.Errorf("init token issuer: %w", err))
	}

	metrics := observability.NewMetrics()
	authService := auth.NewService(auth.Dependencies{
		Store:     store.accounts,
		Orders:    store.orders,
		Hasher:    password.NewHasher(cfg.Auth.BcryptCost),
		Issuer:    issuer,
		TwoFactor: twofactor.NewService(cfg.TwoFactor.Issuer),
		Limiter:   limits.twoFactor,
		Metrics:   metrics,
		Logger:    logger,
	})
	authService.WithLockoutPolicy(account.LockoutPolicy{
		MaxAttempts:  cfg.Auth.MaxAttempts,
		LockDuration: cfg.Auth.LockDuration,
	})

	if err := authService.BootstrapAdmin(ctx, cfg.Admin.Name, cfg.Admin.Email, cfg.Admin.Password); err != nil {
		return fail(fmt.Errorf("bootstrap admin: %w", err))
	}

	responder := httpx.NewResponder(logger, cfg.Development())
	authHandler := auth.NewHandler(authService, auth.NewMiddleware(authService, responder), responder)
	cleanupHandler := maintenance.NewCleanupHandler(
		store.accounts,
		limits.sweeper,
		logger,
		cfg.Maintenance.CronSecret,
		cfg.Maintenance.PendingTwoFactorRetention,
		cfg.Maintenance.BatchSize,
	)

	proxies, err := clientip.NewResolver(cfg.TrustedProxies)
	if err != nil {
		return fail(err)
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(proxies.Middleware)
	r.Use(observability.Recover(logger))
	r.Use(observability.RequestLogging(logger, metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if cfg.RateLimit.GlobalPerMinute > 0 {
		r.Use(httprate.Limit(cfg.RateLimit.GlobalPerMinute, time.Minute, httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return clientip.FromRequest(r), nil
		})))
	}

	pingers := []pinger{store.accounts}
	if limits.redis != nil {
		pingers = append(pingers, limits.redis)
	}
	r.Get("/health", healthHandler(pingers...))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	loginGuard := ratelimit.Middleware(limits.login, ratelimit.LoginIPKey, responder)
	r.Mount("/api/auth", authHandler.Routes(loginGuard))
	r.Mount("/api/admin", authHandler.AdminRoutes())

	r.Get("/internal/maintenance/cleanup", cleanupHandler.Handle)
	r.Post("/internal/maintenance/cleanup", cleanupHandler.Handle)

	logger.Info("app_ready", map[string]any{
		"env":           cfg.Env,
		"store_driver":  cfg.Store.Driver,
		"limit_driver":  cfg.RateLimit.Driver,
		"access_ttl_s":  int64(cfg.Auth.AccessTokenTTL.Seconds()),
		"refresh_ttl_s": int64(cfg.Auth.RefreshTokenTTL.Seconds()),
	})

	return &Runtime{
		Handler: r,
		Config:  cfg,
		Logger:  logger,
		Close:   closeAll,
	}, nil
}

func openStorage(ctx context.Context, cfg *config.Config) (storage, func() error, error) {
	switch cfg.Store.Driver {
	case config.StoreMongo:
		client, database, err := db.ConnectMongo(ctx, cfg.Store.MongoURI)
		if err != nil {
			return storage{}, nil, err
		}
		disconnect := func() error { return client.Disconnect(context.Background()) }

		accounts, err := account.NewMongoStore(ctx, database)
		if err != nil {
			_ = disconnect()
			return storage{}, nil, err
		}
		return storage{accounts: accounts, orders: account.NewMongoOrderHistory(database)}, disconnect, nil

	case config.StorePostgres:
		database, err := db.OpenPostgres(ctx, cfg.Store.DatabaseURL, db.PoolConfig{
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Store.ConnMaxIdleTime,
		})
		if err != nil {
			return storage{}, nil, err
		}
		if cfg.Store.RunMigrations {
			if err := db.RunMigrations(ctx, database); err != nil {
				_ = database.Close()
				return storage{}, nil, fmt.Errorf("run migrations: %w", err)
			}
		}
		return storage{
			accounts: account.NewPostgresStore(database),
			orders:   account.NewPostgresOrderHistory(database),
		}, database.Close, nil

	case config.StoreMemory:
		return storage{accounts: account.NewMemoryStore(), orders: account.NewMemoryOrderHistory()}, nil, nil

	default:
		return storage{}, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func openLimiters(ctx context.Context, cfg *config.Config) (limiters, func() error, error) {
	twoFactorPolicy := ratelimit.Policy{MaxAttempts: cfg.TwoFactor.MaxAttempts, Window: cfg.TwoFactor.Window}
	loginPolicy := ratelimit.Policy{MaxAttempts: cfg.RateLimit.LoginMax, Window: cfg.RateLimit.LoginWindow}

	if cfg.RateLimit.Driver == config.LimiterRedis {
		opts, err := redis.ParseURL(cfg.RateLimit.RedisURL)
		if err != nil {
			return limiters{}, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return limiters{}, nil, fmt.Errorf("ping redis: %w", err)
		}

		twoFactor := ratelimit.NewRedisLimiter(client, twoFactorPolicy)
		return limiters{
			twoFactor: twoFactor,
			login:     ratelimit.NewRedisLimiter(client, loginPolicy),
			redis:     twoFactor,
		}, client.Close, nil
	}

	twoFactor := ratelimit.NewMemoryLimiter(twoFactorPolicy)
	login := ratelimit.NewMemoryLimiter(loginPolicy)
	return limiters{
		twoFactor: twoFactor,
		login:     login,
		sweeper:   maintenance.Sweepers{twoFactor, login},
	}, nil, nil
}

func healthHandler(deps ...pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		for _, dep := range deps {
			if err := dep.Ping(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
				break
			}
		}

		httpx.WriteJSON(w, status, body)
	}
}
