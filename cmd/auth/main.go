package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/itangbaotop/itangbao-auth/internal/adapter/cache"
	"github.com/itangbaotop/itangbao-auth/internal/bootstrap"
	"github.com/itangbaotop/itangbao-auth/internal/config"
	httptransport "github.com/itangbaotop/itangbao-auth/internal/http"
	"github.com/itangbaotop/itangbao-auth/internal/http/handler"
	httpmiddleware "github.com/itangbaotop/itangbao-auth/internal/http/middleware"
	"github.com/itangbaotop/itangbao-auth/internal/jwt"
	apimiddleware "github.com/itangbaotop/itangbao-auth/internal/middleware"
	"github.com/itangbaotop/itangbao-auth/internal/repository"
	"github.com/itangbaotop/itangbao-auth/internal/server"
	"github.com/itangbaotop/itangbao-auth/internal/service"
	"github.com/itangbaotop/itangbao-auth/internal/telemetry"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newUserRepository,
			newAccountRepository,
			newApplicationRepository,
			newCodeRepository,
			newTokenRepository,
			newMagicLinkRepository,
			newRedisClient,
			newDomainsCache,
			newDomainSource,
			newDomainInvalidator,
			newRateLimiter,
			newTokenGenerator,
			newMailer,
			service.NewGrantService,
			service.NewLoginService,
			service.NewRegistryService,
			newDiscoveryService,
			handler.NewOAuthHandler,
			handler.NewAuthHandler,
			handler.NewAdminHandler,
			newAuthMiddleware,
			httptransport.NewRouter,
			newHTTPServer,
		),
		fx.Invoke(useTelemetry, bootstrap.EnsureAdmin, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newUserRepository(pool *pgxpool.Pool) repository.UserRepository {
	return repository.NewPostgresUserRepo(pool)
}

func newAccountRepository(pool *pgxpool.Pool) repository.AccountRepository {
	return repository.NewPostgresAccountRepo(pool)
}

func newApplicationRepository(pool *pgxpool.Pool) repository.ApplicationRepository {
	return repository.NewPostgresApplicationRepo(pool)
}

func newCodeRepository(pool *pgxpool.Pool) repository.CodeRepository {
	return repository.NewPostgresCodeRepo(pool)
}

func newTokenRepository(pool *pgxpool.Pool) repository.TokenRepository {
	return repository.NewPostgresTokenRepo(pool)
}

func newMagicLinkRepository(pool *pgxpool.Pool) repository.MagicLinkRepository {
	return repository.NewPostgresMagicLinkRepo(pool)
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) redis.UniversalClient {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		// CORS falls back to direct store reads without Redis.
		logger.Warn("redis unavailable, domains cache disabled", zap.Error(err))
		_ = client.Close()
		return nil
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}

func newDomainsCache(client redis.UniversalClient, apps repository.ApplicationRepository, cfg config.Config, logger *zap.Logger) *cacheadapter.DomainsCache {
	return cacheadapter.NewDomainsCache(client, apps, cfg.DomainCacheTTL, logger)
}

func newDomainSource(cache *cacheadapter.DomainsCache) apimiddleware.DomainSource {
	return cache
}

func newDomainInvalidator(cache *cacheadapter.DomainsCache) service.DomainInvalidator {
	return cache
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func newTokenGenerator(cfg config.Config) *jwt.Generator {
	return jwt.NewGenerator(cfg.JWTSecret, cfg.ServiceName, cfg.AccessTokenTTL)
}

func newMailer(logger *zap.Logger) service.Mailer {
	return service.NopMailer{Logger: logger}
}

func newDiscoveryService() *service.DiscoveryService {
	return &service.DiscoveryService{}
}

func newAuthMiddleware(generator *jwt.Generator) *httpmiddleware.Auth {
	return &httpmiddleware.Auth{JWT: generator, SessionCookie: "itb_session"}
}

func newHTTPServer(router *gin.Engine, logger *zap.Logger) *server.HTTPServer {
	return server.NewHTTPServer(router, logger)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
