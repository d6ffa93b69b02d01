package container

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	_ "github.com/danielgtaylor/huma/v2/formats/cbor" // CBOR format support for huma
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jaevor/go-nanoid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/samber/do"
	"github.com/serroba/ratelimit-service/internal/audit"
	"github.com/serroba/ratelimit-service/internal/handlers"
	"github.com/serroba/ratelimit-service/internal/health"
	"github.com/serroba/ratelimit-service/internal/metrics"
	"github.com/serroba/ratelimit-service/internal/middleware"
	"github.com/serroba/ratelimit-service/internal/ratelimit"
	"github.com/serroba/ratelimit-service/internal/store"
	"go.uber.org/zap"
)

const (
	requestIDLength = 21
	auditQueueSize  = 256
)

type Options struct {
	Port                 int    `default:"8888"            help:"Port to listen on"                                       short:"p"`
	RedisAddr            string `default:"localhost:6379"  help:"Redis server address"                                    short:"r"`
	PostgresDSN          string `default:""                help:"PostgreSQL DSN for denial history, empty disables it"`
	LogFormat            string `default:"console"         help:"Log format: console or json"`
	CleanupInterval      int    `default:"60"              help:"Seconds between rate limit sweeps, 0 disables the sweeper"`
	AuditEventsPerSecond int    `default:"50"              help:"Denial events published per second, 0 for unlimited"`
	ConsumerGroup        string `default:"ratelimit-audit" help:"Redis stream consumer group for the audit consumer"`
	UserHeader           string `default:""                help:"Header carrying the authenticated user ID, set only behind a proxy that overwrites it"`
	AdminToken           string `default:""                help:"Bearer token for the admin API, empty disables the admin routes"`
}

// RedisClient owns the shared Redis connection so the injector can close it.
type RedisClient struct {
	*redis.Client
}

func (c *RedisClient) Shutdown() error {
	return c.Close()
}

// PostgresPool owns the PostgreSQL pool. Pool is nil when no DSN is configured.
type PostgresPool struct {
	Pool *pgxpool.Pool
}

func (p *PostgresPool) Shutdown() error {
	if p.Pool != nil {
		p.Pool.Close()
	}

	return nil
}

func LoggerPackage(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*zap.Logger, error) {
		opts := do.MustInvoke[*Options](i)

		if opts.LogFormat == "json" {
			return zap.NewProduction()
		}

		return zap.NewDevelopment()
	})
}

func RedisPackage(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*RedisClient, error) {
		opts := do.MustInvoke[*Options](i)

		return &RedisClient{Client: redis.NewClient(&redis.Options{Addr: opts.RedisAddr})}, nil
	})
}

func PostgresPackage(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*PostgresPool, error) {
		opts := do.MustInvoke[*Options](i)
		logger := do.MustInvoke[*zap.Logger](i)

		if opts.PostgresDSN == "" {
			logger.Info("postgres disabled, denial history will not be stored")

			return &PostgresPool{}, nil
		}

		pool, err := pgxpool.New(context.Background(), opts.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}

		return &PostgresPool{Pool: pool}, nil
	})
}

func MetricsPackage(i *do.Injector) {
	do.Provide(i, func(_ *do.Injector) (*prometheus.Registry, error) {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		return reg, nil
	})

	do.Provide(i, func(i *do.Injector) (*metrics.Metrics, error) {
		return metrics.New(do.MustInvoke[*prometheus.Registry](i))
	})
}

func RateLimitPackage(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*ratelimit.RateLimiter, error) {
		opts := do.MustInvoke[*Options](i)
		logger := do.MustInvoke[*zap.Logger](i)
		m := do.MustInvoke[*metrics.Metrics](i)

		policy := ratelimit.DefaultPolicy()
		if err := policy.Validate(); err != nil {
			return nil, err
		}

		return ratelimit.NewRateLimiter(
			store.NewRateLimitMemoryStore(),
			policy,
			ratelimit.WithCleanupInterval(time.Duration(opts.CleanupInterval)*time.Second),
			ratelimit.WithObserver(m),
			ratelimit.WithLogger(logger),
		), nil
	})
}

// AuditPackage provides the denial store and the denial publisher.
func AuditPackage(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (audit.Store, error) {
		logger := do.MustInvoke[*zap.Logger](i)
		pg := do.MustInvoke[*PostgresPool](i)

		if pg.Pool == nil {
			return audit.NewNoop(logger), nil
		}

		s := store.NewPostgresDenialStore(pg.Pool)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.EnsureSchema(ctx); err != nil {
			return nil, err
		}

		return s, nil
	})

	do.Provide(i, func(i *do.Injector) (*audit.Publisher, error) {
		opts := do.MustInvoke[*Options](i)
		logger := do.MustInvoke[*zap.Logger](i)
		client := do.MustInvoke[*RedisClient](i)
		m := do.MustInvoke[*metrics.Metrics](i)

		pub, err := redisstream.NewPublisher(redisstream.PublisherConfig{
			Client:     client.Client,
			Marshaller: redisstream.DefaultMarshallerUnmarshaller{},
		}, audit.NewZapLoggerAdapter(logger))
		if err != nil {
			return nil, fmt.Errorf("create denial publisher: %w", err)
		}

		return audit.NewPublisher(pub,
			audit.WithThrottle(float64(opts.AuditEventsPerSecond), opts.AuditEventsPerSecond),
			audit.WithOnDropped(m.ObserveDroppedEvent),
			audit.WithQueue(auditQueueSize),
			audit.WithLogger(logger),
		), nil
	})
}

func ConsumerPackage(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*audit.Consumer, error) {
		opts := do.MustInvoke[*Options](i)
		logger := do.MustInvoke[*zap.Logger](i)
		client := do.MustInvoke[*RedisClient](i)
		denials := do.MustInvoke[audit.Store](i)

		sub, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
			Client:        client.Client,
			Unmarshaller:  redisstream.DefaultMarshallerUnmarshaller{},
			ConsumerGroup: opts.ConsumerGroup,
		}, audit.NewZapLoggerAdapter(logger))
		if err != nil {
			return nil, fmt.Errorf("create denial subscriber: %w", err)
		}

		return audit.NewConsumer(sub, denials, logger), nil
	})
}

func HTTPPackage(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*chi.Mux, error) {
		m := do.MustInvoke[*metrics.Metrics](i)

		router := chi.NewMux()
		router.Handle("/metrics", m.Handler())

		return router, nil
	})

	do.Provide(i, func(i *do.Injector) (huma.API, error) {
		opts := do.MustInvoke[*Options](i)
		logger := do.MustInvoke[*zap.Logger](i)
		router := do.MustInvoke[*chi.Mux](i)
		m := do.MustInvoke[*metrics.Metrics](i)
		limiter := do.MustInvoke[*ratelimit.RateLimiter](i)
		publisher := do.MustInvoke[*audit.Publisher](i)
		denials := do.MustInvoke[audit.Store](i)
		client := do.MustInvoke[*RedisClient](i)
		pg := do.MustInvoke[*PostgresPool](i)

		newID, err := nanoid.Standard(requestIDLength)
		if err != nil {
			return nil, fmt.Errorf("create request id generator: %w", err)
		}

		api := humachi.New(router, huma.DefaultConfig("Rate Limit Service", "1.0.0"))
		api.UseMiddleware(m.Middleware())
		api.UseMiddleware(middleware.RequestMeta(api, newID))

		// The user header is client supplied unless a proxy overwrites it.
		limitOpts := []middleware.RateLimitOption{middleware.WithDenialPublisher(publisher)}
		if opts.UserHeader != "" {
			limitOpts = append(limitOpts, middleware.WithUserID(middleware.UserIDFromHeader(opts.UserHeader)))
		}

		api.UseMiddleware(middleware.RateLimiter(api, limiter, ratelimit.NewOperationResolver(), logger, limitOpts...))

		var postgres health.Checker
		if pg.Pool != nil {
			postgres = health.NewPostgresChecker(pg.Pool)
		}

		health.RegisterRoutes(api, health.NewHandler(health.NewRedisChecker(client.Client), postgres, limiter))
		handlers.RegisterRoutes(api, handlers.NewAdminHandler(limiter, denials, logger), opts.AdminToken)

		if opts.AdminToken == "" {
			logger.Info("admin token not set, admin routes disabled")
		}

		return api, nil
	})
}
