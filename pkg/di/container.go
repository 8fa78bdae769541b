package di

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"conversation-engine/backend/internal/closure"
	"conversation-engine/backend/internal/external"
	"conversation-engine/backend/internal/queue"
	"conversation-engine/backend/internal/repository"
	"conversation-engine/backend/internal/service"
	"conversation-engine/backend/internal/sweep"
	"conversation-engine/backend/pkg/cache"
	"conversation-engine/backend/pkg/config"
	"conversation-engine/backend/pkg/health"
	"conversation-engine/backend/pkg/jwt"
	"conversation-engine/backend/pkg/logger"
	"conversation-engine/backend/pkg/observability"
	"conversation-engine/backend/pkg/retry"
	"conversation-engine/backend/pkg/secrets"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Container holds all the dependencies for the application
type Container struct {
	Config         *config.Config
	Logger         *logger.Logger
	DB             *gorm.DB
	Secrets        secrets.Manager
	Metrics        *observability.Metrics
	MetricsHandler http.Handler
	JWTService     *jwt.Service
	GatewaySecret  string
	Health         *health.Checker

	Conversations repository.ConversationRepository
	Messages      repository.MessageRepository
	Queue         queue.Queue
	Redis         redis.UniversalClient

	Detector  *closure.Detector
	Lifecycle *service.Lifecycle
	Ingestor  *service.Ingestor
	// Followups is nil unless both the response generator and the gateway
	// are configured.
	Followups *service.Followups
	Sweeper   *sweep.Worker

	closers []func(context.Context) error
}

// New builds the object graph for service. On error everything opened so far
// is closed again.
func New(ctx context.Context, serviceName string, cfg *config.Config, log *logger.Logger) (_ *Container, err error) {
	c := &Container{Config: cfg, Logger: log}
	defer func() {
		if err != nil {
			c.Close(context.Background())
		}
	}()

	if c.Secrets, err = secrets.New(ctx, cfg, log); err != nil {
		return nil, err
	}
	applySecrets(ctx, cfg, c.Secrets)
	c.GatewaySecret = cfg.Security.GatewaySecret
	c.JWTService = jwt.NewService(cfg.JWT.Secret, cfg.JWT.Issuer, 0)

	shutdownTracing, err := observability.SetupTracing(serviceName, cfg.Server.Tracing)
	if err != nil {
		return nil, err
	}
	c.onClose(shutdownTracing)

	mp, handler, err := observability.SetupMetrics(serviceName)
	if err != nil {
		return nil, err
	}
	c.onClose(mp.Shutdown)
	c.MetricsHandler = handler
	if c.Metrics, err = observability.NewMetrics(mp.Meter(serviceName)); err != nil {
		return nil, err
	}

	if c.DB, err = config.NewDB(cfg, log); err != nil {
		return nil, err
	}
	c.onClose(func(context.Context) error {
		sqlDB, err := c.DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})
	if cfg.Database.AutoMigrate {
		if err = repository.Migrate(c.DB); err != nil {
			return nil, err
		}
	}
	c.Conversations = repository.NewGormConversationRepository(c.DB)
	c.Messages = repository.NewGormMessageRepository(c.DB)

	if cfg.Queue.Backend == config.QueueRedis || (cfg.Cache.Enabled && cfg.Cache.Backend == "redis") {
		c.Redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		c.onClose(func(context.Context) error { return c.Redis.Close() })
	}

	q, err := NewQueue(ctx, cfg, c.Redis, log)
	if err != nil {
		return nil, fmt.Errorf("di: open %s queue: %w", cfg.Queue.Backend, err)
	}
	c.Queue = q
	c.onClose(func(context.Context) error { return q.Close() })

	if c.Detector, err = newDetector(cfg); err != nil {
		return nil, err
	}

	policy := retry.Policy{
		MaxAttempts: cfg.Lifecycle.MaxLockRetries,
		BaseDelay:   cfg.Lifecycle.RetryBaseDelay,
		MaxDelay:    cfg.Lifecycle.RetryMaxDelay,
	}
	c.Lifecycle = service.NewLifecycle(c.Conversations, policy, log, c.Metrics)

	identity, err := c.newIdentity(ctx)
	if err != nil {
		return nil, err
	}
	c.Ingestor = service.NewIngestor(service.IngestorDeps{
		Messages:      c.Messages,
		Conversations: c.Conversations,
		Lifecycle:     c.Lifecycle,
		Detector:      c.Detector,
		Producer:      c.Queue,
		Identity:      identity,
		Policy:        policy,
		Logger:        log,
		Metrics:       c.Metrics,
	}, service.IngestConfig{
		Expiration:   cfg.Lifecycle.Expiration,
		RecentWindow: cfg.Closure.RecentWindow,
	})

	if err = c.newFollowups(ctx); err != nil {
		return nil, err
	}

	c.Sweeper = sweep.NewWorker(c.Conversations, c.Lifecycle, c.Queue, sweep.WorkerConfig{
		IdleTimeout:      cfg.Lifecycle.IdleTimeout,
		MaxBatch:         cfg.Sweep.BatchSize,
		MaxContinuations: cfg.Sweep.MaxContinuations,
	}, log, c.Metrics)

	c.Health = c.newHealth()
	return c, nil
}

func (c *Container) onClose(fn func(context.Context) error) {
	c.closers = append(c.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (c *Container) Close(ctx context.Context) error {
	var result *multierror.Error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	c.closers = nil
	return result.ErrorOrNil()
}

// applySecrets overrides credentials in cfg with values from the secrets
// provider, keeping the environment values as defaults.
func applySecrets(ctx context.Context, cfg *config.Config, sm secrets.Manager) {
	cfg.JWT.Secret = sm.GetSecretWithDefault(ctx, secrets.KeyJWTSecret, cfg.JWT.Secret)
	cfg.Security.GatewaySecret = sm.GetSecretWithDefault(ctx, secrets.KeyGatewaySecret, cfg.Security.GatewaySecret)
	cfg.Database.Password = sm.GetSecretWithDefault(ctx, secrets.KeyDBPassword, cfg.Database.Password)
	cfg.Redis.Password = sm.GetSecretWithDefault(ctx, secrets.KeyRedisPassword, cfg.Redis.Password)
	cfg.Queue.RabbitURL = sm.GetSecretWithDefault(ctx, secrets.KeyRabbitURL, cfg.Queue.RabbitURL)
}

func newDetector(cfg *config.Config) (*closure.Detector, error) {
	keywords := closure.DefaultKeywords()
	if cfg.Closure.KeywordsFile != "" {
		var err error
		if keywords, err = closure.LoadKeywords(cfg.Closure.KeywordsFile); err != nil {
			return nil, err
		}
	}
	return closure.New(closure.Config{
		SuspectThreshold: cfg.Closure.SuspectThreshold,
		CloseThreshold:   cfg.Closure.CloseThreshold,
		MinDuration:      cfg.Closure.MinDuration,
		Keywords:         keywords,
	}), nil
}

func (c *Container) clientConfig(ctx context.Context, name, baseURL, keyName string) external.ClientConfig {
	return external.ClientConfig{
		Name:             name,
		BaseURL:          baseURL,
		APIKey:           c.Secrets.GetSecretWithDefault(ctx, keyName, ""),
		Timeout:          c.Config.Services.Timeout,
		BreakerThreshold: uint(max(c.Config.Services.BreakerThreshold, 0)),
		BreakerReset:     c.Config.Services.BreakerReset,
	}
}

func (c *Container) newIdentity(ctx context.Context) (service.IdentityResolver, error) {
	cfg := c.Config
	if cfg.Services.IdentityURL == "" {
		c.Logger.Warn("identity provider not configured, conversations will carry no user identity")
		return nil, nil
	}

	client, err := external.NewIdentityClient(c.clientConfig(ctx, "identity", cfg.Services.IdentityURL, secrets.KeyIdentityAPIKey), c.Logger)
	if err != nil {
		return nil, err
	}
	if !cfg.Cache.Enabled {
		return client, nil
	}

	var store external.IdentityStore
	if cfg.Cache.Backend == "redis" {
		store = external.NewRedisIdentityStore(c.Redis)
	} else {
		mem := cache.New(cache.Options{DefaultTTL: cfg.Cache.TTL, CleanupInterval: time.Minute, MaxItems: 10000})
		c.onClose(func(context.Context) error { mem.Close(); return nil })
		store = external.NewMemoryIdentityStore(mem)
	}
	return external.NewCachedIdentity(client, store, cfg.Cache.TTL, c.Logger), nil
}

func (c *Container) newFollowups(ctx context.Context) error {
	cfg := c.Config
	if cfg.Services.ResponseGeneratorURL == "" || cfg.Services.GatewayURL == "" {
		c.Logger.Warn("response generator or gateway not configured, follow-up jobs will not be handled here")
		return nil
	}

	generator, err := external.NewResponseGenerator(c.clientConfig(ctx, "response-generator", cfg.Services.ResponseGeneratorURL, secrets.KeyGeneratorKey), c.Logger)
	if err != nil {
		return err
	}
	gateway, err := external.NewGateway(c.clientConfig(ctx, "gateway", cfg.Services.GatewayURL, secrets.KeyGatewayAPIKey), c.Logger)
	if err != nil {
		return err
	}

	c.Followups = service.NewFollowups(service.FollowupDeps{
		Ingestor:      c.Ingestor,
		Lifecycle:     c.Lifecycle,
		Messages:      c.Messages,
		Conversations: c.Conversations,
		Generator:     generator,
		Sender:        gateway,
		Producer:      c.Queue,
		Logger:        c.Logger,
	}, service.FollowupConfig{
		HistoryWindow: cfg.Services.HistoryWindow,
		MaxAttempts:   cfg.Queue.MaxAttempts,
	})
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (c *Container) newHealth() *health.Checker {
	checker := health.NewChecker(c.Logger, 15*time.Second)
	checker.RegisterPingCheck("database", true, func(ctx context.Context) error {
		return config.Ping(ctx, c.DB)
	})
	if p, ok := c.Queue.(pinger); ok {
		checker.RegisterPingCheck("queue", true, p.Ping)
	}
	if c.Redis != nil && c.Config.Queue.Backend != config.QueueRedis {
		checker.RegisterPingCheck("redis", false, func(ctx context.Context) error {
			return c.Redis.Ping(ctx).Err()
		})
	}
	return checker
}
