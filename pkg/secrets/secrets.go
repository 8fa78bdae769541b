// Package secrets resolves credentials (broker URLs, the JWT signing key, the
// gateway webhook secret) from Vault, SSM Parameter Store or the environment.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"conversation-engine/backend/pkg/cache"
	"conversation-engine/backend/pkg/config"
	"conversation-engine/backend/pkg/logger"
)

// Provider names accepted by New.
const (
	ProviderEnv   = "env"
	ProviderVault = "vault"
	ProviderSSM   = "ssm"
)

// Well-known secret keys.
const (
	KeyJWTSecret      = "jwt_secret"
	KeyGatewaySecret  = "gateway_webhook_secret"
	KeyGatewayAPIKey  = "gateway_api_key"
	KeyGeneratorKey   = "response_generator_api_key"
	KeyIdentityAPIKey = "identity_api_key"
	KeyRabbitURL      = "rabbitmq_url"
	KeyRedisPassword  = "redis_password"
	KeyDBPassword     = "db_password"
)

var ErrSecretNotFound = errors.New("secret not found")

// Manager provides access to secrets from various sources
type Manager interface {
	GetSecret(ctx context.Context, key string) (string, error)
	GetSecretWithDefault(ctx context.Context, key, defaultValue string) string
}

// source is a single backend lookup; ErrSecretNotFound falls through to the
// environment.
type source interface {
	lookup(ctx context.Context, key string) (string, error)
}

// cachedManager fronts a source with a TTL cache and an environment fallback.
type cachedManager struct {
	name  string
	src   source
	cache *cache.Cache
	log   *logger.Logger
}

func newCachedManager(name string, src source, ttl time.Duration, log *logger.Logger) *cachedManager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &cachedManager{
		name:  name,
		src:   src,
		cache: cache.New(cache.Options{DefaultTTL: ttl, CleanupInterval: ttl}),
		log:   log,
	}
}

func (m *cachedManager) GetSecret(ctx context.Context, key string) (string, error) {
	if v, ok := m.cache.Get(key); ok {
		return v.(string), nil
	}

	var (
		value string
		err   = ErrSecretNotFound
	)
	if m.src != nil {
		value, err = m.src.lookup(ctx, key)
	}
	if errors.Is(err, ErrSecretNotFound) {
		if m.src != nil {
			m.log.Debug("secret not found in provider, falling back to environment", "provider", m.name, "key", key)
		}
		value, err = fromEnvironment(key)
	}
	if err != nil {
		return "", err
	}

	m.cache.Set(key, value)
	return value, nil
}

func (m *cachedManager) GetSecretWithDefault(ctx context.Context, key, defaultValue string) string {
	value, err := m.GetSecret(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrSecretNotFound) {
			m.log.Warn("failed to get secret, using default value", "provider", m.name, "key", key, "error", err.Error())
		}
		return defaultValue
	}
	return value
}

// EnvKey maps a secret key to its environment variable name.
func EnvKey(key string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", "/", "_").Replace(key))
}

func fromEnvironment(key string) (string, error) {
	value := os.Getenv(EnvKey(key))
	if value == "" {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	return value, nil
}

// NewEnvManager reads secrets from the environment only.
func NewEnvManager(log *logger.Logger) Manager {
	return newCachedManager(ProviderEnv, nil, time.Minute, log)
}

// New builds the manager selected by SECRETS_PROVIDER.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (Manager, error) {
	switch cfg.Secrets.Provider {
	case "", ProviderEnv:
		return NewEnvManager(log), nil
	case ProviderVault:
		return NewVaultManager(VaultConfig{
			Address:   cfg.Secrets.VaultAddr,
			Token:     cfg.Secrets.VaultToken,
			Namespace: cfg.Secrets.VaultNamespace,
			Mount:     cfg.Secrets.VaultMount,
			Path:      cfg.Secrets.VaultPath,
			CacheTTL:  cfg.Secrets.CacheTTL,
		}, log)
	case ProviderSSM:
		return NewSSMManager(ctx, cfg.Secrets.SSMRegion, cfg.Secrets.SSMPrefix, cfg.Secrets.CacheTTL, log)
	default:
		return nil, fmt.Errorf("secrets: unknown provider %q", cfg.Secrets.Provider)
	}
}
