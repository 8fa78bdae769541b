package secrets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"conversation-engine/backend/pkg/logger"

	vault "github.com/hashicorp/vault/api"
)

var (
	ErrNoVaultToken   = errors.New("no vault token provided")
	ErrNoVaultAddress = errors.New("no vault address provided")
)

// VaultConfig holds configuration for the Vault client
type VaultConfig struct {
	Address    string
	Token      string
	Namespace  string
	Mount      string
	Path       string
	Timeout    time.Duration
	MaxRetries int
	CacheTTL   time.Duration
}

// kvReader is satisfied by *vault.KVv2.
type kvReader interface {
	Get(ctx context.Context, secretPath string) (*vault.KVSecret, error)
}

type vaultSource struct {
	kv   kvReader
	path string
	log  *logger.Logger
}

// NewVaultManager reads secrets stored as fields of one KV v2 secret
func NewVaultManager(cfg VaultConfig, log *logger.Logger) (Manager, error) {
	if cfg.Address == "" {
		return nil, ErrNoVaultAddress
	}
	if cfg.Token == "" {
		return nil, ErrNoVaultToken
	}
	if cfg.Mount == "" {
		cfg.Mount = "secret"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = cfg.Address
	vaultConfig.Timeout = cfg.Timeout
	vaultConfig.MaxRetries = cfg.MaxRetries

	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	return newVaultManager(client.KVv2(cfg.Mount), cfg, log), nil
}

func newVaultManager(kv kvReader, cfg VaultConfig, log *logger.Logger) Manager {
	return newCachedManager(ProviderVault, &vaultSource{kv: kv, path: cfg.Path, log: log}, cfg.CacheTTL, log)
}

func (s *vaultSource) lookup(ctx context.Context, key string) (string, error) {
	secret, err := s.kv.Get(ctx, s.path)
	if err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			return "", ErrSecretNotFound
		}
		s.log.Error("failed to read secret from Vault", "path", s.path, "error", err.Error())
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", ErrSecretNotFound
	}

	value, ok := secret.Data[key].(string)
	if !ok {
		return "", ErrSecretNotFound
	}
	return value, nil
}
