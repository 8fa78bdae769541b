package secrets

import (
	"context"
	"errors"
	"testing"
	"time"

	"conversation-engine/backend/pkg/config"
	"conversation-engine/backend/pkg/logger"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	vault "github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSSM struct {
	values map[string]string
	calls  int
	err    error
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.values[*in.Name]
	if !ok {
		return nil, &types.ParameterNotFound{}
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: in.Name, Value: &v}}, nil
}

func TestSSMManagerCachesAndFallsBack(t *testing.T) {
	api := &fakeSSM{values: map[string]string{"/convo/jwt_secret": "from-ssm"}}
	m, err := newSSMManager(api, "/convo", time.Minute, logger.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	v, err := m.GetSecret(ctx, KeyJWTSecret)
	require.NoError(t, err)
	assert.Equal(t, "from-ssm", v)

	_, err = m.GetSecret(ctx, KeyJWTSecret)
	require.NoError(t, err)
	assert.Equal(t, 1, api.calls, "second read served from cache")

	t.Setenv("GATEWAY_WEBHOOK_SECRET", "from-env")
	v, err = m.GetSecret(ctx, KeyGatewaySecret)
	require.NoError(t, err)
	assert.Equal(t, "from-env", v)

	_, err = m.GetSecret(ctx, KeyRabbitURL)
	assert.ErrorIs(t, err, ErrSecretNotFound)
	assert.Equal(t, "amqp://fallback", m.GetSecretWithDefault(ctx, KeyRabbitURL, "amqp://fallback"))
}

func TestSSMManagerSurfacesBackendErrors(t *testing.T) {
	api := &fakeSSM{err: errors.New("throttled")}
	m, err := newSSMManager(api, "/convo/", time.Minute, logger.Nop())
	require.NoError(t, err)

	_, err = m.GetSecret(context.Background(), KeyJWTSecret)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSecretNotFound)
	assert.Contains(t, err.Error(), "/convo/jwt_secret")

	_, err = newSSMManager(nil, "", time.Minute, logger.Nop())
	assert.Error(t, err)
}

type fakeKV struct {
	data map[string]interface{}
	err  error
}

func (f *fakeKV) Get(_ context.Context, _ string) (*vault.KVSecret, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &vault.KVSecret{Data: f.data}, nil
}

func TestVaultManager(t *testing.T) {
	kv := &fakeKV{data: map[string]interface{}{"rabbitmq_url": "amqp://vault"}}
	m := newVaultManager(kv, VaultConfig{Path: "conversation-engine"}, logger.Nop())

	v, err := m.GetSecret(context.Background(), KeyRabbitURL)
	require.NoError(t, err)
	assert.Equal(t, "amqp://vault", v)

	t.Setenv("REDIS_PASSWORD", "from-env")
	v, err = m.GetSecret(context.Background(), KeyRedisPassword)
	require.NoError(t, err)
	assert.Equal(t, "from-env", v)

	missing := newVaultManager(&fakeKV{err: vault.ErrSecretNotFound}, VaultConfig{}, logger.Nop())
	assert.Equal(t, "dflt", missing.GetSecretWithDefault(context.Background(), KeyDBPassword, "dflt"))
}

func TestNewSelectsProvider(t *testing.T) {
	cfg := &config.Config{}
	m, err := New(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	t.Setenv("JWT_SECRET", "env-secret")
	assert.Equal(t, "env-secret", m.GetSecretWithDefault(context.Background(), KeyJWTSecret, ""))

	cfg.Secrets.Provider = ProviderVault
	_, err = New(context.Background(), cfg, logger.Nop())
	assert.ErrorIs(t, err, ErrNoVaultAddress)

	cfg.Secrets.Provider = "etcd"
	_, err = New(context.Background(), cfg, logger.Nop())
	assert.Error(t, err)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "GATEWAY_API_KEY", EnvKey("gateway-api.key"))
}
