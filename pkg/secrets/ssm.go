package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"conversation-engine/backend/pkg/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// ssmAPI is the part of *ssm.Client the manager needs.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type ssmSource struct {
	api    ssmAPI
	prefix string
}

// NewSSMManager reads secrets from Parameter Store under prefix, decrypting
// SecureString parameters.
func NewSSMManager(ctx context.Context, region, prefix string, ttl time.Duration, log *logger.Logger) (Manager, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("secrets: load aws config: %w", err)
	}
	return newSSMManager(ssm.NewFromConfig(cfg), prefix, ttl, log)
}

func newSSMManager(api ssmAPI, prefix string, ttl time.Duration, log *logger.Logger) (Manager, error) {
	if api == nil {
		return nil, errors.New("secrets: ssm api must not be nil")
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return newCachedManager(ProviderSSM, &ssmSource{api: api, prefix: prefix}, ttl, log), nil
}

func (s *ssmSource) lookup(ctx context.Context, key string) (string, error) {
	out, err := s.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.prefix + key),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var missing *types.ParameterNotFound
		if errors.As(err, &missing) {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("secrets: get parameter %q: %w", s.prefix+key, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", ErrSecretNotFound
	}
	return *out.Parameter.Value, nil
}
