package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/kevin07696/billing-engine/internal/domain/ports"
)

// envSecretManager implements SecretManagerAdapter on top of environment
// variables. WARNING: this is for development only; use AWS Secrets
// Manager or Vault in production.
type envSecretManager struct {
	logger *zap.Logger
}

// NewEnvSecretManager creates a secret manager that reads secrets from
// environment variables. Paths are upper-cased with non-alphanumerics
// mapped to underscores ("provider/api-key" -> "PROVIDER_API_KEY").
func NewEnvSecretManager(logger *zap.Logger) ports.SecretManagerAdapter {
	return &envSecretManager{logger: logger}
}

func (m *envSecretManager) GetSecret(ctx context.Context, path string) (*ports.Secret, error) {
	key := envKey(path)

	m.logger.Debug("Reading secret from environment", zap.String("key", key))

	value := os.Getenv(key)
	if value == "" {
		return nil, fmt.Errorf("secret not found: %s", path)
	}

	return &ports.Secret{
		Value:    value,
		Version:  "v1",
		Metadata: map[string]string{"source": "env"},
	}, nil
}

func (m *envSecretManager) Close() error {
	return nil
}

func envKey(path string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, path)
	return strings.ToUpper(mapped)
}
