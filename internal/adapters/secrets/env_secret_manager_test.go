package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEnvSecretManager_GetSecret(t *testing.T) {
	t.Setenv("PROVIDER_API_KEY", "cdp-key-123")

	mgr := NewEnvSecretManager(zap.NewNop())
	secret, err := mgr.GetSecret(context.Background(), "provider/api-key")
	require.NoError(t, err)
	assert.Equal(t, "cdp-key-123", secret.Value)
}

func TestEnvSecretManager_Missing(t *testing.T) {
	mgr := NewEnvSecretManager(zap.NewNop())
	_, err := mgr.GetSecret(context.Background(), "does/not/exist")
	require.Error(t, err)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "PROVIDER_API_KEY", envKey("provider/api-key"))
	assert.Equal(t, "DB_PASSWORD", envKey("db.password"))
}
