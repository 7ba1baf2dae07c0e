package secrets

import (
	"context"
	"fmt"
	"strings"
	"time"

	vault "github.com/hashicorp/vault/api"
	"go.uber.org/zap"

	"github.com/kevin07696/billing-engine/internal/domain/ports"
)

// VaultConfig contains configuration for HashiCorp Vault adapter
type VaultConfig struct {
	// Vault server address (e.g., "https://vault.example.com:8200")
	Address string

	// Token for token authentication
	Token string

	// Vault namespace (Vault Enterprise)
	Namespace string

	// KV v2 secrets engine mount path (default: "secret")
	MountPath string

	// Cache TTL
	CacheTTL time.Duration

	// Enable caching
	EnableCache bool

	// TLS configuration
	TLSSkipVerify bool
}

// DefaultVaultConfig returns default configuration for Vault adapter
func DefaultVaultConfig(address, token string) *VaultConfig {
	return &VaultConfig{
		Address:     address,
		Token:       token,
		MountPath:   "secret",
		CacheTTL:    5 * time.Minute,
		EnableCache: true,
	}
}

// vaultAdapter implements the SecretManagerAdapter port for HashiCorp Vault
type vaultAdapter struct {
	client *vault.Client
	config *VaultConfig
	logger *zap.Logger
	cache  *secretCache
}

// NewVaultAdapter creates a new HashiCorp Vault adapter
func NewVaultAdapter(ctx context.Context, cfg *VaultConfig, logger *zap.Logger) (ports.SecretManagerAdapter, error) {
	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSSkipVerify {
		tlsConfig := &vault.TLSConfig{
			Insecure: true,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	if cfg.Token == "" {
		return nil, fmt.Errorf("vault token is required")
	}
	client.SetToken(cfg.Token)

	logger.Info("Vault adapter initialized",
		zap.String("address", cfg.Address),
		zap.String("mount_path", cfg.MountPath),
	)

	return &vaultAdapter{
		client: client,
		config: cfg,
		logger: logger,
		cache: &secretCache{
			entries: make(map[string]*cacheEntry),
			enabled: cfg.EnableCache,
			ttl:     cfg.CacheTTL,
		},
	}, nil
}

// GetSecret retrieves a secret from the KV v2 engine. The path may
// optionally include a "#field" suffix to select one key of the secret
// data; without it, the "value" key is used.
func (a *vaultAdapter) GetSecret(ctx context.Context, path string) (*ports.Secret, error) {
	if cached := a.cache.get(path); cached != nil {
		a.logger.Debug("Secret retrieved from cache", zap.String("path", path))
		return cached, nil
	}

	secretPath, field := path, "value"
	if idx := strings.LastIndex(path, "#"); idx >= 0 {
		secretPath, field = path[:idx], path[idx+1:]
	}

	a.logger.Info("Retrieving secret from Vault", zap.String("path", secretPath))

	kv := a.client.KVv2(a.config.MountPath)
	result, err := kv.Get(ctx, secretPath)
	if err != nil {
		a.logger.Error("Failed to retrieve secret",
			zap.String("path", secretPath),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to get secret %s: %w", secretPath, err)
	}

	raw, ok := result.Data[field]
	if !ok {
		return nil, fmt.Errorf("secret %s has no field %q", secretPath, field)
	}
	value, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("secret %s field %q is not a string", secretPath, field)
	}

	secret := &ports.Secret{
		Value:    value,
		Version:  fmt.Sprintf("%d", result.VersionMetadata.Version),
		Metadata: map[string]string{"mount": a.config.MountPath},
	}
	if !result.VersionMetadata.CreatedTime.IsZero() {
		secret.CreatedAt = result.VersionMetadata.CreatedTime.Format(time.RFC3339)
	}

	a.cache.set(path, secret)

	return secret, nil
}

// Close is a no-op; the Vault client holds no persistent connections.
func (a *vaultAdapter) Close() error {
	return nil
}
