package ports

import "context"

// Secret represents a retrieved secret with metadata
type Secret struct {
	Value     string            // Secret value
	Version   string            // Secret version identifier
	CreatedAt string            // RFC3339 creation timestamp, when the backend reports one
	Metadata  map[string]string // Backend-specific metadata (ARN, lease info)
}

// SecretManagerAdapter defines the port for retrieving secrets from a
// secret management service. Supports multiple backends: AWS Secrets
// Manager, HashiCorp Vault, and plain environment variables for local
// development.
type SecretManagerAdapter interface {
	// GetSecret retrieves a secret by its path/name.
	//
	// Returns an error when the secret does not exist or the backend is
	// unreachable.
	GetSecret(ctx context.Context, path string) (*Secret, error)

	// Close releases backend resources (connections, cached leases).
	Close() error
}
