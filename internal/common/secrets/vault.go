package secrets

import (
	"context"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// VaultProvider reads secrets from the KV v2 engine of a HashiCorp Vault
// server. Each key lives at <path>/<key> with the secret in the "value"
// field.
type VaultProvider struct {
	client *vault.Client
	path   string
}

// NewVaultProvider creates a HashiCorp Vault provider.
func NewVaultProvider(cfg *Config) (*VaultProvider, error) {
	if cfg.VaultAddr == "" {
		return nil, fmt.Errorf("%w: vault address is required", ErrProviderError)
	}

	vc := vault.DefaultConfig()
	vc.Address = cfg.VaultAddr

	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	if cfg.VaultToken != "" {
		client.SetToken(cfg.VaultToken)
	}
	if cfg.VaultNamespace != "" {
		client.SetNamespace(cfg.VaultNamespace)
	}

	path := cfg.VaultPath
	if path == "" {
		path = "secret/data/driftgate"
	}

	return &VaultProvider{
		client: client,
		path:   strings.TrimSuffix(path, "/"),
	}, nil
}

// Get retrieves the "value" field of the secret stored under the
// configured path.
func (p *VaultProvider) Get(ctx context.Context, key string) (string, error) {
	// The KVv2 helper prepends the mount and data segments itself.
	location := strings.TrimPrefix(p.path+"/"+key, "secret/data/")
	location = strings.TrimPrefix(location, "secret/")

	secret, err := p.client.KVv2("secret").Get(ctx, location)
	if err != nil {
		if strings.Contains(err.Error(), "secret not found") {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrProviderError, err)
	}
	if secret == nil || secret.Data == nil {
		return "", ErrSecretNotFound
	}

	if value, ok := secret.Data["value"].(string); ok {
		return value, nil
	}
	return "", ErrSecretNotFound
}

// Name returns the provider name
func (p *VaultProvider) Name() string {
	return "vault"
}
