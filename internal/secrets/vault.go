// Package secrets resolves operational credentials (currently the Redis
// password) from HashiCorp Vault, so an operator never has to hold the
// credential in plaintext config or environment.
package secrets

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/api"
)

// VaultClient reads secrets from Vault's KV v2 engine.
type VaultClient struct {
	client *api.Client
	mount  string
}

// NewVaultClient builds a client against addr, authenticating with token.
// The KV v2 engine is assumed mounted at "secret".
func NewVaultClient(addr, token string) (*VaultClient, error) {
	cfg := api.DefaultConfig()
	cfg.Address = addr
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("secrets: vault client: %w", err)
	}
	client.SetToken(token)
	return &VaultClient{client: client, mount: "secret"}, nil
}

// GetSecret retrieves the value stored under key at path.
func (v *VaultClient) GetSecret(ctx context.Context, path, key string) (string, error) {
	secret, err := v.client.KVv2(v.mount).Get(ctx, path)
	if err != nil {
		return "", fmt.Errorf("secrets: read %q: %w", path, err)
	}
	value, ok := secret.Data[key].(string)
	if !ok {
		return "", fmt.Errorf("secrets: key %q not found at %q", key, path)
	}
	return value, nil
}
