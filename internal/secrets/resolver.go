// Package secrets resolves named secrets (JWT signing key, broker API
// credentials) through Vault's KV v2 engine when VAULT_ADDR is
// configured, falling back to the environment variable directly when
// it is not — Vault stays optional infrastructure the way pkg/vault
// and internal/keymanager treat it in the teacher. Grounded on
// pkg/vault/client.go's NewClient health/seal check and
// internal/keymanager/vault_client.go's authenticate/testConnection
// shape, trimmed to read-only resolution (no key rotation, no
// AppRole — this system has one static token per deployment).
package secrets

import (
	"context"
	"fmt"
	"os"
	"time"

	vault "github.com/hashicorp/vault/api"
)

// Config holds the env-driven Vault tunables spec.md §6 names
// (VAULT_ADDR, VAULT_TOKEN). Address empty means Vault is not
// configured and every Resolve call falls back to os.LookupEnv.
type Config struct {
	Address string
	Token   string
	// MountPath is the KV v2 mount secrets live under, e.g. "secret".
	MountPath string
}

// Resolver resolves named secrets from Vault, or from the process
// environment when Vault is unavailable.
type Resolver struct {
	client    *vault.Client
	mountPath string
}

// New connects to Vault and verifies it is unsealed. If cfg.Address is
// empty, New returns a Resolver with no Vault client — every Resolve
// call then falls through to the environment, matching spec.md §6's
// "falls back to the environment variable directly when Vault is not
// configured" requirement.
func New(cfg Config) (*Resolver, error) {
	if cfg.Address == "" {
		return &Resolver{}, nil
	}

	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = cfg.Address
	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := client.Sys().HealthWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("vault is not healthy: %w", err)
	}
	if health.Sealed {
		return nil, fmt.Errorf("vault is sealed")
	}

	mountPath := cfg.MountPath
	if mountPath == "" {
		mountPath = "secret"
	}
	return &Resolver{client: client, mountPath: mountPath}, nil
}

// Resolve returns the value stored at the KV v2 path
// "<mountPath>/data/<name>" under the "value" key, or — if no Vault
// client is configured, or the secret is absent — the environment
// variable named envFallback.
func (r *Resolver) Resolve(ctx context.Context, name, envFallback string) (string, error) {
	if r.client == nil {
		return r.fromEnv(name, envFallback)
	}

	path := fmt.Sprintf("%s/data/%s", r.mountPath, name)
	secret, err := r.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", fmt.Errorf("read secret %s: %w", name, err)
	}
	if secret == nil || secret.Data == nil {
		return r.fromEnv(name, envFallback)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("secret %s has an unexpected KV v2 shape", name)
	}
	value, ok := data["value"].(string)
	if !ok {
		return r.fromEnv(name, envFallback)
	}
	return value, nil
}

func (r *Resolver) fromEnv(name, envFallback string) (string, error) {
	if value, ok := os.LookupEnv(envFallback); ok {
		return value, nil
	}
	return "", fmt.Errorf("secret %s not found in vault and %s is unset", name, envFallback)
}

// JWTSigningKey resolves ENGINE_WS_JWT_SECRET, the HMAC key C7's
// websocket gateway uses to verify bearer tokens.
func (r *Resolver) JWTSigningKey(ctx context.Context) (string, error) {
	return r.Resolve(ctx, "engine-ws-jwt-secret", "ENGINE_WS_JWT_SECRET")
}

// AuthSecret resolves AUTH_SECRET, the shared secret the auth service
// signs session tokens with.
func (r *Resolver) AuthSecret(ctx context.Context) (string, error) {
	return r.Resolve(ctx, "auth-secret", "AUTH_SECRET")
}

// IsHealthy reports whether the underlying Vault connection (if any)
// is reachable and unsealed.
func (r *Resolver) IsHealthy() bool {
	if r.client == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	health, err := r.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return false
	}
	return health.Initialized && !health.Sealed
}
