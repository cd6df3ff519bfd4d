package credcache

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
)

// EnvSecretStore is the minimal SecretStore a standalone binary can wire up
// without a managed secrets backend: secrets are read from environment
// variables on GetSecret, and SetSecret (used only by Cache's encryption-key
// bootstrap) holds process-local values since environment variables cannot
// be persisted back to the process's own environment block reliably across
// platforms.
type EnvSecretStore struct {
	prefix string

	mu        sync.Mutex
	bootstrap map[string]string
}

// NewEnvSecretStore creates an EnvSecretStore that looks up
// <prefix><UPPER_SNAKE_NAME> in the process environment.
func NewEnvSecretStore(prefix string) *EnvSecretStore {
	return &EnvSecretStore{prefix: prefix, bootstrap: make(map[string]string)}
}

func (e *EnvSecretStore) envName(name string) string {
	return e.prefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// GetSecret reads the named secret from the environment, falling back to a
// value previously bootstrapped via SetSecret.
func (e *EnvSecretStore) GetSecret(ctx context.Context, name string) (string, error) {
	if v, ok := os.LookupEnv(e.envName(name)); ok {
		return v, nil
	}
	e.mu.Lock()
	v, ok := e.bootstrap[name]
	e.mu.Unlock()
	if ok {
		return v, nil
	}
	return "", fmt.Errorf("credcache: secret %q not found in environment", name)
}

// SetSecret stores value in-process only, for the lifetime of this
// EnvSecretStore; it does not mutate the OS environment.
func (e *EnvSecretStore) SetSecret(ctx context.Context, name, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bootstrap[name] = value
	return nil
}
