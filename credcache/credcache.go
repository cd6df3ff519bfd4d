// Package credcache implements the read-through credential cache described
// in section 4.4 of the design specification, grounded on
// original_source/src/security/credential_manager.py's CredentialManager:
// a cache-first lookup backed by a pluggable secret store, protected by a
// circuit breaker, with stale-cache fallback when the breaker is open and
// AES-GCM at-rest encryption of cached values.
package credcache

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gurre/s3sentinel/breaker"
	"github.com/gurre/s3sentinel/pipelineerr"
)

// SecretStore abstracts the remote secret backend (Azure Key Vault in the
// original, any KMS/secrets-manager equivalent here).
type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
	SetSecret(ctx context.Context, name, value string) error
}

// entry is a single cached, possibly-encrypted credential value.
type entry struct {
	ciphertext string // base64, empty when encryption disabled
	plaintext  string // used directly when encryption disabled
	fetchedAt  time.Time
}

// Config configures a Cache.
type Config struct {
	CacheDuration       time.Duration
	EnableEncryption    bool
	EncryptionKeyName   string // secret name holding the AES-256 key, bootstrapped if absent
	BreakerName         string
	FailureThreshold    int
	RecoveryTimeout     time.Duration
	SuccessThreshold    int
	HalfOpenMaxInflight int
	OperationTimeout    time.Duration
}

// Cache is a read-through, encrypting, circuit-breaker-protected credential
// cache over a SecretStore.
type Cache struct {
	store  SecretStore
	cfg    Config
	brk    *breaker.Breaker
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]entry
	gcm     cipher.AEAD // nil until encryption key is loaded
}

// New constructs a Cache. The encryption key is fetched lazily on first use,
// not at construction time, matching the original's _ensure_encryption.
func New(store SecretStore, cfg Config, logger *slog.Logger) *Cache {
	if cfg.EncryptionKeyName == "" {
		cfg.EncryptionKeyName = "credential-encryption-key"
	}
	if logger == nil {
		logger = slog.Default()
	}
	brk := breaker.New(breaker.Config{
		Name:                cfg.BreakerName,
		FailureThreshold:    cfg.FailureThreshold,
		RecoveryTimeout:     cfg.RecoveryTimeout,
		SuccessThreshold:    cfg.SuccessThreshold,
		HalfOpenMaxInflight: cfg.HalfOpenMaxInflight,
		OperationTimeout:    cfg.OperationTimeout,
	})
	return &Cache{
		store:   store,
		cfg:     cfg,
		brk:     brk,
		logger:  logger,
		entries: make(map[string]entry),
	}
}

// Get returns the named credential, consulting the cache first unless
// forceRefresh is set. On a circuit-open error from the store it falls back
// to a stale cached value if one exists, logging a warning, matching the
// original's get_credential fallback behavior.
func (c *Cache) Get(ctx context.Context, name string, forceRefresh bool) (string, error) {
	if !forceRefresh {
		if v, ok := c.getFresh(name); ok {
			return v, nil
		}
	}

	var fetched string
	err := c.brk.Call(ctx, func(ctx context.Context) error {
		v, err := c.store.GetSecret(ctx, name)
		if err != nil {
			return err
		}
		fetched = v
		return nil
	})
	if err != nil {
		var circuitOpen *pipelineerr.CircuitOpenError
		if errors.As(err, &circuitOpen) {
			c.logger.Warn("credential store circuit open, checking stale cache", "credential", name, "error", err)
			if v, ok := c.getStale(name); ok {
				c.logger.Info("using stale cached credential while circuit is open", "credential", name)
				return v, nil
			}
			return "", err
		}
		if errors.Is(err, pipelineerr.ErrTimeout) {
			return "", &pipelineerr.RetryableError{Cause: fmt.Errorf("credential store timeout for %s: %w", name, err)}
		}
		return "", err
	}

	if err := c.ensureEncryption(ctx); err != nil {
		c.logger.Error("failed to initialize cache encryption, caching in plaintext", "error", err)
	}
	c.put(name, fetched)
	return fetched, nil
}

// Set writes a new value to the remote store (through the breaker) and
// updates the local cache, mirroring rotate_credential.
func (c *Cache) Set(ctx context.Context, name, value string) error {
	err := c.brk.Call(ctx, func(ctx context.Context) error {
		return c.store.SetSecret(ctx, name, value)
	})
	if err != nil {
		return err
	}
	if err := c.ensureEncryption(ctx); err != nil {
		c.logger.Error("failed to initialize cache encryption, caching in plaintext", "error", err)
	}
	c.put(name, value)
	return nil
}

func (c *Cache) getFresh(name string) (string, bool) {
	c.mu.Lock()
	e, ok := c.entries[name]
	c.mu.Unlock()
	if !ok {
		return "", false
	}
	if time.Since(e.fetchedAt) >= c.cfg.CacheDuration {
		return "", false
	}
	return c.decrypt(name, e)
}

func (c *Cache) getStale(name string) (string, bool) {
	c.mu.Lock()
	e, ok := c.entries[name]
	c.mu.Unlock()
	if !ok {
		return "", false
	}
	return c.decrypt(name, e)
}

func (c *Cache) decrypt(name string, e entry) (string, bool) {
	if !c.cfg.EnableEncryption || e.ciphertext == "" {
		return e.plaintext, e.plaintext != "" || !c.cfg.EnableEncryption
	}
	c.mu.Lock()
	gcm := c.gcm
	c.mu.Unlock()
	if gcm == nil {
		return "", false
	}
	raw, err := base64.StdEncoding.DecodeString(e.ciphertext)
	if err != nil {
		c.logger.Warn("cached credential corrupt, refetching", "credential", name, "error", err)
		return "", false
	}
	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", false
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		c.logger.Warn("cached credential decrypt failed, refetching", "credential", name, "error", err)
		return "", false
	}
	return string(plain), true
}

func (c *Cache) put(name, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.EnableEncryption && c.gcm != nil {
		nonce := make([]byte, c.gcm.NonceSize())
		if _, err := rand.Read(nonce); err == nil {
			sealed := c.gcm.Seal(nonce, nonce, []byte(value), nil)
			c.entries[name] = entry{ciphertext: base64.StdEncoding.EncodeToString(sealed), fetchedAt: time.Now()}
			return
		}
	}
	c.entries[name] = entry{plaintext: value, fetchedAt: time.Now()}
}

// ensureEncryption lazily fetches (or bootstraps) the AES-256 key used to
// encrypt cached values and builds the AEAD cipher once.
func (c *Cache) ensureEncryption(ctx context.Context) error {
	if !c.cfg.EnableEncryption {
		return nil
	}
	c.mu.Lock()
	ready := c.gcm != nil
	c.mu.Unlock()
	if ready {
		return nil
	}

	keyStr, err := c.store.GetSecret(ctx, c.cfg.EncryptionKeyName)
	if err != nil {
		key, genErr := generateKey()
		if genErr != nil {
			return fmt.Errorf("credcache: generate encryption key: %w", genErr)
		}
		keyStr = base64.StdEncoding.EncodeToString(key)
		if setErr := c.store.SetSecret(ctx, c.cfg.EncryptionKeyName, keyStr); setErr != nil {
			return fmt.Errorf("credcache: bootstrap encryption key: %w", setErr)
		}
	}

	key, err := base64.StdEncoding.DecodeString(keyStr)
	if err != nil || len(key) != 32 {
		return fmt.Errorf("credcache: encryption key must be 32 bytes base64-encoded")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("credcache: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("credcache: gcm: %w", err)
	}

	c.mu.Lock()
	c.gcm = gcm
	c.mu.Unlock()
	return nil
}

func generateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}
