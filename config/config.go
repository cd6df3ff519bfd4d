// Package config implements the configuration types described in
// SPEC_FULL.md section 3's ambient stack: the core's knobs grouped by the
// component they configure, each validated at startup the way the teacher's
// config.Config.Validate did for the restore operation. Hot reload and the
// YAML/environment-variable merge that produces these values are out of
// core scope per spec.md section 6; this package only validates the fully
// resolved result.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// S3Config configures the S3Source component (section 4.6).
type S3Config struct {
	Bucket             string
	Prefix             string
	Region             string
	MaxInflightFetches int
	MaxKeysPerList     int32
}

// Validate checks that S3Config has everything S3Source needs to list and
// fetch objects.
func (c S3Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("config: s3 bucket is required")
	}
	if c.Region == "" {
		return fmt.Errorf("config: s3 region is required")
	}
	if c.MaxInflightFetches < 1 {
		return fmt.Errorf("config: s3 max inflight fetches must be at least 1")
	}
	if c.MaxKeysPerList < 1 {
		return fmt.Errorf("config: s3 max keys per list must be at least 1")
	}
	return nil
}

// SentinelConfig configures the SentinelSink component (section 4.7) and
// its outbound DCR endpoint (section 6).
type SentinelConfig struct {
	Endpoint             string
	RuleID               string
	StreamName           string
	TenantID             string
	ClientID             string
	ClientSecret         string
	MaxConcurrentBatches int
	DataClassification   string
}

// Validate checks that SentinelConfig carries enough to construct an
// HTTPIngestionClient and a Sink.
func (c SentinelConfig) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("config: sentinel endpoint is required")
	}
	if !strings.HasPrefix(c.Endpoint, "https://") {
		return fmt.Errorf("config: sentinel endpoint must use https")
	}
	if c.RuleID == "" {
		return fmt.Errorf("config: sentinel rule id is required")
	}
	if c.StreamName == "" {
		return fmt.Errorf("config: sentinel stream name is required")
	}
	if c.TenantID == "" || c.ClientID == "" || c.ClientSecret == "" {
		return fmt.Errorf("config: sentinel AAD tenant/client id/client secret are all required")
	}
	if c.MaxConcurrentBatches < 1 {
		return fmt.Errorf("config: sentinel max concurrent batches must be at least 1")
	}
	return nil
}

// CredentialConfig configures the CredentialCache component (section 4.4).
type CredentialConfig struct {
	CacheDuration       time.Duration
	EnableEncryption    bool
	EncryptionKeyName   string
	FailureThreshold    int
	RecoveryTimeout     time.Duration
	SuccessThreshold    int
	HalfOpenMaxInflight int
	OperationTimeout    time.Duration
}

// Validate checks CredentialConfig's breaker and cache knobs are sane.
func (c CredentialConfig) Validate() error {
	if c.CacheDuration <= 0 {
		return fmt.Errorf("config: credential cache duration must be positive")
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("config: credential breaker failure threshold must be at least 1")
	}
	if c.RecoveryTimeout <= 0 {
		return fmt.Errorf("config: credential breaker recovery timeout must be positive")
	}
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("config: credential breaker operation timeout must be positive")
	}
	return nil
}

// RateLimiterConfig configures the shared token-bucket RateLimiter
// (section 4.1).
type RateLimiterConfig struct {
	Rate     float64
	Capacity float64
}

// Validate checks RateLimiterConfig per section 4.1's constructor contract.
func (c RateLimiterConfig) Validate() error {
	if c.Rate <= 0 {
		return fmt.Errorf("config: rate limiter rate must be positive")
	}
	return nil
}

// CircuitBreakerConfig configures the Sentinel-facing CircuitBreaker
// (section 4.2).
type CircuitBreakerConfig struct {
	FailureThreshold    int
	RecoveryTimeout     time.Duration
	SuccessThreshold    int
	HalfOpenMaxInflight int
	MinCallsBeforeOpen  int
	OperationTimeout    time.Duration
}

// Validate checks CircuitBreakerConfig against section 4.2's required
// parameters.
func (c CircuitBreakerConfig) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("config: circuit breaker failure threshold must be at least 1")
	}
	if c.RecoveryTimeout <= 0 {
		return fmt.Errorf("config: circuit breaker recovery timeout must be positive")
	}
	if c.SuccessThreshold < 1 {
		return fmt.Errorf("config: circuit breaker success threshold must be at least 1")
	}
	if c.HalfOpenMaxInflight < 1 {
		return fmt.Errorf("config: circuit breaker half-open max inflight must be at least 1")
	}
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("config: circuit breaker operation timeout must be positive")
	}
	return nil
}

// RetryConfig configures the RetryController (section 4.3), used for S3
// listing/fetch retries. The Sentinel upload client runs its own fixed
// retry loop and does not read this config.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     float64
}

// Validate checks RetryConfig's backoff parameters are sane.
func (c RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: retry max retries cannot be negative")
	}
	if c.BaseDelay <= 0 {
		return fmt.Errorf("config: retry base delay must be positive")
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("config: retry max delay must be >= base delay")
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		return fmt.Errorf("config: retry jitter must be in [0,1]")
	}
	return nil
}

// FailedBatchConfig configures the FailedBatchStore (section 4.9): an S3
// URI, a local directory, or both, in which case the S3 URI is used.
type FailedBatchConfig struct {
	ContainerName string // not defaulted and not read by any component
	S3URI         string // s3://bucket/prefix, preferred backend
	LocalDir      string // fallback backend when S3URI is empty
}

// Validate checks that at least one backend is configured and that the S3
// URI, if set, uses the s3:// scheme.
func (c FailedBatchConfig) Validate() error {
	if c.S3URI == "" && c.LocalDir == "" {
		return fmt.Errorf("config: failed-batch store needs either an S3 URI or a local directory")
	}
	if c.S3URI != "" {
		u, err := url.Parse(c.S3URI)
		if err != nil || u.Scheme != "s3" {
			return fmt.Errorf("config: failed-batch S3 URI must be a valid s3:// URI")
		}
	}
	return nil
}

// WatermarkConfig configures where PipelineRunner persists its
// per-(bucket,prefix) high-water mark (section 3). An empty value means
// in-memory only: a cold start reprocesses recent objects, per spec.md
// section 3's Watermark lifecycle note.
type WatermarkConfig struct {
	S3URI    string
	LocalDir string
}

// PipelineConfig is the fully resolved configuration for one PipelineRunner,
// composing every component's config (section 4.8).
type PipelineConfig struct {
	LogType         string // selects the TableConfig/LogParser pairing for this source
	PollInterval    time.Duration
	ShutdownTimeout time.Duration

	S3          S3Config
	Sentinel    SentinelConfig
	Credential  CredentialConfig
	RateLimit   RateLimiterConfig
	Breaker     CircuitBreakerConfig
	Retry       RetryConfig
	FailedBatch FailedBatchConfig
	Watermark   WatermarkConfig
}

// Validate validates every sub-config and the top-level knobs, per section
// 7's "fatal to the process only: configuration invalid at startup".
func (c PipelineConfig) Validate() error {
	if c.LogType == "" {
		return fmt.Errorf("config: log type is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: poll interval must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("config: shutdown timeout must be positive")
	}
	if err := c.S3.Validate(); err != nil {
		return err
	}
	if err := c.Sentinel.Validate(); err != nil {
		return err
	}
	if err := c.Credential.Validate(); err != nil {
		return err
	}
	if err := c.RateLimit.Validate(); err != nil {
		return err
	}
	if err := c.Breaker.Validate(); err != nil {
		return err
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	if err := c.FailedBatch.Validate(); err != nil {
		return err
	}
	return nil
}
