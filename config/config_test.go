package config

import (
	"testing"
	"time"
)

func validPipelineConfig() PipelineConfig {
	return PipelineConfig{
		LogType:         "firewall",
		PollInterval:    time.Minute,
		ShutdownTimeout: 30 * time.Second,
		S3: S3Config{
			Bucket:             "test-bucket",
			Prefix:             "logs/",
			Region:             "us-west-2",
			MaxInflightFetches: 4,
			MaxKeysPerList:     1000,
		},
		Sentinel: SentinelConfig{
			Endpoint:             "https://example-dce.westus2-1.ingest.monitor.azure.com",
			RuleID:               "dcr-0123456789abcdef",
			StreamName:           "Custom-Firewall",
			TenantID:             "tenant-id",
			ClientID:             "client-id",
			ClientSecret:         "client-secret",
			MaxConcurrentBatches: 4,
		},
		Credential: CredentialConfig{
			CacheDuration:    5 * time.Minute,
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
			OperationTimeout: 5 * time.Second,
		},
		RateLimit: RateLimiterConfig{Rate: 10, Capacity: 20},
		Breaker: CircuitBreakerConfig{
			FailureThreshold:    5,
			RecoveryTimeout:     30 * time.Second,
			SuccessThreshold:    2,
			HalfOpenMaxInflight: 1,
			OperationTimeout:    10 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  time.Second,
			MaxDelay:   30 * time.Second,
			Jitter:     0.2,
		},
		FailedBatch: FailedBatchConfig{LocalDir: "/tmp/failed-batches"},
	}
}

func TestValidPipelineConfig(t *testing.T) {
	cfg := validPipelineConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config to pass validation, got: %v", err)
	}
}

func TestMissingLogType(t *testing.T) {
	cfg := validPipelineConfig()
	cfg.LogType = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing log type")
	}
}

func TestInvalidPollInterval(t *testing.T) {
	cfg := validPipelineConfig()
	cfg.PollInterval = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for non-positive poll interval")
	}
}

func TestS3ConfigValidation(t *testing.T) {
	base := validPipelineConfig().S3
	cases := []struct {
		name   string
		mutate func(*S3Config)
	}{
		{"missing bucket", func(c *S3Config) { c.Bucket = "" }},
		{"missing region", func(c *S3Config) { c.Region = "" }},
		{"zero inflight", func(c *S3Config) { c.MaxInflightFetches = 0 }},
		{"zero max keys", func(c *S3Config) { c.MaxKeysPerList = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected error for %s", tc.name)
			}
		})
	}
}

func TestSentinelConfigValidation(t *testing.T) {
	base := validPipelineConfig().Sentinel
	cases := []struct {
		name   string
		mutate func(*SentinelConfig)
	}{
		{"missing endpoint", func(c *SentinelConfig) { c.Endpoint = "" }},
		{"http endpoint", func(c *SentinelConfig) { c.Endpoint = "http://insecure" }},
		{"missing rule id", func(c *SentinelConfig) { c.RuleID = "" }},
		{"missing stream name", func(c *SentinelConfig) { c.StreamName = "" }},
		{"missing client secret", func(c *SentinelConfig) { c.ClientSecret = "" }},
		{"zero concurrency", func(c *SentinelConfig) { c.MaxConcurrentBatches = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected error for %s", tc.name)
			}
		})
	}
}

func TestFailedBatchConfigValidation(t *testing.T) {
	if err := (FailedBatchConfig{}).Validate(); err == nil {
		t.Error("expected error when neither S3URI nor LocalDir is set")
	}
	if err := (FailedBatchConfig{S3URI: "not-a-uri"}).Validate(); err == nil {
		t.Error("expected error for invalid S3 URI")
	}
	if err := (FailedBatchConfig{S3URI: "s3://bucket/prefix"}).Validate(); err != nil {
		t.Errorf("expected valid S3 URI to pass, got: %v", err)
	}
	if err := (FailedBatchConfig{LocalDir: "/tmp/x"}).Validate(); err != nil {
		t.Errorf("expected valid local dir to pass, got: %v", err)
	}
}

func TestRetryConfigValidation(t *testing.T) {
	base := validPipelineConfig().Retry
	cases := []struct {
		name   string
		mutate func(*RetryConfig)
	}{
		{"negative retries", func(c *RetryConfig) { c.MaxRetries = -1 }},
		{"zero base delay", func(c *RetryConfig) { c.BaseDelay = 0 }},
		{"max less than base", func(c *RetryConfig) { c.MaxDelay = c.BaseDelay / 2 }},
		{"jitter too high", func(c *RetryConfig) { c.Jitter = 1.5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected error for %s", tc.name)
			}
		})
	}
}
