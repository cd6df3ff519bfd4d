// Package main implements the command-line interface for the pipeline
// runner, in the spirit of the teacher's cmd/ddb-pitr flag-driven restore
// command: parse flags into a config.PipelineConfig, validate, wire
// components, and run one of three subcommands.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/gurre/s3sentinel/awsiface"
	"github.com/gurre/s3sentinel/breaker"
	"github.com/gurre/s3sentinel/config"
	"github.com/gurre/s3sentinel/credcache"
	"github.com/gurre/s3sentinel/failedbatch"
	"github.com/gurre/s3sentinel/logparser"
	"github.com/gurre/s3sentinel/pipeline"
	"github.com/gurre/s3sentinel/ratelimiter"
	"github.com/gurre/s3sentinel/retry"
	"github.com/gurre/s3sentinel/s3source"
	"github.com/gurre/s3sentinel/sentinelsink"
	"github.com/gurre/s3sentinel/watermark"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: s3sentinel <run|run-once|replay-failed> [flags]")
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCommand(os.Args[2:], true)
	case "run-once":
		err = runCommand(os.Args[2:], false)
	case "replay-failed":
		err = replayCommand(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if _, ok := err.(*cycleError); ok {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// cycleError marks a cycle or replay failure that occurred after startup,
// per the CLI's exit code contract (1 for unrecoverable startup errors, 2
// for a failed cycle or replay).
type cycleError struct{ error }

// flags bundles every knob needed to build a config.PipelineConfig, mirroring
// the teacher's flat flag-to-Config mapping in cmd/ddb-pitr.
type flags struct {
	bucket       string
	prefix       string
	region       string
	logType      string
	parserKind   string
	pollInterval time.Duration
	shutdown     time.Duration

	endpoint      string
	ruleID        string
	streamName    string
	tenantID      string
	clientID      string
	clientSecret  string
	dataClass     string
	maxConcurrent int
	principalARN  string
	bucketARN     string

	failedBatchS3URI string
	failedBatchDir   string
	watermarkS3URI   string
	watermarkDir     string

	rateLimit       float64
	rateCapacity    float64
	failThreshold   int
	recoveryTimeout time.Duration
}

func parseFlags(args []string) (*flags, *flag.FlagSet) {
	fs := flag.NewFlagSet("s3sentinel", flag.ExitOnError)
	f := &flags{}

	fs.StringVar(&f.bucket, "bucket", "", "S3 bucket to read logs from")
	fs.StringVar(&f.prefix, "prefix", "", "S3 key prefix to read logs from")
	fs.StringVar(&f.region, "region", "", "AWS region (defaults to AWS_REGION env)")
	fs.StringVar(&f.logType, "log-type", "", "log type this runner ingests, keys the table registry")
	fs.StringVar(&f.parserKind, "parser", "json", "log parser to use (json|firewall)")
	fs.DurationVar(&f.pollInterval, "poll-interval", time.Minute, "poll interval between cycles for run")
	fs.DurationVar(&f.shutdown, "shutdown-timeout", 30*time.Second, "graceful shutdown timeout")

	fs.StringVar(&f.endpoint, "sentinel-endpoint", "", "Sentinel DCR ingestion endpoint (https://...)")
	fs.StringVar(&f.ruleID, "sentinel-rule-id", "", "Sentinel Data Collection Rule ID")
	fs.StringVar(&f.streamName, "sentinel-stream", "", "Sentinel DCR stream name")
	fs.StringVar(&f.tenantID, "aad-tenant-id", "", "AAD tenant ID")
	fs.StringVar(&f.clientID, "aad-client-id", "", "AAD application (client) ID")
	fs.StringVar(&f.clientSecret, "aad-client-secret", "", "AAD client secret (prefer S3SENTINEL_SENTINEL_CLIENT_SECRET env var instead)")
	fs.StringVar(&f.dataClass, "data-classification", "standard", "DataClassification metadata value")
	fs.IntVar(&f.maxConcurrent, "max-concurrent-batches", 4, "max concurrent batch uploads per cycle")
	fs.StringVar(&f.principalARN, "principal-arn", "", "IAM principal ARN for the startup read-access preflight")
	fs.StringVar(&f.bucketARN, "bucket-arn", "", "S3 bucket ARN for the startup read-access preflight")

	fs.StringVar(&f.failedBatchS3URI, "failed-batch-s3-uri", "", "s3:// URI for the failed-batch store (preferred)")
	fs.StringVar(&f.failedBatchDir, "failed-batch-dir", "", "local directory for the failed-batch store (fallback)")
	fs.StringVar(&f.watermarkS3URI, "watermark-s3-uri", "", "s3:// URI for watermark persistence")
	fs.StringVar(&f.watermarkDir, "watermark-dir", "", "local directory for watermark persistence")

	fs.Float64Var(&f.rateLimit, "rate-limit", 10, "Sentinel upload rate limit, requests/second")
	fs.Float64Var(&f.rateCapacity, "rate-capacity", 20, "Sentinel upload rate limiter burst capacity")
	fs.IntVar(&f.failThreshold, "breaker-failure-threshold", 5, "consecutive failures before the circuit opens")
	fs.DurationVar(&f.recoveryTimeout, "breaker-recovery-timeout", 30*time.Second, "circuit breaker recovery timeout")

	return f, fs
}

func (f *flags) pipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		LogType:         f.logType,
		PollInterval:    f.pollInterval,
		ShutdownTimeout: f.shutdown,
		S3: config.S3Config{
			Bucket:             f.bucket,
			Prefix:             f.prefix,
			Region:             f.region,
			MaxInflightFetches: 4,
			MaxKeysPerList:     1000,
		},
		Sentinel: config.SentinelConfig{
			Endpoint:             f.endpoint,
			RuleID:               f.ruleID,
			StreamName:           f.streamName,
			TenantID:             f.tenantID,
			ClientID:             f.clientID,
			ClientSecret:         f.clientSecret,
			MaxConcurrentBatches: f.maxConcurrent,
			DataClassification:   f.dataClass,
		},
		Credential: config.CredentialConfig{
			CacheDuration:       15 * time.Minute,
			EnableEncryption:    true,
			EncryptionKeyName:   "credential-encryption-key",
			FailureThreshold:    f.failThreshold,
			RecoveryTimeout:     f.recoveryTimeout,
			SuccessThreshold:    2,
			HalfOpenMaxInflight: 1,
			OperationTimeout:    10 * time.Second,
		},
		RateLimit: config.RateLimiterConfig{Rate: f.rateLimit, Capacity: f.rateCapacity},
		Breaker: config.CircuitBreakerConfig{
			FailureThreshold:    f.failThreshold,
			RecoveryTimeout:     f.recoveryTimeout,
			SuccessThreshold:    2,
			HalfOpenMaxInflight: 2,
			MinCallsBeforeOpen:  5,
			OperationTimeout:    15 * time.Second,
		},
		Retry: config.RetryConfig{MaxRetries: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, Jitter: 0.2},
		FailedBatch: config.FailedBatchConfig{
			S3URI:    f.failedBatchS3URI,
			LocalDir: f.failedBatchDir,
		},
		Watermark: config.WatermarkConfig{S3URI: f.watermarkS3URI, LocalDir: f.watermarkDir},
	}
}

// resolveClientSecret fills f.clientSecret from the AAD client-secret
// environment variable via a credcache.Cache, when the flag wasn't given
// directly. It runs before config.PipelineConfig is assembled so
// SentinelConfig.Validate sees the real value, not a placeholder.
func resolveClientSecret(ctx context.Context, f *flags) error {
	if f.clientSecret != "" {
		return nil
	}

	secretStore := credcache.NewEnvSecretStore("S3SENTINEL_")
	credCache := credcache.New(secretStore, credcache.Config{
		CacheDuration:       15 * time.Minute,
		EnableEncryption:    true,
		EncryptionKeyName:   "credential-encryption-key",
		BreakerName:         "credential-store",
		FailureThreshold:    f.failThreshold,
		RecoveryTimeout:     f.recoveryTimeout,
		SuccessThreshold:    2,
		HalfOpenMaxInflight: 1,
		OperationTimeout:    10 * time.Second,
	}, slog.Default())

	secret, err := credCache.Get(ctx, "sentinel-client-secret", false)
	if err != nil {
		return fmt.Errorf("resolve Sentinel client secret: %w", err)
	}
	f.clientSecret = secret
	return nil
}

// components bundles everything buildComponents assembles from a validated
// PipelineConfig, so both run/run-once and replay-failed can share the
// wiring step.
type components struct {
	runner      *pipeline.Runner
	failedStore failedbatch.Store
	sink        *sentinelsink.Sink
}

func buildComponents(ctx context.Context, f *flags, cfg config.PipelineConfig) (*components, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	s3Client := awsiface.NewS3Client(s3.NewFromConfig(awsCfg))

	if f.principalARN != "" && f.bucketARN != "" {
		iamClient := awsiface.NewIAMClient(iam.NewFromConfig(awsCfg))
		if err := awsiface.CheckBucketReadAccess(ctx, iamClient, f.principalARN, f.bucketARN); err != nil {
			return nil, fmt.Errorf("read-access preflight: %w", err)
		}
	}

	ingestionClient := sentinelsink.NewHTTPIngestionClient(ctx, cfg.Sentinel.Endpoint, sentinelsink.AADConfig{
		TenantID:     cfg.Sentinel.TenantID,
		ClientID:     cfg.Sentinel.ClientID,
		ClientSecret: cfg.Sentinel.ClientSecret,
	}, &http.Client{Timeout: 30 * time.Second})

	sinkBreaker := breaker.New(breaker.Config{
		Name:                "sentinel-sink",
		FailureThreshold:    cfg.Breaker.FailureThreshold,
		RecoveryTimeout:     cfg.Breaker.RecoveryTimeout,
		SuccessThreshold:    cfg.Breaker.SuccessThreshold,
		HalfOpenMaxInflight: cfg.Breaker.HalfOpenMaxInflight,
		MinCallsBeforeOpen:  cfg.Breaker.MinCallsBeforeOpen,
		OperationTimeout:    cfg.Breaker.OperationTimeout,
	})
	limiter := ratelimiter.New(cfg.RateLimit.Rate, cfg.RateLimit.Capacity)

	failedStore, err := buildFailedBatchStore(s3Client, cfg.FailedBatch)
	if err != nil {
		return nil, fmt.Errorf("build failed-batch store: %w", err)
	}

	table := sentinelsink.TableConfig{
		Name:            cfg.LogType,
		SchemaVersion:   "v1",
		MaxBatchRecords: 1000,
	}
	sink := sentinelsink.New(
		sentinelsink.Config{
			RuleID:               cfg.Sentinel.RuleID,
			StreamName:           cfg.Sentinel.StreamName,
			MaxConcurrentBatches: cfg.Sentinel.MaxConcurrentBatches,
			DataClassification:   cfg.Sentinel.DataClassification,
		},
		map[string]sentinelsink.TableConfig{cfg.LogType: table},
		ingestionClient, sinkBreaker, limiter, failedStore,
	)

	source := s3source.New(s3Client, s3source.Options{
		MaxInflightFetches: cfg.S3.MaxInflightFetches,
		MaxKeysPerList:     cfg.S3.MaxKeysPerList,
		ListRetry:          retry.Options{MaxRetries: cfg.Retry.MaxRetries, BaseDelay: cfg.Retry.BaseDelay, MaxDelay: cfg.Retry.MaxDelay, Jitter: cfg.Retry.Jitter},
		FetchRetry:         retry.Options{MaxRetries: cfg.Retry.MaxRetries, BaseDelay: cfg.Retry.BaseDelay, MaxDelay: cfg.Retry.MaxDelay, Jitter: cfg.Retry.Jitter},
	})

	var parser logparser.Parser
	if f.parserKind == "firewall" {
		parser = logparser.NewFirewallParser()
	} else {
		parser = logparser.NewJSONParser()
	}

	wmStore, err := buildWatermarkStore(s3Client, cfg.Watermark)
	if err != nil {
		return nil, fmt.Errorf("build watermark store: %w", err)
	}

	runner := pipeline.New(pipeline.Config{
		Bucket:       cfg.S3.Bucket,
		Prefix:       cfg.S3.Prefix,
		LogType:      cfg.LogType,
		PollInterval: cfg.PollInterval,
	}, source, sink, parser, wmStore)

	return &components{runner: runner, failedStore: failedStore, sink: sink}, nil
}

func buildFailedBatchStore(s3Client awsiface.S3Client, cfg config.FailedBatchConfig) (failedbatch.Store, error) {
	if cfg.S3URI != "" {
		return failedbatch.NewS3Store(s3Client, cfg.S3URI)
	}
	return failedbatch.NewLocalStore(cfg.LocalDir)
}

func buildWatermarkStore(s3Client awsiface.S3Client, cfg config.WatermarkConfig) (watermark.Store, error) {
	if cfg.S3URI != "" {
		return watermark.NewS3Store(s3Client, cfg.S3URI)
	}
	if cfg.LocalDir != "" {
		return watermark.NewFileStore(cfg.LocalDir)
	}
	return watermark.NewMemoryStore(), nil
}

func runCommand(args []string, forever bool) error {
	f, fs := parseFlags(args)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	if err := resolveClientSecret(ctx, f); err != nil {
		return err
	}

	cfg := f.pipelineConfig()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	comp, err := buildComponents(ctx, f, cfg)
	if err != nil {
		return err
	}

	if forever {
		slog.Info("starting pipeline", "log_type", cfg.LogType, "bucket", cfg.S3.Bucket, "prefix", cfg.S3.Prefix)
		return comp.runner.RunForever(ctx)
	}

	if err := comp.runner.RunOnce(ctx); err != nil {
		return &cycleError{err}
	}
	fmt.Println("cycle completed successfully")
	return nil
}

func replayCommand(args []string) error {
	f, fs := parseFlags(args)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	if err := resolveClientSecret(ctx, f); err != nil {
		return err
	}

	cfg := f.pipelineConfig()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	comp, err := buildComponents(ctx, f, cfg)
	if err != nil {
		return err
	}

	summary, err := failedbatch.Replay(ctx, comp.failedStore, failedbatch.SinkRouter(comp.sink), time.Now)
	if err != nil {
		return &cycleError{err}
	}

	fmt.Printf("replayed %d, archived %d, failed %d\n", summary.Replayed, summary.Archived, len(summary.Failed))
	for _, rf := range summary.Failed {
		fmt.Printf("  %s: %s\n", rf.Entry.Name, rf.Error)
	}
	return nil
}
