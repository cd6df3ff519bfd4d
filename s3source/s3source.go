// Package s3source implements the paginated-listing plus bounded-worker-pool
// fetch/parse pipeline described in section 4.6 of the design specification.
// It is grounded on the teacher's coordinator.Coordinator worker-pool idiom
// (task channel, per-worker status) generalized from "stream one PITR
// export" to "list+fetch+parse many discrete log objects", and on
// original_source/src/core/s3_handler.py's S3Handler.list_objects/
// process_files_batch for the retry/classification/summary shape.
package s3source

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"
	"golang.org/x/sync/errgroup"

	"github.com/gurre/s3sentinel/awsiface"
	"github.com/gurre/s3sentinel/logparser"
	"github.com/gurre/s3sentinel/pipelineerr"
	"github.com/gurre/s3sentinel/ratelimiter"
	"github.com/gurre/s3sentinel/record"
	"github.com/gurre/s3sentinel/retry"
)

// ObjectDescriptor describes a listed S3 object, as defined in section 3.
type ObjectDescriptor struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
	StorageClass string
}

var allowedSuffixes = []string{".log", ".json", ".gz", ".csv"}
var excludedSubstrings = []string{"temp", "partial", "incomplete"}

func isValidKey(key string) bool {
	lower := strings.ToLower(key)
	var matchesSuffix bool
	for _, suffix := range allowedSuffixes {
		if strings.HasSuffix(lower, suffix) {
			matchesSuffix = true
			break
		}
	}
	if !matchesSuffix {
		return false
	}
	for _, excluded := range excludedSubstrings {
		if strings.Contains(lower, excluded) {
			return false
		}
	}
	return true
}

// retryableListingCodes are S3 error codes that indicate a transient listing
// failure worth retrying, per section 4.6.
var retryableListingCodes = map[string]bool{
	"SlowDown":      true,
	"InternalError": true,
}

// retryableFetchCodes additionally cover throttling/availability errors
// encountered while downloading individual objects.
var retryableFetchCodes = map[string]bool{
	"SlowDown":           true,
	"InternalError":      true,
	"Throttling":         true,
	"ServiceUnavailable": true,
}

func classifyS3Error(err error, retryableCodes map[string]bool) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if retryableCodes[apiErr.ErrorCode()] {
			return &pipelineerr.RetryableError{Cause: err}
		}
		return &pipelineerr.NonRetryableError{Cause: err}
	}
	// Unclassified errors (connection resets, DNS failures, timeouts) are
	// treated as retryable, matching the original's blanket
	// "assume retryable" fallback for non-ClientError exceptions.
	return &pipelineerr.RetryableError{Cause: err}
}

// Options configures a Source.
type Options struct {
	MaxInflightFetches int
	MaxKeysPerList     int32
	Limiter            *ratelimiter.Limiter
	ListRetry          retry.Options
	FetchRetry         retry.Options
}

// Source lists and fetches objects from an S3-compatible bucket, parsing
// each into Records and handing filled batches to a caller-supplied sink
// callback.
type Source struct {
	client  awsiface.S3Client
	limiter *ratelimiter.Limiter
	opts    Options
}

// New constructs a Source over the given S3 client.
func New(client awsiface.S3Client, opts Options) *Source {
	if opts.MaxInflightFetches <= 0 {
		opts.MaxInflightFetches = 4
	}
	if opts.MaxKeysPerList <= 0 {
		opts.MaxKeysPerList = 1000
	}
	return &Source{client: client, limiter: opts.Limiter, opts: opts}
}

// List performs a paginated ListObjectsV2 over bucket/prefix, filtering out
// zero-size objects, objects with a disallowed key suffix/substring, and
// objects not modified after since. Results are sorted ascending by
// LastModified, best-effort delivery order for fetch workers.
func (s *Source) List(ctx context.Context, bucket, prefix string, since time.Time) ([]ObjectDescriptor, error) {
	var descriptors []ObjectDescriptor

	var continuationToken *string
	for {
		var page *s3.ListObjectsV2Output
		err := retry.Do(ctx, s.opts.ListRetry, func(ctx context.Context) error {
			out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            &bucket,
				Prefix:            &prefix,
				MaxKeys:           &s.opts.MaxKeysPerList,
				ContinuationToken: continuationToken,
			})
			if err != nil {
				return classifyS3Error(err, retryableListingCodes)
			}
			page = out
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("s3source: list %s/%s: %w", bucket, prefix, err)
		}

		for _, obj := range page.Contents {
			if obj.Key == nil || obj.Size == nil || *obj.Size == 0 {
				continue
			}
			if !isValidKey(*obj.Key) {
				continue
			}
			lastModified := time.Time{}
			if obj.LastModified != nil {
				lastModified = obj.LastModified.UTC()
			}
			if !since.IsZero() && !lastModified.After(since) {
				continue
			}
			etag := ""
			if obj.ETag != nil {
				etag = *obj.ETag
			}
			storageClass := string(obj.StorageClass)
			if storageClass == "" {
				storageClass = "STANDARD"
			}
			descriptors = append(descriptors, ObjectDescriptor{
				Key:          *obj.Key,
				Size:         *obj.Size,
				LastModified: lastModified,
				ETag:         etag,
				StorageClass: storageClass,
			})
		}

		if page.IsTruncated == nil || !*page.IsTruncated {
			break
		}
		continuationToken = page.NextContinuationToken
	}

	sort.Slice(descriptors, func(i, j int) bool {
		return descriptors[i].LastModified.Before(descriptors[j].LastModified)
	})

	return descriptors, nil
}

// SuccessfulObject records the outcome of one successfully fetched object.
type SuccessfulObject struct {
	Key          string
	Size         int64
	LastModified time.Time
	ProcessedAt  time.Time
}

// FailedObject records the outcome of one object whose fetch or parse
// failed terminally within its own retry budget.
type FailedObject struct {
	Key   string
	Error string
	Time  time.Time
}

// Metrics summarizes a single FetchAndParse invocation.
type Metrics struct {
	TotalFiles  int
	TotalBytes  int64
	Duration    time.Duration
	SuccessRate float64
}

// Summary is the result of FetchAndParse, mirroring S3Handler's
// process_files_batch return shape.
type Summary struct {
	Successful []SuccessfulObject
	Failed     []FailedObject
	Metrics    Metrics
}

// BatchOptions bounds how many records (and, approximately, how many bytes)
// accumulate per object before SinkCallback is invoked.
type BatchOptions struct {
	MaxRecords int
	MaxBytes   int
}

// SinkCallback receives a filled batch of records parsed from one object.
type SinkCallback func(ctx context.Context, batch []record.Record) error

// FetchAndParse downloads each object in objects under a bounded worker
// pool, decompresses .gz bodies, splits content into newline-delimited log
// entries, parses and validates each with parser, and invokes sinkCallback
// once per filled batch. Per-object failures are recorded in the returned
// Summary rather than aborting the whole call.
func (s *Source) FetchAndParse(
	ctx context.Context,
	bucket string,
	objects []ObjectDescriptor,
	parser logparser.Parser,
	batchOpts BatchOptions,
	sinkCallback SinkCallback,
) (Summary, error) {
	start := time.Now()
	if batchOpts.MaxRecords <= 0 {
		batchOpts.MaxRecords = 500
	}
	if batchOpts.MaxBytes <= 0 {
		batchOpts.MaxBytes = 4 * 1024 * 1024
	}

	var mu sync.Mutex
	var successful []SuccessfulObject
	var failed []FailedObject
	var totalBytes int64

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.opts.MaxInflightFetches)

	for _, obj := range objects {
		obj := obj
		group.Go(func() error {
			err := s.processObject(groupCtx, bucket, obj, parser, batchOpts, sinkCallback)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, FailedObject{Key: obj.Key, Error: err.Error(), Time: time.Now().UTC()})
			} else {
				successful = append(successful, SuccessfulObject{Key: obj.Key, Size: obj.Size, LastModified: obj.LastModified, ProcessedAt: time.Now().UTC()})
				totalBytes += obj.Size
			}
			return nil
		})
	}

	// group.Wait only returns non-nil if a worker itself returned an error;
	// per-object failures are captured above and never propagated, so the
	// whole cycle never aborts because one object failed.
	if err := group.Wait(); err != nil {
		return Summary{}, fmt.Errorf("s3source: fetch and parse: %w", err)
	}

	total := len(objects)
	successRate := 1.0
	if total > 0 {
		successRate = float64(len(successful)) / float64(total)
	}

	return Summary{
		Successful: successful,
		Failed:     failed,
		Metrics: Metrics{
			TotalFiles:  total,
			TotalBytes:  totalBytes,
			Duration:    time.Since(start),
			SuccessRate: successRate,
		},
	}, nil
}

func (s *Source) processObject(
	ctx context.Context,
	bucket string,
	obj ObjectDescriptor,
	parser logparser.Parser,
	batchOpts BatchOptions,
	sinkCallback SinkCallback,
) error {
	content, err := s.download(ctx, bucket, obj.Key)
	if err != nil {
		return err
	}

	batch := make([]record.Record, 0, batchOpts.MaxRecords)
	batchBytes := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := sinkCallback(ctx, batch); err != nil {
			return fmt.Errorf("sink callback: %w", err)
		}
		batch = make([]record.Record, 0, batchOpts.MaxRecords)
		batchBytes = 0
		return nil
	}

	for _, line := range splitLines(content) {
		if len(line) == 0 {
			continue
		}
		rec, err := parser.Parse(line)
		if err != nil {
			return fmt.Errorf("parse %s: %w", obj.Key, err)
		}
		if !parser.Validate(rec) {
			return fmt.Errorf("validate %s: %w", obj.Key, pipelineerr.ErrValidation)
		}

		batch = append(batch, rec)
		batchBytes += len(line)

		if len(batch) >= batchOpts.MaxRecords || batchBytes >= batchOpts.MaxBytes {
			if err := flush(); err != nil {
				return err
			}
		}
	}

	return flush()
}

func (s *Source) download(ctx context.Context, bucket, key string) ([]byte, error) {
	if s.limiter != nil {
		if err := s.limiter.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	var content []byte
	err := retry.Do(ctx, s.opts.FetchRetry, func(ctx context.Context) error {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
		if err != nil {
			var noSuchKey *s3types.NoSuchKey
			if errors.As(err, &noSuchKey) {
				return &pipelineerr.NonRetryableError{Cause: fmt.Errorf("%w: %s", pipelineerr.ErrNotFound, key)}
			}
			return classifyS3Error(err, retryableFetchCodes)
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return &pipelineerr.RetryableError{Cause: fmt.Errorf("read body: %w", err)}
		}

		if strings.HasSuffix(strings.ToLower(key), ".gz") {
			gz, err := gzip.NewReader(bytes.NewReader(body))
			if err != nil {
				return &pipelineerr.NonRetryableError{Cause: fmt.Errorf("gzip reader: %w", err)}
			}
			defer func() { _ = gz.Close() }()
			decompressed, err := io.ReadAll(gz)
			if err != nil {
				return &pipelineerr.NonRetryableError{Cause: fmt.Errorf("gzip decompress: %w", err)}
			}
			content = decompressed
			return nil
		}

		content = body
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("s3source: download %s/%s: %w", bucket, key, err)
	}
	return content, nil
}

func splitLines(content []byte) [][]byte {
	trimmed := bytes.TrimRight(content, "\n")
	if len(trimmed) == 0 {
		return nil
	}
	return bytes.Split(trimmed, []byte("\n"))
}
