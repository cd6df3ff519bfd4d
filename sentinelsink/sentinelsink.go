// Package sentinelsink implements the per-table transform/batch/upload
// pipeline described in section 4.7 of the design specification, grounded on
// original_source/src/core/sentinel_router.py's SentinelRouter.route_logs.
package sentinelsink

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/gurre/s3sentinel/breaker"
	"github.com/gurre/s3sentinel/pipelineerr"
	"github.com/gurre/s3sentinel/ratelimiter"
	"github.com/gurre/s3sentinel/record"
)

// SemanticType is one of the closed set of field types a TableConfig may
// assign, per section 3's TableConfig.type_map.
type SemanticType int

const (
	Datetime SemanticType = iota
	Long
	Double
	Boolean
	String
)

// TableConfig describes one Sentinel custom table's shape, created at
// startup and immutable thereafter, mirroring the Python TableConfig
// dataclass in sentinel_router.py.
type TableConfig struct {
	Name            string
	SchemaVersion   string
	RequiredFields  []string
	TransformMap    map[string]string
	TypeMap         map[string]SemanticType
	RetentionDays   int
	MaxBatchRecords int
	MaxBatchBytes   int // 0 means unbounded
	Compression     bool
}

func (tc TableConfig) preservedFieldSet() map[string]bool {
	set := make(map[string]bool, len(tc.RequiredFields)+len(tc.TypeMap))
	for _, f := range tc.RequiredFields {
		set[f] = true
	}
	for f := range tc.TypeMap {
		set[f] = true
	}
	return set
}

// IngestionClient uploads a serialized batch to a Sentinel Data Collection
// Rule stream. Implementations must be safe for concurrent use.
type IngestionClient interface {
	Upload(ctx context.Context, ruleID, streamName string, body []byte, contentType string) error
}

// FailedBatchSink is the narrow interface sentinelsink needs from
// failedbatch.Store. It is defined here, not imported from the failedbatch
// package, because failedbatch.Replay needs to call back into Sink.Route,
// which would otherwise create an import cycle.
type FailedBatchSink interface {
	Persist(ctx context.Context, batchID, logType string, payload []byte, errorCategory, errorMessage string, retryCount int) error
}

// Config holds the knobs shared across all tables registered with one Sink,
// per section 5's "max_concurrent_batches per SentinelSink" and section
// 4.7's data_classification metadata field.
type Config struct {
	RuleID               string
	StreamName           string
	MaxConcurrentBatches int
	DataClassification   string
}

// RouteResult reports the terminal disposition of one route() call, per
// section 4.7's return shape.
type RouteResult struct {
	Processed      int
	Failed         int
	Dropped        int
	BatchCount     int
	DropReasons    map[string]int
	FailureReasons map[string]int
}

type tableCounters struct {
	mu            sync.Mutex
	batchCount    int
	failedBatches int
	processed     int
	dropped       int
}

// Sink routes records for registered log types to their Sentinel tables,
// sharing one circuit breaker and one rate limiter across all tables since
// CircuitBreaker and RateLimiter are singular top-level components (section
// 2, C1/C2).
type Sink struct {
	cfg     Config
	tables  map[string]TableConfig
	client  IngestionClient
	brk     *breaker.Breaker
	limiter *ratelimiter.Limiter
	failed  FailedBatchSink

	countersMu sync.Mutex
	counters   map[string]*tableCounters

	nowFn func() time.Time
}

// New constructs a Sink with the given table registry. brk and limiter are
// shared across every Route call; failed is consulted whenever a batch
// cannot be delivered.
func New(cfg Config, tables map[string]TableConfig, client IngestionClient, brk *breaker.Breaker, limiter *ratelimiter.Limiter, failed FailedBatchSink) *Sink {
	if cfg.MaxConcurrentBatches <= 0 {
		cfg.MaxConcurrentBatches = 4
	}
	if cfg.DataClassification == "" {
		cfg.DataClassification = "standard"
	}
	counters := make(map[string]*tableCounters, len(tables))
	for name := range tables {
		counters[name] = &tableCounters{}
	}
	return &Sink{
		cfg:      cfg,
		tables:   tables,
		client:   client,
		brk:      brk,
		limiter:  limiter,
		failed:   failed,
		counters: counters,
		nowFn:    time.Now,
	}
}

// Route implements section 4.7's route(log_type, records) pipeline:
// transform, type-coerce, required-field check, batch formation, concurrent
// bounded dispatch, and failure classification/persistence.
func (s *Sink) Route(ctx context.Context, logType string, records []record.Record) (RouteResult, error) {
	result := RouteResult{
		DropReasons:    make(map[string]int),
		FailureReasons: make(map[string]int),
	}
	if len(records) == 0 {
		return result, nil
	}

	table, ok := s.tables[logType]
	if !ok {
		return result, fmt.Errorf("sentinelsink: unsupported log type %q: %w", logType, pipelineerr.ErrInvalidArgument)
	}

	prepared := make([]record.Record, 0, len(records))
	for _, rec := range records {
		out, reason := s.prepareRecord(rec, table)
		if reason != "" {
			result.Dropped++
			result.DropReasons[reason]++
			continue
		}
		prepared = append(prepared, out)
	}

	batches := createBatches(prepared, table)

	counters := s.counterFor(logType)

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.MaxConcurrentBatches)

	for _, batch := range batches {
		batch := batch
		group.Go(func() error {
			err := s.dispatchBatch(groupCtx, table, batch)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				category := classifyUploadError(err)
				result.Failed += len(batch)
				result.FailureReasons[category]++
				counters.mu.Lock()
				counters.failedBatches++
				counters.mu.Unlock()
				s.persistFailedBatch(ctx, logType, table, batch, category, err)
			} else {
				result.Processed += len(batch)
				result.BatchCount++
				counters.mu.Lock()
				counters.processed += len(batch)
				counters.batchCount++
				counters.mu.Unlock()
			}
			// Per-batch failures are captured above and never returned here,
			// so one failing batch never cancels groupCtx for the rest.
			return nil
		})
	}
	_ = group.Wait()

	counters.mu.Lock()
	counters.dropped += result.Dropped
	counters.mu.Unlock()

	return result, nil
}

func (s *Sink) counterFor(logType string) *tableCounters {
	s.countersMu.Lock()
	defer s.countersMu.Unlock()
	c, ok := s.counters[logType]
	if !ok {
		c = &tableCounters{}
		s.counters[logType] = c
	}
	return c
}

// prepareRecord implements steps 2-4 of route(): transform, type-coerce,
// required-field check. It returns a non-empty drop reason when the record
// must be dropped rather than sent.
func (s *Sink) prepareRecord(rec record.Record, table TableConfig) (record.Record, string) {
	transformed := record.New()

	for source, target := range table.TransformMap {
		if v, ok := rec[source]; ok {
			transformed[target] = v
		}
	}

	preserved := table.preservedFieldSet()
	for key, value := range rec {
		if preserved[key] {
			if _, exists := transformed[key]; !exists {
				transformed[key] = value
			}
		}
	}

	if _, ok := transformed["TimeGenerated"]; !ok {
		transformed["TimeGenerated"] = record.Time(s.nowFn().UTC())
	}

	transformed["DataClassification"] = record.String(s.cfg.DataClassification)
	transformed["SchemaVersion"] = record.String(table.SchemaVersion)

	for field, semanticType := range table.TypeMap {
		v, ok := transformed[field]
		if !ok {
			continue
		}
		coerced, err := coerceType(v, semanticType)
		if err != nil {
			return nil, "preparation_error:" + err.Error()
		}
		transformed[field] = coerced
	}

	if missing := transformed.MissingFields(table.RequiredFields); len(missing) > 0 {
		return nil, "missing_fields:" + joinComma(missing)
	}

	return transformed, ""
}

func coerceType(v record.Scalar, semanticType SemanticType) (record.Scalar, error) {
	switch semanticType {
	case Datetime:
		if t, ok := v.AsTime(); ok {
			return record.String(t.UTC().Format(time.RFC3339Nano)), nil
		}
		if str, ok := v.AsString(); ok {
			return record.String(str), nil
		}
		return record.Scalar{}, fmt.Errorf("ErrInvalidDatetime")
	case Long:
		if n, ok := v.AsInt64(); ok {
			return record.Int64(n), nil
		}
		if f, ok := v.AsFloat64(); ok {
			return record.Int64(int64(f)), nil
		}
		if str, ok := v.AsString(); ok {
			n, err := strconv.ParseInt(str, 10, 64)
			if err != nil {
				return record.Scalar{}, fmt.Errorf("ErrInvalidLong")
			}
			return record.Int64(n), nil
		}
		return record.Scalar{}, fmt.Errorf("ErrInvalidLong")
	case Double:
		if f, ok := v.AsFloat64(); ok {
			return record.Float64(f), nil
		}
		if n, ok := v.AsInt64(); ok {
			return record.Float64(float64(n)), nil
		}
		if str, ok := v.AsString(); ok {
			f, err := strconv.ParseFloat(str, 64)
			if err != nil {
				return record.Scalar{}, fmt.Errorf("ErrInvalidDouble")
			}
			return record.Float64(f), nil
		}
		return record.Scalar{}, fmt.Errorf("ErrInvalidDouble")
	case Boolean:
		if b, ok := v.AsBool(); ok {
			return record.Bool(b), nil
		}
		return record.Scalar{}, fmt.Errorf("ErrInvalidBoolean")
	case String:
		if str, ok := v.AsString(); ok {
			return record.String(str), nil
		}
		return record.String(fmt.Sprintf("%v", v.Interface())), nil
	default:
		return v, nil
	}
}

func joinComma(fields []string) string {
	out := ""
	for i, f := range fields {
		if i > 0 {
			out += ","
		}
		out += f
	}
	return out
}

// createBatches implements step 5 of route(): partition prepared records
// into batches bounded by max_batch_records and, if set, max_batch_bytes.
func createBatches(records []record.Record, table TableConfig) [][]record.Record {
	maxRecords := table.MaxBatchRecords
	if maxRecords <= 0 {
		maxRecords = 1000
	}

	var batches [][]record.Record
	var current []record.Record
	currentBytes := 0

	for _, rec := range records {
		recSize := estimateRecordSize(rec)
		exceedsBytes := table.MaxBatchBytes > 0 && len(current) > 0 && currentBytes+recSize > table.MaxBatchBytes
		if len(current) >= maxRecords || exceedsBytes {
			batches = append(batches, current)
			current = nil
			currentBytes = 0
		}
		current = append(current, rec)
		currentBytes += recSize
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

func estimateRecordSize(rec record.Record) int {
	encoded, err := json.Marshal(rec)
	if err != nil {
		return 256
	}
	return len(encoded)
}

// dispatchBatch implements step 6 of route(): serialize, optionally
// compress, then circuit_breaker.call(ratelimiter.acquire -> upload).
func (s *Sink) dispatchBatch(ctx context.Context, table TableConfig, batch []record.Record) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("sentinelsink: serialize batch: %w: %w", err, pipelineerr.ErrValidation)
	}

	contentType := "application/json"
	if table.Compression {
		compressed, err := gzipCompress(body)
		if err != nil {
			return fmt.Errorf("sentinelsink: compress batch: %w: %w", err, pipelineerr.ErrValidation)
		}
		body = compressed
		contentType = "application/json+gzip"
	}

	call := func(ctx context.Context) error {
		if s.limiter != nil {
			if err := s.limiter.Acquire(ctx, 1); err != nil {
				return fmt.Errorf("sentinelsink: rate limit acquire: %w", err)
			}
		}
		return s.client.Upload(ctx, s.cfg.RuleID, s.cfg.StreamName, body, contentType)
	}

	if s.brk != nil {
		return s.brk.Call(ctx, call)
	}
	return call(ctx)
}

// classifyUploadError implements step 7's failure category taxonomy.
func classifyUploadError(err error) string {
	var circuitOpen *pipelineerr.CircuitOpenError
	if errors.As(err, &circuitOpen) {
		return "circuit_breaker_open"
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return fmt.Sprintf("azure_error:%d", statusErr.StatusCode)
	}
	switch {
	case errors.Is(err, pipelineerr.ErrTimeout):
		return "network_timeout"
	case pipelineerr.IsRetryable(err):
		return "network_connection"
	default:
		return "unknown_error:" + fmt.Sprintf("%T", err)
	}
}

func (s *Sink) persistFailedBatch(ctx context.Context, logType string, table TableConfig, batch []record.Record, category string, uploadErr error) {
	if s.failed == nil {
		return
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		return
	}
	batchID := batchContentHash(payload)
	// logType, not table.Name, is persisted: Replay re-routes a loaded
	// FailedBatchRecord through Sink.Route, which looks tables up by
	// logType, not by TableConfig.Name.
	_ = s.failed.Persist(ctx, batchID, logType, payload, category, uploadErr.Error(), 0)
}

// batchContentHash computes the stable content hash used as a FailedBatchRecord's
// batch_id, per section 3: "batch_id = stable hash over the batch contents".
func batchContentHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Health reports whether this sink's delivery is degraded, per section 4.7:
// degraded iff failed_batch_count/(batch_count+failed_batch_count) > 5% or
// drop rate > 10%, and an open circuit also contributes degraded.
func (s *Sink) Health(logType string) (degraded bool, reason string) {
	if s.brk != nil && s.brk.State() == breaker.Open {
		return true, "circuit_open"
	}
	s.countersMu.Lock()
	c, ok := s.counters[logType]
	s.countersMu.Unlock()
	if !ok {
		return false, ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	totalBatches := c.batchCount + c.failedBatches
	if totalBatches > 0 && float64(c.failedBatches)/float64(totalBatches) > 0.05 {
		return true, "failure_rate"
	}
	totalRecords := c.processed + c.dropped
	if totalRecords > 0 && float64(c.dropped)/float64(totalRecords) > 0.10 {
		return true, "drop_rate"
	}
	return false, ""
}
