package sentinelsink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gurre/s3sentinel/pipelineerr"
	"github.com/gurre/s3sentinel/record"
)

type fakeIngestionClient struct {
	mu        sync.Mutex
	uploads   int
	err       error
	lastBody  []byte
	lastRule  string
	lastSteam string
}

func (f *fakeIngestionClient) Upload(ctx context.Context, ruleID, streamName string, body []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	f.lastBody = body
	f.lastRule = ruleID
	f.lastSteam = streamName
	return f.err
}

type fakeFailedBatchSink struct {
	mu       sync.Mutex
	persisted []persistedBatch
}

type persistedBatch struct {
	batchID       string
	tableName     string
	errorCategory string
}

func (f *fakeFailedBatchSink) Persist(ctx context.Context, batchID, tableName string, payload []byte, errorCategory, errorMessage string, retryCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persisted = append(f.persisted, persistedBatch{batchID: batchID, tableName: tableName, errorCategory: errorCategory})
	return nil
}

func firewallTable() TableConfig {
	return TableConfig{
		Name:            "Custom_Firewall_CL",
		SchemaVersion:   "1.0",
		RequiredFields:  []string{"TimeGenerated", "SourceIP", "DestinationIP", "Action"},
		TransformMap:    map[string]string{"src_ip": "SourceIP", "dst_ip": "DestinationIP", "action": "Action"},
		TypeMap:         map[string]SemanticType{"TimeGenerated": Datetime, "SourceIP": String, "BytesTransferred": Long},
		MaxBatchRecords: 1000,
	}
}

func TestRouteTransformsAndDispatchesBatch(t *testing.T) {
	client := &fakeIngestionClient{}
	sink := New(Config{RuleID: "rule-1", StreamName: "Custom-Firewall"}, map[string]TableConfig{"firewall": firewallTable()}, client, nil, nil, nil)

	rec := record.New()
	rec["src_ip"] = record.String("10.0.0.1")
	rec["dst_ip"] = record.String("10.0.0.2")
	rec["action"] = record.String("allow")

	result, err := sink.Route(context.Background(), "firewall", []record.Record{rec})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Processed != 1 || result.Failed != 0 || result.Dropped != 0 {
		t.Errorf("expected processed=1, got %+v", result)
	}
	if client.uploads != 1 {
		t.Errorf("expected 1 upload, got %d", client.uploads)
	}
	if client.lastRule != "rule-1" || client.lastSteam != "Custom-Firewall" {
		t.Errorf("unexpected rule/stream: %s/%s", client.lastRule, client.lastSteam)
	}
}

func TestRouteDropsRecordsMissingRequiredFields(t *testing.T) {
	client := &fakeIngestionClient{}
	sink := New(Config{RuleID: "rule-1", StreamName: "stream-1"}, map[string]TableConfig{"firewall": firewallTable()}, client, nil, nil, nil)

	rec := record.New()
	rec["src_ip"] = record.String("10.0.0.1")
	// missing dst_ip/action -> Action required field absent

	result, err := sink.Route(context.Background(), "firewall", []record.Record{rec})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Dropped != 1 {
		t.Errorf("expected 1 dropped record, got %+v", result)
	}
	if result.Processed != 0 || client.uploads != 0 {
		t.Errorf("expected no upload for an all-dropped batch, got processed=%d uploads=%d", result.Processed, client.uploads)
	}
}

func TestRouteUnknownLogTypeFailsImmediately(t *testing.T) {
	sink := New(Config{RuleID: "rule-1", StreamName: "stream-1"}, map[string]TableConfig{"firewall": firewallTable()}, &fakeIngestionClient{}, nil, nil, nil)

	_, err := sink.Route(context.Background(), "unknown", []record.Record{record.New()})
	if !errors.Is(err, pipelineerr.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestRoutePersistsFailedBatchOnUploadError(t *testing.T) {
	client := &fakeIngestionClient{err: &HTTPStatusError{StatusCode: 429, Body: "throttled"}}
	failedSink := &fakeFailedBatchSink{}
	sink := New(Config{RuleID: "rule-1", StreamName: "stream-1"}, map[string]TableConfig{"firewall": firewallTable()}, client, nil, nil, failedSink)

	rec := record.New()
	rec["src_ip"] = record.String("10.0.0.1")
	rec["dst_ip"] = record.String("10.0.0.2")
	rec["action"] = record.String("allow")

	result, err := sink.Route(context.Background(), "firewall", []record.Record{rec})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Processed != 0 || result.Failed != 1 || result.Dropped != 0 || result.BatchCount != 0 {
		t.Errorf("expected {processed:0 failed:1 dropped:0 batch_count:0}, got %+v", result)
	}
	if result.FailureReasons["azure_error:429"] != 1 {
		t.Errorf("expected azure_error:429 failure reason, got %+v", result.FailureReasons)
	}

	failedSink.mu.Lock()
	defer failedSink.mu.Unlock()
	if len(failedSink.persisted) != 1 {
		t.Fatalf("expected exactly one persisted failed batch, got %d", len(failedSink.persisted))
	}
	if failedSink.persisted[0].errorCategory != "azure_error:429" {
		t.Errorf("expected category azure_error:429, got %s", failedSink.persisted[0].errorCategory)
	}
}

func TestHealthDegradedOnHighFailureRate(t *testing.T) {
	client := &fakeIngestionClient{err: &HTTPStatusError{StatusCode: 500, Body: "err"}}
	sink := New(Config{RuleID: "rule-1", StreamName: "stream-1", MaxConcurrentBatches: 1}, map[string]TableConfig{"firewall": firewallTable()}, client, nil, nil, &fakeFailedBatchSink{})

	for i := 0; i < 3; i++ {
		rec := record.New()
		rec["src_ip"] = record.String("10.0.0.1")
		rec["dst_ip"] = record.String("10.0.0.2")
		rec["action"] = record.String("allow")
		if _, err := sink.Route(context.Background(), "firewall", []record.Record{rec}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	degraded, reason := sink.Health("firewall")
	if !degraded || reason != "failure_rate" {
		t.Errorf("expected degraded=true reason=failure_rate, got degraded=%v reason=%s", degraded, reason)
	}
}

func TestCoerceTypeConvertsLongFromFloat(t *testing.T) {
	v, err := coerceType(record.Float64(1024.0), Long)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	n, ok := v.AsInt64()
	if !ok || n != 1024 {
		t.Errorf("expected 1024, got %v (ok=%v)", n, ok)
	}
}

func TestCoerceTypeRejectsInvalidLong(t *testing.T) {
	if _, err := coerceType(record.String("not-a-number"), Long); err == nil {
		t.Fatal("expected error for non-numeric long field")
	}
}

func TestCreateBatchesPartitionsByMaxRecords(t *testing.T) {
	table := firewallTable()
	table.MaxBatchRecords = 2
	records := make([]record.Record, 5)
	for i := range records {
		records[i] = record.New()
	}
	batches := createBatches(records, table)
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(batches))
	}
	if len(batches[0]) != 2 || len(batches[2]) != 1 {
		t.Errorf("unexpected batch sizes: %d,%d,%d", len(batches[0]), len(batches[1]), len(batches[2]))
	}
}

func TestBatchContentHashIsStableForIdenticalPayload(t *testing.T) {
	a := batchContentHash([]byte(`[{"a":1}]`))
	b := batchContentHash([]byte(`[{"a":1}]`))
	if a != b {
		t.Errorf("expected identical payloads to hash identically, got %s != %s", a, b)
	}
}

func TestAADConfigTokenSourceDefaultsScope(t *testing.T) {
	cfg := AADConfig{TenantID: "t", ClientID: "c", ClientSecret: "s"}
	ts := cfg.tokenSource(context.Background())
	if ts == nil {
		t.Fatal("expected a non-nil token source")
	}
}

func TestDispatchBatchTimesOutWithoutHangingTest(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	client := &fakeIngestionClient{err: &HTTPStatusError{StatusCode: 503}}
	sink := New(Config{RuleID: "r", StreamName: "s"}, map[string]TableConfig{"firewall": firewallTable()}, client, nil, nil, nil)
	rec := record.New()
	rec["src_ip"] = record.String("10.0.0.1")
	rec["dst_ip"] = record.String("10.0.0.2")
	rec["action"] = record.String("allow")
	if _, err := sink.Route(ctx, "firewall", []record.Record{rec}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
