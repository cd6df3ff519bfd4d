package failedbatch

import (
	"context"
	"testing"
	"time"

	"github.com/gurre/s3sentinel/breaker"
	"github.com/gurre/s3sentinel/ratelimiter"
	"github.com/gurre/s3sentinel/record"
	"github.com/gurre/s3sentinel/sentinelsink"
)

// failingIngestionClient always rejects uploads, simulating an endpoint that
// is still down when Replay retries it.
type failingIngestionClient struct{}

func (failingIngestionClient) Upload(ctx context.Context, ruleID, streamName string, body []byte, contentType string) error {
	return &sentinelsink.HTTPStatusError{StatusCode: 503, Body: "endpoint still down"}
}

// noopFailedBatchSink discards persist calls; sentinelsink.Sink requires one
// to construct but this test never inspects what it records.
type noopFailedBatchSink struct{}

func (noopFailedBatchSink) Persist(ctx context.Context, batchID, logType string, payload []byte, errorCategory, errorMessage string, retryCount int) error {
	return nil
}

// TestSinkRouterReportsFailureWhenUploadStillFails guards against Route's
// per-batch upload failures being silently absorbed into the discarded
// RouteResult: a real Sink wired to a still-failing IngestionClient must
// cause SinkRouter.Route to return a non-nil error, so Replay leaves the
// entry unarchived instead of deleting a batch that was never redelivered.
func TestSinkRouterReportsFailureWhenUploadStillFails(t *testing.T) {
	brk := breaker.New(breaker.Config{
		Name:                "test-sink",
		FailureThreshold:    100,
		RecoveryTimeout:     time.Minute,
		SuccessThreshold:    1,
		HalfOpenMaxInflight: 1,
		OperationTimeout:    time.Second,
	})
	limiter := ratelimiter.New(1000, 1000)
	sink := sentinelsink.New(
		sentinelsink.Config{RuleID: "rule-1", StreamName: "stream-1", MaxConcurrentBatches: 1},
		map[string]sentinelsink.TableConfig{
			"firewall": {Name: "FirewallLogs", SchemaVersion: "v1", RequiredFields: []string{"host"}, MaxBatchRecords: 100},
		},
		failingIngestionClient{}, brk, limiter, noopFailedBatchSink{},
	)

	store := newFakeStore()
	store.entries = []Entry{{Name: "bad.json"}}
	rec := record.New()
	rec["host"] = record.String("10.0.0.1")
	store.records["bad.json"] = FailedBatchRecord{BatchID: "bad", LogType: "firewall", Data: []record.Record{rec}}

	summary, err := Replay(context.Background(), store, SinkRouter(sink), time.Now)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if summary.Replayed != 0 || summary.Archived != 0 {
		t.Fatalf("expected no successful replay while the endpoint is still down, got %+v", summary)
	}
	if len(summary.Failed) != 1 || summary.Failed[0].Entry.Name != "bad.json" {
		t.Fatalf("expected bad.json to be reported as a failure, got %+v", summary.Failed)
	}
	if _, archived := store.archived["bad.json"]; archived {
		t.Fatal("expected bad.json to remain unarchived since it was never actually redelivered")
	}
}
