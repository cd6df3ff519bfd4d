package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/gurre/s3sentinel/logparser"
	"github.com/gurre/s3sentinel/s3source"
	"github.com/gurre/s3sentinel/sentinelsink"
	"github.com/gurre/s3sentinel/watermark"
)

// fakeS3Client serves ListObjectsV2/GetObject against an in-memory fixture
// set, mirroring the in-pack mockS3Client idiom used by manifest's tests.
type fakeS3Client struct {
	objects map[string][]byte
	modTime map[string]time.Time
	getErr  map[string]bool
}

func (f *fakeS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var contents []types.Object
	for key, data := range f.objects {
		key, data := key, data
		contents = append(contents, types.Object{
			Key:          &key,
			Size:         aws.Int64(int64(len(data))),
			LastModified: timePtr(f.modTime[key]),
		})
	}
	return &s3.ListObjectsV2Output{Contents: contents}, nil
}

func (f *fakeS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getErr[*params.Key] {
		return nil, fmt.Errorf("simulated timeout fetching %s", *params.Key)
	}
	data, ok := f.objects[*params.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3Client) CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	return &s3.DeleteObjectOutput{}, nil
}

func timePtr(t time.Time) *time.Time { return &t }

// fakeIngestionClient records every uploaded batch and can be made to fail.
type fakeIngestionClient struct {
	uploads [][]byte
	failAll bool
}

func (f *fakeIngestionClient) Upload(ctx context.Context, ruleID, streamName string, body []byte, contentType string) error {
	if f.failAll {
		return fmt.Errorf("upload rejected")
	}
	f.uploads = append(f.uploads, body)
	return nil
}

// fakeFailedBatchSink records persisted batches without writing to disk.
type fakeFailedBatchSink struct {
	persisted int
}

func (f *fakeFailedBatchSink) Persist(ctx context.Context, batchID, logType string, payload []byte, errorCategory, errorMessage string, retryCount int) error {
	f.persisted++
	return nil
}

func newRunner(t *testing.T, client *fakeS3Client, ingestion *fakeIngestionClient, failed *fakeFailedBatchSink) *Runner {
	t.Helper()
	source := s3source.New(client, s3source.Options{MaxInflightFetches: 2})
	sink := sentinelsink.New(
		sentinelsink.Config{RuleID: "rule-1", StreamName: "stream-1", MaxConcurrentBatches: 2},
		map[string]sentinelsink.TableConfig{
			"firewall": {
				Name:            "FirewallLogs",
				SchemaVersion:   "v1",
				RequiredFields:  []string{"host"},
				MaxBatchRecords: 100,
			},
		},
		ingestion, nil, nil, failed,
	)
	parser := logparser.NewJSONParser()
	wm := watermark.NewMemoryStore()

	cfg := Config{Bucket: "logs-bucket", Prefix: "firewall/", LogType: "firewall", PollInterval: time.Minute}
	return New(cfg, source, sink, parser, wm)
}

func TestRunOnceRoutesObjectsAndAdvancesWatermark(t *testing.T) {
	client := &fakeS3Client{
		objects: map[string][]byte{"firewall/a.json": []byte(`{"host":"10.0.0.1"}` + "\n")},
		modTime: map[string]time.Time{"firewall/a.json": time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)},
	}
	ingestion := &fakeIngestionClient{}
	failed := &fakeFailedBatchSink{}
	runner := newRunner(t, client, ingestion, failed)

	if err := runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	state := runner.State()
	if !state.Ready {
		t.Fatalf("expected ready state, got %+v", state)
	}
	if state.ProcessedFilesTotal != 1 || state.CyclesTotal != 1 {
		t.Fatalf("unexpected state: %+v", state)
	}
	if len(ingestion.uploads) != 1 {
		t.Fatalf("expected 1 upload, got %d", len(ingestion.uploads))
	}

	wmState, err := runner.wm.Load(context.Background(), "logs-bucket", "firewall/")
	if err != nil {
		t.Fatalf("load watermark: %v", err)
	}
	if !wmState.LastModifiedHighWater.Equal(time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected watermark to advance, got %v", wmState.LastModifiedHighWater)
	}
}

func TestRunOnceReportsFailureWhenRoutingFails(t *testing.T) {
	client := &fakeS3Client{
		objects: map[string][]byte{"firewall/a.json": []byte(`{"host":"10.0.0.1"}` + "\n")},
		modTime: map[string]time.Time{"firewall/a.json": time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)},
	}
	ingestion := &fakeIngestionClient{failAll: true}
	failed := &fakeFailedBatchSink{}
	runner := newRunner(t, client, ingestion, failed)

	err := runner.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected RunOnce to report the routing failure")
	}

	state := runner.State()
	if state.Ready {
		t.Fatalf("expected not-ready state after routing failure, got %+v", state)
	}
	if failed.persisted != 1 {
		t.Fatalf("expected failed batch to be persisted, got %d", failed.persisted)
	}
}

// TestRunOnceWithPartialFetchFailureAdvancesWatermarkToLastSuccessOnly covers
// spec.md section 8's scenario 3: one object in the cycle fails to download
// (a simulated timeout) while an earlier object with an older last_modified
// succeeds. The fetch failure alone never sets routeErr, so the cycle as a
// whole reports success, but the watermark must still only advance to the
// successful object's last_modified, never past the failed one.
func TestRunOnceWithPartialFetchFailureAdvancesWatermarkToLastSuccessOnly(t *testing.T) {
	older := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 7, 31, 11, 0, 0, 0, time.UTC)
	client := &fakeS3Client{
		objects: map[string][]byte{
			"firewall/a.json": []byte(`{"host":"10.0.0.1"}` + "\n"),
			"firewall/b.json": []byte(`{"host":"10.0.0.2"}` + "\n"),
		},
		modTime: map[string]time.Time{
			"firewall/a.json": older,
			"firewall/b.json": newer,
		},
		getErr: map[string]bool{"firewall/b.json": true},
	}
	ingestion := &fakeIngestionClient{}
	failed := &fakeFailedBatchSink{}
	runner := newRunner(t, client, ingestion, failed)

	if err := runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if len(ingestion.uploads) != 1 {
		t.Fatalf("expected only the successful object to be routed, got %d uploads", len(ingestion.uploads))
	}

	wmState, err := runner.wm.Load(context.Background(), "logs-bucket", "firewall/")
	if err != nil {
		t.Fatalf("load watermark: %v", err)
	}
	if !wmState.LastModifiedHighWater.Equal(older) {
		t.Fatalf("expected watermark to advance only to the successful object's last_modified %v, got %v", older, wmState.LastModifiedHighWater)
	}
}

func TestRunOnceWithNoNewObjectsIsANoop(t *testing.T) {
	client := &fakeS3Client{objects: map[string][]byte{}, modTime: map[string]time.Time{}}
	runner := newRunner(t, client, &fakeIngestionClient{}, &fakeFailedBatchSink{})

	if err := runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	state := runner.State()
	if state.ProcessedFilesTotal != 0 || !state.Ready {
		t.Fatalf("unexpected state: %+v", state)
	}
}
