package s3source

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"

	"github.com/gurre/s3sentinel/logparser"
	"github.com/gurre/s3sentinel/record"
	"github.com/gurre/s3sentinel/retry"
)

type fakeS3Client struct {
	objects map[string][]byte
	listErr error
}

func (f *fakeS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if f.listErr != nil {
		err := f.listErr
		f.listErr = nil
		return nil, err
	}
	var contents []types.Object
	for key, data := range f.objects {
		size := int64(len(data))
		lastModified := time.Now().Add(-time.Hour)
		contents = append(contents, types.Object{
			Key:          aws.String(key),
			Size:         &size,
			LastModified: &lastModified,
			ETag:         aws.String(fmt.Sprintf("%x", data)),
		})
	}
	return &s3.ListObjectsV2Output{Contents: contents}, nil
}

func (f *fakeS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
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

type retryableAPIError struct{ code string }

func (e *retryableAPIError) Error() string                 { return "s3 error: " + e.code }
func (e *retryableAPIError) ErrorCode() string             { return e.code }
func (e *retryableAPIError) ErrorMessage() string          { return e.code }
func (e *retryableAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultServer }

func gzipData(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func TestListFiltersInvalidAndEmptyObjects(t *testing.T) {
	client := &fakeS3Client{objects: map[string][]byte{
		"valid.log":       []byte("a"),
		"partial-file.log": []byte("b"),
		"no-extension":    []byte("c"),
		"empty.log":       {},
	}}
	src := New(client, Options{})

	descriptors, err := src.List(context.Background(), "bucket", "prefix/", time.Time{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(descriptors) != 1 || descriptors[0].Key != "valid.log" {
		t.Errorf("expected only valid.log, got %+v", descriptors)
	}
}

func TestFetchAndParseFirewallLines(t *testing.T) {
	line1 := "2024-01-15T10:30:00Z|10.0.0.1|10.0.0.2|allow|rule1|tcp|443|80|100"
	line2 := "2024-01-15T10:31:00Z|10.0.0.3|10.0.0.4|deny|rule2|udp|53|53|200"
	content := []byte(line1 + "\n" + line2)

	client := &fakeS3Client{objects: map[string][]byte{"firewall.log": content}}
	src := New(client, Options{MaxInflightFetches: 2})
	parser := logparser.NewFirewallParser()

	var mu sync.Mutex
	var totalRecords int

	summary, err := src.FetchAndParse(context.Background(), "bucket",
		[]ObjectDescriptor{{Key: "firewall.log", Size: int64(len(content))}},
		parser, BatchOptions{MaxRecords: 10},
		func(ctx context.Context, batch []record.Record) error {
			mu.Lock()
			defer mu.Unlock()
			totalRecords += len(batch)
			return nil
		},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summary.Successful) != 1 {
		t.Errorf("expected 1 successful object, got %d", len(summary.Successful))
	}
	if len(summary.Failed) != 0 {
		t.Errorf("expected no failures, got %+v", summary.Failed)
	}
	if totalRecords != 2 {
		t.Errorf("expected 2 records parsed, got %d", totalRecords)
	}
}

func TestFetchAndParseDecompressesGzip(t *testing.T) {
	line := "2024-01-15T10:30:00Z|10.0.0.1|10.0.0.2|allow|rule1|tcp|443|80|100"
	compressed := gzipData(t, []byte(line))

	client := &fakeS3Client{objects: map[string][]byte{"firewall.log.gz": compressed}}
	src := New(client, Options{MaxInflightFetches: 1})
	parser := logparser.NewFirewallParser()

	var totalRecords int
	summary, err := src.FetchAndParse(context.Background(), "bucket",
		[]ObjectDescriptor{{Key: "firewall.log.gz", Size: int64(len(compressed))}},
		parser, BatchOptions{MaxRecords: 10},
		func(ctx context.Context, batch []record.Record) error {
			totalRecords += len(batch)
			return nil
		},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summary.Successful) != 1 || totalRecords != 1 {
		t.Errorf("expected 1 successful object with 1 record, got successful=%d records=%d",
			len(summary.Successful), totalRecords)
	}
}

func TestFetchAndParseRecordsPerObjectFailureWithoutAbortingCycle(t *testing.T) {
	client := &fakeS3Client{objects: map[string][]byte{
		"good.log": []byte("2024-01-15T10:30:00Z|10.0.0.1|10.0.0.2|allow|rule1|tcp|443|80|100"),
		"bad.log":  []byte("not-a-valid-firewall-line"),
	}}
	src := New(client, Options{MaxInflightFetches: 2})
	parser := logparser.NewFirewallParser()

	summary, err := src.FetchAndParse(context.Background(), "bucket",
		[]ObjectDescriptor{{Key: "good.log", Size: 10}, {Key: "bad.log", Size: 10}},
		parser, BatchOptions{MaxRecords: 10},
		func(ctx context.Context, batch []record.Record) error { return nil },
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summary.Successful) != 1 {
		t.Errorf("expected 1 successful object, got %d", len(summary.Successful))
	}
	if len(summary.Failed) != 1 || summary.Failed[0].Key != "bad.log" {
		t.Errorf("expected bad.log to be recorded as failed, got %+v", summary.Failed)
	}
}

func TestListRetriesOnSlowDown(t *testing.T) {
	client := &fakeS3Client{
		objects: map[string][]byte{"valid.log": []byte("data")},
		listErr: &retryableAPIError{code: "SlowDown"},
	}
	src := New(client, Options{ListRetry: retry.Options{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}})

	descriptors, err := src.List(context.Background(), "bucket", "prefix/", time.Time{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(descriptors) != 1 {
		t.Errorf("expected list to succeed after retry, got %+v", descriptors)
	}
}
