package failedbatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	json "github.com/goccy/go-json"

	"github.com/gurre/s3sentinel/awsiface"
)

// S3Store persists failed batches as one JSON object per batch under a
// configured S3 prefix, mirroring checkpoint.S3Store's URI-parsing and
// aws.S3Client dependency, extended with CopyObject/DeleteObject for
// Archive's move-into-archived/ behavior.
type S3Store struct {
	client awsiface.S3Client
	bucket string
	prefix string
	nowFn  func() time.Time
}

// NewS3Store creates an S3Store rooted at the given S3 URI
// (s3://bucket/sentinel-failed-batches/).
func NewS3Store(client awsiface.S3Client, uri string) (*S3Store, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("failedbatch: invalid S3 URI: %w", err)
	}
	if u.Scheme != "s3" {
		return nil, fmt.Errorf("failedbatch: invalid S3 URI scheme: %s", u.Scheme)
	}
	return &S3Store{
		client: client,
		bucket: u.Host,
		prefix: strings.TrimSuffix(strings.TrimPrefix(u.Path, "/"), "/"),
		nowFn:  time.Now,
	}, nil
}

func (s *S3Store) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

// Persist implements Store.Persist: decode, redact, and PutObject the
// resulting FailedBatchRecord under a key built from the batch_id and the
// persist time.
func (s *S3Store) Persist(ctx context.Context, batchID, logType string, payload []byte, errorCategory, errorMessage string, retryCount int) error {
	fbr, err := buildRecord(batchID, logType, payload, errorCategory, errorMessage, retryCount, s.nowFn())
	if err != nil {
		return err
	}
	data, err := json.Marshal(fbr)
	if err != nil {
		return fmt.Errorf("failedbatch: encode record: %w", err)
	}
	key := s.key(fileName(batchID, fbr.Timestamp))
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	}); err != nil {
		return fmt.Errorf("failedbatch: put object: %w", err)
	}
	return nil
}

// List returns every non-archived failed-batch object under the store's
// prefix.
func (s *S3Store) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	var continuationToken *string
	for {
		prefix := s.prefix
		if prefix != "" {
			prefix += "/"
		}
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &s.bucket,
			Prefix:            &prefix,
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, fmt.Errorf("failedbatch: list objects: %w", err)
		}
		for _, obj := range out.Contents {
			if obj.Key == nil {
				continue
			}
			rel := strings.TrimPrefix(*obj.Key, prefix)
			if strings.HasPrefix(rel, "archived/") || rel == "" {
				continue
			}
			entries = append(entries, Entry{Name: rel})
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		continuationToken = out.NextContinuationToken
	}
	return entries, nil
}

// Load fetches and decodes a previously persisted FailedBatchRecord.
func (s *S3Store) Load(ctx context.Context, entry Entry) (FailedBatchRecord, error) {
	key := s.key(entry.Name)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		return FailedBatchRecord{}, fmt.Errorf("failedbatch: get object %s: %w", key, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return FailedBatchRecord{}, fmt.Errorf("failedbatch: read object %s: %w", key, err)
	}
	var fbr FailedBatchRecord
	if err := json.Unmarshal(body, &fbr); err != nil {
		return FailedBatchRecord{}, fmt.Errorf("failedbatch: decode object %s: %w", key, err)
	}
	return fbr, nil
}

// Archive server-side copies entry into the archived/ subtree with a replay
// timestamp suffix, then deletes the original.
func (s *S3Store) Archive(ctx context.Context, entry Entry, replayedAt time.Time) error {
	srcKey := s.key(entry.Name)
	dstKey := s.key(archivedName(entry.Name, replayedAt))
	source := s.bucket + "/" + srcKey

	if _, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     &s.bucket,
		Key:        &dstKey,
		CopySource: &source,
	}); err != nil {
		return fmt.Errorf("failedbatch: copy object %s to %s: %w", srcKey, dstKey, err)
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &srcKey}); err != nil {
		return fmt.Errorf("failedbatch: delete object %s after archive: %w", srcKey, err)
	}
	return nil
}
