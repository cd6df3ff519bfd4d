// Package watermark implements the per-(bucket,prefix) high-water-mark
// persistence used by S3Source/PipelineRunner to avoid reprocessing objects
// across cycles, adapted from the teacher's checkpoint package
// (checkpoint.S3Store/FileStore) and generalized from a single-export
// ExportID/LastFile/LastByteOffset key to a bucket+prefix key holding a
// LastModified high-water time, per section 3/4.8 of the design
// specification.
package watermark

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	json "github.com/goccy/go-json"

	"github.com/gurre/s3sentinel/awsiface"
)

// State is the persisted watermark for a single (bucket, prefix) source, as
// defined in section 3 of the design specification.
type State struct {
	Bucket                string    `json:"bucket"`
	Prefix                string    `json:"prefix"`
	LastModifiedHighWater time.Time `json:"lastModifiedHighWater"`
}

// Store defines the contract for loading and saving watermark state, keyed
// by bucket and prefix.
type Store interface {
	Load(ctx context.Context, bucket, prefix string) (State, error)
	Save(ctx context.Context, state State) error
}

// sourceKey derives a filesystem/S3-key-safe identifier for a (bucket,
// prefix) pair so that distinct sources never collide on one object key.
func sourceKey(bucket, prefix string) string {
	sum := sha256.Sum256([]byte(bucket + "/" + prefix))
	return hex.EncodeToString(sum[:8])
}

// S3Store implements Store by storing one JSON object per source under a
// configured base S3 URI, mirroring checkpoint.S3Store's Load/Save shape.
type S3Store struct {
	client awsiface.S3Client
	bucket string
	prefix string
}

// NewS3Store creates an S3Store rooted at the given S3 URI
// (s3://bucket/watermarks/).
func NewS3Store(client awsiface.S3Client, uri string) (*S3Store, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("watermark: invalid S3 URI: %w", err)
	}
	if u.Scheme != "s3" {
		return nil, fmt.Errorf("watermark: invalid S3 URI scheme: %s", u.Scheme)
	}
	return &S3Store{
		client: client,
		bucket: u.Host,
		prefix: strings.TrimPrefix(u.Path, "/"),
	}, nil
}

func (s *S3Store) objectKey(bucket, prefix string) string {
	return strings.TrimSuffix(s.prefix, "/") + "/" + sourceKey(bucket, prefix) + ".json"
}

// Load fetches persisted watermark state for a source. A missing object
// returns a zero-value State (first run), not an error.
func (s *S3Store) Load(ctx context.Context, bucket, prefix string) (State, error) {
	key := s.objectKey(bucket, prefix)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return State{Bucket: bucket, Prefix: prefix}, nil
		}
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return State{Bucket: bucket, Prefix: prefix}, nil
		}
		return State{}, fmt.Errorf("watermark: get object: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var state State
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return State{}, fmt.Errorf("watermark: decode: %w", err)
	}
	return state, nil
}

// Save persists watermark state for a source.
func (s *S3Store) Save(ctx context.Context, state State) error {
	key := s.objectKey(state.Bucket, state.Prefix)
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("watermark: encode: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("watermark: put object: %w", err)
	}
	return nil
}

// FileStore implements Store using one JSON file per source under a local
// directory, mirroring checkpoint.FileStore.
type FileStore struct {
	dir string
}

// NewFileStore creates a FileStore rooted at dir, creating it if absent.
func NewFileStore(dir string) (*FileStore, error) {
	cleanDir := filepath.Clean(dir)
	if !filepath.IsAbs(cleanDir) {
		return nil, fmt.Errorf("watermark: directory must be absolute: %s", cleanDir)
	}
	if err := os.MkdirAll(cleanDir, 0755); err != nil {
		return nil, fmt.Errorf("watermark: create directory: %w", err)
	}
	return &FileStore{dir: cleanDir}, nil
}

func (f *FileStore) path(bucket, prefix string) string {
	return filepath.Join(f.dir, sourceKey(bucket, prefix)+".json")
}

// Load reads persisted watermark state for a source, returning a zero-value
// State when no file exists yet.
func (f *FileStore) Load(ctx context.Context, bucket, prefix string) (State, error) {
	data, err := os.ReadFile(f.path(bucket, prefix))
	if err != nil {
		if os.IsNotExist(err) {
			return State{Bucket: bucket, Prefix: prefix}, nil
		}
		return State{}, fmt.Errorf("watermark: read file: %w", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("watermark: decode: %w", err)
	}
	return state, nil
}

// Save writes watermark state for a source to its local file.
func (f *FileStore) Save(ctx context.Context, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("watermark: encode: %w", err)
	}
	if err := os.WriteFile(f.path(state.Bucket, state.Prefix), data, 0644); err != nil {
		return fmt.Errorf("watermark: write file: %w", err)
	}
	return nil
}

// MemoryStore implements Store entirely in-memory, for tests and for
// single-cycle (RunOnce) invocations that don't need cross-process
// durability.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]State
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

// Load returns the in-memory state for a source, or a zero-value State if
// none has been saved yet.
func (m *MemoryStore) Load(ctx context.Context, bucket, prefix string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[sourceKey(bucket, prefix)]; ok {
		return s, nil
	}
	return State{Bucket: bucket, Prefix: prefix}, nil
}

// Save stores watermark state in memory, keyed by bucket and prefix.
func (m *MemoryStore) Save(ctx context.Context, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[sourceKey(state.Bucket, state.Prefix)] = state
	return nil
}
