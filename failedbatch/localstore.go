package failedbatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// LocalStore persists failed batches as one JSON file per batch under a
// local directory, mirroring checkpoint.FileStore's path-cleaning and
// directory-creation idiom. It is the fallback backend when no S3 URI is
// configured, per section 4.9.
type LocalStore struct {
	dir   string
	nowFn func() time.Time
}

// NewLocalStore creates a LocalStore rooted at dir, creating dir and its
// archived/ subdirectory if absent.
func NewLocalStore(dir string) (*LocalStore, error) {
	cleanDir := filepath.Clean(dir)
	if !filepath.IsAbs(cleanDir) {
		return nil, fmt.Errorf("failedbatch: directory must be absolute: %s", cleanDir)
	}
	if err := os.MkdirAll(filepath.Join(cleanDir, "archived"), 0755); err != nil {
		return nil, fmt.Errorf("failedbatch: create directory: %w", err)
	}
	return &LocalStore{dir: cleanDir, nowFn: time.Now}, nil
}

// Persist implements Store.Persist against the local filesystem.
func (l *LocalStore) Persist(ctx context.Context, batchID, logType string, payload []byte, errorCategory, errorMessage string, retryCount int) error {
	fbr, err := buildRecord(batchID, logType, payload, errorCategory, errorMessage, retryCount, l.nowFn())
	if err != nil {
		return err
	}
	data, err := json.Marshal(fbr)
	if err != nil {
		return fmt.Errorf("failedbatch: encode record: %w", err)
	}
	name := fileName(batchID, fbr.Timestamp)
	if err := os.WriteFile(filepath.Join(l.dir, name), data, 0644); err != nil {
		return fmt.Errorf("failedbatch: write file: %w", err)
	}
	return nil
}

// List returns every non-archived failed-batch file in the store directory.
func (l *LocalStore) List(ctx context.Context) ([]Entry, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failedbatch: read directory: %w", err)
	}
	var out []Entry
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		out = append(out, Entry{Name: e.Name()})
	}
	return out, nil
}

// Load reads and decodes a previously persisted FailedBatchRecord.
func (l *LocalStore) Load(ctx context.Context, entry Entry) (FailedBatchRecord, error) {
	data, err := os.ReadFile(filepath.Join(l.dir, entry.Name))
	if err != nil {
		return FailedBatchRecord{}, fmt.Errorf("failedbatch: read file %s: %w", entry.Name, err)
	}
	var fbr FailedBatchRecord
	if err := json.Unmarshal(data, &fbr); err != nil {
		return FailedBatchRecord{}, fmt.Errorf("failedbatch: decode file %s: %w", entry.Name, err)
	}
	return fbr, nil
}

// Archive renames entry into the archived/ subdirectory with a replay
// timestamp suffix.
func (l *LocalStore) Archive(ctx context.Context, entry Entry, replayedAt time.Time) error {
	src := filepath.Join(l.dir, entry.Name)
	dst := filepath.Join(l.dir, archivedName(entry.Name, replayedAt))
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failedbatch: archive %s: %w", entry.Name, err)
	}
	return nil
}
