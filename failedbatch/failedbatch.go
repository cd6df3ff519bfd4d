// Package failedbatch implements the FailedBatchRecord persistence
// described in section 4.9 of the design specification, grounded on the
// teacher's checkpoint.S3Store/FileStore Load/Save pattern and on
// original_source/src/s3_sentinel/replay.py for the replay/archive shape.
// Two backends are offered, selected at construction: S3Store (preferred)
// and LocalStore (fallback). Both redact a batch's PII before writing it,
// on a deep copy, per section 4.9 and the failedbatch/redact subpackage.
package failedbatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/gurre/s3sentinel/failedbatch/redact"
	"github.com/gurre/s3sentinel/record"
)

// FailedBatchRecord is the persisted shape defined in section 3: a failed
// batch's identity, its failure classification, and its (redacted) payload.
type FailedBatchRecord struct {
	BatchID       string          `json:"batch_id"`
	Timestamp     time.Time       `json:"timestamp"`
	ErrorCategory string          `json:"error_category"`
	ErrorMessage  string          `json:"error_message"`
	RetryCount    int             `json:"retry_count"`
	LogType       string          `json:"log_type"`
	Data          []record.Record `json:"data"`
}

// Entry identifies one persisted failed-batch file for listing/replay,
// without requiring the caller to load its full payload first.
type Entry struct {
	Name string // opaque backend-specific identifier passed back to Load/Archive
}

// Store persists and replays failed batches, per section 4.9. Persist is not
// idempotent by batch_id: each call writes a new file whose name includes
// the persist time, so repeated calls for the same batch produce separate
// entries.
type Store interface {
	Persist(ctx context.Context, batchID, logType string, payload []byte, errorCategory, errorMessage string, retryCount int) error
	List(ctx context.Context) ([]Entry, error)
	Load(ctx context.Context, entry Entry) (FailedBatchRecord, error)
	// Archive moves a successfully replayed entry into the store's
	// archived/ subtree, suffixed with a replay timestamp.
	Archive(ctx context.Context, entry Entry, replayedAt time.Time) error
}

// fileName builds the section 4.9 file-name convention:
// failed-batch-<batch_id>-<timestamp>.json, with ':' replaced by '-' for
// filesystem/object-key compatibility.
func fileName(batchID string, ts time.Time) string {
	safeTS := strings.ReplaceAll(ts.UTC().Format(time.RFC3339Nano), ":", "-")
	return fmt.Sprintf("failed-batch-%s-%s.json", batchID, safeTS)
}

// archivedName appends a replay timestamp suffix to an existing failed-batch
// file name, placing it conceptually under archived/.
func archivedName(name string, replayedAt time.Time) string {
	safeTS := strings.ReplaceAll(replayedAt.UTC().Format(time.RFC3339Nano), ":", "-")
	trimmed := strings.TrimSuffix(name, ".json")
	return fmt.Sprintf("archived/%s-replayed-%s.json", trimmed, safeTS)
}

// buildRecord decodes a sentinelsink-serialized batch payload, redacts it on
// a deep copy, and assembles the FailedBatchRecord to persist. The original
// in-memory payload bytes are only ever read, never mutated.
func buildRecord(batchID, logType string, payload []byte, errorCategory, errorMessage string, retryCount int, now time.Time) (FailedBatchRecord, error) {
	var batch []record.Record
	if err := json.Unmarshal(payload, &batch); err != nil {
		return FailedBatchRecord{}, fmt.Errorf("failedbatch: decode batch payload: %w", err)
	}
	return FailedBatchRecord{
		BatchID:       batchID,
		Timestamp:     now.UTC(),
		ErrorCategory: errorCategory,
		ErrorMessage:  errorMessage,
		RetryCount:    retryCount,
		LogType:       logType,
		Data:          redact.Batch(batch),
	}, nil
}
