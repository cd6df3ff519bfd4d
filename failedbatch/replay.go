package failedbatch

import (
	"context"
	"fmt"
	"time"

	"github.com/gurre/s3sentinel/record"
	"github.com/gurre/s3sentinel/sentinelsink"
)

// Router is the narrow interface Replay needs from sentinelsink.Sink: route
// a batch of records back through the normal per-table pipeline, keyed by
// the same logType the original route() call used.
type Router interface {
	Route(ctx context.Context, logType string, records []record.Record) error
}

// sinkRouter adapts sentinelsink.Sink.Route's (RouteResult, error) return to
// the single-error Router interface Replay needs; a result with any failed
// records is turned into an error so Replay does not archive that entry.
type sinkRouter struct{ sink *sentinelsink.Sink }

// SinkRouter wraps a Sink so it satisfies Router for use with Replay.
func SinkRouter(sink *sentinelsink.Sink) Router { return sinkRouter{sink: sink} }

func (r sinkRouter) Route(ctx context.Context, logType string, records []record.Record) error {
	result, err := r.sink.Route(ctx, logType, records)
	if err != nil {
		return err
	}
	if result.Failed > 0 {
		return fmt.Errorf("sentinelsink: %d records failed to upload", result.Failed)
	}
	return nil
}

// ReplaySummary reports the outcome of one Replay invocation.
type ReplaySummary struct {
	Replayed int
	Archived int
	Failed   []ReplayFailure
}

// ReplayFailure names one entry Replay could not successfully re-route.
type ReplayFailure struct {
	Entry Entry
	Error string
}

// Replay iterates every persisted, non-archived entry in store, re-routes
// its payload through router, and archives entries that route successfully,
// per section 4.9's replay helper. now is injected so the archive timestamp
// is deterministic in tests; callers pass time.Now in production.
func Replay(ctx context.Context, store Store, router Router, now func() time.Time) (ReplaySummary, error) {
	entries, err := store.List(ctx)
	if err != nil {
		return ReplaySummary{}, fmt.Errorf("failedbatch: list entries: %w", err)
	}

	var summary ReplaySummary
	for _, entry := range entries {
		fbr, err := store.Load(ctx, entry)
		if err != nil {
			summary.Failed = append(summary.Failed, ReplayFailure{Entry: entry, Error: err.Error()})
			continue
		}

		if err := router.Route(ctx, fbr.LogType, fbr.Data); err != nil {
			summary.Failed = append(summary.Failed, ReplayFailure{Entry: entry, Error: err.Error()})
			continue
		}
		summary.Replayed++

		if err := store.Archive(ctx, entry, now()); err != nil {
			summary.Failed = append(summary.Failed, ReplayFailure{Entry: entry, Error: fmt.Sprintf("archive after successful replay: %v", err)})
			continue
		}
		summary.Archived++
	}
	return summary, nil
}
