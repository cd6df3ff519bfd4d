// Package pipeline implements PipelineRunner, the top-level orchestrator
// described in section 4.8 of the design specification: one run_once cycle
// lists new S3 objects since the last watermark, fetches and parses them,
// routes each batch through a SentinelSink, and advances the watermark on
// success. run_forever wraps this in a poll loop with OS signal handling,
// adapted from the teacher's coordinator.Coordinator.Run.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/gurre/s3sentinel/logparser"
	"github.com/gurre/s3sentinel/record"
	"github.com/gurre/s3sentinel/s3source"
	"github.com/gurre/s3sentinel/sentinelsink"
	"github.com/gurre/s3sentinel/watermark"
)

// PipelineState is the status snapshot PipelineRunner publishes for an
// external health/ready/metrics collaborator to read, per section 6's note
// that the HTTP surface itself is out of core scope.
type PipelineState struct {
	Running                  bool
	Ready                    bool
	StartedAt                time.Time
	LastSuccessTime          time.Time
	LastError                string
	CyclesTotal              int64
	ProcessedFilesTotal      int64
	FailedFilesTotal         int64
	LastCycleDurationSeconds float64
}

// Config bundles the knobs RunOnce/RunForever need that aren't already
// owned by one of the wired components.
type Config struct {
	Bucket       string
	Prefix       string
	LogType      string
	PollInterval time.Duration
	BatchOpts    s3source.BatchOptions
}

// Runner owns the watermark for one (bucket, prefix) source and drives it
// through repeated S3Source.List / FetchAndParse / SentinelSink.Route
// cycles.
type Runner struct {
	cfg    Config
	source *s3source.Source
	sink   *sentinelsink.Sink
	parser logparser.Parser
	wm     watermark.Store

	mu    sync.RWMutex
	state PipelineState
}

// New constructs a Runner over already-wired components; assembling those
// components from configuration/flags is out of core scope per section 6.
func New(cfg Config, source *s3source.Source, sink *sentinelsink.Sink, parser logparser.Parser, wm watermark.Store) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	return &Runner{cfg: cfg, source: source, sink: sink, parser: parser, wm: wm}
}

// Sink returns the runner's SentinelSink, so a caller can drive a
// failedbatch.Replay against the same routing path this runner uses.
func (r *Runner) Sink() *sentinelsink.Sink {
	return r.sink
}

// State returns a snapshot of the runner's current PipelineState.
func (r *Runner) State() PipelineState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// RunOnce executes a single cycle: list objects modified after the current
// watermark, fetch and parse them, route each batch through the sink, and
// advance the watermark to the highest LastModified seen, per section 4.8.
// The watermark only advances when the whole cycle succeeds.
func (r *Runner) RunOnce(ctx context.Context) error {
	cycleID := uuid.NewString()
	start := time.Now()
	log := slog.With("cycle_id", cycleID, "log_type", r.cfg.LogType)

	wmState, err := r.wm.Load(ctx, r.cfg.Bucket, r.cfg.Prefix)
	if err != nil {
		return r.recordCycleError(start, fmt.Errorf("pipeline: load watermark: %w", err))
	}

	objects, err := r.source.List(ctx, r.cfg.Bucket, r.cfg.Prefix, wmState.LastModifiedHighWater)
	if err != nil {
		return r.recordCycleError(start, fmt.Errorf("pipeline: list objects: %w", err))
	}
	log.Info("listed objects", "count", len(objects))

	var routeErr error
	sinkCallback := func(ctx context.Context, batch []record.Record) error {
		result, err := r.sink.Route(ctx, r.cfg.LogType, batch)
		if err == nil && result.Failed > 0 {
			err = fmt.Errorf("sentinelsink: %d records failed to upload", result.Failed)
		}
		if err != nil {
			// Routing failures are durable via FailedBatchSink; RunOnce keeps
			// going so later objects in this cycle are still routed, but the
			// cycle as a whole is reported as failed and the watermark is
			// not advanced.
			routeErr = err
			log.Warn("batch route failed", "error", err)
		}
		return nil
	}

	summary, err := r.source.FetchAndParse(ctx, r.cfg.Bucket, objects, r.parser, r.cfg.BatchOpts, sinkCallback)
	if err != nil {
		return r.recordCycleError(start, fmt.Errorf("pipeline: fetch and parse: %w", err))
	}

	// The watermark only ever advances past objects that actually reached
	// the sink; a failed object's last_modified must never count, even
	// though it was part of this cycle's listing.
	highWater := wmState.LastModifiedHighWater
	for _, obj := range summary.Successful {
		if obj.LastModified.After(highWater) {
			highWater = obj.LastModified
		}
	}

	if routeErr != nil {
		return r.recordCycleError(start, fmt.Errorf("pipeline: one or more batches failed to route: %w", routeErr))
	}
	if len(summary.Failed) > 0 {
		log.Warn("objects failed to fetch or parse", "failed_count", len(summary.Failed))
	}

	if highWater.After(wmState.LastModifiedHighWater) {
		wmState.Bucket = r.cfg.Bucket
		wmState.Prefix = r.cfg.Prefix
		wmState.LastModifiedHighWater = highWater
		if err := r.wm.Save(ctx, wmState); err != nil {
			return r.recordCycleError(start, fmt.Errorf("pipeline: save watermark: %w", err))
		}
	}

	r.recordCycleSuccess(start, len(summary.Successful), len(summary.Failed))
	log.Info("cycle complete", "processed", len(summary.Successful), "failed", len(summary.Failed), "duration", time.Since(start))
	return nil
}

// RunForever installs SIGINT/SIGTERM handling and loops RunOnce with a
// cancellable wait of cfg.PollInterval between cycles, exactly as the
// teacher's Coordinator.Run installs signal.NotifyContext before its worker
// pool. A cycle error sleeps min(PollInterval, 5s) before retrying, per
// section 4.8.
func (r *Runner) RunForever(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	r.mu.Lock()
	r.state.Running = true
	r.state.StartedAt = time.Now().UTC()
	r.mu.Unlock()

	for {
		err := r.RunOnce(ctx)

		wait := r.cfg.PollInterval
		if err != nil {
			slog.Error("pipeline cycle failed", "error", err)
			if wait > 5*time.Second {
				wait = 5 * time.Second
			}
		}

		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.state.Running = false
			r.mu.Unlock()
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (r *Runner) recordCycleError(start time.Time, err error) error {
	r.mu.Lock()
	r.state.Ready = false
	r.state.LastError = err.Error()
	r.state.CyclesTotal++
	r.state.LastCycleDurationSeconds = time.Since(start).Seconds()
	r.mu.Unlock()
	return err
}

func (r *Runner) recordCycleSuccess(start time.Time, processed, failed int) {
	r.mu.Lock()
	r.state.Ready = true
	r.state.LastError = ""
	r.state.LastSuccessTime = time.Now().UTC()
	r.state.CyclesTotal++
	r.state.ProcessedFilesTotal += int64(processed)
	r.state.FailedFilesTotal += int64(failed)
	r.state.LastCycleDurationSeconds = time.Since(start).Seconds()
	r.mu.Unlock()
}
