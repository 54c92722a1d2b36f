// Package batch aggregates concurrent Append-shaped calls into windows
// flushed either by size or by a timer, issues one bulk insert per
// window, and distributes per-row outcomes back to the submitting
// callers. Per-row
// duplicate handling is structural (chunk.WriteOutcome), never raised as
// an error; only connection/timeout-class failures propagate, and in that
// case every job in the window receives the same error.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"nstore/internal/chunk"
	"nstore/internal/logging"
)

// Backend is the bulk-insert capability a Writer rides on. Any
// chunk.Persistence satisfies it.
type Backend interface {
	AppendBatch(ctx context.Context, jobs []chunk.WriteJob) ([]chunk.WriteOutcome, error)
}

// Result is what a Submit caller receives: either a per-job outcome, or an
// error if the window's bulk insert itself failed (connection, timeout).
type Result struct {
	Outcome chunk.WriteOutcome
	Err     error
}

// Config configures a Writer.
type Config struct {
	// MaxBatchSize flushes the current window immediately once it reaches
	// this many pending jobs. Defaults to 256.
	MaxBatchSize int

	// FlushInterval bounds how long a partially-filled window waits before
	// flushing. Defaults to 10ms.
	FlushInterval time.Duration

	// MaxConcurrentDispatch bounds how many result channels are written
	// to concurrently per flush (golang.org/x/sync/errgroup.SetLimit).
	// Defaults to 8.
	MaxConcurrentDispatch int

	Logger *slog.Logger
}

type pendingJob struct {
	job    chunk.WriteJob
	result chan Result
}

// Writer batches concurrent writers submitting against one backend.
type Writer struct {
	backend Backend
	cfg     Config
	logger  *slog.Logger

	mu      sync.Mutex
	pending []pendingJob
	timer   *time.Timer
}

// New constructs a Writer over backend.
func New(backend Backend, cfg Config) *Writer {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 256
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Millisecond
	}
	if cfg.MaxConcurrentDispatch <= 0 {
		cfg.MaxConcurrentDispatch = 8
	}
	return &Writer{
		backend: backend,
		cfg:     cfg,
		logger:  logging.Default(cfg.Logger).With("component", "batch-writer"),
	}
}

// Submit enqueues job into the current window and returns a channel that
// receives exactly one Result once that window flushes.
func (w *Writer) Submit(job chunk.WriteJob) <-chan Result {
	ch := make(chan Result, 1)

	w.mu.Lock()
	w.pending = append(w.pending, pendingJob{job: job, result: ch})
	shouldFlushNow := len(w.pending) >= w.cfg.MaxBatchSize
	if !shouldFlushNow && w.timer == nil {
		w.timer = time.AfterFunc(w.cfg.FlushInterval, func() { w.flush(context.Background()) })
	}
	w.mu.Unlock()

	if shouldFlushNow {
		go w.flush(context.Background())
	}
	return ch
}

// flush drains the current window and issues one AppendBatch call for it.
// Concurrent flush invocations (one from a size trip, one from the timer)
// are safe: whichever wins the lock takes the whole pending slice, the
// other observes an empty window and returns immediately.
func (w *Writer) flush(ctx context.Context) {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	jobs := make([]chunk.WriteJob, len(batch))
	for i, p := range batch {
		jobs[i] = p.job
	}

	outcomes, err := w.backend.AppendBatch(ctx, jobs)
	if err != nil {
		w.logger.Error("batch append failed", "jobs", len(jobs), "error", err)
		err = fmt.Errorf("batch: append batch: %w", err)
		for _, p := range batch {
			p.result <- Result{Err: err}
			close(p.result)
		}
		return
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.MaxConcurrentDispatch)
	for i, p := range batch {
		i, p := i, p
		g.Go(func() error {
			var outcome chunk.WriteOutcome
			if i < len(outcomes) {
				outcome = outcomes[i]
			}
			p.result <- Result{Outcome: outcome}
			close(p.result)
			return nil
		})
	}
	_ = g.Wait()
}

// Flush forces an immediate flush of any pending window, used by callers
// that need bounded latency (e.g. shutdown draining).
func (w *Writer) Flush(ctx context.Context) {
	w.flush(ctx)
}
