// Package polling drives a chunk.Subscription by repeatedly calling
// ReadAll from the last delivered Position, with configurable pacing, a
// Stopped/Running state machine, and a "caught up" primitive built on
// internal/notify for higher-level projection runtimes to block on.
package polling

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"nstore/internal/chunk"
	"nstore/internal/logging"
	"nstore/internal/notify"
)

// State is the polling client's lifecycle state.
type State int

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

// ErrorPolicy decides, given an error surfaced via the subscription's
// OnError, whether the client should continue polling (transient) or halt
// (fatal). The default policy always continues.
type ErrorPolicy func(err error) (continuePolling bool)

// AlwaysContinue never halts the client on error.
func AlwaysContinue(error) bool { return true }

// HaltOn builds an ErrorPolicy that halts whenever err matches one of the
// given sentinels via errors.Is, and continues otherwise.
func HaltOn(sentinels ...error) ErrorPolicy {
	return func(err error) bool {
		for _, s := range sentinels {
			if errors.Is(err, s) {
				return false
			}
		}
		return true
	}
}

// Config configures a Client.
type Config struct {
	// Limit bounds how many chunks a single poll's ReadAll call may
	// deliver. Defaults to 1000.
	Limit int64

	// Interval is the pacing delay between polls when the previous poll
	// delivered no chunks. Defaults to 200ms.
	Interval time.Duration

	// DisableImmediateRepoll makes the client wait out Interval between
	// polls even when the previous poll delivered chunks. By default a
	// non-empty poll is followed by an immediate re-poll.
	DisableImmediateRepoll bool

	// ErrorPolicy decides whether to continue after an OnError callback.
	// Defaults to AlwaysContinue.
	ErrorPolicy ErrorPolicy

	Logger *slog.Logger
}

// pollSubscription adapts a caller's chunk.Subscription, tracking the
// highest Position delivered so Client.Position can advance correctly
// even when the caller's own OnNext return value stops the scan early.
type pollSubscription struct {
	inner    chunk.Subscription
	lastSeen int64
}

func (p *pollSubscription) OnStart(initial int64) { p.inner.OnStart(initial) }
func (p *pollSubscription) OnNext(c chunk.Chunk) bool {
	p.lastSeen = c.Position
	return p.inner.OnNext(c)
}
func (p *pollSubscription) Completed(last int64) { p.lastSeen = last; p.inner.Completed(last) }
func (p *pollSubscription) Stopped(last int64)   { p.lastSeen = last; p.inner.Stopped(last) }
func (p *pollSubscription) OnError(last int64, err error) {
	p.lastSeen = last
	p.inner.OnError(last, err)
}

// Client drives sub via repeated backend.ReadAll calls.
type Client struct {
	backend chunk.Persistence
	sub     chunk.Subscription
	cfg     Config
	logger  *slog.Logger

	mu    sync.Mutex
	state State

	// position is the highest Position delivered, or the pre-scan
	// high-water mark after a clean empty poll (see pollOnce); waiters in
	// WaitCaughtUp block on it directly.
	position *notify.Watermark

	// tickMu is held for the duration of one tick; see tick.
	tickMu sync.Mutex

	scheduler gocron.Scheduler
	job       gocron.Job
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// New constructs a Client that has not yet started polling. startPosition
// is the Position immediately before the first chunk the client should
// ever see (so the first poll reads fromPos = startPosition+1).
func New(backend chunk.Persistence, sub chunk.Subscription, startPosition int64, cfg Config) *Client {
	if cfg.Limit <= 0 {
		cfg.Limit = 1000
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 200 * time.Millisecond
	}
	if cfg.ErrorPolicy == nil {
		cfg.ErrorPolicy = AlwaysContinue
	}
	return &Client{
		backend:  backend,
		sub:      sub,
		cfg:      cfg,
		logger:   logging.Default(cfg.Logger).With("component", "polling-client"),
		position: notify.NewWatermark(startPosition),
	}
}

// Position returns the highest Position the client has observed as
// delivered. After a clean empty poll it is raised to the backend's
// high-water mark read before that poll (see pollOnce).
func (c *Client) Position() int64 {
	return c.position.Value()
}

// State reports the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start is idempotent: calling it while already Running is a no-op. It
// schedules recurring ticks on a dedicated gocron scheduler rather than
// a hand-rolled goroutine+ticker. Each tick polls once immediately and,
// unless DisableImmediateRepoll is set, keeps polling back-to-back for
// as long as each poll keeps yielding chunks, so a burst of writes is
// drained within one tick instead of waiting out the full Interval per
// chunk.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateStopped {
		c.mu.Unlock()
		return nil
	}
	c.state = StateRunning
	c.stopCh = make(chan struct{})
	c.stoppedCh = make(chan struct{})
	halted := false
	c.mu.Unlock()

	s, err := gocron.NewScheduler()
	if err != nil {
		c.mu.Lock()
		c.state = StateStopped
		c.mu.Unlock()
		return err
	}

	job, err := s.NewJob(
		gocron.DurationJob(c.cfg.Interval),
		gocron.NewTask(func() {
			c.mu.Lock()
			stop := halted
			c.mu.Unlock()
			if stop {
				return
			}
			c.tick(ctx, &halted)
		}),
	)
	if err != nil {
		c.mu.Lock()
		c.state = StateStopped
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.scheduler = s
	c.job = job
	c.mu.Unlock()

	s.Start()

	go func() {
		<-c.stopCh
		close(c.stoppedCh)
	}()

	// Run the first tick immediately rather than waiting out the initial
	// Interval, so a caller observes progress after a single poll cycle.
	go c.tick(ctx, &halted)

	return nil
}

// tick runs pollOnce, then keeps re-polling without delay as long as the
// previous poll yielded chunks and immediate re-poll is enabled. A fatal
// error (per ErrorPolicy) sets *halted so future scheduled ticks become
// no-ops; Stop still shuts the scheduler down cleanly.
//
// tickMu serializes ticks: the immediate first poll and a scheduled tick
// may otherwise overlap, and the subscription must only ever see one
// delivery stream at a time.
func (c *Client) tick(ctx context.Context, halted *bool) {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		delivered, err := c.pollOnce(ctx)
		if err != nil {
			c.logger.Error("poll error", "error", err)
			if !c.cfg.ErrorPolicy(err) {
				c.mu.Lock()
				*halted = true
				c.mu.Unlock()
				return
			}
		}

		if !delivered || c.cfg.DisableImmediateRepoll {
			return
		}
	}
}

// pollOnce runs one ReadAll call and advances the position watermark to
// the largest Position delivered. A clean poll that delivers nothing
// advances the watermark to the backend's high-water mark read before the
// scan: every position at or below it was already visible when the scan
// started, so anything the scan skipped there is soft-deleted and will
// never be delivered. Without this, a deleted tail would pin the client
// below ReadLastPosition forever.
func (c *Client) pollOnce(ctx context.Context) (delivered bool, err error) {
	fromPos := c.position.Value() + 1

	last, err := c.backend.ReadLastPosition(ctx)
	if err != nil {
		return false, err
	}

	wrapped := &pollSubscription{inner: c.sub, lastSeen: fromPos - 1}
	err = c.backend.ReadAll(ctx, fromPos, wrapped, c.cfg.Limit)

	if wrapped.lastSeen >= fromPos {
		delivered = true
		c.position.Advance(wrapped.lastSeen)
	} else if err == nil {
		c.position.Advance(last)
	}
	return delivered, err
}

// Stop requests the poll loop to halt and returns a channel that is
// closed once it has fully stopped.
func (c *Client) Stop() <-chan struct{} {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		done := make(chan struct{})
		close(done)
		return done
	}
	c.state = StateStopping
	stopCh := c.stopCh
	scheduler := c.scheduler
	c.mu.Unlock()

	close(stopCh)

	done := make(chan struct{})
	go func() {
		<-c.stoppedCh
		if scheduler != nil {
			_ = scheduler.Shutdown()
		}
		c.mu.Lock()
		c.state = StateStopped
		c.mu.Unlock()
		close(done)
	}()
	return done
}

// WaitCaughtUp blocks until Position() >= the backend's current
// ReadLastPosition, or ctx is cancelled. This is the hook higher-level
// runtimes use to block until a projection has observed every write made
// before the call.
func (c *Client) WaitCaughtUp(ctx context.Context) error {
	target, err := c.backend.ReadLastPosition(ctx)
	if err != nil {
		return err
	}
	return c.position.Wait(ctx, target)
}
