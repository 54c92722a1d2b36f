// Package simulator provides the test-only latency injection hook used
// by the in-memory backend: before every observable
// step (a write becoming visible, a chunk delivered to a subscription),
// the backend awaits Simulator.Wait. The default simulator is a no-op;
// reference simulators introduce fixed or jittered delays to exercise
// ordering and cancellation under concurrency.
package simulator

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Simulator is invoked by a backend before every observable step. Wait
// must respect ctx cancellation rather than sleeping unconditionally.
type Simulator interface {
	Wait(ctx context.Context) error
}

// NoOp never delays. It is the default for every backend.
type NoOp struct{}

func (NoOp) Wait(ctx context.Context) error { return ctx.Err() }

var _ Simulator = NoOp{}

// Fixed delays every observable step by exactly Delay, useful for
// deterministically reordering concurrent writers/readers in tests.
type Fixed struct {
	Delay time.Duration
}

func (f Fixed) Wait(ctx context.Context) error {
	if f.Delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(f.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ Simulator = Fixed{}

// Jittered delays each observable step by waiting for a token from a
// rate.Limiter, producing non-uniform, bursty latency rather than Fixed's
// constant delay.
type Jittered struct {
	Limiter *rate.Limiter
}

// NewJittered builds a Jittered simulator allowing eventsPerSecond
// observable steps per second with burst headroom of burst.
func NewJittered(eventsPerSecond float64, burst int) Jittered {
	return Jittered{Limiter: rate.NewLimiter(rate.Limit(eventsPerSecond), burst)}
}

func (j Jittered) Wait(ctx context.Context) error {
	if j.Limiter == nil {
		return ctx.Err()
	}
	return j.Limiter.Wait(ctx)
}

var _ Simulator = Jittered{}
