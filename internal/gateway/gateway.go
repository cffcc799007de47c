package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/user/gophercall/internal/types"
)

// Gateway turns inbound caller messages into runs. It opens the call record
// if this is the first we hear of the call, wraps each turn in a Run, and
// enqueues the run on the call's lane.
type Gateway struct {
	calls  types.CallStore
	events types.EventStore
	Queue  *Queue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Gateway wired to the provided stores with the given
// concurrency limit for simultaneous run processing.
func New(calls types.CallStore, events types.EventStore, maxConcurrent ...int64) *Gateway {
	var concurrency int64 = 2
	if len(maxConcurrent) > 0 && maxConcurrent[0] > 0 {
		concurrency = maxConcurrent[0]
	}
	return &Gateway{
		calls:  calls,
		events: events,
		Queue:  NewQueue(concurrency),
	}
}

// Start initialises the gateway's context and starts the internal queue.
func (g *Gateway) Start(ctx context.Context) {
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.Queue.Start(g.ctx)
}

// Stop cancels the gateway context, stops the queue, and waits for any
// outstanding work to finish.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.Queue.Stop()
	g.wg.Wait()
}

// RunOption configures optional behavior on a Run.
type RunOption func(*Run)

// WithOnComplete sets a callback invoked when the run produces a final reply.
func WithOnComplete(fn func(text string, endCall bool)) RunOption {
	return func(r *Run) { r.OnComplete = fn }
}

// HandleTurn records the call if needed, wraps the turn in a Run, and
// enqueues it for processing. A turn for a call we have no record of opens
// one with an unknown source; the orchestrator heals the source when the
// call_start finally arrives.
func (g *Gateway) HandleTurn(ctx context.Context, turn *types.InboundTurn, opts ...RunOption) error {
	if _, err := g.calls.Open(ctx, turn.CallID, "unknown", time.Time{}); err != nil {
		return fmt.Errorf("open call: %w", err)
	}
	run := NewRun(turn)
	for _, opt := range opts {
		opt(run)
	}
	return g.Queue.Enqueue(run)
}
