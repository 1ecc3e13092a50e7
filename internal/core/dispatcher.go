package core

import (
	"DiceLedger/internal/event"
	"DiceLedger/internal/observability"
	"context"
)

// Dispatcher is the single entry point into the engine. Submissions are
// processed one at a time in arrival order by Run; each call sees the
// committed effects of all earlier calls.
type Dispatcher struct {
	engine  *SettlementEngine
	queue   chan submission
	metrics *observability.Metrics
}

type submission struct {
	ctx   context.Context
	evt   event.Event
	reply chan reply
}

type reply struct {
	result *Result
	err    error
}

func NewDispatcher(engine *SettlementEngine, queueSize int, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		engine:  engine,
		queue:   make(chan submission, queueSize),
		metrics: metrics,
	}
}

// Submit enqueues evt and waits for its result. If ctx ends after the
// command was enqueued it may still be applied.
func (d *Dispatcher) Submit(ctx context.Context, evt event.Event) (*Result, error) {
	sub := submission{ctx: ctx, evt: evt, reply: make(chan reply, 1)}

	select {
	case d.queue <- sub:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-sub.reply:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run drains the queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sub := <-d.queue:
			if d.metrics != nil {
				d.metrics.DispatchQueueDepth.Set(float64(len(d.queue)))
			}
			result, err := d.engine.ProcessEvent(sub.ctx, sub.evt)
			sub.reply <- reply{result: result, err: err}
		}
	}
}
