package controller

import (
	"context"
	"time"

	"github.com/e7canasta/orion-multistream/internal/batch"
	"github.com/e7canasta/orion-multistream/internal/compositor"
	"github.com/e7canasta/orion-multistream/internal/inference"
	"github.com/e7canasta/orion-multistream/internal/padlink"
	"github.com/e7canasta/orion-multistream/internal/stream"
)

// Observer receives lifecycle notifications from the serialized stage.
// Implementations must not block and must not call back into the
// Controller.
type Observer interface {
	Transition(tr padlink.Transition)
	Stalled(id stream.ID, uri string)
	Retry(id stream.ID, attempt int, delay time.Duration)
	Batch(b *batch.Batch, res inference.Result, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) Transition(padlink.Transition) {}
func (nopObserver) Stalled(stream.ID, string) {}
func (nopObserver) Retry(stream.ID, int, time.Duration) {}
func (nopObserver) Batch(*batch.Batch, inference.Result, time.Duration) {}

// Output is everything produced for one batch.
type Output struct {
	Batch  *batch.Batch
	Result inference.Result
	Layout compositor.TileLayout
}

// Sink consumes outputs in the serialized stage. A sink error is logged
// and never stops the pipeline, so sinks doing I/O should queue.
type Sink interface {
	Consume(ctx context.Context, out Output) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, out Output) error

// Consume calls f.
func (f SinkFunc) Consume(ctx context.Context, out Output) error {
	return f(ctx, out)
}

// Option configures a Controller.
type Option func(*Controller)

// WithSink appends an output sink.
func WithSink(s Sink) Option {
	return func(c *Controller) { c.sinks = append(c.sinks, s) }
}

// WithObserver installs a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// WithClock replaces time.Now for operations that run outside Tick.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}
