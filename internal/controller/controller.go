// Package controller is the top-level orchestrator of the multi-stream
// pipeline.
//
// The Controller owns the stream registry, the slot pool and the batch
// assembler. One goroutine per source pulls frames; everything else
// (event handling, state transitions, batch assembly, inference dispatch
// and layout) happens in Tick, which must be called from a single
// goroutine. Run does that on a ticker.
//
// Stream failures never leave the controller: they end in Error and then
// Removed, or a retry. Only assembler protocol violations and inference
// failures are returned from Tick and Run.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"

	"github.com/e7canasta/orion-multistream/internal/batch"
	"github.com/e7canasta/orion-multistream/internal/compositor"
	"github.com/e7canasta/orion-multistream/internal/inference"
	"github.com/e7canasta/orion-multistream/internal/padlink"
	"github.com/e7canasta/orion-multistream/internal/source"
	"github.com/e7canasta/orion-multistream/internal/stream"
)

var (
	// ErrClosed is returned by operations on a closed controller.
	ErrClosed = errors.New("controller: closed")
	// ErrStalled is the cause recorded for streams that stop delivering.
	ErrStalled = errors.New("stream stalled")
	// ErrCloseGrace is the cause recorded when a worker does not unwind
	// within the grace period.
	ErrCloseGrace = errors.New("close grace period exceeded")
)

// Stats are cumulative controller counters.
type Stats struct {
	Batches     uint64
	Frames      uint64
	Stalls      uint64
	Retries     uint64
	Reclaimed   uint64
	DroppedLate uint64 // events from reclaimed workers
	Assembler   batch.Stats
}

// Controller multiplexes streams into batched inference.
type Controller struct {
	cfg      Config
	opener   source.Opener
	engine   inference.Engine
	sinks    []Sink
	observer Observer
	now      func() time.Time

	// mu serializes the stage. Tick holds it while applying transitions;
	// AddStream, RemoveStream and the read accessors take it briefly.
	mu       sync.Mutex
	registry *stream.Registry
	machine  *padlink.Machine
	asm      *batch.Assembler
	workers  map[stream.ID]*worker
	retryAt  map[stream.ID]time.Time
	layout   compositor.TileLayout
	dirty    bool
	fatal    error
	gen      uint64
	added    bool
	closed   bool
	stats    Stats

	events chan event

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	errMu     sync.Mutex
	closeErrs []error
}

// New validates cfg and returns an idle controller. engine is not closed
// by the controller.
func New(cfg Config, opener source.Opener, engine inference.Engine, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opener == nil {
		return nil, fmt.Errorf("controller: opener is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("controller: inference engine is required")
	}
	asm, err := batch.New(cfg.batchConfig())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:      cfg,
		opener:   opener,
		engine:   engine,
		observer: nopObserver{},
		now:      time.Now,
		registry: stream.NewRegistry(),
		asm:      asm,
		workers:  make(map[stream.ID]*worker),
		retryAt:  make(map[stream.ID]time.Time),
		events:   make(chan event, cfg.EventQueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.machine = padlink.NewMachine(padlink.NewPool(cfg.Capacity), c.onTransition)
	c.machine.Rank(c.registry)
	c.layout = compositor.Recompute(nil, cfg.Canvas)

	slog.Info("controller: created",
		"capacity", cfg.Capacity,
		"max_wait", cfg.MaxWait,
		"miss_threshold", cfg.MissThreshold,
		"max_retries", cfg.Retry.MaxRetries,
		"retry_unlinked", cfg.Retry.RetryUnlinked,
		"retry_stalled", cfg.Retry.RetryStalled,
	)
	return c, nil
}

func (c *Controller) onTransition(tr padlink.Transition) {
	c.dirty = true
	attrs := []any{
		"stream_id", tr.ID,
		"uri", tr.URI,
		"from", tr.From.String(),
		"to", tr.To.String(),
	}
	if tr.Err != nil {
		attrs = append(attrs, "error", tr.Err)
		slog.Warn("controller: stream transition", attrs...)
	} else {
		slog.Debug("controller: stream transition", attrs...)
	}
	c.observer.Transition(tr)
}

// AddStream registers uri and starts opening it in the background. It
// returns as soon as the entity exists in Initializing.
func (c *Controller) AddStream(uri string) (stream.ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return stream.ID(stream.Unassigned), ErrClosed
	}
	e := c.registry.Add(uri)
	c.added = true
	c.dirty = true
	c.spawn(e)

	slog.Info("controller: stream added", "stream_id", e.ID, "uri", uri)
	return e.ID, nil
}

// RemoveStream asks stream id to drain. Unknown or already departing
// streams are logged and reported as stream.ErrUnknownStream; this is
// never fatal.
func (c *Controller) RemoveStream(id stream.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.registry.Get(id)
	if !ok {
		slog.Warn("controller: remove of unknown stream ignored", "stream_id", id)
		return stream.ErrUnknownStream
	}

	switch e.State {
	case stream.Draining, stream.Removed:
		slog.Info("controller: stream already being removed", "stream_id", id, "state", e.State.String())
		return nil
	case stream.Error:
		if w, running := c.workers[id]; running {
			w.removal = true
			return nil
		}
		// Parked for retry with no worker: tear down now.
		delete(c.retryAt, id)
		c.teardown(e)
		return nil
	}

	if err := c.machine.Drain(e); err != nil {
		return err
	}
	c.asm.Detach(id)
	if w, ok := c.workers[id]; ok {
		w.removal = true
		w.stop(c.now())
	}
	slog.Info("controller: stream removal requested", "stream_id", id, "uri", e.URI)
	return nil
}

func (c *Controller) spawn(e *stream.Entity) {
	c.gen++
	ctx, cancel := context.WithCancel(c.ctx)
	w := &worker{
		id:     e.ID,
		gen:    c.gen,
		uri:    e.URI,
		cancel: cancel,
		lane:   make(chan *batch.Lane, 1),
		done:   make(chan struct{}),
	}
	c.workers[e.ID] = w
	c.wg.Go(func() { c.runWorker(ctx, w) })
}

func (c *Controller) recordCloseError(err error) {
	c.errMu.Lock()
	c.closeErrs = append(c.closeErrs, err)
	c.errMu.Unlock()
}

// Tick runs one pass of the serialized stage at now: drain worker events,
// reap finished workers, start due retries, promote waiting streams,
// assemble, infer, and publish. A returned error is pipeline-fatal.
func (c *Controller) Tick(ctx context.Context, now time.Time) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	c.drainEvents(now)
	c.reap(now)
	c.startRetries(now)
	c.promote()

	b, notices := c.asm.Tick(now)
	for _, n := range notices {
		c.applyNotice(n, now)
	}
	c.reap(now)
	c.promote()

	if c.dirty {
		c.dirty = false
		next := compositor.Recompute(c.registry.Flowing(), c.cfg.Canvas)
		if !next.Equal(c.layout) {
			slog.Debug("controller: layout recomputed", "tiles", len(next.Tiles), "grid", next.Cols)
		}
		c.layout = next
	}
	layout := c.layout
	fatal := c.fatal
	c.mu.Unlock()

	if fatal != nil {
		return fatal
	}
	if b == nil {
		return nil
	}

	start := time.Now()
	res, err := c.engine.Infer(ctx, b)
	if err != nil {
		var ie *inference.InferenceError
		if !errors.As(err, &ie) {
			err = &inference.InferenceError{BatchID: b.ID(), Err: err}
		}
		return err
	}
	elapsed := time.Since(start)

	c.mu.Lock()
	c.stats.Batches++
	c.stats.Frames += uint64(b.Len())
	c.mu.Unlock()
	c.observer.Batch(b, res, elapsed)

	out := Output{Batch: b, Result: res, Layout: layout}
	for _, s := range c.sinks {
		if err := s.Consume(ctx, out); err != nil {
			slog.Warn("controller: sink failed", "batch_id", b.ID(), "error", err)
		}
	}
	return nil
}

func (c *Controller) drainEvents(now time.Time) {
	for n := len(c.events); n > 0; n-- {
		ev := <-c.events
		w, ok := c.workers[ev.stream]
		if !ok || w.gen != ev.gen {
			c.stats.DroppedLate++
			continue
		}
		e, ok := c.registry.Get(ev.stream)
		if !ok {
			continue
		}
		c.applyEvent(e, w, ev, now)
	}
}

func (c *Controller) applyEvent(e *stream.Entity, w *worker, ev event, now time.Time) {
	switch ev.kind {
	case evOpened:
		if e.State != stream.Initializing {
			return
		}
		if err := c.machine.Opened(e); err != nil {
			slog.Error("controller: transition rejected", "stream_id", e.ID, "error", err)
			return
		}
		linked, err := c.machine.Request(e)
		if err != nil {
			slog.Error("controller: transition rejected", "stream_id", e.ID, "error", err)
			return
		}
		if linked {
			c.attach(e)
		} else {
			slog.Info("controller: no free slot, stream waiting", "stream_id", e.ID, "uri", e.URI)
		}

	case evOpenFailed:
		c.fail(e, w, ev.err, now)

	case evDecodeError:
		if e.State != stream.Linked && e.State != stream.Flowing {
			return
		}
		e.LastError = ev.err
		slog.Debug("controller: decode error", "stream_id", e.ID, "error", ev.err)

	case evEndOfStream:
		switch e.State {
		case stream.Linked, stream.Flowing, stream.Requesting, stream.Waiting:
			if err := c.machine.Drain(e); err != nil {
				return
			}
			c.asm.Detach(e.ID)
			w.stop(now)
			slog.Info("controller: end of stream", "stream_id", e.ID, "uri", e.URI)
		}

	case evFailed:
		c.fail(e, w, ev.err, now)
	}
}

// fail moves e to Error and stops its worker. Retry or removal is decided
// once the worker has unwound. Failures of a draining stream are ignored:
// its worker is already being stopped.
func (c *Controller) fail(e *stream.Entity, w *worker, cause error, now time.Time) {
	switch e.State {
	case stream.Error, stream.Removed, stream.Draining:
		return
	}
	if err := c.machine.Fail(e, cause); err != nil {
		slog.Error("controller: transition rejected", "stream_id", e.ID, "error", err)
		return
	}
	c.asm.Detach(e.ID)
	if w != nil {
		w.stop(now)
	}
}

func (c *Controller) attach(e *stream.Entity) {
	lane, err := c.asm.Attach(e.ID, e.BatchSlot)
	if err != nil {
		slog.Error("controller: assembler rejected link", "stream_id", e.ID, "slot", e.BatchSlot, "error", err)
		if c.fatal == nil {
			c.fatal = err
		}
		return
	}
	if w, ok := c.workers[e.ID]; ok {
		w.linked = true
		w.lane <- lane
	}
	slog.Info("controller: stream linked", "stream_id", e.ID, "slot", e.BatchSlot, "uri", e.URI)
}

func (c *Controller) applyNotice(n batch.Notice, now time.Time) {
	e, ok := c.registry.Get(n.Stream)
	if !ok {
		return
	}
	switch n.Kind {
	case batch.Delivered:
		if e.State != stream.Linked && e.State != stream.Flowing {
			return
		}
		if _, err := c.machine.Deliver(e); err != nil {
			slog.Error("controller: transition rejected", "stream_id", e.ID, "error", err)
		}

	case batch.Stalled:
		if e.State != stream.Linked && e.State != stream.Flowing {
			return
		}
		e.Stalled = true
		c.stats.Stalls++
		c.observer.Stalled(e.ID, e.URI)
		cause := fmt.Errorf("%w: no frame for %d ticks", ErrStalled, n.Misses)
		if e.LastError != nil {
			cause = fmt.Errorf("%w: no frame for %d ticks, last error: %v", ErrStalled, n.Misses, e.LastError)
		}
		slog.Warn("controller: stream stalled", "stream_id", e.ID, "uri", e.URI, "misses", n.Misses)
		c.fail(e, c.workers[e.ID], cause, now)
	}
}

// reap settles streams whose worker has exited or overstayed the grace
// period.
func (c *Controller) reap(now time.Time) {
	for _, id := range c.sortedWorkerIDs() {
		w, ok := c.workers[id]
		if !ok {
			continue
		}
		e, ok := c.registry.Get(id)
		if !ok {
			delete(c.workers, id)
			continue
		}
		if active(e.State) {
			if !w.exited() {
				continue
			}
			// A worker sends its last report before exiting.
			c.drainEvents(now)
			if active(e.State) {
				c.fail(e, w, fmt.Errorf("worker exited unexpectedly"), now)
			}
		}

		exited := w.exited()
		overdue := !w.cancelledAt.IsZero() && now.Sub(w.cancelledAt) >= c.cfg.CloseGrace
		if !exited && !overdue {
			continue
		}
		delete(c.workers, id)

		drained := e.State == stream.Draining
		if !exited {
			c.stats.Reclaimed++
			slog.Warn("controller: worker did not unwind, reclaiming slot",
				"stream_id", id,
				"uri", e.URI,
				"grace", c.cfg.CloseGrace,
			)
			if drained {
				if err := c.machine.Fail(e, ErrCloseGrace); err != nil {
					slog.Error("controller: transition rejected", "stream_id", id, "error", err)
				}
			}
		}

		if !drained && !w.removal && e.State == stream.Error && c.cfg.Retry.allows(e.RetryCount, w.linked) {
			c.retain(e, now)
			continue
		}
		c.teardown(e)
	}
}

// active reports whether a stream in s still expects its worker to run.
func active(s stream.State) bool {
	switch s {
	case stream.Initializing, stream.Requesting, stream.Waiting, stream.Linked, stream.Flowing:
		return true
	}
	return false
}

func (c *Controller) retain(e *stream.Entity, now time.Time) {
	if _, err := c.machine.Retain(e); err != nil {
		slog.Error("controller: transition rejected", "stream_id", e.ID, "error", err)
		c.teardown(e)
		return
	}
	delay := c.cfg.Retry.Backoff(e.RetryCount)
	c.retryAt[e.ID] = now.Add(delay)
	c.stats.Retries++
	c.observer.Retry(e.ID, e.RetryCount, delay)
	slog.Info("controller: stream will be retried",
		"stream_id", e.ID,
		"uri", e.URI,
		"attempt", e.RetryCount,
		"max_retries", c.cfg.Retry.MaxRetries,
		"delay", delay,
		"last_error", e.LastError,
	)
}

// teardown moves e to Removed, frees its slot and deletes it.
func (c *Controller) teardown(e *stream.Entity) {
	if _, err := c.machine.Remove(e); err != nil {
		slog.Error("controller: transition rejected", "stream_id", e.ID, "error", err)
	}
	c.asm.Detach(e.ID)
	c.registry.Delete(e.ID)
	delete(c.retryAt, e.ID)
	slog.Info("controller: stream removed", "stream_id", e.ID, "uri", e.URI, "last_error", e.LastError)
}

func (c *Controller) startRetries(now time.Time) {
	if len(c.retryAt) == 0 {
		return
	}
	ids := make([]stream.ID, 0, len(c.retryAt))
	for id, at := range c.retryAt {
		if !now.Before(at) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		delete(c.retryAt, id)
		e, ok := c.registry.Get(id)
		if !ok || e.State != stream.Error {
			continue
		}
		if err := c.machine.Retry(e); err != nil {
			slog.Error("controller: transition rejected", "stream_id", id, "error", err)
			continue
		}
		c.spawn(e)
	}
}

func (c *Controller) promote() {
	for _, e := range c.machine.Promote(c.registry.Get) {
		slog.Info("controller: waiting stream promoted", "stream_id", e.ID)
		c.attach(e)
	}
}

func (c *Controller) sortedWorkerIDs() []stream.ID {
	ids := make([]stream.ID, 0, len(c.workers))
	for id := range c.workers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Run ticks until ctx is cancelled, a pipeline-fatal error occurs, or,
// with ExitWhenIdle, every stream is gone. Adapters are released before
// Run returns. Graceful exits return nil.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	slog.Info("controller: running", "tick_interval", c.cfg.TickInterval)

	var cause error
loop:
	for {
		select {
		case <-ctx.Done():
			slog.Info("controller: shutdown requested")
			break loop
		case now := <-ticker.C:
			if err := c.Tick(ctx, now); err != nil {
				if ctx.Err() != nil || errors.Is(err, ErrClosed) {
					break loop
				}
				slog.Error("controller: pipeline-fatal error", "error", err)
				cause = err
				break loop
			}
			if c.Idle() {
				slog.Info("controller: all streams finished")
				break loop
			}
		}
	}

	if err := c.Close(); err != nil {
		slog.Warn("controller: errors while releasing sources", "error", err)
	}
	return cause
}

// Idle reports whether ExitWhenIdle is set and every added stream is gone.
func (c *Controller) Idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.ExitWhenIdle && c.added && c.registry.Len() == 0
}

// Close cancels every worker and waits up to CloseGrace for their handles
// to be released. It returns the aggregated close errors.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, e := range c.registry.Entities() {
		switch e.State {
		case stream.Draining, stream.Error, stream.Removed:
		default:
			_ = c.machine.Drain(e)
		}
	}
	c.mu.Unlock()

	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(c.cfg.CloseGrace):
		err = fmt.Errorf("controller: %w: workers still running after %s", ErrCloseGrace, c.cfg.CloseGrace)
	}

	c.errMu.Lock()
	err = multierr.Append(err, multierr.Combine(c.closeErrs...))
	c.errMu.Unlock()

	slog.Info("controller: closed")
	return err
}

// Streams returns snapshots of every live stream in insertion order.
func (c *Controller) Streams() []stream.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.Snapshot()
}

// Stream returns the snapshot of id.
func (c *Controller) Stream(id stream.ID) (stream.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.registry.Get(id)
	if !ok {
		return stream.Snapshot{}, false
	}
	return e.Snapshot(), true
}

// Layout returns the current tile layout.
func (c *Controller) Layout() compositor.TileLayout {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.layout
}

// Stats returns a copy of the counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Assembler = c.asm.Stats()
	return s
}
