package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/e7canasta/orion-multistream/internal/batch"
	"github.com/e7canasta/orion-multistream/internal/source"
	"github.com/e7canasta/orion-multistream/internal/stream"
)

type eventKind int

const (
	evOpened eventKind = iota
	evOpenFailed
	evDecodeError
	evEndOfStream
	evFailed
)

func (k eventKind) String() string {
	switch k {
	case evOpened:
		return "opened"
	case evOpenFailed:
		return "open_failed"
	case evDecodeError:
		return "decode_error"
	case evEndOfStream:
		return "end_of_stream"
	case evFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// event is a worker report. gen identifies the worker instance so reports
// from a reclaimed worker are ignored after a retry.
type event struct {
	stream stream.ID
	gen    uint64
	kind   eventKind
	err    error
}

// worker owns one source handle for one attempt.
type worker struct {
	id  stream.ID
	gen uint64
	uri string

	cancel context.CancelFunc
	lane   chan *batch.Lane
	done   chan struct{}

	linked      bool      // received a lane
	cancelledAt time.Time // zero until cancelled
	removal     bool      // cancelled by RemoveStream, never retried
}

func (w *worker) exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *worker) stop(now time.Time) {
	if w.cancelledAt.IsZero() {
		w.cancelledAt = now
	}
	w.cancel()
}

// guard runs fn and turns a panic into an error.
func guard(fn func() error) (err error) {
	var pc panics.Catcher
	pc.Try(func() { err = fn() })
	if r := pc.Recovered(); r != nil {
		return fmt.Errorf("adapter panic: %w", r.AsError())
	}
	return err
}

// runWorker drives one source attempt: open, wait for a lane, then pump
// frames until end of stream, failure, or cancellation. The handle is
// closed on every exit path before done is closed.
func (c *Controller) runWorker(ctx context.Context, w *worker) {
	defer close(w.done)

	report := func(kind eventKind, err error) {
		select {
		case c.events <- event{stream: w.id, gen: w.gen, kind: kind, err: err}:
		case <-ctx.Done():
		}
	}

	var h source.Handle
	err := guard(func() error {
		var err error
		h, err = c.opener.Open(ctx, w.uri)
		return err
	})
	if err != nil {
		// A cancelled open is the controller's doing, not a source failure.
		if ctx.Err() == nil {
			report(evOpenFailed, err)
		}
		return
	}
	defer func() {
		if cerr := guard(h.Close); cerr != nil {
			slog.Warn("controller: source close failed", "stream_id", w.id, "uri", w.uri, "error", cerr)
			c.recordCloseError(fmt.Errorf("stream %d: %w", w.id, cerr))
		}
	}()

	report(evOpened, nil)

	var lane *batch.Lane
	select {
	case lane = <-w.lane:
	case <-ctx.Done():
		return
	}

	for {
		var f source.Frame
		err := guard(func() error {
			var err error
			f, err = h.NextFrame(ctx)
			return err
		})

		switch {
		case ctx.Err() != nil:
			return
		case err == nil:
			if err := lane.Offer(ctx, f); err != nil {
				return
			}
		case errors.Is(err, source.ErrEndOfStream):
			report(evEndOfStream, nil)
			return
		case source.IsDecode(err):
			report(evDecodeError, err)
			// At most one decode error per tick; the assembler counts
			// the missing frames.
			select {
			case <-time.After(c.cfg.TickInterval):
			case <-ctx.Done():
				return
			}
		default:
			report(evFailed, err)
			return
		}
	}
}
