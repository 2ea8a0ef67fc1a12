package batch

import (
	"context"
	"errors"

	"github.com/e7canasta/orion-multistream/internal/source"
	"github.com/e7canasta/orion-multistream/internal/stream"
)

// ErrDetached is returned by Offer once the lane has been detached.
var ErrDetached = errors.New("batch: lane detached")

// Lane is the pending-frame buffer between one source worker and the
// assembler. The worker offers frames; the assembler takes at most one per
// tick.
type Lane struct {
	stream  stream.ID
	slot    int
	pending chan source.Frame
	done    chan struct{}
}

func newLane(id stream.ID, slot, depth int) *Lane {
	return &Lane{
		stream:  id,
		slot:    slot,
		pending: make(chan source.Frame, depth),
		done:    make(chan struct{}),
	}
}

// Stream returns the owning stream.
func (l *Lane) Stream() stream.ID { return l.stream }

// Slot returns the batch slot the lane fills.
func (l *Lane) Slot() int { return l.slot }

// Offer hands f to the assembler, blocking while the buffer is full.
// It returns ctx.Err() on cancellation and ErrDetached after Detach.
func (l *Lane) Offer(ctx context.Context, f source.Frame) error {
	select {
	case <-l.done:
		return ErrDetached
	default:
	}
	select {
	case l.pending <- f:
		return nil
	case <-l.done:
		return ErrDetached
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of buffered frames.
func (l *Lane) Pending() int {
	return len(l.pending)
}

func (l *Lane) take() (source.Frame, bool) {
	select {
	case f := <-l.pending:
		return f, true
	default:
		return source.Frame{}, false
	}
}

// discard closes the lane and drops buffered frames.
func (l *Lane) discard() int {
	close(l.done)
	n := 0
	for {
		select {
		case <-l.pending:
			n++
		default:
			return n
		}
	}
}
