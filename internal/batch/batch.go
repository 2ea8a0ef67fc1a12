package batch

import (
	"sort"
	"time"

	"github.com/e7canasta/orion-multistream/internal/source"
	"github.com/e7canasta/orion-multistream/internal/stream"
)

// Slot is one stream's contribution to a batch.
type Slot struct {
	Stream    stream.ID
	Frame     source.Frame
	Timestamp time.Time
}

// Batch is an immutable set of frames, at most one per slot, handed to
// inference exactly once.
type Batch struct {
	id        string
	capacity  int
	createdAt time.Time
	frames    map[int]Slot
}

// ID returns the batch trace id.
func (b *Batch) ID() string { return b.id }

// Capacity returns the fixed number of slots.
func (b *Batch) Capacity() int { return b.capacity }

// CreatedAt returns the emission time.
func (b *Batch) CreatedAt() time.Time { return b.createdAt }

// Len returns the number of filled slots.
func (b *Batch) Len() int { return len(b.frames) }

// Slots returns the filled slot indexes in ascending order.
func (b *Batch) Slots() []int {
	slots := make([]int, 0, len(b.frames))
	for s := range b.frames {
		slots = append(slots, s)
	}
	sort.Ints(slots)
	return slots
}

// Frame returns the contribution in slot.
func (b *Batch) Frame(slot int) (Slot, bool) {
	s, ok := b.frames[slot]
	return s, ok
}

// Streams returns the contributing stream ids in slot order.
func (b *Batch) Streams() []stream.ID {
	ids := make([]stream.ID, 0, len(b.frames))
	for _, s := range b.Slots() {
		ids = append(ids, b.frames[s].Stream)
	}
	return ids
}

// ForStream returns the contribution of id, if any.
func (b *Batch) ForStream(id stream.ID) (Slot, bool) {
	for _, s := range b.frames {
		if s.Stream == id {
			return s, true
		}
	}
	return Slot{}, false
}
