// Package batch multiplexes frames from many linked streams into
// fixed-capacity batches.
//
// The Assembler is driven by its owner's tick: each Tick pulls at most one
// frame per lane, and emits a Batch once it holds one frame per linked lane
// (capped at capacity) or once MaxWait has passed since the first frame of
// the batch. Lanes that stay empty for MissThreshold consecutive ticks are
// reported as stalled.
//
// Assembler is not safe for concurrent use; Lane.Offer is.
package batch

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-multistream/internal/stream"
)

var (
	// ErrCapacity is returned when attaching beyond capacity.
	ErrCapacity = errors.New("capacity exceeded")
	// ErrSlotTaken is returned when two lanes claim the same slot.
	ErrSlotTaken = errors.New("slot already attached")
	// ErrSlotRange is returned for slot indexes outside [0, capacity).
	ErrSlotRange = errors.New("slot out of range")
	// ErrDuplicateLane is returned when a stream attaches twice.
	ErrDuplicateLane = errors.New("stream already attached")
)

// AssemblerError is a protocol violation between the controller and the
// assembler. It is pipeline-fatal.
type AssemblerError struct {
	Op     string
	Stream stream.ID
	Slot   int
	Err    error
}

func (e *AssemblerError) Error() string {
	return fmt.Sprintf("batch: %s stream %d slot %d: %v", e.Op, e.Stream, e.Slot, e.Err)
}

func (e *AssemblerError) Unwrap() error { return e.Err }

// Config fixes the assembler at construction.
type Config struct {
	Capacity      int
	MaxWait       time.Duration
	MissThreshold int
	PendingDepth  int
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Capacity < 1 {
		return fmt.Errorf("batch: capacity must be at least 1, got %d", c.Capacity)
	}
	if c.MaxWait <= 0 {
		return fmt.Errorf("batch: max wait must be positive")
	}
	if c.MissThreshold < 1 {
		return fmt.Errorf("batch: miss threshold must be at least 1, got %d", c.MissThreshold)
	}
	if c.PendingDepth < 1 {
		return fmt.Errorf("batch: pending depth must be at least 1, got %d", c.PendingDepth)
	}
	return nil
}

// NoticeKind is a per-stream observation made during a tick.
type NoticeKind int

const (
	// Delivered: the stream's first frame since attach left in a batch.
	Delivered NoticeKind = iota
	// Stalled: MissThreshold consecutive ticks without a frame.
	Stalled
)

func (k NoticeKind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case Stalled:
		return "stalled"
	default:
		return "unknown"
	}
}

// Notice reports a per-stream observation to the controller.
type Notice struct {
	Stream stream.ID
	Kind   NoticeKind
	Misses int
}

type laneState struct {
	lane      *Lane
	misses    int
	stalled   bool
	delivered bool
}

// Stats are cumulative assembler counters.
type Stats struct {
	Batches   uint64
	Frames    uint64
	TimedOut  uint64 // batches emitted by MaxWait rather than fill
	Deferred  uint64 // lane pulls postponed for fairness or slot reuse
	Discarded uint64 // pending frames dropped on detach
}

// Assembler builds batches from linked lanes.
type Assembler struct {
	cfg Config

	lanes  map[stream.ID]*laneState
	order  []stream.ID // attach order, oldest first
	cursor int

	partial     map[int]Slot
	contributed map[stream.ID]bool
	startedAt   time.Time

	stats Stats
}

// New returns an assembler with no lanes.
func New(cfg Config) (*Assembler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Assembler{
		cfg:         cfg,
		lanes:       make(map[stream.ID]*laneState),
		partial:     make(map[int]Slot),
		contributed: make(map[stream.ID]bool),
	}, nil
}

// Capacity returns the fixed batch size.
func (a *Assembler) Capacity() int { return a.cfg.Capacity }

// Linked returns the number of attached lanes.
func (a *Assembler) Linked() int { return len(a.order) }

// Stats returns a copy of the counters.
func (a *Assembler) Stats() Stats { return a.stats }

// Attach opens a lane for id on slot.
func (a *Assembler) Attach(id stream.ID, slot int) (*Lane, error) {
	fail := func(err error) (*Lane, error) {
		return nil, &AssemblerError{Op: "attach", Stream: id, Slot: slot, Err: err}
	}
	if slot < 0 || slot >= a.cfg.Capacity {
		return fail(ErrSlotRange)
	}
	if _, ok := a.lanes[id]; ok {
		return fail(ErrDuplicateLane)
	}
	if len(a.order) >= a.cfg.Capacity {
		return fail(ErrCapacity)
	}
	for _, ls := range a.lanes {
		if ls.lane.slot == slot {
			return fail(ErrSlotTaken)
		}
	}

	lane := newLane(id, slot, a.cfg.PendingDepth)
	a.lanes[id] = &laneState{lane: lane}
	a.order = append(a.order, id)
	return lane, nil
}

// Detach closes the lane of id and drops its pending frames. A frame the
// stream already contributed to the batch being built stays in it.
func (a *Assembler) Detach(id stream.ID) bool {
	ls, ok := a.lanes[id]
	if !ok {
		return false
	}
	delete(a.lanes, id)
	for i, oid := range a.order {
		if oid == id {
			a.order = append(a.order[:i], a.order[i+1:]...)
			if a.cursor > i {
				a.cursor--
			}
			break
		}
	}
	if len(a.order) == 0 || a.cursor >= len(a.order) {
		a.cursor = 0
	}

	if n := ls.lane.discard(); n > 0 {
		a.stats.Discarded += uint64(n)
		slog.Debug("batch: discarded pending frames on detach", "stream_id", id, "frames", n)
	}
	return true
}

// Tick pulls ready frames and emits a batch when one is due. It returns a
// nil batch when nothing is due.
func (a *Assembler) Tick(now time.Time) (*Batch, []Notice) {
	var notices []Notice

	n := len(a.order)
	for i := 0; i < n; i++ {
		id := a.order[(a.cursor+i)%n]
		ls := a.lanes[id]

		if a.contributed[id] {
			continue
		}
		if occupant, taken := a.partial[ls.lane.slot]; taken && occupant.Stream != id {
			// Slot still holds a detached stream's last frame.
			a.stats.Deferred++
			continue
		}
		if len(a.partial) >= a.cfg.Capacity {
			a.stats.Deferred++
			continue
		}

		f, ok := ls.lane.take()
		if !ok {
			ls.misses++
			if ls.misses >= a.cfg.MissThreshold && !ls.stalled {
				ls.stalled = true
				notices = append(notices, Notice{Stream: id, Kind: Stalled, Misses: ls.misses})
			}
			continue
		}

		if len(a.partial) == 0 {
			a.startedAt = now
		}
		a.partial[ls.lane.slot] = Slot{Stream: id, Frame: f, Timestamp: f.Timestamp}
		a.contributed[id] = true
		ls.misses = 0
		ls.stalled = false
	}
	if n > 0 {
		a.cursor = (a.cursor + 1) % n
	}

	if len(a.partial) == 0 {
		return nil, notices
	}

	need := min(a.cfg.Capacity, n)
	full := len(a.partial) >= need
	expired := now.Sub(a.startedAt) >= a.cfg.MaxWait
	if !full && !expired {
		return nil, notices
	}

	b := a.emit(now)
	if !full {
		a.stats.TimedOut++
	}
	for _, id := range b.Streams() {
		if ls, ok := a.lanes[id]; ok && !ls.delivered {
			ls.delivered = true
			notices = append(notices, Notice{Stream: id, Kind: Delivered})
		}
	}
	return b, notices
}

func (a *Assembler) emit(now time.Time) *Batch {
	b := &Batch{
		id:        uuid.New().String(),
		capacity:  a.cfg.Capacity,
		createdAt: now,
		frames:    a.partial,
	}
	a.stats.Batches++
	a.stats.Frames += uint64(len(a.partial))

	a.partial = make(map[int]Slot, a.cfg.Capacity)
	a.contributed = make(map[stream.ID]bool, a.cfg.Capacity)
	a.startedAt = time.Time{}
	return b
}
