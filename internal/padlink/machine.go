// Package padlink governs how a stream attaches to and detaches from the
// batch assembler.
//
// Every state change of a stream.Entity goes through Machine, which keeps
// the entity's BatchSlot and the shared slot Pool consistent. A slot is
// taken on Linked and given back only on Removed (or when an errored stream
// is retained for retry), so a draining stream's last frame can never share
// a slot index with its successor.
package padlink

import (
	"errors"
	"fmt"

	"github.com/e7canasta/orion-multistream/internal/stream"
)

var (
	// ErrInvalidTransition is returned for edges not in the lifecycle table.
	ErrInvalidTransition = errors.New("padlink: invalid transition")
)

// Transition describes one applied state change.
type Transition struct {
	ID   stream.ID
	URI  string
	From stream.State
	To   stream.State
	Err  error
}

// Ranking orders slot grants by when streams were added.
type Ranking interface {
	// Before reports whether a was added before b.
	Before(a, b stream.ID) bool
	// OpeningBefore counts streams added before id that are still on
	// their first open attempt.
	OpeningBefore(id stream.ID) int
}

// Machine applies lifecycle transitions. Not safe for concurrent use;
// the controller calls it from its serialized stage only. The Pool it
// wraps is independently safe.
type Machine struct {
	pool    *Pool
	waiting []stream.ID
	observe func(Transition)
	rank    Ranking
}

// NewMachine binds a machine to pool. observe, if non-nil, is called after
// every applied transition.
func NewMachine(pool *Pool, observe func(Transition)) *Machine {
	return &Machine{pool: pool, observe: observe}
}

// Rank makes slot grants follow r: a stream links only while enough slots
// stay free for every earlier stream still opening, and Waiting streams
// are promoted in add order. Without a ranking slots go to whichever
// stream asks first.
func (m *Machine) Rank(r Ranking) {
	m.rank = r
}

// canLink reports whether id may take a free slot now.
func (m *Machine) canLink(id stream.ID) bool {
	reserved := 0
	if m.rank != nil {
		reserved = m.rank.OpeningBefore(id)
	}
	return m.pool.Free() > reserved
}

// Pool returns the slot pool.
func (m *Machine) Pool() *Pool {
	return m.pool
}

func (m *Machine) set(e *stream.Entity, to stream.State, cause error) error {
	from := e.State
	if !stream.CanTransition(from, to) {
		return fmt.Errorf("%w: stream %d %v -> %v", ErrInvalidTransition, e.ID, from, to)
	}
	e.State = to
	if !to.HoldsSlot() {
		e.BatchSlot = stream.Unassigned
	}
	if m.observe != nil {
		m.observe(Transition{ID: e.ID, URI: e.URI, From: from, To: to, Err: cause})
	}
	return nil
}

// Opened moves Initializing → Requesting.
func (m *Machine) Opened(e *stream.Entity) error {
	return m.set(e, stream.Requesting, nil)
}

// Request links e if a slot is free, otherwise parks it in Waiting.
func (m *Machine) Request(e *stream.Entity) (linked bool, err error) {
	if e.State != stream.Requesting {
		return false, fmt.Errorf("%w: stream %d request from %v", ErrInvalidTransition, e.ID, e.State)
	}
	if m.canLink(e.ID) {
		if slot, ok := m.pool.Acquire(e.ID); ok {
			return true, m.link(e, slot)
		}
	}
	if err := m.set(e, stream.Waiting, nil); err != nil {
		return false, err
	}
	m.park(e.ID)
	return false, nil
}

// park queues id behind every waiting stream that was added before it.
func (m *Machine) park(id stream.ID) {
	i := len(m.waiting)
	if m.rank != nil {
		for i > 0 && m.rank.Before(id, m.waiting[i-1]) {
			i--
		}
	}
	m.waiting = append(m.waiting, 0)
	copy(m.waiting[i+1:], m.waiting[i:])
	m.waiting[i] = id
}

func (m *Machine) link(e *stream.Entity, slot int) error {
	if err := m.set(e, stream.Linked, nil); err != nil {
		m.pool.Release(e.ID)
		return err
	}
	e.BatchSlot = slot
	e.LastError = nil
	return nil
}

// Promote links waiting streams in queue order while slots are free.
// lookup resolves ids; ids no longer Waiting are skipped.
func (m *Machine) Promote(lookup func(stream.ID) (*stream.Entity, bool)) []*stream.Entity {
	var promoted []*stream.Entity
	for len(m.waiting) > 0 && m.pool.Free() > 0 {
		id := m.waiting[0]
		e, ok := lookup(id)
		if !ok || e.State != stream.Waiting {
			m.waiting = m.waiting[1:]
			continue
		}
		if !m.canLink(id) {
			break
		}
		slot, ok := m.pool.Acquire(id)
		if !ok {
			break
		}
		m.waiting = m.waiting[1:]
		if err := m.link(e, slot); err != nil {
			continue
		}
		promoted = append(promoted, e)
	}
	return promoted
}

// Waiting returns the parked ids in queue order.
func (m *Machine) Waiting() []stream.ID {
	out := make([]stream.ID, len(m.waiting))
	copy(out, m.waiting)
	return out
}

// Deliver records the first frame of e in a batch: Linked → Flowing.
// It reports whether a transition happened.
func (m *Machine) Deliver(e *stream.Entity) (bool, error) {
	switch e.State {
	case stream.Flowing:
		e.Stalled = false
		return false, nil
	case stream.Linked:
		if err := m.set(e, stream.Flowing, nil); err != nil {
			return false, err
		}
		e.Stalled = false
		e.RetryCount = 0
		return true, nil
	default:
		return false, fmt.Errorf("%w: stream %d deliver while %v", ErrInvalidTransition, e.ID, e.State)
	}
}

// Drain stops accepting frames from e. The slot stays reserved.
func (m *Machine) Drain(e *stream.Entity) error {
	if err := m.set(e, stream.Draining, nil); err != nil {
		return err
	}
	m.unpark(e.ID)
	return nil
}

// Fail moves e to Error with cause. The slot stays reserved until Remove
// or Retain.
func (m *Machine) Fail(e *stream.Entity, cause error) error {
	if err := m.set(e, stream.Error, cause); err != nil {
		return err
	}
	e.LastError = cause
	m.unpark(e.ID)
	return nil
}

// Retain keeps an errored stream for another attempt: its slot is freed
// and RetryCount incremented. The entity stays in Error until Retry.
func (m *Machine) Retain(e *stream.Entity) (freed bool, err error) {
	if e.State != stream.Error {
		return false, fmt.Errorf("%w: stream %d retain while %v", ErrInvalidTransition, e.ID, e.State)
	}
	_, freed = m.pool.Release(e.ID)
	e.RetryCount++
	return freed, nil
}

// Retry moves a retained stream back to Initializing.
func (m *Machine) Retry(e *stream.Entity) error {
	if err := m.set(e, stream.Initializing, nil); err != nil {
		return err
	}
	e.Stalled = false
	return nil
}

// Remove tears e down and frees its slot.
func (m *Machine) Remove(e *stream.Entity) (freed bool, err error) {
	if err := m.set(e, stream.Removed, nil); err != nil {
		return false, err
	}
	m.unpark(e.ID)
	_, freed = m.pool.Release(e.ID)
	return freed, nil
}

func (m *Machine) unpark(id stream.ID) {
	for i, w := range m.waiting {
		if w == id {
			m.waiting = append(m.waiting[:i], m.waiting[i+1:]...)
			return
		}
	}
}
