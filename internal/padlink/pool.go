package padlink

import (
	"sync"

	"github.com/e7canasta/orion-multistream/internal/stream"
)

// Pool is the fixed set of batch slots.
//
// A slot has at most one owner. Acquire and Release are atomic, so two
// streams can never hold the same slot even if callers race.
type Pool struct {
	mu     sync.Mutex
	owners []stream.ID // slot → owner, noOwner when free
	slots  map[stream.ID]int
}

const noOwner stream.ID = -1

// NewPool returns a pool with capacity slots, all free.
func NewPool(capacity int) *Pool {
	owners := make([]stream.ID, capacity)
	for i := range owners {
		owners[i] = noOwner
	}
	return &Pool{
		owners: owners,
		slots:  make(map[stream.ID]int, capacity),
	}
}

// Capacity returns the total number of slots.
func (p *Pool) Capacity() int {
	return len(p.owners)
}

// Acquire gives id the lowest free slot. If id already owns a slot that
// slot is returned. ok is false when the pool is full.
func (p *Pool) Acquire(id stream.ID) (slot int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, held := p.slots[id]; held {
		return s, true
	}
	for s, owner := range p.owners {
		if owner == noOwner {
			p.owners[s] = id
			p.slots[id] = s
			return s, true
		}
	}
	return stream.Unassigned, false
}

// Release frees the slot owned by id. Releasing twice is a no-op.
func (p *Pool) Release(id stream.ID) (slot int, released bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, held := p.slots[id]
	if !held {
		return stream.Unassigned, false
	}
	delete(p.slots, id)
	p.owners[s] = noOwner
	return s, true
}

// SlotOf returns the slot owned by id.
func (p *Pool) SlotOf(id stream.ID) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[id]
	return s, ok
}

// Owner returns the stream holding slot.
func (p *Pool) Owner(slot int) (stream.ID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slot < 0 || slot >= len(p.owners) || p.owners[slot] == noOwner {
		return noOwner, false
	}
	return p.owners[slot], true
}

// Free returns the number of unowned slots.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.owners) - len(p.slots)
}
