package stream

import (
	"errors"
	"time"
)

var (
	// ErrUnknownStream is returned for ids with no live entity.
	ErrUnknownStream = errors.New("stream: unknown stream id")
)

// Registry is the ordered table of live streams.
//
// Iteration follows insertion order so that tile layout is deterministic.
// Registry is not safe for concurrent use: the controller serializes every
// access.
type Registry struct {
	entities map[ID]*Entity
	order    []ID
	// used tracks allocated ids so they can be reused after Delete.
	used map[ID]struct{}
	now  func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entities: make(map[ID]*Entity),
		used:     make(map[ID]struct{}),
		now:      time.Now,
	}
}

// Add creates an entity in Initializing with the smallest free id.
func (r *Registry) Add(uri string) *Entity {
	id := r.nextID()
	e := &Entity{
		ID:        id,
		URI:       uri,
		State:     Initializing,
		BatchSlot: Unassigned,
		AddedAt:   r.now(),
	}
	r.used[id] = struct{}{}
	r.entities[id] = e
	r.order = append(r.order, id)
	return e
}

func (r *Registry) nextID() ID {
	for id := ID(0); ; id++ {
		if _, taken := r.used[id]; !taken {
			return id
		}
	}
}

// Get returns the entity for id.
func (r *Registry) Get(id ID) (*Entity, bool) {
	e, ok := r.entities[id]
	return e, ok
}

// Delete tears the entity down and releases its id for reuse.
func (r *Registry) Delete(id ID) error {
	if _, ok := r.entities[id]; !ok {
		return ErrUnknownStream
	}
	delete(r.entities, id)
	delete(r.used, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Len returns the number of live entities.
func (r *Registry) Len() int {
	return len(r.order)
}

// Entities returns live entities in insertion order.
func (r *Registry) Entities() []*Entity {
	out := make([]*Entity, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entities[id])
	}
	return out
}

// InState returns ids in state s, in insertion order.
func (r *Registry) InState(s State) []ID {
	var ids []ID
	for _, id := range r.order {
		if r.entities[id].State == s {
			ids = append(ids, id)
		}
	}
	return ids
}

// Before reports whether a was added before b. Unknown ids sort last.
func (r *Registry) Before(a, b ID) bool {
	return r.position(a) < r.position(b)
}

// OpeningBefore counts entities added before id that are Initializing on
// their first attempt. Streams back from a retry are not counted.
func (r *Registry) OpeningBefore(id ID) int {
	n := 0
	for _, oid := range r.order {
		if oid == id {
			break
		}
		if e := r.entities[oid]; e.State == Initializing && e.RetryCount == 0 {
			n++
		}
	}
	return n
}

func (r *Registry) position(id ID) int {
	for i, oid := range r.order {
		if oid == id {
			return i
		}
	}
	return len(r.order)
}

// Flowing returns the ids of Flowing streams in insertion order.
func (r *Registry) Flowing() []ID {
	return r.InState(Flowing)
}

// Snapshot copies every live entity in insertion order.
func (r *Registry) Snapshot() []Snapshot {
	out := make([]Snapshot, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entities[id].Snapshot())
	}
	return out
}
