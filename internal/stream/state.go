package stream

import "fmt"

// State is the attach lifecycle of one stream.
//
// Happy path:
//
//	Initializing → Requesting → Linked → Flowing → Draining → Removed
//
// Side branches: Requesting → Waiting when every batch slot is taken,
// Error from any non-terminal state, Error → Initializing when the retry
// policy keeps the stream.
type State int

const (
	Initializing State = iota
	Requesting
	Waiting
	Linked
	Flowing
	Draining
	Error
	Removed
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Requesting:
		return "requesting"
	case Waiting:
		return "waiting"
	case Linked:
		return "linked"
	case Flowing:
		return "flowing"
	case Draining:
		return "draining"
	case Error:
		return "error"
	case Removed:
		return "removed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// States lists every state in lifecycle order.
var States = []State{Initializing, Requesting, Waiting, Linked, Flowing, Draining, Error, Removed}

var transitions = map[State][]State{
	Initializing: {Requesting, Error, Draining},
	Requesting:   {Linked, Waiting, Error, Draining},
	Waiting:      {Linked, Error, Draining},
	Linked:       {Flowing, Draining, Error},
	Flowing:      {Draining, Error},
	Draining:     {Removed, Error},
	Error:        {Removed, Initializing},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// HoldsSlot reports whether an entity in s owns a batch slot.
func (s State) HoldsSlot() bool {
	return s == Linked || s == Flowing
}

// Terminal reports whether s has no outgoing edges.
func (s State) Terminal() bool {
	return s == Removed
}
