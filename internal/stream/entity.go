package stream

import "time"

// ID identifies a stream for the lifetime of the pipeline.
// IDs are small non-negative integers and are reused only after teardown.
type ID int

// Unassigned marks an entity that holds no batch slot.
const Unassigned = -1

// Entity is the identity and lifecycle record of one source.
//
// Entities are owned by the controller. Other packages receive Snapshot
// values and never hold a pointer across a tick.
type Entity struct {
	ID         ID
	URI        string
	State      State
	RetryCount int
	LastError  error
	BatchSlot  int
	// Stalled is set when the assembler reported the stream as not
	// delivering, cleared on the next delivered frame or reopen.
	Stalled bool
	AddedAt time.Time
}

// Snapshot is a read-only copy of an Entity.
type Snapshot struct {
	ID         ID     `json:"id"`
	URI        string `json:"uri"`
	State      string `json:"state"`
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`
	BatchSlot  int    `json:"batch_slot"`
	Stalled    bool   `json:"stalled,omitempty"`
}

// Snapshot copies the entity.
func (e *Entity) Snapshot() Snapshot {
	s := Snapshot{
		ID:         e.ID,
		URI:        e.URI,
		State:      e.State.String(),
		RetryCount: e.RetryCount,
		BatchSlot:  e.BatchSlot,
		Stalled:    e.Stalled,
	}
	if e.LastError != nil {
		s.LastError = e.LastError.Error()
	}
	return s
}
