package padlink

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/e7canasta/orion-multistream/internal/stream"
)

func TestPool_NeverTwoOwners(t *testing.T) {
	p := NewPool(4)

	var wg sync.WaitGroup
	slots := make(chan int, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(id stream.ID) {
			defer wg.Done()
			if s, ok := p.Acquire(id); ok {
				slots <- s
			}
		}(stream.ID(i))
	}
	wg.Wait()
	close(slots)

	seen := map[int]bool{}
	for s := range slots {
		if seen[s] {
			t.Fatalf("slot %d handed out twice", s)
		}
		seen[s] = true
	}
	if len(seen) != 4 {
		t.Errorf("acquired %d slots, want 4", len(seen))
	}
	if p.Free() != 0 {
		t.Errorf("Free = %d, want 0", p.Free())
	}
}

func TestPool_ReleaseIdempotent(t *testing.T) {
	p := NewPool(1)
	if _, ok := p.Acquire(7); !ok {
		t.Fatal("Acquire failed on empty pool")
	}
	if _, ok := p.Release(7); !ok {
		t.Fatal("first Release reported nothing freed")
	}
	if _, ok := p.Release(7); ok {
		t.Error("second Release freed a slot")
	}
	if p.Free() != 1 {
		t.Errorf("Free = %d, want 1", p.Free())
	}
}

// link walks e through Opened and Request.
func link(t *testing.T, m *Machine, e *stream.Entity) bool {
	t.Helper()
	if err := m.Opened(e); err != nil {
		t.Fatalf("Opened(%d): %v", e.ID, err)
	}
	linked, err := m.Request(e)
	if err != nil {
		t.Fatalf("Request(%d): %v", e.ID, err)
	}
	return linked
}

func TestMachine_WaitingPromotedWhenSlotFrees(t *testing.T) {
	reg := stream.NewRegistry()
	var log []Transition
	m := NewMachine(NewPool(2), func(tr Transition) { log = append(log, tr) })

	a, b, c := reg.Add("A"), reg.Add("B"), reg.Add("C")
	if !link(t, m, a) || !link(t, m, b) {
		t.Fatal("A and B should link")
	}
	if link(t, m, c) {
		t.Fatal("C should wait")
	}
	if c.State != stream.Waiting || c.BatchSlot != stream.Unassigned {
		t.Fatalf("C = %v slot %d, want waiting/unassigned", c.State, c.BatchSlot)
	}

	if _, err := m.Deliver(a); err != nil {
		t.Fatal(err)
	}
	if err := m.Drain(a); err != nil {
		t.Fatal(err)
	}
	if a.BatchSlot != stream.Unassigned {
		t.Errorf("draining stream kept slot field %d", a.BatchSlot)
	}

	// The slot is still reserved while A drains.
	if got := m.Promote(reg.Get); len(got) != 0 {
		t.Fatalf("promoted %d streams while slot reserved", len(got))
	}

	slotA, _ := m.Pool().SlotOf(a.ID)
	if _, err := m.Remove(a); err != nil {
		t.Fatal(err)
	}
	promoted := m.Promote(reg.Get)
	if len(promoted) != 1 || promoted[0].ID != c.ID {
		t.Fatalf("promoted = %v, want [C]", promoted)
	}
	if c.State != stream.Linked || c.BatchSlot != slotA {
		t.Errorf("C = %v slot %d, want linked slot %d", c.State, c.BatchSlot, slotA)
	}

	var edges []string
	for _, tr := range log {
		if tr.ID == c.ID {
			edges = append(edges, tr.From.String()+"->"+tr.To.String())
		}
	}
	want := []string{"initializing->requesting", "requesting->waiting", "waiting->linked"}
	if diff := cmp.Diff(want, edges); diff != "" {
		t.Errorf("C transitions (-want +got):\n%s", diff)
	}
}

func TestMachine_PromoteSkipsStreamsThatLeftWaiting(t *testing.T) {
	reg := stream.NewRegistry()
	m := NewMachine(NewPool(1), nil)

	a, b, c := reg.Add("A"), reg.Add("B"), reg.Add("C")
	link(t, m, a)
	link(t, m, b)
	link(t, m, c)

	if err := m.Drain(b); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]stream.ID{c.ID}, m.Waiting()); diff != "" {
		t.Errorf("waiting after drain (-want +got):\n%s", diff)
	}

	if err := m.Fail(a, errors.New("decode")); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Remove(a); err != nil {
		t.Fatal(err)
	}
	promoted := m.Promote(reg.Get)
	if len(promoted) != 1 || promoted[0] != c {
		t.Fatalf("promoted = %v, want [C]", promoted)
	}
}

func TestMachine_SlotsFollowAddOrder(t *testing.T) {
	reg := stream.NewRegistry()
	m := NewMachine(NewPool(2), nil)
	m.Rank(reg)

	a, b, c := reg.Add("A"), reg.Add("B"), reg.Add("C")

	// C finishes opening first but A and B were added before it.
	if link(t, m, c) {
		t.Fatal("C linked ahead of streams added before it")
	}
	if !link(t, m, a) {
		t.Fatal("A should link")
	}
	if !link(t, m, b) {
		t.Fatal("B should link")
	}
	if got := m.Promote(reg.Get); len(got) != 0 {
		t.Fatalf("promoted %d streams with no free slot", len(got))
	}
	if c.State != stream.Waiting {
		t.Errorf("C = %v, want waiting", c.State)
	}
	if _, err := m.Deliver(a); err != nil {
		t.Fatal(err)
	}
	if err := m.Fail(a, errors.New("gone")); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Remove(a); err != nil {
		t.Fatal(err)
	}
	promoted := m.Promote(reg.Get)
	if len(promoted) != 1 || promoted[0] != c {
		t.Fatalf("promoted = %v, want [C]", promoted)
	}
}

func TestMachine_WaitingQueueFollowsAddOrder(t *testing.T) {
	reg := stream.NewRegistry()
	m := NewMachine(NewPool(1), nil)
	m.Rank(reg)

	a, b, c := reg.Add("A"), reg.Add("B"), reg.Add("C")
	if !link(t, m, a) {
		t.Fatal("A should link")
	}
	link(t, m, c)
	link(t, m, b)
	if diff := cmp.Diff([]stream.ID{b.ID, c.ID}, m.Waiting()); diff != "" {
		t.Errorf("waiting (-want +got):\n%s", diff)
	}

	if err := m.Fail(a, errors.New("gone")); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Remove(a); err != nil {
		t.Fatal(err)
	}
	promoted := m.Promote(reg.Get)
	if len(promoted) != 1 || promoted[0] != b {
		t.Fatalf("promoted = %v, want [B]", promoted)
	}
}

func TestMachine_OpeningStreamHoldsNoSlotAfterFailure(t *testing.T) {
	reg := stream.NewRegistry()
	m := NewMachine(NewPool(1), nil)
	m.Rank(reg)

	a, b := reg.Add("A"), reg.Add("B")
	if link(t, m, b) {
		t.Fatal("B linked while A still opening")
	}

	// A gives up before opening; B must not stay parked behind it.
	if err := m.Fail(a, errors.New("unreachable")); err != nil {
		t.Fatal(err)
	}
	promoted := m.Promote(reg.Get)
	if len(promoted) != 1 || promoted[0] != b {
		t.Fatalf("promoted = %v, want [B]", promoted)
	}
}

func TestMachine_DeliverResetsRetries(t *testing.T) {
	m := NewMachine(NewPool(1), nil)
	e := &stream.Entity{ID: 0, State: stream.Initializing, BatchSlot: stream.Unassigned, RetryCount: 2}
	link(t, m, e)

	changed, err := m.Deliver(e)
	if err != nil || !changed {
		t.Fatalf("Deliver = %v, %v", changed, err)
	}
	if e.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0 after first delivery", e.RetryCount)
	}
	changed, err = m.Deliver(e)
	if err != nil || changed {
		t.Errorf("second Deliver = %v, %v, want no transition", changed, err)
	}
}

func TestMachine_RetainAndRetry(t *testing.T) {
	m := NewMachine(NewPool(1), nil)
	e := &stream.Entity{ID: 0, State: stream.Initializing, BatchSlot: stream.Unassigned}
	link(t, m, e)

	cause := errors.New("stalled")
	if err := m.Fail(e, cause); err != nil {
		t.Fatal(err)
	}
	if e.BatchSlot != stream.Unassigned {
		t.Errorf("errored stream kept slot field")
	}
	if m.Pool().Free() != 0 {
		t.Errorf("slot released before Retain")
	}

	freed, err := m.Retain(e)
	if err != nil || !freed {
		t.Fatalf("Retain = %v, %v", freed, err)
	}
	if e.RetryCount != 1 || !errors.Is(e.LastError, cause) {
		t.Errorf("after Retain: retries=%d lastError=%v", e.RetryCount, e.LastError)
	}
	if err := m.Retry(e); err != nil {
		t.Fatal(err)
	}
	if e.State != stream.Initializing {
		t.Errorf("state = %v, want initializing", e.State)
	}
}

func TestMachine_InvalidTransitions(t *testing.T) {
	m := NewMachine(NewPool(1), nil)

	tests := []struct {
		name string
		from stream.State
		do   func(e *stream.Entity) error
	}{
		{"request from initializing", stream.Initializing, func(e *stream.Entity) error { _, err := m.Request(e); return err }},
		{"deliver while waiting", stream.Waiting, func(e *stream.Entity) error { _, err := m.Deliver(e); return err }},
		{"remove while flowing", stream.Flowing, func(e *stream.Entity) error { _, err := m.Remove(e); return err }},
		{"retain while draining", stream.Draining, func(e *stream.Entity) error { _, err := m.Retain(e); return err }},
		{"fail after removed", stream.Removed, func(e *stream.Entity) error { return m.Fail(e, errors.New("x")) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &stream.Entity{ID: 9, State: tt.from, BatchSlot: stream.Unassigned}
			if err := tt.do(e); !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("err = %v, want ErrInvalidTransition", err)
			}
			if e.State != tt.from {
				t.Errorf("state changed to %v", e.State)
			}
		})
	}
}
