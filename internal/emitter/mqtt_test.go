package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/go-cmp/cmp"

	"github.com/e7canasta/orion-multistream/internal/batch"
	"github.com/e7canasta/orion-multistream/internal/controller"
	"github.com/e7canasta/orion-multistream/internal/inference"
	"github.com/e7canasta/orion-multistream/internal/source"
	"github.com/e7canasta/orion-multistream/internal/stream"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs map[string][]byte
	err  error
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.msgs == nil {
		p.msgs = make(map[string][]byte)
	}
	p.msgs[topic] = payload.([]byte)
	return doneToken{err: p.err}
}

func twoStreamOutput(t *testing.T) controller.Output {
	t.Helper()
	a, err := batch.New(batch.Config{Capacity: 2, MaxWait: time.Millisecond, MissThreshold: 10, PendingDepth: 1})
	if err != nil {
		t.Fatal(err)
	}
	l3, _ := a.Attach(3, 0)
	l5, _ := a.Attach(5, 1)
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ctx := context.Background()
	l3.Offer(ctx, source.Frame{Seq: 10, Timestamp: ts, TraceID: "t-3"})
	l5.Offer(ctx, source.Frame{Seq: 20, Timestamp: ts})
	b, _ := a.Tick(ts)
	if b == nil {
		t.Fatal("no batch")
	}
	return controller.Output{
		Batch: b,
		Result: inference.Result{BatchID: b.ID(), Frames: map[stream.ID]inference.FrameResult{
			3: {Stream: 3, Detections: []inference.Detection{
				{Class: inference.Person, Confidence: 0.9, Box: inference.Box{X: 1, Y: 2, W: 3, H: 4}},
				{Class: inference.Vehicle, Confidence: 0.8},
			}},
		}},
	}
}

func TestMQTT_ConsumePublishesPerStream(t *testing.T) {
	e := NewMQTT(Config{Topic: "multistream/detections", QueueSize: 8})
	e.setConnected(true)
	pub := &fakePublisher{}
	e.start(pub)
	defer e.Close()

	out := twoStreamOutput(t)
	if err := e.Consume(context.Background(), out); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for e.Stats().Published < 2 {
		select {
		case <-deadline:
			t.Fatalf("published %d, want 2", e.Stats().Published)
		case <-time.After(time.Millisecond):
		}
	}

	pub.mu.Lock()
	raw := pub.msgs["multistream/detections/3"]
	_, other := pub.msgs["multistream/detections/5"]
	pub.mu.Unlock()
	if !other {
		t.Error("stream 5 not published")
	}

	var got Detections
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	want := Detections{
		BatchID:   out.Batch.ID(),
		StreamID:  3,
		Slot:      0,
		Frame:     10,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		TraceID:   "t-3",
		Objects:   2,
		Vehicles:  1,
		People:    1,
		Detections: []inference.Detection{
			{Class: inference.Person, Confidence: 0.9, Box: inference.Box{X: 1, Y: 2, W: 3, H: 4}},
			{Class: inference.Vehicle, Confidence: 0.8},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("payload (-want +got):\n%s", diff)
	}
}

func TestMQTT_FullQueueDrops(t *testing.T) {
	e := NewMQTT(Config{Topic: "d", QueueSize: 1})

	if err := e.Consume(context.Background(), twoStreamOutput(t)); err != nil {
		t.Fatalf("Consume = %v, a full queue is not an error", err)
	}
	if s := e.Stats(); s.Dropped != 1 || s.Published != 0 {
		t.Errorf("stats = %+v, want one drop", s)
	}
}

func TestMQTT_PublishErrorsCounted(t *testing.T) {
	e := NewMQTT(Config{Topic: "d", QueueSize: 4})
	e.setConnected(true)
	e.start(&fakePublisher{err: errors.New("not authorized")})
	defer e.Close()

	e.Consume(context.Background(), twoStreamOutput(t))

	deadline := time.After(2 * time.Second)
	for e.Stats().Errors < 2 {
		select {
		case <-deadline:
			t.Fatalf("errors = %d, want 2", e.Stats().Errors)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestBrokerURL(t *testing.T) {
	tests := map[string]string{
		"localhost:1883":      "tcp://localhost:1883",
		"ssl://broker:8883":   "ssl://broker:8883",
		"ws://broker:80/mqtt": "ws://broker:80/mqtt",
	}
	for in, want := range tests {
		if got := brokerURL(in); got != want {
			t.Errorf("brokerURL(%q) = %q, want %q", in, got, want)
		}
	}
}
