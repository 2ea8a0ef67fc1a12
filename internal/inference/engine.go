// Package inference defines the black-box contract between the pipeline
// and a batched detector.
//
// The pipeline hands every emitted batch to Engine.Infer exactly once and
// treats any error as fatal. Engines do not retry.
package inference

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/e7canasta/orion-multistream/internal/batch"
	"github.com/e7canasta/orion-multistream/internal/stream"
)

// Class is a detector class id.
type Class int

const (
	Vehicle Class = iota
	Bicycle
	Person
	Roadsign
)

func (c Class) String() string {
	switch c {
	case Vehicle:
		return "vehicle"
	case Bicycle:
		return "bicycle"
	case Person:
		return "person"
	case Roadsign:
		return "roadsign"
	default:
		return fmt.Sprintf("class_%d", int(c))
	}
}

// Box is a detection rectangle in source frame pixels.
type Box struct {
	X int `msgpack:"x" json:"x"`
	Y int `msgpack:"y" json:"y"`
	W int `msgpack:"w" json:"w"`
	H int `msgpack:"h" json:"h"`
}

// Rect converts b to an image.Rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.W, b.Y+b.H)
}

// Detection is one object found in a frame.
type Detection struct {
	Class      Class   `msgpack:"class_id" json:"class_id"`
	Label      string  `msgpack:"label" json:"label,omitempty"`
	Confidence float64 `msgpack:"confidence" json:"confidence"`
	Box        Box     `msgpack:"box" json:"box"`
}

// FrameResult holds the detections for one stream's frame in a batch.
type FrameResult struct {
	Stream     stream.ID
	Slot       int
	Seq        uint64
	Detections []Detection
}

// Count returns the number of detections of class c.
func (r FrameResult) Count(c Class) int {
	n := 0
	for _, d := range r.Detections {
		if d.Class == c {
			n++
		}
	}
	return n
}

// Result is the engine output for one batch, keyed by stream.
type Result struct {
	BatchID string
	Frames  map[stream.ID]FrameResult
	Latency time.Duration
}

// Engine runs inference over whole batches.
type Engine interface {
	Infer(ctx context.Context, b *batch.Batch) (Result, error)
	Close() error
}

// InferenceError is a failure of the shared inference stage.
type InferenceError struct {
	BatchID string
	Err     error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference: batch %s: %v", e.BatchID, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// Null returns no detections. It exercises the pipeline without a model.
type Null struct{}

// Infer implements Engine.
func (Null) Infer(ctx context.Context, b *batch.Batch) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, &InferenceError{BatchID: b.ID(), Err: err}
	}
	res := Result{BatchID: b.ID(), Frames: make(map[stream.ID]FrameResult, b.Len())}
	for _, slot := range b.Slots() {
		s, _ := b.Frame(slot)
		res.Frames[s.Stream] = FrameResult{Stream: s.Stream, Slot: slot, Seq: s.Frame.Seq}
	}
	return res, nil
}

// Close implements Engine.
func (Null) Close() error { return nil }
