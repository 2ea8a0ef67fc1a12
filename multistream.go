// Package multistream runs many video sources through one batched
// inference stage.
//
// Streams are added and removed while the pipeline runs. Each stream gets
// a decoding worker; at most Capacity streams hold a batch slot at once and
// the rest wait in FIFO order. A stream that fails, stalls or ends releases
// its slot without affecting the others. Every emitted batch goes through
// the Engine exactly once and then to the configured sinks together with
// the current tile layout.
//
// Lifecycle: New() → AddStream()... → Run(ctx) → (Run closes on return).
//
// Sources are opened through an Opener. NewOpener returns the default one:
// GStreamer for file, rtsp, http and v4l2 URIs plus synthetic:// test
// patterns.
package multistream

import (
	"log/slog"

	"github.com/e7canasta/orion-multistream/internal/batch"
	"github.com/e7canasta/orion-multistream/internal/compositor"
	"github.com/e7canasta/orion-multistream/internal/controller"
	"github.com/e7canasta/orion-multistream/internal/inference"
	"github.com/e7canasta/orion-multistream/internal/source"
	"github.com/e7canasta/orion-multistream/internal/source/gst"
	"github.com/e7canasta/orion-multistream/internal/stream"
)

// Re-exported from internal packages.
type (
	Controller  = controller.Controller
	Config      = controller.Config
	RetryPolicy = controller.RetryPolicy
	Option      = controller.Option
	Output      = controller.Output
	Sink        = controller.Sink
	SinkFunc    = controller.SinkFunc
	Observer    = controller.Observer
	Stats       = controller.Stats

	StreamID = stream.ID
	Snapshot = stream.Snapshot

	Opener         = source.Opener
	Handle         = source.Handle
	Frame          = source.Frame
	SourceSettings = source.Settings

	Batch  = batch.Batch
	Engine = inference.Engine
	Result = inference.Result

	TileLayout = compositor.TileLayout
)

// Errors callers may match with errors.Is.
var (
	ErrClosed        = controller.ErrClosed
	ErrUnknownStream = stream.ErrUnknownStream
	ErrEndOfStream   = source.ErrEndOfStream
)

var (
	WithSink     = controller.WithSink
	WithObserver = controller.WithObserver
	WithClock    = controller.WithClock
)

// DefaultConfig returns four slots on a 1080p canvas at 30 fps.
func DefaultConfig() Config { return controller.DefaultConfig() }

// New creates a controller. engine may be nil for the null engine that
// reports no detections.
func New(cfg Config, opener Opener, engine Engine, opts ...Option) (*Controller, error) {
	if engine == nil {
		engine = inference.Null{}
	}
	return controller.New(cfg, opener, engine, opts...)
}

// NewOpener returns the default opener. Without a usable GStreamer
// installation only synthetic:// sources can be opened.
func NewOpener(s SourceSettings) Opener {
	var fallback Opener
	if g, err := gst.NewOpener(s); err != nil {
		slog.Warn("multistream: GStreamer unavailable, only synthetic sources can be opened", "error", err)
	} else {
		fallback = g
	}
	return source.NewRouter(fallback).Handle(source.SyntheticScheme, source.SyntheticOpener{Settings: s})
}

// DefaultSourceSettings returns live 640x360 RGB frames at 30 fps. Local
// files are opened as non-live regardless.
func DefaultSourceSettings() SourceSettings { return source.DefaultSettings() }
