// Package gst opens sources through GStreamer's uridecodebin. It needs
// cgo and a GStreamer installation; the rest of the module does not.
package gst

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-multistream/internal/source"
)

// closeWait bounds how long Close waits for the bus goroutine.
const closeWait = 3 * time.Second

// Opener opens any URI uridecodebin can resolve (file, rtsp, http, v4l2)
// and delivers RGB frames scaled to Settings. Local files are opened as
// non-live sources whatever Settings.Live says.
type Opener struct {
	Settings source.Settings
}

// NewOpener verifies GStreamer is usable and returns an opener.
func NewOpener(s source.Settings) (*Opener, error) {
	if s.Width <= 0 || s.Height <= 0 {
		return nil, fmt.Errorf("gst: invalid resolution %dx%d", s.Width, s.Height)
	}
	if s.OpenTimeout <= 0 {
		return nil, fmt.Errorf("gst: open timeout must be positive")
	}
	if s.DotDir != "" {
		if err := os.MkdirAll(s.DotDir, 0o755); err != nil {
			return nil, fmt.Errorf("gst: create dot dir: %w", err)
		}
	}
	if err := initGStreamer(); err != nil {
		return nil, err
	}
	return &Opener{Settings: s}, nil
}

type busError struct {
	msg   string
	debug string
}

// Open builds a pipeline for uri and waits until it is playing, the first
// frame arrives, or the bus reports an error. A failed open leaves nothing
// allocated.
func (o *Opener) Open(ctx context.Context, uri string) (source.Handle, error) {
	s := o.Settings.ForURI(uri)
	els, err := buildPipeline(uri, s)
	if err != nil {
		return nil, &source.SourceError{Kind: source.UnsupportedFormat, URI: uri, Err: err}
	}

	h := &handle{
		uri:      uri,
		settings: s,
		els:      els,
		frames:   make(chan source.Frame, 4),
		errs:     make(chan busError, 1),
		eos:      make(chan struct{}),
		started:  make(chan struct{}),
		stop:     make(chan struct{}),
	}

	els.sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: h.onNewSample,
	})
	els.decode.Connect("pad-added", func(self *gst.Element, pad *gst.Pad) {
		onPadAdded(uri, pad, els.convert)
	})

	if err := els.pipeline.SetState(gst.StatePlaying); err != nil {
		h.teardown()
		return nil, &source.SourceError{Kind: source.Unreachable, URI: uri, Err: err}
	}

	h.wg.Add(1)
	go h.watchBus()

	timer := time.NewTimer(s.OpenTimeout)
	defer timer.Stop()

	select {
	case <-h.started:
		slog.Info("gst: opened", "uri", uri, "width", s.Width, "height", s.Height, "live", s.Live)
		if s.DotDir != "" {
			dumpGraph(s.DotDir, uri, els.pipeline)
		}
		return h, nil
	case be := <-h.errs:
		h.Close()
		return nil, source.ClassifyOpen(uri, be.msg, be.debug)
	case <-h.eos:
		h.Close()
		return nil, &source.SourceError{Kind: source.UnsupportedFormat, URI: uri, Err: errors.New("end of stream before first frame")}
	case <-timer.C:
		h.Close()
		return nil, &source.SourceError{Kind: source.Timeout, URI: uri, Err: fmt.Errorf("not playing after %s", s.OpenTimeout)}
	case <-ctx.Done():
		h.Close()
		return nil, &source.SourceError{Kind: source.Timeout, URI: uri, Err: ctx.Err()}
	}
}

// dumpGraph writes the pipeline graph in Graphviz format. Failures are
// logged only.
func dumpGraph(dir, uri string, p *gst.Pipeline) {
	path := filepath.Join(dir, "pipeline-"+uuid.NewString()[:8]+".dot")
	if err := os.WriteFile(path, []byte(p.DebugBinToDotData(gst.DebugGraphShowAll)), 0o644); err != nil {
		slog.Warn("gst: pipeline graph dump failed", "uri", uri, "error", err)
		return
	}
	slog.Info("gst: pipeline graph written", "uri", uri, "path", path)
}

type handle struct {
	uri      string
	settings source.Settings
	els      *elements

	frames  chan source.Frame
	errs    chan busError
	eos     chan struct{}
	started chan struct{}
	stop    chan struct{}

	eosOnce     sync.Once
	startedOnce sync.Once
	closeOnce   sync.Once
	wg          sync.WaitGroup

	seq     atomic.Uint64
	dropped atomic.Uint64
	lastTS  time.Time // touched only by the appsink streaming thread
}

func (h *handle) markStarted() {
	h.startedOnce.Do(func() { close(h.started) })
}

// onNewSample runs on the GStreamer streaming thread. The buffer is copied
// out because GStreamer reuses it.
func (h *handle) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	h.lastTS = source.NextTimestamp(h.lastTS, time.Now())
	frame := source.Frame{
		Seq:       h.seq.Add(1),
		Timestamp: h.lastTS,
		Width:     h.settings.Width,
		Height:    h.settings.Height,
		Data:      frameData,
		TraceID:   uuid.New().String(),
	}
	h.markStarted()

	if !h.settings.Live {
		// Block the streaming thread until the frame is taken.
		select {
		case h.frames <- frame:
			return gst.FlowOK
		case <-h.stop:
			return gst.FlowFlushing
		}
	}

	select {
	case h.frames <- frame:
	case <-h.stop:
		return gst.FlowFlushing
	default:
		// Live sources keep only the freshest frames.
		h.dropped.Add(1)
	}
	return gst.FlowOK
}

// watchBus polls the pipeline bus until the handle is closed.
func (h *handle) watchBus() {
	defer h.wg.Done()

	bus := h.els.pipeline.GetPipelineBus()
	for {
		select {
		case <-h.stop:
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Debug("gst: end of stream", "uri", h.uri, "frames", h.seq.Load())
			h.eosOnce.Do(func() { close(h.eos) })

		case gst.MessageError:
			gerr := msg.ParseError()
			be := busError{msg: gerr.Error(), debug: gerr.DebugString()}
			slog.Warn("gst: decoder error",
				"uri", h.uri,
				"error", be.msg,
				"debug", be.debug,
			)
			select {
			case h.errs <- be:
			default:
			}

		case gst.MessageWarning:
			gerr := msg.ParseWarning()
			slog.Warn("gst: decoder warning", "uri", h.uri, "warning", gerr.Error())

		case gst.MessageStateChanged:
			if msg.Source() == h.els.pipeline.GetName() {
				_, newState := msg.ParseStateChanged()
				if newState == gst.StatePlaying {
					h.markStarted()
				}
			}
		}
	}
}

// NextFrame returns buffered frames before reporting end of stream.
func (h *handle) NextFrame(ctx context.Context) (source.Frame, error) {
	select {
	case f := <-h.frames:
		return f, nil
	default:
	}

	select {
	case f := <-h.frames:
		return f, nil
	case be := <-h.errs:
		return source.Frame{}, source.ClassifyStream(h.uri, be.msg, be.debug)
	case <-h.eos:
		select {
		case f := <-h.frames:
			return f, nil
		default:
			return source.Frame{}, source.ErrEndOfStream
		}
	case <-h.stop:
		return source.Frame{}, source.ErrEndOfStream
	case <-ctx.Done():
		return source.Frame{}, ctx.Err()
	}
}

// Close stops the pipeline and waits a bounded time for the bus watcher.
func (h *handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.stop)
		err = h.teardown()

		done := make(chan struct{})
		go func() {
			h.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(closeWait):
			slog.Warn("gst: bus watcher did not exit in time", "uri", h.uri, "timeout", closeWait)
		}

		slog.Debug("gst: closed",
			"uri", h.uri,
			"frames", h.seq.Load(),
			"dropped", h.dropped.Load(),
		)
	})
	return err
}

func (h *handle) teardown() error {
	if err := h.els.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("gst: stop pipeline %s: %w", h.uri, err)
	}
	return nil
}
