package gst

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-multistream/internal/source"
)

// elements holds the parts of one per-source pipeline that the handle
// touches after construction.
//
//	uridecodebin → videoconvert → videoscale → [videorate] → capsfilter → appsink
//
// uridecodebin pads appear at runtime and are linked in onPadAdded.
type elements struct {
	pipeline *gst.Pipeline
	decode   *gst.Element
	convert  *gst.Element
	sink     *app.Sink
}

var initOnce sync.Once

func initGStreamer() error {
	initOnce.Do(func() { gst.Init(nil) })
	probe, err := gst.NewElement("fakesrc")
	if err != nil {
		return fmt.Errorf("gst: not available: %w", err)
	}
	probe.SetState(gst.StateNull)
	return nil
}

func rawCaps(s source.Settings) string {
	caps := fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d", s.Width, s.Height)
	if s.FPS > 0 {
		caps += fmt.Sprintf(",framerate=%d/1", s.FPS)
	}
	return caps
}

// buildPipeline creates the element graph in NULL state.
func buildPipeline(uri string, s source.Settings) (*elements, error) {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	decode, err := gst.NewElement("uridecodebin")
	if err != nil {
		return nil, fmt.Errorf("create uridecodebin: %w", err)
	}
	decode.SetProperty("uri", uri)
	decode.SetProperty("caps", gst.NewCapsFromString("video/x-raw(ANY)"))
	decode.SetProperty("expose-all-streams", false)
	decode.SetProperty("async-handling", true)

	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("create videoconvert: %w", err)
	}
	convert.SetProperty("n-threads", 0)

	scale, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("create videoscale: %w", err)
	}

	chain := []*gst.Element{convert, scale}
	if s.FPS > 0 {
		rate, err := gst.NewElement("videorate")
		if err != nil {
			return nil, fmt.Errorf("create videorate: %w", err)
		}
		rate.SetProperty("drop-only", true)
		rate.SetProperty("skip-to-first", true)
		chain = append(chain, rate)
	}

	filter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("create capsfilter: %w", err)
	}
	filter.SetProperty("caps", gst.NewCapsFromString(rawCaps(s)))
	chain = append(chain, filter)

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("create appsink: %w", err)
	}
	// Live sources drop stale buffers; files are paced by the clock and
	// by backpressure from onNewSample.
	sink.SetProperty("sync", !s.Live)
	sink.SetProperty("max-buffers", 2)
	sink.SetProperty("drop", s.Live)
	chain = append(chain, sink.Element)

	if err := pipeline.AddMany(append([]*gst.Element{decode}, chain...)...); err != nil {
		return nil, fmt.Errorf("add elements: %w", err)
	}
	if err := gst.ElementLinkMany(chain...); err != nil {
		return nil, fmt.Errorf("link elements: %w", err)
	}

	return &elements{
		pipeline: pipeline,
		decode:   decode,
		convert:  convert,
		sink:     sink,
	}, nil
}

// onPadAdded links the first raw video pad of uridecodebin into the
// converter. Audio and other pads are left unlinked.
func onPadAdded(uri string, pad *gst.Pad, convert *gst.Element) {
	caps := pad.GetCurrentCaps()
	if caps == nil || !strings.HasPrefix(caps.String(), "video/x-raw") {
		slog.Debug("gst: ignoring non-video pad", "uri", uri, "pad", pad.GetName())
		return
	}

	sinkPad := convert.GetStaticPad("sink")
	if sinkPad == nil {
		slog.Error("gst: converter has no sink pad", "uri", uri)
		return
	}
	if sinkPad.IsLinked() {
		slog.Debug("gst: video already linked, ignoring extra pad", "uri", uri, "pad", pad.GetName())
		return
	}
	if ret := pad.Link(sinkPad); ret != gst.PadLinkOK {
		slog.Error("gst: failed to link decoder pad",
			"uri", uri,
			"pad", pad.GetName(),
			"ret", ret,
		)
		return
	}
	slog.Debug("gst: decoder pad linked", "uri", uri, "pad", pad.GetName())
}
