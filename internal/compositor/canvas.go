package compositor

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/e7canasta/orion-multistream/internal/batch"
	"github.com/e7canasta/orion-multistream/internal/inference"
	"github.com/e7canasta/orion-multistream/internal/source"
	"github.com/e7canasta/orion-multistream/internal/stream"
)

var (
	background = color.RGBA{16, 16, 16, 255}
	labelColor = color.RGBA{255, 255, 255, 255}
	labelShade = color.RGBA{0, 0, 0, 160}

	classColors = map[inference.Class]color.RGBA{
		inference.Vehicle:  {0, 200, 255, 255},
		inference.Bicycle:  {255, 200, 0, 255},
		inference.Person:   {0, 255, 0, 255},
		inference.Roadsign: {255, 0, 255, 255},
	}
)

type tileState struct {
	picture *image.RGBA // last frame scaled to the tile
	seq     uint64 // source sequence number of the picture
	result  inference.FrameResult
}

// Canvas renders batches into a single composited picture. Tiles of
// streams missing from a batch keep showing their last frame.
//
// Canvas is not safe for concurrent use.
type Canvas struct {
	img    *image.RGBA
	layout TileLayout
	tiles  map[stream.ID]*tileState
}

// NewCanvas returns a blank canvas of size.
func NewCanvas(size image.Point) *Canvas {
	c := &Canvas{
		img:   image.NewRGBA(image.Rectangle{Max: size}),
		tiles: make(map[stream.ID]*tileState),
	}
	c.clear()
	return c
}

func (c *Canvas) clear() {
	draw.Draw(c.img, c.img.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)
}

// Render draws b with its detections using layout and returns the canvas
// image. The returned image is reused by the next Render.
func (c *Canvas) Render(layout TileLayout, b *batch.Batch, res inference.Result) *image.RGBA {
	if !layout.Equal(c.layout) {
		c.relayout(layout)
	}

	if b != nil {
		for _, slot := range b.Slots() {
			s, _ := b.Frame(slot)
			rect, ok := layout.Lookup(s.Stream)
			if !ok {
				continue
			}
			ts := c.tiles[s.Stream]
			pic := toRGBA(s.Frame)
			if pic == nil {
				continue
			}
			ts.picture = image.NewRGBA(image.Rectangle{Max: rect.Size()})
			draw.ApproxBiLinear.Scale(ts.picture, ts.picture.Bounds(), pic, pic.Bounds(), draw.Src, nil)
			ts.seq = s.Frame.Seq
			ts.result = res.Frames[s.Stream]
			c.drawTile(rect, ts, pic.Bounds().Size())
		}
	}
	return c.img
}

func (c *Canvas) relayout(layout TileLayout) {
	c.layout = layout
	c.clear()

	keep := make(map[stream.ID]*tileState, len(layout.Tiles))
	for _, t := range layout.Tiles {
		ts, ok := c.tiles[t.Stream]
		if !ok {
			ts = &tileState{}
		}
		keep[t.Stream] = ts
		if ts.picture != nil {
			// Tile moved or resized: rescale the last picture.
			pic := ts.picture
			ts.picture = image.NewRGBA(image.Rectangle{Max: t.Rect.Size()})
			draw.ApproxBiLinear.Scale(ts.picture, ts.picture.Bounds(), pic, pic.Bounds(), draw.Src, nil)
			c.drawTile(t.Rect, ts, image.Point{})
		}
	}
	c.tiles = keep
}

// drawTile blits the tile picture, detection boxes and the OSD label.
// frameSize is the source resolution of the current result; zero skips
// the boxes.
func (c *Canvas) drawTile(rect image.Rectangle, ts *tileState, frameSize image.Point) {
	draw.Draw(c.img, rect, ts.picture, image.Point{}, draw.Src)

	if frameSize.X > 0 && frameSize.Y > 0 {
		for _, d := range ts.result.Detections {
			box := scaleRect(d.Box.Rect(), frameSize, rect.Size()).Add(rect.Min)
			col, ok := classColors[d.Class]
			if !ok {
				col = labelColor
			}
			outline(c.img, box.Intersect(rect), col)
		}
	}

	label := Label(ts.seq, ts.result)
	band := image.Rect(rect.Min.X, rect.Min.Y, min(rect.Max.X, rect.Min.X+len(label)*7+8), min(rect.Max.Y, rect.Min.Y+18))
	draw.Draw(c.img, band, image.NewUniform(labelShade), image.Point{}, draw.Over)
	d := font.Drawer{
		Dst:  c.img,
		Src:  image.NewUniform(labelColor),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(rect.Min.X+4, rect.Min.Y+13),
	}
	d.DrawString(label)
}

// Label formats the per-tile OSD text. frame is the source sequence
// number of the picture shown.
func Label(frame uint64, r inference.FrameResult) string {
	return fmt.Sprintf("Frame=%d Objects=%d Vehicles=%d People=%d",
		frame, len(r.Detections), r.Count(inference.Vehicle), r.Count(inference.Person))
}

func scaleRect(r image.Rectangle, from, to image.Point) image.Rectangle {
	sx := func(v int) int { return v * to.X / from.X }
	sy := func(v int) int { return v * to.Y / from.Y }
	return image.Rect(sx(r.Min.X), sy(r.Min.Y), sx(r.Max.X), sy(r.Max.Y))
}

func outline(dst draw.Image, r image.Rectangle, col color.Color) {
	if r.Empty() {
		return
	}
	src := image.NewUniform(col)
	const w = 2
	for _, edge := range []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+w),
		image.Rect(r.Min.X, r.Max.Y-w, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+w, r.Max.Y),
		image.Rect(r.Max.X-w, r.Min.Y, r.Max.X, r.Max.Y),
	} {
		draw.Draw(dst, edge.Intersect(r), src, image.Point{}, draw.Src)
	}
}

// toRGBA converts a packed RGB24 frame. It returns nil when the buffer does
// not match the frame size.
func toRGBA(f source.Frame) *image.RGBA {
	if f.Width <= 0 || f.Height <= 0 || len(f.Data) < f.Width*f.Height*3 {
		return nil
	}
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for i, j := 0, 0; i < f.Width*f.Height; i, j = i+1, j+3 {
		img.Pix[i*4] = f.Data[j]
		img.Pix[i*4+1] = f.Data[j+1]
		img.Pix[i*4+2] = f.Data[j+2]
		img.Pix[i*4+3] = 255
	}
	return img
}
