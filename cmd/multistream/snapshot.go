package main

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-multistream/internal/compositor"
	"github.com/e7canasta/orion-multistream/internal/controller"
)

// snapshotSink composites every batch and writes the canvas as JPEG at
// most once per interval. Encoding happens off the pipeline goroutine;
// a snapshot due while the previous one is still being written is dropped.
type snapshotSink struct {
	dir      string
	quality  int
	interval time.Duration

	canvas *compositor.Canvas
	last   time.Time

	pending chan *image.RGBA
	wg      sync.WaitGroup
	seq     int // writer goroutine only

	saved   atomic.Uint64
	dropped atomic.Uint64
}

func newSnapshotSink(dir string, quality int, interval time.Duration, size image.Point) (*snapshotSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	s := &snapshotSink{
		dir:      dir,
		quality:  quality,
		interval: interval,
		canvas:   compositor.NewCanvas(size),
		pending:  make(chan *image.RGBA, 1),
	}
	s.wg.Add(1)
	go s.writer()
	return s, nil
}

// Consume implements controller.Sink.
func (s *snapshotSink) Consume(ctx context.Context, out controller.Output) error {
	img := s.canvas.Render(out.Layout, out.Batch, out.Result)

	now := out.Batch.CreatedAt()
	if !s.last.IsZero() && now.Sub(s.last) < s.interval {
		return nil
	}
	s.last = now

	cp := image.NewRGBA(img.Rect)
	copy(cp.Pix, img.Pix)
	select {
	case s.pending <- cp:
	default:
		s.dropped.Add(1)
	}
	return nil
}

func (s *snapshotSink) writer() {
	defer s.wg.Done()
	for img := range s.pending {
		if err := s.write(img); err != nil {
			s.dropped.Add(1)
			continue
		}
		s.saved.Add(1)
	}
}

// write stores a numbered snapshot and replaces latest.jpg with it.
func (s *snapshotSink) write(img *image.RGBA) error {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.quality}); err != nil {
		return fmt.Errorf("JPEG encode failed: %w", err)
	}

	s.seq++
	name := filepath.Join(s.dir, fmt.Sprintf("canvas_%06d.jpg", s.seq))
	if err := os.WriteFile(name, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	latest := filepath.Join(s.dir, "latest.jpg")
	tmp := latest + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return os.Rename(tmp, latest)
}

// Close waits for the last snapshot to be written.
func (s *snapshotSink) Close() {
	close(s.pending)
	s.wg.Wait()
}

// Stats returns saved and dropped snapshot counts.
func (s *snapshotSink) Stats() (saved, dropped uint64) {
	return s.saved.Load(), s.dropped.Load()
}
