package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SyntheticScheme is the URI scheme served by SyntheticOpener.
const SyntheticScheme = "synthetic"

// SyntheticOpener generates test-pattern frames without any decoder.
//
//	synthetic://name?fps=30&frames=300&width=320&height=240
//
// fps=0 disables pacing, frames=0 never ends. Missing parameters fall back
// to the opener's Settings.
type SyntheticOpener struct {
	Settings Settings
}

// Open implements Opener.
func (o SyntheticOpener) Open(ctx context.Context, uri string) (Handle, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != SyntheticScheme {
		return nil, &SourceError{Kind: UnsupportedFormat, URI: uri, Err: fmt.Errorf("not a synthetic uri")}
	}
	q := u.Query()

	h := &syntheticHandle{
		uri:    uri,
		width:  o.Settings.Width,
		height: o.Settings.Height,
		fps:    o.Settings.FPS,
	}
	for name, dst := range map[string]*int{
		"width":  &h.width,
		"height": &h.height,
		"fps":    &h.fps,
		"frames": &h.limit,
	} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, &SourceError{Kind: UnsupportedFormat, URI: uri, Err: fmt.Errorf("bad %s %q", name, v)}
		}
		*dst = n
	}
	if h.width <= 0 || h.height <= 0 {
		return nil, &SourceError{Kind: UnsupportedFormat, URI: uri, Err: fmt.Errorf("resolution %dx%d", h.width, h.height)}
	}
	if err := ctx.Err(); err != nil {
		return nil, &SourceError{Kind: Timeout, URI: uri, Err: err}
	}

	slog.Debug("source: synthetic opened",
		"uri", uri,
		"width", h.width,
		"height", h.height,
		"fps", h.fps,
		"frames", h.limit,
	)
	return h, nil
}

type syntheticHandle struct {
	uri    string
	width  int
	height int
	fps    int
	limit  int

	mu     sync.Mutex
	seq    uint64
	last   time.Time
	next   time.Time
	closed bool
}

func (h *syntheticHandle) NextFrame(ctx context.Context) (Frame, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return Frame{}, ErrEndOfStream
	}
	if h.limit > 0 && h.seq >= uint64(h.limit) {
		h.mu.Unlock()
		return Frame{}, ErrEndOfStream
	}
	wait := time.Until(h.next)
	h.mu.Unlock()

	if h.fps > 0 && wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Frame{}, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return Frame{}, ErrEndOfStream
	}

	now := time.Now()
	if h.fps > 0 {
		h.next = now.Add(time.Second / time.Duration(h.fps))
	}
	h.last = NextTimestamp(h.last, now)
	h.seq++

	return Frame{
		Seq:       h.seq,
		Timestamp: h.last,
		Width:     h.width,
		Height:    h.height,
		Data:      pattern(h.width, h.height, h.seq),
		TraceID:   uuid.New().String(),
	}, nil
}

func (h *syntheticHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

// pattern draws a diagonal gradient that scrolls with seq.
func pattern(width, height int, seq uint64) []byte {
	data := make([]byte, width*height*3)
	shift := int(seq % 256)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := (y*width + x) * 3
			data[i] = byte((x + shift) % 256)
			data[i+1] = byte((y + shift) % 256)
			data[i+2] = byte((x + y) % 256)
		}
	}
	return data
}
