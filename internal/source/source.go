// Package source turns external video locators into uniform producers of
// decoded RGB frames.
//
// A source is used in three steps:
//
//	h, err := opener.Open(ctx, uri)   // may block on I/O
//	f, err := h.NextFrame(ctx)        // repeat until ErrEndOfStream
//	h.Close()                         // always, from any state
//
// Adapters never retry on their own. Open failures are *SourceError,
// per-frame failures are *DecodeError, and the caller decides what to do.
package source

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"
)

// ErrEndOfStream is returned by NextFrame once the source is exhausted.
var ErrEndOfStream = errors.New("source: end of stream")

// Frame is one decoded picture in packed RGB24.
//
// Timestamps are strictly increasing per handle. Ownership of Data passes
// to the receiver; the adapter keeps no reference after handing it over.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Data      []byte
	TraceID   string
}

// Opener opens sources by URI.
type Opener interface {
	Open(ctx context.Context, uri string) (Handle, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, uri string) (Handle, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, uri string) (Handle, error) {
	return f(ctx, uri)
}

// Handle is an open source.
//
// NextFrame may block; it must return promptly once ctx is cancelled.
// Close releases every resource held by the handle and is idempotent.
type Handle interface {
	NextFrame(ctx context.Context) (Frame, error)
	Close() error
}

// Settings shape the frames produced by adapters that scale and convert.
type Settings struct {
	Width       int
	Height      int
	FPS         int
	OpenTimeout time.Duration
	// Live sources keep only the freshest frames when the consumer falls
	// behind. Non-live sources block the decoder instead, so every frame
	// is delivered.
	Live bool
	// DotDir, if set, receives a Graphviz dump of every pipeline once it
	// plays. Adapters without an element graph ignore it.
	DotDir string
}

// ForURI returns s adjusted for uri. Local files are never live.
func (s Settings) ForURI(uri string) Settings {
	u, err := url.Parse(uri)
	if err == nil && strings.EqualFold(u.Scheme, "file") {
		s.Live = false
	}
	return s
}

// DefaultSettings matches the compositor's default tile budget.
func DefaultSettings() Settings {
	return Settings{
		Width:       640,
		Height:      360,
		FPS:         30,
		OpenTimeout: 10 * time.Second,
		Live:        true,
	}
}

// NextTimestamp returns t if it is after last, otherwise last plus one
// nanosecond, keeping per-handle timestamps strictly increasing.
func NextTimestamp(last, t time.Time) time.Time {
	if !t.After(last) {
		return last.Add(time.Nanosecond)
	}
	return t
}
