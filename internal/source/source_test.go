package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestClassifyOpenErrors(t *testing.T) {
	tests := []struct {
		name  string
		msg   string
		debug string
		want  ErrorKind
	}{
		{"auth", "Unauthorized", "401 from server", Unreachable},
		{"network", "Could not open resource for reading.", "", Unreachable},
		{"codec", "Your GStreamer installation is missing a plug-in.", "missing plugin: H.264 decoder", UnsupportedFormat},
		{"caps", "Internal data stream error.", "streaming stopped, reason not-negotiated", UnsupportedFormat},
		{"timeout", "Could not receive message", "Operation timed out", Timeout},
		{"unknown", "something odd", "", Unreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyOpen("rtsp://cam", tt.msg, tt.debug)
			if err.Kind != tt.want {
				t.Errorf("kind = %v, want %v", err.Kind, tt.want)
			}
			if kind, ok := KindOf(err); !ok || kind != tt.want {
				t.Errorf("KindOf = %v, %v", kind, ok)
			}
		})
	}
}

func TestStreamErrorSplitsDecodeFromSource(t *testing.T) {
	decode := ClassifyStream("file:///a.mp4", "Could not decode stream.", "")
	if !IsDecode(decode) {
		t.Errorf("codec failure should be a DecodeError, got %T", decode)
	}

	gone := ClassifyStream("rtsp://cam", "Could not read from resource.", "connection reset")
	if IsDecode(gone) {
		t.Errorf("network failure should not be a DecodeError")
	}
	if kind, ok := KindOf(gone); !ok || kind != Unreachable {
		t.Errorf("KindOf = %v, %v, want unreachable", kind, ok)
	}
}

func TestNormalizeURI(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "clip.mp4")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		in   string
		want string
	}{
		{"rtsp://10.0.0.2/stream", "rtsp://10.0.0.2/stream"},
		{"https://example.com/a.m3u8", "https://example.com/a.m3u8"},
		{"/dev/video0", "v4l2:///dev/video0"},
		{file, "file://" + file},
		{filepath.Join(dir, "missing.mp4"), filepath.Join(dir, "missing.mp4")},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeURI(tt.in)
			if err != nil {
				t.Fatalf("NormalizeURI: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

type stubResolver struct {
	host string
	urls []string
	err  error
}

func (r stubResolver) Match(uri string) bool { return strings.Contains(uri, r.host) }

func (r stubResolver) Resolve(ctx context.Context, uri string) ([]string, error) {
	return r.urls, r.err
}

func TestExpandURIs(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "clip.mp4")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	playlist := stubResolver{host: "playlist.example", urls: []string{"https://cdn/1.mp4", "https://cdn/2.mp4"}}

	got, err := ExpandURIs(context.Background(),
		[]string{file, "https://playlist.example/list", "rtsp://cam"}, playlist)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"file://" + file, "https://cdn/1.mp4", "https://cdn/2.mp4", "rtsp://cam"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("got %v, want %v", got, want)
	}

	broken := stubResolver{host: "playlist.example", err: errors.New("private video")}
	if _, err := ExpandURIs(context.Background(), []string{"https://playlist.example/x"}, broken); err == nil {
		t.Error("resolver failure was swallowed")
	}
}

func TestYouTubeResolver(t *testing.T) {
	r := YouTubeResolver{}
	for uri, want := range map[string]bool{
		"https://www.youtube.com/watch?v=abc": true,
		"https://youtu.be/abc":                true,
		"https://example.com/watch?v=abc":     false,
		"rtsp://youtube.example/stream":       false,
	} {
		if got := r.Match(uri); got != want {
			t.Errorf("Match(%q) = %v, want %v", uri, got, want)
		}
	}

	dir := t.TempDir()
	tool := filepath.Join(dir, "fake-ytdl")
	script := "#!/bin/sh\necho https://media.example/a.mp4\necho\necho https://media.example/b.mp4\n"
	if err := os.WriteFile(tool, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	urls, err := YouTubeResolver{Command: tool}.Resolve(context.Background(), "https://youtu.be/abc")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(urls) != 2 || urls[0] != "https://media.example/a.mp4" || urls[1] != "https://media.example/b.mp4" {
		t.Errorf("urls = %v", urls)
	}

	// A missing tool skips the uri instead of failing startup.
	missing := YouTubeResolver{Command: "multistream-no-such-tool"}
	got, err := ExpandURIs(context.Background(), []string{"https://youtu.be/abc", "rtsp://cam"}, missing)
	if err != nil {
		t.Fatalf("ExpandURIs: %v", err)
	}
	if len(got) != 1 || got[0] != "rtsp://cam" {
		t.Errorf("got %v, want only rtsp://cam", got)
	}
}

func TestSettingsForURI(t *testing.T) {
	live := DefaultSettings()
	if !live.Live {
		t.Fatal("default settings should be live")
	}
	tests := []struct {
		uri  string
		live bool
	}{
		{"file:///videos/clip.mp4", false},
		{"FILE:///videos/clip.mp4", false},
		{"rtsp://cam/stream", true},
		{"https://example.com/a.m3u8", true},
		{"v4l2:///dev/video0", true},
	}
	for _, tt := range tests {
		if got := live.ForURI(tt.uri).Live; got != tt.live {
			t.Errorf("ForURI(%q).Live = %v, want %v", tt.uri, got, tt.live)
		}
	}
	if !live.Live {
		t.Error("ForURI modified the receiver")
	}
}

func TestNextTimestamp(t *testing.T) {
	base := time.Unix(100, 0)
	if got := NextTimestamp(base, base.Add(time.Millisecond)); !got.Equal(base.Add(time.Millisecond)) {
		t.Errorf("later time not kept: %v", got)
	}
	if got := NextTimestamp(base, base); !got.After(base) {
		t.Errorf("equal time not advanced: %v", got)
	}
	if got := NextTimestamp(base, base.Add(-time.Second)); !got.After(base) {
		t.Errorf("earlier time not advanced: %v", got)
	}
}

func TestRouter(t *testing.T) {
	var routed string
	named := func(name string) Opener {
		return OpenerFunc(func(ctx context.Context, uri string) (Handle, error) {
			routed = name
			return nil, nil
		})
	}

	r := NewRouter(named("fallback")).Handle("synthetic", named("synthetic"))

	tests := []struct {
		uri  string
		want string
	}{
		{"synthetic://a", "synthetic"},
		{"SYNTHETIC://b", "synthetic"},
		{"rtsp://cam", "fallback"},
		{"no-scheme", "fallback"},
	}
	for _, tt := range tests {
		routed = ""
		if _, err := r.Open(context.Background(), tt.uri); err != nil {
			t.Fatalf("Open(%q): %v", tt.uri, err)
		}
		if routed != tt.want {
			t.Errorf("Open(%q) routed to %q, want %q", tt.uri, routed, tt.want)
		}
	}

	_, err := NewRouter(nil).Open(context.Background(), "rtsp://cam")
	if kind, ok := KindOf(err); !ok || kind != UnsupportedFormat {
		t.Errorf("unroutable uri: err = %v", err)
	}
}

func TestSynthetic_FramesThenEndOfStream(t *testing.T) {
	o := SyntheticOpener{Settings: Settings{Width: 8, Height: 4}}
	h, err := o.Open(context.Background(), "synthetic://cam?frames=3&fps=0")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	var last time.Time
	for i := 1; i <= 3; i++ {
		f, err := h.NextFrame(context.Background())
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if f.Seq != uint64(i) {
			t.Errorf("seq = %d, want %d", f.Seq, i)
		}
		if len(f.Data) != 8*4*3 {
			t.Errorf("data len = %d, want %d", len(f.Data), 8*4*3)
		}
		if !f.Timestamp.After(last) {
			t.Errorf("frame %d timestamp not increasing", i)
		}
		last = f.Timestamp
	}

	if _, err := h.NextFrame(context.Background()); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("after limit: err = %v, want ErrEndOfStream", err)
	}
}

func TestSynthetic_CloseIsIdempotentAndUnblocks(t *testing.T) {
	o := SyntheticOpener{Settings: Settings{Width: 4, Height: 4}}
	h, err := o.Open(context.Background(), "synthetic://slow?fps=1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := h.NextFrame(context.Background()); err != nil {
		t.Fatalf("first frame: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.NextFrame(ctx)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("NextFrame did not observe cancellation")
	}

	for i := 0; i < 2; i++ {
		if err := h.Close(); err != nil {
			t.Errorf("Close #%d: %v", i+1, err)
		}
	}
	if _, err := h.NextFrame(context.Background()); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("after Close: err = %v", err)
	}
}

func TestSynthetic_RejectsBadParameters(t *testing.T) {
	o := SyntheticOpener{Settings: DefaultSettings()}
	for _, uri := range []string{
		"synthetic://x?fps=fast",
		"synthetic://x?width=0",
		"rtsp://not-synthetic",
	} {
		_, err := o.Open(context.Background(), uri)
		if kind, ok := KindOf(err); !ok || kind != UnsupportedFormat {
			t.Errorf("Open(%q) err = %v, want unsupported format", uri, err)
		}
		if err != nil && !strings.Contains(err.Error(), uri) {
			t.Errorf("error %q does not name the uri", err)
		}
	}
}
