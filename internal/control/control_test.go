package control

import (
	"bytes"
	"encoding/json"
	"image"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-cmp/cmp"

	"github.com/e7canasta/orion-multistream/internal/compositor"
	"github.com/e7canasta/orion-multistream/internal/controller"
	"github.com/e7canasta/orion-multistream/internal/stream"
)

// fakePipeline keeps streams in a registry and removes them at once.
type fakePipeline struct {
	mu      sync.Mutex
	reg     *stream.Registry
	closed  bool
	removed []stream.ID
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{reg: stream.NewRegistry()}
}

func (p *fakePipeline) AddStream(uri string) (stream.ID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return -1, controller.ErrClosed
	}
	return p.reg.Add(uri).ID, nil
}

func (p *fakePipeline) RemoveStream(id stream.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.reg.Get(id); !ok {
		return stream.ErrUnknownStream
	}
	p.removed = append(p.removed, id)
	return p.reg.Delete(id)
}

func (p *fakePipeline) Streams() []stream.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reg.Snapshot()
}

func (p *fakePipeline) Stream(id stream.ID) (stream.Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.reg.Get(id)
	if !ok {
		return stream.Snapshot{}, false
	}
	return e.Snapshot(), true
}

func (p *fakePipeline) Layout() compositor.TileLayout {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []stream.ID
	for _, e := range p.reg.Entities() {
		ids = append(ids, e.ID)
	}
	return compositor.Recompute(ids, image.Pt(1920, 1080))
}

func newTestRouter(p Pipeline) *chi.Mux {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := chi.NewRouter()
	NewHandler(p, log).Routes(r, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("# metrics\n"))
	}))
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_AddListRemove(t *testing.T) {
	p := newFakePipeline()
	r := newTestRouter(p)

	rec := do(t, r, http.MethodPost, "/streams", `{"uri":"rtsp://cam-1/stream"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST: expected 201, got %d: %s", rec.Code, rec.Body)
	}
	var added addResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &added); err != nil {
		t.Fatal(err)
	}
	if added.ID != 0 || added.URI != "rtsp://cam-1/stream" {
		t.Errorf("added = %+v", added)
	}

	do(t, r, http.MethodPost, "/streams", `{"uri":"rtsp://cam-2/stream"}`)

	rec = do(t, r, http.MethodGet, "/streams", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET: expected 200, got %d", rec.Code)
	}
	var list []stream.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	want := []stream.Snapshot{
		{ID: 0, URI: "rtsp://cam-1/stream", State: "initializing", BatchSlot: -1},
		{ID: 1, URI: "rtsp://cam-2/stream", State: "initializing", BatchSlot: -1},
	}
	if diff := cmp.Diff(want, list); diff != "" {
		t.Errorf("streams (-want +got):\n%s", diff)
	}

	rec = do(t, r, http.MethodGet, "/streams/1", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "cam-2") {
		t.Errorf("GET /streams/1: %d %s", rec.Code, rec.Body)
	}

	if rec := do(t, r, http.MethodDelete, "/streams/0", ""); rec.Code != http.StatusAccepted {
		t.Errorf("DELETE: expected 202, got %d", rec.Code)
	}
	if rec := do(t, r, http.MethodDelete, "/streams/0", ""); rec.Code != http.StatusNotFound {
		t.Errorf("second DELETE: expected 404, got %d", rec.Code)
	}
	if rec := do(t, r, http.MethodGet, "/streams/0", ""); rec.Code != http.StatusNotFound {
		t.Errorf("GET removed: expected 404, got %d", rec.Code)
	}
}

func TestHandler_BadRequests(t *testing.T) {
	r := newTestRouter(newFakePipeline())

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"not json", http.MethodPost, "/streams", "not json", http.StatusBadRequest},
		{"missing uri", http.MethodPost, "/streams", `{"uri":"  "}`, http.StatusBadRequest},
		{"bad id", http.MethodDelete, "/streams/abc", "", http.StatusBadRequest},
		{"negative id", http.MethodGet, "/streams/-1", "", http.StatusBadRequest},
		{"unknown id", http.MethodDelete, "/streams/9", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(t, r, tt.method, tt.path, tt.body); rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestHandler_AddAfterClose(t *testing.T) {
	p := newFakePipeline()
	p.closed = true
	r := newTestRouter(p)

	rec := do(t, r, http.MethodPost, "/streams", `{"uri":"rtsp://cam"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestHandler_LayoutHealthMetrics(t *testing.T) {
	p := newFakePipeline()
	r := newTestRouter(p)
	for _, u := range []string{"a://1", "a://2", "a://3"} {
		do(t, r, http.MethodPost, "/streams", `{"uri":"`+u+`"}`)
	}

	rec := do(t, r, http.MethodGet, "/layout", "")
	var l layoutJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &l); err != nil {
		t.Fatal(err)
	}
	if l.Rows != 2 || l.Cols != 2 || len(l.Tiles) != 3 {
		t.Fatalf("layout = %+v", l)
	}
	if diff := cmp.Diff(tileJSON{Stream: 2, X: 0, Y: 540, W: 960, H: 540}, l.Tiles[2]); diff != "" {
		t.Errorf("third tile (-want +got):\n%s", diff)
	}

	rec = do(t, r, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte(`"initializing":3`)) {
		t.Errorf("healthz: %d %s", rec.Code, rec.Body)
	}

	rec = do(t, r, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Body.String(), "# metrics") {
		t.Errorf("metrics: %d %s", rec.Code, rec.Body)
	}
}

func TestReconciler(t *testing.T) {
	p := newFakePipeline()
	rc := NewReconciler(p)

	rc.Apply([]string{"rtsp://a", "rtsp://b", "rtsp://a"})
	if diff := cmp.Diff([]string{"rtsp://a", "rtsp://b"}, rc.Owned()); diff != "" {
		t.Errorf("owned (-want +got):\n%s", diff)
	}
	if n := len(p.Streams()); n != 2 {
		t.Fatalf("streams = %d, want 2", n)
	}

	// A stream added by hand is not touched.
	manual, _ := p.AddStream("rtsp://manual")

	rc.Apply([]string{"rtsp://b", "rtsp://c"})
	if diff := cmp.Diff([]string{"rtsp://b", "rtsp://c"}, rc.Owned()); diff != "" {
		t.Errorf("owned (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]stream.ID{0}, p.removed); diff != "" {
		t.Errorf("removed (-want +got):\n%s", diff)
	}
	if _, ok := p.Stream(manual); !ok {
		t.Error("manual stream removed")
	}

	// b ends on its own; the next apply brings it back.
	bID := stream.ID(1)
	p.RemoveStream(bID)
	rc.Apply([]string{"rtsp://b", "rtsp://c"})
	found := false
	for _, s := range p.Streams() {
		if s.URI == "rtsp://b" {
			found = true
		}
	}
	if !found {
		t.Error("ended stream not re-added")
	}
}
