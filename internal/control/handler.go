// Package control exposes runtime stream management over HTTP and keeps
// the running stream set in line with a sources file.
package control

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/e7canasta/orion-multistream/internal/compositor"
	"github.com/e7canasta/orion-multistream/internal/controller"
	"github.com/e7canasta/orion-multistream/internal/source"
	"github.com/e7canasta/orion-multistream/internal/stream"
)

// Pipeline is the part of the controller the control plane drives.
type Pipeline interface {
	AddStream(uri string) (stream.ID, error)
	RemoveStream(id stream.ID) error
	Streams() []stream.Snapshot
	Stream(id stream.ID) (stream.Snapshot, bool)
	Layout() compositor.TileLayout
}

// Handler serves the control API.
type Handler struct {
	p   Pipeline
	log *slog.Logger
}

// NewHandler returns a Handler driving p.
func NewHandler(p Pipeline, log *slog.Logger) *Handler {
	return &Handler{p: p, log: log}
}

// Routes mounts the API on r. metrics may be nil.
func (h *Handler) Routes(r chi.Router, metrics http.Handler) {
	r.Get("/healthz", h.Health)
	r.Route("/streams", func(r chi.Router) {
		r.Get("/", h.ListStreams)
		r.Post("/", h.AddStream)
		r.Get("/{id}", h.GetStream)
		r.Delete("/{id}", h.RemoveStream)
	})
	r.Get("/layout", h.GetLayout)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
}

type addRequest struct {
	URI string `json:"uri"`
}

type addResponse struct {
	ID  stream.ID `json:"id"`
	URI string    `json:"uri"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type tileJSON struct {
	Stream stream.ID `json:"stream_id"`
	X      int       `json:"x"`
	Y      int       `json:"y"`
	W      int       `json:"w"`
	H      int       `json:"h"`
}

type layoutJSON struct {
	Rows   int        `json:"rows"`
	Cols   int        `json:"cols"`
	Width  int        `json:"width"`
	Height int        `json:"height"`
	Tiles  []tileJSON `json:"tiles"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func streamID(r *http.Request) (stream.ID, bool) {
	n, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || n < 0 {
		return 0, false
	}
	return stream.ID(n), true
}

// AddStream handles POST /streams. Body: {"uri": "rtsp://..."}.
func (h *Handler) AddStream(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("control: invalid add body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	uri := strings.TrimSpace(req.URI)
	if uri == "" {
		writeError(w, http.StatusBadRequest, "uri is required")
		return
	}
	uri, err := source.NormalizeURI(uri)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.p.AddStream(uri)
	if err != nil {
		if errors.Is(err, controller.ErrClosed) {
			writeError(w, http.StatusServiceUnavailable, "pipeline is shutting down")
			return
		}
		h.log.Error("control: add stream failed", slog.String("uri", uri), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.log.Info("control: stream added", slog.Int("stream_id", int(id)), slog.String("uri", uri))
	writeJSON(w, http.StatusCreated, addResponse{ID: id, URI: uri})
}

// RemoveStream handles DELETE /streams/{id}. Removal is asynchronous:
// the stream drains and disappears from GET /streams once released.
func (h *Handler) RemoveStream(w http.ResponseWriter, r *http.Request) {
	id, ok := streamID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid stream id")
		return
	}
	if err := h.p.RemoveStream(id); err != nil {
		if errors.Is(err, stream.ErrUnknownStream) {
			writeError(w, http.StatusNotFound, "unknown stream")
			return
		}
		h.log.Error("control: remove stream failed", slog.Int("stream_id", int(id)), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.log.Info("control: stream removal requested", slog.Int("stream_id", int(id)))
	w.WriteHeader(http.StatusAccepted)
}

// ListStreams handles GET /streams.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	streams := h.p.Streams()
	if streams == nil {
		streams = []stream.Snapshot{}
	}
	writeJSON(w, http.StatusOK, streams)
}

// GetStream handles GET /streams/{id}.
func (h *Handler) GetStream(w http.ResponseWriter, r *http.Request) {
	id, ok := streamID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid stream id")
		return
	}
	s, ok := h.p.Stream(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown stream")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// GetLayout handles GET /layout.
func (h *Handler) GetLayout(w http.ResponseWriter, r *http.Request) {
	l := h.p.Layout()
	out := layoutJSON{
		Rows:   l.Rows,
		Cols:   l.Cols,
		Width:  l.Canvas.X,
		Height: l.Canvas.Y,
		Tiles:  make([]tileJSON, 0, len(l.Tiles)),
	}
	for _, t := range l.Tiles {
		out.Tiles = append(out.Tiles, tileJSON{
			Stream: t.Stream,
			X:      t.Rect.Min.X,
			Y:      t.Rect.Min.Y,
			W:      t.Rect.Dx(),
			H:      t.Rect.Dy(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	counts := make(map[string]int)
	for _, s := range h.p.Streams() {
		counts[s.State]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"streams": counts,
	})
}
