package control

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/e7canasta/orion-multistream/internal/source"
	"github.com/e7canasta/orion-multistream/internal/stream"
)

// Reconciler keeps the streams it added equal to a desired URI set.
// Streams added by other means are left alone.
type Reconciler struct {
	p Pipeline

	mu    sync.Mutex
	owned map[string]stream.ID
}

// NewReconciler returns a Reconciler driving p.
func NewReconciler(p Pipeline) *Reconciler {
	return &Reconciler{p: p, owned: make(map[string]stream.ID)}
}

// Apply adds missing URIs and removes vanished ones. A URI whose stream
// has since ended is added again.
func (r *Reconciler) Apply(uris []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	desired := make(map[string]bool, len(uris))
	var order []string
	for _, u := range uris {
		n, err := source.NormalizeURI(u)
		if err != nil {
			slog.Warn("control: skipping source", "uri", u, "error", err)
			continue
		}
		if !desired[n] {
			desired[n] = true
			order = append(order, n)
		}
	}

	for uri, id := range r.owned {
		if s, ok := r.p.Stream(id); !ok || s.URI != uri {
			delete(r.owned, uri)
		}
	}

	var vanished []string
	for uri := range r.owned {
		if !desired[uri] {
			vanished = append(vanished, uri)
		}
	}
	sort.Strings(vanished)
	for _, uri := range vanished {
		id := r.owned[uri]
		delete(r.owned, uri)
		if err := r.p.RemoveStream(id); err != nil {
			slog.Warn("control: remove on reconcile failed", "stream_id", id, "uri", uri, "error", err)
			continue
		}
		slog.Info("control: source removed from set", "stream_id", id, "uri", uri)
	}

	for _, uri := range order {
		if _, ok := r.owned[uri]; ok {
			continue
		}
		id, err := r.p.AddStream(uri)
		if err != nil {
			slog.Warn("control: add on reconcile failed", "uri", uri, "error", err)
			continue
		}
		r.owned[uri] = id
		slog.Info("control: source added to set", "stream_id", id, "uri", uri)
	}
}

// Owned returns the URIs currently managed, sorted.
func (r *Reconciler) Owned() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.owned))
	for uri := range r.owned {
		out = append(out, uri)
	}
	sort.Strings(out)
	return out
}
