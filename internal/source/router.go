package source

import (
	"context"
	"strings"
)

// Router dispatches Open by URI scheme. URIs are otherwise passed through
// untouched to the selected opener.
type Router struct {
	schemes  map[string]Opener
	fallback Opener
}

// NewRouter returns a router sending unknown schemes to fallback.
func NewRouter(fallback Opener) *Router {
	return &Router{schemes: make(map[string]Opener), fallback: fallback}
}

// Handle registers o for scheme (without "://").
func (r *Router) Handle(scheme string, o Opener) *Router {
	r.schemes[strings.ToLower(scheme)] = o
	return r
}

// Open implements Opener.
func (r *Router) Open(ctx context.Context, uri string) (Handle, error) {
	if i := strings.Index(uri, "://"); i > 0 {
		if o, ok := r.schemes[strings.ToLower(uri[:i])]; ok {
			return o.Open(ctx, uri)
		}
	}
	if r.fallback == nil {
		return nil, &SourceError{Kind: UnsupportedFormat, URI: uri, Err: errUnroutable}
	}
	return r.fallback.Open(ctx, uri)
}
