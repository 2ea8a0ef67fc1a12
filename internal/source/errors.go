package source

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies open failures.
type ErrorKind int

const (
	// Unreachable covers network, DNS, auth and missing-file failures.
	Unreachable ErrorKind = iota
	// UnsupportedFormat covers demux/codec/caps negotiation failures.
	UnsupportedFormat
	// Timeout means the source did not start within the open deadline.
	Timeout
)

func (k ErrorKind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case UnsupportedFormat:
		return "unsupported_format"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// SourceError is a stream-scoped failure to open a source.
type SourceError struct {
	Kind ErrorKind
	URI  string
	Err  error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source: %s: %s: %v", e.Kind, e.URI, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// DecodeError is a stream-scoped failure to produce one frame.
type DecodeError struct {
	URI string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("source: decode %s: %v", e.URI, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// KindOf returns the kind of a *SourceError anywhere in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return 0, false
}

// IsDecode reports whether err is a *DecodeError.
func IsDecode(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// category is the coarse class of a decoder bus message.
type category int

const (
	categoryUnknown category = iota
	categoryNetwork
	categoryCodec
	categoryAuth
	categoryTimeout
)

var (
	authKeywords = []string{
		"unauthorized", "401", "403", "forbidden",
		"authentication", "credentials", "password",
	}
	timeoutKeywords = []string{
		"timeout", "timed out",
	}
	codecKeywords = []string{
		"codec", "decode", "format", "negotiation", "caps",
		"not negotiated", "not-negotiated", "no decoder", "missing plugin",
		"h264", "h265", "mjpeg", "demux", "type not found",
	}
	networkKeywords = []string{
		"connection", "unreachable", "network", "dns", "resolve",
		"socket", "tcp", "udp", "rtsp", "not found", "could not connect",
		"failed to connect", "no such file", "could not open",
	}
)

// classify sorts a decoder error message by keyword. Auth is checked first
// as the most specific, network last as the most common.
func classify(msg, debug string) category {
	combined := strings.ToLower(msg + " " + debug)
	switch {
	case containsAny(combined, authKeywords):
		return categoryAuth
	case containsAny(combined, timeoutKeywords):
		return categoryTimeout
	case containsAny(combined, codecKeywords):
		return categoryCodec
	case containsAny(combined, networkKeywords):
		return categoryNetwork
	default:
		return categoryUnknown
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// ClassifyOpen maps a decoder error raised while opening to a SourceError.
func ClassifyOpen(uri, msg, debug string) *SourceError {
	kind := Unreachable
	switch classify(msg, debug) {
	case categoryCodec:
		kind = UnsupportedFormat
	case categoryTimeout:
		kind = Timeout
	}
	return &SourceError{Kind: kind, URI: uri, Err: errors.New(msg)}
}

// ClassifyStream maps a decoder error raised mid-stream. Codec trouble is
// a DecodeError; anything else means the source went away.
func ClassifyStream(uri, msg, debug string) error {
	if classify(msg, debug) == categoryCodec {
		return &DecodeError{URI: uri, Err: errors.New(msg)}
	}
	return ClassifyOpen(uri, msg, debug)
}
