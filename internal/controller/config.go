package controller

import (
	"fmt"
	"image"
	"time"

	"github.com/e7canasta/orion-multistream/internal/batch"
)

// RetryPolicy decides whether an errored stream is reopened.
type RetryPolicy struct {
	// MaxRetries caps RetryCount. Zero disables retries.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// RetryUnlinked reopens streams that failed before ever linking.
	RetryUnlinked bool
	// RetryStalled reopens streams that failed after linking (stall,
	// mid-stream source error). When false they are dropped.
	RetryStalled bool
}

// DefaultRetryPolicy retries both kinds of failure five times with
// 1s..30s exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    5,
		BaseDelay:     time.Second,
		MaxDelay:      30 * time.Second,
		RetryUnlinked: true,
		RetryStalled:  true,
	}
}

// Backoff returns BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// allows reports whether a stream with retries attempts so far may be
// retained. linked tells whether it failed after linking.
func (p RetryPolicy) allows(retries int, linked bool) bool {
	if retries >= p.MaxRetries {
		return false
	}
	if linked {
		return p.RetryStalled
	}
	return p.RetryUnlinked
}

// Config is supplied once at construction. The controller never reads
// configuration storage itself.
type Config struct {
	// Capacity is the fixed number of batch slots.
	Capacity int
	// MaxWait bounds how long a partially filled batch is held.
	MaxWait time.Duration
	// MissThreshold is the number of consecutive empty ticks before a
	// linked stream is reported stalled.
	MissThreshold int
	// PendingDepth is the per-stream frame buffer.
	PendingDepth int
	// TickInterval paces Run.
	TickInterval time.Duration
	// EventQueueSize bounds the worker → controller event queue.
	EventQueueSize int
	// CloseGrace is how long a cancelled worker may take to unwind before
	// its slot is reclaimed.
	CloseGrace time.Duration
	// Canvas is the output size tiles are laid out on.
	Canvas image.Point
	Retry  RetryPolicy
	// ExitWhenIdle makes Run return once every stream has been removed.
	ExitWhenIdle bool
}

// DefaultConfig mirrors a 30 fps live muxer with four slots on a 1080p
// canvas.
func DefaultConfig() Config {
	return Config{
		Capacity:       4,
		MaxWait:        33367 * time.Microsecond,
		MissThreshold:  300,
		PendingDepth:   4,
		TickInterval:   5 * time.Millisecond,
		EventQueueSize: 256,
		CloseGrace:     2 * time.Second,
		Canvas:         image.Pt(1920, 1080),
		Retry:          DefaultRetryPolicy(),
	}
}

func (c Config) batchConfig() batch.Config {
	return batch.Config{
		Capacity:      c.Capacity,
		MaxWait:       c.MaxWait,
		MissThreshold: c.MissThreshold,
		PendingDepth:  c.PendingDepth,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.batchConfig().Validate(); err != nil {
		return fmt.Errorf("controller: %w", err)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("controller: tick interval must be positive")
	}
	if c.EventQueueSize < 1 {
		return fmt.Errorf("controller: event queue size must be at least 1")
	}
	if c.CloseGrace <= 0 {
		return fmt.Errorf("controller: close grace must be positive")
	}
	if c.Canvas.X <= 0 || c.Canvas.Y <= 0 {
		return fmt.Errorf("controller: invalid canvas %v", c.Canvas)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("controller: max retries must not be negative")
	}
	if c.Retry.MaxRetries > 0 && (c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay) {
		return fmt.Errorf("controller: retry delays must satisfy 0 < base <= max")
	}
	return nil
}
