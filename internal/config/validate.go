package config

import (
	"fmt"
	"strings"
)

// Validate checks the configuration and fills derived defaults.
func Validate(cfg *Config) error {
	p := cfg.Pipeline
	if p.Capacity < 1 {
		return fmt.Errorf("pipeline.capacity must be > 0")
	}
	if p.MaxWait <= 0 {
		return fmt.Errorf("pipeline.max_wait must be > 0")
	}
	if p.MissThreshold < 1 {
		return fmt.Errorf("pipeline.miss_threshold must be > 0")
	}
	if p.PendingDepth < 1 {
		return fmt.Errorf("pipeline.pending_depth must be > 0")
	}
	if p.TickInterval <= 0 {
		return fmt.Errorf("pipeline.tick_interval must be > 0")
	}
	if p.EventQueueSize < 1 {
		return fmt.Errorf("pipeline.event_queue_size must be > 0")
	}
	if p.CloseGrace <= 0 {
		return fmt.Errorf("pipeline.close_grace must be > 0")
	}
	if p.CanvasWidth <= 0 || p.CanvasHeight <= 0 {
		return fmt.Errorf("pipeline canvas must be positive, got %dx%d", p.CanvasWidth, p.CanvasHeight)
	}

	r := cfg.Retry
	if r.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	if r.MaxRetries > 0 && (r.BaseDelay <= 0 || r.MaxDelay < r.BaseDelay) {
		return fmt.Errorf("retry delays must satisfy 0 < base_delay <= max_delay")
	}

	s := cfg.Source
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("source size must be positive, got %dx%d", s.Width, s.Height)
	}
	if s.FPS < 0 {
		return fmt.Errorf("source.fps must be >= 0")
	}
	if s.OpenTimeout <= 0 {
		return fmt.Errorf("source.open_timeout must be > 0")
	}

	o := cfg.Output
	if o.SnapshotDir != "" && o.SnapshotInterval <= 0 {
		return fmt.Errorf("output.snapshot_interval must be > 0 when snapshot_dir is set")
	}
	if o.JPEGQuality < 1 || o.JPEGQuality > 100 {
		return fmt.Errorf("output.jpeg_quality must be in 1..100, got %d", o.JPEGQuality)
	}

	switch strings.ToLower(cfg.Inference.Engine) {
	case "", "null":
		cfg.Inference.Engine = "null"
	case "subprocess":
		if cfg.Inference.Command == "" {
			return fmt.Errorf("inference.command is required for the subprocess engine")
		}
		if cfg.Inference.Timeout <= 0 {
			return fmt.Errorf("inference.timeout must be > 0")
		}
	default:
		return fmt.Errorf("inference.engine %q unknown (must be 'null' or 'subprocess')", cfg.Inference.Engine)
	}

	if cfg.MQTT.Enabled {
		if cfg.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
		if cfg.MQTT.Topic == "" {
			cfg.MQTT.Topic = "multistream/detections"
		}
	}

	switch strings.ToLower(cfg.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format %q unknown (must be 'text' or 'json')", cfg.Log.Format)
	}

	for i, uri := range cfg.Sources {
		if strings.TrimSpace(uri) == "" {
			return fmt.Errorf("sources[%d] is empty", i)
		}
	}
	return nil
}
