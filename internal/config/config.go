// Package config loads the multistream YAML configuration and maps it to
// the settings of each component.
package config

import (
	"fmt"
	"image"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/orion-multistream/internal/controller"
	"github.com/e7canasta/orion-multistream/internal/emitter"
	"github.com/e7canasta/orion-multistream/internal/inference"
	"github.com/e7canasta/orion-multistream/internal/source"
)

// Config represents the complete multistream configuration.
type Config struct {
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Retry     RetryConfig     `yaml:"retry"`
	Source    SourceConfig    `yaml:"source"`
	Output    OutputConfig    `yaml:"output"`
	Inference InferenceConfig `yaml:"inference"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	// Sources are opened at startup.
	Sources []string `yaml:"sources"`
	// SourcesFile, if set, lists one URI per line and is watched for
	// changes while running.
	SourcesFile string `yaml:"sources_file"`
}

// PipelineConfig contains batching and scheduling settings.
type PipelineConfig struct {
	Capacity       int           `yaml:"capacity"`
	MaxWait        time.Duration `yaml:"max_wait"`
	MissThreshold  int           `yaml:"miss_threshold"`
	PendingDepth   int           `yaml:"pending_depth"`
	TickInterval   time.Duration `yaml:"tick_interval"`
	EventQueueSize int           `yaml:"event_queue_size"`
	CloseGrace     time.Duration `yaml:"close_grace"`
	CanvasWidth    int           `yaml:"canvas_width"`
	CanvasHeight   int           `yaml:"canvas_height"`
	ExitWhenIdle   bool          `yaml:"exit_when_idle"`
}

// RetryConfig decides what happens to failed streams.
type RetryConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	RetryUnlinked bool          `yaml:"retry_unlinked"` // failed before linking (open errors)
	RetryStalled  bool          `yaml:"retry_stalled"`  // failed after linking (stalls, lost sources)
}

// SourceConfig shapes decoded frames.
type SourceConfig struct {
	Width       int           `yaml:"width"`
	Height      int           `yaml:"height"`
	FPS         int           `yaml:"fps"` // 0 keeps the source rate
	OpenTimeout time.Duration `yaml:"open_timeout"`
	Live        bool          `yaml:"live"` // files are never live
	DotDir      string        `yaml:"dot_dir"`
}

// OutputConfig contains the local output surfaces.
type OutputConfig struct {
	SnapshotDir      string        `yaml:"snapshot_dir"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	JPEGQuality      int           `yaml:"jpeg_quality"`
	StatsInterval    time.Duration `yaml:"stats_interval"`
}

// InferenceConfig selects the engine.
type InferenceConfig struct {
	Engine  string        `yaml:"engine"` // null, subprocess
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args"`
	Timeout time.Duration `yaml:"timeout"`
}

// MQTTConfig contains MQTT broker settings.
type MQTTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Broker    string `yaml:"broker"`
	ClientID  string `yaml:"client_id"`
	Topic     string `yaml:"topic"`
	QoS       byte   `yaml:"qos"`
	QueueSize int    `yaml:"queue_size"`
}

// HTTPConfig contains the control API listener. Empty Addr disables it.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig contains logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() *Config {
	cc := controller.DefaultConfig()
	rp := cc.Retry
	ss := source.DefaultSettings()
	return &Config{
		Pipeline: PipelineConfig{
			Capacity:       cc.Capacity,
			MaxWait:        cc.MaxWait,
			MissThreshold:  cc.MissThreshold,
			PendingDepth:   cc.PendingDepth,
			TickInterval:   cc.TickInterval,
			EventQueueSize: cc.EventQueueSize,
			CloseGrace:     cc.CloseGrace,
			CanvasWidth:    cc.Canvas.X,
			CanvasHeight:   cc.Canvas.Y,
		},
		Retry: RetryConfig{
			MaxRetries:    rp.MaxRetries,
			BaseDelay:     rp.BaseDelay,
			MaxDelay:      rp.MaxDelay,
			RetryUnlinked: rp.RetryUnlinked,
			RetryStalled:  rp.RetryStalled,
		},
		Source: SourceConfig{
			Width:       ss.Width,
			Height:      ss.Height,
			FPS:         ss.FPS,
			OpenTimeout: ss.OpenTimeout,
			Live:        ss.Live,
		},
		Output: OutputConfig{
			SnapshotInterval: time.Second,
			JPEGQuality:      85,
			StatsInterval:    5 * time.Second,
		},
		Inference: InferenceConfig{
			Engine:  "null",
			Timeout: 5 * time.Second,
		},
		MQTT: MQTTConfig{
			ClientID:  "multistream",
			Topic:     "multistream/detections",
			QueueSize: 256,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load for in-memory YAML.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse config: %w", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return cfg, nil
}

// Controller returns the controller settings.
func (c *Config) Controller() controller.Config {
	return controller.Config{
		Capacity:       c.Pipeline.Capacity,
		MaxWait:        c.Pipeline.MaxWait,
		MissThreshold:  c.Pipeline.MissThreshold,
		PendingDepth:   c.Pipeline.PendingDepth,
		TickInterval:   c.Pipeline.TickInterval,
		EventQueueSize: c.Pipeline.EventQueueSize,
		CloseGrace:     c.Pipeline.CloseGrace,
		Canvas:         image.Pt(c.Pipeline.CanvasWidth, c.Pipeline.CanvasHeight),
		ExitWhenIdle:   c.Pipeline.ExitWhenIdle,
		Retry: controller.RetryPolicy{
			MaxRetries:    c.Retry.MaxRetries,
			BaseDelay:     c.Retry.BaseDelay,
			MaxDelay:      c.Retry.MaxDelay,
			RetryUnlinked: c.Retry.RetryUnlinked,
			RetryStalled:  c.Retry.RetryStalled,
		},
	}
}

// SourceSettings returns the decoder settings.
func (c *Config) SourceSettings() source.Settings {
	return source.Settings{
		Width:       c.Source.Width,
		Height:      c.Source.Height,
		FPS:         c.Source.FPS,
		OpenTimeout: c.Source.OpenTimeout,
		Live:        c.Source.Live,
		DotDir:      c.Source.DotDir,
	}
}

// Subprocess returns the subprocess engine settings.
func (c *Config) Subprocess() inference.SubprocessConfig {
	return inference.SubprocessConfig{
		Command: c.Inference.Command,
		Args:    c.Inference.Args,
		Timeout: c.Inference.Timeout,
	}
}

// Emitter returns the MQTT publisher settings.
func (c *Config) Emitter() emitter.Config {
	return emitter.Config{
		Broker:    c.MQTT.Broker,
		ClientID:  c.MQTT.ClientID,
		Topic:     c.MQTT.Topic,
		QoS:       c.MQTT.QoS,
		QueueSize: c.MQTT.QueueSize,
	}
}
