package config

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/e7canasta/orion-multistream/internal/controller"
)

const sample = `
pipeline:
  capacity: 8
  max_wait: 40ms
  miss_threshold: 90
  exit_when_idle: true
retry:
  max_retries: 3
  retry_stalled: false
source:
  width: 320
  height: 180
  dot_dir: /tmp/graphs
inference:
  engine: subprocess
  command: python3
  args: ["-m", "detector"]
mqtt:
  enabled: true
  broker: localhost:1883
sources:
  - rtsp://cam-1/stream
  - file:///videos/clip.mp4
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	want := controller.DefaultConfig()
	want.Capacity = 8
	want.MaxWait = 40 * time.Millisecond
	want.MissThreshold = 90
	want.ExitWhenIdle = true
	want.Retry.MaxRetries = 3
	want.Retry.RetryStalled = false
	if diff := cmp.Diff(want, cfg.Controller()); diff != "" {
		t.Errorf("controller config (-want +got):\n%s", diff)
	}

	s := cfg.SourceSettings()
	if s.Width != 320 || s.Height != 180 || s.FPS != 30 || s.DotDir != "/tmp/graphs" {
		t.Errorf("source settings = %+v", s)
	}
	if sp := cfg.Subprocess(); sp.Command != "python3" || len(sp.Args) != 2 {
		t.Errorf("subprocess = %+v", sp)
	}
	if e := cfg.Emitter(); e.Topic != "multistream/detections" || e.Broker != "localhost:1883" {
		t.Errorf("emitter = %+v", e)
	}
	if diff := cmp.Diff([]string{"rtsp://cam-1/stream", "file:///videos/clip.mp4"}, cfg.Sources); diff != "" {
		t.Errorf("sources (-want +got):\n%s", diff)
	}
}

func TestParse_EmptyKeepsDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if diff := cmp.Diff(controller.DefaultConfig(), cfg.Controller()); diff != "" {
		t.Errorf("controller config (-want +got):\n%s", diff)
	}
	if cfg.Controller().Canvas != image.Pt(1920, 1080) {
		t.Errorf("canvas = %v", cfg.Controller().Canvas)
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv(EnvCapacity, "2")
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvHTTPAddr, ":9090")
	t.Setenv(EnvMQTTBroker, "broker:1883")

	cfg, err := Parse([]byte("pipeline:\n  capacity: 16\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Pipeline.Capacity != 2 {
		t.Errorf("capacity = %d, want env override 2", cfg.Pipeline.Capacity)
	}
	if cfg.Log.Level != "debug" || cfg.HTTP.Addr != ":9090" {
		t.Errorf("log/http = %+v %+v", cfg.Log, cfg.HTTP)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.Broker != "broker:1883" {
		t.Errorf("mqtt = %+v", cfg.MQTT)
	}
}

func TestParse_BadEnvCapacity(t *testing.T) {
	t.Setenv(EnvCapacity, "many")
	if _, err := Parse([]byte("{}")); err == nil {
		t.Error("Parse accepted a non-integer capacity override")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"zero capacity", "pipeline: {capacity: 0}", "pipeline.capacity"},
		{"negative retries", "retry: {max_retries: -1}", "retry.max_retries"},
		{"inverted delays", "retry: {base_delay: 10s, max_delay: 1s}", "retry delays"},
		{"unknown engine", "inference: {engine: onnx}", "inference.engine"},
		{"subprocess without command", "inference: {engine: subprocess}", "inference.command"},
		{"mqtt without broker", "mqtt: {enabled: true}", "mqtt.broker"},
		{"bad qos", "mqtt: {enabled: true, broker: b, qos: 3}", "mqtt.qos"},
		{"bad log format", "log: {format: xml}", "log.format"},
		{"jpeg quality", "output: {jpeg_quality: 0}", "jpeg_quality"},
		{"empty source", "sources: ['  ']", "sources[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Parse = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load of a missing file succeeded")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("MULTISTREAM_TEST_DOTENV=from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("MULTISTREAM_TEST_DOTENV") })

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("MULTISTREAM_TEST_DOTENV"); got != "from-file" {
		t.Errorf("env = %q", got)
	}
}

func TestParseSources(t *testing.T) {
	data := []byte(`
# cameras
rtsp://cam-1/stream
  rtsp://cam-2/stream

rtsp://cam-1/stream
/videos/clip.mp4
`)
	want := []string{"rtsp://cam-1/stream", "rtsp://cam-2/stream", "/videos/clip.mp4"}
	if diff := cmp.Diff(want, ParseSources(data)); diff != "" {
		t.Errorf("sources (-want +got):\n%s", diff)
	}
}

func TestWatchSources(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.txt")
	if err := os.WriteFile(path, []byte("a\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got := make(chan []string, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- WatchSources(ctx, path, func(uris []string) { got <- uris }) }()

	wait := func(want []string) {
		t.Helper()
		for {
			select {
			case uris := <-got:
				if cmp.Equal(want, uris) {
					return
				}
				t.Logf("intermediate sources %v", uris)
			case <-time.After(5 * time.Second):
				t.Fatalf("never saw %v", want)
			}
		}
	}

	wait([]string{"a"})
	// Give the watcher time to register before writing.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("a\nb\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	wait([]string{"a", "b"})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("WatchSources = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WatchSources did not stop")
	}
}
