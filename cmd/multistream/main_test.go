package main

import (
	"testing"
)

func TestLoadConfig_FlagsOverrideDefaults(t *testing.T) {
	t.Setenv("MULTISTREAM_CAPACITY", "")
	cmd := newRootCmd()
	if err := cmd.ParseFlags([]string{"--capacity", "3", "--dump-dot", "/tmp/graphs", "--exit-when-idle"}); err != nil {
		t.Fatal(err)
	}
	opts := options{capacity: 3, dumpDot: "/tmp/graphs", exitWhenIdle: true}

	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Pipeline.Capacity != 3 {
		t.Errorf("capacity = %d, want 3", cfg.Pipeline.Capacity)
	}
	if got := cfg.SourceSettings().DotDir; got != "/tmp/graphs" {
		t.Errorf("dot dir = %q, want /tmp/graphs", got)
	}
	if !cfg.Pipeline.ExitWhenIdle {
		t.Error("exit-when-idle not applied")
	}
}
