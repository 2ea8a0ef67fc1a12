package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment overrides, applied after the file.
const (
	EnvLogLevel   = "MULTISTREAM_LOG_LEVEL"
	EnvLogFormat  = "MULTISTREAM_LOG_FORMAT"
	EnvHTTPAddr   = "MULTISTREAM_HTTP_ADDR"
	EnvMQTTBroker = "MULTISTREAM_MQTT_BROKER"
	EnvCapacity   = "MULTISTREAM_CAPACITY"
)

// LoadDotEnv reads .env files into the process environment without
// overriding variables already set. Missing files are not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides cfg from MULTISTREAM_* variables. A broker override
// also enables MQTT.
func ApplyEnv(cfg *Config) error {
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv(EnvHTTPAddr); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv(EnvMQTTBroker); v != "" {
		cfg.MQTT.Broker = v
		cfg.MQTT.Enabled = true
	}
	if v := os.Getenv(EnvCapacity); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s=%q is not an integer", EnvCapacity, v)
		}
		cfg.Pipeline.Capacity = n
	}
	return nil
}
