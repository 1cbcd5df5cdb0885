// Package config loads the settings of the hub server and client programs.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config holds the settings of both programs. Durations are written the way
// time.ParseDuration reads them, such as "300ms".
type Config struct {
	// GRPCAddr is where the server accepts gRPC sessions and where the
	// client dials them.
	GRPCAddr string `yaml:"grpc_addr"`
	// HTTPAddr is where the server accepts WebSocket sessions, at /hub, and
	// serves metrics, at /metrics. Empty disables it.
	HTTPAddr string `yaml:"http_addr"`
	// LogLevel is one of debug, info, warn and error.
	LogLevel string `yaml:"log_level"`
	// Development selects human-readable logs.
	Development bool `yaml:"development"`

	// StreamWindow is the client's buffer capacity for each stream it
	// receives.
	StreamWindow int `yaml:"stream_window"`
	// UploadWindow is the server's buffer capacity for each upload.
	UploadWindow int `yaml:"upload_window"`
	// DisableFlowControl makes all buffers unbounded.
	DisableFlowControl bool `yaml:"disable_flow_control"`

	// ItemDelay is the pause between two forecasts sent by the sample
	// methods.
	ItemDelay time.Duration `yaml:"item_delay"`
	// ShutdownGrace is how long the server waits for sessions to end on
	// its own before closing them.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// Default returns the settings used for anything a file does not set.
func Default() Config {
	return Config{
		GRPCAddr:      "127.0.0.1:26354",
		HTTPAddr:      "127.0.0.1:26355",
		LogLevel:      "info",
		StreamWindow:  32,
		UploadWindow:  16,
		ItemDelay:     300 * time.Millisecond,
		ShutdownGrace: 10 * time.Second,
	}
}

// Load reads the file at path over the defaults. An empty path yields the
// defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, err := Parse(f)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse reads YAML settings over the defaults and validates the result.
// Unknown keys are an error.
func Parse(r io.Reader) (Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the settings are usable.
func (c Config) Validate() error {
	var errs []error
	if c.GRPCAddr == "" {
		errs = append(errs, errors.New("grpc_addr must be set"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.StreamWindow < 0 {
		errs = append(errs, fmt.Errorf("stream_window must not be negative, got %d", c.StreamWindow))
	}
	if c.UploadWindow < 0 {
		errs = append(errs, fmt.Errorf("upload_window must not be negative, got %d", c.UploadWindow))
	}
	if c.ItemDelay < 0 {
		errs = append(errs, fmt.Errorf("item_delay must not be negative, got %v", c.ItemDelay))
	}
	if c.ShutdownGrace < 0 {
		errs = append(errs, fmt.Errorf("shutdown_grace must not be negative, got %v", c.ShutdownGrace))
	}
	return errors.Join(errs...)
}

// Level returns LogLevel as a zap level.
func (c Config) Level() (zapcore.Level, error) {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}
