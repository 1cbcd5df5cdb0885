package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParse(t *testing.T) {
	cfg, err := Parse(strings.NewReader(`
grpc_addr: ":9000"
http_addr: ""
log_level: debug
stream_window: 4
disable_flow_control: true
item_delay: 50ms
shutdown_grace: 2s
`))
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.GRPCAddr)
	assert.Empty(t, cfg.HTTPAddr)
	assert.Equal(t, 4, cfg.StreamWindow)
	assert.Equal(t, 16, cfg.UploadWindow)
	assert.True(t, cfg.DisableFlowControl)
	assert.Equal(t, 50*time.Millisecond, cfg.ItemDelay)
	assert.Equal(t, 2*time.Second, cfg.ShutdownGrace)
	lvl, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, lvl)
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_Invalid(t *testing.T) {
	testCases := []struct {
		name, yaml, err string
	}{
		{"unknown key", "grpc_port: 1\n", "grpc_port"},
		{"bad duration", "item_delay: soon\n", "time.Duration"},
		{"negative window", "stream_window: -1\n", "stream_window must not be negative"},
		{"bad level", "log_level: loud\n", "log_level"},
		{"no address", "grpc_addr: \"\"\n", "grpc_addr must be set"},
		{"negative grace", "shutdown_grace: -1s\n", "shutdown_grace must not be negative"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.err)
		})
	}
}

func TestLoad(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	path := filepath.Join(t.TempDir(), "hub.yaml")
	require.NoError(t, os.WriteFile(path, []byte("upload_window: 2\n"), 0o600))
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.UploadWindow)

	require.NoError(t, os.WriteFile(path, []byte("upload_window: -2\n"), 0o600))
	_, err = Load(path)
	require.ErrorContains(t, err, path)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
