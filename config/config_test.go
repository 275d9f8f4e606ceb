package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndLoadConfig(t *testing.T) {
	for _, name := range []string{"fact.yaml", "fact.toml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "cfg", name)
			require.NoError(t, WriteConfig(GenerateConfig(), path))

			cfg, err := LoadConfig(path)
			require.NoError(t, err)
			assert.Equal(t, "data/fact", cfg.DataStorage.Directory)
			assert.Equal(t, 5*time.Minute, cfg.Scheduler.TaskTimeout)
			assert.Equal(t, 64, cfg.Scheduler.MaxInFlight)
			assert.Equal(t, []string{"file_type"}, cfg.Plugins.Minimal)
			set, ok := cfg.PluginSet("hashes_only")
			assert.True(t, ok)
			assert.Equal(t, []string{"file_hashes"}, set)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, ErrConfigFileMissing)
}

func TestLoadConfigGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("::: not yaml :::\n\t- ["), 0644))
	_, err := LoadConfig(path)
	assert.ErrorIs(t, err, ErrConfigFileUnmarshallable)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   error
	}{
		{"ok", func(c *Config) {}, nil},
		{"no data dir", func(c *Config) { c.DataStorage.Directory = "" }, ErrDataDirectoryMissing},
		{"no default plugins", func(c *Config) { c.Plugins.Default = nil }, ErrDefaultPluginsMissing},
		{"reserved custom", func(c *Config) { c.Plugins.Custom["minimal"] = []string{"x"} }, ErrReservedCustomPluginSetKey},
		{"unknown set", func(c *Config) { c.Scheduler.PluginSet = "nope" }, ErrUnknownPluginSet},
		{"custom set selectable", func(c *Config) { c.Scheduler.PluginSet = "hashes_only" }, nil},
		{"no timeout", func(c *Config) { c.Scheduler.TaskTimeout = 0 }, ErrTaskTimeoutMissing},
		{"no ceiling", func(c *Config) { c.Scheduler.MaxInFlight = 0 }, ErrMaxInFlightMissing},
		{"negative retries", func(c *Config) { c.Scheduler.MaxRedispatch = -1 }, ErrMaxRedispatchInvalid},
		{"bad mode", func(c *Config) { c.Intercom.Mode = "carrier-pigeon" }, ErrIntercomModeInvalid},
		{"no local workers", func(c *Config) { c.Intercom.LocalWorkers = 0 }, ErrLocalWorkersMissing},
		{"ws buffers", func(c *Config) {
			c.Intercom.Mode = IntercomModeWebSocket
			c.Intercom.WebSocket.ReadBufferSize = 0
		}, ErrWebSocketBuffersMissing},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, ErrLogFormatInvalid},
		{"no binding", func(c *Config) { c.HTTP.Binding = "" }, ErrHTTPBindingMissing},
		{"no rate limit", func(c *Config) { c.HTTP.RateLimit.Limit = 0 }, ErrRateLimitMissing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GenerateConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.want), "got %v, want %v", err, tt.want)
		})
	}
}
