package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "table", cfg.OutputFormat)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Scan)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Connect)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.Read)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Command)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Disconnect)
	assert.Equal(t, Connection{IntervalMin: 6, IntervalMax: 12, Timeout: 100, Latency: 0}, cfg.Connection)
	assert.Equal(t, "sim", cfg.Transport.Kind)
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		expected logrus.Level
	}{
		{name: "debug level", level: "debug", expected: logrus.DebugLevel},
		{name: "info level", level: "info", expected: logrus.InfoLevel},
		{name: "warn level", level: "warn", expected: logrus.WarnLevel},
		{name: "error level", level: "error", expected: logrus.ErrorLevel},
		{name: "invalid level falls back to info", level: "chatty", expected: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.expected, logger.GetLevel())

			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	// GOAL: Verify a partial YAML file overrides only the fields it names

	path := filepath.Join(t.TempDir(), "bgatt.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
timeouts:
  connect: 3s
connection:
  interval_max: 24
transport:
  profile: /tmp/widgets.yaml
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3*time.Second, cfg.Timeouts.Connect)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.Read, "unset fields MUST keep their defaults")
	assert.Equal(t, uint16(6), cfg.Connection.IntervalMin)
	assert.Equal(t, uint16(24), cfg.Connection.IntervalMax)
	assert.Equal(t, "sim", cfg.Transport.Kind)
	assert.Equal(t, "/tmp/widgets.yaml", cfg.Transport.Profile)

	opts := cfg.DeviceOptions()
	assert.Equal(t, uint16(24), opts.ConnParams.IntervalMax)
	assert.Equal(t, uint16(100), opts.ConnParams.Timeout)
	assert.Equal(t, 2*time.Second, opts.ReadTimeout)
	assert.Equal(t, 5*time.Second, cfg.AdapterConfig().CommandTimeout)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: loud\n"), 0o600))
	_, err = Load(path)
	assert.Error(t, err, "an unknown log level MUST be rejected")
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestSimulatorProfileFallsBackToBuiltin(t *testing.T) {
	cfg := DefaultConfig()
	profile, err := cfg.SimulatorProfile()
	require.NoError(t, err)
	assert.NotEmpty(t, profile.Peripherals)
}
