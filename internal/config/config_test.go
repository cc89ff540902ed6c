// File: internal/config/config_test.go
package config

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	// Verify a few key defaults to ensure the mechanism works.
	assert.Equal(t, "info", cfg.Logger().Level)
	assert.Equal(t, "scalpel-state", cfg.Logger().ServiceName)
	assert.True(t, cfg.Browser().Headless)
	assert.Equal(t, 30*time.Second, cfg.Browser().NavigationTimeout)
	assert.True(t, cfg.Capture().ValidateSnapshot)
	assert.Equal(t, 10<<20, cfg.Capture().MaxStateSize)
	assert.Equal(t, 20, cfg.Restore().CookieBatchSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Restore().StepDelay)
	assert.Equal(t, 1.0, cfg.Replay().SpeedMultiplier)
	assert.Equal(t, "size_ratio", cfg.Replay().SimilarityMethod)
	assert.Equal(t, 64<<10, cfg.Serializer().CompressionThreshold)
	assert.False(t, cfg.Vision().Enabled)
	assert.NoError(t, cfg.Validate(), "defaults must always validate")
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"viewport", func(c *Config) { c.BrowserCfg.ViewportWidth = 0 }, "browser.viewport_width"},
		{"navigation timeout", func(c *Config) { c.BrowserCfg.NavigationTimeout = 0 }, "browser.navigation_timeout"},
		{"capture domain timeout", func(c *Config) { c.CaptureCfg.DomainTimeout = 0 }, "capture.domain_timeout"},
		{"cookie batch", func(c *Config) { c.RestoreCfg.CookieBatchSize = 0 }, "restore.cookie_batch_size"},
		{"negative delay", func(c *Config) { c.RestoreCfg.StepDelay = -time.Second }, "restore delays"},
		{"parallel batch", func(c *Config) { c.RestoreCfg.ParallelBatchSize = 0 }, "restore.parallel_batch_size"},
		{"speed", func(c *Config) { c.ReplayCfg.SpeedMultiplier = 0 }, "replay.speed_multiplier"},
		{"similarity threshold", func(c *Config) { c.ReplayCfg.SimilarityThreshold = 1.5 }, "replay.similarity_threshold"},
		{"similarity method", func(c *Config) { c.ReplayCfg.SimilarityMethod = "ssim" }, "replay.similarity_method"},
		{"compression level", func(c *Config) { c.SerializerCfg.CompressionLevel = 12 }, "serializer.compression_level"},
		{"vision without key", func(c *Config) { c.VisionCfg.Enabled = true }, "vision configuration invalid"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}

	t.Run("Vision disabled ignores missing key", func(t *testing.T) {
		v := VisionConfig{Enabled: false}
		assert.NoError(t, v.Validate())
	})
}

func TestNewConfigFromViper(t *testing.T) {
	t.Run("Successful Load from YAML", func(t *testing.T) {
		yamlBytes := []byte(`
restore:
  optimized: true
  cookie_batch_size: 5
replay:
  speed_multiplier: 2.5
  recovery_delay: 250ms
`)
		v := viper.New()
		SetDefaults(v) // Set defaults first
		v.SetConfigType("yaml")
		err := v.ReadConfig(bytes.NewBuffer(yamlBytes))
		require.NoError(t, err)

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.True(t, cfg.Restore().Optimized)
		assert.Equal(t, 5, cfg.Restore().CookieBatchSize)
		assert.Equal(t, 2.5, cfg.Replay().SpeedMultiplier)
		assert.Equal(t, 250*time.Millisecond, cfg.Replay().RecoveryDelay)
		// Check a default value was also loaded
		assert.Equal(t, "info", cfg.Logger().Level)
	})

	t.Run("Validation Failure", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("replay.speed_multiplier", 0) // Intentionally invalid

		cfg, err := NewConfigFromViper(v)
		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "invalid configuration")
		assert.Contains(t, err.Error(), "replay.speed_multiplier must be greater than 0")
	})

	t.Run("Environment Variable Binding", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("vision.enabled", true)

		yamlConfig := []byte(`
database:
  url: "postgres://configfile/db"
`)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlConfig)))

		t.Setenv("SCALPEL_STATE_VISION_API_KEY", "vision-key-123")
		t.Setenv("SCALPEL_STATE_DATABASE_URL", "postgres://envvar/db")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "vision-key-123", cfg.Vision().APIKey)
		// The env var overrides the value from the config buffer.
		assert.Equal(t, "postgres://envvar/db", cfg.Database().URL)
	})
}

// -- Struct and Mapping Tests --

func TestConfigStructureMapping(t *testing.T) {
	yamlInput := `
logger:
  level: debug
  log_file: /var/log/app.log
browser:
  args: ["--lang=en-US"]
  operation_timeout: 5s
capture:
  validate: false
`
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBufferString(yamlInput)))

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))

	assert.Equal(t, "debug", cfg.Logger().Level)
	assert.Equal(t, "/var/log/app.log", cfg.Logger().LogFile)
	assert.Equal(t, []string{"--lang=en-US"}, cfg.Browser().Args)
	assert.Equal(t, 5*time.Second, cfg.Browser().OperationTimeout)
	assert.False(t, cfg.Capture().ValidateSnapshot)
}

func TestSetters(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.SetBrowserHeadless(false)
	cfg.SetReplaySpeedMultiplier(4)
	cfg.SetReplayDryRun(true)
	cfg.SetRestoreOptimized(true)

	assert.False(t, cfg.Browser().Headless)
	assert.Equal(t, 4.0, cfg.Replay().SpeedMultiplier)
	assert.True(t, cfg.Replay().DryRun)
	assert.True(t, cfg.Restore().Optimized)
}

func TestArtifactPath(t *testing.T) {
	home, err := homedir.Dir()
	require.NoError(t, err)

	b := BrowserConfig{ArtifactDir: "~/artifacts"}
	p, err := b.ArtifactPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "artifacts"), p)

	b.ArtifactDir = "/tmp/abs"
	p, err = b.ArtifactPath()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p, "/tmp/abs"))
}
