// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Capture() CaptureConfig
	Restore() RestoreConfig
	Replay() ReplayConfig
	Serializer() SerializerConfig
	Vision() VisionConfig
	Database() DatabaseConfig

	// Setters used by CLI flag overrides.
	SetBrowserHeadless(bool)
	SetReplaySpeedMultiplier(float64)
	SetReplayDryRun(bool)
	SetRestoreOptimized(bool)
}

// Config holds the entire application configuration. Each section is consumed by
// exactly one component and validated again when that component is constructed.
type Config struct {
	LoggerCfg     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	BrowserCfg    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	CaptureCfg    CaptureConfig    `mapstructure:"capture" yaml:"capture"`
	RestoreCfg    RestoreConfig    `mapstructure:"restore" yaml:"restore"`
	ReplayCfg     ReplayConfig     `mapstructure:"replay" yaml:"replay"`
	SerializerCfg SerializerConfig `mapstructure:"serializer" yaml:"serializer"`
	VisionCfg     VisionConfig     `mapstructure:"vision" yaml:"vision"`
	DatabaseCfg   DatabaseConfig   `mapstructure:"database" yaml:"database"`
}

var _ Interface = (*Config)(nil)

func (c *Config) Logger() LoggerConfig         { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig       { return c.BrowserCfg }
func (c *Config) Capture() CaptureConfig       { return c.CaptureCfg }
func (c *Config) Restore() RestoreConfig       { return c.RestoreCfg }
func (c *Config) Replay() ReplayConfig         { return c.ReplayCfg }
func (c *Config) Serializer() SerializerConfig { return c.SerializerCfg }
func (c *Config) Vision() VisionConfig         { return c.VisionCfg }
func (c *Config) Database() DatabaseConfig     { return c.DatabaseCfg }

func (c *Config) SetBrowserHeadless(b bool)          { c.BrowserCfg.Headless = b }
func (c *Config) SetReplaySpeedMultiplier(f float64) { c.ReplayCfg.SpeedMultiplier = f }
func (c *Config) SetReplayDryRun(b bool)             { c.ReplayCfg.DryRun = b }
func (c *Config) SetRestoreOptimized(b bool)         { c.RestoreCfg.Optimized = b }

// LoggerConfig configures the global zap logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig configures the chromedp page adapter.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	ViewportWidth     int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	OperationTimeout  time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
	NetworkIdleQuiet  time.Duration `mapstructure:"network_idle_quiet" yaml:"network_idle_quiet"`
	// ArtifactDir receives screenshots. A leading ~ is expanded.
	ArtifactDir string `mapstructure:"artifact_dir" yaml:"artifact_dir"`
}

// ArtifactPath returns ArtifactDir with the home directory expanded.
func (b BrowserConfig) ArtifactPath() (string, error) {
	p, err := homedir.Expand(b.ArtifactDir)
	if err != nil {
		return "", fmt.Errorf("failed to expand artifact_dir %q: %w", b.ArtifactDir, err)
	}
	return p, nil
}

func (b BrowserConfig) Validate() error {
	if b.ViewportWidth <= 0 || b.ViewportHeight <= 0 {
		return errors.New("browser.viewport_width and browser.viewport_height must be positive")
	}
	if b.NavigationTimeout <= 0 {
		return errors.New("browser.navigation_timeout must be a positive duration")
	}
	if b.OperationTimeout <= 0 {
		return errors.New("browser.operation_timeout must be a positive duration")
	}
	if b.NetworkIdleQuiet < 0 {
		return errors.New("browser.network_idle_quiet must not be negative")
	}
	return nil
}

// CaptureConfig is the recognized option set of the state capture component.
type CaptureConfig struct {
	IncludeIndexedDB      bool `mapstructure:"include_indexeddb" yaml:"include_indexeddb"`
	IncludeCacheStorage   bool `mapstructure:"include_cache_storage" yaml:"include_cache_storage"`
	IncludeServiceWorkers bool `mapstructure:"include_service_workers" yaml:"include_service_workers"`
	IncludeDOMState       bool `mapstructure:"include_dom_state" yaml:"include_dom_state"`
	IncludeScreenshot     bool `mapstructure:"include_screenshot" yaml:"include_screenshot"`
	ValidateSnapshot      bool `mapstructure:"validate" yaml:"validate"`
	RedactSensitive       bool `mapstructure:"redact_sensitive" yaml:"redact_sensitive"`
	// MaxStateSize is a soft ceiling in bytes. Exceeding it only produces a warning.
	MaxStateSize  int           `mapstructure:"max_state_size" yaml:"max_state_size"`
	DomainTimeout time.Duration `mapstructure:"domain_timeout" yaml:"domain_timeout"`
}

func (c CaptureConfig) Validate() error {
	if c.MaxStateSize < 0 {
		return errors.New("capture.max_state_size must not be negative")
	}
	if c.DomainTimeout <= 0 {
		return errors.New("capture.domain_timeout must be a positive duration")
	}
	return nil
}

// RestoreConfig is the recognized option set of the planner and the restorer.
type RestoreConfig struct {
	IncludeIndexedDB    bool          `mapstructure:"include_indexeddb" yaml:"include_indexeddb"`
	IncludeCacheStorage bool          `mapstructure:"include_cache_storage" yaml:"include_cache_storage"`
	IncludeDOMState     bool          `mapstructure:"include_dom_state" yaml:"include_dom_state"`
	Optimized           bool          `mapstructure:"optimized" yaml:"optimized"`
	StepDelay           time.Duration `mapstructure:"step_delay" yaml:"step_delay"`
	MaxOptimizedDelay   time.Duration `mapstructure:"max_optimized_delay" yaml:"max_optimized_delay"`
	LargeStateThreshold int           `mapstructure:"large_state_threshold" yaml:"large_state_threshold"`
	RetryAttempts       int           `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	RetryDelay          time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	CookieBatchSize     int           `mapstructure:"cookie_batch_size" yaml:"cookie_batch_size"`
	CookieBatchPause    time.Duration `mapstructure:"cookie_batch_pause" yaml:"cookie_batch_pause"`
	StorageSettleDelay  time.Duration `mapstructure:"storage_settle_delay" yaml:"storage_settle_delay"`
	ParallelBatchSize   int           `mapstructure:"parallel_batch_size" yaml:"parallel_batch_size"`
	NavigationTimeout   time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	NetworkIdleQuiet    time.Duration `mapstructure:"network_idle_quiet" yaml:"network_idle_quiet"`
	Verify              bool          `mapstructure:"verify" yaml:"verify"`

	// CriticalRetryAttempts permits retries of critical steps. Zero halts on the first failure.
	CriticalRetryAttempts int `mapstructure:"critical_retry_attempts" yaml:"critical_retry_attempts"`
}

func (r RestoreConfig) Validate() error {
	if r.StepDelay < 0 || r.MaxOptimizedDelay < 0 || r.RetryDelay < 0 || r.CookieBatchPause < 0 || r.StorageSettleDelay < 0 {
		return errors.New("restore delays must not be negative")
	}
	if r.RetryAttempts < 0 || r.CriticalRetryAttempts < 0 {
		return errors.New("restore.retry_attempts and restore.critical_retry_attempts must not be negative")
	}
	if r.CookieBatchSize <= 0 {
		return errors.New("restore.cookie_batch_size must be a positive integer")
	}
	if r.ParallelBatchSize <= 0 {
		return errors.New("restore.parallel_batch_size must be a positive integer")
	}
	if r.NavigationTimeout <= 0 {
		return errors.New("restore.navigation_timeout must be a positive duration")
	}
	return nil
}

// ReplayConfig is the recognized option set of the action replayer.
type ReplayConfig struct {
	SpeedMultiplier       float64       `mapstructure:"speed_multiplier" yaml:"speed_multiplier"`
	TakeScreenshots       bool          `mapstructure:"take_screenshots" yaml:"take_screenshots"`
	CompareScreenshots    bool          `mapstructure:"compare_screenshots" yaml:"compare_screenshots"`
	SimilarityThreshold   float64       `mapstructure:"similarity_threshold" yaml:"similarity_threshold"`
	SimilarityMethod      string        `mapstructure:"similarity_method" yaml:"similarity_method"`
	RecoveryEnabled       bool          `mapstructure:"recovery_enabled" yaml:"recovery_enabled"`
	MaxRecoveryAttempts   int           `mapstructure:"max_recovery_attempts" yaml:"max_recovery_attempts"`
	RecoveryDelay         time.Duration `mapstructure:"recovery_delay" yaml:"recovery_delay"`
	DryRun                bool          `mapstructure:"dry_run" yaml:"dry_run"`
	StopOnError           bool          `mapstructure:"stop_on_error" yaml:"stop_on_error"`
	RestoreBeforeReplay   bool          `mapstructure:"restore_before_replay" yaml:"restore_before_replay"`
	ActionTimeout         time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	HeartbeatInterval     time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	AnalysisMinConfidence float64       `mapstructure:"analysis_min_confidence" yaml:"analysis_min_confidence"`
}

func (r ReplayConfig) Validate() error {
	if r.SpeedMultiplier <= 0 {
		return errors.New("replay.speed_multiplier must be greater than 0")
	}
	if r.SimilarityThreshold < 0 || r.SimilarityThreshold > 1 {
		return errors.New("replay.similarity_threshold must be between 0.0 and 1.0")
	}
	switch r.SimilarityMethod {
	case "", "size_ratio", "pixel":
	default:
		return fmt.Errorf("replay.similarity_method %q is not one of size_ratio, pixel", r.SimilarityMethod)
	}
	if r.MaxRecoveryAttempts < 0 {
		return errors.New("replay.max_recovery_attempts must not be negative")
	}
	if r.RecoveryDelay < 0 {
		return errors.New("replay.recovery_delay must not be negative")
	}
	if r.ActionTimeout <= 0 {
		return errors.New("replay.action_timeout must be a positive duration")
	}
	if r.HeartbeatInterval < 0 {
		return errors.New("replay.heartbeat_interval must not be negative")
	}
	if r.AnalysisMinConfidence < 0 || r.AnalysisMinConfidence > 1 {
		return errors.New("replay.analysis_min_confidence must be between 0.0 and 1.0")
	}
	return nil
}

// SerializerConfig configures snapshot encoding.
type SerializerConfig struct {
	// CompressionThreshold is the payload size in bytes above which brotli is applied.
	CompressionThreshold int  `mapstructure:"compression_threshold" yaml:"compression_threshold"`
	CompressionLevel     int  `mapstructure:"compression_level" yaml:"compression_level"`
	VerifyChecksum       bool `mapstructure:"verify_checksum" yaml:"verify_checksum"`
}

func (s SerializerConfig) Validate() error {
	if s.CompressionThreshold < 0 {
		return errors.New("serializer.compression_threshold must not be negative")
	}
	if s.CompressionLevel < 0 || s.CompressionLevel > 11 {
		return errors.New("serializer.compression_level must be between 0 and 11")
	}
	return nil
}

// VisionConfig configures the optional visual analyzer.
type VisionConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	Model         string        `mapstructure:"model" yaml:"model"`
	APIKey        string        `mapstructure:"api_key" yaml:"api_key"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MinConfidence float64       `mapstructure:"min_confidence" yaml:"min_confidence"`
}

func (v VisionConfig) Validate() error {
	if !v.Enabled {
		return nil
	}
	if v.Model == "" {
		return errors.New("vision.model is required when vision is enabled")
	}
	if v.APIKey == "" {
		return errors.New("vision API key is required but not found. Ensure SCALPEL_STATE_VISION_API_KEY is set")
	}
	if v.MinConfidence < 0 || v.MinConfidence > 1 {
		return errors.New("vision.min_confidence must be between 0.0 and 1.0")
	}
	return nil
}

// DatabaseConfig configures the optional persistence collaborator.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// NewDefaultConfig builds a Config from the registered defaults only.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration parameter.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "scalpel-state")
	v.SetDefault("logger.log_file", "scalpel-state.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.args", []string{})
	v.SetDefault("browser.viewport_width", 1920)
	v.SetDefault("browser.viewport_height", 1080)
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.operation_timeout", "15s")
	v.SetDefault("browser.network_idle_quiet", "500ms")
	v.SetDefault("browser.artifact_dir", "~/.scalpel-state/artifacts")

	// -- Capture --
	v.SetDefault("capture.include_indexeddb", true)
	v.SetDefault("capture.include_cache_storage", true)
	v.SetDefault("capture.include_service_workers", true)
	v.SetDefault("capture.include_dom_state", true)
	v.SetDefault("capture.include_screenshot", false)
	v.SetDefault("capture.validate", true)
	v.SetDefault("capture.redact_sensitive", true)
	v.SetDefault("capture.max_state_size", 10<<20)
	v.SetDefault("capture.domain_timeout", "10s")

	// -- Restore --
	v.SetDefault("restore.include_indexeddb", true)
	v.SetDefault("restore.include_cache_storage", false)
	v.SetDefault("restore.include_dom_state", true)
	v.SetDefault("restore.optimized", false)
	v.SetDefault("restore.step_delay", "100ms")
	v.SetDefault("restore.max_optimized_delay", "25ms")
	v.SetDefault("restore.large_state_threshold", 1<<20)
	v.SetDefault("restore.retry_attempts", 2)
	v.SetDefault("restore.critical_retry_attempts", 0)
	v.SetDefault("restore.retry_delay", "250ms")
	v.SetDefault("restore.cookie_batch_size", 20)
	v.SetDefault("restore.cookie_batch_pause", "50ms")
	v.SetDefault("restore.storage_settle_delay", "100ms")
	v.SetDefault("restore.parallel_batch_size", 3)
	v.SetDefault("restore.navigation_timeout", "30s")
	v.SetDefault("restore.network_idle_quiet", "500ms")
	v.SetDefault("restore.verify", true)

	// -- Replay --
	v.SetDefault("replay.speed_multiplier", 1.0)
	v.SetDefault("replay.take_screenshots", true)
	v.SetDefault("replay.compare_screenshots", true)
	v.SetDefault("replay.similarity_threshold", 0.9)
	v.SetDefault("replay.similarity_method", "size_ratio")
	v.SetDefault("replay.recovery_enabled", true)
	v.SetDefault("replay.max_recovery_attempts", 2)
	v.SetDefault("replay.recovery_delay", "1s")
	v.SetDefault("replay.dry_run", false)
	v.SetDefault("replay.stop_on_error", false)
	v.SetDefault("replay.restore_before_replay", true)
	v.SetDefault("replay.action_timeout", "30s")
	v.SetDefault("replay.heartbeat_interval", "5s")
	v.SetDefault("replay.analysis_min_confidence", 0.5)

	// -- Serializer --
	v.SetDefault("serializer.compression_threshold", 64<<10)
	v.SetDefault("serializer.compression_level", 6)
	v.SetDefault("serializer.verify_checksum", true)

	// -- Vision --
	v.SetDefault("vision.enabled", false)
	v.SetDefault("vision.model", "gemini-2.5-flash")
	v.SetDefault("vision.timeout", "60s")
	v.SetDefault("vision.min_confidence", 0.5)

	// -- Database --
	v.SetDefault("database.url", "")
}

// NewConfigFromViper unmarshals and validates the configuration held by v.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	v.BindEnv("vision.api_key", "SCALPEL_STATE_VISION_API_KEY", "GEMINI_API_KEY")
	v.BindEnv("database.url", "SCALPEL_STATE_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.BrowserCfg.Validate(); err != nil {
		return err
	}
	if err := c.CaptureCfg.Validate(); err != nil {
		return err
	}
	if err := c.RestoreCfg.Validate(); err != nil {
		return err
	}
	if err := c.ReplayCfg.Validate(); err != nil {
		return err
	}
	if err := c.SerializerCfg.Validate(); err != nil {
		return err
	}
	if err := c.VisionCfg.Validate(); err != nil {
		return fmt.Errorf("vision configuration invalid: %w", err)
	}
	return nil
}
