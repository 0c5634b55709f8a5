package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// Store describes one shop the optimizer can run against.
type Store struct {
	Name    string `mapstructure:"name"`
	ShopURL string `mapstructure:"shop_url"`
	Token   string `mapstructure:"token"`
}

// Config represents the main configuration structure
type Config struct {
	Stores map[string]Store `mapstructure:"stores"`

	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Probe     ProbeConfig     `mapstructure:"probe"`
	Optimizer OptimizerConfig `mapstructure:"optimizer"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// CatalogConfig contains product catalog paging settings
type CatalogConfig struct {
	APIVersion      string `mapstructure:"api_version"`
	PageSize        int    `mapstructure:"page_size"`
	BatchesPerChunk int    `mapstructure:"batches_per_chunk"`
}

// ProbeConfig contains image size probing settings
type ProbeConfig struct {
	Workers        int `mapstructure:"workers"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// OptimizerConfig contains the transcode and quality search settings
type OptimizerConfig struct {
	LargeThresholdBytes int64 `mapstructure:"large_threshold_bytes"`
	TargetSizeBytes     int64 `mapstructure:"target_size_bytes"`
	MaxDimension        int   `mapstructure:"max_dimension"`
	QualityStart        int   `mapstructure:"quality_start"`
	QualityStep         int   `mapstructure:"quality_step"`
	QualityFloor        int   `mapstructure:"quality_floor"`
	QualityFixed        int   `mapstructure:"quality_fixed"`
}

// PipelineConfig contains rolling batch controller settings
type PipelineConfig struct {
	AbandonOnFirstSkip   bool `mapstructure:"abandon_on_first_skip"`
	ConsecutiveSkipLimit int  `mapstructure:"consecutive_skip_limit"`
}

// StorageConfig contains ledger and report artifact locations
type StorageConfig struct {
	ProcessedFile string `mapstructure:"processed_file"`
	SkippedFile   string `mapstructure:"skipped_file"`
	ReportDir     string `mapstructure:"report_dir"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Stores: map[string]Store{},
		Catalog: CatalogConfig{
			APIVersion:      "2024-01",
			PageSize:        250,
			BatchesPerChunk: 1,
		},
		Probe: ProbeConfig{
			Workers:        5,
			TimeoutSeconds: 5,
		},
		Optimizer: OptimizerConfig{
			LargeThresholdBytes: 150 * 1024,
			TargetSizeBytes:     100 * 1024,
			MaxDimension:        1200,
			QualityStart:        50,
			QualityStep:         2,
			QualityFloor:        20,
			QualityFixed:        85,
		},
		Pipeline: PipelineConfig{
			AbandonOnFirstSkip:   true,
			ConsecutiveSkipLimit: 3,
		},
		Storage: StorageConfig{
			ProcessedFile: "processed_products.json",
			SkippedFile:   "skipped_products.json",
			ReportDir:     "reports",
		},
		Logging: LoggingConfig{
			Level:      "info",
			FilePath:   "img-resize-report.log",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		// Look for config file in current directory and home directory
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.img-resize-report")
		viper.AddConfigPath("/etc/img-resize-report")
	}

	// Enable environment variable support
	viper.SetEnvPrefix("IMG_RESIZE_REPORT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Try to read config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	// Unmarshal config
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate and normalize config
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	for key, store := range c.Stores {
		if store.ShopURL == "" {
			return fmt.Errorf("store %q has no shop_url", key)
		}
	}

	if c.Catalog.PageSize <= 0 {
		c.Catalog.PageSize = 250
	}
	if c.Catalog.BatchesPerChunk <= 0 {
		c.Catalog.BatchesPerChunk = 1
	}
	if c.Catalog.APIVersion == "" {
		c.Catalog.APIVersion = "2024-01"
	}

	if c.Probe.Workers <= 0 {
		c.Probe.Workers = 5
	}
	if c.Probe.TimeoutSeconds <= 0 {
		c.Probe.TimeoutSeconds = 5
	}

	if c.Optimizer.LargeThresholdBytes <= 0 {
		return fmt.Errorf("optimizer.large_threshold_bytes must be positive")
	}
	if c.Optimizer.TargetSizeBytes <= 0 {
		return fmt.Errorf("optimizer.target_size_bytes must be positive")
	}
	if c.Optimizer.MaxDimension <= 0 {
		return fmt.Errorf("optimizer.max_dimension must be positive")
	}
	if c.Optimizer.QualityFloor < 1 || c.Optimizer.QualityFloor > 100 {
		return fmt.Errorf("optimizer.quality_floor out of range: %d", c.Optimizer.QualityFloor)
	}
	if c.Optimizer.QualityStart < c.Optimizer.QualityFloor {
		return fmt.Errorf("optimizer.quality_start (%d) below quality_floor (%d)",
			c.Optimizer.QualityStart, c.Optimizer.QualityFloor)
	}
	if c.Optimizer.QualityStep <= 0 {
		return fmt.Errorf("optimizer.quality_step must be positive")
	}
	if c.Optimizer.QualityFixed < 1 || c.Optimizer.QualityFixed > 100 {
		return fmt.Errorf("optimizer.quality_fixed out of range: %d", c.Optimizer.QualityFixed)
	}

	if c.Pipeline.ConsecutiveSkipLimit <= 0 {
		c.Pipeline.ConsecutiveSkipLimit = 3
	}

	if c.Storage.ProcessedFile == "" {
		c.Storage.ProcessedFile = "processed_products.json"
	}
	if c.Storage.SkippedFile == "" {
		c.Storage.SkippedFile = "skipped_products.json"
	}
	if c.Storage.ReportDir == "" {
		c.Storage.ReportDir = "reports"
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	return nil
}

// StoreKeys returns the configured store keys in stable order.
func (c *Config) StoreKeys() []string {
	keys := make([]string, 0, len(c.Stores))
	for k := range c.Stores {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SelectStore resolves a store by key, case-insensitively.
func (c *Config) SelectStore(key string) (Store, error) {
	if store, ok := c.Stores[strings.ToLower(key)]; ok {
		return store, nil
	}
	return Store{}, fmt.Errorf("unknown store: %s (configured: %s)", key, strings.Join(c.StoreKeys(), ", "))
}
