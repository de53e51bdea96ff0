// Package config loads the daemon configuration from a YAML file and
// TAURUSMON_* environment variables via Viper, and builds the Zap logger.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full daemon configuration.
type Config struct {
	Server        ServerConfig       `mapstructure:"server"`
	Database      DatabaseConfig     `mapstructure:"database"`
	Sync          SyncConfig         `mapstructure:"sync"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Metrics       MetricsConfig      `mapstructure:"metrics"`
	Logging       LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig identifies the backend and this device.
type ServerConfig struct {
	URL      string        `mapstructure:"url"`
	APIKey   string        `mapstructure:"api_key"`
	DeviceID string        `mapstructure:"device_id"` // generated on first run when empty
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig locates the local SQLite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SyncConfig tunes the poll loop and backfill pipeline.
type SyncConfig struct {
	Interval              time.Duration `mapstructure:"interval"`
	WindowDays            int           `mapstructure:"window_days"`
	QueueCapacity         int           `mapstructure:"queue_capacity"`
	ConsumerTimeout       time.Duration `mapstructure:"consumer_timeout"`
	MultiMetricBatchSpan  time.Duration `mapstructure:"multi_metric_batch_span"`
	SingleMetricBatchSpan time.Duration `mapstructure:"single_metric_batch_span"`
	StaleFoldWindow       time.Duration `mapstructure:"stale_fold_window"`
}

// NotificationConfig controls alert notification delivery.
type NotificationConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// MetricsConfig controls the optional Prometheus listener.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"` // empty disables the listener
}

// LoggingConfig selects the log level and encoder.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from the given file (optional) plus environment
// variables, applying defaults for everything unset.
func Load(path string) (*Config, *viper.Viper, error) {
	v := viper.New()

	v.SetDefault("server.url", "https://localhost:8443")
	v.SetDefault("server.timeout", 60*time.Second)
	v.SetDefault("database.path", "taurusmon.db")
	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("sync.window_days", 14)
	v.SetDefault("sync.queue_capacity", 100000)
	v.SetDefault("sync.consumer_timeout", 60*time.Second)
	v.SetDefault("sync.multi_metric_batch_span", time.Hour)
	v.SetDefault("sync.single_metric_batch_span", 7*24*time.Hour)
	v.SetDefault("sync.stale_fold_window", time.Hour)
	v.SetDefault("notifications.enabled", true)
	v.SetDefault("metrics.listen_addr", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetEnvPrefix("TAURUSMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, v, nil
}
