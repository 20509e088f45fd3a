package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Logging     LoggingConfig     `mapstructure:"logging"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Performance PerformanceConfig `mapstructure:"performance"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type AlertingConfig struct {
	DataPath           string        `mapstructure:"data_path"`
	ScanInterval       time.Duration `mapstructure:"scan_interval"`
	EscalationInterval time.Duration `mapstructure:"escalation_interval"`
}

type PerformanceConfig struct {
	SystemSampleInterval time.Duration      `mapstructure:"system_sample_interval"`
	Thresholds           map[string]float64 `mapstructure:"thresholds"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Prefix  string `mapstructure:"prefix"`
	Address string `mapstructure:"address"`
}

// Load reads configs/config.yaml (or ./config.yaml), applies defaults and
// environment overrides
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	setDefaults()

	viper.AutomaticEnv()
	viper.BindEnv("logging.level", "LOG_LEVEL")
	viper.BindEnv("alerting.data_path", "ALERTING_DATA_PATH")
	viper.BindEnv("metrics.enabled", "METRICS_ENABLED")
	viper.BindEnv("metrics.address", "METRICS_ADDRESS")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file is fine, defaults apply
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("alerting.data_path", "./data/alerting")
	viper.SetDefault("alerting.scan_interval", "30s")
	viper.SetDefault("alerting.escalation_interval", "60s")

	viper.SetDefault("performance.system_sample_interval", "15s")
	viper.SetDefault("performance.thresholds", map[string]float64{
		"memory.usage": 95,
		"cpu.usage":    95,
	})

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.prefix", "clms")
	viper.SetDefault("metrics.address", ":9204")
}
