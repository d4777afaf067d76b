package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Templates TemplatesConfig `yaml:"templates" mapstructure:"templates"`
	Validator ValidatorConfig `yaml:"validator" mapstructure:"validator"`
	Detector  DetectorConfig  `yaml:"detector" mapstructure:"detector"`
	Staging   StagingConfig   `yaml:"staging" mapstructure:"staging"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// TemplatesConfig locates site-specific institution templates.
type TemplatesConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// ValidatorConfig configures balance reconciliation.
type ValidatorConfig struct {
	// Epsilon is a decimal string; deltas at or below it count as consistent.
	// The default "0" demands exact reconciliation.
	Epsilon string `yaml:"epsilon" mapstructure:"epsilon"`
}

// ParseEpsilon returns the tolerance as an exact decimal.
func (v ValidatorConfig) ParseEpsilon() (decimal.Decimal, error) {
	if v.Epsilon == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v.Epsilon)
	if err != nil {
		return decimal.Decimal{}, eris.Wrapf(err, "config: invalid validator epsilon %q", v.Epsilon)
	}
	return d, nil
}

// DetectorConfig configures duplicate detection. The window and threshold
// defaults are tuning starting points, not calibrated constants.
type DetectorConfig struct {
	DateWindowDays      int     `yaml:"date_window_days" mapstructure:"date_window_days"`
	SimilarityThreshold float64 `yaml:"similarity_threshold" mapstructure:"similarity_threshold"`
	HistoryLookbackDays int     `yaml:"history_lookback_days" mapstructure:"history_lookback_days"`
}

// StagingConfig configures session retention.
type StagingConfig struct {
	RetentionHours int `yaml:"retention_hours" mapstructure:"retention_hours"`
}

// ServerConfig configures the HTTP adapter.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	// ImportsPerMinute throttles BeginImport calls; 0 disables the limiter.
	ImportsPerMinute int `yaml:"imports_per_minute" mapstructure:"imports_per_minute"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("IMPORTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "importer.db")
	v.SetDefault("templates.dir", "templates")
	v.SetDefault("validator.epsilon", "0")
	v.SetDefault("detector.date_window_days", 3)
	v.SetDefault("detector.similarity_threshold", 0.85)
	v.SetDefault("detector.history_lookback_days", 180)
	v.SetDefault("staging.retention_hours", 72)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.imports_per_minute", 60)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks settings needed before the pipeline can start.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		return eris.New("config: store.database_url is required")
	}
	if _, err := c.Validator.ParseEpsilon(); err != nil {
		return err
	}
	if c.Detector.SimilarityThreshold < 0 || c.Detector.SimilarityThreshold > 1 {
		return eris.Errorf("config: similarity threshold %v out of [0,1]", c.Detector.SimilarityThreshold)
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
