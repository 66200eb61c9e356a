package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full configuration tree. Services receive the sub-structs
// they need; nothing reads viper after Load returns.
type Config struct {
	LogLevel   string           `mapstructure:"log_level"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Compliance ComplianceConfig `mapstructure:"compliance"`
	Reporting  ReportingConfig  `mapstructure:"reporting"`
}

// DatabaseConfig configures the gorm connection.
type DatabaseConfig struct {
	Driver      string `mapstructure:"driver"` // postgres or sqlite
	DSN         string `mapstructure:"dsn"`
	MaxOpen     int    `mapstructure:"max_open"`
	MaxIdle     int    `mapstructure:"max_idle"`
	ConnMaxLife int    `mapstructure:"conn_max_life"` // seconds
}

// ComplianceConfig carries thresholds and retry bounds for the compliance
// engine and allocators.
type ComplianceConfig struct {
	SequenceMaxRetries   int     `mapstructure:"sequence_max_retries"`
	StatementTimeoutSec  int     `mapstructure:"statement_timeout_sec"`
	AllowOverdraw        bool    `mapstructure:"allow_overdraw"`
	ProviderThresholdUSD float64 `mapstructure:"provider_threshold_usd"`
	// Reference rate used for USD-equivalents when USD itself has no posted
	// rate for the day.
	USDFallbackRate float64 `mapstructure:"usd_fallback_rate"`
}

// ReportingConfig locates filing templates and output directories.
type ReportingConfig struct {
	AmloOutputDir   string `mapstructure:"amlo_output_dir"`
	BotOutputDir    string `mapstructure:"bot_output_dir"`
	BotTemplatePath string `mapstructure:"bot_template_path"`
	// Directory holding the official AMLO form templates, one
	// <report-format>.pdf with AcroForm fields plus a <report-format>.json
	// field map per form version. Empty renders the built-in facsimile.
	AmloTemplateDir string `mapstructure:"amlo_template_dir"`
	AmloFontPath    string `mapstructure:"amlo_font_path"` // TTF with Thai glyphs, optional
}

// Load reads configuration from the given YAML paths plus EXCHG_* environment
// variables. Missing files are skipped; defaults cover everything else.
func Load(configPaths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("EXCHG")

	setDefaults(v)

	for _, path := range configPaths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("database.driver", "postgres")
	// Empty default keeps the key visible to AutomaticEnv during Unmarshal.
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open", 50)
	v.SetDefault("database.max_idle", 10)
	v.SetDefault("database.conn_max_life", 3600)
	v.SetDefault("compliance.sequence_max_retries", 5)
	v.SetDefault("compliance.statement_timeout_sec", 5)
	v.SetDefault("compliance.allow_overdraw", false)
	v.SetDefault("compliance.provider_threshold_usd", 20000)
	v.SetDefault("compliance.usd_fallback_rate", 35.0)
	v.SetDefault("reporting.amlo_output_dir", "amlo_pdfs")
	v.SetDefault("reporting.bot_output_dir", "bot_reports")
	v.SetDefault("reporting.bot_template_path", "templates/bot_monthly.xlsx")
}
