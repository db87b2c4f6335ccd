package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	Database  DatabaseConfig
	Sources   SourcesConfig
	Matching  MatchingConfig
	Conflicts ConflictsConfig
	Jobs      JobsConfig
}

// DatabaseConfig holds sqlite settings.
type DatabaseConfig struct {
	Path           string
	MigrationsPath string `mapstructure:"migrations_path"`
}

// SourceConfig holds the knobs shared by every external source.
type SourceConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	TokenEnv        string        `mapstructure:"token_env"`
	TokenURL        string        `mapstructure:"token_url"`         // auth endpoint for refresh; empty disables refresh
	RefreshTokenEnv string        `mapstructure:"refresh_token_env"` // long-lived refresh token
	MinInterval     time.Duration `mapstructure:"min_interval"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	PageSize        int           `mapstructure:"page_size"`
	BackfillFrom    string        `mapstructure:"backfill_from"` // YYYY-MM-DD
}

// SourcesConfig holds one entry per external source.
type SourcesConfig struct {
	BankFeed  SourceConfig `mapstructure:"bank_feed"`
	OrderAPI  SourceConfig `mapstructure:"order_api"`
	AppExport SourceConfig `mapstructure:"app_export"`
	Email     SourceConfig
}

// MatchingConfig holds the matching engine's tuning. Defaults are inferred
// from production data and deliberately overridable.
type MatchingConfig struct {
	DateWindowDays       int     `mapstructure:"date_window_days"`
	AmountToleranceCents int64   `mapstructure:"amount_tolerance_cents"`
	FuzzyBandCents       int64   `mapstructure:"fuzzy_band_cents"`
	ConfidenceThreshold  float64 `mapstructure:"confidence_threshold"`
	AmbiguityMargin      float64 `mapstructure:"ambiguity_margin"`
	MaxSplitCandidates   int     `mapstructure:"max_split_candidates"`
	AmountWeight         float64 `mapstructure:"amount_weight"`
	DateWeight           float64 `mapstructure:"date_weight"`
	TextWeight           float64 `mapstructure:"text_weight"`
}

// ConflictsConfig holds the resolution policy.
type ConflictsConfig struct {
	// Priority orders category provenance, highest first. Overrides always
	// win regardless of this ordering.
	Priority    []string
	AutoResolve bool `mapstructure:"auto_resolve"`
}

// JobsConfig holds job supervision settings.
type JobsConfig struct {
	StalenessWindow time.Duration `mapstructure:"staleness_window"`
}

// Load reads configuration from file and env. Env var overrides use prefix
// RECEIPTSYNC_.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("database.path", filepath.Join(os.Getenv("HOME"), ".local", "share", "receiptsync", "receiptsync.db"))
	v.SetDefault("database.migrations_path", "internal/database/migrations")

	for name, defaults := range map[string]map[string]interface{}{
		"bank_feed":  {"min_interval": "250ms", "page_size": 100, "backfill_from": "2020-01-01", "token_env": "RECEIPTSYNC_BANK_TOKEN", "refresh_token_env": "RECEIPTSYNC_BANK_REFRESH_TOKEN"},
		"order_api":  {"min_interval": "500ms", "page_size": 50, "backfill_from": "2020-01-01", "token_env": "RECEIPTSYNC_ORDER_TOKEN", "refresh_token_env": "RECEIPTSYNC_ORDER_REFRESH_TOKEN"},
		"app_export": {"min_interval": "1s", "page_size": 200, "backfill_from": "2020-01-01", "token_env": "RECEIPTSYNC_APPEXPORT_TOKEN", "refresh_token_env": "RECEIPTSYNC_APPEXPORT_REFRESH_TOKEN"},
		"email":      {"min_interval": "1s", "page_size": 25, "backfill_from": "2020-01-01", "token_env": "RECEIPTSYNC_EMAIL_TOKEN", "refresh_token_env": "RECEIPTSYNC_EMAIL_REFRESH_TOKEN"},
	} {
		for k, val := range defaults {
			v.SetDefault("sources."+name+"."+k, val)
		}
		v.SetDefault("sources."+name+".token_url", "")
		v.SetDefault("sources."+name+".timeout", "30s")
		v.SetDefault("sources."+name+".max_retries", 4)
	}

	v.SetDefault("matching.date_window_days", 3)
	v.SetDefault("matching.amount_tolerance_cents", 0)
	v.SetDefault("matching.fuzzy_band_cents", 100)
	v.SetDefault("matching.confidence_threshold", 0.75)
	v.SetDefault("matching.ambiguity_margin", 0.1)
	v.SetDefault("matching.max_split_candidates", 4)
	v.SetDefault("matching.amount_weight", 0.5)
	v.SetDefault("matching.date_weight", 0.25)
	v.SetDefault("matching.text_weight", 0.25)

	v.SetDefault("conflicts.priority", []string{"override", "match", "rule"})
	v.SetDefault("conflicts.auto_resolve", true)

	v.SetDefault("jobs.staleness_window", "30m")

	v.SetConfigType("toml")

	cfgPath := os.Getenv("RECEIPTSYNC_CONFIG")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "receiptsync"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("RECEIPTSYNC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// read config file if present
	_ = v.ReadInConfig()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return c, nil
}

// Default returns the built-in configuration without touching disk or env.
// Tests use it as a baseline.
func Default() Config {
	return Config{
		Matching: MatchingConfig{
			DateWindowDays:       3,
			AmountToleranceCents: 0,
			FuzzyBandCents:       100,
			ConfidenceThreshold:  0.75,
			AmbiguityMargin:      0.1,
			MaxSplitCandidates:   4,
			AmountWeight:         0.5,
			DateWeight:           0.25,
			TextWeight:           0.25,
		},
		Conflicts: ConflictsConfig{
			Priority:    []string{"override", "match", "rule"},
			AutoResolve: true,
		},
		Jobs: JobsConfig{StalenessWindow: 30 * time.Minute},
	}
}
