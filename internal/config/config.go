// Package config loads and validates scraper configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/viper"

	"github.com/JakeFAU/ets-registry-scraper/internal/logging"
)

// DefaultURLTemplate is the public ETS registry account details page.
const DefaultURLTemplate = "https://ec.europa.eu/clima/ets/ohaDetails.do?accountID={accountID}&action=all&languageCode=en"

// Config captures all scraper configuration knobs loaded via Viper.
type Config struct {
	Scrape  ScrapeConfig   `mapstructure:"scrape"`
	Output  OutputConfig   `mapstructure:"output"`
	DB      DBConfig       `mapstructure:"db"`
	PubSub  PubSubConfig   `mapstructure:"pubsub"`
	Metrics MetricsConfig  `mapstructure:"metrics"`
	Logging logging.Config `mapstructure:"logging"`
}

// ScrapeConfig governs the ID space and the worker pool.
type ScrapeConfig struct {
	URLTemplate      string        `mapstructure:"url_template"`
	MinID            int           `mapstructure:"min_id"`
	MaxID            int           `mapstructure:"max_id"`
	Workers          int           `mapstructure:"workers"`
	UserAgent        string        `mapstructure:"user_agent"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	ProgressInterval int           `mapstructure:"progress_interval"`
}

// OutputConfig sets where and how the final tables are written.
type OutputConfig struct {
	Dir       string `mapstructure:"dir"`
	Prefix    string `mapstructure:"prefix"`
	Delimiter string `mapstructure:"delimiter"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// DBConfig controls the optional Postgres copy of the tables.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	EnsureSchema bool   `mapstructure:"ensure_schema"`
	MaxConns     int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for the run summary notification.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// MetricsConfig controls the status/metrics HTTP listener. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ETS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scrape.url_template", DefaultURLTemplate)
	// 90000..120000 covers every account seen in the registry so far.
	v.SetDefault("scrape.min_id", 90000)
	v.SetDefault("scrape.max_id", 120000)
	v.SetDefault("scrape.workers", 5)
	v.SetDefault("scrape.user_agent", "ets-registry-scraper/0.1")
	v.SetDefault("scrape.request_timeout", "30s")
	v.SetDefault("scrape.progress_interval", 500)
	v.SetDefault("output.dir", "data")
	v.SetDefault("output.prefix", "")
	v.SetDefault("output.delimiter", ";")
	v.SetDefault("output.gcs_bucket", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.ensure_schema", true)
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if !strings.Contains(c.Scrape.URLTemplate, "{accountID}") {
		return fmt.Errorf("scrape.url_template must contain {accountID}")
	}
	if c.Scrape.Workers <= 0 {
		return fmt.Errorf("scrape.workers must be > 0")
	}
	if c.Scrape.MinID >= c.Scrape.MaxID {
		return fmt.Errorf("scrape.min_id must be < scrape.max_id")
	}
	if c.Scrape.RequestTimeout <= 0 {
		return fmt.Errorf("scrape.request_timeout must be > 0")
	}
	if c.Scrape.ProgressInterval < 0 {
		return fmt.Errorf("scrape.progress_interval must be >= 0")
	}
	if c.Output.Dir == "" && c.Output.GCSBucket == "" {
		return fmt.Errorf("output.dir or output.gcs_bucket must be set")
	}
	if utf8.RuneCountInString(c.Output.Delimiter) != 1 || strings.ContainsAny(c.Output.Delimiter, "\"\r\n") {
		return fmt.Errorf("output.delimiter must be a single character other than a quote or newline")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// DelimiterRune returns the configured field separator as a rune.
func (c OutputConfig) DelimiterRune() rune {
	r, _ := utf8.DecodeRuneInString(c.Delimiter)
	return r
}

// IDCount is the number of account IDs a run will attempt.
func (c ScrapeConfig) IDCount() int {
	return c.MaxID - c.MinID
}
