// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/resume-corpus-crawler/internal/extract"
	"github.com/JakeFAU/resume-corpus-crawler/internal/taxonomy"
)

// Detail fetch modes.
const (
	DetailViaSession = "session"
	DetailViaHTTP    = "http"
)

// Output backends.
const (
	OutputLocal  = "local"
	OutputGCS    = "gcs"
	OutputMemory = "memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Site     extract.Site   `mapstructure:"site"`
	Scrape   ScrapeConfig   `mapstructure:"scrape"`
	Headless HeadlessConfig `mapstructure:"headless"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Output   OutputConfig   `mapstructure:"output"`
	Taxonomy TaxonomyConfig `mapstructure:"taxonomy"`
	Progress ProgressConfig `mapstructure:"progress"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ScrapeConfig governs pagination, retries and worker fan-out.
type ScrapeConfig struct {
	Target   int `mapstructure:"target"`
	PageSize int `mapstructure:"page_size"`
	// Workers defaults to headless.sessions.
	Workers   int    `mapstructure:"workers"`
	QueueSize int    `mapstructure:"queue_size"`
	DetailVia string `mapstructure:"detail_via"`
	// MaxAttempts caps Job runs per occupation; 0 retries forever.
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
}

// HeadlessConfig configures the browser session pool.
type HeadlessConfig struct {
	Sessions     int           `mapstructure:"sessions"`
	ExecPath     string        `mapstructure:"exec_path"`
	NavTimeout   time.Duration `mapstructure:"nav_timeout"`
	Settle       time.Duration `mapstructure:"settle"`
	WaitSelector string        `mapstructure:"wait_selector"`
	Headful      bool          `mapstructure:"headful"`
}

// HTTPConfig configures the shared request budget and the plain HTTP client.
type HTTPConfig struct {
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
	// RequestsPerSecond is the per-host budget shared by every session; <= 0
	// disables limiting.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// OutputConfig selects where records and the taxonomy are written.
type OutputConfig struct {
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// TaxonomyConfig locates the career directory and narrows the clusters scraped.
type TaxonomyConfig struct {
	Directory taxonomy.Directory `mapstructure:"directory"`
	// Clusters limits scrape to these names; empty means all.
	Clusters []string `mapstructure:"clusters"`
}

// ProgressConfig sizes the progress event hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// DBConfig controls access to the run history database. An empty DSN disables it.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds completion notification settings. An empty topic disables them.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the status server. Port 0 disables it.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RESUMES")
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

// setDefaults registers every key so AutomaticEnv can override any of them.
func setDefaults(v *viper.Viper) {
	site := extract.DefaultSite()
	v.SetDefault("site.search_url", site.SearchURL)
	v.SetDefault("site.country", site.Country)
	v.SetDefault("site.detail_base_url", site.DetailBaseURL)
	v.SetDefault("site.result_selector", site.ResultSelector)
	v.SetDefault("site.state_marker", site.StateMarker)

	v.SetDefault("scrape.target", 2000)
	v.SetDefault("scrape.page_size", 50)
	v.SetDefault("scrape.workers", 0)
	v.SetDefault("scrape.queue_size", 0)
	v.SetDefault("scrape.detail_via", DetailViaSession)
	v.SetDefault("scrape.max_attempts", 8)
	v.SetDefault("scrape.backoff_initial", "1s")
	v.SetDefault("scrape.backoff_max", "1m")

	v.SetDefault("headless.sessions", 4)
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("headless.nav_timeout", "45s")
	v.SetDefault("headless.settle", "0s")
	v.SetDefault("headless.wait_selector", "body")
	v.SetDefault("headless.headful", false)

	v.SetDefault("http.user_agent", "resume-corpus-crawler/0.1")
	v.SetDefault("http.timeout", "30s")
	v.SetDefault("http.requests_per_second", 2.0)
	v.SetDefault("http.burst", 2)

	v.SetDefault("output.backend", OutputLocal)
	v.SetDefault("output.base_dir", "data")
	v.SetDefault("output.bucket", "")
	v.SetDefault("output.prefix", "")

	dir := taxonomy.DefaultDirectory()
	v.SetDefault("taxonomy.directory.career_url", dir.CareerURL)
	v.SetDefault("taxonomy.directory.option_selector", dir.OptionSelector)
	v.SetDefault("taxonomy.directory.pathway_selector", dir.PathwaySelector)
	v.SetDefault("taxonomy.clusters", []string{})

	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 500)
	v.SetDefault("progress.max_batch_wait", "500ms")
	v.SetDefault("progress.sink_timeout", "10s")

	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "scrape_runs")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")

	v.SetDefault("server.port", 0)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.request_timeout", "30s")

	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Headless.Sessions <= 0 {
		return fmt.Errorf("headless.sessions must be > 0")
	}
	if c.Scrape.Target <= 0 {
		return fmt.Errorf("scrape.target must be > 0")
	}
	if c.Scrape.PageSize <= 0 {
		return fmt.Errorf("scrape.page_size must be > 0")
	}
	if c.Scrape.Workers < 0 || c.Scrape.QueueSize < 0 {
		return fmt.Errorf("scrape.workers and scrape.queue_size must be >= 0")
	}
	if c.Scrape.MaxAttempts < 0 {
		return fmt.Errorf("scrape.max_attempts must be >= 0")
	}
	switch c.Scrape.DetailVia {
	case DetailViaSession, DetailViaHTTP:
	default:
		return fmt.Errorf("scrape.detail_via must be %q or %q, got %q", DetailViaSession, DetailViaHTTP, c.Scrape.DetailVia)
	}
	switch c.Output.Backend {
	case OutputLocal:
		if strings.TrimSpace(c.Output.BaseDir) == "" {
			return fmt.Errorf("output.base_dir must be set for the local backend")
		}
	case OutputGCS:
		if strings.TrimSpace(c.Output.Bucket) == "" {
			return fmt.Errorf("output.bucket must be set for the gcs backend")
		}
	case OutputMemory:
	default:
		return fmt.Errorf("unknown output.backend %q", c.Output.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Server.Port < 0 {
		return fmt.Errorf("server.port must be >= 0")
	}
	return nil
}

// RetryBackoff returns the bounds of the per-job retry backoff.
func (c Config) RetryBackoff() (initial, maxDelay time.Duration) {
	return c.Scrape.BackoffInitial, c.Scrape.BackoffMax
}
