// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/mdagent/internal/signals"
)

// Content store and cache backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Upstream   UpstreamConfig   `mapstructure:"upstream"`
	Site       SiteConfig       `mapstructure:"site"`
	Content    ContentConfig    `mapstructure:"content"`
	Markdown   MarkdownConfig   `mapstructure:"markdown"`
	Bots       BotsConfig       `mapstructure:"bots"`
	RequestLog RequestLogConfig `mapstructure:"request_log"`
	Signals    signals.Defaults `mapstructure:"signals"`
	Stats      StatsConfig      `mapstructure:"stats"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Events     EventsConfig     `mapstructure:"events"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// AdminPort serves the admin API and metrics. Zero mounts them on Port under /_mdagent.
	AdminPort       int `mapstructure:"admin_port"`
	ShutdownSeconds int `mapstructure:"shutdown_seconds"`
	// TrustProxyHeaders takes the client IP from X-Forwarded-For / X-Real-IP.
	TrustProxyHeaders bool `mapstructure:"trust_proxy_headers"`
}

// AuthConfig defines admin API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DatabaseConfig controls access to Postgres for the request log, stats, and
// (optionally) content.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	RequestLogTable string        `mapstructure:"request_log_table"`
	EntityTable     string        `mapstructure:"entity_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// UpstreamConfig points at the HTML origin.
type UpstreamConfig struct {
	URL            string `mapstructure:"url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	Discovery      bool   `mapstructure:"discovery"`
}

// SiteConfig describes the public site and its permalink layout.
type SiteConfig struct {
	BaseURL         string            `mapstructure:"base_url"`
	Name            string            `mapstructure:"name"`
	Description     string            `mapstructure:"description"`
	ShowOnFront     string            `mapstructure:"show_on_front"`
	FrontPageID     int64             `mapstructure:"front_page_id"`
	PostsPageID     int64             `mapstructure:"posts_page_id"`
	PageSize        int               `mapstructure:"page_size"`
	PlainPermalinks bool              `mapstructure:"plain_permalinks"`
	TaxonomyBases   map[string]string `mapstructure:"taxonomy_bases"`
	HomeTypes       []string          `mapstructure:"home_types"`
}

// ContentConfig selects the content store backend.
type ContentConfig struct {
	Backend  string `mapstructure:"backend"`
	Fixtures string `mapstructure:"fixtures"`
}

// MarkdownConfig governs negotiation and conversion.
type MarkdownConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	PostTypes       []string `mapstructure:"post_types"`
	Taxonomies      []string `mapstructure:"taxonomies"`
	CacheTTLSeconds int      `mapstructure:"cache_ttl_seconds"`
	NoIndex         bool     `mapstructure:"noindex"`
	Canonical       bool     `mapstructure:"canonical"`
	HashLength      int      `mapstructure:"hash_length"`
}

// BotsConfig overrides the classifier name lists. Empty lists keep the built-ins.
type BotsConfig struct {
	AIBots         []string `mapstructure:"ai_bots"`
	SearchCrawlers []string `mapstructure:"search_crawlers"`
	ToolCrawlers   []string `mapstructure:"tool_crawlers"`
}

// RequestLogConfig controls retention and privacy of the request log.
type RequestLogConfig struct {
	MaxRows        int64 `mapstructure:"max_rows"`
	AnonymizeIP    bool  `mapstructure:"anonymize_ip"`
	TrimSampleRate int   `mapstructure:"trim_sample_rate"`
}

// StatsConfig controls HTML-side sampling.
type StatsConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	SampleRate int  `mapstructure:"sample_rate"`
}

// CacheConfig selects where converted artifacts are kept.
type CacheConfig struct {
	Backend string `mapstructure:"backend"`
	// Path of the SQLite database file for the sqlite backend.
	Path string `mapstructure:"path"`
}

// EventsConfig fans content-change notifications out to every replica over Pub/Sub.
// Leaving Topic empty disables it.
type EventsConfig struct {
	ProjectID    string `mapstructure:"project_id"`
	Topic        string `mapstructure:"topic"`
	Subscription string `mapstructure:"subscription"`
}

// Enabled reports whether change events are configured.
func (e EventsConfig) Enabled() bool {
	return e.Topic != ""
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MDFA")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.admin_port", 9090)
	v.SetDefault("server.shutdown_seconds", 10)
	v.SetDefault("server.trust_proxy_headers", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("database.request_log_table", "mdfa_request_log")
	v.SetDefault("database.entity_table", "content_entities")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("upstream.timeout_seconds", 30)
	v.SetDefault("upstream.discovery", true)
	v.SetDefault("site.base_url", "http://localhost:8080")
	v.SetDefault("site.show_on_front", "posts")
	v.SetDefault("site.page_size", 10)
	v.SetDefault("site.taxonomy_bases", map[string]string{"category": "category", "post_tag": "tag"})
	v.SetDefault("site.home_types", []string{"post"})
	v.SetDefault("content.backend", BackendMemory)
	v.SetDefault("markdown.enabled", true)
	v.SetDefault("markdown.post_types", []string{"post", "page"})
	v.SetDefault("markdown.taxonomies", []string{"category", "post_tag"})
	v.SetDefault("markdown.cache_ttl_seconds", 3600)
	v.SetDefault("markdown.noindex", true)
	v.SetDefault("markdown.canonical", true)
	v.SetDefault("markdown.hash_length", 32)
	v.SetDefault("request_log.max_rows", 10000)
	v.SetDefault("request_log.anonymize_ip", true)
	v.SetDefault("request_log.trim_sample_rate", 100)
	v.SetDefault("signals.ai_train", true)
	v.SetDefault("signals.search", true)
	v.SetDefault("signals.ai_input", true)
	v.SetDefault("stats.enabled", true)
	v.SetDefault("stats.sample_rate", 1)
	v.SetDefault("cache.backend", BackendMemory)
	v.SetDefault("cache.path", "mdagent-cache.db")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "mdagent")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.AdminPort < 0 || (c.Server.AdminPort != 0 && c.Server.AdminPort == c.Server.Port) {
		return fmt.Errorf("server.admin_port must be 0 or differ from server.port")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if u, err := url.Parse(c.Site.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("site.base_url must be an absolute URL")
	}
	if c.Site.ShowOnFront != "posts" && c.Site.ShowOnFront != "page" {
		return fmt.Errorf("site.show_on_front must be posts or page")
	}
	if c.Site.ShowOnFront == "page" && c.Site.FrontPageID <= 0 {
		return fmt.Errorf("site.front_page_id must be set when site.show_on_front is page")
	}
	if !slices.Contains([]string{BackendMemory, BackendPostgres}, c.Content.Backend) {
		return fmt.Errorf("content.backend must be memory or postgres")
	}
	if c.Content.Backend == BackendPostgres && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn must be set when content.backend is postgres")
	}
	if c.Markdown.CacheTTLSeconds < 0 {
		return fmt.Errorf("markdown.cache_ttl_seconds must be >= 0")
	}
	if c.RequestLog.MaxRows < 0 {
		return fmt.Errorf("request_log.max_rows must be >= 0")
	}
	if c.RequestLog.TrimSampleRate < 0 {
		return fmt.Errorf("request_log.trim_sample_rate must be >= 0")
	}
	if c.Stats.SampleRate < 0 {
		return fmt.Errorf("stats.sample_rate must be >= 0")
	}
	if !slices.Contains([]string{BackendMemory, BackendSQLite}, c.Cache.Backend) {
		return fmt.Errorf("cache.backend must be memory or sqlite")
	}
	if c.Cache.Backend == BackendSQLite && c.Cache.Path == "" {
		return fmt.Errorf("cache.path must be set when cache.backend is sqlite")
	}
	if c.Events.Enabled() && (c.Events.ProjectID == "" || c.Events.Subscription == "") {
		return fmt.Errorf("events.project_id and events.subscription must be set when events.topic is set")
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint must be set when telemetry is enabled")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}
	return nil
}

// CacheTTL is the converter cache lifetime; zero disables caching.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Markdown.CacheTTLSeconds) * time.Second
}

// UpstreamTimeout bounds how long the origin may take to send response headers.
func (c Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.Upstream.TimeoutSeconds) * time.Second
}
