package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9000
  admin_port: 9001
auth:
  enabled: true
  api_key: secret
upstream:
  url: http://origin.internal:8081
  timeout_seconds: 5
site:
  base_url: https://example.com/blog
  show_on_front: page
  front_page_id: 7
  posts_page_id: 8
  taxonomy_bases:
    category: topics
markdown:
  post_types: [post, product]
  cache_ttl_seconds: 0
  noindex: false
bots:
  ai_bots: [MyAgent]
request_log:
  max_rows: 500
  anonymize_ip: false
signals:
  ai_train: false
stats:
  sample_rate: 10
cache:
  backend: sqlite
  path: /var/lib/mdagent/cache.db
events:
  project_id: demo
  topic: content-changes
  subscription: mdagent-replica-1
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9000 || cfg.Server.AdminPort != 9001 {
		t.Fatalf("expected ports 9000/9001, got %d/%d", cfg.Server.Port, cfg.Server.AdminPort)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Site.FrontPageID != 7 || cfg.Site.TaxonomyBases["category"] != "topics" {
		t.Fatalf("expected site overrides to apply: %+v", cfg.Site)
	}
	if len(cfg.Markdown.PostTypes) != 2 || cfg.Markdown.PostTypes[1] != "product" {
		t.Fatalf("expected post types override: %v", cfg.Markdown.PostTypes)
	}
	if got := cfg.CacheTTL(); got != 0 {
		t.Fatalf("expected caching disabled, got %v", got)
	}
	if cfg.Markdown.NoIndex || !cfg.Markdown.Canonical {
		t.Fatalf("expected noindex off and canonical default on")
	}
	if cfg.Signals.AITrain || !cfg.Signals.Search || !cfg.Signals.AIInput {
		t.Fatalf("expected only ai_train overridden: %+v", cfg.Signals)
	}
	if cfg.RequestLog.MaxRows != 500 || cfg.RequestLog.AnonymizeIP || cfg.RequestLog.TrimSampleRate != 100 {
		t.Fatalf("unexpected request log config: %+v", cfg.RequestLog)
	}
	if got := cfg.UpstreamTimeout(); got != 5*time.Second {
		t.Fatalf("expected upstream timeout 5s, got %v", got)
	}
	if cfg.Stats.SampleRate != 10 {
		t.Fatalf("expected stats sample rate 10, got %d", cfg.Stats.SampleRate)
	}
	if cfg.Cache.Backend != BackendSQLite || cfg.Cache.Path != "/var/lib/mdagent/cache.db" {
		t.Fatalf("unexpected cache config: %+v", cfg.Cache)
	}
	if !cfg.Events.Enabled() || cfg.Events.Subscription != "mdagent-replica-1" {
		t.Fatalf("unexpected events config: %+v", cfg.Events)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Content.Backend != BackendMemory {
		t.Fatalf("expected memory backend, got %q", cfg.Content.Backend)
	}
	if got := cfg.CacheTTL(); got != time.Hour {
		t.Fatalf("expected 1h cache ttl, got %v", got)
	}
	if !cfg.Markdown.Enabled || !cfg.Markdown.NoIndex || !cfg.Markdown.Canonical {
		t.Fatalf("expected markdown defaults on: %+v", cfg.Markdown)
	}
	if len(cfg.Markdown.Taxonomies) != 2 || cfg.Site.TaxonomyBases["post_tag"] != "tag" {
		t.Fatalf("unexpected taxonomy defaults: %v %v", cfg.Markdown.Taxonomies, cfg.Site.TaxonomyBases)
	}
	if !cfg.Signals.AITrain || !cfg.Signals.Search || !cfg.Signals.AIInput {
		t.Fatalf("expected all signals on by default")
	}
	if cfg.RequestLog.TrimSampleRate != 100 || !cfg.RequestLog.AnonymizeIP {
		t.Fatalf("unexpected request log defaults: %+v", cfg.RequestLog)
	}
	if cfg.Cache.Backend != BackendMemory || cfg.Events.Enabled() || cfg.Telemetry.Enabled {
		t.Fatalf("expected memory cache, no events and no tracing by default")
	}
	if cfg.Telemetry.ServiceName != "mdagent" || cfg.Telemetry.SampleRatio != 1 {
		t.Fatalf("unexpected telemetry defaults: %+v", cfg.Telemetry)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:  ServerConfig{Port: 8080},
		Site:    SiteConfig{BaseURL: "https://example.com", ShowOnFront: "posts"},
		Content: ContentConfig{Backend: BackendMemory},
		Cache:   CacheConfig{Backend: BackendMemory},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"admin port clash", func(c *Config) { c.Server.AdminPort = 8080 }, "server.admin_port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"relative base url", func(c *Config) { c.Site.BaseURL = "/blog" }, "site.base_url"},
		{"bad show on front", func(c *Config) { c.Site.ShowOnFront = "latest" }, "site.show_on_front"},
		{"static front without id", func(c *Config) { c.Site.ShowOnFront = "page" }, "site.front_page_id"},
		{"unknown backend", func(c *Config) { c.Content.Backend = "mysql" }, "content.backend"},
		{"postgres without dsn", func(c *Config) { c.Content.Backend = BackendPostgres }, "database.dsn"},
		{"negative ttl", func(c *Config) { c.Markdown.CacheTTLSeconds = -1 }, "markdown.cache_ttl_seconds"},
		{"negative cap", func(c *Config) { c.RequestLog.MaxRows = -1 }, "request_log.max_rows"},
		{"negative sample", func(c *Config) { c.Stats.SampleRate = -1 }, "stats.sample_rate"},
		{"unknown cache backend", func(c *Config) { c.Cache.Backend = "redis" }, "cache.backend"},
		{"sqlite cache without path", func(c *Config) { c.Cache.Backend = BackendSQLite }, "cache.path"},
		{"events without subscription", func(c *Config) {
			c.Events = EventsConfig{ProjectID: "p", Topic: "content-changes"}
		}, "events.subscription"},
		{"telemetry without endpoint", func(c *Config) { c.Telemetry.Enabled = true }, "telemetry.endpoint"},
		{"sample ratio out of range", func(c *Config) { c.Telemetry.SampleRatio = 1.5 }, "telemetry.sample_ratio"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
