package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mdagent/internal/config"
	"github.com/JakeFAU/mdagent/internal/signals"
	"github.com/JakeFAU/mdagent/internal/stats"
)

const fixtures = `
taxonomies:
  - {name: category, label: Categories, hierarchical: true}
terms:
  - {id: 3, taxonomy: category, name: News, slug: news, count: 1}
entities:
  - id: 1
    type: post
    title: Hello World
    content: "<p>Hello from the origin store.</p>"
    path: hello-world
    published_at: 2024-05-01T10:00:00Z
    terms:
      - {taxonomy: category, id: 3}
`

const originPage = `<!DOCTYPE html><html><head><title>Hello</title></head><body><p>Hello</p></body></html>`

func newTestApp(t *testing.T, mutate ...func(*config.Config)) *App {
	t.Helper()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, originPage)
	}))
	t.Cleanup(origin.Close)

	path := filepath.Join(t.TempDir(), "content.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fixtures), 0o600))

	cfg := config.Config{
		Server:   config.ServerConfig{Port: 8080, ShutdownSeconds: 1},
		Logging:  config.LoggingConfig{Level: "error"},
		Upstream: config.UpstreamConfig{URL: origin.URL, TimeoutSeconds: 5, Discovery: true},
		Site: config.SiteConfig{
			BaseURL:       "https://example.com",
			Name:          "Example",
			ShowOnFront:   "posts",
			PageSize:      10,
			TaxonomyBases: map[string]string{"category": "category"},
			HomeTypes:     []string{"post"},
		},
		Content: config.ContentConfig{Backend: config.BackendMemory, Fixtures: path},
		Markdown: config.MarkdownConfig{
			Enabled:         true,
			PostTypes:       []string{"post", "page"},
			Taxonomies:      []string{"category"},
			CacheTTLSeconds: 60,
			NoIndex:         true,
			Canonical:       true,
			HashLength:      16,
		},
		RequestLog: config.RequestLogConfig{MaxRows: 100, AnonymizeIP: true, TrimSampleRate: 1},
		Signals:    signals.Defaults{AITrain: true, Search: true, AIInput: true},
		Stats:      config.StatsConfig{Enabled: true, SampleRate: 1},
	}

	for _, m := range mutate {
		m(&cfg)
	}

	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	return app
}

func get(t *testing.T, h http.Handler, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPublicHandlerServesMarkdown(t *testing.T) {
	t.Parallel()

	app := newTestApp(t)
	h := app.PublicHandler()

	for _, target := range []string{"/hello-world/?format=md", "/hello-world/index.md"} {
		rec := get(t, h, target, http.Header{"User-Agent": {"ClaudeBot/1.0"}})
		require.Equal(t, http.StatusOK, rec.Code, target)
		require.Equal(t, "text/markdown; charset=utf-8", rec.Header().Get("Content-Type"))
		require.Contains(t, rec.Body.String(), "Hello from the origin store.")
		require.NotEmpty(t, rec.Header().Get("X-Markdown-Tokens"))
	}

	rec := get(t, h, "/hello-world/", http.Header{"Accept": {"text/markdown"}})
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.HasPrefix(rec.Body.String(), "---\n"))
}

func TestPublicHandlerProxiesHTMLWithDiscovery(t *testing.T) {
	t.Parallel()

	app := newTestApp(t)
	rec := get(t, app.PublicHandler(), "/hello-world/", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Vary"), "Accept")
	require.Contains(t, rec.Body.String(), `href="https://example.com/hello-world/?format=md"`)
	require.Contains(t, rec.Body.String(), `type="text/markdown"`)

	rec = get(t, app.PublicHandler(), "/unknown/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "text/markdown")
}

func TestAdminMountedOnPublicPort(t *testing.T) {
	t.Parallel()

	app := newTestApp(t)
	h := app.PublicHandler()

	rec := get(t, h, AdminMountPath+"/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	get(t, h, "/hello-world/?format=md", http.Header{"User-Agent": {"GPTBot/1.1"}})
	get(t, h, "/hello-world/", nil)

	rec = get(t, h, AdminMountPath+"/admin/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var logs struct {
		Total   int `json:"total"`
		Entries []struct {
			BotName string `json:"bot_name"`
			Method  string `json:"request_method"`
		} `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logs))
	require.Equal(t, 1, logs.Total)
	require.Equal(t, "GPTBot", logs.Entries[0].BotName)
	require.Equal(t, "format_param", logs.Entries[0].Method)

	rec = get(t, h, AdminMountPath+"/admin/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary stats.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	require.EqualValues(t, 1, summary.HTML.Requests)
	require.EqualValues(t, 1, summary.Markdown.Requests)
}

func TestAdminPortKeepsAdminOffPublicRouter(t *testing.T) {
	t.Parallel()

	app := newTestApp(t)
	app.cfg.Server.AdminPort = 9090
	require.NoError(t, app.build(context.Background()))

	rec := get(t, app.AdminHandler(), "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, app.PublicHandler(), AdminMountPath+"/healthz", nil)
	require.NotContains(t, rec.Body.String(), `"status"`)
}

func TestSQLiteCacheBackend(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache.db")
	app := newTestApp(t, func(c *config.Config) {
		c.Cache = config.CacheConfig{Backend: config.BackendSQLite, Path: path}
	})

	first := get(t, app.PublicHandler(), "/hello-world/?format=md", nil)
	second := get(t, app.PublicHandler(), "/hello-world/?format=md", nil)
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, first.Body.String(), second.Body.String())

	n, err := app.sweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestMigrateRequiresDSN(t *testing.T) {
	t.Parallel()

	err := Migrate(context.Background(), config.Config{Logging: config.LoggingConfig{Level: "info"}})
	require.ErrorContains(t, err, "database.dsn")
}
