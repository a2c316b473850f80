// Package server builds the service's dependency graph and runs its HTTP listeners.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/JakeFAU/mdagent/internal/api"
	"github.com/JakeFAU/mdagent/internal/cache"
	"github.com/JakeFAU/mdagent/internal/classifier"
	"github.com/JakeFAU/mdagent/internal/clock/system"
	"github.com/JakeFAU/mdagent/internal/config"
	"github.com/JakeFAU/mdagent/internal/content"
	"github.com/JakeFAU/mdagent/internal/converter"
	"github.com/JakeFAU/mdagent/internal/events"
	"github.com/JakeFAU/mdagent/internal/hash/sha256"
	"github.com/JakeFAU/mdagent/internal/logging"
	"github.com/JakeFAU/mdagent/internal/metrics"
	"github.com/JakeFAU/mdagent/internal/negotiation"
	"github.com/JakeFAU/mdagent/internal/requestlog"
	"github.com/JakeFAU/mdagent/internal/rewrite"
	"github.com/JakeFAU/mdagent/internal/stats"
	"github.com/JakeFAU/mdagent/internal/telemetry"
	"github.com/JakeFAU/mdagent/internal/upstream"
)

// AdminMountPath is where the admin API lives when no admin port is configured.
const AdminMountPath = "/_mdagent"

const sweepInterval = time.Minute

// App contains the application's dependencies.
type App struct {
	cfg         config.Config
	logger      *zap.Logger
	sweep       func(context.Context) (int, error)
	bus         *events.Bus
	public      http.Handler
	admin       http.Handler
	readyChecks []func(context.Context) error
	closers     []func()
	tracing     telemetry.Shutdown
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Int("admin_port", cfg.Server.AdminPort),
		zap.String("content_backend", cfg.Content.Backend),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.Bool("postgres", cfg.Database.DSN != ""),
		zap.Bool("events", cfg.Events.Enabled()),
		zap.Bool("tracing", cfg.Telemetry.Enabled),
	)

	app.tracing, err = telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	if err := app.build(ctx); err != nil {
		app.closeAll()
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	clock := system.New()
	artifacts, err := a.setupCache(ctx, clock)
	if err != nil {
		return err
	}
	site := siteFromConfig(cfg.Site)

	contentStore, err := a.setupContent(ctx)
	if err != nil {
		return err
	}
	router := content.NewRouter(site, contentStore)

	conv, err := converter.New(contentStore, artifacts, site, converter.Options{
		TTL:    cfg.CacheTTL(),
		Hasher: sha256.New(cfg.Markdown.HashLength),
		Logger: a.logger.Named("converter"),
	})
	if err != nil {
		return fmt.Errorf("converter init failed: %w", err)
	}

	bots := newClassifier(cfg.Bots)
	logStore, err := a.setupRequestLog(ctx, contentStore)
	if err != nil {
		return err
	}
	recorder, err := requestlog.NewRecorder(logStore, bots, requestlog.RecorderOptions{
		MaxRows:        cfg.RequestLog.MaxRows,
		AnonymizeIP:    cfg.RequestLog.AnonymizeIP,
		TrimSampleRate: cfg.RequestLog.TrimSampleRate,
		Clock:          clock,
		Logger:         a.logger.Named("requestlog"),
	})
	if err != nil {
		return fmt.Errorf("request recorder init failed: %w", err)
	}

	statsStore, err := a.setupStats(ctx)
	if err != nil {
		return err
	}
	var (
		tracker     *stats.Tracker
		engineTrack negotiation.Tracker
		estimator   api.Estimator
	)
	if cfg.Stats.Enabled {
		tracker, err = stats.NewTracker(statsStore, artifacts, contentStore, stats.TrackerOptions{
			Types:      cfg.Markdown.PostTypes,
			Taxonomies: cfg.Markdown.Taxonomies,
			SampleRate: cfg.Stats.SampleRate,
			Hasher:     sha256.New(cfg.Markdown.HashLength),
			Clock:      clock,
			Logger:     a.logger.Named("stats"),
		})
		if err != nil {
			return fmt.Errorf("stats tracker init failed: %w", err)
		}
		engineTrack = tracker
		estimator = tracker
	}

	engine, err := negotiation.New(negotiation.Config{
		Enabled:    cfg.Markdown.Enabled,
		Types:      cfg.Markdown.PostTypes,
		Taxonomies: cfg.Markdown.Taxonomies,
		NoIndex:    cfg.Markdown.NoIndex,
		Canonical:  cfg.Markdown.Canonical,
		Signals:    cfg.Signals,
	}, router, contentStore, conv, recorder, engineTrack, a.logger.Named("negotiation"))
	if err != nil {
		return fmt.Errorf("negotiation engine init failed: %w", err)
	}

	proxy, err := upstream.New(upstream.Options{
		URL:              cfg.Upstream.URL,
		Timeout:          cfg.UpstreamTimeout(),
		DisableDiscovery: !cfg.Upstream.Discovery,
		Logger:           a.logger.Named("upstream"),
	})
	if err != nil {
		return fmt.Errorf("upstream proxy init failed: %w", err)
	}
	if cfg.Upstream.URL == "" {
		a.logger.Warn("no upstream configured, HTML requests will receive 404")
	}

	var notifier api.Notifier
	if cfg.Events.Enabled() {
		a.bus, err = events.Open(ctx, cfg.Events, changeHandler(conv, tracker), a.logger.Named("events"))
		if err != nil {
			return fmt.Errorf("events init failed: %w", err)
		}
		bus := a.bus
		a.closers = append(a.closers, func() {
			if err := bus.Close(); err != nil {
				a.logger.Warn("events close failed", zap.Error(err))
			}
		})
		notifier = bus
		a.logger.Info("content change events enabled",
			zap.String("topic", cfg.Events.Topic),
			zap.String("subscription", cfg.Events.Subscription),
			zap.String("origin", bus.Origin()),
		)
	}

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	adminServer := api.NewServer(api.Options{
		Logs:        logStore,
		Stats:       stats.NewAggregator(statsStore, logStore),
		Invalidator: conv,
		Estimator:   estimator,
		Notifier:    notifier,
		Ready:       a.ready,
		APIKey:      apiKey,
		Logger:      a.logger.Named("api"),
	})
	a.admin = adminServer.Handler()

	var chain http.Handler = engine.Middleware(proxy)
	if tracker != nil {
		chain = tracker.Middleware(chain)
	}
	chain = rewrite.New(cfg.Site.PlainPermalinks, negotiation.FormatParam, a.logger.Named("rewrite")).Middleware(chain)

	r := chi.NewRouter()
	r.Use(telemetry.Middleware("mdagent"))
	r.Use(api.RequestID)
	if cfg.Server.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(api.AccessLog(a.logger.Named("http")))
	r.Use(api.Recover(a.logger))
	r.Use(metrics.Middleware)
	if cfg.Server.AdminPort == 0 {
		r.Mount(AdminMountPath, a.admin)
	}
	r.Handle("/*", chain)
	a.public = r
	return nil
}

func (a *App) setupCache(ctx context.Context, clock cache.Clock) (cache.Cache, error) {
	if a.cfg.Cache.Backend == config.BackendSQLite {
		c, err := cache.NewSQLiteCache(ctx, a.cfg.Cache.Path, clock)
		if err != nil {
			return nil, fmt.Errorf("sqlite cache init failed: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := c.Close(); err != nil {
				a.logger.Warn("sqlite cache close failed", zap.Error(err))
			}
		})
		a.sweep = c.Sweep
		a.logger.Info("using sqlite cache", zap.String("path", a.cfg.Cache.Path))
		return c, nil
	}
	c := cache.NewMemoryCache(clock)
	a.sweep = func(context.Context) (int, error) { return c.Sweep(), nil }
	return c, nil
}

func (a *App) setupContent(ctx context.Context) (content.Store, error) {
	switch a.cfg.Content.Backend {
	case config.BackendPostgres:
		store, err := content.NewPostgresStore(ctx, a.cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("content store init failed: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.logger.Info("using postgres content store")
		return store, nil
	default:
		if a.cfg.Content.Fixtures == "" {
			a.logger.Warn("no content fixtures configured, content store is empty")
			return content.NewMemoryStore(), nil
		}
		store, err := content.LoadFixtures(a.cfg.Content.Fixtures)
		if err != nil {
			return nil, fmt.Errorf("content fixtures load failed: %w", err)
		}
		a.logger.Info("using in-memory content store", zap.String("fixtures", a.cfg.Content.Fixtures))
		return store, nil
	}
}

func (a *App) setupRequestLog(ctx context.Context, cs content.Store) (requestlog.Store, error) {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no DSN specified for database, request log is kept in memory")
		return requestlog.NewMemoryStore(entityTitle(cs)), nil
	}
	entityTable := ""
	if a.cfg.Content.Backend == config.BackendPostgres {
		entityTable = a.cfg.Database.EntityTable
	}
	store, err := requestlog.NewPostgresStore(ctx, requestlog.PostgresConfig{
		DSN:             a.cfg.Database.DSN,
		Table:           a.cfg.Database.RequestLogTable,
		EntityTable:     entityTable,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("request log store init failed: %w", err)
	}
	a.closers = append(a.closers, store.Close)
	a.readyChecks = append(a.readyChecks, store.Ping)
	a.logger.Info("request log store initialized", zap.String("table", a.cfg.Database.RequestLogTable))
	return store, nil
}

func (a *App) setupStats(ctx context.Context) (stats.Store, error) {
	if a.cfg.Database.DSN == "" {
		return stats.NewMemoryStore(), nil
	}
	store, err := stats.NewPostgresStore(ctx, a.cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("stats store init failed: %w", err)
	}
	a.closers = append(a.closers, store.Close)
	return store, nil
}

func (a *App) ready(ctx context.Context) error {
	for _, check := range a.readyChecks {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}

// PublicHandler serves negotiated content and proxies everything else.
func (a *App) PublicHandler() http.Handler {
	return a.public
}

// AdminHandler serves the admin API, health checks and metrics.
func (a *App) AdminHandler() http.Handler {
	return a.admin
}

// Run starts the listeners and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go a.sweepLoop(ctx)
	if a.bus != nil {
		go func() {
			if err := a.bus.Run(ctx); err != nil {
				a.logger.Error("change subscriber stopped", zap.Error(err))
			}
		}()
	}

	servers := []*http.Server{a.newServer(a.cfg.Server.Port, a.public)}
	if a.cfg.Server.AdminPort > 0 {
		servers = append(servers, a.newServer(a.cfg.Server.AdminPort, a.admin))
	}
	for _, srv := range servers {
		go func(srv *http.Server) {
			a.logger.Info("http server started", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.String("addr", srv.Addr), zap.Error(err))
				stop()
			}
		}(srv)
	}

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.Server.ShutdownSeconds)*time.Second)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}
	return a.Close(shutdownCtx)
}

func (a *App) newServer(port int, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (a *App) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.sweep(ctx)
			if err != nil {
				a.logger.Warn("cache sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				a.logger.Debug("expired cache entries swept", zap.Int("removed", n))
			}
		}
	}
}

// Close releases database pools, flushes spans and syncs the logger.
func (a *App) Close(ctx context.Context) error {
	a.closeAll()
	if a.tracing != nil {
		if err := a.tracing(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return nil
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Migrate applies the request log and stats schemas.
func Migrate(ctx context.Context, cfg config.Config) error {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	if cfg.Database.DSN == "" {
		return errors.New("database.dsn is required to migrate")
	}

	logStore, err := requestlog.NewPostgresStore(ctx, requestlog.PostgresConfig{
		DSN:   cfg.Database.DSN,
		Table: cfg.Database.RequestLogTable,
	})
	if err != nil {
		return fmt.Errorf("request log store init failed: %w", err)
	}
	defer logStore.Close()
	if err := logStore.Migrate(ctx, newClassifier(cfg.Bots), logger.Named("migrate")); err != nil {
		return err
	}

	statsStore, err := stats.NewPostgresStore(ctx, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("stats store init failed: %w", err)
	}
	defer statsStore.Close()
	if err := statsStore.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("migrations complete")
	return nil
}

func siteFromConfig(c config.SiteConfig) content.Site {
	return content.Site{
		BaseURL:         c.BaseURL,
		Name:            c.Name,
		Description:     c.Description,
		ShowOnFront:     c.ShowOnFront,
		FrontPageID:     c.FrontPageID,
		PostsPageID:     c.PostsPageID,
		PageSize:        c.PageSize,
		PlainPermalinks: c.PlainPermalinks,
		TaxonomyBases:   c.TaxonomyBases,
		HomeTypes:       c.HomeTypes,
	}
}

func newClassifier(c config.BotsConfig) *classifier.Classifier {
	return classifier.New(
		orDefault(c.AIBots, classifier.DefaultAIBots),
		orDefault(c.SearchCrawlers, classifier.DefaultSearchCrawlers),
		orDefault(c.ToolCrawlers, classifier.DefaultToolCrawlers),
	)
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}

// changeHandler applies a change received from another replica.
func changeHandler(inv *converter.Converter, tracker *stats.Tracker) events.Handler {
	return func(ctx context.Context, entityID int64) error {
		if _, err := inv.Invalidate(ctx, entityID); err != nil {
			return err
		}
		if tracker != nil {
			return tracker.EstimateOnSave(ctx, entityID)
		}
		return nil
	}
}

func entityTitle(cs content.Store) requestlog.TitleFunc {
	return func(ctx context.Context, id int64) string {
		e, err := cs.Entity(ctx, id)
		if err != nil {
			return ""
		}
		return e.Title
	}
}
