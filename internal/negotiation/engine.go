// Package negotiation decides, per request, whether a Markdown or plain-text
// rendition is served instead of the HTML page, and writes that response.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/mdagent/internal/content"
	"github.com/JakeFAU/mdagent/internal/metrics"
	"github.com/JakeFAU/mdagent/internal/requestlog"
	"github.com/JakeFAU/mdagent/internal/signals"
	"github.com/JakeFAU/mdagent/internal/tokens"
)

// Header names written on Markdown responses.
const (
	HeaderTokens        = "X-Markdown-Tokens"
	HeaderContentSignal = "Content-Signal"
)

var tracer = otel.Tracer("github.com/JakeFAU/mdagent/internal/negotiation")

// Fall-through reasons reported to metrics.
const (
	reasonUnresolved     = "unresolved"
	reasonDisabled       = "disabled"
	reasonPassword       = "password"
	reasonNotConvertible = "not_convertible"
	reasonError          = "error"
)

// Converter produces Markdown artifacts. ok=false means the target is not convertible.
type Converter interface {
	Single(ctx context.Context, id int64) (string, bool, error)
	Archive(ctx context.Context, taxonomy string, termID int64, page int) (string, bool, error)
	Home(ctx context.Context, page int) (string, bool, error)
	HomeURL(ctx context.Context) string
}

// Recorder writes one request log entry per served response.
type Recorder interface {
	Record(ctx context.Context, req requestlog.Request) (requestlog.Entry, error)
}

// Tracker accumulates HTML-side statistics for requests that fall through.
type Tracker interface {
	TrackSingle(ctx context.Context, e content.Entity)
	TrackArchive(ctx context.Context, taxonomy string)
}

// Config controls which targets are negotiated and which headers are written.
type Config struct {
	Enabled    bool
	Types      []string
	Taxonomies []string
	NoIndex    bool
	Canonical  bool
	Signals    signals.Defaults
}

// Engine is the content-negotiation middleware.
type Engine struct {
	cfg        Config
	types      map[string]struct{}
	taxonomies map[string]struct{}
	router     *content.Router
	store      content.Store
	converter  Converter
	recorder   Recorder
	tracker    Tracker
	logger     *zap.Logger
}

// New builds an Engine. tracker may be nil.
func New(cfg Config, router *content.Router, store content.Store, conv Converter, rec Recorder, tracker Tracker, logger *zap.Logger) (*Engine, error) {
	if router == nil || store == nil || conv == nil || rec == nil {
		return nil, errors.New("negotiation: router, store, converter and recorder are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:        cfg,
		types:      toSet(cfg.Types),
		taxonomies: toSet(cfg.Taxonomies),
		router:     router,
		store:      store,
		converter:  conv,
		recorder:   rec,
		tracker:    tracker,
		logger:     logger,
	}, nil
}

// response is a Markdown artifact ready to be written.
type response struct {
	body      string
	canonical string
	entityID  int64
	termID    int64
	taxonomy  string
	signals   signals.Resolved
}

// Middleware serves Markdown when the request asks for it and the target is
// eligible; every other request continues to next.
func (e *Engine) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !e.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		format, method := RequestedFormat(r)

		target, err := e.router.Resolve(ctx, r)
		if err != nil {
			e.logger.Warn("route resolution failed", zap.String("path", r.URL.Path), zap.Error(err))
			metrics.ObserveFallthrough(reasonError)
			next.ServeHTTP(w, r)
			return
		}

		if format != FormatNone {
			pctx, span := tracer.Start(ctx, "negotiation.produce", trace.WithAttributes(
				attribute.String("mdagent.format", string(format)),
				attribute.String("mdagent.target", string(target.Kind)),
			))
			resp, reason, err := e.produce(pctx, target)
			if err != nil {
				e.logger.Error("markdown production failed",
					zap.String("path", r.URL.Path),
					zap.String("kind", string(target.Kind)),
					zap.Error(err),
				)
				span.RecordError(err)
				span.SetStatus(codes.Error, "markdown production failed")
				reason = reasonError
			}
			if reason == "" {
				span.End()
				e.write(w, r, resp, format, method)
				return
			}
			span.SetAttributes(attribute.String("mdagent.fallthrough", reason))
			span.End()
			metrics.ObserveFallthrough(reason)
		}

		r = e.prepareHTML(w, r, target, format)
		next.ServeHTTP(w, r)
	})
}

// produce returns the artifact for target, or a non-empty fall-through reason.
func (e *Engine) produce(ctx context.Context, target content.Target) (response, string, error) {
	switch target.Kind {
	case content.TargetFrontPage, content.TargetSingular:
		return e.produceSingle(ctx, target.EntityID)
	case content.TargetHome:
		body, ok, err := e.converter.Home(ctx, target.Page)
		if err != nil || !ok {
			return response{}, reasonNotConvertible, err
		}
		return response{
			body:      body,
			canonical: e.converter.HomeURL(ctx),
			signals:   signals.Resolve(nil, nil, e.cfg.Signals),
		}, "", nil
	case content.TargetArchive:
		return e.produceArchive(ctx, target)
	default:
		return response{}, reasonUnresolved, nil
	}
}

func (e *Engine) produceSingle(ctx context.Context, id int64) (response, string, error) {
	ent, err := e.store.Entity(ctx, id)
	if errors.Is(err, content.ErrNotFound) {
		return response{}, reasonNotConvertible, nil
	}
	if err != nil {
		return response{}, reasonError, fmt.Errorf("load entity %d: %w", id, err)
	}
	if ent.PasswordProtected() {
		return response{}, reasonPassword, nil
	}
	if _, ok := e.types[ent.Type]; !ok {
		return response{}, reasonDisabled, nil
	}
	body, ok, err := e.converter.Single(ctx, id)
	if err != nil || !ok {
		return response{}, reasonNotConvertible, err
	}
	return response{
		body:      body,
		canonical: e.router.Site().EntityURL(ent),
		entityID:  ent.ID,
		signals:   signals.Resolve(&ent.Signals, nil, e.cfg.Signals),
	}, "", nil
}

func (e *Engine) produceArchive(ctx context.Context, target content.Target) (response, string, error) {
	if _, ok := e.taxonomies[target.Taxonomy]; !ok {
		return response{}, reasonDisabled, nil
	}
	term, err := e.store.Term(ctx, target.Taxonomy, target.TermID)
	if errors.Is(err, content.ErrNotFound) {
		return response{}, reasonNotConvertible, nil
	}
	if err != nil {
		return response{}, reasonError, fmt.Errorf("load term %d: %w", target.TermID, err)
	}
	body, ok, err := e.converter.Archive(ctx, target.Taxonomy, target.TermID, target.Page)
	if err != nil || !ok {
		return response{}, reasonNotConvertible, err
	}
	return response{
		body:      body,
		canonical: e.router.Site().TermURL(term),
		termID:    term.ID,
		taxonomy:  term.Taxonomy,
		signals:   signals.Resolve(nil, &term.Signals, e.cfg.Signals),
	}, "", nil
}

func (e *Engine) write(w http.ResponseWriter, r *http.Request, resp response, format Format, method string) {
	ctx := r.Context()
	n := tokens.Estimate(resp.body)

	botType := "unknown"
	entry, err := e.recorder.Record(ctx, requestlog.Request{
		EntityID:  resp.entityID,
		TermID:    resp.termID,
		Taxonomy:  resp.taxonomy,
		Method:    method,
		UserAgent: r.UserAgent(),
		IP:        clientIP(r),
		Tokens:    n,
	})
	if err != nil {
		e.logger.Warn("failed to record markdown request", zap.Error(err))
	} else {
		botType = entry.BotType
	}

	h := w.Header()
	h.Set("Content-Type", format.ContentType()+"; charset=utf-8")
	h.Set("Vary", "Accept")
	h.Set(HeaderTokens, strconv.Itoa(n))
	if sig := resp.signals.Header(); sig != "" {
		h.Set(HeaderContentSignal, sig)
	}
	if e.cfg.NoIndex {
		h.Set("X-Robots-Tag", "noindex")
	}
	if resp.canonical != "" {
		if e.cfg.Canonical {
			h.Add("Link", fmt.Sprintf("<%s>; rel=\"canonical\"", resp.canonical))
		}
		sibling := format.Sibling()
		alt := content.WithQuery(resp.canonical, FormatParam, string(sibling))
		h.Add("Link", fmt.Sprintf("<%s>; rel=\"alternate\"; type=\"%s\"", alt, sibling.ContentType()))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, resp.body); err != nil {
		e.logger.Debug("failed to write markdown body", zap.Error(err))
	}
	metrics.ObserveMarkdownResponse(botType, string(format), n)
}

// prepareHTML decorates the HTML path: Vary for eligible targets, the discovery
// URL for the upstream proxy, and HTML-side statistics.
func (e *Engine) prepareHTML(w http.ResponseWriter, r *http.Request, target content.Target, format Format) *http.Request {
	ctx := r.Context()
	site := e.router.Site()

	switch target.Kind {
	case content.TargetHome:
		w.Header().Add("Vary", "Accept")
	case content.TargetFrontPage, content.TargetSingular:
		ent, err := e.store.Entity(ctx, target.EntityID)
		if err != nil {
			if !errors.Is(err, content.ErrNotFound) {
				e.logger.Warn("failed to load entity for html path", zap.Int64("entity_id", target.EntityID), zap.Error(err))
			}
			return r
		}
		if _, ok := e.types[ent.Type]; !ok {
			return r
		}
		w.Header().Add("Vary", "Accept")
		r = r.WithContext(WithDiscoveryURL(ctx, content.WithQuery(site.EntityURL(ent), FormatParam, string(FormatMarkdown))))
		if format == FormatNone && e.tracker != nil {
			e.tracker.TrackSingle(r.Context(), ent)
		}
	case content.TargetArchive:
		if _, ok := e.taxonomies[target.Taxonomy]; !ok {
			return r
		}
		w.Header().Add("Vary", "Accept")
		if term, err := e.store.Term(ctx, target.Taxonomy, target.TermID); err == nil {
			if link := site.TermURL(term); link != "" {
				r = r.WithContext(WithDiscoveryURL(ctx, content.WithQuery(link, FormatParam, string(FormatMarkdown))))
			}
		}
		if format == FormatNone && e.tracker != nil {
			e.tracker.TrackArchive(r.Context(), target.Taxonomy)
		}
	}
	return r
}

// clientIP is the host part of RemoteAddr. Proxy headers are honored by an
// upstream RealIP middleware when configured.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
