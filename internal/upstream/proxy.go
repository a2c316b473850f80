// Package upstream proxies HTML requests to the origin site and advertises the
// Markdown alternate in eligible pages.
package upstream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/mdagent/internal/metrics"
	"github.com/JakeFAU/mdagent/internal/negotiation"
)

// DefaultMaxInjectBytes bounds the HTML bodies that are rewritten in memory.
const DefaultMaxInjectBytes = 4 << 20

// Options configures the proxy.
type Options struct {
	// URL of the HTML origin. Empty disables proxying; requests receive 404.
	URL            string
	Timeout        time.Duration
	MaxInjectBytes int64
	// DisableDiscovery leaves HTML bodies untouched.
	DisableDiscovery bool
	Transport        http.RoundTripper
	Logger           *zap.Logger
}

// Proxy forwards requests to the origin.
type Proxy struct {
	target    *url.URL
	rp        *httputil.ReverseProxy
	maxInject int64
	discovery bool
	logger    *zap.Logger
}

// New builds a Proxy.
func New(opts Options) (*Proxy, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxInjectBytes <= 0 {
		opts.MaxInjectBytes = DefaultMaxInjectBytes
	}
	p := &Proxy{maxInject: opts.MaxInjectBytes, discovery: !opts.DisableDiscovery, logger: opts.Logger}
	if opts.URL == "" {
		return p, nil
	}

	target, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("upstream url must be http or https, got %q", opts.URL)
	}
	p.target = target

	transport := opts.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		if opts.Timeout > 0 {
			t.ResponseHeaderTimeout = opts.Timeout
		}
		transport = t
	}
	p.rp = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Host = pr.In.Host
		},
		Transport:      transport,
		ModifyResponse: p.modifyResponse,
		ErrorHandler:   p.errorHandler,
	}
	return p, nil
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.rp == nil {
		http.NotFound(w, r)
		return
	}
	p.rp.ServeHTTP(w, r)
}

func (p *Proxy) modifyResponse(resp *http.Response) error {
	metrics.ObserveUpstream(p.target.String(), resp.StatusCode)

	if !p.discovery {
		return nil
	}
	href, ok := negotiation.DiscoveryURL(resp.Request.Context())
	if !ok || !injectable(resp) {
		return nil
	}

	buf, err := io.ReadAll(io.LimitReader(resp.Body, p.maxInject+1))
	if err != nil {
		return fmt.Errorf("read upstream body: %w", err)
	}
	if int64(len(buf)) > p.maxInject {
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(buf), resp.Body), resp.Body}
		return nil
	}
	if err := resp.Body.Close(); err != nil {
		p.logger.Debug("failed to close upstream body", zap.Error(err))
	}

	out, injected, err := InjectDiscovery(buf, href)
	if err != nil {
		p.logger.Warn("discovery injection failed", zap.String("url", href), zap.Error(err))
		out = buf
	}
	if injected {
		metrics.ObserveDiscoveryInjected()
	}
	resp.Body = io.NopCloser(bytes.NewReader(out))
	resp.ContentLength = int64(len(out))
	resp.Header.Set("Content-Length", strconv.Itoa(len(out)))
	return nil
}

func (p *Proxy) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	p.logger.Error("upstream request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	metrics.ObserveUpstream(p.target.String(), http.StatusBadGateway)
	w.WriteHeader(http.StatusBadGateway)
}

func injectable(resp *http.Response) bool {
	if resp.StatusCode != http.StatusOK || resp.Request.Method == http.MethodHead {
		return false
	}
	if enc := resp.Header.Get("Content-Encoding"); enc != "" && !strings.EqualFold(enc, "identity") {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return err == nil && mediaType == "text/html"
}

// InjectDiscovery appends the Markdown alternate link to the document head. The
// document is returned unchanged when it has no head or already advertises one.
func InjectDiscovery(page []byte, href string) ([]byte, bool, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, false, fmt.Errorf("parse html: %w", err)
	}
	head := doc.Find("head").First()
	if head.Length() == 0 {
		return page, false, nil
	}
	if head.Find(`link[rel="alternate"][type="text/markdown"]`).Length() > 0 {
		return page, false, nil
	}
	head.AppendHtml(fmt.Sprintf(`<link rel="alternate" type="text/markdown" href="%s" title="Markdown"/>`, escapeAttr(href)))

	rendered, err := goquery.OuterHtml(doc.Selection)
	if err != nil {
		return nil, false, fmt.Errorf("render html: %w", err)
	}
	if rendered == "" {
		return nil, false, errors.New("render html: empty document")
	}
	return []byte(rendered), true, nil
}

var attrEscaper = strings.NewReplacer(`&`, "&amp;", `"`, "&quot;", `<`, "&lt;", `>`, "&gt;")

func escapeAttr(s string) string {
	return attrEscaper.Replace(s)
}
