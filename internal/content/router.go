package content

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	pathpkg "path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// TargetKind identifies which kind of page a request resolved to.
type TargetKind string

// Routing targets.
const (
	TargetNone      TargetKind = ""
	TargetFrontPage TargetKind = "front_page"
	TargetHome      TargetKind = "home"
	TargetSingular  TargetKind = "singular"
	TargetArchive   TargetKind = "archive"
)

// Target is the resolved routing target of one request.
type Target struct {
	Kind     TargetKind
	EntityID int64
	Taxonomy string
	TermID   int64
	Page     int
}

var (
	formatSuffix = regexp.MustCompile(`/?index\.(?:md|txt)$`)
	pageSuffix   = regexp.MustCompile(`(?:^|/)page/(\d+)$`)
)

// Router maps requests onto content targets the way the host site routes them.
type Router struct {
	site  Site
	store Store
}

// NewRouter creates a Router over store.
func NewRouter(site Site, store Store) *Router {
	return &Router{site: site, store: store}
}

// Site returns the site settings the router was built with.
func (r *Router) Site() Site {
	return r.site
}

// Resolve returns the routing target for req. Requests that do not map onto any
// known content resolve to TargetNone without error.
func (r *Router) Resolve(ctx context.Context, req *http.Request) (Target, error) {
	q := req.URL.Query()
	page := positiveInt(q.Get("paged"), 1)

	target, handled, err := r.resolveQuery(ctx, q, page)
	if err != nil || handled {
		return target, err
	}

	path, ok := r.relativePath(req.URL.Path)
	if !ok {
		return Target{}, nil
	}
	path = strings.Trim(formatSuffix.ReplaceAllString(path, ""), "/")
	if m := pageSuffix.FindStringSubmatch(path); m != nil {
		page = positiveInt(m[1], page)
		path = strings.Trim(strings.TrimSuffix(path, m[0]), "/")
	}

	if path == "" {
		if r.isStaticFrontPage(q) {
			return Target{Kind: TargetFrontPage, EntityID: r.site.FrontPageID, Page: 1}, nil
		}
		return Target{Kind: TargetHome, Page: page}, nil
	}
	if r.site.PlainPermalinks || isAssetPath(path) {
		return Target{}, nil
	}

	if target, ok, err := r.resolveTermPath(ctx, path, page); err != nil || ok {
		return target, err
	}

	e, err := r.store.EntityByPath(ctx, path)
	if err != nil {
		return notFoundAsNone(err)
	}
	if r.site.ShowOnFront == ShowPageOnFront {
		switch e.ID {
		case r.site.PostsPageID:
			return Target{Kind: TargetHome, Page: page}, nil
		case r.site.FrontPageID:
			return Target{Kind: TargetFrontPage, EntityID: e.ID, Page: 1}, nil
		}
	}
	return Target{Kind: TargetSingular, EntityID: e.ID, Page: 1}, nil
}

// isAssetPath reports whether the last path segment carries a file extension such
// as .css or .png. Extensions must contain a letter so version-like slugs
// ("release-2.0") still resolve as content.
func isAssetPath(p string) bool {
	ext := pathpkg.Ext(p)
	if len(ext) < 2 || len(ext) > 6 {
		return false
	}
	letter := false
	for _, c := range ext[1:] {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
			letter = true
		case c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return letter
}

func (r *Router) resolveQuery(ctx context.Context, q url.Values, page int) (Target, bool, error) {
	if id, ok := int64Param(q, "p"); ok {
		return Target{Kind: TargetSingular, EntityID: id, Page: 1}, true, nil
	}
	if id, ok := int64Param(q, "page_id"); ok {
		return Target{Kind: TargetSingular, EntityID: id, Page: 1}, true, nil
	}
	if id, ok := int64Param(q, "cat"); ok {
		return Target{Kind: TargetArchive, Taxonomy: "category", TermID: id, Page: page}, true, nil
	}
	if slug := q.Get("tag"); slug != "" {
		t, err := r.termBySlug(ctx, "post_tag", slug, page)
		return t, true, err
	}
	if tax, slug := q.Get("taxonomy"), q.Get("term"); tax != "" && slug != "" {
		t, err := r.termBySlug(ctx, tax, slug, page)
		return t, true, err
	}
	return Target{}, false, nil
}

func (r *Router) resolveTermPath(ctx context.Context, path string, page int) (Target, bool, error) {
	taxonomies := make([]string, 0, len(r.site.TaxonomyBases))
	for tax := range r.site.TaxonomyBases {
		taxonomies = append(taxonomies, tax)
	}
	sort.Strings(taxonomies)
	for _, tax := range taxonomies {
		base := strings.Trim(r.site.TaxonomyBases[tax], "/")
		if base == "" || !strings.HasPrefix(path, base+"/") {
			continue
		}
		segments := strings.Split(strings.TrimPrefix(path, base+"/"), "/")
		t, err := r.termBySlug(ctx, tax, segments[len(segments)-1], page)
		return t, true, err
	}
	return Target{}, false, nil
}

func (r *Router) termBySlug(ctx context.Context, taxonomy, slug string, page int) (Target, error) {
	t, err := r.store.TermBySlug(ctx, taxonomy, slug)
	if err != nil {
		return notFoundAsNone(err)
	}
	return Target{Kind: TargetArchive, Taxonomy: t.Taxonomy, TermID: t.ID, Page: page}, nil
}

// isStaticFrontPage is only consulted for root paths; an explicit page_id or
// pagename means the visitor asked for a specific page rather than the front page.
func (r *Router) isStaticFrontPage(q url.Values) bool {
	if !r.site.StaticFrontPage() {
		return false
	}
	return q.Get("page_id") == "" && q.Get("pagename") == ""
}

func (r *Router) relativePath(p string) (string, bool) {
	root := r.site.RootPath()
	if root == "" {
		return strings.Trim(p, "/"), true
	}
	if p == root {
		return "", true
	}
	if !strings.HasPrefix(p, root+"/") {
		return "", false
	}
	return strings.Trim(strings.TrimPrefix(p, root), "/"), true
}

func notFoundAsNone(err error) (Target, error) {
	if errors.Is(err, ErrNotFound) {
		return Target{}, nil
	}
	return Target{}, fmt.Errorf("resolve route: %w", err)
}

func int64Param(q url.Values, key string) (int64, bool) {
	v := q.Get(key)
	if v == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func positiveInt(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return def
	}
	return n
}
