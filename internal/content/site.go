package content

import (
	"net/url"
	"strconv"
	"strings"
)

// Front-page display modes.
const (
	ShowPostsOnFront = "posts"
	ShowPageOnFront  = "page"
)

// Site captures the host site's reading and permalink settings.
type Site struct {
	BaseURL         string
	Name            string
	Description     string
	ShowOnFront     string
	FrontPageID     int64
	PostsPageID     int64
	PageSize        int
	PlainPermalinks bool
	// TaxonomyBases maps a taxonomy name to its URL base segment, e.g. post_tag -> tag.
	TaxonomyBases map[string]string
	// HomeTypes lists the entity types shown on the blog listing.
	HomeTypes []string
}

// StaticFrontPage reports whether the root URL shows a page instead of the listing.
func (s Site) StaticFrontPage() bool {
	return s.ShowOnFront == ShowPageOnFront && s.FrontPageID > 0
}

// RootPath is the URL path of the site root without a trailing slash ("" at the domain root).
func (s Site) RootPath() string {
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return ""
	}
	return strings.TrimRight(u.Path, "/")
}

// URL builds an absolute URL for a site-relative path, with a trailing slash.
func (s Site) URL(path string) string {
	base := strings.TrimRight(s.BaseURL, "/")
	path = strings.Trim(path, "/")
	if path == "" {
		return base + "/"
	}
	return base + "/" + path + "/"
}

// EntityURL returns the permalink of e.
func (s Site) EntityURL(e Entity) string {
	if s.StaticFrontPage() && e.ID == s.FrontPageID {
		return s.URL("")
	}
	if s.PlainPermalinks || e.Path == "" {
		param := "p"
		if e.Type == "page" {
			param = "page_id"
		}
		return WithQuery(s.URL(""), param, strconv.FormatInt(e.ID, 10))
	}
	return s.URL(e.Path)
}

// TermURL returns the permalink of t, or "" when the term has no valid link.
func (s Site) TermURL(t Term) string {
	if s.PlainPermalinks {
		switch t.Taxonomy {
		case "category":
			return WithQuery(s.URL(""), "cat", strconv.FormatInt(t.ID, 10))
		case "post_tag":
			return WithQuery(s.URL(""), "tag", t.Slug)
		default:
			if t.Slug == "" {
				return ""
			}
			return WithQuery(s.URL(""), "taxonomy", t.Taxonomy, "term", t.Slug)
		}
	}
	if t.Path != "" {
		return s.URL(t.Path)
	}
	base, ok := s.TaxonomyBases[t.Taxonomy]
	if !ok || t.Slug == "" {
		return ""
	}
	return s.URL(base + "/" + t.Slug)
}

// WithQuery returns rawURL with the given key/value pairs set in its query string.
// Malformed URLs are returned unchanged.
func WithQuery(rawURL string, kv ...string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for i := 0; i+1 < len(kv); i += 2 {
		q.Set(kv[i], kv[i+1])
	}
	u.RawQuery = q.Encode()
	return u.String()
}
