// Package content is a read-only view of the host site's content store: entities
// (posts, pages, products), taxonomy terms, and the routing rules that map request
// paths onto them.
package content

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/mdagent/internal/signals"
)

// ErrNotFound is returned when an entity, term, or taxonomy does not exist.
var ErrNotFound = errors.New("content: not found")

// StatusPublish marks entities visible to anonymous visitors.
const StatusPublish = "publish"

// Commerce holds structured shop fields for entities owned by a commerce extension.
type Commerce struct {
	Price        string `json:"price,omitempty" yaml:"price"`
	RegularPrice string `json:"regular_price,omitempty" yaml:"regular_price"`
	SalePrice    string `json:"sale_price,omitempty" yaml:"sale_price"`
	Currency     string `json:"currency,omitempty" yaml:"currency"`
	SKU          string `json:"sku,omitempty" yaml:"sku"`
	StockStatus  string `json:"stock_status,omitempty" yaml:"stock_status"`
}

// Empty reports whether no commerce field is set.
func (c Commerce) Empty() bool {
	return c == Commerce{}
}

// Entity is a single post, page, or product.
type Entity struct {
	ID          int64             `json:"id" yaml:"id"`
	Type        string            `json:"type" yaml:"type"`
	Status      string            `json:"status" yaml:"status"`
	Title       string            `json:"title" yaml:"title"`
	Content     string            `json:"content" yaml:"content"`
	Excerpt     string            `json:"excerpt,omitempty" yaml:"excerpt"`
	AuthorName  string            `json:"author_name,omitempty" yaml:"author"`
	Password    string            `json:"-" yaml:"password"`
	Path        string            `json:"path" yaml:"path"`
	PublishedAt time.Time         `json:"published_at" yaml:"published_at"`
	ModifiedAt  time.Time         `json:"modified_at" yaml:"modified_at"`
	Commerce    *Commerce         `json:"commerce,omitempty" yaml:"commerce"`
	Signals     signals.Overrides `json:"signals" yaml:"signals"`
}

// PasswordProtected reports whether the entity requires a password to view.
func (e Entity) PasswordProtected() bool {
	return e.Password != ""
}

// Published reports whether anonymous visitors may see the entity.
func (e Entity) Published() bool {
	return e.Status == StatusPublish
}

// Term is a taxonomy term (category, tag, product category, ...).
type Term struct {
	ID          int64             `json:"id" yaml:"id"`
	Taxonomy    string            `json:"taxonomy" yaml:"taxonomy"`
	Name        string            `json:"name" yaml:"name"`
	Slug        string            `json:"slug" yaml:"slug"`
	Description string            `json:"description,omitempty" yaml:"description"`
	ParentID    int64             `json:"parent_id,omitempty" yaml:"parent"`
	Count       int               `json:"count" yaml:"count"`
	Path        string            `json:"path,omitempty" yaml:"path"`
	Signals     signals.Overrides `json:"signals" yaml:"signals"`
}

// Taxonomy describes a classification scheme.
type Taxonomy struct {
	Name         string `json:"name" yaml:"name"`
	Label        string `json:"label" yaml:"label"`
	Hierarchical bool   `json:"hierarchical" yaml:"hierarchical"`
}

// ListQuery selects published entities, newest first.
type ListQuery struct {
	// Types restricts entity types; empty means any type.
	Types []string
	// Taxonomy and TermID restrict results to members of one term when TermID > 0.
	Taxonomy string
	TermID   int64
	Offset   int
	Limit    int
}

// Store is the read interface over the host content store.
type Store interface {
	Entity(ctx context.Context, id int64) (Entity, error)
	EntityByPath(ctx context.Context, path string) (Entity, error)
	Term(ctx context.Context, taxonomy string, id int64) (Term, error)
	TermBySlug(ctx context.Context, taxonomy, slug string) (Term, error)
	Taxonomy(ctx context.Context, name string) (Taxonomy, error)
	EntityTerms(ctx context.Context, entityID int64) ([]Term, error)
	ChildTerms(ctx context.Context, taxonomy string, parentID int64) ([]Term, error)
	// ListPublished returns one page of matching entities and the total match count.
	ListPublished(ctx context.Context, q ListQuery) ([]Entity, int, error)
	// LatestModified returns the newest modified timestamp among matching entities,
	// or the zero time when nothing matches.
	LatestModified(ctx context.Context, q ListQuery) (time.Time, error)
}
