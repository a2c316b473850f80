// Package requestlog persists one row per served Markdown response and answers
// the listing and aggregate queries behind the admin log views.
package requestlog

import (
	"context"
	"errors"
	"time"
)

// Request methods recorded for each entry.
const (
	MethodFormatParam  = "format_param"
	MethodAcceptHeader = "accept_header"
)

// Listing order columns.
const (
	OrderCreatedAt = "created_at"
	OrderTokens    = "tokens"
)

// MaxUserAgentLength bounds the stored User-Agent string, in characters.
const MaxUserAgentLength = 512

// ErrInvalidFilter is returned for listing filters with unknown order columns or methods.
var ErrInvalidFilter = errors.New("requestlog: invalid filter")

// Entry is one served Markdown response.
type Entry struct {
	ID        int64     `json:"id"`
	EntityID  int64     `json:"entity_id"`
	TermID    int64     `json:"term_id,omitempty"`
	Taxonomy  string    `json:"taxonomy,omitempty"`
	Method    string    `json:"request_method"`
	UserAgent string    `json:"user_agent"`
	BotName   string    `json:"bot_name"`
	BotType   string    `json:"bot_type"`
	IP        string    `json:"ip_address"`
	Tokens    int       `json:"tokens"`
	CreatedAt time.Time `json:"created_at"`
	// Title is resolved from the content store when listing; it is not stored.
	Title string `json:"title,omitempty"`
}

// Filter selects and orders entries for listing.
type Filter struct {
	// Search matches entity titles, case-insensitively.
	Search   string
	BotType  string
	BotName  string
	Method   string
	EntityID int64
	// OrderBy is OrderCreatedAt (default) or OrderTokens.
	OrderBy   string
	Ascending bool
	Limit     int
	Offset    int
}

// Validate normalizes defaults and rejects unknown order columns and methods.
func (f *Filter) Validate() error {
	switch f.OrderBy {
	case "":
		f.OrderBy = OrderCreatedAt
	case OrderCreatedAt, OrderTokens:
	default:
		return errors.Join(ErrInvalidFilter, errors.New("order_by must be created_at or tokens"))
	}
	switch f.Method {
	case "", MethodFormatParam, MethodAcceptHeader:
	default:
		return errors.Join(ErrInvalidFilter, errors.New("method must be format_param or accept_header"))
	}
	if f.Limit < 0 || f.Offset < 0 {
		return errors.Join(ErrInvalidFilter, errors.New("limit and offset must not be negative"))
	}
	return nil
}

// BotCount aggregates requests per classified bot.
type BotCount struct {
	BotName  string `json:"bot_name"`
	BotType  string `json:"bot_type"`
	Requests int64  `json:"requests"`
	Tokens   int64  `json:"tokens"`
}

// TokenSummary describes the token distribution over all entries.
type TokenSummary struct {
	Requests int64   `json:"requests"`
	Total    int64   `json:"total"`
	Average  float64 `json:"average"`
	Max      int64   `json:"max"`
}

// TopEntity ranks entities by Markdown request count.
type TopEntity struct {
	EntityID int64  `json:"entity_id"`
	Title    string `json:"title"`
	Requests int64  `json:"requests"`
	Tokens   int64  `json:"tokens"`
}

// Store persists log entries.
type Store interface {
	// Insert appends e and returns its id.
	Insert(ctx context.Context, e Entry) (int64, error)
	// List returns one page of entries matching f and the total match count.
	List(ctx context.Context, f Filter) ([]Entry, int, error)
	Count(ctx context.Context) (int64, error)
	// TrimTo deletes the oldest entries until at most maxRows remain and reports
	// how many were removed.
	TrimTo(ctx context.Context, maxRows int64) (int64, error)
	Clear(ctx context.Context) error
	BotCounts(ctx context.Context) ([]BotCount, error)
	TokenSummary(ctx context.Context) (TokenSummary, error)
	TopEntities(ctx context.Context, limit int) ([]TopEntity, error)
}
