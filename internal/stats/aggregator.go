package stats

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/JakeFAU/mdagent/internal/requestlog"
)

// Side summarizes requests and tokens for one representation.
type Side struct {
	Requests      int64   `json:"requests"`
	Tokens        int64   `json:"tokens"`
	AverageTokens float64 `json:"average_tokens"`
}

// Summary compares the HTML and Markdown sides.
type Summary struct {
	HTML                Side  `json:"html"`
	HTMLArchiveRequests int64 `json:"html_archive_requests"`
	Markdown            Side  `json:"markdown"`

	// SavingsPercent is nil until both sides have a non-zero average.
	SavingsPercent *float64   `json:"savings_percent"`
	StartedAt      *time.Time `json:"started_at"`
}

// Aggregator merges persisted HTML counters with the request log.
type Aggregator struct {
	stats Store
	log   requestlog.Store
}

// NewAggregator creates an Aggregator.
func NewAggregator(stats Store, log requestlog.Store) *Aggregator {
	return &Aggregator{stats: stats, log: log}
}

// Summary loads both sides and derives averages and savings.
func (a *Aggregator) Summary(ctx context.Context) (Summary, error) {
	snap, err := a.stats.Load(ctx)
	if err != nil {
		return Summary{}, err
	}
	md, err := a.log.TokenSummary(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to summarize request log: %w", err)
	}

	out := Summary{
		HTML:                Side{Requests: snap.HTMLRequests, Tokens: snap.HTMLTokens},
		HTMLArchiveRequests: snap.HTMLArchiveRequests,
		Markdown:            Side{Requests: md.Requests, Tokens: md.Total},
	}
	out.HTML.AverageTokens = average(out.HTML)
	out.Markdown.AverageTokens = average(out.Markdown)
	if out.HTML.AverageTokens > 0 && out.Markdown.AverageTokens > 0 {
		s := math.Round((1-out.Markdown.AverageTokens/out.HTML.AverageTokens)*1000) / 10
		out.SavingsPercent = &s
	}
	if !snap.StartedAt.IsZero() {
		started := snap.StartedAt
		out.StartedAt = &started
	}
	return out, nil
}

// Reset clears the HTML side. The request log is left untouched.
func (a *Aggregator) Reset(ctx context.Context) error {
	return a.stats.Reset(ctx)
}

func average(s Side) float64 {
	if s.Requests == 0 {
		return 0
	}
	return float64(s.Tokens) / float64(s.Requests)
}
