// Package stats tracks HTML-side request and token estimates so they can be
// compared against the Markdown side recorded in the request log.
package stats

import (
	"context"
	"sync"
	"time"
)

// Delta is an increment applied to the persisted HTML counters.
type Delta struct {
	Requests        int64
	Tokens          int64
	ArchiveRequests int64
}

// Empty reports whether the delta changes nothing.
func (d Delta) Empty() bool {
	return d == Delta{}
}

// Snapshot is the persisted HTML side.
type Snapshot struct {
	HTMLRequests        int64     `json:"html_requests"`
	HTMLTokens          int64     `json:"html_tokens_estimated"`
	HTMLArchiveRequests int64     `json:"html_archive_requests"`
	StartedAt           time.Time `json:"started_at"`
}

// Store persists the HTML-side counters.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	// Add applies d; the first write after a reset stamps StartedAt with at.
	Add(ctx context.Context, d Delta, at time.Time) error
	// Reset clears the counters.
	Reset(ctx context.Context) error
}

// Pending accumulates one request's HTML-side increments until it is flushed.
type Pending struct {
	mu    sync.Mutex
	delta Delta
}

func (p *Pending) add(d Delta) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.delta.Requests += d.Requests
	p.delta.Tokens += d.Tokens
	p.delta.ArchiveRequests += d.ArchiveRequests
	p.mu.Unlock()
}

// Take returns the accumulated delta and clears it.
func (p *Pending) Take() Delta {
	if p == nil {
		return Delta{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.delta
	p.delta = Delta{}
	return d
}

type pendingKey struct{}

// WithPending returns a context carrying p.
func WithPending(ctx context.Context, p *Pending) context.Context {
	return context.WithValue(ctx, pendingKey{}, p)
}

// PendingFrom returns the request's accumulator, or nil when none is attached.
func PendingFrom(ctx context.Context) *Pending {
	p, _ := ctx.Value(pendingKey{}).(*Pending)
	return p
}
