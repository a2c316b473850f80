package stats

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/mdagent/internal/cache"
	"github.com/JakeFAU/mdagent/internal/content"
	"github.com/JakeFAU/mdagent/internal/tokens"
)

// Hasher produces a stable digest of data.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// TrackerOptions configures a Tracker.
type TrackerOptions struct {
	// Types and Taxonomies are the Markdown-enabled entity types and taxonomies.
	Types      []string
	Taxonomies []string
	// SampleRate tracks one request in SampleRate and weights it by SampleRate.
	// Values <= 1 track every request.
	SampleRate int
	// Sample reports whether a request should be tracked at the given rate.
	Sample func(rate int) bool
	Hasher Hasher
	Clock  cache.Clock
	Logger *zap.Logger
}

// Tracker accumulates HTML-side estimates for requests that did not receive Markdown.
type Tracker struct {
	store      Store
	cache      cache.Cache
	content    content.Store
	types      map[string]struct{}
	taxonomies map[string]struct{}
	rate       int
	sample     func(int) bool
	hasher     Hasher
	clock      cache.Clock
	logger     *zap.Logger
}

// NewTracker builds a Tracker. The cache holds per-entity HTML token estimates.
func NewTracker(store Store, c cache.Cache, cs content.Store, opts TrackerOptions) (*Tracker, error) {
	if store == nil || c == nil || cs == nil {
		return nil, errors.New("stats: store, cache and content store are required")
	}
	if opts.Hasher == nil {
		return nil, errors.New("stats: hasher is required")
	}
	if opts.Clock == nil {
		return nil, errors.New("stats: clock is required")
	}
	if opts.Sample == nil {
		opts.Sample = randomSample
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Tracker{
		store:      store,
		cache:      c,
		content:    cs,
		types:      toSet(opts.Types),
		taxonomies: toSet(opts.Taxonomies),
		rate:       opts.SampleRate,
		sample:     opts.Sample,
		hasher:     opts.Hasher,
		clock:      opts.Clock,
		logger:     opts.Logger,
	}, nil
}

// Middleware attaches a Pending accumulator to each request and flushes it once the
// wrapped handler returns.
func (t *Tracker) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := &Pending{}
		next.ServeHTTP(w, r.WithContext(WithPending(r.Context(), p)))
		if err := t.Flush(context.WithoutCancel(r.Context()), p); err != nil {
			t.logger.Warn("failed to flush html stats", zap.Error(err))
		}
	})
}

// Flush writes the accumulated delta. Nothing is written when the delta is empty.
func (t *Tracker) Flush(ctx context.Context, p *Pending) error {
	d := p.Take()
	if d.Empty() {
		return nil
	}
	return t.store.Add(ctx, d, t.clock.Now())
}

// TrackSingle records an HTML view of e against the request's accumulator.
func (t *Tracker) TrackSingle(ctx context.Context, e content.Entity) {
	p := PendingFrom(ctx)
	if p == nil {
		return
	}
	if _, ok := t.types[e.Type]; !ok {
		return
	}
	weight, ok := t.weight()
	if !ok {
		return
	}
	n, err := t.htmlTokens(ctx, e)
	if err != nil {
		t.logger.Warn("failed to estimate html tokens", zap.Int64("entity_id", e.ID), zap.Error(err))
		return
	}
	p.add(Delta{Requests: weight, Tokens: weight * int64(n)})
}

// TrackArchive records an HTML view of an archive in taxonomy.
func (t *Tracker) TrackArchive(ctx context.Context, taxonomy string) {
	p := PendingFrom(ctx)
	if p == nil {
		return
	}
	if _, ok := t.taxonomies[taxonomy]; !ok {
		return
	}
	weight, ok := t.weight()
	if !ok {
		return
	}
	p.add(Delta{ArchiveRequests: weight})
}

// EstimateOnSave refreshes the stored HTML token estimate after an entity changes.
// Unpublished entities and disabled types are skipped.
func (t *Tracker) EstimateOnSave(ctx context.Context, id int64) error {
	e, err := t.content.Entity(ctx, id)
	if errors.Is(err, content.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load entity %d: %w", id, err)
	}
	if !e.Published() {
		return nil
	}
	if _, ok := t.types[e.Type]; !ok {
		return nil
	}
	if _, err := t.cache.DeletePrefix(ctx, tokensPrefix(id)); err != nil {
		return fmt.Errorf("failed to drop stale estimates: %w", err)
	}
	_, err = t.htmlTokens(ctx, e)
	return err
}

func (t *Tracker) weight() (int64, bool) {
	if t.rate <= 1 {
		return 1, true
	}
	if !t.sample(t.rate) {
		return 0, false
	}
	return int64(t.rate), true
}

func (t *Tracker) htmlTokens(ctx context.Context, e content.Entity) (int, error) {
	digest, err := t.hasher.Hash([]byte(e.ModifiedAt.UTC().Format(time.RFC3339Nano)))
	if err != nil {
		return 0, fmt.Errorf("failed to hash modified time: %w", err)
	}
	key := tokensPrefix(e.ID) + digest
	if v, ok, err := t.cache.Get(ctx, key); err == nil && ok {
		if n, convErr := strconv.Atoi(v); convErr == nil {
			return n, nil
		}
	}
	n := tokens.Estimate(e.Content)
	if err := t.cache.Set(ctx, key, strconv.Itoa(n), 0); err != nil {
		t.logger.Warn("failed to cache html token estimate", zap.String("key", key), zap.Error(err))
	}
	return n, nil
}

func tokensPrefix(id int64) string {
	return "html_tokens:" + strconv.FormatInt(id, 10) + ":"
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func randomSample(rate int) bool {
	return rand.IntN(rate) == 0 //nolint:gosec // sampling, not security
}
