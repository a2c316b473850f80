// Package converter produces Markdown artifacts (YAML front matter plus body) for
// single entities, taxonomy archives and the blog listing, and caches them under
// content-addressed keys.
package converter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/mdagent/internal/cache"
	"github.com/JakeFAU/mdagent/internal/content"
	"github.com/JakeFAU/mdagent/internal/metrics"
)

// Artifact kinds, used as metric labels and cache key namespaces.
const (
	KindSingle  = "single"
	KindArchive = "archive"
	KindHome    = "home"
)

const (
	// DefaultLatestTTL bounds how long an archive's newest-member timestamp is reused.
	DefaultLatestTTL = 5 * time.Minute
	defaultPageSize  = 10
	excerptWords     = 55
)

// Hasher produces a stable digest of data.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Options configures a Converter.
type Options struct {
	// TTL of cached artifacts; zero disables caching entirely.
	TTL time.Duration
	// LatestTTL of the archive newest-member helper entries. Defaults to DefaultLatestTTL.
	LatestTTL time.Duration
	Hasher    Hasher
	// Render converts entity HTML to Markdown. Defaults to HTMLToMarkdown.
	Render RenderFunc
	Logger *zap.Logger
}

// Converter builds and caches Markdown artifacts.
type Converter struct {
	store     content.Store
	cache     cache.Cache
	site      content.Site
	hasher    Hasher
	render    RenderFunc
	ttl       time.Duration
	latestTTL time.Duration
	logger    *zap.Logger
}

// New wires a Converter over store and c.
func New(store content.Store, c cache.Cache, site content.Site, opts Options) (*Converter, error) {
	if store == nil {
		return nil, errors.New("converter: content store is required")
	}
	if c == nil {
		return nil, errors.New("converter: cache is required")
	}
	if opts.Hasher == nil {
		return nil, errors.New("converter: hasher is required")
	}
	if opts.Render == nil {
		opts.Render = HTMLToMarkdown
	}
	if opts.LatestTTL <= 0 {
		opts.LatestTTL = DefaultLatestTTL
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if site.PageSize <= 0 {
		site.PageSize = defaultPageSize
	}
	return &Converter{
		store:     store,
		cache:     c,
		site:      site,
		hasher:    opts.Hasher,
		render:    opts.Render,
		ttl:       opts.TTL,
		latestTTL: opts.LatestTTL,
		logger:    opts.Logger,
	}, nil
}

func (c *Converter) cachingEnabled() bool {
	return c.ttl > 0
}

// lookup returns a cached artifact for key when caching is enabled.
func (c *Converter) lookup(ctx context.Context, kind, key string) (string, bool) {
	if !c.cachingEnabled() {
		return "", false
	}
	v, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return "", false
	}
	metrics.ObserveCacheLookup(kind, ok)
	return v, ok
}

// save writes an artifact; failures are logged and the artifact is still served.
func (c *Converter) save(ctx context.Context, key, value string) {
	if !c.cachingEnabled() {
		return
	}
	if err := c.cache.Set(ctx, key, value, c.ttl); err != nil {
		c.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *Converter) digest(s string) (string, error) {
	sum, err := c.hasher.Hash([]byte(s))
	if err != nil {
		return "", fmt.Errorf("hash cache key: %w", err)
	}
	return sum, nil
}

func formatStamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// SingleKey is the cache key of an entity's artifact at its current modification time.
func (c *Converter) SingleKey(e content.Entity) (string, error) {
	d, err := c.digest(formatStamp(e.ModifiedAt))
	if err != nil {
		return "", err
	}
	return "single:" + strconv.FormatInt(e.ID, 10) + ":" + d, nil
}

// entityKeyRef stores the last cache key written for an entity.
func entityKeyRef(id int64) string {
	return "entity:" + strconv.FormatInt(id, 10) + ":key"
}

// ArchivePrefix is shared by every page and helper entry of one term archive.
func ArchivePrefix(taxonomy string, termID int64) string {
	return "archive:" + taxonomy + ":" + strconv.FormatInt(termID, 10) + ":"
}

func archiveLatestKey(taxonomy string, termID int64) string {
	return ArchivePrefix(taxonomy, termID) + "latest"
}

const homeLatestKey = "home:latest"

// latestModified returns the newest modified time matching q, reusing a cached
// value for up to latestTTL.
func (c *Converter) latestModified(ctx context.Context, helperKey string, q content.ListQuery) (time.Time, error) {
	if c.cachingEnabled() {
		if v, ok, err := c.cache.Get(ctx, helperKey); err == nil && ok {
			if t, perr := time.Parse(time.RFC3339Nano, v); perr == nil {
				return t, nil
			}
		}
	}
	latest, err := c.store.LatestModified(ctx, q)
	if err != nil {
		return time.Time{}, fmt.Errorf("latest modified: %w", err)
	}
	if c.cachingEnabled() {
		if err := c.cache.Set(ctx, helperKey, formatStamp(latest), c.latestTTL); err != nil {
			c.logger.Warn("cache write failed", zap.String("key", helperKey), zap.Error(err))
		}
	}
	return latest, nil
}

// Invalidate purges the artifact recorded for an entity and every cached page of
// each archive the entity currently belongs to. It returns the number of cache
// entries removed.
func (c *Converter) Invalidate(ctx context.Context, entityID int64) (int, error) {
	removed := 0
	ref := entityKeyRef(entityID)
	old, ok, err := c.cache.Get(ctx, ref)
	if err != nil {
		return 0, fmt.Errorf("read cache key reference: %w", err)
	}
	if ok {
		if err := c.cache.Delete(ctx, old, ref); err != nil {
			return 0, fmt.Errorf("delete entity artifact: %w", err)
		}
		removed++
	}

	terms, err := c.store.EntityTerms(ctx, entityID)
	if err != nil {
		return removed, fmt.Errorf("list entity terms: %w", err)
	}
	for _, t := range terms {
		n, err := c.cache.DeletePrefix(ctx, ArchivePrefix(t.Taxonomy, t.ID))
		if err != nil {
			return removed, fmt.Errorf("purge archive %s/%d: %w", t.Taxonomy, t.ID, err)
		}
		removed += n
	}
	c.logger.Debug("invalidated entity artifacts",
		zap.Int64("entity_id", entityID),
		zap.Int("terms", len(terms)),
		zap.Int("removed", removed),
	)
	return removed, nil
}

func notConvertible(err error) (string, bool, error) {
	if errors.Is(err, content.ErrNotFound) {
		return "", false, nil
	}
	return "", false, err
}

func totalPages(total, size int) int {
	if total <= 0 {
		return 1
	}
	return (total + size - 1) / size
}

func isNotFound(err error) bool {
	return errors.Is(err, content.ErrNotFound)
}
