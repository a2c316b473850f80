package converter

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/mdagent/internal/cache"
	"github.com/JakeFAU/mdagent/internal/content"
	"github.com/JakeFAU/mdagent/internal/hash/sha256"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingRenderer struct {
	calls atomic.Int32
}

func (r *countingRenderer) Render(html string) (string, error) {
	r.calls.Add(1)
	return HTMLToMarkdown(html)
}

var (
	published = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	catNews  = content.Term{ID: 3, Taxonomy: "category", Name: "News", Slug: "news", Count: 2, Description: "<p>All the news</p>"}
	catLocal = content.Term{ID: 4, Taxonomy: "category", Name: "Local", Slug: "local", ParentID: 3, Count: 1}
	tagGo    = content.Term{ID: 9, Taxonomy: "post_tag", Name: `Go "lang"`, Slug: "go", Count: 1}
)

// keyedCache remembers the keys written through it so tests can inspect what is cached.
type keyedCache struct {
	*cache.MemoryCache
	mu   sync.Mutex
	seen map[string]struct{}
}

func newKeyedCache(clock cache.Clock) *keyedCache {
	return &keyedCache{MemoryCache: cache.NewMemoryCache(clock), seen: make(map[string]struct{})}
}

func (c *keyedCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.MemoryCache.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	c.mu.Lock()
	c.seen[key] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Keys returns the live keys, sorted.
func (c *keyedCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for k := range c.seen {
		if _, ok, _ := c.MemoryCache.Get(context.Background(), k); ok {
			out = append(out, k)
			continue
		}
		delete(c.seen, k)
	}
	slices.Sort(out)
	return out
}

func (c *keyedCache) Len() int {
	return len(c.Keys())
}

type fixture struct {
	store    *content.MemoryStore
	cache    *keyedCache
	clock    *fakeClock
	renderer *countingRenderer
	conv     *Converter
}

func newFixture(t *testing.T, ttl time.Duration, pageSize int) *fixture {
	t.Helper()

	store := content.NewMemoryStore()
	store.PutTaxonomy(content.Taxonomy{Name: "category", Label: "Categories", Hierarchical: true})
	store.PutTaxonomy(content.Taxonomy{Name: "post_tag", Label: "Tags"})
	store.PutTerm(catNews)
	store.PutTerm(catLocal)
	store.PutTerm(tagGo)

	store.PutEntity(content.Entity{
		ID:          1,
		Type:        "post",
		Status:      content.StatusPublish,
		Title:       `Say "hello" \ world`,
		Content:     "<p>First paragraph.<br>Second line.</p><script>alert(1)</script><style>p{}</style>",
		AuthorName:  "Ada",
		Path:        "hello-world",
		PublishedAt: published,
		ModifiedAt:  published,
	}, catNews, tagGo)
	store.PutEntity(content.Entity{
		ID:          2,
		Type:        "post",
		Status:      content.StatusPublish,
		Title:       "Second",
		Content:     "<p>Two</p>",
		Excerpt:     "Second\nexcerpt",
		Path:        "second",
		PublishedAt: published.Add(24 * time.Hour),
		ModifiedAt:  published.Add(24 * time.Hour),
	}, catNews, catLocal)
	store.PutEntity(content.Entity{
		ID:          5,
		Type:        "product",
		Status:      content.StatusPublish,
		Title:       "Mug",
		Content:     "<p>A mug.</p>",
		Path:        "shop/mug",
		PublishedAt: published,
		ModifiedAt:  published,
		Commerce:    &content.Commerce{Price: "12.00", RegularPrice: "15.00", SalePrice: "12.00", Currency: "USD", SKU: "MUG-1", StockStatus: "instock"},
	}, catLocal)
	store.PutEntity(content.Entity{ID: 6, Type: "post", Status: "draft", Title: "Draft", Path: "draft"})
	store.PutEntity(content.Entity{ID: 7, Type: "post", Status: content.StatusPublish, Title: "Secret", Password: "pw", Path: "secret"})

	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	mc := newKeyedCache(clock)
	renderer := &countingRenderer{}
	site := content.Site{
		BaseURL:       "https://example.com",
		Name:          "Example",
		Description:   "An example site",
		ShowOnFront:   content.ShowPostsOnFront,
		PageSize:      pageSize,
		TaxonomyBases: map[string]string{"category": "category", "post_tag": "tag"},
	}
	conv, err := New(store, mc, site, Options{
		TTL:    ttl,
		Hasher: sha256.New(16),
		Render: renderer.Render,
	})
	require.NoError(t, err)

	return &fixture{store: store, cache: mc, clock: clock, renderer: renderer, conv: conv}
}

func splitFrontMatter(t *testing.T, artifact string) (map[string]any, string) {
	t.Helper()
	require.True(t, strings.HasPrefix(artifact, "---\n"))
	rest := strings.TrimPrefix(artifact, "---\n")
	idx := strings.Index(rest, "\n---")
	require.GreaterOrEqual(t, idx, 0)

	var fm map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(rest[:idx]), &fm))
	return fm, strings.TrimPrefix(rest[idx:], "\n---")
}

func TestSingleFrontMatterIsValidYAML(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour, 10)
	artifact, ok, err := f.conv.Single(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, ok)

	fm, body := splitFrontMatter(t, artifact)
	require.Equal(t, `Say "hello" \ world`, fm["title"])
	require.Equal(t, "First paragraph. Second line.", fm["description"])
	require.Equal(t, "Ada", fm["author"])
	require.Equal(t, "https://example.com/hello-world/", fm["url"])
	require.Equal(t, []any{"News"}, fm["categories"])
	require.Equal(t, []any{`Go "lang"`}, fm["tags"])
	require.Contains(t, artifact, "\ndate: 2024-05-01\n")

	require.True(t, strings.HasPrefix(body, "\n\n"))
	require.Contains(t, body, "First paragraph.\nSecond line.")
	require.NotContains(t, body, "alert")
	require.NotContains(t, body, "p{}")
}

func TestSingleExcerptAndCommerce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour, 10)
	ctx := context.Background()

	second, ok, err := f.conv.Single(ctx, 2)
	require.NoError(t, err)
	require.True(t, ok)
	fm, _ := splitFrontMatter(t, second)
	require.Equal(t, "Second excerpt", fm["description"])
	require.Equal(t, []any{"News", "Local"}, sortedAny(fm["categories"]))
	require.NotContains(t, fm, "tags")

	mug, ok, err := f.conv.Single(ctx, 5)
	require.NoError(t, err)
	require.True(t, ok)
	fm, _ = splitFrontMatter(t, mug)
	require.Equal(t, "12.00", fm["price"])
	require.Equal(t, "15.00", fm["regular_price"])
	require.Equal(t, "USD", fm["currency"])
	require.Equal(t, "MUG-1", fm["sku"])
	require.Equal(t, "instock", fm["stock_status"])
	require.Equal(t, "https://example.com/shop/mug/", fm["url"])
}

func sortedAny(v any) []any {
	items, _ := v.([]any)
	out := slices.Clone(items)
	slices.SortFunc(out, func(a, b any) int {
		return -strings.Compare(a.(string), b.(string))
	})
	return out
}

func TestSingleSecondCallServedFromCache(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour, 10)
	ctx := context.Background()

	first, ok, err := f.conv.Single(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	second, ok, err := f.conv.Single(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, first, second)
	require.Equal(t, int32(1), f.renderer.calls.Load())

	require.NoError(t, f.store.Touch(1, published.Add(time.Hour)))
	_, _, err = f.conv.Single(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int32(2), f.renderer.calls.Load(), "a new modified time must miss the cache")
}

func TestSingleZeroTTLDisablesCaching(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0, 10)
	ctx := context.Background()

	first, _, err := f.conv.Single(ctx, 1)
	require.NoError(t, err)
	second, _, err := f.conv.Single(ctx, 1)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, int32(2), f.renderer.calls.Load())
	require.Zero(t, f.cache.Len())
}

func TestSingleCacheExpires(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Minute, 10)
	ctx := context.Background()

	_, _, err := f.conv.Single(ctx, 1)
	require.NoError(t, err)
	f.clock.Advance(2 * time.Minute)
	_, _, err = f.conv.Single(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int32(2), f.renderer.calls.Load())
}

func TestSingleNotConvertible(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour, 10)
	for _, id := range []int64{404, 6, 7} {
		artifact, ok, err := f.conv.Single(context.Background(), id)
		require.NoError(t, err)
		require.False(t, ok, "entity %d", id)
		require.Empty(t, artifact)
	}
	require.Zero(t, f.renderer.calls.Load())
}

func TestInvalidatePurgesOwnEntryAndTermArchivesOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour, 1)
	ctx := context.Background()

	for _, id := range []int64{1, 2, 5} {
		_, ok, err := f.conv.Single(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
	}
	for _, page := range []int{1, 2} {
		_, ok, err := f.conv.Archive(ctx, "category", 3, page)
		require.NoError(t, err)
		require.True(t, ok)
	}
	_, ok, err := f.conv.Archive(ctx, "category", 4, 1)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = f.conv.Archive(ctx, "post_tag", 9, 1)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = f.conv.Home(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)

	entity1, err := f.store.Entity(ctx, 1)
	require.NoError(t, err)
	ownKey, err := f.conv.SingleKey(entity1)
	require.NoError(t, err)
	before := f.cache.Keys()
	require.Contains(t, before, ownKey)

	require.NoError(t, f.store.Touch(1, published.Add(time.Hour)))
	removed, err := f.conv.Invalidate(ctx, 1)
	require.NoError(t, err)

	after := f.cache.Keys()
	var gone []string
	for _, k := range before {
		if !slices.Contains(after, k) {
			gone = append(gone, k)
		}
	}
	slices.Sort(gone)

	for _, k := range gone {
		switch {
		case k == ownKey, k == entityKeyRef(1):
		case strings.HasPrefix(k, ArchivePrefix("category", 3)):
		case strings.HasPrefix(k, ArchivePrefix("post_tag", 9)):
		default:
			t.Fatalf("unexpected key purged: %s", k)
		}
	}
	for _, k := range after {
		require.False(t, strings.HasPrefix(k, ArchivePrefix("category", 3)), "stale archive key %s", k)
		require.False(t, strings.HasPrefix(k, ArchivePrefix("post_tag", 9)), "stale archive key %s", k)
		require.NotEqual(t, ownKey, k)
	}
	// own entry + 2 news pages + news helper + tag page + tag helper
	require.Equal(t, 6, removed)
	require.Len(t, after, len(before)-len(gone))
	require.Len(t, gone, 7, "removed count excludes the key reference")

	for _, id := range []int64{2, 5} {
		e, err := f.store.Entity(ctx, id)
		require.NoError(t, err)
		k, err := f.conv.SingleKey(e)
		require.NoError(t, err)
		require.Contains(t, after, k)
	}
}

func TestArchivePaginationAndSubcategories(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour, 1)
	ctx := context.Background()

	page1, ok, err := f.conv.Archive(ctx, "category", 3, 1)
	require.NoError(t, err)
	require.True(t, ok)

	fm, body := splitFrontMatter(t, page1)
	require.Equal(t, "category", fm["taxonomy"])
	require.Equal(t, "News", fm["name"])
	require.Equal(t, "All the news", fm["description"])
	require.Equal(t, "https://example.com/category/news/", fm["url"])
	require.Equal(t, 2, fm["total_items"])
	require.Equal(t, 1, fm["page"])
	require.Equal(t, 2, fm["total_pages"])

	require.Contains(t, body, "# News")
	require.Contains(t, body, "## Subcategories\n\n- [Local](https://example.com/category/local/) (1)")
	require.Contains(t, body, "- [Second](https://example.com/second/) - 2024-05-02\n  > Second excerpt\n")
	require.Contains(t, body, "[Next page](https://example.com/category/news/?format=md&paged=2)")
	require.NotContains(t, body, "Previous page")

	page2, ok, err := f.conv.Archive(ctx, "category", 3, 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, page2, `- [Say "hello" \ world](https://example.com/hello-world/) - 2024-05-01`)
	require.Contains(t, page2, "[Previous page](https://example.com/category/news/?format=md&paged=1)")
	require.NotContains(t, page2, "Next page")

	_, ok, err = f.conv.Archive(ctx, "category", 3, 3)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestArchiveCommercePriceAndFlatTaxonomy(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour, 10)
	ctx := context.Background()

	local, ok, err := f.conv.Archive(ctx, "category", 4, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, local, "- [Mug](https://example.com/shop/mug/) - 12.00 USD (was 15.00), instock")

	tag, ok, err := f.conv.Archive(ctx, "post_tag", 9, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotContains(t, tag, "Subcategories")
	fm, _ := splitFrontMatter(t, tag)
	require.Equal(t, `Go "lang"`, fm["name"])
}

func TestArchiveWithoutPermalinkOmitsLinks(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour, 1)
	f.store.PutTaxonomy(content.Taxonomy{Name: "genre", Hierarchical: true})
	jazz := content.Term{ID: 20, Taxonomy: "genre", Name: "Jazz", Slug: "jazz"}
	bebop := content.Term{ID: 21, Taxonomy: "genre", Name: "Bebop", Slug: "bebop", ParentID: 20}
	f.store.PutTerm(jazz)
	f.store.PutTerm(bebop)
	for _, id := range []int64{30, 31} {
		f.store.PutEntity(content.Entity{
			ID: id, Type: "post", Status: content.StatusPublish, Title: "Track",
			Path: "track", PublishedAt: published, ModifiedAt: published,
		}, jazz)
	}

	artifact, ok, err := f.conv.Archive(context.Background(), "genre", 20, 1)
	require.NoError(t, err)
	require.True(t, ok)
	fm, body := splitFrontMatter(t, artifact)
	require.NotContains(t, fm, "url")
	require.Contains(t, body, "- Bebop (0)")
	require.NotContains(t, body, "Next page")
}

func TestArchiveUnknownTermNotConvertible(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour, 10)
	_, ok, err := f.conv.Archive(context.Background(), "category", 999, 1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestArchiveLatestHelperReusedWithinWindow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour, 10)
	ctx := context.Background()

	first, _, err := f.conv.Archive(ctx, "category", 4, 1)
	require.NoError(t, err)

	f.store.PutEntity(content.Entity{
		ID: 40, Type: "post", Status: content.StatusPublish, Title: "Late arrival",
		Path: "late", PublishedAt: published.Add(72 * time.Hour), ModifiedAt: published.Add(72 * time.Hour),
	}, catLocal)

	cached, _, err := f.conv.Archive(ctx, "category", 4, 1)
	require.NoError(t, err)
	require.Equal(t, first, cached)

	f.clock.Advance(DefaultLatestTTL + time.Second)
	fresh, _, err := f.conv.Archive(ctx, "category", 4, 1)
	require.NoError(t, err)
	require.Contains(t, fresh, "Late arrival")
}

func TestHomeListing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour, 10)
	artifact, ok, err := f.conv.Home(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, ok)

	fm, body := splitFrontMatter(t, artifact)
	require.Equal(t, "Example", fm["title"])
	require.Equal(t, "https://example.com/", fm["url"])
	require.Equal(t, 3, fm["total_items"])
	require.Contains(t, body, "[Second](https://example.com/second/)")
	require.NotContains(t, body, "Mug")
	require.NotContains(t, body, "Draft")

	_, ok, err = f.conv.Home(context.Background(), 5)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNewValidatesDependencies(t *testing.T) {
	t.Parallel()

	store := content.NewMemoryStore()
	mc := cache.NewMemoryCache(&fakeClock{})
	_, err := New(nil, mc, content.Site{}, Options{Hasher: sha256.New(0)})
	require.Error(t, err)
	_, err = New(store, nil, content.Site{}, Options{Hasher: sha256.New(0)})
	require.Error(t, err)
	_, err = New(store, mc, content.Site{}, Options{})
	require.Error(t, err)
}
