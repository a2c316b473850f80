package converter

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/mdagent/internal/content"
)

// Archive returns the Markdown artifact of one page of a taxonomy term archive.
// ok is false when the term does not exist or page is past the last page.
func (c *Converter) Archive(ctx context.Context, taxonomy string, termID int64, page int) (string, bool, error) {
	term, err := c.store.Term(ctx, taxonomy, termID)
	if err != nil {
		return notConvertible(err)
	}
	tax, err := c.store.Taxonomy(ctx, taxonomy)
	if err != nil {
		return notConvertible(err)
	}
	page = max(page, 1)

	q := content.ListQuery{Taxonomy: taxonomy, TermID: termID}
	latest, err := c.latestModified(ctx, archiveLatestKey(taxonomy, termID), q)
	if err != nil {
		return "", false, err
	}
	d, err := c.digest(formatStamp(latest))
	if err != nil {
		return "", false, err
	}
	key := ArchivePrefix(taxonomy, termID) + "page:" + strconv.Itoa(page) + ":" + d
	if v, ok := c.lookup(ctx, KindArchive, key); ok {
		return v, true, nil
	}

	q.Limit = c.site.PageSize
	q.Offset = (page - 1) * c.site.PageSize
	entities, total, err := c.store.ListPublished(ctx, q)
	if err != nil {
		return "", false, fmt.Errorf("list archive %s/%d: %w", taxonomy, termID, err)
	}
	pages := totalPages(total, c.site.PageSize)
	if page > pages {
		return "", false, nil
	}

	termURL := c.site.TermURL(term)
	fm := newFrontMatter()
	fm.quoted("taxonomy", taxonomy)
	fm.quoted("name", term.Name)
	fm.quoted("description", plainTextTrimmed(term.Description))
	fm.quotedIf("url", termURL)
	fm.int("total_items", total)
	fm.int("page", page)
	fm.int("total_pages", pages)

	var b strings.Builder
	b.WriteString(fm.String())
	b.WriteString("\n\n# ")
	b.WriteString(term.Name)
	b.WriteString("\n")

	if tax.Hierarchical {
		children, err := c.store.ChildTerms(ctx, taxonomy, termID)
		if err != nil {
			return "", false, fmt.Errorf("list child terms: %w", err)
		}
		c.writeSubcategories(&b, children)
	}
	c.writeItems(&b, entities)
	writePagination(&b, termURL, page, pages)

	artifact := b.String()
	c.save(ctx, key, artifact)
	c.logger.Debug("rendered archive markdown",
		zap.String("taxonomy", taxonomy),
		zap.Int64("term_id", termID),
		zap.Int("page", page),
	)
	return artifact, true, nil
}

// Home returns the Markdown artifact of one page of the blog listing.
func (c *Converter) Home(ctx context.Context, page int) (string, bool, error) {
	page = max(page, 1)
	types := c.site.HomeTypes
	if len(types) == 0 {
		types = []string{"post"}
	}
	q := content.ListQuery{Types: types}

	latest, err := c.latestModified(ctx, homeLatestKey, q)
	if err != nil {
		return "", false, err
	}
	d, err := c.digest(formatStamp(latest))
	if err != nil {
		return "", false, err
	}
	key := "home:page:" + strconv.Itoa(page) + ":" + d
	if v, ok := c.lookup(ctx, KindHome, key); ok {
		return v, true, nil
	}

	q.Limit = c.site.PageSize
	q.Offset = (page - 1) * c.site.PageSize
	entities, total, err := c.store.ListPublished(ctx, q)
	if err != nil {
		return "", false, fmt.Errorf("list home: %w", err)
	}
	pages := totalPages(total, c.site.PageSize)
	if page > pages {
		return "", false, nil
	}

	homeURL := c.HomeURL(ctx)
	fm := newFrontMatter()
	fm.quoted("title", c.site.Name)
	fm.quoted("description", c.site.Description)
	fm.quoted("url", homeURL)
	fm.int("total_items", total)
	fm.int("page", page)
	fm.int("total_pages", pages)

	var b strings.Builder
	b.WriteString(fm.String())
	b.WriteString("\n\n# ")
	b.WriteString(c.site.Name)
	b.WriteString("\n")
	c.writeItems(&b, entities)
	writePagination(&b, homeURL, page, pages)

	artifact := b.String()
	c.save(ctx, key, artifact)
	return artifact, true, nil
}

// HomeURL is the blog listing URL: the posts page when a static front page is
// configured, otherwise the site root.
func (c *Converter) HomeURL(ctx context.Context) string {
	if c.site.StaticFrontPage() && c.site.PostsPageID > 0 {
		if e, err := c.store.Entity(ctx, c.site.PostsPageID); err == nil {
			return c.site.EntityURL(e)
		}
	}
	return c.site.URL("")
}

func (c *Converter) writeSubcategories(b *strings.Builder, children []content.Term) {
	if len(children) == 0 {
		return
	}
	b.WriteString("\n## Subcategories\n\n")
	for _, t := range children {
		if u := c.site.TermURL(t); u != "" {
			fmt.Fprintf(b, "- [%s](%s) (%d)\n", escapeLinkText(t.Name), u, t.Count)
			continue
		}
		fmt.Fprintf(b, "- %s (%d)\n", t.Name, t.Count)
	}
}

func (c *Converter) writeItems(b *strings.Builder, entities []content.Entity) {
	b.WriteString("\n")
	if len(entities) == 0 {
		b.WriteString("No published items.\n")
		return
	}
	for _, e := range entities {
		fmt.Fprintf(b, "- [%s](%s) - %s\n", escapeLinkText(e.Title), c.site.EntityURL(e), itemDetail(e))
		if e.Excerpt != "" && !e.PasswordProtected() {
			fmt.Fprintf(b, "  > %s\n", strings.Join(strings.Fields(plainText(e.Excerpt)), " "))
		}
	}
}

// itemDetail is the publish date, or the price line for commerce entities.
func itemDetail(e content.Entity) string {
	cm := e.Commerce
	if cm == nil || cm.Price == "" {
		return e.PublishedAt.Format("2006-01-02")
	}
	price := strings.TrimSpace(cm.Price + " " + cm.Currency)
	if cm.SalePrice != "" && cm.RegularPrice != "" && cm.SalePrice != cm.RegularPrice {
		price += " (was " + cm.RegularPrice + ")"
	}
	if cm.StockStatus != "" {
		price += ", " + cm.StockStatus
	}
	return price
}

// writePagination appends previous/next links. Without a base URL the links are omitted.
func writePagination(b *strings.Builder, baseURL string, page, pages int) {
	if pages <= 1 || baseURL == "" {
		return
	}
	var links []string
	if page > 1 {
		links = append(links, "[Previous page]("+pageURL(baseURL, page-1)+")")
	}
	if page < pages {
		links = append(links, "[Next page]("+pageURL(baseURL, page+1)+")")
	}
	b.WriteString("\n")
	b.WriteString(strings.Join(links, " | "))
	b.WriteString("\n")
}

func pageURL(baseURL string, page int) string {
	return content.WithQuery(baseURL, "format", "md", "paged", strconv.Itoa(page))
}

func escapeLinkText(s string) string {
	r := strings.NewReplacer(`[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}

func plainTextTrimmed(html string) string {
	if html == "" {
		return ""
	}
	return strings.Join(strings.Fields(plainText(html)), " ")
}
