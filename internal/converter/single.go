package converter

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/mdagent/internal/content"
)

// Single returns the Markdown artifact of one entity. ok is false when the entity
// does not exist, is not published, or is password protected.
func (c *Converter) Single(ctx context.Context, id int64) (string, bool, error) {
	e, err := c.store.Entity(ctx, id)
	if err != nil {
		return notConvertible(err)
	}
	if !e.Published() || e.PasswordProtected() {
		return "", false, nil
	}

	key, err := c.SingleKey(e)
	if err != nil {
		return "", false, err
	}
	if v, ok := c.lookup(ctx, KindSingle, key); ok {
		return v, true, nil
	}

	artifact, err := c.renderSingle(ctx, e)
	if err != nil {
		return "", false, err
	}
	c.save(ctx, key, artifact)
	if c.cachingEnabled() {
		if err := c.cache.Set(ctx, entityKeyRef(e.ID), key, 0); err != nil {
			c.logger.Warn("record cache key failed", zap.Int64("entity_id", e.ID), zap.Error(err))
		}
	}
	return artifact, true, nil
}

func (c *Converter) renderSingle(ctx context.Context, e content.Entity) (string, error) {
	body, err := c.render(e.Content)
	if err != nil {
		return "", fmt.Errorf("render entity %d: %w", e.ID, err)
	}
	fm, err := c.singleFrontMatter(ctx, e)
	if err != nil {
		return "", err
	}
	c.logger.Debug("rendered entity markdown", zap.Int64("entity_id", e.ID), zap.Int("bytes", len(body)))
	return fm + "\n\n" + body, nil
}

func (c *Converter) singleFrontMatter(ctx context.Context, e content.Entity) (string, error) {
	description := e.Excerpt
	if description == "" {
		description = trimWords(e.Content, excerptWords)
	}

	fm := newFrontMatter()
	fm.quoted("title", e.Title)
	fm.quoted("description", description)
	fm.raw("date", e.PublishedAt.Format("2006-01-02"))
	fm.quoted("author", e.AuthorName)
	fm.quoted("url", c.site.EntityURL(e))

	if cm := e.Commerce; cm != nil {
		fm.quotedIf("price", cm.Price)
		fm.quotedIf("regular_price", cm.RegularPrice)
		fm.quotedIf("sale_price", cm.SalePrice)
		fm.quotedIf("currency", cm.Currency)
		fm.quotedIf("sku", cm.SKU)
		fm.quotedIf("stock_status", cm.StockStatus)
	}

	categories, tags, err := c.termNames(ctx, e.ID)
	if err != nil {
		return "", err
	}
	fm.list("categories", categories)
	fm.list("tags", tags)
	return fm.String(), nil
}

// termNames splits an entity's terms into hierarchical and flat taxonomies.
func (c *Converter) termNames(ctx context.Context, entityID int64) ([]string, []string, error) {
	terms, err := c.store.EntityTerms(ctx, entityID)
	if err != nil {
		return nil, nil, fmt.Errorf("list entity terms: %w", err)
	}
	hierarchical := make(map[string]bool)
	var categories, tags []string
	for _, t := range terms {
		h, seen := hierarchical[t.Taxonomy]
		if !seen {
			tax, err := c.store.Taxonomy(ctx, t.Taxonomy)
			switch {
			case err == nil:
				h = tax.Hierarchical
			case isNotFound(err):
				h = false
			default:
				return nil, nil, fmt.Errorf("load taxonomy %q: %w", t.Taxonomy, err)
			}
			hierarchical[t.Taxonomy] = h
		}
		if h {
			categories = append(categories, t.Name)
		} else {
			tags = append(tags, t.Name)
		}
	}
	return categories, tags, nil
}
