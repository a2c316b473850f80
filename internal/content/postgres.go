package content

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryCloser interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore reads content from the host's Postgres schema.
//
// Expected tables:
//
//	content_entities(id, type, status, title, content, excerpt, author_name, password, path,
//	                 published_at, modified_at, signal_ai_train, signal_search, signal_ai_input,
//	                 price, regular_price, sale_price, currency, sku, stock_status)
//	content_terms(id, taxonomy, name, slug, description, parent_id, count, path,
//	              signal_ai_train, signal_search, signal_ai_input)
//	content_taxonomies(name, label, hierarchical)
//	content_entity_terms(entity_id, taxonomy, term_id)
type PostgresStore struct {
	pool queryCloser
}

// NewPostgresStore connects a pool to dsn.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("content dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect content postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewPostgresStoreWithPool(pool queryCloser) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const entityColumns = `e.id, e.type, e.status, e.title, e.content, e.excerpt, e.author_name, e.password, e.path,
	e.published_at, e.modified_at, e.signal_ai_train, e.signal_search, e.signal_ai_input,
	e.price, e.regular_price, e.sale_price, e.currency, e.sku, e.stock_status`

const termColumns = `t.id, t.taxonomy, t.name, t.slug, t.description, t.parent_id, t.count, t.path,
	t.signal_ai_train, t.signal_search, t.signal_ai_input`

const listFilter = `e.status = 'publish'
	AND ($1::text[] IS NULL OR cardinality($1::text[]) = 0 OR e.type = ANY($1::text[]))
	AND ($2::bigint = 0 OR EXISTS (
		SELECT 1 FROM content_entity_terms et
		WHERE et.entity_id = e.id AND et.taxonomy = $3 AND et.term_id = $2
	))`

// Entity implements Store.
func (s *PostgresStore) Entity(ctx context.Context, id int64) (Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM content_entities e WHERE e.id = $1`
	e, err := scanEntity(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return Entity{}, wrapNoRows(err, "get entity")
	}
	return e, nil
}

// EntityByPath implements Store.
func (s *PostgresStore) EntityByPath(ctx context.Context, path string) (Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM content_entities e
		WHERE btrim(e.path, '/') = $1
		ORDER BY e.id
		LIMIT 1`
	e, err := scanEntity(s.pool.QueryRow(ctx, query, normalizePath(path)))
	if err != nil {
		return Entity{}, wrapNoRows(err, "get entity by path")
	}
	return e, nil
}

// Term implements Store.
func (s *PostgresStore) Term(ctx context.Context, taxonomy string, id int64) (Term, error) {
	query := `SELECT ` + termColumns + ` FROM content_terms t WHERE t.taxonomy = $1 AND t.id = $2`
	t, err := scanTerm(s.pool.QueryRow(ctx, query, taxonomy, id))
	if err != nil {
		return Term{}, wrapNoRows(err, "get term")
	}
	return t, nil
}

// TermBySlug implements Store.
func (s *PostgresStore) TermBySlug(ctx context.Context, taxonomy, slug string) (Term, error) {
	query := `SELECT ` + termColumns + ` FROM content_terms t WHERE t.taxonomy = $1 AND t.slug = $2`
	t, err := scanTerm(s.pool.QueryRow(ctx, query, taxonomy, slug))
	if err != nil {
		return Term{}, wrapNoRows(err, "get term by slug")
	}
	return t, nil
}

// Taxonomy implements Store.
func (s *PostgresStore) Taxonomy(ctx context.Context, name string) (Taxonomy, error) {
	query := `SELECT name, label, hierarchical FROM content_taxonomies WHERE name = $1`
	var tax Taxonomy
	if err := s.pool.QueryRow(ctx, query, name).Scan(&tax.Name, &tax.Label, &tax.Hierarchical); err != nil {
		return Taxonomy{}, wrapNoRows(err, "get taxonomy")
	}
	return tax, nil
}

// EntityTerms implements Store.
func (s *PostgresStore) EntityTerms(ctx context.Context, entityID int64) ([]Term, error) {
	query := `SELECT ` + termColumns + ` FROM content_terms t
		JOIN content_entity_terms et ON et.taxonomy = t.taxonomy AND et.term_id = t.id
		WHERE et.entity_id = $1
		ORDER BY t.taxonomy, t.name`
	return s.queryTerms(ctx, query, entityID)
}

// ChildTerms implements Store.
func (s *PostgresStore) ChildTerms(ctx context.Context, taxonomy string, parentID int64) ([]Term, error) {
	query := `SELECT ` + termColumns + ` FROM content_terms t
		WHERE t.taxonomy = $1 AND t.parent_id = $2
		ORDER BY t.name`
	return s.queryTerms(ctx, query, taxonomy, parentID)
}

// ListPublished implements Store.
func (s *PostgresStore) ListPublished(ctx context.Context, q ListQuery) ([]Entity, int, error) {
	var total int
	countQuery := `SELECT COUNT(*) FROM content_entities e WHERE ` + listFilter
	if err := s.pool.QueryRow(ctx, countQuery, q.Types, q.TermID, q.Taxonomy).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count published: %w", err)
	}

	var limit *int
	if q.Limit > 0 {
		limit = &q.Limit
	}
	query := `SELECT ` + entityColumns + ` FROM content_entities e WHERE ` + listFilter + `
		ORDER BY e.published_at DESC, e.id DESC
		LIMIT $4 OFFSET $5`
	rows, err := s.pool.Query(ctx, query, q.Types, q.TermID, q.Taxonomy, limit, max(q.Offset, 0))
	if err != nil {
		return nil, 0, fmt.Errorf("list published: %w", err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan entity row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate entity rows: %w", err)
	}
	return out, total, nil
}

// LatestModified implements Store.
func (s *PostgresStore) LatestModified(ctx context.Context, q ListQuery) (time.Time, error) {
	query := `SELECT MAX(e.modified_at) FROM content_entities e WHERE ` + listFilter
	var latest *time.Time
	if err := s.pool.QueryRow(ctx, query, q.Types, q.TermID, q.Taxonomy).Scan(&latest); err != nil {
		return time.Time{}, fmt.Errorf("latest modified: %w", err)
	}
	if latest == nil {
		return time.Time{}, nil
	}
	return *latest, nil
}

func (s *PostgresStore) queryTerms(ctx context.Context, query string, args ...any) ([]Term, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query terms: %w", err)
	}
	defer rows.Close()

	var out []Term
	for rows.Next() {
		t, err := scanTerm(rows)
		if err != nil {
			return nil, fmt.Errorf("scan term row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate term rows: %w", err)
	}
	return out, nil
}

func scanEntity(row pgx.Row) (Entity, error) {
	var (
		e                                                        Entity
		price, regular, sale, currency, sku, stock, excerpt, pwd *string
		author                                                   *string
	)
	err := row.Scan(
		&e.ID,
		&e.Type,
		&e.Status,
		&e.Title,
		&e.Content,
		&excerpt,
		&author,
		&pwd,
		&e.Path,
		&e.PublishedAt,
		&e.ModifiedAt,
		&e.Signals.AITrain,
		&e.Signals.Search,
		&e.Signals.AIInput,
		&price,
		&regular,
		&sale,
		&currency,
		&sku,
		&stock,
	)
	if err != nil {
		return Entity{}, err //nolint:wrapcheck // callers wrap with context
	}
	e.Excerpt = deref(excerpt)
	e.AuthorName = deref(author)
	e.Password = deref(pwd)
	c := Commerce{
		Price:        deref(price),
		RegularPrice: deref(regular),
		SalePrice:    deref(sale),
		Currency:     deref(currency),
		SKU:          deref(sku),
		StockStatus:  deref(stock),
	}
	if !c.Empty() {
		e.Commerce = &c
	}
	return e, nil
}

func scanTerm(row pgx.Row) (Term, error) {
	var (
		t           Term
		description *string
		path        *string
		parent      *int64
	)
	err := row.Scan(
		&t.ID,
		&t.Taxonomy,
		&t.Name,
		&t.Slug,
		&description,
		&parent,
		&t.Count,
		&path,
		&t.Signals.AITrain,
		&t.Signals.Search,
		&t.Signals.AIInput,
	)
	if err != nil {
		return Term{}, err //nolint:wrapcheck // callers wrap with context
	}
	t.Description = deref(description)
	t.Path = deref(path)
	if parent != nil {
		t.ParentID = *parent
	}
	return t, nil
}

func wrapNoRows(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ Store = (*PostgresStore)(nil)
var _ Store = (*MemoryStore)(nil)
