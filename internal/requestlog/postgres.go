package requestlog

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DefaultTable is the request log table name.
const DefaultTable = "mdfa_request_log"

// PostgresConfig controls the Postgres connection pool used for the request log.
type PostgresConfig struct {
	DSN   string
	Table string
	// EntityTable is joined on entity id to resolve titles for listing and search.
	// Leave empty when the content store lives elsewhere.
	EntityTable     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore implements Store on Postgres.
type PostgresStore struct {
	pool        pool
	table       string
	entityTable string
	psql        sq.StatementBuilderType
}

// NewPostgresStore creates a Postgres-backed Store using the provided config.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewPostgresStoreWithPool(p, cfg.Table, cfg.EntityTable)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewPostgresStoreWithPool(p pool, table, entityTable string) (*PostgresStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if entityTable != "" && !validTableName.MatchString(entityTable) {
		return nil, fmt.Errorf("invalid entity table name %q", entityTable)
	}
	return &PostgresStore{
		pool:        p,
		table:       table,
		entityTable: entityTable,
		psql:        sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}, nil
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	var one int
	if err := s.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("ping request log: %w", err)
	}
	return nil
}

// Insert implements Store.
func (s *PostgresStore) Insert(ctx context.Context, e Entry) (int64, error) {
	query := fmt.Sprintf(`
INSERT INTO %s (
	entity_id,
	term_id,
	taxonomy,
	request_method,
	user_agent,
	bot_name,
	bot_type,
	ip_address,
	tokens,
	created_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
) RETURNING id`, s.table)

	var id int64
	err := s.pool.QueryRow(ctx, query,
		e.EntityID,
		e.TermID,
		e.Taxonomy,
		e.Method,
		e.UserAgent,
		e.BotName,
		e.BotType,
		e.IP,
		e.Tokens,
		e.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert request log: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) titleColumn() string {
	if s.entityTable == "" {
		return "'' AS title"
	}
	return "COALESCE(e.title, '') AS title"
}

func (s *PostgresStore) from(b sq.SelectBuilder) sq.SelectBuilder {
	b = b.From(s.table + " l")
	if s.entityTable != "" {
		b = b.LeftJoin(s.entityTable + " e ON e.id = l.entity_id")
	}
	return b
}

func (s *PostgresStore) conditions(f Filter) sq.And {
	where := sq.And{}
	if f.Search != "" {
		pattern := "%" + escapeLike(f.Search) + "%"
		if s.entityTable != "" {
			where = append(where, sq.ILike{"e.title": pattern})
		} else {
			where = append(where, sq.Or{sq.ILike{"l.user_agent": pattern}, sq.ILike{"l.bot_name": pattern}})
		}
	}
	if f.BotType != "" {
		where = append(where, sq.Eq{"l.bot_type": f.BotType})
	}
	if f.BotName != "" {
		where = append(where, sq.Eq{"l.bot_name": f.BotName})
	}
	if f.Method != "" {
		where = append(where, sq.Eq{"l.request_method": f.Method})
	}
	if f.EntityID > 0 {
		where = append(where, sq.Eq{"l.entity_id": f.EntityID})
	}
	return where
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, f Filter) ([]Entry, int, error) {
	if err := f.Validate(); err != nil {
		return nil, 0, err
	}
	where := s.conditions(f)

	countSQL, countArgs, err := s.from(s.psql.Select("COUNT(*)")).Where(where).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build count query: %w", err)
	}
	var total int
	if err := s.pool.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count request log: %w", err)
	}

	dir := "DESC"
	if f.Ascending {
		dir = "ASC"
	}
	q := s.from(s.psql.Select(
		"l.id", "l.entity_id", "l.term_id", "l.taxonomy", "l.request_method", "l.user_agent",
		"l.bot_name", "l.bot_type", "l.ip_address", "l.tokens", "l.created_at", s.titleColumn(),
	)).Where(where).OrderBy("l."+f.OrderBy+" "+dir, "l.id "+dir)
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit)).Offset(uint64(f.Offset))
	} else if f.Offset > 0 {
		q = q.Offset(uint64(f.Offset))
	}
	listSQL, listArgs, err := q.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build list query: %w", err)
	}

	rows, err := s.pool.Query(ctx, listSQL, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list request log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(
			&e.ID, &e.EntityID, &e.TermID, &e.Taxonomy, &e.Method, &e.UserAgent,
			&e.BotName, &e.BotType, &e.IP, &e.Tokens, &e.CreatedAt, &e.Title,
		); err != nil {
			return nil, 0, fmt.Errorf("scan request log row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate request log rows: %w", err)
	}
	return out, total, nil
}

// Count implements Store.
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count request log: %w", err)
	}
	return n, nil
}

// TrimTo implements Store. Rows are removed oldest-first by id.
func (s *PostgresStore) TrimTo(ctx context.Context, maxRows int64) (int64, error) {
	if maxRows <= 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`
DELETE FROM %[1]s WHERE id IN (
	SELECT id FROM %[1]s ORDER BY id ASC
	LIMIT GREATEST((SELECT COUNT(*) FROM %[1]s) - $1, 0)
)`, s.table)
	tag, err := s.pool.Exec(ctx, query, maxRows)
	if err != nil {
		return 0, fmt.Errorf("trim request log: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Clear implements Store.
func (s *PostgresStore) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s", s.table)); err != nil {
		return fmt.Errorf("clear request log: %w", err)
	}
	return nil
}

// BotCounts implements Store.
func (s *PostgresStore) BotCounts(ctx context.Context) ([]BotCount, error) {
	query := fmt.Sprintf(`
SELECT bot_name, bot_type, COUNT(*), COALESCE(SUM(tokens), 0)
FROM %s
GROUP BY bot_name, bot_type
ORDER BY COUNT(*) DESC, bot_name ASC`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query bot counts: %w", err)
	}
	defer rows.Close()

	var out []BotCount
	for rows.Next() {
		var b BotCount
		if err := rows.Scan(&b.BotName, &b.BotType, &b.Requests, &b.Tokens); err != nil {
			return nil, fmt.Errorf("scan bot count: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bot counts: %w", err)
	}
	return out, nil
}

// TokenSummary implements Store.
func (s *PostgresStore) TokenSummary(ctx context.Context) (TokenSummary, error) {
	query := fmt.Sprintf(`
SELECT COUNT(*), COALESCE(SUM(tokens), 0), COALESCE(AVG(tokens), 0)::float8, COALESCE(MAX(tokens), 0)
FROM %s`, s.table)
	var ts TokenSummary
	if err := s.pool.QueryRow(ctx, query).Scan(&ts.Requests, &ts.Total, &ts.Average, &ts.Max); err != nil {
		return TokenSummary{}, fmt.Errorf("query token summary: %w", err)
	}
	return ts, nil
}

// TopEntities implements Store.
func (s *PostgresStore) TopEntities(ctx context.Context, limit int) ([]TopEntity, error) {
	if limit <= 0 {
		limit = 10
	}
	title := "''"
	if s.entityTable != "" {
		title = "COALESCE(MAX(e.title), '')"
	}
	q := s.from(s.psql.Select("l.entity_id", title, "COUNT(*)", "COALESCE(SUM(l.tokens), 0)")).
		Where(sq.Gt{"l.entity_id": 0}).
		GroupBy("l.entity_id").
		OrderBy("COUNT(*) DESC", "l.entity_id ASC").
		Limit(uint64(limit))
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build top entities query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query top entities: %w", err)
	}
	defer rows.Close()

	var out []TopEntity
	for rows.Next() {
		var te TopEntity
		if err := rows.Scan(&te.EntityID, &te.Title, &te.Requests, &te.Tokens); err != nil {
			return nil, fmt.Errorf("scan top entity: %w", err)
		}
		out = append(out, te)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate top entities: %w", err)
	}
	return out, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

var _ Store = (*PostgresStore)(nil)
