package requestlog

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/mdagent/internal/classifier"
)

// SchemaVersion is the request log schema this build expects.
const SchemaVersion = 3

const (
	metaTable      = "mdfa_meta"
	schemaVersionK = "request_log_schema_version"
)

type column struct {
	name string
	ddl  string
}

// Migrate brings the request log schema up to SchemaVersion. Each step checks
// column existence before altering, so a partially applied step can be re-run.
// Rows written before bot columns existed are classified with c.
func (s *PostgresStore) Migrate(ctx context.Context, c *classifier.Classifier, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if c == nil {
		c = classifier.NewDefault()
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, value TEXT NOT NULL)`, metaTable,
	)); err != nil {
		return fmt.Errorf("create meta table: %w", err)
	}
	current, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}
	if current >= SchemaVersion {
		logger.Debug("request log schema up to date", zap.Int("version", current))
		return nil
	}

	if current < 1 {
		if err := s.migrateBase(ctx); err != nil {
			return err
		}
	}
	if current < 2 {
		if err := s.addColumns(ctx,
			column{"term_id", "BIGINT NOT NULL DEFAULT 0"},
			column{"taxonomy", "TEXT NOT NULL DEFAULT ''"},
		); err != nil {
			return err
		}
	}
	if current < 3 {
		if err := s.addColumns(ctx,
			column{"bot_name", "TEXT NOT NULL DEFAULT ''"},
			column{"bot_type", "TEXT NOT NULL DEFAULT ''"},
		); err != nil {
			return err
		}
		backfilled, err := s.backfillBots(ctx, c)
		if err != nil {
			return err
		}
		logger.Info("request log bot columns backfilled", zap.Int64("rows", backfilled))
	}

	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (key, value) VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, metaTable),
		schemaVersionK, strconv.Itoa(SchemaVersion),
	); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	logger.Info("request log schema migrated", zap.Int("from", current), zap.Int("to", SchemaVersion))
	return nil
}

func (s *PostgresStore) schemaVersion(ctx context.Context) (int, error) {
	var raw string
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, metaTable), schemaVersionK,
	).Scan(&raw)
	if isNoRows(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", raw, err)
	}
	return v, nil
}

func (s *PostgresStore) migrateBase(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	entity_id BIGINT NOT NULL DEFAULT 0,
	request_method TEXT NOT NULL,
	user_agent TEXT NOT NULL DEFAULT '',
	ip_address TEXT NOT NULL DEFAULT '',
	tokens INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_created_at_idx ON %[1]s (created_at)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_entity_id_idx ON %[1]s (entity_id)`, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create request log table: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) columnExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
SELECT EXISTS (
	SELECT 1 FROM information_schema.columns
	WHERE table_schema = current_schema() AND table_name = $1 AND column_name = $2
)`, s.table, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check column %s: %w", name, err)
	}
	return exists, nil
}

func (s *PostgresStore) addColumns(ctx context.Context, cols ...column) error {
	for _, col := range cols {
		exists, err := s.columnExists(ctx, col.name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, s.table, col.name, col.ddl)); err != nil {
			return fmt.Errorf("add column %s: %w", col.name, err)
		}
	}
	return nil
}

// backfillBots classifies every distinct stored User-Agent that has no bot type yet.
func (s *PostgresStore) backfillBots(ctx context.Context, c *classifier.Classifier) (int64, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT DISTINCT user_agent FROM %s WHERE bot_type = ''`, s.table))
	if err != nil {
		return 0, fmt.Errorf("list unclassified user agents: %w", err)
	}
	var agents []string
	for rows.Next() {
		var ua string
		if err := rows.Scan(&ua); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan user agent: %w", err)
		}
		agents = append(agents, ua)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate user agents: %w", err)
	}

	var updated int64
	update := fmt.Sprintf(`UPDATE %s SET bot_name = $1, bot_type = $2 WHERE user_agent = $3 AND bot_type = ''`, s.table)
	for _, ua := range agents {
		res := c.Classify(ua)
		tag, err := s.pool.Exec(ctx, update, res.Name, string(res.Type), ua)
		if err != nil {
			return updated, fmt.Errorf("backfill bot columns: %w", err)
		}
		updated += tag.RowsAffected()
	}
	return updated, nil
}
