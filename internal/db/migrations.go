package db

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Version is stamped into the schema comment so later runs can tell a
// stripe-sync install apart from an unrelated schema carrying a _migrations
// table.
const Version = "v1.0"

const schemaCommentPrefix = "stripe-sync"

// ErrLegacyInstall indicates a _migrations table that was not created by
// this tool. Running migrations over it could corrupt a foreign schema, so
// the caller must drop the schema (or pick another) first.
var ErrLegacyInstall = errors.New("db: schema contains a legacy _migrations table not managed by stripe-sync")

// Migrate applies all embedded migrations to the given schema, creating the
// schema when absent. A schema comment marks the install; its absence
// combined with an existing _migrations table is rejected as a legacy
// install.
func Migrate(ctx context.Context, pool *pgxpool.Pool, schema string, logger *zap.Logger) error {
	if err := validateSchemaName(schema); err != nil {
		return err
	}

	if _, err := pool.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %q`, schema)); err != nil {
		return errors.Wrap(err, "failed to create schema")
	}

	legacy, err := isLegacyInstall(ctx, pool, schema)
	if err != nil {
		return err
	}
	if legacy {
		return ErrLegacyInstall
	}

	names, err := migrationNames()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin migration transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, fmt.Sprintf(`SET LOCAL search_path TO %q`, schema)); err != nil {
		return errors.Wrap(err, "failed to set search_path")
	}

	if _, err := tx.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS "_migrations" (
			id integer PRIMARY KEY,
			name text NOT NULL,
			executed_at timestamptz NOT NULL DEFAULT now()
		)`); err != nil {
		return errors.Wrap(err, "failed to create _migrations table")
	}

	applied := map[int]bool{}
	rows, err := tx.Query(ctx, `SELECT id FROM "_migrations"`)
	if err != nil {
		return errors.Wrap(err, "failed to read applied migrations")
	}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return errors.Wrap(err, "failed to scan migration row")
		}
		applied[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "failed to iterate migration rows")
	}

	for _, name := range names {
		id, err := migrationID(name)
		if err != nil {
			return err
		}
		if applied[id] {
			continue
		}

		sql, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return errors.Wrapf(err, "failed to read migration %s", name)
		}

		logger.Info("Applying migration", zap.String("name", name))
		if _, err := tx.Exec(ctx, string(sql)); err != nil {
			return errors.Wrapf(err, "migration %s failed", name)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO "_migrations" (id, name) VALUES ($1, $2)`, id, name); err != nil {
			return errors.Wrapf(err, "failed to record migration %s", name)
		}
	}

	comment := fmt.Sprintf("%s %s installed", schemaCommentPrefix, Version)
	if _, err := tx.Exec(ctx, fmt.Sprintf(`COMMENT ON SCHEMA %q IS '%s'`, schema, comment)); err != nil {
		return errors.Wrap(err, "failed to set schema comment")
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit migrations")
	}
	return nil
}

// DropSchema removes the schema and everything in it. Used by the CLI start
// flow to recover from a failed migration run.
func DropSchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if err := validateSchemaName(schema); err != nil {
		return err
	}
	_, err := pool.Exec(ctx, fmt.Sprintf(`DROP SCHEMA IF EXISTS %q CASCADE`, schema))
	if err != nil {
		return errors.Wrap(err, "failed to drop schema")
	}
	return nil
}

func isLegacyInstall(ctx context.Context, pool *pgxpool.Pool, schema string) (bool, error) {
	var hasMigrations bool
	err := pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = $1 AND table_name = '_migrations'
		)`, schema).Scan(&hasMigrations)
	if err != nil {
		return false, errors.Wrap(err, "failed to inspect schema")
	}
	if !hasMigrations {
		return false, nil
	}

	var comment *string
	err = pool.QueryRow(ctx, `
		SELECT obj_description(oid, 'pg_namespace')
		FROM pg_namespace WHERE nspname = $1`, schema).Scan(&comment)
	if err != nil {
		return false, errors.Wrap(err, "failed to read schema comment")
	}
	if comment == nil || !strings.HasPrefix(*comment, schemaCommentPrefix) {
		return true, nil
	}
	return false, nil
}

func migrationNames() ([]string, error) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list embedded migrations")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func migrationID(name string) (int, error) {
	idx := strings.IndexByte(name, '_')
	if idx <= 0 {
		return 0, fmt.Errorf("db: migration %q is not named <id>_<name>.sql", name)
	}
	var id int
	if _, err := fmt.Sscanf(name[:idx], "%d", &id); err != nil {
		return 0, fmt.Errorf("db: migration %q has a non-numeric id: %w", name, err)
	}
	return id, nil
}

func validateSchemaName(schema string) error {
	if schema == "" {
		return fmt.Errorf("db: schema name is empty")
	}
	for _, r := range schema {
		if r == '"' || r == ';' {
			return fmt.Errorf("db: invalid schema name %q", schema)
		}
	}
	return nil
}
