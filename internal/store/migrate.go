package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations are applied in order inside individual transactions and
// recorded in schema_migrations so restarts are idempotent.
var migrations = []struct {
	version string
	ddl     string
}{
	{
		version: "0001_init",
		ddl: `
			CREATE TABLE IF NOT EXISTS users (
				id BIGSERIAL PRIMARY KEY,
				username TEXT UNIQUE NOT NULL,
				password_hash TEXT NOT NULL,
				role TEXT NOT NULL DEFAULT 'editor',
				must_change_password BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				last_login TIMESTAMPTZ
			);

			CREATE TABLE IF NOT EXISTS libraries (
				id BIGSERIAL PRIMARY KEY,
				name TEXT UNIQUE NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE TABLE IF NOT EXISTS documents (
				id BIGSERIAL PRIMARY KEY,
				title TEXT NOT NULL,
				slug TEXT NOT NULL DEFAULT '',
				doc_type TEXT NOT NULL DEFAULT 'note',
				tags TEXT NOT NULL DEFAULT '',
				library_id BIGINT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE TABLE IF NOT EXISTS blocks (
				id BIGSERIAL PRIMARY KEY,
				doc_id BIGINT NOT NULL,
				block_type TEXT NOT NULL,
				content TEXT NOT NULL DEFAULT '',
				position INT NOT NULL DEFAULT 0,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE TABLE IF NOT EXISTS doc_access (
				user_id BIGINT NOT NULL,
				doc_id BIGINT NOT NULL,
				role TEXT NOT NULL DEFAULT 'reader',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (user_id, doc_id)
			);
		`,
	},
	{
		version: "0002_indexes",
		ddl: `
			CREATE INDEX IF NOT EXISTS idx_blocks_doc_id ON blocks (doc_id);
			CREATE UNIQUE INDEX IF NOT EXISTS uniq_docs_slug ON documents (slug) WHERE slug <> '';
			CREATE INDEX IF NOT EXISTS idx_docs_updated_at ON documents (updated_at DESC);
		`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}

	for _, migration := range migrations {
		if migrated, err := isMigrated(ctx, db, migration.version); err != nil {
			return err
		} else if migrated {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration tx %s: %w", migration.version, err)
		}

		if _, err := tx.ExecContext(ctx, migration.ddl); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", migration.version, err)
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, migration.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", migration.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", migration.version, err)
		}
	}

	return nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}
