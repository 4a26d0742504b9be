package ledger

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// migration is one additive schema step. Steps are never edited or removed
// once released; new columns are always nullable or defaulted.
type migration struct {
	version    int
	name       string
	statements []string
}

// The {{pk}} token expands to the dialect's auto-increment primary key.
var migrations = []migration{
	{1, "commits and projects", []string{
		`CREATE TABLE IF NOT EXISTS commits (
			id {{pk}},
			dt_commit BIGINT NOT NULL,
			dt_distro BIGINT NOT NULL,
			dt_build BIGINT,
			project_name TEXT NOT NULL,
			repo_dir TEXT,
			distgit_dir TEXT,
			commit_hash TEXT NOT NULL,
			distro_hash TEXT,
			commit_branch TEXT,
			status TEXT NOT NULL,
			artifacts TEXT,
			notes TEXT,
			flags INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_commits_project ON commits(project_name, status)`,
		`CREATE INDEX IF NOT EXISTS idx_commits_hashes ON commits(commit_hash, distro_hash)`,
		`CREATE TABLE IF NOT EXISTS projects (
			id {{pk}},
			project_name TEXT NOT NULL UNIQUE,
			last_email BIGINT NOT NULL DEFAULT 0
		)`,
	}},
	{2, "extended hash", []string{
		`ALTER TABLE commits ADD COLUMN extended_hash TEXT`,
		`ALTER TABLE commits ADD COLUMN dt_extended BIGINT`,
	}},
	{3, "promotions", []string{
		`CREATE TABLE IF NOT EXISTS promotions (
			id {{pk}},
			commit_id BIGINT NOT NULL REFERENCES commits(id),
			promotion_name TEXT NOT NULL,
			timestamp BIGINT NOT NULL,
			username TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_promotions_name ON promotions(promotion_name)`,
	}},
	{4, "ci votes", []string{
		`CREATE TABLE IF NOT EXISTS civotes (
			id {{pk}},
			commit_id BIGINT NOT NULL REFERENCES commits(id),
			ci_name TEXT,
			ci_url TEXT,
			ci_vote BOOLEAN NOT NULL DEFAULT FALSE,
			ci_in_progress BOOLEAN NOT NULL DEFAULT FALSE,
			timestamp BIGINT NOT NULL,
			notes TEXT,
			username TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS civotes_agg (
			id {{pk}},
			ref_hash TEXT NOT NULL,
			ci_name TEXT,
			ci_url TEXT,
			ci_vote BOOLEAN NOT NULL DEFAULT FALSE,
			ci_in_progress BOOLEAN NOT NULL DEFAULT FALSE,
			timestamp BIGINT NOT NULL,
			notes TEXT,
			username TEXT
		)`,
	}},
	{5, "components", []string{
		`ALTER TABLE commits ADD COLUMN component TEXT`,
		`ALTER TABLE promotions ADD COLUMN component TEXT`,
		`ALTER TABLE promotions ADD COLUMN aggregate_hash TEXT`,
		`ALTER TABLE civotes ADD COLUMN component TEXT`,
	}},
	{6, "commit type", []string{
		`ALTER TABLE commits ADD COLUMN type TEXT NOT NULL DEFAULT 'rpm'`,
	}},
	{7, "users", []string{
		`CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			password TEXT NOT NULL
		)`,
	}},
}

func (s *SQLStore) migrate(ctx context.Context) error {
	if _, err := s.exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at BIGINT NOT NULL
	)`); err != nil {
		return ledgerErr(err, "create schema_migrations")
	}

	applied := map[int]bool{}
	rows, err := s.query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return ledgerErr(err, "read schema_migrations")
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return ledgerErr(err, "scan schema_migrations")
		}
		applied[v] = true
	}
	rows.Close()

	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.postgres {
		pk = "BIGSERIAL PRIMARY KEY"
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		err := s.WithTx(ctx, func(tx *SQLStore) error {
			for _, stmt := range m.statements {
				if _, err := tx.exec(ctx, strings.ReplaceAll(stmt, "{{pk}}", pk)); err != nil {
					return ledgerErr(err, "apply migration "+m.name)
				}
			}
			_, err := tx.exec(ctx, `INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
				m.version, m.name, time.Now().Unix())
			return err
		})
		if err != nil {
			return err
		}
		slog.Debug("Applied ledger migration", "version", m.version, "name", m.name)
	}
	return nil
}
