// Package ledger is the durable record of every build attempt, promotion and
// CI vote. It is the single source of truth shared by the scheduler, the
// result processor, the promotion manager and the purge engine.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"git.home.luguber.info/inful/repobuilder/internal/config"
	"git.home.luguber.info/inful/repobuilder/internal/foundation/errors"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore implements the ledger on top of database/sql. SQLite (modernc)
// and PostgreSQL (pgx) are supported; queries are written with '?'
// placeholders and rebound for PostgreSQL.
type SQLStore struct {
	db       *sql.DB
	q        querier
	postgres bool
}

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to the ledger described by a connection string and applies
// pending migrations.
func Open(ctx context.Context, connection string, opts Options) (*SQLStore, error) {
	driver, dsn, err := config.SplitConnection(connection)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.LedgerError("open database").WithCause(err).WithContext("driver", driver).Build()
	}

	if driver == "sqlite" {
		// One writer at a time; :memory: databases only exist on a single connection.
		db.SetMaxOpenConns(1)
	} else if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.LedgerError("ping database").WithCause(err).WithContext("driver", driver).Build()
	}

	s := &SQLStore{db: db, q: db, postgres: driver == "pgx"}
	if driver == "sqlite" {
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			_ = db.Close()
			return nil, errors.LedgerError("enable foreign keys").WithCause(err).Build()
		}
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenConfig opens the ledger configured in cfg.
func OpenConfig(ctx context.Context, cfg *config.Config) (*SQLStore, error) {
	return Open(ctx, cfg.Database.Connection, Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx runs fn against a store bound to one transaction. The transaction
// is committed when fn returns nil and rolled back otherwise.
func (s *SQLStore) WithTx(ctx context.Context, fn func(tx *SQLStore) error) error {
	if _, nested := s.q.(*sql.Tx); nested {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.LedgerError("begin transaction").WithCause(err).Build()
	}
	txStore := &SQLStore{db: s.db, q: tx, postgres: s.postgres}
	if err := fn(txStore); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			slog.Warn("Rollback failed", "error", rerr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.LedgerError("commit transaction").WithCause(err).Build()
	}
	return nil
}

// rebind converts '?' placeholders to '$n' for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.rebind(query), args...)
}

// insertID runs an INSERT ... RETURNING id statement.
func (s *SQLStore) insertID(ctx context.Context, query string, args ...any) (int64, error) {
	var id int64
	if err := s.queryRow(ctx, query+" RETURNING id", args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func ledgerErr(err error, msg string) error {
	return errors.LedgerError(msg).WithCause(err).Build()
}

func notFound(what string, args ...any) error {
	return fmt.Errorf("%s %v: %w", what, args, ErrNotFound)
}
