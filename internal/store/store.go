// Package store provides the persistence layer for every stator-managed
// entity: connection setup, migrations, and the driver-dependent SQL
// helpers (placeholders, insert-or-ignore, result scanning) that the stator
// engine and the repositories build their queries from. The schedule, lock
// and transition SQL itself lives in internal/stator.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Store wraps a database connection shared by every entity repository and
// by the stator engine.
type Store struct {
	DB     *sql.DB
	Driver string
}

// Open opens a database connection. The URL can be a bare file path (taken
// as a SQLite database), "sqlite://path", or "postgres://...".
func Open(databaseURL string) (*Store, error) {
	driver, dsn := detectDriver(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if driver == "sqlite" {
		// WAL mode allows concurrent readers alongside the single writer;
		// busy_timeout makes SQLite's own write serialisation graceful
		// instead of returning SQLITE_BUSY immediately. For deployments
		// with heavy concurrent inbox traffic, switch to PostgreSQL
		// (DATABASE_URL=postgres://...) — SQLite's single-writer model is a
		// hard ceiling no pragma tuning removes.
		const sqliteMaxConns = 4
		db.SetMaxOpenConns(sqliteMaxConns)
		db.SetMaxIdleConns(sqliteMaxConns)

		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
			"PRAGMA synchronous=NORMAL",
		} {
			if _, err := db.Exec(pragma); err != nil {
				return nil, fmt.Errorf("sqlite pragma (%s): %w", pragma, err)
			}
		}
		slog.Info("sqlite database opened", "max_conns", sqliteMaxConns)
	}

	return &Store{DB: db, Driver: driver}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.DB.Close() }

// Migrate runs all pending DDL. Safe to call on every startup.
func (s *Store) Migrate() error {
	slog.Info("running database migrations")
	for _, m := range commonMigrations {
		if _, err := s.DB.Exec(m); err != nil {
			if s.Driver == "postgres" && strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	slog.Info("migrations complete")
	return nil
}

// Placeholder returns the positional SQL placeholder token for argument
// index i (1-based): "?" for SQLite, "$i" for PostgreSQL.
func (s *Store) Placeholder(i int) string {
	if s.Driver == "postgres" {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

// Placeholders returns n placeholder tokens starting at index 1, comma
// joined — convenient for building "IN (...)" clauses and multi-arg
// INSERT/UPDATE statements.
func (s *Store) Placeholders(n int) string {
	toks := make([]string, n)
	for i := range toks {
		toks[i] = s.Placeholder(i + 1)
	}
	return strings.Join(toks, ", ")
}

// InsertOrIgnore returns the driver-appropriate "ON CONFLICT DO NOTHING"
// clause text, since SQLite and PostgreSQL spell it identically from
// version support available in both drivers used here.
func (s *Store) InsertOrIgnore() string {
	if s.Driver == "postgres" {
		return "ON CONFLICT DO NOTHING"
	}
	return "ON CONFLICT DO NOTHING"
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	return "sqlite", u
}

// ScanStrings scans a single-text-column result set into a slice, closing
// rows before returning.
func ScanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ScanInt64s scans a single-integer-column result set into a slice.
func ScanInt64s(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
